package services

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shigmas/bacstack/internal/addrcache"
	"github.com/shigmas/bacstack/internal/apdu"
	"github.com/shigmas/bacstack/internal/composite"
	"github.com/shigmas/bacstack/internal/npdu"
	"github.com/shigmas/bacstack/internal/object"
	"github.com/shigmas/bacstack/internal/tag"
	"github.com/shigmas/bacstack/internal/tsm"
	"github.com/shigmas/bacstack/internal/values"
	"github.com/shigmas/bacstack/pkg/bacnet"
	"github.com/shigmas/bacstack/pkg/transport"
)

// addressCacheTTLSeconds is how long an address learned from an
// unsolicited I-Am/I-Have is trusted before it must be re-verified,
// ASHRAE 135 leaves the exact value to the implementation.
const addressCacheTTLSeconds = 3600

// covSubscription is one live SubscribeCOV/SubscribeCOVProperty
// registration: who asked (recipient, for the notification's destination
// parameter, and address, for where to actually send the PDU), what
// they're watching, and until when.
type covSubscription struct {
	recipient  composite.DestinationRecipient
	address    bacnet.Address
	objectType bacnet.ObjectType
	instance   uint32
	property   *bacnet.PropertyIdentifier // nil for a whole-object SubscribeCOV
	confirmed  bool
	expiresAt  time.Time
}

func (s *covSubscription) matches(objType bacnet.ObjectType, instance uint32) bool {
	return s.objectType == objType && s.instance == instance
}

// Server wires the service codecs in this package to a device's object
// database, address cache, and datalink, and registers them against an
// internal/tsm.Dispatcher. One Server serves one local device.
type Server struct {
	log            *logrus.Entry
	device         *object.Device
	db             object.Database
	deviceInstance uint32
	cache          *addrcache.Cache
	dl             transport.Datalink

	reinitPassword string
	commPassword   string
	commDisabled   bool

	subMu         sync.Mutex
	subscriptions []*covSubscription
}

// NewServer constructs a Server for the given device. reinitPassword and
// commPassword gate ReinitializeDevice/DeviceCommunicationControl; an
// empty password accepts requests with no password supplied.
func NewServer(device *object.Device, db object.Database, deviceInstance uint32, cache *addrcache.Cache, dl transport.Datalink, reinitPassword, commPassword string, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.WithField("component", "services")
	}
	return &Server{
		log:            log,
		device:         device,
		db:             db,
		deviceInstance: deviceInstance,
		cache:          cache,
		dl:             dl,
		reinitPassword: reinitPassword,
		commPassword:   commPassword,
	}
}

// Register installs every handler this Server implements into d. A
// confirmed service this Server doesn't implement is left unregistered,
// so internal/tsm.Dispatcher's own Reject-unrecognized-service fallback
// answers it; there is nothing more to wire here for those.
func (s *Server) Register(d *tsm.Dispatcher) {
	d.RegisterConfirmed(apdu.ServiceConfirmedReadProperty, s.handleReadProperty)
	d.RegisterConfirmed(apdu.ServiceConfirmedReadPropertyMultiple, s.handleReadPropertyMultiple)
	d.RegisterConfirmed(apdu.ServiceConfirmedWriteProperty, s.handleWriteProperty)
	d.RegisterConfirmed(apdu.ServiceConfirmedWritePropertyMultiple, s.handleWritePropertyMultiple)
	d.RegisterConfirmed(apdu.ServiceConfirmedReinitializeDevice, s.handleReinitializeDevice)
	d.RegisterConfirmed(apdu.ServiceConfirmedDeviceCommunicationControl, s.handleDeviceCommunicationControl)
	d.RegisterConfirmed(apdu.ServiceConfirmedAtomicReadFile, s.handleAtomicReadFile)
	d.RegisterConfirmed(apdu.ServiceConfirmedAtomicWriteFile, s.handleAtomicWriteFile)
	d.RegisterConfirmed(apdu.ServiceConfirmedGetAlarmSummary, s.handleGetAlarmSummary)
	d.RegisterConfirmed(apdu.ServiceConfirmedGetEventInformation, s.handleGetEventInformation)
	d.RegisterConfirmed(apdu.ServiceConfirmedAcknowledgeAlarm, s.handleAcknowledgeAlarm)
	d.RegisterConfirmed(apdu.ServiceConfirmedConfirmedEventNotification, s.handleConfirmedEventNotification)
	d.RegisterConfirmed(apdu.ServiceConfirmedSubscribeCOV, s.handleSubscribeCOV)
	d.RegisterConfirmed(apdu.ServiceConfirmedSubscribeCOVProperty, s.handleSubscribeCOVProperty)
	d.RegisterConfirmed(apdu.ServiceConfirmedConfirmedCOVNotification, s.handleConfirmedCOVNotification)
	d.RegisterConfirmed(apdu.ServiceConfirmedLifeSafetyOperation, s.handleLifeSafetyOperation)
	d.RegisterConfirmed(apdu.ServiceConfirmedCreateObject, s.handleCreateObject)
	d.RegisterConfirmed(apdu.ServiceConfirmedDeleteObject, s.handleDeleteObject)
	d.RegisterConfirmed(apdu.ServiceConfirmedAddListElement, s.handleAddListElement)
	d.RegisterConfirmed(apdu.ServiceConfirmedRemoveListElement, s.handleRemoveListElement)

	d.RegisterUnconfirmed(apdu.ServiceUnconfirmedWhoIs, s.handleWhoIs)
	d.RegisterUnconfirmed(apdu.ServiceUnconfirmedIAm, s.handleIAm)
	d.RegisterUnconfirmed(apdu.ServiceUnconfirmedWhoHas, s.handleWhoHas)
	d.RegisterUnconfirmed(apdu.ServiceUnconfirmedIHave, s.handleIHave)
	d.RegisterUnconfirmed(apdu.ServiceUnconfirmedTimeSync, s.handleTimeSynchronization)
	d.RegisterUnconfirmed(apdu.ServiceUnconfirmedUTCTimeSync, s.handleTimeSynchronization)
	d.RegisterUnconfirmed(apdu.ServiceUnconfirmedEventNotification, s.handleUnconfirmedEventNotification)
	d.RegisterUnconfirmed(apdu.ServiceUnconfirmedCOVNotification, s.handleUnconfirmedCOVNotification)
}

func (s *Server) isLocalDevice(objectType bacnet.ObjectType, instance uint32) bool {
	return objectType == bacnet.ObjectDevice && instance == s.deviceInstance
}

// handleReadProperty implements ReadProperty, ASHRAE 135 clause 15.5.
// Object-List's whole-array form (no array index) is special-cased here
// rather than in internal/object, since encoding a BACnetARRAY is a
// services-layer concern per that package's own comment on
// errObjectListIsArray.
func (s *Server) handleReadProperty(source bacnet.Address, invokeID uint8, data []byte) (apdu.Message, error) {
	req, err := DecodeReadPropertyRequest(data)
	if err != nil {
		return nil, err
	}

	var ackData []byte
	if s.isLocalDevice(req.ObjectType, req.Instance) && req.Property == bacnet.PropObjectList && req.ArrayIndex == bacnet.ArrayIndexNone {
		ackData = s.encodeObjectListAck(req)
	} else {
		val, err := s.db.ReadProperty(req)
		if err != nil {
			return nil, err
		}
		ackData = EncodeReadPropertyAck(ReadPropertyAck{
			ObjectType: req.ObjectType,
			Instance:   req.Instance,
			Property:   req.Property,
			ArrayIndex: req.ArrayIndex,
			Value:      val,
		})
	}

	return &apdu.ComplexAckMessage{
		MessageBase: apdu.MessageBase{ServiceType: apdu.PDUTypeComplexAck},
		InvokeID:    invokeID,
		ServiceID:   apdu.ServiceConfirmedReadProperty,
		ServiceData: ackData,
	}, nil
}

func (s *Server) encodeObjectListAck(req object.ReadPropertyRequest) []byte {
	buf := new(bytes.Buffer)
	values.ObjectID{Type: uint16(req.ObjectType), Instance: req.Instance}.EncodeContext(buf, tag.Number(0))
	values.Enumerated(req.Property).EncodeContext(buf, tag.Number(1))
	tag.EncodeOpening(buf, tag.Number(3))
	for i := 1; i <= s.device.ObjectListLen(); i++ {
		entry, ok := s.device.ObjectListEntry(i)
		if !ok {
			break
		}
		entry.EncodeApplication(buf)
	}
	tag.EncodeClosing(buf, tag.Number(3))
	return buf.Bytes()
}

// handleWriteProperty implements WriteProperty, ASHRAE 135 clause 15.9.
func (s *Server) handleWriteProperty(source bacnet.Address, invokeID uint8, data []byte) (apdu.Message, error) {
	req, err := DecodeWritePropertyRequest(data)
	if err != nil {
		return nil, err
	}
	if err := s.db.WriteProperty(req); err != nil {
		return nil, err
	}
	s.notifySubscribers(req.ObjectType, req.Instance, []composite.PropertyValue{{
		Identifier: req.Property,
		ArrayIndex: req.ArrayIndex,
		Value:      req.Value,
	}})
	return &apdu.SimpleAckMessage{
		MessageBase: apdu.MessageBase{ServiceType: apdu.PDUTypeSimpleAck},
		InvokeID:    invokeID,
		ServiceID:   apdu.ServiceConfirmedWriteProperty,
	}, nil
}

// handleReadPropertyMultiple implements ReadPropertyMultiple, ASHRAE 135
// clause 15.7. The special property identifiers ALL/REQUIRED/OPTIONAL
// expand against the object's property list; a failed individual
// property read becomes a per-property error entry, not a failed
// request, per clause 15.7's error-reporting model.
//
// Known simplification: an array property requested whole (no array
// index, e.g. Object-List) inside a ReadPropertyMultiple reports the
// same ErrorClassDevice/ErrorCodeOther every unhandled db error
// reports, rather than expanding the array the way a standalone
// ReadProperty does — BACnetARRAY-of-results has no representation in
// composite.ReadAccessResultProperty, which holds one values.Value.
func (s *Server) handleReadPropertyMultiple(source bacnet.Address, invokeID uint8, data []byte) (apdu.Message, error) {
	req, err := DecodeReadPropertyMultipleRequest(data)
	if err != nil {
		return nil, err
	}

	var results []composite.ReadAccessResult
	for _, spec := range req.Specifications {
		objType := bacnet.ObjectType(spec.Object.Type)
		result := composite.ReadAccessResult{Object: spec.Object}
		for _, ref := range s.expandReferences(objType, spec.References) {
			result.Results = append(result.Results, s.readOneProperty(objType, spec.Object.Instance, ref))
		}
		results = append(results, result)
	}

	ackData := EncodeReadPropertyMultipleAck(ReadPropertyMultipleAck{Results: results})
	return &apdu.ComplexAckMessage{
		MessageBase: apdu.MessageBase{ServiceType: apdu.PDUTypeComplexAck},
		InvokeID:    invokeID,
		ServiceID:   apdu.ServiceConfirmedReadPropertyMultiple,
		ServiceData: ackData,
	}, nil
}

func (s *Server) expandReferences(objType bacnet.ObjectType, refs []composite.PropertyReference) []composite.PropertyReference {
	if len(refs) != 1 {
		return refs
	}
	required, optional, proprietary := s.db.PropertyLists(objType)
	switch refs[0].Identifier {
	case bacnet.PropAll:
		all := append(append(append([]bacnet.PropertyIdentifier{}, required...), optional...), proprietary...)
		return propertyRefsFor(all)
	case bacnet.PropRequired:
		return propertyRefsFor(required)
	case bacnet.PropOptional:
		return propertyRefsFor(optional)
	default:
		return refs
	}
}

func propertyRefsFor(ids []bacnet.PropertyIdentifier) []composite.PropertyReference {
	refs := make([]composite.PropertyReference, len(ids))
	for i, id := range ids {
		refs[i] = composite.PropertyReference{Identifier: id, ArrayIndex: bacnet.ArrayIndexNone}
	}
	return refs
}

func (s *Server) readOneProperty(objType bacnet.ObjectType, instance uint32, ref composite.PropertyReference) composite.ReadAccessResultProperty {
	item := composite.ReadAccessResultProperty{Reference: ref}
	val, err := s.db.ReadProperty(object.ReadPropertyRequest{
		ObjectType: objType,
		Instance:   instance,
		Property:   ref.Identifier,
		ArrayIndex: ref.ArrayIndex,
	})
	if err != nil {
		var svcErr bacnet.ServiceError
		if !errors.As(err, &svcErr) {
			svcErr = bacnet.ServiceError{Class: bacnet.ErrorClassDevice, Code: bacnet.ErrorCodeOther}
		}
		item.Err = &svcErr
		return item
	}
	item.Value = val
	return item
}

// handleReinitializeDevice implements ReinitializeDevice, ASHRAE 135
// clause 16.4. This core does not actually restart a process; it
// acknowledges a correctly-authenticated request and logs the
// requested state for whatever supervises this process to act on.
func (s *Server) handleReinitializeDevice(source bacnet.Address, invokeID uint8, data []byte) (apdu.Message, error) {
	req, err := DecodeReinitializeDeviceRequest(data)
	if err != nil {
		return nil, err
	}
	if s.reinitPassword != "" && req.Password != s.reinitPassword {
		return nil, fmt.Errorf("reinitialize-device password mismatch: %w", bacnet.ServiceError{
			Class: bacnet.ErrorClassSecurity,
			Code:  bacnet.ErrorCodePasswordFailure,
		})
	}
	s.log.WithField("state", req.State).Info("reinitialize-device requested")
	return &apdu.SimpleAckMessage{
		MessageBase: apdu.MessageBase{ServiceType: apdu.PDUTypeSimpleAck},
		InvokeID:    invokeID,
		ServiceID:   apdu.ServiceConfirmedReinitializeDevice,
	}, nil
}

// handleDeviceCommunicationControl implements DeviceCommunicationControl,
// ASHRAE 135 clause 16.1. It only records the requested state: none of
// this Server's handlers check it, and the requested duration is not
// tracked. Both Disable and DisableInitiation make CommunicationEnabled
// report false; it is the caller's receive loop that consults
// CommunicationEnabled before dispatching, still letting
// DeviceCommunicationControl itself through.
func (s *Server) handleDeviceCommunicationControl(source bacnet.Address, invokeID uint8, data []byte) (apdu.Message, error) {
	req, err := DecodeDeviceCommunicationControlRequest(data)
	if err != nil {
		return nil, err
	}
	if s.commPassword != "" && req.Password != s.commPassword {
		return nil, fmt.Errorf("device-communication-control password mismatch: %w", bacnet.ServiceError{
			Class: bacnet.ErrorClassSecurity,
			Code:  bacnet.ErrorCodePasswordFailure,
		})
	}
	s.commDisabled = req.EnableDisable != CommunicationEnable
	return &apdu.SimpleAckMessage{
		MessageBase: apdu.MessageBase{ServiceType: apdu.PDUTypeSimpleAck},
		InvokeID:    invokeID,
		ServiceID:   apdu.ServiceConfirmedDeviceCommunicationControl,
	}, nil
}

// CommunicationEnabled reports whether DeviceCommunicationControl has
// disabled this device's communication; a caller's receive loop should
// stop dispatching confirmed requests (other than
// DeviceCommunicationControl itself) while this is false.
func (s *Server) CommunicationEnabled() bool { return !s.commDisabled }

// handleWhoIs implements Who-Is, ASHRAE 135 clause 16.9: answer with
// I-Am if our device instance falls in the requested range, or always
// if no range was given.
func (s *Server) handleWhoIs(source bacnet.Address, data []byte) {
	req, err := DecodeWhoIs(data)
	if err != nil {
		s.log.WithError(err).Debug("dropping malformed who-is")
		return
	}
	if req.LowLimit != nil && req.HighLimit != nil {
		if s.deviceInstance < *req.LowLimit || s.deviceInstance > *req.HighLimit {
			return
		}
	}
	if err := s.sendIAm(); err != nil {
		s.log.WithError(err).Warn("failed to send i-am")
	}
}

func (s *Server) sendIAm() error {
	iam := IAm{
		DeviceID:              values.ObjectID{Type: uint16(bacnet.ObjectDevice), Instance: s.deviceInstance},
		MaxAPDULengthAccepted: s.deviceUnsignedProp(bacnet.PropMaxAPDULengthAccepted, 1476),
		Segmentation:          s.deviceEnumProp(bacnet.PropSegmentationSupported, 0),
		VendorID:              s.deviceUnsignedProp(bacnet.PropVendorIdentifier, 0),
	}
	msg := &apdu.UnconfirmedMessage{
		MessageBase: apdu.MessageBase{ServiceType: apdu.PDUTypeUnconfirmedServiceRequest},
		ServiceID:   apdu.ServiceUnconfirmedIAm,
		ServiceData: EncodeIAm(iam),
	}
	return s.broadcastUnconfirmed(msg)
}

func (s *Server) deviceUnsignedProp(prop bacnet.PropertyIdentifier, fallback uint32) uint32 {
	v, err := s.db.ReadProperty(object.ReadPropertyRequest{ObjectType: bacnet.ObjectDevice, Instance: s.deviceInstance, Property: prop, ArrayIndex: bacnet.ArrayIndexNone})
	if err != nil {
		return fallback
	}
	if u, ok := v.(values.Unsigned); ok {
		return uint32(u)
	}
	return fallback
}

func (s *Server) deviceEnumProp(prop bacnet.PropertyIdentifier, fallback values.Enumerated) values.Enumerated {
	v, err := s.db.ReadProperty(object.ReadPropertyRequest{ObjectType: bacnet.ObjectDevice, Instance: s.deviceInstance, Property: prop, ArrayIndex: bacnet.ArrayIndexNone})
	if err != nil {
		return fallback
	}
	if e, ok := v.(values.Enumerated); ok {
		return e
	}
	return fallback
}

func (s *Server) broadcastUnconfirmed(msg apdu.Message) error {
	return s.sendUnconfirmedPDU(s.dl.BroadcastAddress(), msg, true)
}

func (s *Server) sendUnconfirmedPDU(dest bacnet.Address, msg apdu.Message, broadcast bool) error {
	n := &npdu.Message{Control: npdu.Control{Priority: npdu.PriorityNormal}, APDU: msg}
	npduBytes, err := n.Encode()
	if err != nil {
		return err
	}
	_, err = s.dl.SendPDU(dest, npduBytes, broadcast)
	return err
}

// handleIAm implements the receiving side of I-Am, ASHRAE 135 clause
// 16.10: record the announcing device's address in the address cache so
// a later request to that device-id doesn't have to rediscover it.
func (s *Server) handleIAm(source bacnet.Address, data []byte) {
	iam, err := DecodeIAm(data)
	if err != nil {
		s.log.WithError(err).Debug("dropping malformed i-am")
		return
	}
	s.cache.Add(iam.DeviceID.Instance, source, iam.MaxAPDULengthAccepted, uint8(iam.Segmentation), addressCacheTTLSeconds, false)
}

// handleWhoHas implements Who-Has, ASHRAE 135 clause 16.8: answer with
// I-Have if the requested object-identifier or object-name is present
// in our own Object-List and our device instance falls in the
// requested range, if any.
func (s *Server) handleWhoHas(source bacnet.Address, data []byte) {
	req, err := DecodeWhoHas(data)
	if err != nil {
		s.log.WithError(err).Debug("dropping malformed who-has")
		return
	}
	if req.LowLimit != nil && req.HighLimit != nil {
		if s.deviceInstance < *req.LowLimit || s.deviceInstance > *req.HighLimit {
			return
		}
	}

	found, ok := s.findOwnObject(req)
	if !ok {
		return
	}
	name, _ := s.db.ReadProperty(object.ReadPropertyRequest{
		ObjectType: bacnet.ObjectType(found.Type), Instance: found.Instance,
		Property: bacnet.PropObjectName, ArrayIndex: bacnet.ArrayIndexNone,
	})
	objectName, _ := name.(values.CharacterString)

	ihave := IHave{
		DeviceID:   values.ObjectID{Type: uint16(bacnet.ObjectDevice), Instance: s.deviceInstance},
		ObjectID:   found,
		ObjectName: objectName.Text,
	}
	msg := &apdu.UnconfirmedMessage{
		MessageBase: apdu.MessageBase{ServiceType: apdu.PDUTypeUnconfirmedServiceRequest},
		ServiceID:   apdu.ServiceUnconfirmedIHave,
		ServiceData: EncodeIHave(ihave),
	}
	if err := s.broadcastUnconfirmed(msg); err != nil {
		s.log.WithError(err).Warn("failed to send i-have")
	}
}

func (s *Server) findOwnObject(req WhoHas) (values.ObjectID, bool) {
	for i := 1; i <= s.device.ObjectListLen(); i++ {
		entry, ok := s.device.ObjectListEntry(i)
		if !ok {
			continue
		}
		if req.ObjectID != nil && entry == *req.ObjectID {
			return entry, true
		}
		if req.ObjectName != nil {
			name, err := s.db.ReadProperty(object.ReadPropertyRequest{
				ObjectType: bacnet.ObjectType(entry.Type), Instance: entry.Instance,
				Property: bacnet.PropObjectName, ArrayIndex: bacnet.ArrayIndexNone,
			})
			if err != nil {
				continue
			}
			if cs, ok := name.(values.CharacterString); ok && cs.Text == *req.ObjectName {
				return entry, true
			}
		}
	}
	return values.ObjectID{}, false
}

// handleIHave implements the receiving side of I-Have, ASHRAE 135
// clause 16.7: record the responding device's address, the same way
// handleIAm does, so the discovered object's owner is bound too.
func (s *Server) handleIHave(source bacnet.Address, data []byte) {
	ihave, err := DecodeIHave(data)
	if err != nil {
		s.log.WithError(err).Debug("dropping malformed i-have")
		return
	}
	s.cache.Add(ihave.DeviceID.Instance, source, 0, 0, addressCacheTTLSeconds, false)
}

// handleTimeSynchronization implements Time-Synchronization and
// UTC-Time-Synchronization, ASHRAE 135 clause 16.14/16.15. This core
// has no clock to set; it logs the announced time for whatever
// supervises the process to reconcile.
func (s *Server) handleTimeSynchronization(source bacnet.Address, data []byte) {
	ts, err := DecodeTimeSynchronization(data)
	if err != nil {
		s.log.WithError(err).Debug("dropping malformed time-synchronization")
		return
	}
	s.log.WithField("time", ts.Time).WithField("from", source).Info("time synchronization received")
}

func simpleAck(invokeID uint8, serviceID apdu.ServiceConfirmed) apdu.Message {
	return &apdu.SimpleAckMessage{
		MessageBase: apdu.MessageBase{ServiceType: apdu.PDUTypeSimpleAck},
		InvokeID:    invokeID,
		ServiceID:   serviceID,
	}
}

func complexAck(invokeID uint8, serviceID apdu.ServiceConfirmed, data []byte) apdu.Message {
	return &apdu.ComplexAckMessage{
		MessageBase: apdu.MessageBase{ServiceType: apdu.PDUTypeComplexAck},
		InvokeID:    invokeID,
		ServiceID:   serviceID,
		ServiceData: data,
	}
}

// handleWritePropertyMultiple implements WritePropertyMultiple, ASHRAE
// 135 clause 15.10, by writing each object's properties in turn through
// object.Database and firing a COV notification per affected object.
// ASHRAE requires an all-or-nothing BACnetWritePropertyMultiple failure
// report on the first failing write; this core reports the first error
// as a whole-request ErrorMessage rather than threading a per-object
// result list, since object.Database gives no way to roll back a
// partially-applied write.
func (s *Server) handleWritePropertyMultiple(source bacnet.Address, invokeID uint8, data []byte) (apdu.Message, error) {
	req, err := DecodeWritePropertyMultipleRequest(data)
	if err != nil {
		return nil, err
	}
	for _, spec := range req.Specifications {
		objType := bacnet.ObjectType(spec.Object.Type)
		for _, pv := range spec.Properties {
			if err := s.db.WriteProperty(object.WritePropertyRequest{
				ObjectType: objType,
				Instance:   spec.Object.Instance,
				Property:   pv.Identifier,
				ArrayIndex: pv.ArrayIndex,
				Value:      pv.Value,
				Priority:   pv.Priority,
			}); err != nil {
				return nil, err
			}
		}
		s.notifySubscribers(objType, spec.Object.Instance, spec.Properties)
	}
	return simpleAck(invokeID, apdu.ServiceConfirmedWritePropertyMultiple), nil
}

// handleAtomicReadFile implements AtomicReadFile, ASHRAE 135 clause
// 14.1, streamAccess only. This core has no File objects behind
// object.Database, so every request that decodes cleanly still answers
// ErrorCodeUnknownObject; record-access requests are rejected by the
// codec itself before reaching here.
func (s *Server) handleAtomicReadFile(source bacnet.Address, invokeID uint8, data []byte) (apdu.Message, error) {
	if _, err := DecodeAtomicReadFileRequest(data); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("atomic-read-file: %w", bacnet.ServiceError{
		Class: bacnet.ErrorClassObject,
		Code:  bacnet.ErrorCodeUnknownObject,
	})
}

// handleAtomicWriteFile implements AtomicWriteFile, ASHRAE 135 clause
// 14.2, streamAccess only, with the same no-File-objects limitation as
// handleAtomicReadFile.
func (s *Server) handleAtomicWriteFile(source bacnet.Address, invokeID uint8, data []byte) (apdu.Message, error) {
	if _, err := DecodeAtomicWriteFileRequest(data); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("atomic-write-file: %w", bacnet.ServiceError{
		Class: bacnet.ErrorClassObject,
		Code:  bacnet.ErrorCodeUnknownObject,
	})
}

// handleGetAlarmSummary implements GetAlarmSummary, ASHRAE 135 clause
// 13.4. This core's object database tracks no alarm/fault state, so the
// conformant answer is always an empty summary list rather than a
// fabricated one.
func (s *Server) handleGetAlarmSummary(source bacnet.Address, invokeID uint8, data []byte) (apdu.Message, error) {
	return complexAck(invokeID, apdu.ServiceConfirmedGetAlarmSummary, EncodeGetAlarmSummaryAck(GetAlarmSummaryAck{})), nil
}

// handleGetEventInformation implements GetEventInformation, ASHRAE 135
// clause 13.6, with the same no-event-state limitation as
// handleGetAlarmSummary: the request decodes correctly, including its
// optional resume-point, but the answer is always an empty list.
func (s *Server) handleGetEventInformation(source bacnet.Address, invokeID uint8, data []byte) (apdu.Message, error) {
	if _, err := DecodeGetEventInformationRequest(data); err != nil {
		return nil, err
	}
	ack := GetEventInformationAck{MoreEvents: false}
	return complexAck(invokeID, apdu.ServiceConfirmedGetEventInformation, EncodeGetEventInformationAck(ack)), nil
}

// handleAcknowledgeAlarm implements AcknowledgeAlarm, ASHRAE 135 clause
// 13.2. This core tracks no alarm state to clear, so an
// authenticated-looking acknowledgement is simply logged and accepted.
func (s *Server) handleAcknowledgeAlarm(source bacnet.Address, invokeID uint8, data []byte) (apdu.Message, error) {
	req, err := DecodeAcknowledgeAlarmRequest(data)
	if err != nil {
		return nil, err
	}
	s.log.WithField("event_object", req.EventObjectID).WithField("process_id", req.ProcessID).Info("alarm acknowledged")
	return simpleAck(invokeID, apdu.ServiceConfirmedAcknowledgeAlarm), nil
}

// handleConfirmedEventNotification implements the confirmed form of
// EventNotification, ASHRAE 135 clause 13.3: this core is a listener,
// not an event-algorithm evaluator, so a well-formed notification is
// logged and acknowledged.
func (s *Server) handleConfirmedEventNotification(source bacnet.Address, invokeID uint8, data []byte) (apdu.Message, error) {
	n, err := DecodeEventNotification(data)
	if err != nil {
		return nil, err
	}
	s.log.WithField("event_object", n.EventObject).WithField("to_state", n.ToState).Info("confirmed event notification received")
	return simpleAck(invokeID, apdu.ServiceConfirmedConfirmedEventNotification), nil
}

// handleUnconfirmedEventNotification is the unconfirmed counterpart of
// handleConfirmedEventNotification; there is no ACK to send.
func (s *Server) handleUnconfirmedEventNotification(source bacnet.Address, data []byte) {
	n, err := DecodeEventNotification(data)
	if err != nil {
		s.log.WithError(err).Debug("dropping malformed event notification")
		return
	}
	s.log.WithField("event_object", n.EventObject).WithField("to_state", n.ToState).Info("unconfirmed event notification received")
}

// handleLifeSafetyOperation implements LifeSafetyOperation, ASHRAE 135
// clause 13.13. This core's object database has no life-safety object
// type to drive, so a well-formed operation is logged and acknowledged
// rather than acted on.
func (s *Server) handleLifeSafetyOperation(source bacnet.Address, invokeID uint8, data []byte) (apdu.Message, error) {
	req, err := DecodeLifeSafetyOperationRequest(data)
	if err != nil {
		return nil, err
	}
	s.log.WithField("target_object", req.TargetObject).WithField("operation", req.Operation).Info("life safety operation requested")
	return simpleAck(invokeID, apdu.ServiceConfirmedLifeSafetyOperation), nil
}

// handleCreateObject implements CreateObject, ASHRAE 135 clause 15.3.
// See CreateObjectRequest's doc comment: this core has no generic
// object factory, so a correctly-decoded request still answers
// ErrorCodeDynamicCreationNotSupported.
func (s *Server) handleCreateObject(source bacnet.Address, invokeID uint8, data []byte) (apdu.Message, error) {
	if _, err := DecodeCreateObjectRequest(data); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("create-object: %w", bacnet.ServiceError{
		Class: bacnet.ErrorClassObject,
		Code:  bacnet.ErrorCodeDynamicCreationNotSupported,
	})
}

// handleDeleteObject implements DeleteObject, ASHRAE 135 clause 15.4.
// See DeleteObjectRequest's doc comment: this core's object set is
// fixed, so a correctly-decoded request answers
// ErrorCodeObjectDeletionNotPermitted.
func (s *Server) handleDeleteObject(source bacnet.Address, invokeID uint8, data []byte) (apdu.Message, error) {
	if _, err := DecodeDeleteObjectRequest(data); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("delete-object: %w", bacnet.ServiceError{
		Class: bacnet.ErrorClassObject,
		Code:  bacnet.ErrorCodeObjectDeletionNotPermitted,
	})
}

// handleAddListElement implements AddListElement, ASHRAE 135 clause
// 15.1. object.Database exposes no generic list-valued property
// mutation, so a correctly-decoded request answers
// ErrorCodeServiceRequestDenied rather than silently no-op'ing.
func (s *Server) handleAddListElement(source bacnet.Address, invokeID uint8, data []byte) (apdu.Message, error) {
	if _, err := DecodeListElementRequest(data); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("add-list-element: %w", bacnet.ServiceError{
		Class: bacnet.ErrorClassServices,
		Code:  bacnet.ErrorCodeServiceRequestDenied,
	})
}

// handleRemoveListElement is RemoveListElement, ASHRAE 135 clause 15.8,
// sharing ListElementRequest's parameter list and handleAddListElement's
// no-generic-list-mutation limitation.
func (s *Server) handleRemoveListElement(source bacnet.Address, invokeID uint8, data []byte) (apdu.Message, error) {
	if _, err := DecodeListElementRequest(data); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("remove-list-element: %w", bacnet.ServiceError{
		Class: bacnet.ErrorClassServices,
		Code:  bacnet.ErrorCodeServiceRequestDenied,
	})
}

// addressToRecipient and recipientToAddress convert between this core's
// datalink-level bacnet.Address and the wire-level composite.Recipient a
// COV subscription is recorded under, per the Net/Mac-vs-Net/Adr split
// pkg/bacnet.Address documents: a local address carries its MAC in Mac
// with Net zero, a remote one carries the remote network's MAC in Adr
// with Net non-zero.
func addressToRecipient(addr bacnet.Address) composite.Recipient {
	if addr.Net != 0 {
		return composite.Recipient{IsAddress: true, Net: addr.Net, Mac: addr.Adr}
	}
	return composite.Recipient{IsAddress: true, Net: 0, Mac: addr.Mac}
}

func recipientToAddress(rec composite.Recipient) bacnet.Address {
	if rec.Net != 0 {
		return bacnet.Address{Net: rec.Net, Adr: rec.Mac}
	}
	return bacnet.Address{Mac: rec.Mac}
}

func recipientsEqual(a, b composite.DestinationRecipient) bool {
	if a.ProcessID != b.ProcessID {
		return false
	}
	if a.Recipient.IsAddress != b.Recipient.IsAddress || a.Recipient.Net != b.Recipient.Net || a.Recipient.Device != b.Recipient.Device {
		return false
	}
	return bytes.Equal(a.Recipient.Mac, b.Recipient.Mac)
}

func samePropertyFilter(a, b *bacnet.PropertyIdentifier) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// addSubscription installs sub, replacing any existing subscription from
// the same recipient for the same object/property filter, the renewal
// case SubscribeCOV/SubscribeCOVProperty both describe.
func (s *Server) addSubscription(sub *covSubscription) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.removeSubscriptionLocked(sub.recipient, sub.objectType, sub.instance, sub.property)
	s.subscriptions = append(s.subscriptions, sub)
}

// cancelSubscription removes a matching subscription and reports
// whether one was found, so callers can answer
// ErrorCodeUnknownSubscription on a cancel of a subscription that
// doesn't exist.
func (s *Server) cancelSubscription(recipient composite.DestinationRecipient, objType bacnet.ObjectType, instance uint32, property *bacnet.PropertyIdentifier) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.removeSubscriptionLocked(recipient, objType, instance, property)
}

func (s *Server) removeSubscriptionLocked(recipient composite.DestinationRecipient, objType bacnet.ObjectType, instance uint32, property *bacnet.PropertyIdentifier) bool {
	for i, sub := range s.subscriptions {
		if recipientsEqual(sub.recipient, recipient) && sub.matches(objType, instance) && samePropertyFilter(sub.property, property) {
			s.subscriptions = append(s.subscriptions[:i], s.subscriptions[i+1:]...)
			return true
		}
	}
	return false
}

// handleSubscribeCOV implements SubscribeCOV, ASHRAE 135 clause 13.14.
func (s *Server) handleSubscribeCOV(source bacnet.Address, invokeID uint8, data []byte) (apdu.Message, error) {
	req, err := DecodeSubscribeCOVRequest(data)
	if err != nil {
		return nil, err
	}
	objType := bacnet.ObjectType(req.MonitoredObject.Type)
	if _, err := s.db.InstanceToIndex(req.MonitoredObject.Instance); err != nil {
		return nil, fmt.Errorf("subscribe-cov unknown object: %w", bacnet.ServiceError{
			Class: bacnet.ErrorClassObject,
			Code:  bacnet.ErrorCodeUnknownObject,
		})
	}
	recipient := composite.DestinationRecipient{Recipient: addressToRecipient(source), ProcessID: req.ProcessID}

	if req.Confirmed == nil {
		if !s.cancelSubscription(recipient, objType, req.MonitoredObject.Instance, nil) {
			return nil, fmt.Errorf("subscribe-cov cancel of unknown subscription: %w", bacnet.ServiceError{
				Class: bacnet.ErrorClassServices,
				Code:  bacnet.ErrorCodeUnknownSubscription,
			})
		}
		return simpleAck(invokeID, apdu.ServiceConfirmedSubscribeCOV), nil
	}

	s.addSubscription(&covSubscription{
		recipient:  recipient,
		address:    source,
		objectType: objType,
		instance:   req.MonitoredObject.Instance,
		confirmed:  *req.Confirmed,
		expiresAt:  time.Now().Add(time.Duration(*req.Lifetime) * time.Second),
	})
	return simpleAck(invokeID, apdu.ServiceConfirmedSubscribeCOV), nil
}

// handleSubscribeCOVProperty implements SubscribeCOVProperty, ASHRAE 135
// clause 13.15, identical to handleSubscribeCOV except the subscription
// is scoped to one property of the object rather than the whole thing.
func (s *Server) handleSubscribeCOVProperty(source bacnet.Address, invokeID uint8, data []byte) (apdu.Message, error) {
	req, err := DecodeSubscribeCOVPropertyRequest(data)
	if err != nil {
		return nil, err
	}
	objType := bacnet.ObjectType(req.MonitoredProperty.Object.Type)
	instance := req.MonitoredProperty.Object.Instance
	if _, err := s.db.InstanceToIndex(instance); err != nil {
		return nil, fmt.Errorf("subscribe-cov-property unknown object: %w", bacnet.ServiceError{
			Class: bacnet.ErrorClassObject,
			Code:  bacnet.ErrorCodeUnknownObject,
		})
	}
	recipient := composite.DestinationRecipient{Recipient: addressToRecipient(source), ProcessID: req.ProcessID}
	prop := req.MonitoredProperty.Identifier

	if req.Confirmed == nil {
		if !s.cancelSubscription(recipient, objType, instance, &prop) {
			return nil, fmt.Errorf("subscribe-cov-property cancel of unknown subscription: %w", bacnet.ServiceError{
				Class: bacnet.ErrorClassServices,
				Code:  bacnet.ErrorCodeUnknownSubscription,
			})
		}
		return simpleAck(invokeID, apdu.ServiceConfirmedSubscribeCOVProperty), nil
	}

	s.addSubscription(&covSubscription{
		recipient:  recipient,
		address:    source,
		objectType: objType,
		instance:   instance,
		property:   &prop,
		confirmed:  *req.Confirmed,
		expiresAt:  time.Now().Add(time.Duration(*req.Lifetime) * time.Second),
	})
	return simpleAck(invokeID, apdu.ServiceConfirmedSubscribeCOVProperty), nil
}

// handleConfirmedCOVNotification and handleUnconfirmedCOVNotification
// implement the receiving side of COV-Notification, ASHRAE 135 clause
// 13.1 — relevant if this device itself subscribed to another device's
// object, which object.Database's single-device model doesn't exercise
// today, but the catalogue lists both forms and a received notification
// is at minimum logged.
func (s *Server) handleConfirmedCOVNotification(source bacnet.Address, invokeID uint8, data []byte) (apdu.Message, error) {
	n, err := DecodeCOVNotification(data)
	if err != nil {
		return nil, err
	}
	s.log.WithField("monitored_object", n.MonitoredObject).WithField("from", source).Info("confirmed cov notification received")
	return simpleAck(invokeID, apdu.ServiceConfirmedConfirmedCOVNotification), nil
}

func (s *Server) handleUnconfirmedCOVNotification(source bacnet.Address, data []byte) {
	n, err := DecodeCOVNotification(data)
	if err != nil {
		s.log.WithError(err).Debug("dropping malformed cov notification")
		return
	}
	s.log.WithField("monitored_object", n.MonitoredObject).WithField("from", source).Info("unconfirmed cov notification received")
}

// notifySubscribers fires a COV-Notification to every live subscriber of
// objType/instance after a successful write, ASHRAE 135 clause 13.1.3's
// trigger condition. Expired subscriptions are pruned here rather than
// by a separate timer, piggybacking cleanup on the write traffic that
// would otherwise need to notify them. Every notification goes out
// unconfirmed even for subscriptions that asked for confirmed
// notification: tracking the transaction state and retry of a confirmed
// outbound notification is more machinery than this core's COV model
// carries, a deliberate simplification.
func (s *Server) notifySubscribers(objType bacnet.ObjectType, instance uint32, vals []composite.PropertyValue) {
	now := time.Now()
	s.subMu.Lock()
	live := s.subscriptions[:0]
	var targets []*covSubscription
	for _, sub := range s.subscriptions {
		if now.After(sub.expiresAt) {
			continue
		}
		live = append(live, sub)
		if sub.matches(objType, instance) {
			targets = append(targets, sub)
		}
	}
	s.subscriptions = live
	s.subMu.Unlock()

	for _, sub := range targets {
		notifyValues := vals
		if sub.property != nil {
			notifyValues = filterPropertyValues(vals, *sub.property)
			if len(notifyValues) == 0 {
				continue
			}
		}
		var remaining uint32
		if d := time.Until(sub.expiresAt); d > 0 {
			remaining = uint32(d / time.Second)
		}
		notification := COVNotification{
			ProcessID:        sub.recipient.ProcessID,
			InitiatingDevice: values.ObjectID{Type: uint16(bacnet.ObjectDevice), Instance: s.deviceInstance},
			MonitoredObject:  values.ObjectID{Type: uint16(objType), Instance: instance},
			TimeRemaining:    remaining,
			Values:           notifyValues,
		}
		msg := &apdu.UnconfirmedMessage{
			MessageBase: apdu.MessageBase{ServiceType: apdu.PDUTypeUnconfirmedServiceRequest},
			ServiceID:   apdu.ServiceUnconfirmedCOVNotification,
			ServiceData: EncodeCOVNotification(notification),
		}
		if err := s.sendUnconfirmedPDU(recipientToAddress(sub.recipient.Recipient), msg, false); err != nil {
			s.log.WithError(err).Warn("failed to send cov notification")
		}
	}
}

func filterPropertyValues(vals []composite.PropertyValue, id bacnet.PropertyIdentifier) []composite.PropertyValue {
	var out []composite.PropertyValue
	for _, v := range vals {
		if v.Identifier == id {
			out = append(out, v)
		}
	}
	return out
}
