// Package services implements the application-service request/ACK
// codecs of ASHRAE 135 clause 13/14/15/16, built on internal/tag,
// internal/values, and internal/composite, plus the dispatcher wiring
// that registers them against an internal/object.Database, an
// internal/addrcache.Cache, and an internal/tsm.Dispatcher.
package services

import (
	"bytes"
	"fmt"
	"io"

	"github.com/shigmas/bacstack/internal/composite"
	"github.com/shigmas/bacstack/internal/object"
	"github.com/shigmas/bacstack/internal/tag"
	"github.com/shigmas/bacstack/internal/values"
	"github.com/shigmas/bacstack/pkg/bacnet"
)

func curOffset(r *bytes.Reader) int64 {
	return int64(r.Size()) - int64(r.Len())
}

// peekTag reads the next tag header without consuming it.
func peekTag(r *bytes.Reader) (tag.Tag, error) {
	pos := curOffset(r)
	t, _, err := tag.Decode(r)
	if err != nil {
		return tag.Tag{}, err
	}
	if _, serr := r.Seek(pos, io.SeekStart); serr != nil {
		return tag.Tag{}, fmt.Errorf("rewinding after peek: %w", bacnet.ErrMalformed)
	}
	return t, nil
}

func expectOpening(r *bytes.Reader, number tag.Number) error {
	t, _, err := tag.Decode(r)
	if err != nil {
		return err
	}
	if t.Class != tag.ContextSpecific || !t.IsOpening || t.Number != number {
		return fmt.Errorf("expected opening tag %d: %w", number, bacnet.ErrMalformed)
	}
	return nil
}

func expectClosing(r *bytes.Reader, number tag.Number) error {
	t, _, err := tag.Decode(r)
	if err != nil {
		return err
	}
	if t.Class != tag.ContextSpecific || !t.IsClosing || t.Number != number {
		return fmt.Errorf("expected closing tag %d: %w", number, bacnet.ErrMalformed)
	}
	return nil
}

func atEOF(r *bytes.Reader) bool { return r.Len() == 0 }

// WhoIs is the Who-Is-Request service parameter list, ASHRAE 135
// clause 16.9. Both limits are present together or not at all.
type WhoIs struct {
	LowLimit  *uint32
	HighLimit *uint32
}

func EncodeWhoIs(w WhoIs) []byte {
	buf := new(bytes.Buffer)
	if w.LowLimit != nil && w.HighLimit != nil {
		values.Unsigned(*w.LowLimit).EncodeContext(buf, tag.Number(0))
		values.Unsigned(*w.HighLimit).EncodeContext(buf, tag.Number(1))
	}
	return buf.Bytes()
}

func DecodeWhoIs(data []byte) (WhoIs, error) {
	var w WhoIs
	r := bytes.NewReader(data)
	if atEOF(r) {
		return w, nil
	}

	t, _, err := tag.Decode(r)
	if err != nil {
		return w, err
	}
	if err := values.ExpectContext(t, 0); err != nil {
		return w, err
	}
	low, err := values.DecodeUnsigned(r, t)
	if err != nil {
		return w, err
	}
	lowVal := uint32(low)
	w.LowLimit = &lowVal

	t, _, err = tag.Decode(r)
	if err != nil {
		return w, fmt.Errorf("who-is high limit missing: %w", bacnet.ErrMalformed)
	}
	if err := values.ExpectContext(t, 1); err != nil {
		return w, err
	}
	high, err := values.DecodeUnsigned(r, t)
	if err != nil {
		return w, err
	}
	highVal := uint32(high)
	w.HighLimit = &highVal
	return w, nil
}

// IAm is the I-Am-Request service parameter list, ASHRAE 135 clause 16.10.
type IAm struct {
	DeviceID              values.ObjectID
	MaxAPDULengthAccepted uint32
	Segmentation          values.Enumerated
	VendorID              uint32
}

func EncodeIAm(i IAm) []byte {
	buf := new(bytes.Buffer)
	i.DeviceID.EncodeApplication(buf)
	values.Unsigned(i.MaxAPDULengthAccepted).EncodeApplication(buf)
	i.Segmentation.EncodeApplication(buf)
	values.Unsigned(i.VendorID).EncodeApplication(buf)
	return buf.Bytes()
}

func DecodeIAm(data []byte) (IAm, error) {
	var i IAm
	r := bytes.NewReader(data)

	v, _, err := values.DecodeApplication(r)
	if err != nil {
		return i, err
	}
	oid, ok := v.(values.ObjectID)
	if !ok {
		return i, fmt.Errorf("i-am device-identifier not an object id: %w", bacnet.ErrMalformed)
	}
	i.DeviceID = oid

	v, _, err = values.DecodeApplication(r)
	if err != nil {
		return i, err
	}
	maxAPDU, ok := v.(values.Unsigned)
	if !ok {
		return i, fmt.Errorf("i-am max-apdu not unsigned: %w", bacnet.ErrMalformed)
	}
	i.MaxAPDULengthAccepted = uint32(maxAPDU)

	v, _, err = values.DecodeApplication(r)
	if err != nil {
		return i, err
	}
	seg, ok := v.(values.Enumerated)
	if !ok {
		return i, fmt.Errorf("i-am segmentation not enumerated: %w", bacnet.ErrMalformed)
	}
	i.Segmentation = seg

	v, _, err = values.DecodeApplication(r)
	if err != nil {
		return i, err
	}
	vendor, ok := v.(values.Unsigned)
	if !ok {
		return i, fmt.Errorf("i-am vendor-identifier not unsigned: %w", bacnet.ErrMalformed)
	}
	i.VendorID = uint32(vendor)
	return i, nil
}

// WhoHas is the Who-Has-Request service parameter list, ASHRAE 135
// clause 16.8: an optional device instance range, then a choice of
// object-identifier or object-name naming the object sought.
type WhoHas struct {
	LowLimit   *uint32
	HighLimit  *uint32
	ObjectID   *values.ObjectID
	ObjectName *string
}

func EncodeWhoHas(w WhoHas) []byte {
	buf := new(bytes.Buffer)
	if w.LowLimit != nil && w.HighLimit != nil {
		values.Unsigned(*w.LowLimit).EncodeContext(buf, tag.Number(0))
		values.Unsigned(*w.HighLimit).EncodeContext(buf, tag.Number(1))
	}
	switch {
	case w.ObjectID != nil:
		w.ObjectID.EncodeContext(buf, tag.Number(2))
	case w.ObjectName != nil:
		values.NewANSICharacterString(*w.ObjectName).EncodeContext(buf, tag.Number(3))
	}
	return buf.Bytes()
}

func DecodeWhoHas(data []byte) (WhoHas, error) {
	var w WhoHas
	r := bytes.NewReader(data)

	t, err := peekTag(r)
	if err != nil {
		return w, err
	}
	if t.Class == tag.ContextSpecific && t.Number == 0 {
		t, _, err = tag.Decode(r)
		if err != nil {
			return w, err
		}
		low, err := values.DecodeUnsigned(r, t)
		if err != nil {
			return w, err
		}
		lowVal := uint32(low)
		w.LowLimit = &lowVal

		t, _, err = tag.Decode(r)
		if err != nil {
			return w, err
		}
		if err := values.ExpectContext(t, 1); err != nil {
			return w, err
		}
		high, err := values.DecodeUnsigned(r, t)
		if err != nil {
			return w, err
		}
		highVal := uint32(high)
		w.HighLimit = &highVal
	}

	t, _, err = tag.Decode(r)
	if err != nil {
		return w, fmt.Errorf("who-has missing object selector: %w", bacnet.ErrMalformed)
	}
	switch {
	case t.Class == tag.ContextSpecific && t.Number == 2:
		oid, err := values.DecodeObjectID(r, t)
		if err != nil {
			return w, err
		}
		w.ObjectID = &oid
	case t.Class == tag.ContextSpecific && t.Number == 3:
		cs, err := values.DecodeCharacterString(r, t)
		if err != nil {
			return w, err
		}
		name := cs.Text
		w.ObjectName = &name
	default:
		return w, fmt.Errorf("who-has object selector has unexpected tag: %w", bacnet.ErrMalformed)
	}
	return w, nil
}

// IHave is the I-Have-Request service parameter list, ASHRAE 135 clause 16.7.
type IHave struct {
	DeviceID   values.ObjectID
	ObjectID   values.ObjectID
	ObjectName string
}

func EncodeIHave(i IHave) []byte {
	buf := new(bytes.Buffer)
	i.DeviceID.EncodeApplication(buf)
	i.ObjectID.EncodeApplication(buf)
	values.NewANSICharacterString(i.ObjectName).EncodeApplication(buf)
	return buf.Bytes()
}

func DecodeIHave(data []byte) (IHave, error) {
	var i IHave
	r := bytes.NewReader(data)

	v, _, err := values.DecodeApplication(r)
	if err != nil {
		return i, err
	}
	deviceID, ok := v.(values.ObjectID)
	if !ok {
		return i, fmt.Errorf("i-have device-identifier not an object id: %w", bacnet.ErrMalformed)
	}
	i.DeviceID = deviceID

	v, _, err = values.DecodeApplication(r)
	if err != nil {
		return i, err
	}
	objID, ok := v.(values.ObjectID)
	if !ok {
		return i, fmt.Errorf("i-have object-identifier not an object id: %w", bacnet.ErrMalformed)
	}
	i.ObjectID = objID

	v, _, err = values.DecodeApplication(r)
	if err != nil {
		return i, err
	}
	cs, ok := v.(values.CharacterString)
	if !ok {
		return i, fmt.Errorf("i-have object-name not a character string: %w", bacnet.ErrMalformed)
	}
	i.ObjectName = cs.Text
	return i, nil
}

// DecodeReadPropertyRequest decodes a ReadProperty-Request's service
// parameters directly into an internal/object.ReadPropertyRequest,
// since the two have identical shape.
func DecodeReadPropertyRequest(data []byte) (object.ReadPropertyRequest, error) {
	var req object.ReadPropertyRequest
	req.ArrayIndex = bacnet.ArrayIndexNone
	r := bytes.NewReader(data)

	t, _, err := tag.Decode(r)
	if err != nil {
		return req, err
	}
	if err := values.ExpectContext(t, 0); err != nil {
		return req, err
	}
	oid, err := values.DecodeObjectID(r, t)
	if err != nil {
		return req, err
	}
	req.ObjectType = bacnet.ObjectType(oid.Type)
	req.Instance = oid.Instance

	t, _, err = tag.Decode(r)
	if err != nil {
		return req, fmt.Errorf("read-property missing property identifier: %w", bacnet.ErrMalformed)
	}
	if err := values.ExpectContext(t, 1); err != nil {
		return req, err
	}
	prop, err := values.DecodeEnumerated(r, t)
	if err != nil {
		return req, err
	}
	req.Property = bacnet.PropertyIdentifier(prop)

	if !atEOF(r) {
		t, _, err = tag.Decode(r)
		if err != nil {
			return req, err
		}
		if err := values.ExpectContext(t, 2); err != nil {
			return req, err
		}
		idx, err := values.DecodeUnsigned(r, t)
		if err != nil {
			return req, err
		}
		req.ArrayIndex = uint32(idx)
	}
	return req, nil
}

func EncodeReadPropertyRequest(req object.ReadPropertyRequest) []byte {
	buf := new(bytes.Buffer)
	values.ObjectID{Type: uint16(req.ObjectType), Instance: req.Instance}.EncodeContext(buf, tag.Number(0))
	values.Enumerated(req.Property).EncodeContext(buf, tag.Number(1))
	if req.ArrayIndex != bacnet.ArrayIndexNone {
		values.Unsigned(req.ArrayIndex).EncodeContext(buf, tag.Number(2))
	}
	return buf.Bytes()
}

// ReadPropertyAck is the ReadProperty-ACK service parameter list.
type ReadPropertyAck struct {
	ObjectType bacnet.ObjectType
	Instance   uint32
	Property   bacnet.PropertyIdentifier
	ArrayIndex uint32 // bacnet.ArrayIndexNone when absent
	Value      values.Value
}

func EncodeReadPropertyAck(ack ReadPropertyAck) []byte {
	buf := new(bytes.Buffer)
	values.ObjectID{Type: uint16(ack.ObjectType), Instance: ack.Instance}.EncodeContext(buf, tag.Number(0))
	values.Enumerated(ack.Property).EncodeContext(buf, tag.Number(1))
	if ack.ArrayIndex != bacnet.ArrayIndexNone {
		values.Unsigned(ack.ArrayIndex).EncodeContext(buf, tag.Number(2))
	}
	tag.EncodeOpening(buf, tag.Number(3))
	ack.Value.EncodeApplication(buf)
	tag.EncodeClosing(buf, tag.Number(3))
	return buf.Bytes()
}

func DecodeReadPropertyAck(data []byte) (ReadPropertyAck, error) {
	var ack ReadPropertyAck
	ack.ArrayIndex = bacnet.ArrayIndexNone
	r := bytes.NewReader(data)

	t, _, err := tag.Decode(r)
	if err != nil {
		return ack, err
	}
	if err := values.ExpectContext(t, 0); err != nil {
		return ack, err
	}
	oid, err := values.DecodeObjectID(r, t)
	if err != nil {
		return ack, err
	}
	ack.ObjectType = bacnet.ObjectType(oid.Type)
	ack.Instance = oid.Instance

	t, _, err = tag.Decode(r)
	if err != nil {
		return ack, err
	}
	if err := values.ExpectContext(t, 1); err != nil {
		return ack, err
	}
	prop, err := values.DecodeEnumerated(r, t)
	if err != nil {
		return ack, err
	}
	ack.Property = bacnet.PropertyIdentifier(prop)

	next, err := peekTag(r)
	if err != nil {
		return ack, err
	}
	if next.Class == tag.ContextSpecific && next.Number == 2 {
		t, _, err = tag.Decode(r)
		if err != nil {
			return ack, err
		}
		idx, err := values.DecodeUnsigned(r, t)
		if err != nil {
			return ack, err
		}
		ack.ArrayIndex = uint32(idx)
	}

	if err := expectOpening(r, tag.Number(3)); err != nil {
		return ack, err
	}
	v, _, err := values.DecodeApplication(r)
	if err != nil {
		return ack, err
	}
	ack.Value = v
	if err := expectClosing(r, tag.Number(3)); err != nil {
		return ack, err
	}
	return ack, nil
}

// DecodeWritePropertyRequest decodes a WriteProperty-Request's service
// parameters into an internal/object.WritePropertyRequest.
func DecodeWritePropertyRequest(data []byte) (object.WritePropertyRequest, error) {
	var req object.WritePropertyRequest
	req.ArrayIndex = bacnet.ArrayIndexNone
	r := bytes.NewReader(data)

	t, _, err := tag.Decode(r)
	if err != nil {
		return req, err
	}
	if err := values.ExpectContext(t, 0); err != nil {
		return req, err
	}
	oid, err := values.DecodeObjectID(r, t)
	if err != nil {
		return req, err
	}
	req.ObjectType = bacnet.ObjectType(oid.Type)
	req.Instance = oid.Instance

	t, _, err = tag.Decode(r)
	if err != nil {
		return req, fmt.Errorf("write-property missing property identifier: %w", bacnet.ErrMalformed)
	}
	if err := values.ExpectContext(t, 1); err != nil {
		return req, err
	}
	prop, err := values.DecodeEnumerated(r, t)
	if err != nil {
		return req, err
	}
	req.Property = bacnet.PropertyIdentifier(prop)

	next, err := peekTag(r)
	if err != nil {
		return req, err
	}
	if next.Class == tag.ContextSpecific && next.Number == 2 {
		t, _, err = tag.Decode(r)
		if err != nil {
			return req, err
		}
		idx, err := values.DecodeUnsigned(r, t)
		if err != nil {
			return req, err
		}
		req.ArrayIndex = uint32(idx)
	}

	if err := expectOpening(r, tag.Number(3)); err != nil {
		return req, err
	}
	v, _, err := values.DecodeApplication(r)
	if err != nil {
		return req, err
	}
	req.Value = v
	if err := expectClosing(r, tag.Number(3)); err != nil {
		return req, err
	}

	if !atEOF(r) {
		t, _, err = tag.Decode(r)
		if err != nil {
			return req, err
		}
		if err := values.ExpectContext(t, 4); err != nil {
			return req, err
		}
		prio, err := values.DecodeUnsigned(r, t)
		if err != nil {
			return req, err
		}
		req.Priority = uint8(prio)
	}
	return req, nil
}

func EncodeWritePropertyRequest(req object.WritePropertyRequest) []byte {
	buf := new(bytes.Buffer)
	values.ObjectID{Type: uint16(req.ObjectType), Instance: req.Instance}.EncodeContext(buf, tag.Number(0))
	values.Enumerated(req.Property).EncodeContext(buf, tag.Number(1))
	if req.ArrayIndex != bacnet.ArrayIndexNone {
		values.Unsigned(req.ArrayIndex).EncodeContext(buf, tag.Number(2))
	}
	tag.EncodeOpening(buf, tag.Number(3))
	req.Value.EncodeApplication(buf)
	tag.EncodeClosing(buf, tag.Number(3))
	if req.Priority != 0 {
		values.Unsigned(req.Priority).EncodeContext(buf, tag.Number(4))
	}
	return buf.Bytes()
}

// ReadPropertyMultipleRequest is a list of per-object property lists.
type ReadPropertyMultipleRequest struct {
	Specifications []composite.ReadAccessSpecification
}

func DecodeReadPropertyMultipleRequest(data []byte) (ReadPropertyMultipleRequest, error) {
	var req ReadPropertyMultipleRequest
	r := bytes.NewReader(data)
	for !atEOF(r) {
		spec, err := composite.DecodeReadAccessSpecification(r)
		if err != nil {
			return req, err
		}
		req.Specifications = append(req.Specifications, spec)
	}
	return req, nil
}

func EncodeReadPropertyMultipleRequest(req ReadPropertyMultipleRequest) []byte {
	buf := new(bytes.Buffer)
	for _, spec := range req.Specifications {
		spec.Encode(buf)
	}
	return buf.Bytes()
}

// ReadPropertyMultipleAck is a list of per-object results.
type ReadPropertyMultipleAck struct {
	Results []composite.ReadAccessResult
}

func EncodeReadPropertyMultipleAck(ack ReadPropertyMultipleAck) []byte {
	buf := new(bytes.Buffer)
	for _, res := range ack.Results {
		res.Encode(buf)
	}
	return buf.Bytes()
}

func DecodeReadPropertyMultipleAck(data []byte) (ReadPropertyMultipleAck, error) {
	var ack ReadPropertyMultipleAck
	r := bytes.NewReader(data)
	for !atEOF(r) {
		res, err := composite.DecodeReadAccessResult(r)
		if err != nil {
			return ack, err
		}
		ack.Results = append(ack.Results, res)
	}
	return ack, nil
}

// ReinitializeDeviceState is the reinitialized-state-of-device enumeration.
type ReinitializeDeviceState uint32

const (
	ReinitializeColdStart ReinitializeDeviceState = iota
	ReinitializeWarmStart
	ReinitializeStartBackup
	ReinitializeEndBackup
	ReinitializeStartRestore
	ReinitializeEndRestore
	ReinitializeAbortRestore
)

// ReinitializeDeviceRequest is the ReinitializeDevice-Request
// parameter list, ASHRAE 135 clause 16.4.
type ReinitializeDeviceRequest struct {
	State    ReinitializeDeviceState
	Password string // empty when absent
}

func EncodeReinitializeDeviceRequest(req ReinitializeDeviceRequest) []byte {
	buf := new(bytes.Buffer)
	values.Enumerated(req.State).EncodeContext(buf, tag.Number(0))
	if req.Password != "" {
		values.NewANSICharacterString(req.Password).EncodeContext(buf, tag.Number(1))
	}
	return buf.Bytes()
}

func DecodeReinitializeDeviceRequest(data []byte) (ReinitializeDeviceRequest, error) {
	var req ReinitializeDeviceRequest
	r := bytes.NewReader(data)

	t, _, err := tag.Decode(r)
	if err != nil {
		return req, err
	}
	if err := values.ExpectContext(t, 0); err != nil {
		return req, err
	}
	state, err := values.DecodeEnumerated(r, t)
	if err != nil {
		return req, err
	}
	req.State = ReinitializeDeviceState(state)

	if !atEOF(r) {
		t, _, err = tag.Decode(r)
		if err != nil {
			return req, err
		}
		if err := values.ExpectContext(t, 1); err != nil {
			return req, err
		}
		cs, err := values.DecodeCharacterString(r, t)
		if err != nil {
			return req, err
		}
		req.Password = cs.Text
	}
	return req, nil
}

// EnableDisable is the enable-disable enumeration used by
// DeviceCommunicationControl.
type EnableDisable uint32

const (
	CommunicationEnable EnableDisable = iota
	CommunicationDisable
	CommunicationDisableInitiation
)

// DeviceCommunicationControlRequest is the
// DeviceCommunicationControl-Request parameter list, ASHRAE 135
// clause 16.1.
type DeviceCommunicationControlRequest struct {
	DurationMinutes *uint32
	EnableDisable   EnableDisable
	Password        string
}

func EncodeDeviceCommunicationControlRequest(req DeviceCommunicationControlRequest) []byte {
	buf := new(bytes.Buffer)
	if req.DurationMinutes != nil {
		values.Unsigned(*req.DurationMinutes).EncodeContext(buf, tag.Number(0))
	}
	values.Enumerated(req.EnableDisable).EncodeContext(buf, tag.Number(1))
	if req.Password != "" {
		values.NewANSICharacterString(req.Password).EncodeContext(buf, tag.Number(2))
	}
	return buf.Bytes()
}

func DecodeDeviceCommunicationControlRequest(data []byte) (DeviceCommunicationControlRequest, error) {
	var req DeviceCommunicationControlRequest
	r := bytes.NewReader(data)

	t, err := peekTag(r)
	if err != nil {
		return req, err
	}
	if t.Class == tag.ContextSpecific && t.Number == 0 {
		t, _, err = tag.Decode(r)
		if err != nil {
			return req, err
		}
		dur, err := values.DecodeUnsigned(r, t)
		if err != nil {
			return req, err
		}
		durVal := uint32(dur)
		req.DurationMinutes = &durVal
	}

	t, _, err = tag.Decode(r)
	if err != nil {
		return req, fmt.Errorf("device-communication-control missing enable-disable: %w", bacnet.ErrMalformed)
	}
	if err := values.ExpectContext(t, 1); err != nil {
		return req, err
	}
	ed, err := values.DecodeEnumerated(r, t)
	if err != nil {
		return req, err
	}
	req.EnableDisable = EnableDisable(ed)

	if !atEOF(r) {
		t, _, err = tag.Decode(r)
		if err != nil {
			return req, err
		}
		if err := values.ExpectContext(t, 2); err != nil {
			return req, err
		}
		cs, err := values.DecodeCharacterString(r, t)
		if err != nil {
			return req, err
		}
		req.Password = cs.Text
	}
	return req, nil
}

// TimeSynchronization is the Time-Synchronization-Request /
// UTC-Time-Synchronization-Request parameter list, ASHRAE 135 clause
// 16.14/16.15: a single application-tagged BACnetDateTime.
type TimeSynchronization struct {
	Time composite.DateTime
}

func EncodeTimeSynchronization(ts TimeSynchronization) []byte {
	buf := new(bytes.Buffer)
	ts.Time.EncodeApplication(buf)
	return buf.Bytes()
}

func DecodeTimeSynchronization(data []byte) (TimeSynchronization, error) {
	r := bytes.NewReader(data)
	dt, err := composite.DecodeDateTime(r)
	return TimeSynchronization{Time: dt}, err
}
