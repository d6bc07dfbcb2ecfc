// Package object implements the BACnet object database contract
// (ASHRAE 135 clause 12): per-object-type property access plus a
// generic Device object exposing the clause 12.11 required properties.
package object

import (
	"fmt"
	"sync"

	"github.com/shigmas/bacstack/internal/values"
	"github.com/shigmas/bacstack/pkg/bacnet"
)

// ReadPropertyRequest names the property a ReadProperty service call
// wants. ArrayIndex is bacnet.ArrayIndexNone for "the whole property".
type ReadPropertyRequest struct {
	ObjectType bacnet.ObjectType
	Instance   uint32
	Property   bacnet.PropertyIdentifier
	ArrayIndex uint32
}

// WritePropertyRequest names the property a WriteProperty service call
// wants to set, and the value to set it to.
type WritePropertyRequest struct {
	ObjectType bacnet.ObjectType
	Instance   uint32
	Property   bacnet.PropertyIdentifier
	ArrayIndex uint32
	Value      values.Value
	Priority   uint8
}

// Database is the per-object-type property table every object kind
// (Device, AnalogInput, BinaryOutput, ...) implements.
type Database interface {
	ReadProperty(req ReadPropertyRequest) (values.Value, error)
	WriteProperty(req WritePropertyRequest) error
	PropertyLists(objectType bacnet.ObjectType) (required, optional, proprietary []bacnet.PropertyIdentifier)
	Count() int
	IndexToInstance(i int) (uint32, error)
	InstanceToIndex(id uint32) (int, error)
}

// deviceRequiredProperties is ASHRAE 135 clause 12.11's required
// property list for the Device object.
var deviceRequiredProperties = []bacnet.PropertyIdentifier{
	bacnet.PropObjectIdentifier,
	bacnet.PropObjectName,
	bacnet.PropObjectType,
	bacnet.PropSystemStatus,
	bacnet.PropVendorName,
	bacnet.PropVendorIdentifier,
	bacnet.PropModelName,
	bacnet.PropFirmwareRevision,
	bacnet.PropApplicationSoftware,
	bacnet.PropProtocolVersion,
	bacnet.PropProtocolRevision,
	bacnet.PropProtocolServicesSupported,
	bacnet.PropProtocolObjectTypesSupported,
	bacnet.PropObjectList,
	bacnet.PropMaxAPDULengthAccepted,
	bacnet.PropSegmentationSupported,
	bacnet.PropAPDUTimeout,
	bacnet.PropNumberOfAPDURetries,
	bacnet.PropDeviceAddressBinding,
	bacnet.PropDatabaseRevision,
}

// Device is the generic, single-instance Device object every BACnet
// node must expose. It is a Database of exactly one object: itself.
type Device struct {
	mu sync.RWMutex

	instance                  uint32
	name                      string
	systemStatus              values.Enumerated
	vendorName                string
	vendorIdentifier          uint32
	modelName                 string
	firmwareRevision          string
	applicationSoftwareVer    string
	protocolVersion           uint32
	protocolRevision          uint32
	maxAPDULengthAccepted     uint32
	segmentationSupported     values.Enumerated
	apduTimeoutMS             uint32
	numberOfAPDURetries       uint32
	databaseRevision          uint32
	objectList                []values.ObjectID
}

// NewDevice constructs a Device object at the given instance number
// with the fields a real deployment must fill in before exposing it.
func NewDevice(instance uint32, name, vendorName, modelName, firmwareRevision string, vendorIdentifier uint32) *Device {
	d := &Device{
		instance:              instance,
		name:                  name,
		systemStatus:          values.Enumerated(0), // operational
		vendorName:            vendorName,
		vendorIdentifier:      vendorIdentifier,
		modelName:             modelName,
		firmwareRevision:      firmwareRevision,
		protocolVersion:       1,
		protocolRevision:      19,
		maxAPDULengthAccepted: 1476,
		apduTimeoutMS:         3000,
		numberOfAPDURetries:   3,
	}
	d.objectList = []values.ObjectID{{Type: uint16(bacnet.ObjectDevice), Instance: instance}}
	return d
}

// AddObject records another object's identifier in this device's
// Object-List property, as required when a Device database grows
// beyond the Device object itself.
func (d *Device) AddObject(id values.ObjectID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.objectList = append(d.objectList, id)
}

// BumpDatabaseRevision increments Database-Revision, required whenever
// the object or property structure visible over the network changes.
func (d *Device) BumpDatabaseRevision() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.databaseRevision++
}

func (d *Device) checkInstance(instance uint32) error {
	if instance != d.instance {
		return fmt.Errorf("no device instance %d: %w", instance, bacnet.ServiceError{
			Class: bacnet.ErrorClassObject,
			Code:  bacnet.ErrorCodeUnknownObject,
		})
	}
	return nil
}

// ReadProperty implements Database for the Device object type.
func (d *Device) ReadProperty(req ReadPropertyRequest) (values.Value, error) {
	if req.ObjectType != bacnet.ObjectDevice {
		return nil, fmt.Errorf("device database asked for object type %d: %w", req.ObjectType, bacnet.ServiceError{
			Class: bacnet.ErrorClassObject,
			Code:  bacnet.ErrorCodeUnknownObject,
		})
	}
	if err := d.checkInstance(req.Instance); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	switch req.Property {
	case bacnet.PropObjectIdentifier:
		return values.ObjectID{Type: uint16(bacnet.ObjectDevice), Instance: d.instance}, nil
	case bacnet.PropObjectName:
		return values.NewANSICharacterString(d.name), nil
	case bacnet.PropObjectType:
		return values.Enumerated(bacnet.ObjectDevice), nil
	case bacnet.PropSystemStatus:
		return d.systemStatus, nil
	case bacnet.PropVendorName:
		return values.NewANSICharacterString(d.vendorName), nil
	case bacnet.PropVendorIdentifier:
		return values.Unsigned(d.vendorIdentifier), nil
	case bacnet.PropModelName:
		return values.NewANSICharacterString(d.modelName), nil
	case bacnet.PropFirmwareRevision:
		return values.NewANSICharacterString(d.firmwareRevision), nil
	case bacnet.PropApplicationSoftware:
		return values.NewANSICharacterString(d.applicationSoftwareVer), nil
	case bacnet.PropProtocolVersion:
		return values.Unsigned(d.protocolVersion), nil
	case bacnet.PropProtocolRevision:
		return values.Unsigned(d.protocolRevision), nil
	case bacnet.PropMaxAPDULengthAccepted:
		return values.Unsigned(d.maxAPDULengthAccepted), nil
	case bacnet.PropSegmentationSupported:
		return d.segmentationSupported, nil
	case bacnet.PropAPDUTimeout:
		return values.Unsigned(d.apduTimeoutMS), nil
	case bacnet.PropNumberOfAPDURetries:
		return values.Unsigned(d.numberOfAPDURetries), nil
	case bacnet.PropDatabaseRevision:
		return values.Unsigned(d.databaseRevision), nil
	case bacnet.PropObjectList:
		if req.ArrayIndex == 0 {
			return values.Unsigned(uint64(len(d.objectList))), nil
		}
		if req.ArrayIndex != bacnet.ArrayIndexNone {
			idx := int(req.ArrayIndex) - 1
			if idx < 0 || idx >= len(d.objectList) {
				return nil, fmt.Errorf("object-list index %d out of range: %w", req.ArrayIndex, bacnet.ServiceError{
					Class: bacnet.ErrorClassProperty,
					Code:  bacnet.ErrorCodeInvalidArrayIndex,
				})
			}
			return d.objectList[idx], nil
		}
		return nil, errObjectListIsArray
	default:
		return nil, fmt.Errorf("device has no property %d: %w", req.Property, bacnet.ServiceError{
			Class: bacnet.ErrorClassProperty,
			Code:  bacnet.ErrorCodeUnknownProperty,
		})
	}
}

// errObjectListIsArray signals to the caller that the whole Object-List
// array was requested; the dispatcher's ReadProperty handler expands it
// into a BACnetARRAY encoding one element at a time rather than this
// package depending on internal/composite for a single property.
var errObjectListIsArray = fmt.Errorf("object-list requested as whole array")

// ObjectListLen is the accessor the dispatcher uses alongside
// errObjectListIsArray to encode the whole Object-List array.
func (d *Device) ObjectListLen() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.objectList)
}

// ObjectListEntry returns the 1-indexed entry of Object-List.
func (d *Device) ObjectListEntry(i int) (values.ObjectID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	idx := i - 1
	if idx < 0 || idx >= len(d.objectList) {
		return values.ObjectID{}, false
	}
	return d.objectList[idx], true
}

// WriteProperty implements Database for the Device object type. Only
// Object-Name and System-Status are writable on this generic Device;
// every other required property is read-only per ASHRAE 135 table 12-1.
func (d *Device) WriteProperty(req WritePropertyRequest) error {
	if req.ObjectType != bacnet.ObjectDevice {
		return fmt.Errorf("device database asked to write object type %d: %w", req.ObjectType, bacnet.ServiceError{
			Class: bacnet.ErrorClassObject,
			Code:  bacnet.ErrorCodeUnknownObject,
		})
	}
	if err := d.checkInstance(req.Instance); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch req.Property {
	case bacnet.PropObjectName:
		cs, ok := req.Value.(values.CharacterString)
		if !ok {
			return invalidDataType(req.Property)
		}
		d.name = cs.Text
		return nil
	case bacnet.PropSystemStatus:
		e, ok := req.Value.(values.Enumerated)
		if !ok {
			return invalidDataType(req.Property)
		}
		d.systemStatus = e
		return nil
	default:
		return fmt.Errorf("device property %d is not writable: %w", req.Property, bacnet.ServiceError{
			Class: bacnet.ErrorClassProperty,
			Code:  bacnet.ErrorCodeWriteAccessDenied,
		})
	}
}

func invalidDataType(prop bacnet.PropertyIdentifier) error {
	return fmt.Errorf("wrong data type for property %d: %w", prop, bacnet.ServiceError{
		Class: bacnet.ErrorClassProperty,
		Code:  bacnet.ErrorCodeInvalidDataType,
	})
}

// PropertyLists implements Database for the Device object type.
func (d *Device) PropertyLists(objectType bacnet.ObjectType) (required, optional, proprietary []bacnet.PropertyIdentifier) {
	if objectType != bacnet.ObjectDevice {
		return nil, nil, nil
	}
	return deviceRequiredProperties, nil, nil
}

// Count implements Database: there is exactly one Device instance.
func (d *Device) Count() int { return 1 }

// IndexToInstance implements Database.
func (d *Device) IndexToInstance(i int) (uint32, error) {
	if i != 0 {
		return 0, fmt.Errorf("device index %d out of range: %w", i, bacnet.ErrInvalidData)
	}
	return d.instance, nil
}

// InstanceToIndex implements Database.
func (d *Device) InstanceToIndex(id uint32) (int, error) {
	if err := d.checkInstance(id); err != nil {
		return 0, err
	}
	return 0, nil
}

var _ Database = (*Device)(nil)
