package bacnet

// PropertyIdentifier is the BACnet object-property enumeration, ASHRAE
// 135 clause 21 (object properties). Only the subset this core reads,
// writes, or dispatches on is named; unnamed values still round-trip as
// plain PropertyIdentifier values.
type PropertyIdentifier uint32

const (
	PropObjectIdentifier     PropertyIdentifier = 75
	PropObjectName           PropertyIdentifier = 77
	PropObjectType           PropertyIdentifier = 79
	PropPresentValue         PropertyIdentifier = 85
	PropStatusFlags          PropertyIdentifier = 111
	PropEventState           PropertyIdentifier = 36
	PropOutOfService         PropertyIdentifier = 81
	PropUnits                PropertyIdentifier = 117
	PropDescription          PropertyIdentifier = 28
	PropSystemStatus         PropertyIdentifier = 112
	PropVendorName           PropertyIdentifier = 121
	PropVendorIdentifier     PropertyIdentifier = 120
	PropModelName            PropertyIdentifier = 70
	PropFirmwareRevision     PropertyIdentifier = 44
	PropApplicationSoftware  PropertyIdentifier = 12
	PropProtocolVersion      PropertyIdentifier = 98
	PropProtocolRevision     PropertyIdentifier = 139
	PropMaxAPDULengthAccepted PropertyIdentifier = 62
	PropSegmentationSupported PropertyIdentifier = 107
	PropAPDUTimeout          PropertyIdentifier = 11
	PropNumberOfAPDURetries  PropertyIdentifier = 73
	PropDeviceAddressBinding PropertyIdentifier = 30
	PropDatabaseRevision     PropertyIdentifier = 155
	PropObjectList           PropertyIdentifier = 76
	PropPriorityArray        PropertyIdentifier = 87
	PropRelinquishDefault    PropertyIdentifier = 104
	PropCOVIncrement         PropertyIdentifier = 22
	PropAll                  PropertyIdentifier = 8
	PropRequired             PropertyIdentifier = 105
	PropOptional             PropertyIdentifier = 80
	PropProtocolServicesSupported    PropertyIdentifier = 97
	PropProtocolObjectTypesSupported PropertyIdentifier = 96
)

// ArrayIndexNone marks PropertyReference.ArrayIndex as absent: the
// property is not an array, or the whole array is addressed.
const ArrayIndexNone = 0xFFFFFFFF

// ObjectType is the BACnet object-type enumeration, ASHRAE 135 clause
// 21 (object types). Only the ones this core's Device object and
// service dispatcher name are listed.
type ObjectType uint16

const (
	ObjectAnalogInput  ObjectType = 0
	ObjectAnalogOutput ObjectType = 1
	ObjectAnalogValue  ObjectType = 2
	ObjectBinaryInput  ObjectType = 3
	ObjectBinaryOutput ObjectType = 4
	ObjectBinaryValue  ObjectType = 5
	ObjectDevice       ObjectType = 8
	ObjectFile         ObjectType = 10
	ObjectNotificationClass ObjectType = 15
)
