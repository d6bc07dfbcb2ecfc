package bacnet

// RejectReason is the wire-visible reason carried in a BACnet-Reject
// APDU, ASHRAE 135 clause 20.1.2.9.
type RejectReason uint8

const (
	RejectOther RejectReason = iota
	RejectBufferOverflow
	RejectInconsistentParameters
	RejectInvalidParameterDataType
	RejectInvalidTag
	RejectMissingRequiredParameter
	RejectParameterOutOfRange
	RejectTooManyArguments
	RejectUndefinedEnumeration
	RejectUnrecognizedService
	RejectInvalidDataEncoding
)

// AbortReason is the wire-visible reason carried in a BACnet-Abort APDU.
type AbortReason uint8

const (
	AbortOther AbortReason = iota
	AbortBufferOverflow
	AbortInvalidAPDUInThisState
	AbortPreemptedByHigherPriorityTask
	AbortSegmentationNotSupported
	AbortSecurityError
	AbortInsufficientSecurity
	AbortWindowSizeOutOfRange
	AbortApplicationExceededReplyTime
	AbortOutOfResources
	AbortTSMTimeout
	AbortAPDUTooLong
)

// ErrorClass groups related ErrorCode values for a BACnet-Error APDU.
type ErrorClass uint8

const (
	ErrorClassDevice ErrorClass = iota
	ErrorClassObject
	ErrorClassProperty
	ErrorClassResources
	ErrorClassSecurity
	ErrorClassServices
	ErrorClassVT
	ErrorClassCommunication
)

// ErrorCode is the specific error within an ErrorClass.
type ErrorCode uint16

const (
	ErrorCodeOther ErrorCode = iota
	ErrorCodeUnknownObject
	ErrorCodeUnknownProperty
	ErrorCodeUnsupportedObjectType
	ErrorCodeReadAccessDenied
	ErrorCodeWriteAccessDenied
	ErrorCodeInvalidDataType
	ErrorCodeValueOutOfRange
	ErrorCodeNoSpaceToAddListElement
	ErrorCodeNoSpaceToWriteProperty
	ErrorCodeNoSpaceForObject
	ErrorCodeDeviceBusy
	ErrorCodeOperationalProblem
	ErrorCodePasswordFailure
	ErrorCodeServiceRequestDenied
	ErrorCodeTimeout
	ErrorCodeUnknownDevice
	ErrorCodeUnknownRoute
	ErrorCodeInvalidArrayIndex
	ErrorCodePropertyIsNotAnArray
	ErrorCodeFileAccessDenied
	ErrorCodeUnknownSubscription
	ErrorCodeInconsistentParameters
	ErrorCodeObjectDeletionNotPermitted
	ErrorCodeDynamicCreationNotSupported
	ErrorCodeDuplicateObjectID
	ErrorCodeInvalidConfigurationData
)

// ServiceError pairs an ErrorClass and ErrorCode, the unit that travels
// in a BACnet-Error APDU's service-specific payload.
type ServiceError struct {
	Class ErrorClass
	Code  ErrorCode
}

func (e ServiceError) Error() string {
	return "bacnet error"
}
