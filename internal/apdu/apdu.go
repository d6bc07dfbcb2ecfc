// Package apdu is the Application Protocol Data Unit for bacnet. This is the highest level "protocol" of bacnet.
// As the name says, it provides the application level information for bacnet, so it is actually the biggest
// internal package. As it is a 'protocol', the user level interaction is done outside of this package.
//
// The message envelope types here (ConfirmedMessage, UnconfirmedMessage, and the ACK/Error/Reject/Abort
// replies) carry raw service-choice bytes and pre-encoded service data; the actual primitive and composite
// encodings live in internal/tag, internal/values, and internal/composite.
package apdu

import (
	"bytes"
	"fmt"

	"github.com/shigmas/bacstack/internal/values"
	"github.com/shigmas/bacstack/pkg/bacnet"
)

// Summary: (For more detail, the actual bits are laid out in front the struct that are represented by the bits
// APDU encoding is a bit trickier than NPDU. There are eight types of message request types: Confirmed,
// Unconfirmed, and 6 others (see the spec or code). The first byte specifies the message type, and the
// contents of the following bytes. The length is depends on the type of message request:
// fixed byte 0: confirmed or unconfirmed
// Unconfirmed:
// fixed byte 1: unconfirmed service ID
// remaining bytes: variable parameters.
// Confirmed:
// fixed byte 1: Maximum segments of APDU
// fixed byte 2: invoke ID
// fixed byte 3: confirmed service ID
// remaining bytes (if any): data
// See ConfirmedMessage/UnconfirmedMessage for the bit layout.
//
// See 20.1 in ASHRAE 135.
// Confirmed: 20.1.2 (20.1.2.11 is clearest about the bytes)
// Unconfirmed: 20.1.3 (20.1.3.3 for the bytes)

// PDUType is the high nibble of an APDU's first byte: which of the
// eight message kinds this is.
type PDUType uint8

const (
	PDUTypeConfirmedServiceRequest   PDUType = 0x00
	PDUTypeUnconfirmedServiceRequest PDUType = 0x10
	PDUTypeSimpleAck                 PDUType = 0x20
	PDUTypeComplexAck                PDUType = 0x30
	PDUTypeSegmentAck                PDUType = 0x40
	PDUTypeError                     PDUType = 0x50
	PDUTypeReject                    PDUType = 0x60
	PDUTypeAbort                     PDUType = 0x70
)

// ServiceConfirmed is the service-choice byte of a confirmed request.
type ServiceConfirmed uint8

const (
	ServiceConfirmedAcknowledgeAlarm            ServiceConfirmed = 0
	ServiceConfirmedConfirmedCOVNotification    ServiceConfirmed = 1
	ServiceConfirmedConfirmedEventNotification  ServiceConfirmed = 2
	ServiceConfirmedGetAlarmSummary              ServiceConfirmed = 3
	ServiceConfirmedGetEnrollmentSummary         ServiceConfirmed = 4
	ServiceConfirmedSubscribeCOV                 ServiceConfirmed = 5
	ServiceConfirmedAtomicReadFile                ServiceConfirmed = 6
	ServiceConfirmedAtomicWriteFile               ServiceConfirmed = 7
	ServiceConfirmedAddListElement                ServiceConfirmed = 8
	ServiceConfirmedRemoveListElement             ServiceConfirmed = 9
	ServiceConfirmedCreateObject                  ServiceConfirmed = 10
	ServiceConfirmedDeleteObject                  ServiceConfirmed = 11
	ServiceConfirmedReadProperty                  ServiceConfirmed = 12
	ServiceConfirmedReadPropertyMultiple          ServiceConfirmed = 14
	ServiceConfirmedWriteProperty                 ServiceConfirmed = 15
	ServiceConfirmedWritePropertyMultiple         ServiceConfirmed = 16
	ServiceConfirmedDeviceCommunicationControl    ServiceConfirmed = 17
	ServiceConfirmedConfirmedPrivateTransfer      ServiceConfirmed = 18
	ServiceConfirmedConfirmedTextMessage          ServiceConfirmed = 19
	ServiceConfirmedReinitializeDevice            ServiceConfirmed = 20
	ServiceConfirmedVTOpen                        ServiceConfirmed = 21
	ServiceConfirmedVTClose                       ServiceConfirmed = 22
	ServiceConfirmedVTData                        ServiceConfirmed = 23
	ServiceConfirmedLifeSafetyOperation           ServiceConfirmed = 27
	ServiceConfirmedSubscribeCOVProperty          ServiceConfirmed = 28
	ServiceConfirmedGetEventInformation           ServiceConfirmed = 29
	ServiceConfirmedMax                           ServiceConfirmed = 30
)

// ServiceUnconfirmed is the service-choice byte of an unconfirmed request.
type ServiceUnconfirmed uint8

const (
	ServiceUnconfirmedIAm               ServiceUnconfirmed = 0
	ServiceUnconfirmedIHave             ServiceUnconfirmed = 1
	ServiceUnconfirmedCOVNotification   ServiceUnconfirmed = 2
	ServiceUnconfirmedEventNotification ServiceUnconfirmed = 3
	ServiceUnconfirmedPrivateTransfer   ServiceUnconfirmed = 4
	ServiceUnconfirmedTextMessage       ServiceUnconfirmed = 5
	ServiceUnconfirmedTimeSync          ServiceUnconfirmed = 6
	ServiceUnconfirmedWhoHas            ServiceUnconfirmed = 7
	ServiceUnconfirmedWhoIs             ServiceUnconfirmed = 8
	ServiceUnconfirmedUTCTimeSync       ServiceUnconfirmed = 9
	ServiceUnconfirmedWriteGroup        ServiceUnconfirmed = 10
	ServiceUnconfirmedWhoAmI            ServiceUnconfirmed = 11
	ServiceUnconfirmedYouAre            ServiceUnconfirmed = 12
	ServiceUnconfirmedMax               ServiceUnconfirmed = 13
)

// Message is the interface every APDU envelope implements.
type Message interface {
	Type() PDUType
	Encode() ([]byte, error)
}

// MessageBase is the base type for the various types of APDU messages.
type MessageBase struct {
	ServiceType PDUType
}

func (m MessageBase) Type() PDUType { return m.ServiceType }

// ConfirmedMessage has the following encoding:
//
//	7   6   5   4   3   2   1   0
//
// |---|---|---|---|---|---|---|---|
// | PDU Type      |SEG|MOR| SA| 0 |
// |---|---|---|---|---|---|---|---|
// | 0 | Max Segs  | Max Resp      |
// |---|---|---|---|---|---|---|---|
// | Invoke ID                     |
// |---|---|---|---|---|---|---|---|
// | Sequence Number               | Only present if SEG = 1
// |---|---|---|---|---|---|---|---|
// | Proposed Window Size          | Only present if SEG = 1
// |---|---|---|---|---|---|---|---|
// | Service Choice                |
// |---|---|---|---|---|---|---|---|
// | Service Request               |
// |      .                        |
// |---|---|---|---|---|---|---|---|
type ConfirmedMessage struct {
	MessageBase
	IsSegmented               bool
	DoSegmentsFollow          bool
	IsSegmentResponseAccepted bool
	MaxSegmentsAccepted       uint8 // encoded 3 bits
	MaxLengthAccepted         uint8 // encoded 4 bits
	InvokeID                  uint8
	SequenceNumber            *uint8 // non-nil only if IsSegmented
	ProposedWindowSize        *uint8 // non-nil only if IsSegmented
	ServiceID                 ServiceConfirmed
	ServiceData               []byte
}

// UnconfirmedMessage is a little simpler and has the following encoding:
//
//	7   6   5   4   3   2   1   0
//
// |---|---|---|---|---|---|---|---|
// | PDU Type      | 0 | 0 | 0 | 0 |
// |---|---|---|---|---|---|---|---|
// | Service Choice                |
// |---|---|---|---|---|---|---|---|
// | Service Request               |
// |     .                         |
// |---|---|---|---|---|---|---|---|
type UnconfirmedMessage struct {
	MessageBase
	ServiceID   ServiceUnconfirmed
	ServiceData []byte
}

// SimpleAckMessage acknowledges a confirmed request with no return data.
type SimpleAckMessage struct {
	MessageBase
	InvokeID  uint8
	ServiceID ServiceConfirmed
}

// ComplexAckMessage acknowledges a confirmed request carrying return
// data, with the same optional segmentation header as ConfirmedMessage.
type ComplexAckMessage struct {
	MessageBase
	IsSegmented        bool
	DoSegmentsFollow   bool
	InvokeID           uint8
	SequenceNumber     *uint8
	ProposedWindowSize *uint8
	ServiceID          ServiceConfirmed
	ServiceData        []byte
}

// SegmentAckMessage acknowledges receipt of one segment of a segmented
// exchange.
type SegmentAckMessage struct {
	MessageBase
	IsNegative       bool
	IsServer         bool
	InvokeID         uint8
	SequenceNumber   uint8
	ActualWindowSize uint8
}

// ErrorMessage reports that a confirmed request failed in a way the
// service itself defines (as opposed to Reject/Abort, which are
// protocol-level failures).
type ErrorMessage struct {
	MessageBase
	InvokeID  uint8
	ServiceID ServiceConfirmed
	Error     bacnet.ServiceError
}

// RejectMessage reports that a request's APDU could not be parsed or
// was otherwise invalid at the protocol level.
type RejectMessage struct {
	MessageBase
	InvokeID uint8
	Reason   bacnet.RejectReason
}

// AbortMessage reports that a transaction was terminated before
// completion.
type AbortMessage struct {
	MessageBase
	IsServer bool
	InvokeID uint8
	Reason   bacnet.AbortReason
}

var (
	_ Message = (*ConfirmedMessage)(nil)
	_ Message = (*UnconfirmedMessage)(nil)
	_ Message = (*SimpleAckMessage)(nil)
	_ Message = (*ComplexAckMessage)(nil)
	_ Message = (*SegmentAckMessage)(nil)
	_ Message = (*ErrorMessage)(nil)
	_ Message = (*RejectMessage)(nil)
	_ Message = (*AbortMessage)(nil)
)

// Decode creates an APDU message from bytes by interpreting the first
// byte's PDU type nibble and dispatching to the matching decoder.
func Decode(data []byte) (Message, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("empty apdu: %w", bacnet.ErrInsufficientData)
	}
	switch PDUType(data[0] & 0xF0) {
	case PDUTypeConfirmedServiceRequest:
		return decodeConfirmed(data)
	case PDUTypeUnconfirmedServiceRequest:
		return decodeUnconfirmed(data)
	case PDUTypeSimpleAck:
		return decodeSimpleAck(data)
	case PDUTypeComplexAck:
		return decodeComplexAck(data)
	case PDUTypeSegmentAck:
		return decodeSegmentAck(data)
	case PDUTypeError:
		return decodeError(data)
	case PDUTypeReject:
		return decodeReject(data)
	case PDUTypeAbort:
		return decodeAbort(data)
	default:
		return nil, fmt.Errorf("unrecognized pdu type %#x: %w", data[0]&0xF0, bacnet.ErrMalformed)
	}
}

func decodeConfirmed(data []byte) (*ConfirmedMessage, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("confirmed apdu too short: %w", bacnet.ErrInsufficientData)
	}
	control := data[0]
	maxSegs := (data[1] >> 4) & 0x07
	maxLen := data[1] & 0x0F

	msg := ConfirmedMessage{
		MessageBase:               MessageBase{PDUTypeConfirmedServiceRequest},
		IsSegmented:               control&0x08 != 0,
		DoSegmentsFollow:          control&0x04 != 0,
		IsSegmentResponseAccepted: control&0x02 != 0,
		MaxSegmentsAccepted:       maxSegs,
		MaxLengthAccepted:         maxLen,
		InvokeID:                  data[2],
	}
	idx := 3
	if msg.IsSegmented {
		if len(data) < idx+3 {
			return nil, fmt.Errorf("segmented confirmed apdu too short: %w", bacnet.ErrInsufficientData)
		}
		seq := data[idx]
		msg.SequenceNumber = &seq
		idx++
		win := data[idx]
		msg.ProposedWindowSize = &win
		idx++
	}
	if len(data) < idx+1 {
		return nil, fmt.Errorf("confirmed apdu missing service choice: %w", bacnet.ErrInsufficientData)
	}
	msg.ServiceID = ServiceConfirmed(data[idx])
	idx++
	msg.ServiceData = data[idx:]
	return &msg, nil
}

func decodeUnconfirmed(data []byte) (*UnconfirmedMessage, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("unconfirmed apdu too short: %w", bacnet.ErrInsufficientData)
	}
	return &UnconfirmedMessage{
		MessageBase: MessageBase{PDUTypeUnconfirmedServiceRequest},
		ServiceID:   ServiceUnconfirmed(data[1]),
		ServiceData: data[2:],
	}, nil
}

func decodeSimpleAck(data []byte) (*SimpleAckMessage, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("simple ack too short: %w", bacnet.ErrInsufficientData)
	}
	return &SimpleAckMessage{
		MessageBase: MessageBase{PDUTypeSimpleAck},
		InvokeID:    data[1],
		ServiceID:   ServiceConfirmed(data[2]),
	}, nil
}

func decodeComplexAck(data []byte) (*ComplexAckMessage, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("complex ack too short: %w", bacnet.ErrInsufficientData)
	}
	control := data[0]
	msg := ComplexAckMessage{
		MessageBase:      MessageBase{PDUTypeComplexAck},
		IsSegmented:      control&0x08 != 0,
		DoSegmentsFollow: control&0x04 != 0,
		InvokeID:         data[1],
	}
	idx := 2
	if msg.IsSegmented {
		if len(data) < idx+2 {
			return nil, fmt.Errorf("segmented complex ack too short: %w", bacnet.ErrInsufficientData)
		}
		seq := data[idx]
		msg.SequenceNumber = &seq
		idx++
		win := data[idx]
		msg.ProposedWindowSize = &win
		idx++
	}
	if len(data) < idx+1 {
		return nil, fmt.Errorf("complex ack missing service choice: %w", bacnet.ErrInsufficientData)
	}
	msg.ServiceID = ServiceConfirmed(data[idx])
	idx++
	msg.ServiceData = data[idx:]
	return &msg, nil
}

func decodeSegmentAck(data []byte) (*SegmentAckMessage, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("segment ack too short: %w", bacnet.ErrInsufficientData)
	}
	control := data[0]
	return &SegmentAckMessage{
		MessageBase:      MessageBase{PDUTypeSegmentAck},
		IsNegative:       control&0x02 != 0,
		IsServer:         control&0x01 != 0,
		InvokeID:         data[1],
		SequenceNumber:   data[2],
		ActualWindowSize: data[3],
	}, nil
}

func decodeError(data []byte) (*ErrorMessage, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("error apdu too short: %w", bacnet.ErrInsufficientData)
	}
	r := bytes.NewReader(data[3:])
	class, _, err := values.DecodeApplication(r)
	if err != nil {
		return nil, err
	}
	code, _, err := values.DecodeApplication(r)
	if err != nil {
		return nil, err
	}
	classEnum, ok1 := class.(values.Enumerated)
	codeEnum, ok2 := code.(values.Enumerated)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("error class/code not enumerated: %w", bacnet.ErrMalformed)
	}
	return &ErrorMessage{
		MessageBase: MessageBase{PDUTypeError},
		InvokeID:    data[1],
		ServiceID:   ServiceConfirmed(data[2]),
		Error: bacnet.ServiceError{
			Class: bacnet.ErrorClass(classEnum),
			Code:  bacnet.ErrorCode(codeEnum),
		},
	}, nil
}

func decodeReject(data []byte) (*RejectMessage, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("reject apdu too short: %w", bacnet.ErrInsufficientData)
	}
	return &RejectMessage{
		MessageBase: MessageBase{PDUTypeReject},
		InvokeID:    data[1],
		Reason:      bacnet.RejectReason(data[2]),
	}, nil
}

func decodeAbort(data []byte) (*AbortMessage, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("abort apdu too short: %w", bacnet.ErrInsufficientData)
	}
	control := data[0]
	return &AbortMessage{
		MessageBase: MessageBase{PDUTypeAbort},
		IsServer:    control&0x01 != 0,
		InvokeID:    data[1],
		Reason:      bacnet.AbortReason(data[2]),
	}, nil
}

// Encode writes a confirmed request. Segmentation is not implemented:
// IsSegmented must be false (this core never originates a segmented
// request).
func (cm *ConfirmedMessage) Encode() ([]byte, error) {
	if cm.IsSegmented {
		return nil, fmt.Errorf("segmented confirmed requests: %w", bacnet.ErrNotImplemented)
	}
	var control byte
	if cm.IsSegmentResponseAccepted {
		control |= 0x02
	}
	control |= byte(PDUTypeConfirmedServiceRequest)

	buf := bytes.NewBuffer(make([]byte, 0, 4+len(cm.ServiceData)))
	buf.WriteByte(control)
	buf.WriteByte((cm.MaxSegmentsAccepted<<4)&0x70 | cm.MaxLengthAccepted&0x0F)
	buf.WriteByte(cm.InvokeID)
	buf.WriteByte(byte(cm.ServiceID))
	buf.Write(cm.ServiceData)
	return buf.Bytes(), nil
}

// Encode writes an unconfirmed request.
func (um *UnconfirmedMessage) Encode() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 2+len(um.ServiceData)))
	buf.WriteByte(byte(PDUTypeUnconfirmedServiceRequest))
	buf.WriteByte(byte(um.ServiceID))
	buf.Write(um.ServiceData)
	return buf.Bytes(), nil
}

func (sa *SimpleAckMessage) Encode() ([]byte, error) {
	return []byte{byte(PDUTypeSimpleAck), sa.InvokeID, byte(sa.ServiceID)}, nil
}

func (ca *ComplexAckMessage) Encode() ([]byte, error) {
	if ca.IsSegmented {
		return nil, fmt.Errorf("segmented complex acks: %w", bacnet.ErrNotImplemented)
	}
	buf := bytes.NewBuffer(make([]byte, 0, 3+len(ca.ServiceData)))
	buf.WriteByte(byte(PDUTypeComplexAck))
	buf.WriteByte(ca.InvokeID)
	buf.WriteByte(byte(ca.ServiceID))
	buf.Write(ca.ServiceData)
	return buf.Bytes(), nil
}

func (sa *SegmentAckMessage) Encode() ([]byte, error) {
	var control byte
	if sa.IsNegative {
		control |= 0x02
	}
	if sa.IsServer {
		control |= 0x01
	}
	control |= byte(PDUTypeSegmentAck)
	return []byte{control, sa.InvokeID, sa.SequenceNumber, sa.ActualWindowSize}, nil
}

func (em *ErrorMessage) Encode() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 8))
	buf.WriteByte(byte(PDUTypeError))
	buf.WriteByte(em.InvokeID)
	buf.WriteByte(byte(em.ServiceID))
	values.Enumerated(em.Error.Class).EncodeApplication(buf)
	values.Enumerated(em.Error.Code).EncodeApplication(buf)
	return buf.Bytes(), nil
}

func (rm *RejectMessage) Encode() ([]byte, error) {
	return []byte{byte(PDUTypeReject), rm.InvokeID, byte(rm.Reason)}, nil
}

func (am *AbortMessage) Encode() ([]byte, error) {
	var control byte
	if am.IsServer {
		control |= 0x01
	}
	control |= byte(PDUTypeAbort)
	return []byte{control, am.InvokeID, byte(am.Reason)}, nil
}
