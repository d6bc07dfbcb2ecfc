package services

import (
	"bytes"
	"fmt"

	"github.com/shigmas/bacstack/internal/composite"
	"github.com/shigmas/bacstack/internal/tag"
	"github.com/shigmas/bacstack/internal/values"
	"github.com/shigmas/bacstack/pkg/bacnet"
)

// WritePropertyMultipleRequest is a list of per-object property writes,
// ASHRAE 135 clause 15.10.
type WritePropertyMultipleRequest struct {
	Specifications []composite.WriteAccessSpecification
}

func EncodeWritePropertyMultipleRequest(req WritePropertyMultipleRequest) []byte {
	buf := new(bytes.Buffer)
	for _, spec := range req.Specifications {
		spec.Encode(buf)
	}
	return buf.Bytes()
}

func DecodeWritePropertyMultipleRequest(data []byte) (WritePropertyMultipleRequest, error) {
	var req WritePropertyMultipleRequest
	r := bytes.NewReader(data)
	for !atEOF(r) {
		spec, err := composite.DecodeWriteAccessSpecification(r)
		if err != nil {
			return req, err
		}
		req.Specifications = append(req.Specifications, spec)
	}
	return req, nil
}

// AtomicFileAccessMethod discriminates the streamAccess/recordAccess
// choice of AtomicReadFile and AtomicWriteFile. Only streamAccess is
// implemented by this core; recordAccess requests are rejected with
// ErrorCodeServiceRequestDenied rather than silently misread, since this
// core has no record-structured file objects to honor it against.
type AtomicFileAccessMethod uint8

const (
	AtomicFileStreamAccess AtomicFileAccessMethod = 0
	AtomicFileRecordAccess AtomicFileAccessMethod = 1
)

// AtomicReadFileRequest is the AtomicReadFile-Request parameter list,
// ASHRAE 135 clause 14.1 (streamAccess only).
type AtomicReadFileRequest struct {
	File           values.ObjectID
	StartPosition  int32
	RequestedCount uint32
}

func EncodeAtomicReadFileRequest(req AtomicReadFileRequest) []byte {
	buf := new(bytes.Buffer)
	req.File.EncodeApplication(buf)
	tag.EncodeOpening(buf, tag.Number(AtomicFileStreamAccess))
	values.Signed(req.StartPosition).EncodeApplication(buf)
	values.Unsigned(req.RequestedCount).EncodeApplication(buf)
	tag.EncodeClosing(buf, tag.Number(AtomicFileStreamAccess))
	return buf.Bytes()
}

func DecodeAtomicReadFileRequest(data []byte) (AtomicReadFileRequest, error) {
	var req AtomicReadFileRequest
	r := bytes.NewReader(data)

	v, t, err := values.DecodeApplication(r)
	if err != nil {
		return req, err
	}
	oid, ok := v.(values.ObjectID)
	if !ok {
		return req, fmt.Errorf("atomic-read-file identifier not an object id: %w", bacnet.ErrMalformed)
	}
	_ = t
	req.File = oid

	choice, _, err := tag.Decode(r)
	if err != nil {
		return req, fmt.Errorf("atomic-read-file missing access method: %w", bacnet.ErrInsufficientData)
	}
	if choice.Number != tag.Number(AtomicFileStreamAccess) {
		return req, fmt.Errorf("atomic-read-file record access: %w", bacnet.ServiceError{
			Class: bacnet.ErrorClassServices,
			Code:  bacnet.ErrorCodeServiceRequestDenied,
		})
	}

	pos, _, err := values.DecodeApplication(r)
	if err != nil {
		return req, err
	}
	posVal, ok := pos.(values.Signed)
	if !ok {
		return req, fmt.Errorf("atomic-read-file start position not signed: %w", bacnet.ErrMalformed)
	}
	req.StartPosition = int32(posVal)

	cnt, _, err := values.DecodeApplication(r)
	if err != nil {
		return req, err
	}
	cntVal, ok := cnt.(values.Unsigned)
	if !ok {
		return req, fmt.Errorf("atomic-read-file requested count not unsigned: %w", bacnet.ErrMalformed)
	}
	req.RequestedCount = uint32(cntVal)

	if err := expectClosing(r, tag.Number(AtomicFileStreamAccess)); err != nil {
		return req, err
	}
	return req, nil
}

// AtomicReadFileAck is the AtomicReadFile-ACK parameter list.
type AtomicReadFileAck struct {
	EndOfFile     bool
	StartPosition int32
	Data          []byte
}

func EncodeAtomicReadFileAck(ack AtomicReadFileAck) []byte {
	buf := new(bytes.Buffer)
	values.Boolean(ack.EndOfFile).EncodeApplication(buf)
	tag.EncodeOpening(buf, tag.Number(AtomicFileStreamAccess))
	values.Signed(ack.StartPosition).EncodeApplication(buf)
	values.OctetString(ack.Data).EncodeApplication(buf)
	tag.EncodeClosing(buf, tag.Number(AtomicFileStreamAccess))
	return buf.Bytes()
}

func DecodeAtomicReadFileAck(data []byte) (AtomicReadFileAck, error) {
	var ack AtomicReadFileAck
	r := bytes.NewReader(data)

	eof, _, err := values.DecodeApplication(r)
	if err != nil {
		return ack, err
	}
	eofVal, ok := eof.(values.Boolean)
	if !ok {
		return ack, fmt.Errorf("atomic-read-file-ack end-of-file not boolean: %w", bacnet.ErrMalformed)
	}
	ack.EndOfFile = bool(eofVal)

	choice, _, err := tag.Decode(r)
	if err != nil {
		return ack, fmt.Errorf("atomic-read-file-ack missing access method: %w", bacnet.ErrInsufficientData)
	}
	if choice.Number != tag.Number(AtomicFileStreamAccess) {
		return ack, fmt.Errorf("atomic-read-file-ack record access: %w", bacnet.ErrNotImplemented)
	}

	pos, _, err := values.DecodeApplication(r)
	if err != nil {
		return ack, err
	}
	posVal, ok := pos.(values.Signed)
	if !ok {
		return ack, fmt.Errorf("atomic-read-file-ack start position not signed: %w", bacnet.ErrMalformed)
	}
	ack.StartPosition = int32(posVal)

	fileData, _, err := values.DecodeApplication(r)
	if err != nil {
		return ack, err
	}
	os, ok := fileData.(values.OctetString)
	if !ok {
		return ack, fmt.Errorf("atomic-read-file-ack file data not octet string: %w", bacnet.ErrMalformed)
	}
	ack.Data = []byte(os)

	if err := expectClosing(r, tag.Number(AtomicFileStreamAccess)); err != nil {
		return ack, err
	}
	return ack, nil
}

// AtomicWriteFileRequest is the AtomicWriteFile-Request parameter list
// (streamAccess only).
type AtomicWriteFileRequest struct {
	File          values.ObjectID
	StartPosition int32
	Data          []byte
}

func EncodeAtomicWriteFileRequest(req AtomicWriteFileRequest) []byte {
	buf := new(bytes.Buffer)
	req.File.EncodeApplication(buf)
	tag.EncodeOpening(buf, tag.Number(AtomicFileStreamAccess))
	values.Signed(req.StartPosition).EncodeApplication(buf)
	values.OctetString(req.Data).EncodeApplication(buf)
	tag.EncodeClosing(buf, tag.Number(AtomicFileStreamAccess))
	return buf.Bytes()
}

func DecodeAtomicWriteFileRequest(data []byte) (AtomicWriteFileRequest, error) {
	var req AtomicWriteFileRequest
	r := bytes.NewReader(data)

	v, _, err := values.DecodeApplication(r)
	if err != nil {
		return req, err
	}
	oid, ok := v.(values.ObjectID)
	if !ok {
		return req, fmt.Errorf("atomic-write-file identifier not an object id: %w", bacnet.ErrMalformed)
	}
	req.File = oid

	choice, _, err := tag.Decode(r)
	if err != nil {
		return req, fmt.Errorf("atomic-write-file missing access method: %w", bacnet.ErrInsufficientData)
	}
	if choice.Number != tag.Number(AtomicFileStreamAccess) {
		return req, fmt.Errorf("atomic-write-file record access: %w", bacnet.ServiceError{
			Class: bacnet.ErrorClassServices,
			Code:  bacnet.ErrorCodeServiceRequestDenied,
		})
	}

	pos, _, err := values.DecodeApplication(r)
	if err != nil {
		return req, err
	}
	posVal, ok := pos.(values.Signed)
	if !ok {
		return req, fmt.Errorf("atomic-write-file start position not signed: %w", bacnet.ErrMalformed)
	}
	req.StartPosition = int32(posVal)

	fileData, _, err := values.DecodeApplication(r)
	if err != nil {
		return req, err
	}
	os, ok := fileData.(values.OctetString)
	if !ok {
		return req, fmt.Errorf("atomic-write-file data not octet string: %w", bacnet.ErrMalformed)
	}
	req.Data = []byte(os)

	if err := expectClosing(r, tag.Number(AtomicFileStreamAccess)); err != nil {
		return req, err
	}
	return req, nil
}

// AtomicWriteFileAck is the AtomicWriteFile-ACK: the file position the
// write landed at (streamAccess only), context-tagged directly since the
// CHOICE here holds a bare INTEGER rather than a SEQUENCE.
type AtomicWriteFileAck struct {
	StartPosition int32
}

func EncodeAtomicWriteFileAck(ack AtomicWriteFileAck) []byte {
	buf := new(bytes.Buffer)
	values.Signed(ack.StartPosition).EncodeContext(buf, tag.Number(AtomicFileStreamAccess))
	return buf.Bytes()
}

func DecodeAtomicWriteFileAck(data []byte) (AtomicWriteFileAck, error) {
	var ack AtomicWriteFileAck
	r := bytes.NewReader(data)
	t, _, err := tag.Decode(r)
	if err != nil {
		return ack, err
	}
	if t.Number != tag.Number(AtomicFileStreamAccess) {
		return ack, fmt.Errorf("atomic-write-file-ack record access: %w", bacnet.ErrNotImplemented)
	}
	pos, err := values.DecodeSigned(r, t)
	if err != nil {
		return ack, err
	}
	ack.StartPosition = int32(pos)
	return ack, nil
}

// AlarmSummary is one entry of a GetAlarmSummary-ACK, ASHRAE 135 clause
// 13.4: an object in an abnormal alarm state plus which transitions of
// it have already been acknowledged.
type AlarmSummary struct {
	Object               values.ObjectID
	AlarmState            values.Enumerated
	AcknowledgedTransitions values.BitString
}

// GetAlarmSummaryAck is the GetAlarmSummary-ACK parameter list: a bare
// list of AlarmSummary entries with no outer wrapper, like
// ReadPropertyMultipleAck's list of ReadAccessResult.
type GetAlarmSummaryAck struct {
	Summaries []AlarmSummary
}

func EncodeGetAlarmSummaryAck(ack GetAlarmSummaryAck) []byte {
	buf := new(bytes.Buffer)
	for _, s := range ack.Summaries {
		s.Object.EncodeApplication(buf)
		s.AlarmState.EncodeApplication(buf)
		s.AcknowledgedTransitions.EncodeApplication(buf)
	}
	return buf.Bytes()
}

func DecodeGetAlarmSummaryAck(data []byte) (GetAlarmSummaryAck, error) {
	var ack GetAlarmSummaryAck
	r := bytes.NewReader(data)
	for !atEOF(r) {
		var s AlarmSummary
		v, t, err := values.DecodeApplication(r)
		if err != nil {
			return ack, err
		}
		oid, ok := v.(values.ObjectID)
		if !ok {
			return ack, fmt.Errorf("alarm summary object not an object id: %w", bacnet.ErrMalformed)
		}
		s.Object = oid
		_ = t

		v, _, err = values.DecodeApplication(r)
		if err != nil {
			return ack, err
		}
		state, ok := v.(values.Enumerated)
		if !ok {
			return ack, fmt.Errorf("alarm summary state not enumerated: %w", bacnet.ErrMalformed)
		}
		s.AlarmState = state

		v, t, err = values.DecodeApplication(r)
		if err != nil {
			return ack, err
		}
		bs, ok := v.(values.BitString)
		if !ok {
			return ack, fmt.Errorf("alarm summary acked-transitions not a bit string: %w", bacnet.ErrMalformed)
		}
		_ = t
		s.AcknowledgedTransitions = bs

		ack.Summaries = append(ack.Summaries, s)
	}
	return ack, nil
}

// EventSummary is one entry of a GetEventInformation-ACK, ASHRAE 135
// clause 13.6, carrying the three standard event transition timestamps
// (to-offnormal, to-fault, to-normal).
type EventSummary struct {
	Object                values.ObjectID
	EventState            values.Enumerated
	AcknowledgedTransitions values.BitString
	EventTimeStamps       [3]composite.TimeStamp
	NotifyType            values.Enumerated
	EventEnable           values.BitString
	EventPriorities       [3]uint32
}

// GetEventInformationRequest optionally resumes a previous,
// segmentation-limited listing from the object after
// LastReceivedObjectIdentifier.
type GetEventInformationRequest struct {
	LastReceivedObjectID *values.ObjectID
}

func EncodeGetEventInformationRequest(req GetEventInformationRequest) []byte {
	buf := new(bytes.Buffer)
	if req.LastReceivedObjectID != nil {
		req.LastReceivedObjectID.EncodeContext(buf, tag.Number(0))
	}
	return buf.Bytes()
}

func DecodeGetEventInformationRequest(data []byte) (GetEventInformationRequest, error) {
	var req GetEventInformationRequest
	r := bytes.NewReader(data)
	if atEOF(r) {
		return req, nil
	}
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
	req.LastReceivedObjectID = &oid
	return req, nil
}

// GetEventInformationAck is the GetEventInformation-ACK parameter list.
type GetEventInformationAck struct {
	Summaries   []EventSummary
	MoreEvents bool
}

func EncodeGetEventInformationAck(ack GetEventInformationAck) []byte {
	buf := new(bytes.Buffer)
	tag.EncodeOpening(buf, tag.Number(0))
	for _, s := range ack.Summaries {
		s.Object.EncodeContext(buf, tag.Number(0))
		s.EventState.EncodeContext(buf, tag.Number(1))
		s.AcknowledgedTransitions.EncodeContext(buf, tag.Number(2))
		tag.EncodeOpening(buf, tag.Number(3))
		for _, ts := range s.EventTimeStamps {
			ts.EncodeContext(buf, tag.Number(ts.Kind))
		}
		tag.EncodeClosing(buf, tag.Number(3))
		s.NotifyType.EncodeContext(buf, tag.Number(4))
		s.EventEnable.EncodeContext(buf, tag.Number(5))
		tag.EncodeOpening(buf, tag.Number(6))
		for _, p := range s.EventPriorities {
			values.Unsigned(p).EncodeApplication(buf)
		}
		tag.EncodeClosing(buf, tag.Number(6))
	}
	tag.EncodeClosing(buf, tag.Number(0))
	values.Boolean(ack.MoreEvents).EncodeContext(buf, tag.Number(1))
	return buf.Bytes()
}

func DecodeGetEventInformationAck(data []byte) (GetEventInformationAck, error) {
	var ack GetEventInformationAck
	r := bytes.NewReader(data)

	if err := expectOpening(r, tag.Number(0)); err != nil {
		return ack, err
	}
	for {
		next, err := peekTag(r)
		if err != nil {
			return ack, err
		}
		if next.Class == tag.ContextSpecific && next.IsClosing && next.Number == 0 {
			break
		}
		var s EventSummary

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
		s.Object = oid

		t, _, err = tag.Decode(r)
		if err != nil {
			return ack, err
		}
		if err := values.ExpectContext(t, 1); err != nil {
			return ack, err
		}
		state, err := values.DecodeEnumerated(r, t)
		if err != nil {
			return ack, err
		}
		s.EventState = state

		t, _, err = tag.Decode(r)
		if err != nil {
			return ack, err
		}
		if err := values.ExpectContext(t, 2); err != nil {
			return ack, err
		}
		bs, err := values.DecodeBitString(r, t)
		if err != nil {
			return ack, err
		}
		s.AcknowledgedTransitions = bs

		if err := expectOpening(r, tag.Number(3)); err != nil {
			return ack, err
		}
		for i := 0; i < 3; i++ {
			ts, err := composite.DecodeTimeStamp(r)
			if err != nil {
				return ack, err
			}
			s.EventTimeStamps[i] = ts
		}
		if err := expectClosing(r, tag.Number(3)); err != nil {
			return ack, err
		}

		t, _, err = tag.Decode(r)
		if err != nil {
			return ack, err
		}
		if err := values.ExpectContext(t, 4); err != nil {
			return ack, err
		}
		notify, err := values.DecodeEnumerated(r, t)
		if err != nil {
			return ack, err
		}
		s.NotifyType = notify

		t, _, err = tag.Decode(r)
		if err != nil {
			return ack, err
		}
		if err := values.ExpectContext(t, 5); err != nil {
			return ack, err
		}
		enable, err := values.DecodeBitString(r, t)
		if err != nil {
			return ack, err
		}
		s.EventEnable = enable

		if err := expectOpening(r, tag.Number(6)); err != nil {
			return ack, err
		}
		for i := 0; i < 3; i++ {
			v, _, err := values.DecodeApplication(r)
			if err != nil {
				return ack, err
			}
			u, ok := v.(values.Unsigned)
			if !ok {
				return ack, fmt.Errorf("event priority not unsigned: %w", bacnet.ErrMalformed)
			}
			s.EventPriorities[i] = uint32(u)
		}
		if err := expectClosing(r, tag.Number(6)); err != nil {
			return ack, err
		}

		ack.Summaries = append(ack.Summaries, s)
	}
	if err := expectClosing(r, tag.Number(0)); err != nil {
		return ack, err
	}

	t, _, err := tag.Decode(r)
	if err != nil {
		return ack, fmt.Errorf("get-event-information-ack missing more-events: %w", bacnet.ErrInsufficientData)
	}
	if err := values.ExpectContext(t, 1); err != nil {
		return ack, err
	}
	more, err := values.DecodeBoolContext(r, t)
	if err != nil {
		return ack, err
	}
	ack.MoreEvents = bool(more)
	return ack, nil
}

// AcknowledgeAlarmRequest is the AcknowledgeAlarm-Request parameter
// list, ASHRAE 135 clause 13.2.
type AcknowledgeAlarmRequest struct {
	ProcessID           uint32
	EventObjectID       values.ObjectID
	EventStateAcked     values.Enumerated
	EventTimeStamp      composite.TimeStamp
	Source              string
	AckTimeStamp        composite.TimeStamp
}

// encodeTimeStampChoice writes ts wrapped in an opening/closing tag
// numbered field so the CHOICE's own discriminator tag (0=time,
// 1=sequence-number, 2=date-time) stays unambiguous inside a larger
// SEQUENCE field.
func encodeTimeStampChoice(buf *bytes.Buffer, field tag.Number, ts composite.TimeStamp) {
	tag.EncodeOpening(buf, field)
	ts.EncodeContext(buf, tag.Number(ts.Kind))
	tag.EncodeClosing(buf, field)
}

func decodeTimeStampChoice(r *bytes.Reader, field tag.Number) (composite.TimeStamp, error) {
	if err := expectOpening(r, field); err != nil {
		return composite.TimeStamp{}, err
	}
	ts, err := composite.DecodeTimeStamp(r)
	if err != nil {
		return ts, err
	}
	if err := expectClosing(r, field); err != nil {
		return ts, err
	}
	return ts, nil
}

func EncodeAcknowledgeAlarmRequest(req AcknowledgeAlarmRequest) []byte {
	buf := new(bytes.Buffer)
	values.Unsigned(req.ProcessID).EncodeContext(buf, tag.Number(0))
	req.EventObjectID.EncodeContext(buf, tag.Number(1))
	req.EventStateAcked.EncodeContext(buf, tag.Number(2))
	encodeTimeStampChoice(buf, tag.Number(3), req.EventTimeStamp)
	values.NewANSICharacterString(req.Source).EncodeContext(buf, tag.Number(4))
	encodeTimeStampChoice(buf, tag.Number(5), req.AckTimeStamp)
	return buf.Bytes()
}

func DecodeAcknowledgeAlarmRequest(data []byte) (AcknowledgeAlarmRequest, error) {
	var req AcknowledgeAlarmRequest
	r := bytes.NewReader(data)

	t, _, err := tag.Decode(r)
	if err != nil {
		return req, err
	}
	if err := values.ExpectContext(t, 0); err != nil {
		return req, err
	}
	pid, err := values.DecodeUnsigned(r, t)
	if err != nil {
		return req, err
	}
	req.ProcessID = uint32(pid)

	t, _, err = tag.Decode(r)
	if err != nil {
		return req, err
	}
	if err := values.ExpectContext(t, 1); err != nil {
		return req, err
	}
	oid, err := values.DecodeObjectID(r, t)
	if err != nil {
		return req, err
	}
	req.EventObjectID = oid

	t, _, err = tag.Decode(r)
	if err != nil {
		return req, err
	}
	if err := values.ExpectContext(t, 2); err != nil {
		return req, err
	}
	state, err := values.DecodeEnumerated(r, t)
	if err != nil {
		return req, err
	}
	req.EventStateAcked = state

	ts, err := decodeTimeStampChoice(r, tag.Number(3))
	if err != nil {
		return req, err
	}
	req.EventTimeStamp = ts

	t, _, err = tag.Decode(r)
	if err != nil {
		return req, err
	}
	if err := values.ExpectContext(t, 4); err != nil {
		return req, err
	}
	cs, err := values.DecodeCharacterString(r, t)
	if err != nil {
		return req, err
	}
	req.Source = cs.Text

	ats, err := decodeTimeStampChoice(r, tag.Number(5))
	if err != nil {
		return req, err
	}
	req.AckTimeStamp = ats
	return req, nil
}

// EventNotification is the shared parameter list of
// ConfirmedEventNotification and UnconfirmedEventNotification, ASHRAE
// 135 clause 13.3. EventValues, the event-type-specific CHOICE payload
// (context tag 12), is not represented: the encoder does not write it
// and the decoder stops after to-state, ignoring any octets that follow.
// This core logs received event notifications; it does not evaluate the
// event algorithms that produced them.
type EventNotification struct {
	ProcessID         uint32
	InitiatingDevice  values.ObjectID
	EventObject       values.ObjectID
	TimeStamp         composite.TimeStamp
	NotificationClass uint32
	Priority          uint8
	EventType         values.Enumerated
	MessageText       string // empty when absent
	NotifyType        values.Enumerated
	FromState         *values.Enumerated
	ToState           values.Enumerated
}

func encodeEventNotification(buf *bytes.Buffer, n EventNotification) {
	values.Unsigned(n.ProcessID).EncodeContext(buf, tag.Number(0))
	n.InitiatingDevice.EncodeContext(buf, tag.Number(1))
	n.EventObject.EncodeContext(buf, tag.Number(2))
	encodeTimeStampChoice(buf, tag.Number(3), n.TimeStamp)
	values.Unsigned(n.NotificationClass).EncodeContext(buf, tag.Number(4))
	values.Unsigned(n.Priority).EncodeContext(buf, tag.Number(5))
	n.EventType.EncodeContext(buf, tag.Number(6))
	if n.MessageText != "" {
		values.NewANSICharacterString(n.MessageText).EncodeContext(buf, tag.Number(7))
	}
	n.NotifyType.EncodeContext(buf, tag.Number(8))
	if n.FromState != nil {
		n.FromState.EncodeContext(buf, tag.Number(10))
	}
	n.ToState.EncodeContext(buf, tag.Number(11))
}

func decodeEventNotification(r *bytes.Reader) (EventNotification, error) {
	var n EventNotification

	t, _, err := tag.Decode(r)
	if err != nil {
		return n, err
	}
	if err := values.ExpectContext(t, 0); err != nil {
		return n, err
	}
	pid, err := values.DecodeUnsigned(r, t)
	if err != nil {
		return n, err
	}
	n.ProcessID = uint32(pid)

	t, _, err = tag.Decode(r)
	if err != nil {
		return n, err
	}
	if err := values.ExpectContext(t, 1); err != nil {
		return n, err
	}
	dev, err := values.DecodeObjectID(r, t)
	if err != nil {
		return n, err
	}
	n.InitiatingDevice = dev

	t, _, err = tag.Decode(r)
	if err != nil {
		return n, err
	}
	if err := values.ExpectContext(t, 2); err != nil {
		return n, err
	}
	obj, err := values.DecodeObjectID(r, t)
	if err != nil {
		return n, err
	}
	n.EventObject = obj

	ts, err := decodeTimeStampChoice(r, tag.Number(3))
	if err != nil {
		return n, err
	}
	n.TimeStamp = ts

	t, _, err = tag.Decode(r)
	if err != nil {
		return n, err
	}
	if err := values.ExpectContext(t, 4); err != nil {
		return n, err
	}
	nc, err := values.DecodeUnsigned(r, t)
	if err != nil {
		return n, err
	}
	n.NotificationClass = uint32(nc)

	t, _, err = tag.Decode(r)
	if err != nil {
		return n, err
	}
	if err := values.ExpectContext(t, 5); err != nil {
		return n, err
	}
	prio, err := values.DecodeUnsigned(r, t)
	if err != nil {
		return n, err
	}
	n.Priority = uint8(prio)

	t, _, err = tag.Decode(r)
	if err != nil {
		return n, err
	}
	if err := values.ExpectContext(t, 6); err != nil {
		return n, err
	}
	et, err := values.DecodeEnumerated(r, t)
	if err != nil {
		return n, err
	}
	n.EventType = et

	next, err := peekTag(r)
	if err != nil {
		return n, err
	}
	if next.Class == tag.ContextSpecific && next.Number == 7 {
		t, _, err = tag.Decode(r)
		if err != nil {
			return n, err
		}
		cs, err := values.DecodeCharacterString(r, t)
		if err != nil {
			return n, err
		}
		n.MessageText = cs.Text
		next, err = peekTag(r)
		if err != nil {
			return n, err
		}
	}

	if next.Class != tag.ContextSpecific || next.Number != 8 {
		return n, fmt.Errorf("event notification missing notify-type: %w", bacnet.ErrMalformed)
	}
	t, _, err = tag.Decode(r)
	if err != nil {
		return n, err
	}
	nt, err := values.DecodeEnumerated(r, t)
	if err != nil {
		return n, err
	}
	n.NotifyType = nt

	if !atEOF(r) {
		next, err = peekTag(r)
		if err != nil {
			return n, err
		}
		if next.Class == tag.ContextSpecific && next.Number == 10 {
			t, _, err = tag.Decode(r)
			if err != nil {
				return n, err
			}
			from, err := values.DecodeEnumerated(r, t)
			if err != nil {
				return n, err
			}
			n.FromState = &from
		}
	}

	t, _, err = tag.Decode(r)
	if err != nil {
		return n, fmt.Errorf("event notification missing to-state: %w", bacnet.ErrMalformed)
	}
	if err := values.ExpectContext(t, 11); err != nil {
		return n, err
	}
	to, err := values.DecodeEnumerated(r, t)
	if err != nil {
		return n, err
	}
	n.ToState = to
	return n, nil
}

func EncodeEventNotification(n EventNotification) []byte {
	buf := new(bytes.Buffer)
	encodeEventNotification(buf, n)
	return buf.Bytes()
}

func DecodeEventNotification(data []byte) (EventNotification, error) {
	return decodeEventNotification(bytes.NewReader(data))
}

// COVNotification is the shared parameter list of
// ConfirmedCOVNotification and UnconfirmedCOVNotification, ASHRAE 135
// clause 13.1.
type COVNotification struct {
	ProcessID        uint32
	InitiatingDevice values.ObjectID
	MonitoredObject  values.ObjectID
	TimeRemaining    uint32
	Values           []composite.PropertyValue
}

func EncodeCOVNotification(n COVNotification) []byte {
	buf := new(bytes.Buffer)
	values.Unsigned(n.ProcessID).EncodeContext(buf, tag.Number(0))
	n.InitiatingDevice.EncodeContext(buf, tag.Number(1))
	n.MonitoredObject.EncodeContext(buf, tag.Number(2))
	values.Unsigned(n.TimeRemaining).EncodeContext(buf, tag.Number(3))
	tag.EncodeOpening(buf, tag.Number(4))
	for _, pv := range n.Values {
		pv.Encode(buf)
	}
	tag.EncodeClosing(buf, tag.Number(4))
	return buf.Bytes()
}

func DecodeCOVNotification(data []byte) (COVNotification, error) {
	var n COVNotification
	r := bytes.NewReader(data)

	t, _, err := tag.Decode(r)
	if err != nil {
		return n, err
	}
	if err := values.ExpectContext(t, 0); err != nil {
		return n, err
	}
	pid, err := values.DecodeUnsigned(r, t)
	if err != nil {
		return n, err
	}
	n.ProcessID = uint32(pid)

	t, _, err = tag.Decode(r)
	if err != nil {
		return n, err
	}
	if err := values.ExpectContext(t, 1); err != nil {
		return n, err
	}
	dev, err := values.DecodeObjectID(r, t)
	if err != nil {
		return n, err
	}
	n.InitiatingDevice = dev

	t, _, err = tag.Decode(r)
	if err != nil {
		return n, err
	}
	if err := values.ExpectContext(t, 2); err != nil {
		return n, err
	}
	obj, err := values.DecodeObjectID(r, t)
	if err != nil {
		return n, err
	}
	n.MonitoredObject = obj

	t, _, err = tag.Decode(r)
	if err != nil {
		return n, err
	}
	if err := values.ExpectContext(t, 3); err != nil {
		return n, err
	}
	rem, err := values.DecodeUnsigned(r, t)
	if err != nil {
		return n, err
	}
	n.TimeRemaining = uint32(rem)

	if err := expectOpening(r, tag.Number(4)); err != nil {
		return n, err
	}
	for {
		next, err := peekTag(r)
		if err != nil {
			return n, err
		}
		if next.Class == tag.ContextSpecific && next.IsClosing && next.Number == 4 {
			break
		}
		pv, err := composite.DecodePropertyValue(r)
		if err != nil {
			return n, err
		}
		n.Values = append(n.Values, pv)
	}
	if err := expectClosing(r, tag.Number(4)); err != nil {
		return n, err
	}
	return n, nil
}

// SubscribeCOVRequest is the SubscribeCOV-Request parameter list,
// ASHRAE 135 clause 13.14. Confirmed and Lifetime are both present to
// establish/renew a subscription, both absent to cancel one.
type SubscribeCOVRequest struct {
	ProcessID       uint32
	MonitoredObject values.ObjectID
	Confirmed       *bool
	Lifetime        *uint32
}

func EncodeSubscribeCOVRequest(req SubscribeCOVRequest) []byte {
	buf := new(bytes.Buffer)
	values.Unsigned(req.ProcessID).EncodeContext(buf, tag.Number(0))
	req.MonitoredObject.EncodeContext(buf, tag.Number(1))
	if req.Confirmed != nil && req.Lifetime != nil {
		values.Boolean(*req.Confirmed).EncodeContext(buf, tag.Number(2))
		values.Unsigned(*req.Lifetime).EncodeContext(buf, tag.Number(3))
	}
	return buf.Bytes()
}

func DecodeSubscribeCOVRequest(data []byte) (SubscribeCOVRequest, error) {
	var req SubscribeCOVRequest
	r := bytes.NewReader(data)

	t, _, err := tag.Decode(r)
	if err != nil {
		return req, err
	}
	if err := values.ExpectContext(t, 0); err != nil {
		return req, err
	}
	pid, err := values.DecodeUnsigned(r, t)
	if err != nil {
		return req, err
	}
	req.ProcessID = uint32(pid)

	t, _, err = tag.Decode(r)
	if err != nil {
		return req, err
	}
	if err := values.ExpectContext(t, 1); err != nil {
		return req, err
	}
	oid, err := values.DecodeObjectID(r, t)
	if err != nil {
		return req, err
	}
	req.MonitoredObject = oid

	if atEOF(r) {
		return req, nil
	}

	t, _, err = tag.Decode(r)
	if err != nil {
		return req, err
	}
	if err := values.ExpectContext(t, 2); err != nil {
		return req, err
	}
	conf, err := values.DecodeBoolContext(r, t)
	if err != nil {
		return req, err
	}
	confVal := bool(conf)
	req.Confirmed = &confVal

	t, _, err = tag.Decode(r)
	if err != nil {
		return req, fmt.Errorf("subscribe-cov missing lifetime: %w", bacnet.ErrMalformed)
	}
	if err := values.ExpectContext(t, 3); err != nil {
		return req, err
	}
	life, err := values.DecodeUnsigned(r, t)
	if err != nil {
		return req, err
	}
	lifeVal := uint32(life)
	req.Lifetime = &lifeVal
	return req, nil
}

// SubscribeCOVPropertyRequest is the SubscribeCOVProperty-Request
// parameter list, ASHRAE 135 clause 13.15. MonitoredProperty uses
// composite.DeviceObjectPropertyReference rather than the bare
// BACnetPropertyReference the standard specifies, so a subscription
// record is self-describing about which device's property to forward
// notifications from without a side table — a deliberate widening for
// this core's multi-device subscription manager.
type SubscribeCOVPropertyRequest struct {
	ProcessID        uint32
	MonitoredObject  values.ObjectID
	Confirmed        *bool
	Lifetime         *uint32
	MonitoredProperty composite.DeviceObjectPropertyReference
	COVIncrement     *float32
}

func EncodeSubscribeCOVPropertyRequest(req SubscribeCOVPropertyRequest) []byte {
	buf := new(bytes.Buffer)
	values.Unsigned(req.ProcessID).EncodeContext(buf, tag.Number(0))
	req.MonitoredObject.EncodeContext(buf, tag.Number(1))
	if req.Confirmed != nil && req.Lifetime != nil {
		values.Boolean(*req.Confirmed).EncodeContext(buf, tag.Number(2))
		values.Unsigned(*req.Lifetime).EncodeContext(buf, tag.Number(3))
	}
	tag.EncodeOpening(buf, tag.Number(4))
	req.MonitoredProperty.Encode(buf)
	tag.EncodeClosing(buf, tag.Number(4))
	if req.COVIncrement != nil {
		values.Real(*req.COVIncrement).EncodeContext(buf, tag.Number(5))
	}
	return buf.Bytes()
}

func DecodeSubscribeCOVPropertyRequest(data []byte) (SubscribeCOVPropertyRequest, error) {
	var req SubscribeCOVPropertyRequest
	r := bytes.NewReader(data)

	t, _, err := tag.Decode(r)
	if err != nil {
		return req, err
	}
	if err := values.ExpectContext(t, 0); err != nil {
		return req, err
	}
	pid, err := values.DecodeUnsigned(r, t)
	if err != nil {
		return req, err
	}
	req.ProcessID = uint32(pid)

	t, _, err = tag.Decode(r)
	if err != nil {
		return req, err
	}
	if err := values.ExpectContext(t, 1); err != nil {
		return req, err
	}
	oid, err := values.DecodeObjectID(r, t)
	if err != nil {
		return req, err
	}
	req.MonitoredObject = oid

	next, err := peekTag(r)
	if err != nil {
		return req, err
	}
	if next.Class == tag.ContextSpecific && next.Number == 2 {
		t, _, err = tag.Decode(r)
		if err != nil {
			return req, err
		}
		conf, err := values.DecodeBoolContext(r, t)
		if err != nil {
			return req, err
		}
		confVal := bool(conf)
		req.Confirmed = &confVal

		t, _, err = tag.Decode(r)
		if err != nil {
			return req, fmt.Errorf("subscribe-cov-property missing lifetime: %w", bacnet.ErrMalformed)
		}
		if err := values.ExpectContext(t, 3); err != nil {
			return req, err
		}
		life, err := values.DecodeUnsigned(r, t)
		if err != nil {
			return req, err
		}
		lifeVal := uint32(life)
		req.Lifetime = &lifeVal
	}

	if err := expectOpening(r, tag.Number(4)); err != nil {
		return req, err
	}
	ref, err := composite.DecodeDeviceObjectPropertyReference(r)
	if err != nil {
		return req, err
	}
	req.MonitoredProperty = ref
	if err := expectClosing(r, tag.Number(4)); err != nil {
		return req, err
	}

	if !atEOF(r) {
		t, _, err = tag.Decode(r)
		if err != nil {
			return req, err
		}
		if err := values.ExpectContext(t, 5); err != nil {
			return req, err
		}
		inc, err := values.DecodeReal(r, t)
		if err != nil {
			return req, err
		}
		incVal := float32(inc)
		req.COVIncrement = &incVal
	}
	return req, nil
}

// LifeSafetyOperationRequest is the LifeSafetyOperation-Request
// parameter list, ASHRAE 135 clause 13.13.
type LifeSafetyOperationRequest struct {
	ProcessID   uint32
	Source      string
	Operation   values.Enumerated
	TargetObject values.ObjectID
}

func EncodeLifeSafetyOperationRequest(req LifeSafetyOperationRequest) []byte {
	buf := new(bytes.Buffer)
	values.Unsigned(req.ProcessID).EncodeContext(buf, tag.Number(0))
	values.NewANSICharacterString(req.Source).EncodeContext(buf, tag.Number(1))
	req.Operation.EncodeContext(buf, tag.Number(2))
	req.TargetObject.EncodeContext(buf, tag.Number(3))
	return buf.Bytes()
}

func DecodeLifeSafetyOperationRequest(data []byte) (LifeSafetyOperationRequest, error) {
	var req LifeSafetyOperationRequest
	r := bytes.NewReader(data)

	t, _, err := tag.Decode(r)
	if err != nil {
		return req, err
	}
	if err := values.ExpectContext(t, 0); err != nil {
		return req, err
	}
	pid, err := values.DecodeUnsigned(r, t)
	if err != nil {
		return req, err
	}
	req.ProcessID = uint32(pid)

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
	req.Source = cs.Text

	t, _, err = tag.Decode(r)
	if err != nil {
		return req, err
	}
	if err := values.ExpectContext(t, 2); err != nil {
		return req, err
	}
	op, err := values.DecodeEnumerated(r, t)
	if err != nil {
		return req, err
	}
	req.Operation = op

	t, _, err = tag.Decode(r)
	if err != nil {
		return req, err
	}
	if err := values.ExpectContext(t, 3); err != nil {
		return req, err
	}
	obj, err := values.DecodeObjectID(r, t)
	if err != nil {
		return req, err
	}
	req.TargetObject = obj
	return req, nil
}

// CreateObjectRequest is the CreateObject-Request parameter list,
// ASHRAE 135 clause 15.3. This core has no generic object factory
// (object.Database models one fixed device's fixed object set), so
// handleCreateObject always decodes this correctly and then answers
// ErrorCodeDynamicCreationNotSupported rather than silently dropping
// the service.
type CreateObjectRequest struct {
	ObjectSpecifier values.ObjectID
	ObjectType      *values.Enumerated
	InitialValues   []composite.PropertyValue
}

func EncodeCreateObjectRequest(req CreateObjectRequest) []byte {
	buf := new(bytes.Buffer)
	tag.EncodeOpening(buf, tag.Number(0))
	if req.ObjectType != nil {
		req.ObjectType.EncodeApplication(buf)
	} else {
		req.ObjectSpecifier.EncodeApplication(buf)
	}
	tag.EncodeClosing(buf, tag.Number(0))
	if len(req.InitialValues) > 0 {
		tag.EncodeOpening(buf, tag.Number(1))
		for _, pv := range req.InitialValues {
			pv.Encode(buf)
		}
		tag.EncodeClosing(buf, tag.Number(1))
	}
	return buf.Bytes()
}

func DecodeCreateObjectRequest(data []byte) (CreateObjectRequest, error) {
	var req CreateObjectRequest
	r := bytes.NewReader(data)

	if err := expectOpening(r, tag.Number(0)); err != nil {
		return req, err
	}
	v, _, err := values.DecodeApplication(r)
	if err != nil {
		return req, err
	}
	switch val := v.(type) {
	case values.ObjectID:
		req.ObjectSpecifier = val
	case values.Enumerated:
		req.ObjectType = &val
	default:
		return req, fmt.Errorf("create-object specifier has unexpected type: %w", bacnet.ErrMalformed)
	}
	if err := expectClosing(r, tag.Number(0)); err != nil {
		return req, err
	}

	if atEOF(r) {
		return req, nil
	}
	if err := expectOpening(r, tag.Number(1)); err != nil {
		return req, err
	}
	for {
		next, err := peekTag(r)
		if err != nil {
			return req, err
		}
		if next.Class == tag.ContextSpecific && next.IsClosing && next.Number == 1 {
			break
		}
		pv, err := composite.DecodePropertyValue(r)
		if err != nil {
			return req, err
		}
		req.InitialValues = append(req.InitialValues, pv)
	}
	if err := expectClosing(r, tag.Number(1)); err != nil {
		return req, err
	}
	return req, nil
}

// CreateObjectAck is the CreateObject-ACK: the identifier of the newly
// created object.
type CreateObjectAck struct {
	ObjectID values.ObjectID
}

func EncodeCreateObjectAck(ack CreateObjectAck) []byte {
	buf := new(bytes.Buffer)
	ack.ObjectID.EncodeApplication(buf)
	return buf.Bytes()
}

func DecodeCreateObjectAck(data []byte) (CreateObjectAck, error) {
	var ack CreateObjectAck
	r := bytes.NewReader(data)
	v, _, err := values.DecodeApplication(r)
	if err != nil {
		return ack, err
	}
	oid, ok := v.(values.ObjectID)
	if !ok {
		return ack, fmt.Errorf("create-object-ack not an object id: %w", bacnet.ErrMalformed)
	}
	ack.ObjectID = oid
	return ack, nil
}

// DeleteObjectRequest is the DeleteObject-Request parameter: the
// object to delete. This core's object database is the fixed device
// object set, so handleDeleteObject answers
// ErrorCodeObjectDeletionNotPermitted rather than mutating it.
type DeleteObjectRequest struct {
	ObjectID values.ObjectID
}

func EncodeDeleteObjectRequest(req DeleteObjectRequest) []byte {
	buf := new(bytes.Buffer)
	req.ObjectID.EncodeApplication(buf)
	return buf.Bytes()
}

func DecodeDeleteObjectRequest(data []byte) (DeleteObjectRequest, error) {
	var req DeleteObjectRequest
	r := bytes.NewReader(data)
	v, _, err := values.DecodeApplication(r)
	if err != nil {
		return req, err
	}
	oid, ok := v.(values.ObjectID)
	if !ok {
		return req, fmt.Errorf("delete-object not an object id: %w", bacnet.ErrMalformed)
	}
	req.ObjectID = oid
	return req, nil
}

// ListElementRequest is the shared parameter list of AddListElement and
// RemoveListElement, ASHRAE 135 clauses 15.1/15.8.
type ListElementRequest struct {
	Object     values.ObjectID
	Property   bacnet.PropertyIdentifier
	ArrayIndex *uint32
	Elements   []composite.PropertyValue
}

func EncodeListElementRequest(req ListElementRequest) []byte {
	buf := new(bytes.Buffer)
	req.Object.EncodeContext(buf, tag.Number(0))
	values.Unsigned(req.Property).EncodeContext(buf, tag.Number(1))
	if req.ArrayIndex != nil {
		values.Unsigned(*req.ArrayIndex).EncodeContext(buf, tag.Number(2))
	}
	tag.EncodeOpening(buf, tag.Number(3))
	for _, pv := range req.Elements {
		if pv.Value != nil {
			pv.Value.EncodeApplication(buf)
		}
	}
	tag.EncodeClosing(buf, tag.Number(3))
	return buf.Bytes()
}

func DecodeListElementRequest(data []byte) (ListElementRequest, error) {
	var req ListElementRequest
	r := bytes.NewReader(data)

	t, _, err := tag.Decode(r)
	if err != nil {
		return req, err
	}
	if err := values.ExpectContext(t, 0); err != nil {
		return req, err
	}
	obj, err := values.DecodeObjectID(r, t)
	if err != nil {
		return req, err
	}
	req.Object = obj

	t, _, err = tag.Decode(r)
	if err != nil {
		return req, err
	}
	if err := values.ExpectContext(t, 1); err != nil {
		return req, err
	}
	prop, err := values.DecodeUnsigned(r, t)
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
		idxVal := uint32(idx)
		req.ArrayIndex = &idxVal
	}

	if err := expectOpening(r, tag.Number(3)); err != nil {
		return req, err
	}
	for {
		next, err := peekTag(r)
		if err != nil {
			return req, err
		}
		if next.Class == tag.ContextSpecific && next.IsClosing && next.Number == 3 {
			break
		}
		v, _, err := values.DecodeApplication(r)
		if err != nil {
			return req, err
		}
		req.Elements = append(req.Elements, composite.PropertyValue{Identifier: req.Property, Value: v})
	}
	if err := expectClosing(r, tag.Number(3)); err != nil {
		return req, err
	}
	return req, nil
}
