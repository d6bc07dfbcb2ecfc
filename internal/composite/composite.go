// Package composite implements the BACnet complex-value types: ordered
// sequences of context-tagged primitives built out of internal/tag and
// internal/values. Every composite has an encoder and a matching
// decoder. PropertyReference also has a context-wrapped encode/decode
// pair, and Recipient a context-tagged pair whose decoder is unexported;
// DateTime and TimeStamp have a context-tagged encoder only. The other
// composites have no context-wrapped form.
package composite

import (
	"bytes"
	"fmt"
	"io"

	"github.com/shigmas/bacstack/internal/tag"
	"github.com/shigmas/bacstack/internal/values"
	"github.com/shigmas/bacstack/pkg/bacnet"
)

func curOffset(r *bytes.Reader) int64 {
	return int64(r.Size()) - int64(r.Len())
}

// peekTag reads the next tag header without consuming it, so optional
// fields can be probed before committing to decode them.
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

// PropertyReference identifies one property of an object, optionally
// one element of an array-valued property.
type PropertyReference struct {
	Identifier bacnet.PropertyIdentifier
	ArrayIndex uint32 // bacnet.ArrayIndexNone when absent
}

func (p PropertyReference) Encode(buf *bytes.Buffer) int {
	n := values.Enumerated(p.Identifier).EncodeContext(buf, tag.Number(0))
	if p.ArrayIndex != bacnet.ArrayIndexNone {
		n += values.Unsigned(p.ArrayIndex).EncodeContext(buf, tag.Number(1))
	}
	return n
}

func (p PropertyReference) EncodeContext(buf *bytes.Buffer, number tag.Number) int {
	n := tag.EncodeOpening(buf, number)
	n += p.Encode(buf)
	n += tag.EncodeClosing(buf, number)
	return n
}

func DecodePropertyReference(r *bytes.Reader) (PropertyReference, error) {
	var p PropertyReference
	p.ArrayIndex = bacnet.ArrayIndexNone

	t, _, err := tag.Decode(r)
	if err != nil {
		return p, err
	}
	if err := values.ExpectContext(t, 0); err != nil {
		return p, err
	}
	id, err := values.DecodeEnumerated(r, t)
	if err != nil {
		return p, err
	}
	p.Identifier = bacnet.PropertyIdentifier(id)

	next, err := peekTag(r)
	if err == nil && next.Class == tag.ContextSpecific && next.Number == 1 && !next.IsClosing {
		t, _, err := tag.Decode(r)
		if err != nil {
			return p, err
		}
		idx, err := values.DecodeUnsigned(r, t)
		if err != nil {
			return p, err
		}
		p.ArrayIndex = uint32(idx)
	}
	return p, nil
}

func DecodePropertyReferenceContext(r *bytes.Reader, number tag.Number) (PropertyReference, error) {
	if err := expectOpening(r, number); err != nil {
		return PropertyReference{}, err
	}
	p, err := DecodePropertyReference(r)
	if err != nil {
		return p, err
	}
	if err := expectClosing(r, number); err != nil {
		return p, err
	}
	return p, nil
}

// PropertyValue pairs a property reference with the value to assign (or
// that was read), plus an optional write priority. The Value field
// holds an application-tagged primitive wrapped in context tag 2.
type PropertyValue struct {
	Identifier bacnet.PropertyIdentifier
	ArrayIndex uint32 // bacnet.ArrayIndexNone when absent
	Value      values.Value
	Priority   uint8 // 0 means absent; valid range is 1-16
}

func (p PropertyValue) Encode(buf *bytes.Buffer) int {
	n := values.Enumerated(p.Identifier).EncodeContext(buf, tag.Number(0))
	if p.ArrayIndex != bacnet.ArrayIndexNone {
		n += values.Unsigned(p.ArrayIndex).EncodeContext(buf, tag.Number(1))
	}
	n += tag.EncodeOpening(buf, tag.Number(2))
	n += p.Value.EncodeApplication(buf)
	n += tag.EncodeClosing(buf, tag.Number(2))
	if p.Priority != 0 {
		n += values.Unsigned(p.Priority).EncodeContext(buf, tag.Number(3))
	}
	return n
}

func DecodePropertyValue(r *bytes.Reader) (PropertyValue, error) {
	var p PropertyValue
	p.ArrayIndex = bacnet.ArrayIndexNone

	t, _, err := tag.Decode(r)
	if err != nil {
		return p, err
	}
	if err := values.ExpectContext(t, 0); err != nil {
		return p, err
	}
	id, err := values.DecodeEnumerated(r, t)
	if err != nil {
		return p, err
	}
	p.Identifier = bacnet.PropertyIdentifier(id)

	next, err := peekTag(r)
	if err != nil {
		return p, err
	}
	if next.Class == tag.ContextSpecific && next.Number == 1 {
		t, _, err := tag.Decode(r)
		if err != nil {
			return p, err
		}
		idx, err := values.DecodeUnsigned(r, t)
		if err != nil {
			return p, err
		}
		p.ArrayIndex = uint32(idx)
	}

	if err := expectOpening(r, tag.Number(2)); err != nil {
		return p, err
	}
	v, _, err := values.DecodeApplication(r)
	if err != nil {
		return p, err
	}
	p.Value = v
	if err := expectClosing(r, tag.Number(2)); err != nil {
		return p, err
	}

	next, err = peekTag(r)
	if err == nil && next.Class == tag.ContextSpecific && next.Number == 3 {
		t, _, err := tag.Decode(r)
		if err != nil {
			return p, err
		}
		prio, err := values.DecodeUnsigned(r, t)
		if err != nil {
			return p, err
		}
		p.Priority = uint8(prio)
	}
	return p, nil
}

// ReadAccessSpecification names an object and the set of properties to
// read from it, the per-object unit of a ReadPropertyMultiple request.
type ReadAccessSpecification struct {
	Object     values.ObjectID
	References []PropertyReference
}

func (r ReadAccessSpecification) Encode(buf *bytes.Buffer) int {
	n := r.Object.EncodeContext(buf, tag.Number(0))
	n += tag.EncodeOpening(buf, tag.Number(1))
	for _, ref := range r.References {
		n += ref.Encode(buf)
	}
	n += tag.EncodeClosing(buf, tag.Number(1))
	return n
}

func DecodeReadAccessSpecification(rd *bytes.Reader) (ReadAccessSpecification, error) {
	var spec ReadAccessSpecification

	t, _, err := tag.Decode(rd)
	if err != nil {
		return spec, err
	}
	if err := values.ExpectContext(t, 0); err != nil {
		return spec, err
	}
	obj, err := values.DecodeObjectID(rd, t)
	if err != nil {
		return spec, err
	}
	spec.Object = obj

	if err := expectOpening(rd, tag.Number(1)); err != nil {
		return spec, err
	}
	for {
		next, err := peekTag(rd)
		if err != nil {
			return spec, err
		}
		if next.Class == tag.ContextSpecific && next.IsClosing && next.Number == 1 {
			break
		}
		ref, err := DecodePropertyReference(rd)
		if err != nil {
			return spec, err
		}
		spec.References = append(spec.References, ref)
	}
	if err := expectClosing(rd, tag.Number(1)); err != nil {
		return spec, err
	}
	return spec, nil
}

// ReadAccessResultProperty is one entry of a ReadAccessResult's list of
// results: either a successfully read value, or the error that
// prevented reading it.
type ReadAccessResultProperty struct {
	Reference PropertyReference
	Value     values.Value         // nil when Err is set
	Err       *bacnet.ServiceError // nil on success
}

// ReadAccessResult is the per-object unit of a ReadPropertyMultiple-ACK.
type ReadAccessResult struct {
	Object  values.ObjectID
	Results []ReadAccessResultProperty
}

func (r ReadAccessResult) Encode(buf *bytes.Buffer) int {
	n := r.Object.EncodeContext(buf, tag.Number(0))
	n += tag.EncodeOpening(buf, tag.Number(1))
	for _, res := range r.Results {
		n += values.Enumerated(res.Reference.Identifier).EncodeContext(buf, tag.Number(2))
		if res.Reference.ArrayIndex != bacnet.ArrayIndexNone {
			n += values.Unsigned(res.Reference.ArrayIndex).EncodeContext(buf, tag.Number(3))
		}
		if res.Err != nil {
			n += tag.EncodeOpening(buf, tag.Number(5))
			n += values.Enumerated(res.Err.Class).EncodeApplication(buf)
			n += values.Enumerated(res.Err.Code).EncodeApplication(buf)
			n += tag.EncodeClosing(buf, tag.Number(5))
		} else {
			n += tag.EncodeOpening(buf, tag.Number(4))
			n += res.Value.EncodeApplication(buf)
			n += tag.EncodeClosing(buf, tag.Number(4))
		}
	}
	n += tag.EncodeClosing(buf, tag.Number(1))
	return n
}

func DecodeReadAccessResult(rd *bytes.Reader) (ReadAccessResult, error) {
	var res ReadAccessResult

	t, _, err := tag.Decode(rd)
	if err != nil {
		return res, err
	}
	if err := values.ExpectContext(t, 0); err != nil {
		return res, err
	}
	obj, err := values.DecodeObjectID(rd, t)
	if err != nil {
		return res, err
	}
	res.Object = obj

	if err := expectOpening(rd, tag.Number(1)); err != nil {
		return res, err
	}
	for {
		next, err := peekTag(rd)
		if err != nil {
			return res, err
		}
		if next.Class == tag.ContextSpecific && next.IsClosing && next.Number == 1 {
			break
		}

		var item ReadAccessResultProperty
		t, _, err := tag.Decode(rd)
		if err != nil {
			return res, err
		}
		if err := values.ExpectContext(t, 2); err != nil {
			return res, err
		}
		id, err := values.DecodeEnumerated(rd, t)
		if err != nil {
			return res, err
		}
		item.Reference.Identifier = bacnet.PropertyIdentifier(id)
		item.Reference.ArrayIndex = bacnet.ArrayIndexNone

		next, err = peekTag(rd)
		if err != nil {
			return res, err
		}
		if next.Class == tag.ContextSpecific && next.Number == 3 {
			t, _, err := tag.Decode(rd)
			if err != nil {
				return res, err
			}
			idx, err := values.DecodeUnsigned(rd, t)
			if err != nil {
				return res, err
			}
			item.Reference.ArrayIndex = uint32(idx)
			next, err = peekTag(rd)
			if err != nil {
				return res, err
			}
		}

		switch {
		case next.Class == tag.ContextSpecific && next.IsOpening && next.Number == 4:
			if err := expectOpening(rd, tag.Number(4)); err != nil {
				return res, err
			}
			v, _, err := values.DecodeApplication(rd)
			if err != nil {
				return res, err
			}
			item.Value = v
			if err := expectClosing(rd, tag.Number(4)); err != nil {
				return res, err
			}
		case next.Class == tag.ContextSpecific && next.IsOpening && next.Number == 5:
			if err := expectOpening(rd, tag.Number(5)); err != nil {
				return res, err
			}
			class, _, err := values.DecodeApplication(rd)
			if err != nil {
				return res, err
			}
			code, _, err := values.DecodeApplication(rd)
			if err != nil {
				return res, err
			}
			classEnum, ok1 := class.(values.Enumerated)
			codeEnum, ok2 := code.(values.Enumerated)
			if !ok1 || !ok2 {
				return res, fmt.Errorf("error class/code not enumerated: %w", bacnet.ErrMalformed)
			}
			item.Err = &bacnet.ServiceError{
				Class: bacnet.ErrorClass(classEnum),
				Code:  bacnet.ErrorCode(codeEnum),
			}
			if err := expectClosing(rd, tag.Number(5)); err != nil {
				return res, err
			}
		default:
			return res, fmt.Errorf("expected result value or error tag: %w", bacnet.ErrMalformed)
		}
		res.Results = append(res.Results, item)
	}
	if err := expectClosing(rd, tag.Number(1)); err != nil {
		return res, err
	}
	return res, nil
}

// WriteAccessSpecification is the per-object unit of a
// WritePropertyMultiple request.
type WriteAccessSpecification struct {
	Object     values.ObjectID
	Properties []PropertyValue
}

func (w WriteAccessSpecification) Encode(buf *bytes.Buffer) int {
	n := w.Object.EncodeContext(buf, tag.Number(0))
	n += tag.EncodeOpening(buf, tag.Number(1))
	for _, p := range w.Properties {
		n += p.Encode(buf)
	}
	n += tag.EncodeClosing(buf, tag.Number(1))
	return n
}

func DecodeWriteAccessSpecification(rd *bytes.Reader) (WriteAccessSpecification, error) {
	var w WriteAccessSpecification

	t, _, err := tag.Decode(rd)
	if err != nil {
		return w, err
	}
	if err := values.ExpectContext(t, 0); err != nil {
		return w, err
	}
	obj, err := values.DecodeObjectID(rd, t)
	if err != nil {
		return w, err
	}
	w.Object = obj

	if err := expectOpening(rd, tag.Number(1)); err != nil {
		return w, err
	}
	for {
		next, err := peekTag(rd)
		if err != nil {
			return w, err
		}
		if next.Class == tag.ContextSpecific && next.IsClosing && next.Number == 1 {
			break
		}
		p, err := DecodePropertyValue(rd)
		if err != nil {
			return w, err
		}
		w.Properties = append(w.Properties, p)
	}
	if err := expectClosing(rd, tag.Number(1)); err != nil {
		return w, err
	}
	return w, nil
}

// DeviceObjectPropertyReference names a property of an object that may
// live on a different device, used by COV subscriptions and event
// notifications to identify their monitored property.
type DeviceObjectPropertyReference struct {
	Object     values.ObjectID
	Identifier bacnet.PropertyIdentifier
	ArrayIndex uint32          // bacnet.ArrayIndexNone when absent
	Device     *values.ObjectID // nil when absent
}

func (d DeviceObjectPropertyReference) Encode(buf *bytes.Buffer) int {
	n := d.Object.EncodeContext(buf, tag.Number(0))
	n += values.Enumerated(d.Identifier).EncodeContext(buf, tag.Number(1))
	if d.ArrayIndex != bacnet.ArrayIndexNone {
		n += values.Unsigned(d.ArrayIndex).EncodeContext(buf, tag.Number(2))
	}
	if d.Device != nil {
		n += d.Device.EncodeContext(buf, tag.Number(3))
	}
	return n
}

func DecodeDeviceObjectPropertyReference(r *bytes.Reader) (DeviceObjectPropertyReference, error) {
	var d DeviceObjectPropertyReference
	d.ArrayIndex = bacnet.ArrayIndexNone

	t, _, err := tag.Decode(r)
	if err != nil {
		return d, err
	}
	if err := values.ExpectContext(t, 0); err != nil {
		return d, err
	}
	obj, err := values.DecodeObjectID(r, t)
	if err != nil {
		return d, err
	}
	d.Object = obj

	t, _, err = tag.Decode(r)
	if err != nil {
		return d, err
	}
	if err := values.ExpectContext(t, 1); err != nil {
		return d, err
	}
	id, err := values.DecodeEnumerated(r, t)
	if err != nil {
		return d, err
	}
	d.Identifier = bacnet.PropertyIdentifier(id)

	next, err := peekTag(r)
	if err != nil {
		return d, nil // trailing optional fields are genuinely optional; EOF is fine
	}
	if next.Class == tag.ContextSpecific && next.Number == 2 {
		t, _, err := tag.Decode(r)
		if err != nil {
			return d, err
		}
		idx, err := values.DecodeUnsigned(r, t)
		if err != nil {
			return d, err
		}
		d.ArrayIndex = uint32(idx)
		next, err = peekTag(r)
		if err != nil {
			return d, nil
		}
	}
	if next.Class == tag.ContextSpecific && next.Number == 3 {
		t, _, err := tag.Decode(r)
		if err != nil {
			return d, err
		}
		dev, err := values.DecodeObjectID(r, t)
		if err != nil {
			return d, err
		}
		d.Device = &dev
	}
	return d, nil
}

// DateTime is a Date and Time pair, encoded as two consecutive
// application-tagged primitives with no tag of its own.
type DateTime struct {
	Date values.Date
	Time values.Time
}

func (dt DateTime) EncodeApplication(buf *bytes.Buffer) int {
	return dt.Date.EncodeApplication(buf) + dt.Time.EncodeApplication(buf)
}

func (dt DateTime) EncodeContext(buf *bytes.Buffer, number tag.Number) int {
	n := tag.EncodeOpening(buf, number)
	n += dt.EncodeApplication(buf)
	n += tag.EncodeClosing(buf, number)
	return n
}

func DecodeDateTime(r *bytes.Reader) (DateTime, error) {
	var dt DateTime
	dateTag, _, err := tag.Decode(r)
	if err != nil {
		return dt, err
	}
	date, err := values.DecodeDate(r, dateTag)
	if err != nil {
		return dt, err
	}
	dt.Date = date

	timeTag, _, err := tag.Decode(r)
	if err != nil {
		return dt, err
	}
	t, err := values.DecodeTime(r, timeTag)
	if err != nil {
		return dt, err
	}
	dt.Time = t
	return dt, nil
}

// TimeStampKind discriminates the BACnetTimeStamp CHOICE.
type TimeStampKind uint8

const (
	TimeStampTime TimeStampKind = iota
	TimeStampSequence
	TimeStampDateTime
)

// TimeStamp is the BACnetTimeStamp CHOICE: a time-of-day, a monotonic
// sequence number, or a full date+time, used throughout event and COV
// notification services.
type TimeStamp struct {
	Kind     TimeStampKind
	Time     values.Time
	Sequence uint32
	DateTime DateTime
}

func (ts TimeStamp) EncodeContext(buf *bytes.Buffer, number tag.Number) int {
	switch ts.Kind {
	case TimeStampTime:
		return ts.Time.EncodeContext(buf, number)
	case TimeStampSequence:
		return values.Unsigned(ts.Sequence).EncodeContext(buf, number)
	default:
		return ts.DateTime.EncodeContext(buf, number)
	}
}

func DecodeTimeStamp(r *bytes.Reader) (TimeStamp, error) {
	var ts TimeStamp
	t, _, err := tag.Decode(r)
	if err != nil {
		return ts, err
	}
	switch {
	case t.Class == tag.ContextSpecific && t.Number == 0:
		tm, err := values.DecodeTime(r, t)
		if err != nil {
			return ts, err
		}
		ts.Kind = TimeStampTime
		ts.Time = tm
	case t.Class == tag.ContextSpecific && t.Number == 1:
		seq, err := values.DecodeUnsigned(r, t)
		if err != nil {
			return ts, err
		}
		ts.Kind = TimeStampSequence
		ts.Sequence = uint32(seq)
	case t.Class == tag.ContextSpecific && t.IsOpening && t.Number == 2:
		dt, err := DecodeDateTime(r)
		if err != nil {
			return ts, err
		}
		if err := expectClosing(r, tag.Number(2)); err != nil {
			return ts, err
		}
		ts.Kind = TimeStampDateTime
		ts.DateTime = dt
	default:
		return ts, fmt.Errorf("unrecognized time stamp choice: %w", bacnet.ErrMalformed)
	}
	return ts, nil
}

// Recipient is the BACnetRecipient CHOICE: either a device object
// identifier or a network address.
type Recipient struct {
	IsAddress bool
	Device    values.ObjectID
	Net       uint16
	Mac       []byte
}

func (r Recipient) EncodeContext(buf *bytes.Buffer, number tag.Number) int {
	n := tag.EncodeOpening(buf, number)
	if r.IsAddress {
		n += tag.EncodeOpening(buf, tag.Number(1))
		n += values.Unsigned(r.Net).EncodeContext(buf, tag.Number(0))
		n += values.OctetString(r.Mac).EncodeContext(buf, tag.Number(1))
		n += tag.EncodeClosing(buf, tag.Number(1))
	} else {
		n += r.Device.EncodeContext(buf, tag.Number(0))
	}
	n += tag.EncodeClosing(buf, number)
	return n
}

func decodeRecipient(r *bytes.Reader, number tag.Number) (Recipient, error) {
	var rec Recipient
	if err := expectOpening(r, number); err != nil {
		return rec, err
	}
	t, _, err := tag.Decode(r)
	if err != nil {
		return rec, err
	}
	switch {
	case t.Class == tag.ContextSpecific && t.Number == 0 && !t.IsOpening:
		dev, err := values.DecodeObjectID(r, t)
		if err != nil {
			return rec, err
		}
		rec.Device = dev
	case t.Class == tag.ContextSpecific && t.IsOpening && t.Number == 1:
		rec.IsAddress = true
		nt, _, err := tag.Decode(r)
		if err != nil {
			return rec, err
		}
		if err := values.ExpectContext(nt, 0); err != nil {
			return rec, err
		}
		net, err := values.DecodeUnsigned(r, nt)
		if err != nil {
			return rec, err
		}
		rec.Net = uint16(net)

		mt, _, err := tag.Decode(r)
		if err != nil {
			return rec, err
		}
		if err := values.ExpectContext(mt, 1); err != nil {
			return rec, err
		}
		mac, err := values.DecodeOctetString(r, mt)
		if err != nil {
			return rec, err
		}
		rec.Mac = mac
		if err := expectClosing(r, tag.Number(1)); err != nil {
			return rec, err
		}
	default:
		return rec, fmt.Errorf("unrecognized recipient choice: %w", bacnet.ErrMalformed)
	}
	if err := expectClosing(r, number); err != nil {
		return rec, err
	}
	return rec, nil
}

// DestinationRecipient pairs a Recipient with the process identifier
// the recipient registered, the shape used by SubscribeCOV and the
// recipient-process field of COV notifications.
type DestinationRecipient struct {
	Recipient Recipient
	ProcessID uint32
}

func (d DestinationRecipient) Encode(buf *bytes.Buffer) int {
	n := d.Recipient.EncodeContext(buf, tag.Number(0))
	n += values.Unsigned(d.ProcessID).EncodeContext(buf, tag.Number(1))
	return n
}

func DecodeDestinationRecipient(r *bytes.Reader) (DestinationRecipient, error) {
	var d DestinationRecipient
	rec, err := decodeRecipient(r, tag.Number(0))
	if err != nil {
		return d, err
	}
	d.Recipient = rec

	t, _, err := tag.Decode(r)
	if err != nil {
		return d, err
	}
	if err := values.ExpectContext(t, 1); err != nil {
		return d, err
	}
	pid, err := values.DecodeUnsigned(r, t)
	if err != nil {
		return d, err
	}
	d.ProcessID = uint32(pid)
	return d, nil
}
