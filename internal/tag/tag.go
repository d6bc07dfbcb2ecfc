// Package tag implements the BACnet application-layer tag encoding: the
// one-byte-or-more prefix that precedes every primitive and constructed
// value in an APDU (ASHRAE 135 clause 20.2).
package tag

import (
	"bytes"
	"fmt"

	"github.com/shigmas/bacstack/pkg/bacnet"
)

// Class distinguishes application tags (the type is implied by the tag
// number) from context-specific tags (the type is implied by position).
type Class uint8

const (
	Application Class = iota
	ContextSpecific
)

// Number is the application-tag-number space; for context-specific tags
// the same field carries the context position instead of a type.
type Number uint8

// Application tag numbers, ASHRAE 135 table 20-1.
const (
	NumberNull Number = iota
	NumberBoolean
	NumberUnsignedInt
	NumberSignedInt
	NumberReal
	NumberDouble
	NumberOctetString
	NumberCharacterString
	NumberBitString
	NumberEnumerated
	NumberDate
	NumberTime
	NumberObjectID
	numberReserved1
	numberReserved2
	// extendedNumber (15) is never a real tag number: it signals that the
	// real number follows in the next octet.
	extendedNumber Number = 15
)

// Length/value/type sentinels, ASHRAE 135 clause 20.2.1.3.
const (
	lvtOpening  = 6
	lvtClosing  = 7
	lvtOneByte  = 5
	lvtTwoByte  = 254
	lvtFourByte = 255
)

// Tag is a fully decoded tag header: which class, which number, and how
// long (or what boolean value, or opening/closing) the following content
// is. Opening and closing tags are represented with IsOpening/IsClosing
// set and Length meaningless.
type Tag struct {
	Number    Number
	Class     Class
	Length    uint32
	BoolValue bool
	IsBoolean bool
	IsOpening bool
	IsClosing bool
}

// Encode writes the tag header for a primitive of the given length (in
// octets) to buf and returns the number of bytes written. Boolean values
// must use EncodeBoolean instead, since the value is folded into the
// length/value/type field rather than written separately.
func Encode(buf *bytes.Buffer, class Class, number Number, length uint32) int {
	return encode(buf, class, number, length, false, false, false)
}

// EncodeBoolean writes an application-tagged boolean tag, folding the
// value into the length/value/type field per ASHRAE 135 20.2.3.
func EncodeBoolean(buf *bytes.Buffer, value bool) int {
	var lvt uint32
	if value {
		lvt = 1
	}
	return encode(buf, Application, NumberBoolean, lvt, false, false, false)
}

// EncodeOpening writes an opening constructed tag with the given context
// tag number.
func EncodeOpening(buf *bytes.Buffer, number Number) int {
	return encode(buf, ContextSpecific, number, 0, true, false, false)
}

// EncodeClosing writes a closing constructed tag with the given context
// tag number.
func EncodeClosing(buf *bytes.Buffer, number Number) int {
	return encode(buf, ContextSpecific, number, 0, false, true, false)
}

func encode(buf *bytes.Buffer, class Class, number Number, length uint32, opening, closing, isBool bool) int {
	var control byte
	n := 0

	if number < extendedNumber {
		control = byte(number) << 4
	} else {
		control = byte(extendedNumber) << 4
	}
	if class == ContextSpecific {
		control |= 0x08
	}

	var lvt uint32
	switch {
	case opening:
		lvt = lvtOpening
	case closing:
		lvt = lvtClosing
	default:
		lvt = length
	}
	if lvt <= 4 {
		control |= byte(lvt)
	} else {
		control |= lvtOneByte
	}

	buf.WriteByte(control)
	n++

	if number >= extendedNumber {
		buf.WriteByte(byte(number))
		n++
	}

	if lvt > 4 && !opening && !closing {
		switch {
		case length <= 253:
			buf.WriteByte(byte(length))
			n++
		case length <= 0xFFFF:
			buf.WriteByte(lvtTwoByte)
			var b [2]byte
			b[0] = byte(length >> 8)
			b[1] = byte(length)
			buf.Write(b[:])
			n += 3
		default:
			buf.WriteByte(lvtFourByte)
			var b [4]byte
			b[0] = byte(length >> 24)
			b[1] = byte(length >> 16)
			b[2] = byte(length >> 8)
			b[3] = byte(length)
			buf.Write(b[:])
			n += 5
		}
	}

	return n
}

// Decode reads one tag header from r and returns it along with the
// number of octets consumed. It rejects truncated input with
// bacnet.ErrInsufficientData.
func Decode(r *bytes.Reader) (Tag, int, error) {
	n := 0
	control, err := r.ReadByte()
	if err != nil {
		return Tag{}, 0, fmt.Errorf("reading tag control byte: %w", bacnet.ErrInsufficientData)
	}
	n++

	var t Tag
	t.Class = Class((control >> 3) & 0x01)
	number := Number(control >> 4)
	if number == extendedNumber {
		b, err := r.ReadByte()
		if err != nil {
			return Tag{}, 0, fmt.Errorf("reading extended tag number: %w", bacnet.ErrInsufficientData)
		}
		n++
		number = Number(b)
	}
	t.Number = number

	lvt := control & 0x07
	switch {
	case t.Class == ContextSpecific && lvt == lvtOpening:
		t.IsOpening = true
		return t, n, nil
	case t.Class == ContextSpecific && lvt == lvtClosing:
		t.IsClosing = true
		return t, n, nil
	case t.Class == Application && number == NumberBoolean:
		t.IsBoolean = true
		t.BoolValue = lvt != 0
		return t, n, nil
	case lvt <= 4:
		t.Length = uint32(lvt)
		return t, n, nil
	}

	if lvt != lvtOneByte {
		return Tag{}, 0, fmt.Errorf("unexpected length/value/type %d: %w", lvt, bacnet.ErrInvalidData)
	}

	marker, err := r.ReadByte()
	if err != nil {
		return Tag{}, 0, fmt.Errorf("reading length marker: %w", bacnet.ErrInsufficientData)
	}
	n++

	switch marker {
	case lvtTwoByte:
		var b [2]byte
		nn, err := r.Read(b[:])
		if err != nil || nn != 2 {
			return Tag{}, 0, fmt.Errorf("reading two-byte length: %w", bacnet.ErrInsufficientData)
		}
		n += 2
		t.Length = uint32(b[0])<<8 | uint32(b[1])
	case lvtFourByte:
		var b [4]byte
		nn, err := r.Read(b[:])
		if err != nil || nn != 4 {
			return Tag{}, 0, fmt.Errorf("reading four-byte length: %w", bacnet.ErrInsufficientData)
		}
		n += 4
		t.Length = uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	default:
		t.Length = uint32(marker)
	}

	return t, n, nil
}
