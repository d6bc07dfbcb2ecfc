package tag

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shigmas/bacstack/pkg/bacnet"
)

func TestEncodeFixedLength(t *testing.T) {
	cases := []struct {
		name     string
		class    Class
		number   Number
		length   uint32
		expected []byte
	}{
		{"application fixed", Application, NumberUnsignedInt, 4, []byte{0x24}},
		{"context fixed", ContextSpecific, Number(3), 4, []byte{0x3C}},
		{"extended tag number", Application, Number(20), 4, []byte{0xF4, 20}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var buf bytes.Buffer
			n := Encode(&buf, c.class, c.number, c.length)
			assert.Equal(t, len(c.expected), n)
			assert.Equal(t, c.expected, buf.Bytes())
		})
	}
}

func TestEncodeExtendedLength(t *testing.T) {
	cases := []struct {
		name     string
		length   uint32
		expected []byte
	}{
		{"one byte", 201, []byte{0x65, 201}},
		{"one byte edge", 253, []byte{0x65, 253}},
		{"two byte small", 255, []byte{0x65, 254, 0, 255}},
		{"two byte large", 0xEFFF, []byte{0x65, 254, 0xEF, 0xFF}},
		{"four byte small", 0x1FFFF, []byte{0x65, 255, 0, 0x01, 0xFF, 0xFF}},
		{"four byte large", 0x1FABCDEF, []byte{0x65, 255, 0x1F, 0xAB, 0xCD, 0xEF}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var buf bytes.Buffer
			Encode(&buf, Application, NumberOctetString, c.length)
			assert.Equal(t, c.expected, buf.Bytes())
		})
	}
}

func TestEncodeBoolean(t *testing.T) {
	cases := []struct {
		name     string
		value    bool
		expected []byte
	}{
		{"true", true, []byte{0x11}},
		{"false", false, []byte{0x10}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var buf bytes.Buffer
			EncodeBoolean(&buf, c.value)
			assert.Equal(t, c.expected, buf.Bytes())
		})
	}
}

func TestEncodeOpeningClosing(t *testing.T) {
	var buf bytes.Buffer
	EncodeOpening(&buf, Number(2))
	EncodeClosing(&buf, Number(2))
	assert.Equal(t, []byte{0x2E, 0x2F}, buf.Bytes())
}

func TestDecodeRoundTrip(t *testing.T) {
	lengths := []uint32{0, 1, 4, 5, 201, 253, 255, 0xEFFF, 0x1FFFF, 0x1FABCDEF}
	for _, length := range lengths {
		var buf bytes.Buffer
		Encode(&buf, ContextSpecific, Number(7), length)
		r := bytes.NewReader(buf.Bytes())
		decoded, n, err := Decode(r)
		require.NoError(t, err)
		assert.Equal(t, buf.Len(), n)
		assert.Equal(t, ContextSpecific, decoded.Class)
		assert.Equal(t, Number(7), decoded.Number)
		assert.Equal(t, length, decoded.Length)
	}
}

func TestDecodeExtendedTagNumber(t *testing.T) {
	var buf bytes.Buffer
	Encode(&buf, Application, Number(20), 4)
	r := bytes.NewReader(buf.Bytes())
	decoded, n, err := Decode(r)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, Number(20), decoded.Number)
	assert.Equal(t, uint32(4), decoded.Length)
}

func TestDecodeOpeningClosing(t *testing.T) {
	var buf bytes.Buffer
	EncodeOpening(&buf, Number(2))
	EncodeClosing(&buf, Number(2))
	r := bytes.NewReader(buf.Bytes())

	opening, _, err := Decode(r)
	require.NoError(t, err)
	assert.True(t, opening.IsOpening)

	closing, _, err := Decode(r)
	require.NoError(t, err)
	assert.True(t, closing.IsClosing)
}

func TestDecodeBoolean(t *testing.T) {
	var buf bytes.Buffer
	EncodeBoolean(&buf, true)
	r := bytes.NewReader(buf.Bytes())
	decoded, _, err := Decode(r)
	require.NoError(t, err)
	assert.True(t, decoded.IsBoolean)
	assert.True(t, decoded.BoolValue)
}

func TestDecodeTruncated(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"extended number missing", []byte{0xF0}},
		{"one byte length missing", []byte{0x05}},
		{"two byte length missing", []byte{0x05, 254, 0}},
		{"four byte length missing", []byte{0x05, 255, 0, 0, 0}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, _, err := Decode(bytes.NewReader(c.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, bacnet.ErrInsufficientData)
		})
	}
}
