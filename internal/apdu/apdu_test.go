package apdu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shigmas/bacstack/pkg/bacnet"
)

func TestUnconfirmedRoundTrip(t *testing.T) {
	msg := &UnconfirmedMessage{
		MessageBase: MessageBase{PDUTypeUnconfirmedServiceRequest},
		ServiceID:   ServiceUnconfirmedWhoIs,
		ServiceData: []byte{0x09, 0x00, 0x19, 0x63},
	}
	encoded, err := msg.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, byte(ServiceUnconfirmedWhoIs), 0x09, 0x00, 0x19, 0x63}, encoded)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	um, ok := decoded.(*UnconfirmedMessage)
	require.True(t, ok)
	assert.Equal(t, ServiceUnconfirmedWhoIs, um.ServiceID)
	assert.Equal(t, msg.ServiceData, um.ServiceData)
}

func TestConfirmedRoundTrip(t *testing.T) {
	msg := &ConfirmedMessage{
		MessageBase:         MessageBase{PDUTypeConfirmedServiceRequest},
		MaxSegmentsAccepted: 0,
		MaxLengthAccepted:   5,
		InvokeID:            42,
		ServiceID:           ServiceConfirmedReadProperty,
		ServiceData:         []byte{0x0C, 0x02, 0x00, 0x00, 0x01, 0x19, 0x55},
	}
	encoded, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	cm, ok := decoded.(*ConfirmedMessage)
	require.True(t, ok)
	assert.Equal(t, uint8(42), cm.InvokeID)
	assert.Equal(t, ServiceConfirmedReadProperty, cm.ServiceID)
	assert.Equal(t, msg.ServiceData, cm.ServiceData)
}

func TestConfirmedSegmentedEncodeRejected(t *testing.T) {
	msg := &ConfirmedMessage{IsSegmented: true}
	_, err := msg.Encode()
	require.Error(t, err)
	assert.ErrorIs(t, err, bacnet.ErrNotImplemented)
}

func TestSimpleAckRoundTrip(t *testing.T) {
	msg := &SimpleAckMessage{InvokeID: 7, ServiceID: ServiceConfirmedWriteProperty}
	encoded, err := msg.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(PDUTypeSimpleAck), 7, byte(ServiceConfirmedWriteProperty)}, encoded)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	sa, ok := decoded.(*SimpleAckMessage)
	require.True(t, ok)
	assert.Equal(t, uint8(7), sa.InvokeID)
}

func TestErrorRoundTrip(t *testing.T) {
	msg := &ErrorMessage{
		InvokeID:  3,
		ServiceID: ServiceConfirmedReadProperty,
		Error: bacnet.ServiceError{
			Class: bacnet.ErrorClassObject,
			Code:  bacnet.ErrorCodeUnknownObject,
		},
	}
	encoded, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	em, ok := decoded.(*ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, bacnet.ErrorClassObject, em.Error.Class)
	assert.Equal(t, bacnet.ErrorCodeUnknownObject, em.Error.Code)
}

func TestRejectRoundTrip(t *testing.T) {
	msg := &RejectMessage{InvokeID: 9, Reason: bacnet.RejectUndefinedEnumeration}
	encoded, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	rm, ok := decoded.(*RejectMessage)
	require.True(t, ok)
	assert.Equal(t, bacnet.RejectUndefinedEnumeration, rm.Reason)
}

func TestAbortRoundTrip(t *testing.T) {
	msg := &AbortMessage{IsServer: true, InvokeID: 11, Reason: bacnet.AbortTSMTimeout}
	encoded, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	am, ok := decoded.(*AbortMessage)
	require.True(t, ok)
	assert.True(t, am.IsServer)
	assert.Equal(t, bacnet.AbortTSMTimeout, am.Reason)
}

func TestDecodeTruncated(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"confirmed too short", []byte{0x00, 0x05}},
		{"unconfirmed too short", []byte{0x10}},
		{"unknown pdu type", []byte{0x90, 0, 0}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Decode(c.data)
			require.Error(t, err)
		})
	}
}
