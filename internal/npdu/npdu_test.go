package npdu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shigmas/bacstack/internal/apdu"
	"github.com/shigmas/bacstack/pkg/bacnet"
)

func TestControlEncodeDecode(t *testing.T) {
	ctrl := Control{
		Priority:              PriorityUrgent,
		SourceAddressPresent:  true,
		IsNetworkLayerMessage: true,
	}
	encoded := encodeControl(ctrl)
	assert.Equal(t, byte(0b10001001), encoded)

	decoded := decodeControl(encoded)
	assert.Equal(t, ctrl.Priority, decoded.Priority)
	assert.Equal(t, ctrl.SourceAddressPresent, decoded.SourceAddressPresent)
	assert.Equal(t, ctrl.DestinationPresent, decoded.DestinationPresent)
	assert.Equal(t, ctrl.IsNetworkLayerMessage, decoded.IsNetworkLayerMessage)
	assert.Equal(t, ctrl.ExpectingReply, decoded.ExpectingReply)
}

func TestWhoIsRoundTrip(t *testing.T) {
	whoIs := &apdu.UnconfirmedMessage{
		MessageBase: apdu.MessageBase{},
		ServiceID:   apdu.ServiceUnconfirmedWhoIs,
		ServiceData: []byte{0x09, 0x00, 0x1A, 0x03, 0xE7},
	}
	msg := &Message{
		Control: Control{Priority: PriorityNormal},
		APDU:    whoIs,
	}

	encoded, err := msg.Encode()
	require.NoError(t, err)
	assert.Equal(t, byte(ProtocolVersion), encoded[0])
	assert.Equal(t, byte(0), encoded[1])

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.False(t, decoded.Control.IsNetworkLayerMessage)
	um, ok := decoded.APDU.(*apdu.UnconfirmedMessage)
	require.True(t, ok)
	assert.Equal(t, apdu.ServiceUnconfirmedWhoIs, um.ServiceID)
	assert.Equal(t, whoIs.ServiceData, um.ServiceData)
}

func TestNetworkAddressRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		addr bacnet.Address
	}{
		{"broadcast", bacnet.Address{Net: 34}},
		{"single byte", bacnet.Address{Net: 255, Adr: []byte{3}}},
		{"multi byte", bacnet.Address{Net: 265, Adr: []byte{8, 7, 6, 5, 4, 3, 2, 1}}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			msg := &Message{
				Control: Control{
					DestinationPresent: true,
					IsNetworkLayerMessage: true,
				},
				Destination: &c.addr,
				HopCount:    255,
				MessageType: MessageWhoIsRouterToNetwork,
			}
			encoded, err := msg.Encode()
			require.NoError(t, err)
			decoded, err := Decode(encoded)
			require.NoError(t, err)
			require.NotNil(t, decoded.Destination)
			assert.Equal(t, c.addr.Net, decoded.Destination.Net)
			assert.Equal(t, c.addr.Adr, decoded.Destination.Adr)
			assert.Equal(t, uint8(255), decoded.HopCount)
		})
	}
}

func TestDecodeTruncated(t *testing.T) {
	_, err := Decode([]byte{ProtocolVersion})
	require.Error(t, err)
	assert.ErrorIs(t, err, bacnet.ErrInsufficientData)
}

func TestDecodeWrongProtocolVersion(t *testing.T) {
	_, err := Decode([]byte{0, 0, 0})
	require.Error(t, err)
	assert.ErrorIs(t, err, bacnet.ErrMalformed)
}
