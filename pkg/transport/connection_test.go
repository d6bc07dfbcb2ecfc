package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shigmas/bacstack/pkg/bacnet"
)

func TestSendPDUUnicastRoundTrip(t *testing.T) {
	a, err := NewBACnetIP(net.IPv4(127, 0, 0, 1), 32, 0, nil)
	require.NoError(t, err)
	defer a.Close()

	b, err := NewBACnetIP(net.IPv4(127, 0, 0, 1), 32, 0, nil)
	require.NoError(t, err)
	defer b.Close()

	payload := []byte{0x01, 0x00, 0x10, 0x08, 0x09, 0x00, 0x1A, 0x03, 0xE7}
	dest := bacnet.Address{Adr: net.IPv4(127, 0, 0, 1).To4()}
	// redirect to b's actual listening port by sending straight at it
	udpB := b.conn.LocalAddr().(*net.UDPAddr)
	a.port = udpB.Port

	_, err = a.SendPDU(dest, payload, false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	in, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, payload, in.NPDUData)
}

func TestReceiveRespectsContextCancellation(t *testing.T) {
	b, err := NewBACnetIP(net.IPv4(127, 0, 0, 1), 32, 0, nil)
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = b.Receive(ctx)
	assert.Error(t, err)
}

func TestMyAndBroadcastAddress(t *testing.T) {
	b, err := NewBACnetIP(net.IPv4(192, 168, 1, 5), 24, 0, nil)
	require.NoError(t, err)
	defer b.Close()

	assert.True(t, b.MyAddress().Adr != nil)
	bc := b.BroadcastAddress()
	assert.Equal(t, net.IPv4(192, 168, 1, 255).To4(), net.IP(bc.Adr))
}
