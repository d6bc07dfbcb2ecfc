// Package transport implements the BACnet/IP datalink (ASHRAE 135
// Annex J): a UDP socket framed with internal/bvlc, handing decoded
// NPDUs up to whatever layer the caller wires in (internal/tsm's
// dispatcher, ordinarily) and framing outgoing ones for the wire.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/shigmas/bacstack/internal/bvlc"
	"github.com/shigmas/bacstack/pkg/bacnet"
)

// DefaultPort is the default BACnet/IP UDP port, 0xBAC0.
const DefaultPort = 0xBAC0

// DefaultHopCount is the NPCI hop count used when none is specified.
const DefaultHopCount uint8 = 0xFF

const udpNetwork = "udp4"

// Inbound is one received NPDU, already unwrapped from its BVLC frame.
type Inbound struct {
	Source   bacnet.Address
	NPDUData []byte
	Function bvlc.Function // lets a caller distinguish Original-Unicast from Original-Broadcast
}

// Datalink is the link-agnostic send/receive contract SPEC_FULL.md §6
// names; BACnetIP below is the BACnet/IP implementation and the only
// one in this module (internal/mstp has the MS/TP frame codec and state
// machines, which take octets and frames by direct calls, but no
// Datalink implementation).
type Datalink interface {
	SendPDU(dest bacnet.Address, npduData []byte, broadcast bool) (int, error)
	Receive(ctx context.Context) (Inbound, error)
	MyAddress() bacnet.Address
	BroadcastAddress() bacnet.Address
	Close() error
}

// BACnetIP is the UDP BACnet/IP datalink.
type BACnetIP struct {
	log *logrus.Entry

	conn        *net.UDPConn
	ip4Addr     net.IP
	broadcastIP net.IP
	port        int

	inbound chan Inbound
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

var _ Datalink = (*BACnetIP)(nil)

// NewBACnetIP binds a UDP socket on port for the given interface
// address and netmask, and starts the background receive loop. Pass
// DefaultPort for standard BACnet/IP; port 0 lets the OS choose an
// ephemeral port, which is what tests use to avoid colliding with
// other instances on the same host.
func NewBACnetIP(ip4Addr net.IP, netMask uint16, port int, log *logrus.Entry) (*BACnetIP, error) {
	if log == nil {
		log = logrus.WithField("component", "bacnet-ip")
	}

	mask := net.CIDRMask(int(netMask), 32)
	broadcast := make(net.IP, net.IPv4len)
	ip4 := ip4Addr.To4()
	for i := 0; i < net.IPv4len; i++ {
		broadcast[i] = ip4[i] | ^mask[i]
	}

	udpAddr, err := net.ResolveUDPAddr(udpNetwork, fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("resolving udp address for port %d: %w", port, err)
	}
	conn, err := net.ListenUDP(udpNetwork, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on udp port %d: %w", port, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &BACnetIP{
		log:         log,
		conn:        conn,
		ip4Addr:     ip4,
		broadcastIP: broadcast,
		port:        port,
		inbound:     make(chan Inbound, 16),
		cancel:      cancel,
	}
	b.wg.Add(1)
	go b.receiveLoop(ctx)
	return b, nil
}

func (b *BACnetIP) receiveLoop(ctx context.Context) {
	defer b.wg.Done()
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, addr, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.WithError(err).Debug("udp read failed")
			continue
		}
		if n == 0 {
			continue
		}

		frame, err := bvlc.Decode(buf[:n])
		if err != nil {
			b.log.WithError(err).WithField("from", addr).Debug("dropping malformed bvlc frame")
			continue
		}

		switch frame.Function {
		case bvlc.FunctionOriginalUnicastNPDU, bvlc.FunctionOriginalBroadcastNPDU, bvlc.FunctionForwardedNPDU:
			src := bacnet.Address{Adr: append([]byte{}, addr.IP.To4()...)}
			select {
			case b.inbound <- Inbound{Source: src, NPDUData: frame.Data, Function: frame.Function}:
			case <-ctx.Done():
				return
			}
		default:
			reply, forward := bvlc.HandleNonBBMD(frame)
			if !forward && reply != nil {
				if _, err := b.conn.WriteToUDP(reply.Encode(), addr); err != nil {
					b.log.WithError(err).Debug("failed to send bvlc-result reply")
				}
			}
		}
	}
}

// SendPDU frames npduData as an Original-Unicast or Original-Broadcast
// BVLL message and writes it to the socket.
func (b *BACnetIP) SendPDU(dest bacnet.Address, npduData []byte, broadcast bool) (int, error) {
	function := bvlc.FunctionOriginalUnicastNPDU
	target := &net.UDPAddr{IP: dest.Adr, Port: b.port}
	if broadcast {
		function = bvlc.FunctionOriginalBroadcastNPDU
		target = &net.UDPAddr{IP: b.broadcastIP, Port: b.port}
	}

	msg := &bvlc.Message{Function: function, Data: npduData}
	encoded := msg.Encode()
	n, err := b.conn.WriteToUDP(encoded, target)
	if err != nil {
		return 0, fmt.Errorf("writing to %s: %w", target, err)
	}
	return n, nil
}

// Receive blocks until an NPDU arrives or ctx is cancelled.
func (b *BACnetIP) Receive(ctx context.Context) (Inbound, error) {
	select {
	case in := <-b.inbound:
		return in, nil
	case <-ctx.Done():
		return Inbound{}, ctx.Err()
	}
}

// MyAddress returns this datalink's own address.
func (b *BACnetIP) MyAddress() bacnet.Address {
	return bacnet.Address{Adr: append([]byte{}, b.ip4Addr...)}
}

// BroadcastAddress returns the local segment's broadcast address.
func (b *BACnetIP) BroadcastAddress() bacnet.Address {
	return bacnet.Address{Adr: append([]byte{}, b.broadcastIP...)}
}

// Close stops the receive loop and closes the socket.
func (b *BACnetIP) Close() error {
	b.cancel()
	err := b.conn.Close()
	b.wg.Wait()
	return err
}
