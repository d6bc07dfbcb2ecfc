// Package npdu implements the BACnet Network Protocol Data Unit
// (ASHRAE 135 clause 6): the layer between the datalink (BVLC/MS-TP)
// and the application layer (internal/apdu), responsible for routing
// information and network-layer messages such as Who-Is-Router-To-Network.
package npdu

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/shigmas/bacstack/internal/apdu"
	"github.com/shigmas/bacstack/pkg/bacnet"
)

// ProtocolVersion is the NPDU protocol version octet; 1 for every
// revision of ASHRAE 135 published so far.
const ProtocolVersion uint8 = 1

// MessagePriority is the 2-bit priority field of the control octet.
type MessagePriority uint8

const (
	PriorityNormal            MessagePriority = 0b00
	PriorityUrgent            MessagePriority = 0b01
	PriorityCriticalEquipment MessagePriority = 0b10
	PriorityLifeSafety        MessagePriority = 0b11
)

// NetworkMessageType identifies a network-layer message, present only
// when Control.IsNetworkLayerMessage is set.
type NetworkMessageType uint8

const (
	MessageWhoIsRouterToNetwork         NetworkMessageType = 0x00
	MessageIAmRouterToNetwork           NetworkMessageType = 0x01
	MessageICouldBeRouterToNetwork      NetworkMessageType = 0x02
	MessageRejectMessageToNetwork       NetworkMessageType = 0x03
	MessageRouterBusyToNetwork          NetworkMessageType = 0x04
	MessageRouterAvailableToNetwork     NetworkMessageType = 0x05
	MessageInitializeRoutingTable       NetworkMessageType = 0x06
	MessageInitializeRoutingTableAck    NetworkMessageType = 0x07
	MessageEstablishConnectionToNetwork NetworkMessageType = 0x08
	MessageDisconnectConnectionToNetwork NetworkMessageType = 0x09
	MessageWhatIsNetworkNumber          NetworkMessageType = 0x12
	MessageNetworkNumberIs              NetworkMessageType = 0x13
)

// Control is the second octet of an NPDU, ASHRAE 135 clause 6.2.2:
//
//	7   6   5   4   3   2   1   0
//
// |---|---|---|---|---|---|---|---|
// | N | 0 | D | 0 | S | C | Prio  |
// |---|---|---|---|---|---|---|---|
//
// N: network-layer message present (else this is a BACnet APDU)
// D: destination address specifier (DNET/DLEN/DADR) present
// S: source address specifier (SNET/SLEN/SADR) present
// C: confirmed request expected
type Control struct {
	Priority                 MessagePriority
	ExpectingReply           bool
	SourceAddressPresent     bool
	DestinationPresent       bool
	IsNetworkLayerMessage    bool
}

func encodeControl(c Control) byte {
	var b byte
	if c.IsNetworkLayerMessage {
		b |= 0x80
	}
	if c.DestinationPresent {
		b |= 0x20
	}
	if c.SourceAddressPresent {
		b |= 0x08
	}
	if c.ExpectingReply {
		b |= 0x04
	}
	b |= byte(c.Priority) & 0x03
	return b
}

func decodeControl(b byte) Control {
	return Control{
		IsNetworkLayerMessage: b&0x80 != 0,
		DestinationPresent:    b&0x20 != 0,
		SourceAddressPresent:  b&0x08 != 0,
		ExpectingReply:        b&0x04 != 0,
		Priority:              MessagePriority(b & 0x03),
	}
}

// Message is one NPDU: the network-layer header plus either a
// network-layer message (MessageType/VendorID) or an APDU payload.
type Message struct {
	Control     Control
	Destination *bacnet.Address // non-nil iff Control.DestinationPresent
	Source      *bacnet.Address // non-nil iff Control.SourceAddressPresent
	HopCount    uint8           // valid iff Control.DestinationPresent
	MessageType NetworkMessageType
	VendorID    *uint16 // set only for vendor-proprietary network messages (0x80-0xFF)
	APDU        apdu.Message
}

func writeDoubleByte(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func readDoubleByte(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	n, err := r.Read(b[:])
	if err != nil || n != 2 {
		return 0, fmt.Errorf("reading 16-bit field: %w", bacnet.ErrInsufficientData)
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func writeNetworkAddress(buf *bytes.Buffer, addr *bacnet.Address) {
	writeDoubleByte(buf, addr.Net)
	buf.WriteByte(byte(len(addr.Adr)))
	buf.Write(addr.Adr)
}

func readNetworkAddress(r *bytes.Reader) (*bacnet.Address, error) {
	net, err := readDoubleByte(r)
	if err != nil {
		return nil, err
	}
	length, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("reading address length: %w", bacnet.ErrInsufficientData)
	}
	addr := &bacnet.Address{Net: net}
	if length > 0 {
		adr := make([]byte, length)
		n, err := r.Read(adr)
		if err != nil || n != int(length) {
			return nil, fmt.Errorf("reading %d-byte address: %w", length, bacnet.ErrInsufficientData)
		}
		addr.Adr = adr
	}
	return addr, nil
}

// Encode writes the NPDU to the wire.
func (m *Message) Encode() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 8))
	buf.WriteByte(ProtocolVersion)
	buf.WriteByte(encodeControl(m.Control))

	if m.Control.DestinationPresent {
		if m.Destination == nil {
			return nil, fmt.Errorf("destination present but nil: %w", bacnet.ErrInvalidData)
		}
		writeNetworkAddress(buf, m.Destination)
	}
	if m.Control.SourceAddressPresent {
		if m.Source == nil {
			return nil, fmt.Errorf("source present but nil: %w", bacnet.ErrInvalidData)
		}
		writeNetworkAddress(buf, m.Source)
	}
	if m.Control.DestinationPresent {
		buf.WriteByte(m.HopCount)
	}

	if m.Control.IsNetworkLayerMessage {
		buf.WriteByte(byte(m.MessageType))
		if m.MessageType >= 0x80 {
			if m.VendorID == nil {
				return nil, fmt.Errorf("vendor message type missing vendor id: %w", bacnet.ErrInvalidData)
			}
			writeDoubleByte(buf, *m.VendorID)
		}
	} else {
		if m.APDU == nil {
			return nil, fmt.Errorf("npdu carries neither network message nor apdu: %w", bacnet.ErrInvalidData)
		}
		apduBytes, err := m.APDU.Encode()
		if err != nil {
			return nil, err
		}
		buf.Write(apduBytes)
	}

	return buf.Bytes(), nil
}

// Decode parses an NPDU from the wire. The APDU payload, if present, is
// decoded via internal/apdu.Decode; network-layer messages are left as
// raw MessageType/VendorID with no further payload decode (this core
// does not route between networks, so it only needs to recognize and
// acknowledge these messages, not act on most of their contents).
func Decode(data []byte) (*Message, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("npdu too short: %w", bacnet.ErrInsufficientData)
	}
	if data[0] != ProtocolVersion {
		return nil, fmt.Errorf("unsupported npdu protocol version %d: %w", data[0], bacnet.ErrMalformed)
	}
	var m Message
	m.Control = decodeControl(data[1])

	r := bytes.NewReader(data[2:])
	if m.Control.DestinationPresent {
		dest, err := readNetworkAddress(r)
		if err != nil {
			return nil, err
		}
		m.Destination = dest
	}
	if m.Control.SourceAddressPresent {
		src, err := readNetworkAddress(r)
		if err != nil {
			return nil, err
		}
		m.Source = src
	}
	if m.Control.DestinationPresent {
		hop, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("reading hop count: %w", bacnet.ErrInsufficientData)
		}
		m.HopCount = hop
	}

	if m.Control.IsNetworkLayerMessage {
		mt, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("reading network message type: %w", bacnet.ErrInsufficientData)
		}
		m.MessageType = NetworkMessageType(mt)
		if m.MessageType >= 0x80 {
			vid, err := readDoubleByte(r)
			if err != nil {
				return nil, err
			}
			m.VendorID = &vid
		}
	} else {
		rest := make([]byte, r.Len())
		r.Read(rest)
		decoded, err := apdu.Decode(rest)
		if err != nil {
			return nil, err
		}
		m.APDU = decoded
	}

	return &m, nil
}
