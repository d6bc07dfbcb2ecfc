// Package bvlc implements the BACnet Virtual Link Layer for BACnet/IP
// (ASHRAE 135 Annex J): the 4-octet BVLL header, the full BBMD/foreign-
// device function-code table, and the broadcast distribution and
// foreign-device tables a BBMD maintains.
package bvlc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/shigmas/bacstack/pkg/bacnet"
)

// Type is the single defined BVLL type octet.
const Type = 0x81

// HeaderLength is the fixed BVLL header size: type, function, length.
const HeaderLength = 4

// Function is the BVLL function code, the second octet of the header.
type Function uint8

const (
	FunctionResult                      Function = 0x00
	FunctionWriteBroadcastDistribution  Function = 0x01
	FunctionReadBroadcastDistribution   Function = 0x02
	FunctionReadBDTAck                  Function = 0x03
	FunctionForwardedNPDU               Function = 0x04
	FunctionRegisterForeignDevice       Function = 0x05
	FunctionReadForeignDeviceTable      Function = 0x06
	FunctionReadFDTAck                  Function = 0x07
	FunctionDeleteForeignDeviceEntry    Function = 0x08
	FunctionDistributeBroadcastToNet    Function = 0x09
	FunctionOriginalUnicastNPDU         Function = 0x0A
	FunctionOriginalBroadcastNPDU       Function = 0x0B
)

func (f Function) known() bool {
	return f <= FunctionOriginalBroadcastNPDU
}

// ResultCode is the 2-byte payload of a BVLC-Result message.
type ResultCode uint16

const (
	ResultSuccessful                      ResultCode = 0x0000
	ResultWriteBDTNAK                     ResultCode = 0x0010
	ResultReadBDTNAK                      ResultCode = 0x0020
	ResultRegisterForeignDeviceNAK        ResultCode = 0x0030
	ResultReadForeignDeviceTableNAK       ResultCode = 0x0040
	ResultDeleteForeignDeviceTableNAK     ResultCode = 0x0050
	ResultDistributeBroadcastToNetworkNAK ResultCode = 0x0060
)

// Message is one decoded BVLL frame: the function code plus whatever
// its payload is. The raw Data is always retained so that a non-BBMD
// relay can still forward functions it understands but doesn't act on.
type Message struct {
	Function Function
	Data     []byte
}

// Encode writes the BVLL header and payload.
func (m *Message) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, HeaderLength+len(m.Data)))
	buf.WriteByte(Type)
	buf.WriteByte(byte(m.Function))
	var lenBytes [2]byte
	binary.BigEndian.PutUint16(lenBytes[:], uint16(len(m.Data)+HeaderLength))
	buf.Write(lenBytes[:])
	buf.Write(m.Data)
	return buf.Bytes()
}

// Decode parses a BVLL frame from the wire.
func Decode(data []byte) (*Message, error) {
	if len(data) < HeaderLength {
		return nil, fmt.Errorf("bvlc frame shorter than header: %w", bacnet.ErrInsufficientData)
	}
	if data[0] != Type {
		return nil, fmt.Errorf("bvlc type %d != %d: %w", data[0], Type, bacnet.ErrMalformed)
	}
	length := binary.BigEndian.Uint16(data[2:4])
	if int(length) > len(data) {
		return nil, fmt.Errorf("bvlc declared length %d exceeds %d available bytes: %w", length, len(data), bacnet.ErrInsufficientData)
	}
	function := Function(data[1])
	if !function.known() {
		return nil, fmt.Errorf("unrecognized bvlc function %#x: %w", data[1], bacnet.ErrNotImplemented)
	}
	return &Message{
		Function: function,
		Data:     data[HeaderLength:length],
	}, nil
}

// EncodeResult builds a BVLC-Result message carrying the given code.
func EncodeResult(code ResultCode) *Message {
	data := make([]byte, 2)
	binary.BigEndian.PutUint16(data, uint16(code))
	return &Message{Function: FunctionResult, Data: data}
}

// DecodeResult extracts the result code from a BVLC-Result message.
func DecodeResult(m *Message) (ResultCode, error) {
	if m.Function != FunctionResult {
		return 0, fmt.Errorf("not a bvlc-result message: %w", bacnet.ErrInvalidData)
	}
	if len(m.Data) < 2 {
		return 0, fmt.Errorf("bvlc-result payload too short: %w", bacnet.ErrInsufficientData)
	}
	return ResultCode(binary.BigEndian.Uint16(m.Data)), nil
}

// nakFor reports the BVLC-Result NAK code for a BBMD-only function,
// used by a non-BBMD receiver that must reject it. The bool is false
// for functions that are not BBMD-only (so have no corresponding NAK).
func nakFor(f Function) (ResultCode, bool) {
	switch f {
	case FunctionWriteBroadcastDistribution:
		return ResultWriteBDTNAK, true
	case FunctionReadBroadcastDistribution:
		return ResultReadBDTNAK, true
	case FunctionRegisterForeignDevice:
		return ResultRegisterForeignDeviceNAK, true
	case FunctionReadForeignDeviceTable:
		return ResultReadForeignDeviceTableNAK, true
	case FunctionDeleteForeignDeviceEntry:
		return ResultDeleteForeignDeviceTableNAK, true
	case FunctionDistributeBroadcastToNet:
		return ResultDistributeBroadcastToNetworkNAK, true
	default:
		return 0, false
	}
}

// BDTEntry is one row of a Broadcast Distribution Table: a BBMD peer
// and the broadcast distribution mask for its network.
type BDTEntry struct {
	Address net.IP
	Port    uint16
	Mask    net.IPMask
}

// FDTEntry is one row of a Foreign Device Table: a registered foreign
// device and the number of seconds left before its registration lapses.
type FDTEntry struct {
	Address       net.IP
	Port          uint16
	TTLSeconds    uint16
	RemainSeconds uint16
	RegisteredAt  time.Time
}

func encodeEntryAddress(ip net.IP, port uint16) []byte {
	buf := make([]byte, 6)
	copy(buf, ip.To4())
	binary.BigEndian.PutUint16(buf[4:], port)
	return buf
}

func decodeEntryAddress(b []byte) (net.IP, uint16, error) {
	if len(b) < 6 {
		return nil, 0, fmt.Errorf("bvlc address entry too short: %w", bacnet.ErrInsufficientData)
	}
	ip := net.IPv4(b[0], b[1], b[2], b[3])
	port := binary.BigEndian.Uint16(b[4:6])
	return ip, port, nil
}

// EncodeBDT serializes a Broadcast Distribution Table as the 10-byte
// address/port/mask entries of a Write-Broadcast-Distribution-Table
// payload.
func EncodeBDT(entries []BDTEntry) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 10*len(entries)))
	for _, e := range entries {
		buf.Write(encodeEntryAddress(e.Address, e.Port))
		mask := e.Mask
		if mask == nil {
			mask = net.CIDRMask(32, 32)
		}
		buf.Write(mask)
	}
	return buf.Bytes()
}

// DecodeBDT parses a Broadcast Distribution Table payload.
func DecodeBDT(data []byte) ([]BDTEntry, error) {
	const entrySize = 10
	if len(data)%entrySize != 0 {
		return nil, fmt.Errorf("bdt payload length %d not a multiple of %d: %w", len(data), entrySize, bacnet.ErrMalformed)
	}
	entries := make([]BDTEntry, 0, len(data)/entrySize)
	for i := 0; i < len(data); i += entrySize {
		ip, port, err := decodeEntryAddress(data[i : i+6])
		if err != nil {
			return nil, err
		}
		entries = append(entries, BDTEntry{
			Address: ip,
			Port:    port,
			Mask:    net.IPMask(data[i+6 : i+10]),
		})
	}
	return entries, nil
}

// EncodeRegisterForeignDevice builds a Register-Foreign-Device payload
// carrying the requested TTL in seconds.
func EncodeRegisterForeignDevice(ttlSeconds uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, ttlSeconds)
	return buf
}

// DecodeRegisterForeignDevice extracts the requested TTL.
func DecodeRegisterForeignDevice(data []byte) (uint16, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("register-foreign-device payload too short: %w", bacnet.ErrInsufficientData)
	}
	return binary.BigEndian.Uint16(data), nil
}

// EncodeFDT serializes a Foreign Device Table as Read-FDT-Ack entries:
// address/port, TTL, and time remaining.
func EncodeFDT(entries []FDTEntry) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 10*len(entries)))
	for _, e := range entries {
		buf.Write(encodeEntryAddress(e.Address, e.Port))
		var ttlRemain [4]byte
		binary.BigEndian.PutUint16(ttlRemain[0:2], e.TTLSeconds)
		binary.BigEndian.PutUint16(ttlRemain[2:4], e.RemainSeconds)
		buf.Write(ttlRemain[:])
	}
	return buf.Bytes()
}

// DecodeFDT parses a Read-FDT-Ack payload.
func DecodeFDT(data []byte) ([]FDTEntry, error) {
	const entrySize = 10
	if len(data)%entrySize != 0 {
		return nil, fmt.Errorf("fdt payload length %d not a multiple of %d: %w", len(data), entrySize, bacnet.ErrMalformed)
	}
	entries := make([]FDTEntry, 0, len(data)/entrySize)
	for i := 0; i < len(data); i += entrySize {
		ip, port, err := decodeEntryAddress(data[i : i+6])
		if err != nil {
			return nil, err
		}
		entries = append(entries, FDTEntry{
			Address:       ip,
			Port:          port,
			TTLSeconds:    binary.BigEndian.Uint16(data[i+6 : i+8]),
			RemainSeconds: binary.BigEndian.Uint16(data[i+8 : i+10]),
		})
	}
	return entries, nil
}

// BBMD tracks the broadcast distribution and foreign-device state of a
// BACnet Broadcast Management Device. A node that is not a BBMD (the
// common case for this core) never constructs one; HandleNonBBMD below
// is what such a node uses to reject BBMD-only requests.
type BBMD struct {
	BDT []BDTEntry
	FDT []FDTEntry
}

// Register adds or refreshes a foreign device's FDT entry.
func (b *BBMD) Register(addr net.IP, port uint16, ttlSeconds uint16, now time.Time) {
	for i := range b.FDT {
		e := &b.FDT[i]
		if e.Address.Equal(addr) && e.Port == port {
			e.TTLSeconds = ttlSeconds
			e.RemainSeconds = ttlSeconds + graceSeconds
			e.RegisteredAt = now
			return
		}
	}
	b.FDT = append(b.FDT, FDTEntry{
		Address:       addr,
		Port:          port,
		TTLSeconds:    ttlSeconds,
		RemainSeconds: ttlSeconds + graceSeconds,
		RegisteredAt:  now,
	})
}

// graceSeconds is the grace period ASHRAE 135 Annex J.5.2.3 allows a
// foreign device before its registration is considered expired.
const graceSeconds = 30

// Tick ages every FDT entry by one second, evicting those that reach
// zero. Intended to be driven off the same 1-second cadence as the
// NPDU/address-cache timers.
func (b *BBMD) Tick() {
	live := b.FDT[:0]
	for _, e := range b.FDT {
		if e.RemainSeconds <= 1 {
			continue
		}
		e.RemainSeconds--
		live = append(live, e)
	}
	b.FDT = live
}

// DeleteForeignDevice removes a matching FDT entry, if present.
func (b *BBMD) DeleteForeignDevice(addr net.IP, port uint16) {
	live := b.FDT[:0]
	for _, e := range b.FDT {
		if e.Address.Equal(addr) && e.Port == port {
			continue
		}
		live = append(live, e)
	}
	b.FDT = live
}

// HandleNonBBMD implements the S6 contract for a receiver that is not
// a BBMD: any BBMD-only function gets the matching NAK Result and is
// not passed up the stack; Original-Unicast/Original-Broadcast/
// Forwarded-NPDU are accepted silently (nil, true). The returned
// Message, when non-nil, is the BVLC-Result reply to send back.
func HandleNonBBMD(m *Message) (reply *Message, forward bool) {
	if code, isBBMDOnly := nakFor(m.Function); isBBMDOnly {
		return EncodeResult(code), false
	}
	switch m.Function {
	case FunctionOriginalUnicastNPDU, FunctionOriginalBroadcastNPDU, FunctionForwardedNPDU, FunctionResult:
		return nil, true
	default:
		return nil, true
	}
}
