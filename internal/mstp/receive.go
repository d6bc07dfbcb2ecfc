package mstp

import "time"

// BroadcastAddress is the MS/TP MAC-layer broadcast address.
const BroadcastAddress byte = 0xFF

// FrameType identifies the contents of an MS/TP frame, ASHRAE 135
// table 9. Types 8-127 are reserved and 128-255 are proprietary; both
// ranges are passed through to the master FSM unmodified since this
// core neither needs nor defines their payloads.
type FrameType uint8

const (
	FrameToken                   FrameType = 0x00
	FramePollForMaster           FrameType = 0x01
	FrameReplyToPollForMaster    FrameType = 0x02
	FrameTestRequest             FrameType = 0x03
	FrameTestResponse            FrameType = 0x04
	FrameDataExpectingReply      FrameType = 0x05
	FrameDataNotExpectingReply   FrameType = 0x06
	FrameReplyPostponed          FrameType = 0x07
)

// headerLength is frame-type, destination, source, length-hi,
// length-lo and header-CRC: six octets.
const headerLength = 6

// Clock abstracts wall-clock time so the receive and master FSMs can be
// single-stepped in tests without real waits.
type Clock interface {
	Now() time.Time
}

// SystemClock is the Clock backed by the real wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// Frame is a fully validated MS/TP frame handed up to the master FSM.
type Frame struct {
	Type        FrameType
	Destination byte
	Source      byte
	Data        []byte
}

// ReceiveState is a state of the MS/TP receive FSM (ASHRAE 135 9.5).
type ReceiveState int

const (
	ReceiveIdle ReceiveState = iota
	ReceivePreamble
	ReceiveHeader
	ReceiveData
	ReceiveSkipData
)

// SilenceTimeout is the receive FSM's silence timer, cleared on every
// received octet; exceeding it while mid-frame aborts back to Idle.
const SilenceTimeout = 5 * time.Millisecond

// ReceiveFSM implements the per-octet MS/TP receive state machine.
// Feed it one octet at a time via Step; it reports a completed Frame
// when one has been fully validated, and a receive-error flag when a
// CRC check fails.
type ReceiveFSM struct {
	clock       Clock
	ourAddress  byte
	state       ReceiveState
	lastActive  time.Time
	header      []byte
	dataLen     int
	dataBuf     []byte
	skipBuf     []byte
}

// NewReceiveFSM constructs a receive FSM for a node at ourAddress.
func NewReceiveFSM(clock Clock, ourAddress byte) *ReceiveFSM {
	return &ReceiveFSM{clock: clock, ourAddress: ourAddress, state: ReceiveIdle}
}

// CheckSilence returns true and resets to Idle if the silence timer has
// elapsed while a frame was in progress; call it on a timer tick
// alongside Step so a stalled mid-frame read doesn't wedge the FSM.
func (f *ReceiveFSM) CheckSilence() bool {
	if f.state == ReceiveIdle {
		return false
	}
	if f.clock.Now().Sub(f.lastActive) >= SilenceTimeout {
		f.reset()
		return true
	}
	return false
}

func (f *ReceiveFSM) reset() {
	f.state = ReceiveIdle
	f.header = nil
	f.dataBuf = nil
	f.skipBuf = nil
	f.dataLen = 0
}

func (f *ReceiveFSM) touch() {
	f.lastActive = f.clock.Now()
}

// Step feeds one received octet into the FSM. receiveError indicates
// the UART reported a framing/parity error on this octet. It returns a
// completed Frame when the frame is fully validated, and hadError=true
// when a CRC mismatch (or reported receive-error) aborted the frame.
func (f *ReceiveFSM) Step(b byte, receiveError bool) (frame *Frame, hadError bool) {
	f.touch()
	if receiveError {
		f.reset()
		return nil, true
	}

	switch f.state {
	case ReceiveIdle:
		if b == 0x55 {
			f.state = ReceivePreamble
		}
		return nil, false

	case ReceivePreamble:
		if b == 0xFF {
			f.state = ReceiveHeader
			f.header = f.header[:0]
		} else {
			f.state = ReceiveIdle
		}
		return nil, false

	case ReceiveHeader:
		f.header = append(f.header, b)
		if len(f.header) < headerLength {
			return nil, false
		}
		if !ValidHeaderCRC(f.header) {
			f.reset()
			return nil, true
		}
		frameType := FrameType(f.header[0])
		dst := f.header[1]
		src := f.header[2]
		length := int(f.header[3])<<8 | int(f.header[4])
		f.dataLen = length
		if length == 0 {
			f.reset()
			return &Frame{Type: frameType, Destination: dst, Source: src}, false
		}
		if dst != f.ourAddress && dst != BroadcastAddress {
			f.state = ReceiveSkipData
			f.skipBuf = make([]byte, 0, length+2)
		} else {
			f.state = ReceiveData
			f.dataBuf = make([]byte, 0, length+2)
		}
		return nil, false

	case ReceiveData:
		f.dataBuf = append(f.dataBuf, b)
		if len(f.dataBuf) < f.dataLen+2 {
			return nil, false
		}
		frameType := FrameType(f.header[0])
		dst := f.header[1]
		src := f.header[2]
		if !ValidDataCRC(f.dataBuf) {
			f.reset()
			return nil, true
		}
		payload := f.dataBuf[:f.dataLen]
		f.reset()
		return &Frame{Type: frameType, Destination: dst, Source: src, Data: payload}, false

	case ReceiveSkipData:
		f.skipBuf = append(f.skipBuf, b)
		if len(f.skipBuf) >= f.dataLen+2 {
			f.reset()
		}
		return nil, false
	}

	return nil, false
}
