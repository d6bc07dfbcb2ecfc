package mstp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func buildFrame(t *testing.T, frameType FrameType, dst, src byte, data []byte) []byte {
	t.Helper()
	header := []byte{byte(frameType), dst, src, byte(len(data) >> 8), byte(len(data))}
	crc := ComputeHeaderCRC(header)
	framed := append(append([]byte{}, header...), ^crc)
	if len(data) > 0 {
		dataCRC := ^ComputeDataCRC(data)
		framed = append(framed, data...)
		framed = append(framed, byte(dataCRC), byte(dataCRC>>8))
	}
	return framed
}

func feedPreamble(fsm *ReceiveFSM) {
	fsm.Step(0x55, false)
	fsm.Step(0xFF, false)
}

func TestHeaderCRCSelfCheck(t *testing.T) {
	header := []byte{0x00, 0x7F, 0x01, 0x00, 0x00}
	crc := ComputeHeaderCRC(header)
	framed := append(append([]byte{}, header...), ^crc)
	assert.True(t, ValidHeaderCRC(framed))
}

func TestDataCRCSelfCheck(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04}
	crc := ^ComputeDataCRC(data)
	framed := append(append([]byte{}, data...), byte(crc), byte(crc>>8))
	assert.True(t, ValidDataCRC(framed))
}

func TestReceiveFSMTokenFrame(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	fsm := NewReceiveFSM(clock, 0x01)
	frame := buildFrame(t, FrameToken, 0x01, 0x02, nil)

	feedPreamble(fsm)
	var got *Frame
	for _, b := range frame {
		f, hadErr := fsm.Step(b, false)
		require.False(t, hadErr)
		if f != nil {
			got = f
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, FrameToken, got.Type)
	assert.Equal(t, byte(0x01), got.Destination)
	assert.Equal(t, byte(0x02), got.Source)
}

func TestReceiveFSMDataFrame(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	fsm := NewReceiveFSM(clock, 0x03)
	payload := []byte{0xAA, 0xBB, 0xCC}
	frame := buildFrame(t, FrameDataNotExpectingReply, 0x03, 0x05, payload)

	feedPreamble(fsm)
	var got *Frame
	for _, b := range frame {
		f, hadErr := fsm.Step(b, false)
		require.False(t, hadErr)
		if f != nil {
			got = f
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, payload, got.Data)
}

func TestReceiveFSMBadHeaderCRC(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	fsm := NewReceiveFSM(clock, 0x01)
	frame := buildFrame(t, FrameToken, 0x01, 0x02, nil)
	frame[len(frame)-1] ^= 0xFF // corrupt header CRC byte

	feedPreamble(fsm)
	var hadErr bool
	for _, b := range frame {
		_, e := fsm.Step(b, false)
		hadErr = hadErr || e
	}
	assert.True(t, hadErr)
}

func TestReceiveFSMSkipsFrameForOtherStation(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	fsm := NewReceiveFSM(clock, 0x01)
	frame := buildFrame(t, FrameDataNotExpectingReply, 0x09, 0x05, []byte{1, 2, 3})

	feedPreamble(fsm)
	var got *Frame
	for _, b := range frame {
		f, hadErr := fsm.Step(b, false)
		require.False(t, hadErr)
		if f != nil {
			got = f
		}
	}
	assert.Nil(t, got)
	assert.Equal(t, ReceiveIdle, fsm.state)
}

func TestMasterFSMPassesTokenAfterEmptyQueue(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	m := NewMasterFSM(clock, 0x01, 0x02)
	assert.Equal(t, StateIdle, m.State())

	out := m.HandleFrame(&Frame{Type: FrameToken, Destination: 0x01, Source: 0x05})
	require.Len(t, out, 1)
	assert.Equal(t, FrameToken, out[0].Type)
	assert.Equal(t, byte(0x02), out[0].Destination)
	assert.Equal(t, StatePassToken, m.State())
}

func TestMasterFSMSendsQueuedFrameOnToken(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	m := NewMasterFSM(clock, 0x01, 0x02)
	m.Submit([]byte{0x09, 0x00}, false)

	out := m.HandleFrame(&Frame{Type: FrameToken, Destination: 0x01, Source: 0x05})
	require.Len(t, out, 2)
	assert.Equal(t, FrameDataNotExpectingReply, out[0].Type)
	assert.Equal(t, FrameToken, out[1].Type)
}

func TestMasterFSMWaitsForReplyThenTimesOut(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	m := NewMasterFSM(clock, 0x01, 0x02)
	m.Submit([]byte{0x0C}, true)

	out := m.HandleFrame(&Frame{Type: FrameToken, Destination: 0x01, Source: 0x05})
	require.Len(t, out, 1)
	assert.Equal(t, FrameDataExpectingReply, out[0].Type)
	assert.Equal(t, StateWaitForReply, m.State())

	clock.advance(m.TreplyTimeout + time.Millisecond)
	out = m.TickSilence()
	require.Len(t, out, 1)
	assert.Equal(t, FrameToken, out[0].Type)
}

func TestMasterFSMPollsForSuccessorEveryNpoll(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	m := NewMasterFSM(clock, 0x01, 0x02)
	m.Npoll = 1

	out := m.HandleFrame(&Frame{Type: FrameToken, Destination: 0x01, Source: 0x05})
	require.Len(t, out, 1)
	assert.Equal(t, FramePollForMaster, out[0].Type)
	assert.Equal(t, StatePollForMaster, m.State())
}

func TestMasterFSMPollForMasterTimesOutAndAdvancesCandidate(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	m := NewMasterFSM(clock, 0x01, 0x05)
	m.Npoll = 1

	out := m.HandleFrame(&Frame{Type: FrameToken, Destination: 0x01, Source: 0x02})
	require.Len(t, out, 1)
	assert.Equal(t, StatePollForMaster, m.State())
	firstCandidate := m.pollCandidate
	assert.Equal(t, byte(0x02), firstCandidate)

	// No FrameReplyToPollForMaster ever arrives; ticking silence past
	// Tusage_timeout must advance to the next candidate rather than
	// leaving the FSM wedged in PollForMaster forever.
	clock.advance(m.TusageTimeout + time.Millisecond)
	out = m.TickSilence()
	require.Len(t, out, 1)
	assert.Equal(t, FramePollForMaster, out[0].Type)
	assert.Equal(t, StatePollForMaster, m.State())
	assert.Equal(t, nextAddress(firstCandidate), m.pollCandidate)

	// Ticking with no reply repeatedly must eventually reach our known
	// successor NS and give up the scan, passing the token rather than
	// polling forever.
	for i := 0; i < 10 && m.State() == StatePollForMaster; i++ {
		clock.advance(m.TusageTimeout + time.Millisecond)
		m.TickSilence()
	}
	assert.Equal(t, StatePassToken, m.State())
}

func TestMasterFSMContendsAfterTokenLoss(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	m := NewMasterFSM(clock, 0x01, 0x02)

	clock.advance(m.TnoToken + time.Millisecond)
	out := m.TickSilence()
	require.Len(t, out, 1)
	assert.Equal(t, FramePollForMaster, out[0].Type)
	assert.Equal(t, StatePollForMaster, m.State())
}
