package mstp

import "time"

// MasterState is a state of the MS/TP master-node FSM (ASHRAE 135 9.6).
type MasterState int

const (
	StateInitialize MasterState = iota
	StateIdle
	StateUseToken
	StateWaitForReply
	StateDoneWithToken
	StatePassToken
	StateNoToken
	StatePollForMaster
	StateAnswerDataRequest
)

// Timing constants, ASHRAE 135 9.6. Those with a matching MasterFSM field
// (NmaxInfoFrames, Npoll, NretryToken, TnoToken, TreplyTimeout,
// TusageTimeout) are overridable there; MasterFSM does not use
// DefaultTreplyDelay, DefaultTframeAbort or DefaultTslot.
const (
	DefaultNmaxInfoFrames = 1
	DefaultNpoll          = 50
	DefaultNretryToken    = 1
	DefaultTnoToken       = 500 * time.Millisecond
	DefaultTreplyTimeout  = 250 * time.Millisecond
	DefaultTreplyDelay    = 245 * time.Millisecond
	DefaultTusageTimeout  = 35 * time.Millisecond
	DefaultTframeAbort    = 95 * time.Millisecond
	DefaultTslot          = 10 * time.Millisecond
)

// OutFrame is a frame the MasterFSM wants transmitted on the wire.
type OutFrame struct {
	Type        FrameType
	Destination byte
	Data        []byte
}

// pendingRequest is an application frame queued for transmission the
// next time this node holds the token.
type pendingRequest struct {
	data            []byte
	expectingReply  bool
}

// MasterFSM implements the MS/TP master-node token-passing state
// machine. It owns no I/O: callers feed it received frames and timer
// ticks via HandleFrame and TickSilence, and transmit whatever OutFrames come
// back.
type MasterFSM struct {
	Clock Clock

	TS byte // this station's address
	NS byte // address of the next station to receive the token

	NmaxInfoFrames int
	Npoll          int
	NretryToken    int
	TnoToken       time.Duration
	TreplyTimeout  time.Duration
	TusageTimeout  time.Duration

	state          MasterState
	queue          []pendingRequest
	framesSent     int
	tokenCount     int
	pollCandidate  byte
	retries        int
	soleMaster     bool
	lastActivity   time.Time
	replyDeadline  time.Time
	pollDeadline   time.Time
}

// NewMasterFSM constructs a master FSM. ourAddress is TS; nextStation
// seeds NS, the initial guess at our downstream neighbor. Per the
// power-up contract the FSM starts in Initialize and immediately
// advances to Idle; there is no intermediate step the caller must
// drive.
func NewMasterFSM(clock Clock, ourAddress, nextStation byte) *MasterFSM {
	m := &MasterFSM{
		Clock:          clock,
		TS:             ourAddress,
		NS:             nextStation,
		NmaxInfoFrames: DefaultNmaxInfoFrames,
		Npoll:          DefaultNpoll,
		NretryToken:    DefaultNretryToken,
		TnoToken:       DefaultTnoToken,
		TreplyTimeout:  DefaultTreplyTimeout,
		TusageTimeout:  DefaultTusageTimeout,
		state:          StateInitialize,
	}
	m.lastActivity = clock.Now()
	m.state = StateIdle
	return m
}

// State returns the FSM's current state, mainly for tests.
func (m *MasterFSM) State() MasterState { return m.state }

// SoleMaster reports whether this node has determined it is the only
// master on the segment.
func (m *MasterFSM) SoleMaster() bool { return m.soleMaster }

// Submit queues an application PDU to send the next time this node
// holds the token.
func (m *MasterFSM) Submit(data []byte, expectingReply bool) {
	m.queue = append(m.queue, pendingRequest{data: data, expectingReply: expectingReply})
}

func (m *MasterFSM) touch() {
	m.lastActivity = m.Clock.Now()
}

// HandleFrame processes one received, CRC-valid frame and returns any
// frames the caller should transmit in response.
func (m *MasterFSM) HandleFrame(f *Frame) []OutFrame {
	m.touch()
	if f.Destination != m.TS && f.Destination != BroadcastAddress {
		return nil
	}

	switch f.Type {
	case FrameToken:
		return m.receiveToken()
	case FramePollForMaster:
		if f.Destination == m.TS {
			return []OutFrame{{Type: FrameReplyToPollForMaster, Destination: f.Source}}
		}
		return nil
	case FrameReplyToPollForMaster:
		if m.state == StatePollForMaster {
			m.NS = f.Source
			m.soleMaster = false
			m.state = StateDoneWithToken
			return m.doneWithToken()
		}
		return nil
	case FrameDataExpectingReply, FrameDataNotExpectingReply:
		m.state = StateAnswerDataRequest
		return nil
	case FrameReplyPostponed:
		if m.state == StateWaitForReply {
			m.replyDeadline = m.Clock.Now().Add(m.TreplyTimeout)
		}
		return nil
	default:
		if m.state == StateWaitForReply {
			return m.returnToken()
		}
		return nil
	}
}

// AnswerWith supplies the reply frame for a request answered while in
// StateAnswerDataRequest, returning the FSM to Idle.
func (m *MasterFSM) AnswerWith(destination byte, frameType FrameType, data []byte) []OutFrame {
	m.state = StateIdle
	return []OutFrame{{Type: frameType, Destination: destination, Data: data}}
}

func (m *MasterFSM) receiveToken() []OutFrame {
	m.tokenCount++
	m.retries = 0
	if m.tokenCount%m.Npoll == 0 && !m.soleMaster {
		return m.startPollForMaster(nextAddress(m.TS))
	}
	m.state = StateUseToken
	m.framesSent = 0
	return m.useToken()
}

// startPollForMaster enters PollForMaster against candidate and arms the
// Tusage_timeout deadline; TickSilence advances the candidate (or gives
// up and passes the token on) if ReplyToPollForMaster never arrives.
func (m *MasterFSM) startPollForMaster(candidate byte) []OutFrame {
	m.state = StatePollForMaster
	m.pollCandidate = candidate
	m.pollDeadline = m.Clock.Now().Add(m.TusageTimeout)
	return []OutFrame{{Type: FramePollForMaster, Destination: m.pollCandidate}}
}

// advancePollForMaster fires when a polled candidate never answers
// within Tusage_timeout: move on to the next candidate, or give up once
// the scan reaches our already-known successor and pass the token.
func (m *MasterFSM) advancePollForMaster() []OutFrame {
	if m.pollCandidate == m.NS || m.pollCandidate == m.TS {
		m.state = StateDoneWithToken
		return m.doneWithToken()
	}
	return m.startPollForMaster(nextAddress(m.pollCandidate))
}

func (m *MasterFSM) useToken() []OutFrame {
	if len(m.queue) == 0 || m.framesSent >= m.NmaxInfoFrames {
		m.state = StateDoneWithToken
		return m.doneWithToken()
	}
	req := m.queue[0]
	m.queue = m.queue[1:]
	m.framesSent++
	if req.expectingReply {
		m.state = StateWaitForReply
		m.replyDeadline = m.Clock.Now().Add(m.TreplyTimeout)
		return []OutFrame{{Type: FrameDataExpectingReply, Destination: BroadcastAddress, Data: req.data}}
	}
	out := []OutFrame{{Type: FrameDataNotExpectingReply, Destination: BroadcastAddress, Data: req.data}}
	out = append(out, m.useToken()...)
	return out
}

func (m *MasterFSM) returnToken() []OutFrame {
	m.state = StateDoneWithToken
	return m.doneWithToken()
}

func (m *MasterFSM) doneWithToken() []OutFrame {
	m.state = StatePassToken
	return []OutFrame{{Type: FrameToken, Destination: m.NS}}
}

// TickSilence must be called periodically (faster than TnoToken) so the
// FSM can detect token loss and contend for a replacement. It returns
// any frames the caller should transmit.
func (m *MasterFSM) TickSilence() []OutFrame {
	now := m.Clock.Now()
	if m.state == StateWaitForReply && now.After(m.replyDeadline) {
		return m.returnToken()
	}
	if m.state == StatePollForMaster && now.After(m.pollDeadline) {
		return m.advancePollForMaster()
	}
	if m.state != StateIdle {
		return nil
	}
	if now.Sub(m.lastActivity) < m.TnoToken {
		return nil
	}
	if m.retries >= m.NretryToken {
		m.soleMaster = true
		m.state = StateUseToken
		m.framesSent = 0
		m.touch()
		return m.useToken()
	}
	m.retries++
	m.touch()
	return m.startPollForMaster(nextAddress(m.TS))
}

func nextAddress(addr byte) byte {
	if addr == 0x7F {
		return 0
	}
	return addr + 1
}
