// Package tsm implements the Transaction State Machine (ASHRAE 135
// clause 5.4.5): invoke-ID allocation, confirmed-request retry/timeout
// tracking, and the confirmed/unconfirmed service dispatcher jump
// tables that sit above it.
package tsm

import (
	"errors"
	"sync"
	"time"

	"github.com/shigmas/bacstack/internal/apdu"
	"github.com/shigmas/bacstack/pkg/bacnet"
)

// Default tick-driven retry parameters, ASHRAE 135 clause 5.4.5.
const (
	DefaultAPDUTimeout = 3 * time.Second
	DefaultAPDURetries = 3
)

// Transaction is one outstanding confirmed request awaiting an
// Ack/Error/Reject/Abort, or retransmission on timeout.
type Transaction struct {
	InvokeID     uint8
	Destination  bacnet.Address
	NPDUData     []byte
	APDUData     []byte
	RequestTimer time.Duration
	RetryCount   int
}

// TimeoutFunc is called when a transaction exhausts its retries.
type TimeoutFunc func(t *Transaction)

// TSM is the invoke-ID pool and retry table for confirmed requests this
// node has sent. One TSM instance serves one BACnet device's outgoing
// transactions.
type TSM struct {
	mu           sync.RWMutex
	transactions map[uint8]*Transaction
	nextID       uint8
	apduTimeout  time.Duration
	apduRetries  int
	onTimeout    TimeoutFunc
}

// New constructs a TSM. onTimeout, if non-nil, fires once per
// transaction that exhausts apduRetries retries; the transaction is
// freed immediately beforehand.
func New(apduTimeout time.Duration, apduRetries int, onTimeout TimeoutFunc) *TSM {
	return &TSM{
		transactions: make(map[uint8]*Transaction),
		apduTimeout:  apduTimeout,
		apduRetries:  apduRetries,
		onTimeout:    onTimeout,
	}
}

// NextFreeInvokeID returns an invoke-ID not currently in use, chosen
// monotonically mod 256, or ok=false if all 256 IDs are in use.
func (m *TSM) NextFreeInvokeID() (id uint8, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.transactions) >= 256 {
		return 0, false
	}
	for {
		candidate := m.nextID
		m.nextID++
		if _, inUse := m.transactions[candidate]; !inUse {
			return candidate, true
		}
	}
}

// SetConfirmedUnsegmentedTransaction records a sent confirmed request
// for possible retransmission, keyed by invokeID.
func (m *TSM) SetConfirmedUnsegmentedTransaction(invokeID uint8, dest bacnet.Address, npduData, apduData []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions[invokeID] = &Transaction{
		InvokeID:     invokeID,
		Destination:  dest,
		NPDUData:     npduData,
		APDUData:     apduData,
		RequestTimer: m.apduTimeout,
	}
}

// Free releases a transaction, e.g. on receiving its matching
// Ack/Error/Reject/Abort. An unknown invoke-ID is a silent no-op per
// the idempotence contract.
func (m *TSM) Free(invokeID uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.transactions, invokeID)
}

// Has reports whether invokeID names a live transaction.
func (m *TSM) Has(invokeID uint8) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.transactions[invokeID]
	return ok
}

// Retransmission is a stored APDU the caller must resend.
type Retransmission struct {
	Destination bacnet.Address
	NPDUData    []byte
	APDUData    []byte
}

// Tick decrements every live transaction's request timer by tickSize.
// Transactions that reach zero are either reloaded and returned for
// retransmission, or freed and passed to onTimeout once retries are
// exhausted.
func (m *TSM) Tick(tickSize time.Duration) []Retransmission {
	m.mu.Lock()
	defer m.mu.Unlock()

	var resend []Retransmission
	for id, t := range m.transactions {
		t.RequestTimer -= tickSize
		if t.RequestTimer > 0 {
			continue
		}
		if t.RetryCount < m.apduRetries {
			t.RetryCount++
			t.RequestTimer = m.apduTimeout
			resend = append(resend, Retransmission{
				Destination: t.Destination,
				NPDUData:    t.NPDUData,
				APDUData:    t.APDUData,
			})
			continue
		}
		delete(m.transactions, id)
		if m.onTimeout != nil {
			m.onTimeout(t)
		}
	}
	return resend
}

// ConfirmedHandler answers one confirmed-service request. It returns
// the ACK message to send (SimpleAckMessage or ComplexAckMessage), or
// an error; DispatchConfirmed turns a bacnet.ServiceError (wrapped or
// not) into an ErrorMessage and any other error into an AbortMessage
// with reason other. source is the requester's datalink address, needed by
// handlers that must remember who made the request, e.g. SubscribeCOV
// recording where to deliver future notifications.
type ConfirmedHandler func(source bacnet.Address, invokeID uint8, serviceData []byte) (apdu.Message, error)

// UnconfirmedHandler processes one unconfirmed-service request. It has
// no reply to send; BACnet unconfirmed services are fire-and-forget.
// source is the requester's datalink address, needed by handlers like
// I-Am that record where a device announced itself from.
type UnconfirmedHandler func(source bacnet.Address, serviceData []byte)

// Dispatcher holds the confirmed- and unconfirmed-service jump tables
// ASHRAE 135 clause 5.4 describes: one handler per service-choice
// octet, closed over whatever object database or other state the
// handler needs.
type Dispatcher struct {
	mu          sync.RWMutex
	confirmed   map[apdu.ServiceConfirmed]ConfirmedHandler
	unconfirmed map[apdu.ServiceUnconfirmed]UnconfirmedHandler
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		confirmed:   make(map[apdu.ServiceConfirmed]ConfirmedHandler),
		unconfirmed: make(map[apdu.ServiceUnconfirmed]UnconfirmedHandler),
	}
}

// RegisterConfirmed installs the handler for a confirmed service
// choice, replacing any handler previously registered for it.
func (d *Dispatcher) RegisterConfirmed(service apdu.ServiceConfirmed, h ConfirmedHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.confirmed[service] = h
}

// RegisterUnconfirmed installs the handler for an unconfirmed service
// choice, replacing any handler previously registered for it.
func (d *Dispatcher) RegisterUnconfirmed(service apdu.ServiceUnconfirmed, h UnconfirmedHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unconfirmed[service] = h
}

// DispatchConfirmed routes a confirmed-service request to its
// registered handler. An unregistered service choice yields a Reject
// message with reason unrecognized-service, per the dispatcher
// contract — every advertised service gets at least a conformant
// response, never a silent drop.
func (d *Dispatcher) DispatchConfirmed(source bacnet.Address, msg *apdu.ConfirmedMessage) apdu.Message {
	d.mu.RLock()
	h, ok := d.confirmed[msg.ServiceID]
	d.mu.RUnlock()
	if !ok {
		return &apdu.RejectMessage{InvokeID: msg.InvokeID, Reason: bacnet.RejectUnrecognizedService}
	}

	reply, err := h(source, msg.InvokeID, msg.ServiceData)
	if err == nil {
		return reply
	}
	var svcErr bacnet.ServiceError
	if errors.As(err, &svcErr) {
		return &apdu.ErrorMessage{InvokeID: msg.InvokeID, ServiceID: msg.ServiceID, Error: svcErr}
	}
	return &apdu.AbortMessage{InvokeID: msg.InvokeID, Reason: bacnet.AbortOther}
}

// DispatchUnconfirmed routes an unconfirmed-service request to its
// registered handler. An unregistered service choice is silently
// dropped, per the dispatcher contract for unconfirmed services.
func (d *Dispatcher) DispatchUnconfirmed(source bacnet.Address, msg *apdu.UnconfirmedMessage) {
	d.mu.RLock()
	h, ok := d.unconfirmed[msg.ServiceID]
	d.mu.RUnlock()
	if ok {
		h(source, msg.ServiceData)
	}
}
