package tsm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shigmas/bacstack/internal/apdu"
	"github.com/shigmas/bacstack/pkg/bacnet"
)

func TestNextFreeInvokeIDMonotonic(t *testing.T) {
	m := New(DefaultAPDUTimeout, DefaultAPDURetries, nil)
	first, ok := m.NextFreeInvokeID()
	require.True(t, ok)
	m.SetConfirmedUnsegmentedTransaction(first, bacnet.Address{}, nil, nil)

	second, ok := m.NextFreeInvokeID()
	require.True(t, ok)
	assert.NotEqual(t, first, second)
}

func TestFreeIsIdempotentOnUnknownID(t *testing.T) {
	m := New(DefaultAPDUTimeout, DefaultAPDURetries, nil)
	assert.NotPanics(t, func() { m.Free(200) })
	assert.False(t, m.Has(200))
}

func TestTickRetransmitsThenTimesOut(t *testing.T) {
	var timedOut *Transaction
	m := New(10*time.Millisecond, 1, func(t *Transaction) { timedOut = t })

	id, ok := m.NextFreeInvokeID()
	require.True(t, ok)
	m.SetConfirmedUnsegmentedTransaction(id, bacnet.Address{Net: 1}, []byte{1}, []byte{2})

	resend := m.Tick(10 * time.Millisecond)
	require.Len(t, resend, 1)
	assert.Equal(t, []byte{2}, resend[0].APDUData)
	assert.True(t, m.Has(id))

	resend = m.Tick(10 * time.Millisecond)
	assert.Empty(t, resend)
	assert.False(t, m.Has(id))
	require.NotNil(t, timedOut)
	assert.Equal(t, id, timedOut.InvokeID)
}

func TestDispatchConfirmedUnregisteredServiceRejects(t *testing.T) {
	d := NewDispatcher()
	reply := d.DispatchConfirmed(bacnet.Address{}, &apdu.ConfirmedMessage{InvokeID: 5, ServiceID: apdu.ServiceConfirmedReadProperty})
	rm, ok := reply.(*apdu.RejectMessage)
	require.True(t, ok)
	assert.Equal(t, bacnet.RejectUnrecognizedService, rm.Reason)
}

func TestDispatchConfirmedSuccess(t *testing.T) {
	d := NewDispatcher()
	d.RegisterConfirmed(apdu.ServiceConfirmedReadProperty, func(source bacnet.Address, invokeID uint8, data []byte) (apdu.Message, error) {
		return &apdu.SimpleAckMessage{InvokeID: invokeID, ServiceID: apdu.ServiceConfirmedReadProperty}, nil
	})
	reply := d.DispatchConfirmed(bacnet.Address{}, &apdu.ConfirmedMessage{InvokeID: 9, ServiceID: apdu.ServiceConfirmedReadProperty})
	sa, ok := reply.(*apdu.SimpleAckMessage)
	require.True(t, ok)
	assert.Equal(t, uint8(9), sa.InvokeID)
}

func TestDispatchConfirmedServiceErrorBecomesErrorMessage(t *testing.T) {
	d := NewDispatcher()
	d.RegisterConfirmed(apdu.ServiceConfirmedReadProperty, func(source bacnet.Address, invokeID uint8, data []byte) (apdu.Message, error) {
		return nil, bacnet.ServiceError{Class: bacnet.ErrorClassObject, Code: bacnet.ErrorCodeUnknownObject}
	})
	reply := d.DispatchConfirmed(bacnet.Address{}, &apdu.ConfirmedMessage{InvokeID: 1, ServiceID: apdu.ServiceConfirmedReadProperty})
	em, ok := reply.(*apdu.ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, bacnet.ErrorCodeUnknownObject, em.Error.Code)
}

func TestDispatchConfirmedPassesSourceToHandler(t *testing.T) {
	d := NewDispatcher()
	src := bacnet.Address{Mac: []byte{192, 168, 1, 10, 0xBA, 0xC0}}
	var gotSource bacnet.Address
	d.RegisterConfirmed(apdu.ServiceConfirmedSubscribeCOV, func(source bacnet.Address, invokeID uint8, data []byte) (apdu.Message, error) {
		gotSource = source
		return &apdu.SimpleAckMessage{InvokeID: invokeID, ServiceID: apdu.ServiceConfirmedSubscribeCOV}, nil
	})
	d.DispatchConfirmed(src, &apdu.ConfirmedMessage{InvokeID: 3, ServiceID: apdu.ServiceConfirmedSubscribeCOV})
	assert.Equal(t, src, gotSource)
}

func TestDispatchUnconfirmedUnregisteredIsSilentlyDropped(t *testing.T) {
	d := NewDispatcher()
	assert.NotPanics(t, func() {
		d.DispatchUnconfirmed(bacnet.Address{}, &apdu.UnconfirmedMessage{ServiceID: apdu.ServiceUnconfirmedWhoIs})
	})
}

func TestDispatchUnconfirmedCallsHandler(t *testing.T) {
	d := NewDispatcher()
	called := false
	var gotSource bacnet.Address
	src := bacnet.Address{Mac: []byte{192, 168, 1, 10, 0xBA, 0xC0}}
	d.RegisterUnconfirmed(apdu.ServiceUnconfirmedWhoIs, func(source bacnet.Address, data []byte) {
		called = true
		gotSource = source
	})
	d.DispatchUnconfirmed(src, &apdu.UnconfirmedMessage{ServiceID: apdu.ServiceUnconfirmedWhoIs})
	assert.True(t, called)
	assert.Equal(t, src, gotSource)
}
