package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shigmas/bacstack/internal/addrcache"
	"github.com/shigmas/bacstack/internal/apdu"
	"github.com/shigmas/bacstack/internal/npdu"
	"github.com/shigmas/bacstack/internal/object"
	"github.com/shigmas/bacstack/internal/tsm"
	"github.com/shigmas/bacstack/internal/values"
	"github.com/shigmas/bacstack/pkg/bacnet"
	"github.com/shigmas/bacstack/pkg/transport"
)

// fakeDatalink is an in-memory transport.Datalink for exercising Server
// without a real UDP socket.
type fakeDatalink struct {
	myAddr     bacnet.Address
	broadcast  bacnet.Address
	sentDest   bacnet.Address
	sentData   []byte
	sentBcast  bool
	sendCalled int
}

func (f *fakeDatalink) SendPDU(dest bacnet.Address, npduData []byte, broadcast bool) (int, error) {
	f.sentDest = dest
	f.sentData = npduData
	f.sentBcast = broadcast
	f.sendCalled++
	return len(npduData), nil
}

func (f *fakeDatalink) Receive(ctx context.Context) (transport.Inbound, error) {
	<-ctx.Done()
	return transport.Inbound{}, ctx.Err()
}

func (f *fakeDatalink) MyAddress() bacnet.Address        { return f.myAddr }
func (f *fakeDatalink) BroadcastAddress() bacnet.Address { return f.broadcast }
func (f *fakeDatalink) Close() error                     { return nil }

var _ transport.Datalink = (*fakeDatalink)(nil)

func newTestServer(t *testing.T) (*Server, *object.Device, *fakeDatalink, *addrcache.Cache) {
	t.Helper()
	dev := object.NewDevice(1234, "test-device", "Acme Corp", "Widget", "1.0", 999)
	dl := &fakeDatalink{broadcast: bacnet.Address{Adr: []byte{255, 255, 255, 255}}}
	cache := addrcache.New(10, nil)
	srv := NewServer(dev, dev, 1234, cache, dl, "", "", nil)
	return srv, dev, dl, cache
}

func TestServerReadPropertyObjectName(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	reqData := EncodeReadPropertyRequest(object.ReadPropertyRequest{
		ObjectType: bacnet.ObjectDevice,
		Instance:   1234,
		Property:   bacnet.PropObjectName,
		ArrayIndex: bacnet.ArrayIndexNone,
	})

	reply, err := srv.handleReadProperty(bacnet.Address{}, 5, reqData)
	require.NoError(t, err)
	ack, ok := reply.(*apdu.ComplexAckMessage)
	require.True(t, ok)
	assert.Equal(t, uint8(5), ack.InvokeID)

	decoded, err := DecodeReadPropertyAck(ack.ServiceData)
	require.NoError(t, err)
	cs, ok := decoded.Value.(values.CharacterString)
	require.True(t, ok)
	assert.Equal(t, "test-device", cs.Text)
}

func TestServerReadPropertyUnknownObjectReturnsServiceError(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	reqData := EncodeReadPropertyRequest(object.ReadPropertyRequest{
		ObjectType: bacnet.ObjectDevice,
		Instance:   9999,
		Property:   bacnet.PropObjectName,
		ArrayIndex: bacnet.ArrayIndexNone,
	})

	_, err := srv.handleReadProperty(bacnet.Address{}, 1, reqData)
	require.Error(t, err)
}

func TestServerReadPropertyObjectListWholeArray(t *testing.T) {
	srv, dev, _, _ := newTestServer(t)
	dev.AddObject(values.ObjectID{Type: 0, Instance: 1})

	reqData := EncodeReadPropertyRequest(object.ReadPropertyRequest{
		ObjectType: bacnet.ObjectDevice,
		Instance:   1234,
		Property:   bacnet.PropObjectList,
		ArrayIndex: bacnet.ArrayIndexNone,
	})
	reply, err := srv.handleReadProperty(bacnet.Address{}, 2, reqData)
	require.NoError(t, err)
	ack := reply.(*apdu.ComplexAckMessage)
	assert.NotEmpty(t, ack.ServiceData)
}

func TestServerWriteProperty(t *testing.T) {
	srv, dev, _, _ := newTestServer(t)
	reqData := EncodeWritePropertyRequest(object.WritePropertyRequest{
		ObjectType: bacnet.ObjectDevice,
		Instance:   1234,
		Property:   bacnet.PropObjectName,
		ArrayIndex: bacnet.ArrayIndexNone,
		Value:      values.NewANSICharacterString("renamed"),
	})

	reply, err := srv.handleWriteProperty(bacnet.Address{}, 3, reqData)
	require.NoError(t, err)
	_, ok := reply.(*apdu.SimpleAckMessage)
	assert.True(t, ok)

	val, err := dev.ReadProperty(object.ReadPropertyRequest{
		ObjectType: bacnet.ObjectDevice, Instance: 1234,
		Property: bacnet.PropObjectName, ArrayIndex: bacnet.ArrayIndexNone,
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", val.(values.CharacterString).Text)
}

func TestServerWhoIsMatchingRangeSendsIAm(t *testing.T) {
	srv, _, dl, _ := newTestServer(t)
	low, high := uint32(1000), uint32(2000)
	srv.handleWhoIs(bacnet.Address{}, EncodeWhoIs(WhoIs{LowLimit: &low, HighLimit: &high}))

	require.Equal(t, 1, dl.sendCalled)
	assert.True(t, dl.sentBcast)

	npduMsg, err := npdu.Decode(dl.sentData)
	require.NoError(t, err)
	unconfirmed, ok := npduMsg.APDU.(*apdu.UnconfirmedMessage)
	require.True(t, ok)
	assert.Equal(t, apdu.ServiceUnconfirmedIAm, unconfirmed.ServiceID)

	iam, err := DecodeIAm(unconfirmed.ServiceData)
	require.NoError(t, err)
	assert.Equal(t, uint32(1234), iam.DeviceID.Instance)
}

func TestServerWhoIsOutsideRangeStaysSilent(t *testing.T) {
	srv, _, dl, _ := newTestServer(t)
	low, high := uint32(1), uint32(2)
	srv.handleWhoIs(bacnet.Address{}, EncodeWhoIs(WhoIs{LowLimit: &low, HighLimit: &high}))
	assert.Equal(t, 0, dl.sendCalled)
}

func TestServerIAmPopulatesAddressCache(t *testing.T) {
	srv, _, _, cache := newTestServer(t)
	source := bacnet.Address{Adr: []byte{192, 168, 1, 50}}
	iam := IAm{
		DeviceID:              values.ObjectID{Type: uint16(bacnet.ObjectDevice), Instance: 42},
		MaxAPDULengthAccepted: 1476,
		Segmentation:          0,
		VendorID:              1,
	}
	srv.handleIAm(source, EncodeIAm(iam))

	e, ok := cache.GetByDevice(42)
	require.True(t, ok)
	assert.Equal(t, source, e.Address)
}

func TestServerDeviceCommunicationControlWrongPasswordRejected(t *testing.T) {
	dev := object.NewDevice(1, "d", "v", "m", "f", 1)
	dl := &fakeDatalink{}
	cache := addrcache.New(10, nil)
	srv := NewServer(dev, dev, 1, cache, dl, "", "correct", nil)

	req := EncodeDeviceCommunicationControlRequest(DeviceCommunicationControlRequest{
		EnableDisable: CommunicationDisable,
		Password:      "wrong",
	})
	_, err := srv.handleDeviceCommunicationControl(bacnet.Address{}, 1, req)
	require.Error(t, err)
	assert.True(t, srv.CommunicationEnabled())
}

func TestServerDeviceCommunicationControlDisables(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	req := EncodeDeviceCommunicationControlRequest(DeviceCommunicationControlRequest{
		EnableDisable: CommunicationDisable,
	})
	_, err := srv.handleDeviceCommunicationControl(bacnet.Address{}, 1, req)
	require.NoError(t, err)
	assert.False(t, srv.CommunicationEnabled())
}

// TestServerRegisterWiresUnimplementedServiceToReject checks a service
// genuinely out of scope (VT services, Non-goal per the device profile
// this core targets) still rejects cleanly rather than leaving the
// caller hanging.
func TestServerRegisterWiresUnimplementedServiceToReject(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	d := tsm.NewDispatcher()
	srv.Register(d)

	reply := d.DispatchConfirmed(bacnet.Address{}, &apdu.ConfirmedMessage{
		ServiceID: apdu.ServiceConfirmedVTOpen,
		InvokeID:  9,
	})
	reject, ok := reply.(*apdu.RejectMessage)
	require.True(t, ok)
	assert.Equal(t, bacnet.RejectUnrecognizedService, reject.Reason)
}

func TestServerRegisterWiresCreateObjectToConformantError(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	d := tsm.NewDispatcher()
	srv.Register(d)

	req := EncodeCreateObjectRequest(CreateObjectRequest{ObjectSpecifier: values.ObjectID{Type: uint16(bacnet.ObjectAnalogInput), Instance: 1}})
	reply := d.DispatchConfirmed(bacnet.Address{}, &apdu.ConfirmedMessage{
		ServiceID:   apdu.ServiceConfirmedCreateObject,
		InvokeID:    9,
		ServiceData: req,
	})
	em, ok := reply.(*apdu.ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, bacnet.ErrorCodeDynamicCreationNotSupported, em.Error.Code)
}
