package object

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shigmas/bacstack/internal/values"
	"github.com/shigmas/bacstack/pkg/bacnet"
)

func newTestDevice() *Device {
	return NewDevice(1234, "test-device", "Acme", "Widget-1", "1.0.0", 999)
}

func TestReadObjectIdentifier(t *testing.T) {
	d := newTestDevice()
	v, err := d.ReadProperty(ReadPropertyRequest{
		ObjectType: bacnet.ObjectDevice,
		Instance:   1234,
		Property:   bacnet.PropObjectIdentifier,
		ArrayIndex: bacnet.ArrayIndexNone,
	})
	require.NoError(t, err)
	oid, ok := v.(values.ObjectID)
	require.True(t, ok)
	assert.Equal(t, uint32(1234), oid.Instance)
	assert.Equal(t, uint16(bacnet.ObjectDevice), oid.Type)
}

func TestReadUnknownInstanceErrors(t *testing.T) {
	d := newTestDevice()
	_, err := d.ReadProperty(ReadPropertyRequest{
		ObjectType: bacnet.ObjectDevice,
		Instance:   9999,
		Property:   bacnet.PropObjectIdentifier,
	})
	require.Error(t, err)
	svcErr, ok := err.(bacnet.ServiceError)
	if !ok {
		var target bacnet.ServiceError
		require.ErrorAs(t, err, &target)
		svcErr = target
	}
	assert.Equal(t, bacnet.ErrorCodeUnknownObject, svcErr.Code)
}

func TestReadUnknownPropertyErrors(t *testing.T) {
	d := newTestDevice()
	_, err := d.ReadProperty(ReadPropertyRequest{
		ObjectType: bacnet.ObjectDevice,
		Instance:   1234,
		Property:   bacnet.PropertyIdentifier(9001),
	})
	require.Error(t, err)
}

func TestObjectListCountAndEntries(t *testing.T) {
	d := newTestDevice()
	d.AddObject(values.ObjectID{Type: uint16(bacnet.ObjectAnalogInput), Instance: 1})

	v, err := d.ReadProperty(ReadPropertyRequest{
		ObjectType: bacnet.ObjectDevice,
		Instance:   1234,
		Property:   bacnet.PropObjectList,
		ArrayIndex: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, values.Unsigned(2), v)

	entry, ok := d.ObjectListEntry(2)
	require.True(t, ok)
	assert.Equal(t, uint32(1), entry.Instance)
}

func TestWriteObjectName(t *testing.T) {
	d := newTestDevice()
	err := d.WriteProperty(WritePropertyRequest{
		ObjectType: bacnet.ObjectDevice,
		Instance:   1234,
		Property:   bacnet.PropObjectName,
		Value:      values.NewANSICharacterString("renamed"),
	})
	require.NoError(t, err)

	v, err := d.ReadProperty(ReadPropertyRequest{
		ObjectType: bacnet.ObjectDevice,
		Instance:   1234,
		Property:   bacnet.PropObjectName,
	})
	require.NoError(t, err)
	assert.Equal(t, values.NewANSICharacterString("renamed"), v)
}

func TestWriteReadOnlyPropertyDenied(t *testing.T) {
	d := newTestDevice()
	err := d.WriteProperty(WritePropertyRequest{
		ObjectType: bacnet.ObjectDevice,
		Instance:   1234,
		Property:   bacnet.PropVendorName,
		Value:      values.NewANSICharacterString("nope"),
	})
	require.Error(t, err)
}

func TestCountAndIndexing(t *testing.T) {
	d := newTestDevice()
	assert.Equal(t, 1, d.Count())

	instance, err := d.IndexToInstance(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1234), instance)

	idx, err := d.InstanceToIndex(1234)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	_, err = d.InstanceToIndex(1)
	assert.Error(t, err)
}

func TestPropertyListsIncludesRequiredSet(t *testing.T) {
	d := newTestDevice()
	required, _, _ := d.PropertyLists(bacnet.ObjectDevice)
	assert.Contains(t, required, bacnet.PropObjectName)
	assert.Contains(t, required, bacnet.PropProtocolServicesSupported)
}
