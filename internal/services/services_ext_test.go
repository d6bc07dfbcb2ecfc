package services

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shigmas/bacstack/internal/composite"
	"github.com/shigmas/bacstack/internal/tag"
	"github.com/shigmas/bacstack/internal/values"
	"github.com/shigmas/bacstack/pkg/bacnet"
)

func TestWritePropertyMultipleRequestRoundTrip(t *testing.T) {
	req := WritePropertyMultipleRequest{
		Specifications: []composite.WriteAccessSpecification{
			{
				Object: values.ObjectID{Type: uint16(bacnet.ObjectAnalogOutput), Instance: 1},
				Properties: []composite.PropertyValue{
					{Identifier: bacnet.PropPresentValue, ArrayIndex: bacnet.ArrayIndexNone, Value: values.Real(72.0), Priority: 8},
				},
			},
		},
	}
	got, err := DecodeWritePropertyMultipleRequest(EncodeWritePropertyMultipleRequest(req))
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestAtomicReadFileRequestRoundTrip(t *testing.T) {
	req := AtomicReadFileRequest{
		File:           values.ObjectID{Type: 10, Instance: 1},
		StartPosition:  0,
		RequestedCount: 512,
	}
	got, err := DecodeAtomicReadFileRequest(EncodeAtomicReadFileRequest(req))
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestAtomicReadFileRequestRejectsRecordAccess(t *testing.T) {
	buf := new(bytes.Buffer)
	file := values.ObjectID{Type: 10, Instance: 1}
	file.EncodeApplication(buf)
	tag.EncodeOpening(buf, tag.Number(AtomicFileRecordAccess))
	values.Signed(0).EncodeApplication(buf)
	values.Unsigned(10).EncodeApplication(buf)
	tag.EncodeClosing(buf, tag.Number(AtomicFileRecordAccess))

	_, err := DecodeAtomicReadFileRequest(buf.Bytes())
	require.Error(t, err)
}

func TestAtomicReadFileAckRoundTrip(t *testing.T) {
	ack := AtomicReadFileAck{EndOfFile: true, StartPosition: 100, Data: []byte("hello")}
	got, err := DecodeAtomicReadFileAck(EncodeAtomicReadFileAck(ack))
	require.NoError(t, err)
	assert.Equal(t, ack, got)
}

func TestAtomicWriteFileRequestRoundTrip(t *testing.T) {
	req := AtomicWriteFileRequest{
		File:          values.ObjectID{Type: 10, Instance: 1},
		StartPosition: -1,
		Data:          []byte("payload"),
	}
	got, err := DecodeAtomicWriteFileRequest(EncodeAtomicWriteFileRequest(req))
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestAtomicWriteFileAckRoundTrip(t *testing.T) {
	ack := AtomicWriteFileAck{StartPosition: 42}
	got, err := DecodeAtomicWriteFileAck(EncodeAtomicWriteFileAck(ack))
	require.NoError(t, err)
	assert.Equal(t, ack, got)
}

func TestGetAlarmSummaryAckRoundTrip(t *testing.T) {
	ack := GetAlarmSummaryAck{
		Summaries: []AlarmSummary{
			{
				Object:                  values.ObjectID{Type: uint16(bacnet.ObjectBinaryInput), Instance: 2},
				AlarmState:              values.Enumerated(2),
				AcknowledgedTransitions: values.BitString{Bytes: []byte{0xA0}, BitsUsed: 3},
			},
		},
	}
	got, err := DecodeGetAlarmSummaryAck(EncodeGetAlarmSummaryAck(ack))
	require.NoError(t, err)
	assert.Equal(t, ack, got)
}

func TestGetEventInformationRequestRoundTripEmptyAndSet(t *testing.T) {
	empty := GetEventInformationRequest{}
	got, err := DecodeGetEventInformationRequest(EncodeGetEventInformationRequest(empty))
	require.NoError(t, err)
	assert.Nil(t, got.LastReceivedObjectID)

	oid := values.ObjectID{Type: uint16(bacnet.ObjectAnalogInput), Instance: 9}
	withLast := GetEventInformationRequest{LastReceivedObjectID: &oid}
	got, err = DecodeGetEventInformationRequest(EncodeGetEventInformationRequest(withLast))
	require.NoError(t, err)
	require.NotNil(t, got.LastReceivedObjectID)
	assert.Equal(t, oid, *got.LastReceivedObjectID)
}

func TestGetEventInformationAckRoundTrip(t *testing.T) {
	ack := GetEventInformationAck{
		Summaries: []EventSummary{
			{
				Object:                  values.ObjectID{Type: uint16(bacnet.ObjectAnalogInput), Instance: 3},
				EventState:              values.Enumerated(1),
				AcknowledgedTransitions: values.BitString{Bytes: []byte{0xC0}, BitsUsed: 3},
				EventTimeStamps: [3]composite.TimeStamp{
					{Kind: composite.TimeStampSequence, Sequence: 1},
					{Kind: composite.TimeStampSequence, Sequence: 2},
					{Kind: composite.TimeStampTime, Time: values.Time{Hour: 8}},
				},
				NotifyType:      values.Enumerated(0),
				EventEnable:     values.BitString{Bytes: []byte{0xE0}, BitsUsed: 3},
				EventPriorities: [3]uint32{100, 100, 100},
			},
		},
		MoreEvents: true,
	}
	got, err := DecodeGetEventInformationAck(EncodeGetEventInformationAck(ack))
	require.NoError(t, err)
	assert.Equal(t, ack, got)
}

func TestAcknowledgeAlarmRequestRoundTrip(t *testing.T) {
	req := AcknowledgeAlarmRequest{
		ProcessID:       1,
		EventObjectID:   values.ObjectID{Type: uint16(bacnet.ObjectAnalogInput), Instance: 1},
		EventStateAcked: values.Enumerated(2),
		EventTimeStamp:  composite.TimeStamp{Kind: composite.TimeStampSequence, Sequence: 5},
		Source:          "operator",
		AckTimeStamp:    composite.TimeStamp{Kind: composite.TimeStampSequence, Sequence: 6},
	}
	got, err := DecodeAcknowledgeAlarmRequest(EncodeAcknowledgeAlarmRequest(req))
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestEventNotificationRoundTrip(t *testing.T) {
	from := values.Enumerated(0)
	n := EventNotification{
		ProcessID:         1,
		InitiatingDevice:  values.ObjectID{Type: uint16(bacnet.ObjectDevice), Instance: 10},
		EventObject:       values.ObjectID{Type: uint16(bacnet.ObjectAnalogInput), Instance: 2},
		TimeStamp:         composite.TimeStamp{Kind: composite.TimeStampSequence, Sequence: 9},
		NotificationClass: 1,
		Priority:          100,
		EventType:         values.Enumerated(1),
		MessageText:       "out of range",
		NotifyType:        values.Enumerated(0),
		FromState:         &from,
		ToState:           values.Enumerated(1),
	}
	got, err := DecodeEventNotification(EncodeEventNotification(n))
	require.NoError(t, err)
	assert.Equal(t, n, got)
}

func TestEventNotificationRoundTripNoOptionalFields(t *testing.T) {
	n := EventNotification{
		ProcessID:         1,
		InitiatingDevice:  values.ObjectID{Type: uint16(bacnet.ObjectDevice), Instance: 10},
		EventObject:       values.ObjectID{Type: uint16(bacnet.ObjectAnalogInput), Instance: 2},
		TimeStamp:         composite.TimeStamp{Kind: composite.TimeStampSequence, Sequence: 9},
		NotificationClass: 1,
		Priority:          100,
		EventType:         values.Enumerated(1),
		NotifyType:        values.Enumerated(0),
		ToState:           values.Enumerated(1),
	}
	got, err := DecodeEventNotification(EncodeEventNotification(n))
	require.NoError(t, err)
	assert.Equal(t, n, got)
	assert.Nil(t, got.FromState)
	assert.Empty(t, got.MessageText)
}

func TestCOVNotificationRoundTrip(t *testing.T) {
	n := COVNotification{
		ProcessID:        1,
		InitiatingDevice: values.ObjectID{Type: uint16(bacnet.ObjectDevice), Instance: 10},
		MonitoredObject:  values.ObjectID{Type: uint16(bacnet.ObjectAnalogInput), Instance: 1},
		TimeRemaining:    30,
		Values: []composite.PropertyValue{
			{Identifier: bacnet.PropPresentValue, ArrayIndex: bacnet.ArrayIndexNone, Value: values.Real(72.5)},
		},
	}
	got, err := DecodeCOVNotification(EncodeCOVNotification(n))
	require.NoError(t, err)
	assert.Equal(t, n, got)
}

func TestSubscribeCOVRequestRoundTripEstablishAndCancel(t *testing.T) {
	confirmed := true
	lifetime := uint32(300)
	establish := SubscribeCOVRequest{
		ProcessID:       1,
		MonitoredObject: values.ObjectID{Type: uint16(bacnet.ObjectAnalogInput), Instance: 1},
		Confirmed:       &confirmed,
		Lifetime:        &lifetime,
	}
	got, err := DecodeSubscribeCOVRequest(EncodeSubscribeCOVRequest(establish))
	require.NoError(t, err)
	assert.Equal(t, establish, got)

	cancel := SubscribeCOVRequest{
		ProcessID:       1,
		MonitoredObject: values.ObjectID{Type: uint16(bacnet.ObjectAnalogInput), Instance: 1},
	}
	got, err = DecodeSubscribeCOVRequest(EncodeSubscribeCOVRequest(cancel))
	require.NoError(t, err)
	assert.Equal(t, cancel, got)
	assert.Nil(t, got.Confirmed)
	assert.Nil(t, got.Lifetime)
}

func TestSubscribeCOVPropertyRequestRoundTrip(t *testing.T) {
	confirmed := false
	lifetime := uint32(600)
	increment := float32(0.5)
	req := SubscribeCOVPropertyRequest{
		ProcessID:       2,
		MonitoredObject: values.ObjectID{Type: uint16(bacnet.ObjectAnalogInput), Instance: 1},
		Confirmed:       &confirmed,
		Lifetime:        &lifetime,
		MonitoredProperty: composite.DeviceObjectPropertyReference{
			Object:     values.ObjectID{Type: uint16(bacnet.ObjectAnalogInput), Instance: 1},
			Identifier: bacnet.PropPresentValue,
			ArrayIndex: bacnet.ArrayIndexNone,
		},
		COVIncrement: &increment,
	}
	got, err := DecodeSubscribeCOVPropertyRequest(EncodeSubscribeCOVPropertyRequest(req))
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestSubscribeCOVPropertyRequestCancelForm(t *testing.T) {
	req := SubscribeCOVPropertyRequest{
		ProcessID:       2,
		MonitoredObject: values.ObjectID{Type: uint16(bacnet.ObjectAnalogInput), Instance: 1},
		MonitoredProperty: composite.DeviceObjectPropertyReference{
			Object:     values.ObjectID{Type: uint16(bacnet.ObjectAnalogInput), Instance: 1},
			Identifier: bacnet.PropPresentValue,
			ArrayIndex: bacnet.ArrayIndexNone,
		},
	}
	got, err := DecodeSubscribeCOVPropertyRequest(EncodeSubscribeCOVPropertyRequest(req))
	require.NoError(t, err)
	assert.Nil(t, got.Confirmed)
	assert.Nil(t, got.Lifetime)
	assert.Nil(t, got.COVIncrement)
	assert.Equal(t, req.MonitoredProperty, got.MonitoredProperty)
}

func TestLifeSafetyOperationRequestRoundTrip(t *testing.T) {
	req := LifeSafetyOperationRequest{
		ProcessID:    1,
		Source:       "operator",
		Operation:    values.Enumerated(1),
		TargetObject: values.ObjectID{Type: 18, Instance: 1},
	}
	got, err := DecodeLifeSafetyOperationRequest(EncodeLifeSafetyOperationRequest(req))
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestCreateObjectRequestRoundTripByType(t *testing.T) {
	objType := values.Enumerated(bacnet.ObjectAnalogValue)
	req := CreateObjectRequest{
		ObjectType: &objType,
		InitialValues: []composite.PropertyValue{
			{Identifier: bacnet.PropPresentValue, ArrayIndex: bacnet.ArrayIndexNone, Value: values.Real(0)},
		},
	}
	got, err := DecodeCreateObjectRequest(EncodeCreateObjectRequest(req))
	require.NoError(t, err)
	require.NotNil(t, got.ObjectType)
	assert.Equal(t, *req.ObjectType, *got.ObjectType)
	assert.Equal(t, req.InitialValues, got.InitialValues)
}

func TestCreateObjectRequestRoundTripByIdentifier(t *testing.T) {
	req := CreateObjectRequest{
		ObjectSpecifier: values.ObjectID{Type: uint16(bacnet.ObjectAnalogValue), Instance: 5},
	}
	got, err := DecodeCreateObjectRequest(EncodeCreateObjectRequest(req))
	require.NoError(t, err)
	assert.Nil(t, got.ObjectType)
	assert.Equal(t, req.ObjectSpecifier, got.ObjectSpecifier)
}

func TestCreateObjectAckRoundTrip(t *testing.T) {
	ack := CreateObjectAck{ObjectID: values.ObjectID{Type: uint16(bacnet.ObjectAnalogValue), Instance: 5}}
	got, err := DecodeCreateObjectAck(EncodeCreateObjectAck(ack))
	require.NoError(t, err)
	assert.Equal(t, ack, got)
}

func TestDeleteObjectRequestRoundTrip(t *testing.T) {
	req := DeleteObjectRequest{ObjectID: values.ObjectID{Type: uint16(bacnet.ObjectAnalogValue), Instance: 5}}
	got, err := DecodeDeleteObjectRequest(EncodeDeleteObjectRequest(req))
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestListElementRequestRoundTrip(t *testing.T) {
	idx := uint32(1)
	req := ListElementRequest{
		Object:     values.ObjectID{Type: uint16(bacnet.ObjectDevice), Instance: 1},
		Property:   bacnet.PropObjectList,
		ArrayIndex: &idx,
		Elements: []composite.PropertyValue{
			{Identifier: bacnet.PropObjectList, Value: values.ObjectID{Type: uint16(bacnet.ObjectAnalogInput), Instance: 7}},
		},
	}
	got, err := DecodeListElementRequest(EncodeListElementRequest(req))
	require.NoError(t, err)
	assert.Equal(t, req.Object, got.Object)
	assert.Equal(t, req.Property, got.Property)
	require.NotNil(t, got.ArrayIndex)
	assert.Equal(t, *req.ArrayIndex, *got.ArrayIndex)
	require.Len(t, got.Elements, 1)
	assert.Equal(t, req.Elements[0].Identifier, got.Elements[0].Identifier)
	assert.Equal(t, req.Elements[0].Value, got.Elements[0].Value)
}

func TestListElementRequestRoundTripNoArrayIndex(t *testing.T) {
	req := ListElementRequest{
		Object:   values.ObjectID{Type: uint16(bacnet.ObjectDevice), Instance: 1},
		Property: bacnet.PropObjectList,
		Elements: []composite.PropertyValue{
			{Identifier: bacnet.PropObjectList, Value: values.ObjectID{Type: uint16(bacnet.ObjectAnalogInput), Instance: 7}},
		},
	}
	got, err := DecodeListElementRequest(EncodeListElementRequest(req))
	require.NoError(t, err)
	assert.Nil(t, got.ArrayIndex)
}
