package notify

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hrm = device.AttributeRef{
	Service:        "0000180d-0000-1000-8000-00805f9b34fb",
	Characteristic: "00002a37-0000-1000-8000-00805f9b34fb",
}

func receive(t *testing.T, l *Listener) Notification {
	t.Helper()
	select {
	case n, ok := <-l.C():
		require.True(t, ok, "listener closed")
		return n
	case <-time.After(time.Second):
		t.Fatal("no notification")
		return Notification{}
	}
}

func assertEmpty(t *testing.T, l *Listener) {
	t.Helper()
	select {
	case n := <-l.C():
		t.Fatalf("unexpected notification %+v", n)
	default:
	}
}

func TestHub_MulticastsToAllListeners(t *testing.T) {
	hub := NewHub(8, nil, nil)
	a := hub.Subscribe(Filter{})
	b := hub.Subscribe(Filter{})
	assert.Equal(t, 2, hub.Len())

	hub.Publish(Notification{Kind: CharacteristicValue, DeviceID: "d1", Attribute: hrm, Value: []byte{0x01}})

	na := receive(t, a)
	nb := receive(t, b)
	assert.Equal(t, []byte{0x01}, na.Value)
	assert.Equal(t, []byte{0x01}, nb.Value)
	assert.False(t, na.At.IsZero())

	// each listener owns its bytes
	na.Value[0] = 0xFF
	assert.Equal(t, byte(0x01), nb.Value[0])
}

func TestHub_Filters(t *testing.T) {
	hub := NewHub(8, nil, nil)
	values := hub.Subscribe(Filter{Kinds: []Kind{CharacteristicValue}})
	d2 := hub.Subscribe(Filter{DeviceID: "d2"})
	byChar := hub.Subscribe(Filter{Characteristic: hrm.Characteristic})

	hub.Publish(Notification{Kind: DeviceFound, DeviceID: "d1"})
	hub.Publish(Notification{Kind: DeviceDisconnected, DeviceID: "d2"})
	hub.Publish(Notification{Kind: CharacteristicValue, DeviceID: "d1", Attribute: hrm, Value: []byte{1}})

	assert.Equal(t, CharacteristicValue, receive(t, values).Kind)
	assertEmpty(t, values)

	assert.Equal(t, DeviceDisconnected, receive(t, d2).Kind)
	assertEmpty(t, d2)

	assert.Equal(t, "d1", receive(t, byChar).DeviceID)
	assertEmpty(t, byChar)
}

func TestHub_SlowListenerDropsOldest(t *testing.T) {
	m := metrics.NewMetrics()
	hub := NewHub(2, nil, m)
	l := hub.Subscribe(Filter{})

	for i := byte(0); i < 5; i++ {
		hub.Publish(Notification{Kind: CharacteristicValue, DeviceID: "d1", Attribute: hrm, Value: []byte{i}})
	}

	assert.Equal(t, []byte{3}, receive(t, l).Value)
	assert.Equal(t, []byte{4}, receive(t, l).Value)
	assert.Equal(t, int64(3), l.Dropped())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.NotificationsDropped))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Notifications.WithLabelValues("characteristic_value")))
}

func TestListener_Close(t *testing.T) {
	hub := NewHub(4, nil, nil)
	l := hub.Subscribe(Filter{})
	l.Close()
	l.Close()

	assert.Equal(t, 0, hub.Len())
	_, ok := <-l.C()
	assert.False(t, ok)

	assert.NotPanics(t, func() {
		hub.Publish(Notification{Kind: DeviceFound, DeviceID: "d1"})
	})
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(4, nil, nil)
	l := hub.Subscribe(Filter{})
	hub.Close()
	hub.Close()

	_, ok := <-l.C()
	assert.False(t, ok)

	late := hub.Subscribe(Filter{})
	_, ok = <-late.C()
	assert.False(t, ok, "subscribing to a closed hub yields a closed stream")
	assert.Equal(t, 0, hub.Len())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "device_found", DeviceFound.String())
	assert.Equal(t, "device_disconnected", DeviceDisconnected.String())
	assert.Equal(t, "characteristic_value", CharacteristicValue.String())
	assert.Equal(t, "unknown", Kind(0).String())
}
