package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHub(t *testing.T) *notify.Hub {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	hub := notify.NewHub(8, logger, nil)
	t.Cleanup(hub.Close)
	return hub
}

func valueAt(v []byte) notify.Notification {
	return notify.Notification{
		Kind:      notify.CharacteristicValue,
		DeviceID:  "aa:01",
		Attribute: device.AttributeRef{Service: svcHeartRate, Characteristic: chrMeasure},
		Value:     v,
		At:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPrintNotifications_StopsAtCount(t *testing.T) {
	hub := testHub(t)
	l := hub.Subscribe(notify.Filter{})
	hub.Publish(valueAt([]byte{0x00, 0x48}))
	hub.Publish(valueAt([]byte{0x00, 0x49}))
	hub.Publish(valueAt([]byte{0x00, 0x4a}))

	var buf bytes.Buffer
	require.NoError(t, printNotifications(make(chan struct{}), &buf, l, 2, false))
	assert.Equal(t, "12:00:00.000 2a37: 0048\n12:00:00.000 2a37: 0049\n", buf.String())
}

func TestPrintNotifications_ReportsErrors(t *testing.T) {
	hub := testHub(t)
	l := hub.Subscribe(notify.Filter{})
	failed := valueAt(nil)
	failed.Err = device.NewTransportError("subscribe", assert.AnError)
	hub.Publish(failed)
	hub.Publish(valueAt([]byte("ok")))

	var buf bytes.Buffer
	require.NoError(t, printNotifications(make(chan struct{}), &buf, l, 1, false))
	assert.Contains(t, buf.String(), "2a37: error: subscribe:")
	assert.Contains(t, buf.String(), "2a37: ok\n")
}

func TestPrintNotifications_ConnectionLost(t *testing.T) {
	hub := testHub(t)
	l := hub.Subscribe(notify.Filter{})
	hub.Publish(notify.Notification{Kind: notify.DeviceDisconnected, DeviceID: "aa:01", Err: device.ErrDisconnected})

	err := printNotifications(make(chan struct{}), &bytes.Buffer{}, l, 0, false)
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestPrintNotifications_Done(t *testing.T) {
	hub := testHub(t)
	l := hub.Subscribe(notify.Filter{})
	done := make(chan struct{})
	close(done)

	assert.NoError(t, printNotifications(done, &bytes.Buffer{}, l, 0, false))
}
