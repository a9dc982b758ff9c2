package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRequestLifecycle(t *testing.T) {
	m := NewMetrics()

	m.RecordRegistered("read")
	m.RecordRegistered("read")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsPending.WithLabelValues("read")))

	m.RecordResolved("read", OutcomeSuccess, 20*time.Millisecond)
	m.RecordResolved("read", OutcomeCancelled, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsRegistered.WithLabelValues("read")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsResolved.WithLabelValues("read", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsResolved.WithLabelValues("read", OutcomeCancelled)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RequestsPending.WithLabelValues("read")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RequestDuration))
}

func TestRecordEventsAndNotifications(t *testing.T) {
	m := NewMetrics()

	m.RecordEvent("value_updated")
	m.RecordStray("value_updated")
	m.RecordRejected("connect", "duplicate")
	m.RecordNotification("characteristic_value")
	m.RecordNotificationDropped()
	m.RecordRegistrySize(3, 1)
	m.RecordBridgePublish(true)
	m.RecordBridgePublish(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsReceived.WithLabelValues("value_updated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StrayEvents.WithLabelValues("value_updated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsRejected.WithLabelValues("connect", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("characteristic_value")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsDropped))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ScannedDevices))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectedDevices))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BridgePublished.WithLabelValues("error")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRegistered("scan")
		m.RecordRejected("scan", "x")
		m.RecordResolved("scan", OutcomeSuccess, time.Millisecond)
		m.RecordEvent("e")
		m.RecordStray("e")
		m.RecordNotification("n")
		m.RecordNotificationDropped()
		m.RecordRegistrySize(1, 1)
		m.RecordBridgePublish(true)
	})
}

func TestRegistryAndHandler(t *testing.T) {
	m := NewMetrics()
	reg, err := NewRegistry(m)
	require.NoError(t, err)

	// registering twice fails
	assert.Error(t, m.Register(reg))

	m.RecordEvent("connected")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `blelink_transport_events_total{event="connected"} 1`)

	rec = httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, "OK", rec.Body.String())
}
