// Package metrics exposes Prometheus collectors for the correlation engine:
// request lifecycle per operation kind, transport event throughput, stray events
// and notification fan-out.
//
// All Record methods are safe on a nil *Metrics, so components can run unmetered.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "blelink"

// Outcome labels for resolved requests.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeCancelled = "cancelled"
)

// Metrics contains all engine metrics
type Metrics struct {
	RequestsRegistered *prometheus.CounterVec
	RequestsRejected   *prometheus.CounterVec
	RequestsResolved   *prometheus.CounterVec
	RequestsPending    *prometheus.GaugeVec
	RequestDuration    *prometheus.HistogramVec

	EventsReceived *prometheus.CounterVec
	StrayEvents    *prometheus.CounterVec

	Notifications        *prometheus.CounterVec
	NotificationsDropped prometheus.Counter

	ScannedDevices   prometheus.Gauge
	ConnectedDevices prometheus.Gauge

	BridgePublished *prometheus.CounterVec
}

// NewMetrics creates unregistered collectors
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsRegistered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "requests",
				Name:      "registered_total",
				Help:      "Total number of requests registered in the pending table",
			},
			[]string{"kind"},
		),

		RequestsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "requests",
				Name:      "rejected_total",
				Help:      "Total number of requests rejected before reaching the transport",
			},
			[]string{"kind", "reason"},
		),

		RequestsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "requests",
				Name:      "resolved_total",
				Help:      "Total number of requests resolved, by outcome",
			},
			[]string{"kind", "outcome"},
		),

		RequestsPending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "requests",
				Name:      "pending",
				Help:      "Requests currently awaiting a transport event",
			},
			[]string{"kind"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "requests",
				Name:      "duration_seconds",
				Help:      "Time from registration to resolution",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind"},
		),

		EventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "events_total",
				Help:      "Total number of transport events processed",
			},
			[]string{"event"},
		),

		StrayEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "stray_events_total",
				Help:      "Transport events that arrived with no pending request to resolve",
			},
			[]string{"event"},
		),

		Notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notifications",
				Name:      "emitted_total",
				Help:      "Total number of unsolicited notifications emitted",
			},
			[]string{"kind"},
		),

		NotificationsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notifications",
				Name:      "dropped_total",
				Help:      "Notifications overwritten in a slow listener's buffer",
			},
		),

		ScannedDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "scanned_devices",
				Help:      "Devices seen in the current scan session",
			},
		),

		ConnectedDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "connected_devices",
				Help:      "Devices with an established link",
			},
		),

		BridgePublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "published_total",
				Help:      "Notifications forwarded to the MQTT broker",
			},
			[]string{"status"},
		),
	}
}

// Collectors returns every collector, for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RequestsRegistered,
		m.RequestsRejected,
		m.RequestsResolved,
		m.RequestsPending,
		m.RequestDuration,
		m.EventsReceived,
		m.StrayEvents,
		m.Notifications,
		m.NotificationsDropped,
		m.ScannedDevices,
		m.ConnectedDevices,
		m.BridgePublished,
	}
}

// Register adds all collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordRegistered counts a new pending request
func (m *Metrics) RecordRegistered(kind string) {
	if m == nil {
		return
	}
	m.RequestsRegistered.WithLabelValues(kind).Inc()
	m.RequestsPending.WithLabelValues(kind).Inc()
}

// RecordRejected counts a request refused synchronously
func (m *Metrics) RecordRejected(kind, reason string) {
	if m == nil {
		return
	}
	m.RequestsRejected.WithLabelValues(kind, reason).Inc()
}

// RecordResolved counts a resolution and how long the request waited
func (m *Metrics) RecordResolved(kind, outcome string, waited time.Duration) {
	if m == nil {
		return
	}
	m.RequestsResolved.WithLabelValues(kind, outcome).Inc()
	m.RequestsPending.WithLabelValues(kind).Dec()
	m.RequestDuration.WithLabelValues(kind).Observe(waited.Seconds())
}

// RecordEvent counts a processed transport event
func (m *Metrics) RecordEvent(event string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(event).Inc()
}

// RecordStray counts a transport event nobody was waiting for
func (m *Metrics) RecordStray(event string) {
	if m == nil {
		return
	}
	m.StrayEvents.WithLabelValues(event).Inc()
}

// RecordNotification counts an emitted notification
func (m *Metrics) RecordNotification(kind string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(kind).Inc()
}

// RecordNotificationDropped counts a notification lost to a full listener buffer
func (m *Metrics) RecordNotificationDropped() {
	if m == nil {
		return
	}
	m.NotificationsDropped.Inc()
}

// RecordRegistrySize updates the registry gauges
func (m *Metrics) RecordRegistrySize(scanned, connected int) {
	if m == nil {
		return
	}
	m.ScannedDevices.Set(float64(scanned))
	m.ConnectedDevices.Set(float64(connected))
}

// RecordBridgePublish counts a bridge publish attempt
func (m *Metrics) RecordBridgePublish(ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.BridgePublished.WithLabelValues(status).Inc()
}
