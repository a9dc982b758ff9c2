// Package notify multicasts unsolicited notifications (device found, device
// disconnected, characteristic value) to any number of listeners.
//
// Publishing never blocks: each listener owns a bounded ring buffer and a slow
// listener loses its oldest notifications rather than stalling the publisher.
package notify

import (
	"bytes"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/metrics"
	"github.com/srg/blelink/internal/ringchan"
)

// Kind is the notification type.
type Kind uint8

const (
	DeviceFound Kind = iota + 1
	DeviceDisconnected
	CharacteristicValue
)

func (k Kind) String() string {
	switch k {
	case DeviceFound:
		return "device_found"
	case DeviceDisconnected:
		return "device_disconnected"
	case CharacteristicValue:
		return "characteristic_value"
	default:
		return "unknown"
	}
}

// Notification is one unsolicited event for the caller.
type Notification struct {
	Kind      Kind
	DeviceID  string
	Entry     device.ScanEntry    // DeviceFound
	Attribute device.AttributeRef // CharacteristicValue
	Value     []byte              // CharacteristicValue
	Err       error               // DeviceDisconnected: the link error, nil for a requested disconnect
	At        time.Time
}

// Filter selects notifications for a listener. Zero fields match everything.
type Filter struct {
	Kinds          []Kind
	DeviceID       string
	Characteristic string // canonical characteristic id
}

func (f Filter) matches(n Notification) bool {
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == n.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.DeviceID != "" && f.DeviceID != n.DeviceID {
		return false
	}
	if f.Characteristic != "" && (n.Kind != CharacteristicValue || f.Characteristic != n.Attribute.Characteristic) {
		return false
	}
	return true
}

// Listener receives the notifications that match its filter.
type Listener struct {
	id     uint64
	hub    *Hub
	filter Filter
	ch     *ringchan.RingChannel[Notification]
}

// C returns the notification stream. It is closed when the listener or hub is closed.
func (l *Listener) C() <-chan Notification {
	return l.ch.C()
}

// Dropped returns how many notifications were overwritten before this listener read them.
func (l *Listener) Dropped() int64 {
	return l.ch.GetMetrics().Overwritten
}

// Close detaches the listener from the hub and closes its stream. Idempotent.
func (l *Listener) Close() {
	l.hub.listeners.Del(l.id)
	l.ch.Close()
}

// Hub fans notifications out to listeners.
type Hub struct {
	listeners *hashmap.Map[uint64, *Listener]
	nextID    atomic.Uint64
	buffer    int
	closed    atomic.Bool
	logger    *logrus.Logger
	metrics   *metrics.Metrics
}

// NewHub creates a hub whose listeners buffer up to buffer notifications each.
func NewHub(buffer int, logger *logrus.Logger, m *metrics.Metrics) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Hub{
		listeners: hashmap.New[uint64, *Listener](),
		buffer:    buffer,
		logger:    logger,
		metrics:   m,
	}
}

// Subscribe registers a listener. On a closed hub the listener's stream is already closed.
func (h *Hub) Subscribe(filter Filter) *Listener {
	l := &Listener{
		id:     h.nextID.Add(1),
		hub:    h,
		filter: filter,
		ch:     ringchan.New[Notification](h.buffer),
	}
	if h.closed.Load() {
		l.ch.Close()
		return l
	}
	h.listeners.Set(l.id, l)
	return l
}

// Publish delivers n to every matching listener without blocking.
// Each listener gets its own copy of the value bytes.
func (h *Hub) Publish(n Notification) {
	if h.closed.Load() {
		return
	}
	if n.At.IsZero() {
		n.At = time.Now()
	}
	h.metrics.RecordNotification(n.Kind.String())

	h.listeners.Range(func(id uint64, l *Listener) bool {
		if !l.filter.matches(n) {
			return true
		}
		out := n
		if n.Value != nil {
			out.Value = bytes.Clone(n.Value)
		}
		if dropped := l.ch.Send(out); dropped {
			h.metrics.RecordNotificationDropped()
			h.logger.WithFields(logrus.Fields{
				"listener": id,
				"kind":     n.Kind.String(),
				"device":   n.DeviceID,
			}).Debug("Listener buffer full, dropped oldest notification")
		}
		return true
	})
}

// Len returns the number of attached listeners.
func (h *Hub) Len() int {
	return h.listeners.Len()
}

// Close detaches and closes every listener. Later publishes are ignored.
func (h *Hub) Close() {
	if h.closed.Swap(true) {
		return
	}
	var all []*Listener
	h.listeners.Range(func(_ uint64, l *Listener) bool {
		all = append(all, l)
		return true
	})
	for _, l := range all {
		l.Close()
	}
}
