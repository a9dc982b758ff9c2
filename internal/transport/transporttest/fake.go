// Package transporttest provides an in-memory transport.Transport that records
// commands and lets tests emit synthetic events without a radio.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/transport"
)

// Command names recorded by Transport.
const (
	OpStartScan               = "StartScan"
	OpStopScan                = "StopScan"
	OpConnect                 = "Connect"
	OpDisconnect              = "Disconnect"
	OpDiscoverServices        = "DiscoverServices"
	OpDiscoverCharacteristics = "DiscoverCharacteristics"
	OpReadValue               = "ReadValue"
	OpWriteValue              = "WriteValue"
	OpSetNotify               = "SetNotify"
	OpEnable                  = "Enable"
)

// Call is one recorded command.
type Call struct {
	Op        string
	Device    string
	Service   string
	Attribute device.AttributeRef
	Value     []byte
	Flag      bool // ackRequired for writes, enabled for SetNotify, allowDuplicates for scans
	Filter    transport.ScanFilter
}

// Transport is a scriptable transport.Transport.
type Transport struct {
	mu        sync.Mutex
	calls     []Call
	failures  map[string]error
	available bool
	enabled   bool
	events    chan transport.Event
	notify    chan struct{}
	closeOnce sync.Once
}

var _ transport.Transport = (*Transport)(nil)

// New returns an available, enabled fake with a buffered event stream.
func New() *Transport {
	return &Transport{
		failures:  make(map[string]error),
		available: true,
		enabled:   true,
		events:    make(chan transport.Event, 256),
		notify:    make(chan struct{}, 1),
	}
}

// FailNext makes every subsequent call of op return err synchronously. A nil err clears it.
func (t *Transport) FailNext(op string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.failures, op)
		return
	}
	t.failures[op] = err
}

// SetAvailable sets what Available reports.
func (t *Transport) SetAvailable(v bool) {
	t.mu.Lock()
	t.available = v
	t.mu.Unlock()
}

// SetEnabled sets what Enabled reports.
func (t *Transport) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}

// Emit pushes an event onto the stream.
func (t *Transport) Emit(ev transport.Event) {
	t.events <- ev
}

// Close closes the event stream.
func (t *Transport) Close() {
	t.closeOnce.Do(func() { close(t.events) })
}

// Calls returns a copy of all recorded commands.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// CallsFor returns the recorded commands named op.
func (t *Transport) CallsFor(op string) []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Call
	for _, c := range t.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many times op was called.
func (t *Transport) Count(op string) int {
	return len(t.CallsFor(op))
}

// WaitFor blocks until op has been called at least n times or the timeout elapses.
func (t *Transport) WaitFor(op string, n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if t.Count(op) >= n {
			return true
		}
		select {
		case <-t.notify:
		case <-deadline.C:
			return t.Count(op) >= n
		}
	}
}

// Reset forgets recorded commands.
func (t *Transport) Reset() {
	t.mu.Lock()
	t.calls = nil
	t.mu.Unlock()
}

func (t *Transport) record(c Call) error {
	t.mu.Lock()
	t.calls = append(t.calls, c)
	err := t.failures[c.Op]
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}
	return err
}

func (t *Transport) Available() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.available
}

func (t *Transport) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Transport) Enable(_ context.Context) error {
	if err := t.record(Call{Op: OpEnable}); err != nil {
		return err
	}
	t.SetEnabled(true)
	return nil
}

func (t *Transport) StartScan(filter transport.ScanFilter) error {
	return t.record(Call{Op: OpStartScan, Filter: filter, Flag: filter.AllowDuplicates})
}

func (t *Transport) StopScan() error {
	return t.record(Call{Op: OpStopScan})
}

func (t *Transport) Connect(deviceID string) error {
	return t.record(Call{Op: OpConnect, Device: deviceID})
}

func (t *Transport) Disconnect(deviceID string) error {
	return t.record(Call{Op: OpDisconnect, Device: deviceID})
}

func (t *Transport) DiscoverServices(deviceID string) error {
	return t.record(Call{Op: OpDiscoverServices, Device: deviceID})
}

func (t *Transport) DiscoverCharacteristics(deviceID, serviceID string) error {
	return t.record(Call{Op: OpDiscoverCharacteristics, Device: deviceID, Service: serviceID})
}

func (t *Transport) ReadValue(deviceID string, ref device.AttributeRef) error {
	return t.record(Call{Op: OpReadValue, Device: deviceID, Attribute: ref})
}

func (t *Transport) WriteValue(deviceID string, ref device.AttributeRef, value []byte, ackRequired bool) error {
	return t.record(Call{Op: OpWriteValue, Device: deviceID, Attribute: ref, Value: append([]byte(nil), value...), Flag: ackRequired})
}

func (t *Transport) SetNotify(deviceID string, ref device.AttributeRef, enabled bool) error {
	return t.record(Call{Op: OpSetNotify, Device: deviceID, Attribute: ref, Flag: enabled})
}

func (t *Transport) Events() <-chan transport.Event {
	return t.events
}

// Peripheral is a device.Peripheral with a mutable service table.
type Peripheral struct {
	mu       sync.RWMutex
	id       string
	services []device.Service
}

var _ device.Peripheral = (*Peripheral)(nil)

func NewPeripheral(id string, services ...device.Service) *Peripheral {
	return &Peripheral{id: id, services: services}
}

func (p *Peripheral) ID() string { return p.id }

func (p *Peripheral) Services() []device.Service {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]device.Service(nil), p.services...)
}

// SetServices replaces the service table.
func (p *Peripheral) SetServices(services ...device.Service) {
	p.mu.Lock()
	p.services = services
	p.mu.Unlock()
}
