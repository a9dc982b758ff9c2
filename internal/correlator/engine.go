// Package correlator matches caller requests to the transport events that satisfy them.
//
// The Engine owns the device registry, the discovery-completion tracker and the
// pending-request table behind one mutex, so a table update and the resolution it
// triggers are observed atomically by every other event. Transport events are
// consumed by a single pump goroutine in arrival order. Resolver callbacks,
// notifications and follow-up transport commands produced while handling an event
// or operation run after the mutex is released, in the order they were produced.
//
// Resolution values by operation:
//
//	Scan        []device.ScanEntry
//	Connect     device.ConnectedDevice
//	Discover    []device.Service
//	Disconnect  nil
//	Read        []byte
//	Write       nil
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/discovery"
	"github.com/srg/blelink/internal/groutine"
	"github.com/srg/blelink/internal/metrics"
	"github.com/srg/blelink/internal/notify"
	"github.com/srg/blelink/internal/pending"
	"github.com/srg/blelink/internal/registry"
	"github.com/srg/blelink/internal/transport"
)

// DefaultScanTimeout applies to scans that do not set their own timeout.
const DefaultScanTimeout = 2000 * time.Millisecond

// ErrClosed is returned by operations issued after Close.
var ErrClosed = fmt.Errorf("%w: engine closed", device.ErrCancelled)

var errNoPeripheral = errors.New("connected without a peripheral handle")

// Options configures an Engine. Zero values select defaults.
type Options struct {
	Logger         *logrus.Logger
	Metrics        *metrics.Metrics
	ScanTimeout    time.Duration
	ListenerBuffer int
}

// Engine is the correlation engine. It is safe for concurrent use.
type Engine struct {
	mu        sync.Mutex
	transport transport.Transport
	registry  *registry.Registry
	tracker   *discovery.Tracker
	pending   *pending.Table
	scan      *scanSession

	enabled    bool
	stateKnown bool
	closed     bool

	hub         *notify.Hub
	logger      *logrus.Logger
	metrics     *metrics.Metrics
	scanTimeout time.Duration

	group      groutine.Group
	stopPump   context.CancelFunc
	pumpActive bool
}

// New creates an engine driving t. Call Start (or Run) to begin consuming events.
func New(t transport.Transport, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	timeout := opts.ScanTimeout
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	return &Engine{
		transport:   t,
		registry:    registry.New(),
		tracker:     discovery.NewTracker(),
		pending:     pending.NewTable(),
		hub:         notify.NewHub(opts.ListenerBuffer, logger, opts.Metrics),
		logger:      logger,
		metrics:     opts.Metrics,
		scanTimeout: timeout,
	}
}

// Start runs the event pump in the background until ctx is cancelled or Close is called.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.pumpActive || e.closed {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.stopPump = cancel
	e.pumpActive = true
	e.mu.Unlock()

	e.group.Go(ctx, "ble-event-pump", func(ctx context.Context) {
		if err := e.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.WithError(err).Warn("Event pump stopped")
		}
	})
}

// Run consumes transport events until ctx is done or the event stream closes.
func (e *Engine) Run(ctx context.Context) error {
	events := e.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				e.logger.Debug("Transport event stream closed")
				return nil
			}
			e.HandleEvent(ev)
		}
	}
}

// Close stops the pump and rejects every outstanding request with ErrCancelled.
// Listeners are closed. Idempotent. Close waits for the pump, so it must not be
// called from a resolver.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.scan != nil {
		e.scan.timer.Stop()
		e.scan = nil
	}
	deliveries := e.pending.CancelAll(device.ErrCancelled)
	stop := e.stopPump
	e.mu.Unlock()

	if stop != nil {
		stop()
	}
	e.group.Wait()

	if len(deliveries) > 0 {
		e.logger.WithField("requests", len(deliveries)).Info("Cancelled outstanding requests on close")
	}
	for _, d := range deliveries {
		e.deliver(d)
	}
	e.hub.Close()
	return nil
}

// Listen attaches a notification listener.
func (e *Engine) Listen(filter notify.Filter) *notify.Listener {
	return e.hub.Subscribe(filter)
}

// Abandon rejects the request named by ticket with reason, if it is still outstanding.
// A newer request registered under the same key is never affected.
func (e *Engine) Abandon(ticket pending.Ticket, reason error) error {
	if !ticket.Valid() {
		return fmt.Errorf("%w: invalid ticket", device.ErrNoPendingRequest)
	}
	if reason == nil {
		reason = device.ErrCancelled
	}

	fx := &effects{}
	e.mu.Lock()
	err := e.cancelTicketLocked(fx, ticket, reason)
	e.mu.Unlock()
	fx.run()
	return err
}

// ScanResults returns the entries of the current (or most recent) scan session in first-seen order.
func (e *Engine) ScanResults() []device.ScanEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.Snapshot()
}

// ConnectedDevices returns the connected devices sorted by identity.
func (e *Engine) ConnectedDevices() []device.ConnectedDevice {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := e.registry.ConnectedIDs()
	out := make([]device.ConnectedDevice, 0, len(ids))
	for _, id := range ids {
		d, _ := e.registry.LookupConnected(id)
		out = append(out, d)
	}
	return out
}

// PendingCount returns the number of outstanding requests.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending.Len()
}

// effects collects work that must run after the engine mutex is released.
type effects struct {
	actions []func()
}

func (fx *effects) do(f func()) {
	fx.actions = append(fx.actions, f)
}

func (fx *effects) run() {
	for _, a := range fx.actions {
		a()
	}
}

func (e *Engine) deliverLater(fx *effects, d pending.Delivery) {
	fx.do(func() { e.deliver(d) })
}

func (e *Engine) notifyLater(fx *effects, n notify.Notification) {
	fx.do(func() { e.hub.Publish(n) })
}

// deliver records the resolution and hands it to the resolver. Must not be called under e.mu.
func (e *Engine) deliver(d pending.Delivery) {
	outcome := metrics.OutcomeSuccess
	if err := d.Outcome.Err; err != nil {
		outcome = metrics.OutcomeFailure
		if errors.Is(err, device.ErrCancelled) || (errors.Is(err, device.ErrDisconnected) && !errors.Is(err, device.ErrTransportFailure)) {
			outcome = metrics.OutcomeCancelled
		}
	}
	e.metrics.RecordResolved(d.Key.Kind.String(), outcome, d.Waited)

	e.logger.WithFields(logrus.Fields{
		"request": d.Key.String(),
		"device":  d.Target,
		"outcome": outcome,
		"waited":  d.Waited,
	}).Debug("Request resolved")
	d.Deliver()
}

// resolveDetached hands r an outcome that never entered the pending table.
// The resolver runs on its own goroutine, after the issuing call has returned.
func (e *Engine) resolveDetached(kind pending.Kind, r pending.Resolver, o pending.Outcome) {
	groutine.Go(context.Background(), "ble-resolve-"+kind.String(), func(context.Context) { r(o) })
}

// register adds a request to the pending table. Caller holds e.mu.
func (e *Engine) registerLocked(key pending.Key, target string, r pending.Resolver) (pending.Ticket, error) {
	ticket, err := e.pending.Register(key, target, r)
	if err != nil {
		if !errors.Is(err, device.ErrDuplicateRequest) {
			return pending.Ticket{}, e.reject(key.Kind, err)
		}
		e.metrics.RecordRejected(key.Kind.String(), "duplicate")
		return pending.Ticket{}, err
	}
	e.metrics.RecordRegistered(key.Kind.String())
	return ticket, nil
}

// reject records a synchronous validation failure.
func (e *Engine) reject(kind pending.Kind, err error) error {
	reason := "validation"
	switch {
	case errors.Is(err, device.ErrUnknownDevice):
		reason = "unknown_device"
	case errors.Is(err, device.ErrAttributeNotFound):
		reason = "attribute_not_found"
	case errors.Is(err, device.ErrInvalidIdentifier):
		reason = "invalid_identifier"
	case errors.Is(err, device.ErrMissingParameter):
		reason = "missing_parameter"
	case errors.Is(err, device.ErrCancelled):
		reason = "closed"
	}
	e.metrics.RecordRejected(kind.String(), reason)
	return err
}

// cancelTicketLocked rejects the ticket's request and tears down any scan session it owns.
func (e *Engine) cancelTicketLocked(fx *effects, ticket pending.Ticket, reason error) error {
	d, err := e.pending.Cancel(ticket, reason)
	if err != nil {
		return err
	}
	if ticket.Key.Kind == pending.KindScan && e.scan != nil && e.scan.ticket == ticket {
		e.scan.timer.Stop()
		e.scan = nil
		fx.do(e.stopRadioScan)
	}
	if ticket.Key.Kind == pending.KindDiscover {
		e.tracker.Discard(d.Target)
	}
	e.deliverLater(fx, d)
	return nil
}

// failIssued rejects a request whose transport command could not be issued.
func (e *Engine) failIssued(ticket pending.Ticket, op string, cause error) {
	e.logger.WithFields(logrus.Fields{
		"request": ticket.Key.String(),
		"error":   cause,
	}).Warn("Transport rejected command")

	fx := &effects{}
	e.mu.Lock()
	_ = e.cancelTicketLocked(fx, ticket, device.NewTransportError(op, cause))
	e.mu.Unlock()
	fx.run()
}

func (e *Engine) recordRegistrySizeLocked() {
	e.metrics.RecordRegistrySize(e.registry.ScannedLen(), e.registry.ConnectedLen())
}

func (e *Engine) checkOpenLocked() error {
	if e.closed {
		return ErrClosed
	}
	return nil
}

// connectedLocked looks up a connected device by normalized id.
func (e *Engine) connectedLocked(id string) (device.ConnectedDevice, error) {
	d, ok := e.registry.LookupConnected(id)
	if !ok {
		return device.ConnectedDevice{}, &device.UnknownDeviceError{ID: id, State: device.StateConnected}
	}
	return d, nil
}
