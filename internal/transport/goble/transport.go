// Package goble implements transport.Transport on top of github.com/go-ble/ble.
//
// Every command returns immediately. Scans run on their own goroutine, and each
// connection owns a worker that executes its GATT commands in order, so results
// for one device are reported in the order they were requested.
package goble

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/groutine"
	"github.com/srg/blelink/internal/transport"
)

const (
	// DefaultConnectTimeout bounds a single dial attempt
	DefaultConnectTimeout = 30 * time.Second

	// DefaultEventBuffer is the capacity of the event stream
	DefaultEventBuffer = 256

	// DefaultNotifyTimeout bounds a CCCD write issued by SetNotify
	DefaultNotifyTimeout = 10 * time.Second
)

// Options configures a Transport. Zero values select defaults.
type Options struct {
	Logger         *logrus.Logger
	ConnectTimeout time.Duration
	EventBuffer    int
	// NewRadio opens the adapter; defaults to the platform device.
	NewRadio func() (Radio, error)
}

// Transport drives a go-ble device.
type Transport struct {
	logger         *logrus.Logger
	connectTimeout time.Duration
	newRadio       func() (Radio, error)

	mu         sync.Mutex
	radio      Radio
	radioErr   error
	scanCancel context.CancelFunc
	dialing    map[string]context.CancelFunc
	links      map[string]*link

	events chan transport.Event
	emitMu sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	group  groutine.Group
}

var _ transport.Transport = (*Transport)(nil)

// New creates a transport. The adapter is opened lazily on first use.
func New(opts Options) *Transport {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	newRadio := opts.NewRadio
	if newRadio == nil {
		newRadio = NewRadio
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		logger:         logger,
		connectTimeout: timeout,
		newRadio:       newRadio,
		dialing:        make(map[string]context.CancelFunc),
		links:          make(map[string]*link),
		events:         make(chan transport.Event, buffer),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// acquireRadio opens the adapter once; a failed open is retried on the next call.
func (t *Transport) acquireRadio() (Radio, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acquireRadioLocked()
}

func (t *Transport) acquireRadioLocked() (Radio, error) {
	if t.radio != nil {
		return t.radio, nil
	}
	r, err := t.newRadio()
	if err != nil {
		t.radioErr = NormalizeError(err)
		return nil, t.radioErr
	}
	t.radio, t.radioErr = r, nil
	return r, nil
}

// Available reports whether the adapter could be opened.
func (t *Transport) Available() bool {
	_, err := t.acquireRadio()
	if err == nil {
		return true
	}
	// a powered-off adapter is present but disabled
	return errors.Is(err, device.ErrBluetoothOff)
}

// Enabled reports whether the adapter is open and powered.
func (t *Transport) Enabled() bool {
	_, err := t.acquireRadio()
	return err == nil
}

// Enable retries opening the adapter. Powering the radio on is left to the platform.
func (t *Transport) Enable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.acquireRadio()
	return err
}

// StartScan begins reporting advertisements. A scan already running is replaced.
func (t *Transport) StartScan(filter transport.ScanFilter) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ctx.Err() != nil {
		return device.ErrCancelled
	}
	r, err := t.acquireRadioLocked()
	if err != nil {
		return err
	}
	if t.scanCancel != nil {
		t.scanCancel()
	}
	ctx, cancel := context.WithCancel(t.ctx)
	t.scanCancel = cancel

	t.group.Go(ctx, "ble-scan", func(ctx context.Context) {
		err := r.Scan(ctx, filter.AllowDuplicates, func(a ble.Advertisement) {
			t.emit(transport.DeviceDiscovered{
				Device:        a.Addr().String(),
				LocalName:     a.LocalName(),
				RSSI:          a.RSSI(),
				Advertisement: convertAdvertisement(a),
			})
		})
		if err != nil && !isContextDone(err) {
			t.logger.WithError(err).Warn("Scan ended with error")
			t.emit(transport.ScanStopped{Err: err})
		}
	})
	t.logger.WithField("allow_duplicates", filter.AllowDuplicates).Debug("Scan started")
	return nil
}

// StopScan ends the running scan, if any.
func (t *Transport) StopScan() error {
	t.mu.Lock()
	cancel := t.scanCancel
	t.scanCancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		t.logger.Debug("Scan stopped")
	}
	return nil
}

// Connect dials deviceID in the background and reports Connected.
func (t *Transport) Connect(deviceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ctx.Err() != nil {
		return device.ErrCancelled
	}
	r, err := t.acquireRadioLocked()
	if err != nil {
		return err
	}
	if _, busy := t.dialing[deviceID]; busy {
		return device.ErrDuplicateRequest
	}
	if l, ok := t.links[deviceID]; ok {
		t.group.Go(t.ctx, "ble-connect", func(context.Context) {
			t.emit(transport.Connected{Device: deviceID, Peripheral: l})
		})
		return nil
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.connectTimeout)
	t.dialing[deviceID] = cancel

	t.group.Go(ctx, "ble-connect", func(ctx context.Context) {
		defer cancel()
		client, err := r.Dial(ctx, deviceID)

		t.mu.Lock()
		delete(t.dialing, deviceID)
		t.mu.Unlock()

		if err != nil {
			t.logger.WithFields(logrus.Fields{"device": deviceID, "error": err}).Warn("Failed to dial BLE device")
			t.emit(transport.Connected{Device: deviceID, Err: err})
			return
		}
		l := t.attach(deviceID, client)
		t.emit(transport.Connected{Device: deviceID, Peripheral: l})
	})
	return nil
}

// attach registers a freshly dialed client and starts its worker and link monitor.
func (t *Transport) attach(deviceID string, client GATTClient) *link {
	l := newLink(t.ctx, deviceID, client, t.logger)

	t.mu.Lock()
	t.links[deviceID] = l
	t.mu.Unlock()

	l.run(&t.group)

	if n, ok := client.(disconnectNotifier); ok {
		t.group.Go(l.ctx, "ble-link-monitor", func(ctx context.Context) {
			select {
			case <-n.Disconnected():
				t.logger.WithField("device", deviceID).Warn("Link lost")
				t.detach(l, device.ErrDisconnected)
			case <-ctx.Done():
			}
		})
	} else {
		t.logger.Debug("Client does not report link loss")
	}

	t.logger.WithField("device", deviceID).Info("BLE device connected")
	return l
}

// detach removes l and reports Disconnected exactly once.
func (t *Transport) detach(l *link, cause error) {
	if !l.close(cause) {
		return
	}
	t.mu.Lock()
	if t.links[l.id] == l {
		delete(t.links, l.id)
	}
	t.mu.Unlock()

	var reported error
	if !errors.Is(cause, context.Canceled) {
		reported = cause
	}
	t.emit(transport.Disconnected{Device: l.id, Err: reported})
}

func (t *Transport) linkFor(deviceID string) (*link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[deviceID]
	if !ok {
		return nil, &device.UnknownDeviceError{ID: deviceID, State: device.StateConnected}
	}
	return l, nil
}

// Disconnect cancels the connection and reports Disconnected.
func (t *Transport) Disconnect(deviceID string) error {
	t.mu.Lock()
	if cancel, ok := t.dialing[deviceID]; ok {
		cancel()
		t.mu.Unlock()
		return nil
	}
	l, ok := t.links[deviceID]
	t.mu.Unlock()
	if !ok {
		return &device.UnknownDeviceError{ID: deviceID, State: device.StateConnected}
	}

	t.group.Go(t.ctx, "ble-disconnect", func(context.Context) {
		t.teardown(l)
		t.detach(l, context.Canceled)
	})
	return nil
}

// teardown unsubscribes and cancels the client connection.
func (t *Transport) teardown(l *link) {
	for _, c := range l.subscriptions() {
		if err := NormalizeError(l.client.Unsubscribe(c.char, c.indicate)); err != nil {
			t.logger.WithError(err).WithField("device", l.id).Debug("Failed to unsubscribe during disconnect")
		}
	}
	if err := NormalizeError(l.client.CancelConnection()); err != nil {
		t.logger.WithError(err).WithField("device", l.id).Warn("BLE device disconnected with errors")
	}
}

// DiscoverServices enumerates the primary services of a connected device.
func (t *Transport) DiscoverServices(deviceID string) error {
	l, err := t.linkFor(deviceID)
	if err != nil {
		return err
	}
	return l.enqueue(func() {
		svcs, err := l.client.DiscoverServices(nil)
		if err != nil {
			t.emit(transport.ServicesDiscovered{Device: deviceID, Err: NormalizeError(err)})
			return
		}
		ids := l.setServices(svcs)
		t.logger.WithFields(logrus.Fields{"device": deviceID, "services": len(ids)}).Debug("Services discovered")
		t.emit(transport.ServicesDiscovered{Device: deviceID, Services: ids})
	})
}

// DiscoverCharacteristics enumerates the characteristics and descriptors of one service.
func (t *Transport) DiscoverCharacteristics(deviceID, serviceID string) error {
	l, err := t.linkFor(deviceID)
	if err != nil {
		return err
	}
	return l.enqueue(func() {
		svc, ok := l.service(serviceID)
		if !ok {
			t.emit(transport.CharacteristicsDiscovered{
				Device:  deviceID,
				Service: serviceID,
				Err:     &device.NotFoundError{Resource: "service", UUIDs: []string{serviceID}},
			})
			return
		}
		chars, err := l.client.DiscoverCharacteristics(nil, svc.svc)
		if err != nil {
			t.emit(transport.CharacteristicsDiscovered{Device: deviceID, Service: serviceID, Err: NormalizeError(err)})
			return
		}

		// descriptors are best effort; some stacks cannot enumerate them
		descriptors := make(map[*ble.Characteristic][]string, len(chars))
		for _, c := range chars {
			ds, err := l.client.DiscoverDescriptors(nil, c)
			if err != nil {
				t.logger.WithError(err).WithField("characteristic", c.UUID.String()).Debug("Descriptor discovery failed")
				continue
			}
			ids := make([]string, 0, len(ds))
			for _, d := range ds {
				if id, err := device.Canonicalize(d.UUID.String()); err == nil {
					ids = append(ids, id)
				}
			}
			descriptors[c] = ids
		}

		l.setCharacteristics(serviceID, chars, descriptors)
		t.emit(transport.CharacteristicsDiscovered{Device: deviceID, Service: serviceID})
	})
}

// ReadValue reads a characteristic and reports ValueUpdated.
func (t *Transport) ReadValue(deviceID string, ref device.AttributeRef) error {
	l, err := t.linkFor(deviceID)
	if err != nil {
		return err
	}
	return l.enqueue(func() {
		ev := transport.ValueUpdated{Device: deviceID, Service: ref.Service, Characteristic: ref.Characteristic}
		c, err := l.characteristic(ref)
		if err != nil {
			ev.Err = err
			t.emit(ev)
			return
		}
		data, err := l.client.ReadCharacteristic(c.char)
		ev.Value, ev.Err = data, NormalizeError(err)
		t.emit(ev)
	})
}

// WriteValue writes a characteristic. With ackRequired a write request is issued
// and WriteCompleted reported; otherwise a write command is sent and nothing is reported.
func (t *Transport) WriteValue(deviceID string, ref device.AttributeRef, value []byte, ackRequired bool) error {
	l, err := t.linkFor(deviceID)
	if err != nil {
		return err
	}
	data := append([]byte(nil), value...)
	return l.enqueue(func() {
		c, err := l.characteristic(ref)
		if err == nil {
			err = NormalizeError(l.client.WriteCharacteristic(c.char, data, !ackRequired))
		}
		if ackRequired {
			t.emit(transport.WriteCompleted{Device: deviceID, Service: ref.Service, Characteristic: ref.Characteristic, Err: err})
		} else if err != nil {
			t.logger.WithError(err).WithField("device", deviceID).Warn("Write without response failed")
		}
	})
}

// SetNotify enables or disables notifications and waits for the CCCD write.
// Indications are used when the characteristic does not support notifications.
func (t *Transport) SetNotify(deviceID string, ref device.AttributeRef, enabled bool) error {
	l, err := t.linkFor(deviceID)
	if err != nil {
		return err
	}
	c, err := l.characteristic(ref)
	if err != nil {
		return err
	}
	props := device.Properties(c.char.Property)
	indicate := !props.Has(device.PropNotify) && props.Has(device.PropIndicate)

	ctx, cancel := context.WithTimeout(t.ctx, DefaultNotifyTimeout)
	defer cancel()

	return l.call(ctx, func() error {
		if !enabled {
			if err := NormalizeError(l.client.Unsubscribe(c.char, c.indicate)); err != nil {
				return err
			}
			l.markSubscribed(c, false, false)
			return nil
		}
		err := l.client.Subscribe(c.char, indicate, func(data []byte) {
			t.emit(transport.ValueUpdated{
				Device:         deviceID,
				Service:        ref.Service,
				Characteristic: ref.Characteristic,
				Value:          append([]byte(nil), data...),
			})
		})
		if err != nil {
			return NormalizeError(err)
		}
		l.markSubscribed(c, true, indicate)
		return nil
	})
}

// Events returns the event stream. It is closed by Close.
func (t *Transport) Events() <-chan transport.Event {
	return t.events
}

// emit delivers ev unless the transport is closing.
func (t *Transport) emit(ev transport.Event) {
	t.emitMu.RLock()
	defer t.emitMu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

// Close stops scanning, drops every connection, stops the adapter and closes the event stream.
func (t *Transport) Close() error {
	t.cancel()

	t.emitMu.Lock()
	if t.closed {
		t.emitMu.Unlock()
		return nil
	}
	t.closed = true
	t.emitMu.Unlock()

	t.mu.Lock()
	links := make([]*link, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.links = make(map[string]*link)
	radio := t.radio
	t.mu.Unlock()

	for _, l := range links {
		l.close(context.Canceled)
		t.teardown(l)
	}
	t.group.Wait()
	close(t.events)

	if radio != nil {
		return radio.Stop()
	}
	return nil
}
