package correlator

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/notify"
	"github.com/srg/blelink/internal/pending"
	"github.com/srg/blelink/internal/transport"
)

// HandleEvent applies one transport event. Run calls it for every event on the
// stream; tests and custom pumps may call it directly, from one goroutine at a time.
func (e *Engine) HandleEvent(ev transport.Event) {
	e.metrics.RecordEvent(ev.Name())

	var id string
	if raw := ev.DeviceID(); raw != "" {
		var err error
		if id, err = device.NormalizeDeviceID(raw); err != nil {
			e.logger.WithError(err).WithField("event", ev.Name()).Warn("Dropping event with invalid device id")
			e.metrics.RecordStray(ev.Name())
			return
		}
	}

	fx := &effects{}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	switch ev := ev.(type) {
	case transport.DeviceDiscovered:
		e.onDeviceDiscovered(fx, ev, id)
	case transport.Connected:
		e.onConnected(fx, ev, id)
	case transport.Disconnected:
		e.onDisconnected(fx, ev, id)
	case transport.ServicesDiscovered:
		e.onServicesDiscovered(fx, ev, id)
	case transport.CharacteristicsDiscovered:
		e.onCharacteristicsDiscovered(fx, ev, id)
	case transport.ValueUpdated:
		e.onValueUpdated(fx, ev, id)
	case transport.WriteCompleted:
		e.onWriteCompleted(fx, ev, id)
	case transport.ScanStopped:
		e.onScanStopped(fx, ev)
	case transport.StateChanged:
		e.onStateChanged(ev)
	default:
		e.strayLocked(ev, "unsupported event")
	}
	e.mu.Unlock()

	fx.run()
}

// strayLocked records an event that had nothing waiting for it.
func (e *Engine) strayLocked(ev transport.Event, reason string) {
	e.metrics.RecordStray(ev.Name())
	e.logger.WithFields(logrus.Fields{
		"event":  ev.Name(),
		"device": ev.DeviceID(),
		"reason": reason,
	}).Debug("No pending request for event")
}

// resolveLocked resolves key if it is outstanding for target. Reports whether it was.
func (e *Engine) resolveLocked(fx *effects, key pending.Key, target string, outcome pending.Outcome) bool {
	if owner, ok := e.pending.Target(key); !ok || owner != target {
		return false
	}
	d, err := e.pending.Resolve(key, outcome)
	if err != nil {
		return false
	}
	e.deliverLater(fx, d)
	return true
}

func (e *Engine) onConnected(fx *effects, ev transport.Connected, id string) {
	key := pending.DeviceKey(pending.KindConnect)
	if ev.Err != nil {
		if !e.resolveLocked(fx, key, id, pending.Failure(device.NewTransportError("connect", ev.Err))) {
			e.strayLocked(ev, "connect failure with no waiter")
		}
		return
	}

	if ev.Peripheral == nil {
		e.logger.WithField("device", id).Warn("Connection reported without a peripheral handle")
		if !e.resolveLocked(fx, key, id, pending.Failure(device.NewTransportError("connect", errNoPeripheral))) {
			e.strayLocked(ev, "connection without peripheral")
		}
		return
	}

	d, err := e.registry.MarkConnected(id, ev.Peripheral)
	if err != nil {
		e.logger.WithError(err).WithField("device", id).Warn("Connection reported for unknown device")
		e.resolveLocked(fx, key, id, pending.Failure(err))
		e.metrics.RecordStray(ev.Name())
		return
	}
	e.recordRegistrySizeLocked()
	e.logger.WithField("device", id).Info("Device connected")

	if !e.resolveLocked(fx, key, id, pending.Success(d)) {
		e.strayLocked(ev, "unsolicited connection")
	}
}

func (e *Engine) onDisconnected(fx *effects, ev transport.Disconnected, id string) {
	_, wasConnected := e.registry.MarkDisconnected(id)
	e.tracker.Discard(id)
	e.recordRegistrySizeLocked()

	log := e.logger.WithField("device", id)
	if ev.Err != nil {
		log = log.WithError(ev.Err)
	}
	if wasConnected {
		log.Info("Device disconnected")
	}

	matched := e.resolveLocked(fx, pending.DeviceKey(pending.KindDisconnect), id, pending.Success(nil))

	cause := ev.Err
	if cause == nil {
		cause = device.ErrDisconnected
	}
	if e.resolveLocked(fx, pending.DeviceKey(pending.KindConnect), id, pending.Failure(device.NewTransportError("connect", cause))) {
		matched = true
	}
	if e.resolveLocked(fx, pending.DeviceKey(pending.KindDiscover), id, pending.Failure(device.ErrDisconnected)) {
		matched = true
	}

	cancelled := e.pending.CancelWhere(func(k pending.Key, target string) bool {
		return k.Kind.AttributeScoped() && target == id
	}, device.ErrDisconnected)
	for _, d := range cancelled {
		e.deliverLater(fx, d)
	}
	if len(cancelled) > 0 {
		log.WithField("requests", len(cancelled)).Debug("Cancelled characteristic requests on disconnect")
		matched = true
	}

	if wasConnected {
		e.notifyLater(fx, notify.Notification{Kind: notify.DeviceDisconnected, DeviceID: id, Err: ev.Err})
	} else if !matched {
		e.strayLocked(ev, "device was not connected")
	}
}

func (e *Engine) onServicesDiscovered(fx *effects, ev transport.ServicesDiscovered, id string) {
	key := pending.DeviceKey(pending.KindDiscover)
	if owner, ok := e.pending.Target(key); !ok || owner != id {
		e.strayLocked(ev, "no discovery in progress for device")
		return
	}
	if ev.Err != nil {
		e.failDiscoveryLocked(fx, id, device.NewTransportError("discoverServices", ev.Err))
		return
	}

	services, err := device.CanonicalizeAll(ev.Services)
	if err != nil {
		e.failDiscoveryLocked(fx, id, device.NewTransportError("discoverServices", err))
		return
	}

	if e.tracker.Begin(id, services) {
		e.completeDiscoveryLocked(fx, id)
		return
	}

	e.logger.WithFields(logrus.Fields{"device": id, "services": len(services)}).Debug("Discovering characteristics")
	for _, svc := range services {
		fx.do(func() { e.discoverCharacteristics(id, svc) })
	}
}

// discoverCharacteristics issues one enumeration command; a command the transport
// refuses fails the whole discovery.
func (e *Engine) discoverCharacteristics(id, svc string) {
	err := e.transport.DiscoverCharacteristics(id, svc)
	if err == nil {
		return
	}
	e.logger.WithError(err).WithFields(logrus.Fields{
		"device":  id,
		"service": device.ShortenUUID(svc),
	}).Warn("Transport rejected command")

	fx := &effects{}
	e.mu.Lock()
	if e.tracker.InProgress(id) {
		e.failDiscoveryLocked(fx, id, device.NewTransportError("discoverCharacteristics", err))
	}
	e.mu.Unlock()
	fx.run()
}

func (e *Engine) onCharacteristicsDiscovered(fx *effects, ev transport.CharacteristicsDiscovered, id string) {
	if !e.tracker.InProgress(id) {
		e.strayLocked(ev, "no discovery in progress for device")
		return
	}
	if ev.Err != nil {
		e.failDiscoveryLocked(fx, id, device.NewTransportError("discoverCharacteristics", ev.Err))
		return
	}
	svc, err := device.Canonicalize(ev.Service)
	if err != nil {
		e.failDiscoveryLocked(fx, id, device.NewTransportError("discoverCharacteristics", err))
		return
	}

	if !e.tracker.CompleteService(id, svc) {
		e.logger.WithFields(logrus.Fields{
			"device":    id,
			"service":   device.ShortenUUID(svc),
			"remaining": len(e.tracker.Remaining(id)),
		}).Trace("Service enumerated")
		return
	}
	e.completeDiscoveryLocked(fx, id)
}

// completeDiscoveryLocked resolves the discover request once every service is enumerated,
// provided the device is still connected.
func (e *Engine) completeDiscoveryLocked(fx *effects, id string) {
	e.tracker.Discard(id)
	d, ok := e.registry.LookupConnected(id)
	if !ok {
		e.resolveLocked(fx, pending.DeviceKey(pending.KindDiscover), id, pending.Failure(device.ErrDisconnected))
		return
	}
	var services []device.Service
	if d.Peripheral != nil {
		services = d.Peripheral.Services()
	}
	e.logger.WithFields(logrus.Fields{"device": id, "services": len(services)}).Debug("Discovery complete")
	e.resolveLocked(fx, pending.DeviceKey(pending.KindDiscover), id, pending.Success(services))
}

func (e *Engine) failDiscoveryLocked(fx *effects, id string, err error) {
	e.tracker.Discard(id)
	e.resolveLocked(fx, pending.DeviceKey(pending.KindDiscover), id, pending.Failure(err))
}

func (e *Engine) eventAttribute(ev transport.Event, rawService, rawChar string) (device.AttributeRef, bool) {
	ref, err := device.NewAttributeRef(rawService, rawChar)
	if err != nil {
		e.logger.WithError(err).WithField("event", ev.Name()).Warn("Dropping event with invalid attribute")
		e.metrics.RecordStray(ev.Name())
		return device.AttributeRef{}, false
	}
	return ref, true
}

func (e *Engine) onValueUpdated(fx *effects, ev transport.ValueUpdated, id string) {
	ref, ok := e.eventAttribute(ev, ev.Service, ev.Characteristic)
	if !ok {
		return
	}
	readKey := pending.AttributeKey(pending.KindRead, id, ref)
	writeKey := pending.AttributeKey(pending.KindWrite, id, ref)

	if ev.Err != nil {
		failure := pending.Failure(device.NewTransportError("read", ev.Err))
		if !e.resolveLocked(fx, readKey, id, failure) && !e.resolveLocked(fx, writeKey, id, failure) {
			e.strayLocked(ev, "value error with no waiter")
		}
		return
	}

	value := append([]byte(nil), ev.Value...)
	if !e.resolveLocked(fx, readKey, id, pending.Success(value)) {
		e.resolveLocked(fx, writeKey, id, pending.Success(nil))
	}
	e.notifyLater(fx, notify.Notification{
		Kind:      notify.CharacteristicValue,
		DeviceID:  id,
		Attribute: ref,
		Value:     value,
	})
}

func (e *Engine) onWriteCompleted(fx *effects, ev transport.WriteCompleted, id string) {
	ref, ok := e.eventAttribute(ev, ev.Service, ev.Characteristic)
	if !ok {
		return
	}
	outcome := pending.Success(nil)
	if ev.Err != nil {
		outcome = pending.Failure(device.NewTransportError("write", ev.Err))
	}
	if !e.resolveLocked(fx, pending.AttributeKey(pending.KindWrite, id, ref), id, outcome) {
		e.strayLocked(ev, "no pending write")
	}
}

func (e *Engine) onStateChanged(ev transport.StateChanged) {
	e.enabled = ev.Enabled
	e.stateKnown = true
	e.logger.WithField("enabled", ev.Enabled).Info("Adapter state changed")
}
