package correlator

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/pending"
)

// IsAvailable reports whether the host has a usable BLE adapter.
func (e *Engine) IsAvailable() bool {
	return e.transport.Available()
}

// IsEnabled reports the adapter power state, preferring the last reported state change.
func (e *Engine) IsEnabled() bool {
	e.mu.Lock()
	enabled, known := e.enabled, e.stateKnown
	e.mu.Unlock()
	if known {
		return enabled
	}
	return e.transport.Enabled()
}

// Enable asks the platform to power the adapter on and reports the resulting state.
func (e *Engine) Enable(ctx context.Context) (bool, error) {
	if e.IsEnabled() {
		return true, nil
	}
	if !e.transport.Available() {
		return false, device.ErrBluetoothOff
	}
	if err := e.transport.Enable(ctx); err != nil {
		return false, device.NewTransportError("enable", err)
	}
	enabled := e.transport.Enabled()
	e.mu.Lock()
	e.enabled, e.stateKnown = enabled, true
	e.mu.Unlock()
	return enabled, nil
}

// Remember marks a device identity as known so it can be connected without scanning first.
func (e *Engine) Remember(rawID string) error {
	id, err := device.NormalizeDeviceID(rawID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.registry.Remember(id)
	e.mu.Unlock()
	return nil
}

// Connect establishes a link to a device seen at least once. Resolves with
// device.ConnectedDevice; a device that is already connected resolves without a
// transport command and the returned ticket is the zero Ticket.
func (e *Engine) Connect(rawID string, r pending.Resolver) (pending.Ticket, error) {
	id, err := device.NormalizeDeviceID(rawID)
	if err != nil {
		return pending.Ticket{}, e.reject(pending.KindConnect, err)
	}
	if r == nil {
		return pending.Ticket{}, e.reject(pending.KindConnect, &device.MissingParameterError{Param: "resolver"})
	}

	e.mu.Lock()
	if err := e.checkOpenLocked(); err != nil {
		e.mu.Unlock()
		return pending.Ticket{}, e.reject(pending.KindConnect, err)
	}
	if d, ok := e.registry.LookupConnected(id); ok {
		e.mu.Unlock()
		e.logger.WithField("device", id).Debug("Device already connected")
		e.resolveDetached(pending.KindConnect, r, pending.Success(d))
		return pending.Ticket{}, nil
	}
	if !e.registry.Known(id) {
		e.mu.Unlock()
		return pending.Ticket{}, e.reject(pending.KindConnect, &device.UnknownDeviceError{ID: id, State: device.StateScanned})
	}
	ticket, err := e.registerLocked(pending.DeviceKey(pending.KindConnect), id, r)
	e.mu.Unlock()
	if err != nil {
		return pending.Ticket{}, err
	}

	e.logger.WithField("device", id).Info("Connecting to device")
	if err := e.transport.Connect(id); err != nil {
		e.failIssued(ticket, "connect", err)
	}
	return ticket, nil
}

// Disconnect tears down the link to a connected device. Resolves with nil once
// the disconnect event arrives.
func (e *Engine) Disconnect(rawID string, r pending.Resolver) (pending.Ticket, error) {
	id, ticket, err := e.registerDeviceOp(pending.KindDisconnect, rawID, r)
	if err != nil {
		return pending.Ticket{}, err
	}

	e.logger.WithField("device", id).Info("Disconnecting device")
	if err := e.transport.Disconnect(id); err != nil {
		e.failIssued(ticket, "disconnect", err)
	}
	return ticket, nil
}

// Discover enumerates every service and characteristic of a connected device.
// Resolves with the device's []device.Service once every service has been enumerated.
func (e *Engine) Discover(rawID string, r pending.Resolver) (pending.Ticket, error) {
	id, ticket, err := e.registerDeviceOp(pending.KindDiscover, rawID, r)
	if err != nil {
		return pending.Ticket{}, err
	}

	e.logger.WithField("device", id).Debug("Discovering services")
	if err := e.transport.DiscoverServices(id); err != nil {
		e.failIssued(ticket, "discoverServices", err)
	}
	return ticket, nil
}

// registerDeviceOp validates and registers a device-scoped request against a connected device.
func (e *Engine) registerDeviceOp(kind pending.Kind, rawID string, r pending.Resolver) (string, pending.Ticket, error) {
	id, err := device.NormalizeDeviceID(rawID)
	if err != nil {
		return "", pending.Ticket{}, e.reject(kind, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpenLocked(); err != nil {
		return "", pending.Ticket{}, e.reject(kind, err)
	}
	if _, err := e.connectedLocked(id); err != nil {
		return "", pending.Ticket{}, e.reject(kind, err)
	}
	ticket, err := e.registerLocked(pending.DeviceKey(kind), id, r)
	if err != nil {
		return "", pending.Ticket{}, err
	}
	if kind == pending.KindDiscover {
		e.tracker.Discard(id)
	}
	return id, ticket, nil
}

// Read requests the current value of a characteristic. Resolves with []byte.
func (e *Engine) Read(rawID, rawService, rawChar string, r pending.Resolver) (pending.Ticket, error) {
	id, ref, err := e.resolveAttribute(pending.KindRead, rawID, rawService, rawChar)
	if err != nil {
		return pending.Ticket{}, err
	}

	e.mu.Lock()
	ticket, err := e.registerAttributeLocked(pending.KindRead, id, ref, r)
	e.mu.Unlock()
	if err != nil {
		return pending.Ticket{}, err
	}

	e.logger.WithFields(logrus.Fields{"device": id, "attribute": ref.String()}).Debug("Reading characteristic")
	if err := e.transport.ReadValue(id, ref); err != nil {
		e.failIssued(ticket, "read", err)
	}
	return ticket, nil
}

// Write sends value to a characteristic. With requireAck the request resolves when
// the device acknowledges; otherwise it resolves once the write is issued and
// the returned ticket is the zero Ticket.
func (e *Engine) Write(rawID, rawService, rawChar string, value []byte, requireAck bool, r pending.Resolver) (pending.Ticket, error) {
	if value == nil {
		return pending.Ticket{}, e.reject(pending.KindWrite, &device.MissingParameterError{Param: "value"})
	}
	id, ref, err := e.resolveAttribute(pending.KindWrite, rawID, rawService, rawChar)
	if err != nil {
		return pending.Ticket{}, err
	}
	payload := append([]byte(nil), value...)
	log := e.logger.WithFields(logrus.Fields{
		"device":    id,
		"attribute": ref.String(),
		"bytes":     len(payload),
		"ack":       requireAck,
	})

	if !requireAck {
		if r == nil {
			return pending.Ticket{}, e.reject(pending.KindWrite, &device.MissingParameterError{Param: "resolver"})
		}
		log.Debug("Writing characteristic")
		if err := e.transport.WriteValue(id, ref, payload, false); err != nil {
			log.WithError(err).Warn("Transport rejected command")
			e.resolveDetached(pending.KindWrite, r, pending.Failure(device.NewTransportError("write", err)))
			return pending.Ticket{}, nil
		}
		e.resolveDetached(pending.KindWrite, r, pending.Success(nil))
		return pending.Ticket{}, nil
	}

	e.mu.Lock()
	ticket, err := e.registerAttributeLocked(pending.KindWrite, id, ref, r)
	e.mu.Unlock()
	if err != nil {
		return pending.Ticket{}, err
	}

	log.Debug("Writing characteristic")
	if err := e.transport.WriteValue(id, ref, payload, true); err != nil {
		e.failIssued(ticket, "write", err)
	}
	return ticket, nil
}

// Subscribe enables notifications for a characteristic. Values arrive as
// CharacteristicValue notifications on every listener.
func (e *Engine) Subscribe(rawID, rawService, rawChar string) error {
	return e.setNotify(rawID, rawService, rawChar, true)
}

// Unsubscribe disables notifications for a characteristic.
func (e *Engine) Unsubscribe(rawID, rawService, rawChar string) error {
	return e.setNotify(rawID, rawService, rawChar, false)
}

func (e *Engine) setNotify(rawID, rawService, rawChar string, enabled bool) error {
	id, ref, err := e.resolveAttribute(pending.KindRead, rawID, rawService, rawChar)
	if err != nil {
		return err
	}
	e.logger.WithFields(logrus.Fields{
		"device":    id,
		"attribute": ref.String(),
		"enabled":   enabled,
	}).Debug("Setting notifications")
	if err := e.transport.SetNotify(id, ref, enabled); err != nil {
		op := "subscribe"
		if !enabled {
			op = "unsubscribe"
		}
		return device.NewTransportError(op, err)
	}
	return nil
}

// GetServices returns the services discovered so far on a connected device.
func (e *Engine) GetServices(rawID string) ([]device.Service, error) {
	id, err := device.NormalizeDeviceID(rawID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	d, err := e.connectedLocked(id)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if d.Peripheral == nil {
		return nil, nil
	}
	return d.Peripheral.Services(), nil
}

// GetService looks up one service on a connected device.
func (e *Engine) GetService(rawID, rawService string) (device.Service, error) {
	if rawService == "" {
		return device.Service{}, &device.MissingParameterError{Param: "service"}
	}
	svcID, err := device.Canonicalize(rawService)
	if err != nil {
		return device.Service{}, err
	}
	p, err := e.peripheral(rawID)
	if err != nil {
		return device.Service{}, err
	}
	return device.FindService(p, svcID)
}

// GetCharacteristics returns the characteristics of one service on a connected device.
func (e *Engine) GetCharacteristics(rawID, rawService string) ([]device.Characteristic, error) {
	svc, err := e.GetService(rawID, rawService)
	if err != nil {
		return nil, err
	}
	return svc.Characteristics, nil
}

// GetCharacteristic looks up one characteristic on a connected device.
func (e *Engine) GetCharacteristic(rawID, rawService, rawChar string) (device.Characteristic, error) {
	ref, err := device.NewAttributeRef(rawService, rawChar)
	if err != nil {
		return device.Characteristic{}, err
	}
	p, err := e.peripheral(rawID)
	if err != nil {
		return device.Characteristic{}, err
	}
	return device.FindCharacteristic(p, ref)
}

// ReadDescriptor is not supported.
func (e *Engine) ReadDescriptor(string, string, string, string) ([]byte, error) {
	return nil, &device.NotImplementedError{Op: "readDescriptor"}
}

// WriteDescriptor is not supported.
func (e *Engine) WriteDescriptor(string, string, string, string, []byte) error {
	return &device.NotImplementedError{Op: "writeDescriptor"}
}

func (e *Engine) peripheral(rawID string) (device.Peripheral, error) {
	id, err := device.NormalizeDeviceID(rawID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := e.connectedLocked(id)
	if err != nil {
		return nil, err
	}
	return d.Peripheral, nil
}

// resolveAttribute validates caller identifiers against the live peripheral of a connected device.
func (e *Engine) resolveAttribute(kind pending.Kind, rawID, rawService, rawChar string) (string, device.AttributeRef, error) {
	id, err := device.NormalizeDeviceID(rawID)
	if err != nil {
		return "", device.AttributeRef{}, e.reject(kind, err)
	}
	ref, err := device.NewAttributeRef(rawService, rawChar)
	if err != nil {
		return "", device.AttributeRef{}, e.reject(kind, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpenLocked(); err != nil {
		return "", device.AttributeRef{}, e.reject(kind, err)
	}
	d, err := e.connectedLocked(id)
	if err != nil {
		return "", device.AttributeRef{}, e.reject(kind, err)
	}
	if _, err := device.FindCharacteristic(d.Peripheral, ref); err != nil {
		return "", device.AttributeRef{}, e.reject(kind, err)
	}
	return id, ref, nil
}

func (e *Engine) registerAttributeLocked(kind pending.Kind, id string, ref device.AttributeRef, r pending.Resolver) (pending.Ticket, error) {
	if err := e.checkOpenLocked(); err != nil {
		return pending.Ticket{}, e.reject(kind, err)
	}
	// the link may have dropped since resolveAttribute released the lock
	if _, err := e.connectedLocked(id); err != nil {
		return pending.Ticket{}, e.reject(kind, err)
	}
	return e.registerLocked(pending.AttributeKey(kind, id, ref), id, r)
}
