package correlator

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/notify"
	"github.com/srg/blelink/internal/pending"
	"github.com/srg/blelink/internal/transport"
)

// ScanOptions configures a scan request.
type ScanOptions struct {
	// Services restricts results to devices advertising at least one of these ids (any accepted form).
	Services []string
	// Timeout ends the scan; zero selects the engine default.
	Timeout time.Duration
	// StopOnFirstResult resolves the scan with the first matching device.
	StopOnFirstResult bool
	// AllowDuplicates emits a deviceFound notification for every advertisement, not only new devices.
	AllowDuplicates bool
}

// scanSession is the state of the scan currently in flight.
type scanSession struct {
	id       uint64
	ticket   pending.Ticket
	services []string
	opts     ScanOptions
	timer    *time.Timer
}

func (s *scanSession) accepts(adv device.Advertisement) bool {
	if len(s.services) == 0 {
		return true
	}
	for _, id := range s.services {
		if adv.AdvertisesService(id) {
			return true
		}
	}
	return false
}

// Scan starts a scan session, clearing previous scan results. The request
// resolves with the session's entries when the timeout fires, when StopScan is
// called, or with the first entry if StopOnFirstResult is set.
func (e *Engine) Scan(opts ScanOptions, r pending.Resolver) (pending.Ticket, error) {
	services, err := device.CanonicalizeAll(opts.Services)
	if err != nil {
		return pending.Ticket{}, e.reject(pending.KindScan, err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.scanTimeout
	}

	e.mu.Lock()
	if err := e.checkOpenLocked(); err != nil {
		e.mu.Unlock()
		return pending.Ticket{}, e.reject(pending.KindScan, err)
	}
	ticket, err := e.registerLocked(pending.DeviceKey(pending.KindScan), "", r)
	if err != nil {
		e.mu.Unlock()
		return pending.Ticket{}, err
	}
	session := &scanSession{
		id:       e.registry.BeginScanSession(),
		ticket:   ticket,
		services: services,
		opts:     opts,
	}
	sessionID := session.id
	session.timer = time.AfterFunc(timeout, func() { e.scanTimedOut(sessionID) })
	e.scan = session
	e.recordRegistrySizeLocked()
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"session":         sessionID,
		"timeout":         timeout,
		"services":        len(services),
		"stop_on_first":   opts.StopOnFirstResult,
		"allow_duplicate": opts.AllowDuplicates,
	}).Info("Starting BLE scan")

	filter := transport.ScanFilter{Services: services, AllowDuplicates: opts.AllowDuplicates}
	if err := e.transport.StartScan(filter); err != nil {
		e.failIssued(ticket, "scan", err)
		return ticket, nil
	}

	// the session may have ended while StartScan was in flight
	e.mu.Lock()
	ended := e.scan == nil
	e.mu.Unlock()
	if ended {
		e.logger.WithField("session", sessionID).Debug("Scan ended before the radio started, stopping it")
		e.stopRadioScan()
	}
	return ticket, nil
}

// StopScan stops the radio and resolves an in-flight scan with the entries collected so far.
func (e *Engine) StopScan() error {
	fx := &effects{}
	e.mu.Lock()
	if e.scan != nil {
		e.finishScanLocked(fx, e.scan.id, nil, false)
	}
	e.mu.Unlock()

	err := e.transport.StopScan()
	fx.run()
	if err != nil {
		return device.NewTransportError("stopScan", err)
	}
	return nil
}

func (e *Engine) scanTimedOut(sessionID uint64) {
	fx := &effects{}
	e.mu.Lock()
	finished := e.finishScanLocked(fx, sessionID, nil, true)
	e.mu.Unlock()

	if finished {
		e.logger.WithField("session", sessionID).Debug("Scan timed out")
	}
	fx.run()
}

// finishScanLocked ends session sessionID if it is still the active one. With failure
// set the scan is rejected, otherwise it resolves with value (nil selects the full snapshot).
// Reports whether the session was active.
func (e *Engine) finishScanLocked(fx *effects, sessionID uint64, failure error, stopRadio bool, value ...[]device.ScanEntry) bool {
	s := e.scan
	if s == nil || s.id != sessionID {
		return false
	}
	s.timer.Stop()
	e.scan = nil

	if stopRadio {
		fx.do(e.stopRadioScan)
	}

	outcome := pending.Failure(failure)
	if failure == nil {
		entries := e.registry.Snapshot()
		if len(value) > 0 {
			entries = value[0]
		}
		outcome = pending.Success(entries)
	}

	d, err := e.pending.Resolve(pending.DeviceKey(pending.KindScan), outcome)
	if err != nil {
		// the caller abandoned the scan; the session was torn down with it
		return true
	}
	e.deliverLater(fx, d)
	return true
}

func (e *Engine) stopRadioScan() {
	if err := e.transport.StopScan(); err != nil {
		e.logger.WithError(err).Warn("Failed to stop scan")
	}
}

func (e *Engine) onDeviceDiscovered(fx *effects, ev transport.DeviceDiscovered, id string) {
	s := e.scan
	if s == nil {
		e.strayLocked(ev, "no scan in progress")
		return
	}
	if !s.accepts(ev.Advertisement) {
		e.logger.WithField("device", id).Trace("Advertisement filtered out")
		return
	}

	entry, isNew := e.registry.RecordDiscovery(device.ScanEntry{
		ID:            id,
		Name:          ev.LocalName,
		RSSI:          ev.RSSI,
		Advertisement: ev.Advertisement,
	})
	e.recordRegistrySizeLocked()

	if isNew {
		e.logger.WithFields(logrus.Fields{
			"device": id,
			"name":   entry.Name,
			"rssi":   entry.RSSI,
		}).Debug("Device discovered")
	}
	if isNew || s.opts.AllowDuplicates {
		e.notifyLater(fx, notify.Notification{Kind: notify.DeviceFound, DeviceID: id, Entry: entry})
	}

	if s.opts.StopOnFirstResult {
		e.finishScanLocked(fx, s.id, nil, true, []device.ScanEntry{entry})
	}
}

func (e *Engine) onScanStopped(fx *effects, ev transport.ScanStopped) {
	if e.scan == nil {
		e.strayLocked(ev, "no scan in progress")
		return
	}
	var failure error
	if ev.Err != nil {
		failure = device.NewTransportError("scan", ev.Err)
	}
	e.finishScanLocked(fx, e.scan.id, failure, false)
}
