package ble

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/correlator"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/notify"
	"github.com/srg/blelink/internal/pending"
)

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration          time.Duration // zero selects the engine default
	Services          []string      // advertised services, any form the identifier codec accepts
	StopOnFirstResult bool
	AllowDuplicates   bool
	AllowList         []string // device ids to keep; empty keeps all
	BlockList         []string // device ids to drop
}

// Scan runs one scan session and returns the devices seen, in first-seen order.
// Allow and block lists filter the returned entries; StopOnFirstResult considers every device.
func (c *Client) Scan(ctx context.Context, opts ScanOptions) ([]device.ScanEntry, error) {
	entries, err := await[[]device.ScanEntry](ctx, c, func(r pending.Resolver) (pending.Ticket, error) {
		return c.engine.Scan(opts.engineOptions(), r)
	})
	if err != nil {
		return nil, err
	}

	out := entries[:0:0]
	for _, e := range entries {
		if opts.includes(e.ID) {
			out = append(out, e)
		}
	}
	c.logger.WithFields(logrus.Fields{
		"seen":     len(entries),
		"returned": len(out),
	}).Debug("BLE scan completed")
	return out, nil
}

// Find scans until the device id advertises, then stops the radio.
// Returns an UnknownDeviceError when the scan times out without seeing it.
func (c *Client) Find(ctx context.Context, id string, opts ScanOptions) (device.ScanEntry, error) {
	devID, err := device.NormalizeDeviceID(id)
	if err != nil {
		return device.ScanEntry{}, err
	}

	l := c.engine.Listen(notify.Filter{Kinds: []notify.Kind{notify.DeviceFound}, DeviceID: devID})
	defer l.Close()

	done := make(chan pending.Outcome, 1)
	eo := opts.engineOptions()
	eo.StopOnFirstResult = false
	ticket, err := c.engine.Scan(eo, func(o pending.Outcome) { done <- o })
	if err != nil {
		return device.ScanEntry{}, err
	}

	var o pending.Outcome
	select {
	case n, ok := <-l.C():
		if !ok {
			o = <-done
			break
		}
		if err := c.engine.StopScan(); err != nil {
			c.logger.WithError(err).Debug("Failed to stop scan after device was found")
		}
		<-done
		c.logger.WithFields(logrus.Fields{"device": devID, "rssi": n.Entry.RSSI}).Info("Device found")
		return n.Entry, nil
	case <-ctx.Done():
		if err := c.engine.Abandon(ticket, ctx.Err()); err == nil {
			<-done
			return device.ScanEntry{}, ctx.Err()
		}
		o = <-done
	case o = <-done:
	}

	if o.Err != nil {
		return device.ScanEntry{}, o.Err
	}
	entries, _ := o.Value.([]device.ScanEntry)
	for _, e := range entries {
		if e.ID == devID {
			return e, nil
		}
	}
	return device.ScanEntry{}, &device.UnknownDeviceError{ID: devID, State: device.StateScanned}
}

// StopScan ends the running scan early; its caller receives the entries seen so far.
func (c *Client) StopScan() error {
	return c.engine.StopScan()
}

// ScanResults returns the entries of the current or most recent scan session.
func (c *Client) ScanResults() []device.ScanEntry {
	return c.engine.ScanResults()
}

func (o ScanOptions) engineOptions() correlator.ScanOptions {
	return correlator.ScanOptions{
		Services:          o.Services,
		Timeout:           o.Duration,
		StopOnFirstResult: o.StopOnFirstResult,
		AllowDuplicates:   o.AllowDuplicates,
	}
}

// includes applies the allow and block lists
func (o ScanOptions) includes(id string) bool {
	for _, blocked := range o.BlockList {
		if n, err := device.NormalizeDeviceID(blocked); err == nil && n == id {
			return false
		}
	}
	if len(o.AllowList) == 0 {
		return true
	}
	for _, a := range o.AllowList {
		if n, err := device.NormalizeDeviceID(a); err == nil && n == id {
			return true
		}
	}
	return false
}
