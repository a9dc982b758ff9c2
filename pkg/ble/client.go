// Package ble is the blocking, context-aware API over the correlation engine.
//
// Every request method waits for the engine to resolve the request. When ctx is
// done first the request is abandoned, which frees its slot for a retry without
// touching any request issued later.
package ble

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/correlator"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/metrics"
	"github.com/srg/blelink/internal/notify"
	"github.com/srg/blelink/internal/pending"
	"github.com/srg/blelink/internal/transport"
	"github.com/srg/blelink/internal/transport/goble"
	"github.com/srg/blelink/pkg/config"
)

// Options configures a Client. Zero values select defaults.
type Options struct {
	Logger         *logrus.Logger
	Metrics        *metrics.Metrics
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	EventBuffer    int
	ListenerBuffer int

	// Transport replaces the go-ble radio adapter. The caller keeps ownership of it.
	Transport transport.Transport
}

// OptionsFromConfig maps the application configuration onto client options.
func OptionsFromConfig(cfg *config.Config, logger *logrus.Logger) Options {
	return Options{
		Logger:         logger,
		ScanTimeout:    cfg.Scan.Timeout,
		ConnectTimeout: cfg.Connect.Timeout,
		EventBuffer:    cfg.Engine.EventBuffer,
		ListenerBuffer: cfg.Engine.ListenerBuffer,
	}
}

// Client issues BLE requests and waits for their results.
type Client struct {
	engine    *correlator.Engine
	logger    *logrus.Logger
	transport transport.Transport
	owned     *goble.Transport
}

// NewClient builds the engine over the configured transport and starts its event pump.
// The pump stops when ctx is cancelled or Close is called.
func NewClient(ctx context.Context, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	c := &Client{logger: logger, transport: opts.Transport}
	if c.transport == nil {
		c.owned = goble.New(goble.Options{
			Logger:         logger,
			ConnectTimeout: opts.ConnectTimeout,
			EventBuffer:    opts.EventBuffer,
		})
		c.transport = c.owned
	}

	c.engine = correlator.New(c.transport, correlator.Options{
		Logger:         logger,
		Metrics:        opts.Metrics,
		ScanTimeout:    opts.ScanTimeout,
		ListenerBuffer: opts.ListenerBuffer,
	})
	c.engine.Start(ctx)
	return c
}

// Engine exposes the asynchronous engine behind the client.
func (c *Client) Engine() *correlator.Engine {
	return c.engine
}

// Close cancels every outstanding request and releases the radio adapter if the client opened it.
func (c *Client) Close() error {
	err := c.engine.Close()
	if c.owned != nil {
		if cerr := c.owned.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// IsAvailable reports whether a Bluetooth adapter is present.
func (c *Client) IsAvailable() bool { return c.engine.IsAvailable() }

// IsEnabled reports whether the adapter is powered.
func (c *Client) IsEnabled() bool { return c.engine.IsEnabled() }

// Enable asks the adapter to power on. Reports whether it was already enabled.
func (c *Client) Enable(ctx context.Context) (bool, error) { return c.engine.Enable(ctx) }

// Remember registers a device known from an earlier session so it can be connected without scanning.
func (c *Client) Remember(id string) error { return c.engine.Remember(id) }

// Connect establishes a link to a scanned or remembered device.
func (c *Client) Connect(ctx context.Context, id string) (device.ConnectedDevice, error) {
	return await[device.ConnectedDevice](ctx, c, func(r pending.Resolver) (pending.Ticket, error) {
		return c.engine.Connect(id, r)
	})
}

// Disconnect tears the link down and waits for the radio to confirm it.
func (c *Client) Disconnect(ctx context.Context, id string) error {
	_, err := await[any](ctx, c, func(r pending.Resolver) (pending.Ticket, error) {
		return c.engine.Disconnect(id, r)
	})
	return err
}

// Discover enumerates every service and characteristic of a connected device.
func (c *Client) Discover(ctx context.Context, id string) ([]device.Service, error) {
	return await[[]device.Service](ctx, c, func(r pending.Resolver) (pending.Ticket, error) {
		return c.engine.Discover(id, r)
	})
}

// Read returns the current value of a characteristic.
func (c *Client) Read(ctx context.Context, id, service, characteristic string) ([]byte, error) {
	return await[[]byte](ctx, c, func(r pending.Resolver) (pending.Ticket, error) {
		return c.engine.Read(id, service, characteristic, r)
	})
}

// Write sends value to a characteristic. With requireAck it waits for the peripheral's
// write response; otherwise it returns once the command is handed to the radio.
func (c *Client) Write(ctx context.Context, id, service, characteristic string, value []byte, requireAck bool) error {
	_, err := await[any](ctx, c, func(r pending.Resolver) (pending.Ticket, error) {
		return c.engine.Write(id, service, characteristic, value, requireAck, r)
	})
	return err
}

// Subscribe enables notifications and returns a listener for the characteristic's values.
// The listener is attached before notifications are enabled so no early value is lost.
func (c *Client) Subscribe(id, service, characteristic string) (*notify.Listener, error) {
	devID, err := device.NormalizeDeviceID(id)
	if err != nil {
		return nil, err
	}
	ref, err := device.NewAttributeRef(service, characteristic)
	if err != nil {
		return nil, err
	}

	l := c.engine.Listen(notify.Filter{
		Kinds:          []notify.Kind{notify.CharacteristicValue},
		DeviceID:       devID,
		Characteristic: ref.Characteristic,
	})
	if err := c.engine.Subscribe(devID, ref.Service, ref.Characteristic); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// Unsubscribe disables notifications. Listeners returned by Subscribe stay open until closed.
func (c *Client) Unsubscribe(id, service, characteristic string) error {
	return c.engine.Unsubscribe(id, service, characteristic)
}

// Listen attaches a listener for unsolicited notifications.
func (c *Client) Listen(filter notify.Filter) *notify.Listener {
	return c.engine.Listen(filter)
}

// Services returns the discovered services of a connected device.
func (c *Client) Services(id string) ([]device.Service, error) {
	return c.engine.GetServices(id)
}

// Characteristic looks up a discovered characteristic.
func (c *Client) Characteristic(id, service, characteristic string) (device.Characteristic, error) {
	return c.engine.GetCharacteristic(id, service, characteristic)
}

// ConnectedDevices returns the connected devices sorted by id.
func (c *Client) ConnectedDevices() []device.ConnectedDevice {
	return c.engine.ConnectedDevices()
}

// await issues a request and blocks until it resolves or ctx is done.
func await[T any](ctx context.Context, c *Client, issue func(pending.Resolver) (pending.Ticket, error)) (T, error) {
	var zero T
	done := make(chan pending.Outcome, 1)
	ticket, err := issue(func(o pending.Outcome) { done <- o })
	if err != nil {
		return zero, err
	}

	select {
	case o := <-done:
		return outcomeValue[T](o)
	case <-ctx.Done():
	}

	if err := c.engine.Abandon(ticket, ctx.Err()); err != nil {
		// already resolved, or resolving; the resolver always runs
		return outcomeValue[T](<-done)
	}
	<-done
	c.logger.WithError(ctx.Err()).Debug("Request abandoned")
	return zero, ctx.Err()
}

func outcomeValue[T any](o pending.Outcome) (T, error) {
	var zero T
	if o.Err != nil {
		return zero, o.Err
	}
	if o.Value == nil {
		return zero, nil
	}
	v, ok := o.Value.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected result type %T", o.Value)
	}
	return v, nil
}

// isAbandoned reports whether err came from the caller's own context.
func isAbandoned(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
