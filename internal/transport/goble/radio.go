package goble

import (
	"context"

	"github.com/go-ble/ble"
)

// Radio is the part of ble.Device the transport drives.
type Radio interface {
	Scan(ctx context.Context, allowDup bool, h func(ble.Advertisement)) error
	Dial(ctx context.Context, addr string) (GATTClient, error)
	Stop() error
}

// GATTClient is the part of ble.Client the transport drives. Any ble.Client satisfies it.
type GATTClient interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// disconnectNotifier is implemented by clients that report link loss (darwin, linux).
type disconnectNotifier interface {
	Disconnected() <-chan struct{}
}

// DeviceFactory creates the platform ble.Device (can be overridden in tests)
//
//nolint:revive // DeviceFactory name mirrors the platform constructors it wraps
var DeviceFactory = newPlatformDevice

// deviceRadio adapts a ble.Device to Radio.
type deviceRadio struct {
	dev ble.Device
}

// NewRadio opens the platform adapter.
func NewRadio() (Radio, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, NormalizeError(err)
	}
	return &deviceRadio{dev: dev}, nil
}

func (r *deviceRadio) Scan(ctx context.Context, allowDup bool, h func(ble.Advertisement)) error {
	return NormalizeError(r.dev.Scan(ctx, allowDup, h))
}

func (r *deviceRadio) Dial(ctx context.Context, addr string) (GATTClient, error) {
	client, err := r.dev.Dial(ctx, ble.NewAddr(addr))
	if err != nil {
		return nil, NormalizeError(err)
	}
	return client, nil
}

func (r *deviceRadio) Stop() error {
	return NormalizeError(r.dev.Stop())
}
