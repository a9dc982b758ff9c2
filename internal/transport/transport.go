// Package transport defines the radio collaborator consumed by the correlation engine.
//
// A Transport accepts commands without blocking on the radio and reports every
// result, solicited or not, as an Event on a single stream. Events for the same
// device arrive in the order the radio produced them.
package transport

import (
	"context"

	"github.com/srg/blelink/internal/device"
)

// ScanFilter restricts which advertisements are reported during a scan.
type ScanFilter struct {
	Services        []string // canonical service ids; empty means all devices
	AllowDuplicates bool
}

// Transport is the command side of the radio stack.
//
// Command methods return an error only when the command could not be issued at all;
// failures of an issued command are reported through the corresponding Event's Err.
type Transport interface {
	// Available reports whether the host has a usable BLE adapter.
	Available() bool
	// Enabled reports whether the adapter is powered on.
	Enabled() bool
	// Enable asks the platform to power the adapter on.
	Enable(ctx context.Context) error

	StartScan(filter ScanFilter) error
	StopScan() error

	Connect(deviceID string) error
	Disconnect(deviceID string) error

	DiscoverServices(deviceID string) error
	DiscoverCharacteristics(deviceID, serviceID string) error

	ReadValue(deviceID string, ref device.AttributeRef) error
	WriteValue(deviceID string, ref device.AttributeRef, value []byte, ackRequired bool) error
	SetNotify(deviceID string, ref device.AttributeRef, enabled bool) error

	// Events is the single ordered stream of results. It is closed when the transport shuts down.
	Events() <-chan Event
}
