package transport

import "github.com/srg/blelink/internal/device"

// Event is a result reported by the radio. The concrete types below form a closed set.
//
// Identifiers carried by events are transport-native: device ids are not yet
// normalized and service/characteristic ids may be in any form the identifier codec accepts.
type Event interface {
	// Name is a short stable label used in logs and metrics.
	Name() string
	// DeviceID is the transport-native id of the device the event concerns, empty for adapter-wide events.
	DeviceID() string

	isEvent()
}

// DeviceDiscovered reports an advertisement received while scanning.
type DeviceDiscovered struct {
	Device        string
	LocalName     string
	RSSI          int
	Advertisement device.Advertisement
}

// Connected reports the outcome of a Connect command. Peripheral is nil when Err is set.
type Connected struct {
	Device     string
	Peripheral device.Peripheral
	Err        error
}

// Disconnected reports a link that went away, solicited or not.
type Disconnected struct {
	Device string
	Err    error
}

// ServicesDiscovered reports the primary services of a connected device.
type ServicesDiscovered struct {
	Device   string
	Services []string
	Err      error
}

// CharacteristicsDiscovered reports that the characteristics of one service have been enumerated.
type CharacteristicsDiscovered struct {
	Device  string
	Service string
	Err     error
}

// ValueUpdated carries a characteristic value, either a read response or a notification.
type ValueUpdated struct {
	Device         string
	Service        string
	Characteristic string
	Value          []byte
	Err            error
}

// WriteCompleted acknowledges a write issued with ackRequired.
type WriteCompleted struct {
	Device         string
	Service        string
	Characteristic string
	Err            error
}

// ScanStopped reports that the radio ended a scan on its own (adapter powered off, scan failure).
type ScanStopped struct {
	Err error
}

// StateChanged reports an adapter power state change.
type StateChanged struct {
	Enabled bool
}

func (DeviceDiscovered) Name() string          { return "device_discovered" }
func (Connected) Name() string                 { return "connected" }
func (Disconnected) Name() string              { return "disconnected" }
func (ServicesDiscovered) Name() string        { return "services_discovered" }
func (CharacteristicsDiscovered) Name() string { return "characteristics_discovered" }
func (ValueUpdated) Name() string              { return "value_updated" }
func (WriteCompleted) Name() string            { return "write_completed" }
func (ScanStopped) Name() string               { return "scan_stopped" }
func (StateChanged) Name() string              { return "state_changed" }

func (e DeviceDiscovered) DeviceID() string          { return e.Device }
func (e Connected) DeviceID() string                 { return e.Device }
func (e Disconnected) DeviceID() string              { return e.Device }
func (e ServicesDiscovered) DeviceID() string        { return e.Device }
func (e CharacteristicsDiscovered) DeviceID() string { return e.Device }
func (e ValueUpdated) DeviceID() string              { return e.Device }
func (e WriteCompleted) DeviceID() string            { return e.Device }
func (ScanStopped) DeviceID() string                 { return "" }
func (StateChanged) DeviceID() string                { return "" }

func (DeviceDiscovered) isEvent()          {}
func (Connected) isEvent()                 {}
func (Disconnected) isEvent()              {}
func (ServicesDiscovered) isEvent()        {}
func (CharacteristicsDiscovered) isEvent() {}
func (ValueUpdated) isEvent()              {}
func (WriteCompleted) isEvent()            {}
func (ScanStopped) isEvent()               {}
func (StateChanged) isEvent()              {}
