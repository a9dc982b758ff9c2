package device

import (
	"errors"
	"fmt"
)

// Sentinel errors of the correlation layer. Typed errors below match them via errors.Is.
var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrMissingParameter  = errors.New("missing parameter")
	ErrUnknownDevice     = errors.New("unknown device")
	ErrAttributeNotFound = errors.New("attribute not found")
	ErrDuplicateRequest  = errors.New("duplicate request")
	ErrNoPendingRequest  = errors.New("no pending request")
	ErrNotImplemented    = errors.New("not implemented")
	ErrTransportFailure  = errors.New("transport failure")

	// ErrDisconnected is the cancellation reason for requests that can no longer
	// be satisfied because the link went away.
	ErrDisconnected = errors.New("device disconnected")

	// ErrCancelled is the cancellation reason used on teardown and abandonment.
	ErrCancelled = errors.New("request cancelled")

	ErrBluetoothOff = errors.New("bluetooth is turned off")
)

// IdentifierError reports a raw service/characteristic identifier that could not be canonicalized
type IdentifierError struct {
	Raw    string
	Reason string
}

func (e *IdentifierError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid identifier %q", e.Raw)
	}
	return fmt.Sprintf("invalid identifier %q: %s", e.Raw, e.Reason)
}

func (e *IdentifierError) Is(target error) bool {
	return target == ErrInvalidIdentifier
}

// MissingParameterError reports a required caller field that was not supplied
type MissingParameterError struct {
	Param string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("missing parameter %q", e.Param)
}

func (e *MissingParameterError) Is(target error) bool {
	return target == ErrMissingParameter
}

// DeviceState names the registry state an operation expected a device to be in
type DeviceState string

const (
	StateScanned   DeviceState = "scanned"
	StateConnected DeviceState = "connected"
)

// UnknownDeviceError represents an operation targeting a device absent from the expected registry state
type UnknownDeviceError struct {
	ID    string
	State DeviceState
}

func (e *UnknownDeviceError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("device %q not found", e.ID)
	}
	return fmt.Sprintf("device %q not found (expected %s)", e.ID, e.State)
}

func (e *UnknownDeviceError) Is(target error) bool {
	return target == ErrUnknownDevice
}

// NotFoundError represents an error when a GATT attribute is not found on a connected device
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrAttributeNotFound
}

// NotImplementedError marks an operation that is intentionally unsupported
type NotImplementedError struct {
	Op string
}

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("%s not implemented", e.Op)
}

func (e *NotImplementedError) Is(target error) bool {
	return target == ErrNotImplemented
}

// TransportError wraps a failure reported by the transport for an in-flight operation
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: transport failure", e.Op)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransportFailure
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps err as a TransportError unless it already is one
func NewTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	var terr *TransportError
	if errors.As(err, &terr) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// IsValidationError reports whether err is one of the synchronous pre-transport rejections
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidIdentifier) ||
		errors.Is(err, ErrMissingParameter) ||
		errors.Is(err, ErrUnknownDevice) ||
		errors.Is(err, ErrAttributeNotFound) ||
		errors.Is(err, ErrDuplicateRequest)
}
