package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/blelink/internal/device"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped while a command was still using it.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns an error into a one-line message with a hint where one helps.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var unknown *device.UnknownDeviceError
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off or unavailable. Turn it on and try again"
	case errors.As(err, &unknown) && unknown.State == device.StateScanned:
		return fmt.Sprintf("device %s not found. Make sure it is powered on, advertising and in range", unknown.ID)
	case errors.As(err, &unknown):
		return fmt.Sprintf("device %s is not connected", unknown.ID)
	case errors.Is(err, ErrConnectionLost), errors.Is(err, device.ErrDisconnected):
		return fmt.Sprintf("connection lost: %v", err)
	case errors.Is(err, device.ErrAttributeNotFound):
		return fmt.Sprintf("%v. Use 'blelink inspect' to list the device's services", err)
	case errors.Is(err, device.ErrInvalidIdentifier):
		return fmt.Sprintf("%v. Use a 4-digit, 8-digit or 128-bit UUID", err)
	case errors.Is(err, context.DeadlineExceeded):
		return "operation timed out"
	case errors.Is(err, device.ErrTransportFailure):
		return fmt.Sprintf("BLE operation failed: %v", err)
	default:
		return err.Error()
	}
}
