package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/srg/blelink/internal/device"
	"github.com/stretchr/testify/assert"
)

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"bluetooth off", device.ErrBluetoothOff, "Bluetooth is turned off or unavailable. Turn it on and try again"},
		{
			"not advertising",
			fmt.Errorf("device x: %w", &device.UnknownDeviceError{ID: "aa:bb", State: device.StateScanned}),
			"device aa:bb not found. Make sure it is powered on, advertising and in range",
		},
		{"not connected", &device.UnknownDeviceError{ID: "aa:bb", State: device.StateConnected}, "device aa:bb is not connected"},
		{"link lost", fmt.Errorf("device aa:bb: %w", ErrConnectionLost), "connection lost: device aa:bb: connection lost"},
		{
			"missing characteristic",
			&device.NotFoundError{Resource: "characteristic", UUIDs: []string{"2a37"}},
			`characteristic "2a37" not found. Use 'blelink inspect' to list the device's services`,
		},
		{"timeout", fmt.Errorf("read: %w", context.DeadlineExceeded), "operation timed out"},
		{"transport", device.NewTransportError("write", errors.New("att error 0x03")), "BLE operation failed: "},
		{"other", errors.New("boom"), "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatUserError(tt.err)
			if tt.name == "transport" {
				assert.Contains(t, got, tt.want)
				assert.Contains(t, got, "att error 0x03")
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.0", formatVersion("1.2.0"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}
