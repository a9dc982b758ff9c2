//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/blelink/internal/device"
)

func newPlatformDevice() (ble.Device, error) {
	return nil, &device.NotImplementedError{Op: fmt.Sprintf("ble on %s", runtime.GOOS)}
}
