package ble

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
)

// gapDeviceName is the GAP Device Name characteristic
const gapDeviceName = "00002a00-0000-1000-8000-00805f9b34fb"

// InspectOptions defines options for inspecting a BLE device profile
type InspectOptions struct {
	Scan          ScanOptions // used to find the device when it is not connected yet
	ReadLimit     int         // 0 disables characteristic reads
	KeepConnected bool
}

// InspectResult is a structured representation of a device's GATT discovery results
// including previews of readable characteristic values.
type InspectResult struct {
	Address  string        `json:"address"`
	Name     string        `json:"name,omitempty"`
	RSSI     int           `json:"rssi,omitempty"`
	Services []ServiceInfo `json:"services"`
}

type ServiceInfo struct {
	UUID            string               `json:"uuid"`
	Characteristics []CharacteristicInfo `json:"characteristics"`
}

type CharacteristicInfo struct {
	UUID        string   `json:"uuid"`
	Properties  string   `json:"properties"`
	ValueHex    string   `json:"value_hex,omitempty"`
	ValueASCII  string   `json:"value_ascii,omitempty"`
	ReadError   string   `json:"read_error,omitempty"`
	Descriptors []string `json:"descriptors,omitempty"`
}

// Inspect finds and connects to a device, discovers its profile and optionally reads value previews.
// The device is disconnected afterwards unless KeepConnected is set or it was already connected.
func (c *Client) Inspect(ctx context.Context, id string, opts InspectOptions) (*InspectResult, error) {
	devID, err := device.NormalizeDeviceID(id)
	if err != nil {
		return nil, err
	}
	res := &InspectResult{Address: devID}

	wasConnected := false
	for _, d := range c.ConnectedDevices() {
		if d.ID == devID {
			wasConnected = true
		}
	}

	if !wasConnected {
		entry, err := c.Find(ctx, devID, opts.Scan)
		if err != nil {
			return nil, err
		}
		res.Name, res.RSSI = entry.Name, entry.RSSI

		c.logger.WithField("address", devID).Info("Connecting to BLE device...")
		if _, err := c.Connect(ctx, devID); err != nil {
			return nil, err
		}
		if !opts.KeepConnected {
			defer func() {
				dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := c.Disconnect(dctx, devID); err != nil {
					c.logger.WithError(err).WithField("address", devID).Warn("Failed to disconnect after inspect")
				}
			}()
		}
	}

	c.logger.Info("Discovering profile (services/characteristics)...")
	services, err := c.Discover(ctx, devID)
	if err != nil {
		return nil, err
	}

	for _, svc := range services {
		si := ServiceInfo{UUID: svc.UUID}
		for _, ch := range svc.Characteristics {
			ci := CharacteristicInfo{
				UUID:        ch.UUID,
				Properties:  ch.Properties.String(),
				Descriptors: ch.Descriptors,
			}
			if opts.ReadLimit > 0 && ch.Properties.CanRead() {
				c.preview(ctx, devID, svc.UUID, &ci, opts.ReadLimit)
				if ch.UUID == gapDeviceName && ci.ValueASCII != "" {
					res.Name = ci.ValueASCII
				}
			}
			si.Characteristics = append(si.Characteristics, ci)
		}
		res.Services = append(res.Services, si)
	}
	return res, nil
}

// preview reads a characteristic and stores up to limit bytes of its value
func (c *Client) preview(ctx context.Context, devID, service string, ci *CharacteristicInfo, limit int) {
	data, err := c.Read(ctx, devID, service, ci.UUID)
	if err != nil {
		ci.ReadError = err.Error()
		level := logrus.DebugLevel
		if isAbandoned(err) {
			level = logrus.WarnLevel
		}
		c.logger.WithFields(logrus.Fields{"characteristic": ci.UUID, "error": err}).Log(level, "Characteristic read failed")
		return
	}
	if len(data) > limit {
		data = data[:limit]
	}
	ci.ValueHex = strings.ToUpper(hex.EncodeToString(data))
	ci.ValueASCII = asciiPreview(data)
}

// asciiPreview returns a safe ASCII preview, replacing non-printable bytes with '.'
func asciiPreview(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if c >= 32 && c <= 126 {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('.')
		}
	}
	return sb.String()
}
