package main

import (
	"testing"

	"github.com/srg/blelink/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWriteData(t *testing.T) {
	tests := []struct {
		name  string
		input string
		hex   bool
		want  []byte
	}{
		{"raw string", "high", false, []byte("high")},
		{"raw keeps separators", "a:b", false, []byte("a:b")},
		{"plain hex", "FF01", true, []byte{0xff, 0x01}},
		{"spaced hex", "ff 01 02", true, []byte{0xff, 0x01, 0x02}},
		{"colon hex", "de:ad:be:ef", true, []byte{0xde, 0xad, 0xbe, 0xef}},
		{"prefixed hex", "0x01 0X02", true, []byte{0x01, 0x02}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseWriteData(tt.input, tt.hex)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseWriteData_InvalidHex(t *testing.T) {
	_, err := parseWriteData("abc", true)
	assert.ErrorContains(t, err, "invalid hex data")

	_, err = parseWriteData("zz", true)
	assert.ErrorContains(t, err, "invalid hex data")
}

func TestWriteMode(t *testing.T) {
	tests := []struct {
		name            string
		props           device.Properties
		withoutResponse bool
		wantAck         bool
		wantErr         string
	}{
		{"acknowledged by default", device.PropWrite | device.PropWriteNR, false, true, ""},
		{"caller opts out", device.PropWrite | device.PropWriteNR, true, false, ""},
		{"only unacknowledged supported", device.PropWriteNR, false, false, ""},
		{"opt out unsupported", device.PropWrite, true, false, "does not support write without response"},
		{"read only", device.PropRead, false, false, "does not support write operations"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack, err := writeMode(tt.props, tt.withoutResponse)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAck, ack)
		})
	}
}
