package main

import (
	"bytes"
	"testing"

	"github.com/srg/blelink/internal/device"
	"github.com/stretchr/testify/assert"
)

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name  string
		value []byte
		hex   bool
		want  string
	}{
		{"printable", []byte("Polar"), false, "Polar"},
		{"forced hex", []byte("Po"), true, "506F"},
		{"binary falls back to hex", []byte{0x00, 0x48}, false, "0048"},
		{"empty", nil, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatValue(tt.value, tt.hex))
		})
	}
}

func TestPrintValues(t *testing.T) {
	single := []target{{ref: device.AttributeRef{Service: svcBattery, Characteristic: chrLevel}}}
	var buf bytes.Buffer
	printValues(&buf, single, [][]byte{{0x01}}, false)
	assert.Equal(t, "01\n", buf.String())

	several := append(single, target{ref: device.AttributeRef{Service: svcHeartRate, Characteristic: chrLocation}})
	buf.Reset()
	printValues(&buf, several, [][]byte{{0x01}, []byte("chest")}, false)
	assert.Equal(t, "2a19: 01\n2a38: chest\n", buf.String())
}
