package bledb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupService(t *testing.T) {
	tests := []struct {
		name     string
		uuid     string
		expected string
	}{
		{"short form", "180d", "Heart Rate"},
		{"0x prefix", "0x180D", "Heart Rate"},
		{"full SIG UUID with dashes", "0000180d-0000-1000-8000-00805f9b34fb", "Heart Rate"},
		{"full SIG UUID without dashes", "0000180f00001000800000805f9b34fb", "Battery Service"},
		{"32-bit form", "0000180a", "Device Information"},
		{"unassigned", "ffff", ""},
		{"vendor UUID", "6e400001-b5a3-f393-e0a9-e50e24dcca9e", ""},
		{"not a UUID", "heart", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, LookupService(tt.uuid))
		})
	}
}

func TestLookupCharacteristic(t *testing.T) {
	assert.Equal(t, "Heart Rate Measurement", LookupCharacteristic("2a37"))
	assert.Equal(t, "Battery Level", LookupCharacteristic("00002a19-0000-1000-8000-00805f9b34fb"))
	assert.Equal(t, "", LookupCharacteristic("180d"), "services are not characteristics")
}

func TestLookupDescriptor(t *testing.T) {
	assert.Equal(t, "Client Characteristic Configuration", LookupDescriptor("2902"))
	assert.Equal(t, "Characteristic User Descriptor", LookupDescriptor("00002901-0000-1000-8000-00805f9b34fb"))
}

func TestLookup(t *testing.T) {
	assert.Equal(t, "Heart Rate", Lookup("180d"))
	assert.Equal(t, "Device Name", Lookup("2a00"))
	assert.Equal(t, "Valid Range", Lookup("2906"))
	assert.Equal(t, "", Lookup("6e400001-b5a3-f393-e0a9-e50e24dcca9e"))
}
