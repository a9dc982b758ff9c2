package device

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	heartRateService = "0000180d-0000-1000-8000-00805f9b34fb"
	batteryService   = "0000180f-0000-1000-8000-00805f9b34fb"
	heartRateMeasure = "00002a37-0000-1000-8000-00805f9b34fb"
)

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

type fakePeripheral struct {
	id       string
	services []Service
}

func (p *fakePeripheral) ID() string          { return p.id }
func (p *fakePeripheral) Services() []Service { return p.services }

func TestNormalizeDeviceID(t *testing.T) {
	id, err := NormalizeDeviceID("  AA:BB:CC:DD:EE:FF ")
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", id)

	other, err := NormalizeDeviceID("aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	assert.Equal(t, id, other)

	_, err = NormalizeDeviceID(" ")
	assert.ErrorIs(t, err, ErrMissingParameter)
}

func TestAdvertisement_Merge(t *testing.T) {
	older := Advertisement{
		LocalName:        "HRM",
		ManufacturerData: map[uint16][]byte{0x004C: {0x01}, 0x0059: {0xAA}},
		ServiceData:      map[string][]byte{heartRateService: {0x10}},
		Services:         []string{heartRateService},
		TxPower:          intPtr(-4),
	}
	newer := Advertisement{
		ManufacturerData: map[uint16][]byte{0x004C: {0x02}},
		ServiceData:      map[string][]byte{batteryService: {0x55}},
		Services:         []string{batteryService, heartRateService},
		Connectable:      boolPtr(true),
	}

	merged := older.Merge(newer)

	assert.Equal(t, "HRM", merged.LocalName, "absent name is preserved")
	assert.Equal(t, map[uint16][]byte{0x004C: {0x02}, 0x0059: {0xAA}}, merged.ManufacturerData)
	assert.Equal(t, map[string][]byte{heartRateService: {0x10}, batteryService: {0x55}}, merged.ServiceData)
	assert.Equal(t, []string{heartRateService, batteryService}, merged.Services)
	require.NotNil(t, merged.TxPower)
	assert.Equal(t, -4, *merged.TxPower)
	require.NotNil(t, merged.Connectable)
	assert.True(t, *merged.Connectable)

	// inputs are untouched
	assert.Equal(t, []byte{0x01}, older.ManufacturerData[0x004C])
	assert.Len(t, older.Services, 1)
	assert.Nil(t, older.Connectable)
}

func TestAdvertisement_MergeSequence(t *testing.T) {
	observations := []Advertisement{
		{ManufacturerData: map[uint16][]byte{1: {1}}},
		{ManufacturerData: map[uint16][]byte{2: {2}}, LocalName: "first"},
		{ManufacturerData: map[uint16][]byte{1: {3}}},
		{LocalName: "second"},
	}

	var merged Advertisement
	for _, obs := range observations {
		merged = merged.Merge(obs)
	}

	assert.Equal(t, map[uint16][]byte{1: {3}, 2: {2}}, merged.ManufacturerData)
	assert.Equal(t, "second", merged.LocalName)
}

func TestAdvertisement_CloneIsDeep(t *testing.T) {
	a := Advertisement{
		ManufacturerData: map[uint16][]byte{1: {1}},
		Services:         []string{heartRateService},
		TxPower:          intPtr(3),
	}
	c := a.Clone()
	c.ManufacturerData[1][0] = 9
	c.Services[0] = batteryService
	*c.TxPower = 7

	assert.Equal(t, byte(1), a.ManufacturerData[1][0])
	assert.Equal(t, heartRateService, a.Services[0])
	assert.Equal(t, 3, *a.TxPower)
}

func TestAdvertisement_AdvertisesService(t *testing.T) {
	a := Advertisement{
		Services:    []string{heartRateService},
		ServiceData: map[string][]byte{batteryService: {0x64}},
	}
	assert.True(t, a.AdvertisesService(heartRateService))
	assert.True(t, a.AdvertisesService(batteryService))
	assert.False(t, a.AdvertisesService(heartRateMeasure))
}

func TestScanEntry_Merge(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	first := ScanEntry{ID: "d1", Name: "Sensor", RSSI: -70, FirstSeen: t0, LastSeen: t0}

	second := first.Merge(ScanEntry{ID: "d1", RSSI: -40, LastSeen: t0.Add(time.Second)})
	assert.Equal(t, -40, second.RSSI)
	assert.Equal(t, "Sensor", second.Name)
	assert.Equal(t, t0, second.FirstSeen)
	assert.Equal(t, t0.Add(time.Second), second.LastSeen)

	// signal strength reflects the latest reading even when it is weaker
	third := second.Merge(ScanEntry{ID: "d1", Name: "Sensor-2", RSSI: -90, LastSeen: t0.Add(2 * time.Second)})
	assert.Equal(t, -90, third.RSSI)
	assert.Equal(t, "Sensor-2", third.Name)
}

func TestNewAttributeRef(t *testing.T) {
	ref, err := NewAttributeRef("180D", "0x2A37")
	require.NoError(t, err)
	assert.Equal(t, AttributeRef{Service: heartRateService, Characteristic: heartRateMeasure}, ref)
	assert.Equal(t, heartRateService+"/"+heartRateMeasure, ref.Key())
	assert.Equal(t, "180d/2a37", ref.String())

	_, err = NewAttributeRef("", "2a37")
	var mpe *MissingParameterError
	require.True(t, errors.As(err, &mpe))
	assert.Equal(t, "service", mpe.Param)

	_, err = NewAttributeRef("180d", "")
	require.True(t, errors.As(err, &mpe))
	assert.Equal(t, "characteristic", mpe.Param)

	_, err = NewAttributeRef("180d", "xyz")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestFindCharacteristic(t *testing.T) {
	p := &fakePeripheral{
		id: "d1",
		services: []Service{
			{UUID: heartRateService, Primary: true, Characteristics: []Characteristic{
				{UUID: heartRateMeasure, Properties: PropNotify},
			}},
		},
	}

	c, err := FindCharacteristic(p, AttributeRef{Service: heartRateService, Characteristic: heartRateMeasure})
	require.NoError(t, err)
	assert.True(t, c.Properties.CanSubscribe())

	_, err = FindCharacteristic(p, AttributeRef{Service: batteryService, Characteristic: heartRateMeasure})
	assert.ErrorIs(t, err, ErrAttributeNotFound)
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "service", nf.Resource)

	_, err = FindCharacteristic(p, AttributeRef{Service: heartRateService, Characteristic: batteryService})
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "characteristic", nf.Resource)
	assert.Equal(t, []string{heartRateService, batteryService}, nf.UUIDs)

	_, err = FindService(nil, heartRateService)
	assert.ErrorIs(t, err, ErrAttributeNotFound)
}

func TestProperties(t *testing.T) {
	p := PropRead | PropNotify
	assert.True(t, p.CanRead())
	assert.False(t, p.CanWrite())
	assert.False(t, p.CanWriteWithoutResponse())
	assert.True(t, p.CanSubscribe())
	assert.Equal(t, []string{"Read", "Notify"}, p.Names())
	assert.Equal(t, "Read|Notify", p.String())
	assert.Equal(t, "None", Properties(0).String())
	assert.True(t, PropIndicate.CanSubscribe())
}
