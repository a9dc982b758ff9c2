package goble

import (
	"encoding/binary"

	"github.com/go-ble/ble"
	"github.com/srg/blelink/internal/device"
)

// txPowerAbsent is what go-ble reports when the advertisement carries no TX power level.
const txPowerAbsent = 127

// convertAdvertisement copies a go-ble advertisement into the core model.
// Identifiers the codec rejects are dropped.
func convertAdvertisement(a ble.Advertisement) device.Advertisement {
	adv := device.Advertisement{LocalName: a.LocalName()}

	// company id is the first two bytes, little-endian
	if md := a.ManufacturerData(); len(md) >= 2 {
		adv.ManufacturerData = map[uint16][]byte{
			binary.LittleEndian.Uint16(md[:2]): append([]byte(nil), md[2:]...),
		}
	}

	for _, sd := range a.ServiceData() {
		id, err := device.Canonicalize(sd.UUID.String())
		if err != nil {
			continue
		}
		if adv.ServiceData == nil {
			adv.ServiceData = make(map[string][]byte)
		}
		adv.ServiceData[id] = append([]byte(nil), sd.Data...)
	}

	adv.Services = canonicalUUIDs(a.Services())

	if tx := a.TxPowerLevel(); tx != txPowerAbsent {
		adv.TxPower = &tx
	}
	connectable := a.Connectable()
	adv.Connectable = &connectable

	return adv
}

func canonicalUUIDs(uuids []ble.UUID) []string {
	if len(uuids) == 0 {
		return nil
	}
	out := make([]string, 0, len(uuids))
	for _, u := range uuids {
		if id, err := device.Canonicalize(u.String()); err == nil {
			out = append(out, id)
		}
	}
	return out
}
