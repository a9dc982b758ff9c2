// Package bledb maps Bluetooth SIG assigned numbers to human-readable names.
//
// Lookups accept any identifier form device.Canonicalize understands. Vendor
// (non-SIG) ids and unassigned numbers yield "".
package bledb

import "github.com/srg/blelink/internal/device"

// LookupService returns the assigned name of a GATT service.
func LookupService(id string) string {
	return lookup(services, id)
}

// LookupCharacteristic returns the assigned name of a GATT characteristic.
func LookupCharacteristic(id string) string {
	return lookup(characteristics, id)
}

// LookupDescriptor returns the assigned name of a GATT descriptor.
func LookupDescriptor(id string) string {
	return lookup(descriptors, id)
}

// Lookup searches services, then characteristics, then descriptors.
func Lookup(id string) string {
	for _, table := range []map[uint16]string{services, characteristics, descriptors} {
		if name := lookup(table, id); name != "" {
			return name
		}
	}
	return ""
}

func lookup(table map[uint16]string, id string) string {
	canonical, err := device.Canonicalize(id)
	if err != nil {
		return ""
	}
	code, ok := device.ShortCode(canonical)
	if !ok {
		return ""
	}
	return table[code]
}
