package device

import "strings"

// Properties is the GATT characteristic properties bit field (Core Spec Vol 3, Part G, 3.3.1.1).
type Properties uint8

const (
	PropBroadcast   Properties = 0x01
	PropRead        Properties = 0x02
	PropWriteNR     Properties = 0x04
	PropWrite       Properties = 0x08
	PropNotify      Properties = 0x10
	PropIndicate    Properties = 0x20
	PropSignedWrite Properties = 0x40
	PropExtended    Properties = 0x80
)

var propertyNames = []struct {
	flag Properties
	name string
}{
	{PropBroadcast, "Broadcast"},
	{PropRead, "Read"},
	{PropWriteNR, "WriteWithoutResponse"},
	{PropWrite, "Write"},
	{PropNotify, "Notify"},
	{PropIndicate, "Indicate"},
	{PropSignedWrite, "AuthenticatedSignedWrites"},
	{PropExtended, "ExtendedProperties"},
}

func (p Properties) Has(flag Properties) bool { return p&flag != 0 }

func (p Properties) CanRead() bool { return p.Has(PropRead) }

func (p Properties) CanWrite() bool { return p.Has(PropWrite) }

func (p Properties) CanWriteWithoutResponse() bool { return p.Has(PropWriteNR) }

// CanSubscribe reports whether the characteristic supports notify or indicate.
func (p Properties) CanSubscribe() bool { return p.Has(PropNotify) || p.Has(PropIndicate) }

// Names returns the human-readable names of the set flags in bit order.
func (p Properties) Names() []string {
	var names []string
	for _, pn := range propertyNames {
		if p.Has(pn.flag) {
			names = append(names, pn.name)
		}
	}
	return names
}

func (p Properties) String() string {
	if p == 0 {
		return "None"
	}
	return strings.Join(p.Names(), "|")
}
