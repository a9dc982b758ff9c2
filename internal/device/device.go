package device

import (
	"bytes"
	"strings"
	"time"
)

// NormalizeDeviceID maps a transport-native device identifier (MAC address, platform UUID)
// to the identity used as the key everywhere: trimmed and lower-cased.
func NormalizeDeviceID(raw string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(raw))
	if id == "" {
		return "", &MissingParameterError{Param: "id"}
	}
	return id, nil
}

// Advertisement is the advertised-data blob of a scan entry.
// Nil/empty fields mean "not reported by this observation".
type Advertisement struct {
	LocalName        string
	ManufacturerData map[uint16][]byte // company id -> payload
	ServiceData      map[string][]byte // canonical service id -> payload
	Services         []string          // canonical service ids, first-seen order
	TxPower          *int
	Connectable      *bool
}

// Merge folds a newer observation into a, key by key: newer values win, fields absent
// from newer are preserved. Neither input is modified.
func (a Advertisement) Merge(newer Advertisement) Advertisement {
	out := a.Clone()

	if newer.LocalName != "" {
		out.LocalName = newer.LocalName
	}
	if len(newer.ManufacturerData) > 0 {
		if out.ManufacturerData == nil {
			out.ManufacturerData = make(map[uint16][]byte, len(newer.ManufacturerData))
		}
		for k, v := range newer.ManufacturerData {
			out.ManufacturerData[k] = bytes.Clone(v)
		}
	}
	if len(newer.ServiceData) > 0 {
		if out.ServiceData == nil {
			out.ServiceData = make(map[string][]byte, len(newer.ServiceData))
		}
		for k, v := range newer.ServiceData {
			out.ServiceData[k] = bytes.Clone(v)
		}
	}
	for _, s := range newer.Services {
		if !containsString(out.Services, s) {
			out.Services = append(out.Services, s)
		}
	}
	if newer.TxPower != nil {
		v := *newer.TxPower
		out.TxPower = &v
	}
	if newer.Connectable != nil {
		v := *newer.Connectable
		out.Connectable = &v
	}
	return out
}

// Clone returns a deep copy.
func (a Advertisement) Clone() Advertisement {
	out := Advertisement{LocalName: a.LocalName}
	if a.ManufacturerData != nil {
		out.ManufacturerData = make(map[uint16][]byte, len(a.ManufacturerData))
		for k, v := range a.ManufacturerData {
			out.ManufacturerData[k] = bytes.Clone(v)
		}
	}
	if a.ServiceData != nil {
		out.ServiceData = make(map[string][]byte, len(a.ServiceData))
		for k, v := range a.ServiceData {
			out.ServiceData[k] = bytes.Clone(v)
		}
	}
	if a.Services != nil {
		out.Services = append([]string(nil), a.Services...)
	}
	if a.TxPower != nil {
		v := *a.TxPower
		out.TxPower = &v
	}
	if a.Connectable != nil {
		v := *a.Connectable
		out.Connectable = &v
	}
	return out
}

// AdvertisesService reports whether the canonical service id appears in the advertised service list
// or the service data keys.
func (a Advertisement) AdvertisesService(id string) bool {
	if containsString(a.Services, id) {
		return true
	}
	_, ok := a.ServiceData[id]
	return ok
}

// ScanEntry is a device observed during the current scan session.
type ScanEntry struct {
	ID            string
	Name          string
	RSSI          int
	Advertisement Advertisement
	FirstSeen     time.Time
	LastSeen      time.Time
}

// Merge applies a newer observation of the same device.
// RSSI always reflects the newer reading; the name is replaced only when newer reports one.
func (e ScanEntry) Merge(newer ScanEntry) ScanEntry {
	out := e
	out.RSSI = newer.RSSI
	if newer.Name != "" {
		out.Name = newer.Name
	}
	out.Advertisement = e.Advertisement.Merge(newer.Advertisement)
	if out.FirstSeen.IsZero() {
		out.FirstSeen = newer.FirstSeen
	}
	if !newer.LastSeen.IsZero() {
		out.LastSeen = newer.LastSeen
	}
	return out
}

// Clone returns a copy that shares no mutable state with e.
func (e ScanEntry) Clone() ScanEntry {
	out := e
	out.Advertisement = e.Advertisement.Clone()
	return out
}

// Characteristic is a discovered GATT characteristic.
type Characteristic struct {
	UUID        string
	Properties  Properties
	Descriptors []string
}

// Service is a discovered GATT service.
type Service struct {
	UUID            string
	Primary         bool
	Characteristics []Characteristic
	Included        []string
}

// Characteristic looks up a characteristic of the service by canonical id.
func (s Service) Characteristic(id string) (Characteristic, bool) {
	for _, c := range s.Characteristics {
		if c.UUID == id {
			return c, true
		}
	}
	return Characteristic{}, false
}

// Peripheral is the transport's live handle to a connected device.
// Services are owned by the transport and reflect whatever it has discovered so far.
type Peripheral interface {
	ID() string
	Services() []Service
}

// ConnectedDevice is a device with an established link.
type ConnectedDevice struct {
	ID          string
	Peripheral  Peripheral
	ConnectedAt time.Time
}

// AttributeRef addresses a characteristic by canonical service and characteristic ids.
type AttributeRef struct {
	Service        string
	Characteristic string
}

// NewAttributeRef canonicalizes raw caller-supplied identifiers.
func NewAttributeRef(rawService, rawChar string) (AttributeRef, error) {
	if strings.TrimSpace(rawService) == "" {
		return AttributeRef{}, &MissingParameterError{Param: "service"}
	}
	if strings.TrimSpace(rawChar) == "" {
		return AttributeRef{}, &MissingParameterError{Param: "characteristic"}
	}
	svc, err := Canonicalize(rawService)
	if err != nil {
		return AttributeRef{}, err
	}
	chr, err := Canonicalize(rawChar)
	if err != nil {
		return AttributeRef{}, err
	}
	return AttributeRef{Service: svc, Characteristic: chr}, nil
}

// Key is the comparable string form "service/characteristic".
func (r AttributeRef) Key() string {
	return r.Service + "/" + r.Characteristic
}

func (r AttributeRef) String() string {
	return ShortenUUID(r.Service) + "/" + ShortenUUID(r.Characteristic)
}

// FindService looks up a service on a live peripheral.
func FindService(p Peripheral, serviceID string) (Service, error) {
	if p != nil {
		for _, s := range p.Services() {
			if s.UUID == serviceID {
				return s, nil
			}
		}
	}
	return Service{}, &NotFoundError{Resource: "service", UUIDs: []string{serviceID}}
}

// FindCharacteristic resolves an attribute reference against a live peripheral.
func FindCharacteristic(p Peripheral, ref AttributeRef) (Characteristic, error) {
	svc, err := FindService(p, ref.Service)
	if err != nil {
		return Characteristic{}, err
	}
	c, ok := svc.Characteristic(ref.Characteristic)
	if !ok {
		return Characteristic{}, &NotFoundError{Resource: "characteristic", UUIDs: []string{ref.Service, ref.Characteristic}}
	}
	return c, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
