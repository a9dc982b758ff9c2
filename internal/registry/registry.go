// Package registry is the single source of truth for which devices exist and in what state:
// devices observed during the current scan session and devices with an established link.
//
// A Registry is not safe for concurrent use; its owner serializes access.
package registry

import (
	"sort"
	"time"

	"github.com/srg/blelink/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Registry tracks scanned and connected devices keyed by normalized device identity.
type Registry struct {
	scanned   *orderedmap.OrderedMap[string, device.ScanEntry] // first-seen order
	connected map[string]device.ConnectedDevice
	known     map[string]struct{} // every identity seen during the process lifetime
	session   uint64
	now       func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		scanned:   orderedmap.New[string, device.ScanEntry](),
		connected: make(map[string]device.ConnectedDevice),
		known:     make(map[string]struct{}),
		now:       time.Now,
	}
}

// BeginScanSession clears all scan entries and starts a new session.
// Connected devices and the set of known identities are untouched.
func (r *Registry) BeginScanSession() uint64 {
	r.scanned = orderedmap.New[string, device.ScanEntry]()
	r.session++
	return r.session
}

// Session returns the number of the current scan session (0 before the first one).
func (r *Registry) Session() uint64 {
	return r.session
}

// RecordDiscovery inserts a new scan entry or merges obs into the existing one.
// The entry ID must already be normalized. Returns the stored entry and whether it was new.
func (r *Registry) RecordDiscovery(obs device.ScanEntry) (device.ScanEntry, bool) {
	ts := r.now()
	if obs.LastSeen.IsZero() {
		obs.LastSeen = ts
	}
	if obs.FirstSeen.IsZero() {
		obs.FirstSeen = obs.LastSeen
	}
	r.known[obs.ID] = struct{}{}

	prev, ok := r.scanned.Get(obs.ID)
	if !ok {
		entry := obs.Clone()
		r.scanned.Set(obs.ID, entry)
		return entry.Clone(), true
	}

	merged := prev.Merge(obs)
	r.scanned.Set(obs.ID, merged)
	return merged.Clone(), false
}

// LookupScanned returns the scan entry for id in the current session.
func (r *Registry) LookupScanned(id string) (device.ScanEntry, bool) {
	e, ok := r.scanned.Get(id)
	if !ok {
		return device.ScanEntry{}, false
	}
	return e.Clone(), true
}

// LookupConnected returns the connected device for id.
func (r *Registry) LookupConnected(id string) (device.ConnectedDevice, bool) {
	d, ok := r.connected[id]
	return d, ok
}

// Known reports whether id has been observed at least once, in any session.
func (r *Registry) Known(id string) bool {
	_, ok := r.known[id]
	return ok
}

// Remember marks id as known without a scan entry, e.g. a bonded device the
// platform reports as already connected.
func (r *Registry) Remember(id string) {
	r.known[id] = struct{}{}
}

// MarkConnected promotes id into the connected set. The identity must have been seen before.
func (r *Registry) MarkConnected(id string, p device.Peripheral) (device.ConnectedDevice, error) {
	if !r.Known(id) {
		return device.ConnectedDevice{}, &device.UnknownDeviceError{ID: id, State: device.StateScanned}
	}
	d := device.ConnectedDevice{ID: id, Peripheral: p, ConnectedAt: r.now()}
	r.connected[id] = d
	return d, nil
}

// MarkDisconnected removes id from the connected set. Idempotent; reports whether id was connected.
func (r *Registry) MarkDisconnected(id string) (device.ConnectedDevice, bool) {
	d, ok := r.connected[id]
	if ok {
		delete(r.connected, id)
	}
	return d, ok
}

// Snapshot returns copies of all scan entries in first-seen order.
func (r *Registry) Snapshot() []device.ScanEntry {
	out := make([]device.ScanEntry, 0, r.scanned.Len())
	for pair := r.scanned.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value.Clone())
	}
	return out
}

// ConnectedIDs returns the identities of all connected devices, sorted.
func (r *Registry) ConnectedIDs() []string {
	ids := make([]string, 0, len(r.connected))
	for id := range r.connected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) ScannedLen() int   { return r.scanned.Len() }
func (r *Registry) ConnectedLen() int { return len(r.connected) }
