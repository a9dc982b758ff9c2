// Package discovery tracks, per device, the services whose characteristics are still
// being enumerated, and reports when a multi-step attribute discovery is complete.
//
// A Tracker is not safe for concurrent use; its owner serializes access.
package discovery

import "sort"

// Tracker holds one wait-set per device.
type Tracker struct {
	waiting map[string]map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{waiting: make(map[string]map[string]struct{})}
}

// Begin replaces the wait-set for deviceID. An empty service list means the
// device is complete immediately; the return value reports that.
func (t *Tracker) Begin(deviceID string, serviceIDs []string) bool {
	set := make(map[string]struct{}, len(serviceIDs))
	for _, s := range serviceIDs {
		set[s] = struct{}{}
	}
	t.waiting[deviceID] = set
	return len(set) == 0
}

// CompleteService removes serviceID from the wait-set and reports whether the set is now empty.
// Unknown or already completed services leave the set unchanged. A device with no wait-set is not complete.
func (t *Tracker) CompleteService(deviceID, serviceID string) bool {
	set, ok := t.waiting[deviceID]
	if !ok {
		return false
	}
	delete(set, serviceID)
	return len(set) == 0
}

// IsComplete reports whether discovery for deviceID began and has no services outstanding.
func (t *Tracker) IsComplete(deviceID string) bool {
	set, ok := t.waiting[deviceID]
	return ok && len(set) == 0
}

// InProgress reports whether deviceID has a wait-set, complete or not.
func (t *Tracker) InProgress(deviceID string) bool {
	_, ok := t.waiting[deviceID]
	return ok
}

// Remaining returns the outstanding service ids, sorted.
func (t *Tracker) Remaining(deviceID string) []string {
	set := t.waiting[deviceID]
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Discard drops the wait-set for deviceID.
func (t *Tracker) Discard(deviceID string) {
	delete(t.waiting, deviceID)
}
