// Package pending implements the table of outstanding caller requests.
//
// Each request is registered under a Key and resolved exactly once, either by
// the event that satisfies it or by cancellation. At most one request may be
// outstanding per Key. Resolution does not invoke resolvers directly: the table
// hands back Deliveries so the owner can run callbacks outside its critical section.
//
// A Table is not safe for concurrent use; its owner serializes access.
package pending

import (
	"fmt"
	"sort"
	"time"

	"github.com/srg/blelink/internal/device"
)

// Kind is the operation kind a request waits on.
type Kind uint8

const (
	KindScan Kind = iota + 1
	KindConnect
	KindDiscover
	KindDisconnect
	KindRead
	KindWrite
)

func (k Kind) String() string {
	switch k {
	case KindScan:
		return "scan"
	case KindConnect:
		return "connect"
	case KindDiscover:
		return "discover"
	case KindDisconnect:
		return "disconnect"
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// AttributeScoped reports whether requests of this kind are keyed per characteristic.
func (k Kind) AttributeScoped() bool {
	return k == KindRead || k == KindWrite
}

// Key identifies a pending request slot. Device-scoped kinds (scan, connect,
// discover, disconnect) key on the kind alone, so only one of each may be in
// flight system-wide. Read and write key on device and attribute.
type Key struct {
	Kind      Kind
	Device    string
	Attribute string // device.AttributeRef.Key()
}

// DeviceKey returns the key for a device-scoped kind.
func DeviceKey(kind Kind) Key {
	return Key{Kind: kind}
}

// AttributeKey returns the key for an attribute-scoped kind.
func AttributeKey(kind Kind, deviceID string, ref device.AttributeRef) Key {
	return Key{Kind: kind, Device: deviceID, Attribute: ref.Key()}
}

func (k Key) String() string {
	if k.Device == "" && k.Attribute == "" {
		return k.Kind.String()
	}
	return fmt.Sprintf("%s(%s %s)", k.Kind, k.Device, k.Attribute)
}

// Outcome is the single result delivered to a resolver.
type Outcome struct {
	Value any
	Err   error
}

func Success(v any) Outcome       { return Outcome{Value: v} }
func Failure(err error) Outcome   { return Outcome{Err: err} }
func (o Outcome) Succeeded() bool { return o.Err == nil }

// Resolver receives the outcome of a request. It is invoked exactly once.
type Resolver func(Outcome)

// Ticket names one registration. It stays valid after the request resolves,
// but then no longer owns its key.
type Ticket struct {
	Key Key
	seq uint64
}

// Valid reports whether the ticket came from a successful registration.
func (t Ticket) Valid() bool { return t.seq != 0 }

// Delivery is a resolution ready to be handed to its resolver.
type Delivery struct {
	Key      Key
	Target   string
	Outcome  Outcome
	Waited   time.Duration
	resolver Resolver
}

// Deliver invokes the resolver.
func (d Delivery) Deliver() {
	if d.resolver != nil {
		d.resolver(d.Outcome)
	}
}

// DeliverAll invokes every delivery in order.
func DeliverAll(ds []Delivery) {
	for _, d := range ds {
		d.Deliver()
	}
}

type entry struct {
	seq          uint64
	target       string
	resolver     Resolver
	registeredAt time.Time
}

// Table maps keys to the single outstanding request per key.
type Table struct {
	entries map[Key]*entry
	seq     uint64
	now     func() time.Time
}

func NewTable() *Table {
	return &Table{
		entries: make(map[Key]*entry),
		now:     time.Now,
	}
}

// Register stores r under key. target is the device identity the request is for
// (empty for scan). Fails with ErrDuplicateRequest while a request for key is outstanding;
// the existing request is left intact.
func (t *Table) Register(key Key, target string, r Resolver) (Ticket, error) {
	if r == nil {
		return Ticket{}, &device.MissingParameterError{Param: "resolver"}
	}
	if _, busy := t.entries[key]; busy {
		return Ticket{}, fmt.Errorf("%w: %s already in flight", device.ErrDuplicateRequest, key)
	}
	t.seq++
	t.entries[key] = &entry{seq: t.seq, target: target, resolver: r, registeredAt: t.now()}
	return Ticket{Key: key, seq: t.seq}, nil
}

// Resolve removes the request for key and returns its delivery.
// Fails with ErrNoPendingRequest when nothing is registered, so a second resolve never reaches the resolver.
func (t *Table) Resolve(key Key, outcome Outcome) (Delivery, error) {
	e, ok := t.entries[key]
	if !ok {
		return Delivery{}, fmt.Errorf("%w: %s", device.ErrNoPendingRequest, key)
	}
	delete(t.entries, key)
	return t.delivery(key, e, outcome), nil
}

// Has reports whether a request is outstanding for key.
func (t *Table) Has(key Key) bool {
	_, ok := t.entries[key]
	return ok
}

// Target returns the device identity the request under key was registered for.
func (t *Table) Target(key Key) (string, bool) {
	e, ok := t.entries[key]
	if !ok {
		return "", false
	}
	return e.target, true
}

// Cancel rejects the request named by ticket with reason, provided the ticket still owns its key.
// A later registration under the same key is never touched.
func (t *Table) Cancel(ticket Ticket, reason error) (Delivery, error) {
	e, ok := t.entries[ticket.Key]
	if !ok || e.seq != ticket.seq {
		return Delivery{}, fmt.Errorf("%w: %s", device.ErrNoPendingRequest, ticket.Key)
	}
	delete(t.entries, ticket.Key)
	return t.delivery(ticket.Key, e, Failure(reason)), nil
}

// CancelWhere rejects every request whose key and target satisfy pred.
// Deliveries are returned in registration order.
func (t *Table) CancelWhere(pred func(key Key, target string) bool, reason error) []Delivery {
	var matched []Key
	for k, e := range t.entries {
		if pred(k, e.target) {
			matched = append(matched, k)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return t.entries[matched[i]].seq < t.entries[matched[j]].seq
	})

	out := make([]Delivery, 0, len(matched))
	for _, k := range matched {
		e := t.entries[k]
		delete(t.entries, k)
		out = append(out, t.delivery(k, e, Failure(reason)))
	}
	return out
}

// CancelAll rejects every outstanding request with reason.
func (t *Table) CancelAll(reason error) []Delivery {
	return t.CancelWhere(func(Key, string) bool { return true }, reason)
}

// Len returns the number of outstanding requests.
func (t *Table) Len() int {
	return len(t.entries)
}

// Keys returns the outstanding keys in registration order.
func (t *Table) Keys() []Key {
	keys := make([]Key, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return t.entries[keys[i]].seq < t.entries[keys[j]].seq
	})
	return keys
}

func (t *Table) delivery(key Key, e *entry, outcome Outcome) Delivery {
	return Delivery{
		Key:      key,
		Target:   e.target,
		Outcome:  outcome,
		Waited:   t.now().Sub(e.registeredAt),
		resolver: e.resolver,
	}
}
