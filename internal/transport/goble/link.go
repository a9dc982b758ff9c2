package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/groutine"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DefaultQueueSize bounds the commands waiting for one connection.
const DefaultQueueSize = 64

var errQueueFull = errors.New("command queue full")

// gattService is a discovered service and the characteristics enumerated so far.
type gattService struct {
	svc             *ble.Service
	characteristics *orderedmap.OrderedMap[string, *gattCharacteristic]
}

type gattCharacteristic struct {
	char        *ble.Characteristic
	descriptors []string
	subscribed  bool
	indicate    bool
}

// link is one live connection. It is the device.Peripheral handed to the engine
// and serializes every GATT command for the device on a single worker.
type link struct {
	id     string
	client GATTClient
	logger *logrus.Logger

	mu       sync.RWMutex
	services *orderedmap.OrderedMap[string, *gattService] // discovery order

	queue  chan func()
	ctx    context.Context
	cancel context.CancelCauseFunc
	once   sync.Once
}

var _ device.Peripheral = (*link)(nil)

func newLink(parent context.Context, id string, client GATTClient, logger *logrus.Logger) *link {
	ctx, cancel := context.WithCancelCause(parent)
	return &link{
		id:       id,
		client:   client,
		logger:   logger,
		services: orderedmap.New[string, *gattService](),
		queue:    make(chan func(), DefaultQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (l *link) ID() string { return l.id }

// Services returns a snapshot of everything discovered so far.
func (l *link) Services() []device.Service {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]device.Service, 0, l.services.Len())
	for sp := l.services.Oldest(); sp != nil; sp = sp.Next() {
		svc := device.Service{UUID: sp.Key, Primary: true}
		for cp := sp.Value.characteristics.Oldest(); cp != nil; cp = cp.Next() {
			svc.Characteristics = append(svc.Characteristics, device.Characteristic{
				UUID:        cp.Key,
				Properties:  device.Properties(cp.Value.char.Property),
				Descriptors: append([]string(nil), cp.Value.descriptors...),
			})
		}
		out = append(out, svc)
	}
	return out
}

// run processes queued commands until the link closes.
func (l *link) run(g *groutine.Group) {
	g.Go(l.ctx, "ble-link-"+l.id, func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case cmd := <-l.queue:
				cmd()
			}
		}
	})
}

// enqueue schedules cmd on the link worker without blocking.
func (l *link) enqueue(cmd func()) error {
	if err := l.ctx.Err(); err != nil {
		return device.ErrDisconnected
	}
	select {
	case l.queue <- cmd:
		return nil
	default:
		return fmt.Errorf("%s: %w", l.id, errQueueFull)
	}
}

// call runs cmd on the worker and waits for its result.
func (l *link) call(ctx context.Context, cmd func() error) error {
	done := make(chan error, 1)
	if err := l.enqueue(func() { done <- cmd() }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-l.ctx.Done():
		return device.ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close ends the link once. Reports whether this call closed it.
func (l *link) close(cause error) bool {
	closed := false
	l.once.Do(func() {
		closed = true
		l.cancel(cause)
	})
	return closed
}

func (l *link) setServices(svcs []*ble.Service) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, len(svcs))
	for _, s := range svcs {
		id, err := device.Canonicalize(s.UUID.String())
		if err != nil {
			l.logger.WithError(err).WithField("device", l.id).Debug("Skipping service with unparseable UUID")
			continue
		}
		if _, ok := l.services.Get(id); !ok {
			l.services.Set(id, &gattService{
				svc:             s,
				characteristics: orderedmap.New[string, *gattCharacteristic](),
			})
		}
		ids = append(ids, id)
	}
	return ids
}

func (l *link) service(id string) (*gattService, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.services.Get(id)
}

func (l *link) setCharacteristics(svcID string, chars []*ble.Characteristic, descriptors map[*ble.Characteristic][]string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	svc, ok := l.services.Get(svcID)
	if !ok {
		return
	}
	for _, c := range chars {
		id, err := device.Canonicalize(c.UUID.String())
		if err != nil {
			continue
		}
		svc.characteristics.Set(id, &gattCharacteristic{char: c, descriptors: descriptors[c]})
	}
}

func (l *link) characteristic(ref device.AttributeRef) (*gattCharacteristic, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	svc, ok := l.services.Get(ref.Service)
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{ref.Service}}
	}
	c, ok := svc.characteristics.Get(ref.Characteristic)
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{ref.Service, ref.Characteristic}}
	}
	return c, nil
}

// subscriptions returns the characteristics with notifications enabled.
func (l *link) subscriptions() []*gattCharacteristic {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*gattCharacteristic
	for sp := l.services.Oldest(); sp != nil; sp = sp.Next() {
		for cp := sp.Value.characteristics.Oldest(); cp != nil; cp = cp.Next() {
			if cp.Value.subscribed {
				out = append(out, cp.Value)
			}
		}
	}
	return out
}

func (l *link) markSubscribed(c *gattCharacteristic, on, indicate bool) {
	l.mu.Lock()
	c.subscribed = on
	c.indicate = indicate
	l.mu.Unlock()
}
