// Package notify carries the notifications emitted by machines, the resource
// store and the lazy registry to host observers.
//
// Observers subscribe to a Bus and receive a Subscription token; calling
// Unsubscribe on the token removes exactly that observer. A single Bus is
// normally created at the composition root and handed to every component.
package notify

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Kind identifies a notification.
type Kind int

const (
	StateChanged Kind = iota + 1
	MachineStarted
	MachineStopped
	MachineCompleted
	ResourceLoaded
	ResourceUnloaded
	LoadProgress
	LoadingError
)

var kindNames = map[Kind]string{
	StateChanged:     "stateChanged",
	MachineStarted:   "machineStarted",
	MachineStopped:   "machineStopped",
	MachineCompleted: "machineCompleted",
	ResourceLoaded:   "resourceLoaded",
	ResourceUnloaded: "resourceUnloaded",
	LoadProgress:     "loadProgress",
	LoadingError:     "loadingError",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Notification is a single observer message. Which fields are populated
// depends on Kind:
//
//	StateChanged                      Machine, Previous, Next
//	MachineStarted/Stopped/Completed  Machine
//	ResourceLoaded                    ID, Value
//	ResourceUnloaded                  ID, Reason (empty, or "evicted")
//	LoadProgress                      ID, Progress in [0,1]
//	LoadingError                      ID, Reason
type Notification struct {
	Kind     Kind
	Machine  string
	Previous string
	Next     string
	ID       string
	Value    any
	Progress float64
	Reason   string
}

// Listener receives notifications synchronously on the publishing goroutine.
type Listener func(Notification)

type subscriber struct {
	id     uuid.UUID
	fn     Listener
	filter map[Kind]struct{}
}

func (s *subscriber) wants(k Kind) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[k]
	return ok
}

// Bus fans notifications out to subscribers in subscription order.
// Safe for concurrent use. A nil *Bus accepts Publish and drops everything.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	logger *slog.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the logger used to report panicking listeners.
func WithLogger(l *slog.Logger) BusOption {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBus creates an empty Bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers fn. When kinds are given, only those kinds are delivered.
func (b *Bus) Subscribe(fn Listener, kinds ...Kind) Subscription {
	sub := &subscriber{id: uuid.New(), fn: fn}
	if len(kinds) > 0 {
		sub.filter = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.filter[k] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return Subscription{ID: sub.id, bus: b}
}

// Unsubscribe removes the subscriber with the given id. Returns false if it
// was not subscribed.
func (b *Bus) Unsubscribe(id uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers n to every interested subscriber. Listeners run outside
// the bus lock, so they may subscribe or unsubscribe. A panicking listener
// is logged and skipped.
func (b *Bus) Publish(n Notification) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(n.Kind) {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, n)
	}
}

func (b *Bus) deliver(s *subscriber, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("notification listener panicked",
				slog.String("kind", n.Kind.String()),
				slog.String("subscription", s.id.String()),
				slog.Any("panic", r))
		}
	}()
	s.fn(n)
}

// Subscription is the token returned by Subscribe.
type Subscription struct {
	ID  uuid.UUID
	bus *Bus
}

// Unsubscribe removes the observer. Calling it more than once is harmless.
func (s Subscription) Unsubscribe() bool {
	if s.bus == nil {
		return false
	}
	return s.bus.Unsubscribe(s.ID)
}
