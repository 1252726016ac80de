package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/comalice/lazychart"
	"github.com/comalice/lazychart/internal/logger"
	"github.com/comalice/lazychart/lazy"
	"github.com/comalice/lazychart/resource"
)

const (
	DefaultTickRate           = 16667 * time.Microsecond
	DefaultMaxRequestsPerTick = 1000
)

// Config configures the tick driver.
type Config struct {
	TickRate           time.Duration // fixed time step, default 60 FPS
	MaxRequestsPerTick int           // request queue capacity, default 1000
}

// Runtime owns the tick loop for one machine tree and its loaders.
type Runtime struct {
	machine  *lazychart.StateMachine
	store    *resource.Store
	registry *lazy.Registry
	logger   *slog.Logger

	tickRate    time.Duration
	maxRequests int

	batchMu     sync.Mutex
	batch       []requestWithMeta
	sequenceNum uint64
	tickNum     uint64

	// stepMu serializes ticks from the loop and manual Step calls.
	stepMu sync.Mutex

	loopMu     sync.Mutex
	tickCancel context.CancelFunc
	stopped    chan struct{}
}

var _ Controller = (*Runtime)(nil)

// Option configures a Runtime.
type Option func(*Runtime)

// WithStore advances store loads every tick.
func WithStore(s *resource.Store) Option {
	return func(rt *Runtime) { rt.store = s }
}

// WithRegistry advances the lazy scheduler every tick and routes requests
// for unloaded lazy states through it.
func WithRegistry(r *lazy.Registry) Option {
	return func(rt *Runtime) { rt.registry = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(rt *Runtime) { rt.logger = l }
}

// NewRuntime creates a stopped runtime for machine.
func NewRuntime(machine *lazychart.StateMachine, cfg Config, opts ...Option) *Runtime {
	if cfg.MaxRequestsPerTick <= 0 {
		cfg.MaxRequestsPerTick = DefaultMaxRequestsPerTick
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = DefaultTickRate
	}
	rt := &Runtime{
		machine:     machine,
		tickRate:    cfg.TickRate,
		maxRequests: cfg.MaxRequestsPerTick,
		batch:       make([]requestWithMeta, 0, cfg.MaxRequestsPerTick),
	}
	for _, opt := range opts {
		opt(rt)
	}
	rt.logger = logger.Or(rt.logger).With(logger.Component("realtime"), logger.Machine(machine.ID()))
	return rt
}

func (rt *Runtime) Machine() *lazychart.StateMachine { return rt.machine }
func (rt *Runtime) TickRate() time.Duration          { return rt.tickRate }

// Start begins ticking on a new goroutine until ctx is canceled or Stop is
// called.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.loopMu.Lock()
	defer rt.loopMu.Unlock()
	if rt.tickCancel != nil {
		return errors.New("runtime already started")
	}
	tickCtx, cancel := context.WithCancel(ctx)
	rt.tickCancel = cancel
	rt.stopped = make(chan struct{})
	go rt.tickLoop(tickCtx, rt.stopped)
	rt.logger.Info("tick loop started", slog.Duration("tick_rate", rt.tickRate))
	return nil
}

// Stop halts the tick loop and waits for it to exit. The machine keeps its
// state; submit RequestStop to stop it.
func (rt *Runtime) Stop() {
	rt.loopMu.Lock()
	cancel, stopped := rt.tickCancel, rt.stopped
	rt.tickCancel = nil
	rt.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
	rt.logger.Info("tick loop stopped", slog.Uint64("ticks", rt.TickNumber()))
}

func (rt *Runtime) tickLoop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(rt.tickRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.safeStep(ctx)
		}
	}
}

func (rt *Runtime) safeStep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error("tick panicked", logger.Error(fmt.Errorf("panic: %v", r)))
		}
	}()
	rt.Step(ctx, rt.tickRate)
}

// Step runs one tick with time step dt.
func (rt *Runtime) Step(ctx context.Context, dt time.Duration) {
	rt.stepMu.Lock()
	defer rt.stepMu.Unlock()

	reqs := rt.collectRequests()
	sortRequests(reqs)
	for _, r := range reqs {
		rt.apply(ctx, r.Request)
	}
	if rt.store != nil {
		rt.store.Tick(ctx)
	}
	if rt.registry != nil {
		rt.registry.Step(ctx)
	}
	rt.machine.Update(ctx, dt)

	rt.batchMu.Lock()
	rt.tickNum++
	rt.batchMu.Unlock()
}

// TickNumber returns the number of completed ticks.
func (rt *Runtime) TickNumber() uint64 {
	rt.batchMu.Lock()
	defer rt.batchMu.Unlock()
	return rt.tickNum
}

// Pending returns the number of requests waiting for the next tick.
func (rt *Runtime) Pending() int {
	rt.batchMu.Lock()
	defer rt.batchMu.Unlock()
	return len(rt.batch)
}

// Submit queues r for the next tick. Higher priorities are applied first.
func (rt *Runtime) Submit(r Request, priority int) error {
	rt.batchMu.Lock()
	defer rt.batchMu.Unlock()

	if len(rt.batch) >= rt.maxRequests {
		return ErrQueueFull
	}
	rt.batch = append(rt.batch, requestWithMeta{
		Request:     r,
		SequenceNum: rt.sequenceNum,
		Priority:    priority,
	})
	rt.sequenceNum++
	return nil
}

// RequestStart starts the machine at the next tick, optionally in initial.
func (rt *Runtime) RequestStart(initial ...string) error {
	r := Request{Kind: RequestStart}
	if len(initial) > 0 {
		r.To = initial[0]
	}
	return rt.Submit(r, 0)
}

func (rt *Runtime) RequestStop() error {
	return rt.Submit(Request{Kind: RequestStop}, 0)
}

// RequestTransition moves the machine from from to to at the next tick. The
// request is dropped if the machine is no longer in from; an empty from
// matches any state.
func (rt *Runtime) RequestTransition(from, to string) error {
	return rt.Submit(Request{Kind: RequestTransition, From: from, To: to}, 0)
}

// UpdateStateData writes key to the machine's Data at the next tick.
func (rt *Runtime) UpdateStateData(key string, value any) error {
	return rt.Submit(Request{Kind: RequestUpdateData, Key: key, Value: value}, 0)
}

func (rt *Runtime) collectRequests() []requestWithMeta {
	rt.batchMu.Lock()
	defer rt.batchMu.Unlock()

	reqs := rt.batch
	rt.batch = make([]requestWithMeta, 0, rt.maxRequests)
	return reqs
}

func (rt *Runtime) apply(ctx context.Context, r Request) {
	switch r.Kind {
	case RequestStart:
		if rt.needsLoad(r.To) {
			rt.loadAndEnter(r.To)
			return
		}
		var initial []string
		if r.To != "" {
			initial = append(initial, r.To)
		}
		if err := rt.machine.Start(ctx, initial...); err != nil {
			rt.logger.Warn("start request failed", logger.Error(err))
		}
	case RequestStop:
		rt.machine.Stop(ctx)
	case RequestTransition:
		if r.From != "" && rt.machine.CurrentID() != r.From {
			rt.logger.Warn("stale transition request dropped",
				slog.String("from", r.From), logger.Target(r.To), logger.State(rt.machine.CurrentID()))
			return
		}
		if rt.needsLoad(r.To) {
			rt.loadAndEnter(r.To)
			return
		}
		if err := rt.machine.TransitionTo(ctx, r.To); err != nil && !lazychart.IsDeferred(err) {
			rt.logger.Warn("transition request rejected", logger.Target(r.To), logger.Error(err))
		}
	case RequestUpdateData:
		rt.machine.Data().Set(r.Key, r.Value)
	default:
		rt.logger.Warn("unknown request dropped", slog.String("kind", r.Kind.String()))
	}
}

// needsLoad reports whether id is a lazy state that has not been built yet.
func (rt *Runtime) needsLoad(id string) bool {
	return id != "" && rt.registry != nil && !rt.machine.HasState(id) && rt.registry.Has(id)
}

func (rt *Runtime) loadAndEnter(id string) {
	if err := rt.registry.LoadAndEnter(id); err != nil {
		rt.logger.Warn("lazy state request failed", logger.Target(id), logger.Error(err))
	}
}
