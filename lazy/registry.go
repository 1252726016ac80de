// Package lazy materializes states and resources on demand.
//
// A Registry holds items that are registered but not yet built. LoadAsync
// queues an item; Step, called once per tick, starts queued items while fewer
// than the concurrency limit are in flight and completes them on the
// following step. An item's lazy dependencies are built synchronously before
// its own factory runs and do not count against the limit.
package lazy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/comalice/lazychart"
	"github.com/comalice/lazychart/clock"
	"github.com/comalice/lazychart/internal/logger"
	"github.com/comalice/lazychart/internal/tracing"
	"github.com/comalice/lazychart/notify"
	"github.com/comalice/lazychart/resource"
)

const (
	DefaultMaxConcurrentLoads = 2
	DefaultLoadTimeout        = 10 * time.Second
)

// Registry is the lazy item registry and its load scheduler. It is not safe
// for concurrent use and is driven from the tick goroutine.
type Registry struct {
	machine *lazychart.StateMachine
	store   *resource.Store

	items    map[string]*item
	queue    []string
	inFlight []string

	maxConcurrent int
	timeout       time.Duration
	adjacency     map[string][]string

	logger *slog.Logger
	bus    *notify.Bus
	clock  clock.Clock
	tracer *tracing.Tracer
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxConcurrentLoads caps in-flight items. Values below one become one.
func WithMaxConcurrentLoads(n int) Option {
	return func(r *Registry) { r.maxConcurrent = n }
}

// WithLoadTimeout fails items whose load takes longer than d. Zero disables
// the timeout.
func WithLoadTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithAdjacency declares which items PreloadAdjacent queues for an id.
func WithAdjacency(adj map[string][]string) Option {
	return func(r *Registry) {
		for id, next := range adj {
			r.adjacency[id] = append([]string(nil), next...)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func WithBus(b *notify.Bus) Option {
	return func(r *Registry) { r.bus = b }
}

func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Registry) { r.tracer = tracing.New(tp) }
}

// New creates a registry that adds built states to machine and stores loaded
// resources in store. Either may be nil when unused.
func New(machine *lazychart.StateMachine, store *resource.Store, opts ...Option) *Registry {
	r := &Registry{
		machine:       machine,
		store:         store,
		items:         make(map[string]*item),
		maxConcurrent: DefaultMaxConcurrentLoads,
		timeout:       DefaultLoadTimeout,
		adjacency:     make(map[string][]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxConcurrent < 1 {
		r.maxConcurrent = 1
	}
	r.logger = logger.Or(r.logger).With(logger.Component("lazy"))
	r.clock = clock.Or(r.clock)
	if r.tracer == nil {
		r.tracer = tracing.New(nil)
	}
	return r
}

// RegisterLazyState registers a state built by factory once deps are loaded.
func (r *Registry) RegisterLazyState(id string, factory Factory, deps ...string) error {
	if factory == nil {
		return r.registrationError(id, fmt.Errorf("nil factory"))
	}
	return r.register(&item{id: id, kind: KindState, factory: factory, deps: deps})
}

// RegisterLazyResource registers a resource read from path by loader once
// deps are loaded.
func (r *Registry) RegisterLazyResource(id, path string, loader Loader, deps ...string) error {
	if loader == nil {
		return r.registrationError(id, fmt.Errorf("nil loader"))
	}
	return r.register(&item{id: id, kind: KindResource, path: path, loader: loader, deps: deps})
}

func (r *Registry) register(it *item) error {
	if it.id == "" {
		return r.registrationError(it.id, lazychart.ErrInvalidState)
	}
	if _, ok := r.items[it.id]; ok {
		return r.registrationError(it.id, ErrDuplicateItem)
	}
	it.deps = append([]string(nil), it.deps...)
	r.items[it.id] = it
	return nil
}

// SetAdjacent replaces the adjacency list of id.
func (r *Registry) SetAdjacent(id string, next ...string) {
	r.adjacency[id] = append([]string(nil), next...)
}

// LoadAsync requests id. If it is loaded, cb runs immediately with the cached
// value; if it is queued or loading, cb joins the wait list; otherwise the
// item is queued. cb may be nil.
func (r *Registry) LoadAsync(id string, cb Callback) error {
	var w waiter
	if cb != nil {
		w = func(_ context.Context, v any, err error) { cb(v, err) }
	}
	return r.load(id, w)
}

// LoadStateAsync is LoadAsync for state items.
func (r *Registry) LoadStateAsync(id string, cb func(*lazychart.State, error)) error {
	if err := r.expectKind(id, KindState); err != nil {
		return err
	}
	var w waiter
	if cb != nil {
		w = func(_ context.Context, v any, err error) {
			s, _ := v.(*lazychart.State)
			cb(s, err)
		}
	}
	return r.load(id, w)
}

// LoadResourceAsync is LoadAsync for resource items.
func (r *Registry) LoadResourceAsync(id string, cb Callback) error {
	if err := r.expectKind(id, KindResource); err != nil {
		return err
	}
	return r.LoadAsync(id, cb)
}

// LoadAndEnter loads state id and then moves the machine to it: Start when
// the machine is stopped, TransitionTo otherwise.
func (r *Registry) LoadAndEnter(id string) error {
	if err := r.expectKind(id, KindState); err != nil {
		return err
	}
	if r.machine == nil {
		return ErrNoMachine
	}
	return r.load(id, func(ctx context.Context, _ any, err error) {
		if err != nil {
			return
		}
		if !r.machine.IsRunning() {
			if serr := r.machine.Start(ctx, id); serr != nil {
				r.logger.Warn("cannot start machine in loaded state", logger.Item(id), logger.Error(serr))
			}
			return
		}
		if terr := r.machine.TransitionTo(ctx, id); terr != nil && !lazychart.IsDeferred(terr) {
			r.logger.Warn("cannot enter loaded state", logger.Item(id), logger.Error(terr))
		}
	})
}

func (r *Registry) load(id string, w waiter) error {
	it, ok := r.items[id]
	if !ok {
		r.logger.Warn("load requested for unknown item", logger.Item(id))
		return &LoadError{ID: id, Reason: "Unregistered", Err: ErrUnknownItem}
	}
	r.sync(it)
	switch it.status {
	case Done:
		if w != nil {
			w(context.Background(), it.result, nil)
		}
		return nil
	case Queued, Loading:
		if w != nil {
			it.waiters = append(it.waiters, w)
		}
		return nil
	}
	if w != nil {
		it.waiters = append(it.waiters, w)
	}
	r.enqueue(it)
	return nil
}

func (r *Registry) enqueue(it *item) {
	it.status = Queued
	it.err = nil
	r.queue = append(r.queue, it.id)
	r.logger.Debug("item queued", logger.Item(it.id), slog.String("kind", it.kind.String()))
}

// Step advances the scheduler by one tick. In-flight items are completed or
// timed out first, then queued items start until the concurrency limit is
// reached.
func (r *Registry) Step(ctx context.Context) {
	for _, id := range append([]string(nil), r.inFlight...) {
		if it := r.items[id]; it != nil && it.status == Loading {
			r.finalize(ctx, it)
		}
	}
	for len(r.inFlight) < r.maxConcurrent && len(r.queue) > 0 {
		id := r.queue[0]
		r.queue = r.queue[1:]
		it, ok := r.items[id]
		if !ok || it.status != Queued {
			continue
		}
		r.inFlight = append(r.inFlight, id)
		r.begin(ctx, it)
		if err := r.resolveDeps(ctx, it, map[string]bool{it.id: true}); err != nil {
			r.fail(ctx, it, err)
			continue
		}
		r.run(ctx, it)
	}
}

func (r *Registry) begin(ctx context.Context, it *item) {
	it.status = Loading
	it.startedAt = r.clock.Now()
	it.elapsed = 0
	it.result = nil
	it.err = nil
	_, it.span = r.tracer.Start(ctx, "lazychart.lazy.load", tracing.Item(it.id), tracing.Kind(it.kind.String()))
	r.bus.Publish(notify.Notification{Kind: notify.LoadProgress, ID: it.id, Progress: 0})
}

// resolveDeps builds every unloaded lazy dependency of it, depth first, and
// checks that other dependencies are already present.
func (r *Registry) resolveDeps(ctx context.Context, it *item, visiting map[string]bool) error {
	for _, depID := range it.deps {
		if visiting[depID] {
			return &LoadError{ID: it.id, Reason: ReasonCycle, Err: fmt.Errorf("dependency %q", depID)}
		}
		dep, ok := r.items[depID]
		if !ok {
			if r.present(depID) {
				continue
			}
			return &LoadError{ID: it.id, Reason: ReasonDependency, Err: fmt.Errorf("dependency %q: %w", depID, ErrUnknownItem)}
		}
		if err := r.resolve(ctx, dep, visiting); err != nil {
			return &LoadError{ID: it.id, Reason: ReasonDependency, Err: err}
		}
	}
	return nil
}

func (r *Registry) resolve(ctx context.Context, dep *item, visiting map[string]bool) error {
	r.sync(dep)
	switch dep.status {
	case Done:
		return nil
	case Loading:
		// Started by an earlier step; complete it now.
		r.finalize(ctx, dep)
	default:
		visiting[dep.id] = true
		defer delete(visiting, dep.id)
		r.dequeue(dep.id)
		r.begin(ctx, dep)
		if err := r.resolveDeps(ctx, dep, visiting); err != nil {
			r.fail(ctx, dep, err)
			return err
		}
		r.run(ctx, dep)
		r.finalize(ctx, dep)
	}
	if dep.status != Done {
		return dep.err
	}
	return nil
}

// sync returns a loaded lazy resource to Idle once the store no longer holds
// it, after eviction or an unload by another consumer.
func (r *Registry) sync(it *item) {
	if it.kind != KindResource || it.status != Done || r.store == nil || r.store.IsResourceLoaded(it.id) {
		return
	}
	it.status = Idle
	it.result = nil
	r.logger.Debug("lazy resource dropped by store", logger.Item(it.id))
}

// present reports whether a non-lazy dependency is already available.
func (r *Registry) present(id string) bool {
	if r.machine != nil && r.machine.HasState(id) {
		return true
	}
	return r.store != nil && r.store.IsResourceLoaded(id)
}

// run invokes the item's factory or loader and stashes the outcome. Elapsed
// time runs from begin to the end of the call; idle time between host ticks
// is excluded.
func (r *Registry) run(ctx context.Context, it *item) {
	defer func() {
		it.elapsed = r.clock.Now().Sub(it.startedAt)
		if rec := recover(); rec != nil {
			it.result = nil
			it.err = fmt.Errorf("panic: %v", rec)
		}
	}()
	switch it.kind {
	case KindState:
		s, err := it.factory(ctx)
		if err == nil && s == nil {
			err = &LoadError{ID: it.id, Reason: ReasonEmpty}
		}
		if err == nil && s.ID() != it.id {
			err = fmt.Errorf("factory built state %q", s.ID())
		}
		it.result, it.err = s, err
	case KindResource:
		v, err := it.loader(ctx, it.path)
		if err == nil && v == nil {
			err = &LoadError{ID: it.id, Reason: ReasonEmpty}
		}
		it.result, it.err = v, err
	}
}

// finalize completes a Loading item whose factory has run.
func (r *Registry) finalize(ctx context.Context, it *item) {
	r.leave(it.id)
	elapsed := it.elapsed
	if r.timeout > 0 && elapsed > r.timeout {
		r.fail(ctx, it, &LoadError{ID: it.id, Reason: ReasonTimeout, Err: fmt.Errorf("took %s, limit %s", elapsed, r.timeout)})
		return
	}
	if it.err != nil {
		r.fail(ctx, it, it.err)
		return
	}
	switch it.kind {
	case KindState:
		if r.machine == nil {
			r.fail(ctx, it, ErrNoMachine)
			return
		}
		if err := r.machine.AddState(it.result.(*lazychart.State)); err != nil {
			r.fail(ctx, it, err)
			return
		}
	case KindResource:
		if r.store != nil {
			r.store.Put(it.id, it.path, it.result, elapsed)
		}
	}
	it.status = Done
	it.span.End(nil)
	it.span = nil
	r.logger.Debug("item loaded", logger.Item(it.id), logger.Duration(elapsed))
	r.bus.Publish(notify.Notification{Kind: notify.LoadProgress, ID: it.id, Progress: 1})
	r.notify(ctx, it, it.result, nil)
}

func (r *Registry) fail(ctx context.Context, it *item, err error) {
	r.leave(it.id)
	lerr, ok := err.(*LoadError)
	if !ok || lerr.ID != it.id {
		lerr = &LoadError{ID: it.id, Reason: lazychart.FailureReason(err), Err: err}
	}
	it.status = Failed
	it.result = nil
	it.err = lerr
	it.span.End(lerr)
	it.span = nil
	r.logger.Warn("item failed to load", logger.Item(it.id), logger.Reason(lerr.Reason), logger.Error(lerr.Err))
	r.bus.Publish(notify.Notification{Kind: notify.LoadingError, ID: it.id, Reason: lerr.Reason})
	r.notify(ctx, it, nil, lerr)
}

func (r *Registry) notify(ctx context.Context, it *item, v any, err error) {
	waiters := it.waiters
	it.waiters = nil
	for _, w := range waiters {
		r.guard(it.id, func() { w(ctx, v, err) })
	}
}

func (r *Registry) guard(id string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("load callback panicked", logger.Item(id), logger.Error(fmt.Errorf("panic: %v", rec)))
		}
	}()
	fn()
}

func (r *Registry) leave(id string) {
	for i, fid := range r.inFlight {
		if fid == id {
			r.inFlight = append(r.inFlight[:i], r.inFlight[i+1:]...)
			return
		}
	}
}

func (r *Registry) dequeue(id string) {
	for i, qid := range r.queue {
		if qid == id {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return
		}
	}
}

// UnloadState removes a loaded state from the machine, exiting it first if
// it is active. The item can be loaded again.
func (r *Registry) UnloadState(ctx context.Context, id string) bool {
	it, ok := r.items[id]
	if !ok || it.kind != KindState || it.status != Done {
		return false
	}
	if r.machine != nil && r.machine.HasState(id) {
		if err := r.machine.RemoveState(ctx, id); err != nil {
			r.logger.Warn("cannot remove unloaded state", logger.Item(id), logger.Error(err))
		}
	}
	it.status = Idle
	it.result = nil
	return true
}

// UnloadResource clears a resource. Ids that are not lazy items are
// unloaded from the store directly.
func (r *Registry) UnloadResource(ctx context.Context, id string) bool {
	it, ok := r.items[id]
	if !ok {
		return r.store != nil && r.store.UnloadResource(ctx, id)
	}
	if it.kind != KindResource || it.status != Done {
		return false
	}
	if r.store != nil {
		r.store.UnloadResource(ctx, id)
	}
	it.status = Idle
	it.result = nil
	return true
}

// UnloadAll cancels every queued and in-flight item, including loads pending
// in the store, then unloads every loaded item. Canceled waiters receive a
// LoadError with reason "Canceled".
func (r *Registry) UnloadAll(ctx context.Context) {
	canceled := append(append([]string(nil), r.inFlight...), r.queue...)
	r.inFlight = nil
	r.queue = nil
	for _, id := range canceled {
		it := r.items[id]
		if it == nil || (it.status != Queued && it.status != Loading) {
			continue
		}
		lerr := &LoadError{ID: id, Reason: ReasonCanceled}
		it.status = Idle
		it.result = nil
		it.span.End(lerr)
		it.span = nil
		r.bus.Publish(notify.Notification{Kind: notify.LoadingError, ID: id, Reason: ReasonCanceled})
		r.notify(ctx, it, nil, lerr)
	}
	if r.store != nil {
		r.store.CancelPending(&LoadError{Reason: ReasonCanceled})
	}
	for _, id := range r.ids() {
		it := r.items[id]
		if it.status != Done {
			continue
		}
		if it.kind == KindState {
			r.UnloadState(ctx, id)
		} else {
			r.UnloadResource(ctx, id)
		}
	}
	r.logger.Info("all lazy items unloaded", slog.Int("canceled", len(canceled)))
}

// LoadResource implements lazychart.ResourceLoader, routing lazy resource
// ids through the scheduler and everything else to the store.
func (r *Registry) LoadResource(ctx context.Context, id, path string, cb func(any, error)) {
	if it, ok := r.items[id]; ok && it.kind == KindResource {
		if err := r.LoadAsync(id, cb); err != nil && cb != nil {
			cb(nil, err)
		}
		return
	}
	if r.store == nil {
		if cb != nil {
			cb(nil, &LoadError{ID: id, Reason: "Unregistered", Err: ErrUnknownItem})
		}
		return
	}
	r.store.LoadResource(ctx, id, path, cb)
}

func (r *Registry) IsStateLoaded(id string) bool {
	it, ok := r.items[id]
	return ok && it.kind == KindState && it.status == Done
}

// IsResourceLoaded reports whether a lazy resource has loaded, or for other
// ids whether the store holds it.
func (r *Registry) IsResourceLoaded(id string) bool {
	if it, ok := r.items[id]; ok {
		r.sync(it)
		return it.kind == KindResource && it.status == Done
	}
	return r.store != nil && r.store.IsResourceLoaded(id)
}

func (r *Registry) GetLoadedState(id string) (*lazychart.State, bool) {
	it, ok := r.items[id]
	if !ok || it.kind != KindState || it.status != Done {
		return nil, false
	}
	return it.result.(*lazychart.State), true
}

// GetLoadedResource returns the value of a loaded lazy resource.
func (r *Registry) GetLoadedResource(id string) (any, bool) {
	it, ok := r.items[id]
	if ok {
		r.sync(it)
	}
	if !ok || it.kind != KindResource || it.status != Done {
		return nil, false
	}
	return it.result, true
}

// Status returns the item's load status; unknown ids are Idle.
func (r *Registry) Status(id string) Status {
	if it, ok := r.items[id]; ok {
		r.sync(it)
		return it.status
	}
	return Idle
}

// IsLoading reports whether id is in flight. Queued items are not loading.
func (r *Registry) IsLoading(id string) bool {
	return r.Status(id) == Loading
}

// Err returns the failure of the last load attempt.
func (r *Registry) Err(id string) error {
	if it, ok := r.items[id]; ok && it.status == Failed {
		return it.err
	}
	return nil
}

// Queued returns queued ids in FIFO order.
func (r *Registry) Queued() []string { return append([]string(nil), r.queue...) }

// InFlight returns in-flight ids in start order.
func (r *Registry) InFlight() []string { return append([]string(nil), r.inFlight...) }

func (r *Registry) Has(id string) bool {
	_, ok := r.items[id]
	return ok
}

func (r *Registry) expectKind(id string, kind Kind) error {
	it, ok := r.items[id]
	if !ok {
		r.logger.Warn("load requested for unknown item", logger.Item(id))
		return &LoadError{ID: id, Reason: "Unregistered", Err: ErrUnknownItem}
	}
	if it.kind != kind {
		return &LoadError{ID: id, Reason: "WrongKind", Err: ErrWrongKind}
	}
	return nil
}

func (r *Registry) ids() []string {
	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) registrationError(id string, err error) error {
	r.logger.Warn("lazy registration failed", logger.Item(id), logger.Error(err))
	return &lazychart.RegistrationError{ID: id, Err: err}
}
