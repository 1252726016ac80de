// Package resource caches host assets that load across ticks.
//
// A Store never sleeps: LoadResource registers a pending load and Tick, called
// by the same driver that updates the state machines, advances it. Concurrent
// requests for one id share a single backend call. Entries live until they are
// unloaded or evicted in insertion order once the cache exceeds its size.
package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/comalice/lazychart/clock"
	"github.com/comalice/lazychart/internal/logger"
	"github.com/comalice/lazychart/internal/tracing"
	"github.com/comalice/lazychart/notify"
)

// Backend loads the asset at path. It is called synchronously from Tick and
// may be slow.
type Backend func(ctx context.Context, path string) (any, error)

var (
	ErrNoBackend    = errors.New("resource store has no backend")
	ErrEmptyResult  = errors.New("backend returned no value")
	ErrNotLoaded    = errors.New("resource not loaded")
	ErrTypeMismatch = errors.New("resource has a different type")
)

// LoadError reports a failed backend call.
type LoadError struct {
	ID   string
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load resource %q from %q: %v", e.ID, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// FailureReason returns the backend's error text.
func (e *LoadError) FailureReason() string { return e.Err.Error() }

type entry struct {
	value    any
	path     string
	typ      reflect.Type
	duration time.Duration
}

type load struct {
	id        string
	path      string
	ticks     int
	startedAt time.Time
	waiters   []func(any, error)
}

// Store maps resource ids to loaded values. It is not safe for concurrent
// use and is driven from the tick goroutine.
type Store struct {
	backend Backend

	entries map[string]*entry
	order   []string
	pending map[string]*load
	queue   []string

	maxCacheSize int
	loadTicks    int

	bus    *notify.Bus
	logger *slog.Logger
	clock  clock.Clock
	tracer *tracing.Tracer
}

// Option configures a Store.
type Option func(*Store)

// WithMaxCacheSize bounds the number of cached entries. Zero means unbounded.
func WithMaxCacheSize(n int) Option {
	return func(s *Store) { s.maxCacheSize = n }
}

// WithLoadTicks sets how many ticks a load spans before the backend is
// called. Values below one are treated as one.
func WithLoadTicks(n int) Option {
	return func(s *Store) { s.loadTicks = n }
}

func WithBus(b *notify.Bus) Option {
	return func(s *Store) { s.bus = b }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock sets the clock used to measure load durations.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Store) { s.tracer = tracing.New(tp) }
}

// New creates an empty store reading through backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:   backend,
		entries:   make(map[string]*entry),
		pending:   make(map[string]*load),
		loadTicks: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.loadTicks < 1 {
		s.loadTicks = 1
	}
	s.logger = logger.Or(s.logger).With(logger.Component("resource"))
	s.clock = clock.Or(s.clock)
	if s.tracer == nil {
		s.tracer = tracing.New(nil)
	}
	return s
}

// LoadResource requests id from path. A cached value is passed to cb
// immediately. Otherwise cb runs from the Tick that completes the load; a
// request for an id already loading joins that load. cb may be nil.
func (s *Store) LoadResource(_ context.Context, id, path string, cb func(value any, err error)) {
	if e, ok := s.entries[id]; ok {
		if cb != nil {
			cb(e.value, nil)
		}
		return
	}
	if l, ok := s.pending[id]; ok {
		if cb != nil {
			l.waiters = append(l.waiters, cb)
		}
		return
	}
	l := &load{id: id, path: path, startedAt: s.clock.Now()}
	if cb != nil {
		l.waiters = append(l.waiters, cb)
	}
	s.pending[id] = l
	s.queue = append(s.queue, id)
	s.logger.Debug("resource load started", logger.Resource(id), slog.String("path", path))
	s.publish(notify.Notification{Kind: notify.LoadProgress, ID: id, Progress: 0})
}

// LoadResourcesAsync loads every id in resources and calls onComplete once
// all of them have settled. Already cached ids count immediately. The error
// joins every failure.
func (s *Store) LoadResourcesAsync(ctx context.Context, resources map[string]string, onComplete func(map[string]any, error)) {
	values := make(map[string]any, len(resources))
	if len(resources) == 0 {
		if onComplete != nil {
			onComplete(values, nil)
		}
		return
	}
	ids := make([]string, 0, len(resources))
	for id := range resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	remaining := len(ids)
	var errs []error
	for _, id := range ids {
		s.LoadResource(ctx, id, resources[id], func(v any, err error) {
			if err != nil {
				errs = append(errs, err)
			} else {
				values[id] = v
			}
			remaining--
			if remaining == 0 && onComplete != nil {
				onComplete(values, errors.Join(errs...))
			}
		})
	}
}

// Tick advances pending loads by one step, calling the backend for loads
// that have waited their configured number of ticks.
func (s *Store) Tick(ctx context.Context) {
	if len(s.queue) == 0 {
		return
	}
	ids := s.queue
	s.queue = nil
	for _, id := range ids {
		l, ok := s.pending[id]
		if !ok {
			continue
		}
		l.ticks++
		if l.ticks < s.loadTicks {
			s.queue = append(s.queue, id)
			s.publish(notify.Notification{
				Kind:     notify.LoadProgress,
				ID:       id,
				Progress: float64(l.ticks) / float64(s.loadTicks),
			})
			continue
		}
		delete(s.pending, id)
		s.finish(ctx, l)
	}
}

func (s *Store) finish(ctx context.Context, l *load) {
	value, err := s.call(ctx, l)
	if err != nil {
		lerr := &LoadError{ID: l.id, Path: l.path, Err: err}
		s.logger.Warn("resource load failed", logger.Resource(l.id), slog.String("path", l.path), logger.Error(err))
		s.publish(notify.Notification{Kind: notify.LoadingError, ID: l.id, Reason: lerr.FailureReason()})
		for _, cb := range l.waiters {
			cb(nil, lerr)
		}
		return
	}

	duration := s.clock.Now().Sub(l.startedAt)
	s.insert(l.id, l.path, value, duration)
	s.publish(notify.Notification{Kind: notify.LoadProgress, ID: l.id, Progress: 1})
	s.publish(notify.Notification{Kind: notify.ResourceLoaded, ID: l.id, Value: value})
	s.logger.Debug("resource loaded", logger.Resource(l.id), logger.Duration(duration))
	s.evict()
	for _, cb := range l.waiters {
		cb(value, nil)
	}
}

func (s *Store) call(ctx context.Context, l *load) (value any, err error) {
	ctx, span := s.tracer.Start(ctx, "lazychart.resource.load", tracing.Resource(l.id))
	defer func() { span.End(err) }()
	defer func() {
		if r := recover(); r != nil {
			value, err = nil, fmt.Errorf("backend panicked: %v", r)
		}
	}()
	if s.backend == nil {
		return nil, ErrNoBackend
	}
	value, err = s.backend(ctx, l.path)
	if err == nil && isEmpty(value) {
		err = ErrEmptyResult
	}
	return value, err
}

// Put stores an already materialized value, completing any pending load of
// the same id.
func (s *Store) Put(id, path string, value any, duration time.Duration) {
	s.insert(id, path, value, duration)
	s.publish(notify.Notification{Kind: notify.ResourceLoaded, ID: id, Value: value})
	s.evict()
	if l, ok := s.pending[id]; ok {
		delete(s.pending, id)
		for _, cb := range l.waiters {
			cb(value, nil)
		}
	}
}

func (s *Store) insert(id, path string, value any, duration time.Duration) {
	if _, ok := s.entries[id]; !ok {
		s.order = append(s.order, id)
	}
	s.entries[id] = &entry{
		value:    value,
		path:     path,
		typ:      reflect.TypeOf(value),
		duration: duration,
	}
}

// UnloadResource removes id from the cache. Loads still in progress are not
// affected.
func (s *Store) UnloadResource(_ context.Context, id string) bool {
	return s.remove(id, "")
}

// UnloadAllResources removes every cached entry in insertion order.
func (s *Store) UnloadAllResources(_ context.Context) {
	for _, id := range append([]string(nil), s.order...) {
		s.remove(id, "")
	}
}

// CancelPending abandons every load in progress. Waiters receive err.
func (s *Store) CancelPending(err error) {
	ids := s.queue
	s.queue = nil
	for _, id := range ids {
		l, ok := s.pending[id]
		if !ok {
			continue
		}
		delete(s.pending, id)
		for _, cb := range l.waiters {
			cb(nil, &LoadError{ID: id, Path: l.path, Err: err})
		}
	}
}

// SetMaxCacheSize changes the bound and evicts the oldest entries beyond it.
func (s *Store) SetMaxCacheSize(n int) {
	s.maxCacheSize = n
	s.evict()
}

func (s *Store) MaxCacheSize() int { return s.maxCacheSize }

func (s *Store) evict() {
	for s.maxCacheSize > 0 && len(s.order) > s.maxCacheSize {
		id := s.order[0]
		s.logger.Info("resource evicted", logger.Resource(id))
		s.remove(id, "evicted")
	}
}

func (s *Store) remove(id, reason string) bool {
	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.publish(notify.Notification{Kind: notify.ResourceUnloaded, ID: id, Reason: reason})
	return true
}

func (s *Store) IsResourceLoaded(id string) bool {
	_, ok := s.entries[id]
	return ok
}

// IsLoading reports whether a load of id is in progress.
func (s *Store) IsLoading(id string) bool {
	_, ok := s.pending[id]
	return ok
}

// IDs returns cached ids in insertion order.
func (s *Store) IDs() []string {
	return append([]string(nil), s.order...)
}

func (s *Store) Len() int { return len(s.order) }

// Info returns the path and load duration recorded for id.
func (s *Store) Info(id string) (path string, duration time.Duration, ok bool) {
	e, ok := s.entries[id]
	if !ok {
		return "", 0, false
	}
	return e.path, e.duration, true
}

// Value returns the untyped cached value.
func (s *Store) Value(id string) (any, bool) {
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// TypeOf returns the dynamic type recorded when id was loaded.
func (s *Store) TypeOf(id string) (reflect.Type, bool) {
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return e.typ, true
}

func (s *Store) publish(n notify.Notification) {
	s.bus.Publish(n)
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
