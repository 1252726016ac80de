package testutil

import (
	"context"
	"sort"
	"sync"
)

// Loader is a manual lazychart.ResourceLoader. Loads stay pending until
// Complete or Fail is called.
type Loader struct {
	mu       sync.Mutex
	loaded   map[string]any
	pending  map[string][]func(any, error)
	requests []string
	unloads  []string
}

func NewLoader() *Loader {
	return &Loader{
		loaded:  make(map[string]any),
		pending: make(map[string][]func(any, error)),
	}
}

func (l *Loader) LoadResource(_ context.Context, id, _ string, cb func(any, error)) {
	l.mu.Lock()
	l.requests = append(l.requests, id)
	if v, ok := l.loaded[id]; ok {
		l.mu.Unlock()
		cb(v, nil)
		return
	}
	l.pending[id] = append(l.pending[id], cb)
	l.mu.Unlock()
}

func (l *Loader) UnloadResource(_ context.Context, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unloads = append(l.unloads, id)
	_, ok := l.loaded[id]
	delete(l.loaded, id)
	return ok
}

func (l *Loader) IsResourceLoaded(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.loaded[id]
	return ok
}

// Complete stores value and notifies every waiter.
func (l *Loader) Complete(id string, value any) {
	l.mu.Lock()
	l.loaded[id] = value
	waiters := l.pending[id]
	delete(l.pending, id)
	l.mu.Unlock()
	for _, cb := range waiters {
		cb(value, nil)
	}
}

// Fail notifies every waiter of err without caching anything.
func (l *Loader) Fail(id string, err error) {
	l.mu.Lock()
	waiters := l.pending[id]
	delete(l.pending, id)
	l.mu.Unlock()
	for _, cb := range waiters {
		cb(nil, err)
	}
}

// Pending returns ids with outstanding waiters.
func (l *Loader) Pending() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.pending))
	for id := range l.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Requests returns every id passed to LoadResource, in call order.
func (l *Loader) Requests() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.requests...)
}

// Unloads returns every id passed to UnloadResource, in call order.
func (l *Loader) Unloads() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.unloads...)
}
