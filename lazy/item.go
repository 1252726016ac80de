package lazy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/comalice/lazychart"
	"github.com/comalice/lazychart/internal/tracing"
)

// Kind distinguishes lazily built states from lazily loaded resources.
type Kind int

const (
	KindState Kind = iota
	KindResource
)

func (k Kind) String() string {
	if k == KindState {
		return "state"
	}
	return "resource"
}

// Status is the load state of an item. Transitions:
//
//	Idle -> Queued -> Loading -> Done | Failed
//	Failed -> Queued (retry)    Done -> Idle (unload)
//	Queued | Loading -> Idle (UnloadAll)
type Status int

const (
	Idle Status = iota
	Queued
	Loading
	Done
	Failed
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Queued:
		return "queued"
	case Loading:
		return "loading"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Factory builds a state on demand. The returned state's id must match the
// registered id.
type Factory func(ctx context.Context) (*lazychart.State, error)

// Loader produces a resource value from its path.
type Loader func(ctx context.Context, path string) (any, error)

// Callback receives the materialized value: a *lazychart.State for state
// items, the loaded value for resources.
type Callback func(value any, err error)

type waiter func(ctx context.Context, value any, err error)

// Failure reasons reported through LoadError and LoadingError notifications.
const (
	ReasonTimeout    = "Timeout"
	ReasonCanceled   = "Canceled"
	ReasonEmpty      = "EmptyResult"
	ReasonCycle      = "DependencyCycle"
	ReasonDependency = "DependencyFailed"
)

var (
	ErrDuplicateItem = errors.New("lazy item already registered")
	ErrUnknownItem   = errors.New("lazy item not registered")
	ErrWrongKind     = errors.New("lazy item has a different kind")
	ErrNoMachine     = errors.New("registry has no state machine")
)

// LoadError reports a failed materialization. The item stays unloaded.
type LoadError struct {
	ID     string
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lazy item %q: %s: %v", e.ID, e.Reason, e.Err)
	}
	return fmt.Sprintf("lazy item %q: %s", e.ID, e.Reason)
}

func (e *LoadError) Unwrap() error { return e.Err }

// FailureReason returns the short reason, e.g. "Timeout".
func (e *LoadError) FailureReason() string { return e.Reason }

// IsTimeout reports whether err is a load timeout.
func IsTimeout(err error) bool {
	var le *LoadError
	return errors.As(err, &le) && le.Reason == ReasonTimeout
}

type item struct {
	id   string
	kind Kind
	path string
	deps []string

	factory Factory
	loader  Loader

	status    Status
	result    any
	err       error
	startedAt time.Time
	elapsed   time.Duration
	waiters   []waiter
	span      *tracing.Span
}
