package lazychart

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/comalice/lazychart/clock"
	"github.com/comalice/lazychart/internal/logger"
)

// TransitionKind selects how a transition's predicate is evaluated.
type TransitionKind int

const (
	// KindImmediate always allows the transition.
	KindImmediate TransitionKind = iota
	// KindConditional consults a user predicate.
	KindConditional
	// KindDelayed allows the transition once armed for at least Delay.
	KindDelayed
	// KindTimer allows the transition once ticked for at least Duration while running.
	KindTimer
)

func (k TransitionKind) String() string {
	switch k {
	case KindImmediate:
		return "immediate"
	case KindConditional:
		return "conditional"
	case KindDelayed:
		return "delayed"
	case KindTimer:
		return "timer"
	default:
		return "unknown"
	}
}

// Predicate decides whether a conditional transition may fire. A returned
// error, like a panic, blocks the transition and is logged.
type Predicate func() (bool, error)

// Condition adapts a plain boolean function to a Predicate.
func Condition(fn func() bool) Predicate {
	return func() (bool, error) { return fn(), nil }
}

// Transition is a named, directed, predicate-gated edge between two states of
// the same machine. From and To are filled in by State.AddTransition.
type Transition struct {
	from      string
	to        string
	name      string
	kind      TransitionKind
	automatic bool

	predicate    Predicate
	onTransition func()

	// delayed
	delay   time.Duration
	armed   bool
	armedAt time.Time

	// timer
	duration time.Duration
	elapsed  time.Duration
	running  bool

	owner *State
	clock clock.Clock
}

// TransitionOption configures a Transition.
type TransitionOption func(*Transition)

// TransitionName sets a display name.
func TransitionName(name string) TransitionOption {
	return func(t *Transition) { t.name = name }
}

// OnTransition registers a side effect run when the transition fires,
// after the source state exits and before the target enters.
func OnTransition(fn func()) TransitionOption {
	return func(t *Transition) { t.onTransition = fn }
}

// Automatic marks the transition to be taken by StateMachine.Update as soon as
// it becomes allowed. Automatic delayed and timer transitions are armed when
// their source state enters.
func Automatic() TransitionOption {
	return func(t *Transition) { t.automatic = true }
}

// WithTransitionClock overrides the clock used by delayed transitions.
// By default the owning machine's clock is used.
func WithTransitionClock(c clock.Clock) TransitionOption {
	return func(t *Transition) { t.clock = c }
}

func newTransition(kind TransitionKind, opts []TransitionOption) *Transition {
	t := &Transition{kind: kind}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Immediate creates a transition that is always allowed.
func Immediate(opts ...TransitionOption) *Transition {
	return newTransition(KindImmediate, opts)
}

// Conditional creates a transition gated by pred.
func Conditional(pred Predicate, opts ...TransitionOption) *Transition {
	t := newTransition(KindConditional, opts)
	t.predicate = pred
	return t
}

// Delayed creates a transition that becomes allowed once Start has been
// called and at least d has elapsed since.
func Delayed(d time.Duration, opts ...TransitionOption) *Transition {
	t := newTransition(KindDelayed, opts)
	t.delay = d
	return t
}

// Timer creates a transition that becomes allowed once d of ticked time has
// accumulated between StartTimer and StopTimer.
func Timer(d time.Duration, opts ...TransitionOption) *Transition {
	t := newTransition(KindTimer, opts)
	t.duration = d
	return t
}

func (t *Transition) From() string         { return t.from }
func (t *Transition) To() string           { return t.to }
func (t *Transition) Kind() TransitionKind { return t.kind }
func (t *Transition) IsAutomatic() bool    { return t.automatic }
func (t *Transition) Delay() time.Duration {
	if t.kind == KindTimer {
		return t.duration
	}
	return t.delay
}

// Name returns the display name, defaulting to "from->to".
func (t *Transition) Name() string {
	if t.name != "" {
		return t.name
	}
	return t.from + "->" + t.to
}

// Start arms a delayed transition. Re-arming restarts the delay.
func (t *Transition) Start() {
	t.armed = true
	t.armedAt = t.now()
}

// Armed reports whether a delayed transition is armed or a timer is running.
func (t *Transition) Armed() bool {
	if t.kind == KindTimer {
		return t.running
	}
	return t.armed
}

// StartTimer resumes accumulation for a timer transition.
func (t *Transition) StartTimer() { t.running = true }

// StopTimer pauses accumulation without discarding elapsed time.
func (t *Transition) StopTimer() { t.running = false }

// Elapsed returns the accumulated timer time.
func (t *Transition) Elapsed() time.Duration { return t.elapsed }

// Tick adds dt to a running timer.
func (t *Transition) Tick(dt time.Duration) {
	if t.kind == KindTimer && t.running && dt > 0 {
		t.elapsed += dt
	}
}

// CanTransition evaluates the transition's gate. It never panics.
func (t *Transition) CanTransition() bool {
	switch t.kind {
	case KindImmediate:
		return true
	case KindConditional:
		return t.evalPredicate()
	case KindDelayed:
		return t.armed && t.now().Sub(t.armedAt) >= t.delay
	case KindTimer:
		return t.running && t.elapsed >= t.duration
	default:
		return false
	}
}

// fire runs the side-effect hook and resets delayed/timer bookkeeping.
func (t *Transition) fire() {
	t.reset()
	if t.onTransition == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.log().Error("transition hook panicked", logger.State(t.from), logger.Target(t.to), logger.Error(fmt.Errorf("panic: %v", r)))
		}
	}()
	t.onTransition()
}

func (t *Transition) reset() {
	t.armed = false
	t.armedAt = time.Time{}
	t.running = false
	t.elapsed = 0
}

// arm is called when the owner enters, for automatic delayed/timer edges.
func (t *Transition) arm() {
	if !t.automatic {
		return
	}
	switch t.kind {
	case KindDelayed:
		t.Start()
	case KindTimer:
		t.elapsed = 0
		t.StartTimer()
	}
}

func (t *Transition) evalPredicate() (ok bool) {
	if t.predicate == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			t.log().Warn("transition predicate panicked", logger.State(t.from), logger.Target(t.to), logger.Error(fmt.Errorf("panic: %v", r)))
			ok = false
		}
	}()
	ok, err := t.predicate()
	if err != nil {
		t.log().Warn("transition predicate failed", logger.State(t.from), logger.Target(t.to), logger.Error(err))
		return false
	}
	return ok
}

func (t *Transition) now() time.Time {
	if t.clock != nil {
		return t.clock.Now()
	}
	if t.owner != nil && t.owner.machine != nil {
		return t.owner.machine.clock.Now()
	}
	return clock.Real{}.Now()
}

func (t *Transition) log() *slog.Logger {
	if t.owner != nil {
		return t.owner.log()
	}
	return slog.Default()
}
