package lazychart

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/comalice/lazychart/clock"
	"github.com/comalice/lazychart/internal/logger"
	"github.com/comalice/lazychart/internal/tracing"
	"github.com/comalice/lazychart/notify"
)

type requestKind int

const (
	requestTransition requestKind = iota
	requestComplete
	requestStop
)

// request is a transition, completion or stop queued for the next Update.
type request struct {
	kind   requestKind
	target string
}

// StateMachine owns a set of states and at most one active state. It may be
// nested as the payload of a state in a parent machine.
//
// A StateMachine is not safe for concurrent use. It is driven from a single
// goroutine, typically through realtime.Runtime.
type StateMachine struct {
	id   string
	name string

	states  map[string]*State
	order   []string
	current *State
	running bool

	parent      *StateMachine
	parentState string

	defaultState string
	deferred     []request
	inTransition bool
	history      *history
	data         *Data

	logger *slog.Logger
	bus    *notify.Bus
	clock  clock.Clock
	tracer *tracing.Tracer
}

// Option configures a StateMachine.
type Option func(*StateMachine)

// WithName sets the display name.
func WithName(name string) Option {
	return func(m *StateMachine) { m.name = name }
}

// WithLogger sets the logger. A nil logger falls back to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(m *StateMachine) { m.logger = l }
}

// WithBus publishes machine notifications on b.
func WithBus(b *notify.Bus) Option {
	return func(m *StateMachine) { m.bus = b }
}

// WithClock sets the clock used by delayed transitions.
func WithClock(c clock.Clock) Option {
	return func(m *StateMachine) { m.clock = c }
}

// WithTracerProvider records a span per executed transition.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *StateMachine) { m.tracer = tracing.New(tp) }
}

// WithDefaultState sets the state Start falls back to when called without an
// explicit initial id.
func WithDefaultState(id string) Option {
	return func(m *StateMachine) { m.defaultState = id }
}

// WithData shares d as the machine's data context.
func WithData(d *Data) Option {
	return func(m *StateMachine) { m.data = d }
}

// New creates a stopped machine with no states.
func New(id string, opts ...Option) *StateMachine {
	m := &StateMachine{
		id:      id,
		name:    id,
		states:  make(map[string]*State),
		history: newHistory(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logger.Or(m.logger).With(logger.Component("statemachine"), logger.Machine(id))
	m.clock = clock.Or(m.clock)
	if m.tracer == nil {
		m.tracer = tracing.New(nil)
	}
	if m.data == nil {
		m.data = NewData()
	}
	return m
}

func (m *StateMachine) ID() string                { return m.id }
func (m *StateMachine) Name() string              { return m.name }
func (m *StateMachine) IsRunning() bool           { return m.running }
func (m *StateMachine) Parent() *StateMachine     { return m.parent }
func (m *StateMachine) Data() *Data               { return m.data }
func (m *StateMachine) Bus() *notify.Bus          { return m.bus }
func (m *StateMachine) Logger() *slog.Logger      { return m.logger }
func (m *StateMachine) Current() *State           { return m.current }
func (m *StateMachine) DefaultState() string      { return m.defaultState }
func (m *StateMachine) SetDefaultState(id string) { m.defaultState = id }

// CurrentID returns the active state id, or "" when none is active.
func (m *StateMachine) CurrentID() string {
	if m.current == nil {
		return ""
	}
	return m.current.id
}

// AddState registers s. Ids must be unique within the machine. If s carries a
// child machine, the child is attached to this machine.
func (m *StateMachine) AddState(s *State) error {
	if s == nil || s.id == "" {
		return m.registrationError("", ErrInvalidState)
	}
	if _, ok := m.states[s.id]; ok {
		return m.registrationError(s.id, ErrDuplicateState)
	}
	if s.child != nil {
		if err := m.attach(s, s.child); err != nil {
			return err
		}
	}
	s.machine = m
	m.states[s.id] = s
	m.order = append(m.order, s.id)
	return nil
}

// RemoveState unregisters the state, exiting it first if it is active.
func (m *StateMachine) RemoveState(ctx context.Context, id string) error {
	s, ok := m.states[id]
	if !ok {
		return m.registrationError(id, ErrUnknownState)
	}
	if m.current == s {
		s.Exit(ctx)
		m.current = nil
	}
	if s.child != nil {
		if s.child.running {
			s.child.Stop(ctx)
		}
		s.child.parent = nil
		s.child.parentState = ""
	}
	m.history.clear(id)
	s.machine = nil
	delete(m.states, id)
	for i, sid := range m.order {
		if sid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// GetState returns the state registered under id.
func (m *StateMachine) GetState(id string) (*State, bool) {
	s, ok := m.states[id]
	return s, ok
}

// HasState reports whether id is registered.
func (m *StateMachine) HasState(id string) bool {
	_, ok := m.states[id]
	return ok
}

// States returns the registered states in registration order.
func (m *StateMachine) States() []*State {
	out := make([]*State, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.states[id])
	}
	return out
}

// Start activates the machine. The initial state is the explicit argument,
// else the configured default if registered, else the first registered state.
// Starting a running machine logs a warning and does nothing.
func (m *StateMachine) Start(ctx context.Context, initial ...string) error {
	if m.running {
		m.logger.Warn("start ignored, machine already running")
		return nil
	}
	id, err := m.resolveInitial(initial)
	if err != nil {
		m.logger.Error("cannot start machine", logger.Error(err))
		return err
	}

	m.running = true
	m.bus.Publish(notify.Notification{Kind: notify.MachineStarted, Machine: m.id})
	if err := m.TransitionTo(ctx, id); err != nil {
		m.running = false
		return err
	}
	m.logger.Info("machine started", logger.State(id))
	return nil
}

func (m *StateMachine) resolveInitial(initial []string) (string, error) {
	if len(initial) > 0 && initial[0] != "" {
		if !m.HasState(initial[0]) {
			return "", m.registrationError(initial[0], ErrUnknownState)
		}
		return initial[0], nil
	}
	if m.defaultState != "" && m.HasState(m.defaultState) {
		return m.defaultState, nil
	}
	if len(m.order) > 0 {
		return m.order[0], nil
	}
	return "", ErrNoInitialState
}

// TransitionTo moves the machine to target. The request is rejected, leaving
// the machine unchanged, when the machine is stopped, target is unknown, or
// the current state has no allowed transition to target.
//
// A call made while another transition is executing, for example from an
// OnEnter or OnExit hook, is queued and processed by the next Update. The
// returned error then satisfies IsDeferred.
func (m *StateMachine) TransitionTo(ctx context.Context, target string) error {
	if !m.running {
		return m.reject(target, ErrNotRunning)
	}
	if m.inTransition {
		m.deferred = append(m.deferred, request{kind: requestTransition, target: target})
		m.logger.Debug("transition deferred to next update", logger.Target(target))
		return m.transitionError(target, ErrReentrant)
	}
	next, ok := m.states[target]
	if !ok {
		return m.reject(target, ErrUnknownState)
	}
	var edge *Transition
	if m.current != nil {
		edge, ok = m.current.transitions[target]
		if !ok {
			return m.reject(target, ErrNoTransition)
		}
		if !edge.CanTransition() {
			return m.reject(target, ErrPredicateFalse)
		}
	}
	m.execute(ctx, edge, next)
	return nil
}

func (m *StateMachine) execute(ctx context.Context, edge *Transition, next *State) {
	prev := m.current
	prevID := m.CurrentID()
	ctx, span := m.tracer.Start(ctx, "lazychart.transition",
		tracing.Machine(m.id), tracing.From(prevID), tracing.To(next.id))

	m.inTransition = true
	if prev != nil {
		prev.Exit(ctx)
	}
	if edge != nil {
		edge.fire()
	}
	m.current = next
	next.Enter(ctx)
	m.stopOtherChildren(ctx, next)
	m.inTransition = false

	span.End(nil)
	m.logger.Debug("state changed", slog.String("previous", prevID), logger.State(next.id))
	m.bus.Publish(notify.Notification{
		Kind:     notify.StateChanged,
		Machine:  m.id,
		Previous: prevID,
		Next:     next.id,
	})
}

// stopOtherChildren force-stops running children of states other than active
// whose container exits on parent state change.
func (m *StateMachine) stopOtherChildren(ctx context.Context, active *State) {
	for _, s := range m.containers() {
		if s == active || !s.child.running || s.container.keepChild {
			continue
		}
		s.child.Stop(ctx)
	}
}

// Stop deactivates the machine. Running child machines are stopped deepest
// first, then the current state exits. Stopping a stopped machine logs a
// warning and does nothing.
//
// A call made while a transition or another Stop is executing, for example
// from an OnExit hook, is queued and processed by the next Update.
func (m *StateMachine) Stop(ctx context.Context) {
	if !m.running {
		m.logger.Warn("stop ignored, machine not running")
		return
	}
	if m.inTransition {
		m.deferred = append(m.deferred, request{kind: requestStop})
		m.logger.Debug("stop deferred to next update")
		return
	}
	m.inTransition = true
	for _, s := range m.containers() {
		if s.child.running {
			s.child.Stop(ctx)
		}
	}
	if m.parent != nil && m.current != nil {
		m.parent.history.record(m.parentState, m.current.id)
	}
	if m.current != nil {
		m.current.Exit(ctx)
	}
	m.inTransition = false
	m.current = nil
	m.running = false
	m.deferred = nil
	m.bus.Publish(notify.Notification{Kind: notify.MachineStopped, Machine: m.id})
	m.logger.Info("machine stopped")
}

// Update processes queued requests, ticks the current state, takes the first
// allowed automatic transition, then ticks every running child machine.
func (m *StateMachine) Update(ctx context.Context, dt time.Duration) {
	if !m.running {
		return
	}
	m.drain(ctx)
	if m.current != nil {
		m.current.Update(ctx, dt)
	}
	m.TryTransitions(ctx)
	for _, s := range m.containers() {
		if s.child.running {
			s.child.Update(ctx, dt)
		}
	}
}

// TryTransitions takes the first automatic transition of the current state
// whose predicate passes, in target id order. States that are not Ready, for
// example because a required resource failed, are never left automatically.
func (m *StateMachine) TryTransitions(ctx context.Context) bool {
	if !m.running || m.current == nil || !m.current.Ready() {
		return false
	}
	for _, t := range m.current.Transitions() {
		if !t.automatic || !t.CanTransition() {
			continue
		}
		if err := m.TransitionTo(ctx, t.to); err != nil {
			m.logger.Warn("automatic transition failed", logger.Target(t.to), logger.Error(err))
			return false
		}
		return true
	}
	return false
}

// RequestTransition queues a transition to target for the next Update.
func (m *StateMachine) RequestTransition(target string) {
	m.deferred = append(m.deferred, request{kind: requestTransition, target: target})
}

// RequestParentTransition asks the parent machine to transition to target at
// its next Update.
func (m *StateMachine) RequestParentTransition(target string) error {
	if m.parent == nil {
		return ErrNoParent
	}
	m.parent.RequestTransition(target)
	return nil
}

// Complete signals that the machine has finished its work. The parent, if
// any, follows the owning container's OnChildComplete target at its next
// Update.
func (m *StateMachine) Complete() {
	m.bus.Publish(notify.Notification{Kind: notify.MachineCompleted, Machine: m.id})
	if m.parent == nil {
		return
	}
	m.parent.deferred = append(m.parent.deferred, request{kind: requestComplete, target: m.parentState})
}

// Pending returns the number of queued requests.
func (m *StateMachine) Pending() int { return len(m.deferred) }

func (m *StateMachine) drain(ctx context.Context) {
	if len(m.deferred) == 0 {
		return
	}
	reqs := m.deferred
	m.deferred = nil
	for _, r := range reqs {
		switch r.kind {
		case requestTransition:
			if err := m.TransitionTo(ctx, r.target); err != nil && !IsDeferred(err) {
				m.logger.Warn("queued transition rejected", logger.Target(r.target), logger.Error(err))
			}
		case requestComplete:
			m.childCompleted(ctx, r.target)
		case requestStop:
			m.Stop(ctx)
			return
		}
	}
}

func (m *StateMachine) childCompleted(ctx context.Context, stateID string) {
	s, ok := m.states[stateID]
	if !ok || m.current != s {
		m.logger.Debug("child completion ignored, owner not active", logger.State(stateID))
		return
	}
	target := s.container.onComplete
	if target == "" {
		return
	}
	if err := m.TransitionTo(ctx, target); err != nil && !IsDeferred(err) {
		m.logger.Warn("completion transition rejected", logger.State(stateID), logger.Target(target), logger.Error(err))
	}
}

// containers returns states carrying a child machine, in id order.
func (m *StateMachine) containers() []*State {
	var out []*State
	for _, s := range m.states {
		if s.child != nil {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (m *StateMachine) reject(target string, err error) error {
	terr := m.transitionError(target, err)
	m.logger.Warn("transition rejected", logger.Target(target), logger.Error(err))
	return terr
}

func (m *StateMachine) transitionError(target string, err error) error {
	return &TransitionError{Machine: m.id, From: m.CurrentID(), To: target, Err: err}
}

func (m *StateMachine) registrationError(id string, err error) error {
	m.logger.Warn("registration failed", logger.State(id), logger.Error(err))
	return &RegistrationError{Machine: m.id, ID: id, Err: err}
}
