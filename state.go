package lazychart

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/comalice/lazychart/internal/logger"
)

// Hook is a lifecycle callback. Returned errors and panics are logged and do
// not interrupt the lifecycle step.
type Hook func(ctx context.Context, s *State) error

// UpdateHook is called on every tick while the state is active and entered.
type UpdateHook func(ctx context.Context, s *State, dt time.Duration) error

// State is a lifecycle unit with outgoing transitions. A State belongs to at
// most one StateMachine, from AddState until RemoveState.
//
// Optional behaviour is composed rather than inherited: a ResourceRequirement
// gates the enter body on loaded resources, and a child StateMachine turns the
// state into a container (see AsContainer).
type State struct {
	id     string
	name   string
	active bool
	// bodyRan is false while a resource-gated Enter is suspended.
	bodyRan    bool
	readyFired bool
	exiting    bool
	gen        int

	transitions map[string]*Transition

	requirement *ResourceRequirement
	loader      ResourceLoader
	reqState    requirementState

	child     *StateMachine
	container containerConfig

	onEnter  Hook
	onExit   Hook
	onUpdate UpdateHook
	onReady  Hook

	machine *StateMachine
}

// StateOption configures a State.
type StateOption func(*State)

// StateName sets the display name.
func StateName(name string) StateOption {
	return func(s *State) { s.name = name }
}

// OnEnter runs when the state becomes active, after any required resources
// when the requirement waits for them.
func OnEnter(h Hook) StateOption {
	return func(s *State) { s.onEnter = h }
}

// OnExit runs when the state deactivates.
func OnExit(h Hook) StateOption {
	return func(s *State) { s.onExit = h }
}

// OnUpdate runs on every Update while the state is active.
func OnUpdate(h UpdateHook) StateOption {
	return func(s *State) { s.onUpdate = h }
}

// OnResourcesReady runs once per activation when every required resource has
// loaded.
func OnResourcesReady(h Hook) StateOption {
	return func(s *State) { s.onReady = h }
}

// WithRequirement attaches a resource dependency declaration loaded through
// loader.
func WithRequirement(req ResourceRequirement, loader ResourceLoader) StateOption {
	return func(s *State) {
		r := req
		s.requirement = &r
		s.loader = loader
	}
}

// NewState creates an inactive state.
func NewState(id string, opts ...StateOption) *State {
	s := &State{
		id:          id,
		name:        id,
		transitions: make(map[string]*Transition),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *State) ID() string             { return s.id }
func (s *State) Name() string           { return s.name }
func (s *State) IsActive() bool         { return s.active }
func (s *State) Machine() *StateMachine { return s.machine }

// Child returns the nested machine of a container state, or nil.
func (s *State) Child() *StateMachine { return s.child }

// Requirement returns the resource declaration, or nil.
func (s *State) Requirement() *ResourceRequirement { return s.requirement }

// Ready reports whether the state is active, its enter body has run, and all
// required resources are loaded.
func (s *State) Ready() bool {
	return s.active && s.bodyRan && s.resourcesSatisfied()
}

// Entering reports whether Enter is suspended waiting for resources.
func (s *State) Entering() bool {
	return s.active && !s.bodyRan
}

// AddTransition registers t as the edge to target, replacing any existing one.
func (s *State) AddTransition(target string, t *Transition) error {
	if target == "" {
		return &RegistrationError{Machine: s.machineID(), ID: s.id, Err: ErrInvalidTarget}
	}
	if t == nil {
		return &RegistrationError{Machine: s.machineID(), ID: s.id, Err: ErrNilTransition}
	}
	t.from = s.id
	t.to = target
	t.owner = s
	s.transitions[target] = t
	return nil
}

// RemoveTransition drops the edge to target.
func (s *State) RemoveTransition(target string) bool {
	t, ok := s.transitions[target]
	if !ok {
		return false
	}
	t.owner = nil
	delete(s.transitions, target)
	return true
}

// Transition returns the edge to target.
func (s *State) Transition(target string) (*Transition, bool) {
	t, ok := s.transitions[target]
	return t, ok
}

// Transitions returns the outgoing edges ordered by target id.
func (s *State) Transitions() []*Transition {
	out := make([]*Transition, 0, len(s.transitions))
	for _, target := range s.targets() {
		out = append(out, s.transitions[target])
	}
	return out
}

// CanTransitionTo reports whether an edge to target exists and its predicate
// currently allows it.
func (s *State) CanTransitionTo(target string) bool {
	t, ok := s.transitions[target]
	return ok && t.CanTransition()
}

// Enter activates the state. It is a no-op if the state is already active.
func (s *State) Enter(ctx context.Context) {
	if s.active {
		return
	}
	s.active = true
	s.bodyRan = false
	s.readyFired = false
	s.gen++

	if s.requirement != nil && s.loader != nil {
		s.requestResources(ctx)
	} else {
		s.reqState = requirementState{}
	}
	if s.requirement != nil && s.requirement.WaitForResources && !s.resourcesSatisfied() {
		s.log().Debug("state entry waiting for resources", logger.State(s.id), slog.Any("pending", s.PendingResources()))
		return
	}
	s.runBody(ctx)
}

func (s *State) runBody(ctx context.Context) {
	s.bodyRan = true
	for _, t := range s.transitions {
		t.arm()
	}
	s.callHook(ctx, "OnEnter", s.onEnter)
	if s.child != nil {
		s.startChild(ctx)
	}
	s.maybeReady(ctx)
}

func (s *State) maybeReady(ctx context.Context) {
	if s.requirement == nil || s.readyFired || !s.resourcesSatisfied() {
		return
	}
	s.readyFired = true
	s.callHook(ctx, "OnResourcesReady", s.onReady)
}

// Update ticks the state. It is a no-op if the state is inactive. While a
// resource-gated entry is suspended, Update only checks whether the required
// resources have arrived.
func (s *State) Update(ctx context.Context, dt time.Duration) {
	if !s.active {
		return
	}
	if !s.bodyRan {
		if !s.resourcesSatisfied() {
			return
		}
		s.runBody(ctx)
	}
	s.maybeReady(ctx)
	for _, t := range s.transitions {
		t.Tick(dt)
	}
	if s.onUpdate != nil {
		s.guard("OnUpdate", func() {
			if err := s.onUpdate(ctx, s, dt); err != nil {
				s.log().Error("state hook failed", logger.State(s.id), slog.String("hook", "OnUpdate"), logger.Error(err))
			}
		})
	}
}

// Exit deactivates the state. It is a no-op if the state is inactive. A
// container stops its child first; resources declared by a requirement are
// unloaded unless configured to persist. Exit called again from within its
// own hooks is ignored.
func (s *State) Exit(ctx context.Context) {
	if !s.active || s.exiting {
		return
	}
	s.exiting = true
	defer func() { s.exiting = false }()
	if s.child != nil {
		s.stopChild(ctx)
	}
	if s.bodyRan {
		s.callHook(ctx, "OnExit", s.onExit)
	}
	for _, t := range s.transitions {
		t.reset()
	}
	s.releaseResources(ctx)

	s.active = false
	s.bodyRan = false
	s.readyFired = false
	s.gen++
}

func (s *State) callHook(ctx context.Context, name string, h Hook) {
	if h == nil {
		return
	}
	s.guard(name, func() {
		if err := h(ctx, s); err != nil {
			s.log().Error("state hook failed", logger.State(s.id), slog.String("hook", name), logger.Error(err))
		}
	})
}

func (s *State) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log().Error("state hook panicked", logger.State(s.id), slog.String("hook", name), logger.Error(fmt.Errorf("panic: %v", r)))
		}
	}()
	fn()
}

func (s *State) targets() []string {
	targets := make([]string, 0, len(s.transitions))
	for target := range s.transitions {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	return targets
}

func (s *State) machineID() string {
	if s.machine == nil {
		return ""
	}
	return s.machine.id
}

func (s *State) log() *slog.Logger {
	if s.machine != nil {
		return s.machine.logger
	}
	return slog.Default()
}
