package lazychart

import (
	"context"

	"github.com/comalice/lazychart/internal/logger"
)

type containerConfig struct {
	resumeLast bool
	initial    string
	keepChild  bool
	onComplete string
}

// ContainerOption configures how a state drives its child machine.
type ContainerOption func(*containerConfig)

// ResumeLastState restarts the child in the sub-state that was active when it
// last stopped, if that state is still registered.
func ResumeLastState() ContainerOption {
	return func(c *containerConfig) { c.resumeLast = true }
}

// WithInitialSubstate starts the child in id when no remembered sub-state
// applies.
func WithInitialSubstate(id string) ContainerOption {
	return func(c *containerConfig) { c.initial = id }
}

// ExitOnParentStateChange controls whether the child is stopped when the
// parent leaves the owning state. Defaults to true. When false the child keeps
// running and is still ticked by the parent's Update.
func ExitOnParentStateChange(exit bool) ContainerOption {
	return func(c *containerConfig) { c.keepChild = !exit }
}

// OnChildComplete makes the parent transition to target when the child calls
// Complete while the owning state is active.
func OnChildComplete(target string) ContainerOption {
	return func(c *containerConfig) { c.onComplete = target }
}

// AsContainer makes the state own child.
func AsContainer(child *StateMachine, opts ...ContainerOption) StateOption {
	return func(s *State) {
		s.child = child
		for _, opt := range opts {
			opt(&s.container)
		}
	}
}

// NewContainerState creates a state whose payload is the child machine.
func NewContainerState(id string, child *StateMachine, opts ...ContainerOption) *State {
	return NewState(id, AsContainer(child, opts...))
}

// SetChild attaches child to the registered state stateID.
func (m *StateMachine) SetChild(stateID string, child *StateMachine, opts ...ContainerOption) error {
	s, ok := m.states[stateID]
	if !ok {
		return m.registrationError(stateID, ErrUnknownState)
	}
	if child == nil {
		return m.registrationError(stateID, ErrInvalidState)
	}
	if err := m.attach(s, child); err != nil {
		return err
	}
	if s.child != nil && s.child != child {
		s.child.parent = nil
		s.child.parentState = ""
	}
	s.child = child
	s.container = containerConfig{}
	for _, opt := range opts {
		opt(&s.container)
	}
	if s.active && s.bodyRan {
		s.startChild(context.Background())
	}
	return nil
}

// Child returns the machine nested in stateID, if any.
func (m *StateMachine) Child(stateID string) (*StateMachine, bool) {
	s, ok := m.states[stateID]
	if !ok || s.child == nil {
		return nil, false
	}
	return s.child, true
}

// Children returns every nested machine keyed by owning state id.
func (m *StateMachine) Children() map[string]*StateMachine {
	out := make(map[string]*StateMachine)
	for _, s := range m.containers() {
		out[s.id] = s.child
	}
	return out
}

// LastSubstate returns the child sub-state remembered for stateID.
func (m *StateMachine) LastSubstate(stateID string) (string, bool) {
	return m.history.restore(stateID)
}

func (m *StateMachine) attach(s *State, child *StateMachine) error {
	if child == m {
		return m.registrationError(s.id, ErrChildAttached)
	}
	if child.parent != nil && (child.parent != m || child.parentState != s.id) {
		return m.registrationError(s.id, ErrChildAttached)
	}
	child.parent = m
	child.parentState = s.id
	return nil
}

// substate picks where the child starts: the remembered sub-state when
// resuming, else the configured initial sub-state, else "" for the child's
// own default resolution.
func (s *State) substate() string {
	if s.container.resumeLast && s.machine != nil {
		if id, ok := s.machine.history.restore(s.id); ok && s.child.HasState(id) {
			return id
		}
	}
	if s.container.initial != "" && s.child.HasState(s.container.initial) {
		return s.container.initial
	}
	return ""
}

func (s *State) startChild(ctx context.Context) {
	if s.child.running {
		return
	}
	if err := s.child.Start(ctx, s.substate()); err != nil {
		s.log().Error("child machine failed to start", logger.State(s.id), logger.Error(err))
	}
}

func (s *State) stopChild(ctx context.Context) {
	if s.container.keepChild || !s.child.running {
		return
	}
	s.child.Stop(ctx)
}
