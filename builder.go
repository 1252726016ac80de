package lazychart

import (
	"errors"
	"fmt"
	"strings"
)

// MachineBuilder provides a fluent API for declaring a machine, its states,
// transitions and nested machines before constructing it.
type MachineBuilder struct {
	id      string
	opts    []Option
	inherit []Option
	initial string
	order   []string
	states  map[string]*StateBuilder
	root    *MachineBuilder
}

// StateBuilder provides fluent methods for configuring individual states.
type StateBuilder struct {
	b     *MachineBuilder
	id    string
	opts  []StateOption
	edges []edge

	child         *StateMachine
	childBuilder  *MachineBuilder
	containerOpts []ContainerOption
}

type edge struct {
	target string
	t      *Transition
}

// NewMachineBuilder creates a builder for machine id.
func NewMachineBuilder(id string, opts ...Option) *MachineBuilder {
	return &MachineBuilder{
		id:     id,
		opts:   opts,
		states: make(map[string]*StateBuilder),
	}
}

// Inherit sets options applied to nested machines created through dotted
// state paths, typically a shared logger, bus or clock.
func (b *MachineBuilder) Inherit(opts ...Option) *MachineBuilder {
	b.inherit = append(b.inherit, opts...)
	return b
}

// Initial sets the state Start falls back to.
func (b *MachineBuilder) Initial(id string) *MachineBuilder {
	b.initial = id
	return b
}

// State creates or retrieves a state by id.
// Dotted ids such as "menu.options" declare a state in the nested machine
// of "menu", creating the parent state and its machine as needed.
func (b *MachineBuilder) State(id string, opts ...StateOption) *StateBuilder {
	if head, rest, ok := strings.Cut(id, "."); ok {
		parent := b.state(head)
		return parent.nested().State(rest, opts...)
	}
	sb := b.state(id)
	sb.opts = append(sb.opts, opts...)
	return sb
}

func (b *MachineBuilder) top() *MachineBuilder {
	if b.root == nil {
		return b
	}
	return b.root
}

func (b *MachineBuilder) state(id string) *StateBuilder {
	if sb, ok := b.states[id]; ok {
		return sb
	}
	sb := &StateBuilder{b: b, id: id}
	b.states[id] = sb
	b.order = append(b.order, id)
	return sb
}

// Build validates the declaration and constructs the machine.
func (b *MachineBuilder) Build() (*StateMachine, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	opts := append([]Option{}, b.opts...)
	if b.initial != "" {
		opts = append(opts, WithDefaultState(b.initial))
	}
	m := New(b.id, opts...)
	for _, id := range b.order {
		sb := b.states[id]
		s, err := sb.build()
		if err != nil {
			return nil, err
		}
		if err := m.AddState(s); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (b *MachineBuilder) validate() error {
	var errs []error
	if len(b.order) == 0 {
		errs = append(errs, fmt.Errorf("machine %q has no states", b.id))
	}
	if b.initial != "" {
		if _, ok := b.states[b.initial]; !ok {
			errs = append(errs, fmt.Errorf("machine %q has unknown initial state %q", b.id, b.initial))
		}
	}
	for _, id := range b.order {
		sb := b.states[id]
		for _, e := range sb.edges {
			if e.t == nil {
				errs = append(errs, fmt.Errorf("state %q has a nil transition to %q", id, e.target))
				continue
			}
			if _, ok := b.states[e.target]; !ok {
				errs = append(errs, fmt.Errorf("state %q has transition to unknown target state %q", id, e.target))
			}
		}
		if sb.child != nil && sb.childBuilder != nil {
			errs = append(errs, fmt.Errorf("state %q has both a child machine and nested states", id))
		}
		if sb.childBuilder != nil {
			if err := sb.childBuilder.validate(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// With adds state options.
func (sb *StateBuilder) With(opts ...StateOption) *StateBuilder {
	sb.opts = append(sb.opts, opts...)
	return sb
}

// To adds a transition from this state to target.
func (sb *StateBuilder) To(target string, t *Transition) *StateBuilder {
	sb.edges = append(sb.edges, edge{target: target, t: t})
	return sb
}

// Child nests an already built machine in this state.
func (sb *StateBuilder) Child(child *StateMachine, opts ...ContainerOption) *StateBuilder {
	sb.child = child
	sb.containerOpts = append(sb.containerOpts, opts...)
	return sb
}

// Container sets container options for a state whose nested machine is
// declared through dotted paths.
func (sb *StateBuilder) Container(opts ...ContainerOption) *StateBuilder {
	sb.containerOpts = append(sb.containerOpts, opts...)
	return sb
}

// Compound marks the state as owning a nested machine that starts in initial.
func (sb *StateBuilder) Compound(initial string) *StateBuilder {
	sb.nested().Initial(initial)
	return sb
}

// State continues the chain on the top-level builder. Nested states are
// addressed with dotted ids.
func (sb *StateBuilder) State(id string, opts ...StateOption) *StateBuilder {
	return sb.b.top().State(id, opts...)
}

// Build builds the top-level machine.
func (sb *StateBuilder) Build() (*StateMachine, error) {
	return sb.b.top().Build()
}

func (sb *StateBuilder) nested() *MachineBuilder {
	if sb.childBuilder == nil {
		sb.childBuilder = NewMachineBuilder(sb.id, sb.b.inherit...)
		sb.childBuilder.inherit = sb.b.inherit
		sb.childBuilder.root = sb.b.top()
	}
	return sb.childBuilder
}

func (sb *StateBuilder) build() (*State, error) {
	opts := append([]StateOption{}, sb.opts...)
	child := sb.child
	if sb.childBuilder != nil {
		built, err := sb.childBuilder.Build()
		if err != nil {
			return nil, fmt.Errorf("state %q: %w", sb.id, err)
		}
		child = built
	}
	if child != nil {
		opts = append(opts, AsContainer(child, sb.containerOpts...))
	}
	s := NewState(sb.id, opts...)
	for _, e := range sb.edges {
		if err := s.AddTransition(e.target, e.t); err != nil {
			return nil, err
		}
	}
	return s, nil
}
