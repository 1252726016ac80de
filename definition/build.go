package definition

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/comalice/lazychart"
	"github.com/comalice/lazychart/lazy"
)

// Bindings supplies the code a definition refers to by name.
type Bindings struct {
	Hooks       map[string]lazychart.Hook
	UpdateHooks map[string]lazychart.UpdateHook
	Guards      map[string]lazychart.Predicate
	Actions     map[string]func()

	// Resources backs states declaring requires.
	Resources lazychart.ResourceLoader
	// Loader loads lazy resources.
	Loader lazy.Loader
}

var ErrUnbound = errors.New("unbound name")

// Build constructs the machine tree described by def. opts apply to the root
// and to every nested machine. Lazy items are not built; see RegisterLazy.
func Build(def *Machine, b Bindings, opts ...lazychart.Option) (*lazychart.StateMachine, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return build(def, b, opts)
}

func build(def *Machine, b Bindings, opts []lazychart.Option) (*lazychart.StateMachine, error) {
	mopts := append([]lazychart.Option{}, opts...)
	if def.Name != "" {
		mopts = append(mopts, lazychart.WithName(def.Name))
	}
	if def.Initial != "" {
		mopts = append(mopts, lazychart.WithDefaultState(def.Initial))
	}
	m := lazychart.New(def.ID, mopts...)
	for _, sd := range def.States {
		s, err := newState(sd, m, b, opts)
		if err != nil {
			return nil, fmt.Errorf("machine %q: %w", def.ID, err)
		}
		if err := m.AddState(s); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func newState(def State, m *lazychart.StateMachine, b Bindings, opts []lazychart.Option) (*lazychart.State, error) {
	var sopts []lazychart.StateOption
	if def.Name != "" {
		sopts = append(sopts, lazychart.StateName(def.Name))
	}
	hooks := []struct {
		name string
		opt  func(lazychart.Hook) lazychart.StateOption
	}{
		{def.OnEnter, lazychart.OnEnter},
		{def.OnExit, lazychart.OnExit},
		{def.OnReady, lazychart.OnResourcesReady},
	}
	for _, h := range hooks {
		if h.name == "" {
			continue
		}
		fn, ok := b.Hooks[h.name]
		if !ok {
			return nil, fmt.Errorf("state %q: %w: hook %q", def.ID, ErrUnbound, h.name)
		}
		sopts = append(sopts, h.opt(fn))
	}
	if def.OnUpdate != "" {
		fn, ok := b.UpdateHooks[def.OnUpdate]
		if !ok {
			return nil, fmt.Errorf("state %q: %w: update hook %q", def.ID, ErrUnbound, def.OnUpdate)
		}
		sopts = append(sopts, lazychart.OnUpdate(fn))
	}
	if r := def.Requires; r != nil {
		if b.Resources == nil {
			return nil, fmt.Errorf("state %q: %w: requires a resource loader", def.ID, ErrUnbound)
		}
		sopts = append(sopts, lazychart.WithRequirement(lazychart.ResourceRequirement{
			Required:         r.Required,
			Optional:         r.Optional,
			WaitForResources: r.Wait,
			PersistOnExit:    r.Persist,
		}, b.Resources))
	}
	if def.Child != nil {
		child, err := build(def.Child, b, opts)
		if err != nil {
			return nil, fmt.Errorf("state %q: %w", def.ID, err)
		}
		sopts = append(sopts, lazychart.AsContainer(child, containerOptions(def.Container)...))
	}

	s := lazychart.NewState(def.ID, sopts...)
	for _, td := range def.Transitions {
		t, err := newTransition(td, m, b)
		if err != nil {
			return nil, fmt.Errorf("state %q: %w", def.ID, err)
		}
		if err := s.AddTransition(td.To, t); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func containerOptions(c *Container) []lazychart.ContainerOption {
	if c == nil {
		return nil
	}
	var opts []lazychart.ContainerOption
	if c.Resume {
		opts = append(opts, lazychart.ResumeLastState())
	}
	if c.Initial != "" {
		opts = append(opts, lazychart.WithInitialSubstate(c.Initial))
	}
	if c.KeepRunning {
		opts = append(opts, lazychart.ExitOnParentStateChange(false))
	}
	if c.OnComplete != "" {
		opts = append(opts, lazychart.OnChildComplete(c.OnComplete))
	}
	return opts
}

func newTransition(def Transition, m *lazychart.StateMachine, b Bindings) (*lazychart.Transition, error) {
	kind, err := def.kind()
	if err != nil {
		return nil, err
	}
	var topts []lazychart.TransitionOption
	if def.Name != "" {
		topts = append(topts, lazychart.TransitionName(def.Name))
	}
	if def.Auto {
		topts = append(topts, lazychart.Automatic())
	}
	if def.Action != "" {
		fn, ok := b.Actions[def.Action]
		if !ok {
			return nil, fmt.Errorf("%w: action %q", ErrUnbound, def.Action)
		}
		topts = append(topts, lazychart.OnTransition(fn))
	}

	switch kind {
	case lazychart.KindConditional:
		pred, err := guard(def.Guard, m, b)
		if err != nil {
			return nil, err
		}
		return lazychart.Conditional(pred, topts...), nil
	case lazychart.KindDelayed:
		return lazychart.Delayed(def.After, topts...), nil
	case lazychart.KindTimer:
		return lazychart.Timer(def.After, topts...), nil
	default:
		return lazychart.Immediate(topts...), nil
	}
}

func guard(name string, m *lazychart.StateMachine, b Bindings) (lazychart.Predicate, error) {
	if pred, ok := b.Guards[name]; ok {
		return pred, nil
	}
	if !isExpression(name) {
		return nil, fmt.Errorf("%w: guard %q", ErrUnbound, name)
	}
	expr, err := Compile(name)
	if err != nil {
		return nil, err
	}
	return expr.Predicate(m.Data()), nil
}

// RegisterLazy registers def's lazy states and resources with reg and
// installs its adjacency table. Lazy states are built against m when the
// registry loads them.
func RegisterLazy(def *Machine, m *lazychart.StateMachine, reg *lazy.Registry, b Bindings) error {
	if len(def.Lazy.Resources) > 0 && b.Loader == nil {
		return fmt.Errorf("%w: lazy resources need a loader", ErrUnbound)
	}
	var errs []error
	for _, r := range def.Lazy.Resources {
		if err := reg.RegisterLazyResource(r.ID, r.Path, b.Loader, r.Deps...); err != nil {
			errs = append(errs, err)
		}
	}
	for _, ls := range def.Lazy.States {
		sd := ls.State
		factory := func(context.Context) (*lazychart.State, error) {
			return newState(sd, m, b, nil)
		}
		if err := reg.RegisterLazyState(sd.ID, factory, ls.Deps...); err != nil {
			errs = append(errs, err)
		}
	}
	from := make([]string, 0, len(def.Adjacency))
	for id := range def.Adjacency {
		from = append(from, id)
	}
	sort.Strings(from)
	for _, id := range from {
		reg.SetAdjacent(id, def.Adjacency[id]...)
	}
	return errors.Join(errs...)
}
