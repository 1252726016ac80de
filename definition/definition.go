// Package definition declares machines in YAML and builds them.
//
//	id: game
//	initial: menu
//	states:
//	  - id: menu
//	    transitions:
//	      - to: play
//	      - to: attract
//	        kind: delayed
//	        after: 30s
//	        auto: true
//	  - id: play
//	    requires:
//	      wait: true
//	      required: {atlas: atlas.png}
//	    child:
//	      id: level
//	      states: [{id: intro}, {id: boss}]
//	    container: {resume: true, onComplete: menu}
//	lazy:
//	  resources: [{id: tiles, path: tiles.png}]
//	  states: [{id: attract, deps: [tiles]}]
//	adjacency:
//	  menu: [attract]
//
// Hooks, named guards and transition actions are referenced by name and
// supplied at build time through Bindings. A guard containing spaces is an
// expression over the machine's Data, e.g. "score >= 10".
package definition

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/viant/afs"
	"gopkg.in/yaml.v3"

	"github.com/comalice/lazychart"
)

// ErrInvalid marks definitions that fail validation.
var ErrInvalid = errors.New("invalid definition")

// Machine declares a state machine.
type Machine struct {
	ID        string              `yaml:"id"`
	Name      string              `yaml:"name,omitempty"`
	Initial   string              `yaml:"initial,omitempty"`
	States    []State             `yaml:"states"`
	Lazy      Lazy                `yaml:"lazy,omitempty"`
	Adjacency map[string][]string `yaml:"adjacency,omitempty"`
}

// State declares one state and, when Child is set, the machine it owns.
type State struct {
	ID          string       `yaml:"id"`
	Name        string       `yaml:"name,omitempty"`
	OnEnter     string       `yaml:"onEnter,omitempty"`
	OnExit      string       `yaml:"onExit,omitempty"`
	OnUpdate    string       `yaml:"onUpdate,omitempty"`
	OnReady     string       `yaml:"onReady,omitempty"`
	Transitions []Transition `yaml:"transitions,omitempty"`
	Requires    *Requirement `yaml:"requires,omitempty"`
	Child       *Machine     `yaml:"child,omitempty"`
	Container   *Container   `yaml:"container,omitempty"`
}

// Transition declares an outgoing edge. Kind defaults to conditional when a
// guard is set and immediate otherwise.
type Transition struct {
	To     string        `yaml:"to"`
	Name   string        `yaml:"name,omitempty"`
	Kind   string        `yaml:"kind,omitempty"`
	Guard  string        `yaml:"guard,omitempty"`
	After  time.Duration `yaml:"after,omitempty"`
	Auto   bool          `yaml:"auto,omitempty"`
	Action string        `yaml:"action,omitempty"`
}

type Requirement struct {
	Required map[string]string `yaml:"required,omitempty"`
	Optional map[string]string `yaml:"optional,omitempty"`
	Wait     bool              `yaml:"wait,omitempty"`
	Persist  bool              `yaml:"persist,omitempty"`
}

// Container configures how a state drives its child machine.
type Container struct {
	Resume      bool   `yaml:"resume,omitempty"`
	Initial     string `yaml:"initial,omitempty"`
	KeepRunning bool   `yaml:"keepRunning,omitempty"`
	OnComplete  string `yaml:"onComplete,omitempty"`
}

// Lazy lists items built on demand by a lazy.Registry.
type Lazy struct {
	States    []LazyState    `yaml:"states,omitempty"`
	Resources []LazyResource `yaml:"resources,omitempty"`
}

// LazyState is a state whose construction is deferred until requested.
type LazyState struct {
	State `yaml:",inline"`
	Deps  []string `yaml:"deps,omitempty"`
}

type LazyResource struct {
	ID   string   `yaml:"id"`
	Path string   `yaml:"path"`
	Deps []string `yaml:"deps,omitempty"`
}

// Parse decodes and validates a YAML definition. Unknown fields are errors.
func Parse(data []byte) (*Machine, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var def Machine
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Load downloads a definition through fs, e.g. from "file:///etc/game.yaml"
// or "mem://localhost/game.yaml". A nil fs uses afs.New().
func Load(ctx context.Context, fs afs.Service, URL string) (*Machine, error) {
	if fs == nil {
		fs = afs.New()
	}
	data, err := fs.DownloadWithURL(ctx, URL)
	if err != nil {
		return nil, fmt.Errorf("failed to load definition from %s: %w", URL, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", URL, err)
	}
	return def, nil
}

// Validate reports every structural problem in the definition.
func (m *Machine) Validate() error {
	var errs []error
	m.validate(m.ID, false, &errs)
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func (m *Machine) validate(path string, nested bool, errs *[]error) {
	fail := func(format string, args ...any) {
		*errs = append(*errs, fmt.Errorf("%s: "+format, append([]any{path}, args...)...))
	}
	if m.ID == "" {
		fail("machine id is required")
	}
	if len(m.States) == 0 && len(m.Lazy.States) == 0 {
		fail("machine has no states")
	}
	if nested && (len(m.Lazy.States) > 0 || len(m.Lazy.Resources) > 0 || len(m.Adjacency) > 0) {
		fail("lazy items are only supported on the root machine")
	}

	ids := make(map[string]bool)
	declare := func(id string) {
		switch {
		case id == "":
			fail("state id is required")
		case ids[id]:
			fail("duplicate id %q", id)
		}
		ids[id] = true
	}
	for _, s := range m.States {
		declare(s.ID)
	}
	for _, s := range m.Lazy.States {
		declare(s.ID)
	}
	for _, r := range m.Lazy.Resources {
		declare(r.ID)
		if r.Path == "" {
			fail("lazy resource %q has no path", r.ID)
		}
	}

	states := make(map[string]bool)
	for _, s := range m.States {
		states[s.ID] = true
	}
	for _, s := range m.Lazy.States {
		states[s.ID] = true
	}
	if m.Initial != "" && !states[m.Initial] {
		fail("unknown initial state %q", m.Initial)
	}
	for _, s := range m.States {
		s.validate(path, states, errs)
	}
	for _, s := range m.Lazy.States {
		s.validate(path, states, errs)
		if s.Child != nil {
			fail("lazy state %q cannot own a child machine", s.ID)
		}
		for _, dep := range s.Deps {
			if !ids[dep] {
				fail("lazy state %q depends on unknown item %q", s.ID, dep)
			}
		}
	}
	for _, r := range m.Lazy.Resources {
		for _, dep := range r.Deps {
			if !ids[dep] {
				fail("lazy resource %q depends on unknown item %q", r.ID, dep)
			}
		}
	}
	for from, next := range m.Adjacency {
		if !ids[from] {
			fail("adjacency for unknown id %q", from)
		}
		for _, id := range next {
			if !ids[id] {
				fail("adjacency from %q to unknown id %q", from, id)
			}
		}
	}
}

func (s State) validate(path string, states map[string]bool, errs *[]error) {
	fail := func(format string, args ...any) {
		*errs = append(*errs, fmt.Errorf("%s.%s: "+format, append([]any{path, s.ID}, args...)...))
	}
	for _, t := range s.Transitions {
		if t.To == "" {
			fail("transition has no target")
		} else if !states[t.To] {
			fail("transition to unknown state %q", t.To)
		}
		kind, err := t.kind()
		if err != nil {
			fail("%v", err)
			continue
		}
		switch kind {
		case lazychart.KindConditional:
			if t.Guard == "" {
				fail("conditional transition to %q has no guard", t.To)
			}
		case lazychart.KindDelayed, lazychart.KindTimer:
			if t.After <= 0 {
				fail("%s transition to %q needs a positive after", kind, t.To)
			}
		}
		if t.Guard != "" && kind != lazychart.KindConditional {
			fail("guard on %s transition to %q", kind, t.To)
		}
		if isExpression(t.Guard) {
			if _, err := Compile(t.Guard); err != nil {
				fail("guard on transition to %q: %v", t.To, err)
			}
		}
	}
	if s.Container != nil && s.Child == nil {
		fail("container settings without a child machine")
	}
	if s.Child != nil {
		s.Child.validate(path+"/"+s.ID, true, errs)
		if c := s.Container; c != nil {
			if c.Initial != "" && !s.Child.hasState(c.Initial) {
				fail("container initial %q is not a child state", c.Initial)
			}
			if c.OnComplete != "" && !states[c.OnComplete] {
				fail("onComplete target %q is unknown", c.OnComplete)
			}
		}
	}
}

func (m *Machine) hasState(id string) bool {
	for _, s := range m.States {
		if s.ID == id {
			return true
		}
	}
	return false
}

func (t Transition) kind() (lazychart.TransitionKind, error) {
	switch strings.ToLower(t.Kind) {
	case "":
		if t.Guard != "" {
			return lazychart.KindConditional, nil
		}
		return lazychart.KindImmediate, nil
	case "immediate":
		return lazychart.KindImmediate, nil
	case "conditional":
		return lazychart.KindConditional, nil
	case "delayed":
		return lazychart.KindDelayed, nil
	case "timer":
		return lazychart.KindTimer, nil
	default:
		return 0, fmt.Errorf("unknown transition kind %q", t.Kind)
	}
}
