// Package benchmarks provides shared helpers for benchmark tests.
package benchmarks

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/comalice/lazychart"
	"github.com/comalice/lazychart/definition"
	"github.com/comalice/lazychart/internal/logger"
)

func quiet() lazychart.Option { return lazychart.WithLogger(logger.Discard()) }

// GenFlat creates a machine with n states s0..s(n-1) linked in a ring.
func GenFlat(n int) *lazychart.StateMachine {
	if n < 1 {
		n = 1
	}
	m := lazychart.New(fmt.Sprintf("flat_%d", n), quiet())
	for i := 0; i < n; i++ {
		s := lazychart.NewState(fmt.Sprintf("s%d", i))
		if err := s.AddTransition(fmt.Sprintf("s%d", (i+1)%n), lazychart.Immediate()); err != nil {
			panic(err)
		}
		if err := m.AddState(s); err != nil {
			panic(err)
		}
	}
	return m
}

// GenDeep creates depth nested container levels. Each level flips between
// "leaf" and the container holding the next level; the innermost level flips
// between two leaves.
func GenDeep(depth int) *lazychart.StateMachine {
	if depth < 1 {
		depth = 1
	}
	var inner *lazychart.StateMachine
	for i := depth - 1; i >= 0; i-- {
		m := lazychart.New(fmt.Sprintf("level%d", i), quiet())
		leaf := lazychart.NewState("leaf")
		var other *lazychart.State
		if inner == nil {
			other = lazychart.NewState("leaf2")
		} else {
			other = lazychart.NewContainerState("nested", inner, lazychart.ResumeLastState())
		}
		must(leaf.AddTransition(other.ID(), lazychart.Immediate()))
		must(other.AddTransition("leaf", lazychart.Immediate()))
		must(m.AddState(other))
		must(m.AddState(leaf))
		inner = m
	}
	return inner
}

// GenWide creates one "main" state with n automatic conditional transitions
// of which only the last in target order passes.
func GenWide(n int) *lazychart.StateMachine {
	if n < 1 {
		n = 1
	}
	m := lazychart.New(fmt.Sprintf("wide_%d", n), quiet())
	main := lazychart.NewState("main")
	for i := 0; i < n; i++ {
		target := fmt.Sprintf("t%05d", i)
		pass := i == n-1
		must(main.AddTransition(target, lazychart.Conditional(lazychart.Condition(func() bool { return pass }), lazychart.Automatic())))
		back := lazychart.NewState(target)
		must(back.AddTransition("main", lazychart.Immediate(lazychart.Automatic())))
		must(m.AddState(back))
	}
	must(m.AddState(main))
	m.SetDefaultState("main")
	return m
}

// GenDefinitionYAML renders a ring of n states as a YAML definition.
func GenDefinitionYAML(n int) []byte {
	def := definition.Machine{ID: fmt.Sprintf("ring_%d", n), Initial: "s0"}
	for i := 0; i < n; i++ {
		def.States = append(def.States, definition.State{
			ID: fmt.Sprintf("s%d", i),
			Transitions: []definition.Transition{
				{To: fmt.Sprintf("s%d", (i+1)%n)},
				{To: fmt.Sprintf("s%d", (i+2)%n), Guard: "score > 10"},
			},
		})
	}
	data, err := yaml.Marshal(def)
	if err != nil {
		panic(err)
	}
	return data
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
