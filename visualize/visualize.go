// Package visualize renders a machine tree as Graphviz DOT or as a JSON
// snapshot.
package visualize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/comalice/lazychart"
)

// ExportDOT generates Graphviz DOT source for m and its nested machines.
// Active leaf states are filled green, active containers orange, and an
// active state still waiting on resources yellow.
func ExportDOT(m *lazychart.StateMachine) string {
	var buf bytes.Buffer
	buf.WriteString(`digraph Statechart {
  rankdir=LR;
  node [shape=box, fontsize=10, style=rounded];
  edge [fontsize=9];
`)
	var edges []edge
	renderMachine(&buf, m, "  ", &edges)
	for _, e := range edges {
		fmt.Fprintf(&buf, "  %q -> %q [label=%q];\n", e.from, e.to, e.label)
	}
	buf.WriteString("}\n")
	return buf.String()
}

type edge struct {
	from, to, label string
}

// nodeID qualifies a state id with its machine path so nested machines may
// reuse state names.
func nodeID(m *lazychart.StateMachine, stateID string) string {
	var parts []string
	for p := m; p != nil; p = p.Parent() {
		parts = append([]string{p.ID()}, parts...)
	}
	return strings.Join(parts, "/") + "." + stateID
}

func renderMachine(buf *bytes.Buffer, m *lazychart.StateMachine, indent string, edges *[]edge) {
	for _, s := range m.States() {
		id := nodeID(m, s.ID())
		if child := s.Child(); child != nil {
			fmt.Fprintf(buf, "%ssubgraph %q {\n", indent, "cluster_"+id)
			style := ""
			if s.IsActive() {
				style = " style=filled fillcolor=orange"
			}
			fmt.Fprintf(buf, "%s  label=%q;\n", indent, s.ID()+" ("+child.ID()+")")
			fmt.Fprintf(buf, "%s  %q [label=%q shape=ellipse%s];\n", indent, id, s.ID(), style)
			renderMachine(buf, child, indent+"  ", edges)
			fmt.Fprintf(buf, "%s}\n", indent)
		} else {
			fmt.Fprintf(buf, "%s%q [label=%q%s];\n", indent, id, label(s), stateStyle(s))
		}
		for _, t := range s.Transitions() {
			*edges = append(*edges, edge{from: id, to: nodeID(m, t.To()), label: edgeLabel(t)})
		}
	}
}

func label(s *lazychart.State) string {
	if s.Name() != "" && s.Name() != s.ID() {
		return s.ID() + "\n" + s.Name()
	}
	return s.ID()
}

func stateStyle(s *lazychart.State) string {
	var style string
	if s.Requirement() != nil {
		style = " shape=note"
	}
	switch {
	case s.IsActive() && !s.Ready():
		style += " style=filled fillcolor=khaki"
	case s.IsActive():
		style += " style=filled fillcolor=lightgreen"
	}
	return style
}

func edgeLabel(t *lazychart.Transition) string {
	l := t.Kind().String()
	if d := t.Delay(); d > 0 {
		l += " " + d.String()
	}
	if t.IsAutomatic() {
		l += " auto"
	}
	return l
}

// Snapshot is a serializable view of a machine tree.
type Snapshot struct {
	Machine string          `json:"machine"`
	Running bool            `json:"running"`
	Current string          `json:"current,omitempty"`
	Data    map[string]any  `json:"data,omitempty"`
	States  []StateSnapshot `json:"states"`
}

type StateSnapshot struct {
	ID          string               `json:"id"`
	Name        string               `json:"name,omitempty"`
	Active      bool                 `json:"active"`
	Ready       bool                 `json:"ready"`
	Pending     []string             `json:"pendingResources,omitempty"`
	Transitions []TransitionSnapshot `json:"transitions,omitempty"`
	Child       *Snapshot            `json:"child,omitempty"`
}

type TransitionSnapshot struct {
	To        string `json:"to"`
	Kind      string `json:"kind"`
	Delay     string `json:"delay,omitempty"`
	Automatic bool   `json:"automatic,omitempty"`
}

// Take captures the current shape and activity of m.
func Take(m *lazychart.StateMachine) Snapshot {
	snap := Snapshot{Machine: m.ID(), Running: m.IsRunning(), Current: m.CurrentID(), States: []StateSnapshot{}}
	if data := m.Data().GetAll(); len(data) > 0 {
		snap.Data = data
	}
	for _, s := range m.States() {
		ss := StateSnapshot{
			ID:      s.ID(),
			Name:    s.Name(),
			Active:  s.IsActive(),
			Ready:   s.Ready(),
			Pending: s.PendingResources(),
		}
		for _, t := range s.Transitions() {
			ts := TransitionSnapshot{To: t.To(), Kind: t.Kind().String(), Automatic: t.IsAutomatic()}
			if d := t.Delay(); d > 0 {
				ts.Delay = d.String()
			}
			ss.Transitions = append(ss.Transitions, ts)
		}
		if child := s.Child(); child != nil {
			cs := Take(child)
			ss.Child = &cs
		}
		snap.States = append(snap.States, ss)
	}
	return snap
}

// ExportJSON serializes Take(m).
func ExportJSON(m *lazychart.StateMachine) ([]byte, error) {
	return json.MarshalIndent(Take(m), "", "  ")
}
