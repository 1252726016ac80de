package testutil

import (
	"context"
	"sync"

	"github.com/comalice/lazychart"
	"github.com/comalice/lazychart/notify"
)

// Recorder captures state lifecycle calls and bus notifications in the order
// they happen.
type Recorder struct {
	mu     sync.Mutex
	events []string
	notes  []notify.Notification
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Hooks returns state options recording "enter:<id>" and "exit:<id>".
func (r *Recorder) Hooks() []lazychart.StateOption {
	return []lazychart.StateOption{
		lazychart.OnEnter(func(_ context.Context, s *lazychart.State) error {
			r.Record("enter:" + s.ID())
			return nil
		}),
		lazychart.OnExit(func(_ context.Context, s *lazychart.State) error {
			r.Record("exit:" + s.ID())
			return nil
		}),
	}
}

// State creates a state with recording hooks plus opts.
func (r *Recorder) State(id string, opts ...lazychart.StateOption) *lazychart.State {
	return lazychart.NewState(id, append(r.Hooks(), opts...)...)
}

// Record appends an arbitrary event.
func (r *Recorder) Record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded lifecycle events.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// Listener returns a bus listener recording every notification.
func (r *Recorder) Listener() notify.Listener {
	return func(n notify.Notification) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.notes = append(r.notes, n)
	}
}

// Notifications returns recorded notifications, filtered to kinds if given.
func (r *Recorder) Notifications(kinds ...notify.Kind) []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Notification
	for _, n := range r.notes {
		if len(kinds) == 0 || containsKind(kinds, n.Kind) {
			out = append(out, n)
		}
	}
	return out
}

// Reset clears everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	r.notes = nil
}

func containsKind(kinds []notify.Kind, k notify.Kind) bool {
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}
