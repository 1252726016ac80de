package logger

import (
	"log/slog"
	"time"
)

// Component records the emitting component under "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Machine records a state machine id under "machine".
func Machine(id string) slog.Attr {
	return slog.String("machine", id)
}

// State records a state id under "state".
func State(id string) slog.Attr {
	return slog.String("state", id)
}

// Target records a transition target under "target".
func Target(id string) slog.Attr {
	return slog.String("target", id)
}

// Resource records a resource id under "resource".
func Resource(id string) slog.Attr {
	return slog.String("resource", id)
}

// Item records a lazy item id under "item".
func Item(id string) slog.Attr {
	return slog.String("item", id)
}

// Reason records a failure or rejection reason under "reason".
func Reason(r string) slog.Attr {
	return slog.String("reason", r)
}

// Duration records an elapsed duration under "duration".
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Error records err under "error". A nil error yields an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}
