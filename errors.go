package lazychart

import (
	"errors"
	"fmt"
)

var (
	ErrNotRunning     = errors.New("machine is not running")
	ErrUnknownState   = errors.New("state is not registered")
	ErrDuplicateState = errors.New("state id already registered")
	ErrInvalidState   = errors.New("state cannot be nil or have an empty id")
	ErrNoTransition   = errors.New("no transition to target")
	ErrPredicateFalse = errors.New("transition predicate returned false")
	ErrReentrant      = errors.New("transition requested while another is in progress")
	ErrNoInitialState = errors.New("no initial state candidate")
	ErrNoParent       = errors.New("machine has no parent")
	ErrChildAttached  = errors.New("child machine already attached to a parent")
	ErrInvalidTarget  = errors.New("transition target cannot be empty")
	ErrNilTransition  = errors.New("transition cannot be nil")
)

// TransitionError reports a rejected transition request. The machine's state
// is unchanged when one is returned.
type TransitionError struct {
	Machine string
	From    string
	To      string
	Err     error
}

func (e *TransitionError) Error() string {
	from := e.From
	if from == "" {
		from = "<none>"
	}
	return fmt.Sprintf("machine %q: transition %s -> %s rejected: %v", e.Machine, from, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// RegistrationError reports a duplicate or missing id.
type RegistrationError struct {
	Machine string
	ID      string
	Err     error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("machine %q: state %q: %v", e.Machine, e.ID, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// IsTransitionRejected reports whether err is a TransitionError.
func IsTransitionRejected(err error) bool {
	var e *TransitionError
	return errors.As(err, &e)
}

// IsDeferred reports whether a transition request was queued for the next
// Update instead of being executed.
func IsDeferred(err error) bool {
	return errors.Is(err, ErrReentrant)
}

// IsRegistrationError reports whether err is a RegistrationError.
func IsRegistrationError(err error) bool {
	var e *RegistrationError
	return errors.As(err, &e)
}
