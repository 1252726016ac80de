package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/comalice/lazychart"
)

// Driver runs a machine either directly or through a tick host so the same
// scenario can be checked against both.
type Driver interface {
	Start(ctx context.Context, initial string) error
	// Transition moves from -> to. A driver may apply it at the next Settle.
	Transition(ctx context.Context, from, to string) error
	// Settle runs one update so queued work takes effect.
	Settle(ctx context.Context)
	Current() string
	Stop(ctx context.Context) error
}

// Host is the request side of a tick driver such as realtime.Runtime.
type Host interface {
	RequestStart(initial ...string) error
	RequestStop() error
	RequestTransition(from, to string) error
	Step(ctx context.Context, dt time.Duration)
	TickRate() time.Duration
}

// DirectDriver calls the machine synchronously.
type DirectDriver struct {
	m  *lazychart.StateMachine
	dt time.Duration
}

func NewDirectDriver(m *lazychart.StateMachine, dt time.Duration) *DirectDriver {
	return &DirectDriver{m: m, dt: dt}
}

func (d *DirectDriver) Start(ctx context.Context, initial string) error {
	return d.m.Start(ctx, initial)
}

func (d *DirectDriver) Transition(ctx context.Context, from, to string) error {
	if cur := d.m.CurrentID(); from != "" && cur != from {
		return fmt.Errorf("in %q, not %q", cur, from)
	}
	return d.m.TransitionTo(ctx, to)
}

func (d *DirectDriver) Settle(ctx context.Context) { d.m.Update(ctx, d.dt) }
func (d *DirectDriver) Current() string            { return d.m.CurrentID() }

func (d *DirectDriver) Stop(ctx context.Context) error {
	d.m.Stop(ctx)
	return nil
}

// SteppedDriver submits requests to a host and steps it manually.
type SteppedDriver struct {
	host Host
	m    *lazychart.StateMachine
}

func NewSteppedDriver(host Host, m *lazychart.StateMachine) *SteppedDriver {
	return &SteppedDriver{host: host, m: m}
}

func (d *SteppedDriver) Start(ctx context.Context, initial string) error {
	if err := d.host.RequestStart(initial); err != nil {
		return err
	}
	d.Settle(ctx)
	return nil
}

func (d *SteppedDriver) Transition(_ context.Context, from, to string) error {
	return d.host.RequestTransition(from, to)
}

func (d *SteppedDriver) Settle(ctx context.Context) { d.host.Step(ctx, d.host.TickRate()) }
func (d *SteppedDriver) Current() string            { return d.m.CurrentID() }

func (d *SteppedDriver) Stop(ctx context.Context) error {
	if err := d.host.RequestStop(); err != nil {
		return err
	}
	d.Settle(ctx)
	return nil
}
