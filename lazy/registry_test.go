package lazy_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comalice/lazychart"
	"github.com/comalice/lazychart/clock"
	"github.com/comalice/lazychart/internal/logger"
	"github.com/comalice/lazychart/lazy"
	"github.com/comalice/lazychart/notify"
	"github.com/comalice/lazychart/resource"
	"github.com/comalice/lazychart/testutil"
)

var _ lazychart.ResourceLoader = (*lazy.Registry)(nil)

type fixture struct {
	machine  *lazychart.StateMachine
	store    *resource.Store
	registry *lazy.Registry
	clock    *clock.Fake
	rec      *testutil.Recorder
	log      []string
}

func newFixture(t *testing.T, opts ...lazy.Option) *fixture {
	t.Helper()
	f := &fixture{
		clock: clock.NewFake(time.Unix(0, 0)),
		rec:   testutil.NewRecorder(),
	}
	bus := notify.NewBus(notify.WithLogger(logger.Discard()))
	bus.Subscribe(f.rec.Listener())
	f.machine = lazychart.New("game", lazychart.WithLogger(logger.Discard()), lazychart.WithBus(bus))
	f.store = resource.New(nil, resource.WithLogger(logger.Discard()), resource.WithBus(bus))
	opts = append([]lazy.Option{
		lazy.WithLogger(logger.Discard()),
		lazy.WithBus(bus),
		lazy.WithClock(f.clock),
	}, opts...)
	f.registry = lazy.New(f.machine, f.store, opts...)
	return f
}

func (f *fixture) state(id string, opts ...lazychart.StateOption) lazy.Factory {
	return func(context.Context) (*lazychart.State, error) {
		f.log = append(f.log, "factory:"+id)
		return lazychart.NewState(id, opts...), nil
	}
}

func (f *fixture) resource(id string, value any) lazy.Loader {
	return func(_ context.Context, path string) (any, error) {
		f.log = append(f.log, "loader:"+id)
		return value, nil
	}
}

func (f *fixture) callback(id string) lazy.Callback {
	return func(_ any, err error) {
		if err != nil {
			f.log = append(f.log, "failed:"+id)
			return
		}
		f.log = append(f.log, "done:"+id)
	}
}

func TestDependencyLoadsBeforeDependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.registry.RegisterLazyResource("Y", "y.bin", f.resource("Y", "payload")))
	require.NoError(t, f.registry.RegisterLazyState("X", f.state("X"), "Y"))

	require.NoError(t, f.registry.LoadStateAsync("X", func(s *lazychart.State, err error) {
		require.NoError(t, err)
		assert.Equal(t, "X", s.ID())
		f.log = append(f.log, "done:X")
	}))
	require.NoError(t, f.registry.LoadResourceAsync("Y", f.callback("Y")))

	f.registry.Step(ctx)
	assert.Equal(t, []string{"loader:Y", "done:Y", "factory:X"}, f.log)
	assert.True(t, f.registry.IsResourceLoaded("Y"))
	assert.True(t, f.store.IsResourceLoaded("Y"), "loaded resources land in the store")
	assert.True(t, f.registry.IsLoading("X"))

	f.registry.Step(ctx)
	assert.Equal(t, []string{"loader:Y", "done:Y", "factory:X", "done:X"}, f.log)
	assert.True(t, f.registry.IsStateLoaded("X"))
	assert.True(t, f.machine.HasState("X"))
}

func TestDependencyResolutionIgnoresConcurrencyCap(t *testing.T) {
	f := newFixture(t, lazy.WithMaxConcurrentLoads(1))
	ctx := context.Background()
	require.NoError(t, f.registry.RegisterLazyResource("a", "a", f.resource("a", 1)))
	require.NoError(t, f.registry.RegisterLazyResource("b", "b", f.resource("b", 2), "a"))
	require.NoError(t, f.registry.RegisterLazyState("X", f.state("X"), "b"))

	require.NoError(t, f.registry.LoadAsync("X", nil))
	f.registry.Step(ctx)
	assert.Equal(t, []string{"loader:a", "loader:b", "factory:X"}, f.log)
	assert.Equal(t, []string{"X"}, f.registry.InFlight())
}

func TestConcurrencyCapKeepsSecondItemQueued(t *testing.T) {
	f := newFixture(t, lazy.WithMaxConcurrentLoads(1))
	ctx := context.Background()
	require.NoError(t, f.registry.RegisterLazyState("A", f.state("A")))
	require.NoError(t, f.registry.RegisterLazyState("B", f.state("B")))

	require.NoError(t, f.registry.LoadAsync("A", nil))
	require.NoError(t, f.registry.LoadAsync("B", nil))

	f.registry.Step(ctx)
	assert.True(t, f.registry.IsLoading("A"))
	assert.False(t, f.registry.IsLoading("B"))
	assert.Equal(t, lazy.Queued, f.registry.Status("B"))
	assert.Equal(t, []string{"B"}, f.registry.Queued())

	f.registry.Step(ctx)
	assert.Equal(t, lazy.Done, f.registry.Status("A"))
	assert.True(t, f.registry.IsLoading("B"))

	f.registry.Step(ctx)
	assert.Equal(t, lazy.Done, f.registry.Status("B"))
	assert.Empty(t, f.registry.InFlight())
}

func TestLoadAsyncIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.registry.RegisterLazyState("A", f.state("A")))

	var got []*lazychart.State
	cb := func(v any, err error) {
		require.NoError(t, err)
		got = append(got, v.(*lazychart.State))
	}
	require.NoError(t, f.registry.LoadAsync("A", cb))
	require.NoError(t, f.registry.LoadAsync("A", cb))
	assert.Equal(t, []string{"A"}, f.registry.Queued(), "never enqueued twice")

	f.registry.Step(ctx)
	require.NoError(t, f.registry.LoadAsync("A", cb))
	f.registry.Step(ctx)
	require.Len(t, got, 3)
	assert.Same(t, got[0], got[1])
	assert.Same(t, got[0], got[2])

	require.NoError(t, f.registry.LoadAsync("A", cb))
	require.Len(t, got, 4, "cached value is delivered immediately")
	assert.Same(t, got[0], got[3])
	assert.Equal(t, []string{"factory:A"}, f.log)
}

func TestLoadTimeout(t *testing.T) {
	f := newFixture(t, lazy.WithLoadTimeout(10*time.Second))
	ctx := context.Background()
	require.NoError(t, f.registry.RegisterLazyState("slow", func(context.Context) (*lazychart.State, error) {
		f.clock.Advance(11 * time.Second)
		return lazychart.NewState("slow"), nil
	}))

	var loadErr error
	require.NoError(t, f.registry.LoadAsync("slow", func(_ any, err error) { loadErr = err }))
	f.registry.Step(ctx)
	f.registry.Step(ctx)

	require.Error(t, loadErr)
	assert.True(t, lazy.IsTimeout(loadErr))
	assert.Equal(t, "Timeout", lazychart.FailureReason(loadErr))
	assert.False(t, f.registry.IsStateLoaded("slow"))
	assert.False(t, f.machine.HasState("slow"))
	assert.Equal(t, lazy.Failed, f.registry.Status("slow"))

	failures := f.rec.Notifications(notify.LoadingError)
	require.Len(t, failures, 1)
	assert.Equal(t, "slow", failures[0].ID)
	assert.Equal(t, "Timeout", failures[0].Reason)
}

func TestLoadTimeoutIgnoresIdleTicks(t *testing.T) {
	f := newFixture(t, lazy.WithLoadTimeout(10*time.Second))
	ctx := context.Background()
	require.NoError(t, f.registry.RegisterLazyState("fast", f.state("fast")))

	var loadErr error
	require.NoError(t, f.registry.LoadAsync("fast", func(_ any, err error) { loadErr = err }))
	f.registry.Step(ctx)
	f.clock.Advance(11 * time.Second)
	f.registry.Step(ctx)

	require.NoError(t, loadErr)
	assert.True(t, f.registry.IsStateLoaded("fast"))
	assert.True(t, f.machine.HasState("fast"))
}

func TestEvictedResourceIsLoadedAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetMaxCacheSize(1)
	require.NoError(t, f.registry.RegisterLazyResource("r1", "r1.bin", f.resource("r1", "one")))
	require.NoError(t, f.registry.RegisterLazyResource("r2", "r2.bin", f.resource("r2", "two")))

	for _, id := range []string{"r1", "r2"} {
		require.NoError(t, f.registry.LoadAsync(id, f.callback(id)))
		f.registry.Step(ctx)
		f.registry.Step(ctx)
	}
	assert.False(t, f.store.IsResourceLoaded("r1"))
	assert.False(t, f.registry.IsResourceLoaded("r1"))
	assert.Equal(t, lazy.Idle, f.registry.Status("r1"))
	_, ok := f.registry.GetLoadedResource("r1")
	assert.False(t, ok)

	require.NoError(t, f.registry.LoadAsync("r1", f.callback("r1")))
	assert.Equal(t, []string{"loader:r1", "done:r1", "loader:r2", "done:r2"}, f.log)
	f.registry.Step(ctx)
	f.registry.Step(ctx)

	assert.Equal(t, []string{"loader:r1", "done:r1", "loader:r2", "done:r2", "loader:r1", "done:r1"}, f.log)
	v, ok := resource.Get[string](f.store, "r1")
	require.True(t, ok)
	assert.Equal(t, "one", v)
	assert.True(t, f.registry.IsResourceLoaded("r1"))
	assert.False(t, f.registry.IsResourceLoaded("r2"), "r2 was evicted in turn")
}

func TestFailedItemsStayUnloaded(t *testing.T) {
	boom := errors.New("asset missing")
	tests := []struct {
		name    string
		factory lazy.Factory
		reason  string
	}{
		{name: "error", factory: func(context.Context) (*lazychart.State, error) { return nil, boom }, reason: "asset missing"},
		{name: "empty", factory: func(context.Context) (*lazychart.State, error) { return nil, nil }, reason: lazy.ReasonEmpty},
		{name: "panic", factory: func(context.Context) (*lazychart.State, error) { panic("bad") }, reason: "panic: bad"},
		{name: "wrong id", factory: func(context.Context) (*lazychart.State, error) { return lazychart.NewState("other"), nil }, reason: `factory built state "other"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			require.NoError(t, f.registry.RegisterLazyState("A", tt.factory))

			var loadErr error
			require.NoError(t, f.registry.LoadAsync("A", func(_ any, err error) { loadErr = err }))
			f.registry.Step(ctx)
			f.registry.Step(ctx)

			require.Error(t, loadErr)
			assert.Equal(t, tt.reason, lazychart.FailureReason(loadErr))
			assert.Equal(t, lazy.Failed, f.registry.Status("A"))
			assert.False(t, f.registry.IsStateLoaded("A"))
			assert.Equal(t, loadErr, f.registry.Err("A"))
		})
	}
}

func TestFailedItemCanBeRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	attempts := 0
	require.NoError(t, f.registry.RegisterLazyResource("R", "r", func(context.Context, string) (any, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("flaky")
		}
		return "ok", nil
	}))

	require.NoError(t, f.registry.LoadAsync("R", nil))
	f.registry.Step(ctx)
	f.registry.Step(ctx)
	require.Equal(t, lazy.Failed, f.registry.Status("R"))

	require.NoError(t, f.registry.LoadAsync("R", nil))
	f.registry.Step(ctx)
	f.registry.Step(ctx)
	v, ok := f.registry.GetLoadedResource("R")
	require.True(t, ok)
	assert.Equal(t, "ok", v)
}

func TestDependencyFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.registry.RegisterLazyState("A", f.state("A"), "B"))
	require.NoError(t, f.registry.RegisterLazyState("B", f.state("B"), "A"))
	require.NoError(t, f.registry.RegisterLazyState("C", f.state("C"), "nowhere"))
	require.NoError(t, f.registry.RegisterLazyState("D", f.state("D"), "existing"))
	require.NoError(t, f.machine.AddState(lazychart.NewState("existing")))

	for _, id := range []string{"A", "C", "D"} {
		require.NoError(t, f.registry.LoadAsync(id, f.callback(id)))
	}
	f.registry.Step(ctx)
	f.registry.Step(ctx)

	var cycle *lazy.LoadError
	require.ErrorAs(t, f.registry.Err("B"), &cycle)
	assert.Equal(t, lazy.ReasonCycle, cycle.Reason)
	assert.Equal(t, lazy.ReasonDependency, lazychart.FailureReason(f.registry.Err("A")))
	assert.Equal(t, lazy.ReasonDependency, lazychart.FailureReason(f.registry.Err("C")))
	assert.ErrorIs(t, f.registry.Err("C"), lazy.ErrUnknownItem)
	assert.True(t, f.registry.IsStateLoaded("D"), "non-lazy dependencies that exist are satisfied")
	assert.Equal(t, []string{"failed:A", "failed:C", "factory:D", "done:D"}, f.log)
}

func TestLoadAndEnter(t *testing.T) {
	ctx := context.Background()

	t.Run("starts a stopped machine", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.registry.RegisterLazyState("menu", f.state("menu")))
		require.NoError(t, f.registry.LoadAndEnter("menu"))
		f.registry.Step(ctx)
		f.registry.Step(ctx)
		assert.True(t, f.machine.IsRunning())
		assert.Equal(t, "menu", f.machine.CurrentID())
	})

	t.Run("transitions a running machine", func(t *testing.T) {
		f := newFixture(t)
		boot := lazychart.NewState("boot")
		require.NoError(t, boot.AddTransition("level", lazychart.Immediate()))
		require.NoError(t, f.machine.AddState(boot))
		require.NoError(t, f.machine.Start(ctx, "boot"))

		require.NoError(t, f.registry.RegisterLazyState("level", f.state("level")))
		require.NoError(t, f.registry.LoadAndEnter("level"))
		f.registry.Step(ctx)
		assert.Equal(t, "boot", f.machine.CurrentID())
		f.registry.Step(ctx)
		assert.Equal(t, "level", f.machine.CurrentID())

		changes := f.rec.Notifications(notify.StateChanged)
		require.NotEmpty(t, changes)
		last := changes[len(changes)-1]
		assert.Equal(t, "boot", last.Previous)
		assert.Equal(t, "level", last.Next)
	})
}

func TestUnloadActiveStateExitsFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exited := false
	require.NoError(t, f.registry.RegisterLazyState("A", f.state("A", lazychart.OnExit(func(context.Context, *lazychart.State) error {
		exited = true
		return nil
	}))))
	require.NoError(t, f.registry.LoadAndEnter("A"))
	f.registry.Step(ctx)
	f.registry.Step(ctx)
	require.Equal(t, "A", f.machine.CurrentID())

	assert.True(t, f.registry.UnloadState(ctx, "A"))
	assert.True(t, exited)
	assert.False(t, f.machine.HasState("A"))
	assert.False(t, f.registry.IsStateLoaded("A"))
	assert.False(t, f.registry.UnloadState(ctx, "A"))

	require.NoError(t, f.registry.LoadAsync("A", nil))
	f.registry.Step(ctx)
	f.registry.Step(ctx)
	assert.True(t, f.registry.IsStateLoaded("A"))
	assert.Equal(t, []string{"factory:A", "factory:A"}, f.log)
}

func TestUnloadAllCancelsAndClears(t *testing.T) {
	f := newFixture(t, lazy.WithMaxConcurrentLoads(1))
	ctx := context.Background()
	require.NoError(t, f.registry.RegisterLazyResource("loaded", "l", f.resource("loaded", 1)))
	require.NoError(t, f.registry.RegisterLazyState("inflight", f.state("inflight")))
	require.NoError(t, f.registry.RegisterLazyState("queued", f.state("queued")))

	require.NoError(t, f.registry.LoadAsync("loaded", nil))
	f.registry.Step(ctx)
	f.registry.Step(ctx)
	require.True(t, f.registry.IsResourceLoaded("loaded"))

	var canceled []string
	cb := func(id string) lazy.Callback {
		return func(_ any, err error) {
			if lazychart.FailureReason(err) == lazy.ReasonCanceled {
				canceled = append(canceled, id)
			}
		}
	}
	require.NoError(t, f.registry.LoadAsync("inflight", cb("inflight")))
	require.NoError(t, f.registry.LoadAsync("queued", cb("queued")))
	f.registry.Step(ctx)
	require.True(t, f.registry.IsLoading("inflight"))

	f.registry.UnloadAll(ctx)
	assert.Equal(t, []string{"inflight", "queued"}, canceled)
	for _, id := range []string{"loaded", "inflight", "queued"} {
		assert.Equal(t, lazy.Idle, f.registry.Status(id), id)
	}
	assert.False(t, f.store.IsResourceLoaded("loaded"))
	assert.Empty(t, f.registry.Queued())
	assert.Empty(t, f.registry.InFlight())

	f.registry.Step(ctx)
	assert.False(t, f.machine.HasState("inflight"), "canceled results are discarded")
}

func TestPreloadAdjacent(t *testing.T) {
	f := newFixture(t, lazy.WithAdjacency(map[string][]string{
		"level1": {"level2", "shop", "unregistered"},
	}))
	for _, id := range []string{"level1", "level2", "shop"} {
		require.NoError(t, f.registry.RegisterLazyState(id, f.state(id)))
	}
	require.NoError(t, f.registry.LoadAsync("level2", nil))

	assert.Equal(t, 1, f.registry.PreloadAdjacent("level1"))
	assert.Equal(t, []string{"level2", "shop"}, f.registry.Queued())
	assert.Zero(t, f.registry.PreloadAdjacent("shop"))

	f.registry.SetAdjacent("shop", "level1")
	assert.Equal(t, 1, f.registry.PreloadAdjacent("shop"))
}

func TestPreloadByPrefix(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"level1_intro", "level1_boss", "level2_intro", "menu"} {
		require.NoError(t, f.registry.RegisterLazyState(id, f.state(id)))
	}
	assert.Equal(t, 1, f.registry.PreloadByPrefix("level1_intro"))
	assert.Equal(t, []string{"level1_boss"}, f.registry.Queued())
	assert.Zero(t, f.registry.PreloadByPrefix("menu"))
}

func TestRegistration(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.RegisterLazyState("A", f.state("A")))

	err := f.registry.RegisterLazyResource("A", "a", f.resource("A", 1))
	assert.ErrorIs(t, err, lazy.ErrDuplicateItem)
	assert.True(t, lazychart.IsRegistrationError(err))
	assert.Error(t, f.registry.RegisterLazyState("B", nil))

	assert.ErrorIs(t, f.registry.LoadAsync("missing", nil), lazy.ErrUnknownItem)
	assert.ErrorIs(t, f.registry.LoadResourceAsync("A", nil), lazy.ErrWrongKind)
}

func TestRegistryBacksResourceGatedStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.registry.RegisterLazyResource("tiles", "tiles.png", f.resource("tiles", []byte{1, 2})))

	level := lazychart.NewState("level", lazychart.WithRequirement(lazychart.ResourceRequirement{
		Required:         map[string]string{"tiles": "tiles.png"},
		WaitForResources: true,
	}, f.registry))
	require.NoError(t, f.machine.AddState(level))
	require.NoError(t, f.machine.Start(ctx, "level"))
	assert.True(t, level.Entering())

	f.registry.Step(ctx)
	f.machine.Update(ctx, time.Millisecond)
	assert.True(t, level.Entering(), "the load completes on the following step")

	f.registry.Step(ctx)
	f.machine.Update(ctx, time.Millisecond)
	assert.True(t, level.Ready())
	assert.True(t, f.registry.IsResourceLoaded("tiles"))

	f.machine.Stop(ctx)
	assert.False(t, f.registry.IsResourceLoaded("tiles"), "exit releases lazily loaded resources")
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "idle", lazy.Idle.String())
	assert.Equal(t, "queued", lazy.Queued.String())
	assert.Equal(t, "loading", lazy.Loading.String())
	assert.Equal(t, "done", lazy.Done.String())
	assert.Equal(t, "failed", lazy.Failed.String())
	assert.Equal(t, "state", lazy.KindState.String())
	assert.Equal(t, "resource", lazy.KindResource.String())
}
