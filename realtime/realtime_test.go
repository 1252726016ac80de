package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comalice/lazychart"
	"github.com/comalice/lazychart/internal/logger"
	"github.com/comalice/lazychart/lazy"
	"github.com/comalice/lazychart/resource"
	"github.com/comalice/lazychart/testutil"
)

// chain builds A -> B -> C with immediate transitions.
func chain(t *testing.T, rec *testutil.Recorder) *lazychart.StateMachine {
	t.Helper()
	m := lazychart.New("chain", lazychart.WithLogger(logger.Discard()))
	ids := []string{"A", "B", "C"}
	for i, id := range ids {
		s := rec.State(id)
		if i+1 < len(ids) {
			require.NoError(t, s.AddTransition(ids[i+1], lazychart.Immediate()))
		}
		require.NoError(t, m.AddState(s))
	}
	return m
}

func newRuntime(m *lazychart.StateMachine, cfg Config, opts ...Option) *Runtime {
	return NewRuntime(m, cfg, append([]Option{WithLogger(logger.Discard())}, opts...)...)
}

func TestRuntimeDefaults(t *testing.T) {
	rt := newRuntime(chain(t, testutil.NewRecorder()), Config{})
	assert.Equal(t, DefaultTickRate, rt.TickRate())
	assert.Equal(t, DefaultMaxRequestsPerTick, rt.maxRequests)
	assert.Zero(t, rt.TickNumber())
}

func TestRequestsApplyInSubmissionOrder(t *testing.T) {
	ctx := context.Background()
	rec := testutil.NewRecorder()
	m := chain(t, rec)
	rt := newRuntime(m, Config{TickRate: 10 * time.Millisecond})

	require.NoError(t, rt.RequestStart("A"))
	require.NoError(t, rt.RequestTransition("A", "B"))
	require.NoError(t, rt.UpdateStateData("score", 10))
	require.NoError(t, rt.RequestTransition("B", "C"))
	assert.Equal(t, 4, rt.Pending())
	assert.False(t, m.IsRunning(), "requests wait for the next tick")

	rt.Step(ctx, rt.TickRate())
	assert.Equal(t, "C", m.CurrentID())
	assert.Equal(t, 10, m.Data().Get("score"))
	assert.Equal(t, []string{"enter:A", "exit:A", "enter:B", "exit:B", "enter:C"}, rec.Events())
	assert.Equal(t, uint64(1), rt.TickNumber())
	assert.Zero(t, rt.Pending())

	require.NoError(t, rt.RequestStop())
	rt.Step(ctx, rt.TickRate())
	assert.False(t, m.IsRunning())
}

func TestPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	m := chain(t, testutil.NewRecorder())
	rt := newRuntime(m, Config{})

	require.NoError(t, rt.Submit(Request{Kind: RequestTransition, From: "A", To: "B"}, 0))
	require.NoError(t, rt.Submit(Request{Kind: RequestStart, To: "A"}, 10))
	rt.Step(ctx, time.Millisecond)
	assert.Equal(t, "B", m.CurrentID())
}

func TestSortRequestsIsStable(t *testing.T) {
	reqs := []requestWithMeta{
		{Request: Request{To: "low"}, SequenceNum: 0, Priority: 0},
		{Request: Request{To: "high"}, SequenceNum: 1, Priority: 5},
		{Request: Request{To: "low2"}, SequenceNum: 2, Priority: 0},
		{Request: Request{To: "high2"}, SequenceNum: 3, Priority: 5},
	}
	sortRequests(reqs)
	var got []string
	for _, r := range reqs {
		got = append(got, r.To)
	}
	assert.Equal(t, []string{"high", "high2", "low", "low2"}, got)
}

func TestStaleTransitionIsDropped(t *testing.T) {
	ctx := context.Background()
	m := chain(t, testutil.NewRecorder())
	rt := newRuntime(m, Config{})

	require.NoError(t, rt.RequestStart("A"))
	require.NoError(t, rt.RequestTransition("B", "C"))
	rt.Step(ctx, time.Millisecond)
	assert.Equal(t, "A", m.CurrentID())

	require.NoError(t, rt.RequestTransition("", "B"))
	rt.Step(ctx, time.Millisecond)
	assert.Equal(t, "B", m.CurrentID(), "an empty from matches any state")
}

func TestQueueFull(t *testing.T) {
	rt := newRuntime(chain(t, testutil.NewRecorder()), Config{MaxRequestsPerTick: 2})
	require.NoError(t, rt.RequestStart())
	require.NoError(t, rt.RequestStop())
	assert.ErrorIs(t, rt.RequestStart(), ErrQueueFull)

	rt.Step(context.Background(), time.Millisecond)
	assert.NoError(t, rt.RequestStart())
}

func TestRequestForLazyStateLoadsThenEnters(t *testing.T) {
	ctx := context.Background()
	rec := testutil.NewRecorder()
	m := chain(t, rec)
	a, _ := m.GetState("A")
	require.NoError(t, a.AddTransition("level", lazychart.Immediate()))

	store := resource.New(func(_ context.Context, path string) (any, error) { return path, nil },
		resource.WithLogger(logger.Discard()))
	registry := lazy.New(m, store, lazy.WithLogger(logger.Discard()))
	require.NoError(t, registry.RegisterLazyResource("tiles", "tiles.png",
		func(_ context.Context, path string) (any, error) { return []byte(path), nil }))
	require.NoError(t, registry.RegisterLazyState("level", func(context.Context) (*lazychart.State, error) {
		return rec.State("level"), nil
	}, "tiles"))

	rt := newRuntime(m, Config{}, WithStore(store), WithRegistry(registry))
	require.NoError(t, rt.RequestStart("A"))
	require.NoError(t, rt.RequestTransition("A", "level"))

	rt.Step(ctx, time.Millisecond)
	assert.Equal(t, "A", m.CurrentID())
	assert.True(t, registry.IsLoading("level"))
	assert.True(t, store.IsResourceLoaded("tiles"))

	rt.Step(ctx, time.Millisecond)
	assert.Equal(t, "level", m.CurrentID())
}

func TestStoreLoadsAdvanceEachTick(t *testing.T) {
	ctx := context.Background()
	m := chain(t, testutil.NewRecorder())
	store := resource.New(func(_ context.Context, path string) (any, error) { return path, nil },
		resource.WithLogger(logger.Discard()), resource.WithLoadTicks(2))
	rt := newRuntime(m, Config{}, WithStore(store))

	store.LoadResource(ctx, "R", "r", nil)
	rt.Step(ctx, time.Millisecond)
	assert.False(t, store.IsResourceLoaded("R"))
	rt.Step(ctx, time.Millisecond)
	assert.True(t, store.IsResourceLoaded("R"))
}

func TestTickLoop(t *testing.T) {
	m := chain(t, testutil.NewRecorder())
	rt := newRuntime(m, Config{TickRate: time.Millisecond})

	require.NoError(t, rt.RequestStart("A"))
	require.NoError(t, rt.Start(context.Background()))
	assert.Error(t, rt.Start(context.Background()), "already started")

	require.Eventually(t, func() bool { return rt.TickNumber() >= 3 }, time.Second, time.Millisecond)
	rt.Stop()
	rt.Stop()

	ticks := rt.TickNumber()
	assert.True(t, m.IsRunning())
	assert.Equal(t, "A", m.CurrentID())
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, ticks, rt.TickNumber(), "no ticks after Stop")
}

func TestRequestKindString(t *testing.T) {
	assert.Equal(t, "start", RequestStart.String())
	assert.Equal(t, "stop", RequestStop.String())
	assert.Equal(t, "transition", RequestTransition.String())
	assert.Equal(t, "updateData", RequestUpdateData.String())
	assert.Equal(t, "unknown", RequestKind(42).String())
}
