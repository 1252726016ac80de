package lazychart_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comalice/lazychart"
	"github.com/comalice/lazychart/testutil"
)

func TestStateLifecycleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	rec := testutil.NewRecorder()
	updates := 0
	s := rec.State("A", lazychart.OnUpdate(func(context.Context, *lazychart.State, time.Duration) error {
		updates++
		return nil
	}))

	s.Exit(ctx)
	s.Update(ctx, time.Millisecond)
	assert.Empty(t, rec.Events())
	assert.Zero(t, updates)

	s.Enter(ctx)
	s.Enter(ctx)
	assert.True(t, s.IsActive())
	s.Update(ctx, time.Millisecond)
	assert.Equal(t, 1, updates)

	s.Exit(ctx)
	s.Exit(ctx)
	assert.False(t, s.IsActive())
	assert.Equal(t, []string{"enter:A", "exit:A"}, rec.Events())
}

func TestExitFromOwnHookRunsOnce(t *testing.T) {
	ctx := context.Background()
	exits := 0
	s := lazychart.NewState("A", lazychart.OnExit(func(ctx context.Context, s *lazychart.State) error {
		exits++
		s.Exit(ctx)
		return nil
	}))

	s.Enter(ctx)
	s.Exit(ctx)
	assert.Equal(t, 1, exits)
	assert.False(t, s.IsActive())

	s.Enter(ctx)
	s.Exit(ctx)
	assert.Equal(t, 2, exits)
}

func TestStateTransitions(t *testing.T) {
	s := lazychart.NewState("A", lazychart.StateName("Alpha"))
	assert.Equal(t, "Alpha", s.Name())

	assert.True(t, lazychart.IsRegistrationError(s.AddTransition("", lazychart.Immediate())))
	assert.ErrorIs(t, s.AddTransition("B", nil), lazychart.ErrNilTransition)

	open := false
	require.NoError(t, s.AddTransition("C", lazychart.Conditional(lazychart.Condition(func() bool { return open }))))
	require.NoError(t, s.AddTransition("B", lazychart.Immediate()))

	assert.True(t, s.CanTransitionTo("B"))
	assert.False(t, s.CanTransitionTo("C"))
	assert.False(t, s.CanTransitionTo("D"))
	open = true
	assert.True(t, s.CanTransitionTo("C"))

	var targets []string
	for _, tr := range s.Transitions() {
		targets = append(targets, tr.To())
	}
	assert.Equal(t, []string{"B", "C"}, targets)

	assert.True(t, s.RemoveTransition("B"))
	assert.False(t, s.RemoveTransition("B"))
	assert.False(t, s.CanTransitionTo("B"))
}

func TestWaitForResourcesDefersEnterBody(t *testing.T) {
	ctx := context.Background()
	rec := testutil.NewRecorder()
	loader := testutil.NewLoader()
	ready := 0
	s := rec.State("level",
		lazychart.WithRequirement(lazychart.ResourceRequirement{
			Required:         map[string]string{"map": "maps/1.yaml", "tiles": "tiles.png"},
			Optional:         map[string]string{"music": "theme.ogg"},
			WaitForResources: true,
		}, loader),
		lazychart.OnResourcesReady(func(context.Context, *lazychart.State) error {
			ready++
			return nil
		}),
	)

	s.Enter(ctx)
	assert.True(t, s.IsActive())
	assert.True(t, s.Entering())
	assert.False(t, s.Ready())
	assert.Empty(t, rec.Events(), "enter hook waits for resources")
	assert.Equal(t, []string{"map", "tiles"}, s.PendingResources())
	assert.Equal(t, []string{"map", "tiles", "music"}, loader.Requests())

	loader.Complete("map", "grid")
	s.Update(ctx, time.Millisecond)
	assert.Empty(t, rec.Events())

	loader.Complete("tiles", []byte{1})
	s.Update(ctx, time.Millisecond)
	assert.Equal(t, []string{"enter:level"}, rec.Events())
	assert.True(t, s.Ready())
	assert.Equal(t, 1, ready)

	s.Update(ctx, time.Millisecond)
	assert.Equal(t, 1, ready, "ready fires once per activation")
}

func TestResourcesArriveAfterImmediateEnter(t *testing.T) {
	ctx := context.Background()
	rec := testutil.NewRecorder()
	loader := testutil.NewLoader()
	ready := 0
	s := rec.State("hud",
		lazychart.WithRequirement(lazychart.ResourceRequirement{
			Required: map[string]string{"font": "font.ttf"},
		}, loader),
		lazychart.OnResourcesReady(func(context.Context, *lazychart.State) error {
			ready++
			return nil
		}),
	)

	s.Enter(ctx)
	assert.Equal(t, []string{"enter:hud"}, rec.Events())
	assert.False(t, s.Ready())

	loader.Complete("font", "mono")
	s.Update(ctx, time.Millisecond)
	assert.True(t, s.Ready())
	assert.Equal(t, 1, ready)
}

func TestCachedResourcesSatisfyImmediately(t *testing.T) {
	ctx := context.Background()
	rec := testutil.NewRecorder()
	loader := testutil.NewLoader()
	loader.LoadResource(ctx, "font", "font.ttf", func(any, error) {})
	loader.Complete("font", "mono")

	s := rec.State("hud", lazychart.WithRequirement(lazychart.ResourceRequirement{
		Required:         map[string]string{"font": "font.ttf"},
		WaitForResources: true,
	}, loader))
	s.Enter(ctx)
	assert.True(t, s.Ready())
	assert.Equal(t, []string{"enter:hud"}, rec.Events())
}

func TestRequiredResourceFailureBlocksAutomaticTransitions(t *testing.T) {
	ctx := context.Background()
	loader := testutil.NewLoader()
	var failedID, failedReason string
	m := newMachine(t)
	a := lazychart.NewState("A", lazychart.WithRequirement(lazychart.ResourceRequirement{
		Required: map[string]string{"map": "maps/1.yaml"},
		OnFailure: func(id, reason string) {
			failedID, failedReason = id, reason
		},
	}, loader))
	require.NoError(t, a.AddTransition("B", lazychart.Immediate(lazychart.Automatic())))
	require.NoError(t, m.AddState(a))
	require.NoError(t, m.AddState(lazychart.NewState("B")))
	require.NoError(t, m.Start(ctx, "A"))

	loader.Fail("map", errors.New("file not found"))
	assert.Equal(t, "map", failedID)
	assert.Equal(t, "file not found", failedReason)

	id, reason, ok := a.Failed()
	require.True(t, ok)
	assert.Equal(t, "map", id)
	assert.Equal(t, "file not found", reason)

	m.Update(ctx, time.Second)
	assert.Equal(t, "A", m.CurrentID(), "a failed state is never left automatically")
	assert.False(t, a.Ready())
}

func TestExitReleasesResourcesUnlessPersisted(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		persist bool
		unloads []string
	}{
		{name: "release", unloads: []string{"map", "music"}},
		{name: "persist", persist: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := testutil.NewLoader()
			s := lazychart.NewState("loading", lazychart.WithRequirement(lazychart.ResourceRequirement{
				Required:      map[string]string{"map": "m"},
				Optional:      map[string]string{"music": "o"},
				PersistOnExit: tt.persist,
			}, loader))
			s.Enter(ctx)
			loader.Complete("map", 1)
			s.Exit(ctx)
			assert.Equal(t, tt.unloads, loader.Unloads())
			assert.Equal(t, !tt.persist, !loader.IsResourceLoaded("map"))
		})
	}
}

func TestLateCallbackAfterExitIsIgnored(t *testing.T) {
	ctx := context.Background()
	loader := testutil.NewLoader()
	called := false
	s := lazychart.NewState("A", lazychart.WithRequirement(lazychart.ResourceRequirement{
		Required:  map[string]string{"map": "m"},
		OnFailure: func(string, string) { called = true },
	}, loader))

	s.Enter(ctx)
	s.Exit(ctx)
	loader.Fail("map", errors.New("late"))
	assert.False(t, called)
	_, _, failed := s.Failed()
	assert.False(t, failed)
}
