package priority

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensocto/sensocto-go/src/configs"
	"github.com/sensocto/sensocto-go/src/delivery"
	"github.com/sensocto/sensocto-go/src/instance"
	"github.com/sensocto/sensocto-go/src/pkg/events"
	"github.com/sensocto/sensocto-go/src/types"
)

func newTestController(t *testing.T) (*Controller, context.Context) {
	t.Helper()
	configs.SetCurrentConfig(configs.NewConfig())
	ctx := context.WithValue(context.Background(), instance.Key, &instance.Instance{})
	events.NewDispatcher(ctx)
	return NewController(ctx), ctx
}

// fixedSignals pins every provider to static values so decisions are
// deterministic.
type fixedSignals struct {
	level     types.LoadLevel
	factor    float64
	attention map[types.SourceID]types.AttentionLevel
	budgets   map[types.SourceID]float64
}

func (f *fixedSignals) wire(c *Controller) {
	c.SetLoadProvider(func() types.LoadLevel { return f.level })
	c.SetFactorProvider(func() float64 { return f.factor })
	c.SetAttentionProvider(func(sourceID types.SourceID) types.AttentionLevel {
		return f.attention[sourceID]
	})
	c.SetBudgetProvider(func(sourceID types.SourceID) (float64, bool) {
		b, ok := f.budgets[sourceID]
		return b, ok
	})
}

func TestController_DecisionTable(t *testing.T) {
	tests := []struct {
		name      string
		level     types.LoadLevel
		factor    float64
		attention types.AttentionLevel
		want      types.QualityTier
	}{
		{"normal load, low attention", types.LoadNormal, 1.0, types.AttentionLow, types.QualityHigh},
		{"normal load, nobody watching", types.LoadNormal, 1.0, types.AttentionNone, types.QualityMedium},
		{"elevated load, low attention", types.LoadElevated, 1.0, types.AttentionLow, types.QualityMedium},
		{"elevated load, high attention pulls up", types.LoadElevated, 1.0, types.AttentionHigh, types.QualityHigh},
		{"elevated load, nobody watching", types.LoadElevated, 1.0, types.AttentionNone, types.QualityLow},
		{"high load, low attention", types.LoadHigh, 1.0, types.AttentionLow, types.QualityLow},
		{"high load, high attention pulls up", types.LoadHigh, 1.0, types.AttentionHigh, types.QualityMedium},
		{"high load, post-peak throttle", types.LoadHigh, 1.25, types.AttentionLow, types.QualityMinimal},
		{"high load, nobody watching", types.LoadHigh, 1.0, types.AttentionNone, types.QualityMinimal},
		{"critical forces minimal for watched", types.LoadCritical, 1.0, types.AttentionMedium, types.QualityMinimal},
		{"critical forces minimal for focused", types.LoadCritical, 1.0, types.AttentionHigh, types.QualityMinimal},
		{"critical pauses low attention", types.LoadCritical, 1.0, types.AttentionLow, types.QualityPaused},
		{"critical pauses unwatched", types.LoadCritical, 1.0, types.AttentionNone, types.QualityPaused},
		{"factor cannot rescue critical", types.LoadCritical, 0.1, types.AttentionHigh, types.QualityMinimal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestController(t)
			sig := &fixedSignals{
				level:     tt.level,
				factor:    tt.factor,
				attention: map[types.SourceID]types.AttentionLevel{"s1": tt.attention},
			}
			sig.wire(c)
			c.Track("conn-1", []types.SourceID{"s1"})
			assert.Equal(t, tt.want, c.Tier("conn-1"))
		})
	}
}

func TestController_MaxAttentionAcrossSources(t *testing.T) {
	c, _ := newTestController(t)
	sig := &fixedSignals{
		level:  types.LoadElevated,
		factor: 1.0,
		attention: map[types.SourceID]types.AttentionLevel{
			"quiet": types.AttentionNone,
			"busy":  types.AttentionHigh,
		},
	}
	sig.wire(c)
	c.Track("conn-1", []types.SourceID{"quiet", "busy"})
	assert.Equal(t, types.QualityHigh, c.Tier("conn-1"))
}

func TestController_TierDefaultsToMedium(t *testing.T) {
	c, _ := newTestController(t)
	assert.Equal(t, types.QualityMedium, c.Tier("unknown"))
	c.Track("conn-1", []types.SourceID{"s1"})
	assert.Equal(t, types.QualityMedium, c.Tier("unknown"))
}

func TestController_DowngradeWaitsOutHysteresis(t *testing.T) {
	c, _ := newTestController(t)
	sig := &fixedSignals{
		level:     types.LoadNormal,
		factor:    1.0,
		attention: map[types.SourceID]types.AttentionLevel{"s1": types.AttentionLow},
	}
	sig.wire(c)
	c.Track("conn-1", []types.SourceID{"s1"})
	require.Equal(t, types.QualityHigh, c.Tier("conn-1"))

	sig.attention["s1"] = types.AttentionNone // target drops to medium
	c.Evaluate()
	assert.Equal(t, types.QualityHigh, c.Tier("conn-1"), "first lower tick must hold")
	c.Evaluate()
	assert.Equal(t, types.QualityMedium, c.Tier("conn-1"), "sustained lower tick applies")
}

func TestController_RecoveryResetsPendingDowngrade(t *testing.T) {
	c, _ := newTestController(t)
	sig := &fixedSignals{
		level:     types.LoadNormal,
		factor:    1.0,
		attention: map[types.SourceID]types.AttentionLevel{"s1": types.AttentionLow},
	}
	sig.wire(c)
	c.Track("conn-1", []types.SourceID{"s1"})

	sig.attention["s1"] = types.AttentionNone
	c.Evaluate()
	sig.attention["s1"] = types.AttentionLow // signal recovered
	c.Evaluate()
	sig.attention["s1"] = types.AttentionNone
	c.Evaluate()
	assert.Equal(t, types.QualityHigh, c.Tier("conn-1"), "non-consecutive lower ticks must not accumulate")
}

func TestController_UpgradeIsImmediate(t *testing.T) {
	c, _ := newTestController(t)
	sig := &fixedSignals{
		level:     types.LoadHigh,
		factor:    1.0,
		attention: map[types.SourceID]types.AttentionLevel{"s1": types.AttentionLow},
	}
	sig.wire(c)
	c.Track("conn-1", []types.SourceID{"s1"})
	require.Equal(t, types.QualityLow, c.Tier("conn-1"))

	sig.level = types.LoadNormal
	c.Evaluate()
	assert.Equal(t, types.QualityHigh, c.Tier("conn-1"))
}

func TestController_CriticalOverridesImmediately(t *testing.T) {
	c, _ := newTestController(t)
	sig := &fixedSignals{
		level:     types.LoadNormal,
		factor:    1.0,
		attention: map[types.SourceID]types.AttentionLevel{"s1": types.AttentionHigh},
	}
	sig.wire(c)
	c.Track("conn-1", []types.SourceID{"s1"})
	require.Equal(t, types.QualityHigh, c.Tier("conn-1"))

	sig.level = types.LoadCritical
	c.Evaluate()
	assert.Equal(t, types.QualityMinimal, c.Tier("conn-1"), "critical override skips hysteresis")

	// Sustained critical never climbs back above minimal, whatever the
	// attention level does.
	for i := 0; i < 5; i++ {
		c.Evaluate()
		assert.LessOrEqual(t, c.Tier("conn-1"), types.QualityMinimal)
	}
	sig.attention["s1"] = types.AttentionNone
	c.Evaluate()
	c.Evaluate()
	assert.Equal(t, types.QualityPaused, c.Tier("conn-1"))
}

func TestController_StarvationDemotesOneTier(t *testing.T) {
	c, _ := newTestController(t)
	sig := &fixedSignals{
		level:     types.LoadHigh,
		factor:    1.0,
		attention: map[types.SourceID]types.AttentionLevel{"s1": types.AttentionLow},
		budgets:   map[types.SourceID]float64{"s1": 0.01},
	}
	sig.wire(c)
	c.Track("conn-1", []types.SourceID{"s1"})
	assert.Equal(t, types.QualityMinimal, c.Tier("conn-1"), "starved source drops below its load tier")

	c2, _ := newTestController(t)
	sig2 := &fixedSignals{
		level:     types.LoadHigh,
		factor:    1.0,
		attention: map[types.SourceID]types.AttentionLevel{"s1": types.AttentionLow},
		budgets:   map[types.SourceID]float64{}, // no allocation known
	}
	sig2.wire(c2)
	c2.Track("conn-1", []types.SourceID{"s1"})
	assert.Equal(t, types.QualityLow, c2.Tier("conn-1"), "unallocated sources are unconstrained")
}

func TestController_StatsSnapshot(t *testing.T) {
	c, _ := newTestController(t)
	sig := &fixedSignals{
		level:  types.LoadCritical,
		factor: 1.0,
		attention: map[types.SourceID]types.AttentionLevel{
			"watched": types.AttentionHigh,
		},
	}
	sig.wire(c)
	c.Track("conn-1", []types.SourceID{"watched"})
	c.Track("conn-2", []types.SourceID{"ignored"})
	c.Track("conn-3", []types.SourceID{"ignored"})

	stats := c.Stats()
	assert.Equal(t, 3, stats.Connections)
	assert.Equal(t, 1, stats.Distribution[types.QualityMinimal])
	assert.Equal(t, 2, stats.Distribution[types.QualityPaused])
	assert.Equal(t, 2, stats.Paused)
	assert.Equal(t, 3, stats.Degraded)

	c.Untrack("conn-2")
	c.Untrack("conn-2") // idempotent
	stats = c.Stats()
	assert.Equal(t, 2, stats.Connections)
	assert.Equal(t, 1, stats.Paused)

	states := c.Connections()
	require.Contains(t, states, types.ConnID("conn-1"))
	assert.Equal(t, types.QualityMinimal, states["conn-1"].Tier)
	assert.Equal(t, []types.SourceID{"watched"}, states["conn-1"].Sources)
}

func TestController_QualityChangeAndAdviceEvents(t *testing.T) {
	c, ctx := newTestController(t)
	sig := &fixedSignals{
		level:     types.LoadElevated,
		factor:    1.0,
		attention: map[types.SourceID]types.AttentionLevel{"s1": types.AttentionMedium},
	}
	sig.wire(c)

	changes := make(chan QualityChange, 8)
	advices := make(chan Advice, 8)
	ed := instance.GetInstance(ctx).EventDispatcher.(events.Dispatcher)
	ed.AddEventListener(QualityChanged, events.NewEventListener(func(event *events.Event) {
		changes <- event.Object.(QualityChange)
	}))
	ed.AddEventListener(BackpressureAdvice, events.NewEventListener(func(event *events.Event) {
		advices <- event.Object.(Advice)
	}))

	c.Track("conn-1", []types.SourceID{"s1"})

	// Initial decision carries advice but no transition.
	select {
	case adv := <-advices:
		assert.Equal(t, types.ConnID("conn-1"), adv.ConnID)
		assert.Equal(t, types.AttentionMedium, adv.AttentionLevel)
		assert.Equal(t, types.LoadElevated, adv.SystemLoad)
		assert.False(t, adv.Paused)
		assert.InDelta(t, 1.5, adv.LoadMultiplier, 1e-9)
		assert.Equal(t, 750, adv.WindowMs)
		assert.Equal(t, 7, adv.BatchSize)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial advice")
	}
	select {
	case ch := <-changes:
		t.Fatalf("unexpected transition on first decision: %+v", ch)
	case <-time.After(50 * time.Millisecond):
	}

	sig.level = types.LoadCritical
	c.Evaluate()
	select {
	case ch := <-changes:
		assert.Equal(t, types.QualityMedium, ch.Previous)
		assert.Equal(t, types.QualityMinimal, ch.Current)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for quality change")
	}
	select {
	case adv := <-advices:
		assert.True(t, adv.Paused == false, "medium attention keeps delivery alive under critical")
		assert.InDelta(t, 3.0, adv.LoadMultiplier, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for advice after change")
	}
}

func TestController_FollowsConnectionEvents(t *testing.T) {
	c, ctx := newTestController(t)
	sig := &fixedSignals{
		level:     types.LoadNormal,
		factor:    1.0,
		attention: map[types.SourceID]types.AttentionLevel{"s1": types.AttentionLow},
	}
	sig.wire(c)

	ed := instance.GetInstance(ctx).EventDispatcher.(events.Dispatcher)
	ed.DispatchEvent(events.NewEvent(delivery.ConnectionOpened, delivery.ConnectionEvent{
		ConnID:  "conn-1",
		Sources: []types.SourceID{"s1"},
	}))
	require.Eventually(t, func() bool {
		_, ok := c.Connections()["conn-1"]
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, types.QualityHigh, c.Tier("conn-1"))

	ed.DispatchEvent(events.NewEvent(delivery.ConnectionClosed, delivery.ConnectionEvent{
		ConnID: "conn-1",
	}))
	require.Eventually(t, func() bool {
		_, ok := c.Connections()["conn-1"]
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestController_StartStop(t *testing.T) {
	cfg := configs.NewConfig()
	cfg.Priority.DecisionIntervalMs = 10
	configs.SetCurrentConfig(cfg)
	ctx := context.WithValue(context.Background(), instance.Key, &instance.Instance{})
	events.NewDispatcher(ctx)
	c := NewController(ctx)
	sig := &fixedSignals{
		level:     types.LoadNormal,
		factor:    1.0,
		attention: map[types.SourceID]types.AttentionLevel{"s1": types.AttentionLow},
	}
	sig.wire(c)

	require.NoError(t, c.Start(ctx))
	c.Track("conn-1", []types.SourceID{"s1"})
	time.Sleep(50 * time.Millisecond) // let the ticker run a few passes
	c.Close(ctx)
	assert.Equal(t, types.QualityHigh, c.Tier("conn-1"))
}
