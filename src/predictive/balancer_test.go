package predictive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensocto/sensocto-go/src/circadian"
	"github.com/sensocto/sensocto-go/src/configs"
	"github.com/sensocto/sensocto-go/src/instance"
	"github.com/sensocto/sensocto-go/src/types"
)

func newTestBalancer(t *testing.T) *Balancer {
	t.Helper()
	configs.SetCurrentConfig(configs.NewConfig())
	ctx := context.WithValue(context.Background(), instance.Key, &instance.Instance{})
	return NewBalancer(ctx)
}

func risingSamples(n int, step float64) []types.LoadSample {
	out := make([]types.LoadSample, n)
	for i := range out {
		out[i] = types.LoadSample{SchedulerUtilization: float64(i) * step}
	}
	return out
}

func phaseFunc(p circadian.Phase) PhaseProvider {
	return func() circadian.State {
		return circadian.State{Phase: p, Adjustment: p.Adjustment()}
	}
}

func TestTrendSlope(t *testing.T) {
	assert.InDelta(t, 0.1, trendSlope(risingSamples(10, 0.1), 10), 1e-9)
	assert.Zero(t, trendSlope(risingSamples(1, 0.1), 10))
	assert.Zero(t, trendSlope(nil, 10))

	flat := make([]types.LoadSample, 5)
	for i := range flat {
		flat[i].SchedulerUtilization = 0.4
	}
	assert.InDelta(t, 0, trendSlope(flat, 5), 1e-9)

	// Only the trailing window counts: flat tail after an early rise.
	mixed := append(risingSamples(5, 0.2), flat...)
	assert.InDelta(t, 0, trendSlope(mixed, 5), 1e-9)

	falling := risingSamples(5, 0.1)
	for i, j := 0, len(falling)-1; i < j; i, j = i+1, j-1 {
		falling[i], falling[j] = falling[j], falling[i]
	}
	assert.Negative(t, trendSlope(falling, 5))
}

func TestBalancer_DefaultNormal(t *testing.T) {
	b := newTestBalancer(t)
	got := b.Predict()
	assert.Equal(t, ModeNormal, got.Mode)
	assert.Equal(t, 1.0, got.Factor)
	assert.Equal(t, 1.0, b.Factor())
}

func TestBalancer_PreBoostBeforePeak(t *testing.T) {
	b := newTestBalancer(t)
	b.SetPhaseProvider(phaseFunc(circadian.PhaseApproachingPeak))
	b.SetHistoryProvider(func() []types.LoadSample { return risingSamples(10, 0.05) })

	got := b.Predict()
	assert.Equal(t, ModePreBoost, got.Mode)
	assert.Equal(t, 0.8, got.Factor)
	assert.Less(t, got.Factor, 1.0)
}

func TestBalancer_NoBoostWhenFlat(t *testing.T) {
	b := newTestBalancer(t)
	b.SetPhaseProvider(phaseFunc(circadian.PhaseApproachingPeak))
	b.SetHistoryProvider(func() []types.LoadSample {
		flat := make([]types.LoadSample, 10)
		for i := range flat {
			flat[i].SchedulerUtilization = 0.5
		}
		return flat
	})

	got := b.Predict()
	assert.Equal(t, ModeNormal, got.Mode)
	assert.Equal(t, 1.0, got.Factor)
}

func TestBalancer_PostPeakDecay(t *testing.T) {
	b := newTestBalancer(t)
	b.SetPhaseProvider(phaseFunc(circadian.PhasePeak))
	require.Equal(t, ModeNormal, b.Predict().Mode)

	b.SetPhaseProvider(phaseFunc(circadian.PhaseNormal))
	got := b.Predict()
	require.Equal(t, ModePostPeak, got.Mode)
	assert.Equal(t, 1.25, got.Factor)

	prev := got.Factor
	for i := 0; i < 10 && b.Prediction().Mode == ModePostPeak; i++ {
		next := b.Predict()
		if next.Mode == ModePostPeak {
			assert.Less(t, next.Factor, prev)
			assert.Greater(t, next.Factor, 1.0)
			prev = next.Factor
		}
	}
	final := b.Prediction()
	assert.Equal(t, ModeNormal, final.Mode)
	assert.Equal(t, 1.0, final.Factor)
}

func TestBalancer_ReenteringPeakCancelsDecay(t *testing.T) {
	b := newTestBalancer(t)
	b.SetPhaseProvider(phaseFunc(circadian.PhasePeak))
	b.Predict()
	b.SetPhaseProvider(phaseFunc(circadian.PhaseNormal))
	require.Equal(t, ModePostPeak, b.Predict().Mode)

	b.SetPhaseProvider(phaseFunc(circadian.PhasePeak))
	got := b.Predict()
	assert.Equal(t, ModeNormal, got.Mode)
	assert.Equal(t, 1.0, got.Factor)
}
