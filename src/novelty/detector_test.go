package novelty

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensocto/sensocto-go/src/configs"
	"github.com/sensocto/sensocto-go/src/instance"
	"github.com/sensocto/sensocto-go/src/pkg/events"
	"github.com/sensocto/sensocto-go/src/types"
)

func newTestContext(t *testing.T, mutate func(*configs.Config)) context.Context {
	t.Helper()
	cfg := configs.NewConfig()
	if mutate != nil {
		mutate(cfg)
	}
	configs.SetCurrentConfig(cfg)
	ctx := context.WithValue(context.Background(), instance.Key, &instance.Instance{})
	events.NewDispatcher(ctx)
	return ctx
}

// feedBaseline establishes mean 10 with alternating deviations of 1.
func feedBaseline(d *Detector, source types.SourceID, channel types.ChannelID, n int) {
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			d.Observe(source, channel, 9)
		} else {
			d.Observe(source, channel, 11)
		}
	}
}

func TestDetector_TenSigmaTriggers(t *testing.T) {
	d := NewDetector(newTestContext(t, nil))
	feedBaseline(d, "s1", "ecg", 6)

	stddev := math.Sqrt(6.0 / 5.0)
	novel := d.Observe("s1", "ecg", 10+10*stddev)
	require.True(t, novel)

	recent := d.RecentEvents()
	require.Len(t, recent, 1)
	assert.GreaterOrEqual(t, math.Abs(recent[0].Z), 9.99)
	assert.Equal(t, types.SourceID("s1"), recent[0].SourceID)
	assert.Equal(t, types.ChannelID("ecg"), recent[0].ChannelID)
}

func TestDetector_WithinOneSigmaSilent(t *testing.T) {
	d := NewDetector(newTestContext(t, nil))
	feedBaseline(d, "s1", "ecg", 6)

	assert.False(t, d.Observe("s1", "ecg", 10.5))
	assert.Empty(t, d.RecentEvents())
}

func TestDetector_WarmupAbsorbed(t *testing.T) {
	d := NewDetector(newTestContext(t, nil))
	for _, v := range []float64{0, 1000, -1000, 500, -500} {
		assert.False(t, d.Observe("s1", "ecg", v))
	}
	assert.Empty(t, d.RecentEvents())
}

func TestDetector_NonNumericAbsorbed(t *testing.T) {
	d := NewDetector(newTestContext(t, nil))
	feedBaseline(d, "s1", "ecg", 6)

	assert.False(t, d.ObserveValue("s1", "ecg", "not a number"))
	assert.False(t, d.ObserveValue("s1", "ecg", map[string]interface{}{"v": 1}))
	assert.True(t, d.ObserveValue("s1", "ecg", 10+100*math.Sqrt(6.0/5.0)))
	assert.False(t, d.Observe("s1", "ecg", math.NaN()))
}

func TestDetector_PairsIndependent(t *testing.T) {
	d := NewDetector(newTestContext(t, nil))
	feedBaseline(d, "s1", "ecg", 6)

	// A fresh pair is still warming up, the established one is not.
	assert.False(t, d.Observe("s2", "ecg", 1e6))
	assert.True(t, d.Observe("s1", "ecg", 1e6))
	assert.Equal(t, 2, d.TrackedPairs())
}

func TestDetector_StalenessResetsBaseline(t *testing.T) {
	d := NewDetector(newTestContext(t, nil))
	current := time.Now()
	d.now = func() time.Time { return current }

	feedBaseline(d, "s1", "ecg", 6)
	require.True(t, d.Observe("s1", "ecg", 1e6))

	current = current.Add(10 * time.Minute)
	// Baseline was reset, so even an extreme value is warmup material.
	assert.False(t, d.Observe("s1", "ecg", 1e9))
}

func TestDetector_RecentRingMostRecentFirst(t *testing.T) {
	d := NewDetector(newTestContext(t, func(cfg *configs.Config) {
		cfg.Novelty.RecentEvents = 3
	}))
	for i := 0; i < 5; i++ {
		source := types.SourceID(fmt.Sprintf("s%d", i))
		feedBaseline(d, source, "ecg", 6)
		require.True(t, d.Observe(source, "ecg", 1e6+float64(i)))
	}
	recent := d.RecentEvents()
	require.Len(t, recent, 3)
	assert.True(t, recent[0].Timestamp >= recent[1].Timestamp)
	assert.Equal(t, 1e6+4, recent[0].Value)
	assert.Equal(t, 1e6+3, recent[1].Value)
	assert.Equal(t, 1e6+2, recent[2].Value)
}

func TestDetector_DispatchesEvent(t *testing.T) {
	ctx := newTestContext(t, nil)
	d := NewDetector(ctx)
	got := make(chan Event, 1)
	ed := instance.GetInstance(ctx).EventDispatcher.(events.Dispatcher)
	ed.AddEventListener(NoveltyDetected, events.NewEventListener(func(event *events.Event) {
		got <- event.Object.(Event)
	}))

	feedBaseline(d, "s1", "ecg", 6)
	require.True(t, d.Observe("s1", "ecg", 1e6))

	select {
	case ev := <-got:
		assert.Equal(t, types.SourceID("s1"), ev.SourceID)
		assert.Greater(t, math.Abs(ev.Z), 3.0)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for novelty event")
	}
}

func TestDetector_EstimateConvergesAcrossOrderings(t *testing.T) {
	d := NewDetector(newTestContext(t, nil))
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	for _, v := range values {
		d.Observe("fwd", "c", v)
	}
	for i := len(values) - 1; i >= 0; i-- {
		d.Observe("rev", "c", values[i])
	}
	fwd := d.baseline("fwd", "c")
	rev := d.baseline("rev", "c")
	assert.InDelta(t, fwd.mean, rev.mean, 1e-9)
	assert.InDelta(t, fwd.stddev(), rev.stddev(), 1e-9)
}
