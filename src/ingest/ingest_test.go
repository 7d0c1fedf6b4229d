package ingest

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensocto/sensocto-go/src/configs"
	"github.com/sensocto/sensocto-go/src/instance"
	"github.com/sensocto/sensocto-go/src/types"
)

func newTestIngestor(t *testing.T, mutate func(*configs.Config)) (*Ingestor, context.Context) {
	t.Helper()
	cfg := configs.NewConfig()
	if mutate != nil {
		mutate(cfg)
	}
	configs.SetCurrentConfig(cfg)
	ctx := context.WithValue(context.Background(), instance.Key, &instance.Instance{})
	return NewIngestor(ctx), ctx
}

type captureDeliverer struct {
	mu  sync.Mutex
	got []types.Measurement
}

func (d *captureDeliverer) Dispatch(m types.Measurement) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, m)
	return 1
}

func (d *captureDeliverer) snapshot() []types.Measurement {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.Measurement, len(d.got))
	copy(out, d.got)
	return out
}

type captureObserver struct {
	mu  sync.Mutex
	got []types.SourceID
}

func (o *captureObserver) ObserveValue(sourceID types.SourceID, channelID types.ChannelID, payload interface{}) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.got = append(o.got, sourceID)
	return false
}

func (o *captureObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.got)
}

func TestIngestor_Validation(t *testing.T) {
	tests := []struct {
		name string
		m    types.Measurement
	}{
		{"missing source", types.Measurement{ChannelID: "hr", Payload: 1.0}},
		{"empty channel", types.Measurement{SourceID: "s", Payload: 1.0}},
		{"channel starts with digit", types.Measurement{SourceID: "s", ChannelID: "9lives", Payload: 1.0}},
		{"channel contains space", types.Measurement{SourceID: "s", ChannelID: "heart rate", Payload: 1.0}},
		{"channel too long", types.Measurement{SourceID: "s", ChannelID: types.ChannelID("a" + strings.Repeat("b", 64)), Payload: 1.0}},
		{"missing payload", types.Measurement{SourceID: "s", ChannelID: "hr"}},
	}
	ing, _ := newTestIngestor(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, ing.Submit(tt.m), ErrInvalidMeasurement)
		})
	}
	assert.Equal(t, uint64(len(tests)), ing.Stats().Rejected)
	assert.Zero(t, ing.Stats().Accepted)

	require.NoError(t, ing.Submit(types.Measurement{SourceID: "s", ChannelID: "hr", Payload: 1.0}))
	assert.Equal(t, uint64(1), ing.Stats().Accepted)
}

func TestIngestor_StampsMissingTimestamp(t *testing.T) {
	ing, ctx := newTestIngestor(t, nil)
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ing.now = func() time.Time { return fixed }
	sink := &captureDeliverer{}
	ing.SetDeliverer(sink)
	require.NoError(t, ing.Start(ctx))
	defer ing.Close(ctx)

	require.NoError(t, ing.Submit(types.Measurement{SourceID: "s", ChannelID: "hr", Payload: 1.0}))
	require.NoError(t, ing.Submit(types.Measurement{SourceID: "s", ChannelID: "hr", Payload: 2.0, Timestamp: 42}))

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	got := sink.snapshot()
	assert.Equal(t, fixed.UnixMilli(), got[0].Timestamp)
	assert.Equal(t, int64(42), got[1].Timestamp, "explicit timestamps survive")
}

func TestIngestor_PerSourceOrderPreserved(t *testing.T) {
	ing, ctx := newTestIngestor(t, nil)
	sink := &captureDeliverer{}
	ing.SetDeliverer(sink)
	require.NoError(t, ing.Start(ctx))
	defer ing.Close(ctx)

	const total = 100
	for i := 1; i <= total; i++ {
		require.NoError(t, ing.Submit(types.Measurement{
			SourceID: "ordered", ChannelID: "hr", Payload: i, Timestamp: int64(i),
		}))
	}
	require.Eventually(t, func() bool { return len(sink.snapshot()) == total }, 2*time.Second, 5*time.Millisecond)
	got := sink.snapshot()
	for i := 0; i < total; i++ {
		assert.Equal(t, int64(i+1), got[i].Timestamp)
	}
}

func TestIngestor_FansOutToObserverAndDeliverer(t *testing.T) {
	ing, ctx := newTestIngestor(t, nil)
	sink := &captureDeliverer{}
	obs := &captureObserver{}
	ing.SetDeliverer(sink)
	ing.SetObserver(obs)
	require.NoError(t, ing.Start(ctx))
	defer ing.Close(ctx)

	require.NoError(t, ing.Submit(types.Measurement{SourceID: "s", ChannelID: "hr", Payload: 7.5}))
	require.Eventually(t, func() bool {
		return obs.count() == 1 && len(sink.snapshot()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestIngestor_FullQueueDropsWithError(t *testing.T) {
	ing, _ := newTestIngestor(t, func(cfg *configs.Config) {
		cfg.Ingest.QueueSize = 2
		cfg.Ingest.Shards = 1
	})
	// Workers never started, so the shard fills up.
	require.NoError(t, ing.Submit(types.Measurement{SourceID: "s", ChannelID: "hr", Payload: 1}))
	require.NoError(t, ing.Submit(types.Measurement{SourceID: "s", ChannelID: "hr", Payload: 2}))
	assert.ErrorIs(t, ing.Submit(types.Measurement{SourceID: "s", ChannelID: "hr", Payload: 3}), ErrQueueFull)
	assert.Equal(t, uint64(2), ing.Stats().Accepted)
	assert.Equal(t, uint64(1), ing.Stats().Dropped)
}

func TestIngestor_QueuePressure(t *testing.T) {
	ing, _ := newTestIngestor(t, func(cfg *configs.Config) {
		cfg.Ingest.QueueSize = 4
		cfg.Ingest.Shards = 2
	})
	assert.Zero(t, ing.QueuePressure())
	for i := 0; i < 4; i++ {
		require.NoError(t, ing.Submit(types.Measurement{SourceID: "s", ChannelID: "hr", Payload: i}))
	}
	assert.InDelta(t, 0.5, ing.QueuePressure(), 1e-9)
}

func TestIngestor_SubmitBatchStampsSource(t *testing.T) {
	ing, _ := newTestIngestor(t, nil)
	accepted := ing.SubmitBatch("wearable-1", []types.Measurement{
		{ChannelID: "hr", Payload: 61},
		{ChannelID: "hr", Payload: 62},
		{ChannelID: "bad channel", Payload: 63},
	})
	assert.Equal(t, 2, accepted)
	assert.Equal(t, uint64(2), ing.Stats().Accepted)
	assert.Equal(t, uint64(1), ing.Stats().Rejected)
}
