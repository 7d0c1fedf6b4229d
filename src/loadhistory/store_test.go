package loadhistory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensocto/sensocto-go/src/configs"
	"github.com/sensocto/sensocto-go/src/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := configs.NewConfig()
	cfg.History.DBPath = filepath.Join(t.TempDir(), "loadhistory.db")
	cfg.History.RetentionDays = 14
	configs.SetCurrentConfig(cfg)
	s, err := NewStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func sampleAt(ts time.Time, pressure float64) types.LoadSample {
	return types.LoadSample{
		SchedulerUtilization: pressure,
		MemoryPressure:       pressure / 2,
		Timestamp:            ts.UnixMilli(),
	}
}

func TestStoreRecordAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.RecordSample(ctx, sampleAt(now, 0.3), types.LoadNormal))
	require.NoError(t, s.RecordSample(ctx, sampleAt(now, 0.8), types.LoadHigh))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestProfileSeedAveragesByHour(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Hour)
	hour := base.Hour()
	require.NoError(t, s.RecordSample(ctx, sampleAt(base, 0.2), types.LoadNormal))
	require.NoError(t, s.RecordSample(ctx, sampleAt(base.Add(time.Minute), 0.6), types.LoadElevated))

	profile, err := s.ProfileSeed(ctx, 7)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, profile[hour], 1e-9)

	// Untouched buckets stay flat.
	empty := 0
	for h, v := range profile {
		if h != hour && v == 0 {
			empty++
		}
	}
	assert.GreaterOrEqual(t, empty, 22)
}

func TestProfileSeedZeroDaysIsFlat(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RecordSample(context.Background(), sampleAt(time.Now(), 0.9), types.LoadCritical))

	profile, err := s.ProfileSeed(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, [24]float64{}, profile)
}

func TestPruneRemovesExpiredSamples(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -30)
	require.NoError(t, s.RecordSample(ctx, sampleAt(old, 0.5), types.LoadNormal))
	require.NoError(t, s.RecordSample(ctx, sampleAt(time.Now(), 0.5), types.LoadNormal))

	removed, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
