package metrics

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensocto/sensocto-go/src/configs"
	"github.com/sensocto/sensocto-go/src/instance"
	"github.com/sensocto/sensocto-go/src/sysload"
	"github.com/sensocto/sensocto-go/src/types"
)

func TestCollectorWithoutModulesIsEmpty(t *testing.T) {
	c := NewCollector(context.Background())
	assert.Equal(t, 0, testutil.CollectAndCount(c))
}

func TestCollectorAllocations(t *testing.T) {
	c := NewCollector(context.Background())
	c.SetAllocationSource(func() map[types.SourceID]float64 {
		return map[types.SourceID]float64{"sensor-a": 0.6, "sensor-b": 0.4}
	})

	expected := `
		# HELP sensocto_arbiter_allocation Granted delivery budget fraction per source.
		# TYPE sensocto_arbiter_allocation gauge
		sensocto_arbiter_allocation{source="sensor-a"} 0.6
		sensocto_arbiter_allocation{source="sensor-b"} 0.4
	`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "sensocto_arbiter_allocation"))
}

func TestCollectorLoadSnapshot(t *testing.T) {
	configs.SetCurrentConfig(configs.NewConfig())
	inst := &instance.Instance{}
	ctx := context.WithValue(context.Background(), instance.Key, inst)
	sysload.NewSampler(ctx)

	c := NewCollector(ctx)
	// Snapshot starts at normal with zero pressures: 1 level gauge + 4
	// pressure gauges.
	assert.Equal(t, 5, testutil.CollectAndCount(c, "sensocto_load_level", "sensocto_load_pressure"))
}
