package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sensocto/sensocto-go/src/attention"
	"github.com/sensocto/sensocto-go/src/delivery"
	"github.com/sensocto/sensocto-go/src/ingest"
	"github.com/sensocto/sensocto-go/src/instance"
	"github.com/sensocto/sensocto-go/src/novelty"
	"github.com/sensocto/sensocto-go/src/priority"
	"github.com/sensocto/sensocto-go/src/sysload"
	"github.com/sensocto/sensocto-go/src/types"
)

const namespace = "sensocto"

// Collector exposes the delivery-control state as prometheus metrics.
// Every value is read from the owning module's lock-free snapshot path,
// so a scrape never contends with the control loops.
type Collector struct {
	sampler   *sysload.Sampler
	tracker   *attention.Tracker
	ctrl      *priority.Controller
	manager   delivery.Manager
	detector  *novelty.Detector
	ingestor  *ingest.Ingestor
	allocFunc func() map[types.SourceID]float64

	loadLevel      *prometheus.Desc
	pressure       *prometheus.Desc
	qualityConns   *prometheus.Desc
	pausedConns    *prometheus.Desc
	degradedConns  *prometheus.Desc
	connections    *prometheus.Desc
	pendingTotal   *prometheus.Desc
	attentionLevel *prometheus.Desc
	allocation     *prometheus.Desc
	trackedPairs   *prometheus.Desc
	ingested       *prometheus.Desc
}

func NewCollector(ctx context.Context) *Collector {
	c := &Collector{
		loadLevel: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "load", "level"),
			"Current classified load level (0=normal..3=critical).",
			nil, nil),
		pressure: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "load", "pressure"),
			"Latest normalized pressure per dimension.",
			[]string{"dimension"}, nil),
		qualityConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "quality", "connections"),
			"Connections per decided quality tier.",
			[]string{"tier"}, nil),
		pausedConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "quality", "paused_connections"),
			"Connections currently paused.",
			nil, nil),
		degradedConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "quality", "degraded_connections"),
			"Connections below the normal service point.",
			nil, nil),
		connections: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "delivery", "connections"),
			"Open delivery buffers.",
			nil, nil),
		pendingTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "delivery", "pending_measurements"),
			"Measurements buffered across all connections.",
			nil, nil),
		attentionLevel: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "attention", "sources"),
			"Tracked sources per derived attention level.",
			[]string{"level"}, nil),
		allocation: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "arbiter", "allocation"),
			"Granted delivery budget fraction per source.",
			[]string{"source"}, nil),
		trackedPairs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "novelty", "tracked_pairs"),
			"Source/channel pairs with a live novelty baseline.",
			nil, nil),
		ingested: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "ingest", "measurements_total"),
			"Measurements seen at the ingest boundary by outcome.",
			[]string{"outcome"}, nil),
	}
	if inst := instance.GetInstance(ctx); inst != nil {
		c.sampler, _ = inst.Sampler.(*sysload.Sampler)
		c.tracker, _ = inst.AttentionTracker.(*attention.Tracker)
		c.ctrl, _ = inst.Priority.(*priority.Controller)
		c.manager, _ = inst.DeliveryManager.(delivery.Manager)
		c.detector, _ = inst.NoveltyDetector.(*novelty.Detector)
		c.ingestor, _ = inst.Ingest.(*ingest.Ingestor)
		inst.MetricsCollector = c
	}
	return c
}

// SetAllocationSource wires the arbiter's allocation snapshot. Kept as a
// callback so the arbiter package does not import metrics.
func (c *Collector) SetAllocationSource(f func() map[types.SourceID]float64) {
	c.allocFunc = f
}

func (c *Collector) Start(ctx context.Context) error {
	return prometheus.Register(c)
}

func (c *Collector) Close(ctx context.Context) {
	prometheus.Unregister(c)
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.loadLevel
	ch <- c.pressure
	ch <- c.qualityConns
	ch <- c.pausedConns
	ch <- c.degradedConns
	ch <- c.connections
	ch <- c.pendingTotal
	ch <- c.attentionLevel
	ch <- c.allocation
	ch <- c.trackedPairs
	ch <- c.ingested
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.sampler != nil {
		snap := c.sampler.Metrics()
		ch <- prometheus.MustNewConstMetric(c.loadLevel, prometheus.GaugeValue, float64(snap.Level))
		for dim, v := range map[string]float64{
			"scheduler": snap.Sample.SchedulerUtilization,
			"memory":    snap.Sample.MemoryPressure,
			"queue":     snap.Sample.QueuePressure,
			"mailbox":   snap.Sample.MailboxPressure,
		} {
			ch <- prometheus.MustNewConstMetric(c.pressure, prometheus.GaugeValue, v, dim)
		}
	}
	if c.ctrl != nil {
		stats := c.ctrl.Stats()
		for tier, n := range stats.Distribution {
			ch <- prometheus.MustNewConstMetric(c.qualityConns, prometheus.GaugeValue, float64(n), tier.String())
		}
		ch <- prometheus.MustNewConstMetric(c.pausedConns, prometheus.GaugeValue, float64(stats.Paused))
		ch <- prometheus.MustNewConstMetric(c.degradedConns, prometheus.GaugeValue, float64(stats.Degraded))
	}
	if c.manager != nil {
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(c.manager.Count()))
		ch <- prometheus.MustNewConstMetric(c.pendingTotal, prometheus.GaugeValue, float64(c.manager.TotalPending()))
	}
	if c.tracker != nil {
		counts := map[types.AttentionLevel]int{}
		for _, level := range c.tracker.Levels() {
			counts[level]++
		}
		for _, level := range []types.AttentionLevel{
			types.AttentionNone, types.AttentionLow, types.AttentionMedium, types.AttentionHigh,
		} {
			ch <- prometheus.MustNewConstMetric(c.attentionLevel, prometheus.GaugeValue, float64(counts[level]), level.String())
		}
	}
	if c.allocFunc != nil {
		for source, budget := range c.allocFunc() {
			ch <- prometheus.MustNewConstMetric(c.allocation, prometheus.GaugeValue, budget, string(source))
		}
	}
	if c.detector != nil {
		ch <- prometheus.MustNewConstMetric(c.trackedPairs, prometheus.GaugeValue, float64(c.detector.TrackedPairs()))
	}
	if c.ingestor != nil {
		stats := c.ingestor.Stats()
		ch <- prometheus.MustNewConstMetric(c.ingested, prometheus.CounterValue, float64(stats.Accepted), "accepted")
		ch <- prometheus.MustNewConstMetric(c.ingested, prometheus.CounterValue, float64(stats.Rejected), "rejected")
		ch <- prometheus.MustNewConstMetric(c.ingested, prometheus.CounterValue, float64(stats.Dropped), "dropped")
	}
}
