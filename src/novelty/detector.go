package novelty

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"github.com/sirupsen/logrus"

	"github.com/sensocto/sensocto-go/src/configs"
	"github.com/sensocto/sensocto-go/src/instance"
	"github.com/sensocto/sensocto-go/src/pkg/events"
	"github.com/sensocto/sensocto-go/src/types"
)

// NoveltyDetected fires when an observed value deviates from its channel
// baseline by more than the configured z threshold. Payload is an Event.
const NoveltyDetected events.EventType = "NoveltyDetected"

const minStddev = 1e-9

type Event struct {
	SourceID  types.SourceID  `json:"source_id"`
	ChannelID types.ChannelID `json:"channel_id"`
	Value     float64         `json:"value"`
	Z         float64         `json:"z_score"`
	Timestamp int64           `json:"timestamp"`
}

// baseline carries Welford running statistics for one (source, channel)
// pair. Observations for a pair arrive in order; pairs are independent,
// so each baseline has its own lock.
type baseline struct {
	sync.Mutex
	count    int64
	mean     float64
	m2       float64
	lastSeen time.Time
}

func (b *baseline) reset() {
	b.count, b.mean, b.m2 = 0, 0, 0
}

// fold absorbs a value into the running statistics.
func (b *baseline) fold(value float64) {
	b.count++
	delta := value - b.mean
	b.mean += delta / float64(b.count)
	b.m2 += delta * (value - b.mean)
}

func (b *baseline) stddev() float64 {
	if b.count < 2 {
		return 0
	}
	return math.Sqrt(b.m2 / float64(b.count-1))
}

// Detector keeps per-(source, channel) baselines in an LRU-bounded cache
// and flags values that deviate from their established baseline. Stale
// pairs are reset rather than judged against ancient statistics.
type Detector struct {
	zThreshold float64
	warmup     int64
	staleness  time.Duration
	baselines  gcache.Cache
	creating   sync.Mutex

	recentLock sync.RWMutex
	recent     []Event
	recentCap  int

	now    func() time.Time
	ed     events.Dispatcher
	logger *logrus.Entry
}

func NewDetector(ctx context.Context) *Detector {
	cfg := configs.GetCurrentConfig().Novelty
	d := &Detector{
		zThreshold: cfg.ZThreshold,
		warmup:     int64(cfg.WarmupSamples),
		staleness:  time.Duration(cfg.StalenessSec) * time.Second,
		baselines:  gcache.New(cfg.MaxBaselines).LRU().Build(),
		recentCap:  cfg.RecentEvents,
		now:        time.Now,
		logger:     logrus.WithField("module", "novelty"),
	}
	if inst := instance.GetInstance(ctx); inst != nil {
		if ed, ok := inst.EventDispatcher.(events.Dispatcher); ok {
			d.ed = ed
		}
		inst.NoveltyDetector = d
	}
	return d
}

func (d *Detector) Start(ctx context.Context) error { return nil }

func (d *Detector) Close(ctx context.Context) {}

// Observe folds a value into its pair's baseline and reports whether it
// crossed the novelty threshold. The z score is taken against the
// baseline as it stood before this value, then the value is absorbed, so
// a sustained shift becomes the new normal instead of alarming forever.
func (d *Detector) Observe(sourceID types.SourceID, channelID types.ChannelID, value float64) bool {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return false
	}
	b := d.baseline(sourceID, channelID)
	b.Lock()
	defer b.Unlock()

	now := d.now()
	if !b.lastSeen.IsZero() && now.Sub(b.lastSeen) > d.staleness {
		b.reset()
	}
	b.lastSeen = now

	novel := false
	var z float64
	if b.count >= d.warmup {
		z = (value - b.mean) / math.Max(b.stddev(), minStddev)
		novel = math.Abs(z) > d.zThreshold
	}
	b.fold(value)

	if novel {
		ev := Event{
			SourceID:  sourceID,
			ChannelID: channelID,
			Value:     value,
			Z:         z,
			Timestamp: now.UnixMilli(),
		}
		d.remember(ev)
		d.logger.WithFields(logrus.Fields{
			"source":  sourceID,
			"channel": channelID,
			"z":       z,
		}).Debug("novel value detected")
		if d.ed != nil {
			d.ed.DispatchEvent(events.NewEvent(NoveltyDetected, ev))
		}
	}
	return novel
}

// ObserveValue coerces arbitrary payloads. Non-numeric payloads never
// trigger novelty and leave the baseline untouched.
func (d *Detector) ObserveValue(sourceID types.SourceID, channelID types.ChannelID, payload interface{}) bool {
	value, ok := toFloat(payload)
	if !ok {
		return false
	}
	return d.Observe(sourceID, channelID, value)
}

// RecentEvents returns up to the configured number of recent novelty
// events, most recent first.
func (d *Detector) RecentEvents() []Event {
	d.recentLock.RLock()
	defer d.recentLock.RUnlock()
	out := make([]Event, len(d.recent))
	copy(out, d.recent)
	return out
}

// TrackedPairs reports how many baselines are currently retained.
func (d *Detector) TrackedPairs() int {
	return d.baselines.Len(false)
}

func (d *Detector) remember(ev Event) {
	d.recentLock.Lock()
	defer d.recentLock.Unlock()
	d.recent = append([]Event{ev}, d.recent...)
	if len(d.recent) > d.recentCap {
		d.recent = d.recent[:d.recentCap]
	}
}

func (d *Detector) baseline(sourceID types.SourceID, channelID types.ChannelID) *baseline {
	key := fmt.Sprintf("%s|%s", sourceID, channelID)
	if v, err := d.baselines.Get(key); err == nil {
		return v.(*baseline)
	}
	d.creating.Lock()
	defer d.creating.Unlock()
	if v, err := d.baselines.Get(key); err == nil {
		return v.(*baseline)
	}
	b := &baseline{}
	_ = d.baselines.Set(key, b)
	return b
}

func toFloat(payload interface{}) (float64, bool) {
	switch v := payload.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}
