package arbiter

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sensocto/sensocto-go/src/configs"
	"github.com/sensocto/sensocto-go/src/instance"
	"github.com/sensocto/sensocto-go/src/novelty"
	"github.com/sensocto/sensocto-go/src/pkg/events"
	sensosentry "github.com/sensocto/sensocto-go/src/pkg/sentry"
	"github.com/sensocto/sensocto-go/src/types"
)

// AttentionProvider reports the current attention level per source.
type AttentionProvider func() map[types.SourceID]types.AttentionLevel

// attentionWeight converts a level into a demand weight. High attention
// counts double a medium one so focused sources win contested budget.
func attentionWeight(level types.AttentionLevel) float64 {
	switch level {
	case types.AttentionHigh:
		return 4
	case types.AttentionMedium:
		return 2
	case types.AttentionLow:
		return 1
	default:
		return 0
	}
}

// Arbiter splits a bounded delivery budget across competing sources in
// proportion to demand. Demand is attention plus a decaying bonus for
// recent novelty, so a source that just did something interesting gets
// a temporary edge even with few viewers.
type Arbiter struct {
	capacity      float64
	floor         float64
	ceiling       float64
	hysteresis    float64
	interval      time.Duration
	noveltyBoost  float64
	noveltyWindow time.Duration

	allocations atomic.Pointer[map[types.SourceID]float64]

	mu          sync.Mutex
	lastNovelty map[types.SourceID]time.Time
	lastShares  map[types.SourceID]float64

	providerLock sync.RWMutex
	attention    AttentionProvider

	now    func() time.Time
	logger *logrus.Entry
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewArbiter(ctx context.Context) *Arbiter {
	cfg := configs.GetCurrentConfig().Arbiter
	a := &Arbiter{
		capacity:      cfg.Capacity,
		floor:         cfg.Floor,
		ceiling:       cfg.Ceiling,
		hysteresis:    cfg.Hysteresis,
		interval:      time.Duration(cfg.EvalIntervalSec) * time.Second,
		noveltyBoost:  cfg.NoveltyBoost,
		noveltyWindow: time.Duration(cfg.NoveltyWindowSec) * time.Second,
		lastNovelty:   make(map[types.SourceID]time.Time),
		now:           time.Now,
		logger:        logrus.WithField("module", "arbiter"),
		stopCh:        make(chan struct{}),
	}
	empty := make(map[types.SourceID]float64)
	a.allocations.Store(&empty)
	if inst := instance.GetInstance(ctx); inst != nil {
		if ed, ok := inst.EventDispatcher.(events.Dispatcher); ok {
			ed.AddEventListener(novelty.NoveltyDetected, events.NewEventListener(a.onNovelty))
		}
		inst.Arbiter = a
	}
	return a
}

func (a *Arbiter) Start(ctx context.Context) error {
	a.wg.Add(1)
	sensosentry.Go(func() { a.run(ctx) })
	return nil
}

func (a *Arbiter) Close(ctx context.Context) {
	close(a.stopCh)
	a.wg.Wait()
}

func (a *Arbiter) run(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.Evaluate()
		}
	}
}

func (a *Arbiter) SetAttentionProvider(p AttentionProvider) {
	a.providerLock.Lock()
	a.attention = p
	a.providerLock.Unlock()
}

func (a *Arbiter) onNovelty(event *events.Event) {
	ev, ok := event.Object.(novelty.Event)
	if !ok {
		return
	}
	a.mu.Lock()
	a.lastNovelty[ev.SourceID] = a.now()
	a.mu.Unlock()
}

// Budget returns a source's granted share. ok is false when the source
// holds no allocation, which callers must treat as unconstrained rather
// than starved.
func (a *Arbiter) Budget(sourceID types.SourceID) (float64, bool) {
	m := *a.allocations.Load()
	v, ok := m[sourceID]
	return v, ok
}

// Allocations returns a copy of the current grant table.
func (a *Arbiter) Allocations() map[types.SourceID]float64 {
	m := *a.allocations.Load()
	out := make(map[types.SourceID]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Evaluate rebuilds demand and, if it moved enough since the last grant,
// recomputes allocations. Small fluctuations are ignored so grants do
// not thrash.
func (a *Arbiter) Evaluate() map[types.SourceID]float64 {
	demands := a.demands()
	shares := normalize(demands)

	a.mu.Lock()
	moved := demandMoved(a.lastShares, shares, a.hysteresis)
	if moved {
		a.lastShares = shares
	}
	a.mu.Unlock()

	if !moved {
		return a.Allocations()
	}

	alloc := Allocate(demands, a.capacity, a.floor, a.ceiling)
	a.allocations.Store(&alloc)
	a.logger.WithField("sources", len(alloc)).Debug("reallocated delivery budget")
	return a.Allocations()
}

// demands builds the weight map from attention levels and novelty
// recency. Sources with no demand at all are left out entirely.
func (a *Arbiter) demands() map[types.SourceID]float64 {
	a.providerLock.RLock()
	attention := a.attention
	a.providerLock.RUnlock()

	now := a.now()
	demands := make(map[types.SourceID]float64)
	if attention != nil {
		for source, level := range attention() {
			if w := attentionWeight(level); w > 0 {
				demands[source] = w
			}
		}
	}

	a.mu.Lock()
	for source, seen := range a.lastNovelty {
		elapsed := now.Sub(seen)
		if elapsed > a.noveltyWindow {
			delete(a.lastNovelty, source)
			continue
		}
		bonus := a.noveltyBoost * (1 - elapsed.Seconds()/a.noveltyWindow.Seconds())
		demands[source] += bonus
	}
	a.mu.Unlock()
	return demands
}

// Allocate distributes capacity proportionally to demand, then applies
// the ceiling and floor. When the floor is infeasible (too many sources
// for the capacity) everyone gets an even split instead. The result
// always sums to at most capacity.
func Allocate(demands map[types.SourceID]float64, capacity, floor, ceiling float64) map[types.SourceID]float64 {
	alloc := make(map[types.SourceID]float64, len(demands))
	total := 0.0
	for source, d := range demands {
		if d > 0 {
			alloc[source] = d
			total += d
		}
	}
	n := float64(len(alloc))
	if n == 0 || total <= 0 {
		return map[types.SourceID]float64{}
	}
	if floor*n > capacity {
		even := capacity / n
		for source := range alloc {
			alloc[source] = even
		}
		return alloc
	}

	// Proportional grants, capped at the ceiling. The excess shaved off
	// capped sources is re-granted to the rest, repeating until stable.
	for source, d := range alloc {
		alloc[source] = capacity * d / total
	}
	capped := make(map[types.SourceID]bool, len(alloc))
	for i := 0; i < len(alloc); i++ {
		excess := 0.0
		uncappedWeight := 0.0
		for source, v := range alloc {
			if capped[source] {
				continue
			}
			if v > ceiling {
				excess += v - ceiling
				alloc[source] = ceiling
				capped[source] = true
			} else {
				uncappedWeight += v
			}
		}
		if excess == 0 || uncappedWeight == 0 {
			break
		}
		for source, v := range alloc {
			if !capped[source] {
				alloc[source] = v + excess*v/uncappedWeight
			}
		}
	}

	// Lift everything to the floor, paying for it by scaling down the
	// headroom of the sources above it.
	deficit := 0.0
	headroom := 0.0
	for _, v := range alloc {
		if v < floor {
			deficit += floor - v
		} else {
			headroom += v - floor
		}
	}
	if deficit > 0 && headroom > 0 {
		scale := math.Max(0, 1-deficit/headroom)
		for source, v := range alloc {
			if v < floor {
				alloc[source] = floor
			} else {
				alloc[source] = floor + (v-floor)*scale
			}
		}
	}
	return alloc
}

// normalize maps demands to shares of the total so hysteresis compares
// like with like regardless of absolute weight scale.
func normalize(demands map[types.SourceID]float64) map[types.SourceID]float64 {
	total := 0.0
	for _, d := range demands {
		total += d
	}
	if total <= 0 {
		return map[types.SourceID]float64{}
	}
	out := make(map[types.SourceID]float64, len(demands))
	for source, d := range demands {
		out[source] = d / total
	}
	return out
}

// demandMoved reports whether the L1 distance between the previous and
// current share vectors exceeds the hysteresis threshold. A changed
// source set always counts as movement.
func demandMoved(prev, next map[types.SourceID]float64, hysteresis float64) bool {
	if prev == nil || len(prev) != len(next) {
		return true
	}
	distance := 0.0
	for source, share := range next {
		old, ok := prev[source]
		if !ok {
			return true
		}
		distance += math.Abs(share - old)
	}
	return distance > hysteresis
}
