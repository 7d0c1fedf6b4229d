package priority

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sensocto/sensocto-go/src/configs"
	"github.com/sensocto/sensocto-go/src/delivery"
	"github.com/sensocto/sensocto-go/src/instance"
	"github.com/sensocto/sensocto-go/src/pkg/events"
	sensosentry "github.com/sensocto/sensocto-go/src/pkg/sentry"
	"github.com/sensocto/sensocto-go/src/sysload"
	"github.com/sensocto/sensocto-go/src/types"
)

const (
	// QualityChanged fires when a connection's decided tier transitions.
	// Payload is a QualityChange.
	QualityChanged events.EventType = "QualityChanged"
	// BackpressureAdvice carries the recommended upstream batching for a
	// connection, published after every decided change. Payload is an
	// Advice.
	BackpressureAdvice events.EventType = "BackpressureAdvice"
)

type QualityChange struct {
	ConnID   types.ConnID      `json:"conn_id"`
	Previous types.QualityTier `json:"previous"`
	Current  types.QualityTier `json:"current"`
}

// Advice tells upstream producers how to pre-batch for one connection.
// Producers are free to ignore it.
type Advice struct {
	ConnID         types.ConnID         `json:"connection_id"`
	AttentionLevel types.AttentionLevel `json:"attention_level"`
	SystemLoad     types.LoadLevel      `json:"system_load"`
	Paused         bool                 `json:"paused"`
	WindowMs       int                  `json:"recommended_batch_window_ms"`
	BatchSize      int                  `json:"recommended_batch_size"`
	LoadMultiplier float64              `json:"load_multiplier"`
	Timestamp      int64                `json:"timestamp"`
}

// Signal providers, wired at startup. Each falls back to a safe default
// when unset so a missing collaborator degrades decisions instead of
// stalling them.
type (
	LoadProvider      func() types.LoadLevel
	FactorProvider    func() float64
	AttentionProvider func(types.SourceID) types.AttentionLevel
	BudgetProvider    func(types.SourceID) (float64, bool)
)

// Stats is the aggregate decision snapshot, rebuilt on every evaluation
// pass and read lock-free.
type Stats struct {
	Connections  int                       `json:"connections"`
	Distribution map[types.QualityTier]int `json:"distribution"`
	Paused       int                       `json:"paused"`
	Degraded     int                       `json:"degraded"`
	Timestamp    int64                     `json:"timestamp"`
}

// ConnState is the externally visible decision state of one connection.
type ConnState struct {
	Tier             types.QualityTier `json:"tier"`
	Sources          []types.SourceID  `json:"sources"`
	LastTransitionAt int64             `json:"last_transition_at"`
}

type connState struct {
	sources        []types.SourceID
	tier           types.QualityTier
	lastTransition int64

	// Downgrade hysteresis: the lower tier must persist for more than
	// hysteresisTicks consecutive evaluations before it applies.
	pendingTier  types.QualityTier
	pendingTicks int
}

// Controller turns the environment signals (load level, predictive
// factor, attention, arbiter budget) into one quality tier per
// connection. It owns all decision state; delivery buffers read the
// decided tiers through the lock-free Tier cache.
type Controller struct {
	interval         time.Duration
	hysteresisTicks  int
	starvationBudget float64
	boundaries       []float64
	adviceTable      map[types.AttentionLevel]configs.AdviceEntry

	provMu    sync.RWMutex
	load      LoadProvider
	factor    FactorProvider
	attention AttentionProvider
	budget    BudgetProvider

	mu    sync.Mutex
	conns map[types.ConnID]*connState

	tiers atomic.Pointer[map[types.ConnID]types.QualityTier]
	stats atomic.Pointer[Stats]

	now    func() time.Time
	ed     events.Dispatcher
	logger *logrus.Entry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewController(ctx context.Context) *Controller {
	cfg := configs.GetCurrentConfig().Priority
	c := &Controller{
		interval:         time.Duration(cfg.DecisionIntervalMs) * time.Millisecond,
		hysteresisTicks:  cfg.HysteresisTicks,
		starvationBudget: cfg.StarvationBudget,
		boundaries:       append([]float64(nil), cfg.TierBoundaries...),
		adviceTable: map[types.AttentionLevel]configs.AdviceEntry{
			types.AttentionNone:   cfg.AdviceNone,
			types.AttentionLow:    cfg.AdviceLow,
			types.AttentionMedium: cfg.AdviceMedium,
			types.AttentionHigh:   cfg.AdviceHigh,
		},
		conns:  make(map[types.ConnID]*connState),
		now:    time.Now,
		logger: logrus.WithField("module", "priority"),
		stopCh: make(chan struct{}),
	}
	if inst := instance.GetInstance(ctx); inst != nil {
		if ed, ok := inst.EventDispatcher.(events.Dispatcher); ok {
			c.ed = ed
			ed.AddEventListener(delivery.ConnectionOpened, events.NewEventListener(func(event *events.Event) {
				if ev, ok := event.Object.(delivery.ConnectionEvent); ok {
					c.Track(ev.ConnID, ev.Sources)
				}
			}))
			ed.AddEventListener(delivery.ConnectionClosed, events.NewEventListener(func(event *events.Event) {
				if ev, ok := event.Object.(delivery.ConnectionEvent); ok {
					c.Untrack(ev.ConnID)
				}
			}))
			// A load-level transition re-evaluates everyone right away
			// instead of waiting out the decision interval.
			ed.AddEventListener(sysload.LoadChanged, events.NewEventListener(func(event *events.Event) {
				c.Evaluate()
			}))
		}
		inst.Priority = c
	}
	return c
}

func (c *Controller) Start(ctx context.Context) error {
	c.wg.Add(1)
	sensosentry.Go(func() { c.run() })
	return nil
}

func (c *Controller) Close(ctx context.Context) {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Controller) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Evaluate()
		}
	}
}

func (c *Controller) SetLoadProvider(p LoadProvider) {
	c.provMu.Lock()
	c.load = p
	c.provMu.Unlock()
}

func (c *Controller) SetFactorProvider(p FactorProvider) {
	c.provMu.Lock()
	c.factor = p
	c.provMu.Unlock()
}

func (c *Controller) SetAttentionProvider(p AttentionProvider) {
	c.provMu.Lock()
	c.attention = p
	c.provMu.Unlock()
}

func (c *Controller) SetBudgetProvider(p BudgetProvider) {
	c.provMu.Lock()
	c.budget = p
	c.provMu.Unlock()
}

// Track starts deciding for a connection. The initial tier is decided
// immediately so the first flush already runs at the right cadence; no
// QualityChanged fires because there is no previous tier.
func (c *Controller) Track(connID types.ConnID, sources []types.SourceID) {
	level, factor := c.signals()
	c.mu.Lock()
	if _, ok := c.conns[connID]; ok {
		c.mu.Unlock()
		return
	}
	tier, attention := c.target(level, factor, sources)
	nowMs := c.now().UnixMilli()
	c.conns[connID] = &connState{
		sources:        append([]types.SourceID(nil), sources...),
		tier:           tier,
		lastTransition: nowMs,
	}
	c.publishLocked(nowMs)
	c.mu.Unlock()
	c.dispatchAdvice(connID, attention, level, nowMs)
}

func (c *Controller) Untrack(connID types.ConnID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.conns[connID]; !ok {
		return
	}
	delete(c.conns, connID)
	c.publishLocked(c.now().UnixMilli())
}

// Tier is the delivery hot path. It reads the latest decision snapshot
// and falls back to medium for connections not decided yet.
func (c *Controller) Tier(connID types.ConnID) types.QualityTier {
	m := c.tiers.Load()
	if m == nil {
		return types.QualityMedium
	}
	if tier, ok := (*m)[connID]; ok {
		return tier
	}
	return types.QualityMedium
}

func (c *Controller) Stats() Stats {
	s := c.stats.Load()
	if s == nil {
		return Stats{Distribution: emptyDistribution()}
	}
	out := *s
	out.Distribution = make(map[types.QualityTier]int, len(s.Distribution))
	for tier, n := range s.Distribution {
		out.Distribution[tier] = n
	}
	return out
}

func (c *Controller) Connections() map[types.ConnID]ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[types.ConnID]ConnState, len(c.conns))
	for connID, conn := range c.conns {
		out[connID] = ConnState{
			Tier:             conn.tier,
			Sources:          append([]types.SourceID(nil), conn.sources...),
			LastTransitionAt: conn.lastTransition,
		}
	}
	return out
}

// Evaluate runs one decision pass over every tracked connection.
// Upgrades apply immediately; downgrades wait out the hysteresis unless
// the system is at critical load, where the override applies at once.
func (c *Controller) Evaluate() {
	level, factor := c.signals()

	type change struct {
		connID    types.ConnID
		previous  types.QualityTier
		current   types.QualityTier
		attention types.AttentionLevel
	}
	var changes []change

	c.mu.Lock()
	nowMs := c.now().UnixMilli()
	for connID, conn := range c.conns {
		tgt, attention := c.target(level, factor, conn.sources)
		next := conn.tier
		switch {
		case tgt == conn.tier:
			conn.pendingTicks = 0
		case tgt > conn.tier:
			next = tgt
		case level == types.LoadCritical:
			next = tgt
		default:
			if conn.pendingTicks > 0 && tgt <= conn.pendingTier {
				conn.pendingTicks++
			} else {
				conn.pendingTicks = 1
			}
			conn.pendingTier = tgt
			if conn.pendingTicks > c.hysteresisTicks {
				next = tgt
			}
		}
		if next != conn.tier {
			changes = append(changes, change{connID, conn.tier, next, attention})
			conn.tier = next
			conn.lastTransition = nowMs
			conn.pendingTicks = 0
		}
	}
	c.publishLocked(nowMs)
	c.mu.Unlock()

	for _, ch := range changes {
		if c.ed != nil {
			c.ed.DispatchEvent(events.NewEvent(QualityChanged, QualityChange{
				ConnID:   ch.connID,
				Previous: ch.previous,
				Current:  ch.current,
			}))
		}
		c.dispatchAdvice(ch.connID, ch.attention, level, nowMs)
		c.logger.WithFields(logrus.Fields{
			"conn":     ch.connID,
			"previous": ch.previous.String(),
			"current":  ch.current.String(),
		}).Debug("quality tier changed")
	}
}

func (c *Controller) signals() (types.LoadLevel, float64) {
	c.provMu.RLock()
	load, factor := c.load, c.factor
	c.provMu.RUnlock()
	level := types.LoadNormal
	if load != nil {
		level = load()
	}
	f := 1.0
	if factor != nil {
		if v := factor(); v > 0 {
			f = v
		}
	}
	return level, f
}

// target maps the current signals to the un-hysteretic tier for a set of
// watched sources. Critical load short-circuits the table: minimal when
// somebody actively watches, paused otherwise.
func (c *Controller) target(level types.LoadLevel, factor float64, sources []types.SourceID) (types.QualityTier, types.AttentionLevel) {
	attention := c.maxAttention(sources)
	if level == types.LoadCritical {
		if attention >= types.AttentionMedium {
			return types.QualityMinimal, attention
		}
		return types.QualityPaused, attention
	}

	tier := c.tierFor(float64(level) * factor)
	switch {
	case attention == types.AttentionHigh && tier < types.QualityHigh:
		tier++
	case attention == types.AttentionNone && tier > types.QualityPaused:
		tier--
	}
	if level >= types.LoadHigh && tier > types.QualityPaused && c.starved(sources) {
		tier--
	}
	return tier, attention
}

func (c *Controller) tierFor(effectivePressure float64) types.QualityTier {
	switch {
	case effectivePressure < c.boundaries[0]:
		return types.QualityHigh
	case effectivePressure < c.boundaries[1]:
		return types.QualityMedium
	case effectivePressure < c.boundaries[2]:
		return types.QualityLow
	case effectivePressure < c.boundaries[3]:
		return types.QualityMinimal
	default:
		return types.QualityPaused
	}
}

func (c *Controller) maxAttention(sources []types.SourceID) types.AttentionLevel {
	c.provMu.RLock()
	attention := c.attention
	c.provMu.RUnlock()
	max := types.AttentionNone
	if attention == nil {
		return max
	}
	for _, sourceID := range sources {
		if l := attention(sourceID); l > max {
			max = l
		}
	}
	return max
}

// starved reports whether every watched source sits below the starvation
// budget. Sources without an allocation are unconstrained, not starved.
func (c *Controller) starved(sources []types.SourceID) bool {
	c.provMu.RLock()
	budget := c.budget
	c.provMu.RUnlock()
	if budget == nil || len(sources) == 0 {
		return false
	}
	for _, sourceID := range sources {
		granted, ok := budget(sourceID)
		if !ok || granted >= c.starvationBudget {
			return false
		}
	}
	return true
}

// publishLocked rebuilds the lock-free read caches. Callers hold c.mu.
func (c *Controller) publishLocked(nowMs int64) {
	tiers := make(map[types.ConnID]types.QualityTier, len(c.conns))
	dist := emptyDistribution()
	paused, degraded := 0, 0
	for connID, conn := range c.conns {
		tiers[connID] = conn.tier
		dist[conn.tier]++
		if conn.tier == types.QualityPaused {
			paused++
		}
		if conn.tier.Degraded() {
			degraded++
		}
	}
	c.tiers.Store(&tiers)
	c.stats.Store(&Stats{
		Connections:  len(c.conns),
		Distribution: dist,
		Paused:       paused,
		Degraded:     degraded,
		Timestamp:    nowMs,
	})
}

func (c *Controller) dispatchAdvice(connID types.ConnID, attention types.AttentionLevel, level types.LoadLevel, nowMs int64) {
	if c.ed == nil {
		return
	}
	entry := c.adviceTable[attention]
	mult := loadMultiplier(level)
	c.ed.DispatchEvent(events.NewEvent(BackpressureAdvice, Advice{
		ConnID:         connID,
		AttentionLevel: attention,
		SystemLoad:     level,
		Paused:         level == types.LoadCritical && attention <= types.AttentionLow,
		WindowMs:       int(float64(entry.WindowMs) * mult),
		BatchSize:      int(float64(entry.BatchSize) * mult),
		LoadMultiplier: mult,
		Timestamp:      nowMs,
	}))
}

func loadMultiplier(level types.LoadLevel) float64 {
	switch level {
	case types.LoadCritical:
		return 3.0
	case types.LoadHigh:
		return 2.0
	case types.LoadElevated:
		return 1.5
	default:
		return 1.0
	}
}

func emptyDistribution() map[types.QualityTier]int {
	return map[types.QualityTier]int{
		types.QualityHigh:    0,
		types.QualityMedium:  0,
		types.QualityLow:     0,
		types.QualityMinimal: 0,
		types.QualityPaused:  0,
	}
}
