package predictive

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sensocto/sensocto-go/src/circadian"
	"github.com/sensocto/sensocto-go/src/configs"
	"github.com/sensocto/sensocto-go/src/instance"
	sensosentry "github.com/sensocto/sensocto-go/src/pkg/sentry"
	"github.com/sensocto/sensocto-go/src/types"
)

type Mode int

const (
	ModeNormal Mode = iota
	ModePreBoost
	ModePostPeak
)

func (m Mode) String() string {
	switch m {
	case ModePreBoost:
		return "pre_boost"
	case ModePostPeak:
		return "post_peak"
	default:
		return "normal"
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Prediction is the published factor the priority controller multiplies
// into its effective pressure. Below 1 boosts delivery, above 1 throttles.
type Prediction struct {
	Mode   Mode    `json:"mode"`
	Factor float64 `json:"factor"`
	Slope  float64 `json:"slope"`
}

// PhaseProvider reports the circadian classification.
type PhaseProvider func() circadian.State

// HistoryProvider returns retained load samples, oldest first.
type HistoryProvider func() []types.LoadSample

// excess below this is close enough to 1 to call the decay finished
const settleEpsilon = 0.01

// Balancer anticipates demand swings: it boosts delivery ahead of an
// expected peak while load is still rising, and unwinds throttling
// gradually after a peak instead of snapping back.
type Balancer struct {
	interval    time.Duration
	trendWindow int
	riseSlope   float64
	boost       float64
	throttle    float64
	decay       float64

	prediction atomic.Pointer[Prediction]

	mu      sync.Mutex
	wasPeak bool

	providerLock sync.RWMutex
	phase        PhaseProvider
	history      HistoryProvider

	logger *logrus.Entry
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewBalancer(ctx context.Context) *Balancer {
	cfg := configs.GetCurrentConfig().Predictive
	b := &Balancer{
		interval:    time.Duration(cfg.IntervalSec) * time.Second,
		trendWindow: cfg.TrendWindow,
		riseSlope:   cfg.RiseSlope,
		boost:       cfg.BoostFactor,
		throttle:    cfg.ThrottleFactor,
		decay:       cfg.DecayRate,
		logger:      logrus.WithField("module", "predictive"),
		stopCh:      make(chan struct{}),
	}
	b.prediction.Store(&Prediction{Mode: ModeNormal, Factor: 1.0})
	if inst := instance.GetInstance(ctx); inst != nil {
		inst.Predictive = b
	}
	return b
}

func (b *Balancer) Start(ctx context.Context) error {
	b.wg.Add(1)
	sensosentry.Go(func() { b.run(ctx) })
	return nil
}

func (b *Balancer) Close(ctx context.Context) {
	close(b.stopCh)
	b.wg.Wait()
}

func (b *Balancer) run(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.Predict()
		}
	}
}

func (b *Balancer) SetPhaseProvider(p PhaseProvider) {
	b.providerLock.Lock()
	b.phase = p
	b.providerLock.Unlock()
}

func (b *Balancer) SetHistoryProvider(h HistoryProvider) {
	b.providerLock.Lock()
	b.history = h
	b.providerLock.Unlock()
}

// Prediction returns the latest published factor without blocking.
func (b *Balancer) Prediction() Prediction {
	return *b.prediction.Load()
}

// Factor is shorthand for the published multiplier.
func (b *Balancer) Factor() float64 {
	return b.prediction.Load().Factor
}

// Predict runs one evaluation pass. Post-peak unwinding takes priority,
// then pre-boost ahead of a rising peak; everything else is normal. The
// factor is advisory and never overrides the load level itself.
func (b *Balancer) Predict() Prediction {
	b.providerLock.RLock()
	phase, history := b.phase, b.history
	b.providerLock.RUnlock()

	var state circadian.State
	state.Phase = circadian.PhaseNormal
	state.Adjustment = 1.0
	if phase != nil {
		state = phase()
	}
	slope := 0.0
	if history != nil {
		slope = trendSlope(history(), b.trendWindow)
	}

	prev := *b.prediction.Load()

	b.mu.Lock()
	leftPeak := b.wasPeak && state.Phase != circadian.PhasePeak
	b.wasPeak = state.Phase == circadian.PhasePeak
	b.mu.Unlock()

	next := Prediction{Mode: ModeNormal, Factor: 1.0, Slope: slope}
	switch {
	case state.Phase == circadian.PhasePeak:
		// The peak itself is the load sampler's business.
	case leftPeak:
		next.Mode = ModePostPeak
		next.Factor = b.throttle
	case prev.Mode == ModePostPeak && prev.Factor-1 > settleEpsilon:
		decayed := 1 + (prev.Factor-1)*(1-b.decay)
		if decayed-1 > settleEpsilon {
			next.Mode = ModePostPeak
			next.Factor = decayed
		}
	case state.Phase == circadian.PhaseApproachingPeak && slope > b.riseSlope:
		next.Mode = ModePreBoost
		next.Factor = b.boost
	}

	b.prediction.Store(&next)
	if next.Mode != prev.Mode {
		b.logger.WithFields(logrus.Fields{
			"mode":   next.Mode.String(),
			"factor": next.Factor,
			"slope":  slope,
		}).Info("prediction mode transition")
	}
	return next
}

// trendSlope fits a least-squares line through the max pressure of the
// last n samples, per sample tick.
func trendSlope(samples []types.LoadSample, n int) float64 {
	if len(samples) > n {
		samples = samples[len(samples)-n:]
	}
	if len(samples) < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, s := range samples {
		x := float64(i)
		y := s.MaxPressure()
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	count := float64(len(samples))
	denom := count*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (count*sumXY - sumX*sumY) / denom
}
