package circadian

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sensocto/sensocto-go/src/configs"
	"github.com/sensocto/sensocto-go/src/instance"
	"github.com/sensocto/sensocto-go/src/pkg/events"
	sensosentry "github.com/sensocto/sensocto-go/src/pkg/sentry"
)

// PhaseChange fires when the classified phase moves. Payload is a State.
const PhaseChange events.EventType = "PhaseChange"

type Phase int

const (
	PhaseOffPeak Phase = iota
	PhaseApproachingOffPeak
	PhaseNormal
	PhaseApproachingPeak
	PhasePeak
)

func (p Phase) String() string {
	switch p {
	case PhaseOffPeak:
		return "off_peak"
	case PhaseApproachingOffPeak:
		return "approaching_off_peak"
	case PhaseApproachingPeak:
		return "approaching_peak"
	case PhasePeak:
		return "peak"
	default:
		return "normal"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Adjustment returns the load multiplier this phase applies downstream.
// Above 1 tightens throttling, below 1 relaxes it.
func (p Phase) Adjustment() float64 {
	switch p {
	case PhasePeak:
		return 1.25
	case PhaseApproachingPeak:
		return 1.1
	case PhaseApproachingOffPeak:
		return 0.95
	case PhaseOffPeak:
		return 0.85
	default:
		return 1.0
	}
}

// State is the predictor's published view of the current hour.
type State struct {
	Phase      Phase   `json:"phase"`
	Adjustment float64 `json:"adjustment"`
	Bucket     int     `json:"bucket"`
	Score      float64 `json:"score"`
}

// DemandProvider reports current demand in [0,1]. Wired to the load
// sampler's max pressure.
type DemandProvider func() float64

// Predictor learns a 24-hour demand profile by exponential smoothing and
// classifies the current hour into a phase. The profile adapts slowly so
// one unusual day cannot rewrite it.
type Predictor struct {
	interval     time.Duration
	alpha        float64
	peakScore    float64
	offPeakScore float64

	mu      sync.Mutex
	profile [24]float64

	state atomic.Pointer[State]

	providerLock sync.RWMutex
	demand       DemandProvider

	now    func() time.Time
	ed     events.Dispatcher
	logger *logrus.Entry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewPredictor(ctx context.Context) *Predictor {
	cfg := configs.GetCurrentConfig().Circadian
	p := &Predictor{
		interval:     time.Duration(cfg.TickIntervalSec) * time.Second,
		alpha:        cfg.Alpha,
		peakScore:    cfg.PeakThreshold,
		offPeakScore: cfg.OffPeakThreshold,
		now:          time.Now,
		logger:       logrus.WithField("module", "circadian"),
		stopCh:       make(chan struct{}),
	}
	p.state.Store(&State{Phase: PhaseNormal, Adjustment: 1.0})
	if inst := instance.GetInstance(ctx); inst != nil {
		if ed, ok := inst.EventDispatcher.(events.Dispatcher); ok {
			p.ed = ed
		}
		inst.Circadian = p
	}
	return p
}

func (p *Predictor) Start(ctx context.Context) error {
	p.wg.Add(1)
	sensosentry.Go(func() { p.run(ctx) })
	return nil
}

func (p *Predictor) Close(ctx context.Context) {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Predictor) run(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Tick()
		}
	}
}

func (p *Predictor) SetDemandProvider(d DemandProvider) {
	p.providerLock.Lock()
	p.demand = d
	p.providerLock.Unlock()
}

// Seed replaces the learned profile, normally from persisted hourly
// aggregates so a restart does not begin from a flat profile.
func (p *Predictor) Seed(profile [24]float64) {
	p.mu.Lock()
	for i, v := range profile {
		p.profile[i] = clamp01(v)
	}
	p.mu.Unlock()
}

// Profile returns a copy of the learned demand scores.
func (p *Predictor) Profile() [24]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profile
}

// State returns the latest classification without touching any lock.
func (p *Predictor) State() State {
	return *p.state.Load()
}

// Tick blends the observed demand into the current hour's bucket and
// reclassifies the phase, broadcasting only on transitions.
func (p *Predictor) Tick() State {
	p.providerLock.RLock()
	demand := p.demand
	p.providerLock.RUnlock()

	observed := 0.0
	if demand != nil {
		observed = clamp01(demand())
	}

	now := p.now()
	bucket := now.Hour()

	p.mu.Lock()
	p.profile[bucket] = p.alpha*observed + (1-p.alpha)*p.profile[bucket]
	score := p.profile[bucket]
	next := p.profile[(bucket+1)%24]
	p.mu.Unlock()

	phase := p.classify(score, next)
	state := State{
		Phase:      phase,
		Adjustment: phase.Adjustment(),
		Bucket:     bucket,
		Score:      score,
	}
	prev := p.state.Load().Phase
	p.state.Store(&state)

	if phase != prev {
		p.logger.WithFields(logrus.Fields{
			"phase":      phase.String(),
			"bucket":     bucket,
			"score":      score,
			"adjustment": state.Adjustment,
		}).Info("circadian phase transition")
		if p.ed != nil {
			p.ed.DispatchEvent(events.NewEvent(PhaseChange, state))
		}
	}
	return state
}

// classify compares the current bucket's score against the thresholds
// and peeks at the next bucket to call out approaching transitions.
func (p *Predictor) classify(score, next float64) Phase {
	switch {
	case score >= p.peakScore:
		return PhasePeak
	case score < p.offPeakScore:
		return PhaseOffPeak
	case next >= p.peakScore:
		return PhaseApproachingPeak
	case next < p.offPeakScore:
		return PhaseApproachingOffPeak
	default:
		return PhaseNormal
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
