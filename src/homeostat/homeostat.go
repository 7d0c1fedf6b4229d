package homeostat

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sensocto/sensocto-go/src/configs"
	"github.com/sensocto/sensocto-go/src/instance"
	"github.com/sensocto/sensocto-go/src/pkg/events"
	sensosentry "github.com/sensocto/sensocto-go/src/pkg/sentry"
	"github.com/sensocto/sensocto-go/src/sysload"
	"github.com/sensocto/sensocto-go/src/types"
)

// Adaptation fires after every tuning pass that moved the thresholds.
// Payload is a Report.
const Adaptation events.EventType = "Adaptation"

// minWindowSamples is the least history worth judging a distribution on.
const minWindowSamples = 5

type Report struct {
	Distribution map[types.LoadLevel]float64 `json:"distribution"`
	Offset       float64                     `json:"offset"`
	Thresholds   sysload.Thresholds          `json:"thresholds"`
}

// Classifier is the sampler surface the tuner drives.
type Classifier interface {
	History() []types.LoadSample
	Thresholds() sysload.Thresholds
	SetThresholds(sysload.Thresholds) error
}

// Tuner nudges the load classifier's thresholds so the realized level
// distribution tracks the configured target. Each tick moves a single
// uniform offset by at most one step and clamps it to a bounded range,
// which keeps the thresholds strictly increasing and convergence
// monotonic per disturbance.
type Tuner struct {
	interval   time.Duration
	windowSize int
	target     configs.TargetDistribution
	tolerance  float64
	step       float64
	maxOffset  float64
	base       sysload.Thresholds

	mu         sync.Mutex
	offset     float64
	lastReport Report

	classifierLock sync.RWMutex
	classifier     Classifier

	ed     events.Dispatcher
	logger *logrus.Entry
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewTuner(ctx context.Context) *Tuner {
	cfg := configs.GetCurrentConfig()
	h := cfg.Homeostat
	t := &Tuner{
		interval:   time.Duration(h.TuneIntervalSec) * time.Second,
		windowSize: h.WindowSize,
		target:     h.Target,
		tolerance:  h.Tolerance,
		step:       h.Step,
		maxOffset:  h.MaxOffset,
		base: sysload.Thresholds{
			Elevated: cfg.Sampler.ElevatedThreshold,
			High:     cfg.Sampler.HighThreshold,
			Critical: cfg.Sampler.CriticalThreshold,
		},
		logger: logrus.WithField("module", "homeostat"),
		stopCh: make(chan struct{}),
	}
	if inst := instance.GetInstance(ctx); inst != nil {
		if ed, ok := inst.EventDispatcher.(events.Dispatcher); ok {
			t.ed = ed
		}
		inst.Tuner = t
	}
	return t
}

func (t *Tuner) Start(ctx context.Context) error {
	t.wg.Add(1)
	sensosentry.Go(func() { t.run(ctx) })
	return nil
}

func (t *Tuner) Close(ctx context.Context) {
	close(t.stopCh)
	t.wg.Wait()
}

func (t *Tuner) run(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.Tune()
		}
	}
}

func (t *Tuner) SetClassifier(c Classifier) {
	t.classifierLock.Lock()
	t.classifier = c
	t.classifierLock.Unlock()
}

// Offset returns the current uniform threshold offset.
func (t *Tuner) Offset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset
}

// LastReport returns the most recent tuning report. The zero Report
// means no pass has produced one yet.
func (t *Tuner) LastReport() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastReport
}

// Tune runs one adaptation pass and reports whether thresholds moved.
func (t *Tuner) Tune() bool {
	t.classifierLock.RLock()
	classifier := t.classifier
	t.classifierLock.RUnlock()
	if classifier == nil {
		return false
	}

	samples := classifier.History()
	if len(samples) > t.windowSize {
		samples = samples[len(samples)-t.windowSize:]
	}
	if len(samples) < minWindowSamples {
		return false
	}

	current := classifier.Thresholds()
	distribution := observe(samples, current)
	overload := distribution[types.LoadHigh] + distribution[types.LoadCritical]
	targetOverload := t.target.High + t.target.Critical

	t.mu.Lock()
	defer t.mu.Unlock()

	desired := t.offset
	switch {
	case overload > targetOverload+t.tolerance:
		// Too much time spent in high/critical: become less eager.
		desired += t.step
	case overload < targetOverload-t.tolerance &&
		distribution[types.LoadNormal] > t.target.Normal+t.tolerance:
		// Suspiciously calm: become more sensitive.
		desired -= t.step
	default:
		t.lastReport = Report{Distribution: distribution, Offset: t.offset, Thresholds: current}
		return false
	}

	lo, hi := t.bounds()
	clamped := clamp(desired, lo, hi)
	if clamped != desired {
		t.logger.WithFields(logrus.Fields{
			"desired": desired,
			"clamped": clamped,
		}).Warn("threshold offset clamped, distribution not converging within bounds")
	}
	if clamped == t.offset {
		t.lastReport = Report{Distribution: distribution, Offset: t.offset, Thresholds: current}
		return false
	}
	t.offset = clamped

	next := sysload.Thresholds{
		Elevated: t.base.Elevated + t.offset,
		High:     t.base.High + t.offset,
		Critical: t.base.Critical + t.offset,
	}
	if err := classifier.SetThresholds(next); err != nil {
		t.logger.WithError(err).Warn("classifier rejected tuned thresholds")
		return false
	}

	report := Report{Distribution: distribution, Offset: t.offset, Thresholds: next}
	t.lastReport = report
	t.logger.WithFields(logrus.Fields{
		"offset":   t.offset,
		"overload": overload,
	}).Info("thresholds adapted")
	if t.ed != nil {
		t.ed.DispatchEvent(events.NewEvent(Adaptation, report))
	}
	return true
}

// bounds confines the offset so thresholds stay inside (0,1] on top of
// the configured max offset.
func (t *Tuner) bounds() (lo, hi float64) {
	lo = -t.maxOffset
	if floor := -t.base.Elevated + 1e-6; floor > lo {
		lo = floor
	}
	hi = t.maxOffset
	if ceil := 1 - t.base.Critical; ceil < hi {
		hi = ceil
	}
	return lo, hi
}

func observe(samples []types.LoadSample, th sysload.Thresholds) map[types.LoadLevel]float64 {
	counts := make(map[types.LoadLevel]int, 4)
	for _, s := range samples {
		counts[th.Classify(s.MaxPressure())]++
	}
	out := make(map[types.LoadLevel]float64, 4)
	total := float64(len(samples))
	for _, level := range []types.LoadLevel{types.LoadNormal, types.LoadElevated, types.LoadHigh, types.LoadCritical} {
		out[level] = float64(counts[level]) / total
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
