package sysload

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"github.com/sensocto/sensocto-go/src/configs"
	"github.com/sensocto/sensocto-go/src/instance"
	"github.com/sensocto/sensocto-go/src/pkg/events"
	sensosentry "github.com/sensocto/sensocto-go/src/pkg/sentry"
	"github.com/sensocto/sensocto-go/src/types"
)

// LoadChanged fires when a sampling pass lands in a different load level
// than the previous one. The payload is a LoadChange.
const LoadChanged events.EventType = "LoadChanged"

type LoadChange struct {
	Previous types.LoadLevel  `json:"previous"`
	Current  types.LoadLevel  `json:"current"`
	Sample   types.LoadSample `json:"sample"`
}

// Snapshot is the cached result of the latest sampling pass. Readers get
// it through an atomic pointer so they never contend with the sampler.
type Snapshot struct {
	Sample types.LoadSample `json:"sample"`
	Level  types.LoadLevel  `json:"level"`
}

// PressureProvider reports one pressure dimension in [0,1]. The ingest
// queue and the delivery buffers register themselves here so the sampler
// can fold their backlog into the load picture.
type PressureProvider func() float64

// Recorder persists classified samples. Wired to the load history store
// when persistence is enabled.
type Recorder interface {
	RecordSample(ctx context.Context, sample types.LoadSample, level types.LoadLevel) error
}

// Host pressure sources, swappable in tests.
var (
	schedulerPressure = func() float64 {
		percents, err := cpu.Percent(0, false)
		if err != nil || len(percents) == 0 {
			return 0
		}
		return clamp01(percents[0] / 100)
	}
	memoryPressure = func() float64 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return 0
		}
		return clamp01(vm.UsedPercent / 100)
	}
)

// Sampler periodically measures the four pressure dimensions, classifies
// the result against the current thresholds and broadcasts level
// transitions. It owns all mutation; everyone else reads snapshots.
type Sampler struct {
	interval time.Duration

	thresholds atomic.Pointer[Thresholds]
	snapshot   atomic.Pointer[Snapshot]

	providerLock    sync.RWMutex
	queueProvider   PressureProvider
	mailboxProvider PressureProvider

	historyLock sync.Mutex
	history     []types.LoadSample
	historyPos  int
	historyFull bool

	recorderLock sync.RWMutex
	recorder     Recorder

	ed     events.Dispatcher
	logger *logrus.Entry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewSampler(ctx context.Context) *Sampler {
	cfg := configs.GetCurrentConfig().Sampler
	s := &Sampler{
		interval: time.Duration(cfg.IntervalSec) * time.Second,
		history:  make([]types.LoadSample, cfg.HistorySize),
		logger:   logrus.WithField("module", "sysload"),
		stopCh:   make(chan struct{}),
	}
	t := Thresholds{
		Elevated: cfg.ElevatedThreshold,
		High:     cfg.HighThreshold,
		Critical: cfg.CriticalThreshold,
	}
	s.thresholds.Store(&t)
	s.snapshot.Store(&Snapshot{Level: types.LoadNormal})
	if inst := instance.GetInstance(ctx); inst != nil {
		if ed, ok := inst.EventDispatcher.(events.Dispatcher); ok {
			s.ed = ed
		}
		inst.Sampler = s
	}
	return s
}

func (s *Sampler) Start(ctx context.Context) error {
	s.wg.Add(1)
	sensosentry.Go(func() { s.run(ctx) })
	return nil
}

func (s *Sampler) Close(ctx context.Context) {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Sampler) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sample(ctx)
		}
	}
}

// SetQueuePressureProvider registers the ingest backlog source.
func (s *Sampler) SetQueuePressureProvider(p PressureProvider) {
	s.providerLock.Lock()
	s.queueProvider = p
	s.providerLock.Unlock()
}

// SetMailboxPressureProvider registers the delivery backlog source.
func (s *Sampler) SetMailboxPressureProvider(p PressureProvider) {
	s.providerLock.Lock()
	s.mailboxProvider = p
	s.providerLock.Unlock()
}

// SetRecorder wires sample persistence. May stay unset.
func (s *Sampler) SetRecorder(r Recorder) {
	s.recorderLock.Lock()
	s.recorder = r
	s.recorderLock.Unlock()
}

// Sample runs one measurement pass: collect the four pressures, classify,
// record, and broadcast a LoadChanged event when the level moved.
func (s *Sampler) Sample(ctx context.Context) Snapshot {
	s.providerLock.RLock()
	queueP, mailboxP := s.queueProvider, s.mailboxProvider
	s.providerLock.RUnlock()

	sample := types.LoadSample{
		SchedulerUtilization: schedulerPressure(),
		MemoryPressure:       memoryPressure(),
		Timestamp:            time.Now().UnixMilli(),
	}
	if queueP != nil {
		sample.QueuePressure = clamp01(queueP())
	}
	if mailboxP != nil {
		sample.MailboxPressure = clamp01(mailboxP())
	}

	level := s.thresholds.Load().Classify(sample.MaxPressure())
	prev := s.snapshot.Load().Level
	next := Snapshot{Sample: sample, Level: level}
	s.snapshot.Store(&next)
	s.appendHistory(sample)

	s.recorderLock.RLock()
	recorder := s.recorder
	s.recorderLock.RUnlock()
	if recorder != nil {
		if err := recorder.RecordSample(ctx, sample, level); err != nil {
			s.logger.WithError(err).Warn("failed to persist load sample")
		}
	}

	if level != prev {
		s.logger.WithFields(logrus.Fields{
			"previous": prev.String(),
			"current":  level.String(),
			"pressure": sample.MaxPressure(),
		}).Info("load level transition")
		if s.ed != nil {
			s.ed.DispatchEvent(events.NewEvent(LoadChanged, LoadChange{
				Previous: prev,
				Current:  level,
				Sample:   sample,
			}))
		}
	}
	return next
}

// Metrics returns the latest snapshot without blocking the sampler.
func (s *Sampler) Metrics() Snapshot {
	return *s.snapshot.Load()
}

func (s *Sampler) Level() types.LoadLevel {
	return s.snapshot.Load().Level
}

// Thresholds returns the classification boundaries currently in force.
func (s *Sampler) Thresholds() Thresholds {
	return *s.thresholds.Load()
}

// SetThresholds swaps the classification boundaries. Invalid sets are
// rejected so a misbehaving tuner cannot wedge the classifier.
func (s *Sampler) SetThresholds(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.thresholds.Store(&t)
	return nil
}

// History returns the retained samples, oldest first.
func (s *Sampler) History() []types.LoadSample {
	s.historyLock.Lock()
	defer s.historyLock.Unlock()
	if !s.historyFull {
		out := make([]types.LoadSample, s.historyPos)
		copy(out, s.history[:s.historyPos])
		return out
	}
	out := make([]types.LoadSample, 0, len(s.history))
	out = append(out, s.history[s.historyPos:]...)
	out = append(out, s.history[:s.historyPos]...)
	return out
}

func (s *Sampler) appendHistory(sample types.LoadSample) {
	s.historyLock.Lock()
	defer s.historyLock.Unlock()
	if len(s.history) == 0 {
		return
	}
	s.history[s.historyPos] = sample
	s.historyPos++
	if s.historyPos == len(s.history) {
		s.historyPos = 0
		s.historyFull = true
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
