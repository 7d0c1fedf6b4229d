package delivery

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sensocto/sensocto-go/src/configs"
	sensosentry "github.com/sensocto/sensocto-go/src/pkg/sentry"
	"github.com/sensocto/sensocto-go/src/types"
)

const (
	begin uint32 = iota
	pending
	running
	stopped
)

type BufferStats struct {
	Pending   int    `json:"pending"`
	Flushes   uint64 `json:"flushes"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

type Buffer interface {
	Start(ctx context.Context) error
	Close()
	Enqueue(m types.Measurement)
	ConnID() types.ConnID
	Sources() []types.SourceID
	PendingCount() int
	Stats() BufferStats
}

// buffer accumulates measurements for one connection and flushes them as
// a single timestamp-sorted batch on a timer derived from the current
// quality tier. Enqueue never blocks; past the pending cap the oldest
// entries are shed so fresh data wins.
type buffer struct {
	connID  types.ConnID
	sources []types.SourceID
	tier    TierReader
	sink    Sink

	windows       map[types.QualityTier]time.Duration
	pausedRecheck time.Duration
	maxPending    int

	mu       sync.Mutex
	pendingQ []types.Measurement

	flushes   uint64
	delivered uint64
	dropped   uint64

	state  uint32
	stopCh chan struct{}
	wg     sync.WaitGroup
	logger *logrus.Entry
}

func NewBuffer(connID types.ConnID, sources []types.SourceID, sink Sink, tier TierReader) Buffer {
	cfg := configs.GetCurrentConfig().Delivery
	return &buffer{
		connID:  connID,
		sources: sources,
		tier:    tier,
		sink:    sink,
		windows: map[types.QualityTier]time.Duration{
			types.QualityHigh:    time.Duration(cfg.HighMs) * time.Millisecond,
			types.QualityMedium:  time.Duration(cfg.MediumMs) * time.Millisecond,
			types.QualityLow:     time.Duration(cfg.LowMs) * time.Millisecond,
			types.QualityMinimal: time.Duration(cfg.MinimalMs) * time.Millisecond,
		},
		pausedRecheck: time.Duration(cfg.PausedRecheckMs) * time.Millisecond,
		maxPending:    cfg.MaxPending,
		state:         begin,
		stopCh:        make(chan struct{}),
		logger:        logrus.WithFields(logrus.Fields{"module": "delivery", "conn": connID}),
	}
}

func (b *buffer) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&b.state, begin, pending) {
		return nil
	}
	defer atomic.CompareAndSwapUint32(&b.state, pending, running)
	b.wg.Add(1)
	sensosentry.Go(func() { b.run() })
	return nil
}

func (b *buffer) Close() {
	if !atomic.CompareAndSwapUint32(&b.state, running, stopped) {
		return
	}
	close(b.stopCh)
	b.wg.Wait()
}

func (b *buffer) ConnID() types.ConnID { return b.connID }

func (b *buffer) Sources() []types.SourceID {
	out := make([]types.SourceID, len(b.sources))
	copy(out, b.sources)
	return out
}

// Enqueue appends a measurement. While paused everything is shed
// immediately, matching the drained state a paused buffer must keep.
func (b *buffer) Enqueue(m types.Measurement) {
	if atomic.LoadUint32(&b.state) == stopped {
		return
	}
	if b.currentTier() == types.QualityPaused {
		atomic.AddUint64(&b.dropped, 1)
		return
	}
	b.mu.Lock()
	if len(b.pendingQ) >= b.maxPending {
		copy(b.pendingQ, b.pendingQ[1:])
		b.pendingQ = b.pendingQ[:len(b.pendingQ)-1]
		atomic.AddUint64(&b.dropped, 1)
	}
	b.pendingQ = append(b.pendingQ, m)
	b.mu.Unlock()
}

func (b *buffer) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pendingQ)
}

func (b *buffer) Stats() BufferStats {
	return BufferStats{
		Pending:   b.PendingCount(),
		Flushes:   atomic.LoadUint64(&b.flushes),
		Delivered: atomic.LoadUint64(&b.delivered),
		Dropped:   atomic.LoadUint64(&b.dropped),
	}
}

func (b *buffer) currentTier() types.QualityTier {
	if b.tier == nil {
		return types.QualityMedium
	}
	return b.tier.Tier(b.connID)
}

// window picks the flush interval for a tier. The interval is read once
// per arm, so a tier change waits for the in-flight timer to fire.
func (b *buffer) window(tier types.QualityTier) time.Duration {
	if tier == types.QualityPaused {
		return b.pausedRecheck
	}
	if w, ok := b.windows[tier]; ok {
		return w
	}
	return b.windows[types.QualityMedium]
}

func (b *buffer) run() {
	defer b.wg.Done()
	for {
		timer := time.NewTimer(b.window(b.currentTier()))
		select {
		case <-b.stopCh:
			timer.Stop()
			b.flush()
			return
		case <-timer.C:
			b.flush()
		}
	}
}

// flush swaps out the pending batch, sorts it by timestamp and hands it
// to the sink in one consolidated delivery. A paused tier drains the
// batch without delivering.
func (b *buffer) flush() {
	tier := b.currentTier()

	b.mu.Lock()
	batch := b.pendingQ
	b.pendingQ = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if tier == types.QualityPaused {
		atomic.AddUint64(&b.dropped, uint64(len(batch)))
		return
	}

	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Timestamp < batch[j].Timestamp
	})
	err := b.sink.Deliver(Batch{
		ConnID:       b.connID,
		Measurements: batch,
		Tier:         tier,
		FlushedAt:    time.Now().UnixMilli(),
	})
	if err != nil {
		atomic.AddUint64(&b.dropped, uint64(len(batch)))
		b.logger.WithError(err).Warn("batch delivery failed, batch lost")
		return
	}
	atomic.AddUint64(&b.flushes, 1)
	atomic.AddUint64(&b.delivered, uint64(len(batch)))
}
