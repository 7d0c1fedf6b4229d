package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sensocto/sensocto-go/src/configs"
	"github.com/sensocto/sensocto-go/src/instance"
	"github.com/sensocto/sensocto-go/src/pkg/ratelimit"
	sensosentry "github.com/sensocto/sensocto-go/src/pkg/sentry"
	"github.com/sensocto/sensocto-go/src/types"
)

var (
	ErrQueueFull          = errors.New("ingest queue full")
	ErrInvalidMeasurement = errors.New("invalid measurement")
)

// Channel ids are producer-controlled; anything not matching stays out.
var channelPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)

// diagInterval throttles per-source drop diagnostics.
const diagInterval = 10 * time.Second

// Observer receives every accepted measurement, in per-source order.
// Wired to the novelty detector.
type Observer interface {
	ObserveValue(sourceID types.SourceID, channelID types.ChannelID, payload interface{}) bool
}

// Deliverer fans an accepted measurement out to subscribed connections.
// Wired to the delivery manager.
type Deliverer interface {
	Dispatch(m types.Measurement) int
}

type Stats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Dropped  uint64 `json:"dropped"`
}

// Ingestor is the inbound measurement boundary. Submissions are validated,
// stamped and routed by source id onto one of the shard queues, so one
// worker sees all of a source's traffic and per-source order survives.
type Ingestor struct {
	shards []chan types.Measurement

	provMu    sync.RWMutex
	observer  Observer
	deliverer Deliverer

	accepted uint64
	rejected uint64
	dropped  uint64

	limiter *ratelimit.KeyedLimiter
	now     func() time.Time
	logger  *logrus.Entry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewIngestor(ctx context.Context) *Ingestor {
	cfg := configs.GetCurrentConfig().Ingest
	ing := &Ingestor{
		shards:  make([]chan types.Measurement, cfg.Shards),
		limiter: ratelimit.NewKeyedLimiter(diagInterval),
		now:     time.Now,
		logger:  logrus.WithField("module", "ingest"),
		stopCh:  make(chan struct{}),
	}
	for i := range ing.shards {
		ing.shards[i] = make(chan types.Measurement, cfg.QueueSize)
	}
	if inst := instance.GetInstance(ctx); inst != nil {
		inst.Ingest = ing
	}
	return ing
}

func (ing *Ingestor) Start(ctx context.Context) error {
	ing.wg.Add(len(ing.shards))
	for i := range ing.shards {
		shard := ing.shards[i]
		sensosentry.Go(func() { ing.work(shard) })
	}
	return nil
}

func (ing *Ingestor) Close(ctx context.Context) {
	close(ing.stopCh)
	ing.wg.Wait()
}

func (ing *Ingestor) SetObserver(o Observer) {
	ing.provMu.Lock()
	ing.observer = o
	ing.provMu.Unlock()
}

func (ing *Ingestor) SetDeliverer(d Deliverer) {
	ing.provMu.Lock()
	ing.deliverer = d
	ing.provMu.Unlock()
}

// Submit validates and enqueues one measurement. A zero timestamp is
// stamped with receive time. Never blocks: a full shard drops the
// measurement and reports ErrQueueFull.
func (ing *Ingestor) Submit(m types.Measurement) error {
	if err := validate(m); err != nil {
		atomic.AddUint64(&ing.rejected, 1)
		if ing.limiter.Allow(string(m.SourceID)) {
			ing.logger.WithField("source", m.SourceID).WithError(err).Warn("measurement rejected")
		}
		return err
	}
	if m.Timestamp == 0 {
		m.Timestamp = ing.now().UnixMilli()
	}
	shard := ing.shards[ing.shardFor(m.SourceID)]
	select {
	case shard <- m:
		atomic.AddUint64(&ing.accepted, 1)
		return nil
	default:
		atomic.AddUint64(&ing.dropped, 1)
		if ing.limiter.Allow(string(m.SourceID)) {
			ing.logger.WithField("source", m.SourceID).Warn("ingest queue full, measurement dropped")
		}
		return ErrQueueFull
	}
}

// SubmitBatch stamps each measurement with the batch's source id and
// submits them individually, returning how many were accepted.
func (ing *Ingestor) SubmitBatch(sourceID types.SourceID, ms []types.Measurement) int {
	accepted := 0
	for _, m := range ms {
		m.SourceID = sourceID
		if ing.Submit(m) == nil {
			accepted++
		}
	}
	return accepted
}

// QueuePressure reports the aggregate shard fill in [0,1]. Registered
// with the load sampler as its queue-pressure source.
func (ing *Ingestor) QueuePressure() float64 {
	used, capacity := 0, 0
	for _, shard := range ing.shards {
		used += len(shard)
		capacity += cap(shard)
	}
	if capacity == 0 {
		return 0
	}
	return float64(used) / float64(capacity)
}

func (ing *Ingestor) Stats() Stats {
	return Stats{
		Accepted: atomic.LoadUint64(&ing.accepted),
		Rejected: atomic.LoadUint64(&ing.rejected),
		Dropped:  atomic.LoadUint64(&ing.dropped),
	}
}

func (ing *Ingestor) work(shard <-chan types.Measurement) {
	defer ing.wg.Done()
	for {
		select {
		case <-ing.stopCh:
			return
		case m := <-shard:
			ing.handle(m)
		}
	}
}

func (ing *Ingestor) handle(m types.Measurement) {
	ing.provMu.RLock()
	observer, deliverer := ing.observer, ing.deliverer
	ing.provMu.RUnlock()
	if observer != nil {
		observer.ObserveValue(m.SourceID, m.ChannelID, m.Payload)
	}
	if deliverer != nil {
		deliverer.Dispatch(m)
	}
}

func (ing *Ingestor) shardFor(sourceID types.SourceID) int {
	h := fnv.New32a()
	h.Write([]byte(sourceID))
	return int(h.Sum32() % uint32(len(ing.shards)))
}

func validate(m types.Measurement) error {
	if m.SourceID == "" {
		return fmt.Errorf("%w: missing source id", ErrInvalidMeasurement)
	}
	if !channelPattern.MatchString(string(m.ChannelID)) {
		return fmt.Errorf("%w: bad channel id %q", ErrInvalidMeasurement, m.ChannelID)
	}
	if m.Payload == nil {
		return fmt.Errorf("%w: missing payload", ErrInvalidMeasurement)
	}
	return nil
}
