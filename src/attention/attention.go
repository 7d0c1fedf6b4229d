package attention

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sensocto/sensocto-go/src/configs"
	"github.com/sensocto/sensocto-go/src/instance"
	"github.com/sensocto/sensocto-go/src/pkg/events"
	sensosentry "github.com/sensocto/sensocto-go/src/pkg/sentry"
	"github.com/sensocto/sensocto-go/src/types"
)

// AttentionChanged fires when a source's derived level moves. Payload is
// a LevelChange.
const AttentionChanged events.EventType = "AttentionChanged"

type LevelChange struct {
	SourceID types.SourceID       `json:"source_id"`
	Previous types.AttentionLevel `json:"previous"`
	Current  types.AttentionLevel `json:"current"`
}

// ErrOwnerBusy means the owner goroutine did not take or finish a command
// within the configured timeout. Callers fall back to defaults; nothing
// upstream is allowed to fail because of it.
var ErrOwnerBusy = errors.New("attention owner busy")

const commandQueueSize = 256

// record holds the raw presence sets for one (source, channel) pair.
// Set semantics make register/unregister idempotent and order-free.
type record struct {
	viewers  map[types.UserID]struct{}
	focused  map[types.UserID]struct{}
	hovering map[types.UserID]struct{}
}

func newRecord() *record {
	return &record{
		viewers:  make(map[types.UserID]struct{}),
		focused:  make(map[types.UserID]struct{}),
		hovering: make(map[types.UserID]struct{}),
	}
}

func (r *record) empty() bool {
	return len(r.viewers) == 0 && len(r.focused) == 0 && len(r.hovering) == 0
}

// Tracker derives a per-source attention level from who is watching
// what. One goroutine owns all mutation; reads go through an immutable
// snapshot map swapped on every change, so the per-connection hot path
// never serializes behind the owner.
type Tracker struct {
	lowViewers    int
	mediumViewers int
	highViewers   int
	timeout       time.Duration

	cmds  chan func()
	cache atomic.Pointer[map[types.SourceID]types.AttentionLevel]

	// Owner-goroutine state. Only the command loop touches these.
	records map[types.SourceID]map[types.ChannelID]*record
	pins    map[types.SourceID]map[types.UserID]struct{}
	battery map[types.UserID]BatteryState
	levels  map[types.SourceID]types.AttentionLevel

	ed     events.Dispatcher
	logger *logrus.Entry
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewTracker(ctx context.Context) *Tracker {
	cfg := configs.GetCurrentConfig().Attention
	t := &Tracker{
		lowViewers:    cfg.LowViewers,
		mediumViewers: cfg.MediumViewers,
		highViewers:   cfg.HighViewers,
		timeout:       time.Duration(cfg.OwnerTimeoutMs) * time.Millisecond,
		cmds:          make(chan func(), commandQueueSize),
		records:       make(map[types.SourceID]map[types.ChannelID]*record),
		pins:          make(map[types.SourceID]map[types.UserID]struct{}),
		battery:       make(map[types.UserID]BatteryState),
		levels:        make(map[types.SourceID]types.AttentionLevel),
		logger:        logrus.WithField("module", "attention"),
		stopCh:        make(chan struct{}),
	}
	empty := make(map[types.SourceID]types.AttentionLevel)
	t.cache.Store(&empty)
	if inst := instance.GetInstance(ctx); inst != nil {
		if ed, ok := inst.EventDispatcher.(events.Dispatcher); ok {
			t.ed = ed
		}
		inst.AttentionTracker = t
	}
	return t
}

func (t *Tracker) Start(ctx context.Context) error {
	t.wg.Add(1)
	sensosentry.Go(func() { t.run(ctx) })
	return nil
}

func (t *Tracker) Close(ctx context.Context) {
	close(t.stopCh)
	t.wg.Wait()
}

func (t *Tracker) run(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-t.stopCh:
			return
		case op := <-t.cmds:
			op()
		}
	}
}

// exec hands an operation to the owner and waits for it with a bounded
// timeout on both the enqueue and the completion.
func (t *Tracker) exec(op func()) error {
	done := make(chan struct{})
	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	select {
	case t.cmds <- func() { op(); close(done) }:
	case <-timer.C:
		return ErrOwnerBusy
	}
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrOwnerBusy
	}
}

func (t *Tracker) mutateSource(sourceID types.SourceID, op func()) error {
	return t.exec(func() {
		op()
		t.refreshSource(sourceID)
	})
}

func (t *Tracker) RegisterView(sourceID types.SourceID, channelID types.ChannelID, userID types.UserID) error {
	return t.mutateSource(sourceID, func() {
		t.record(sourceID, channelID).viewers[userID] = struct{}{}
	})
}

func (t *Tracker) UnregisterView(sourceID types.SourceID, channelID types.ChannelID, userID types.UserID) error {
	return t.mutateSource(sourceID, func() {
		t.dropFrom(sourceID, channelID, userID, func(r *record) map[types.UserID]struct{} { return r.viewers })
	})
}

func (t *Tracker) RegisterFocus(sourceID types.SourceID, channelID types.ChannelID, userID types.UserID) error {
	return t.mutateSource(sourceID, func() {
		rec := t.record(sourceID, channelID)
		rec.viewers[userID] = struct{}{}
		rec.focused[userID] = struct{}{}
	})
}

func (t *Tracker) UnregisterFocus(sourceID types.SourceID, channelID types.ChannelID, userID types.UserID) error {
	return t.mutateSource(sourceID, func() {
		t.dropFrom(sourceID, channelID, userID, func(r *record) map[types.UserID]struct{} { return r.focused })
	})
}

func (t *Tracker) RegisterHover(sourceID types.SourceID, channelID types.ChannelID, userID types.UserID) error {
	return t.mutateSource(sourceID, func() {
		t.record(sourceID, channelID).hovering[userID] = struct{}{}
	})
}

func (t *Tracker) UnregisterHover(sourceID types.SourceID, channelID types.ChannelID, userID types.UserID) error {
	return t.mutateSource(sourceID, func() {
		t.dropFrom(sourceID, channelID, userID, func(r *record) map[types.UserID]struct{} { return r.hovering })
	})
}

func (t *Tracker) Pin(sourceID types.SourceID, userID types.UserID) error {
	return t.mutateSource(sourceID, func() {
		pinners, ok := t.pins[sourceID]
		if !ok {
			pinners = make(map[types.UserID]struct{})
			t.pins[sourceID] = pinners
		}
		pinners[userID] = struct{}{}
	})
}

func (t *Tracker) Unpin(sourceID types.SourceID, userID types.UserID) error {
	return t.mutateSource(sourceID, func() {
		pinners, ok := t.pins[sourceID]
		if !ok {
			return
		}
		delete(pinners, userID)
		if len(pinners) == 0 {
			delete(t.pins, sourceID)
		}
	})
}

// ReportBatteryState stores the latest report for a user and refreshes
// every source the user currently appears in, since a critical report
// removes them from all counting at once.
func (t *Tracker) ReportBatteryState(userID types.UserID, state BatteryState) error {
	return t.exec(func() {
		if state.Timestamp == 0 {
			state.Timestamp = time.Now().UnixMilli()
		}
		t.battery[userID] = state
		for sourceID, channels := range t.records {
			for _, rec := range channels {
				if _, ok := rec.viewers[userID]; ok {
					t.refreshSource(sourceID)
					break
				}
				if _, ok := rec.focused[userID]; ok {
					t.refreshSource(sourceID)
					break
				}
				if _, ok := rec.hovering[userID]; ok {
					t.refreshSource(sourceID)
					break
				}
			}
		}
	})
}

// Level is the hot path: a lock-free cache read with `none` as the
// documented default for unknown sources.
func (t *Tracker) Level(sourceID types.SourceID) types.AttentionLevel {
	m := *t.cache.Load()
	return m[sourceID]
}

// Levels returns a copy of the per-source level table.
func (t *Tracker) Levels() map[types.SourceID]types.AttentionLevel {
	m := *t.cache.Load()
	out := make(map[types.SourceID]types.AttentionLevel, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// GetState asks the owner for a consistent snapshot. On timeout it
// returns a zero State and ErrOwnerBusy.
func (t *Tracker) GetState() (State, error) {
	var state State
	err := t.exec(func() {
		state = t.buildState()
	})
	if err != nil {
		return State{}, err
	}
	return state, nil
}

// Owner-side helpers.

func (t *Tracker) record(sourceID types.SourceID, channelID types.ChannelID) *record {
	channels, ok := t.records[sourceID]
	if !ok {
		channels = make(map[types.ChannelID]*record)
		t.records[sourceID] = channels
	}
	rec, ok := channels[channelID]
	if !ok {
		rec = newRecord()
		channels[channelID] = rec
	}
	return rec
}

// dropFrom removes a user from one set, tolerating registrations that
// were never observed.
func (t *Tracker) dropFrom(sourceID types.SourceID, channelID types.ChannelID, userID types.UserID, set func(*record) map[types.UserID]struct{}) {
	channels, ok := t.records[sourceID]
	if !ok {
		return
	}
	rec, ok := channels[channelID]
	if !ok {
		return
	}
	delete(set(rec), userID)
}

func (t *Tracker) excluded(userID types.UserID) bool {
	return t.battery[userID].State == BatteryCritical
}

// computeLevel derives a source's level: focus wins, then pins, then the
// distinct count of viewing or hovering users against the breakpoints.
// Critical-battery users are skipped everywhere but their records stay.
func (t *Tracker) computeLevel(sourceID types.SourceID) types.AttentionLevel {
	level := types.AttentionNone
	present := make(map[types.UserID]struct{})
	for _, rec := range t.records[sourceID] {
		for u := range rec.focused {
			if !t.excluded(u) {
				level = types.AttentionHigh
			}
		}
		for u := range rec.viewers {
			if !t.excluded(u) {
				present[u] = struct{}{}
			}
		}
		for u := range rec.hovering {
			if !t.excluded(u) {
				present[u] = struct{}{}
			}
		}
	}
	if level == types.AttentionHigh {
		return level
	}
	switch n := len(present); {
	case n >= t.highViewers:
		level = types.AttentionHigh
	case n >= t.mediumViewers:
		level = types.AttentionMedium
	case n >= t.lowViewers:
		level = types.AttentionLow
	}
	if len(t.pins[sourceID]) > 0 && level < types.AttentionMedium {
		level = types.AttentionMedium
	}
	return level
}

// refreshSource garbage-collects empty records, recomputes the level,
// republishes the cache and broadcasts a transition if the level moved.
func (t *Tracker) refreshSource(sourceID types.SourceID) {
	if channels, ok := t.records[sourceID]; ok {
		for channelID, rec := range channels {
			if rec.empty() {
				delete(channels, channelID)
			}
		}
		if len(channels) == 0 {
			delete(t.records, sourceID)
		}
	}

	previous := t.levels[sourceID]
	current := t.computeLevel(sourceID)
	_, tracked := t.records[sourceID]
	_, pinned := t.pins[sourceID]
	if !tracked && !pinned {
		delete(t.levels, sourceID)
	} else {
		t.levels[sourceID] = current
	}
	t.publish()

	if current != previous {
		t.logger.WithFields(logrus.Fields{
			"source":   sourceID,
			"previous": previous.String(),
			"current":  current.String(),
		}).Debug("attention level transition")
		if t.ed != nil {
			t.ed.DispatchEvent(events.NewEvent(AttentionChanged, LevelChange{
				SourceID: sourceID,
				Previous: previous,
				Current:  current,
			}))
		}
	}
}

func (t *Tracker) publish() {
	snapshot := make(map[types.SourceID]types.AttentionLevel, len(t.levels))
	for k, v := range t.levels {
		snapshot[k] = v
	}
	t.cache.Store(&snapshot)
}
