package delivery

import (
	"context"
	"sync"

	"github.com/sensocto/sensocto-go/src/configs"
	"github.com/sensocto/sensocto-go/src/instance"
	"github.com/sensocto/sensocto-go/src/interfaces"
	"github.com/sensocto/sensocto-go/src/pkg/events"
	"github.com/sensocto/sensocto-go/src/types"
)

type Manager interface {
	interfaces.Module
	Open(ctx context.Context, connID types.ConnID, sources []types.SourceID, sink Sink) (Buffer, error)
	CloseConn(ctx context.Context, connID types.ConnID) error
	Has(connID types.ConnID) bool
	GetBuffer(connID types.ConnID) (Buffer, error)
	Dispatch(m types.Measurement) int
	DispatchBatch(sourceID types.SourceID, ms []types.Measurement) int
	Count() int
	TotalPending() int
	MailboxPressure() float64
}

// for test
var newBuffer = NewBuffer

func NewManager(ctx context.Context, tier TierReader) Manager {
	m := &manager{
		tier:       tier,
		buffers:    make(map[types.ConnID]Buffer),
		bySource:   make(map[types.SourceID]map[types.ConnID]struct{}),
		maxPending: configs.GetCurrentConfig().Delivery.MaxPending,
	}
	if inst := instance.GetInstance(ctx); inst != nil {
		if ed, ok := inst.EventDispatcher.(events.Dispatcher); ok {
			m.ed = ed
		}
		inst.DeliveryManager = m
	}
	return m
}

// manager owns one buffer per connection plus a source index for fan-out.
// Dispatch is the ingest hot path: an RLock, an index lookup and a
// non-blocking enqueue per subscribed connection.
type manager struct {
	tier TierReader
	ed   events.Dispatcher

	lock     sync.RWMutex
	buffers  map[types.ConnID]Buffer
	bySource map[types.SourceID]map[types.ConnID]struct{}

	maxPending int
}

func (m *manager) Start(ctx context.Context) error {
	if inst := instance.GetInstance(ctx); inst != nil {
		inst.WaitGroup.Add(1)
	}
	return nil
}

func (m *manager) Close(ctx context.Context) {
	m.lock.Lock()
	for connID, buf := range m.buffers {
		buf.Close()
		delete(m.buffers, connID)
	}
	m.bySource = make(map[types.SourceID]map[types.ConnID]struct{})
	m.lock.Unlock()
	if inst := instance.GetInstance(ctx); inst != nil {
		inst.WaitGroup.Done()
	}
}

func (m *manager) Open(ctx context.Context, connID types.ConnID, sources []types.SourceID, sink Sink) (Buffer, error) {
	m.lock.Lock()
	if _, ok := m.buffers[connID]; ok {
		m.lock.Unlock()
		return nil, ErrBufferExist
	}
	buf := newBuffer(connID, sources, sink, m.tier)
	m.buffers[connID] = buf
	for _, sourceID := range sources {
		conns, ok := m.bySource[sourceID]
		if !ok {
			conns = make(map[types.ConnID]struct{})
			m.bySource[sourceID] = conns
		}
		conns[connID] = struct{}{}
	}
	m.lock.Unlock()

	if err := buf.Start(ctx); err != nil {
		_ = m.CloseConn(ctx, connID)
		return nil, err
	}
	if m.ed != nil {
		m.ed.DispatchEvent(events.NewEvent(ConnectionOpened, ConnectionEvent{
			ConnID:  connID,
			Sources: sources,
		}))
	}
	return buf, nil
}

func (m *manager) CloseConn(ctx context.Context, connID types.ConnID) error {
	m.lock.Lock()
	buf, ok := m.buffers[connID]
	if !ok {
		m.lock.Unlock()
		return ErrBufferNotExist
	}
	delete(m.buffers, connID)
	for _, sourceID := range buf.Sources() {
		if conns, ok := m.bySource[sourceID]; ok {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(m.bySource, sourceID)
			}
		}
	}
	m.lock.Unlock()

	buf.Close()
	if m.ed != nil {
		m.ed.DispatchEvent(events.NewEvent(ConnectionClosed, ConnectionEvent{
			ConnID:  connID,
			Sources: buf.Sources(),
		}))
	}
	return nil
}

func (m *manager) Has(connID types.ConnID) bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	_, ok := m.buffers[connID]
	return ok
}

func (m *manager) GetBuffer(connID types.ConnID) (Buffer, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	buf, ok := m.buffers[connID]
	if !ok {
		return nil, ErrBufferNotExist
	}
	return buf, nil
}

// Dispatch fans a measurement out to every connection subscribed to its
// source and reports how many buffers took it.
func (m *manager) Dispatch(measurement types.Measurement) int {
	m.lock.RLock()
	conns := m.bySource[measurement.SourceID]
	targets := make([]Buffer, 0, len(conns))
	for connID := range conns {
		if buf, ok := m.buffers[connID]; ok {
			targets = append(targets, buf)
		}
	}
	m.lock.RUnlock()

	for _, buf := range targets {
		buf.Enqueue(measurement)
	}
	return len(targets)
}

func (m *manager) DispatchBatch(sourceID types.SourceID, ms []types.Measurement) int {
	n := 0
	for _, measurement := range ms {
		measurement.SourceID = sourceID
		n += m.Dispatch(measurement)
	}
	return n
}

func (m *manager) Count() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.buffers)
}

func (m *manager) TotalPending() int {
	m.lock.RLock()
	buffers := make([]Buffer, 0, len(m.buffers))
	for _, buf := range m.buffers {
		buffers = append(buffers, buf)
	}
	m.lock.RUnlock()

	total := 0
	for _, buf := range buffers {
		total += buf.PendingCount()
	}
	return total
}

// MailboxPressure normalizes the aggregate backlog into [0,1] as the
// mean fill ratio across open buffers. No connections means no backlog.
func (m *manager) MailboxPressure() float64 {
	m.lock.RLock()
	count := len(m.buffers)
	m.lock.RUnlock()
	if count == 0 || m.maxPending <= 0 {
		return 0
	}
	fill := float64(m.TotalPending()) / float64(count*m.maxPending)
	if fill > 1 {
		fill = 1
	}
	return fill
}
