package events

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sensocto/sensocto-go/src/instance"
	"github.com/sensocto/sensocto-go/src/interfaces"
	"github.com/sensocto/sensocto-go/src/pkg/sentry"
)

// Each listener gets its own buffered queue drained by a dedicated
// goroutine, so producers never block and every listener observes events
// of one type in dispatch order.
const listenerQueueSize = 64

type Dispatcher interface {
	interfaces.Module
	AddEventListener(eventType EventType, listener *EventListener)
	RemoveEventListener(eventType EventType, listener *EventListener)
	RemoveAllListener(eventType EventType)
	DispatchEvent(event *Event)
}

// NewDispatcher creates the dispatcher and, when an instance rides on ctx,
// registers itself as its EventDispatcher module.
func NewDispatcher(ctx context.Context) Dispatcher {
	ed := &dispatcher{
		listeners: make(map[EventType]map[*EventListener]*listenerQueue),
	}
	if inst := instance.GetInstance(ctx); inst != nil {
		inst.EventDispatcher = ed
	}
	return ed
}

type listenerQueue struct {
	ch   chan *Event
	stop chan struct{}
}

type dispatcher struct {
	sync.RWMutex
	listeners map[EventType]map[*EventListener]*listenerQueue
}

func (d *dispatcher) Start(ctx context.Context) error {
	return nil
}

func (d *dispatcher) Close(ctx context.Context) {
	d.Lock()
	defer d.Unlock()
	for _, queues := range d.listeners {
		for _, q := range queues {
			close(q.stop)
		}
	}
	d.listeners = make(map[EventType]map[*EventListener]*listenerQueue)
}

func (d *dispatcher) AddEventListener(eventType EventType, listener *EventListener) {
	if listener == nil || listener.Callback == nil {
		return
	}
	q := &listenerQueue{
		ch:   make(chan *Event, listenerQueueSize),
		stop: make(chan struct{}),
	}
	d.Lock()
	queues, ok := d.listeners[eventType]
	if !ok {
		queues = make(map[*EventListener]*listenerQueue)
		d.listeners[eventType] = queues
	}
	if old, ok := queues[listener]; ok {
		close(old.stop)
	}
	queues[listener] = q
	d.Unlock()
	sentry.Go(func() {
		for {
			select {
			case <-q.stop:
				return
			case event := <-q.ch:
				listener.Callback(event)
			}
		}
	})
}

func (d *dispatcher) RemoveEventListener(eventType EventType, listener *EventListener) {
	d.Lock()
	defer d.Unlock()
	queues, ok := d.listeners[eventType]
	if !ok {
		return
	}
	if q, ok := queues[listener]; ok {
		close(q.stop)
		delete(queues, listener)
	}
	if len(queues) == 0 {
		delete(d.listeners, eventType)
	}
}

func (d *dispatcher) RemoveAllListener(eventType EventType) {
	d.Lock()
	defer d.Unlock()
	for _, q := range d.listeners[eventType] {
		close(q.stop)
	}
	delete(d.listeners, eventType)
}

// DispatchEvent fans the event out to every listener queue. A full queue
// drops the event for that listener rather than stalling the producer.
func (d *dispatcher) DispatchEvent(event *Event) {
	if event == nil {
		return
	}
	d.RLock()
	queues := make([]*listenerQueue, 0, len(d.listeners[event.Type]))
	for _, q := range d.listeners[event.Type] {
		queues = append(queues, q)
	}
	d.RUnlock()
	for _, q := range queues {
		select {
		case q.ch <- event:
		default:
			logrus.WithField("type", event.Type).Warn("listener queue full, event dropped")
		}
	}
}
