package servers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sensocto/sensocto-go/src/attention"
	"github.com/sensocto/sensocto-go/src/circadian"
	"github.com/sensocto/sensocto-go/src/delivery"
	"github.com/sensocto/sensocto-go/src/homeostat"
	"github.com/sensocto/sensocto-go/src/instance"
	"github.com/sensocto/sensocto-go/src/novelty"
	"github.com/sensocto/sensocto-go/src/pkg/events"
	"github.com/sensocto/sensocto-go/src/priority"
	"github.com/sensocto/sensocto-go/src/sysload"
)

// SSEEventType names one event class on the outbound system stream.
type SSEEventType string

const (
	SSEEventLoadChanged      SSEEventType = "load_changed"
	SSEEventAttentionChanged SSEEventType = "attention_changed"
	SSEEventNoveltyDetected  SSEEventType = "novelty_detected"
	SSEEventPhaseChange      SSEEventType = "phase_change"
	SSEEventAdaptation       SSEEventType = "adaptation"
	SSEEventQualityChanged   SSEEventType = "quality_changed"
	SSEEventBackpressure     SSEEventType = "backpressure_config"
	SSEEventConnection       SSEEventType = "connection"
)

type SSEMessage struct {
	Type SSEEventType `json:"type"`
	Data any          `json:"data"`
}

// SSEHub fans system events out to every connected observer. Broadcast
// never blocks: a slow client's full channel drops that message for that
// client only.
type SSEHub struct {
	mu      sync.RWMutex
	clients map[chan SSEMessage]struct{}
	closeCh chan struct{}
	closed  bool
}

var (
	sseHub     *SSEHub
	sseHubOnce sync.Once
)

func getSSEHub() *SSEHub {
	sseHubOnce.Do(func() {
		sseHub = &SSEHub{
			clients: make(map[chan SSEMessage]struct{}),
			closeCh: make(chan struct{}),
		}
	})
	return sseHub
}

func (h *SSEHub) AddClient(ch chan SSEMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[ch] = struct{}{}
}

func (h *SSEHub) RemoveClient(ch chan SSEMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

func (h *SSEHub) Broadcast(msg SSEMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *SSEHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and makes all SSE handlers return.
func (h *SSEHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.closeCh)
	for ch := range h.clients {
		close(ch)
		delete(h.clients, ch)
	}
}

func (h *SSEHub) Done() <-chan struct{} {
	return h.closeCh
}

// systemEventsHandler serves GET /api/events: the dispatcher-bridged
// firehose of control-plane transitions.
func systemEventsHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	clientCh := make(chan SSEMessage, 100)
	hub := getSSEHub()
	hub.AddClient(clientCh)

	fmt.Fprintf(w, "event: connected\ndata: {\"clients\":%d}\n\n", hub.ClientCount())
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			hub.RemoveClient(clientCh)
			return
		case <-hub.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ":heartbeat\n\n")
			flusher.Flush()
		case msg, ok := <-clientCh:
			if !ok {
				return
			}
			data, err := json.Marshal(msg.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data)
			flusher.Flush()
		}
	}
}

// RegisterSSEEventListeners bridges the in-process dispatcher onto the
// SSE hub so external observers see the same transitions internal
// components react to.
func RegisterSSEEventListeners(inst *instance.Instance) {
	if inst == nil || inst.EventDispatcher == nil {
		return
	}
	dispatcher, ok := inst.EventDispatcher.(events.Dispatcher)
	if !ok {
		return
	}
	hub := getSSEHub()

	bridge := map[events.EventType]SSEEventType{
		sysload.LoadChanged:         SSEEventLoadChanged,
		attention.AttentionChanged:  SSEEventAttentionChanged,
		novelty.NoveltyDetected:     SSEEventNoveltyDetected,
		circadian.PhaseChange:       SSEEventPhaseChange,
		homeostat.Adaptation:        SSEEventAdaptation,
		priority.QualityChanged:     SSEEventQualityChanged,
		priority.BackpressureAdvice: SSEEventBackpressure,
		delivery.ConnectionOpened:   SSEEventConnection,
		delivery.ConnectionClosed:   SSEEventConnection,
	}
	for eventType, sseType := range bridge {
		sseType := sseType
		dispatcher.AddEventListener(eventType, events.NewEventListener(func(event *events.Event) {
			if event == nil || event.Object == nil {
				return
			}
			hub.Broadcast(SSEMessage{Type: sseType, Data: event.Object})
		}))
	}
}
