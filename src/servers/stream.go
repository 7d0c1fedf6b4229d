package servers

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/sensocto/sensocto-go/src/delivery"
	"github.com/sensocto/sensocto-go/src/instance"
	applog "github.com/sensocto/sensocto-go/src/log"
	"github.com/sensocto/sensocto-go/src/pkg/events"
	"github.com/sensocto/sensocto-go/src/priority"
	"github.com/sensocto/sensocto-go/src/types"
)

// streamChannel is the channel id a plain stream subscription counts
// against in the attention tracker.
const streamChannel types.ChannelID = "stream"

// streamSink adapts a delivery buffer to one SSE response. Deliver must
// never block the buffer goroutine; a saturated client just loses that
// batch.
type streamSink struct {
	ch chan delivery.Batch
}

func (s *streamSink) Deliver(batch delivery.Batch) error {
	select {
	case s.ch <- batch:
		return nil
	default:
		return fmt.Errorf("stream client lagging, batch dropped")
	}
}

// streamHandler serves GET /api/stream?sources=a,b&user_id=u: one viewer
// connection. It registers the viewer's attention, opens a throttled
// delivery buffer and forwards the flushed batches as SSE frames until
// the client goes away.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}
	inst := instance.GetInstance(r.Context())
	if inst == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	manager, _ := inst.DeliveryManager.(delivery.Manager)
	ctrl, _ := inst.Priority.(*priority.Controller)
	if manager == nil || ctrl == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}

	var sources []types.SourceID
	for _, raw := range strings.Split(r.URL.Query().Get("sources"), ",") {
		if raw = strings.TrimSpace(raw); raw != "" {
			sources = append(sources, types.SourceID(raw))
		}
	}
	if len(sources) == 0 {
		http.Error(w, "sources query parameter is required", http.StatusBadRequest)
		return
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !s.conns.Acquire(host) {
		http.Error(w, "too many streams from this host", http.StatusTooManyRequests)
		return
	}
	defer s.conns.Release(host)

	connID := types.ConnID(uuid.Must(uuid.NewV4()).String())
	userID := types.UserID(r.URL.Query().Get("user_id"))
	if userID == "" {
		userID = types.UserID("anon-" + string(connID))
	}
	logger := applog.WithFields(map[string]any{"conn": connID, "user": userID})

	tracker := getTracker(r)
	if tracker != nil {
		for _, sourceID := range sources {
			if err := tracker.RegisterView(sourceID, streamChannel, userID); err != nil {
				logger.WithError(err).Warn("view registration skipped")
			}
		}
		defer func() {
			for _, sourceID := range sources {
				_ = tracker.UnregisterView(sourceID, streamChannel, userID)
			}
		}()
	}

	ctrl.Track(connID, sources)
	defer ctrl.Untrack(connID)

	sink := &streamSink{ch: make(chan delivery.Batch, 16)}
	if _, err := manager.Open(r.Context(), connID, sources, sink); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = manager.CloseConn(r.Context(), connID)
	}()

	// Per-connection backpressure advice rides the same stream so the
	// producing client can pre-batch accordingly.
	adviceCh := make(chan priority.Advice, 4)
	if ed, ok := inst.EventDispatcher.(events.Dispatcher); ok {
		listener := events.NewEventListener(func(event *events.Event) {
			advice, ok := event.Object.(priority.Advice)
			if !ok || advice.ConnID != connID {
				return
			}
			select {
			case adviceCh <- advice:
			default:
			}
		})
		ed.AddEventListener(priority.BackpressureAdvice, listener)
		defer ed.RemoveEventListener(priority.BackpressureAdvice, listener)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	fmt.Fprintf(w, "event: connected\ndata: {\"connection_id\":%q}\n\n", connID)
	flusher.Flush()
	logger.WithField("sources", sources).Info("stream connected")

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	ctx := r.Context()
	hub := getSSEHub()
	for {
		select {
		case <-ctx.Done():
			logger.Info("stream disconnected")
			return
		case <-hub.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ":heartbeat\n\n")
			flusher.Flush()
		case advice := <-adviceCh:
			data, err := json.Marshal(advice)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: backpressure_config\ndata: %s\n\n", data)
			flusher.Flush()
		case batch := <-sink.ch:
			data, err := json.Marshal(batch)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: measurements_batch\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
