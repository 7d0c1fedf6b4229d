package servers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"

	"github.com/sensocto/sensocto-go/src/arbiter"
	"github.com/sensocto/sensocto-go/src/attention"
	"github.com/sensocto/sensocto-go/src/circadian"
	"github.com/sensocto/sensocto-go/src/configs"
	"github.com/sensocto/sensocto-go/src/consts"
	"github.com/sensocto/sensocto-go/src/homeostat"
	"github.com/sensocto/sensocto-go/src/ingest"
	"github.com/sensocto/sensocto-go/src/instance"
	applog "github.com/sensocto/sensocto-go/src/log"
	"github.com/sensocto/sensocto-go/src/predictive"
	"github.com/sensocto/sensocto-go/src/priority"
	"github.com/sensocto/sensocto-go/src/sysload"
	"github.com/sensocto/sensocto-go/src/types"
)

type commonResp struct {
	ErrNo  int    `json:"err_no"`
	ErrMsg string `json:"err_msg"`
	Data   any    `json:"data,omitempty"`
}

func writeJsonWithStatusCode(writer http.ResponseWriter, code int, data any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(code)
	b, err := json.Marshal(data)
	if err != nil {
		applog.GetLogger().WithError(err).Error("failed to marshal response")
		return
	}
	if _, err := writer.Write(b); err != nil {
		applog.GetLogger().WithError(err).Debug("failed to write response")
	}
}

func writeJSON(writer http.ResponseWriter, data any) {
	writeJsonWithStatusCode(writer, http.StatusOK, data)
}

func writeError(writer http.ResponseWriter, code int, format string, args ...any) {
	writeJsonWithStatusCode(writer, code, commonResp{
		ErrNo:  code,
		ErrMsg: fmt.Sprintf(format, args...),
	})
}

// Module accessors. Each tolerates a missing module so that a partially
// wired instance (tests, staged startup) answers with the documented
// default instead of a nil dereference.

func getSampler(r *http.Request) *sysload.Sampler {
	if inst := instance.GetInstance(r.Context()); inst != nil {
		if s, ok := inst.Sampler.(*sysload.Sampler); ok {
			return s
		}
	}
	return nil
}

func getTracker(r *http.Request) *attention.Tracker {
	if inst := instance.GetInstance(r.Context()); inst != nil {
		if t, ok := inst.AttentionTracker.(*attention.Tracker); ok {
			return t
		}
	}
	return nil
}

func getController(r *http.Request) *priority.Controller {
	if inst := instance.GetInstance(r.Context()); inst != nil {
		if c, ok := inst.Priority.(*priority.Controller); ok {
			return c
		}
	}
	return nil
}

func getArbiter(r *http.Request) *arbiter.Arbiter {
	if inst := instance.GetInstance(r.Context()); inst != nil {
		if a, ok := inst.Arbiter.(*arbiter.Arbiter); ok {
			return a
		}
	}
	return nil
}

func getCircadian(r *http.Request) *circadian.Predictor {
	if inst := instance.GetInstance(r.Context()); inst != nil {
		if p, ok := inst.Circadian.(*circadian.Predictor); ok {
			return p
		}
	}
	return nil
}

func getBalancer(r *http.Request) *predictive.Balancer {
	if inst := instance.GetInstance(r.Context()); inst != nil {
		if b, ok := inst.Predictive.(*predictive.Balancer); ok {
			return b
		}
	}
	return nil
}

func getTuner(r *http.Request) *homeostat.Tuner {
	if inst := instance.GetInstance(r.Context()); inst != nil {
		if t, ok := inst.Tuner.(*homeostat.Tuner); ok {
			return t
		}
	}
	return nil
}

func getIngestor(r *http.Request) *ingest.Ingestor {
	if inst := instance.GetInstance(r.Context()); inst != nil {
		if i, ok := inst.Ingest.(*ingest.Ingestor); ok {
			return i
		}
	}
	return nil
}

func getInfo(writer http.ResponseWriter, r *http.Request) {
	writeJSON(writer, consts.GetAppInfo())
}

func getConfig(writer http.ResponseWriter, r *http.Request) {
	writeJSON(writer, configs.GetCurrentConfig())
}

func getLoad(writer http.ResponseWriter, r *http.Request) {
	s := getSampler(r)
	if s == nil {
		writeJSON(writer, sysload.Snapshot{Level: types.LoadNormal})
		return
	}
	writeJSON(writer, map[string]any{
		"sample":     s.Metrics().Sample,
		"level":      s.Metrics().Level,
		"thresholds": s.Thresholds(),
	})
}

func getStats(writer http.ResponseWriter, r *http.Request) {
	c := getController(r)
	if c == nil {
		writeJSON(writer, priority.Stats{})
		return
	}
	writeJSON(writer, c.Stats())
}

func getPredictions(writer http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	if b := getBalancer(r); b != nil {
		resp["prediction"] = b.Prediction()
	}
	if p := getCircadian(r); p != nil {
		resp["circadian"] = p.State()
	}
	writeJSON(writer, resp)
}

func getAllocations(writer http.ResponseWriter, r *http.Request) {
	a := getArbiter(r)
	if a == nil {
		writeJSON(writer, map[types.SourceID]float64{})
		return
	}
	writeJSON(writer, a.Allocations())
}

func getProfile(writer http.ResponseWriter, r *http.Request) {
	p := getCircadian(r)
	if p == nil {
		writeJSON(writer, [24]float64{})
		return
	}
	writeJSON(writer, p.Profile())
}

func getHomeostat(writer http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"target": configs.GetCurrentConfig().Homeostat.Target,
	}
	if t := getTuner(r); t != nil {
		resp["offset"] = t.Offset()
		resp["last_report"] = t.LastReport()
	}
	writeJSON(writer, resp)
}

func getAttentionState(writer http.ResponseWriter, r *http.Request) {
	t := getTracker(r)
	if t == nil {
		writeJSON(writer, attention.State{})
		return
	}
	state, err := t.GetState()
	if err != nil {
		// Owner busy: answer with the empty default rather than failing
		// a read-only endpoint.
		applog.GetLogger().WithError(err).Warn("attention state unavailable")
		writeJSON(writer, attention.State{})
		return
	}
	writeJSON(writer, state)
}

func getSourceAttention(writer http.ResponseWriter, r *http.Request) {
	sourceID := types.SourceID(mux.Vars(r)["source"])
	level := types.AttentionNone
	if t := getTracker(r); t != nil {
		level = t.Level(sourceID)
	}
	writeJSON(writer, map[string]any{
		"source_id": sourceID,
		"level":     level,
	})
}

// postAttention handles register/unregister of view, focus and hover.
// Body: {"user_id": "...", "channel_id": "...", "action": "register"}.
func postAttention(writer http.ResponseWriter, r *http.Request) {
	t := getTracker(r)
	if t == nil {
		writeError(writer, http.StatusServiceUnavailable, "attention tracker not running")
		return
	}
	vars := mux.Vars(r)
	sourceID := types.SourceID(vars["source"])
	b, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(writer, http.StatusBadRequest, "read body: %s", err)
		return
	}
	body := gjson.ParseBytes(b)
	userID := types.UserID(body.Get("user_id").String())
	if userID == "" {
		writeError(writer, http.StatusBadRequest, "user_id is required")
		return
	}
	channelID := types.ChannelID(body.Get("channel_id").String())
	register := true
	if action := body.Get("action").String(); action != "" {
		switch action {
		case "register":
		case "unregister":
			register = false
		default:
			writeError(writer, http.StatusBadRequest, "invalid action: %s", action)
			return
		}
	}

	switch vars["kind"] {
	case "view":
		if register {
			err = t.RegisterView(sourceID, channelID, userID)
		} else {
			err = t.UnregisterView(sourceID, channelID, userID)
		}
	case "focus":
		if register {
			err = t.RegisterFocus(sourceID, channelID, userID)
		} else {
			err = t.UnregisterFocus(sourceID, channelID, userID)
		}
	case "hover":
		if register {
			err = t.RegisterHover(sourceID, channelID, userID)
		} else {
			err = t.UnregisterHover(sourceID, channelID, userID)
		}
	}
	if err != nil {
		writeError(writer, http.StatusServiceUnavailable, "attention mutation failed: %s", err)
		return
	}
	writeJSON(writer, commonResp{Data: map[string]any{
		"source_id": sourceID,
		"level":     t.Level(sourceID),
	}})
}

func postPin(writer http.ResponseWriter, r *http.Request) {
	handlePin(writer, r, true)
}

func postUnpin(writer http.ResponseWriter, r *http.Request) {
	handlePin(writer, r, false)
}

func handlePin(writer http.ResponseWriter, r *http.Request, pin bool) {
	t := getTracker(r)
	if t == nil {
		writeError(writer, http.StatusServiceUnavailable, "attention tracker not running")
		return
	}
	sourceID := types.SourceID(mux.Vars(r)["source"])
	b, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(writer, http.StatusBadRequest, "read body: %s", err)
		return
	}
	userID := types.UserID(gjson.GetBytes(b, "user_id").String())
	if userID == "" {
		writeError(writer, http.StatusBadRequest, "user_id is required")
		return
	}
	if pin {
		err = t.Pin(sourceID, userID)
	} else {
		err = t.Unpin(sourceID, userID)
	}
	if err != nil {
		writeError(writer, http.StatusServiceUnavailable, "pin mutation failed: %s", err)
		return
	}
	writeJSON(writer, commonResp{Data: map[string]any{
		"source_id": sourceID,
		"level":     t.Level(sourceID),
	}})
}

// postBattery records a user battery report.
// Body: {"user_id": "...", "state": "low", "reported_level": 0.2,
// "charging": false, "source": "android"}.
func postBattery(writer http.ResponseWriter, r *http.Request) {
	t := getTracker(r)
	if t == nil {
		writeError(writer, http.StatusServiceUnavailable, "attention tracker not running")
		return
	}
	b, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(writer, http.StatusBadRequest, "read body: %s", err)
		return
	}
	body := gjson.ParseBytes(b)
	userID := types.UserID(body.Get("user_id").String())
	if userID == "" {
		writeError(writer, http.StatusBadRequest, "user_id is required")
		return
	}
	level, err := attention.ParseBatteryLevel(body.Get("state").String())
	if err != nil {
		writeError(writer, http.StatusBadRequest, "%s", err)
		return
	}
	state := attention.BatteryState{
		State:         level,
		ReportedLevel: body.Get("reported_level").Float(),
		Charging:      body.Get("charging").Bool(),
		Source:        body.Get("source").String(),
	}
	if err := t.ReportBatteryState(userID, state); err != nil {
		writeError(writer, http.StatusServiceUnavailable, "battery report failed: %s", err)
		return
	}
	writeJSON(writer, commonResp{})
}

func measurementFromJSON(v gjson.Result) types.Measurement {
	return types.Measurement{
		SourceID:  types.SourceID(v.Get("source_id").String()),
		ChannelID: types.ChannelID(v.Get("channel_id").String()),
		Payload:   v.Get("payload").Value(),
		Timestamp: v.Get("timestamp").Int(),
	}
}

// postMeasurement ingests a single measurement event.
func postMeasurement(writer http.ResponseWriter, r *http.Request) {
	ing := getIngestor(r)
	if ing == nil {
		writeError(writer, http.StatusServiceUnavailable, "ingest not running")
		return
	}
	b, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(writer, http.StatusBadRequest, "read body: %s", err)
		return
	}
	if err := ing.Submit(measurementFromJSON(gjson.ParseBytes(b))); err != nil {
		writeError(writer, http.StatusBadRequest, "%s", err)
		return
	}
	writeJSON(writer, commonResp{})
}

// postMeasurements ingests a pre-batched measurements_batch event:
// {"source_id": "...", "measurements": [{...}, ...]}.
func postMeasurements(writer http.ResponseWriter, r *http.Request) {
	ing := getIngestor(r)
	if ing == nil {
		writeError(writer, http.StatusServiceUnavailable, "ingest not running")
		return
	}
	b, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(writer, http.StatusBadRequest, "read body: %s", err)
		return
	}
	body := gjson.ParseBytes(b)
	sourceID := types.SourceID(body.Get("source_id").String())
	if sourceID == "" {
		writeError(writer, http.StatusBadRequest, "source_id is required")
		return
	}
	ms := make([]types.Measurement, 0, 16)
	body.Get("measurements").ForEach(func(_, v gjson.Result) bool {
		ms = append(ms, measurementFromJSON(v))
		return true
	})
	accepted := ing.SubmitBatch(sourceID, ms)
	writeJSON(writer, commonResp{Data: map[string]any{
		"submitted": len(ms),
		"accepted":  accepted,
	}})
}
