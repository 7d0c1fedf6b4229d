package servers

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sensocto/sensocto-go/src/configs"
	"github.com/sensocto/sensocto-go/src/instance"
	applog "github.com/sensocto/sensocto-go/src/log"
	sensosentry "github.com/sensocto/sensocto-go/src/pkg/sentry"
	"github.com/sensocto/sensocto-go/src/pkg/utils"
)

// Server is the HTTP control surface: the cache-backed read API, the
// attention mutation endpoints, the ingest boundary and the SSE streams.
type Server struct {
	server *http.Server
	conns  *utils.HostConnCounter
}

func initMux(ctx context.Context, s *Server) *mux.Router {
	m := mux.NewRouter()
	m.Use(logMiddleware)

	api := m.PathPrefix("/api").Subrouter()

	api.HandleFunc("/info", getInfo).Methods(http.MethodGet)
	api.HandleFunc("/config", getConfig).Methods(http.MethodGet)
	api.HandleFunc("/load", getLoad).Methods(http.MethodGet)
	api.HandleFunc("/stats", getStats).Methods(http.MethodGet)
	api.HandleFunc("/predictions", getPredictions).Methods(http.MethodGet)
	api.HandleFunc("/allocations", getAllocations).Methods(http.MethodGet)
	api.HandleFunc("/profile", getProfile).Methods(http.MethodGet)
	api.HandleFunc("/homeostat", getHomeostat).Methods(http.MethodGet)

	api.HandleFunc("/attention", getAttentionState).Methods(http.MethodGet)
	api.HandleFunc("/attention/battery", postBattery).Methods(http.MethodPost)
	api.HandleFunc("/attention/{source}/pin", postPin).Methods(http.MethodPost)
	api.HandleFunc("/attention/{source}/unpin", postUnpin).Methods(http.MethodPost)
	api.HandleFunc("/attention/{source}", getSourceAttention).Methods(http.MethodGet)
	api.HandleFunc("/attention/{source}/{kind:view|focus|hover}", postAttention).Methods(http.MethodPost)

	api.HandleFunc("/measurement", postMeasurement).Methods(http.MethodPost)
	api.HandleFunc("/measurements", postMeasurements).Methods(http.MethodPost)

	api.HandleFunc("/events", systemEventsHandler).Methods(http.MethodGet)
	api.HandleFunc("/stream", s.streamHandler).Methods(http.MethodGet)

	m.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return m
}

// NewServer creates the HTTP server and registers it on the instance.
func NewServer(ctx context.Context) *Server {
	config := configs.GetCurrentConfig()
	httpServer := &http.Server{Addr: config.RPC.Bind}
	s := &Server{
		server: httpServer,
		conns:  utils.NewHostConnCounter(config.RPC.MaxStreamsPerHost),
	}
	httpServer.Handler = initMux(ctx, s)
	httpServer.BaseContext = func(net.Listener) context.Context { return ctx }
	if inst := instance.GetInstance(ctx); inst != nil {
		inst.Server = s
	}
	return s
}

func (s *Server) Start(ctx context.Context) error {
	inst := instance.GetInstance(ctx)
	if inst != nil {
		inst.WaitGroup.Add(1)
	}
	logger := applog.GetLogger()
	sensosentry.Go(func() {
		switch err := s.server.ListenAndServe(); err {
		case nil, http.ErrServerClosed:
		default:
			logger.WithError(err).Error("http server exited")
		}
		if inst != nil {
			inst.WaitGroup.Done()
		}
	})
	logger.Infof("http server start at %s", s.server.Addr)
	return nil
}

func (s *Server) Close(ctx context.Context) {
	getSSEHub().Close()
	shutdownCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		applog.GetLogger().WithError(err).Warn("http server shutdown")
		return
	}
	applog.GetLogger().Info("http server closed")
}
