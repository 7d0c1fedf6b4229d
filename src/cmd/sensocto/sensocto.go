package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bluele/gcache"

	"github.com/sensocto/sensocto-go/src/arbiter"
	"github.com/sensocto/sensocto-go/src/attention"
	"github.com/sensocto/sensocto-go/src/circadian"
	"github.com/sensocto/sensocto-go/src/cmd/sensocto/internal/flag"
	"github.com/sensocto/sensocto-go/src/configs"
	"github.com/sensocto/sensocto-go/src/consts"
	"github.com/sensocto/sensocto-go/src/delivery"
	"github.com/sensocto/sensocto-go/src/homeostat"
	"github.com/sensocto/sensocto-go/src/ingest"
	"github.com/sensocto/sensocto-go/src/instance"
	"github.com/sensocto/sensocto-go/src/interfaces"
	"github.com/sensocto/sensocto-go/src/loadhistory"
	"github.com/sensocto/sensocto-go/src/log"
	"github.com/sensocto/sensocto-go/src/metrics"
	"github.com/sensocto/sensocto-go/src/novelty"
	"github.com/sensocto/sensocto-go/src/pkg/events"
	sensosentry "github.com/sensocto/sensocto-go/src/pkg/sentry"
	"github.com/sensocto/sensocto-go/src/predictive"
	"github.com/sensocto/sensocto-go/src/priority"
	"github.com/sensocto/sensocto-go/src/servers"
	"github.com/sensocto/sensocto-go/src/sysload"
)

func getConfig() (*configs.Config, error) {
	var config *configs.Config
	if *flag.Conf != "" {
		c, err := configs.NewConfigWithFile(*flag.Conf)
		if err != nil {
			return nil, err
		}
		config = c
	} else {
		config = flag.GenConfigFromFlags()
	}
	return config, config.Verify()
}

func main() {
	config, err := getConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	configs.SetCurrentConfig(config)

	inst := &instance.Instance{}
	inst.Cache = gcache.New(1024).LRU().Build()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	ctx := context.WithValue(rootCtx, instance.Key, inst)

	logger := log.New(ctx)
	logger.Infof("%s Version: %s Link Start", consts.AppName, consts.AppVersion)
	if config.File != "" {
		logger.Debugf("config path: %s.", config.File)
		logger.Debugf("other flags have been ignored.")
	} else {
		logger.Debugf("config file is not used.")
		logger.Debugf("flag: %s used.", os.Args)
	}
	logger.Debugf("%+v", consts.GetAppInfo())

	if config.Sentry.DSN != "" {
		if err := sensosentry.Init(config.Sentry.DSN, config.Sentry.Environment, consts.AppVersion); err != nil {
			logger.WithError(err).Warn("sentry init failed, crash reporting disabled")
		}
	}

	events.NewDispatcher(ctx)

	var history *loadhistory.Store
	if config.History.Enable {
		history, err = loadhistory.NewStore(ctx)
		if err != nil {
			logger.WithError(err).Warn("load history store unavailable, circadian profile cold-starts")
			history = nil
		}
	}

	sampler := sysload.NewSampler(ctx)
	detector := novelty.NewDetector(ctx)
	circ := circadian.NewPredictor(ctx)
	balancer := predictive.NewBalancer(ctx)
	arb := arbiter.NewArbiter(ctx)
	tracker := attention.NewTracker(ctx)
	tuner := homeostat.NewTuner(ctx)
	ctrl := priority.NewController(ctx)
	manager := delivery.NewManager(ctx, ctrl)
	ingestor := ingest.NewIngestor(ctx)

	// Feedback wiring. Each edge is a provider callback so a missing or
	// stalled collaborator degrades to the documented default.
	sampler.SetQueuePressureProvider(ingestor.QueuePressure)
	sampler.SetMailboxPressureProvider(manager.MailboxPressure)
	circ.SetDemandProvider(func() float64 { return sampler.Metrics().Sample.MaxPressure() })
	balancer.SetPhaseProvider(circ.State)
	balancer.SetHistoryProvider(sampler.History)
	arb.SetAttentionProvider(tracker.Levels)
	tuner.SetClassifier(sampler)
	ctrl.SetLoadProvider(sampler.Level)
	ctrl.SetFactorProvider(balancer.Factor)
	ctrl.SetAttentionProvider(tracker.Level)
	ctrl.SetBudgetProvider(arb.Budget)
	ingestor.SetObserver(detector)
	ingestor.SetDeliverer(manager)

	if history != nil {
		sampler.SetRecorder(history)
		if profile, err := history.ProfileSeed(ctx, config.Circadian.WarmupDays); err != nil {
			logger.WithError(err).Warn("failed to warm circadian profile")
		} else {
			circ.Seed(profile)
			logger.Debug("circadian profile warmed from history")
		}
	}

	if config.RPC.Enable {
		if err := servers.NewServer(ctx).Start(ctx); err != nil {
			logger.WithError(err).Fatalf("failed to init server")
		}
		servers.RegisterSSEEventListeners(inst)
	}

	collector := metrics.NewCollector(ctx)
	collector.SetAllocationSource(arb.Allocations)

	modules := []interfaces.Module{
		ingestor, manager, ctrl, tuner, tracker, arb, balancer, circ, detector, sampler, collector,
	}
	if history != nil {
		modules = append(modules, history)
	}
	for _, m := range modules {
		if err := m.Start(ctx); err != nil {
			logger.WithError(err).Fatalf("failed to start module")
		}
	}
	logger.Info("delivery-control core running")

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	sensosentry.GoWithContext(ctx, func(ctx context.Context) {
		select {
		case sig := <-c:
			logger.WithField("signal", sig.String()).Info("shutting down")
			rootCancel()
		case <-ctx.Done():
		}
	})

	<-rootCtx.Done()

	// Teardown in reverse dependency order: boundary first, then the
	// control loops, then the leaves. Uses a fresh context because the
	// root one is already canceled.
	closeCtx := context.WithValue(context.Background(), instance.Key, inst)
	if inst.Server != nil {
		inst.Server.Close(closeCtx)
	}
	for i := len(modules) - 1; i >= 0; i-- {
		modules[i].Close(closeCtx)
	}
	if ed, ok := inst.EventDispatcher.(events.Dispatcher); ok {
		ed.Close(closeCtx)
	}
	inst.WaitGroup.Wait()
	sensosentry.Flush(2 * time.Second)
	logger.Info("bye")
}
