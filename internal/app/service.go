package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"geofencing/internal/clock"
	"geofencing/internal/config"
	"geofencing/internal/delivery"
	"geofencing/internal/ingest"
	"geofencing/internal/logging"
	"geofencing/internal/metrics"
	"geofencing/internal/monitor"
	"geofencing/internal/report"
	"geofencing/internal/state"
	"geofencing/internal/status"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config snapshot and shared runtime components.
// Returns: runnable geofencing service.
type Service struct {
	cfg         config.Config
	logger      *slog.Logger
	closeLog    func()
	metrics     *metrics.Metrics
	store       state.Store
	engine      *Engine
	worker      *report.Worker
	wake        *monitor.TimerScheduler
	httpSrv     *http.Server
	natsSub     interface{ Close() error }
	mqttFeed    *monitor.MQTTFeed
	deliveryQ   interface{ Close() error }
	deliveryPub interface{ Close() error }
	readyFlag   atomic.Bool
	clock       clock.Clock
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized and loaded service or setup error.
func NewService(ctx context.Context, source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	logger, closeLog, err := logging.New(cfg.Log, cfg.Service.Name)
	if err != nil {
		return nil, err
	}

	service := &Service{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		metrics:  metrics.New(),
		clock:    clk,
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	service.store = store

	sink, err := service.buildDelivery()
	if err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildEngine(sink); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.engine.Load(ctx); err != nil {
		service.cleanupInitResources()
		return nil, fmt.Errorf("load engine state: %w", err)
	}
	if err := service.buildHTTPServer(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildNATSSubscriber(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	return service, nil
}

// Engine exposes the composed engine.
func (s *Service) Engine() *Engine {
	return s.engine
}

// Handler exposes the HTTP router.
func (s *Service) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var background sync.WaitGroup
	errChan := make(chan error, 1)

	if s.cfg.HTTP.Enabled {
		go func() {
			s.logger.Info("http server starting", "listen", s.cfg.HTTP.Listen)
			err := s.httpSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
	}

	if s.cfg.Report.Enabled {
		background.Add(1)
		go func() {
			defer background.Done()
			_ = s.worker.Run(runCtx)
		}()
	}

	if s.mqttFeed != nil {
		if err := s.mqttFeed.Start(runCtx); err != nil {
			s.logger.Error("mqtt feed start failed", "error", err.Error())
		}
	}

	sweepInterval := time.Duration(s.cfg.Service.ExpirySweepSec) * time.Second
	sweepTicker := time.NewTicker(sweepInterval)
	defer sweepTicker.Stop()
	background.Add(1)
	go func() {
		defer background.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-sweepTicker.C:
				if _, err := s.engine.SweepExpired(runCtx); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error("expiry sweep failed", "error", err.Error())
				}
			}
		}
	}()

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errChan:
		runErr = fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
	}
	s.readyFlag.Store(false)
	cancel()
	background.Wait()
	if err := s.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(what string, err error) {
		if err == nil {
			return
		}
		s.logger.Error(what+" failed", "error", err.Error())
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", what, err)
		}
	}

	if s.cfg.HTTP.Enabled {
		markErr("http shutdown", s.httpSrv.Shutdown(ctx))
	}
	if s.mqttFeed != nil {
		s.mqttFeed.Close()
	}
	if s.natsSub != nil {
		markErr("nats subscriber close", s.natsSub.Close())
	}
	if s.wake != nil {
		s.wake.Stop()
	}
	if s.deliveryQ != nil {
		markErr("delivery queue worker close", s.deliveryQ.Close())
	}
	if s.deliveryPub != nil {
		markErr("delivery queue producer close", s.deliveryPub.Close())
	}
	markErr("store close", s.store.Close())
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
func (s *Service) cleanupInitResources() {
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.wake != nil {
		s.wake.Stop()
	}
	if s.deliveryQ != nil {
		_ = s.deliveryQ.Close()
		s.deliveryQ = nil
	}
	if s.deliveryPub != nil {
		_ = s.deliveryPub.Close()
		s.deliveryPub = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildDelivery assembles display sinks and the optional NATS display queue.
// Params: none.
// Returns: sink used by the engine for accepted triggers.
func (s *Service) buildDelivery() (delivery.Sink, error) {
	display := delivery.Fanout{
		delivery.Instrumented{Name: "log", Sink: delivery.LogSink{Logger: s.logger}, Metrics: s.metrics},
	}
	if s.cfg.Delivery.Telegram.Enabled {
		display = append(display, delivery.Instrumented{
			Name:    "telegram",
			Sink:    delivery.NewTelegramSink(s.cfg.Delivery.Telegram),
			Metrics: s.metrics,
		})
	}
	if isSingleMode(s.cfg) || !s.cfg.Delivery.Queue.Enabled {
		return display, nil
	}

	runtime := config.DeriveDeliveryQueueRuntime(s.cfg)
	producer, err := delivery.NewNATSProducer(runtime)
	if err != nil {
		return nil, err
	}
	s.deliveryPub = producer
	worker, err := delivery.NewNATSWorker(runtime, display, s.logger)
	if err != nil {
		return nil, err
	}
	s.deliveryQ = worker
	return delivery.Instrumented{Name: "queue", Sink: producer, Metrics: s.metrics}, nil
}

// buildEngine wires status, reporter, monitor, and engine.
// Params: delivery sink.
// Returns: setup error.
func (s *Service) buildEngine(sink delivery.Sink) error {
	location, err := s.cfg.Service.Location()
	if err != nil {
		return err
	}
	renderer, err := delivery.NewRenderer(s.cfg.Delivery.Template, s.logger)
	if err != nil {
		return err
	}
	statuses := status.NewStore(s.store)
	reporter := report.NewReporter(report.Options{
		Queue:     s.store,
		Records:   s.store,
		Status:    statuses,
		Transport: report.NewHTTPTransport(s.cfg.Report),
		Clock:     s.clock,
		Logger:    s.logger,
		Metrics:   s.metrics,
	})

	var geo monitor.GeoMonitor
	if s.cfg.Monitor.Enabled {
		geo = monitor.NewLocationMonitor(s.cfg.Monitor.DwellDelay(), s.logger)
		s.wake = monitor.NewTimerScheduler()
	}
	opts := EngineOptions{
		Store:    s.store,
		Status:   statuses,
		Reporter: reporter,
		Renderer: renderer,
		Sink:     sink,
		Monitor:  geo,
		Clock:    s.clock,
		Location: location,
		Logger:   s.logger,
		Metrics:  s.metrics,
	}
	if s.wake != nil {
		opts.Wake = s.wake
	}
	s.engine = NewEngine(opts)

	s.worker = report.NewWorker(reporter, s.cfg.Report.BatchDelay(), s.logger, s.engine.ApplyReportResult)
	if s.cfg.Report.Enabled {
		s.engine.SetReportTrigger(s.worker.Trigger)
	}
	if s.cfg.Monitor.Enabled && s.cfg.Monitor.MQTT.Enabled {
		s.mqttFeed = monitor.NewMQTTFeed(s.cfg.Monitor.MQTT, s.engine, s.logger, s.metrics)
	}
	return nil
}

// buildHTTPServer wires router with ingest, metrics, and health endpoints.
// Params: none.
// Returns: setup error.
func (s *Service) buildHTTPServer() error {
	httpCfg := s.cfg.HTTP
	mux := http.NewServeMux()
	mux.HandleFunc(httpCfg.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(httpCfg.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.Handle(httpCfg.MetricsPath, s.metrics.Handler())

	signaling := ingest.NewSignalingHandler(s.engine, httpCfg.SignalingPath, httpCfg.MaxBodyBytes, s.clock.Now, s.logger)
	mux.Handle(httpCfg.SignalingPath, signaling)
	if byID := strings.TrimSuffix(httpCfg.SignalingPath, "/") + "/"; byID != httpCfg.SignalingPath {
		mux.Handle(byID, signaling)
	}
	mux.Handle(httpCfg.TransitionPath, ingest.NewTransitionHandler(s.engine, httpCfg.MaxBodyBytes))
	mux.Handle(httpCfg.LocationPath, ingest.NewLocationHandler(s.engine, httpCfg.MaxBodyBytes))

	s.httpSrv = &http.Server{
		Addr:              httpCfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// buildNATSSubscriber starts NATS signaling ingest when enabled.
// Params: none.
// Returns: initialization error.
func (s *Service) buildNATSSubscriber() error {
	if isSingleMode(s.cfg) || !s.cfg.NATS.Signaling.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.NATS.URL, s.cfg.NATS.Signaling, s.engine, s.logger)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

// Inspect loads persisted engine state without starting any listener.
// Params: config source and clock.
// Returns: operator snapshot of campaigns, plan, status sets, and pending reports.
func Inspect(ctx context.Context, source config.ConfigSource, clk clock.Clock) (Snapshot, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return Snapshot{}, err
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	store, err := buildStore(ctx, cfg)
	if err != nil {
		return Snapshot{}, err
	}
	defer store.Close()

	location, err := cfg.Service.Location()
	if err != nil {
		return Snapshot{}, err
	}
	logger := logging.Discard()
	statuses := status.NewStore(store)
	eng := NewEngine(EngineOptions{
		Store:  store,
		Status: statuses,
		Reporter: report.NewReporter(report.Options{
			Queue:   store,
			Records: store,
			Status:  statuses,
			Clock:   clk,
			Logger:  logger,
		}),
		Clock:    clk,
		Location: location,
		Logger:   logger,
	})
	if err := eng.Load(ctx); err != nil {
		return Snapshot{}, err
	}
	return eng.Snapshot(ctx)
}

// buildStore creates runtime state backend from config.
// Params: context and root config snapshot.
// Returns: selected store backend.
func buildStore(ctx context.Context, cfg config.Config) (state.Store, error) {
	switch cfg.Storage.Driver {
	case config.StorageSQLite:
		return state.OpenSQLiteStore(ctx, cfg.Storage.Path)
	case config.StorageNATS:
		return state.NewNATSStore(config.DeriveStateNATSConfig(cfg))
	default:
		return state.NewMemoryStore(), nil
	}
}

func isSingleMode(cfg config.Config) bool {
	return config.NormalizeServiceMode(cfg.Service.Mode) == config.ServiceModeSingle
}
