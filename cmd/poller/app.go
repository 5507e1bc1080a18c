package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nexus-edge/plant-poller/internal/adapter/config"
	"github.com/nexus-edge/plant-poller/internal/adapter/modbus"
	"github.com/nexus-edge/plant-poller/internal/adapter/mqtt"
	"github.com/nexus-edge/plant-poller/internal/adapter/sqlite"
	"github.com/nexus-edge/plant-poller/internal/aggregator"
	"github.com/nexus-edge/plant-poller/internal/domain"
	"github.com/nexus-edge/plant-poller/internal/health"
	"github.com/nexus-edge/plant-poller/internal/metrics"
	"github.com/nexus-edge/plant-poller/internal/registry"
	"github.com/nexus-edge/plant-poller/internal/reset"
	"github.com/nexus-edge/plant-poller/internal/service"
	"github.com/nexus-edge/plant-poller/internal/tracker"
	"github.com/nexus-edge/plant-poller/internal/writeback"
	"github.com/rs/zerolog"
)

// standardAutoThreshold is the correction uptime percentage most lines are tuned for.
const standardAutoThreshold = 30

// app holds the components shared by every command.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	metrics   *metrics.Registry
	store     *sqlite.Store
	publisher *mqtt.Publisher
	transport *modbus.Transport
	registry  *registry.Registry
	planner   *writeback.Planner
	writer    *writeback.Writer
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	metricsReg := metrics.NewRegistry()

	// The store is the one hard dependency: without it nothing can be recorded.
	store, err := sqlite.Open(ctx, cfg.Database.Path, sqlite.Options{
		BusyTimeout: cfg.Database.BusyTimeout,
		Metrics:     metricsReg,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metricsReg,
		store:   store,
	}

	if cfg.MQTT.Enabled {
		a.publisher = mqtt.NewPublisher(mqtt.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			CleanSession:   true,
			QoS:            cfg.MQTT.QoS,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			BufferSize:     cfg.MQTT.BufferSize,
		}, logger, metricsReg)
		if err := a.publisher.Connect(ctx); err != nil {
			logger.Warn().Err(err).Msg("MQTT broker unavailable, record mirroring disabled")
		}
		store.SetNotifier(a.publisher)
	}

	a.transport = modbus.NewTransport(modbus.Config{
		Timeout:         cfg.Modbus.Timeout,
		DefaultPort:     cfg.Modbus.DefaultPort,
		DefaultUnitID:   cfg.Modbus.DefaultUnitID,
		BreakerFailures: cfg.Modbus.BreakerFailures,
		BreakerTimeout:  cfg.Modbus.BreakerTimeout,
	}, nil, logger, metricsReg)

	a.registry = registry.New(&registry.FileSource{Path: cfg.DevicesConfigPath, Logger: logger}, cfg.Registry.CacheTTL, logger)
	a.planner = writeback.NewPlanner()
	a.writer = writeback.NewWriter(a.transport, a.planner, writeback.OffsetSchedule{
		CutoffHour: cfg.Writeback.CutoffHour,
		Before:     cfg.Writeback.OffsetBefore,
		After:      cfg.Writeback.OffsetAfter,
	}, logger, metricsReg)

	if cfg.Batch.AutoThreshold != standardAutoThreshold {
		logger.Warn().
			Int("auto_threshold", cfg.Batch.AutoThreshold).
			Int("standard", standardAutoThreshold).
			Msg("Batch auto threshold differs from the standard value")
	}
	return a, nil
}

// Close disconnects MQTT and closes the store.
func (a *app) Close() {
	if a.publisher != nil {
		a.publisher.Disconnect()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error().Err(err).Msg("Error closing store")
	}
}

func (a *app) classifier() writeback.Classifier {
	return writeback.Classifier{
		EarlyBelow: a.cfg.Durations.EarlyBelow,
		Target:     a.cfg.Durations.Target,
		LateAbove:  a.cfg.Durations.LateAbove,
	}
}

func (a *app) orchestrator(bruteForce bool) *reset.Orchestrator {
	r := reset.Retrier{Attempts: a.cfg.Reset.Attempts, Delay: a.cfg.Reset.Delay}
	if bruteForce {
		r = reset.Retrier{Attempts: a.cfg.Reset.BruteForceAttempts, Delay: a.cfg.Reset.BruteForceDelay}
	}
	return reset.NewOrchestrator(a.transport.Unguarded(), r, a.cfg.Reset.PulseWidth, a.planner, a.logger, a.metrics)
}

func (a *app) newService(handlers map[domain.DeviceClass]service.Handler) *service.PollingService {
	return service.NewPollingService(service.PollingConfig{
		Interval:        a.cfg.Polling.Interval,
		WorkerCount:     a.cfg.Polling.WorkerCount,
		ShutdownTimeout: a.cfg.Polling.ShutdownTimeout,
	}, a.registry, handlers, a.logger, a.metrics)
}

// pollingService wires the class handlers, the batch aggregator and the daily reset.
// The aggregator is returned when thickness devices are polled.
func (a *app) pollingService(classes ...domain.DeviceClass) (*service.PollingService, *aggregator.Aggregator) {
	handlers := make(map[domain.DeviceClass]service.Handler, len(classes))
	var agg *aggregator.Aggregator
	daily := reset.NewDaily(a.orchestrator(false), a.store, a.registry, a.planner, a.cfg.Reset.Hour, a.logger, classes...)

	for _, class := range classes {
		switch class {
		case domain.ClassCounter:
			counts := tracker.New(nil, service.NewCountLedger(a.store), a.logger)
			handlers[class] = service.Chain(
				service.NewCounterHandler(a.transport, counts, a.logger),
				service.NewCountsWriteback(a.writer, a.store),
			)
		case domain.ClassAlarm:
			alarms := tracker.New(nil, service.NewDurationLedger(a.store, a.classifier()), a.logger)
			handlers[class] = service.NewAlarmHandler(a.transport, alarms, a.store, a.writer, a.logger).
				WithResetTimes(daily.ResetLog())
		case domain.ClassThickness:
			agg = aggregator.New(aggregator.Config{
				Timeout:             a.cfg.Batch.Timeout,
				MinimumMeasurements: a.cfg.Batch.MinimumMeasurements,
				AutoThreshold:       a.cfg.Batch.AutoThreshold,
			}, a.store, a.logger, a.metrics)
			handlers[class] = service.NewThicknessHandler(a.transport, agg, a.logger)
		}
	}

	svc := a.newService(handlers)
	if agg != nil {
		svc.WithBatches(agg)
	}
	svc.WithDailyReset(daily)
	return svc, agg
}

// resetService resets every active device once per cycle.
func (a *app) resetService(bruteForce bool) *service.PollingService {
	h := service.NewResetHandler(a.orchestrator(bruteForce)).WithResetLog(reset.NewResetLog(a.store))
	return a.newService(map[domain.DeviceClass]service.Handler{
		domain.ClassCounter:   h,
		domain.ClassAlarm:     h,
		domain.ClassThickness: h,
	})
}

// decrementService writes adjusted counts to counter devices.
func (a *app) decrementService() *service.PollingService {
	return a.newService(map[domain.DeviceClass]service.Handler{
		domain.ClassCounter: service.NewCountsWriteback(a.writer, a.store),
	})
}

// serveHTTP starts the ops server and returns its shutdown function.
func (a *app) serveHTTP(svc *service.PollingService) func() {
	if !a.cfg.HTTP.Enabled {
		return func() {}
	}

	checker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	checker.AddCheck("store", a.store, true)
	checker.AddCheck("modbus", a.transport, false)
	if a.publisher != nil {
		checker.AddCheck("mqtt", a.publisher, false)
	}

	status := func() interface{} {
		return map[string]interface{}{
			"polling":  svc.Status(),
			"breakers": a.transport.GetAllDeviceHealth(),
		}
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.HTTP.Port),
		Handler:      health.NewRouter(checker, a.metrics.Handler(), status, a.logger),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
	}

	go func() {
		a.logger.Info().Int("port", a.cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			a.logger.Error().Err(err).Msg("Error shutting down HTTP server")
		}
	}
}

// summarize logs the per-device result of a one-shot run and picks the exit code.
func (a *app) summarize(svc *service.PollingService, report service.CycleReport, err error) int {
	if err != nil {
		a.logger.Error().Err(err).Msg("Could not list devices")
		return exitStartup
	}

	for _, st := range svc.Status().Devices {
		ev := a.logger.Info()
		if failure, failed := report.Failures[st.DeviceID]; failed {
			ev = a.logger.Error().Err(failure)
		}
		ev.Str("device_id", st.DeviceID).
			Str("device_name", st.Name).
			Str("class", string(st.Class)).
			Dur("duration", st.LastDuration).
			Msg("Device result")
	}

	a.logger.Info().
		Int("devices", report.Devices).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Int("records", report.Outcome.Records).
		Int("writes", report.Outcome.Writes).
		Dur("duration", report.Duration).
		Msg("Run complete")

	if !report.OK() {
		return exitDeviceFailure
	}
	return exitOK
}
