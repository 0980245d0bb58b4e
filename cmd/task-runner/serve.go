package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"task-runner-service/internal/config"
	"task-runner-service/internal/task-runner/api"
	"task-runner-service/internal/task-runner/events"
	"task-runner-service/internal/task-runner/executor"
	"task-runner-service/internal/task-runner/jobs"
	"task-runner-service/internal/task-runner/kafka"
	"task-runner-service/internal/task-runner/liveness"
	"task-runner-service/internal/task-runner/metrics"
)

func serve(cfg *config.Config) error {
	setLogLevel(cfg.LogLevel)
	hlog.Infof("Task Runner %s (%s) starting...", cfg.Runner.ID, version)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}

	var collector *metrics.Collector
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector = metrics.NewCollector(reg)
		metricsSrv = metrics.StartServer(cfg.Metrics.Addr, reg)
	}

	var bus *kafka.Bus
	var forwarder events.Forwarder
	if cfg.KafkaEnabled() {
		bus = kafka.NewBus(kafka.Config{
			Brokers:     cfg.Kafka.Brokers,
			EventTopic:  cfg.Kafka.EventTopic,
			SignalTopic: cfg.Kafka.SignalTopic,
			RunnerID:    cfg.Runner.ID,
			GroupID:     cfg.KafkaGroupID(),
		})
		forwarder = bus
	} else {
		hlog.Info("Kafka brokers not configured, running without cross-runner relay.")
	}
	hub := events.NewHub(events.DefaultSubscriberBuffer, forwarder)

	types := executor.NewTypeRegistry()
	if err := jobs.Register(types); err != nil {
		return err
	}
	exec := executor.New(st, types, hub, executor.Options{
		RunnerID:       cfg.Runner.ID,
		MaxConcurrent:  int64(cfg.Runner.MaxConcurrent),
		LivenessWindow: cfg.Runner.LivenessWindow,
		Metrics:        collector,
	})
	if bus != nil {
		exec.SetSignalRouter(bus)
		bus.Attach(hub, exec)
		bus.Start(appCtx)
	}

	tracker, err := liveness.NewTracker(st, exec, hub, liveness.Options{
		HeartbeatInterval: cfg.Runner.HeartbeatInterval,
		SweepInterval:     cfg.Runner.SweepInterval,
		LivenessWindow:    cfg.Runner.LivenessWindow,
		Metrics:           collector,
	})
	if err != nil {
		return fmt.Errorf("failed to create liveness tracker: %w", err)
	}
	if err := tracker.Start(appCtx); err != nil {
		return err
	}

	h := server.Default(
		server.WithHostPorts(cfg.Server.Addr),
		server.WithExitWaitTime(cfg.Server.ShutdownTimeout),
	)
	api.Register(h,
		api.NewTaskHandler(exec, hub, api.Options{
			EventLimit:    cfg.API.EventLimit,
			MaxFieldBytes: cfg.API.MaxFieldBytes,
		}),
		api.NewTaskTypeHandler(types),
	)

	// One hook so the steps run in order: running work drains while heartbeats continue.
	h.OnShutdown = append(h.OnShutdown, func(ctx context.Context) {
		if err := exec.Shutdown(ctx); err != nil {
			hlog.Warnf("Executor shutdown: %v. Unfinished tasks will be failed by a later sweep.", err)
		} else {
			hlog.Info("Executor drained.")
		}
		if err := tracker.Stop(); err != nil {
			hlog.Errorf("Liveness tracker stop error: %v", err)
		}
		if bus != nil {
			if err := bus.Close(); err != nil {
				hlog.Errorf("Kafka bus close error: %v", err)
			}
		}
		if err := metrics.Shutdown(ctx, metricsSrv); err != nil {
			hlog.Errorf("Metrics server shutdown error: %v", err)
		}
		appCancel()
		hlog.Info("Task Runner gracefully shut down.")
	})

	hlog.Infof("Task Runner fully initialized and starting Hertz server on %s...", cfg.Server.Addr)
	h.Spin()
	return nil
}
