// Package metrics exposes task runner metrics to Prometheus.
//
// Counters:
//   - task_runner_tasks_created_total{type}
//   - task_runner_tasks_finished_total{type,status}
//   - task_runner_events_appended_total{kind}: lifecycle event type, or "domain"
//   - task_runner_heartbeats_total: task rows refreshed by heartbeats
//   - task_runner_runner_lost_total: tasks failed by the liveness sweep
//   - task_runner_claim_conflicts_total: claims lost to another dispatch
//   - task_runner_signals_total{kind,route}: cancel/early-stop delivered locally, routed or persisted only
//
// Gauges and histograms:
//   - task_runner_tasks_running
//   - task_runner_task_duration_seconds{type}
//
// All methods are safe on a nil *Collector so components can run without metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	taskDB "task-runner-service/internal/task-runner/db"
)

// Collector holds the runner's Prometheus metrics.
type Collector struct {
	tasksCreated   *prometheus.CounterVec
	tasksFinished  *prometheus.CounterVec
	eventsAppended *prometheus.CounterVec
	heartbeats     prometheus.Counter
	runnerLost     prometheus.Counter
	claimConflicts prometheus.Counter
	signals        *prometheus.CounterVec

	tasksRunning prometheus.Gauge
	taskDuration *prometheus.HistogramVec
}

// NewCollector creates the metrics and registers them with reg
// (prometheus.DefaultRegisterer when nil).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		tasksCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "task_runner_tasks_created_total",
			Help: "Total number of tasks created",
		}, []string{"type"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "task_runner_tasks_finished_total",
			Help: "Total number of tasks that reached a terminal status on this runner",
		}, []string{"type", "status"}),
		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "task_runner_events_appended_total",
			Help: "Total number of task events appended",
		}, []string{"kind"}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "task_runner_heartbeats_total",
			Help: "Total number of task heartbeats written",
		}),
		runnerLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "task_runner_runner_lost_total",
			Help: "Total number of running tasks failed because their runner stopped heartbeating",
		}),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "task_runner_claim_conflicts_total",
			Help: "Total number of claims lost because the task was no longer pending",
		}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "task_runner_signals_total",
			Help: "Total number of accepted cancel and early-stop requests by delivery route",
		}, []string{"kind", "route"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "task_runner_tasks_running",
			Help: "Current number of work functions running on this runner",
		}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "task_runner_task_duration_seconds",
			Help:    "Time from claim to terminal status",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"type"}),
	}

	reg.MustRegister(
		c.tasksCreated,
		c.tasksFinished,
		c.eventsAppended,
		c.heartbeats,
		c.runnerLost,
		c.claimConflicts,
		c.signals,
		c.tasksRunning,
		c.taskDuration,
	)
	return c
}

func (c *Collector) TaskCreated(taskType string) {
	if c == nil {
		return
	}
	c.tasksCreated.WithLabelValues(taskType).Inc()
}

func (c *Collector) TaskStarted() {
	if c == nil {
		return
	}
	c.tasksRunning.Inc()
}

// TaskFinished records a work function that ran on this runner reaching status after d.
func (c *Collector) TaskFinished(taskType string, status taskDB.Status, d time.Duration) {
	if c == nil {
		return
	}
	c.tasksRunning.Dec()
	c.tasksFinished.WithLabelValues(taskType, string(status)).Inc()
	c.taskDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

func (c *Collector) EventAppended(eventType string) {
	if c == nil {
		return
	}
	kind := "domain"
	if taskDB.IsLifecycleEvent(eventType) {
		kind = eventType
	}
	c.eventsAppended.WithLabelValues(kind).Inc()
}

func (c *Collector) Heartbeats(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.heartbeats.Add(float64(n))
}

func (c *Collector) RunnerLost(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.runnerLost.Add(float64(n))
}

func (c *Collector) ClaimConflict() {
	if c == nil {
		return
	}
	c.claimConflicts.Inc()
}

// Signal records an accepted cancel or early-stop request. route is "local", "routed" or "persisted".
func (c *Collector) Signal(kind, route string) {
	if c == nil {
		return
	}
	c.signals.WithLabelValues(kind, route).Inc()
}

// StartServer serves /metrics for g on addr in the background and returns the server so the
// caller can shut it down.
func StartServer(addr string, g prometheus.Gatherer) *http.Server {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		hlog.Infof("Metrics: serving on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hlog.Errorf("Metrics: server stopped: %v", err)
		}
	}()
	return srv
}

// Shutdown stops a server returned by StartServer.
func Shutdown(ctx context.Context, srv *http.Server) error {
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
