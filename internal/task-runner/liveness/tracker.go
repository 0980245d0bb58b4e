// Package liveness keeps running tasks provably alive and recovers the ones whose runner died.
package liveness

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"

	"task-runner-service/internal/task-runner/events"
	"task-runner-service/internal/task-runner/metrics"
	"task-runner-service/internal/task-runner/store"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultLivenessWindow    = 30 * time.Second
	DefaultSweepInterval     = 15 * time.Second

	jobTag = "liveness"
)

// RunnerLostError is the standard error text of a task failed by the sweep.
func RunnerLostError(window time.Duration) string {
	return fmt.Sprintf("runner lost: no heartbeat within %s", window)
}

// Runner is the local side of the heartbeat: the tasks this process runs and how to signal them.
type Runner interface {
	RunnerID() string
	LocalTaskIDs() []string
	ApplyIntents(intents []store.Intent)
	Orphaned(ids []string)
}

type Options struct {
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	LivenessWindow    time.Duration
	Clock             clockwork.Clock
	Metrics           *metrics.Collector
}

// Tracker runs the heartbeat and sweep jobs on a gocron scheduler.
type Tracker struct {
	store     *store.Store
	runner    Runner
	hub       events.Publisher
	opts      Options
	Scheduler gocron.Scheduler
}

// NewTracker creates a tracker. runner may be nil for a sweep-only process; hub may be nil
// when nobody listens for the failed events.
func NewTracker(st *store.Store, runner Runner, hub events.Publisher, opts Options) (*Tracker, error) {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.LivenessWindow <= 0 {
		opts.LivenessWindow = DefaultLivenessWindow
	}
	if opts.LivenessWindow <= opts.HeartbeatInterval {
		return nil, fmt.Errorf("liveness window %s must be longer than the heartbeat interval %s",
			opts.LivenessWindow, opts.HeartbeatInterval)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	s, err := gocron.NewScheduler(gocron.WithClock(opts.Clock), gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Tracker{store: st, runner: runner, hub: hub, opts: opts, Scheduler: s}, nil
}

// Start sweeps once, then schedules the periodic jobs.
func (t *Tracker) Start(ctx context.Context) error {
	hlog.Infof("Liveness: starting (heartbeat every %s, sweep every %s, window %s)",
		t.opts.HeartbeatInterval, t.opts.SweepInterval, t.opts.LivenessWindow)
	if _, err := t.Sweep(ctx); err != nil {
		hlog.Errorf("Liveness: startup sweep failed: %v", err)
	}

	if t.runner != nil {
		_, err := t.Scheduler.NewJob(
			gocron.DurationJob(t.opts.HeartbeatInterval),
			gocron.NewTask(func() {
				if _, err := t.Beat(ctx); err != nil {
					hlog.Errorf("Liveness: heartbeat failed: %v", err)
				}
			}),
			gocron.WithName("heartbeat"),
			gocron.WithTags(jobTag),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("failed to schedule heartbeat: %w", err)
		}
	}

	_, err := t.Scheduler.NewJob(
		gocron.DurationJob(t.opts.SweepInterval),
		gocron.NewTask(func() {
			if _, err := t.Sweep(ctx); err != nil {
				hlog.Errorf("Liveness: sweep failed: %v", err)
			}
		}),
		gocron.WithName("sweep"),
		gocron.WithTags(jobTag),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	t.Scheduler.Start()
	for _, job := range t.Scheduler.Jobs() {
		if next, err := job.NextRun(); err == nil {
			hlog.Infof("Liveness: job %s next run at %s", job.Name(), next.Format(time.RFC3339))
		}
	}
	return nil
}

// Stop shuts the scheduler down and waits for running jobs.
func (t *Tracker) Stop() error {
	if err := t.Scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down liveness scheduler: %w", err)
	}
	hlog.Infof("Liveness: stopped")
	return nil
}

// Beat refreshes the heartbeat of every task this runner has dispatched and applies the
// signals persisted for them since the last beat.
func (t *Tracker) Beat(ctx context.Context) (store.HeartbeatResult, error) {
	ids := t.runner.LocalTaskIDs()
	if len(ids) == 0 {
		return store.HeartbeatResult{}, nil
	}
	res, err := t.store.Heartbeat(ctx, t.runner.RunnerID(), ids)
	if err != nil {
		return res, err
	}
	t.opts.Metrics.Heartbeats(len(ids) - len(res.Lost))
	if len(res.Intents) > 0 {
		t.runner.ApplyIntents(res.Intents)
	}
	if len(res.Lost) > 0 {
		hlog.Warnf("Liveness: %d local tasks are no longer owned by runner %s: %v",
			len(res.Lost), t.runner.RunnerID(), res.Lost)
		t.runner.Orphaned(res.Lost)
	}
	return res, nil
}

// Sweep ends every task whose owner's heartbeat is older than the liveness window, running
// or still queued, and returns their ids. It is safe to run from several runners at once.
func (t *Tracker) Sweep(ctx context.Context) ([]string, error) {
	cutoff := t.opts.Clock.Now().Add(-t.opts.LivenessWindow)
	swept, err := t.store.SweepStale(ctx, cutoff, RunnerLostError(t.opts.LivenessWindow))

	origin := ""
	if t.runner != nil {
		origin = t.runner.RunnerID()
	}
	ids := make([]string, 0, len(swept))
	for _, ev := range swept {
		ids = append(ids, ev.TaskID)
		if t.hub != nil {
			t.hub.Publish(events.FromModel(ev, origin))
		}
	}
	if len(ids) > 0 {
		hlog.Warnf("Liveness: ended %d tasks whose runner stopped heartbeating: %v", len(ids), ids)
		t.opts.Metrics.RunnerLost(len(ids))
		if t.runner != nil {
			t.runner.Orphaned(ids)
		}
	}
	return ids, err
}
