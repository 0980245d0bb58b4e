package liveness

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm/logger"

	taskDB "task-runner-service/internal/task-runner/db"
	"task-runner-service/internal/task-runner/events"
	"task-runner-service/internal/task-runner/metrics"
	"task-runner-service/internal/task-runner/store"
	gormDB "task-runner-service/pkg/db"
)

type fakeRunner struct {
	id string

	mu       sync.Mutex
	ids      []string
	intents  []store.Intent
	orphaned []string
	beats    int
}

func (r *fakeRunner) RunnerID() string { return r.id }

func (r *fakeRunner) LocalTaskIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beats++
	return append([]string(nil), r.ids...)
}

func (r *fakeRunner) ApplyIntents(in []store.Intent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = append(r.intents, in...)
}

func (r *fakeRunner) Orphaned(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orphaned = append(r.orphaned, ids...)
}

func (r *fakeRunner) beatCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.beats
}

type recordingHub struct {
	mu  sync.Mutex
	evs []events.Event
}

func (h *recordingHub) Publish(ev events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evs = append(h.evs, ev)
}

func setup(t *testing.T) (*store.Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC))
	gdb, err := gormDB.NewGormDB(gormDB.Config{
		Type:     gormDB.TypeSQLite,
		DSN:      filepath.Join(t.TempDir(), "liveness.db"),
		LogLevel: logger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	st := store.New(gdb, clock)
	require.NoError(t, st.Migrate())
	return st, clock
}

func runningTask(t *testing.T, st *store.Store, runnerID string) string {
	t.Helper()
	ctx := context.Background()
	task := &taskDB.Task{ID: uuid.NewString(), Type: "train", Input: datatypes.JSON(`{}`)}
	require.NoError(t, st.CreateTask(ctx, task))
	_, _, err := st.Claim(ctx, task.ID, runnerID)
	require.NoError(t, err)
	return task.ID
}

func TestNewTracker_RejectsWindowShorterThanHeartbeat(t *testing.T) {
	st, clock := setup(t)
	_, err := NewTracker(st, nil, nil, Options{
		HeartbeatInterval: time.Minute,
		LivenessWindow:    30 * time.Second,
		Clock:             clock,
	})
	assert.ErrorContains(t, err, "must be longer")
}

func TestBeat(t *testing.T) {
	st, clock := setup(t)
	ctx := context.Background()
	mine := runningTask(t, st, "r1")
	cancelled := runningTask(t, st, "r1")
	stolen := runningTask(t, st, "r2")

	_, ok, err := st.RequestCancel(ctx, cancelled, clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	reg := prometheus.NewRegistry()
	runner := &fakeRunner{id: "r1", ids: []string{mine, cancelled, stolen}}
	tracker, err := NewTracker(st, runner, nil, Options{Clock: clock, Metrics: metrics.NewCollector(reg)})
	require.NoError(t, err)

	clock.Advance(4 * time.Second)
	res, err := tracker.Beat(ctx)
	require.NoError(t, err)
	assert.Equal(t, []store.Intent{{TaskID: cancelled, Cancel: true}}, res.Intents)
	assert.Equal(t, []store.Intent{{TaskID: cancelled, Cancel: true}}, runner.intents)
	assert.Equal(t, []string{stolen}, runner.orphaned)

	task, err := st.GetTask(ctx, mine)
	require.NoError(t, err)
	assert.True(t, task.LastHeartbeat.Equal(clock.Now()))
}

func TestBeat_NothingRunning(t *testing.T) {
	st, clock := setup(t)
	runner := &fakeRunner{id: "idle"}
	tracker, err := NewTracker(st, runner, nil, Options{Clock: clock})
	require.NoError(t, err)

	res, err := tracker.Beat(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Intents)
	assert.Empty(t, res.Lost)
}

func TestSweep(t *testing.T) {
	st, clock := setup(t)
	ctx := context.Background()
	dead := runningTask(t, st, "crashed")
	clock.Advance(20 * time.Second)
	alive := runningTask(t, st, "r1")

	hub := &recordingHub{}
	runner := &fakeRunner{id: "r1"}
	tracker, err := NewTracker(st, runner, hub, Options{Clock: clock, LivenessWindow: 15 * time.Second})
	require.NoError(t, err)

	ids, err := tracker.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{dead}, ids)
	assert.Equal(t, []string{dead}, runner.orphaned)

	require.Len(t, hub.evs, 1)
	assert.Equal(t, taskDB.EventFailed, hub.evs[0].Type)
	assert.Equal(t, "r1", hub.evs[0].Origin)
	assert.JSONEq(t, `{"error":"runner lost: no heartbeat within 15s","runner_lost":true}`, string(hub.evs[0].Payload))

	task, err := st.GetTask(ctx, dead)
	require.NoError(t, err)
	assert.Equal(t, taskDB.StatusFailed, task.Status)
	assert.Equal(t, "runner lost: no heartbeat within 15s", task.Error)

	task, err = st.GetTask(ctx, alive)
	require.NoError(t, err)
	assert.Equal(t, taskDB.StatusRunning, task.Status)

	ids, err = tracker.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Len(t, hub.evs, 1)
}

func TestSweep_EndsQueuedTasksOfDeadRunner(t *testing.T) {
	st, clock := setup(t)
	ctx := context.Background()
	queued := &taskDB.Task{ID: uuid.NewString(), Type: "train", Input: datatypes.JSON(`{}`), RunnerID: "crashed"}
	require.NoError(t, st.CreateTask(ctx, queued))
	clock.Advance(time.Hour)

	hub := &recordingHub{}
	tracker, err := NewTracker(st, nil, hub, Options{Clock: clock, LivenessWindow: 15 * time.Second})
	require.NoError(t, err)

	ids, err := tracker.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{queued.ID}, ids)
	require.Len(t, hub.evs, 1)
	assert.Equal(t, int64(1), hub.evs[0].Seq)
	assert.Equal(t, "", hub.evs[0].Origin)

	task, err := st.GetTask(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, taskDB.StatusFailed, task.Status)
	assert.Nil(t, task.StartedAt)
}

func TestStart_SweepsAtStartupAndBeatsOnSchedule(t *testing.T) {
	st, clock := setup(t)
	ctx := context.Background()
	dead := runningTask(t, st, "crashed")
	clock.Advance(time.Minute)
	mine := runningTask(t, st, "r1")

	runner := &fakeRunner{id: "r1", ids: []string{mine}}
	tracker, err := NewTracker(st, runner, nil, Options{
		Clock:             clock,
		HeartbeatInterval: 5 * time.Second,
		SweepInterval:     time.Minute,
		LivenessWindow:    30 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, tracker.Start(ctx))
	defer tracker.Stop()

	task, err := st.GetTask(ctx, dead)
	require.NoError(t, err)
	assert.Equal(t, taskDB.StatusFailed, task.Status, "startup sweep")
	assert.Len(t, tracker.Scheduler.Jobs(), 2)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 2))
	clock.Advance(5 * time.Second)

	require.Eventually(t, func() bool { return runner.beatCount() >= 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		task, err := st.GetTask(ctx, mine)
		return err == nil && task.LastHeartbeat.Equal(clock.Now())
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStart_SweepOnly(t *testing.T) {
	st, clock := setup(t)
	tracker, err := NewTracker(st, nil, nil, Options{Clock: clock})
	require.NoError(t, err)
	require.NoError(t, tracker.Start(context.Background()))
	defer tracker.Stop()
	assert.Len(t, tracker.Scheduler.Jobs(), 1)
}
