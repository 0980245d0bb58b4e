package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm/logger"

	taskDB "task-runner-service/internal/task-runner/db"
	"task-runner-service/internal/task-runner/events"
	gormDB "task-runner-service/pkg/db"
)

func openStore(t *testing.T, path string, clock clockwork.Clock) *Store {
	t.Helper()
	gdb, err := gormDB.NewGormDB(gormDB.Config{Type: gormDB.TypeSQLite, DSN: path, LogLevel: logger.Silent})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	s := New(gdb, clock)
	require.NoError(t, s.Migrate())
	return s
}

func setupStore(t *testing.T) (*Store, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	return openStore(t, filepath.Join(t.TempDir(), "tasks.db"), clock), clock
}

func createTask(t *testing.T, s *Store, taskType string) string {
	t.Helper()
	task := &taskDB.Task{ID: uuid.NewString(), Type: taskType, Input: datatypes.JSON(`{"n":3}`), UserID: "user-1"}
	require.NoError(t, s.CreateTask(context.Background(), task))
	return task.ID
}

// assertReplayMatchesRow folds the stored log and compares it with the row.
func assertReplayMatchesRow(t *testing.T, s *Store, id string) {
	t.Helper()
	ctx := context.Background()
	rows, err := s.EventsAfter(ctx, id, 0, 0)
	require.NoError(t, err)
	st, err := events.Fold(events.FromModels(rows, ""))
	require.NoError(t, err)
	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, events.StateOf(task), st)
}

func TestCreateAndGetTask(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	id := createTask(t, s, "demo")
	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, taskDB.StatusPending, task.Status)
	assert.JSONEq(t, `{"n":3}`, string(task.Input))
	assert.Nil(t, task.StartedAt)
	assert.Empty(t, task.RunnerID)

	_, err = s.GetTask(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = s.TaskStatus(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestClaim(t *testing.T) {
	s, clock := setupStore(t)
	ctx := context.Background()
	id := createTask(t, s, "demo")

	task, ev, err := s.Claim(ctx, id, "runner-a")
	require.NoError(t, err)
	assert.Equal(t, taskDB.StatusRunning, task.Status)
	assert.Equal(t, "runner-a", task.RunnerID)
	require.NotNil(t, task.StartedAt)
	require.NotNil(t, task.LastHeartbeat)
	assert.True(t, task.LastHeartbeat.Equal(clock.Now()))
	assert.Equal(t, int64(1), ev.Seq)
	assert.Equal(t, taskDB.EventStarted, ev.EventType)

	_, _, err = s.Claim(ctx, id, "runner-b")
	assert.ErrorIs(t, err, ErrClaimLost)
	_, _, err = s.Claim(ctx, uuid.NewString(), "runner-b")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	// the loser produced no events
	evs, err := s.EventsAfter(ctx, id, 0, 0)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestClaim_ConcurrentRunnersOneWinner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	clock := clockwork.NewRealClock()
	// separate pools on the same file stand in for separate processes
	runners := []*Store{openStore(t, path, clock), openStore(t, path, clock), openStore(t, path, clock)}
	id := createTask(t, runners[0], "demo")

	var wg sync.WaitGroup
	results := make([]error, 12)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, results[i] = runners[i%len(runners)].Claim(context.Background(), id, fmt.Sprintf("runner-%d", i))
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range results {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, ErrClaimLost)
	}
	assert.Equal(t, 1, won)

	evs, err := runners[1].EventsAfter(context.Background(), id, 0, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, taskDB.EventStarted, evs[0].EventType)
}

func TestOwnedWrites(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	id := createTask(t, s, "demo")

	// nothing may be written before the claim
	_, err := s.SetProgress(ctx, id, "runner-a", 10, "early")
	assert.ErrorIs(t, err, ErrNotRunning)

	_, _, err = s.Claim(ctx, id, "runner-a")
	require.NoError(t, err)

	ev, err := s.SetProgress(ctx, id, "runner-a", 33, "1/3")
	require.NoError(t, err)
	assert.Equal(t, int64(2), ev.Seq)

	ev, err = s.AppendEvent(ctx, id, "runner-a", "student_seeded", json.RawMessage(`{"index":1}`))
	require.NoError(t, err)
	assert.Equal(t, int64(3), ev.Seq)

	_, err = s.AppendEvent(ctx, id, "runner-a", taskDB.EventCompleted, nil)
	assert.ErrorContains(t, err, "reserved")

	// another runner cannot write to a task it does not own
	_, err = s.SetProgress(ctx, id, "runner-b", 50, "hijack")
	assert.ErrorIs(t, err, ErrNotRunning)

	_, err = s.SetProgress(ctx, id, "runner-a", 20, "went back")
	require.NoError(t, err)
	assertReplayMatchesRow(t, s, id)

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 20, task.Progress)
}

func TestFinish(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	id := createTask(t, s, "demo")
	_, _, err := s.Claim(ctx, id, "runner-a")
	require.NoError(t, err)

	_, err = s.Finish(ctx, id, "runner-a", Outcome{Status: taskDB.StatusCompleted, Output: json.RawMessage(`null`)})
	assert.ErrorContains(t, err, "must not be null")
	_, err = s.Finish(ctx, id, "runner-a", Outcome{Status: taskDB.StatusRunning})
	assert.ErrorContains(t, err, "not a terminal status")

	ev, err := s.Finish(ctx, id, "runner-a", Outcome{Status: taskDB.StatusCompleted, Output: json.RawMessage(`{"n":3,"result":9}`)})
	require.NoError(t, err)
	assert.Equal(t, taskDB.EventCompleted, ev.EventType)

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, taskDB.StatusCompleted, task.Status)
	assert.JSONEq(t, `{"n":3,"result":9}`, string(task.Output))
	assert.NotNil(t, task.CompletedAt)

	// terminal state is final
	_, err = s.Finish(ctx, id, "runner-a", Outcome{Status: taskDB.StatusFailed, Error: "late"})
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = s.SetProgress(ctx, id, "runner-a", 100, "late")
	assert.ErrorIs(t, err, ErrNotRunning)

	task, err = s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, taskDB.StatusCompleted, task.Status)
	assert.Empty(t, task.Error)
	assertReplayMatchesRow(t, s, id)
}

func TestEventSequenceIsGapFree(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	id := createTask(t, s, "seed-students")
	_, _, err := s.Claim(ctx, id, "runner-a")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AppendEvent(ctx, id, "runner-a", "student_seeded", json.RawMessage(fmt.Sprintf(`{"index":%d}`, i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	_, err = s.Finish(ctx, id, "runner-a", Outcome{Status: taskDB.StatusCancelled})
	require.NoError(t, err)

	evs, err := s.EventsAfter(ctx, id, 0, 0)
	require.NoError(t, err)
	require.Len(t, evs, 22)
	for i, ev := range evs {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
	assertReplayMatchesRow(t, s, id)

	page, err := s.EventsAfter(ctx, id, 5, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, int64(6), page[0].Seq)

	last, err := s.LastEvents(ctx, id, 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, int64(21), last[0].Seq)
	assert.Equal(t, taskDB.EventCancelled, last[1].EventType)
}

func TestListTasks(t *testing.T) {
	s, clock := setupStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		taskType := "demo"
		if i%2 == 1 {
			taskType = "train"
		}
		ids = append(ids, createTask(t, s, taskType))
		clock.Advance(time.Second)
	}
	_, _, err := s.Claim(ctx, ids[4], "runner-a")
	require.NoError(t, err)

	all, err := s.ListTasks(ctx, ListFilter{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, ids[4], all[0].ID, "newest first")
	assert.Equal(t, ids[0], all[4].ID)

	limited, err := s.ListTasks(ctx, ListFilter{}, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	trains, err := s.ListTasks(ctx, ListFilter{Type: "train"}, 10)
	require.NoError(t, err)
	assert.Len(t, trains, 2)

	running, err := s.ListTasks(ctx, ListFilter{Status: taskDB.StatusRunning}, 10)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, ids[4], running[0].ID)

	none, err := s.ListTasks(ctx, ListFilter{UserID: "someone-else"}, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRequestCancel(t *testing.T) {
	s, clock := setupStore(t)
	ctx := context.Background()

	pending := createTask(t, s, "demo")
	task, ok, err := s.RequestCancel(ctx, pending, clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, task.CancelRequested)
	assert.Equal(t, taskDB.StatusPending, task.Status, "cancel only records the intent")

	running := createTask(t, s, "demo")
	_, _, err = s.Claim(ctx, running, "runner-a")
	require.NoError(t, err)
	_, ok, err = s.RequestCancel(ctx, running, clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	clock.Advance(time.Second)
	_, ok, err = s.RequestCancel(ctx, running, clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "repeating a cancel on a running task is accepted")

	// owner stopped heartbeating: nobody can observe the flag
	clock.Advance(2 * time.Minute)
	task, ok, err = s.RequestEarlyStop(ctx, running, clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, task.EarlyStopRequested)

	_, err = s.Finish(ctx, running, "runner-a", Outcome{Status: taskDB.StatusCancelled})
	require.NoError(t, err)
	before, err := s.GetTask(ctx, running)
	require.NoError(t, err)
	after, ok, err := s.RequestCancel(ctx, running, time.Time{})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt, "terminal task unchanged")

	_, _, err = s.RequestCancel(ctx, uuid.NewString(), time.Time{})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestHeartbeat(t *testing.T) {
	s, clock := setupStore(t)
	ctx := context.Background()

	a := createTask(t, s, "train")
	b := createTask(t, s, "train")
	other := createTask(t, s, "train")
	for _, id := range []string{a, b} {
		_, _, err := s.Claim(ctx, id, "runner-a")
		require.NoError(t, err)
	}
	_, _, err := s.Claim(ctx, other, "runner-b")
	require.NoError(t, err)

	_, ok, err := s.RequestEarlyStop(ctx, b, clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(10 * time.Second)
	res, err := s.Heartbeat(ctx, "runner-a", []string{a, b, other})
	require.NoError(t, err)
	assert.Equal(t, []Intent{{TaskID: b, EarlyStop: true}}, res.Intents)
	assert.Equal(t, []string{other}, res.Lost)

	task, err := s.GetTask(ctx, a)
	require.NoError(t, err)
	assert.True(t, task.LastHeartbeat.Equal(clock.Now()))

	task, err = s.GetTask(ctx, other)
	require.NoError(t, err)
	assert.False(t, task.LastHeartbeat.Equal(clock.Now()), "heartbeat only touches the runner's own rows")

	res, err = s.Heartbeat(ctx, "runner-a", nil)
	require.NoError(t, err)
	assert.Empty(t, res.Intents)
}

func TestSweepStale(t *testing.T) {
	s, clock := setupStore(t)
	ctx := context.Background()

	stale := createTask(t, s, "demo")
	fresh := createTask(t, s, "demo")
	pending := createTask(t, s, "demo")
	_, _, err := s.Claim(ctx, stale, "runner-dead")
	require.NoError(t, err)
	_, err = s.SetProgress(ctx, stale, "runner-dead", 40, "halfway")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, _, err = s.Claim(ctx, fresh, "runner-a")
	require.NoError(t, err)

	const reason = "runner lost: no heartbeat within 30s"
	swept, err := s.SweepStale(ctx, clock.Now().Add(-30*time.Second), reason)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, stale, swept[0].TaskID)
	assert.Equal(t, taskDB.EventFailed, swept[0].EventType)
	assert.Equal(t, int64(3), swept[0].Seq)

	task, err := s.GetTask(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, taskDB.StatusFailed, task.Status)
	assert.Equal(t, reason, task.Error)
	assert.Equal(t, 40, task.Progress)
	assertReplayMatchesRow(t, s, stale)

	for _, id := range []string{fresh, pending} {
		task, err := s.GetTask(ctx, id)
		require.NoError(t, err)
		assert.False(t, task.Status.IsTerminal())
	}

	// the dead runner's late write is rejected
	_, err = s.SetProgress(ctx, stale, "runner-dead", 50, "zombie")
	assert.ErrorIs(t, err, ErrNotRunning)

	again, err := s.SweepStale(ctx, clock.Now().Add(-30*time.Second), reason)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestSweepStale_RecoversUnclaimedPending(t *testing.T) {
	s, clock := setupStore(t)
	ctx := context.Background()

	dispatched := func() string {
		task := &taskDB.Task{ID: uuid.NewString(), Type: "demo", Input: datatypes.JSON(`{}`), RunnerID: "runner-dead"}
		require.NoError(t, s.CreateTask(ctx, task))
		require.NotNil(t, task.LastHeartbeat)
		return task.ID
	}
	queued := dispatched()
	cancelled := dispatched()
	kept := dispatched()
	unowned := createTask(t, s, "demo")

	_, ok, err := s.RequestCancel(ctx, cancelled, clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(time.Minute)
	res, err := s.Heartbeat(ctx, "runner-dead", []string{kept})
	require.NoError(t, err)
	assert.Empty(t, res.Lost, "a pending row counts as the dispatching runner's own")

	swept, err := s.SweepStale(ctx, clock.Now().Add(-30*time.Second), "runner lost: no heartbeat within 30s")
	require.NoError(t, err)
	got := map[string]string{}
	for _, ev := range swept {
		assert.Equal(t, int64(1), ev.Seq)
		got[ev.TaskID] = ev.EventType
	}
	assert.Equal(t, map[string]string{queued: taskDB.EventFailed, cancelled: taskDB.EventCancelled}, got)

	task, err := s.GetTask(ctx, cancelled)
	require.NoError(t, err)
	assert.Equal(t, taskDB.StatusCancelled, task.Status)
	assert.NotNil(t, task.CompletedAt)
	evs, err := s.EventsAfter(ctx, cancelled, 0, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	var payload events.CancelledPayload
	require.NoError(t, json.Unmarshal(evs[0].Payload, &payload))
	assert.Equal(t, events.CancelledPayload{Reason: CancelledBeforeStart, RunnerLost: true}, payload)

	for _, id := range []string{queued, cancelled} {
		assertReplayMatchesRow(t, s, id)
		_, _, err := s.Claim(ctx, id, "runner-late")
		assert.ErrorIs(t, err, ErrClaimLost, "a swept task cannot start")
	}
	for _, id := range []string{kept, unowned} {
		status, err := s.TaskStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, taskDB.StatusPending, status)
	}
}

func TestSweepStale_ConcurrentSweepersFailOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	sweepers := []*Store{openStore(t, path, clock), openStore(t, path, clock), openStore(t, path, clock)}
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		id := createTask(t, sweepers[0], "demo")
		_, _, err := sweepers[0].Claim(ctx, id, "runner-dead")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	clock.Advance(5 * time.Minute)

	var mu sync.Mutex
	total := 0
	var wg sync.WaitGroup
	for _, sw := range sweepers {
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(sw *Store) {
				defer wg.Done()
				swept, err := sw.SweepStale(ctx, clock.Now().Add(-time.Minute), "runner lost: no heartbeat within 1m0s")
				assert.NoError(t, err)
				mu.Lock()
				total += len(swept)
				mu.Unlock()
			}(sw)
		}
	}
	wg.Wait()
	assert.Equal(t, len(ids), total)

	for _, id := range ids {
		evs, err := sweepers[2].EventsAfter(ctx, id, 0, 0)
		require.NoError(t, err)
		require.Len(t, evs, 2)
		assert.Equal(t, taskDB.EventFailed, evs[1].EventType)
	}
}

func TestEventLog_FollowSource(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	id := createTask(t, s, "demo")
	_, _, err := s.Claim(ctx, id, "runner-a")
	require.NoError(t, err)
	_, err = s.Finish(ctx, id, "runner-a", Outcome{Status: taskDB.StatusFailed, Error: "boom"})
	require.NoError(t, err)

	hub := events.NewHub(4, nil)
	var got []string
	err = events.Follow(ctx, EventLog{Store: s}, hub, id, 0, func(ev events.Event) error {
		got = append(got, ev.Type)
		return nil
	}, events.FollowOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{taskDB.EventStarted, taskDB.EventFailed}, got)
}
