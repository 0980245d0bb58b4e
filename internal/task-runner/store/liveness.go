package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"gorm.io/gorm"

	taskDB "task-runner-service/internal/task-runner/db"
	"task-runner-service/internal/task-runner/events"
)

// CancelledBeforeStart is the reason recorded for a pending task whose cancel was accepted but
// whose dispatching runner died before claiming it.
const CancelledBeforeStart = "cancelled before start: runner lost"

// RequestCancel persists the cancel intent of an active task. It reports false without changing
// anything when the task is terminal, or when it is running but its owner stopped heartbeating
// before staleBefore (nobody is left to observe the flag). The returned task is read after the
// update.
func (s *Store) RequestCancel(ctx context.Context, id string, staleBefore time.Time) (*taskDB.Task, bool, error) {
	return s.requestIntent(ctx, id, "cancel_requested", staleBefore)
}

// RequestEarlyStop is RequestCancel for the early-stop intent.
func (s *Store) RequestEarlyStop(ctx context.Context, id string, staleBefore time.Time) (*taskDB.Task, bool, error) {
	return s.requestIntent(ctx, id, "early_stop_requested", staleBefore)
}

func (s *Store) requestIntent(ctx context.Context, id, column string, staleBefore time.Time) (*taskDB.Task, bool, error) {
	res := s.DB.WithContext(ctx).Model(&taskDB.Task{}).
		Where("id = ?", id).
		Where("status = ? OR (status = ? AND last_heartbeat >= ?)",
			taskDB.StatusPending, taskDB.StatusRunning, staleBefore.UTC()).
		Updates(map[string]interface{}{
			column:       true,
			"updated_at": s.now(),
		})
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to set %s on task %s: %w", column, id, res.Error)
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return task, res.RowsAffected > 0, nil
}

// Intent is the persisted signal state of one task as seen by its owner.
type Intent struct {
	TaskID    string
	Cancel    bool
	EarlyStop bool
}

// HeartbeatResult is what the owner learns from one heartbeat.
type HeartbeatResult struct {
	// Intents lists the requested signals of tasks still running under the runner.
	Intents []Intent
	// Lost lists ids the runner believes it runs but the store no longer assigns to it,
	// typically because a sweep failed them.
	Lost []string
}

// Heartbeat refreshes last_heartbeat for the given tasks of runnerID in one update and reads
// back their persisted intent flags. Pending rows dispatched by runnerID count as its own.
func (s *Store) Heartbeat(ctx context.Context, runnerID string, ids []string) (HeartbeatResult, error) {
	var result HeartbeatResult
	if len(ids) == 0 {
		return result, nil
	}
	now := s.now()
	err := s.DB.WithContext(ctx).Model(&taskDB.Task{}).
		Where("id IN ? AND runner_id = ? AND status IN ?", ids, runnerID, taskDB.ActiveStatuses).
		Update("last_heartbeat", now).Error
	if err != nil {
		return result, fmt.Errorf("failed to refresh heartbeat of runner %s: %w", runnerID, err)
	}

	var rows []taskDB.Task
	err = s.DB.WithContext(ctx).
		Select("id", "status", "runner_id", "cancel_requested", "early_stop_requested").
		Where("id IN ?", ids).
		Find(&rows).Error
	if err != nil {
		return result, fmt.Errorf("failed to read intents of runner %s: %w", runnerID, err)
	}

	owned := make(map[string]bool, len(rows))
	for _, row := range rows {
		if row.Status.IsTerminal() || row.RunnerID != runnerID {
			continue
		}
		owned[row.ID] = true
		if row.CancelRequested || row.EarlyStopRequested {
			result.Intents = append(result.Intents, Intent{
				TaskID:    row.ID,
				Cancel:    row.CancelRequested,
				EarlyStop: row.EarlyStopRequested,
			})
		}
	}
	for _, id := range ids {
		if !owned[id] {
			result.Lost = append(result.Lost, id)
		}
	}
	return result, nil
}

// staleCond matches rows whose owner stopped heartbeating before the cutoff: running tasks and
// pending tasks that a runner dispatched but never claimed. Unowned pending rows wait for Execute.
const staleCond = "(status = ? OR (status = ? AND runner_id <> '')) AND (last_heartbeat < ? OR last_heartbeat IS NULL)"

// SweepStale ends every task whose owner's last heartbeat is older than cutoff and returns the
// terminal events it appended. Running tasks and unclaimed pending ones fail with reason; a
// pending task whose cancel was already accepted is cancelled instead. Each candidate is
// handled in its own conditional transaction, so concurrent sweeps from several runners end a
// task exactly once.
func (s *Store) SweepStale(ctx context.Context, cutoff time.Time, reason string) ([]taskDB.TaskEvent, error) {
	cutoff = cutoff.UTC()
	var ids []string
	err := s.DB.WithContext(ctx).Model(&taskDB.Task{}).
		Where(staleCond, taskDB.StatusRunning, taskDB.StatusPending, cutoff).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find stale tasks: %w", err)
	}

	var swept []taskDB.TaskEvent
	var errs []error
	for _, id := range ids {
		ev, ok, err := s.endStale(ctx, id, cutoff, reason)
		if err != nil {
			hlog.Errorf("Store: failed to sweep task %s: %v", id, err)
			errs = append(errs, err)
			continue
		}
		if ok {
			swept = append(swept, ev)
		}
	}
	return swept, errors.Join(errs...)
}

func (s *Store) endStale(ctx context.Context, id string, cutoff time.Time, reason string) (taskDB.TaskEvent, bool, error) {
	now := s.now()
	var ev taskDB.TaskEvent
	var ok bool
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := getTask(tx, id)
		if err != nil {
			return err
		}
		fields := map[string]interface{}{
			"completed_at": now,
			"event_seq":    gorm.Expr("event_seq + 1"),
			"updated_at":   now,
		}
		eventType := taskDB.EventFailed
		var payload interface{} = events.FailedPayload{Error: reason, RunnerLost: true}
		if task.Status == taskDB.StatusPending && task.CancelRequested {
			fields["status"] = taskDB.StatusCancelled
			eventType = taskDB.EventCancelled
			payload = events.CancelledPayload{Reason: CancelledBeforeStart, RunnerLost: true}
		} else {
			fields["status"] = taskDB.StatusFailed
			fields["error"] = reason
		}

		// status and runner_id pin the row to what was just read; a claim or finish in between wins
		res := tx.Model(&taskDB.Task{}).
			Where("id = ? AND status = ? AND runner_id = ?", id, task.Status, task.RunnerID).
			Where(staleCond, taskDB.StatusRunning, taskDB.StatusPending, cutoff).
			Updates(fields)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// finished, claimed, heartbeated or swept by someone else in the meantime
			return nil
		}
		ev, err = appendEvent(tx, id, eventType, payload, now)
		ok = err == nil
		return err
	})
	return ev, ok, err
}
