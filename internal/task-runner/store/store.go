// Package store is the durable side of the task runner: the task table, its event log and
// the heartbeat/sweep queries. Every write that changes a task's lifecycle fields appends the
// matching event in the same transaction, so replaying the log always reproduces the row.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	taskDB "task-runner-service/internal/task-runner/db"
	"task-runner-service/internal/task-runner/events"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	// ErrClaimLost means the task was no longer pending when the claim ran.
	ErrClaimLost = errors.New("task already claimed")
	// ErrNotRunning means the task is not running under the calling runner anymore.
	ErrNotRunning = errors.New("task is not running on this runner")
)

const MaxListLimit = 100

type Store struct {
	DB    *gorm.DB
	clock clockwork.Clock
}

func New(gormDB *gorm.DB, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{DB: gormDB, clock: clock}
}

func (s *Store) now() time.Time { return s.clock.Now().UTC() }

// Migrate creates or updates the task tables.
func (s *Store) Migrate() error {
	if err := s.DB.AutoMigrate(taskDB.Models()...); err != nil {
		return fmt.Errorf("failed to migrate task tables: %w", err)
	}
	return nil
}

// CreateTask inserts a pending task. ID, Type and Input must be set by the caller. A RunnerID
// set by the caller marks the runner that dispatches the task: it heartbeats the pending row
// until the claim, and the sweep recovers the row if that stops.
func (s *Store) CreateTask(ctx context.Context, task *taskDB.Task) error {
	task.Status = taskDB.StatusPending
	task.CreatedAt = s.now()
	task.UpdatedAt = task.CreatedAt
	if task.RunnerID != "" {
		hb := task.CreatedAt
		task.LastHeartbeat = &hb
	}
	if err := s.DB.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask loads one task row.
func (s *Store) GetTask(ctx context.Context, id string) (*taskDB.Task, error) {
	return getTask(s.DB.WithContext(ctx), id)
}

func getTask(tx *gorm.DB, id string) (*taskDB.Task, error) {
	var task taskDB.Task
	if err := tx.First(&task, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to fetch task %s: %w", id, err)
	}
	return &task, nil
}

// TaskStatus returns only the status column.
func (s *Store) TaskStatus(ctx context.Context, id string) (taskDB.Status, error) {
	var tasks []taskDB.Task
	if err := s.DB.WithContext(ctx).Select("id", "status").Where("id = ?", id).Limit(1).Find(&tasks).Error; err != nil {
		return "", fmt.Errorf("failed to fetch status of task %s: %w", id, err)
	}
	if len(tasks) == 0 {
		return "", ErrTaskNotFound
	}
	return tasks[0].Status, nil
}

// ListFilter narrows ListTasks. Empty fields match everything.
type ListFilter struct {
	Type   string
	Status taskDB.Status
	UserID string
}

// ListTasks returns tasks newest first. limit is clamped to 1..MaxListLimit.
func (s *Store) ListTasks(ctx context.Context, filter ListFilter, limit int) ([]taskDB.Task, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	query := s.DB.WithContext(ctx).Model(&taskDB.Task{})
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	var tasks []taskDB.Task
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// Claim atomically moves a pending task to running under runnerID and appends the started
// event. Exactly one of several concurrent claims succeeds; the others get ErrClaimLost.
func (s *Store) Claim(ctx context.Context, id, runnerID string) (*taskDB.Task, taskDB.TaskEvent, error) {
	now := s.now()
	var task *taskDB.Task
	var ev taskDB.TaskEvent
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&taskDB.Task{}).
			Where("id = ? AND status = ?", id, taskDB.StatusPending).
			Updates(map[string]interface{}{
				"status":         taskDB.StatusRunning,
				"runner_id":      runnerID,
				"started_at":     now,
				"last_heartbeat": now,
				"event_seq":      gorm.Expr("event_seq + 1"),
				"updated_at":     now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to claim task %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			if _, err := getTask(tx, id); err != nil {
				return err
			}
			return ErrClaimLost
		}
		var err error
		if ev, err = appendEvent(tx, id, taskDB.EventStarted, events.StartedPayload{RunnerID: runnerID}, now); err != nil {
			return err
		}
		task, err = getTask(tx, id)
		return err
	})
	if err != nil {
		return nil, taskDB.TaskEvent{}, err
	}
	return task, ev, nil
}

// SetProgress records progress for a running task owned by runnerID.
func (s *Store) SetProgress(ctx context.Context, id, runnerID string, progress int, message string) (taskDB.TaskEvent, error) {
	now := s.now()
	return s.ownedWrite(ctx, id, runnerID, map[string]interface{}{
		"progress":         progress,
		"progress_message": message,
	}, taskDB.EventProgress, events.ProgressPayload{Progress: progress, Message: message}, now)
}

// AppendEvent appends a domain event for a running task owned by runnerID.
func (s *Store) AppendEvent(ctx context.Context, id, runnerID, eventType string, payload json.RawMessage) (taskDB.TaskEvent, error) {
	if taskDB.IsLifecycleEvent(eventType) {
		return taskDB.TaskEvent{}, fmt.Errorf("event type %q is reserved for lifecycle transitions", eventType)
	}
	return s.ownedWrite(ctx, id, runnerID, nil, eventType, payload, s.now())
}

// Outcome is the terminal result written by Finish.
type Outcome struct {
	Status taskDB.Status
	Output json.RawMessage // completed only
	Error  string          // failed only
	Reason string          // cancelled only, informational
}

// Finish moves a running task owned by runnerID into a terminal state together with its
// output or error, and appends the terminal event.
func (s *Store) Finish(ctx context.Context, id, runnerID string, out Outcome) (taskDB.TaskEvent, error) {
	now := s.now()
	fields := map[string]interface{}{
		"status":       out.Status,
		"completed_at": now,
	}
	var eventType string
	var payload interface{}
	switch out.Status {
	case taskDB.StatusCompleted:
		if len(out.Output) == 0 || string(out.Output) == "null" {
			return taskDB.TaskEvent{}, fmt.Errorf("task %s: completed output must not be null", id)
		}
		fields["output"] = datatypes.JSON(out.Output)
		eventType = taskDB.EventCompleted
	case taskDB.StatusFailed:
		fields["error"] = out.Error
		eventType = taskDB.EventFailed
		payload = events.FailedPayload{Error: out.Error}
	case taskDB.StatusCancelled:
		eventType = taskDB.EventCancelled
		payload = events.CancelledPayload{Reason: out.Reason}
	default:
		return taskDB.TaskEvent{}, fmt.Errorf("task %s: %q is not a terminal status", id, out.Status)
	}
	return s.ownedWrite(ctx, id, runnerID, fields, eventType, payload, now)
}

// ownedWrite applies fields and appends one event, guarded by runner ownership and status.
func (s *Store) ownedWrite(ctx context.Context, id, runnerID string, fields map[string]interface{},
	eventType string, payload interface{}, now time.Time) (taskDB.TaskEvent, error) {
	updates := map[string]interface{}{
		"event_seq":  gorm.Expr("event_seq + 1"),
		"updated_at": now,
	}
	for k, v := range fields {
		updates[k] = v
	}

	var ev taskDB.TaskEvent
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&taskDB.Task{}).
			Where("id = ? AND runner_id = ? AND status = ?", id, runnerID, taskDB.StatusRunning).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to update task %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			if _, err := getTask(tx, id); err != nil {
				return err
			}
			return ErrNotRunning
		}
		var err error
		ev, err = appendEvent(tx, id, eventType, payload, now)
		return err
	})
	return ev, err
}

// appendEvent inserts the event whose sequence number was just allocated by incrementing
// tasks.event_seq inside tx.
func appendEvent(tx *gorm.DB, taskID, eventType string, payload interface{}, now time.Time) (taskDB.TaskEvent, error) {
	var seq int64
	if err := tx.Model(&taskDB.Task{}).Select("event_seq").Where("id = ?", taskID).Row().Scan(&seq); err != nil {
		return taskDB.TaskEvent{}, fmt.Errorf("failed to read event sequence of task %s: %w", taskID, err)
	}

	ev := taskDB.TaskEvent{TaskID: taskID, Seq: seq, EventType: eventType, CreatedAt: now}
	if payload != nil {
		raw, ok := payload.(json.RawMessage)
		if !ok {
			var err error
			if raw, err = json.Marshal(payload); err != nil {
				return taskDB.TaskEvent{}, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
			}
		}
		if len(raw) > 0 {
			ev.Payload = datatypes.JSON(raw)
		}
	}
	if err := tx.Create(&ev).Error; err != nil {
		return taskDB.TaskEvent{}, fmt.Errorf("failed to append %s event to task %s: %w", eventType, taskID, err)
	}
	return ev, nil
}
