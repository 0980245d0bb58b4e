package executor

import (
	"context"

	taskDB "task-runner-service/internal/task-runner/db"
	"task-runner-service/internal/task-runner/events"
	"task-runner-service/internal/task-runner/store"
)

// Get returns the task row and its newest eventLimit events in sequence order.
func (e *Executor) Get(ctx context.Context, taskID string, eventLimit int) (*taskDB.Task, []events.Event, error) {
	if err := validateID(taskID); err != nil {
		return nil, nil, err
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	evs, err := e.store.LastEvents(ctx, taskID, eventLimit)
	if err != nil {
		return nil, nil, err
	}
	return task, events.FromModels(evs, ""), nil
}

// List returns tasks newest first, without events.
func (e *Executor) List(ctx context.Context, filter store.ListFilter, limit int) ([]taskDB.Task, error) {
	return e.store.ListTasks(ctx, filter, limit)
}

// Events returns up to limit events after afterSeq, for replay after a reconnect.
func (e *Executor) Events(ctx context.Context, taskID string, afterSeq int64, limit int) ([]events.Event, error) {
	if err := validateID(taskID); err != nil {
		return nil, err
	}
	if _, err := e.store.TaskStatus(ctx, taskID); err != nil {
		return nil, err
	}
	evs, err := e.store.EventsAfter(ctx, taskID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	return events.FromModels(evs, ""), nil
}

// Log returns the store as a replay source for events.Follow.
func (e *Executor) Log() events.LogSource { return store.EventLog{Store: e.store} }
