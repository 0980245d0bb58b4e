package store

import (
	"context"
	"fmt"

	taskDB "task-runner-service/internal/task-runner/db"
	"task-runner-service/internal/task-runner/events"
)

// EventsAfter returns up to limit events of taskID with seq > afterSeq in sequence order.
func (s *Store) EventsAfter(ctx context.Context, taskID string, afterSeq int64, limit int) ([]taskDB.TaskEvent, error) {
	query := s.DB.WithContext(ctx).
		Where("task_id = ? AND seq > ?", taskID, afterSeq).
		Order("seq ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var evs []taskDB.TaskEvent
	if err := query.Find(&evs).Error; err != nil {
		return nil, fmt.Errorf("failed to read events of task %s: %w", taskID, err)
	}
	return evs, nil
}

// LastEvents returns the newest limit events of taskID, oldest first.
func (s *Store) LastEvents(ctx context.Context, taskID string, limit int) ([]taskDB.TaskEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	var evs []taskDB.TaskEvent
	err := s.DB.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("seq DESC").
		Limit(limit).
		Find(&evs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read events of task %s: %w", taskID, err)
	}
	for i, j := 0, len(evs)-1; i < j; i, j = i+1, j-1 {
		evs[i], evs[j] = evs[j], evs[i]
	}
	return evs, nil
}

// EventLog exposes the store as the durable side of events.Follow.
type EventLog struct {
	Store *Store
}

var _ events.LogSource = EventLog{}

func (l EventLog) EventsAfter(ctx context.Context, taskID string, afterSeq int64, limit int) ([]events.Event, error) {
	evs, err := l.Store.EventsAfter(ctx, taskID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	return events.FromModels(evs, ""), nil
}

func (l EventLog) TaskStatus(ctx context.Context, taskID string) (taskDB.Status, error) {
	return l.Store.TaskStatus(ctx, taskID)
}
