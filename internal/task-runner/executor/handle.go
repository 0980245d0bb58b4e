package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	taskDB "task-runner-service/internal/task-runner/db"
	"task-runner-service/internal/task-runner/store"
)

// Handle is what a work function gets to report on its task.
type Handle interface {
	TaskID() string
	// Input is the task input exactly as submitted.
	Input() json.RawMessage
	// Emit appends a domain event. Lifecycle event types are rejected.
	Emit(eventType string, payload any) error
	// SetProgress records percent (0..100) and a status line. The last value wins.
	SetProgress(percent int, message string) error
	// IsCancelled reports whether a hard cancel was requested. Once it returned true the
	// task can no longer complete.
	IsCancelled() bool
	// EarlyStopRequested reports whether the work function should stop after its current checkpoint.
	EarlyStopRequested() bool
	// Complete is the only way to reach completed. It fails on a second call and on output
	// that does not match the type's output schema.
	Complete(output any) error
}

// WorkFunc is the body of a task. ctx is cancelled on hard cancel and on forced shutdown.
// Returning without Complete fails the task, or cancels it if cancellation was requested.
type WorkFunc func(ctx context.Context, h Handle) error

// taskHandle serializes its calls so events reach the hub in commit order.
type taskHandle struct {
	e      *Executor
	id     string
	input  json.RawMessage
	signal *Signal
	tt     *TaskType

	mu             sync.Mutex
	cancelObserved bool
	completed      bool
	finished       bool
}

var _ Handle = (*taskHandle)(nil)

func newHandle(e *Executor, task *taskDB.Task, tt *TaskType, signal *Signal) *taskHandle {
	return &taskHandle{e: e, id: task.ID, input: json.RawMessage(task.Input), signal: signal, tt: tt}
}

func (h *taskHandle) TaskID() string         { return h.id }
func (h *taskHandle) Input() json.RawMessage { return h.input }

func (h *taskHandle) IsCancelled() bool {
	if !h.signal.IsCancelled() {
		return false
	}
	h.mu.Lock()
	h.cancelObserved = true
	h.mu.Unlock()
	return true
}

func (h *taskHandle) EarlyStopRequested() bool { return h.signal.EarlyStopRequested() }

func (h *taskHandle) Emit(eventType string, payload any) error {
	if eventType == "" || taskDB.IsLifecycleEvent(eventType) {
		return fmt.Errorf("%w: %q", ErrReservedEventType, eventType)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.completed || h.finished {
		return ErrTaskFinished
	}
	ev, err := h.e.store.AppendEvent(context.Background(), h.id, h.e.opts.RunnerID, eventType, raw)
	if err != nil {
		return err
	}
	h.e.publish(ev)
	return nil
}

func (h *taskHandle) SetProgress(percent int, message string) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("%w: got %d", ErrInvalidProgress, percent)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.completed || h.finished {
		return ErrTaskFinished
	}
	ev, err := h.e.store.SetProgress(context.Background(), h.id, h.e.opts.RunnerID, percent, message)
	if err != nil {
		return err
	}
	h.e.publish(ev)
	return nil
}

func (h *taskHandle) Complete(output any) error {
	raw, err := encodePayload(output)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return ErrNilOutput
	}
	if err := h.tt.ValidateOutput(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.completed || h.finished:
		return ErrTaskFinished
	case h.cancelObserved:
		return ErrCancelObserved
	}
	ev, err := h.e.store.Finish(context.Background(), h.id, h.e.opts.RunnerID, store.Outcome{
		Status: taskDB.StatusCompleted,
		Output: raw,
	})
	if err != nil {
		return err
	}
	h.completed = true
	h.e.publish(ev)
	return nil
}

// close marks the handle finished once the work function returned and reports whether
// Complete succeeded. Later calls from stray goroutines get ErrTaskFinished.
func (h *taskHandle) close() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = true
	return h.completed
}

func encodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) > 0 && !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	case []byte:
		if len(p) > 0 && !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	}
	return json.Marshal(v)
}
