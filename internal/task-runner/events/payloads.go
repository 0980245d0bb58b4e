package events

import (
	"encoding/json"
	"time"

	"task-runner-service/internal/task-runner/db"
)

// Event is a committed log entry as delivered to subscribers and relayed between runners.
type Event struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"task_id"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Origin    string          `json:"-"` // runner that committed the event
}

// IsTerminal reports whether the event closes the task's lifecycle.
func (e Event) IsTerminal() bool {
	return e.Type == db.EventCompleted || e.Type == db.EventFailed || e.Type == db.EventCancelled
}

// FromModel converts a stored row into an Event.
func FromModel(m db.TaskEvent, origin string) Event {
	var payload json.RawMessage
	if len(m.Payload) > 0 {
		payload = json.RawMessage(m.Payload)
	}
	return Event{
		ID:        m.ID,
		TaskID:    m.TaskID,
		Seq:       m.Seq,
		Type:      m.EventType,
		Payload:   payload,
		CreatedAt: m.CreatedAt,
		Origin:    origin,
	}
}

// FromModels converts rows in order.
func FromModels(ms []db.TaskEvent, origin string) []Event {
	out := make([]Event, 0, len(ms))
	for _, m := range ms {
		out = append(out, FromModel(m, origin))
	}
	return out
}

// StartedPayload is recorded when a runner claims a task.
type StartedPayload struct {
	RunnerID string `json:"runner_id"`
}

// ProgressPayload is recorded by SetProgress.
type ProgressPayload struct {
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}

// FailedPayload is recorded on failure, including runner loss.
type FailedPayload struct {
	Error      string `json:"error"`
	RunnerLost bool   `json:"runner_lost,omitempty"`
}

// CancelledPayload is recorded when a work function exits after observing cancellation, or
// when the sweep ends a pending task whose cancel was accepted.
type CancelledPayload struct {
	Reason     string `json:"reason,omitempty"`
	RunnerLost bool   `json:"runner_lost,omitempty"`
}

// SignalKind distinguishes the two cooperative stop signals.
type SignalKind string

const (
	SignalCancel    SignalKind = "cancel"
	SignalEarlyStop SignalKind = "early_stop"
)

// Signal asks the runner that owns TaskID to flip a local flag.
type Signal struct {
	TaskID   string     `json:"task_id"`
	Kind     SignalKind `json:"kind"`
	RunnerID string     `json:"runner_id,omitempty"` // owner at the time of the request, empty while pending
	Origin   string     `json:"origin"`
}
