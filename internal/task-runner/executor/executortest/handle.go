// Package executortest provides a Handle for testing work functions without a store.
package executortest

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	taskDB "task-runner-service/internal/task-runner/db"
	"task-runner-service/internal/task-runner/executor"
)

// Event is one recorded Emit call.
type Event struct {
	Type    string
	Payload json.RawMessage
}

// Progress is one recorded SetProgress call.
type Progress struct {
	Percent int
	Message string
}

// Handle records every call made by a work function. It enforces the same rules as the real
// handle so tests catch protocol mistakes.
type Handle struct {
	ID        string
	InputJSON json.RawMessage

	cancelled atomic.Bool
	earlyStop atomic.Bool

	mu             sync.Mutex
	events         []Event
	progress       []Progress
	output         json.RawMessage
	completed      bool
	cancelObserved bool
	// OnProgress, when set, runs after each accepted SetProgress. Tests use it to fire signals
	// at a precise point of the work.
	OnProgress func(p Progress)
}

var _ executor.Handle = (*Handle)(nil)

// New returns a Handle whose input is v encoded as JSON.
func New(v any) *Handle {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("executortest: encode input: %v", err))
	}
	return &Handle{ID: "test-task", InputJSON: raw}
}

func (h *Handle) TaskID() string         { return h.ID }
func (h *Handle) Input() json.RawMessage { return h.InputJSON }

// Cancel and RequestEarlyStop flip the flags a work function polls.
func (h *Handle) Cancel()           { h.cancelled.Store(true) }
func (h *Handle) RequestEarlyStop() { h.earlyStop.Store(true) }

func (h *Handle) IsCancelled() bool {
	if !h.cancelled.Load() {
		return false
	}
	h.mu.Lock()
	h.cancelObserved = true
	h.mu.Unlock()
	return true
}

func (h *Handle) EarlyStopRequested() bool { return h.earlyStop.Load() }

func (h *Handle) Emit(eventType string, payload any) error {
	if eventType == "" || taskDB.IsLifecycleEvent(eventType) {
		return executor.ErrReservedEventType
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.completed {
		return executor.ErrTaskFinished
	}
	h.events = append(h.events, Event{Type: eventType, Payload: raw})
	return nil
}

func (h *Handle) SetProgress(percent int, message string) error {
	if percent < 0 || percent > 100 {
		return executor.ErrInvalidProgress
	}
	h.mu.Lock()
	if h.completed {
		h.mu.Unlock()
		return executor.ErrTaskFinished
	}
	p := Progress{Percent: percent, Message: message}
	h.progress = append(h.progress, p)
	hook := h.OnProgress
	h.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

func (h *Handle) Complete(output any) error {
	raw, err := json.Marshal(output)
	if err != nil {
		return err
	}
	if string(raw) == "null" {
		return executor.ErrNilOutput
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.completed:
		return executor.ErrTaskFinished
	case h.cancelObserved:
		return executor.ErrCancelObserved
	}
	h.completed = true
	h.output = raw
	return nil
}

// Events returns the recorded domain events.
func (h *Handle) Events() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

// EventsOfType returns the recorded events of one type.
func (h *Handle) EventsOfType(eventType string) []Event {
	var out []Event
	for _, ev := range h.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Handle) Progress() []Progress {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Progress(nil), h.progress...)
}

// Output returns the completed output, or nil when Complete was not called.
func (h *Handle) Output() json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.output
}

func (h *Handle) Completed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completed
}

// DecodeOutput unmarshals the completed output into v.
func (h *Handle) DecodeOutput(v any) error {
	out := h.Output()
	if out == nil {
		return fmt.Errorf("executortest: task was not completed")
	}
	return json.Unmarshal(out, v)
}
