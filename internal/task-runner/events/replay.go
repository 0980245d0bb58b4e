package events

import (
	"encoding/json"
	"fmt"

	"task-runner-service/internal/task-runner/db"
)

// State is the part of a task row that the lifecycle events determine.
type State struct {
	Status          db.Status
	Progress        int
	ProgressMessage string
}

// Fold replays an ordered log and returns the state it implies. Domain events are skipped.
// It fails on a sequence gap or on any lifecycle event after a terminal one.
func Fold(log []Event) (State, error) {
	st := State{Status: db.StatusPending}
	var last int64
	for _, ev := range log {
		if ev.Seq != last+1 {
			return st, fmt.Errorf("sequence gap in task %s: %d follows %d", ev.TaskID, ev.Seq, last)
		}
		last = ev.Seq
		if !db.IsLifecycleEvent(ev.Type) {
			continue
		}
		if st.Status.IsTerminal() {
			return st, fmt.Errorf("lifecycle event %q (seq %d) after terminal status %s", ev.Type, ev.Seq, st.Status)
		}
		switch ev.Type {
		case db.EventStarted:
			st.Status = db.StatusRunning
		case db.EventProgress:
			var p ProgressPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return st, fmt.Errorf("decode progress payload at seq %d: %w", ev.Seq, err)
			}
			st.Progress = p.Progress
			st.ProgressMessage = p.Message
		case db.EventCompleted:
			st.Status = db.StatusCompleted
		case db.EventFailed:
			st.Status = db.StatusFailed
		case db.EventCancelled:
			st.Status = db.StatusCancelled
		}
	}
	return st, nil
}

// StateOf returns the replay-relevant fields of a row.
func StateOf(t *db.Task) State {
	return State{Status: t.Status, Progress: t.Progress, ProgressMessage: t.ProgressMessage}
}
