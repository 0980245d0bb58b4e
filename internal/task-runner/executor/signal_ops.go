package executor

import (
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	taskDB "task-runner-service/internal/task-runner/db"
	"task-runner-service/internal/task-runner/events"
	"task-runner-service/internal/task-runner/store"
)

// Cancel requests a hard cancel. It reports false, changing nothing, when the task is terminal
// or when it runs on a runner whose heartbeat went stale. An accepted request is persisted,
// then applied locally if the task lives here or routed to its owner otherwise.
func (e *Executor) Cancel(ctx context.Context, taskID string) (bool, error) {
	if err := validateID(taskID); err != nil {
		return false, err
	}
	task, ok, err := e.store.RequestCancel(ctx, taskID, e.staleBefore())
	if err != nil || !ok {
		return false, err
	}
	e.signal(ctx, task, events.SignalCancel)
	return true, nil
}

// RequestEarlyStop asks a checkpointed task to stop after its current checkpoint and complete
// with what it has. Tasks of other types report false.
func (e *Executor) RequestEarlyStop(ctx context.Context, taskID string) (bool, error) {
	if err := validateID(taskID); err != nil {
		return false, err
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if tt, ok := e.types.Lookup(task.Type); !ok || !tt.Checkpointed {
		return false, nil
	}
	task, ok, err := e.store.RequestEarlyStop(ctx, taskID, e.staleBefore())
	if err != nil || !ok {
		return false, err
	}
	e.signal(ctx, task, events.SignalEarlyStop)
	return true, nil
}

// staleBefore is the oldest owner heartbeat that still counts as alive. Without a liveness
// window every running owner is assumed alive.
func (e *Executor) staleBefore() time.Time {
	if e.opts.LivenessWindow <= 0 {
		return time.Time{}
	}
	return e.opts.Clock.Now().Add(-e.opts.LivenessWindow)
}

func (e *Executor) signal(ctx context.Context, task *taskDB.Task, kind events.SignalKind) {
	if e.ApplySignal(events.Signal{TaskID: task.ID, Kind: kind}) {
		e.opts.Metrics.Signal(string(kind), "local")
		return
	}
	// Not here. The owner also finds the persisted intent on its next heartbeat, and a
	// pending task picks it up when claimed.
	if e.router == nil || task.Status != taskDB.StatusRunning {
		e.opts.Metrics.Signal(string(kind), "persisted")
		return
	}
	err := e.router.Route(ctx, events.Signal{
		TaskID:   task.ID,
		Kind:     kind,
		RunnerID: task.RunnerID,
		Origin:   e.opts.RunnerID,
	})
	if err != nil {
		hlog.CtxWarnf(ctx, "Executor: routing %s for task %s to runner %s failed, relying on heartbeat: %v",
			kind, task.ID, task.RunnerID, err)
		e.opts.Metrics.Signal(string(kind), "persisted")
		return
	}
	e.opts.Metrics.Signal(string(kind), "routed")
}

// ApplySignal flips the local flag of a task registered in this process and reports whether
// it was found. Early-stop is ignored for types that are not checkpointed.
func (e *Executor) ApplySignal(sig events.Signal) bool {
	local, ok := e.signals.Lookup(sig.TaskID)
	if !ok {
		return false
	}
	switch sig.Kind {
	case events.SignalCancel:
		local.Cancel()
	case events.SignalEarlyStop:
		if local.checkpointed {
			local.RequestEarlyStop()
		}
	}
	return true
}

// LocalTaskIDs returns the ids of tasks this runner dispatched and not yet finished, including
// queued ones that still wait for a slot.
func (e *Executor) LocalTaskIDs() []string { return e.signals.IDs() }

// ApplyIntents applies intents read back by a heartbeat.
func (e *Executor) ApplyIntents(intents []store.Intent) {
	for _, in := range intents {
		if in.Cancel {
			e.ApplySignal(events.Signal{TaskID: in.TaskID, Kind: events.SignalCancel})
		}
		if in.EarlyStop {
			e.ApplySignal(events.Signal{TaskID: in.TaskID, Kind: events.SignalEarlyStop})
		}
	}
}

// Orphaned cancels the work context of local tasks the store no longer assigns to this runner.
// Their terminal state was already written elsewhere, so later handle calls fail.
func (e *Executor) Orphaned(ids []string) {
	for _, id := range ids {
		local, ok := e.signals.Lookup(id)
		if !ok || !local.claimed.Load() {
			continue
		}
		hlog.Warnf("Executor: task %s is no longer owned by runner %s, cancelling its work", id, e.opts.RunnerID)
		local.cancel()
	}
}
