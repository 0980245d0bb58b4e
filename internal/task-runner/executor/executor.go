// Package executor runs task work functions: it persists a task, claims it for this runner,
// hands the work function a Handle and guarantees a terminal state when the function returns.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"
	"gorm.io/datatypes"

	taskDB "task-runner-service/internal/task-runner/db"
	"task-runner-service/internal/task-runner/events"
	"task-runner-service/internal/task-runner/metrics"
	"task-runner-service/internal/task-runner/store"
)

const (
	// ReturnedWithoutCompleting is the error text of a work function that returned nil without Complete.
	ReturnedWithoutCompleting = "work function returned without completing the task"
	cancelReason              = "cancel requested"
)

// SignalRouter delivers a signal to the runner that owns the task.
type SignalRouter interface {
	Route(ctx context.Context, sig events.Signal) error
}

type Options struct {
	RunnerID string
	// MaxConcurrent bounds running work functions. 0 means unbounded.
	MaxConcurrent int64
	// LivenessWindow is how old an owner's heartbeat may be for a signal to still be accepted.
	LivenessWindow time.Duration
	Clock          clockwork.Clock
	Metrics        *metrics.Collector
}

// CreateRequest describes a new task. Work falls back to the type's default work function.
type CreateRequest struct {
	Type   string
	Input  json.RawMessage
	UserID string
	Work   WorkFunc
}

type Executor struct {
	store   *store.Store
	types   *TypeRegistry
	signals *SignalRegistry
	hub     events.Publisher
	router  SignalRouter
	opts    Options
	sem     *semaphore.Weighted

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func New(st *store.Store, types *TypeRegistry, hub events.Publisher, opts Options) *Executor {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.RunnerID == "" {
		opts.RunnerID = uuid.NewString()
	}
	e := &Executor{
		store:   st,
		types:   types,
		signals: NewSignalRegistry(),
		hub:     hub,
		opts:    opts,
	}
	if opts.MaxConcurrent > 0 {
		e.sem = semaphore.NewWeighted(opts.MaxConcurrent)
	}
	e.baseCtx, e.stop = context.WithCancel(context.Background())
	return e
}

// SetSignalRouter installs the cross-runner signal path. Without one, other runners pick up
// persisted intents on their next heartbeat.
func (e *Executor) SetSignalRouter(r SignalRouter) { e.router = r }

func (e *Executor) RunnerID() string { return e.opts.RunnerID }

func (e *Executor) Types() *TypeRegistry { return e.types }

func (e *Executor) Signals() *SignalRegistry { return e.signals }

// Create validates and persists a pending task, schedules its work function and returns the
// task id without waiting for the work to start.
func (e *Executor) Create(ctx context.Context, req CreateRequest) (string, error) {
	tt, ok := e.types.Lookup(req.Type)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, req.Type)
	}
	input := req.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := tt.ValidateInput(input); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	work := req.Work
	if work == nil {
		work = tt.Work
	}
	if work == nil {
		return "", fmt.Errorf("%w: %s", ErrNoWorkFunc, tt.Name)
	}

	if !e.begin() {
		return "", ErrShuttingDown
	}
	// RunnerID lets the sweep recover the row if this runner dies before claiming it.
	task := &taskDB.Task{
		ID:       uuid.NewString(),
		Type:     tt.Name,
		Input:    datatypes.JSON(input),
		UserID:   req.UserID,
		RunnerID: e.opts.RunnerID,
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		e.wg.Done()
		return "", err
	}
	sig, _ := e.signals.Register(e.baseCtx, task.ID, tt.Checkpointed)
	e.opts.Metrics.TaskCreated(tt.Name)
	hlog.CtxInfof(ctx, "Executor: created task %s of type %s", task.ID, tt.Name)

	go e.dispatch(task.ID, tt, work, sig)
	return task.ID, nil
}

// Execute adopts an already persisted pending task. The claim happens before Execute returns,
// so a task dispatched twice runs at most once: the loser gets ErrClaimLost.
func (e *Executor) Execute(ctx context.Context, taskID string, work WorkFunc) error {
	if err := validateID(taskID); err != nil {
		return err
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	tt, ok := e.types.Lookup(task.Type)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, task.Type)
	}
	if work == nil {
		work = tt.Work
	}
	if work == nil {
		return fmt.Errorf("%w: %s", ErrNoWorkFunc, tt.Name)
	}

	sig, fresh := e.signals.Register(e.baseCtx, taskID, tt.Checkpointed)
	if !fresh {
		e.opts.Metrics.ClaimConflict()
		return ErrClaimLost
	}
	if !e.begin() {
		e.signals.Unregister(taskID)
		return ErrShuttingDown
	}
	if err := e.acquire(ctx); err != nil {
		e.signals.Unregister(taskID)
		e.wg.Done()
		return err
	}
	claimed, err := e.claim(taskID, tt, sig)
	if err != nil {
		e.release()
		e.signals.Unregister(taskID)
		e.wg.Done()
		return err
	}
	go func() {
		defer e.wg.Done()
		defer e.release()
		e.run(claimed, tt, work, sig)
	}()
	return nil
}

// begin registers one unit of in-flight work unless the executor is shutting down.
func (e *Executor) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return false
	}
	e.wg.Add(1)
	return true
}

func (e *Executor) acquire(ctx context.Context) error {
	if e.sem == nil {
		return nil
	}
	return e.sem.Acquire(ctx, 1)
}

func (e *Executor) release() {
	if e.sem != nil {
		e.sem.Release(1)
	}
}

func (e *Executor) dispatch(taskID string, tt *TaskType, work WorkFunc, sig *Signal) {
	defer e.wg.Done()
	// Queued tasks stay pending until a slot frees up.
	if err := e.acquire(e.baseCtx); err != nil {
		hlog.Warnf("Executor: task %s not started, executor stopped while it was queued", taskID)
		e.signals.Unregister(taskID)
		return
	}
	defer e.release()
	if e.baseCtx.Err() != nil {
		// got a slot freed by a task the shutdown cancelled
		hlog.Warnf("Executor: task %s not started, executor stopped while it was queued", taskID)
		e.signals.Unregister(taskID)
		return
	}

	task, err := e.claim(taskID, tt, sig)
	if err != nil {
		hlog.Warnf("Executor: task %s not started: %v", taskID, err)
		e.signals.Unregister(taskID)
		return
	}
	e.run(task, tt, work, sig)
}

// claim moves the row to running under this runner and applies intents persisted while the
// task was pending.
func (e *Executor) claim(taskID string, tt *TaskType, sig *Signal) (*taskDB.Task, error) {
	task, ev, err := e.store.Claim(context.Background(), taskID, e.opts.RunnerID)
	if err != nil {
		if errors.Is(err, store.ErrClaimLost) {
			e.opts.Metrics.ClaimConflict()
		}
		return nil, err
	}
	sig.claimed.Store(true)
	if task.CancelRequested {
		sig.Cancel()
	}
	if task.EarlyStopRequested && tt.Checkpointed {
		sig.RequestEarlyStop()
	}
	e.opts.Metrics.TaskStarted()
	e.publish(ev)
	return task, nil
}

func (e *Executor) run(task *taskDB.Task, tt *TaskType, work WorkFunc, sig *Signal) {
	start := e.opts.Clock.Now()
	h := newHandle(e, task, tt, sig)
	workErr := invoke(sig.Context(), work, h)
	status := e.finalize(h, workErr)
	e.signals.Unregister(task.ID)
	e.opts.Metrics.TaskFinished(tt.Name, status, e.opts.Clock.Since(start))
	hlog.Infof("Executor: task %s (%s) finished as %s", task.ID, tt.Name, status)
}

func invoke(ctx context.Context, work WorkFunc, h Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			hlog.Errorf("Executor: work function of task %s panicked: %v\n%s", h.TaskID(), r, debug.Stack())
			err = fmt.Errorf("work function panicked: %v", r)
		}
	}()
	return work(ctx, h)
}

// finalize writes the terminal state of a work function that returned without completing.
func (e *Executor) finalize(h *taskHandle, workErr error) taskDB.Status {
	if h.close() {
		return taskDB.StatusCompleted
	}

	var out store.Outcome
	switch {
	case h.signal.IsCancelled():
		out = store.Outcome{Status: taskDB.StatusCancelled, Reason: cancelReason}
	case workErr != nil:
		out = store.Outcome{Status: taskDB.StatusFailed, Error: workErr.Error()}
	default:
		out = store.Outcome{Status: taskDB.StatusFailed, Error: ReturnedWithoutCompleting}
	}

	ev, err := e.store.Finish(context.Background(), h.id, e.opts.RunnerID, out)
	if err != nil {
		// Typically the sweep already failed the task because heartbeats stopped.
		hlog.Warnf("Executor: could not record %s for task %s: %v", out.Status, h.id, err)
		if status, serr := e.store.TaskStatus(context.Background(), h.id); serr == nil {
			return status
		}
		return out.Status
	}
	e.publish(ev)
	return out.Status
}

func (e *Executor) publish(ev taskDB.TaskEvent) {
	e.opts.Metrics.EventAppended(ev.EventType)
	if e.hub != nil {
		e.hub.Publish(events.FromModel(ev, e.opts.RunnerID))
	}
}

// Shutdown stops accepting tasks and waits for running work functions. When ctx ends first,
// work contexts are cancelled and queued tasks are dropped. Their rows stay pending under this
// runner id and a later sweep on any runner ends them once heartbeats stop.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.stop()
		return nil
	case <-ctx.Done():
		hlog.Warnf("Executor: shutdown deadline reached with %d tasks still registered, cancelling them", e.signals.Len())
		e.stop()
		return ctx.Err()
	}
}

func validateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
