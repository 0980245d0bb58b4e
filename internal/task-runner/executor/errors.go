package executor

import (
	"errors"

	"task-runner-service/internal/task-runner/store"
)

// Caller errors, returned synchronously before anything is persisted.
var (
	ErrUnknownType  = errors.New("unknown task type")
	ErrInvalidInput = errors.New("invalid task input")
	ErrInvalidID    = errors.New("invalid task id")
	ErrNoWorkFunc   = errors.New("no work function for task type")
	ErrShuttingDown = errors.New("executor is shutting down")
)

var (
	ErrTaskNotFound = store.ErrTaskNotFound
	ErrClaimLost    = store.ErrClaimLost
	ErrNotRunning   = store.ErrNotRunning
)

// Handle errors. They reject the call and leave the task untouched.
var (
	ErrTaskFinished      = errors.New("task already finished")
	ErrCancelObserved    = errors.New("cancellation was observed, task cannot complete")
	ErrInvalidProgress   = errors.New("progress must be between 0 and 100")
	ErrReservedEventType = errors.New("event type is reserved for lifecycle transitions")
	ErrNilOutput         = errors.New("completed output must not be null")
	ErrInvalidOutput     = errors.New("invalid task output")
)
