package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"

	taskDB "task-runner-service/internal/task-runner/db"
	"task-runner-service/internal/task-runner/events"
	"task-runner-service/internal/task-runner/executor"
	"task-runner-service/internal/task-runner/store"
)

const (
	DefaultListLimit     = 20
	DefaultEventLimit    = 200
	DefaultMaxFieldBytes = 4096
	DefaultStreamPoll    = 2 * time.Second

	UserIDHeader = "X-User-ID"
)

type Options struct {
	// EventLimit is how many recent events GET /tasks/:id returns when the caller does not say.
	EventLimit int
	// MaxFieldBytes bounds string values in task input, output and event payloads.
	MaxFieldBytes int
	// StreamPoll is how often a stream re-reads the log and pings the client.
	StreamPoll time.Duration
}

type TaskHandler struct {
	Executor *executor.Executor
	Hub      *events.Hub
	opts     Options
}

func NewTaskHandler(exec *executor.Executor, hub *events.Hub, opts Options) *TaskHandler {
	if opts.EventLimit <= 0 {
		opts.EventLimit = DefaultEventLimit
	}
	if opts.MaxFieldBytes <= 0 {
		opts.MaxFieldBytes = DefaultMaxFieldBytes
	}
	if opts.StreamPoll <= 0 {
		opts.StreamPoll = DefaultStreamPoll
	}
	return &TaskHandler{Executor: exec, Hub: hub, opts: opts}
}

type CreateTaskRequest struct {
	Type  string          `json:"type"`
	Input json.RawMessage `json:"input"`
}

type TaskDetail struct {
	Task   taskDB.Task    `json:"task"`
	Events []events.Event `json:"events"`
}

type EventPage struct {
	Events []events.Event `json:"events"`
	// NextAfter is the sequence number to pass as after for the next page.
	NextAfter int64 `json:"next_after"`
}

func (h *TaskHandler) CreateTask(ctx context.Context, c *app.RequestContext) {
	var req CreateTaskRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
		return
	}
	if req.Type == "" {
		c.JSON(http.StatusBadRequest, utils.H{"error": "type is required"})
		return
	}

	id, err := h.Executor.Create(ctx, executor.CreateRequest{
		Type:   req.Type,
		Input:  req.Input,
		UserID: string(c.GetHeader(UserIDHeader)),
	})
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(http.StatusAccepted, utils.H{"task_id": id})
}

func (h *TaskHandler) GetTasks(ctx context.Context, c *app.RequestContext) {
	limit, err := intQuery(c, "limit", DefaultListLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": err.Error()})
		return
	}
	filter := store.ListFilter{
		Type:   c.Query("type"),
		Status: taskDB.Status(c.Query("status")),
		UserID: c.Query("user_id"),
	}
	if filter.Status != "" && !validStatus(filter.Status) {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Unknown status " + string(filter.Status)})
		return
	}

	tasks, err := h.Executor.List(ctx, filter, limit)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	if tasks == nil {
		tasks = []taskDB.Task{}
	}
	for i := range tasks {
		tasks[i] = elideTask(tasks[i], h.opts.MaxFieldBytes)
	}
	c.JSON(http.StatusOK, tasks)
}

func (h *TaskHandler) GetTaskByID(ctx context.Context, c *app.RequestContext) {
	limit, err := intQuery(c, "events", h.opts.EventLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": err.Error()})
		return
	}
	task, evs, err := h.Executor.Get(ctx, c.Param("id"), limit)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	for i := range evs {
		evs[i] = elideEvent(evs[i], h.opts.MaxFieldBytes)
	}
	c.JSON(http.StatusOK, TaskDetail{Task: elideTask(*task, h.opts.MaxFieldBytes), Events: evs})
}

func (h *TaskHandler) GetTaskEvents(ctx context.Context, c *app.RequestContext) {
	after, err := int64Query(c, "after", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": err.Error()})
		return
	}
	limit, err := intQuery(c, "limit", h.opts.EventLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": err.Error()})
		return
	}
	if limit <= 0 || limit > h.opts.EventLimit {
		limit = h.opts.EventLimit
	}

	evs, err := h.Executor.Events(ctx, c.Param("id"), after, limit)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	page := EventPage{Events: evs, NextAfter: after}
	for i := range page.Events {
		page.Events[i] = elideEvent(page.Events[i], h.opts.MaxFieldBytes)
		page.NextAfter = page.Events[i].Seq
	}
	c.JSON(http.StatusOK, page)
}

func (h *TaskHandler) CancelTask(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	ok, err := h.Executor.Cancel(ctx, id)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	if ok {
		hlog.CtxInfof(ctx, "API: cancel requested for task %s", id)
	}
	c.JSON(http.StatusOK, utils.H{"cancelled": ok})
}

func (h *TaskHandler) EarlyStopTask(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	ok, err := h.Executor.RequestEarlyStop(ctx, id)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	if ok {
		hlog.CtxInfof(ctx, "API: early stop requested for task %s", id)
	}
	c.JSON(http.StatusOK, utils.H{"stopped": ok})
}

// writeError maps executor errors onto status codes. Caller errors are 4xx.
func writeError(ctx context.Context, c *app.RequestContext, err error) {
	switch {
	case errors.Is(err, executor.ErrInvalidID),
		errors.Is(err, executor.ErrUnknownType),
		errors.Is(err, executor.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, utils.H{"error": err.Error()})
	case errors.Is(err, executor.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, utils.H{"error": "Task not found"})
	case errors.Is(err, executor.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, utils.H{"error": err.Error()})
	default:
		hlog.CtxErrorf(ctx, "API: %s %s failed: %v", c.Method(), c.Path(), err)
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Internal error: " + err.Error()})
	}
}

func validStatus(s taskDB.Status) bool {
	switch s {
	case taskDB.StatusPending, taskDB.StatusRunning, taskDB.StatusCompleted,
		taskDB.StatusFailed, taskDB.StatusCancelled:
		return true
	}
	return false
}

func intQuery(c *app.RequestContext, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s parameter %q", key, v)
	}
	return n, nil
}

func int64Query(c *app.RequestContext, key string, def int64) (int64, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s parameter %q", key, v)
	}
	return n, nil
}
