package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"

	"task-runner-service/internal/task-runner/executor"
)

type TaskTypeHandler struct {
	Types *executor.TypeRegistry
}

func NewTaskTypeHandler(types *executor.TypeRegistry) *TaskTypeHandler {
	return &TaskTypeHandler{Types: types}
}

type TaskTypeResponse struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Checkpointed bool            `json:"checkpointed"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

func toTypeResponse(t executor.TaskType) TaskTypeResponse {
	out := TaskTypeResponse{Name: t.Name, Description: t.Description, Checkpointed: t.Checkpointed}
	if t.InputSchema != "" {
		out.InputSchema = json.RawMessage(t.InputSchema)
	}
	if t.OutputSchema != "" {
		out.OutputSchema = json.RawMessage(t.OutputSchema)
	}
	return out
}

func (h *TaskTypeHandler) GetTaskTypes(ctx context.Context, c *app.RequestContext) {
	types := h.Types.List()
	out := make([]TaskTypeResponse, 0, len(types))
	for _, t := range types {
		out = append(out, toTypeResponse(t))
	}
	c.JSON(http.StatusOK, out)
}

func (h *TaskTypeHandler) GetTaskTypeByName(ctx context.Context, c *app.RequestContext) {
	t, ok := h.Types.Lookup(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, utils.H{"error": "Task type not found"})
		return
	}
	c.JSON(http.StatusOK, toTypeResponse(*t))
}
