package jobs

import (
	"context"
	"encoding/json"

	"task-runner-service/internal/task-runner/executor"
)

const demoSchema = `{
	"type": "object",
	"properties": {"n": {"type": "integer", "minimum": 0, "maximum": 3037000499}},
	"required": ["n"]
}`

const demoOutputSchema = `{
	"type": "object",
	"properties": {"n": {"type": "integer"}, "result": {"type": "integer", "minimum": 0}},
	"required": ["n", "result"]
}`

type DemoOutput struct {
	N      int64 `json:"n"`
	Result int64 `json:"result"`
}

// Demo squares n, reporting progress at 33 and 66 on the way.
func Demo(ctx context.Context, h executor.Handle) error {
	var in struct {
		N int64 `json:"n"`
	}
	if err := json.Unmarshal(h.Input(), &in); err != nil {
		return err
	}
	if err := h.SetProgress(33, "step 1"); err != nil {
		return err
	}
	if h.IsCancelled() {
		return nil
	}
	result := in.N * in.N
	if err := h.SetProgress(66, "step 2"); err != nil {
		return err
	}
	if h.IsCancelled() {
		return nil
	}
	return h.Complete(DemoOutput{N: in.N, Result: result})
}
