package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	"task-runner-service/internal/task-runner/executor"
)

const echoSchema = `{
	"type": "object",
	"properties": {
		"message": {},
		"delay_ms": {"type": "integer", "minimum": 0, "maximum": 600000}
	}
}`

type EchoOutput struct {
	Echo json.RawMessage `json:"echo"`
}

// Echo completes with its input, after delay_ms if given.
func Echo(ctx context.Context, h executor.Handle) error {
	var in struct {
		DelayMS int `json:"delay_ms"`
	}
	if err := json.Unmarshal(h.Input(), &in); err != nil {
		return err
	}
	hlog.CtxInfof(ctx, "Echo: task %s input %s", h.TaskID(), h.Input())

	if err := sleep(ctx, time.Duration(in.DelayMS)*time.Millisecond); err != nil {
		return err
	}
	if h.IsCancelled() {
		return nil
	}
	return h.Complete(EchoOutput{Echo: h.Input()})
}
