package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	"task-runner-service/internal/task-runner/executor"
)

const (
	DefaultScriptTimeout = 30 * time.Second
	PythonBinary         = "python3"
)

const scriptSchema = `{
	"type": "object",
	"properties": {
		"code": {"type": "string", "minLength": 1},
		"timeout_seconds": {"type": "integer", "minimum": 1, "maximum": 3600}
	},
	"required": ["code"]
}`

type ScriptOutput struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr,omitempty"`
}

// Script runs the Python code in the input under the work context, so a hard cancel kills
// the interpreter. A non-zero exit fails the task with stderr in the error.
func Script(ctx context.Context, h executor.Handle) error {
	var in struct {
		Code           string `json:"code"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(h.Input(), &in); err != nil {
		return err
	}
	if in.Code == "" {
		return fmt.Errorf("python code is empty")
	}
	timeout := DefaultScriptTimeout
	if in.TimeoutSeconds > 0 {
		timeout = time.Duration(in.TimeoutSeconds) * time.Second
	}

	tempDir, err := os.MkdirTemp("", "task_runner_script_")
	if err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	scriptPath := filepath.Join(tempDir, "script.py")
	if err := os.WriteFile(scriptPath, []byte(in.Code), 0o600); err != nil {
		return fmt.Errorf("failed to write python script to temp file: %w", err)
	}

	if err := h.SetProgress(0, "running script"); err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, PythonBinary, scriptPath)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	hlog.CtxInfof(ctx, "Script: task %s running %s", h.TaskID(), scriptPath)
	err = cmd.Run()
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("python script execution timed out after %s. Stderr: %s", timeout, stderr.String())
	case err != nil:
		return fmt.Errorf("python script execution failed: %w. Stderr: %s", err, stderr.String())
	}
	if stderr.Len() > 0 {
		hlog.CtxWarnf(ctx, "Script: task %s wrote to stderr:\n%s", h.TaskID(), stderr.String())
	}

	if h.IsCancelled() {
		return nil
	}
	if err := h.SetProgress(100, "script finished"); err != nil {
		return err
	}
	return h.Complete(ScriptOutput{Stdout: stdout.String(), Stderr: stderr.String()})
}
