// Package jobs holds the task types a runner ships with.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	"task-runner-service/internal/task-runner/executor"
)

const (
	TypeEcho         = "echo"
	TypeDemo         = "demo"
	TypeTrain        = "train"
	TypeSeedStudents = "seed-students"
	TypeScript       = "script"
)

// Types returns the built-in task types.
func Types() []executor.TaskType {
	return []executor.TaskType{
		{Name: TypeEcho, Description: "Returns its input after an optional delay.", InputSchema: echoSchema, Work: Echo},
		{Name: TypeDemo, Description: "Squares n in two reported steps.", InputSchema: demoSchema, OutputSchema: demoOutputSchema, Work: Demo},
		{Name: TypeTrain, Description: "Runs training epochs; honors early stop after each epoch.", InputSchema: trainSchema, OutputSchema: trainOutputSchema, Checkpointed: true, Work: Train},
		{Name: TypeSeedStudents, Description: "Creates a roster of students for a class.", InputSchema: seedStudentsSchema, Work: SeedStudents},
		{Name: TypeScript, Description: "Runs a Python 3 script and returns its output.", InputSchema: scriptSchema, Work: Script},
	}
}

// Register adds every built-in type to reg.
func Register(reg *executor.TypeRegistry) error {
	for _, t := range Types() {
		if err := reg.Register(t); err != nil {
			return fmt.Errorf("failed to register task type %s: %w", t.Name, err)
		}
		hlog.Infof("Jobs: registered task type %s", t.Name)
	}
	return nil
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
