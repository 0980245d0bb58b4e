package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	"task-runner-service/internal/task-runner/executor"
)

const EventEpochCompleted = "epoch_completed"

const trainSchema = `{
	"type": "object",
	"properties": {
		"epochs": {"type": "integer", "minimum": 1, "maximum": 1000},
		"epoch_ms": {"type": "integer", "minimum": 0, "maximum": 3600000},
		"learning_rate": {"type": "number", "exclusiveMinimum": 0, "maximum": 1}
	},
	"required": ["epochs"]
}`

const trainOutputSchema = `{
	"type": "object",
	"properties": {
		"epochs_completed": {"type": "integer", "minimum": 0},
		"epochs_requested": {"type": "integer", "minimum": 1},
		"early_stopped": {"type": "boolean"},
		"loss": {"type": "number"}
	},
	"required": ["epochs_completed", "epochs_requested", "early_stopped"]
}`

type TrainOutput struct {
	EpochsCompleted int     `json:"epochs_completed"`
	EpochsRequested int     `json:"epochs_requested"`
	EarlyStopped    bool    `json:"early_stopped"`
	Loss            float64 `json:"loss"`
}

type EpochCompleted struct {
	Epoch int     `json:"epoch"`
	Loss  float64 `json:"loss"`
}

// Train runs one checkpoint per epoch. After each epoch it records the epoch, then either
// stops on cancel, completes early with the model so far on early stop, or carries on.
func Train(ctx context.Context, h executor.Handle) error {
	in := struct {
		Epochs       int     `json:"epochs"`
		EpochMS      int     `json:"epoch_ms"`
		LearningRate float64 `json:"learning_rate"`
	}{LearningRate: 0.1}
	if err := json.Unmarshal(h.Input(), &in); err != nil {
		return err
	}

	loss := 1.0
	for epoch := 1; epoch <= in.Epochs; epoch++ {
		if h.IsCancelled() {
			return nil
		}
		if err := sleep(ctx, time.Duration(in.EpochMS)*time.Millisecond); err != nil {
			return err
		}
		loss = epochLoss(epoch, in.LearningRate)

		if err := h.Emit(EventEpochCompleted, EpochCompleted{Epoch: epoch, Loss: loss}); err != nil {
			return err
		}
		if err := h.SetProgress(epoch*100/in.Epochs, fmt.Sprintf("epoch %d/%d", epoch, in.Epochs)); err != nil {
			return err
		}

		if epoch < in.Epochs && h.EarlyStopRequested() {
			hlog.CtxInfof(ctx, "Train: task %s stopping early after epoch %d/%d", h.TaskID(), epoch, in.Epochs)
			return h.Complete(TrainOutput{
				EpochsCompleted: epoch,
				EpochsRequested: in.Epochs,
				EarlyStopped:    true,
				Loss:            loss,
			})
		}
	}
	if h.IsCancelled() {
		return nil
	}
	return h.Complete(TrainOutput{EpochsCompleted: in.Epochs, EpochsRequested: in.Epochs, Loss: loss})
}

func epochLoss(epoch int, lr float64) float64 {
	return math.Round(math.Exp(-lr*float64(epoch))*1e6) / 1e6
}
