package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"task-runner-service/internal/task-runner/executor"
)

const EventStudentSeeded = "student_seeded"

const seedStudentsSchema = `{
	"type": "object",
	"properties": {
		"class_id": {"type": "string", "minLength": 1},
		"students": {
			"type": "array",
			"minItems": 1,
			"maxItems": 500,
			"items": {"type": "string", "minLength": 1}
		}
	},
	"required": ["class_id", "students"]
}`

type SeededStudent struct {
	StudentID string `json:"student_id"`
	Name      string `json:"name"`
	Index     int    `json:"index"`
}

type SeedStudentsOutput struct {
	ClassID    string   `json:"class_id"`
	StudentIDs []string `json:"student_ids"`
}

// SeedStudents creates one student per name, recording each as it goes. A cancel leaves the
// students seeded so far in the log.
func SeedStudents(ctx context.Context, h executor.Handle) error {
	var in struct {
		ClassID  string   `json:"class_id"`
		Students []string `json:"students"`
	}
	if err := json.Unmarshal(h.Input(), &in); err != nil {
		return err
	}

	out := SeedStudentsOutput{ClassID: in.ClassID, StudentIDs: make([]string, 0, len(in.Students))}
	for i, name := range in.Students {
		if h.IsCancelled() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		student := SeededStudent{StudentID: uuid.NewString(), Name: name, Index: i}
		if err := h.Emit(EventStudentSeeded, student); err != nil {
			return err
		}
		out.StudentIDs = append(out.StudentIDs, student.StudentID)
		if err := h.SetProgress((i+1)*100/len(in.Students), fmt.Sprintf("seeded %d of %d", i+1, len(in.Students))); err != nil {
			return err
		}
	}
	return h.Complete(out)
}
