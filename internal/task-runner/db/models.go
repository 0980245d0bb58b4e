package db

import (
	"time"

	"gorm.io/datatypes"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition may leave this status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ActiveStatuses are the states a cancel or early-stop request may target.
var ActiveStatuses = []Status{StatusPending, StatusRunning}

// Lifecycle event types. Every change of status, progress or progress message is recorded
// as exactly one of these in the same transaction as the row update.
const (
	EventStarted   = "started"
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventCancelled = "cancelled"
)

// IsLifecycleEvent reports whether eventType is reserved for lifecycle transitions.
func IsLifecycleEvent(eventType string) bool {
	switch eventType {
	case EventStarted, EventProgress, EventCompleted, EventFailed, EventCancelled:
		return true
	}
	return false
}

// Task is one unit of background work.
type Task struct {
	ID                 string         `json:"id" gorm:"primaryKey;size:36"`
	Type               string         `json:"type" gorm:"size:64;not null;index"`
	Status             Status         `json:"status" gorm:"size:16;not null;index"`
	Input              datatypes.JSON `json:"input"`
	Output             datatypes.JSON `json:"output"`
	Error              string         `json:"error,omitempty" gorm:"type:text"`
	Progress           int            `json:"progress" gorm:"not null;default:0"`
	ProgressMessage    string         `json:"progress_message" gorm:"type:text"`
	UserID             string         `json:"user_id,omitempty" gorm:"size:64;index"`
	RunnerID           string         `json:"runner_id,omitempty" gorm:"size:128;index"`
	LastHeartbeat      *time.Time     `json:"last_heartbeat,omitempty" gorm:"index"`
	CancelRequested    bool           `json:"cancel_requested" gorm:"not null;default:false"`
	EarlyStopRequested bool           `json:"early_stop_requested" gorm:"not null;default:false"`
	EventSeq           int64          `json:"-" gorm:"not null;default:0"` // last allocated TaskEvent.Seq
	CreatedAt          time.Time      `json:"created_at" gorm:"index"`
	StartedAt          *time.Time     `json:"started_at"`
	CompletedAt        *time.Time     `json:"completed_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	Events             []TaskEvent    `json:"-" gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE"`
}

// TaskEvent is one entry of a task's append-only log.
type TaskEvent struct {
	ID        int64          `json:"id" gorm:"primaryKey;autoIncrement"`
	TaskID    string         `json:"task_id" gorm:"size:36;not null;uniqueIndex:idx_task_event_seq,priority:1"`
	Seq       int64          `json:"seq" gorm:"not null;uniqueIndex:idx_task_event_seq,priority:2"`
	EventType string         `json:"event_type" gorm:"size:64;not null;index"`
	Payload   datatypes.JSON `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Models lists every table the runner owns, in migration order.
func Models() []interface{} {
	return []interface{}{&Task{}, &TaskEvent{}}
}
