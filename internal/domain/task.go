package domain

import (
	"context"
	"time"
)

// TaskStatus represents the lifecycle state of a queued task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is a durable descriptor admitted through the job queue. The queue
// owns whole-task redelivery policy; the engine only reports progress and
// a terminal result back to the job record.
type Task struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Kind      CommandKind    `json:"kind"`
	Prompt    string         `json:"prompt,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
	Config    *SessionConfig `json:"config,omitempty"` // session config overrides
	Priority  int            `json:"priority"`
	Status    TaskStatus     `json:"status"`
	Progress  int            `json:"progress"` // 0-100
	Phase     string         `json:"phase,omitempty"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TaskStore is the durable job queue collaborator.
type TaskStore interface {
	// Enqueue persists a new pending task.
	Enqueue(ctx context.Context, task *Task) error
	// ClaimNext atomically claims the highest-priority pending task,
	// marking it running. Returns ErrNotFound when the queue is empty.
	ClaimNext(ctx context.Context) (*Task, error)
	// UpdateProgress records progress (0-100) and a phase label.
	UpdateProgress(ctx context.Context, id string, progress int, phase string) error
	// Complete marks a task completed with its result.
	Complete(ctx context.Context, id string, result string) error
	// Fail marks a task failed with a human-readable error message.
	Fail(ctx context.Context, id string, message string) error
	// Get returns a task by id.
	Get(ctx context.Context, id string) (*Task, error)
	// Close releases store resources.
	Close() error
}
