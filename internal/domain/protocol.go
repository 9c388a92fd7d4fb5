package domain

import (
	"encoding/json"
	"time"
)

// Wire protocol spoken with the worker subprocess: newline-delimited JSON
// over stdin/stdout. Requests flow in, events flow out. Event names outside
// the reserved set are passed through to run subscribers as streamed data.

// Protocol actions accepted by the worker.
const (
	ActionPrompt   = "prompt"
	ActionCancel   = "cancel"
	ActionStatus   = "status"
	ActionShutdown = "shutdown"
)

// Reserved event names.
const (
	EventWireReady        = "ready"
	EventWireShutdown     = "shutdown"
	EventWireRunCompleted = "run_completed"
	EventWireRunCancelled = "run_cancelled"
)

// WireRequest is one request line written to the worker's stdin.
type WireRequest struct {
	Action  string         `json:"action"`
	Prompt  string         `json:"prompt,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// WireEvent is one event line read from the worker's stdout.
type WireEvent struct {
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	RunID     string          `json:"run_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Terminal reports whether the event ends a run.
func (e WireEvent) Terminal() bool {
	return e.Event == EventWireRunCompleted || e.Event == EventWireRunCancelled
}
