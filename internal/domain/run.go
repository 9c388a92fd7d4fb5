package domain

import "time"

// CommandKind identifies the type of command dispatched to a worker.
type CommandKind string

const (
	CommandPrompt   CommandKind = "prompt"
	CommandCancel   CommandKind = "cancel"
	CommandStatus   CommandKind = "status"
	CommandShutdown CommandKind = "shutdown"
)

// ValidCommandKind reports whether k is a known command kind.
func ValidCommandKind(k CommandKind) bool {
	switch k {
	case CommandPrompt, CommandCancel, CommandStatus, CommandShutdown:
		return true
	}
	return false
}

// RunStatus represents the lifecycle state of a single command run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// CommandRequest is a typed request to execute one command on a session.
// RunID is optional; a ULID is assigned when empty. TargetRunID is required
// for cancel commands and names the run to cancel.
type CommandRequest struct {
	RunID       string         `json:"run_id,omitempty"`
	Kind        CommandKind    `json:"kind"`
	Prompt      string         `json:"prompt,omitempty"`
	TargetRunID string         `json:"target_run_id,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
}

// CommandResult is the terminal outcome of one run. Success is false for
// failed and cancelled runs; Message is always human-readable, never a
// stack trace.
type CommandResult struct {
	RunID      string      `json:"run_id"`
	Status     RunStatus   `json:"status"`
	Success    bool        `json:"success"`
	Message    string      `json:"message,omitempty"`
	Events     []WireEvent `json:"events,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// RunSubscriber receives intermediate and terminal notifications for a
// single run. Callbacks are invoked from the correlator's event loop, so
// implementations must not block.
type RunSubscriber interface {
	// OnEvent is called for every non-terminal streamed event.
	OnEvent(event WireEvent)
	// OnComplete is called exactly once when the run reaches a terminal state.
	OnComplete(result CommandResult)
	// OnError is called when the run fails before reaching a protocol
	// terminal event (timeout, transport failure).
	OnError(err error)
}
