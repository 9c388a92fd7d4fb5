package domain

import "time"

// ErrorCategory classifies an operational failure.
type ErrorCategory string

const (
	CategoryValidation    ErrorCategory = "validation"
	CategoryTimeout       ErrorCategory = "timeout"
	CategoryCommunication ErrorCategory = "communication"
	CategoryResource      ErrorCategory = "resource"
	CategoryCommand       ErrorCategory = "command"
	CategoryWrapper       ErrorCategory = "wrapper"
	CategorySession       ErrorCategory = "session"
	CategorySystem        ErrorCategory = "system"
)

// ErrorSeverity ranks how serious a classified failure is.
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// RecoveryStrategy is the automated response chosen for a classified failure.
type RecoveryStrategy string

const (
	StrategyRetry    RecoveryStrategy = "retry"
	StrategyRestart  RecoveryStrategy = "restart"
	StrategyFallback RecoveryStrategy = "fallback"
	StrategyEscalate RecoveryStrategy = "escalate"
	StrategyManual   RecoveryStrategy = "manual"
	StrategyIgnore   RecoveryStrategy = "ignore"
)

// ErrorContext carries the origin of a failure into classification.
// All fields are optional.
type ErrorContext struct {
	SessionID   string      `json:"session_id,omitempty"`
	RunID       string      `json:"run_id,omitempty"`
	CommandKind CommandKind `json:"command_kind,omitempty"`
	UserID      string      `json:"user_id,omitempty"`
}

// ErrorRecord is the normalized representation of one handled failure.
// Category and Severity are immutable once assigned; RetryCount never
// exceeds MaxRetries.
type ErrorRecord struct {
	ID          string           `json:"id"`
	Timestamp   time.Time        `json:"timestamp"`
	Category    ErrorCategory    `json:"category"`
	Severity    ErrorSeverity    `json:"severity"`
	Code        ErrorCode        `json:"code"`
	Message     string           `json:"message"`
	Context     ErrorContext     `json:"context"`
	Recoverable bool             `json:"recoverable"`
	Strategy    RecoveryStrategy `json:"strategy"`
	RetryCount  int              `json:"retry_count"`
	MaxRetries  int              `json:"max_retries"`
}

// EscalationRecord packages an error for external/manual handling.
type EscalationRecord struct {
	Record   ErrorRecord `json:"record"`
	Reason   string      `json:"reason"`
	RaisedAt time.Time   `json:"raised_at"`
}

// FallbackMode tags the degraded operating mode selected by the FALLBACK
// strategy.
type FallbackMode string

const (
	FallbackSimplifiedIO    FallbackMode = "simplified_io"
	FallbackResourceLimited FallbackMode = "resource_limited"
	FallbackExtendedTimeout FallbackMode = "extended_timeout"
	FallbackReadOnly        FallbackMode = "read_only"
)
