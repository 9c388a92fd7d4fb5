package domain

import (
	"errors"
	"fmt"
)

// Structural sentinels. These are raised synchronously by the session
// manager and correlator for caller errors and never enter the recovery
// pipeline.
var (
	ErrInvalidConfig    = fmt.Errorf("invalid session config")
	ErrDuplicateSession = fmt.Errorf("session already exists")
	ErrCapacity         = fmt.Errorf("capacity exceeded")
	ErrNotFound         = fmt.Errorf("not found")
	ErrSessionInactive  = fmt.Errorf("session is not active")
	ErrConcurrencyLimit = fmt.Errorf("concurrent command limit reached")
	ErrInvalidState     = fmt.Errorf("invalid session state")
	ErrInvalidRequest   = fmt.Errorf("invalid request")
)

// Operational sentinels. Failures wrapping these flow through the recovery
// engine, which decides whether to retry, restart, degrade, or escalate.
var (
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrCommunication = fmt.Errorf("worker communication failed")
	ErrWorkerFailed  = fmt.Errorf("worker subprocess failed")
	ErrSpawnBlocked  = fmt.Errorf("worker spawn blocked")
	ErrQueueStore    = fmt.Errorf("queue store operation failed")
	ErrCacheStore    = fmt.Errorf("cache operation failed")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op        string // operation name (e.g., "SessionManager.Create")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "session", "worker")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem so that
// ErrorCodeOf can resolve the sentinel + subsystem pair to a specific code.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

var structuralSentinels = []error{
	ErrInvalidConfig, ErrDuplicateSession, ErrCapacity, ErrNotFound,
	ErrSessionInactive, ErrConcurrencyLimit, ErrInvalidState, ErrInvalidRequest,
}

// IsStructural reports whether err is a caller error that must be surfaced
// synchronously instead of being fed into the recovery engine.
func IsStructural(err error) bool {
	for _, s := range structuralSentinels {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	CodeDuplicateSession ErrorCode = "DUPLICATE_SESSION"
	CodeCapacity         ErrorCode = "CAPACITY"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeSessionInactive  ErrorCode = "SESSION_INACTIVE"
	CodeConcurrencyLimit ErrorCode = "CONCURRENCY_LIMIT"
	CodeInvalidState     ErrorCode = "INVALID_STATE"
	CodeInvalidRequest   ErrorCode = "INVALID_REQUEST"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeCommunication    ErrorCode = "COMMUNICATION"
	CodeWorkerFailed     ErrorCode = "WORKER_FAILED"
	CodeSpawnBlocked     ErrorCode = "SPAWN_BLOCKED"
	CodeQueueStore       ErrorCode = "QUEUE_STORE"
	CodeCacheStore       ErrorCode = "CACHE_STORE"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	CodeRunNotFound     ErrorCode = "RUN_NOT_FOUND"
	CodeTaskNotFound    ErrorCode = "TASK_NOT_FOUND"
	CodeReadyTimeout    ErrorCode = "WORKER_READY_TIMEOUT"
	CodeResponseTimeout ErrorCode = "RESPONSE_TIMEOUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrInvalidConfig:    CodeInvalidConfig,
	ErrDuplicateSession: CodeDuplicateSession,
	ErrCapacity:         CodeCapacity,
	ErrNotFound:         CodeNotFound,
	ErrSessionInactive:  CodeSessionInactive,
	ErrConcurrencyLimit: CodeConcurrencyLimit,
	ErrInvalidState:     CodeInvalidState,
	ErrInvalidRequest:   CodeInvalidRequest,
	ErrTimeout:          CodeTimeout,
	ErrCommunication:    CodeCommunication,
	ErrWorkerFailed:     CodeWorkerFailed,
	ErrSpawnBlocked:     CodeSpawnBlocked,
	ErrQueueStore:       CodeQueueStore,
	ErrCacheStore:       CodeCacheStore,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific codes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"session": CodeSessionNotFound,
		"run":     CodeRunNotFound,
		"queue":   CodeTaskNotFound,
	},
	ErrTimeout: {
		"worker":    CodeReadyTimeout,
		"correlate": CodeResponseTimeout,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and walks the chain with errors.Is.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, the subSystemCodeMap takes precedence.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
