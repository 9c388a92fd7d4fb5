package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Session lifecycle events.
	EventSessionCreated    EventType = "session.created"
	EventSessionIdle       EventType = "session.idle"
	EventSessionResumed    EventType = "session.resumed"
	EventSessionSuspended  EventType = "session.suspended"
	EventSessionTerminated EventType = "session.terminated"

	// Command lifecycle events.
	EventCommandExecuted  EventType = "command.executed"
	EventCommandFailed    EventType = "command.failed"
	EventCommandCancelled EventType = "command.cancelled"

	// Worker subprocess events.
	EventWorkerStarted EventType = "worker.started"
	EventWorkerExited  EventType = "worker.exited"

	// Recovery engine events.
	EventErrorStored        EventType = "error.stored"
	EventErrorHandled       EventType = "error.handled"
	EventErrorHandlingFail  EventType = "error.handling_failed"
	EventBreakerOpened      EventType = "breaker.opened"
	EventBreakerClosed      EventType = "breaker.closed"
	EventEscalationRaised   EventType = "escalation.raised"
	EventRecoveryFallback   EventType = "recovery.fallback"
	EventRecoverySucceeded  EventType = "recovery.succeeded"
	EventRecoveryExhausted  EventType = "recovery.exhausted"

	// Cache invalidation signals.
	EventCacheInvalidated EventType = "cache.invalidated"

	// Queue task events.
	EventTaskClaimed   EventType = "task.claimed"
	EventTaskProgress  EventType = "task.progress"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
)

// Event is the envelope published on the event bus. Every lifecycle and
// error event in the engine is also emitted here for external metrics and
// alerting; the engine never depends on a consumer being present.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	RunID     string          `json:"run_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for engine events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
