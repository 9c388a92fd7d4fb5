// Package recovery classifies operational failures, stores them in a
// bounded history, and executes automated recovery: retry with backoff,
// session restart, fallback degradation, or escalation, gated by per-key
// circuit breakers.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"sessiond/internal/domain"
	"sessiond/internal/infra/config"
	"sessiond/internal/usecase/eventbus"
)

// Operations is the callback surface the engine uses to act on the rest
// of the system. An empty session id means the failure carried no session
// context.
type Operations interface {
	// RetryCommand re-dispatches a previously issued command.
	RetryCommand(ctx context.Context, sessionID, runID string) error
	// CheckHealth verifies a session answers a status round-trip; with an
	// empty session id it verifies the pool as a whole.
	CheckHealth(ctx context.Context, sessionID string) error
	// RestartSession terminates and recreates a session with its original
	// configuration.
	RestartSession(ctx context.Context, sessionID string) error
}

// Engine is the error classification and recovery pipeline.
type Engine struct {
	cfg    config.RecoveryConfig
	ops    Operations
	bus    domain.EventBus
	logger *slog.Logger

	breakers *BreakerSet
	history  *History

	rngMu sync.Mutex
	rng   *rand.Rand

	// sleep is swapped in tests so backoff does not slow the suite.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a recovery engine.
func New(cfg config.RecoveryConfig, ops Operations, bus domain.EventBus, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		ops:      ops,
		bus:      bus,
		logger:   logger,
		breakers: NewBreakerSet(cfg.BreakerThreshold, cfg.BreakerCooldown),
		history:  NewHistory(cfg.HistoryLimit),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    sleepCtx,
	}
}

// History exposes the bounded error history for inspection.
func (e *Engine) History() *History { return e.history }

// MaintainBreakers removes long-stale closed breaker entries. Called
// periodically by the janitor.
func (e *Engine) MaintainBreakers(now time.Time) int {
	maxIdle := e.cfg.BreakerMaxIdle
	if maxIdle <= 0 {
		maxIdle = 30 * time.Minute
	}
	return e.breakers.Maintain(now, maxIdle)
}

// HandleError runs one failure through the full pipeline: classify, record,
// breaker check, strategy selection, and strategy execution. Structural
// caller errors are recorded but never acted on. The returned record is the
// caller's view of what happened; HandleError itself never returns an error
// and never panics.
func (e *Engine) HandleError(ctx context.Context, cause error, errCtx domain.ErrorContext, override *config.CategoryConfig) domain.ErrorRecord {
	now := time.Now()
	class := Classify(cause)
	catCfg := e.categoryConfig(class.Category, override)

	record := domain.ErrorRecord{
		ID:          domain.NewID(),
		Timestamp:   now,
		Category:    class.Category,
		Severity:    class.Severity,
		Code:        domain.ErrorCodeOf(cause),
		Message:     contextualMessage(cause, errCtx),
		Context:     errCtx,
		Recoverable: class.Recoverable,
		Strategy:    e.strategyFor(class, catCfg),
		MaxRetries:  e.maxRetries(catCfg),
	}

	if catCfg.Disabled {
		record.Strategy = domain.StrategyIgnore
		e.store(ctx, record)
		return record
	}

	e.store(ctx, record)

	if e.breakers.IsOpen(record.Category, errCtx.SessionID, now) {
		record.Strategy = domain.StrategyEscalate
		record.Message += " (circuit breaker open)"
		e.escalate(ctx, record, "circuit breaker open")
		eventbus.Emit(ctx, e.bus, e.logger, domain.EventErrorHandled, errCtx.SessionID, errCtx.RunID, record)
		return record
	}

	if opened, failures := e.breakers.RecordFailure(record.Category, errCtx.SessionID, now); opened {
		eventbus.Emit(ctx, e.bus, e.logger, domain.EventBreakerOpened, errCtx.SessionID, "", map[string]any{
			"category": string(record.Category),
			"failures": failures,
		})
		e.logger.Warn("circuit breaker opened",
			"category", string(record.Category),
			"session_id", errCtx.SessionID,
			"failures", failures,
		)
	}

	if record.Recoverable && record.Strategy != domain.StrategyManual {
		e.execute(ctx, &record)
	}

	eventbus.Emit(ctx, e.bus, e.logger, domain.EventErrorHandled, errCtx.SessionID, errCtx.RunID, record)
	return record
}

// execute runs the chosen strategy. Any panic or unexpected failure inside
// a strategy forces escalation instead of propagating to the caller.
func (e *Engine) execute(ctx context.Context, record *domain.ErrorRecord) {
	defer func() {
		if r := recover(); r != nil {
			failed := record.Strategy
			record.Strategy = domain.StrategyEscalate
			record.Recoverable = false
			e.logger.Error("recovery strategy panicked", "strategy", string(failed), "panic", r)
			eventbus.Emit(ctx, e.bus, e.logger, domain.EventErrorHandlingFail,
				record.Context.SessionID, record.Context.RunID, map[string]any{"panic": fmt.Sprint(r)})
			e.escalate(ctx, *record, "recovery execution failed")
		}
	}()

	switch record.Strategy {
	case domain.StrategyRetry:
		e.executeRetry(ctx, record)
	case domain.StrategyRestart:
		e.executeRestart(ctx, record)
	case domain.StrategyFallback:
		e.executeFallback(ctx, record)
	case domain.StrategyEscalate:
		e.escalate(ctx, *record, "critical failure")
	case domain.StrategyManual, domain.StrategyIgnore:
		// No automated action.
	}
}

// executeRetry re-invokes the original operation with exponential backoff.
// Any success short-circuits the loop; exhausting all attempts escalates.
func (e *Engine) executeRetry(ctx context.Context, record *domain.ErrorRecord) {
	sessionID := record.Context.SessionID
	runID := record.Context.RunID

	for attempt := 1; attempt <= record.MaxRetries; attempt++ {
		record.RetryCount = attempt

		if err := e.sleep(ctx, e.RetryDelay(attempt)); err != nil {
			e.logger.Debug("retry aborted", "error", err, "attempt", attempt)
			return
		}

		var err error
		if runID != "" {
			err = e.ops.RetryCommand(ctx, sessionID, runID)
		} else {
			err = e.ops.CheckHealth(ctx, sessionID)
		}
		if err == nil {
			eventbus.Emit(ctx, e.bus, e.logger, domain.EventRecoverySucceeded, sessionID, runID, map[string]any{
				"strategy": string(domain.StrategyRetry),
				"attempts": attempt,
			})
			return
		}
		e.logger.Debug("retry attempt failed", "attempt", attempt, "max", record.MaxRetries, "error", err)
	}

	eventbus.Emit(ctx, e.bus, e.logger, domain.EventRecoveryExhausted, sessionID, runID, map[string]any{
		"strategy": string(domain.StrategyRetry),
		"attempts": record.MaxRetries,
	})
	e.escalate(ctx, *record, fmt.Sprintf("retry exhausted after %d attempts", record.MaxRetries))
}

// executeRestart recreates the failed session after a brief pause. A
// failure without session context cannot locate an adapter to restart, so
// it degrades to a pool health check.
func (e *Engine) executeRestart(ctx context.Context, record *domain.ErrorRecord) {
	sessionID := record.Context.SessionID

	if err := e.sleep(ctx, e.cfg.RestartPause); err != nil {
		return
	}

	var err error
	if sessionID != "" {
		err = e.ops.RestartSession(ctx, sessionID)
	} else {
		err = e.ops.CheckHealth(ctx, "")
	}
	if err != nil {
		e.logger.Warn("restart recovery failed", "session_id", sessionID, "error", err)
		e.escalate(ctx, *record, fmt.Sprintf("restart failed: %v", err))
		return
	}
	eventbus.Emit(ctx, e.bus, e.logger, domain.EventRecoverySucceeded, sessionID, "", map[string]any{
		"strategy": string(domain.StrategyRestart),
	})
}

// executeFallback selects a degraded operating mode tag. No subprocess
// interaction happens here; consumers observe the mode via the event.
func (e *Engine) executeFallback(ctx context.Context, record *domain.ErrorRecord) {
	mode := FallbackModeFor(record.Category)
	eventbus.Emit(ctx, e.bus, e.logger, domain.EventRecoveryFallback,
		record.Context.SessionID, record.Context.RunID, map[string]any{
			"mode":     string(mode),
			"category": string(record.Category),
		})
	e.logger.Info("fallback mode selected", "mode", string(mode), "category", string(record.Category))
}

// escalate packages the record for external handling. Escalation itself
// cannot fail the pipeline.
func (e *Engine) escalate(ctx context.Context, record domain.ErrorRecord, reason string) {
	esc := domain.EscalationRecord{
		Record:   record,
		Reason:   reason,
		RaisedAt: time.Now(),
	}
	eventbus.Emit(ctx, e.bus, e.logger, domain.EventEscalationRaised,
		record.Context.SessionID, record.Context.RunID, esc)
	e.logger.Error("error escalated",
		"error_id", record.ID,
		"category", string(record.Category),
		"reason", reason,
	)
}

func (e *Engine) store(ctx context.Context, record domain.ErrorRecord) {
	e.history.Add(record)
	eventbus.Emit(ctx, e.bus, e.logger, domain.EventErrorStored,
		record.Context.SessionID, record.Context.RunID, record)
}

// RetryDelay computes the backoff before attempt n (1-based):
// min(initialDelay * multiplier^(n-1), maxDelay), plus up to 25% positive
// jitter when enabled.
func (e *Engine) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	retry := e.cfg.Retry
	base := float64(retry.InitialDelay) * math.Pow(retry.BackoffMultiplier, float64(attempt-1))
	if max := float64(retry.MaxDelay); retry.MaxDelay > 0 && base > max {
		base = max
	}
	delay := time.Duration(base)
	if retry.Jitter {
		e.rngMu.Lock()
		delay += time.Duration(e.rng.Float64() * 0.25 * base)
		e.rngMu.Unlock()
	}
	return delay
}

func (e *Engine) categoryConfig(category domain.ErrorCategory, override *config.CategoryConfig) config.CategoryConfig {
	catCfg := e.cfg.Categories[string(category)]
	if override != nil {
		if override.Disabled {
			catCfg.Disabled = true
		}
		if override.Strategy != "" {
			catCfg.Strategy = override.Strategy
		}
		if override.MaxAttempts > 0 {
			catCfg.MaxAttempts = override.MaxAttempts
		}
	}
	return catCfg
}

// strategyFor applies configured per-category strategy overrides. CRITICAL
// classifications are not overridable.
func (e *Engine) strategyFor(class Classification, catCfg config.CategoryConfig) domain.RecoveryStrategy {
	if class.Severity == domain.SeverityCritical {
		return domain.StrategyEscalate
	}
	if catCfg.Strategy != "" {
		return domain.RecoveryStrategy(catCfg.Strategy)
	}
	return class.Strategy
}

func (e *Engine) maxRetries(catCfg config.CategoryConfig) int {
	if catCfg.MaxAttempts > 0 {
		return catCfg.MaxAttempts
	}
	if e.cfg.Retry.MaxAttempts > 0 {
		return e.cfg.Retry.MaxAttempts
	}
	return 1
}

// FallbackModeFor maps an error category to its degraded operating mode.
func FallbackModeFor(category domain.ErrorCategory) domain.FallbackMode {
	switch category {
	case domain.CategoryCommunication:
		return domain.FallbackSimplifiedIO
	case domain.CategoryResource:
		return domain.FallbackResourceLimited
	case domain.CategoryTimeout:
		return domain.FallbackExtendedTimeout
	default:
		return domain.FallbackReadOnly
	}
}

// contextualMessage embeds the failure's origin into a human-readable
// message, never a stack trace.
func contextualMessage(cause error, errCtx domain.ErrorContext) string {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if errCtx.SessionID != "" {
		msg = fmt.Sprintf("%s [session=%s]", msg, errCtx.SessionID)
	}
	if errCtx.RunID != "" {
		msg = fmt.Sprintf("%s [run=%s]", msg, errCtx.RunID)
	}
	if errCtx.CommandKind != "" {
		msg = fmt.Sprintf("%s [kind=%s]", msg, errCtx.CommandKind)
	}
	return msg
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
