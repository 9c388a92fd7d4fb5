// Package dispatch drains the durable job queue: it claims pending tasks,
// ensures a session exists for each one, runs the command, and reports
// progress and the terminal outcome back to the task record.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"sessiond/internal/domain"
	"sessiond/internal/infra/config"
	"sessiond/internal/usecase/eventbus"
)

// SessionRunner is the slice of the session manager the dispatcher needs.
type SessionRunner interface {
	CreateSession(ctx context.Context, id, userID string, cfg domain.SessionConfig) (string, error)
	ExecuteCommand(ctx context.Context, sessionID string, req domain.CommandRequest) (*domain.CommandResult, error)
}

// Recoverer feeds operational failures into the recovery pipeline. Queue
// redelivery stays the store's concern; the dispatcher only classifies and
// records what went wrong with the command itself.
type Recoverer interface {
	HandleError(ctx context.Context, cause error, errCtx domain.ErrorContext, override *config.CategoryConfig) domain.ErrorRecord
}

// Worker polls the task store and executes claimed tasks sequentially.
type Worker struct {
	store     domain.TaskStore
	runner    SessionRunner
	recoverer Recoverer
	bus       domain.EventBus
	logger    *slog.Logger
	interval  time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a queue worker. recoverer may be nil.
func New(store domain.TaskStore, runner SessionRunner, recoverer Recoverer, bus domain.EventBus, logger *slog.Logger, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Worker{
		store:     store,
		runner:    runner,
		recoverer: recoverer,
		bus:       bus,
		logger:    logger,
		interval:  pollInterval,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the polling loop.
func (w *Worker) Start() {
	go w.loop()
	w.logger.Info("queue worker started", "poll_interval", w.interval)
}

// Stop halts polling and waits for the in-flight task, if any, to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.done
	w.logger.Info("queue worker stopped")
}

func (w *Worker) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.drain()
		}
	}
}

// drain claims and runs tasks until the queue is empty or a stop is
// requested.
func (w *Worker) drain() {
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		ctx := context.Background()
		task, err := w.store.ClaimNext(ctx)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				w.logger.Error("task claim failed", "error", err)
			}
			return
		}
		w.run(ctx, task)
	}
}

func (w *Worker) run(ctx context.Context, task *domain.Task) {
	eventbus.Emit(ctx, w.bus, w.logger, domain.EventTaskClaimed, task.SessionID, "", map[string]any{"task_id": task.ID})
	w.logger.Info("task claimed", "task_id", task.ID, "kind", string(task.Kind), "session_id", task.SessionID)

	sessionID, err := w.ensureSession(ctx, task)
	if err != nil {
		w.fail(ctx, task, err)
		return
	}
	w.progress(ctx, task, 30, "dispatching")

	result, err := w.runner.ExecuteCommand(ctx, sessionID, domain.CommandRequest{
		Kind:    task.Kind,
		Prompt:  task.Prompt,
		Options: task.Options,
	})
	if err != nil {
		if w.recoverer != nil && !domain.IsStructural(err) {
			w.recoverer.HandleError(ctx, err, domain.ErrorContext{
				SessionID:   sessionID,
				CommandKind: task.Kind,
				UserID:      task.UserID,
			}, nil)
		}
		w.fail(ctx, task, err)
		return
	}
	if !result.Success {
		w.fail(ctx, task, errors.New(result.Message))
		return
	}

	w.progress(ctx, task, 90, "finalizing")
	payload, err := json.Marshal(result)
	if err != nil {
		payload = []byte(result.Message)
	}
	if err := w.store.Complete(ctx, task.ID, string(payload)); err != nil {
		w.logger.Error("task completion not recorded", "task_id", task.ID, "error", err)
		return
	}
	eventbus.Emit(ctx, w.bus, w.logger, domain.EventTaskCompleted, sessionID, result.RunID, map[string]any{"task_id": task.ID})
	w.logger.Info("task completed", "task_id", task.ID, "run_id", result.RunID)
}

// ensureSession resolves the task's target session, creating one from the
// task's config overrides when needed. A duplicate-id race with another
// creator is treated as success.
func (w *Worker) ensureSession(ctx context.Context, task *domain.Task) (string, error) {
	w.progress(ctx, task, 10, "ensuring session")

	var cfg domain.SessionConfig
	if task.Config != nil {
		cfg = *task.Config
	}
	id, err := w.runner.CreateSession(ctx, task.SessionID, task.UserID, cfg)
	if err == nil {
		return id, nil
	}
	if task.SessionID != "" && errors.Is(err, domain.ErrDuplicateSession) {
		return task.SessionID, nil
	}
	return "", err
}

func (w *Worker) progress(ctx context.Context, task *domain.Task, pct int, phase string) {
	if err := w.store.UpdateProgress(ctx, task.ID, pct, phase); err != nil {
		w.logger.Warn("task progress not recorded", "task_id", task.ID, "error", err)
		return
	}
	eventbus.Emit(ctx, w.bus, w.logger, domain.EventTaskProgress, task.SessionID, "", map[string]any{
		"task_id":  task.ID,
		"progress": pct,
		"phase":    phase,
	})
}

func (w *Worker) fail(ctx context.Context, task *domain.Task, cause error) {
	if err := w.store.Fail(ctx, task.ID, cause.Error()); err != nil {
		w.logger.Error("task failure not recorded", "task_id", task.ID, "error", err)
	}
	eventbus.Emit(ctx, w.bus, w.logger, domain.EventTaskFailed, task.SessionID, "", map[string]any{
		"task_id": task.ID,
		"error":   cause.Error(),
	})
	w.logger.Warn("task failed", "task_id", task.ID, "error", cause)
}
