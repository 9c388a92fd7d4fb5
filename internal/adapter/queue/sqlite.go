// Package queue persists the durable job queue in SQLite. Tasks survive
// daemon restarts; claiming is atomic so multiple workers never run the
// same task.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"sessiond/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL DEFAULT '',
	user_id     TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL,
	prompt      TEXT NOT NULL DEFAULT '',
	options     TEXT NOT NULL DEFAULT '',
	config      TEXT NOT NULL DEFAULT '',
	priority    INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL DEFAULT 'pending',
	progress    INTEGER NOT NULL DEFAULT 0,
	phase       TEXT NOT NULL DEFAULT '',
	result      TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks (status, priority DESC, created_at);
`

// SQLiteStore implements domain.TaskStore on a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens (creating if needed) the task database at path.
func NewSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w: %v", path, domain.ErrQueueStore, err)
	}
	// SQLite allows one writer; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: migrate: %w: %v", domain.ErrQueueStore, err)
	}

	logger.Debug("task store opened", "path", path)
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Enqueue persists a new pending task, assigning an id when absent.
func (s *SQLiteStore) Enqueue(ctx context.Context, task *domain.Task) error {
	if task.ID == "" {
		task.ID = domain.NewID()
	}
	if task.Kind == "" {
		return domain.NewDomainError("SQLiteStore.Enqueue", domain.ErrInvalidRequest, "task kind is required")
	}
	now := time.Now()
	task.Status = domain.TaskPending
	task.CreatedAt = now
	task.UpdatedAt = now

	var options, cfg string
	if task.Options != nil {
		data, err := json.Marshal(task.Options)
		if err != nil {
			return domain.NewDomainError("SQLiteStore.Enqueue", domain.ErrInvalidRequest, err.Error())
		}
		options = string(data)
	}
	if task.Config != nil {
		data, err := json.Marshal(task.Config)
		if err != nil {
			return domain.NewDomainError("SQLiteStore.Enqueue", domain.ErrInvalidRequest, err.Error())
		}
		cfg = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, session_id, user_id, kind, prompt, options, config,
			priority, status, progress, phase, result, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', '', '', ?, ?)`,
		task.ID, task.SessionID, task.UserID, string(task.Kind), task.Prompt,
		options, cfg, task.Priority, string(task.Status),
		now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("queue: enqueue %s: %w: %v", task.ID, domain.ErrQueueStore, err)
	}
	return nil
}

// ClaimNext atomically claims the highest-priority oldest pending task.
func (s *SQLiteStore) ClaimNext(ctx context.Context) (*domain.Task, error) {
	const op = "SQLiteStore.ClaimNext"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w: %v", domain.ErrQueueStore, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, session_id, user_id, kind, prompt, options, config,
			priority, status, progress, phase, result, error, created_at, updated_at
		FROM tasks
		WHERE status = ?
		ORDER BY priority DESC, created_at ASC
		LIMIT 1`, string(domain.TaskPending))

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewSubSystemError("queue", op, domain.ErrNotFound, "no pending tasks")
		}
		return nil, fmt.Errorf("queue: claim: %w: %v", domain.ErrQueueStore, err)
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(domain.TaskRunning), now.UnixMilli(), task.ID); err != nil {
		return nil, fmt.Errorf("queue: claim %s: %w: %v", task.ID, domain.ErrQueueStore, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: claim %s: %w: %v", task.ID, domain.ErrQueueStore, err)
	}

	task.Status = domain.TaskRunning
	task.UpdatedAt = now
	return task, nil
}

// UpdateProgress records progress and a phase label on a running task.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, progress int, phase string) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	return s.update(ctx, "SQLiteStore.UpdateProgress", id,
		`UPDATE tasks SET progress = ?, phase = ?, updated_at = ? WHERE id = ?`,
		progress, phase, time.Now().UnixMilli(), id)
}

// Complete marks a task completed with its result payload.
func (s *SQLiteStore) Complete(ctx context.Context, id, result string) error {
	return s.update(ctx, "SQLiteStore.Complete", id,
		`UPDATE tasks SET status = ?, progress = 100, result = ?, updated_at = ? WHERE id = ?`,
		string(domain.TaskCompleted), result, time.Now().UnixMilli(), id)
}

// Fail marks a task failed with a human-readable message.
func (s *SQLiteStore) Fail(ctx context.Context, id, message string) error {
	return s.update(ctx, "SQLiteStore.Fail", id,
		`UPDATE tasks SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(domain.TaskFailed), message, time.Now().UnixMilli(), id)
}

// Get returns a task by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, user_id, kind, prompt, options, config,
			priority, status, progress, phase, result, error, created_at, updated_at
		FROM tasks WHERE id = ?`, id)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewSubSystemError("queue", "SQLiteStore.Get", domain.ErrNotFound, id)
		}
		return nil, fmt.Errorf("queue: get %s: %w: %v", id, domain.ErrQueueStore, err)
	}
	return task, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) update(ctx context.Context, op, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("queue: update %s: %w: %v", id, domain.ErrQueueStore, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.NewSubSystemError("queue", op, domain.ErrNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		task             domain.Task
		kind, status     string
		options, cfg     string
		created, updated int64
	)
	err := row.Scan(&task.ID, &task.SessionID, &task.UserID, &kind, &task.Prompt,
		&options, &cfg, &task.Priority, &status, &task.Progress, &task.Phase,
		&task.Result, &task.Error, &created, &updated)
	if err != nil {
		return nil, err
	}
	task.Kind = domain.CommandKind(kind)
	task.Status = domain.TaskStatus(status)
	task.CreatedAt = time.UnixMilli(created)
	task.UpdatedAt = time.UnixMilli(updated)

	if options != "" {
		if err := json.Unmarshal([]byte(options), &task.Options); err != nil {
			return nil, fmt.Errorf("decode options: %w", err)
		}
	}
	if cfg != "" {
		task.Config = &domain.SessionConfig{}
		if err := json.Unmarshal([]byte(cfg), task.Config); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	return &task, nil
}

var _ domain.TaskStore = (*SQLiteStore)(nil)
