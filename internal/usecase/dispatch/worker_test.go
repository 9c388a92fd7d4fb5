package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessiond/internal/domain"
	"sessiond/internal/infra/logger"
)

type memStore struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
	order []string
}

func newMemStore() *memStore { return &memStore{tasks: make(map[string]*domain.Task)} }

func (s *memStore) Enqueue(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.ID == "" {
		task.ID = domain.NewID()
	}
	task.Status = domain.TaskPending
	s.tasks[task.ID] = task
	s.order = append(s.order, task.ID)
	return nil
}

func (s *memStore) ClaimNext(context.Context) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if t := s.tasks[id]; t.Status == domain.TaskPending {
			t.Status = domain.TaskRunning
			copied := *t
			return &copied, nil
		}
	}
	return nil, domain.NewSubSystemError("queue", "memStore.ClaimNext", domain.ErrNotFound, "no pending tasks")
}

func (s *memStore) UpdateProgress(_ context.Context, id string, progress int, phase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.Progress = progress
		t.Phase = phase
	}
	return nil
}

func (s *memStore) Complete(_ context.Context, id, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.Status = domain.TaskCompleted
		t.Result = result
	}
	return nil
}

func (s *memStore) Fail(_ context.Context, id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.Status = domain.TaskFailed
		t.Error = message
	}
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		copied := *t
		return &copied, nil
	}
	return nil, domain.NewSubSystemError("queue", "memStore.Get", domain.ErrNotFound, id)
}

func (s *memStore) Close() error { return nil }

func (s *memStore) statusOf(id string) domain.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id].Status
}

type fakeRunner struct {
	mu        sync.Mutex
	created   []string
	createErr error
	execErr   error
	failRun   bool
}

func (r *fakeRunner) CreateSession(_ context.Context, id, _ string, _ domain.SessionConfig) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return "", r.createErr
	}
	if id == "" {
		id = domain.NewID()
	}
	r.created = append(r.created, id)
	return id, nil
}

func (r *fakeRunner) ExecuteCommand(_ context.Context, _ string, req domain.CommandRequest) (*domain.CommandResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.execErr != nil {
		return nil, r.execErr
	}
	if r.failRun {
		return &domain.CommandResult{RunID: "r1", Status: domain.RunFailed, Success: false, Message: "worker said no"}, nil
	}
	return &domain.CommandResult{RunID: "r1", Status: domain.RunCompleted, Success: true, Message: "done"}, nil
}

func startWorker(t *testing.T, store domain.TaskStore, runner SessionRunner) *Worker {
	t.Helper()
	w := New(store, runner, nil, nil, logger.Discard(), 10*time.Millisecond)
	w.Start()
	t.Cleanup(w.Stop)
	return w
}

func TestWorkerCompletesTask(t *testing.T) {
	store := newMemStore()
	runner := &fakeRunner{}
	task := &domain.Task{Kind: domain.CommandPrompt, Prompt: "do work"}
	require.NoError(t, store.Enqueue(context.Background(), task))

	startWorker(t, store, runner)

	require.Eventually(t, func() bool {
		return store.statusOf(task.ID) == domain.TaskCompleted
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.Result, `"run_id":"r1"`)
	assert.Equal(t, 90, stored.Progress)
}

func TestWorkerCreatesSessionWhenMissing(t *testing.T) {
	store := newMemStore()
	runner := &fakeRunner{}
	task := &domain.Task{
		SessionID: "pinned",
		Kind:      domain.CommandPrompt,
		Prompt:    "do work",
		Config:    &domain.SessionConfig{WorkDir: "/repo"},
	}
	require.NoError(t, store.Enqueue(context.Background(), task))

	startWorker(t, store, runner)

	require.Eventually(t, func() bool {
		return store.statusOf(task.ID) == domain.TaskCompleted
	}, 2*time.Second, 10*time.Millisecond)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, []string{"pinned"}, runner.created)
}

func TestWorkerReusesExistingSession(t *testing.T) {
	store := newMemStore()
	runner := &fakeRunner{createErr: domain.NewDomainError("x", domain.ErrDuplicateSession, "pinned")}
	task := &domain.Task{SessionID: "pinned", Kind: domain.CommandStatus}
	require.NoError(t, store.Enqueue(context.Background(), task))

	startWorker(t, store, runner)

	require.Eventually(t, func() bool {
		return store.statusOf(task.ID) == domain.TaskCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorkerFailsTaskOnCommandError(t *testing.T) {
	store := newMemStore()
	runner := &fakeRunner{execErr: errors.New("worker communication failed")}
	task := &domain.Task{SessionID: "s1", Kind: domain.CommandPrompt, Prompt: "x"}
	require.NoError(t, store.Enqueue(context.Background(), task))

	startWorker(t, store, runner)

	require.Eventually(t, func() bool {
		return store.statusOf(task.ID) == domain.TaskFailed
	}, 2*time.Second, 10*time.Millisecond)

	stored, _ := store.Get(context.Background(), task.ID)
	assert.Contains(t, stored.Error, "communication")
}

func TestWorkerFailsTaskOnUnsuccessfulResult(t *testing.T) {
	store := newMemStore()
	runner := &fakeRunner{failRun: true}
	task := &domain.Task{SessionID: "s1", Kind: domain.CommandPrompt, Prompt: "x"}
	require.NoError(t, store.Enqueue(context.Background(), task))

	startWorker(t, store, runner)

	require.Eventually(t, func() bool {
		return store.statusOf(task.ID) == domain.TaskFailed
	}, 2*time.Second, 10*time.Millisecond)

	stored, _ := store.Get(context.Background(), task.ID)
	assert.Equal(t, "worker said no", stored.Error)
}
