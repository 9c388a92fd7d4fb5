// Package sessionmgr owns the pool of worker sessions: creation under
// capacity and spawn-breaker limits, command admission, idle/expiry
// cleanup, suspension, resumption, and termination.
package sessionmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"sessiond/internal/domain"
	"sessiond/internal/infra/config"
	"sessiond/internal/infra/tracer"
	"sessiond/internal/usecase/correlate"
	"sessiond/internal/usecase/eventbus"
	"sessiond/internal/usecase/worker"
)

// Process is the worker subprocess contract the manager supervises. The
// default implementation is worker.Adapter; tests substitute fakes.
type Process interface {
	Start(ctx context.Context) error
	Send(ctx context.Context, req domain.WireRequest) error
	Events() <-chan domain.WireEvent
	Done() <-chan struct{}
	Err() error
	Shutdown(ctx context.Context) error
	Kill()
	Stderr() string
}

// ProcessFactory allocates one Process per session.
type ProcessFactory func(cfg worker.Config) Process

// Options carries the manager's collaborators. Factory defaults to the
// real subprocess adapter; Cache is optional.
type Options struct {
	Factory  ProcessFactory
	Bus      domain.EventBus
	Cache    domain.Cache
	CacheTTL time.Duration
	Logger   *slog.Logger
}

// Manager owns the session pool. The pool map is the only structure
// mutated by multiple concurrent callers; every session-state mutation
// happens behind that session's own lock.
type Manager struct {
	cfg       config.SessionsConfig
	workerCfg config.WorkerConfig
	factory   ProcessFactory
	bus       domain.EventBus
	cache     domain.Cache
	cacheTTL  time.Duration
	logger    *slog.Logger
	limiter   *rate.Limiter

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	spawnMu  sync.Mutex
	spawners map[string]*gobreaker.CircuitBreaker[Process]
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// New creates a session manager.
func New(cfg config.SessionsConfig, workerCfg config.WorkerConfig, opts Options) *Manager {
	factory := opts.Factory
	if factory == nil {
		factory = func(wc worker.Config) Process { return worker.New(wc, opts.Logger) }
	}
	m := &Manager{
		cfg:       cfg,
		workerCfg: workerCfg,
		factory:   factory,
		bus:       opts.Bus,
		cache:     opts.Cache,
		cacheTTL:  opts.CacheTTL,
		logger:    opts.Logger,
		sessions:  make(map[string]*session),
		spawners:  make(map[string]*gobreaker.CircuitBreaker[Process]),
	}
	if cfg.CommandRate > 0 {
		burst := cfg.CommandBurst
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(cfg.CommandRate), burst)
	}
	return m
}

// CreateSession allocates a session with a fresh worker subprocess. A
// subprocess start failure rolls the session back entirely; the id and
// capacity slot are released.
func (m *Manager) CreateSession(ctx context.Context, id, userID string, cfg domain.SessionConfig) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "SessionManager.CreateSession")
	defer span.End()
	const op = "SessionManager.CreateSession"

	if id == "" {
		id = domain.NewID()
	} else if !sessionIDPattern.MatchString(id) {
		return "", domain.NewDomainError(op, domain.ErrInvalidConfig, fmt.Sprintf("malformed session id %q", id))
	}

	cfg = config.ApplySessionDefaults(cfg, m.cfg.Defaults)
	if err := validateSessionConfig(cfg); err != nil {
		return "", err
	}

	now := time.Now()
	s := &session{
		id:           id,
		userID:       userID,
		cfg:          cfg,
		status:       domain.SessionInitializing,
		createdAt:    now,
		lastActivity: now,
	}
	if cfg.MaxLifetime > 0 {
		expires := now.Add(cfg.MaxLifetime)
		s.expiresAt = &expires
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", domain.NewDomainError(op, domain.ErrInvalidState, "manager is shut down")
	}
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return "", domain.NewDomainError(op, domain.ErrDuplicateSession, id)
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return "", domain.NewDomainError(op, domain.ErrCapacity,
			fmt.Sprintf("session cap %d reached", m.cfg.MaxSessions))
	}
	// Reserves the id and capacity slot while the subprocess starts.
	m.sessions[id] = s
	m.mu.Unlock()

	proc, err := m.spawn(ctx, cfg)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		tracer.RecordError(span, err)
		return "", err
	}

	corr := correlate.New(id, proc, correlate.Config{
		ResponseTimeout: m.workerCfg.ResponseTimeout,
		ControlTimeout:  m.workerCfg.ControlTimeout,
	}, m.logger)

	s.mu.Lock()
	s.proc = proc
	s.corr = corr
	s.status = domain.SessionActive
	s.mu.Unlock()

	if m.cfg.AutoCleanup {
		m.armTimer(s)
	}

	eventbus.Emit(ctx, m.bus, m.logger, domain.EventWorkerStarted, id, "", nil)
	eventbus.Emit(ctx, m.bus, m.logger, domain.EventSessionCreated, id, "", s.snapshot())
	m.logger.Info("session created", "session_id", id, "user_id", userID, "workdir", cfg.WorkDir)
	return id, nil
}

// spawn starts a worker through the per-workdir circuit breaker so a
// directory whose workers repeatedly fail to start cannot burn the pool.
func (m *Manager) spawn(ctx context.Context, cfg domain.SessionConfig) (Process, error) {
	cb := m.spawnerFor(cfg.WorkDir)
	proc, err := cb.Execute(func() (Process, error) {
		p := m.factory(worker.Config{
			Command:         m.workerCfg.Command,
			Args:            m.workerCfg.Args,
			WorkDir:         cfg.WorkDir,
			PermissionMode:  cfg.PermissionMode,
			ReadyTimeout:    m.workerCfg.ReadyTimeout,
			ShutdownTimeout: m.workerCfg.ShutdownTimeout,
			StderrBufferMax: m.workerCfg.StderrBufferMax,
		})
		if err := p.Start(ctx); err != nil {
			return nil, err
		}
		return p, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.NewDomainError("SessionManager.spawn", domain.ErrSpawnBlocked,
				fmt.Sprintf("workdir %s", cfg.WorkDir))
		}
		return nil, domain.WrapOp("SessionManager.spawn", err)
	}
	return proc, nil
}

func (m *Manager) spawnerFor(workdir string) *gobreaker.CircuitBreaker[Process] {
	m.spawnMu.Lock()
	defer m.spawnMu.Unlock()
	if cb, ok := m.spawners[workdir]; ok {
		return cb
	}
	maxFailures := m.cfg.SpawnBreaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = 3
	}
	cb := gobreaker.NewCircuitBreaker[Process](gobreaker.Settings{
		Name:     "spawn:" + workdir,
		Interval: m.cfg.SpawnBreaker.Interval,
		Timeout:  m.cfg.SpawnBreaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	})
	m.spawners[workdir] = cb
	return cb
}

// ExecuteCommand dispatches one command on a session and blocks until its
// terminal outcome. Counters are incremented before dispatch and
// decremented on every exit path.
func (m *Manager) ExecuteCommand(ctx context.Context, sessionID string, req domain.CommandRequest) (*domain.CommandResult, error) {
	ctx, span := tracer.StartSpan(ctx, "SessionManager.ExecuteCommand", trace.WithAttributes(
		tracer.StringAttr("session_id", sessionID),
		tracer.StringAttr("kind", string(req.Kind)),
	))
	defer span.End()
	const op = "SessionManager.ExecuteCommand"

	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}

	if m.limiter != nil && !m.limiter.Allow() {
		return nil, domain.NewDomainError(op, domain.ErrCapacity, "command rate limit exceeded")
	}

	if req.Kind == domain.CommandStatus {
		if res, ok := m.cachedStatus(ctx, sessionID); ok {
			return res, nil
		}
	}

	resumed := false
	s.mu.Lock()
	switch s.status {
	case domain.SessionActive:
	case domain.SessionIdle:
		s.status = domain.SessionActive
		resumed = true
	default:
		status := s.status
		s.mu.Unlock()
		return nil, domain.NewDomainError(op, domain.ErrSessionInactive,
			fmt.Sprintf("session %s is %s", sessionID, status))
	}
	if s.activeCommands >= s.cfg.MaxConcurrentCommands {
		s.mu.Unlock()
		return nil, domain.NewDomainError(op, domain.ErrConcurrencyLimit,
			fmt.Sprintf("session %s at concurrency cap %d", sessionID, s.cfg.MaxConcurrentCommands))
	}
	s.activeCommands++
	s.totalCommands++
	s.lastActivity = time.Now()
	corr := s.corr
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.activeCommands--
		s.lastActivity = time.Now()
		s.mu.Unlock()
	}()

	if resumed {
		eventbus.Emit(ctx, m.bus, m.logger, domain.EventSessionResumed, sessionID, "", nil)
	}

	result, err := corr.Execute(ctx, req)
	switch {
	case err != nil:
		tracer.RecordError(span, err)
		eventbus.Emit(ctx, m.bus, m.logger, domain.EventCommandFailed, sessionID, req.RunID,
			map[string]any{"error": err.Error()})
		return result, err
	case result.Status == domain.RunCancelled:
		eventbus.Emit(ctx, m.bus, m.logger, domain.EventCommandCancelled, sessionID, result.RunID, nil)
	case !result.Success:
		eventbus.Emit(ctx, m.bus, m.logger, domain.EventCommandFailed, sessionID, result.RunID,
			map[string]any{"message": result.Message})
	default:
		eventbus.Emit(ctx, m.bus, m.logger, domain.EventCommandExecuted, sessionID, result.RunID, nil)
	}
	m.updateCache(ctx, sessionID, req.Kind, result)
	return result, nil
}

// SuspendSession cancels in-flight commands best-effort and parks the
// session. Suspending an already-suspended session is a no-op.
func (m *Manager) SuspendSession(ctx context.Context, id, reason string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	switch s.status {
	case domain.SessionSuspended:
		s.mu.Unlock()
		return nil
	case domain.SessionActive, domain.SessionIdle:
		s.status = domain.SessionSuspended
	default:
		status := s.status
		s.mu.Unlock()
		return domain.NewDomainError("SessionManager.Suspend", domain.ErrInvalidState,
			fmt.Sprintf("cannot suspend %s session", status))
	}
	corr := s.corr
	s.mu.Unlock()

	corr.CancelAll(ctx)
	eventbus.Emit(ctx, m.bus, m.logger, domain.EventSessionSuspended, id, "", map[string]any{"reason": reason})
	m.logger.Info("session suspended", "session_id", id, "reason", reason)
	return nil
}

// ResumeSession reactivates a suspended session.
func (m *Manager) ResumeSession(ctx context.Context, id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.status != domain.SessionSuspended {
		status := s.status
		s.mu.Unlock()
		return domain.NewDomainError("SessionManager.Resume", domain.ErrInvalidState,
			fmt.Sprintf("cannot resume %s session", status))
	}
	s.status = domain.SessionActive
	s.lastActivity = time.Now()
	s.mu.Unlock()

	eventbus.Emit(ctx, m.bus, m.logger, domain.EventSessionResumed, id, "", nil)
	m.logger.Info("session resumed", "session_id", id)
	return nil
}

// TerminateSession releases a session and its worker. Idempotent: unknown
// and already-terminated ids are silent no-ops, and termination never
// fails. Cancellation and shutdown problems during teardown are logged.
func (m *Manager) TerminateSession(ctx context.Context, id, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.status == domain.SessionTerminated {
		s.mu.Unlock()
		return
	}
	s.status = domain.SessionTerminated
	timer := s.timer
	s.timer = nil
	corr := s.corr
	proc := s.proc
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if corr != nil {
		corr.CancelAll(ctx)
	}
	if proc != nil {
		if err := proc.Shutdown(ctx); err != nil {
			m.logger.Warn("worker shutdown failed during termination", "session_id", id, "error", err)
		}
		eventbus.Emit(ctx, m.bus, m.logger, domain.EventWorkerExited, id, "", nil)
	}

	m.invalidateSession(ctx, id)
	eventbus.Emit(ctx, m.bus, m.logger, domain.EventSessionTerminated, id, "", map[string]any{"reason": reason})
	m.logger.Info("session terminated", "session_id", id, "reason", reason)
}

// Sweep runs one cleanup pass over the whole pool. The janitor calls this
// on a fixed schedule; per-session timers run the same decision
// independently.
func (m *Manager) Sweep(ctx context.Context) {
	m.mu.Lock()
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	for _, s := range list {
		m.checkSession(ctx, s)
	}
}

// ListSessions returns a point-in-time snapshot of every session.
func (m *Manager) ListSessions() []domain.SessionSnapshot {
	m.mu.Lock()
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	out := make([]domain.SessionSnapshot, 0, len(list))
	for _, s := range list {
		out = append(out, s.snapshot())
	}
	return out
}

// GetSession returns one session's snapshot.
func (m *Manager) GetSession(id string) (domain.SessionSnapshot, error) {
	s, err := m.get(id)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	return s.snapshot(), nil
}

// RunResult returns a recently finished run's result for inspection.
func (m *Manager) RunResult(sessionID, runID string) (*domain.CommandResult, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	corr, ok := s.correlator()
	if !ok {
		return nil, domain.NewDomainError("SessionManager.RunResult", domain.ErrSessionInactive,
			fmt.Sprintf("session %s is initializing", sessionID))
	}
	if res, ok := corr.Result(runID); ok {
		return res, nil
	}
	return nil, domain.NewSubSystemError("run", "SessionManager.RunResult", domain.ErrNotFound, runID)
}

// SubscribeRun attaches a subscriber to a run's streamed events.
func (m *Manager) SubscribeRun(sessionID, runID string, sub domain.RunSubscriber) (func(), error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	corr, ok := s.correlator()
	if !ok {
		return nil, domain.NewDomainError("SessionManager.SubscribeRun", domain.ErrSessionInactive,
			fmt.Sprintf("session %s is initializing", sessionID))
	}
	return corr.Subscribe(runID, sub), nil
}

// Shutdown terminates every session and refuses new creations.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.TerminateSession(ctx, id, "daemon shutdown")
	}
	m.logger.Info("session manager stopped", "terminated", len(ids))
}

// --- recovery operations ---

// RetryCommand re-dispatches a previously issued command by run id.
func (m *Manager) RetryCommand(ctx context.Context, sessionID, runID string) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	corr, ok := s.correlator()
	if !ok {
		return domain.NewDomainError("SessionManager.RetryCommand", domain.ErrSessionInactive,
			fmt.Sprintf("session %s is initializing", sessionID))
	}
	req, ok := corr.Request(runID)
	if !ok {
		return domain.NewSubSystemError("run", "SessionManager.RetryCommand", domain.ErrNotFound, runID)
	}
	result, err := m.ExecuteCommand(ctx, sessionID, req)
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("SessionManager.RetryCommand: run %s failed: %s", runID, result.Message)
	}
	return nil
}

// CheckHealth verifies one session answers a status round-trip; with an
// empty id it verifies no pooled worker has died.
func (m *Manager) CheckHealth(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		for _, s := range m.liveSessions() {
			select {
			case <-s.proc.Done():
				return fmt.Errorf("SessionManager.CheckHealth: session %s: %w", s.id, domain.ErrWorkerFailed)
			default:
			}
		}
		return nil
	}

	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	corr, ok := s.correlator()
	if !ok {
		return domain.NewDomainError("SessionManager.CheckHealth", domain.ErrSessionInactive,
			fmt.Sprintf("session %s is initializing", sessionID))
	}
	_, err = corr.Execute(ctx, domain.CommandRequest{Kind: domain.CommandStatus})
	return domain.WrapOp("SessionManager.CheckHealth", err)
}

// RestartSession terminates and recreates a session with its original id
// and configuration.
func (m *Manager) RestartSession(ctx context.Context, sessionID string) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	snap := s.snapshot()
	m.TerminateSession(ctx, sessionID, "recovery restart")
	_, err = m.CreateSession(ctx, snap.ID, snap.UserID, snap.Config)
	return domain.WrapOp("SessionManager.RestartSession", err)
}

// --- internals ---

func (m *Manager) get(id string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.NewSubSystemError("session", "SessionManager", domain.ErrNotFound, id)
	}
	return s, nil
}

// liveSessions returns sessions whose worker has finished initializing.
func (m *Manager) liveSessions() []*session {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		s.mu.Lock()
		live := s.proc != nil
		s.mu.Unlock()
		if live {
			list = append(list, s)
		}
	}
	return list
}

// armTimer schedules the per-session staleness check. It re-arms itself
// until the session terminates.
func (m *Manager) armTimer(s *session) {
	interval := m.cfg.CleanupInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == domain.SessionTerminated {
		return
	}
	s.timer = time.AfterFunc(interval, func() {
		m.checkSession(context.Background(), s)
		m.armTimer(s)
	})
}

// checkSession applies the shared staleness decision to one session.
func (m *Manager) checkSession(ctx context.Context, s *session) {
	now := time.Now()
	s.mu.Lock()
	action := s.decideStale(now)
	if action == staleMarkIdle {
		s.status = domain.SessionIdle
	}
	s.mu.Unlock()

	switch action {
	case staleMarkIdle:
		eventbus.Emit(ctx, m.bus, m.logger, domain.EventSessionIdle, s.id, "", nil)
		m.logger.Debug("session idle", "session_id", s.id)
	case staleTerminate:
		m.TerminateSession(ctx, s.id, "idle or lifetime threshold exceeded")
	}
}

func statusCacheKey(sessionID string) string { return "session:" + sessionID + ":status" }

// cachedStatus consults the read-path cache for a recent status result.
// Cache failures are logged and treated as misses.
func (m *Manager) cachedStatus(ctx context.Context, sessionID string) (*domain.CommandResult, bool) {
	if m.cache == nil {
		return nil, false
	}
	raw, ok, err := m.cache.Get(ctx, statusCacheKey(sessionID))
	if err != nil {
		m.logger.Debug("cache read failed", "session_id", sessionID, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var res domain.CommandResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, false
	}
	return &res, true
}

// updateCache populates the cache after successful status reads and
// invalidates stale entries after mutating commands.
func (m *Manager) updateCache(ctx context.Context, sessionID string, kind domain.CommandKind, result *domain.CommandResult) {
	if m.cache == nil || result == nil || !result.Success {
		return
	}
	switch kind {
	case domain.CommandStatus:
		data, err := json.Marshal(result)
		if err != nil {
			return
		}
		if err := m.cache.Set(ctx, statusCacheKey(sessionID), string(data), m.cacheTTL); err != nil {
			m.logger.Debug("cache write failed", "session_id", sessionID, "error", err)
		}
	case domain.CommandPrompt:
		// A prompt mutates session state; stale status reads must not
		// survive it.
		if err := m.cache.Delete(ctx, statusCacheKey(sessionID)); err != nil {
			m.logger.Debug("cache invalidation failed", "session_id", sessionID, "error", err)
			return
		}
		eventbus.Emit(ctx, m.bus, m.logger, domain.EventCacheInvalidated, sessionID, "",
			map[string]any{"key": statusCacheKey(sessionID)})
	}
}

// invalidateSession drops every cache entry scoped to a session.
func (m *Manager) invalidateSession(ctx context.Context, sessionID string) {
	if m.cache == nil {
		return
	}
	prefix := "session:" + sessionID
	if err := m.cache.DeleteByPrefix(ctx, prefix); err != nil {
		m.logger.Debug("cache invalidation failed", "session_id", sessionID, "error", err)
		return
	}
	eventbus.Emit(ctx, m.bus, m.logger, domain.EventCacheInvalidated, sessionID, "",
		map[string]any{"prefix": prefix})
}

func validateSessionConfig(cfg domain.SessionConfig) error {
	const op = "SessionManager.CreateSession"
	if cfg.WorkDir == "" {
		return domain.NewDomainError(op, domain.ErrInvalidConfig, "workdir is required")
	}
	if cfg.MaxIdleTime < 0 || cfg.MaxLifetime < 0 {
		return domain.NewDomainError(op, domain.ErrInvalidConfig, "negative timeout")
	}
	if cfg.MaxConcurrentCommands <= 0 {
		return domain.NewDomainError(op, domain.ErrInvalidConfig, "max_concurrent_commands must be positive")
	}
	if !domain.ValidPermissionMode(cfg.PermissionMode) {
		return domain.NewDomainError(op, domain.ErrInvalidConfig,
			fmt.Sprintf("unknown permission mode %q", cfg.PermissionMode))
	}
	return nil
}
