package sessionmgr

import (
	"sync"
	"time"

	"sessiond/internal/domain"
	"sessiond/internal/usecase/correlate"
)

// session pairs one worker process with one correlator for its entire
// lifetime. All mutable state is guarded by mu; blocking calls (dispatch,
// shutdown) never happen while mu is held.
type session struct {
	id     string
	userID string
	cfg    domain.SessionConfig

	proc Process
	corr *correlate.Correlator

	mu             sync.Mutex
	status         domain.SessionStatus
	createdAt      time.Time
	lastActivity   time.Time
	expiresAt      *time.Time
	totalCommands  int
	activeCommands int
	timer          *time.Timer
}

// correlator returns the session's correlator, or false while the worker
// is still initializing. The pool map holds a placeholder during spawn, so
// accessors must not assume the pair is wired yet.
func (s *session) correlator() (*correlate.Correlator, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.corr, s.corr != nil
}

func (s *session) snapshot() domain.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := domain.SessionSnapshot{
		ID:             s.id,
		UserID:         s.userID,
		Status:         s.status,
		Config:         s.cfg,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivity,
		TotalCommands:  s.totalCommands,
		ActiveCommands: s.activeCommands,
	}
	if s.expiresAt != nil {
		t := *s.expiresAt
		snap.ExpiresAt = &t
	}
	return snap
}

// staleAction is the cleanup decision for one session at one instant.
type staleAction int

const (
	staleNone staleAction = iota
	staleMarkIdle
	staleTerminate
)

// decideStale evaluates idle and lifetime thresholds against the same
// state reads used by command dispatch. A session flips to idle after
// half its configured idle time with no activity and no in-flight
// commands, and is terminated once the full idle time or its lifetime
// elapses. Both the global sweep and the per-session timer use this one
// decision so they can never disagree. Caller must hold s.mu.
func (s *session) decideStale(now time.Time) staleAction {
	if s.status == domain.SessionTerminated {
		return staleNone
	}
	if s.expiresAt != nil && now.After(*s.expiresAt) {
		return staleTerminate
	}
	if s.cfg.MaxIdleTime <= 0 || s.activeCommands > 0 {
		return staleNone
	}

	quiet := now.Sub(s.lastActivity)
	switch {
	case quiet >= s.cfg.MaxIdleTime && (s.status == domain.SessionActive || s.status == domain.SessionIdle):
		return staleTerminate
	case quiet >= s.cfg.MaxIdleTime/2 && s.status == domain.SessionActive:
		return staleMarkIdle
	default:
		return staleNone
	}
}
