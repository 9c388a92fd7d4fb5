package domain

import "time"

// SessionStatus represents the lifecycle state of a worker session.
type SessionStatus string

const (
	SessionInitializing SessionStatus = "initializing"
	SessionActive       SessionStatus = "active"
	SessionIdle         SessionStatus = "idle"
	SessionSuspended    SessionStatus = "suspended"
	SessionTerminated   SessionStatus = "terminated"
)

// PermissionMode controls what the worker subprocess is allowed to do
// inside its working directory.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "accept_edits"
	PermissionBypass      PermissionMode = "bypass"
	PermissionPlan        PermissionMode = "plan"
)

// ValidPermissionMode reports whether m is one of the known modes.
func ValidPermissionMode(m PermissionMode) bool {
	switch m {
	case PermissionDefault, PermissionAcceptEdits, PermissionBypass, PermissionPlan:
		return true
	}
	return false
}

// SessionConfig is the per-session configuration snapshot. It is captured
// at creation time and never mutated afterwards.
type SessionConfig struct {
	WorkDir               string         `json:"workdir" yaml:"workdir"`
	PermissionMode        PermissionMode `json:"permission_mode" yaml:"permission_mode"`
	MaxIdleTime           time.Duration  `json:"max_idle_time" yaml:"max_idle_time"`
	MaxLifetime           time.Duration  `json:"max_lifetime" yaml:"max_lifetime"`
	MaxConcurrentCommands int            `json:"max_concurrent_commands" yaml:"max_concurrent_commands"`
}

// SessionSnapshot is a point-in-time view of a session for listing and
// inspection. It carries no live references to the underlying worker.
type SessionSnapshot struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id,omitempty"`
	Status         SessionStatus `json:"status"`
	Config         SessionConfig `json:"config"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	ExpiresAt      *time.Time    `json:"expires_at,omitempty"`
	TotalCommands  int           `json:"total_commands"`
	ActiveCommands int           `json:"active_commands"`
}
