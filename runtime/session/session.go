// Package session defines AI session lifecycle state as the runtime tracks
// it.
//
// Sessions execute in sandboxes owned by the external session gateway; the
// runtime records lifecycle state, admission results and the client that
// owns the conversation. The sandbox pairing rule is structural: statuses
// that mean "a sandbox exists" must carry a sandbox id and every other
// status must not.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type (
	// Session captures durable session lifecycle state.
	//
	// Contract:
	// - SandboxID is non-empty exactly when Status is one of starting,
	//   running, idle, recovering. Stores reject writes that violate the
	//   pairing.
	// - ClientType never changes after creation: the owning surface is
	//   part of the session's identity.
	Session struct {
		// ID is the durable identifier of the session.
		ID string
		// OrgID is the owning organization.
		OrgID string
		// UserID is the owning user, empty for automation sessions.
		UserID string
		// Status is the current lifecycle state.
		Status Status
		// SandboxID is the execution sandbox, present only for statuses
		// that hold one.
		SandboxID string
		// ClientType names the surface that owns the conversation.
		ClientType ClientType
		// ClientMetadata carries surface-specific routing data (a Slack
		// channel and thread, a CLI connection id).
		ClientMetadata json.RawMessage
		// ConfigurationID names the workspace configuration the sandbox
		// was built from.
		ConfigurationID string
		// CreatedAt records when the session was created.
		CreatedAt time.Time
		// UpdatedAt records the last state change.
		UpdatedAt time.Time
		// LastActivityAt records the last user or agent activity.
		LastActivityAt time.Time
	}

	// Status represents the lifecycle state of a session.
	Status string

	// ClientType names the surface that owns a session's conversation.
	ClientType string
)

const (
	// StatusStarting indicates the sandbox is being prepared.
	StatusStarting Status = "starting"
	// StatusRunning indicates the agent is actively working.
	StatusRunning Status = "running"
	// StatusIdle indicates the sandbox is up and waiting for input.
	StatusIdle Status = "idle"
	// StatusPaused indicates the session is suspended without a sandbox.
	StatusPaused Status = "paused"
	// StatusCompleted indicates the session ended successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the session ended in error.
	StatusFailed Status = "failed"
	// StatusRecovering indicates the runtime is rebuilding the sandbox
	// after an interruption.
	StatusRecovering Status = "recovering"
)

const (
	// ClientWeb is the browser surface.
	ClientWeb ClientType = "web"
	// ClientSlack is a Slack thread.
	ClientSlack ClientType = "slack"
	// ClientCLI is a terminal client.
	ClientCLI ClientType = "cli"
	// ClientAutomation is a run spawned by a trigger, with no human at the
	// keyboard.
	ClientAutomation ClientType = "automation"
)

var (
	// ErrNotFound indicates the session does not exist in the store.
	ErrNotFound = errors.New("session not found")
	// ErrSandboxPairing indicates a state write that breaks the
	// status/sandbox pairing rule.
	ErrSandboxPairing = errors.New("session status and sandbox id disagree")
)

// HoldsSandbox reports whether the status requires a sandbox id.
func (s Status) HoldsSandbox() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusIdle, StatusRecovering:
		return true
	}
	return false
}

// Terminal reports whether the session accepts no further state changes.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ValidState reports whether a status and sandbox id satisfy the pairing
// rule. Stores call this before every state write.
func ValidState(status Status, sandboxID string) bool {
	if status.HoldsSandbox() {
		return sandboxID != ""
	}
	return sandboxID == ""
}

// Store persists session lifecycle state.
type Store interface {
	// Create persists a new session.
	Create(ctx context.Context, s Session) error
	// Get loads a session. Returns ErrNotFound when missing.
	Get(ctx context.Context, id string) (Session, error)
	// SetState writes status and sandbox id together.
	//
	// Contract:
	// - Rejects writes where ValidState(status, sandboxID) is false with
	//   ErrSandboxPairing, leaving the row untouched.
	SetState(ctx context.Context, id string, status Status, sandboxID string, now time.Time) error
	// Touch updates LastActivityAt.
	Touch(ctx context.Context, id string, now time.Time) error
	// CountActive counts org sessions currently holding a sandbox. The
	// billing gate compares this against plan concurrency limits.
	CountActive(ctx context.Context, orgID string) (int, error)
	// ActiveByOrg lists org sessions currently holding a sandbox.
	ActiveByOrg(ctx context.Context, orgID string) ([]Session, error)
}
