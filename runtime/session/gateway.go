package session

import (
	"context"
	"encoding/json"
	"errors"
)

type (
	// CreateRequest asks the gateway to start a session.
	CreateRequest struct {
		// OrgID is the owning organization.
		OrgID string
		// UserID is the owning user, empty for automation sessions.
		UserID string
		// ClientType names the surface that owns the conversation.
		ClientType ClientType
		// ClientMetadata carries surface-specific routing data.
		ClientMetadata json.RawMessage
		// ConfigurationID selects the workspace configuration.
		ConfigurationID string
		// Prompt is the opening instruction for the agent.
		Prompt string
		// RunID links the session to an automation run, when one spawned it.
		RunID string
	}

	// CreateResult is the gateway's answer to a create request.
	CreateResult struct {
		// SessionID is the identifier of the created session.
		SessionID string
		// SandboxID is the execution sandbox backing it.
		SandboxID string
	}

	// Gateway is the external service that owns sandbox execution. The
	// runtime calls it with the service-to-service token; it never executes
	// agent turns itself.
	Gateway interface {
		// CreateSession starts a session and its sandbox.
		CreateSession(ctx context.Context, req CreateRequest) (CreateResult, error)
		// SendPrompt delivers a follow-up instruction to a live session.
		SendPrompt(ctx context.Context, sessionID, prompt string) error
		// Interrupt asks the agent to stop its current activity.
		Interrupt(ctx context.Context, sessionID, reason string) error
		// Terminate force-stops a session and releases its sandbox.
		Terminate(ctx context.Context, sessionID, reason string) error
	}
)

var (
	// ErrGatewayUnavailable indicates the gateway could not provide a
	// sandbox. Callers surface this as a retryable infrastructure failure,
	// never as a permanent run failure.
	ErrGatewayUnavailable = errors.New("session gateway unavailable")
	// ErrSessionGone indicates the gateway no longer knows the session.
	ErrSessionGone = errors.New("session gone from gateway")
)
