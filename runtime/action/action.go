// Package action implements the gated execution of external side effects
// requested by AI sessions.
//
// An agent never calls an external system directly: it submits an
// Invocation, the engine decides whether a human must approve it, and only
// then does the matching adapter execute. Every status move is a
// compare-and-swap in the store; two racing deciders cannot both win.
package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type (
	// Invocation is one requested side effect.
	Invocation struct {
		// ID is the durable identifier of the invocation.
		ID string
		// SessionID is the requesting session. Lookups are scoped by it:
		// an invocation id under the wrong session does not exist.
		SessionID string
		// OrgID is the owning organization.
		OrgID string
		// AdapterID names the adapter that will execute.
		AdapterID string
		// Name is the adapter-scoped action name ("send-message").
		Name string
		// Args is the JSON argument payload.
		Args json.RawMessage
		// Risk classifies the blast radius of the action.
		Risk RiskLevel
		// Status is the current lifecycle state.
		Status Status
		// RequestedBy records the requesting agent run.
		RequestedBy string
		// DecidedBy records who approved or denied: a user id, or
		// "grant:<id>" for grant auto-approvals, or "auto" for read-risk.
		DecidedBy string
		// Result is the adapter's output for completed invocations.
		Result json.RawMessage
		// Error records the failure cause for failed invocations.
		Error string
		// ExpiresAt bounds how long a pending invocation stays decidable.
		ExpiresAt time.Time
		// CreatedAt records submission time.
		CreatedAt time.Time
		// UpdatedAt records the last status change.
		UpdatedAt time.Time
		// DecidedAt is set when a decision lands.
		DecidedAt *time.Time
		// ExecutedAt is set when execution finishes.
		ExecutedAt *time.Time
	}

	// Grant is a scoped auto-approval: while live, matching invocations
	// approve without a human in the loop.
	Grant struct {
		// ID is the durable identifier of the grant.
		ID string
		// SessionID scopes the grant to one session.
		SessionID string
		// OrgID is the owning organization.
		OrgID string
		// Scope is the action scope the grant covers, "adapter:name".
		Scope string
		// MaxCalls is the total number of auto-approvals granted.
		MaxCalls int
		// RemainingCalls counts down with each auto-approval.
		RemainingCalls int
		// CreatedBy is the approving user.
		CreatedBy string
		// CreatedAt records when the grant was issued.
		CreatedAt time.Time
	}

	// RiskLevel classifies an action's blast radius.
	RiskLevel string

	// Status represents the lifecycle state of an invocation.
	Status string
)

const (
	// RiskRead is a side-effect-free lookup. Auto-approved.
	RiskRead RiskLevel = "read"
	// RiskWrite mutates external state. Requires approval or a grant.
	RiskWrite RiskLevel = "write"
	// RiskDanger is destructive or irreversible. Requires approval or a
	// grant.
	RiskDanger RiskLevel = "danger"
)

const (
	// StatusPending awaits a decision.
	StatusPending Status = "pending"
	// StatusApproved is decided but not yet executing.
	StatusApproved Status = "approved"
	// StatusExecuting is running in the adapter.
	StatusExecuting Status = "executing"
	// StatusCompleted finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed finished in error.
	StatusFailed Status = "failed"
	// StatusDenied was rejected by a decider.
	StatusDenied Status = "denied"
	// StatusExpired outlived its decision window.
	StatusExpired Status = "expired"
)

var (
	// ErrNotFound indicates the invocation does not exist under the
	// session.
	ErrNotFound = errors.New("action invocation not found")
	// ErrExpired indicates the invocation outlived its decision window.
	ErrExpired = errors.New("action invocation expired")
	// ErrConflict indicates the invocation is not in the status the
	// operation requires. The caller lost a race or is replaying.
	ErrConflict = errors.New("action invocation status conflict")
	// ErrAdapterFailure indicates the adapter failed to execute an
	// approved invocation.
	ErrAdapterFailure = errors.New("action adapter failure")
	// ErrUnknownAdapter indicates no adapter is registered for the
	// invocation.
	ErrUnknownAdapter = errors.New("unknown action adapter")
)

// transitions is the legal invocation lifecycle. Absent keys are terminal.
var transitions = map[Status][]Status{
	StatusPending:   {StatusApproved, StatusDenied, StatusExpired},
	StatusApproved:  {StatusExecuting},
	StatusExecuting: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether an invocation may move between statuses.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status accepts no further transitions.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// NeedsApproval reports whether the risk level requires a human decision or
// a live grant before execution.
func (r RiskLevel) NeedsApproval() bool {
	return r == RiskWrite || r == RiskDanger
}

// GrantScope formats the scope string a grant must carry to cover an
// adapter action.
func GrantScope(adapterID, name string) string {
	return fmt.Sprintf("%s:%s", adapterID, name)
}

// Scope returns the invocation's grant scope.
func (i Invocation) Scope() string {
	return GrantScope(i.AdapterID, i.Name)
}
