package action

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// TransitionUpdate carries the fields written alongside a status move.
	TransitionUpdate struct {
		// DecidedBy records the decider for approval and denial moves.
		DecidedBy string
		// Result is the adapter output for completion moves.
		Result json.RawMessage
		// Cause is the failure reason for failure moves.
		Cause string
		// Now timestamps the move.
		Now time.Time
	}

	// Store persists invocations and grants.
	Store interface {
		// CreateInvocation persists a new invocation.
		CreateInvocation(ctx context.Context, inv Invocation) error
		// GetInvocation loads an invocation scoped by session. Returns
		// ErrNotFound when the id does not exist under the session.
		GetInvocation(ctx context.Context, sessionID, id string) (Invocation, error)
		// Transition moves an invocation between statuses.
		//
		// Contract:
		// - Compare-and-swap: the write succeeds only when the stored
		//   status equals from and CanTransition(from, to) holds.
		//   Returns ErrConflict otherwise, leaving the row untouched.
		Transition(ctx context.Context, id string, from, to Status, update TransitionUpdate) (Invocation, error)
		// PendingBySession lists undecided invocations for a session.
		PendingBySession(ctx context.Context, sessionID string) ([]Invocation, error)
		// ExpiredPending lists pending invocations whose ExpiresAt is in
		// the past. The sweeper expires them.
		ExpiredPending(ctx context.Context, now time.Time, limit int) ([]Invocation, error)

		// CreateGrant persists a new grant.
		CreateGrant(ctx context.Context, g Grant) error
		// ConsumeGrant atomically takes one call from a live grant
		// matching the session and scope. Returns the grant and true on
		// success, false when no grant has calls remaining.
		ConsumeGrant(ctx context.Context, sessionID, scope string) (Grant, bool, error)
	}
)
