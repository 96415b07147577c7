package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/proliferate-ai/proliferate/runtime/action"
)

// ActionStore persists action invocations and approval grants.
type ActionStore struct {
	db *DB
}

const (
	invocationColumns = `id, session_id, org_id, adapter_id, name, args, risk, status, requested_by, decided_by, result, error, expires_at, created_at, updated_at, decided_at, executed_at`
	grantColumns      = `id, session_id, org_id, scope, max_calls, remaining_calls, created_by, created_at`
)

var _ action.Store = (*ActionStore)(nil)

// CreateInvocation persists a new invocation.
func (s *ActionStore) CreateInvocation(ctx context.Context, inv action.Invocation) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	_, err := s.db.pool.Exec(ctx, `
		INSERT INTO action_invocations (`+invocationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		inv.ID, inv.SessionID, inv.OrgID, inv.AdapterID, inv.Name, jsonArg(inv.Args),
		string(inv.Risk), string(inv.Status), inv.RequestedBy, inv.DecidedBy,
		jsonArg(inv.Result), inv.Error, inv.ExpiresAt.UTC(), inv.CreatedAt.UTC(),
		inv.UpdatedAt.UTC(), nullableTime(inv.DecidedAt), nullableTime(inv.ExecutedAt),
	)
	if err != nil {
		return fmt.Errorf("insert action invocation: %w", err)
	}
	return nil
}

// GetInvocation loads an invocation scoped by session. An invocation id
// under the wrong session does not exist.
func (s *ActionStore) GetInvocation(ctx context.Context, sessionID, id string) (action.Invocation, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	inv, err := scanInvocation(s.db.pool.QueryRow(ctx, `
		SELECT `+invocationColumns+`
		FROM action_invocations
		WHERE id = $1 AND session_id = $2`,
		id, sessionID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return action.Invocation{}, action.ErrNotFound
		}
		return action.Invocation{}, fmt.Errorf("get action invocation: %w", err)
	}
	return inv, nil
}

// Transition moves an invocation between statuses. The compare-and-swap on
// the current status makes concurrent decisions race safely: exactly one
// wins, the rest get ErrConflict.
func (s *ActionStore) Transition(ctx context.Context, id string, from, to action.Status, update action.TransitionUpdate) (action.Invocation, error) {
	if !action.CanTransition(from, to) {
		return action.Invocation{}, action.ErrConflict
	}
	decided := to == action.StatusApproved || to == action.StatusDenied || to == action.StatusExpired
	executed := to == action.StatusCompleted || to == action.StatusFailed
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	inv, err := scanInvocation(s.db.pool.QueryRow(ctx, `
		UPDATE action_invocations
		SET status      = $3,
		    decided_by  = CASE WHEN $4 <> '' THEN $4 ELSE decided_by END,
		    result      = COALESCE($5, result),
		    error       = CASE WHEN $6 <> '' THEN $6 ELSE error END,
		    updated_at  = $7,
		    decided_at  = CASE WHEN $8 THEN $7 ELSE decided_at END,
		    executed_at = CASE WHEN $9 THEN $7 ELSE executed_at END
		WHERE id = $1 AND status = $2
		RETURNING `+invocationColumns,
		id, string(from), string(to), update.DecidedBy, jsonArg(update.Result),
		update.Cause, update.Now.UTC(), decided, executed,
	))
	if err == nil {
		return inv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return action.Invocation{}, fmt.Errorf("transition action invocation: %w", err)
	}
	var exists bool
	if err := s.db.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM action_invocations WHERE id = $1)`, id).Scan(&exists); err != nil {
		return action.Invocation{}, fmt.Errorf("check action invocation: %w", err)
	}
	if exists {
		return action.Invocation{}, action.ErrConflict
	}
	return action.Invocation{}, action.ErrNotFound
}

// PendingBySession lists undecided invocations for a session, oldest first.
func (s *ActionStore) PendingBySession(ctx context.Context, sessionID string) ([]action.Invocation, error) {
	return s.listInvocations(ctx, `
		SELECT `+invocationColumns+`
		FROM action_invocations
		WHERE session_id = $1 AND status = $2
		ORDER BY created_at`,
		sessionID, string(action.StatusPending),
	)
}

// ExpiredPending lists pending invocations whose deadline has passed,
// earliest deadline first.
func (s *ActionStore) ExpiredPending(ctx context.Context, now time.Time, limit int) ([]action.Invocation, error) {
	return s.listInvocations(ctx, `
		SELECT `+invocationColumns+`
		FROM action_invocations
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at
		LIMIT $3`,
		string(action.StatusPending), now.UTC(), listLimit(limit),
	)
}

// CreateGrant persists a new grant.
func (s *ActionStore) CreateGrant(ctx context.Context, g action.Grant) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	_, err := s.db.pool.Exec(ctx, `
		INSERT INTO action_grants (`+grantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		g.ID, g.SessionID, g.OrgID, g.Scope, g.MaxCalls, g.RemainingCalls,
		g.CreatedBy, g.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert action grant: %w", err)
	}
	return nil
}

// ConsumeGrant atomically takes one call from the oldest live grant
// matching the session and scope. SKIP LOCKED keeps concurrent consumers
// from serializing on the same row.
func (s *ActionStore) ConsumeGrant(ctx context.Context, sessionID, scope string) (action.Grant, bool, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	var g action.Grant
	err := s.db.pool.QueryRow(ctx, `
		UPDATE action_grants
		SET remaining_calls = remaining_calls - 1
		WHERE id = (
			SELECT id FROM action_grants
			WHERE session_id = $1 AND scope = $2 AND remaining_calls > 0
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+grantColumns,
		sessionID, scope,
	).Scan(
		&g.ID, &g.SessionID, &g.OrgID, &g.Scope, &g.MaxCalls, &g.RemainingCalls,
		&g.CreatedBy, &g.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return action.Grant{}, false, nil
		}
		return action.Grant{}, false, fmt.Errorf("consume action grant: %w", err)
	}
	return g, true, nil
}

func (s *ActionStore) listInvocations(ctx context.Context, query string, args ...any) ([]action.Invocation, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list action invocations: %w", err)
	}
	defer rows.Close()
	var out []action.Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("list action invocations: %w", err)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list action invocations: %w", err)
	}
	return out, nil
}

func scanInvocation(row pgx.Row) (action.Invocation, error) {
	var inv action.Invocation
	if err := row.Scan(
		&inv.ID, &inv.SessionID, &inv.OrgID, &inv.AdapterID, &inv.Name, &inv.Args,
		&inv.Risk, &inv.Status, &inv.RequestedBy, &inv.DecidedBy, &inv.Result,
		&inv.Error, &inv.ExpiresAt, &inv.CreatedAt, &inv.UpdatedAt,
		&inv.DecidedAt, &inv.ExecutedAt,
	); err != nil {
		return action.Invocation{}, err
	}
	return inv, nil
}
