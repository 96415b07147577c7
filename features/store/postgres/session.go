package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/proliferate-ai/proliferate/runtime/session"
)

// SessionStore persists sessions.
type SessionStore struct {
	db *DB
}

const (
	sessionColumns = `id, org_id, user_id, status, sandbox_id, client_type, client_metadata, configuration_id, created_at, updated_at, last_activity_at`

	// activeSessionStatuses mirrors Status.HoldsSandbox for SQL filters.
	activeSessionStatuses = `('starting', 'running', 'idle', 'recovering')`
)

var _ session.Store = (*SessionStore)(nil)

// Create persists a new session.
func (s *SessionStore) Create(ctx context.Context, sess session.Session) error {
	if !session.ValidState(sess.Status, sess.SandboxID) {
		return session.ErrSandboxPairing
	}
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	_, err := s.db.pool.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sess.ID, sess.OrgID, sess.UserID, string(sess.Status), sess.SandboxID,
		string(sess.ClientType), jsonArg(sess.ClientMetadata), sess.ConfigurationID,
		sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(), sess.LastActivityAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get loads a session. Returns ErrNotFound when missing.
func (s *SessionStore) Get(ctx context.Context, id string) (session.Session, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	sess, err := scanSession(s.db.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.Session{}, session.ErrNotFound
		}
		return session.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// SetState writes status and sandbox id together so the pairing invariant
// cannot be broken halfway.
func (s *SessionStore) SetState(ctx context.Context, id string, status session.Status, sandboxID string, now time.Time) error {
	if !session.ValidState(status, sandboxID) {
		return session.ErrSandboxPairing
	}
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE sessions SET status = $2, sandbox_id = $3, updated_at = $4 WHERE id = $1`,
		id, string(status), sandboxID, now.UTC(),
	)
	if err != nil {
		return fmt.Errorf("set session state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrNotFound
	}
	return nil
}

// Touch updates LastActivityAt.
func (s *SessionStore) Touch(ctx context.Context, id string, now time.Time) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE sessions SET last_activity_at = $2 WHERE id = $1`,
		id, now.UTC(),
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrNotFound
	}
	return nil
}

// CountActive counts org sessions currently holding a sandbox.
func (s *SessionStore) CountActive(ctx context.Context, orgID string) (int, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	var n int
	if err := s.db.pool.QueryRow(ctx, `
		SELECT count(*) FROM sessions
		WHERE org_id = $1 AND status IN `+activeSessionStatuses,
		orgID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

// ActiveByOrg lists org sessions currently holding a sandbox, oldest first.
func (s *SessionStore) ActiveByOrg(ctx context.Context, orgID string) ([]session.Session, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE org_id = $1 AND status IN `+activeSessionStatuses+`
		ORDER BY created_at`,
		orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()
	var out []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list active sessions: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return out, nil
}

func scanSession(row pgx.Row) (session.Session, error) {
	var sess session.Session
	if err := row.Scan(
		&sess.ID, &sess.OrgID, &sess.UserID, &sess.Status, &sess.SandboxID,
		&sess.ClientType, &sess.ClientMetadata, &sess.ConfigurationID,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.LastActivityAt,
	); err != nil {
		return session.Session{}, err
	}
	return sess, nil
}
