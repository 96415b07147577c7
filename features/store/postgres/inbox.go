package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/proliferate-ai/proliferate/runtime/inbox"
)

// InboxStore persists webhook inbox rows.
type InboxStore struct {
	db *DB
}

const inboxColumns = `id, provider, source_id, delivery_id, status, attempts, max_attempts, payload, headers, error, created_at, updated_at, processed_at`

var _ inbox.Store = (*InboxStore)(nil)

// Insert persists a new row. The partial unique index on non-empty delivery
// ids makes the insert the redelivery suppression point: a provider retry
// with the same delivery id fails here with no partial row.
func (s *InboxStore) Insert(ctx context.Context, row inbox.Row) error {
	headers, err := encodeHeaders(row.Headers)
	if err != nil {
		return err
	}
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	_, err = s.db.pool.Exec(ctx, `
		INSERT INTO webhook_inbox (`+inboxColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		row.ID, row.Provider, row.SourceID, row.DeliveryID, string(row.Status), row.Attempts, row.MaxAttempts,
		row.Payload, headers, row.Error, row.CreatedAt.UTC(), row.UpdatedAt.UTC(), nullableTime(row.ProcessedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return inbox.ErrDuplicateDelivery
		}
		return fmt.Errorf("insert inbox row: %w", err)
	}
	return nil
}

// Get loads a row. Returns ErrNotFound when missing.
func (s *InboxStore) Get(ctx context.Context, id string) (inbox.Row, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	row, err := scanInboxRow(s.db.pool.QueryRow(ctx, `
		SELECT `+inboxColumns+` FROM webhook_inbox WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return inbox.Row{}, inbox.ErrNotFound
		}
		return inbox.Row{}, fmt.Errorf("get inbox row: %w", err)
	}
	return row, nil
}

// MarkProcessing claims a pending row for processing. The compare-and-swap
// on status guarantees a single winner under concurrent deliveries.
func (s *InboxStore) MarkProcessing(ctx context.Context, id string, now time.Time) (inbox.Row, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	row, err := scanInboxRow(s.db.pool.QueryRow(ctx, `
		UPDATE webhook_inbox
		SET status = 'processing', attempts = attempts + 1, updated_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING `+inboxColumns,
		id, now.UTC(),
	))
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return inbox.Row{}, fmt.Errorf("claim inbox row: %w", err)
	}
	exists, eerr := s.exists(ctx, id)
	if eerr != nil {
		return inbox.Row{}, eerr
	}
	if exists {
		return inbox.Row{}, inbox.ErrAlreadyClaimed
	}
	return inbox.Row{}, inbox.ErrNotFound
}

// MarkCompleted moves a row to completed. The note records the outcome for
// duplicate or unroutable deliveries.
func (s *InboxStore) MarkCompleted(ctx context.Context, id, note string, now time.Time) error {
	return s.finish(ctx, id, inbox.StatusCompleted, note, now)
}

// MarkSkipped moves a row to skipped with the given reason.
func (s *InboxStore) MarkSkipped(ctx context.Context, id, reason string, now time.Time) error {
	return s.finish(ctx, id, inbox.StatusSkipped, reason, now)
}

// MarkFailed records a processing failure. Rows with attempts left return to
// pending; rows at the attempt cap turn failed.
func (s *InboxStore) MarkFailed(ctx context.Context, id, cause string, now time.Time) (inbox.Row, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	row, err := scanInboxRow(s.db.pool.QueryRow(ctx, `
		UPDATE webhook_inbox
		SET status       = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
		    error        = $2,
		    updated_at   = $3,
		    processed_at = CASE WHEN attempts >= max_attempts THEN $3 ELSE processed_at END
		WHERE id = $1
		RETURNING `+inboxColumns,
		id, cause, now.UTC(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return inbox.Row{}, inbox.ErrNotFound
		}
		return inbox.Row{}, fmt.Errorf("fail inbox row: %w", err)
	}
	return row, nil
}

// PendingOlderThan lists pending rows last updated before the cutoff,
// oldest first.
func (s *InboxStore) PendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]inbox.Row, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.pool.Query(ctx, `
		SELECT `+inboxColumns+`
		FROM webhook_inbox
		WHERE status = 'pending' AND updated_at < $1
		ORDER BY id
		LIMIT $2`,
		cutoff.UTC(), listLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list pending inbox rows: %w", err)
	}
	defer rows.Close()
	var out []inbox.Row
	for rows.Next() {
		row, err := scanInboxRow(rows)
		if err != nil {
			return nil, fmt.Errorf("list pending inbox rows: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending inbox rows: %w", err)
	}
	return out, nil
}

// ReleaseStaleClaims recovers rows claimed by a worker that died before
// settling them. The status guard in the subquery leaves rows a slow owner
// settled in the meantime alone.
func (s *InboxStore) ReleaseStaleClaims(ctx context.Context, cutoff time.Time, cause string, now time.Time, limit int) ([]inbox.Row, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.pool.Query(ctx, `
		UPDATE webhook_inbox
		SET status       = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
		    error        = $2,
		    updated_at   = $3,
		    processed_at = CASE WHEN attempts >= max_attempts THEN $3 ELSE processed_at END
		WHERE id IN (
			SELECT id FROM webhook_inbox
			WHERE status = 'processing' AND updated_at < $1
			ORDER BY id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+inboxColumns,
		cutoff.UTC(), cause, now.UTC(), listLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("release stale inbox claims: %w", err)
	}
	defer rows.Close()
	var out []inbox.Row
	for rows.Next() {
		row, err := scanInboxRow(rows)
		if err != nil {
			return nil, fmt.Errorf("release stale inbox claims: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("release stale inbox claims: %w", err)
	}
	return out, nil
}

// DeleteCompletedBefore removes completed and skipped rows older than the
// cutoff and returns the number deleted.
func (s *InboxStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	tag, err := s.db.pool.Exec(ctx, `
		DELETE FROM webhook_inbox
		WHERE status IN ('completed', 'skipped') AND created_at < $1`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete completed inbox rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteFailedBefore removes failed rows older than the cutoff and returns
// the number deleted.
func (s *InboxStore) DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	tag, err := s.db.pool.Exec(ctx, `
		DELETE FROM webhook_inbox
		WHERE status = 'failed' AND created_at < $1`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete failed inbox rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *InboxStore) finish(ctx context.Context, id string, status inbox.Status, note string, now time.Time) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE webhook_inbox
		SET status = $2, error = $3, updated_at = $4, processed_at = $4
		WHERE id = $1`,
		id, string(status), note, now.UTC(),
	)
	if err != nil {
		return fmt.Errorf("finish inbox row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return inbox.ErrNotFound
	}
	return nil
}

func (s *InboxStore) exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := s.db.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM webhook_inbox WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check inbox row: %w", err)
	}
	return exists, nil
}

func scanInboxRow(row pgx.Row) (inbox.Row, error) {
	var (
		r       inbox.Row
		headers []byte
	)
	if err := row.Scan(
		&r.ID, &r.Provider, &r.SourceID, &r.DeliveryID, &r.Status, &r.Attempts, &r.MaxAttempts,
		&r.Payload, &headers, &r.Error, &r.CreatedAt, &r.UpdatedAt, &r.ProcessedAt,
	); err != nil {
		return inbox.Row{}, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &r.Headers); err != nil {
			return inbox.Row{}, fmt.Errorf("decode inbox headers: %w", err)
		}
	}
	return r, nil
}

func encodeHeaders(h map[string]string) ([]byte, error) {
	if len(h) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode inbox headers: %w", err)
	}
	return b, nil
}
