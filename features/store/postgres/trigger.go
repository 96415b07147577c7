package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/proliferate-ai/proliferate/runtime/trigger"
)

// TriggerStore persists triggers and their event history.
type TriggerStore struct {
	db *DB
}

const (
	triggerColumns = `id, automation_id, org_id, provider, trigger_type, config, connection_id, enabled, polling_cron, repeat_job_key, created_at, updated_at`
	eventColumns   = `id, trigger_id, dedup_key, name, status, skip_reason, error, payload, context, session_id, created_at, processed_at`
)

var _ trigger.Store = (*TriggerStore)(nil)

// Create persists a new trigger.
func (s *TriggerStore) Create(ctx context.Context, t trigger.Trigger) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	_, err := s.db.pool.Exec(ctx, `
		INSERT INTO triggers (`+triggerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.AutomationID, t.OrgID, t.Provider, string(t.Type), jsonArg(t.Config),
		t.ConnectionID, t.Enabled, t.PollingCron, t.RepeatJobKey, t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert trigger: %w", err)
	}
	return nil
}

// Get loads a trigger. Returns ErrNotFound when missing.
func (s *TriggerStore) Get(ctx context.Context, id string) (trigger.Trigger, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	t, err := scanTrigger(s.db.pool.QueryRow(ctx, `
		SELECT `+triggerColumns+` FROM triggers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return trigger.Trigger{}, trigger.ErrNotFound
		}
		return trigger.Trigger{}, fmt.Errorf("get trigger: %w", err)
	}
	return t, nil
}

// Update persists the mutable trigger fields.
func (s *TriggerStore) Update(ctx context.Context, t trigger.Trigger) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE triggers
		SET config = $2, connection_id = $3, enabled = $4, polling_cron = $5, updated_at = $6
		WHERE id = $1`,
		t.ID, jsonArg(t.Config), t.ConnectionID, t.Enabled, t.PollingCron, t.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("update trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return trigger.ErrNotFound
	}
	return nil
}

// Delete removes a trigger. Its events are retained for audit.
func (s *TriggerStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	tag, err := s.db.pool.Exec(ctx, `DELETE FROM triggers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return trigger.ErrNotFound
	}
	return nil
}

// SetRepeatJobKey records the scheduler registration key, or clears it when
// key is empty.
func (s *TriggerStore) SetRepeatJobKey(ctx context.Context, id, key string) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE triggers SET repeat_job_key = $2, updated_at = now() WHERE id = $1`,
		id, key,
	)
	if err != nil {
		return fmt.Errorf("set trigger repeat key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return trigger.ErrNotFound
	}
	return nil
}

// ByConnection lists enabled triggers for a provider's connection identity.
func (s *TriggerStore) ByConnection(ctx context.Context, provider, connectionID string) ([]trigger.Trigger, error) {
	return s.list(ctx, `
		SELECT `+triggerColumns+`
		FROM triggers
		WHERE provider = $1 AND connection_id = $2 AND enabled
		ORDER BY created_at`,
		provider, connectionID,
	)
}

// ByAutomation lists triggers owned by an automation.
func (s *TriggerStore) ByAutomation(ctx context.Context, automationID string) ([]trigger.Trigger, error) {
	return s.list(ctx, `
		SELECT `+triggerColumns+`
		FROM triggers
		WHERE automation_id = $1
		ORDER BY created_at`,
		automationID,
	)
}

// ListRepeatable lists enabled scheduled and polling triggers.
func (s *TriggerStore) ListRepeatable(ctx context.Context) ([]trigger.Trigger, error) {
	return s.list(ctx, `
		SELECT `+triggerColumns+`
		FROM triggers
		WHERE enabled AND trigger_type IN ($1, $2)
		ORDER BY created_at`,
		string(trigger.TypeScheduled), string(trigger.TypePolling),
	)
}

// CreateEvent records an occurrence. The unique constraint on
// (trigger_id, dedup_key) makes the insert the idempotency point: a
// duplicate delivery fails here atomically with no partial row.
func (s *TriggerStore) CreateEvent(ctx context.Context, ev trigger.Event) (trigger.Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	_, err := s.db.pool.Exec(ctx, `
		INSERT INTO trigger_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		ev.ID, ev.TriggerID, ev.DedupKey, ev.Name, string(ev.Status), ev.SkipReason, ev.Error,
		jsonArg(ev.Payload), jsonArg(ev.Context), ev.SessionID, ev.CreatedAt.UTC(), nullableTime(ev.ProcessedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return trigger.Event{}, trigger.ErrDuplicateEvent
		}
		return trigger.Event{}, fmt.Errorf("insert trigger event: %w", err)
	}
	return ev, nil
}

// GetEvent loads an event. Returns ErrEventNotFound when missing.
func (s *TriggerStore) GetEvent(ctx context.Context, id string) (trigger.Event, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	ev, err := scanTriggerEvent(s.db.pool.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM trigger_events WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return trigger.Event{}, trigger.ErrEventNotFound
		}
		return trigger.Event{}, fmt.Errorf("get trigger event: %w", err)
	}
	return ev, nil
}

// CompleteEvent settles a processing event as completed with its session.
func (s *TriggerStore) CompleteEvent(ctx context.Context, eventID, sessionID string, now time.Time) error {
	return s.settleEvent(ctx, eventID, `
		UPDATE trigger_events
		SET status = 'completed', session_id = $2, processed_at = $3
		WHERE id = $1 AND status = 'processing'`,
		eventID, sessionID, now.UTC(),
	)
}

// FailEvent settles a processing event as failed with the cause.
func (s *TriggerStore) FailEvent(ctx context.Context, eventID, cause string, now time.Time) error {
	return s.settleEvent(ctx, eventID, `
		UPDATE trigger_events
		SET status = 'failed', error = $2, processed_at = $3
		WHERE id = $1 AND status = 'processing'`,
		eventID, cause, now.UTC(),
	)
}

// SkipEvent settles a processing event as skipped with the reason.
func (s *TriggerStore) SkipEvent(ctx context.Context, eventID, reason string, now time.Time) error {
	return s.settleEvent(ctx, eventID, `
		UPDATE trigger_events
		SET status = 'skipped', skip_reason = $2, processed_at = $3
		WHERE id = $1 AND status = 'processing'`,
		eventID, reason, now.UTC(),
	)
}

// settleEvent runs a guarded settle update. The status = 'processing'
// predicate makes settling single-shot; a zero-row update is disambiguated
// into ErrEventSettled or ErrEventNotFound with a follow-up probe.
func (s *TriggerStore) settleEvent(ctx context.Context, eventID, query string, args ...any) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	tag, err := s.db.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("settle trigger event: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.db.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM trigger_events WHERE id = $1)`, eventID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("probe trigger event: %w", err)
	}
	if exists {
		return trigger.ErrEventSettled
	}
	return trigger.ErrEventNotFound
}

// EventsSince lists events for a trigger created after the cutoff, newest
// first.
func (s *TriggerStore) EventsSince(ctx context.Context, triggerID string, cutoff time.Time, limit int) ([]trigger.Event, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM trigger_events
		WHERE trigger_id = $1 AND created_at > $2
		ORDER BY created_at DESC
		LIMIT $3`,
		triggerID, cutoff.UTC(), listLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list trigger events: %w", err)
	}
	defer rows.Close()
	var out []trigger.Event
	for rows.Next() {
		ev, err := scanTriggerEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("list trigger events: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list trigger events: %w", err)
	}
	return out, nil
}

func (s *TriggerStore) list(ctx context.Context, query string, args ...any) ([]trigger.Trigger, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()
	var out []trigger.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("list triggers: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	return out, nil
}

func scanTrigger(row pgx.Row) (trigger.Trigger, error) {
	var t trigger.Trigger
	if err := row.Scan(
		&t.ID, &t.AutomationID, &t.OrgID, &t.Provider, &t.Type, &t.Config,
		&t.ConnectionID, &t.Enabled, &t.PollingCron, &t.RepeatJobKey, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return trigger.Trigger{}, err
	}
	return t, nil
}

func scanTriggerEvent(row pgx.Row) (trigger.Event, error) {
	var ev trigger.Event
	if err := row.Scan(
		&ev.ID, &ev.TriggerID, &ev.DedupKey, &ev.Name, &ev.Status, &ev.SkipReason, &ev.Error,
		&ev.Payload, &ev.Context, &ev.SessionID, &ev.CreatedAt, &ev.ProcessedAt,
	); err != nil {
		return trigger.Event{}, err
	}
	return ev, nil
}
