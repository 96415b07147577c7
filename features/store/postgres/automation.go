package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/proliferate-ai/proliferate/runtime/automation"
)

// AutomationStore persists automations and their runs.
type AutomationStore struct {
	db *DB
}

const (
	automationColumns = `id, org_id, name, enabled, prompt, configuration_id, enrichment_enabled, created_by, created_at, updated_at`
	runColumns        = `id, automation_id, trigger_event_id, org_id, session_id, status, context, enriched_context, error, created_at, updated_at, started_at, finished_at`

	// terminalRunStatuses mirrors RunStatus.Terminal for SQL filters.
	terminalRunStatuses = `('succeeded', 'failed', 'timed_out')`
)

var _ automation.Store = (*AutomationStore)(nil)

// Create persists a new automation.
func (s *AutomationStore) Create(ctx context.Context, a automation.Automation) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	_, err := s.db.pool.Exec(ctx, `
		INSERT INTO automations (`+automationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.OrgID, a.Name, a.Enabled, a.Prompt, a.ConfigurationID,
		a.EnrichmentEnabled, a.CreatedBy, a.CreatedAt.UTC(), a.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert automation: %w", err)
	}
	return nil
}

// Get loads an automation. Returns ErrNotFound when missing.
func (s *AutomationStore) Get(ctx context.Context, id string) (automation.Automation, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	a, err := scanAutomation(s.db.pool.QueryRow(ctx, `
		SELECT `+automationColumns+` FROM automations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return automation.Automation{}, automation.ErrNotFound
		}
		return automation.Automation{}, fmt.Errorf("get automation: %w", err)
	}
	return a, nil
}

// Update persists the mutable automation fields.
func (s *AutomationStore) Update(ctx context.Context, a automation.Automation) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE automations
		SET name = $2, enabled = $3, prompt = $4, configuration_id = $5,
		    enrichment_enabled = $6, updated_at = $7
		WHERE id = $1`,
		a.ID, a.Name, a.Enabled, a.Prompt, a.ConfigurationID, a.EnrichmentEnabled, a.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("update automation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return automation.ErrNotFound
	}
	return nil
}

// CreateRun persists a new run.
func (s *AutomationStore) CreateRun(ctx context.Context, r automation.Run) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	_, err := s.db.pool.Exec(ctx, `
		INSERT INTO automation_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, r.AutomationID, r.TriggerEventID, r.OrgID, r.SessionID, string(r.Status),
		jsonArg(r.Context), jsonArg(r.EnrichedContext), r.Error,
		r.CreatedAt.UTC(), r.UpdatedAt.UTC(), nullableTime(r.StartedAt), nullableTime(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert automation run: %w", err)
	}
	return nil
}

// GetRun loads a run. Returns ErrRunNotFound when missing.
func (s *AutomationStore) GetRun(ctx context.Context, id string) (automation.Run, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	r, err := scanRun(s.db.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM automation_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return automation.Run{}, automation.ErrRunNotFound
		}
		return automation.Run{}, fmt.Errorf("get automation run: %w", err)
	}
	return r, nil
}

// SetRunStatus moves a run through the lifecycle. The compare-and-swap on
// the current status keeps concurrent workers from double-applying a
// transition.
func (s *AutomationStore) SetRunStatus(ctx context.Context, id string, from, to automation.RunStatus, cause string, now time.Time) error {
	if !automation.CanTransition(from, to) {
		return automation.ErrInvalidTransition
	}
	recordCause := cause != "" && (to == automation.RunFailed || to == automation.RunTimedOut)
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE automation_runs
		SET status      = $3,
		    error       = CASE WHEN $4 THEN $5 ELSE error END,
		    updated_at  = $6,
		    started_at  = CASE WHEN $7 AND started_at IS NULL THEN $6 ELSE started_at END,
		    finished_at = CASE WHEN $8 THEN $6 ELSE finished_at END
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), recordCause, cause, now.UTC(),
		to == automation.RunRunning, to.Terminal(),
	)
	if err != nil {
		return fmt.Errorf("set run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		exists, eerr := s.runExists(ctx, id)
		if eerr != nil {
			return eerr
		}
		if exists {
			return automation.ErrInvalidTransition
		}
		return automation.ErrRunNotFound
	}
	return nil
}

// AttachSession links the created session to the run.
func (s *AutomationStore) AttachSession(ctx context.Context, runID, sessionID string, now time.Time) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE automation_runs SET session_id = $2, updated_at = $3 WHERE id = $1`,
		runID, sessionID, now.UTC(),
	)
	if err != nil {
		return fmt.Errorf("attach session to run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return automation.ErrRunNotFound
	}
	return nil
}

// SetEnriched stores the model-digested context and moves the run
// enriching -> ready in one write.
func (s *AutomationStore) SetEnriched(ctx context.Context, runID string, enriched json.RawMessage, now time.Time) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE automation_runs
		SET enriched_context = $2, status = $3, updated_at = $4
		WHERE id = $1 AND status = $5`,
		runID, jsonArg(enriched), string(automation.RunReady), now.UTC(), string(automation.RunEnriching),
	)
	if err != nil {
		return fmt.Errorf("set run enrichment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		exists, eerr := s.runExists(ctx, runID)
		if eerr != nil {
			return eerr
		}
		if exists {
			return automation.ErrInvalidTransition
		}
		return automation.ErrRunNotFound
	}
	return nil
}

// ActiveRuns lists non-terminal runs for an org, oldest first.
func (s *AutomationStore) ActiveRuns(ctx context.Context, orgID string, limit int) ([]automation.Run, error) {
	return s.listRuns(ctx, `
		SELECT `+runColumns+`
		FROM automation_runs
		WHERE org_id = $1 AND status NOT IN `+terminalRunStatuses+`
		ORDER BY created_at
		LIMIT $2`,
		orgID, listLimit(limit),
	)
}

// StaleRuns lists non-terminal runs whose last update is older than the
// cutoff, stalest first.
func (s *AutomationStore) StaleRuns(ctx context.Context, cutoff time.Time, limit int) ([]automation.Run, error) {
	return s.listRuns(ctx, `
		SELECT `+runColumns+`
		FROM automation_runs
		WHERE status NOT IN `+terminalRunStatuses+` AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`,
		cutoff.UTC(), listLimit(limit),
	)
}

func (s *AutomationStore) listRuns(ctx context.Context, query string, args ...any) ([]automation.Run, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list automation runs: %w", err)
	}
	defer rows.Close()
	var out []automation.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list automation runs: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list automation runs: %w", err)
	}
	return out, nil
}

func (s *AutomationStore) runExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := s.db.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM automation_runs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check automation run: %w", err)
	}
	return exists, nil
}

func scanAutomation(row pgx.Row) (automation.Automation, error) {
	var a automation.Automation
	if err := row.Scan(
		&a.ID, &a.OrgID, &a.Name, &a.Enabled, &a.Prompt, &a.ConfigurationID,
		&a.EnrichmentEnabled, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return automation.Automation{}, err
	}
	return a, nil
}

func scanRun(row pgx.Row) (automation.Run, error) {
	var r automation.Run
	if err := row.Scan(
		&r.ID, &r.AutomationID, &r.TriggerEventID, &r.OrgID, &r.SessionID, &r.Status,
		&r.Context, &r.EnrichedContext, &r.Error, &r.CreatedAt, &r.UpdatedAt,
		&r.StartedAt, &r.FinishedAt,
	); err != nil {
		return automation.Run{}, err
	}
	return r, nil
}
