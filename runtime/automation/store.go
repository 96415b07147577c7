package automation

import (
	"context"
	"encoding/json"
	"time"
)

// Store persists automations and their runs.
type Store interface {
	// Create persists a new automation.
	Create(ctx context.Context, a Automation) error
	// Get loads an automation. Returns ErrNotFound when missing.
	Get(ctx context.Context, id string) (Automation, error)
	// Update persists mutable automation fields.
	Update(ctx context.Context, a Automation) error

	// CreateRun persists a new run in status queued.
	CreateRun(ctx context.Context, r Run) error
	// GetRun loads a run. Returns ErrRunNotFound when missing.
	GetRun(ctx context.Context, id string) (Run, error)
	// SetRunStatus moves a run through the lifecycle.
	//
	// Contract:
	// - Compare-and-swap on the current status: the write succeeds only
	//   when the stored status equals from and CanTransition(from, to)
	//   holds. Returns ErrInvalidTransition otherwise.
	// - cause is recorded on the run for failed and timed out statuses.
	SetRunStatus(ctx context.Context, id string, from, to RunStatus, cause string, now time.Time) error
	// AttachSession links the created session to the run.
	AttachSession(ctx context.Context, runID, sessionID string, now time.Time) error
	// SetEnriched stores the model-digested context and moves the run
	// enriching -> ready in one write.
	SetEnriched(ctx context.Context, runID string, enriched json.RawMessage, now time.Time) error
	// ActiveRuns lists non-terminal runs for an org, oldest first.
	ActiveRuns(ctx context.Context, orgID string, limit int) ([]Run, error)
	// StaleRuns lists non-terminal runs whose last update is older than
	// the cutoff. The worker times these out.
	StaleRuns(ctx context.Context, cutoff time.Time, limit int) ([]Run, error)
}
