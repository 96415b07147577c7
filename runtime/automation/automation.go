// Package automation defines automations and the runs they spawn.
//
// An automation is an org-owned recipe: when one of its triggers fires, the
// runtime spawns a Run that carries the occurrence context into an AI
// session. Run lifecycle is explicit and store-enforced; workers never write
// a status the transition table does not allow.
package automation

import (
	"encoding/json"
	"errors"
	"time"
)

type (
	// Automation is the org-owned recipe a trigger fires.
	Automation struct {
		// ID is the durable identifier of the automation.
		ID string
		// OrgID is the owning organization.
		OrgID string
		// Name is the human-readable automation name.
		Name string
		// Enabled gates run spawning. Disabled automations skip occurrences.
		Enabled bool
		// Prompt is the instruction handed to the AI session.
		Prompt string
		// ConfigurationID names the workspace configuration the session
		// runs in. Empty means the org default.
		ConfigurationID string
		// EnrichmentEnabled asks the runtime to pre-digest trigger context
		// with a model call before the session starts.
		EnrichmentEnabled bool
		// CreatedBy is the authoring user.
		CreatedBy string
		// CreatedAt records when the automation was created.
		CreatedAt time.Time
		// UpdatedAt records the last modification.
		UpdatedAt time.Time
	}

	// Run is one execution of an automation for one trigger event.
	Run struct {
		// ID is the durable identifier of the run.
		ID string
		// AutomationID names the automation executed.
		AutomationID string
		// TriggerEventID references the occurrence that spawned the run.
		TriggerEventID string
		// OrgID is the owning organization.
		OrgID string
		// SessionID references the AI session once one is attached.
		SessionID string
		// Status is the current lifecycle state.
		Status RunStatus
		// Context is the provider-built occurrence context.
		Context json.RawMessage
		// EnrichedContext is the model-digested context, set when
		// enrichment ran.
		EnrichedContext json.RawMessage
		// Error records the failure cause for failed and timed out runs.
		Error string
		// CreatedAt records when the run was spawned.
		CreatedAt time.Time
		// UpdatedAt records the last status change.
		UpdatedAt time.Time
		// StartedAt is set when the session starts executing the run.
		StartedAt *time.Time
		// FinishedAt is set on terminal statuses.
		FinishedAt *time.Time
	}

	// RunStatus represents the lifecycle state of a run.
	RunStatus string
)

const (
	// RunQueued indicates the run is recorded but not yet prepared.
	RunQueued RunStatus = "queued"
	// RunEnriching indicates a model call is digesting the trigger context.
	RunEnriching RunStatus = "enriching"
	// RunReady indicates the run is prepared and waiting for its session.
	RunReady RunStatus = "ready"
	// RunRunning indicates the session is executing the run.
	RunRunning RunStatus = "running"
	// RunSucceeded indicates the run finished successfully.
	RunSucceeded RunStatus = "succeeded"
	// RunFailed indicates the run failed permanently.
	RunFailed RunStatus = "failed"
	// RunNeedsHuman indicates the run is paused waiting on a person.
	RunNeedsHuman RunStatus = "needs_human"
	// RunTimedOut indicates the run exceeded its execution budget.
	RunTimedOut RunStatus = "timed_out"
)

var (
	// ErrNotFound indicates the automation does not exist in the store.
	ErrNotFound = errors.New("automation not found")
	// ErrRunNotFound indicates the run does not exist in the store.
	ErrRunNotFound = errors.New("automation run not found")
	// ErrInvalidTransition indicates a run status write the lifecycle
	// table forbids. The store rejects it without modifying the row.
	ErrInvalidTransition = errors.New("invalid run status transition")
	// ErrDisabled indicates the automation exists but is disabled.
	ErrDisabled = errors.New("automation disabled")
)

// runTransitions is the legal run lifecycle. Absent keys are terminal.
// Queued leaves only through enriching or failed: every prepared run
// passes through the enriching phase even when no model is involved.
var runTransitions = map[RunStatus][]RunStatus{
	RunQueued:     {RunEnriching, RunFailed},
	RunEnriching:  {RunReady, RunFailed},
	RunReady:      {RunRunning, RunFailed, RunTimedOut},
	RunRunning:    {RunSucceeded, RunFailed, RunNeedsHuman, RunTimedOut},
	RunNeedsHuman: {RunRunning, RunFailed, RunTimedOut},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to RunStatus) bool {
	for _, allowed := range runTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the run status accepts no further transitions.
func (s RunStatus) Terminal() bool {
	return len(runTransitions[s]) == 0
}
