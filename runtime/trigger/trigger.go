// Package trigger defines triggers, trigger events and the provider
// capability records that interpret webhook payloads.
//
// A Trigger binds an automation to an event source. A trigger Event is the
// deduplicated record of one occurrence; the (TriggerID, DedupKey) unique
// constraint in the store is the only dedup authority in the system. Any
// in-memory dedup a worker performs is an optimization, never the contract.
package trigger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type (
	// Trigger binds an automation to an event source.
	Trigger struct {
		// ID is the durable identifier of the trigger.
		ID string
		// AutomationID names the automation this trigger spawns runs for.
		AutomationID string
		// OrgID is the owning organization.
		OrgID string
		// Provider is the registry id of the provider interpreting this
		// trigger's deliveries.
		Provider string
		// Type declares how occurrences arrive.
		Type Type
		// Config is the provider-specific configuration, validated against
		// the provider's config schema before use.
		Config json.RawMessage
		// ConnectionID is the external connection identity (a Nango
		// connection id, a GitHub installation id). Empty for providers
		// that route purely by trigger id.
		ConnectionID string
		// Enabled gates processing. Disabled triggers never create events.
		Enabled bool
		// PollingCron is the poll cadence for polling triggers and the fire
		// cadence for scheduled triggers, in cron syntax.
		PollingCron string
		// RepeatJobKey is the scheduler registration key once the trigger
		// is registered for repeated firing. Empty otherwise.
		RepeatJobKey string
		// CreatedAt records when the trigger was created.
		CreatedAt time.Time
		// UpdatedAt records the last modification.
		UpdatedAt time.Time
	}

	// Event is the deduplicated record of one trigger occurrence.
	//
	// Contract:
	// - (TriggerID, DedupKey) is unique in the store. Creating a duplicate
	//   returns ErrDuplicateEvent and must leave no other side effects.
	// - Events are inserted processing (run spawn underway) or skipped
	//   (no run will spawn, SkipReason says why). Either insert consumes
	//   the dedup key.
	// - A processing event settles exactly once: completed with the
	//   session id, failed with the error, or skipped when the spawn was
	//   overtaken (trigger disabled mid-flight).
	Event struct {
		// ID is the durable identifier of the event.
		ID string
		// TriggerID names the owning trigger.
		TriggerID string
		// DedupKey is the idempotency key derived from the occurrence.
		DedupKey string
		// Name is the provider-scoped event name ("issue.created").
		Name string
		// Status records where the occurrence is in its lifecycle.
		Status EventStatus
		// SkipReason explains a skipped event.
		SkipReason string
		// Error is the cause recorded on a failed event.
		Error string
		// Payload is the extracted occurrence body.
		Payload json.RawMessage
		// Context is the provider-built run context handed to the spawned
		// automation run.
		Context json.RawMessage
		// SessionID references the spawned session for completed events.
		SessionID string
		// CreatedAt records when the event was recorded.
		CreatedAt time.Time
		// ProcessedAt records when the event settled. Nil while processing.
		ProcessedAt *time.Time
	}

	// Type declares how trigger occurrences arrive.
	Type string

	// EventStatus records the outcome of recording an occurrence.
	EventStatus string
)

const (
	// TypeWebhook means occurrences arrive as pushed webhook deliveries.
	TypeWebhook Type = "webhook"
	// TypePolling means occurrences are discovered by polling the source.
	TypePolling Type = "polling"
	// TypeScheduled means occurrences are synthesized on a cron cadence.
	TypeScheduled Type = "scheduled"

	// EventStatusPending indicates the occurrence is recorded but not yet
	// picked up.
	EventStatusPending EventStatus = "pending"
	// EventStatusProcessing indicates a run spawn is underway.
	EventStatusProcessing EventStatus = "processing"
	// EventStatusCompleted indicates the occurrence spawned a session.
	EventStatusCompleted EventStatus = "completed"
	// EventStatusFailed indicates the spawn was attempted and did not
	// produce a session.
	EventStatusFailed EventStatus = "failed"
	// EventStatusSkipped indicates the occurrence was recorded without a run.
	EventStatusSkipped EventStatus = "skipped"
)

// Skip reasons recorded on skipped events.
const (
	SkipConfigInvalid      = "config_invalid"
	SkipFilterMismatch     = "filter_mismatch"
	SkipAutomationDisabled = "automation_disabled"
	SkipRunCreateFailed    = "run_create_failed"
)

var (
	// ErrNotFound indicates the trigger does not exist in the store.
	ErrNotFound = errors.New("trigger not found")
	// ErrEventNotFound indicates the trigger event does not exist.
	ErrEventNotFound = errors.New("trigger event not found")
	// ErrDuplicateEvent indicates the (trigger, dedup key) pair was already
	// recorded. Callers treat this as "occurrence already handled".
	ErrDuplicateEvent = errors.New("duplicate trigger event")
	// ErrEventSettled indicates the event already left processing. Settling
	// is single-shot; a second settle attempt is a logic error or a race
	// another worker won.
	ErrEventSettled = errors.New("trigger event already settled")
	// ErrDisabled indicates the trigger exists but is disabled.
	ErrDisabled = errors.New("trigger disabled")
)

// Repeatable reports whether the trigger needs a scheduler registration.
func (t Trigger) Repeatable() bool {
	return t.Type == TypeScheduled || t.Type == TypePolling
}

// ScheduledDedupKey derives the dedup key for a scheduled firing. The key is
// built from the cron slot, not the wall clock at fire time, so every node
// that fires the same slot derives the same key and the store's unique
// constraint collapses them to one event.
func ScheduledDedupKey(triggerID string, slot time.Time) string {
	return fmt.Sprintf("scheduled:%s:%d", triggerID, slot.Unix())
}

// PayloadDedupKey derives a content-addressed dedup key for occurrences that
// carry no provider-native identity. encoding/json sorts map keys, so the
// digest is stable for equal payloads.
func PayloadDedupKey(name string, payload map[string]any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(name)
	}
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%s:%s", name, hex.EncodeToString(sum[:16]))
}
