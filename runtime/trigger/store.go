package trigger

import (
	"context"
	"time"
)

// Store persists triggers and trigger events.
type Store interface {
	// Create persists a new trigger.
	Create(ctx context.Context, t Trigger) error
	// Get loads a trigger. Returns ErrNotFound when missing.
	Get(ctx context.Context, id string) (Trigger, error)
	// Update persists mutable trigger fields (config, enabled, cron).
	Update(ctx context.Context, t Trigger) error
	// Delete removes a trigger. Events are retained for audit.
	Delete(ctx context.Context, id string) error
	// SetRepeatJobKey records the scheduler registration key, or clears it
	// when key is empty.
	SetRepeatJobKey(ctx context.Context, id, key string) error

	// ByConnection lists enabled triggers for a provider's connection
	// identity. Used to route webhook deliveries that identify themselves
	// by connection rather than by trigger id.
	ByConnection(ctx context.Context, provider, connectionID string) ([]Trigger, error)
	// ByAutomation lists triggers owned by an automation.
	ByAutomation(ctx context.Context, automationID string) ([]Trigger, error)
	// ListRepeatable lists enabled scheduled and polling triggers. The
	// scheduler reconciles its registrations against this at boot.
	ListRepeatable(ctx context.Context) ([]Trigger, error)

	// CreateEvent records an occurrence.
	//
	// Contract:
	// - Returns ErrDuplicateEvent when (TriggerID, DedupKey) already
	//   exists. The insert must be atomic: no partial row, no side
	//   effects on conflict.
	CreateEvent(ctx context.Context, ev Event) (Event, error)
	// GetEvent loads an event. Returns ErrEventNotFound when missing.
	GetEvent(ctx context.Context, id string) (Event, error)
	// CompleteEvent settles a processing event as completed, recording the
	// spawned session and the settle time. Returns ErrEventSettled when
	// the event already left processing.
	CompleteEvent(ctx context.Context, eventID, sessionID string, now time.Time) error
	// FailEvent settles a processing event as failed, recording the cause
	// and the settle time. Returns ErrEventSettled when the event already
	// left processing.
	FailEvent(ctx context.Context, eventID, cause string, now time.Time) error
	// SkipEvent settles a processing event as skipped. Used when the spawn
	// was overtaken after the event was inserted, such as the trigger being
	// disabled mid-flight.
	SkipEvent(ctx context.Context, eventID, reason string, now time.Time) error
	// EventsSince lists events for a trigger created after the cutoff,
	// newest first. Backs the trigger timeline listing.
	EventsSince(ctx context.Context, triggerID string, cutoff time.Time, limit int) ([]Event, error)
}
