// Package schedule is the capability record for cron-scheduled triggers.
// Occurrences are synthesized by the cron worker from the fire slot, so the
// record carries neither Events nor Poll; its job is validating the
// configured payload and shaping the run context.
package schedule

import (
	"time"

	"github.com/proliferate-ai/proliferate/runtime/schema"
	"github.com/proliferate-ai/proliferate/runtime/trigger"
)

// ID is the registry id for scheduled triggers.
const ID = "schedule"

// EventName is the synthesized occurrence name for scheduled fires.
const EventName = "schedule.fired"

var configSchema = schema.MustCompile([]byte(`{
	"type": "object",
	"properties": {
		"prompt": {"type": "string"},
		"payload": {"type": "object"},
		"timezone": {"type": "string"}
	},
	"additionalProperties": true
}`))

// Provider returns the scheduled-trigger capability record.
func Provider() *trigger.Provider {
	return &trigger.Provider{
		ID:           ID,
		Kind:         trigger.TypeScheduled,
		Label:        "Schedule",
		ConfigSchema: configSchema,
		DedupKey:     dedupKey,
		Context:      buildContext,
	}
}

// dedupKey passes the synthesized slot key through untouched. Fire already
// stamped the full scheduled:<trigger>:<slot> key on the occurrence;
// re-prefixing it with the event name would break slot collapsing.
func dedupKey(ev trigger.SourceEvent) string {
	return ev.ExternalID
}

// Fire synthesizes the occurrence for one slot. The slot rides both the
// payload and OccurredAt so the dedup key and the run context agree on
// which firing this was.
func Fire(triggerID string, slot time.Time) trigger.SourceEvent {
	slot = slot.UTC()
	return trigger.SourceEvent{
		Name:       EventName,
		ExternalID: trigger.ScheduledDedupKey(triggerID, slot),
		OccurredAt: slot,
		Payload: map[string]any{
			"trigger_id": triggerID,
			"slot":       slot.Unix(),
		},
	}
}

// buildContext merges the configured payload with the fire slot.
func buildContext(ev trigger.SourceEvent, config map[string]any) map[string]any {
	out := map[string]any{
		"provider": "schedule",
		"event":    ev.Name,
	}
	if !ev.OccurredAt.IsZero() {
		out["scheduled_for"] = ev.OccurredAt.UTC().Format(time.RFC3339)
	}
	if payload, ok := config["payload"].(map[string]any); ok {
		out["payload"] = payload
	}
	if prompt, ok := config["prompt"].(string); ok && prompt != "" {
		out["prompt"] = prompt
	}
	return out
}
