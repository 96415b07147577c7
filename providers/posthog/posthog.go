// Package posthog is the capability record for PostHog webhook
// destinations. PostHog addresses the automation directly in the intake
// path, so routing needs no connection lookup. Destination payloads carry
// no signature; verification stays deferred until PostHog grows one.
package posthog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/proliferate-ai/proliferate/runtime/schema"
	"github.com/proliferate-ai/proliferate/runtime/trigger"
)

// ID is the registry id for PostHog triggers.
const ID = "posthog"

var configSchema = schema.MustCompile([]byte(`{
	"type": "object",
	"properties": {
		"events": {
			"type": "array",
			"items": {"type": "string"}
		}
	},
	"additionalProperties": true
}`))

// Provider returns the PostHog capability record.
func Provider() *trigger.Provider {
	return &trigger.Provider{
		ID:           ID,
		Kind:         trigger.TypeWebhook,
		Label:        "PostHog",
		ConfigSchema: configSchema,
		Events:       events,
		Filter:       filter,
		Context:      buildContext,
	}
}

// events reads the destination payload. Destinations wrap the captured
// event in an "event" object; older hook formats put the name at the top
// level. Both shapes are accepted.
func events(_ context.Context, d trigger.Delivery) ([]trigger.SourceEvent, error) {
	var body map[string]any
	if err := json.Unmarshal(d.Payload, &body); err != nil {
		return nil, fmt.Errorf("decode posthog webhook: %w", err)
	}

	ev := trigger.SourceEvent{OccurredAt: d.ReceivedAt, Payload: body}
	switch e := body["event"].(type) {
	case map[string]any:
		ev.Name, _ = e["event"].(string)
		ev.ExternalID, _ = e["uuid"].(string)
		if ts, ok := e["timestamp"].(string); ok {
			if at, err := time.Parse(time.RFC3339, ts); err == nil {
				ev.OccurredAt = at.UTC()
			}
		}
	case string:
		ev.Name = e
		ev.ExternalID, _ = body["uuid"].(string)
	}
	if ev.Name == "" {
		return nil, fmt.Errorf("posthog webhook has no event name")
	}
	return []trigger.SourceEvent{ev}, nil
}

func filter(ev trigger.SourceEvent, config map[string]any) (bool, string) {
	allowed, ok := config["events"].([]any)
	if !ok || len(allowed) == 0 {
		return true, ""
	}
	for _, a := range allowed {
		if s, ok := a.(string); ok && s == ev.Name {
			return true, ""
		}
	}
	return false, fmt.Sprintf("event %s not selected", ev.Name)
}

func buildContext(ev trigger.SourceEvent, _ map[string]any) map[string]any {
	out := map[string]any{
		"provider": "posthog",
		"event":    ev.Name,
	}
	if e, ok := ev.Payload["event"].(map[string]any); ok {
		if props, ok := e["properties"].(map[string]any); ok {
			out["properties"] = props
		}
		if id, ok := e["distinct_id"].(string); ok {
			out["distinct_id"] = id
		}
	}
	if person, ok := ev.Payload["person"].(map[string]any); ok {
		out["person"] = person
	}
	return out
}
