// Package custom is the capability record for user-defined webhooks. A
// custom trigger owns one intake URL; whatever is posted there becomes a
// single occurrence, so the record does the least interpretation possible.
package custom

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/proliferate-ai/proliferate/runtime/schema"
	"github.com/proliferate-ai/proliferate/runtime/trigger"
)

// ID is the registry id for custom webhook triggers.
const ID = "custom"

// configSchema accepts any object. Custom trigger configuration is
// user-owned key/value context, not provider settings.
var configSchema = schema.MustCompile([]byte(`{
	"type": "object",
	"properties": {
		"event_name": {"type": "string"}
	},
	"additionalProperties": true
}`))

// Provider returns the custom webhook capability record.
func Provider() *trigger.Provider {
	return &trigger.Provider{
		ID:           ID,
		Kind:         trigger.TypeWebhook,
		Label:        "Custom webhook",
		ConfigSchema: configSchema,
		Events:       events,
		Context:      buildContext,
	}
}

// events wraps the whole body as one occurrence. The event name comes from
// the body's "event" field when present; senders that supply an "id" get
// external-id dedup, everyone else the payload digest fallback.
func events(_ context.Context, d trigger.Delivery) ([]trigger.SourceEvent, error) {
	var body map[string]any
	if len(d.Payload) > 0 {
		if err := json.Unmarshal(d.Payload, &body); err != nil {
			return nil, fmt.Errorf("decode custom webhook: %w", err)
		}
	}
	if body == nil {
		body = map[string]any{}
	}
	name := "webhook.received"
	if n, ok := body["event"].(string); ok && n != "" {
		name = n
	}
	ev := trigger.SourceEvent{
		Name:       name,
		OccurredAt: d.ReceivedAt,
		Payload:    body,
	}
	if id, ok := body["id"].(string); ok {
		ev.ExternalID = id
	}
	return []trigger.SourceEvent{ev}, nil
}

func buildContext(ev trigger.SourceEvent, config map[string]any) map[string]any {
	out := map[string]any{
		"provider": "custom",
		"event":    ev.Name,
		"payload":  ev.Payload,
	}
	if name, ok := config["event_name"].(string); ok && name != "" {
		out["event"] = name
	}
	return out
}
