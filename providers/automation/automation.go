// Package automation is the capability record for automation-to-automation
// fires: a running automation posts to another automation's intake URL to
// chain work. The intake path names the target automation, so routing is
// direct, and the caller controls idempotency through external_id.
package automation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/proliferate-ai/proliferate/runtime/schema"
	"github.com/proliferate-ai/proliferate/runtime/trigger"
)

// ID is the registry id for chained automation triggers.
const ID = "automation"

var configSchema = schema.MustCompile([]byte(`{
	"type": "object",
	"additionalProperties": true
}`))

// Provider returns the chained-automation capability record.
func Provider() *trigger.Provider {
	return &trigger.Provider{
		ID:           ID,
		Kind:         trigger.TypeWebhook,
		Label:        "Automation",
		ConfigSchema: configSchema,
		Events:       events,
		Context:      buildContext,
	}
}

// events wraps the posted body as one occurrence. A caller-supplied
// external_id becomes the dedup identity, which lets the calling
// automation retry the fire without double-spawning the target.
func events(_ context.Context, d trigger.Delivery) ([]trigger.SourceEvent, error) {
	var body map[string]any
	if len(d.Payload) > 0 {
		if err := json.Unmarshal(d.Payload, &body); err != nil {
			return nil, fmt.Errorf("decode automation fire: %w", err)
		}
	}
	if body == nil {
		body = map[string]any{}
	}
	ev := trigger.SourceEvent{
		Name:       "automation.fired",
		OccurredAt: d.ReceivedAt,
		Payload:    body,
	}
	if id, ok := body["external_id"].(string); ok {
		ev.ExternalID = id
	}
	return []trigger.SourceEvent{ev}, nil
}

// buildContext forwards the caller's context object when present, the
// whole body otherwise.
func buildContext(ev trigger.SourceEvent, _ map[string]any) map[string]any {
	out := map[string]any{
		"provider": "automation",
		"event":    ev.Name,
	}
	if rc, ok := ev.Payload["context"].(map[string]any); ok {
		out["context"] = rc
	} else {
		out["context"] = ev.Payload
	}
	if from, ok := ev.Payload["source_run_id"].(string); ok && from != "" {
		out["source_run_id"] = from
	}
	return out
}
