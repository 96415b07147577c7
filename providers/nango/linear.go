package nango

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/proliferate-ai/proliferate/runtime/schema"
	"github.com/proliferate-ai/proliferate/runtime/trigger"
)

// linearConfigSchema validates trigger configuration for the Linear
// provider. event_types filters on derived event names ("issue.create");
// team_id restricts occurrences to one Linear team.
var linearConfigSchema = schema.MustCompile([]byte(`{
	"type": "object",
	"properties": {
		"event_types": {
			"type": "array",
			"items": {"type": "string"}
		},
		"team_id": {"type": "string"},
		"timezone": {"type": "string"}
	},
	"additionalProperties": true
}`))

// Linear returns the capability record for Linear webhooks forwarded
// through Nango.
func Linear() *trigger.Provider {
	return &trigger.Provider{
		ID:           RegistryID("linear"),
		Kind:         trigger.TypeWebhook,
		Label:        "Linear",
		ConfigSchema: linearConfigSchema,
		Events:       linearEvents,
		Filter:       linearFilter,
		DedupKey:     linearDedupKey,
		Context:      linearContext,
	}
}

// linearEvents unwraps the Nango envelope and derives one occurrence from
// the Linear webhook body. Non-forward envelopes carry no occurrences.
func linearEvents(_ context.Context, d trigger.Delivery) ([]trigger.SourceEvent, error) {
	hook, err := ParseWebhook(d.Payload)
	if err != nil {
		return nil, err
	}
	if !hook.Forward() || hook.Payload == nil {
		return nil, nil
	}
	body := hook.Payload
	action, _ := body["action"].(string)
	entity, _ := body["type"].(string)
	if action == "" || entity == "" {
		return nil, fmt.Errorf("linear webhook missing action or type")
	}
	ev := trigger.SourceEvent{
		Name:    strings.ToLower(entity) + "." + strings.ToLower(action),
		Payload: body,
	}
	if data, ok := body["data"].(map[string]any); ok {
		if id, ok := data["id"].(string); ok {
			ev.ExternalID = id
		}
	}
	if ms, ok := body["webhookTimestamp"].(float64); ok {
		ev.OccurredAt = time.UnixMilli(int64(ms)).UTC()
	}
	return []trigger.SourceEvent{ev}, nil
}

func linearFilter(ev trigger.SourceEvent, config map[string]any) (bool, string) {
	if allowed := stringList(config["event_types"]); len(allowed) > 0 && !containsString(allowed, ev.Name) {
		return false, fmt.Sprintf("event type %s not selected", ev.Name)
	}
	if teamID, _ := config["team_id"].(string); teamID != "" {
		data, _ := ev.Payload["data"].(map[string]any)
		got, _ := data["teamId"].(string)
		if got != teamID {
			return false, "team mismatch"
		}
	}
	return true, ""
}

// linearDedupKey folds the webhook timestamp into the key so successive
// updates to the same entity stay distinct occurrences. Without a
// timestamp the registry falls back to name plus external id.
func linearDedupKey(ev trigger.SourceEvent) string {
	if ev.ExternalID == "" {
		return ""
	}
	ms, ok := ev.Payload["webhookTimestamp"].(float64)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%s:%d", ev.Name, ev.ExternalID, int64(ms))
}

func linearContext(ev trigger.SourceEvent, _ map[string]any) map[string]any {
	out := map[string]any{
		"provider": "linear",
		"event":    ev.Name,
	}
	if data, ok := ev.Payload["data"].(map[string]any); ok {
		out["data"] = data
	}
	if u, ok := ev.Payload["url"].(string); ok && u != "" {
		out["url"] = u
	}
	return out
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, it := range list {
		if it == s {
			return true
		}
	}
	return false
}
