// Package githubapp is the capability record for GitHub App webhooks. The
// ingress verifies x-hub-signature-256 before insert, so the record carries
// no Verify; it interprets the delivery headers GitHub sets on every hook.
package githubapp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/proliferate-ai/proliferate/runtime/schema"
	"github.com/proliferate-ai/proliferate/runtime/trigger"
)

// ID is the registry id for GitHub App triggers.
const ID = "github-app"

var configSchema = schema.MustCompile([]byte(`{
	"type": "object",
	"properties": {
		"events": {
			"type": "array",
			"items": {"type": "string"}
		},
		"repository": {"type": "string"},
		"installation_id": {"type": "string"}
	},
	"additionalProperties": true
}`))

// Provider returns the GitHub App capability record.
func Provider() *trigger.Provider {
	return &trigger.Provider{
		ID:           ID,
		Kind:         trigger.TypeWebhook,
		Label:        "GitHub",
		ConfigSchema: configSchema,
		Events:       events,
		Filter:       filter,
		DedupKey:     dedupKey,
		Context:      buildContext,
	}
}

// InstallationID extracts the GitHub App installation id from a webhook
// body. Triggers are routed by installation, so a hook without one is
// unroutable.
func InstallationID(payload []byte) (string, error) {
	var body struct {
		Installation struct {
			ID json.Number `json:"id"`
		} `json:"installation"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return "", fmt.Errorf("decode github webhook: %w", err)
	}
	if body.Installation.ID.String() == "" {
		return "", fmt.Errorf("github webhook has no installation id")
	}
	return body.Installation.ID.String(), nil
}

// events derives the single occurrence a GitHub delivery carries. The event
// family rides the x-github-event header, the action inside the body.
func events(_ context.Context, d trigger.Delivery) ([]trigger.SourceEvent, error) {
	family := d.Headers["x-github-event"]
	if family == "" {
		return nil, fmt.Errorf("delivery missing x-github-event header")
	}
	var body map[string]any
	if err := json.Unmarshal(d.Payload, &body); err != nil {
		return nil, fmt.Errorf("decode github webhook: %w", err)
	}
	name := family
	if action, ok := body["action"].(string); ok && action != "" {
		name = family + "." + action
	}
	return []trigger.SourceEvent{{
		Name:       name,
		ExternalID: d.Headers["x-github-delivery"],
		OccurredAt: d.ReceivedAt,
		Payload:    body,
	}}, nil
}

func filter(ev trigger.SourceEvent, config map[string]any) (bool, string) {
	if allowed := stringList(config["events"]); len(allowed) > 0 && !matchesEvent(allowed, ev.Name) {
		return false, fmt.Sprintf("event %s not selected", ev.Name)
	}
	if want, _ := config["repository"].(string); want != "" {
		repo, _ := ev.Payload["repository"].(map[string]any)
		got, _ := repo["full_name"].(string)
		if got != want {
			return false, "repository mismatch"
		}
	}
	return true, ""
}

// matchesEvent accepts both exact names ("issues.opened") and event
// families ("issues") in the allowlist.
func matchesEvent(allowed []string, name string) bool {
	for _, a := range allowed {
		if a == name {
			return true
		}
		if len(name) > len(a) && name[:len(a)] == a && name[len(a)] == '.' {
			return true
		}
	}
	return false
}

// dedupKey leans on the delivery GUID. GitHub redeliveries reuse the GUID,
// which is exactly the duplicate we want collapsed.
func dedupKey(ev trigger.SourceEvent) string {
	if ev.ExternalID == "" {
		return ""
	}
	return ev.Name + ":" + ev.ExternalID
}

func buildContext(ev trigger.SourceEvent, _ map[string]any) map[string]any {
	out := map[string]any{
		"provider": "github",
		"event":    ev.Name,
	}
	if repo, ok := ev.Payload["repository"].(map[string]any); ok {
		if full, ok := repo["full_name"].(string); ok {
			out["repository"] = full
		}
	}
	if sender, ok := ev.Payload["sender"].(map[string]any); ok {
		if login, ok := sender["login"].(string); ok {
			out["sender"] = login
		}
	}
	for _, key := range []string{"issue", "pull_request", "comment", "ref"} {
		if v, ok := ev.Payload[key]; ok {
			out[key] = v
		}
	}
	if inst, ok := ev.Payload["installation"].(map[string]any); ok {
		switch id := inst["id"].(type) {
		case float64:
			out["installation_id"] = strconv.FormatInt(int64(id), 10)
		case string:
			out["installation_id"] = id
		}
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
