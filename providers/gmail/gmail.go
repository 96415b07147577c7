// Package gmail is the polling capability record for Gmail inboxes. Gmail
// offers no webhook push without a Pub/Sub topic, so triggers poll the
// mailbox through the Nango proxy on their configured cadence and rely on
// message-id dedup to keep overlapping windows idempotent.
package gmail

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/proliferate-ai/proliferate/providers/nango"
	"github.com/proliferate-ai/proliferate/runtime/schema"
	"github.com/proliferate-ai/proliferate/runtime/trigger"
)

// ID is the registry id for Gmail triggers. Gmail connections are brokered
// by Nango under the "gmail" integration key.
var ID = nango.RegistryID("gmail")

const (
	// integrationKey is the Nango integration holding Gmail connections.
	integrationKey = "gmail"

	// listPageSize bounds one message list call.
	listPageSize = 50
	// maxMessageFetches bounds per-poll metadata fetches. Messages past
	// the bound stay in the lookback window for the next poll.
	maxMessageFetches = 25

	// defaultLookback is the poll window when the trigger has no watermark
	// and no configured lookback.
	defaultLookback = 15 * time.Minute
)

// ProxyClient is the slice of the Nango API client polling needs.
type ProxyClient interface {
	Proxy(ctx context.Context, req nango.ProxyRequest) ([]byte, error)
}

var configSchema = schema.MustCompile([]byte(`{
	"type": "object",
	"properties": {
		"query": {"type": "string"},
		"label_ids": {
			"type": "array",
			"items": {"type": "string"}
		},
		"lookback_minutes": {"type": "number"},
		"from_contains": {"type": "string"}
	},
	"additionalProperties": true
}`))

// Provider returns the Gmail capability record polling through client.
func Provider(client ProxyClient) *trigger.Provider {
	p := &poller{client: client}
	return &trigger.Provider{
		ID:           ID,
		Kind:         trigger.TypePolling,
		Label:        "Gmail",
		ConfigSchema: configSchema,
		Filter:       filter,
		Context:      buildContext,
		Poll:         p.poll,
	}
}

type poller struct {
	client ProxyClient
}

// listResponse is the shape of users/me/messages.
type listResponse struct {
	Messages []struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	} `json:"messages"`
}

// message is the metadata-format shape of users/me/messages/{id}.
type message struct {
	ID           string `json:"id"`
	ThreadID     string `json:"threadId"`
	Snippet      string `json:"snippet"`
	InternalDate string `json:"internalDate"`
	Payload      struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
	} `json:"payload"`
}

// poll lists messages newer than the window start and fetches metadata for
// a bounded batch. Window overlap across polls is deliberate; the store's
// dedup constraint collapses re-listed messages.
func (p *poller) poll(ctx context.Context, req trigger.PollRequest) ([]trigger.SourceEvent, error) {
	if req.Trigger.ConnectionID == "" {
		return nil, fmt.Errorf("gmail trigger %s has no connection id", req.Trigger.ID)
	}

	since := req.Since
	if since.IsZero() {
		since = time.Now().Add(-lookback(req.Config))
	}

	query := url.Values{}
	query.Set("maxResults", strconv.Itoa(listPageSize))
	q := fmt.Sprintf("after:%d", since.Unix())
	if extra, _ := req.Config["query"].(string); extra != "" {
		q += " " + extra
	}
	query.Set("q", q)
	if labels, ok := req.Config["label_ids"].([]any); ok {
		for _, l := range labels {
			if s, ok := l.(string); ok {
				query.Add("labelIds", s)
			}
		}
	}

	raw, err := p.client.Proxy(ctx, nango.ProxyRequest{
		Endpoint:          "gmail/v1/users/me/messages",
		ConnectionID:      req.Trigger.ConnectionID,
		ProviderConfigKey: integrationKey,
		Query:             query,
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	var list listResponse
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode message list: %w", err)
	}

	events := make([]trigger.SourceEvent, 0, len(list.Messages))
	for i, m := range list.Messages {
		if i >= maxMessageFetches {
			break
		}
		ev, err := p.fetch(ctx, req.Trigger.ConnectionID, m.ID)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// fetch loads one message's metadata. format=metadata returns headers
// without the body, which keeps responses small and scopes read access.
func (p *poller) fetch(ctx context.Context, connectionID, id string) (trigger.SourceEvent, error) {
	query := url.Values{}
	query.Set("format", "metadata")
	for _, h := range []string{"Subject", "From", "To", "Date"} {
		query.Add("metadataHeaders", h)
	}
	raw, err := p.client.Proxy(ctx, nango.ProxyRequest{
		Endpoint:          "gmail/v1/users/me/messages/" + url.PathEscape(id),
		ConnectionID:      connectionID,
		ProviderConfigKey: integrationKey,
		Query:             query,
	})
	if err != nil {
		return trigger.SourceEvent{}, fmt.Errorf("fetch message %s: %w", id, err)
	}
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return trigger.SourceEvent{}, fmt.Errorf("decode message %s: %w", id, err)
	}

	payload := map[string]any{
		"id":        msg.ID,
		"thread_id": msg.ThreadID,
		"snippet":   msg.Snippet,
	}
	for _, h := range msg.Payload.Headers {
		switch h.Name {
		case "Subject":
			payload["subject"] = h.Value
		case "From":
			payload["from"] = h.Value
		case "To":
			payload["to"] = h.Value
		}
	}

	ev := trigger.SourceEvent{
		Name:       "gmail.message",
		ExternalID: msg.ID,
		Payload:    payload,
	}
	if ms, err := strconv.ParseInt(msg.InternalDate, 10, 64); err == nil {
		ev.OccurredAt = time.UnixMilli(ms).UTC()
	}
	return ev, nil
}

func filter(ev trigger.SourceEvent, config map[string]any) (bool, string) {
	want, _ := config["from_contains"].(string)
	if want == "" {
		return true, ""
	}
	from, _ := ev.Payload["from"].(string)
	if !strings.Contains(strings.ToLower(from), strings.ToLower(want)) {
		return false, "sender mismatch"
	}
	return true, ""
}

func buildContext(ev trigger.SourceEvent, _ map[string]any) map[string]any {
	out := map[string]any{
		"provider": "gmail",
		"event":    ev.Name,
		"message":  ev.Payload,
	}
	if id, ok := ev.Payload["id"].(string); ok && id != "" {
		out["url"] = "https://mail.google.com/mail/u/0/#all/" + id
	}
	return out
}

func lookback(config map[string]any) time.Duration {
	if mins, ok := config["lookback_minutes"].(float64); ok && mins > 0 {
		return time.Duration(mins * float64(time.Minute))
	}
	return defaultLookback
}
