package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/proliferate-ai/proliferate/runtime/schema"
)

var emptySchema = schema.MustCompile([]byte(`{"type":"object"}`))

func TestScheduledDedupKeyUsesSlotNotWallClock(t *testing.T) {
	slot := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	a := ScheduledDedupKey("trig-1", slot)
	b := ScheduledDedupKey("trig-1", slot.Add(500*time.Millisecond))

	require.Equal(t, "scheduled:trig-1:1748770200", a)
	require.Equal(t, a, b, "sub-second skew within a slot must not change the key")
	require.NotEqual(t, a, ScheduledDedupKey("trig-1", slot.Add(time.Minute)))
	require.NotEqual(t, a, ScheduledDedupKey("trig-2", slot))
}

func TestPayloadDedupKeyIsDeterministic(t *testing.T) {
	a := PayloadDedupKey("issue.created", map[string]any{"id": "1", "title": "x"})
	b := PayloadDedupKey("issue.created", map[string]any{"title": "x", "id": "1"})
	require.Equal(t, a, b, "key order in the payload map must not change the digest")

	c := PayloadDedupKey("issue.created", map[string]any{"id": "2", "title": "x"})
	require.NotEqual(t, a, c)
}

func TestRegistryRegisterValidates(t *testing.T) {
	cases := []struct {
		name    string
		p       *Provider
		wantErr string
	}{
		{
			name:    "nil provider",
			p:       nil,
			wantErr: "provider is nil",
		},
		{
			name:    "missing id",
			p:       &Provider{Kind: TypeWebhook},
			wantErr: "id is empty",
		},
		{
			name:    "missing schema",
			p:       &Provider{ID: "x", Kind: TypeWebhook},
			wantErr: "config schema is required",
		},
		{
			name: "webhook without events func",
			p: &Provider{
				ID:           "x",
				Kind:         TypeWebhook,
				ConfigSchema: emptySchema,
			},
			wantErr: "require an Events func",
		},
		{
			name: "polling without poll func",
			p: &Provider{
				ID:           "x",
				Kind:         TypePolling,
				ConfigSchema: emptySchema,
			},
			wantErr: "require a Poll func",
		},
		{
			name: "unknown kind",
			p: &Provider{
				ID:           "x",
				Kind:         Type("push"),
				ConfigSchema: emptySchema,
			},
			wantErr: "unknown kind",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRegistry()
			err := r.Register(tc.p)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestRegistryLookupAndList(t *testing.T) {
	r := NewRegistry()
	webhook := &Provider{
		ID:           "github-app",
		Kind:         TypeWebhook,
		ConfigSchema: emptySchema,
		Events: func(_ context.Context, _ Delivery) ([]SourceEvent, error) {
			return nil, nil
		},
	}
	scheduled := &Provider{
		ID:           "schedule",
		Kind:         TypeScheduled,
		ConfigSchema: emptySchema,
	}
	require.NoError(t, r.Register(webhook))
	require.NoError(t, r.Register(scheduled))

	require.ErrorIs(t, func() error { _, err := r.Lookup("missing"); return err }(), ErrProviderNotFound)

	got, err := r.Lookup("github-app")
	require.NoError(t, err)
	require.Equal(t, webhook, got)

	err = r.Register(&Provider{ID: "schedule", Kind: TypeScheduled, ConfigSchema: emptySchema})
	require.ErrorIs(t, err, ErrProviderExists)

	list := r.List()
	require.Len(t, list, 2)
	require.Equal(t, "github-app", list[0].ID, "list must be sorted by id")
	require.Equal(t, "schedule", list[1].ID)
}

func TestEventDedupKeyFallbacks(t *testing.T) {
	ev := SourceEvent{Name: "issue.created", ExternalID: "LIN-42", Payload: map[string]any{"id": "LIN-42"}}

	custom := &Provider{DedupKey: func(e SourceEvent) string { return "custom:" + e.ExternalID }}
	require.Equal(t, "custom:LIN-42", custom.EventDedupKey(ev))

	plain := &Provider{}
	require.Equal(t, "issue.created:LIN-42", plain.EventDedupKey(ev))

	noIdentity := SourceEvent{Name: "metric.fired", Payload: map[string]any{"value": 3.0}}
	key := plain.EventDedupKey(noIdentity)
	require.Contains(t, key, "metric.fired:")
	require.Equal(t, key, plain.EventDedupKey(noIdentity), "digest keys must be stable")
}

func TestTriggerRepeatable(t *testing.T) {
	require.True(t, Trigger{Type: TypeScheduled}.Repeatable())
	require.True(t, Trigger{Type: TypePolling}.Repeatable())
	require.False(t, Trigger{Type: TypeWebhook}.Repeatable())
}
