package githubapp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/proliferate-ai/proliferate/runtime/trigger"
)

func issueDelivery(t *testing.T) trigger.Delivery {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"action":       "opened",
		"issue":        map[string]any{"number": 42, "title": "Login broken"},
		"repository":   map[string]any{"full_name": "acme/api"},
		"sender":       map[string]any{"login": "octocat"},
		"installation": map[string]any{"id": 987654},
	})
	require.NoError(t, err)
	return trigger.Delivery{
		Provider: ID,
		SourceID: "987654",
		Payload:  payload,
		Headers: map[string]string{
			"x-github-event":    "issues",
			"x-github-delivery": "guid-1",
		},
		ReceivedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestProviderSatisfiesContract(t *testing.T) {
	reg := trigger.NewRegistry()
	require.NoError(t, reg.Register(Provider()))
}

func TestInstallationID(t *testing.T) {
	id, err := InstallationID([]byte(`{"installation": {"id": 987654}}`))
	require.NoError(t, err)
	require.Equal(t, "987654", id)

	_, err = InstallationID([]byte(`{"action": "opened"}`))
	require.ErrorContains(t, err, "no installation id")

	_, err = InstallationID([]byte("not json"))
	require.Error(t, err)
}

func TestEvents(t *testing.T) {
	p := Provider()
	events, err := p.Events(context.Background(), issueDelivery(t))
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	require.Equal(t, "issues.opened", ev.Name)
	require.Equal(t, "guid-1", ev.ExternalID)
	require.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), ev.OccurredAt)
}

func TestEventsWithoutAction(t *testing.T) {
	p := Provider()
	d := trigger.Delivery{
		Payload: []byte(`{"ref": "refs/heads/main"}`),
		Headers: map[string]string{"x-github-event": "push", "x-github-delivery": "guid-2"},
	}
	events, err := p.Events(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, "push", events[0].Name)
}

func TestEventsMissingHeader(t *testing.T) {
	p := Provider()
	_, err := p.Events(context.Background(), trigger.Delivery{Payload: []byte(`{}`)})
	require.ErrorContains(t, err, "x-github-event")
}

func TestFilter(t *testing.T) {
	p := Provider()
	ev := trigger.SourceEvent{
		Name:    "issues.opened",
		Payload: map[string]any{"repository": map[string]any{"full_name": "acme/api"}},
	}

	ok, _ := p.Filter(ev, map[string]any{})
	require.True(t, ok)

	ok, _ = p.Filter(ev, map[string]any{"events": []any{"issues.opened"}})
	require.True(t, ok)

	ok, _ = p.Filter(ev, map[string]any{"events": []any{"issues"}})
	require.True(t, ok, "family allowlist matches every action")

	ok, reason := p.Filter(ev, map[string]any{"events": []any{"pull_request"}})
	require.False(t, ok)
	require.Contains(t, reason, "issues.opened")

	ok, _ = p.Filter(ev, map[string]any{"repository": "acme/api"})
	require.True(t, ok)

	ok, reason = p.Filter(ev, map[string]any{"repository": "acme/web"})
	require.False(t, ok)
	require.Equal(t, "repository mismatch", reason)
}

func TestDedupKeyUsesDeliveryGUID(t *testing.T) {
	p := Provider()
	require.Equal(t, "issues.opened:guid-1", p.EventDedupKey(trigger.SourceEvent{
		Name:       "issues.opened",
		ExternalID: "guid-1",
	}))
	require.NotEmpty(t, p.EventDedupKey(trigger.SourceEvent{Name: "push", Payload: map[string]any{"ref": "x"}}))
}

func TestContext(t *testing.T) {
	p := Provider()
	events, err := p.Events(context.Background(), issueDelivery(t))
	require.NoError(t, err)

	rc := p.Context(events[0], nil)
	require.Equal(t, "github", rc["provider"])
	require.Equal(t, "issues.opened", rc["event"])
	require.Equal(t, "acme/api", rc["repository"])
	require.Equal(t, "octocat", rc["sender"])
	require.Equal(t, "987654", rc["installation_id"])
	require.Contains(t, rc, "issue")
}
