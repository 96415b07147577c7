package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	queuepulse "github.com/proliferate-ai/proliferate/features/queue/pulse"
	"github.com/proliferate-ai/proliferate/providers/custom"
	"github.com/proliferate-ai/proliferate/providers/githubapp"
	"github.com/proliferate-ai/proliferate/providers/nango"
	"github.com/proliferate-ai/proliferate/runtime/inbox"
	"github.com/proliferate-ai/proliferate/runtime/trigger"
)

// memInboxStore is an in-memory inbox.Store with the same claim
// compare-and-swap and attempt accounting the SQL store provides.
type memInboxStore struct {
	mu   sync.Mutex
	rows map[string]inbox.Row
}

func newMemInboxStore() *memInboxStore {
	return &memInboxStore{rows: make(map[string]inbox.Row)}
}

func (s *memInboxStore) Insert(_ context.Context, row inbox.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[row.ID] = row
	return nil
}

func (s *memInboxStore) Get(_ context.Context, id string) (inbox.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return inbox.Row{}, inbox.ErrNotFound
	}
	return row, nil
}

func (s *memInboxStore) MarkProcessing(_ context.Context, id string, now time.Time) (inbox.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return inbox.Row{}, inbox.ErrNotFound
	}
	if row.Status != inbox.StatusPending {
		return inbox.Row{}, inbox.ErrAlreadyClaimed
	}
	row.Status = inbox.StatusProcessing
	row.Attempts++
	row.UpdatedAt = now
	s.rows[id] = row
	return row, nil
}

func (s *memInboxStore) MarkCompleted(_ context.Context, id, note string, now time.Time) error {
	return s.finish(id, inbox.StatusCompleted, note, now)
}

func (s *memInboxStore) MarkSkipped(_ context.Context, id, reason string, now time.Time) error {
	return s.finish(id, inbox.StatusSkipped, reason, now)
}

func (s *memInboxStore) finish(id string, status inbox.Status, note string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return inbox.ErrNotFound
	}
	row.Status = status
	row.Error = note
	row.UpdatedAt = now
	row.ProcessedAt = &now
	s.rows[id] = row
	return nil
}

func (s *memInboxStore) MarkFailed(_ context.Context, id, cause string, now time.Time) (inbox.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return inbox.Row{}, inbox.ErrNotFound
	}
	row.Error = cause
	row.UpdatedAt = now
	if row.Attempts >= row.MaxAttempts {
		row.Status = inbox.StatusFailed
		row.ProcessedAt = &now
	} else {
		row.Status = inbox.StatusPending
	}
	s.rows[id] = row
	return row, nil
}

func (s *memInboxStore) PendingOlderThan(_ context.Context, cutoff time.Time, limit int) ([]inbox.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inbox.Row
	for _, row := range s.rows {
		if row.Status == inbox.StatusPending && row.UpdatedAt.Before(cutoff) {
			out = append(out, row)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memInboxStore) ReleaseStaleClaims(_ context.Context, cutoff time.Time, cause string, now time.Time, limit int) ([]inbox.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inbox.Row
	for id, row := range s.rows {
		if row.Status != inbox.StatusProcessing || !row.UpdatedAt.Before(cutoff) {
			continue
		}
		row.Error = cause
		row.UpdatedAt = now
		if row.Attempts >= row.MaxAttempts {
			row.Status = inbox.StatusFailed
			row.ProcessedAt = &now
		} else {
			row.Status = inbox.StatusPending
		}
		s.rows[id] = row
		out = append(out, row)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memInboxStore) DeleteCompletedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return s.deleteWhere(cutoff, inbox.StatusCompleted, inbox.StatusSkipped), nil
}

func (s *memInboxStore) DeleteFailedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return s.deleteWhere(cutoff, inbox.StatusFailed), nil
}

func (s *memInboxStore) deleteWhere(cutoff time.Time, statuses ...inbox.Status) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, row := range s.rows {
		for _, st := range statuses {
			if row.Status == st && row.CreatedAt.Before(cutoff) {
				delete(s.rows, id)
				n++
				break
			}
		}
	}
	return n
}

func (s *memInboxStore) mustRow(t *testing.T, id string) inbox.Row {
	t.Helper()
	row, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return row
}

func pendingRow(id, provider, sourceID string, payload []byte) inbox.Row {
	return inbox.Row{
		ID:          id,
		Provider:    provider,
		SourceID:    sourceID,
		Status:      inbox.StatusPending,
		MaxAttempts: inbox.DefaultMaxAttempts,
		Payload:     payload,
		CreatedAt:   testNow(),
		UpdatedAt:   testNow(),
	}
}

func inboxJob(t *testing.T, inboxID string) queuepulse.Job {
	t.Helper()
	payload, err := json.Marshal(queuepulse.InboxJob{InboxID: inboxID})
	require.NoError(t, err)
	return queuepulse.Job{
		ID:          "job-1",
		Queue:       queuepulse.QueueWebhooks,
		Name:        queuepulse.JobInboxRow,
		Payload:     payload,
		Attempt:     1,
		MaxAttempts: queuepulse.DefaultMaxAttempts,
	}
}

// eventsProvider interprets payloads of the form {"name":..., "id":...} as
// one occurrence.
func eventsProvider(id string) *trigger.Provider {
	p := openProvider(id)
	p.Events = func(_ context.Context, d trigger.Delivery) ([]trigger.SourceEvent, error) {
		var body struct {
			Name string `json:"name"`
			ID   string `json:"id"`
		}
		if err := json.Unmarshal(d.Payload, &body); err != nil {
			return nil, err
		}
		return []trigger.SourceEvent{{
			Name:       body.Name,
			ExternalID: body.ID,
			Payload:    map[string]any{"id": body.ID},
		}}, nil
	}
	return p
}

// nangoProductProvider unwraps the forward envelope the way production
// Nango-backed providers do.
func nangoProductProvider(id string) *trigger.Provider {
	p := openProvider(id)
	p.Events = func(_ context.Context, d trigger.Delivery) ([]trigger.SourceEvent, error) {
		hook, err := nango.ParseWebhook(d.Payload)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(hook.Payload)
		if err != nil {
			return nil, err
		}
		var body struct {
			Name string `json:"name"`
			ID   string `json:"id"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
		return []trigger.SourceEvent{{
			Name:       body.Name,
			ExternalID: body.ID,
			Payload:    hook.Payload,
		}}, nil
	}
	return p
}

type inboxHarness struct {
	store    *memInboxStore
	triggers *memTriggerStore
	autos    *memAutoStore
	launcher *stubLauncher
	ip       *InboxProcessor
}

func newInboxHarness(t *testing.T, providers ...*trigger.Provider) *inboxHarness {
	t.Helper()
	h := &inboxHarness{
		store:    newMemInboxStore(),
		triggers: newMemTriggerStore(),
		autos:    newMemAutoStore(),
		launcher: &stubLauncher{},
	}
	h.autos.seed(t, "auto-1", true)
	registry := trigger.NewRegistry()
	for _, p := range providers {
		registry.MustRegister(p)
	}
	ip, err := NewInboxProcessor(InboxProcessorOptions{
		Inbox:       h.store,
		Triggers:    h.triggers,
		Automations: h.autos,
		Providers:   registry,
		Gate:        allowAll(),
		Launcher:    h.launcher,
		Clock:       testNow,
	})
	require.NoError(t, err)
	h.ip = ip
	return h
}

func (h *inboxHarness) seedTrigger(t *testing.T, trg trigger.Trigger) {
	t.Helper()
	require.NoError(t, h.triggers.Create(context.Background(), trg))
}

func (h *inboxHarness) seedRow(t *testing.T, row inbox.Row) {
	t.Helper()
	require.NoError(t, h.store.Insert(context.Background(), row))
}

func TestInboxHandleSpawnsRun(t *testing.T) {
	h := newInboxHarness(t, eventsProvider("acme"))
	trg := webhookTrigger("trig-1", "auto-1", "acme")
	trg.ConnectionID = "conn-1"
	h.seedTrigger(t, trg)
	h.seedRow(t, pendingRow("row-1", "acme", "conn-1", []byte(`{"name":"issue.created","id":"ISS-1"}`)))

	require.NoError(t, h.ip.Handle(context.Background(), inboxJob(t, "row-1")))

	row := h.store.mustRow(t, "row-1")
	require.Equal(t, inbox.StatusCompleted, row.Status)
	require.Equal(t, "1 spawned, 0 duplicate, 0 skipped", row.Error)
	require.NotNil(t, row.ProcessedAt)

	require.Len(t, h.launcher.requests, 1)
	ev := h.triggers.mustEventByKey(t, "trig-1", "issue.created:ISS-1")
	require.Equal(t, trigger.EventStatusCompleted, ev.Status)
	require.Equal(t, "sess-1", ev.SessionID)
	require.NotNil(t, ev.ProcessedAt)
}

func TestInboxHandleClaimedRowAcks(t *testing.T) {
	h := newInboxHarness(t, eventsProvider("acme"))
	row := pendingRow("row-1", "acme", "conn-1", []byte(`{}`))
	row.Status = inbox.StatusCompleted
	h.seedRow(t, row)

	require.NoError(t, h.ip.Handle(context.Background(), inboxJob(t, "row-1")))
	require.Empty(t, h.launcher.requests)
}

func TestInboxHandleMissingRowAcks(t *testing.T) {
	h := newInboxHarness(t, eventsProvider("acme"))
	require.NoError(t, h.ip.Handle(context.Background(), inboxJob(t, "row-gone")))
	require.Empty(t, h.launcher.requests)
}

func TestInboxHandleMalformedJobAcks(t *testing.T) {
	h := newInboxHarness(t, eventsProvider("acme"))
	job := inboxJob(t, "row-1")
	job.Payload = []byte("not json")
	require.NoError(t, h.ip.Handle(context.Background(), job))

	job.Payload = []byte(`{}`)
	require.NoError(t, h.ip.Handle(context.Background(), job))
}

func TestInboxHandleUnknownConnectionCompletes(t *testing.T) {
	h := newInboxHarness(t, eventsProvider("acme"))
	h.seedRow(t, pendingRow("row-1", "acme", "conn-unknown", []byte(`{"name":"x","id":"1"}`)))

	require.NoError(t, h.ip.Handle(context.Background(), inboxJob(t, "row-1")))

	row := h.store.mustRow(t, "row-1")
	require.Equal(t, inbox.StatusCompleted, row.Status)
	require.Contains(t, row.Error, "no triggers for connection")
	require.Empty(t, h.triggers.allEvents())
	require.Empty(t, h.launcher.requests)
}

func TestInboxHandleUnregisteredProviderSkips(t *testing.T) {
	h := newInboxHarness(t)
	h.seedRow(t, pendingRow("row-1", "ghost", "conn-1", []byte(`{}`)))

	require.NoError(t, h.ip.Handle(context.Background(), inboxJob(t, "row-1")))

	row := h.store.mustRow(t, "row-1")
	require.Equal(t, inbox.StatusSkipped, row.Status)
	require.Contains(t, row.Error, "provider not registered")
}

func TestInboxHandleProviderFailureRetriesThenFails(t *testing.T) {
	p := openProvider("acme")
	p.Events = func(context.Context, trigger.Delivery) ([]trigger.SourceEvent, error) {
		return nil, errors.New("source API 500")
	}
	h := newInboxHarness(t, p)
	trg := webhookTrigger("trig-1", "auto-1", "acme")
	trg.ConnectionID = "conn-1"
	h.seedTrigger(t, trg)
	h.seedRow(t, pendingRow("row-1", "acme", "conn-1", []byte(`{}`)))

	err := h.ip.Handle(context.Background(), inboxJob(t, "row-1"))
	require.ErrorContains(t, err, "source API 500")

	row := h.store.mustRow(t, "row-1")
	require.Equal(t, inbox.StatusPending, row.Status, "attempts remain, the row goes back for redelivery")
	require.Equal(t, 1, row.Attempts)

	// Burn the remaining attempts; the last failure settles the row.
	for i := 1; i < inbox.DefaultMaxAttempts; i++ {
		require.Error(t, h.ip.Handle(context.Background(), inboxJob(t, "row-1")))
	}
	row = h.store.mustRow(t, "row-1")
	require.Equal(t, inbox.StatusFailed, row.Status)
	require.Equal(t, inbox.DefaultMaxAttempts, row.Attempts)
	require.NotNil(t, row.ProcessedAt)
}

func TestInboxHandleNangoForwardEnvelope(t *testing.T) {
	h := newInboxHarness(t, nangoProductProvider("nango-linear"))
	trg := webhookTrigger("trig-1", "auto-1", "nango-linear")
	trg.ConnectionID = "conn-9"
	h.seedTrigger(t, trg)

	envelope := []byte(`{
		"from": "nango",
		"type": "forward",
		"connectionId": "conn-9",
		"providerConfigKey": "linear",
		"payload": {"name": "issue.created", "id": "LIN-1"}
	}`)
	h.seedRow(t, pendingRow("row-1", nango.Route, "conn-9", envelope))

	require.NoError(t, h.ip.Handle(context.Background(), inboxJob(t, "row-1")))

	require.Equal(t, inbox.StatusCompleted, h.store.mustRow(t, "row-1").Status)
	require.Len(t, h.launcher.requests, 1)
	ev := h.triggers.mustEventByKey(t, "trig-1", "issue.created:LIN-1")
	require.Equal(t, trigger.EventStatusCompleted, ev.Status)
}

func TestInboxHandleDuplicateDeliveryCollapses(t *testing.T) {
	h := newInboxHarness(t, nangoProductProvider("nango-linear"))
	trg := webhookTrigger("trig-1", "auto-1", "nango-linear")
	trg.ConnectionID = "conn-9"
	h.seedTrigger(t, trg)

	envelope := []byte(`{
		"from": "nango",
		"type": "forward",
		"connectionId": "conn-9",
		"providerConfigKey": "linear",
		"payload": {"name": "issue.created", "id": "LIN-1"}
	}`)
	h.seedRow(t, pendingRow("row-1", nango.Route, "conn-9", envelope))
	h.seedRow(t, pendingRow("row-2", nango.Route, "conn-9", envelope))

	require.NoError(t, h.ip.Handle(context.Background(), inboxJob(t, "row-1")))
	require.NoError(t, h.ip.Handle(context.Background(), inboxJob(t, "row-2")))

	require.Equal(t, inbox.StatusCompleted, h.store.mustRow(t, "row-1").Status)
	second := h.store.mustRow(t, "row-2")
	require.Equal(t, inbox.StatusCompleted, second.Status)
	require.Equal(t, "0 spawned, 1 duplicate, 0 skipped", second.Error)

	require.Len(t, h.triggers.allEvents(), 1, "both rows converge on one event")
	require.Len(t, h.launcher.requests, 1, "the duplicate spawns nothing")
}

func TestInboxHandleNangoNonForwardCompletes(t *testing.T) {
	h := newInboxHarness(t, nangoProductProvider("nango-linear"))
	envelope := []byte(`{"from":"nango","type":"auth","connectionId":"conn-9","providerConfigKey":"linear"}`)
	h.seedRow(t, pendingRow("row-1", nango.Route, "conn-9", envelope))

	require.NoError(t, h.ip.Handle(context.Background(), inboxJob(t, "row-1")))

	row := h.store.mustRow(t, "row-1")
	require.Equal(t, inbox.StatusCompleted, row.Status)
	require.Contains(t, row.Error, "ignored auth envelope")
	require.Empty(t, h.launcher.requests)
}

func TestInboxHandleGitHubRoutesByInstallation(t *testing.T) {
	h := newInboxHarness(t, eventsProvider(githubapp.ID))
	trg := webhookTrigger("trig-1", "auto-1", githubapp.ID)
	trg.ConnectionID = "77"
	h.seedTrigger(t, trg)
	h.seedRow(t, pendingRow("row-1", githubapp.ID, "delivery-1",
		[]byte(`{"installation":{"id":77},"name":"issues.opened","id":"gh-1"}`)))

	require.NoError(t, h.ip.Handle(context.Background(), inboxJob(t, "row-1")))

	require.Equal(t, inbox.StatusCompleted, h.store.mustRow(t, "row-1").Status)
	require.Len(t, h.launcher.requests, 1)
}

func TestInboxHandleGitHubWithoutInstallationCompletes(t *testing.T) {
	h := newInboxHarness(t, eventsProvider(githubapp.ID))
	h.seedRow(t, pendingRow("row-1", githubapp.ID, "delivery-1", []byte(`{"zen":"ok"}`)))

	require.NoError(t, h.ip.Handle(context.Background(), inboxJob(t, "row-1")))

	row := h.store.mustRow(t, "row-1")
	require.Equal(t, inbox.StatusCompleted, row.Status)
	require.Empty(t, h.launcher.requests)
}

func TestInboxHandleGitHubMalformedBodyRetries(t *testing.T) {
	h := newInboxHarness(t, eventsProvider(githubapp.ID))
	h.seedRow(t, pendingRow("row-1", githubapp.ID, "delivery-1", []byte("{truncated")))

	err := h.ip.Handle(context.Background(), inboxJob(t, "row-1"))
	require.ErrorContains(t, err, "not valid JSON")
	require.Equal(t, inbox.StatusPending, h.store.mustRow(t, "row-1").Status)
}

func TestInboxHandleCustomTrigger(t *testing.T) {
	h := newInboxHarness(t, eventsProvider(custom.ID))
	trg := webhookTrigger("trig-7", "auto-1", custom.ID)
	h.seedTrigger(t, trg)
	h.seedRow(t, pendingRow("row-1", custom.ID, "trig-7", []byte(`{"name":"custom.fired","id":"c-1"}`)))

	require.NoError(t, h.ip.Handle(context.Background(), inboxJob(t, "row-1")))

	require.Equal(t, inbox.StatusCompleted, h.store.mustRow(t, "row-1").Status)
	require.Len(t, h.launcher.requests, 1)
	h.triggers.mustEventByKey(t, "trig-7", "custom.fired:c-1")
}

func TestInboxHandleCustomTriggerDisabledCompletes(t *testing.T) {
	h := newInboxHarness(t, eventsProvider(custom.ID))
	trg := webhookTrigger("trig-7", "auto-1", custom.ID)
	trg.Enabled = false
	h.seedTrigger(t, trg)
	h.seedRow(t, pendingRow("row-1", custom.ID, "trig-7", []byte(`{"name":"custom.fired","id":"c-1"}`)))

	require.NoError(t, h.ip.Handle(context.Background(), inboxJob(t, "row-1")))

	row := h.store.mustRow(t, "row-1")
	require.Equal(t, inbox.StatusCompleted, row.Status)
	require.Contains(t, row.Error, "trigger disabled")
	require.Empty(t, h.launcher.requests)
}

func TestInboxHandleAutomationFamilyFiltersTriggers(t *testing.T) {
	h := newInboxHarness(t, eventsProvider("automation"))

	match := webhookTrigger("trig-hook", "auto-1", "automation")
	h.seedTrigger(t, match)
	scheduled := webhookTrigger("trig-cron", "auto-1", "automation")
	scheduled.Type = trigger.TypeScheduled
	h.seedTrigger(t, scheduled)
	disabled := webhookTrigger("trig-off", "auto-1", "automation")
	disabled.Enabled = false
	h.seedTrigger(t, disabled)

	h.seedRow(t, pendingRow("row-1", "automation", "auto-1", []byte(`{"name":"automation.fired","id":"a-1"}`)))

	require.NoError(t, h.ip.Handle(context.Background(), inboxJob(t, "row-1")))

	require.Len(t, h.launcher.requests, 1, "only the enabled webhook trigger spawns")
	h.triggers.mustEventByKey(t, "trig-hook", "automation.fired:a-1")
}
