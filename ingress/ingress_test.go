package ingress

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	goahttp "goa.design/goa/v3/http"

	queuepulse "github.com/proliferate-ai/proliferate/features/queue/pulse"
	"github.com/proliferate-ai/proliferate/providers/automation"
	"github.com/proliferate-ai/proliferate/providers/custom"
	"github.com/proliferate-ai/proliferate/providers/nango"
	"github.com/proliferate-ai/proliferate/providers/posthog"
	"github.com/proliferate-ai/proliferate/runtime/action"
	"github.com/proliferate-ai/proliferate/runtime/auth"
	"github.com/proliferate-ai/proliferate/runtime/inbox"
	"github.com/proliferate-ai/proliferate/runtime/trigger"
)

const (
	testNangoSecret  = "nango-secret"
	testGitHubSecret = "github-secret"
	testServiceToken = "svc-token"
)

var fixedNow = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

// memInbox is an in-memory inbox store following the persistence contract.
type memInbox struct {
	mu        sync.Mutex
	rows      map[string]inbox.Row
	order     []string
	insertErr error
}

func newMemInbox() *memInbox {
	return &memInbox{rows: make(map[string]inbox.Row)}
}

func (m *memInbox) Insert(_ context.Context, row inbox.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	if row.DeliveryID != "" {
		for _, ex := range m.rows {
			if ex.Provider == row.Provider && ex.DeliveryID == row.DeliveryID {
				return inbox.ErrDuplicateDelivery
			}
		}
	}
	m.rows[row.ID] = row
	m.order = append(m.order, row.ID)
	return nil
}

func (m *memInbox) Get(_ context.Context, id string) (inbox.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return inbox.Row{}, inbox.ErrNotFound
	}
	return row, nil
}

func (m *memInbox) MarkProcessing(_ context.Context, id string, now time.Time) (inbox.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return inbox.Row{}, inbox.ErrNotFound
	}
	if row.Status != inbox.StatusPending {
		return inbox.Row{}, inbox.ErrAlreadyClaimed
	}
	row.Status = inbox.StatusProcessing
	row.Attempts++
	row.UpdatedAt = now
	m.rows[id] = row
	return row, nil
}

func (m *memInbox) MarkCompleted(_ context.Context, id, note string, now time.Time) error {
	return m.finish(id, inbox.StatusCompleted, note, now)
}

func (m *memInbox) MarkSkipped(_ context.Context, id, reason string, now time.Time) error {
	return m.finish(id, inbox.StatusSkipped, reason, now)
}

func (m *memInbox) MarkFailed(_ context.Context, id, cause string, now time.Time) (inbox.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return inbox.Row{}, inbox.ErrNotFound
	}
	if row.Attempts >= row.MaxAttempts {
		row.Status = inbox.StatusFailed
		row.ProcessedAt = &now
	} else {
		row.Status = inbox.StatusPending
	}
	row.Error = cause
	row.UpdatedAt = now
	m.rows[id] = row
	return row, nil
}

func (m *memInbox) PendingOlderThan(_ context.Context, cutoff time.Time, limit int) ([]inbox.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []inbox.Row
	for _, id := range m.order {
		row := m.rows[id]
		if row.Status == inbox.StatusPending && row.UpdatedAt.Before(cutoff) {
			out = append(out, row)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memInbox) ReleaseStaleClaims(_ context.Context, cutoff time.Time, cause string, now time.Time, limit int) ([]inbox.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []inbox.Row
	for _, id := range m.order {
		row := m.rows[id]
		if row.Status != inbox.StatusProcessing || !row.UpdatedAt.Before(cutoff) {
			continue
		}
		if row.Attempts >= row.MaxAttempts {
			row.Status = inbox.StatusFailed
			row.ProcessedAt = &now
		} else {
			row.Status = inbox.StatusPending
		}
		row.Error = cause
		row.UpdatedAt = now
		m.rows[id] = row
		out = append(out, row)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memInbox) DeleteCompletedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return m.deleteBefore(cutoff, inbox.StatusCompleted, inbox.StatusSkipped), nil
}

func (m *memInbox) DeleteFailedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return m.deleteBefore(cutoff, inbox.StatusFailed), nil
}

func (m *memInbox) finish(id string, status inbox.Status, note string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return inbox.ErrNotFound
	}
	row.Status = status
	row.Error = note
	row.UpdatedAt = now
	row.ProcessedAt = &now
	m.rows[id] = row
	return nil
}

func (m *memInbox) deleteBefore(cutoff time.Time, statuses ...inbox.Status) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, row := range m.rows {
		for _, st := range statuses {
			if row.Status == st && row.UpdatedAt.Before(cutoff) {
				delete(m.rows, id)
				deleted++
				break
			}
		}
	}
	return deleted
}

func (m *memInbox) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *memInbox) row(t *testing.T, id string) inbox.Row {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	require.True(t, ok, "inbox row %s not stored", id)
	return row
}

type stubQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *stubQueue) EnqueueInboxRow(_ context.Context, inboxID string) (queuepulse.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return queuepulse.Job{}, q.err
	}
	q.ids = append(q.ids, inboxID)
	return queuepulse.Job{ID: "job-1", Queue: queuepulse.QueueWebhooks, Name: queuepulse.JobInboxRow}, nil
}

func (q *stubQueue) queued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

type decisionCall struct {
	sessionID string
	id        string
	actor     auth.Identity
	opts      action.ApproveOptions
}

type stubDecider struct {
	mu       sync.Mutex
	approves []decisionCall
	denies   []decisionCall
	inv      action.Invocation
	err      error
}

func (d *stubDecider) Approve(_ context.Context, sessionID, id string, actor auth.Identity, opts action.ApproveOptions) (action.Invocation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.approves = append(d.approves, decisionCall{sessionID: sessionID, id: id, actor: actor, opts: opts})
	return d.inv, d.err
}

func (d *stubDecider) Deny(_ context.Context, sessionID, id string, actor auth.Identity) (action.Invocation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.denies = append(d.denies, decisionCall{sessionID: sessionID, id: id, actor: actor})
	return d.inv, d.err
}

type stubVerifier struct {
	mu       sync.Mutex
	identity auth.Identity
	err      error
	tokens   []string
}

func (v *stubVerifier) Verify(_ context.Context, token string) (auth.Identity, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens = append(v.tokens, token)
	if v.err != nil {
		return auth.Identity{}, v.err
	}
	return v.identity, nil
}

// stubEventLister serves fixed events and records the query it was asked.
type stubEventLister struct {
	mu        sync.Mutex
	events    []trigger.Event
	err       error
	triggerID string
	cutoff    time.Time
	limit     int
}

func (l *stubEventLister) EventsSince(_ context.Context, triggerID string, cutoff time.Time, limit int) ([]trigger.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.triggerID, l.cutoff, l.limit = triggerID, cutoff, limit
	return l.events, l.err
}

type fixture struct {
	inbox    *memInbox
	queue    *stubQueue
	decider  *stubDecider
	verifier *stubVerifier
	srv      *httptest.Server
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		inbox: newMemInbox(),
		queue: &stubQueue{},
		decider: &stubDecider{
			inv: action.Invocation{ID: "inv-1", SessionID: "sess-1", Status: action.StatusCompleted},
		},
		verifier: &stubVerifier{
			identity: auth.Identity{UserID: "user-1", OrgID: "org-1", Role: auth.RoleAdmin},
		},
	}
	reg := newTestRegistry(t)
	opts := Options{
		Inbox:        f.inbox,
		Queue:        f.queue,
		Providers:    reg,
		Actions:      f.decider,
		Verifier:     f.verifier,
		NangoSecret:  testNangoSecret,
		GitHubSecret: testGitHubSecret,
		Clock:        func() time.Time { return fixedNow },
	}
	for _, m := range mutate {
		m(&opts)
	}
	svc, err := New(opts)
	require.NoError(t, err)

	mux := goahttp.NewMuxer()
	svc.Mount(mux)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func newTestRegistry(t *testing.T) *trigger.Registry {
	t.Helper()
	reg := trigger.NewRegistry()
	require.NoError(t, reg.Register(custom.Provider()))
	require.NoError(t, reg.Register(posthog.Provider()))
	return reg
}

func (f *fixture) do(t *testing.T, method, path string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func (f *fixture) post(t *testing.T, path string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	return f.do(t, http.MethodPost, path, body, headers)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func decodeAck(t *testing.T, out []byte) (bool, string) {
	t.Helper()
	var ack struct {
		OK bool   `json:"ok"`
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(out, &ack))
	return ack.OK, ack.ID
}

func decodeError(t *testing.T, out []byte) string {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(out, &body))
	return body.Error.Code
}

func TestNewValidation(t *testing.T) {
	base := func() Options {
		return Options{
			Inbox:     newMemInbox(),
			Queue:     &stubQueue{},
			Providers: trigger.NewRegistry(),
			Actions:   &stubDecider{},
			Verifier:  &stubVerifier{},
		}
	}

	_, err := New(base())
	require.NoError(t, err)

	opts := base()
	opts.Inbox = nil
	_, err = New(opts)
	require.ErrorContains(t, err, "inbox store is required")

	opts = base()
	opts.Queue = nil
	_, err = New(opts)
	require.ErrorContains(t, err, "webhooks queue is required")

	opts = base()
	opts.Providers = nil
	_, err = New(opts)
	require.ErrorContains(t, err, "provider registry is required")

	opts = base()
	opts.Actions = nil
	_, err = New(opts)
	require.ErrorContains(t, err, "action decider is required")

	opts = base()
	opts.Verifier = nil
	_, err = New(opts)
	require.ErrorContains(t, err, "auth verifier is required")
}

func TestNangoIntakeAccepted(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"type":"forward","connectionId":"conn-9","providerConfigKey":"linear","payload":{"id":"evt-1"}}`)

	resp, out := f.post(t, "/webhooks/nango", body, map[string]string{
		nangoSignatureHeader: sign(testNangoSecret, body),
	})

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	ok, id := decodeAck(t, out)
	require.True(t, ok)
	require.NotEmpty(t, id)

	row := f.inbox.row(t, id)
	require.Equal(t, nango.Route, row.Provider)
	require.Equal(t, "conn-9", row.SourceID, "connection id captured from the envelope")
	require.Equal(t, inbox.StatusPending, row.Status)
	require.Equal(t, body, row.Payload)
	require.Contains(t, row.Headers, "x-nango-hmac-sha256")

	require.Equal(t, []string{id}, f.queue.queued(), "row queued for the worker")
}

func TestNangoIntakeRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"type":"forward","connectionId":"conn-9"}`)

	resp, out := f.post(t, "/webhooks/nango", body, map[string]string{
		nangoSignatureHeader: sign("wrong-secret", body),
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "invalid_signature", decodeError(t, out))

	resp, _ = f.post(t, "/webhooks/nango", body, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "missing signature header")

	require.Zero(t, f.inbox.count(), "nothing persisted on rejection")
	require.Empty(t, f.queue.queued())
}

func TestNangoIntakeFailsClosedWithoutSecret(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.NangoSecret = "" })
	body := []byte(`{"type":"forward"}`)

	resp, _ := f.post(t, "/webhooks/nango", body, map[string]string{
		nangoSignatureHeader: sign("", body),
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Zero(t, f.inbox.count())
}

func TestGitHubIntakeAccepted(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"action":"opened","installation":{"id":42}}`)

	resp, out := f.post(t, "/webhooks/github-app", body, map[string]string{
		githubSignatureHeader: "sha256=" + sign(testGitHubSecret, body),
		githubDeliveryHeader:  "guid-77",
		"x-github-event":      "issues",
	})

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_, id := decodeAck(t, out)

	row := f.inbox.row(t, id)
	require.Equal(t, "github-app", row.Provider)
	require.Equal(t, "guid-77", row.DeliveryID, "delivery guid is captured for redelivery suppression")
	require.Empty(t, row.SourceID, "the worker resolves the installation from the payload")
	require.Equal(t, "issues", row.Headers["x-github-event"])
	require.Equal(t, []string{id}, f.queue.queued())
}

func TestGitHubRedeliverySuppressed(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"action":"opened","installation":{"id":42}}`)
	headers := map[string]string{
		githubSignatureHeader: "sha256=" + sign(testGitHubSecret, body),
		githubDeliveryHeader:  "guid-77",
	}

	resp, out := f.post(t, "/webhooks/github-app", body, headers)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_, id := decodeAck(t, out)

	resp, out = f.post(t, "/webhooks/github-app", body, headers)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "redeliveries are acked so the sender stops retrying")
	var ack struct {
		OK        bool `json:"ok"`
		Duplicate bool `json:"duplicate"`
	}
	require.NoError(t, json.Unmarshal(out, &ack))
	require.True(t, ack.OK)
	require.True(t, ack.Duplicate)

	require.Equal(t, 1, f.inbox.count(), "one row per delivery id")
	require.Equal(t, []string{id}, f.queue.queued(), "the redelivery is never queued")
}

func TestGitHubIntakeRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"action":"opened"}`)

	resp, out := f.post(t, "/webhooks/github-app", body, map[string]string{
		githubSignatureHeader: "sha256=" + sign("wrong-secret", body),
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "invalid_signature", decodeError(t, out))

	// Missing the sha256= prefix never verifies.
	resp, _ = f.post(t, "/webhooks/github-app", body, map[string]string{
		githubSignatureHeader: sign(testGitHubSecret, body),
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Zero(t, f.inbox.count())
}

func TestPathIntakeRoutes(t *testing.T) {
	cases := []struct {
		name     string
		path     string
		provider string
		sourceID string
	}{
		{"custom", "/webhooks/custom/trg-7", custom.ID, "trg-7"},
		{"posthog", "/webhooks/posthog/auto-3", posthog.ID, "auto-3"},
		{"automation", "/webhooks/automation/auto-9", automation.ID, "auto-9"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			body := []byte(`{"event":"ping"}`)

			resp, out := f.post(t, tc.path, body, nil)
			require.Equal(t, http.StatusAccepted, resp.StatusCode)

			_, id := decodeAck(t, out)
			row := f.inbox.row(t, id)
			require.Equal(t, tc.provider, row.Provider)
			require.Equal(t, tc.sourceID, row.SourceID)
			require.Equal(t, []string{id}, f.queue.queued())
		})
	}
}

func TestDirectIntake(t *testing.T) {
	t.Run("accepted with connectionId", func(t *testing.T) {
		f := newFixture(t)
		body := []byte(`{"connectionId":"conn-4","event":"thing.updated"}`)

		resp, out := f.post(t, "/webhooks/direct/custom", body, nil)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		_, id := decodeAck(t, out)
		row := f.inbox.row(t, id)
		require.Equal(t, "custom", row.Provider)
		require.Equal(t, "conn-4", row.SourceID)
	})

	t.Run("accepted with integration_id", func(t *testing.T) {
		f := newFixture(t)
		body := []byte(`{"integration_id":"int-5"}`)

		resp, out := f.post(t, "/webhooks/direct/custom", body, nil)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		_, id := decodeAck(t, out)
		require.Equal(t, "int-5", f.inbox.row(t, id).SourceID)
	})

	t.Run("missing connection identity", func(t *testing.T) {
		f := newFixture(t)

		resp, out := f.post(t, "/webhooks/direct/custom", []byte(`{"event":"x"}`), nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Equal(t, "invalid_request", decodeError(t, out))
		require.Zero(t, f.inbox.count(), "nothing persisted without an identity")
	})

	t.Run("unknown provider", func(t *testing.T) {
		f := newFixture(t)

		resp, out := f.post(t, "/webhooks/direct/nope", []byte(`{"connectionId":"c"}`), nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		require.Equal(t, "not_found", decodeError(t, out))
		require.Zero(t, f.inbox.count())
	})
}

func TestOversizedPayloadAckedNotQueued(t *testing.T) {
	f := newFixture(t)
	body := bytes.Repeat([]byte("a"), inbox.MaxPayloadBytes+1)

	resp, out := f.post(t, "/webhooks/custom/trg-1", body, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "oversized deliveries are acked so senders stop retrying")

	_, id := decodeAck(t, out)
	row := f.inbox.row(t, id)
	require.Equal(t, inbox.StatusSkipped, row.Status)
	require.Len(t, row.Payload, inbox.MaxPayloadBytes)
	require.Empty(t, f.queue.queued(), "skipped rows never reach the worker")
}

func TestIntakeRateLimited(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.RatePerSecond = 1
		o.RateBurst = 1
	})
	body := []byte(`{}`)

	resp, _ := f.post(t, "/webhooks/custom/trg-1", body, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, out := f.post(t, "/webhooks/custom/trg-2", body, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "rate_limited", decodeError(t, out))

	// Buckets are per route: a different provider route is unaffected.
	resp, _ = f.post(t, "/webhooks/posthog/auto-1", body, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestInsertFailureReturns500(t *testing.T) {
	f := newFixture(t)
	f.inbox.insertErr = errors.New("connection refused")

	resp, out := f.post(t, "/webhooks/custom/trg-1", []byte(`{}`), nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, "internal", decodeError(t, out))
	require.Empty(t, f.queue.queued())
}

func TestEnqueueFailureReturns500(t *testing.T) {
	f := newFixture(t)
	f.queue.err = errors.New("stream unavailable")

	resp, out := f.post(t, "/webhooks/custom/trg-1", []byte(`{}`), nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, "internal", decodeError(t, out))
	require.Equal(t, 1, f.inbox.count(), "the stored row survives for the restart sweep")
}

func TestApproveDecision(t *testing.T) {
	f := newFixture(t)
	f.decider.inv = action.Invocation{
		ID:        "inv-1",
		SessionID: "sess-1",
		AdapterID: "slack",
		Name:      "send-message",
		Status:    action.StatusCompleted,
		Risk:      action.RiskWrite,
	}
	body := []byte(`{"mode":"grant","grant":{"scope":"slack:send-message","maxCalls":5}}`)

	resp, out := f.post(t, "/actions/sess-1/invocations/inv-1/approve", body, map[string]string{
		"Authorization": "Bearer tok-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, []string{"tok-1"}, f.verifier.tokens)
	require.Len(t, f.decider.approves, 1)
	call := f.decider.approves[0]
	require.Equal(t, "sess-1", call.sessionID)
	require.Equal(t, "inv-1", call.id)
	require.Equal(t, "user-1", call.actor.UserID)
	require.Equal(t, "grant", call.opts.Mode)
	require.NotNil(t, call.opts.Grant)
	require.Equal(t, "slack:send-message", call.opts.Grant.Scope)
	require.Equal(t, 5, call.opts.Grant.MaxCalls)

	var got struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(out, &got))
	require.Equal(t, "inv-1", got.ID)
	require.Equal(t, "completed", got.Status)
}

func TestDenyDecision(t *testing.T) {
	f := newFixture(t)
	f.decider.inv = action.Invocation{ID: "inv-2", Status: action.StatusDenied}

	resp, _ := f.post(t, "/actions/sess-1/invocations/inv-2/deny", nil, map[string]string{
		"Authorization": "Bearer tok-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, f.decider.denies, 1)
	require.Empty(t, f.decider.approves)
}

func TestDecisionRequiresBearer(t *testing.T) {
	f := newFixture(t)

	resp, out := f.post(t, "/actions/sess-1/invocations/inv-1/approve", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "unauthenticated", decodeError(t, out))
	require.Empty(t, f.decider.approves)
	require.Empty(t, f.verifier.tokens)
}

func TestDecisionVerifierErrors(t *testing.T) {
	f := newFixture(t)
	f.verifier.err = auth.ErrUnauthenticated

	resp, out := f.post(t, "/actions/sess-1/invocations/inv-1/approve", nil, map[string]string{
		"Authorization": "Bearer bad",
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "unauthenticated", decodeError(t, out))

	f.verifier.err = errors.New("connection refused")
	resp, out = f.post(t, "/actions/sess-1/invocations/inv-1/approve", nil, map[string]string{
		"Authorization": "Bearer tok",
	})
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Equal(t, "upstream_unavailable", decodeError(t, out))
}

func TestDecisionServiceTokenSkipsIntrospection(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ServiceToken = testServiceToken })

	resp, _ := f.post(t, "/actions/sess-1/invocations/inv-1/approve", nil, map[string]string{
		"Authorization": "Bearer " + testServiceToken,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, f.verifier.tokens)
	require.Len(t, f.decider.approves, 1)
	require.True(t, f.decider.approves[0].actor.Service,
		"the engine sees the service identity and applies its own role rules")
}

func TestDecisionErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"forbidden", auth.ErrForbidden, http.StatusForbidden, "forbidden"},
		{"not found", action.ErrNotFound, http.StatusNotFound, "not_found"},
		{"conflict", action.ErrConflict, http.StatusConflict, "conflict"},
		{"expired", action.ErrExpired, http.StatusGone, "expired"},
		{"adapter failure", action.ErrAdapterFailure, http.StatusBadGateway, "adapter_failure"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.decider.err = tc.err

			resp, out := f.post(t, "/actions/sess-1/invocations/inv-1/approve", nil, map[string]string{
				"Authorization": "Bearer tok-1",
			})
			require.Equal(t, tc.status, resp.StatusCode)
			require.Equal(t, tc.code, decodeError(t, out))
		})
	}
}

func TestProviderCatalog(t *testing.T) {
	f := newFixture(t)

	resp, out := f.do(t, http.MethodGet, "/providers", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Providers []struct {
			ID           string          `json:"id"`
			Kind         string          `json:"kind"`
			ConfigSchema json.RawMessage `json:"config_schema"`
		} `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(out, &list))
	require.Len(t, list.Providers, 2)
	require.Equal(t, "custom", list.Providers[0].ID, "catalog is sorted by id")
	require.Equal(t, "posthog", list.Providers[1].ID)
	require.Equal(t, "webhook", list.Providers[0].Kind)
	require.NotEmpty(t, list.Providers[0].ConfigSchema)

	resp, out = f.do(t, http.MethodGet, "/providers/custom", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var one struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(out, &one))
	require.Equal(t, "custom", one.ID)

	resp, out = f.do(t, http.MethodGet, "/providers/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "not_found", decodeError(t, out))
}

func newEventsFixture(t *testing.T, lister *stubEventLister) *fixture {
	t.Helper()
	return newFixture(t, func(o *Options) {
		o.Triggers = lister
		o.ServiceToken = testServiceToken
	})
}

func TestTriggerEventsListing(t *testing.T) {
	done := fixedNow.Add(-time.Hour)
	lister := &stubEventLister{events: []trigger.Event{
		{
			ID: "ev-2", TriggerID: "trig-1", DedupKey: "d-2", Name: "issue.created",
			Status: trigger.EventStatusCompleted, SessionID: "sess-9",
			CreatedAt: fixedNow.Add(-30 * time.Minute), ProcessedAt: &done,
		},
		{
			ID: "ev-1", TriggerID: "trig-1", DedupKey: "d-1",
			Status: trigger.EventStatusSkipped, SkipReason: "filter mismatch",
			CreatedAt: fixedNow.Add(-2 * time.Hour),
		},
	}}
	f := newEventsFixture(t, lister)

	resp, out := f.do(t, http.MethodGet, "/triggers/trig-1/events", nil, map[string]string{
		"Authorization": "Bearer " + testServiceToken,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, f.verifier.tokens, "the service token authenticates without introspection")

	require.Equal(t, "trig-1", lister.triggerID)
	require.Equal(t, fixedNow.Add(-24*time.Hour), lister.cutoff, "the window defaults to one day")
	require.Equal(t, 50, lister.limit)

	var got struct {
		Events []struct {
			ID         string `json:"id"`
			Status     string `json:"status"`
			SkipReason string `json:"skip_reason"`
			SessionID  string `json:"session_id"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(out, &got))
	require.Len(t, got.Events, 2)
	require.Equal(t, "ev-2", got.Events[0].ID, "newest first")
	require.Equal(t, "sess-9", got.Events[0].SessionID)
	require.Equal(t, "filter mismatch", got.Events[1].SkipReason)
}

func TestTriggerEventsWindowAndLimit(t *testing.T) {
	lister := &stubEventLister{}
	f := newEventsFixture(t, lister)

	resp, _ := f.do(t, http.MethodGet, "/triggers/trig-1/events?since=2025-05-01T00:00:00Z&limit=1000", nil, map[string]string{
		"Authorization": "Bearer " + testServiceToken,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), lister.cutoff)
	require.Equal(t, 200, lister.limit, "the page size is capped")

	resp, out := f.do(t, http.MethodGet, "/triggers/trig-1/events?since=yesterday", nil, map[string]string{
		"Authorization": "Bearer " + testServiceToken,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_request", decodeError(t, out))

	resp, out = f.do(t, http.MethodGet, "/triggers/trig-1/events?limit=0", nil, map[string]string{
		"Authorization": "Bearer " + testServiceToken,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_request", decodeError(t, out))
}

func TestTriggerEventsRequireServiceIdentity(t *testing.T) {
	lister := &stubEventLister{}
	f := newEventsFixture(t, lister)

	resp, out := f.do(t, http.MethodGet, "/triggers/trig-1/events", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "unauthenticated", decodeError(t, out))

	// An interactive admin authenticates but is not the platform service.
	resp, out = f.do(t, http.MethodGet, "/triggers/trig-1/events", nil, map[string]string{
		"Authorization": "Bearer tok-1",
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "forbidden", decodeError(t, out))
	require.Zero(t, lister.limit, "nothing is listed for non-service callers")
}

func TestTriggerEventsRouteAbsentWithoutLister(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/triggers/trig-1/events", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthRoute(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Health = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	resp, _ := f.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
