package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	queuepulse "github.com/proliferate-ai/proliferate/features/queue/pulse"
	"github.com/proliferate-ai/proliferate/runtime/automation"
	"github.com/proliferate-ai/proliferate/runtime/inbox"
	"github.com/proliferate-ai/proliferate/runtime/session"
)

type fakeJanitorTicker struct {
	ch chan time.Time
}

func (f *fakeJanitorTicker) C() <-chan time.Time { return f.ch }
func (f *fakeJanitorTicker) Stop()               {}

// recordQueue is an Enqueuer that records job names.
type recordQueue struct {
	mu    sync.Mutex
	names []string
	ch    chan string
	err   error
}

func newRecordQueue() *recordQueue { return &recordQueue{ch: make(chan string, 16)} }

func (q *recordQueue) Enqueue(_ context.Context, name string, _ []byte, _ ...queuepulse.EnqueueOption) (queuepulse.Job, error) {
	if q.err != nil {
		return queuepulse.Job{}, q.err
	}
	q.mu.Lock()
	q.names = append(q.names, name)
	q.mu.Unlock()
	q.ch <- name
	return queuepulse.Job{ID: "job-1", Name: name}, nil
}

func (q *recordQueue) all() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.names...)
}

// stubInboxQueue records re-enqueued inbox row ids.
type stubInboxQueue struct {
	ids []string
	err error
}

func (q *stubInboxQueue) EnqueueInboxRow(_ context.Context, inboxID string) (queuepulse.Job, error) {
	if q.err != nil {
		return queuepulse.Job{}, q.err
	}
	q.ids = append(q.ids, inboxID)
	return queuepulse.Job{ID: "job-" + inboxID}, nil
}

// stubSessionGateway records terminated session ids.
type stubSessionGateway struct {
	terminated []string
	err        error
}

func (g *stubSessionGateway) CreateSession(context.Context, session.CreateRequest) (session.CreateResult, error) {
	return session.CreateResult{}, errors.New("not used")
}
func (g *stubSessionGateway) SendPrompt(context.Context, string, string) error { return nil }
func (g *stubSessionGateway) Interrupt(context.Context, string, string) error  { return nil }

func (g *stubSessionGateway) Terminate(_ context.Context, sessionID, _ string) error {
	if g.err != nil {
		return g.err
	}
	g.terminated = append(g.terminated, sessionID)
	return nil
}

// stubExpirer returns a scripted count per call.
type stubExpirer struct {
	pages []int
	calls int
	err   error
}

func (e *stubExpirer) ExpireDue(_ context.Context, _ int) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	defer func() { e.calls++ }()
	if e.calls >= len(e.pages) {
		return 0, nil
	}
	return e.pages[e.calls], nil
}

type janitorHarness struct {
	inbox    *memInboxStore
	runs     *memAutoStore
	expirer  *stubExpirer
	webhooks *stubInboxQueue
	gateway  *stubSessionGateway
	gc       *recordQueue
	expiry   *recordQueue
	tickers  map[string]*fakeJanitorTicker
	j        *Janitor
}

func newJanitorHarness(t *testing.T) *janitorHarness {
	t.Helper()
	h := &janitorHarness{
		inbox:    newMemInboxStore(),
		runs:     newMemAutoStore(),
		expirer:  &stubExpirer{},
		webhooks: &stubInboxQueue{},
		gateway:  &stubSessionGateway{},
		gc:       newRecordQueue(),
		expiry:   newRecordQueue(),
		tickers: map[string]*fakeJanitorTicker{
			"janitor-sweep":  {ch: make(chan time.Time, 1)},
			"janitor-expiry": {ch: make(chan time.Time, 1)},
		},
	}
	factory := func(_ context.Context, name string, _ time.Duration) (tickSource, error) {
		tk, ok := h.tickers[name]
		if !ok {
			return nil, errors.New("no ticker named " + name)
		}
		return tk, nil
	}
	j, err := newJanitor(JanitorOptions{
		Inbox:       h.inbox,
		Runs:        h.runs,
		Actions:     h.expirer,
		Webhooks:    h.webhooks,
		Gateway:     h.gateway,
		GCQueue:     h.gc,
		ExpiryQueue: h.expiry,
		Clock:       testNow,
	}, factory)
	require.NoError(t, err)
	h.j = j
	return h
}

func (h *janitorHarness) seedInboxRow(t *testing.T, id string, status inbox.Status, age time.Duration) {
	t.Helper()
	row := pendingRow(id, "acme", "conn-1", []byte(`{}`))
	row.Status = status
	row.CreatedAt = testNow().Add(-age)
	row.UpdatedAt = row.CreatedAt
	require.NoError(t, h.inbox.Insert(context.Background(), row))
}

func (h *janitorHarness) seedRun(t *testing.T, id string, status automation.RunStatus, age time.Duration) {
	h.seedRunWithSession(t, id, "", status, age)
}

func (h *janitorHarness) seedRunWithSession(t *testing.T, id, sessionID string, status automation.RunStatus, age time.Duration) {
	t.Helper()
	require.NoError(t, h.runs.CreateRun(context.Background(), automation.Run{
		ID:        id,
		OrgID:     "org-1",
		SessionID: sessionID,
		Status:    status,
		UpdatedAt: testNow().Add(-age),
	}))
}

func TestJanitorSweepPurgesAndRequeues(t *testing.T) {
	h := newJanitorHarness(t)
	h.seedInboxRow(t, "old-done", inbox.StatusCompleted, 8*24*time.Hour)
	h.seedInboxRow(t, "old-skip", inbox.StatusSkipped, 8*24*time.Hour)
	h.seedInboxRow(t, "new-done", inbox.StatusCompleted, time.Hour)
	h.seedInboxRow(t, "old-failed", inbox.StatusFailed, 22*24*time.Hour)
	h.seedInboxRow(t, "kept-failed", inbox.StatusFailed, 8*24*time.Hour)
	h.seedInboxRow(t, "stranded", inbox.StatusPending, time.Hour)
	h.seedInboxRow(t, "fresh", inbox.StatusPending, time.Minute)

	require.NoError(t, h.j.HandleGC(context.Background(), queuepulse.Job{Name: queuepulse.JobSweepInbox}))

	_, err := h.inbox.Get(context.Background(), "old-done")
	require.ErrorIs(t, err, inbox.ErrNotFound)
	_, err = h.inbox.Get(context.Background(), "old-skip")
	require.ErrorIs(t, err, inbox.ErrNotFound)
	_, err = h.inbox.Get(context.Background(), "old-failed")
	require.ErrorIs(t, err, inbox.ErrNotFound)
	h.inbox.mustRow(t, "new-done")
	h.inbox.mustRow(t, "kept-failed")

	require.Equal(t, []string{"stranded"}, h.webhooks.ids, "only pending rows past the grace window re-enqueue")
}

func TestJanitorSweepReleasesStaleClaims(t *testing.T) {
	h := newJanitorHarness(t)
	h.seedInboxRow(t, "wedged", inbox.StatusProcessing, 12*time.Hour)
	h.seedInboxRow(t, "in-flight", inbox.StatusProcessing, time.Minute)

	spent := pendingRow("spent", "acme", "conn-1", []byte(`{}`))
	spent.Status = inbox.StatusProcessing
	spent.Attempts = spent.MaxAttempts
	spent.CreatedAt = testNow().Add(-12 * time.Hour)
	spent.UpdatedAt = spent.CreatedAt
	require.NoError(t, h.inbox.Insert(context.Background(), spent))

	require.NoError(t, h.j.HandleGC(context.Background(), queuepulse.Job{Name: queuepulse.JobSweepInbox}))

	released := h.inbox.mustRow(t, "wedged")
	require.Equal(t, inbox.StatusPending, released.Status)
	require.Equal(t, "claim expired: worker lost", released.Error)
	require.Contains(t, h.webhooks.ids, "wedged", "released rows re-enter the queue")

	require.Equal(t, inbox.StatusProcessing, h.inbox.mustRow(t, "in-flight").Status,
		"a claim inside the grace window belongs to a live worker")

	failed := h.inbox.mustRow(t, "spent")
	require.Equal(t, inbox.StatusFailed, failed.Status, "a claim out of attempts settles instead of cycling")
	require.NotNil(t, failed.ProcessedAt)
	require.NotContains(t, h.webhooks.ids, "spent")
}

func TestJanitorTimeoutRunsRespectsLifecycle(t *testing.T) {
	h := newJanitorHarness(t)
	h.seedRunWithSession(t, "r-ready", "sess-ready", automation.RunReady, 25*time.Hour)
	h.seedRunWithSession(t, "r-running", "sess-running", automation.RunRunning, 25*time.Hour)
	h.seedRunWithSession(t, "r-human", "sess-human", automation.RunNeedsHuman, 25*time.Hour)
	h.seedRun(t, "r-queued", automation.RunQueued, 25*time.Hour)
	h.seedRunWithSession(t, "r-enriching", "sess-enriching", automation.RunEnriching, 25*time.Hour)
	h.seedRunWithSession(t, "r-fresh", "sess-fresh", automation.RunRunning, time.Hour)

	require.NoError(t, h.j.HandleGC(context.Background(), queuepulse.Job{Name: queuepulse.JobTimeoutRuns}))

	require.Equal(t, automation.RunTimedOut, h.runs.mustRun(t, "r-ready").Status)
	require.Equal(t, automation.RunTimedOut, h.runs.mustRun(t, "r-running").Status)
	require.Equal(t, automation.RunTimedOut, h.runs.mustRun(t, "r-human").Status)
	require.Equal(t, automation.RunFailed, h.runs.mustRun(t, "r-queued").Status,
		"runs that never reached execution fail instead of timing out")
	require.Equal(t, automation.RunFailed, h.runs.mustRun(t, "r-enriching").Status)
	require.Equal(t, automation.RunRunning, h.runs.mustRun(t, "r-fresh").Status)

	timedOut := h.runs.mustRun(t, "r-running")
	require.Contains(t, timedOut.Error, "no progress for")
	require.NotNil(t, timedOut.FinishedAt)

	require.ElementsMatch(t,
		[]string{"sess-ready", "sess-running", "sess-human", "sess-enriching"},
		h.gateway.terminated,
		"every finished run releases its sandbox; live runs keep theirs")
}

// raceRunStore lists runs with a stale status so the janitor's swap loses.
type raceRunStore struct {
	*memAutoStore
}

func (s *raceRunStore) StaleRuns(ctx context.Context, cutoff time.Time, limit int) ([]automation.Run, error) {
	runs, err := s.memAutoStore.StaleRuns(ctx, cutoff, limit)
	for i := range runs {
		if runs[i].ID == "r-raced" {
			runs[i].Status = automation.RunRunning
		}
	}
	return runs, err
}

func TestJanitorTimeoutSkipsRacedRuns(t *testing.T) {
	h := newJanitorHarness(t)
	h.seedRun(t, "r-raced", automation.RunReady, 25*time.Hour)
	h.seedRun(t, "r-stale", automation.RunRunning, 25*time.Hour)

	factory := func(context.Context, string, time.Duration) (tickSource, error) {
		return nil, errors.New("unused")
	}
	j, err := newJanitor(JanitorOptions{
		Inbox:       h.inbox,
		Runs:        &raceRunStore{memAutoStore: h.runs},
		Actions:     h.expirer,
		Webhooks:    h.webhooks,
		GCQueue:     h.gc,
		ExpiryQueue: h.expiry,
		Clock:       testNow,
	}, factory)
	require.NoError(t, err)

	require.NoError(t, j.HandleGC(context.Background(), queuepulse.Job{Name: queuepulse.JobTimeoutRuns}))

	require.Equal(t, automation.RunReady, h.runs.mustRun(t, "r-raced").Status,
		"a run that moved since listing is left alone")
	require.Equal(t, automation.RunTimedOut, h.runs.mustRun(t, "r-stale").Status)
}

func TestJanitorExpireActionsPages(t *testing.T) {
	h := newJanitorHarness(t)
	h.expirer.pages = []int{500, 120}

	require.NoError(t, h.j.HandleExpiry(context.Background(), queuepulse.Job{Name: queuepulse.JobExpireActions}))
	require.Equal(t, 2, h.expirer.calls, "a full page means more may be due")
}

func TestJanitorExpireActionsPropagatesErrors(t *testing.T) {
	h := newJanitorHarness(t)
	h.expirer.err = errors.New("store down")

	err := h.j.HandleExpiry(context.Background(), queuepulse.Job{Name: queuepulse.JobExpireActions})
	require.ErrorContains(t, err, "store down")
}

func TestJanitorUnknownJobsAck(t *testing.T) {
	h := newJanitorHarness(t)
	require.NoError(t, h.j.HandleGC(context.Background(), queuepulse.Job{Name: "mystery"}))
	require.NoError(t, h.j.HandleExpiry(context.Background(), queuepulse.Job{Name: "mystery"}))
}

func TestJanitorTicksEnqueueJobs(t *testing.T) {
	h := newJanitorHarness(t)
	require.NoError(t, h.j.Start(context.Background()))

	h.tickers["janitor-sweep"].ch <- testNow()
	for i := 0; i < 2; i++ {
		select {
		case <-h.gc.ch:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for sweep jobs")
		}
	}
	require.ElementsMatch(t, []string{queuepulse.JobSweepInbox, queuepulse.JobTimeoutRuns}, h.gc.all())

	h.tickers["janitor-expiry"].ch <- testNow()
	select {
	case name := <-h.expiry.ch:
		require.Equal(t, queuepulse.JobExpireActions, name)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for expiry job")
	}
	h.j.Stop()
}
