package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/pulse/pool"

	queuepulse "github.com/proliferate-ai/proliferate/features/queue/pulse"
	"github.com/proliferate-ai/proliferate/runtime/automation"
	"github.com/proliferate-ai/proliferate/runtime/inbox"
	"github.com/proliferate-ai/proliferate/runtime/session"
	"github.com/proliferate-ai/proliferate/runtime/telemetry"
)

// Janitor defaults. Retention is how long settled inbox rows stay queryable;
// failed rows keep three times that for postmortems.
const (
	DefaultRetention      = 7 * 24 * time.Hour
	DefaultStaleRunAfter  = 24 * time.Hour
	DefaultPendingGrace   = 10 * time.Minute
	DefaultClaimGrace     = 15 * time.Minute
	DefaultSweepInterval  = time.Hour
	DefaultExpiryInterval = time.Minute
)

type (
	// ActionExpirer expires pending action invocations past their decision
	// window. *action.Engine satisfies it.
	ActionExpirer interface {
		ExpireDue(ctx context.Context, limit int) (int, error)
	}

	// tickSource is the distributed ticker seam. Production wraps a pool
	// ticker so only one worker replica receives each tick.
	tickSource interface {
		C() <-chan time.Time
		Stop()
	}

	tickerFactory func(ctx context.Context, name string, interval time.Duration) (tickSource, error)

	poolTicker struct {
		t *pool.Ticker
	}

	// JanitorOptions configure a Janitor.
	JanitorOptions struct {
		// Inbox is the webhook inbox store. Required.
		Inbox inbox.Store
		// Runs is the automation store. Required.
		Runs automation.Store
		// Actions expires overdue invocations. Required.
		Actions ActionExpirer
		// Webhooks re-enqueues stranded pending inbox rows. Required.
		Webhooks InboxEnqueuer
		// GCQueue receives sweep and timeout jobs. Required.
		GCQueue Enqueuer
		// ExpiryQueue receives action expiry jobs. Required.
		ExpiryQueue Enqueuer
		// Node is the worker pool node providing distributed tickers. Required.
		Node *pool.Node
		// Gateway stops the sessions of timed-out runs so their sandboxes do
		// not outlive the run. Optional: when nil, stale runs finish with
		// their session left running.
		Gateway session.Gateway
		// Retention bounds how long settled inbox rows are kept. Defaults to
		// DefaultRetention; failed rows keep three times it.
		Retention time.Duration
		// StaleRunAfter bounds how long a run may sit without progress before
		// the sweep finishes it. Defaults to DefaultStaleRunAfter.
		StaleRunAfter time.Duration
		// PendingGrace is how long a pending inbox row may wait before the
		// sweep assumes its queue job was lost. Defaults to
		// DefaultPendingGrace.
		PendingGrace time.Duration
		// ClaimGrace is how long a processing claim may sit unsettled
		// before the sweep assumes its worker died. Must exceed the
		// longest legitimate handling time. Defaults to DefaultClaimGrace.
		ClaimGrace time.Duration
		// SweepInterval is the cadence of inbox and run sweeps. Defaults to
		// DefaultSweepInterval.
		SweepInterval time.Duration
		// ExpiryInterval is the cadence of action expiry. Defaults to
		// DefaultExpiryInterval.
		ExpiryInterval time.Duration
		// Logger is optional; defaults to noop.
		Logger telemetry.Logger
		// Metrics is optional; defaults to noop.
		Metrics telemetry.Metrics
		// Clock overrides time.Now in tests.
		Clock func() time.Time
	}

	// Janitor owns the periodic upkeep nobody requests: purging settled
	// inbox rows, re-enqueueing stranded ones, releasing claims left by
	// dead workers, finishing runs that stopped making progress, and
	// expiring overdue action invocations.
	//
	// Ticks only enqueue jobs; the work itself runs through queue consumers
	// so it inherits their retry budget and dead-letter visibility, and a
	// replica dying mid-sweep loses nothing.
	Janitor struct {
		inbox       inbox.Store
		runs        automation.Store
		actions     ActionExpirer
		webhooks    InboxEnqueuer
		gcQueue     Enqueuer
		expiryQueue Enqueuer
		gateway     session.Gateway
		tickers     tickerFactory

		retention      time.Duration
		staleRunAfter  time.Duration
		pendingGrace   time.Duration
		claimGrace     time.Duration
		sweepInterval  time.Duration
		expiryInterval time.Duration

		log     telemetry.Logger
		metrics telemetry.Metrics
		now     func() time.Time

		mu      sync.Mutex
		tickSrc []tickSource
		cancel  context.CancelFunc
		wg      sync.WaitGroup
	}
)

func (p poolTicker) C() <-chan time.Time { return p.t.C }
func (p poolTicker) Stop()               { p.t.Stop() }

// NewJanitor validates options and builds a Janitor backed by the given pool
// node.
func NewJanitor(opts JanitorOptions) (*Janitor, error) {
	if opts.Node == nil {
		return nil, errors.New("pool node is required")
	}
	node := opts.Node
	factory := func(ctx context.Context, name string, interval time.Duration) (tickSource, error) {
		t, err := node.NewTicker(ctx, name, interval)
		if err != nil {
			return nil, err
		}
		return poolTicker{t: t}, nil
	}
	return newJanitor(opts, factory)
}

// newJanitor wires the ticker seam directly. Tests call this with fakes.
func newJanitor(opts JanitorOptions, tickers tickerFactory) (*Janitor, error) {
	if opts.Inbox == nil {
		return nil, errors.New("inbox store is required")
	}
	if opts.Runs == nil {
		return nil, errors.New("automation store is required")
	}
	if opts.Actions == nil {
		return nil, errors.New("action expirer is required")
	}
	if opts.Webhooks == nil {
		return nil, errors.New("webhook queue is required")
	}
	if opts.GCQueue == nil {
		return nil, errors.New("gc queue is required")
	}
	if opts.ExpiryQueue == nil {
		return nil, errors.New("expiry queue is required")
	}
	j := &Janitor{
		inbox:          opts.Inbox,
		runs:           opts.Runs,
		actions:        opts.Actions,
		webhooks:       opts.Webhooks,
		gcQueue:        opts.GCQueue,
		expiryQueue:    opts.ExpiryQueue,
		gateway:        opts.Gateway,
		tickers:        tickers,
		retention:      opts.Retention,
		staleRunAfter:  opts.StaleRunAfter,
		pendingGrace:   opts.PendingGrace,
		claimGrace:     opts.ClaimGrace,
		sweepInterval:  opts.SweepInterval,
		expiryInterval: opts.ExpiryInterval,
		log:            opts.Logger,
		metrics:        opts.Metrics,
		now:            opts.Clock,
	}
	if j.retention <= 0 {
		j.retention = DefaultRetention
	}
	if j.staleRunAfter <= 0 {
		j.staleRunAfter = DefaultStaleRunAfter
	}
	if j.pendingGrace <= 0 {
		j.pendingGrace = DefaultPendingGrace
	}
	if j.claimGrace <= 0 {
		j.claimGrace = DefaultClaimGrace
	}
	if j.sweepInterval <= 0 {
		j.sweepInterval = DefaultSweepInterval
	}
	if j.expiryInterval <= 0 {
		j.expiryInterval = DefaultExpiryInterval
	}
	if j.log == nil {
		j.log = telemetry.NewNoopLogger()
	}
	if j.metrics == nil {
		j.metrics = telemetry.NewNoopMetrics()
	}
	if j.now == nil {
		j.now = time.Now
	}
	return j, nil
}

// Start begins the distributed upkeep tickers. Only one worker replica fires
// per interval. Returns immediately; call Stop to halt.
func (j *Janitor) Start(ctx context.Context) error {
	sweep, err := j.tickers(ctx, "janitor-sweep", j.sweepInterval)
	if err != nil {
		return fmt.Errorf("create sweep ticker: %w", err)
	}
	expiry, err := j.tickers(ctx, "janitor-expiry", j.expiryInterval)
	if err != nil {
		sweep.Stop()
		return fmt.Errorf("create expiry ticker: %w", err)
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	j.mu.Lock()
	j.tickSrc = []tickSource{sweep, expiry}
	j.cancel = cancel
	j.mu.Unlock()

	j.wg.Add(2)
	go j.run(loopCtx, sweep, j.enqueueSweep)
	go j.run(loopCtx, expiry, j.enqueueExpiry)
	j.log.Info(ctx, "janitor started",
		"sweep_interval", j.sweepInterval.String(),
		"expiry_interval", j.expiryInterval.String())
	return nil
}

// Stop halts the tickers. Safe to call once after a successful Start.
func (j *Janitor) Stop() {
	j.mu.Lock()
	cancel := j.cancel
	tickers := j.tickSrc
	j.cancel = nil
	j.tickSrc = nil
	j.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, t := range tickers {
		t.Stop()
	}
	j.wg.Wait()
}

func (j *Janitor) run(ctx context.Context, ticker tickSource, fire func(context.Context)) {
	defer j.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			fire(ctx)
		}
	}
}

// enqueueSweep places the sweep jobs. A failed enqueue waits for the next
// tick; upkeep has no deadline.
func (j *Janitor) enqueueSweep(ctx context.Context) {
	for _, name := range []string{queuepulse.JobSweepInbox, queuepulse.JobTimeoutRuns} {
		if _, err := j.gcQueue.Enqueue(ctx, name, nil); err != nil {
			j.log.Error(ctx, "enqueue sweep job", "name", name, "err", err)
		}
	}
}

func (j *Janitor) enqueueExpiry(ctx context.Context) {
	if _, err := j.expiryQueue.Enqueue(ctx, queuepulse.JobExpireActions, nil); err != nil {
		j.log.Error(ctx, "enqueue expiry job", "err", err)
	}
}

// HandleGC processes jobs on the inbox-gc queue. Unknown job names ack.
func (j *Janitor) HandleGC(ctx context.Context, job queuepulse.Job) error {
	switch job.Name {
	case queuepulse.JobSweepInbox:
		return j.sweepInbox(ctx)
	case queuepulse.JobTimeoutRuns:
		return j.timeoutRuns(ctx)
	}
	j.log.Debug(ctx, "unknown gc job, dropping", "name", job.Name, "job_id", job.ID)
	return nil
}

// HandleExpiry processes jobs on the actions-expiry queue. Unknown job
// names ack.
func (j *Janitor) HandleExpiry(ctx context.Context, job queuepulse.Job) error {
	switch job.Name {
	case queuepulse.JobExpireActions:
		return j.expireActions(ctx)
	}
	j.log.Debug(ctx, "unknown expiry job, dropping", "name", job.Name, "job_id", job.ID)
	return nil
}

// sweepInbox purges settled rows past retention and re-enqueues stranded
// pending ones. Every step is idempotent, so a retry after partial progress
// just finds less to do.
func (j *Janitor) sweepInbox(ctx context.Context) error {
	now := j.now().UTC()
	completed, err := j.inbox.DeleteCompletedBefore(ctx, now.Add(-j.retention))
	if err != nil {
		return fmt.Errorf("purge settled inbox rows: %w", err)
	}
	failed, err := j.inbox.DeleteFailedBefore(ctx, now.Add(-3*j.retention))
	if err != nil {
		return fmt.Errorf("purge failed inbox rows: %w", err)
	}
	if n := completed + failed; n > 0 {
		j.metrics.IncCounter(telemetry.MetricInboxRowsDeleted, float64(n))
	}
	requeued, err := j.SweepPending(ctx)
	if err != nil {
		return err
	}
	released, err := j.releaseClaims(ctx)
	if err != nil {
		return err
	}
	j.log.Info(ctx, "inbox swept",
		"deleted_completed", completed, "deleted_failed", failed,
		"requeued", requeued, "released", released)
	return nil
}

// SweepPending re-enqueues pending rows whose queue job went missing, such
// as after a crash between insert and enqueue. Workers also call it once at
// boot. A duplicate job for a healthy row is harmless: the processing claim
// admits exactly one.
func (j *Janitor) SweepPending(ctx context.Context) (int, error) {
	cutoff := j.now().UTC().Add(-j.pendingGrace)
	rows, err := j.inbox.PendingOlderThan(ctx, cutoff, 500)
	if err != nil {
		return 0, fmt.Errorf("list stranded inbox rows: %w", err)
	}
	requeued := 0
	for _, row := range rows {
		if _, err := j.webhooks.EnqueueInboxRow(ctx, row.ID); err != nil {
			return requeued, fmt.Errorf("re-enqueue inbox row %s: %w", row.ID, err)
		}
		requeued++
	}
	return requeued, nil
}

// releaseClaims recovers rows claimed by a worker that died mid-flight and
// returns how many re-entered the queue. A released row goes through the
// normal claim path again; one out of attempts settles failed so a
// crash-looping payload cannot cycle forever.
func (j *Janitor) releaseClaims(ctx context.Context) (int, error) {
	now := j.now().UTC()
	rows, err := j.inbox.ReleaseStaleClaims(ctx, now.Add(-j.claimGrace), "claim expired: worker lost", now, 500)
	if err != nil {
		return 0, fmt.Errorf("release stale inbox claims: %w", err)
	}
	if len(rows) > 0 {
		j.metrics.IncCounter(telemetry.MetricInboxClaimsReleased, float64(len(rows)))
	}
	requeued := 0
	for _, row := range rows {
		if row.Status == inbox.StatusFailed {
			j.log.Warn(ctx, "claimed row out of attempts", "row_id", row.ID, "provider", row.Provider)
			continue
		}
		if _, err := j.webhooks.EnqueueInboxRow(ctx, row.ID); err != nil {
			return requeued, fmt.Errorf("re-enqueue released row %s: %w", row.ID, err)
		}
		requeued++
	}
	return requeued, nil
}

// timeoutRuns finishes runs that stopped making progress. Runs that reached
// execution time out; runs that never got there fail, because a run cannot
// time out before it was ready to start. A finished run's session is
// terminated so its sandbox does not keep billing after the run is dead.
func (j *Janitor) timeoutRuns(ctx context.Context) error {
	now := j.now().UTC()
	stale, err := j.runs.StaleRuns(ctx, now.Add(-j.staleRunAfter), 200)
	if err != nil {
		return fmt.Errorf("list stale runs: %w", err)
	}
	cause := fmt.Sprintf("no progress for %s", j.staleRunAfter)
	finished := 0
	for _, r := range stale {
		to := automation.RunTimedOut
		if r.Status == automation.RunQueued || r.Status == automation.RunEnriching {
			to = automation.RunFailed
		}
		if err := j.runs.SetRunStatus(ctx, r.ID, r.Status, to, cause, now); err != nil {
			if errors.Is(err, automation.ErrInvalidTransition) {
				// The run moved since listing; it is making progress
				// after all.
				continue
			}
			return fmt.Errorf("finish stale run %s: %w", r.ID, err)
		}
		finished++
		j.metrics.IncCounter(telemetry.MetricRunsTimedOut, 1, "from", string(r.Status))
		if r.SessionID != "" {
			j.stopSession(ctx, r.SessionID, cause)
		}
	}
	if finished > 0 {
		j.log.Info(ctx, "stale runs finished", "count", finished, "cutoff", j.staleRunAfter.String())
	}
	return nil
}

// stopSession releases a timed-out run's sandbox. Best effort: the run is
// already settled, and a session the gateway no longer knows needs nothing
// more.
func (j *Janitor) stopSession(ctx context.Context, sessionID, cause string) {
	if j.gateway == nil {
		return
	}
	if err := j.gateway.Terminate(ctx, sessionID, cause); err != nil && !errors.Is(err, session.ErrSessionGone) {
		j.log.Warn(ctx, "terminate stale run session", "session_id", sessionID, "err", err)
		return
	}
	j.metrics.IncCounter(telemetry.MetricSessionsTerminated, 1, "cause", "stale_run")
}

// expireActions drains overdue pending invocations in pages. The page cap
// bounds one job's work; leftovers wait for the next tick.
func (j *Janitor) expireActions(ctx context.Context) error {
	const page = 500
	total := 0
	for i := 0; i < 10; i++ {
		n, err := j.actions.ExpireDue(ctx, page)
		total += n
		if err != nil {
			return fmt.Errorf("expire due invocations: %w", err)
		}
		if n < page {
			break
		}
	}
	if total > 0 {
		j.log.Info(ctx, "overdue invocations expired", "count", total)
	}
	return nil
}
