package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/proliferate-ai/proliferate/runtime/billing"
	"github.com/proliferate-ai/proliferate/runtime/session"
	"github.com/proliferate-ai/proliferate/runtime/telemetry"
)

type (
	// LaunchRequest asks the launcher to spawn a run for one occurrence.
	LaunchRequest struct {
		// AutomationID names the automation to execute.
		AutomationID string
		// TriggerEventID references the occurrence spawning the run.
		TriggerEventID string
		// OrgID is the owning organization.
		OrgID string
		// Context is the provider-built occurrence context handed to the
		// session.
		Context json.RawMessage
	}

	// Gate admits or denies run spawning. billing.Gate satisfies this.
	Gate interface {
		Check(ctx context.Context, orgID string, op billing.Operation) billing.Decision
	}

	// EnrichmentQueue hands a run to the asynchronous enrichment worker.
	EnrichmentQueue interface {
		EnqueueEnrichment(ctx context.Context, runID string) error
	}

	// SessionLister lists an org's sandbox-holding sessions. session.Store
	// satisfies this.
	SessionLister interface {
		ActiveByOrg(ctx context.Context, orgID string) ([]session.Session, error)
	}

	// Launcher spawns runs: admission check, run row, session via the
	// gateway, enrichment handoff.
	Launcher struct {
		store    Store
		gate     Gate
		gateway  session.Gateway
		enrich   EnrichmentQueue
		sessions SessionLister
		log      telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time
	}

	// LauncherOptions configure a Launcher.
	LauncherOptions struct {
		// Store persists automations and runs. Required.
		Store Store
		// Gate is the billing admission gate. Required.
		Gate Gate
		// Gateway creates sessions. Required.
		Gateway session.Gateway
		// Enrichment enqueues enrichment jobs. Optional: when nil,
		// enrichment-enabled automations proceed to ready with their raw
		// context.
		Enrichment EnrichmentQueue
		// Sessions lists the org's live sessions when a denial orders them
		// terminated. Optional: when nil, the order is logged and skipped.
		Sessions SessionLister
		// Logger is optional; defaults to noop.
		Logger telemetry.Logger
		// Metrics is optional; defaults to noop.
		Metrics telemetry.Metrics
		// Clock overrides time.Now in tests.
		Clock func() time.Time
	}

	// GateDeniedError reports a billing denial for a spawn attempt.
	GateDeniedError struct {
		// Decision is the gate's verdict.
		Decision billing.Decision
	}
)

// Error renders the denial.
func (e *GateDeniedError) Error() string {
	return fmt.Sprintf("run spawn denied: %s: %s", e.Decision.Code, e.Decision.Message)
}

// Transient reports whether retrying the spawn later could succeed without
// any billing-side change. The gate marks such denials: concurrency caps
// clear as sessions finish and fail-closed reads clear when the store
// recovers; every other denial needs an account-side fix first.
func (e *GateDeniedError) Transient() bool {
	return e.Decision.Retryable
}

// NewLauncher validates options and builds a Launcher.
func NewLauncher(opts LauncherOptions) (*Launcher, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("automation store is required")
	}
	if opts.Gate == nil {
		return nil, fmt.Errorf("billing gate is required")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("session gateway is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Launcher{
		store:    opts.Store,
		gate:     opts.Gate,
		gateway:  opts.Gateway,
		enrich:   opts.Enrichment,
		sessions: opts.Sessions,
		log:      logger,
		metrics:  metrics,
		now:      now,
	}, nil
}

// Launch spawns a run for a trigger occurrence.
//
// Contract:
//   - Returns ErrNotFound when the automation is gone and ErrDisabled when
//     it is switched off; neither creates a run.
//   - A billing denial returns *GateDeniedError without creating a run.
//     Callers check Transient before deciding between requeue and skip. A
//     denial ordering session termination stops the org's live sessions
//     first; enforcement is best effort and never changes the verdict.
//   - The run row is created before the gateway call so the session can be
//     born holding its run id. A gateway failure marks the run failed and
//     returns the gateway error; the failed run stays linked to the event
//     for audit.
//   - On success the returned run has its session attached and sits in
//     enriching (handoff accepted) or ready. Enrichment handoff failures
//     degrade to ready with the raw context; they never fail the launch.
func (l *Launcher) Launch(ctx context.Context, req LaunchRequest) (Run, error) {
	a, err := l.store.Get(ctx, req.AutomationID)
	if err != nil {
		return Run{}, fmt.Errorf("load automation %s: %w", req.AutomationID, err)
	}
	if !a.Enabled {
		return Run{}, ErrDisabled
	}

	if d := l.gate.Check(ctx, req.OrgID, billing.OperationRunSpawn); !d.Allowed {
		l.log.Info(ctx, "run spawn denied",
			"automation_id", a.ID,
			"org_id", req.OrgID,
			"code", string(d.Code))
		if d.Action == billing.ActionTerminateSessions {
			l.terminateSessions(ctx, req.OrgID, d)
		}
		return Run{}, &GateDeniedError{Decision: d}
	}

	now := l.now().UTC()
	run := Run{
		ID:             uuid.NewString(),
		AutomationID:   a.ID,
		TriggerEventID: req.TriggerEventID,
		OrgID:          req.OrgID,
		Status:         RunQueued,
		Context:        req.Context,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := l.store.CreateRun(ctx, run); err != nil {
		return Run{}, fmt.Errorf("create run: %w", err)
	}

	res, err := l.gateway.CreateSession(ctx, session.CreateRequest{
		OrgID:           req.OrgID,
		ClientType:      session.ClientAutomation,
		ConfigurationID: a.ConfigurationID,
		Prompt:          a.Prompt,
		RunID:           run.ID,
	})
	if err != nil {
		cause := fmt.Sprintf("session create: %v", err)
		if ferr := l.store.SetRunStatus(ctx, run.ID, RunQueued, RunFailed, cause, l.now().UTC()); ferr != nil {
			l.log.Error(ctx, "record run failure", "run_id", run.ID, "err", ferr)
		}
		return run, fmt.Errorf("create session for run %s: %w", run.ID, err)
	}
	if err := l.store.AttachSession(ctx, run.ID, res.SessionID, l.now().UTC()); err != nil {
		// The session exists; the stale-run sweep reclaims the orphan.
		return run, fmt.Errorf("attach session %s to run %s: %w", res.SessionID, run.ID, err)
	}
	run.SessionID = res.SessionID

	run.Status = l.prepare(ctx, a, run.ID)
	l.metrics.IncCounter(telemetry.MetricRunsSpawned, 1, "automation", a.ID)
	l.log.Info(ctx, "run spawned",
		"run_id", run.ID,
		"automation_id", a.ID,
		"session_id", res.SessionID,
		"status", string(run.Status))
	return run, nil
}

// prepare moves a fresh run out of queued. Every run enters enriching:
// when the automation asks for a model digest and the handoff sticks, it
// stays there for the enrichment worker; otherwise preparation completes
// on the spot and the run lands in ready with the raw context.
func (l *Launcher) prepare(ctx context.Context, a Automation, runID string) RunStatus {
	if err := l.store.SetRunStatus(ctx, runID, RunQueued, RunEnriching, "", l.now().UTC()); err != nil {
		l.log.Error(ctx, "mark run enriching", "run_id", runID, "err", err)
		return RunQueued
	}
	if a.EnrichmentEnabled && l.enrich != nil {
		err := l.enrich.EnqueueEnrichment(ctx, runID)
		if err == nil {
			return RunEnriching
		}
		l.log.Warn(ctx, "enrichment handoff failed, run proceeds with raw context",
			"run_id", runID, "err", err)
	}
	if err := l.store.SetRunStatus(ctx, runID, RunEnriching, RunReady, "", l.now().UTC()); err != nil {
		l.log.Error(ctx, "mark run ready", "run_id", runID, "err", err)
		return RunEnriching
	}
	return RunReady
}

// terminateSessions stops the org's live sessions on the gate's order. Best
// effort: the denial stands whatever happens here, and the next denied spawn
// retries anything missed. Once the org has no active sessions left, repeats
// find nothing to do.
func (l *Launcher) terminateSessions(ctx context.Context, orgID string, d billing.Decision) {
	if l.sessions == nil {
		l.log.Warn(ctx, "gate ordered session termination but no session lister is wired", "org_id", orgID)
		return
	}
	live, err := l.sessions.ActiveByOrg(ctx, orgID)
	if err != nil {
		l.log.Error(ctx, "list sessions for termination", "org_id", orgID, "err", err)
		return
	}
	stopped := 0
	for _, s := range live {
		if err := l.gateway.Terminate(ctx, s.ID, d.Message); err != nil && !errors.Is(err, session.ErrSessionGone) {
			l.log.Warn(ctx, "terminate session", "session_id", s.ID, "org_id", orgID, "err", err)
			continue
		}
		stopped++
	}
	if stopped > 0 {
		l.metrics.IncCounter(telemetry.MetricSessionsTerminated, float64(stopped), "cause", string(d.Code))
		l.log.Info(ctx, "org sessions terminated on gate order",
			"org_id", orgID, "count", stopped, "code", string(d.Code))
	}
}

// IsGateDenied reports whether err is a billing denial and returns it.
func IsGateDenied(err error) (*GateDeniedError, bool) {
	var gd *GateDeniedError
	if errors.As(err, &gd) {
		return gd, true
	}
	return nil, false
}
