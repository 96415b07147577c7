package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/proliferate-ai/proliferate/runtime/telemetry"
)

type (
	// DecisionInput is the full snapshot Decide judges. Assembling it is
	// the Gate's job; judging it has no I/O and no clock reads.
	DecisionInput struct {
		// Enabled mirrors the BILLING_ENABLED deployment switch.
		Enabled bool
		// MinCreditsToStart is the admission floor for credit-metered
		// states.
		MinCreditsToStart int64
		// Billing is the org's billing row, nil when none exists.
		Billing *OrgBilling
		// ActiveSessions counts the org's sandbox-holding sessions.
		ActiveSessions int
		// Now is the decision time.
		Now time.Time
	}

	// Decision is the gate's verdict.
	Decision struct {
		// Allowed reports admission.
		Allowed bool
		// Code classifies a denial. Empty when allowed.
		Code DenialCode
		// Message is the human-readable denial explanation.
		Message string
		// Action instructs callers to follow up (terminating sessions on
		// grace expiry). Empty otherwise.
		Action FollowupAction
		// Retryable marks denials a later retry may clear without any
		// account-side change: a concurrency cap that frees as sessions
		// finish, or billing state that could not be read. Callers requeue
		// these instead of settling.
		Retryable bool
	}

	// DenialCode classifies gate denials.
	DenialCode string

	// FollowupAction names side work a denial demands.
	FollowupAction string

	// Operation names the gated operation for logs and metrics.
	Operation string

	// SessionCounter counts an org's active sessions. session.Store
	// satisfies this.
	SessionCounter interface {
		CountActive(ctx context.Context, orgID string) (int, error)
	}

	// Gate assembles decision inputs and applies the fail-closed policy.
	Gate struct {
		store    Store
		sessions SessionCounter
		enabled  bool
		minStart int64
		timeout  time.Duration
		log      telemetry.Logger
		metrics  telemetry.Metrics
	}

	// GateOptions configure a Gate.
	GateOptions struct {
		// Store is the billing store. Required.
		Store Store
		// Sessions counts active sessions. Required.
		Sessions SessionCounter
		// Enabled mirrors BILLING_ENABLED.
		Enabled bool
		// MinCreditsToStart is the admission floor.
		MinCreditsToStart int64
		// Timeout bounds store reads. Default 2s.
		Timeout time.Duration
		// Logger is optional; defaults to noop.
		Logger telemetry.Logger
		// Metrics is optional; defaults to noop.
		Metrics telemetry.Metrics
	}
)

const (
	// DenyNotConfigured means no usable billing record was available: the
	// org never configured billing, or the record could not be read and
	// the gate failed closed. The Retryable mark separates the two.
	DenyNotConfigured DenialCode = "BILLING_NOT_CONFIGURED"
	// DenySuspended means the org is shut off.
	DenySuspended DenialCode = "SUSPENDED"
	// DenyGraceExpired means the grace countdown ran out.
	DenyGraceExpired DenialCode = "GRACE_EXPIRED"
	// DenyNoCredits means the shadow balance is below the admission floor.
	DenyNoCredits DenialCode = "NO_CREDITS"
	// DenyConcurrentLimit means the org is at its plan's session cap.
	DenyConcurrentLimit DenialCode = "CONCURRENT_LIMIT"

	// ActionTerminateSessions asks the caller to terminate the org's
	// remaining sessions.
	ActionTerminateSessions FollowupAction = "terminate_sessions"

	// OperationSessionCreate gates interactive session creation.
	OperationSessionCreate Operation = "session_create"
	// OperationRunSpawn gates automation run spawning.
	OperationRunSpawn Operation = "run_spawn"
)

const defaultGateTimeout = 2 * time.Second

// Decide applies the admission rules to a snapshot. The rule order is part
// of the contract: callers and dashboards rely on which code wins when
// several apply.
func Decide(in DecisionInput) Decision {
	if !in.Enabled {
		return Decision{Allowed: true}
	}
	if in.Billing == nil {
		return deny(DenyNotConfigured, "billing is not configured for this organization")
	}
	b := in.Billing
	switch b.State {
	case StateUnconfigured:
		return deny(DenyNotConfigured, "billing is not configured for this organization")
	case StateSuspended:
		return deny(DenySuspended, "organization is suspended")
	}
	if b.State == StateGrace && b.GraceExpiresAt != nil && !in.Now.Before(*b.GraceExpiresAt) {
		d := deny(DenyGraceExpired, "grace period has expired")
		d.Action = ActionTerminateSessions
		return d
	}
	if b.State.ShadowAuthoritative() && b.ShadowBalance < in.MinCreditsToStart {
		return deny(DenyNoCredits, fmt.Sprintf("balance %d is below the required %d credits", b.ShadowBalance, in.MinCreditsToStart))
	}
	if limit := LimitsFor(b.Plan).MaxConcurrentSessions; in.ActiveSessions >= limit {
		d := deny(DenyConcurrentLimit, fmt.Sprintf("organization is at its limit of %d concurrent sessions", limit))
		d.Retryable = true
		return d
	}
	return Decision{Allowed: true}
}

func deny(code DenialCode, msg string) Decision {
	return Decision{Code: code, Message: msg}
}

// NewGate validates options and builds a Gate.
func NewGate(opts GateOptions) (*Gate, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("billing store is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("session counter is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultGateTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Gate{
		store:    opts.Store,
		sessions: opts.Sessions,
		enabled:  opts.Enabled,
		minStart: opts.MinCreditsToStart,
		timeout:  timeout,
		log:      logger,
		metrics:  metrics,
	}, nil
}

// Check decides admission for an org.
//
// Contract:
// - Fail closed: any store error or timeout denies with
//   BILLING_NOT_CONFIGURED. A billing outage must never mint free sessions.
//   The denial is marked Retryable so callers requeue rather than settle.
// - A missing billing row is the same denial without the Retryable mark:
//   no amount of retrying configures billing.
func (g *Gate) Check(ctx context.Context, orgID string, op Operation) Decision {
	if !g.enabled {
		return Decision{Allowed: true}
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	in := DecisionInput{
		Enabled:           true,
		MinCreditsToStart: g.minStart,
		Now:               time.Now(),
	}

	b, err := g.store.Get(ctx, orgID)
	switch {
	case err == nil:
		in.Billing = &b
	case isNotFound(err):
		// Leave Billing nil: Decide turns this into BILLING_NOT_CONFIGURED.
	default:
		g.log.Error(ctx, "billing gate store read failed", "org_id", orgID, "op", string(op), "err", err.Error())
		return g.failClosed(op)
	}

	active, err := g.sessions.CountActive(ctx, orgID)
	if err != nil {
		g.log.Error(ctx, "billing gate session count failed", "org_id", orgID, "op", string(op), "err", err.Error())
		return g.failClosed(op)
	}
	in.ActiveSessions = active

	d := Decide(in)
	if !d.Allowed {
		g.log.Info(ctx, "billing gate denied", "org_id", orgID, "op", string(op), "code", string(d.Code))
		g.metrics.IncCounter(telemetry.MetricGateDenials, 1, "code", string(d.Code), "op", string(op))
	}
	return d
}

// failClosed is the deny handed out when billing state cannot be read.
func (g *Gate) failClosed(op Operation) Decision {
	g.metrics.IncCounter(telemetry.MetricGateDenials, 1, "code", string(DenyNotConfigured), "op", string(op))
	d := deny(DenyNotConfigured, "billing state could not be read")
	d.Retryable = true
	return d
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
