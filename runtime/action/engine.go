package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/proliferate-ai/proliferate/runtime/auth"
	"github.com/proliferate-ai/proliferate/runtime/telemetry"
)

type (
	// SubmitRequest asks the engine to run an action on behalf of a
	// session.
	SubmitRequest struct {
		// SessionID is the requesting session.
		SessionID string
		// OrgID is the owning organization.
		OrgID string
		// AdapterID names the adapter.
		AdapterID string
		// Name is the adapter-scoped action name.
		Name string
		// Args is the JSON argument payload.
		Args json.RawMessage
		// RequestedBy records the requesting agent run.
		RequestedBy string
	}

	// ApproveOptions carry the optional grant issued alongside an
	// approval.
	ApproveOptions struct {
		// Mode selects the approval flavor. "grant" issues a scoped
		// auto-approval alongside this decision; anything else approves
		// this invocation only.
		Mode string
		// Grant configures the issued grant when Mode is "grant".
		Grant *GrantRequest
	}

	// GrantRequest is the caller-provided grant shape.
	GrantRequest struct {
		// Scope is the covered action scope, "adapter:name". Empty
		// defaults to the approved invocation's scope.
		Scope string
		// MaxCalls bounds the number of auto-approvals.
		MaxCalls int
	}

	// Notifier observes decisions so session surfaces can react. The wake
	// bus package provides an adapter that publishes each decision.
	Notifier interface {
		ActionDecided(ctx context.Context, inv Invocation)
	}

	// Engine orchestrates the invocation lifecycle.
	Engine struct {
		store    Store
		adapters *AdapterRegistry
		notify   Notifier
		log      telemetry.Logger
		metrics  telemetry.Metrics
		ttl      time.Duration
		now      func() time.Time
	}

	// EngineOptions configure an Engine.
	EngineOptions struct {
		// Store persists invocations and grants. Required.
		Store Store
		// Adapters executes approved invocations. Required.
		Adapters *AdapterRegistry
		// Notifier observes decisions. Optional.
		Notifier Notifier
		// Logger is optional; defaults to noop.
		Logger telemetry.Logger
		// Metrics is optional; defaults to noop.
		Metrics telemetry.Metrics
		// PendingTTL bounds how long a pending invocation stays
		// decidable. Default 24h.
		PendingTTL time.Duration
		// Clock overrides time.Now in tests.
		Clock func() time.Time
	}
)

// DefaultPendingTTL bounds the decision window for pending invocations.
const DefaultPendingTTL = 24 * time.Hour

// NewEngine validates options and builds an Engine.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("action store is required")
	}
	if opts.Adapters == nil {
		return nil, fmt.Errorf("adapter registry is required")
	}
	ttl := opts.PendingTTL
	if ttl <= 0 {
		ttl = DefaultPendingTTL
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
	return &Engine{
		store:    opts.Store,
		adapters: opts.Adapters,
		notify:   opts.Notifier,
		log:      logger,
		metrics:  metrics,
		ttl:      ttl,
		now:      now,
	}, nil
}

// Submit records a requested action and advances it as far as policy
// allows: read-risk actions execute immediately, write and danger actions
// execute when a live grant covers them and otherwise wait pending.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (Invocation, error) {
	adapter, err := e.adapters.Lookup(req.AdapterID)
	if err != nil {
		return Invocation{}, err
	}
	now := e.now()
	inv := Invocation{
		ID:          uuid.NewString(),
		SessionID:   req.SessionID,
		OrgID:       req.OrgID,
		AdapterID:   req.AdapterID,
		Name:        req.Name,
		Args:        req.Args,
		Risk:        adapter.Risk(req.Name),
		Status:      StatusPending,
		RequestedBy: req.RequestedBy,
		ExpiresAt:   now.Add(e.ttl),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateInvocation(ctx, inv); err != nil {
		return Invocation{}, fmt.Errorf("create invocation: %w", err)
	}

	if !inv.Risk.NeedsApproval() {
		return e.decideAndExecute(ctx, inv, "auto")
	}

	grant, ok, err := e.store.ConsumeGrant(ctx, inv.SessionID, inv.Scope())
	if err != nil {
		// A grant lookup failure leaves the invocation pending rather
		// than spending a human decision on an infrastructure blip.
		e.log.Warn(ctx, "grant lookup failed, leaving invocation pending",
			"invocation_id", inv.ID, "err", err.Error())
		return inv, nil
	}
	if ok {
		return e.decideAndExecute(ctx, inv, "grant:"+grant.ID)
	}
	return inv, nil
}

// Approve records a human approval and executes the invocation.
//
// Contract:
// - Only interactive admins and owners may decide; everyone else gets
//   auth.ErrForbidden and the invocation is untouched.
// - Approving past ExpiresAt expires the invocation and returns ErrExpired.
// - Approving a non-pending invocation returns ErrConflict (ErrExpired for
//   already-expired ones).
// - Adapter failures surface as ErrAdapterFailure with the invocation in
//   status failed.
func (e *Engine) Approve(ctx context.Context, sessionID, id string, actor auth.Identity, opts ApproveOptions) (Invocation, error) {
	inv, err := e.loadForDecision(ctx, sessionID, id, actor)
	if err != nil {
		return inv, err
	}

	if opts.Mode == "grant" {
		if err := e.issueGrant(ctx, inv, actor, opts.Grant); err != nil {
			return inv, err
		}
	}

	return e.decideAndExecute(ctx, inv, actor.UserID)
}

// Deny records a human denial.
func (e *Engine) Deny(ctx context.Context, sessionID, id string, actor auth.Identity) (Invocation, error) {
	inv, err := e.loadForDecision(ctx, sessionID, id, actor)
	if err != nil {
		return inv, err
	}
	denied, err := e.store.Transition(ctx, inv.ID, StatusPending, StatusDenied, TransitionUpdate{
		DecidedBy: actor.UserID,
		Now:       e.now(),
	})
	if err != nil {
		return inv, err
	}
	e.metrics.IncCounter(telemetry.MetricActionsDecided, 1, "decision", "denied", "adapter", denied.AdapterID)
	e.notifyDecided(ctx, denied)
	return denied, nil
}

// ExpireDue expires pending invocations past their decision window and
// returns how many were expired. Racing decisions win: a conflict here
// means a decider got there first, which is the desired outcome.
func (e *Engine) ExpireDue(ctx context.Context, limit int) (int, error) {
	now := e.now()
	due, err := e.store.ExpiredPending(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list expired invocations: %w", err)
	}
	expired := 0
	for _, inv := range due {
		if _, err := e.store.Transition(ctx, inv.ID, StatusPending, StatusExpired, TransitionUpdate{Now: now}); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return expired, fmt.Errorf("expire invocation %s: %w", inv.ID, err)
		}
		expired++
	}
	return expired, nil
}

// loadForDecision loads an invocation and applies the shared decision
// gating: role check, lazy expiry, pending check.
func (e *Engine) loadForDecision(ctx context.Context, sessionID, id string, actor auth.Identity) (Invocation, error) {
	if !actor.CanDecideActions() {
		return Invocation{}, auth.ErrForbidden
	}
	inv, err := e.store.GetInvocation(ctx, sessionID, id)
	if err != nil {
		return Invocation{}, err
	}
	switch inv.Status {
	case StatusPending:
	case StatusExpired:
		return inv, ErrExpired
	default:
		return inv, ErrConflict
	}
	if e.now().After(inv.ExpiresAt) {
		if _, err := e.store.Transition(ctx, inv.ID, StatusPending, StatusExpired, TransitionUpdate{Now: e.now()}); err != nil && !errors.Is(err, ErrConflict) {
			return inv, err
		}
		return inv, ErrExpired
	}
	return inv, nil
}

func (e *Engine) issueGrant(ctx context.Context, inv Invocation, actor auth.Identity, req *GrantRequest) error {
	if req == nil || req.MaxCalls <= 0 {
		return fmt.Errorf("grant mode requires a grant with positive maxCalls")
	}
	scope := req.Scope
	if scope == "" {
		scope = inv.Scope()
	}
	g := Grant{
		ID:             uuid.NewString(),
		SessionID:      inv.SessionID,
		OrgID:          inv.OrgID,
		Scope:          scope,
		MaxCalls:       req.MaxCalls,
		RemainingCalls: req.MaxCalls,
		CreatedBy:      actor.UserID,
		CreatedAt:      e.now(),
	}
	if err := e.store.CreateGrant(ctx, g); err != nil {
		return fmt.Errorf("create grant: %w", err)
	}
	return nil
}

// decideAndExecute approves an invocation and runs it through its adapter.
func (e *Engine) decideAndExecute(ctx context.Context, inv Invocation, decidedBy string) (Invocation, error) {
	approved, err := e.store.Transition(ctx, inv.ID, StatusPending, StatusApproved, TransitionUpdate{
		DecidedBy: decidedBy,
		Now:       e.now(),
	})
	if err != nil {
		return inv, err
	}
	e.metrics.IncCounter(telemetry.MetricActionsDecided, 1, "decision", "approved", "adapter", approved.AdapterID)

	executing, err := e.store.Transition(ctx, approved.ID, StatusApproved, StatusExecuting, TransitionUpdate{Now: e.now()})
	if err != nil {
		return approved, err
	}

	adapter, err := e.adapters.Lookup(executing.AdapterID)
	if err != nil {
		failed, terr := e.store.Transition(ctx, executing.ID, StatusExecuting, StatusFailed, TransitionUpdate{
			Cause: err.Error(),
			Now:   e.now(),
		})
		if terr != nil {
			return executing, terr
		}
		e.notifyDecided(ctx, failed)
		return failed, fmt.Errorf("%w: %v", ErrAdapterFailure, err)
	}

	result, execErr := adapter.Execute(ctx, executing)
	if execErr != nil {
		failed, terr := e.store.Transition(ctx, executing.ID, StatusExecuting, StatusFailed, TransitionUpdate{
			Cause: execErr.Error(),
			Now:   e.now(),
		})
		if terr != nil {
			return executing, terr
		}
		e.log.Error(ctx, "action adapter execution failed",
			"invocation_id", failed.ID, "adapter", failed.AdapterID, "action", failed.Name, "err", execErr.Error())
		e.notifyDecided(ctx, failed)
		return failed, fmt.Errorf("%w: %v", ErrAdapterFailure, execErr)
	}

	completed, err := e.store.Transition(ctx, executing.ID, StatusExecuting, StatusCompleted, TransitionUpdate{
		Result: result,
		Now:    e.now(),
	})
	if err != nil {
		return executing, err
	}
	e.notifyDecided(ctx, completed)
	return completed, nil
}

func (e *Engine) notifyDecided(ctx context.Context, inv Invocation) {
	if e.notify == nil {
		return
	}
	e.notify.ActionDecided(ctx, inv)
}
