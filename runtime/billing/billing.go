// Package billing defines org billing state and the admission gate that
// decides whether new sessions may start.
//
// The gate is deliberately split in two: Decide is a pure function over a
// snapshot of inputs, and Gate is the thin service that assembles the
// snapshot from stores. Everything that can be property-tested lives in
// Decide; everything that can fail lives in Gate and fails closed.
package billing

import (
	"context"
	"errors"
	"time"
)

type (
	// OrgBilling is the billing posture of one organization.
	//
	// Contract:
	// - ShadowBalance is authoritative only in states trial, grace and
	//   suspended. In state active the payment provider owns the balance
	//   and ShadowBalance is advisory.
	OrgBilling struct {
		// OrgID is the organization.
		OrgID string
		// State is the billing lifecycle state.
		State State
		// ShadowBalance is the runtime-tracked credit balance.
		ShadowBalance int64
		// GraceExpiresAt bounds the grace period. Nil outside grace.
		GraceExpiresAt *time.Time
		// Plan names the subscribed plan, empty before subscription.
		Plan string
		// CreatedAt records when billing was first configured.
		CreatedAt time.Time
		// UpdatedAt records the last billing change.
		UpdatedAt time.Time
	}

	// State is the billing lifecycle state of an org.
	State string

	// PlanLimits are the per-plan runtime quotas.
	PlanLimits struct {
		// MaxConcurrentSessions bounds sandbox-holding sessions per org.
		MaxConcurrentSessions int
	}

	// Store persists org billing state.
	Store interface {
		// Get loads the billing row for an org. Returns ErrNotFound when
		// the org has no billing record at all.
		Get(ctx context.Context, orgID string) (OrgBilling, error)
		// Upsert writes the billing row.
		Upsert(ctx context.Context, b OrgBilling) error
		// AdjustShadowBalance atomically adds delta (negative to debit)
		// and returns the new balance.
		AdjustShadowBalance(ctx context.Context, orgID string, delta int64) (int64, error)
	}
)

const (
	// StateUnconfigured means billing was never set up for the org.
	StateUnconfigured State = "unconfigured"
	// StateTrial means the org is consuming trial credits.
	StateTrial State = "trial"
	// StateActive means a payment method backs the org.
	StateActive State = "active"
	// StateGrace means payment lapsed and a countdown is running.
	StateGrace State = "grace"
	// StateSuspended means the org is shut off.
	StateSuspended State = "suspended"
)

// ErrNotFound indicates the org has no billing record.
var ErrNotFound = errors.New("org billing not found")

// planLimits maps plan names to quotas. Orgs with no plan (trials) use
// defaultLimits.
var planLimits = map[string]PlanLimits{
	"free":       {MaxConcurrentSessions: 2},
	"pro":        {MaxConcurrentSessions: 10},
	"enterprise": {MaxConcurrentSessions: 50},
}

var defaultLimits = PlanLimits{MaxConcurrentSessions: 5}

// LimitsFor returns the quotas for a plan name, falling back to the default
// limits for unknown or empty plans.
func LimitsFor(plan string) PlanLimits {
	if l, ok := planLimits[plan]; ok {
		return l
	}
	return defaultLimits
}

// ShadowAuthoritative reports whether ShadowBalance is the balance of
// record in this state.
func (s State) ShadowAuthoritative() bool {
	switch s {
	case StateTrial, StateGrace, StateSuspended:
		return true
	}
	return false
}
