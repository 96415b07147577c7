package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type mockStore struct {
	get func(ctx context.Context, orgID string) (OrgBilling, error)
}

func (m *mockStore) Get(ctx context.Context, orgID string) (OrgBilling, error) {
	return m.get(ctx, orgID)
}

func (m *mockStore) Upsert(context.Context, OrgBilling) error { return nil }

func (m *mockStore) AdjustShadowBalance(context.Context, string, int64) (int64, error) {
	return 0, nil
}

type mockCounter struct {
	count func(ctx context.Context, orgID string) (int, error)
}

func (m *mockCounter) CountActive(ctx context.Context, orgID string) (int, error) {
	return m.count(ctx, orgID)
}

func fixedTime() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func TestDecide(t *testing.T) {
	now := fixedTime()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	cases := []struct {
		name       string
		in         DecisionInput
		wantAllow  bool
		wantCode   DenialCode
		wantAction FollowupAction
		wantRetry  bool
	}{
		{
			name:      "billing disabled allows everything",
			in:        DecisionInput{Enabled: false, Now: now},
			wantAllow: true,
		},
		{
			name:     "missing billing row denies",
			in:       DecisionInput{Enabled: true, Now: now},
			wantCode: DenyNotConfigured,
		},
		{
			name: "unconfigured state denies",
			in: DecisionInput{
				Enabled: true, Now: now,
				Billing: &OrgBilling{State: StateUnconfigured, ShadowBalance: 1000},
			},
			wantCode: DenyNotConfigured,
		},
		{
			name: "suspended denies regardless of balance",
			in: DecisionInput{
				Enabled: true, Now: now,
				Billing: &OrgBilling{State: StateSuspended, ShadowBalance: 100000},
			},
			wantCode: DenySuspended,
		},
		{
			name: "expired grace denies and demands termination",
			in: DecisionInput{
				Enabled: true, Now: now, MinCreditsToStart: 100,
				Billing: &OrgBilling{State: StateGrace, ShadowBalance: 100000, GraceExpiresAt: &past},
			},
			wantCode:   DenyGraceExpired,
			wantAction: ActionTerminateSessions,
		},
		{
			name: "grace at exact expiry instant denies",
			in: DecisionInput{
				Enabled: true, Now: now,
				Billing: &OrgBilling{State: StateGrace, ShadowBalance: 100000, GraceExpiresAt: &now},
			},
			wantCode:   DenyGraceExpired,
			wantAction: ActionTerminateSessions,
		},
		{
			name: "live grace below floor denies no credits",
			in: DecisionInput{
				Enabled: true, Now: now, MinCreditsToStart: 100,
				Billing: &OrgBilling{State: StateGrace, ShadowBalance: 99, GraceExpiresAt: &future},
			},
			wantCode: DenyNoCredits,
		},
		{
			name: "trial below floor denies no credits",
			in: DecisionInput{
				Enabled: true, Now: now, MinCreditsToStart: 100,
				Billing: &OrgBilling{State: StateTrial, ShadowBalance: 50},
			},
			wantCode: DenyNoCredits,
		},
		{
			name: "active state ignores shadow balance",
			in: DecisionInput{
				Enabled: true, Now: now, MinCreditsToStart: 100,
				Billing: &OrgBilling{State: StateActive, ShadowBalance: -500, Plan: "pro"},
			},
			wantAllow: true,
		},
		{
			name: "concurrency cap denies at the limit",
			in: DecisionInput{
				Enabled: true, Now: now,
				Billing:        &OrgBilling{State: StateActive, Plan: "free"},
				ActiveSessions: 2,
			},
			wantCode:  DenyConcurrentLimit,
			wantRetry: true,
		},
		{
			name: "under the concurrency cap allows",
			in: DecisionInput{
				Enabled: true, Now: now,
				Billing:        &OrgBilling{State: StateActive, Plan: "free"},
				ActiveSessions: 1,
			},
			wantAllow: true,
		},
		{
			name: "trial above floor allows",
			in: DecisionInput{
				Enabled: true, Now: now, MinCreditsToStart: 100,
				Billing: &OrgBilling{State: StateTrial, ShadowBalance: 100},
			},
			wantAllow: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Decide(tc.in)
			require.Equal(t, tc.wantAllow, d.Allowed)
			require.Equal(t, tc.wantCode, d.Code)
			require.Equal(t, tc.wantAction, d.Action)
			require.Equal(t, tc.wantRetry, d.Retryable)
			if tc.wantAllow {
				require.Empty(t, d.Message)
			} else {
				require.NotEmpty(t, d.Message)
			}
		})
	}
}

func TestDecideRuleOrder(t *testing.T) {
	// A suspended org below the credit floor and over the session cap must
	// report SUSPENDED: state checks win over balance and concurrency.
	past := fixedTime().Add(-time.Hour)
	d := Decide(DecisionInput{
		Enabled: true, Now: fixedTime(), MinCreditsToStart: 100,
		Billing:        &OrgBilling{State: StateSuspended, ShadowBalance: 0, Plan: "free", GraceExpiresAt: &past},
		ActiveSessions: 50,
	})
	require.Equal(t, DenySuspended, d.Code)
}

func TestGateFailsClosedOnStoreError(t *testing.T) {
	gate, err := NewGate(GateOptions{
		Store: &mockStore{get: func(context.Context, string) (OrgBilling, error) {
			return OrgBilling{}, errors.New("connection refused")
		}},
		Sessions:          &mockCounter{count: func(context.Context, string) (int, error) { return 0, nil }},
		Enabled:           true,
		MinCreditsToStart: 100,
	})
	require.NoError(t, err)

	d := gate.Check(context.Background(), "org-1", OperationSessionCreate)
	require.False(t, d.Allowed)
	require.Equal(t, DenyNotConfigured, d.Code)
	require.True(t, d.Retryable, "a store outage clears on its own; callers should requeue")
}

func TestGateFailsClosedOnCounterError(t *testing.T) {
	gate, err := NewGate(GateOptions{
		Store: &mockStore{get: func(context.Context, string) (OrgBilling, error) {
			return OrgBilling{OrgID: "org-1", State: StateActive, Plan: "pro"}, nil
		}},
		Sessions: &mockCounter{count: func(context.Context, string) (int, error) {
			return 0, errors.New("query timeout")
		}},
		Enabled: true,
	})
	require.NoError(t, err)

	d := gate.Check(context.Background(), "org-1", OperationRunSpawn)
	require.False(t, d.Allowed)
	require.Equal(t, DenyNotConfigured, d.Code)
	require.True(t, d.Retryable)
}

func TestGateMissingRowDeniesNotConfigured(t *testing.T) {
	gate, err := NewGate(GateOptions{
		Store: &mockStore{get: func(context.Context, string) (OrgBilling, error) {
			return OrgBilling{}, ErrNotFound
		}},
		Sessions: &mockCounter{count: func(context.Context, string) (int, error) { return 0, nil }},
		Enabled:  true,
	})
	require.NoError(t, err)

	d := gate.Check(context.Background(), "org-1", OperationSessionCreate)
	require.False(t, d.Allowed)
	require.Equal(t, DenyNotConfigured, d.Code)
	require.False(t, d.Retryable, "a missing row is permanent until someone configures billing")
}

func TestGateDisabledSkipsStores(t *testing.T) {
	gate, err := NewGate(GateOptions{
		Store: &mockStore{get: func(context.Context, string) (OrgBilling, error) {
			t.Fatal("store must not be consulted when billing is disabled")
			return OrgBilling{}, nil
		}},
		Sessions: &mockCounter{count: func(context.Context, string) (int, error) {
			t.Fatal("session counter must not be consulted when billing is disabled")
			return 0, nil
		}},
		Enabled: false,
	})
	require.NoError(t, err)

	d := gate.Check(context.Background(), "org-1", OperationSessionCreate)
	require.True(t, d.Allowed)
}

func TestNewGateValidates(t *testing.T) {
	_, err := NewGate(GateOptions{Sessions: &mockCounter{}})
	require.Error(t, err)

	_, err = NewGate(GateOptions{Store: &mockStore{}})
	require.Error(t, err)
}

func TestLimitsFor(t *testing.T) {
	require.Equal(t, 2, LimitsFor("free").MaxConcurrentSessions)
	require.Equal(t, 10, LimitsFor("pro").MaxConcurrentSessions)
	require.Equal(t, defaultLimits.MaxConcurrentSessions, LimitsFor("").MaxConcurrentSessions)
	require.Equal(t, defaultLimits.MaxConcurrentSessions, LimitsFor("mystery").MaxConcurrentSessions)
}
