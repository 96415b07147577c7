package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/proliferate-ai/proliferate/runtime/billing"
)

// BillingStore persists per-org billing state.
type BillingStore struct {
	db *DB
}

const billingColumns = `org_id, state, shadow_balance, grace_expires_at, plan, created_at, updated_at`

var _ billing.Store = (*BillingStore)(nil)

// Get loads the billing row for an org. Returns ErrNotFound when the org has
// no billing record at all.
func (s *BillingStore) Get(ctx context.Context, orgID string) (billing.OrgBilling, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	var b billing.OrgBilling
	err := s.db.pool.QueryRow(ctx, `
		SELECT `+billingColumns+` FROM org_billing WHERE org_id = $1`, orgID).Scan(
		&b.OrgID, &b.State, &b.ShadowBalance, &b.GraceExpiresAt, &b.Plan, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return billing.OrgBilling{}, billing.ErrNotFound
		}
		return billing.OrgBilling{}, fmt.Errorf("get org billing: %w", err)
	}
	return b, nil
}

// Upsert writes the billing row.
func (s *BillingStore) Upsert(ctx context.Context, b billing.OrgBilling) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	_, err := s.db.pool.Exec(ctx, `
		INSERT INTO org_billing (`+billingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (org_id) DO UPDATE
		SET state = EXCLUDED.state,
		    shadow_balance = EXCLUDED.shadow_balance,
		    grace_expires_at = EXCLUDED.grace_expires_at,
		    plan = EXCLUDED.plan,
		    updated_at = EXCLUDED.updated_at`,
		b.OrgID, string(b.State), b.ShadowBalance, nullableTime(b.GraceExpiresAt),
		b.Plan, b.CreatedAt.UTC(), b.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert org billing: %w", err)
	}
	return nil
}

// AdjustShadowBalance atomically adds delta and returns the new balance.
func (s *BillingStore) AdjustShadowBalance(ctx context.Context, orgID string, delta int64) (int64, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	var balance int64
	err := s.db.pool.QueryRow(ctx, `
		UPDATE org_billing
		SET shadow_balance = shadow_balance + $2, updated_at = now()
		WHERE org_id = $1
		RETURNING shadow_balance`,
		orgID, delta,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, billing.ErrNotFound
		}
		return 0, fmt.Errorf("adjust shadow balance: %w", err)
	}
	return balance, nil
}
