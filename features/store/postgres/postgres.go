// Package postgres implements the runtime persistence contracts on PostgreSQL.
//
// One DB wraps a pgx connection pool and hands out per-domain stores that
// share its pool, statement timeout, and migration state. All writes that
// carry a lifecycle contract (inbox claims, run transitions, grant
// consumption, build claims) are single-statement compare-and-swap updates
// so concurrent workers cannot double-apply them.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

type (
	// Options configures the Postgres-backed stores.
	Options struct {
		// Pool is the pgx connection pool. Required.
		Pool *pgxpool.Pool
		// Timeout bounds individual statements. Defaults to 5s.
		Timeout time.Duration
	}

	// DB owns the connection pool and hands out the per-domain stores.
	DB struct {
		pool    *pgxpool.Pool
		timeout time.Duration

		inbox       *InboxStore
		triggers    *TriggerStore
		automations *AutomationStore
		sessions    *SessionStore
		billing     *BillingStore
		actions     *ActionStore
		snapshots   *SnapshotStore
	}
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	defaultTimeout = 5 * time.Second
	pingerName     = "postgres"

	// uniqueViolation is the Postgres error code for unique constraint
	// violations.
	uniqueViolation = "23505"
)

// New returns a DB backed by the provided connection pool.
func New(opts Options) (*DB, error) {
	if opts.Pool == nil {
		return nil, errors.New("postgres pool is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	db := &DB{pool: opts.Pool, timeout: timeout}
	db.inbox = &InboxStore{db: db}
	db.triggers = &TriggerStore{db: db}
	db.automations = &AutomationStore{db: db}
	db.sessions = &SessionStore{db: db}
	db.billing = &BillingStore{db: db}
	db.actions = &ActionStore{db: db}
	db.snapshots = &SnapshotStore{db: db}
	return db, nil
}

// Migrate applies pending schema migrations. Safe to run on every boot:
// applied migrations are skipped.
func (d *DB) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	sqlDB := stdlib.OpenDBFromPool(d.pool)
	defer sqlDB.Close()
	if err := goose.UpContext(ctx, sqlDB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Name implements health.Pinger.
func (d *DB) Name() string {
	return pingerName
}

// Ping implements health.Pinger.
func (d *DB) Ping(ctx context.Context) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	return d.pool.Ping(ctx)
}

// Inbox returns the webhook inbox store.
func (d *DB) Inbox() *InboxStore { return d.inbox }

// Triggers returns the trigger and trigger event store.
func (d *DB) Triggers() *TriggerStore { return d.triggers }

// Automations returns the automation and run store.
func (d *DB) Automations() *AutomationStore { return d.automations }

// Sessions returns the session store.
func (d *DB) Sessions() *SessionStore { return d.sessions }

// Billing returns the org billing store.
func (d *DB) Billing() *BillingStore { return d.billing }

// Actions returns the action invocation and grant store.
func (d *DB) Actions() *ActionStore { return d.actions }

// Snapshots returns the configuration snapshot store.
func (d *DB) Snapshots() *SnapshotStore { return d.snapshots }

func (d *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.timeout)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// nullableTime maps zero times to NULL so the schema can distinguish
// "never happened" from a real instant.
func nullableTime(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}

// jsonArg maps empty JSON payloads to NULL. An empty byte slice is not
// valid JSON and would be rejected by a jsonb column.
func jsonArg(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

// listLimit clamps non-positive limits to a sane page size.
func listLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
