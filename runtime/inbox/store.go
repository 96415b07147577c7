package inbox

import (
	"context"
	"time"
)

// Store persists inbox rows.
//
// Store implementations must be durable: the ingress acknowledges webhook
// senders only after Insert returns, so a lost row is a lost delivery.
type Store interface {
	// Insert persists a new row. Returns ErrDuplicateDelivery when the
	// provider already delivered a row with the same non-empty delivery id,
	// leaving the stored row untouched.
	Insert(ctx context.Context, row Row) error
	// Get loads a row. Returns ErrNotFound when missing.
	Get(ctx context.Context, id string) (Row, error)
	// MarkProcessing claims a pending row for processing and increments its
	// attempt count.
	//
	// Contract:
	// - Compare-and-swap on status pending: a row in any other status
	//   returns ErrAlreadyClaimed. Workers treat that as "someone else owns
	//   it" and drop the job without error.
	MarkProcessing(ctx context.Context, id string, now time.Time) (Row, error)
	// MarkCompleted moves a processing row to completed. The note records
	// the outcome for duplicate or unroutable deliveries.
	MarkCompleted(ctx context.Context, id, note string, now time.Time) error
	// MarkSkipped moves a row to skipped with the given reason.
	MarkSkipped(ctx context.Context, id, reason string, now time.Time) error
	// MarkFailed records a processing failure. Rows with attempts left
	// return to pending for redelivery; rows at MaxAttempts turn failed.
	// The returned row reflects the stored state so callers can decide
	// whether to re-enqueue.
	MarkFailed(ctx context.Context, id, cause string, now time.Time) (Row, error)
	// PendingOlderThan lists pending rows last updated before the cutoff.
	// The worker re-enqueues these at boot to recover deliveries whose
	// queue job was lost in a crash.
	PendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]Row, error)
	// ReleaseStaleClaims recovers rows claimed by a worker that died
	// before settling them. Rows with attempts left return to pending;
	// rows at MaxAttempts turn failed. Returns the rows in their stored
	// state so the caller can re-enqueue the released ones.
	//
	// Contract:
	// - Only rows still processing with a claim older than the cutoff
	//   move. A row its owner settles concurrently is left alone.
	ReleaseStaleClaims(ctx context.Context, cutoff time.Time, cause string, now time.Time, limit int) ([]Row, error)
	// DeleteCompletedBefore removes completed and skipped rows older than
	// the cutoff and returns the number deleted. Failed rows are retained
	// by a separate, longer policy.
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// DeleteFailedBefore removes failed rows older than the cutoff and
	// returns the number deleted.
	DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
