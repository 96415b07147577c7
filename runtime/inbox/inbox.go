// Package inbox defines the durable webhook inbox primitives.
//
// Every webhook the ingress accepts becomes a Row before anything interprets
// it. The ingress acknowledges the sender only after the row is persisted and
// a processing job is enqueued; all routing, dedup and run spawning happens
// later, off the request path. Rows are therefore the system's evidence of
// receipt and the unit of retry.
package inbox

import (
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

type (
	// Row is one received webhook delivery.
	//
	// Contract:
	// - IDs are ULIDs: lexical order is arrival order, which GC scans rely on.
	// - Payload is the raw request body, never a parsed form. Verification
	//   recomputes signatures over these exact bytes.
	// - Headers holds only the whitelisted subset of request headers, keys
	//   lowercased.
	// - A non-empty DeliveryID is unique per provider: upstream retries reuse
	//   it, so redeliveries collapse on the stored row at insert.
	Row struct {
		// ID is the durable ULID identifier of the row.
		ID string
		// Provider names the intake route that accepted the delivery
		// (nango, github-app, custom, posthog, automation, or a registered
		// provider id for direct intakes).
		Provider string
		// SourceID carries the provider-scoped routing identity: a Nango
		// connection id, a custom trigger id, an automation id, or the
		// caller-supplied external id.
		SourceID string
		// DeliveryID is the provider-assigned identity of the delivery
		// itself. Empty for providers that assign none; only non-empty ids
		// take part in duplicate suppression.
		DeliveryID string
		// Status is the current processing state.
		Status Status
		// Attempts counts processing attempts so far.
		Attempts int
		// MaxAttempts bounds processing retries before the row turns failed.
		MaxAttempts int
		// Payload is the raw request body, capped at MaxPayloadBytes.
		Payload []byte
		// Headers is the whitelisted subset of request headers.
		Headers map[string]string
		// Error records the most recent processing failure or skip reason.
		Error string
		// CreatedAt records when the ingress accepted the delivery.
		CreatedAt time.Time
		// UpdatedAt records the last status change.
		UpdatedAt time.Time
		// ProcessedAt is set when the row reaches a terminal status.
		ProcessedAt *time.Time
	}

	// Status represents the processing state of an inbox row.
	Status string
)

const (
	// StatusPending indicates the row is waiting for a worker.
	StatusPending Status = "pending"
	// StatusProcessing indicates a worker has claimed the row.
	StatusProcessing Status = "processing"
	// StatusCompleted indicates processing finished, including the
	// nothing-to-do outcomes (duplicate delivery, unknown connection).
	StatusCompleted Status = "completed"
	// StatusFailed indicates processing failed past MaxAttempts.
	StatusFailed Status = "failed"
	// StatusSkipped indicates the row was deliberately not processed
	// (oversized payload, provider removed from the registry).
	StatusSkipped Status = "skipped"
)

const (
	// MaxPayloadBytes caps stored webhook bodies. Larger deliveries are
	// truncated and the row is skipped so the evidence survives without
	// feeding an unbounded blob through the pipeline.
	MaxPayloadBytes = 1 << 20

	// DefaultMaxAttempts bounds processing retries per row.
	DefaultMaxAttempts = 5
)

var (
	// ErrNotFound indicates the row does not exist in the store.
	ErrNotFound = errors.New("inbox row not found")
	// ErrAlreadyClaimed indicates the row is not pending, so the caller
	// lost the claim race or the row already reached a terminal status.
	ErrAlreadyClaimed = errors.New("inbox row already claimed")
	// ErrDuplicateDelivery indicates the provider already delivered a row
	// with the same delivery id. The stored row stands; the redelivery
	// carries nothing new.
	ErrDuplicateDelivery = errors.New("duplicate delivery")
	// ErrEmptyProvider indicates a row was built without a provider.
	ErrEmptyProvider = errors.New("inbox row provider is empty")
)

// allowedHeaders is the whitelist of request headers persisted with a row.
// Signature headers are kept for forensics even though verification happens
// before insert.
var allowedHeaders = map[string]struct{}{
	"content-type":        {},
	"user-agent":          {},
	"x-request-id":        {},
	"x-nango-hmac-sha256": {},
	"x-nango-signature":   {},
	"x-hub-signature-256": {},
	"x-github-event":      {},
	"x-github-delivery":   {},
}

// New builds a pending Row for a received delivery. The payload is capped at
// MaxPayloadBytes: oversized deliveries come back truncated with status
// skipped so they are recorded but never processed. Headers outside the
// whitelist are dropped.
func New(provider, sourceID, deliveryID string, payload []byte, headers map[string]string, now time.Time) (Row, error) {
	if provider == "" {
		return Row{}, ErrEmptyProvider
	}
	row := Row{
		ID:          ulid.Make().String(),
		Provider:    provider,
		SourceID:    sourceID,
		DeliveryID:  deliveryID,
		Status:      StatusPending,
		MaxAttempts: DefaultMaxAttempts,
		Payload:     payload,
		Headers:     FilterHeaders(headers),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if len(payload) > MaxPayloadBytes {
		row.Payload = payload[:MaxPayloadBytes]
		row.Status = StatusSkipped
		row.Error = "payload exceeds size cap, truncated"
	}
	return row, nil
}

// FilterHeaders returns the whitelisted subset of headers with lowercased
// keys. Multi-valued headers keep their first value only.
func FilterHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		lk := strings.ToLower(k)
		if _, ok := allowedHeaders[lk]; ok {
			out[lk] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Terminal reports whether the status accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}
