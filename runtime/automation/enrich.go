package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/proliferate-ai/proliferate/runtime/telemetry"
)

type (
	// EnrichRequest carries what a model needs to digest an occurrence.
	EnrichRequest struct {
		// RunID is the run being prepared.
		RunID string
		// OrgID is the owning organization.
		OrgID string
		// Prompt is the automation's instruction, for framing.
		Prompt string
		// Context is the raw provider-built occurrence context.
		Context json.RawMessage
	}

	// Enrichment is a model's digest of an occurrence.
	Enrichment struct {
		// Context is the digested context document stored on the run.
		// Empty means the model produced nothing usable.
		Context json.RawMessage
		// Model names the model that produced the digest.
		Model string
	}

	// Enricher digests raw trigger context into something a session can
	// act on directly. Implementations wrap a model provider.
	Enricher interface {
		Enrich(ctx context.Context, req EnrichRequest) (Enrichment, error)
	}

	// EnrichmentRunner executes enrichment jobs. Enrichment is advisory:
	// every failure past loading the run degrades to ready with the raw
	// context rather than failing the run.
	EnrichmentRunner struct {
		store    Store
		enricher Enricher
		timeout  time.Duration
		log      telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time
	}

	// EnrichmentRunnerOptions configure an EnrichmentRunner.
	EnrichmentRunnerOptions struct {
		// Store persists runs. Required.
		Store Store
		// Enricher produces digests. Required.
		Enricher Enricher
		// Timeout bounds one model call. Default 60s.
		Timeout time.Duration
		// Logger is optional; defaults to noop.
		Logger telemetry.Logger
		// Metrics is optional; defaults to noop.
		Metrics telemetry.Metrics
		// Clock overrides time.Now in tests.
		Clock func() time.Time
	}
)

const defaultEnrichTimeout = 60 * time.Second

// NewEnrichmentRunner validates options and builds an EnrichmentRunner.
func NewEnrichmentRunner(opts EnrichmentRunnerOptions) (*EnrichmentRunner, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("automation store is required")
	}
	if opts.Enricher == nil {
		return nil, fmt.Errorf("enricher is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultEnrichTimeout
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
	return &EnrichmentRunner{
		store:    opts.Store,
		enricher: opts.Enricher,
		timeout:  timeout,
		log:      logger,
		metrics:  metrics,
		now:      now,
	}, nil
}

// Process enriches one run.
//
// Contract:
//   - Only runs in enriching are touched. Any other status is a stale or
//     duplicate job and returns nil.
//   - A usable digest lands via SetEnriched, which moves the run to ready
//     in the same write.
//   - Model failures, timeouts and empty digests fall back to ready with
//     the raw context. They are not job failures; the queue must not
//     retry them.
//   - Only run-load and status-write errors return as errors. A write
//     that loses the enriching->ready race to another worker is benign.
func (r *EnrichmentRunner) Process(ctx context.Context, runID string) error {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status != RunEnriching {
		r.log.Debug(ctx, "run not awaiting enrichment", "run_id", runID, "status", string(run.Status))
		return nil
	}

	req := EnrichRequest{
		RunID:   run.ID,
		OrgID:   run.OrgID,
		Context: run.Context,
	}
	if a, err := r.store.Get(ctx, run.AutomationID); err == nil {
		req.Prompt = a.Prompt
	} else {
		r.log.Warn(ctx, "enrich without automation prompt", "run_id", runID, "err", err)
	}

	mctx, cancel := context.WithTimeout(ctx, r.timeout)
	enriched, err := r.enricher.Enrich(mctx, req)
	cancel()
	if err != nil || len(enriched.Context) == 0 {
		if err == nil {
			err = errors.New("enricher returned no context")
		}
		r.log.Warn(ctx, "enrichment failed, run proceeds with raw context",
			"run_id", runID, "err", err)
		r.metrics.IncCounter(telemetry.MetricRunsEnriched, 1, "outcome", "fallback")
		return r.ready(ctx, runID)
	}

	if err := r.store.SetEnriched(ctx, runID, enriched.Context, r.now().UTC()); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("store enrichment for run %s: %w", runID, err)
	}
	r.metrics.IncCounter(telemetry.MetricRunsEnriched, 1, "outcome", "enriched")
	r.log.Info(ctx, "run enriched", "run_id", runID, "model", enriched.Model)
	return nil
}

func (r *EnrichmentRunner) ready(ctx context.Context, runID string) error {
	err := r.store.SetRunStatus(ctx, runID, RunEnriching, RunReady, "", r.now().UTC())
	if err != nil && !errors.Is(err, ErrInvalidTransition) {
		return fmt.Errorf("mark run %s ready: %w", runID, err)
	}
	return nil
}
