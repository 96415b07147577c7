package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	queuepulse "github.com/proliferate-ai/proliferate/features/queue/pulse"
	"github.com/proliferate-ai/proliferate/runtime/telemetry"
)

type (
	// Enricher prepares one queued run with advisory model context.
	// *automation.EnrichmentRunner satisfies it.
	Enricher interface {
		Process(ctx context.Context, runID string) error
	}

	// RunProcessorOptions configure a RunProcessor.
	RunProcessorOptions struct {
		// Enricher handles enrichment jobs. Required.
		Enricher Enricher
		// Logger is optional; defaults to noop.
		Logger telemetry.Logger
	}

	// RunProcessor dispatches jobs on the runs queue.
	RunProcessor struct {
		enricher Enricher
		log      telemetry.Logger
	}
)

// NewRunProcessor validates options and builds a RunProcessor.
func NewRunProcessor(opts RunProcessorOptions) (*RunProcessor, error) {
	if opts.Enricher == nil {
		return nil, errors.New("enricher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &RunProcessor{enricher: opts.Enricher, log: logger}, nil
}

// Handle processes one runs-queue job. Unknown job names ack so a rolling
// deploy with new producers does not wedge old consumers.
func (rp *RunProcessor) Handle(ctx context.Context, job queuepulse.Job) error {
	switch job.Name {
	case queuepulse.JobEnrichRun:
		var ref queuepulse.EnrichJob
		if err := json.Unmarshal(job.Payload, &ref); err != nil || ref.RunID == "" {
			rp.log.Error(ctx, "enrich job payload malformed, dropping",
				"job_id", job.ID, "err", err)
			return nil
		}
		if err := rp.enricher.Process(ctx, ref.RunID); err != nil {
			return fmt.Errorf("enrich run %s: %w", ref.RunID, err)
		}
		return nil
	}
	rp.log.Debug(ctx, "unknown runs job, dropping", "name", job.Name, "job_id", job.ID)
	return nil
}
