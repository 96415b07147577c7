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
	// SnapshotBuilder rebuilds one configuration snapshot.
	// *snapshot.Builder satisfies it.
	SnapshotBuilder interface {
		Build(ctx context.Context, configurationID string) error
	}

	// SnapshotProcessorOptions configure a SnapshotProcessor.
	SnapshotProcessorOptions struct {
		// Builder handles snapshot jobs. Required.
		Builder SnapshotBuilder
		// Logger is optional; defaults to noop.
		Logger telemetry.Logger
	}

	// SnapshotProcessor dispatches jobs on the snapshots queue.
	SnapshotProcessor struct {
		builder SnapshotBuilder
		log     telemetry.Logger
	}
)

// NewSnapshotProcessor validates options and builds a SnapshotProcessor.
func NewSnapshotProcessor(opts SnapshotProcessorOptions) (*SnapshotProcessor, error) {
	if opts.Builder == nil {
		return nil, errors.New("snapshot builder is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &SnapshotProcessor{builder: opts.Builder, log: logger}, nil
}

// Handle processes one snapshots-queue job. Unknown job names ack so a
// rolling deploy with new producers does not wedge old consumers.
func (sp *SnapshotProcessor) Handle(ctx context.Context, job queuepulse.Job) error {
	switch job.Name {
	case queuepulse.JobBuildSnapshot:
		var ref queuepulse.SnapshotJob
		if err := json.Unmarshal(job.Payload, &ref); err != nil || ref.ConfigurationID == "" {
			sp.log.Error(ctx, "snapshot job payload malformed, dropping",
				"job_id", job.ID, "err", err)
			return nil
		}
		if err := sp.builder.Build(ctx, ref.ConfigurationID); err != nil {
			return fmt.Errorf("build snapshot for configuration %s: %w", ref.ConfigurationID, err)
		}
		return nil
	}
	sp.log.Debug(ctx, "unknown snapshots job, dropping", "name", job.Name, "job_id", job.ID)
	return nil
}
