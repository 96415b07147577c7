package pulse

import (
	"context"
	"encoding/json"
	"fmt"
)

// Job names shared by producers and consumers. The queue treats payloads as
// opaque bytes; these structs are the agreed shapes on both sides.
const (
	// JobInboxRow asks the inbox worker to process one webhook inbox row.
	JobInboxRow = "inbox-row"
	// JobEnrichRun asks the run worker to enrich one automation run.
	JobEnrichRun = "enrich-run"
	// JobBuildSnapshot asks the snapshot worker to rebuild one
	// configuration snapshot.
	JobBuildSnapshot = "build-snapshot"
	// JobSweepInbox asks the janitor to purge settled inbox rows and
	// re-enqueue stranded pending ones. No payload.
	JobSweepInbox = "sweep-inbox"
	// JobTimeoutRuns asks the janitor to time out runs stuck past the
	// staleness cutoff. No payload.
	JobTimeoutRuns = "timeout-runs"
	// JobExpireActions asks the janitor to expire overdue pending action
	// invocations. No payload.
	JobExpireActions = "expire-actions"
)

type (
	// InboxJob carries the inbox row id to process.
	InboxJob struct {
		InboxID string `json:"inbox_id"`
	}

	// EnrichJob carries the run id to enrich.
	EnrichJob struct {
		RunID string `json:"run_id"`
	}

	// SnapshotJob carries the configuration id to snapshot.
	SnapshotJob struct {
		ConfigurationID string `json:"configuration_id"`
	}
)

// EnqueueInboxRow publishes an inbox row job onto the queue.
func (q *Queue) EnqueueInboxRow(ctx context.Context, inboxID string) (Job, error) {
	payload, err := json.Marshal(InboxJob{InboxID: inboxID})
	if err != nil {
		return Job{}, fmt.Errorf("marshal inbox job: %w", err)
	}
	return q.Enqueue(ctx, JobInboxRow, payload)
}

// EnqueueEnrichment publishes a run enrichment job onto the queue. The
// signature matches the launcher's enrichment handoff contract.
func (q *Queue) EnqueueEnrichment(ctx context.Context, runID string) error {
	payload, err := json.Marshal(EnrichJob{RunID: runID})
	if err != nil {
		return fmt.Errorf("marshal enrich job: %w", err)
	}
	_, err = q.Enqueue(ctx, JobEnrichRun, payload)
	return err
}
