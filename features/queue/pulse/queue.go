// Package pulse implements the durable job queue on top of Pulse streams.
// Each queue name maps to one stream; workers join a shared consumer group
// so every job is handled by exactly one worker. Failed jobs are re-added
// with an incremented attempt counter and dead-lettered once the attempt
// budget is exhausted.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	clientspulse "github.com/proliferate-ai/proliferate/features/queue/pulse/clients/pulse"
)

// Queue names used by the ingress and the workers. One Pulse stream backs
// each name.
const (
	QueueWebhooks      = "webhooks"
	QueueTriggers      = "triggers"
	QueueRuns          = "runs"
	QueueSnapshots     = "snapshots"
	QueueActionsExpiry = "actions-expiry"
	QueueInboxGC       = "inbox-gc"
)

// DefaultMaxAttempts bounds delivery attempts for jobs that do not set
// their own budget.
const DefaultMaxAttempts = 5

type (
	// Job is the envelope carried on a queue stream. Attempt starts at 1 and
	// is incremented on every re-add after a handler failure.
	Job struct {
		ID          string          `json:"id"`
		Queue       string          `json:"queue"`
		Name        string          `json:"name"`
		Payload     json.RawMessage `json:"payload,omitempty"`
		Attempt     int             `json:"attempt"`
		MaxAttempts int             `json:"max_attempts"`
		EnqueuedAt  time.Time       `json:"enqueued_at"`
	}

	// QueueOptions configures a producer bound to a single queue name.
	QueueOptions struct {
		// Client is the Pulse client used to publish jobs. Required.
		Client clientspulse.Client
		// Name is the queue (stream) name. Required.
		Name string
		// MaxAttempts is the default attempt budget for enqueued jobs.
		// Defaults to DefaultMaxAttempts.
		MaxAttempts int
		// Clock overrides time.Now in tests.
		Clock func() time.Time
	}

	// Queue publishes jobs onto a single named queue. Thread-safe for
	// concurrent Enqueue calls.
	Queue struct {
		client      clientspulse.Client
		name        string
		maxAttempts int
		now         func() time.Time
	}

	// EnqueueOption customizes a single Enqueue call.
	EnqueueOption func(*enqueueSettings)

	enqueueSettings struct {
		maxAttempts int
	}
)

// WithMaxAttempts overrides the attempt budget for one job.
func WithMaxAttempts(n int) EnqueueOption {
	return func(s *enqueueSettings) { s.maxAttempts = n }
}

// NewQueue constructs a producer for the named queue. The Client and Name
// fields in opts are required.
func NewQueue(opts QueueOptions) (*Queue, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.Name == "" {
		return nil, errors.New("queue name is required")
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Queue{
		client:      opts.Client,
		name:        opts.Name,
		maxAttempts: maxAttempts,
		now:         now,
	}, nil
}

// Name returns the queue name this producer publishes to.
func (q *Queue) Name() string { return q.name }

// Enqueue publishes a job and returns the envelope as written to the stream.
// The job name identifies the work kind to consumers (e.g. "inbox-row").
func (q *Queue) Enqueue(ctx context.Context, name string, payload []byte, opts ...EnqueueOption) (Job, error) {
	if name == "" {
		return Job{}, errors.New("job name is required")
	}
	settings := enqueueSettings{maxAttempts: q.maxAttempts}
	for _, opt := range opts {
		opt(&settings)
	}
	if settings.maxAttempts <= 0 {
		settings.maxAttempts = q.maxAttempts
	}
	job := Job{
		ID:          uuid.NewString(),
		Queue:       q.name,
		Name:        name,
		Payload:     payload,
		Attempt:     1,
		MaxAttempts: settings.maxAttempts,
		EnqueuedAt:  q.now().UTC(),
	}
	if err := publish(ctx, q.client, q.name, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// DeadLetterStream returns the stream holding jobs that exhausted their
// attempt budget on the named queue.
func DeadLetterStream(queue string) string {
	return queue + ":dead"
}

// publish marshals the envelope and adds it to the named stream.
func publish(ctx context.Context, client clientspulse.Client, stream string, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	handle, err := client.Stream(stream)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, job.Name, data); err != nil {
		return fmt.Errorf("enqueue %q on %q: %w", job.Name, stream, err)
	}
	return nil
}
