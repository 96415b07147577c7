package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/proliferate-ai/proliferate/features/queue/pulse/clients/pulse"
	"github.com/proliferate-ai/proliferate/runtime/telemetry"
)

type (
	// Handler processes one job. Returning nil acknowledges the delivery;
	// returning an error re-adds the job with an incremented attempt counter
	// until MaxAttempts is reached, after which the job is dead-lettered.
	Handler func(ctx context.Context, job Job) error

	// ConsumerOptions configures a queue consumer.
	ConsumerOptions struct {
		// Client is the Pulse client used to consume jobs. Required.
		Client clientspulse.Client
		// Queue is the queue (stream) name to consume. Required.
		Queue string
		// Handler processes each job. Required.
		Handler Handler
		// Group identifies the Pulse consumer group shared by worker
		// replicas. Defaults to "proliferate_worker".
		Group string
		// Concurrency is the number of handler goroutines. Defaults to 4.
		Concurrency int
		// Logger is optional; defaults to noop.
		Logger telemetry.Logger
		// Metrics is optional; defaults to noop.
		Metrics telemetry.Metrics
	}

	// Consumer reads jobs from a queue stream and dispatches them to handler
	// goroutines. Deliveries are acknowledged only after the job reached a
	// terminal outcome (handled, re-added for retry, or dead-lettered) so a
	// crash mid-flight redelivers the job to another worker.
	Consumer struct {
		client      clientspulse.Client
		queue       string
		group       string
		handler     Handler
		concurrency int
		log         telemetry.Logger
		metrics     telemetry.Metrics

		mu     sync.Mutex
		sink   clientspulse.Sink
		cancel context.CancelFunc
		wg     sync.WaitGroup
	}
)

const defaultGroup = "proliferate_worker"

// NewConsumer validates options and builds a Consumer. Start must be called
// to begin consuming.
func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.Queue == "" {
		return nil, errors.New("queue name is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("handler is required")
	}
	group := opts.Group
	if group == "" {
		group = defaultGroup
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Consumer{
		client:      opts.Client,
		queue:       opts.Queue,
		group:       group,
		handler:     opts.Handler,
		concurrency: concurrency,
		log:         logger,
		metrics:     metrics,
	}, nil
}

// Start opens the queue stream, joins the consumer group and spawns the
// handler goroutines. It returns immediately; call Stop to drain and close.
// Consumption starts at the oldest unacknowledged entry so jobs enqueued
// while no worker was running are not lost.
func (c *Consumer) Start(ctx context.Context) error {
	stream, err := c.client.Stream(c.queue)
	if err != nil {
		return err
	}
	sink, err := stream.NewSink(ctx, c.group, streamopts.WithSinkStartAtOldest())
	if err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c.mu.Lock()
	c.sink = sink
	c.cancel = cancel
	c.mu.Unlock()

	ch := sink.Subscribe()
	for i := 0; i < c.concurrency; i++ {
		c.wg.Add(1)
		go c.work(loopCtx, sink, ch)
	}
	c.log.Info(ctx, "queue consumer started",
		"queue", c.queue, "group", c.group, "concurrency", c.concurrency)
	return nil
}

// Stop cancels the handler goroutines, waits for in-flight jobs and closes
// the sink. Safe to call once after a successful Start.
func (c *Consumer) Stop(ctx context.Context) {
	c.mu.Lock()
	cancel := c.cancel
	sink := c.sink
	c.cancel = nil
	c.sink = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	if sink != nil {
		sink.Close(ctx)
	}
}

// work is the handler goroutine loop. Several run concurrently against the
// shared subscription channel.
func (c *Consumer) work(ctx context.Context, sink clientspulse.Sink, ch <-chan *streaming.Event) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			c.dispatch(ctx, sink, evt)
		}
	}
}

// dispatch decodes and handles one delivery, then settles it. Malformed
// envelopes are acknowledged and dropped so they cannot poison the group.
func (c *Consumer) dispatch(ctx context.Context, sink clientspulse.Sink, evt *streaming.Event) {
	var job Job
	if err := json.Unmarshal(evt.Payload, &job); err != nil {
		c.log.Error(ctx, "queue envelope malformed, dropping",
			"queue", c.queue, "event_id", evt.ID, "err", err)
		c.ack(ctx, sink, evt)
		return
	}

	err := c.handler(ctx, job)
	if err == nil {
		c.ack(ctx, sink, evt)
		return
	}
	if ctx.Err() != nil {
		// Shutting down. Leave the delivery pending so another worker
		// picks it up.
		return
	}

	if job.Attempt >= job.MaxAttempts {
		c.deadLetter(ctx, sink, evt, job, err)
		return
	}
	c.retry(ctx, sink, evt, job, err)
}

// retry re-adds the job with an incremented attempt counter, then
// acknowledges the original delivery. If the re-add fails the delivery is
// left unacknowledged so Pulse redelivers it.
func (c *Consumer) retry(ctx context.Context, sink clientspulse.Sink, evt *streaming.Event, job Job, cause error) {
	next := job
	next.Attempt++
	if err := publish(ctx, c.client, c.queue, next); err != nil {
		c.log.Error(ctx, "queue retry re-add failed, leaving delivery pending",
			"queue", c.queue, "job_id", job.ID, "job", job.Name, "attempt", job.Attempt, "err", err)
		return
	}
	c.log.Warn(ctx, "queue job failed, retrying",
		"queue", c.queue, "job_id", job.ID, "job", job.Name,
		"attempt", job.Attempt, "max_attempts", job.MaxAttempts, "err", cause)
	c.ack(ctx, sink, evt)
}

// deadLetter moves an exhausted job onto the queue's dead-letter stream and
// acknowledges the delivery. If the move fails the delivery stays pending.
func (c *Consumer) deadLetter(ctx context.Context, sink clientspulse.Sink, evt *streaming.Event, job Job, cause error) {
	if err := publish(ctx, c.client, DeadLetterStream(c.queue), job); err != nil {
		c.log.Error(ctx, "queue dead-letter publish failed, leaving delivery pending",
			"queue", c.queue, "job_id", job.ID, "job", job.Name, "err", err)
		return
	}
	c.metrics.IncCounter(telemetry.MetricQueueDeadLettered, 1, "queue", c.queue, "job", job.Name)
	c.log.Error(ctx, "queue job dead-lettered",
		"queue", c.queue, "job_id", job.ID, "job", job.Name,
		"attempts", job.Attempt, "err", cause)
	c.ack(ctx, sink, evt)
}

func (c *Consumer) ack(ctx context.Context, sink clientspulse.Sink, evt *streaming.Event) {
	if err := sink.Ack(ctx, evt); err != nil {
		c.log.Warn(ctx, "queue ack failed", "queue", c.queue, "event_id", evt.ID, "err", err)
	}
}
