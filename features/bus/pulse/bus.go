// Package pulse carries the session wake bus over a Pulse stream. All wake
// messages share one stream; worker replicas join one consumer group so each
// message is dispatched once, and unacknowledged deliveries are redelivered.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/proliferate-ai/proliferate/features/queue/pulse/clients/pulse"
	"github.com/proliferate-ai/proliferate/runtime/telemetry"
	"github.com/proliferate-ai/proliferate/runtime/wake"
)

// WakeStream is the Pulse stream carrying every wake message.
const WakeStream = "session-events"

const defaultWakeGroup = "proliferate_wake"

type (
	// Bus publishes wake messages. Implements wake.Publisher.
	Bus struct {
		client clientspulse.Client
	}

	// BusOptions configures a Bus.
	BusOptions struct {
		// Client is the Pulse client used to publish. Required.
		Client clientspulse.Client
	}

	// Dispatcher consumes one wake message. Returning nil acknowledges the
	// delivery; returning an error leaves it pending for redelivery.
	Dispatcher interface {
		Handle(ctx context.Context, m wake.Message) error
	}

	// SubscriberOptions configures a wake bus subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume. Required.
		Client clientspulse.Client
		// Dispatcher handles each message. Required.
		Dispatcher Dispatcher
		// Group identifies the consumer group shared by worker replicas.
		// Defaults to "proliferate_wake".
		Group string
		// Logger is optional; defaults to noop.
		Logger telemetry.Logger
	}

	// Subscriber reads the wake stream and feeds the dispatcher.
	Subscriber struct {
		client clientspulse.Client
		disp   Dispatcher
		group  string
		log    telemetry.Logger

		mu     sync.Mutex
		sink   clientspulse.Sink
		cancel context.CancelFunc
		wg     sync.WaitGroup
	}
)

// NewBus constructs a wake bus publisher.
func NewBus(opts BusOptions) (*Bus, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	return &Bus{client: opts.Client}, nil
}

// Publish writes the message onto the wake stream. The stream event name
// carries the message type so consumers can log without decoding.
func (b *Bus) Publish(ctx context.Context, m wake.Message) error {
	if m.SessionID == "" {
		return errors.New("wake message session id is required")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal wake message: %w", err)
	}
	stream, err := b.client.Stream(WakeStream)
	if err != nil {
		return err
	}
	if _, err := stream.Add(ctx, string(m.Type), data); err != nil {
		return fmt.Errorf("publish wake %q for session %q: %w", m.Type, m.SessionID, err)
	}
	return nil
}

// NewSubscriber validates options and builds a Subscriber. Start must be
// called to begin consuming.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	group := opts.Group
	if group == "" {
		group = defaultWakeGroup
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Subscriber{
		client: opts.Client,
		disp:   opts.Dispatcher,
		group:  group,
		log:    logger,
	}, nil
}

// Start joins the wake stream consumer group and spawns the consume loop.
// It returns immediately; call Stop to drain and close.
func (s *Subscriber) Start(ctx context.Context) error {
	stream, err := s.client.Stream(WakeStream)
	if err != nil {
		return err
	}
	sink, err := stream.NewSink(ctx, s.group, streamopts.WithSinkStartAtOldest())
	if err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.sink = sink
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.consume(loopCtx, sink)
	s.log.Info(ctx, "wake subscriber started", "stream", WakeStream, "group", s.group)
	return nil
}

// Stop cancels the consume loop, waits for the in-flight message and closes
// the sink. Safe to call once after a successful Start.
func (s *Subscriber) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	sink := s.sink
	s.cancel = nil
	s.sink = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	if sink != nil {
		sink.Close(ctx)
	}
}

func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink) {
	defer s.wg.Done()
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			s.dispatch(ctx, sink, evt)
		}
	}
}

// dispatch decodes and hands one delivery to the dispatcher. Malformed
// envelopes are acknowledged and dropped; dispatch errors leave the delivery
// pending so Pulse redelivers it after the ack grace period.
func (s *Subscriber) dispatch(ctx context.Context, sink clientspulse.Sink, evt *streaming.Event) {
	var m wake.Message
	if err := json.Unmarshal(evt.Payload, &m); err != nil {
		s.log.Error(ctx, "wake envelope malformed, dropping", "event_id", evt.ID, "err", err)
		s.ack(ctx, sink, evt)
		return
	}
	if err := s.disp.Handle(ctx, m); err != nil {
		if ctx.Err() == nil {
			s.log.Warn(ctx, "wake dispatch failed, leaving delivery pending",
				"message_id", m.ID, "type", m.Type, "session_id", m.SessionID, "err", err)
		}
		return
	}
	s.ack(ctx, sink, evt)
}

func (s *Subscriber) ack(ctx context.Context, sink clientspulse.Sink, evt *streaming.Event) {
	if err := sink.Ack(ctx, evt); err != nil {
		s.log.Warn(ctx, "wake ack failed", "event_id", evt.ID, "err", err)
	}
}
