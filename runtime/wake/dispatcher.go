package wake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/proliferate-ai/proliferate/runtime/session"
	"github.com/proliferate-ai/proliferate/runtime/telemetry"
)

type (
	// SessionStore is the slice of the session store behind routing:
	// lookups, plus the activity touch on delivery. session.Store
	// satisfies this.
	SessionStore interface {
		Get(ctx context.Context, id string) (session.Session, error)
		Touch(ctx context.Context, id string, now time.Time) error
	}

	// Dispatcher routes bus messages to the client owning each session.
	Dispatcher struct {
		sessions SessionStore
		clients  *ClientRegistry
		log      telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time
	}

	// DispatcherOptions configure a Dispatcher.
	DispatcherOptions struct {
		// Sessions loads and touches sessions. Required.
		Sessions SessionStore
		// Clients is the wake client registry. Required.
		Clients *ClientRegistry
		// Logger is optional; defaults to noop.
		Logger telemetry.Logger
		// Metrics is optional; defaults to noop.
		Metrics telemetry.Metrics
		// Clock overrides time.Now in tests.
		Clock func() time.Time
	}
)

// NewDispatcher validates options and builds a Dispatcher.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if opts.Clients == nil {
		return nil, fmt.Errorf("client registry is required")
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
	return &Dispatcher{
		sessions: opts.Sessions,
		clients:  opts.Clients,
		log:      logger,
		metrics:  metrics,
		now:      now,
	}, nil
}

// Handle routes one message.
//
// Contract:
// - Returns nil for permanently unroutable messages (unknown session,
//   terminal session, unregistered surface) so the subscriber acks them:
//   a message that can never be delivered must not poison the stream.
// - Returns an error only for transient failures worth redelivering.
// - A delivered wake touches the session's activity clock. The touch is
//   best effort: once the client was woken, nothing may trigger a
//   duplicate delivery.
func (d *Dispatcher) Handle(ctx context.Context, m Message) error {
	s, err := d.sessions.Get(ctx, m.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			d.log.Warn(ctx, "wake for unknown session dropped", "session_id", m.SessionID, "type", string(m.Type))
			return nil
		}
		return fmt.Errorf("load session %s: %w", m.SessionID, err)
	}
	if s.Status.Terminal() {
		d.log.Debug(ctx, "wake for terminal session dropped", "session_id", s.ID, "status", string(s.Status))
		return nil
	}

	client, err := d.clients.Lookup(s.ClientType)
	if err != nil {
		d.log.Warn(ctx, "no wake client for session surface",
			"session_id", s.ID, "client_type", string(s.ClientType))
		return nil
	}

	if err := client.Wake(ctx, s, m); err != nil {
		return fmt.Errorf("wake %s session %s: %w", s.ClientType, s.ID, err)
	}
	if err := d.sessions.Touch(ctx, s.ID, d.now().UTC()); err != nil {
		d.log.Debug(ctx, "session activity touch failed", "session_id", s.ID, "err", err)
	}
	d.metrics.IncCounter(telemetry.MetricWakesDelivered, 1, "client", string(s.ClientType), "type", string(m.Type))
	return nil
}
