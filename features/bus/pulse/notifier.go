package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/proliferate-ai/proliferate/runtime/action"
	"github.com/proliferate-ai/proliferate/runtime/telemetry"
	"github.com/proliferate-ai/proliferate/runtime/wake"
)

type (
	// ActionNotifier publishes action decisions onto the wake bus so the
	// owning session learns its invocation resolved. Implements
	// action.Notifier.
	ActionNotifier struct {
		bus *Bus
		log telemetry.Logger
		now func() time.Time
	}

	// ActionNotifierOptions configures an ActionNotifier.
	ActionNotifierOptions struct {
		// Bus publishes the wake messages. Required.
		Bus *Bus
		// Logger is optional; defaults to noop.
		Logger telemetry.Logger
		// Clock overrides time.Now in tests.
		Clock func() time.Time
	}

	// actionDecidedPayload is the wake body for decided invocations.
	actionDecidedPayload struct {
		InvocationID string `json:"invocation_id"`
		AdapterID    string `json:"adapter_id"`
		Name         string `json:"name"`
		Status       string `json:"status"`
		Error        string `json:"error,omitempty"`
	}
)

var _ action.Notifier = (*ActionNotifier)(nil)

// actionSource names the action engine as wake message publisher.
const actionSource = "action-engine"

// NewActionNotifier validates options and builds an ActionNotifier.
func NewActionNotifier(opts ActionNotifierOptions) (*ActionNotifier, error) {
	if opts.Bus == nil {
		return nil, errors.New("wake bus is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &ActionNotifier{bus: opts.Bus, log: logger, now: now}, nil
}

// ActionDecided publishes the decision. Publish failures are logged and
// swallowed: the decision is durable in the store and sessions poll their
// invocations on resume, so a lost nudge delays but never loses the outcome.
func (n *ActionNotifier) ActionDecided(ctx context.Context, inv action.Invocation) {
	payload, err := json.Marshal(actionDecidedPayload{
		InvocationID: inv.ID,
		AdapterID:    inv.AdapterID,
		Name:         inv.Name,
		Status:       string(inv.Status),
		Error:        inv.Error,
	})
	if err != nil {
		n.log.Error(ctx, "marshal action wake payload", "invocation_id", inv.ID, "err", err.Error())
		return
	}
	m := wake.NewMessage(wake.TypeActionDecided, inv.SessionID, actionSource, payload, n.now())
	if err := n.bus.Publish(ctx, m); err != nil {
		n.log.Warn(ctx, "action wake publish failed",
			"invocation_id", inv.ID, "session_id", inv.SessionID, "err", err.Error())
	}
}
