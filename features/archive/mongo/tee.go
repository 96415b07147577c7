package mongo

import (
	"context"
	"errors"

	"github.com/proliferate-ai/proliferate/runtime/telemetry"
	"github.com/proliferate-ai/proliferate/runtime/wake"
)

type (
	// Dispatcher consumes one wake message. The bus subscriber's handler
	// contract applies: nil acknowledges the delivery, an error leaves it
	// pending for redelivery.
	Dispatcher interface {
		Handle(ctx context.Context, m wake.Message) error
	}

	// Tee archives each message before handing it to the wrapped dispatcher.
	// Archive failures are logged and swallowed: the timeline is advisory,
	// wake delivery is not.
	Tee struct {
		archive *Archive
		next    Dispatcher
		log     telemetry.Logger
	}
)

// NewTee wraps a dispatcher with the archive.
func NewTee(archive *Archive, next Dispatcher, logger telemetry.Logger) (*Tee, error) {
	if archive == nil {
		return nil, errors.New("archive is required")
	}
	if next == nil {
		return nil, errors.New("dispatcher is required")
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Tee{archive: archive, next: next, log: logger}, nil
}

// Handle records the message and delegates. The dispatch verdict is the
// inner dispatcher's alone; a redelivered message is archived again, which
// the archive tolerates.
func (t *Tee) Handle(ctx context.Context, m wake.Message) error {
	if err := t.archive.Record(ctx, m); err != nil {
		t.log.Warn(ctx, "wake archive append failed",
			"message_id", m.ID, "session_id", m.SessionID, "err", err)
	}
	return t.next.Handle(ctx, m)
}
