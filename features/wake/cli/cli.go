// Package cli wakes terminal-owned sessions through per-session Pulse
// streams. Each connected CLI subscribes to its own session's stream, so a
// wake is one stream append; disconnected CLIs simply find the backlog when
// they reattach.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clientspulse "github.com/proliferate-ai/proliferate/features/queue/pulse/clients/pulse"
	"github.com/proliferate-ai/proliferate/runtime/session"
	"github.com/proliferate-ai/proliferate/runtime/wake"
)

// streamPrefix namespaces per-session CLI wake streams in Redis.
const streamPrefix = "cli:wake:"

type (
	// Options configure the CLI waker.
	Options struct {
		// Client is the Pulse client backing the streams. Required.
		Client clientspulse.Client
	}

	// Waker appends wake messages to per-session streams. Implements
	// wake.Client.
	Waker struct {
		client clientspulse.Client
	}
)

var _ wake.Client = (*Waker)(nil)

// StreamName returns the Pulse stream carrying one session's CLI wakes.
func StreamName(sessionID string) string {
	return streamPrefix + sessionID
}

// New validates options and builds a Waker.
func New(opts Options) (*Waker, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	return &Waker{client: opts.Client}, nil
}

// Source reports the surface this waker serves.
func (w *Waker) Source() session.ClientType { return session.ClientCLI }

// Wake appends the message to the session's stream.
func (w *Waker) Wake(ctx context.Context, s session.Session, m wake.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal wake message: %w", err)
	}
	stream, err := w.client.Stream(StreamName(s.ID))
	if err != nil {
		return err
	}
	if _, err := stream.Add(ctx, string(m.Type), data); err != nil {
		return fmt.Errorf("append wake to %s: %w", StreamName(s.ID), err)
	}
	return nil
}

// Cleanup destroys a session's stream. Called when the session terminates
// so idle streams do not accumulate in Redis.
func (w *Waker) Cleanup(ctx context.Context, sessionID string) error {
	stream, err := w.client.Stream(StreamName(sessionID))
	if err != nil {
		return err
	}
	if err := stream.Destroy(ctx); err != nil {
		return fmt.Errorf("destroy wake stream for %s: %w", sessionID, err)
	}
	return nil
}
