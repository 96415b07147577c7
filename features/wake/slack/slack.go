// Package slack wakes Slack-owned sessions by posting into the session's
// thread. The post is the nudge itself: the Slack surface has no push
// channel of its own, so a visible thread message is how off-turn updates
// reach the user.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	slackapi "github.com/slack-go/slack"

	"github.com/proliferate-ai/proliferate/runtime/session"
	"github.com/proliferate-ai/proliferate/runtime/telemetry"
	"github.com/proliferate-ai/proliferate/runtime/wake"
)

type (
	// PostMessageAPI is the slice of the Slack API the waker needs.
	// slack.Client satisfies it.
	PostMessageAPI interface {
		PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
	}

	// Options configure the Slack waker.
	Options struct {
		// API posts messages. Required unless Token is set.
		API PostMessageAPI
		// Token builds a default API client when API is nil.
		Token string
		// Logger is optional; defaults to noop.
		Logger telemetry.Logger
	}

	// Waker posts wake nudges into Slack threads. Implements wake.Client.
	Waker struct {
		api PostMessageAPI
		log telemetry.Logger
	}

	// metadata is the Slack routing data stored on the session.
	metadata struct {
		ChannelID string `json:"channel_id"`
		ThreadTS  string `json:"thread_ts"`
	}

	// payload is the optional wake body carrying custom text.
	payload struct {
		Text string `json:"text"`
	}
)

var _ wake.Client = (*Waker)(nil)

// New validates options and builds a Waker.
func New(opts Options) (*Waker, error) {
	api := opts.API
	if api == nil {
		if opts.Token == "" {
			return nil, errors.New("slack api client or token is required")
		}
		api = slackapi.New(opts.Token)
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Waker{api: api, log: logger}, nil
}

// Source reports the surface this waker serves.
func (w *Waker) Source() session.ClientType { return session.ClientSlack }

// Wake posts the nudge into the session's thread.
//
// Sessions without a routable channel are dropped with a warning rather
// than returned as errors: redelivering cannot fix missing metadata.
func (w *Waker) Wake(ctx context.Context, s session.Session, m wake.Message) error {
	var md metadata
	if len(s.ClientMetadata) > 0 {
		if err := json.Unmarshal(s.ClientMetadata, &md); err != nil {
			w.log.Warn(ctx, "slack session metadata unreadable", "session_id", s.ID, "err", err.Error())
			return nil
		}
	}
	if md.ChannelID == "" {
		w.log.Warn(ctx, "slack session has no channel", "session_id", s.ID)
		return nil
	}

	opts := []slackapi.MsgOption{slackapi.MsgOptionText(text(m), false)}
	if md.ThreadTS != "" {
		opts = append(opts, slackapi.MsgOptionTS(md.ThreadTS))
	}
	if _, _, err := w.api.PostMessageContext(ctx, md.ChannelID, opts...); err != nil {
		return fmt.Errorf("post to %s: %w", md.ChannelID, err)
	}
	return nil
}

// text resolves the message body, preferring publisher-supplied text.
func text(m wake.Message) string {
	if len(m.Payload) > 0 {
		var p payload
		if err := json.Unmarshal(m.Payload, &p); err == nil && p.Text != "" {
			return p.Text
		}
	}
	switch m.Type {
	case wake.TypeActionDecided:
		return "An action request was resolved."
	case wake.TypeRunUpdate:
		return "The automation run changed state."
	case wake.TypeUserMessage:
		return "A new message arrived."
	default:
		return "This session has new activity."
	}
}
