// Package slack executes approved Slack actions for the action engine:
// posting messages and listing channels through the workspace bot token.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	slackapi "github.com/slack-go/slack"

	"github.com/proliferate-ai/proliferate/runtime/action"
)

// AdapterID is the registry key for Slack actions.
const AdapterID = "slack"

// Action names this adapter executes.
const (
	ActionSendMessage  = "send-message"
	ActionListChannels = "list-channels"
)

type (
	// API is the slice of the Slack API the adapter needs. slack.Client
	// satisfies it.
	API interface {
		PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
		GetConversationsContext(ctx context.Context, params *slackapi.GetConversationsParameters) ([]slackapi.Channel, string, error)
	}

	// Options configure the adapter.
	Options struct {
		// API executes calls. Required unless Token is set.
		API API
		// Token builds a default API client when API is nil.
		Token string
	}

	// Adapter implements action.Adapter for Slack.
	Adapter struct {
		api API
	}

	sendMessageArgs struct {
		Channel  string `json:"channel"`
		Text     string `json:"text"`
		ThreadTS string `json:"thread_ts,omitempty"`
	}

	sendMessageResult struct {
		Channel string `json:"channel"`
		TS      string `json:"ts"`
	}

	listChannelsArgs struct {
		Limit int `json:"limit,omitempty"`
	}

	channelInfo struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}

	listChannelsResult struct {
		Channels []channelInfo `json:"channels"`
	}
)

const defaultChannelLimit = 100

var _ action.Adapter = (*Adapter)(nil)

// New validates options and builds the adapter.
func New(opts Options) (*Adapter, error) {
	api := opts.API
	if api == nil {
		if opts.Token == "" {
			return nil, errors.New("slack api client or token is required")
		}
		api = slackapi.New(opts.Token)
	}
	return &Adapter{api: api}, nil
}

// ID implements action.Adapter.
func (a *Adapter) ID() string { return AdapterID }

// Risk classifies actions by name. Unknown names classify as danger so
// submission never auto-approves something this adapter cannot place.
func (a *Adapter) Risk(name string) action.RiskLevel {
	switch name {
	case ActionListChannels:
		return action.RiskRead
	case ActionSendMessage:
		return action.RiskWrite
	default:
		return action.RiskDanger
	}
}

// Execute runs one approved invocation.
func (a *Adapter) Execute(ctx context.Context, inv action.Invocation) (json.RawMessage, error) {
	switch inv.Name {
	case ActionSendMessage:
		return a.sendMessage(ctx, inv.Args)
	case ActionListChannels:
		return a.listChannels(ctx, inv.Args)
	default:
		return nil, fmt.Errorf("unknown slack action %q", inv.Name)
	}
}

func (a *Adapter) sendMessage(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args sendMessageArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode send-message args: %w", err)
	}
	if args.Channel == "" || args.Text == "" {
		return nil, errors.New("send-message requires channel and text")
	}
	opts := []slackapi.MsgOption{slackapi.MsgOptionText(args.Text, false)}
	if args.ThreadTS != "" {
		opts = append(opts, slackapi.MsgOptionTS(args.ThreadTS))
	}
	channel, ts, err := a.api.PostMessageContext(ctx, args.Channel, opts...)
	if err != nil {
		return nil, fmt.Errorf("post message: %w", err)
	}
	return json.Marshal(sendMessageResult{Channel: channel, TS: ts})
}

func (a *Adapter) listChannels(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args listChannelsArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("decode list-channels args: %w", err)
		}
	}
	limit := args.Limit
	if limit <= 0 || limit > defaultChannelLimit {
		limit = defaultChannelLimit
	}
	channels, _, err := a.api.GetConversationsContext(ctx, &slackapi.GetConversationsParameters{
		Limit:           limit,
		ExcludeArchived: true,
	})
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	out := listChannelsResult{Channels: make([]channelInfo, 0, len(channels))}
	for _, ch := range channels {
		out.Channels = append(out.Channels, channelInfo{ID: ch.ID, Name: ch.Name})
	}
	return json.Marshal(out)
}
