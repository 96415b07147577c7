// Package anthropic provides an automation.Enricher backed by the Anthropic
// Claude Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/proliferate-ai/proliferate/features/enrich"
	"github.com/proliferate-ai/proliferate/runtime/automation"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK used by the
	// enricher. *sdk.MessageService satisfies it.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configure an Enricher.
	Options struct {
		// Messages is the Anthropic messages client. Required unless
		// APIKey is set.
		Messages MessagesClient
		// APIKey builds a default client when Messages is nil.
		APIKey string
		// Model is the Claude model identifier. Required.
		Model string
		// MaxTokens caps the digest. Default 1024.
		MaxTokens int64
		// Temperature is optional; zero means the provider default.
		Temperature float64
	}

	// Enricher digests trigger context with a Claude model.
	Enricher struct {
		msg    MessagesClient
		model  string
		maxTok int64
		temp   float64
	}
)

var _ automation.Enricher = (*Enricher)(nil)

const defaultMaxTokens = 1024

// New validates options and builds an Enricher.
func New(opts Options) (*Enricher, error) {
	msg := opts.Messages
	if msg == nil {
		if opts.APIKey == "" {
			return nil, errors.New("anthropic messages client or api key is required")
		}
		ac := sdk.NewClient(option.WithAPIKey(opts.APIKey))
		msg = &ac.Messages
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Enricher{
		msg:    msg,
		model:  opts.Model,
		maxTok: maxTok,
		temp:   opts.Temperature,
	}, nil
}

// Enrich issues one non-streaming Messages.New call and shapes the text
// reply into a digest.
func (e *Enricher) Enrich(ctx context.Context, req automation.EnrichRequest) (automation.Enrichment, error) {
	system, user := enrich.Prompt(req)
	params := sdk.MessageNewParams{
		MaxTokens: e.maxTok,
		Model:     sdk.Model(e.model),
		System:    []sdk.TextBlockParam{{Text: system}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(user))},
	}
	if e.temp > 0 {
		params.Temperature = sdk.Float(e.temp)
	}
	msg, err := e.msg.New(ctx, params)
	if err != nil {
		return automation.Enrichment{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	var reply strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			reply.WriteString(block.Text)
		}
	}
	return enrich.Digest(reply.String(), e.model), nil
}
