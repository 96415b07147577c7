// Package openai provides an automation.Enricher backed by the OpenAI Chat
// Completions API.
package openai

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/proliferate-ai/proliferate/features/enrich"
	"github.com/proliferate-ai/proliferate/runtime/automation"
)

type (
	// ChatClient captures the subset of the OpenAI SDK used by the
	// enricher. *sdk.ChatCompletionService satisfies it.
	ChatClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Options configure an Enricher.
	Options struct {
		// Chat is the chat completions client. Required unless APIKey is
		// set.
		Chat ChatClient
		// APIKey builds a default client when Chat is nil.
		APIKey string
		// Model is the model identifier. Required.
		Model string
		// MaxTokens caps the digest. Default 1024.
		MaxTokens int64
		// Temperature is optional; zero means the provider default.
		Temperature float64
	}

	// Enricher digests trigger context with an OpenAI model.
	Enricher struct {
		chat   ChatClient
		model  string
		maxTok int64
		temp   float64
	}
)

var _ automation.Enricher = (*Enricher)(nil)

const defaultMaxTokens = 1024

// New validates options and builds an Enricher.
func New(opts Options) (*Enricher, error) {
	chat := opts.Chat
	if chat == nil {
		if opts.APIKey == "" {
			return nil, errors.New("openai chat client or api key is required")
		}
		oc := sdk.NewClient(option.WithAPIKey(opts.APIKey))
		chat = &oc.Chat.Completions
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Enricher{
		chat:   chat,
		model:  opts.Model,
		maxTok: maxTok,
		temp:   opts.Temperature,
	}, nil
}

// Enrich issues one chat completion and shapes the reply into a digest.
func (e *Enricher) Enrich(ctx context.Context, req automation.EnrichRequest) (automation.Enrichment, error) {
	system, user := enrich.Prompt(req)
	params := sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(e.model),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.SystemMessage(system),
			sdk.UserMessage(user),
		},
		MaxCompletionTokens: sdk.Int(e.maxTok),
	}
	if e.temp > 0 {
		params.Temperature = sdk.Float(e.temp)
	}
	completion, err := e.chat.New(ctx, params)
	if err != nil {
		return automation.Enrichment{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return automation.Enrichment{}, nil
	}
	return enrich.Digest(completion.Choices[0].Message.Content, e.model), nil
}
