// Package bedrock provides an automation.Enricher backed by the AWS Bedrock
// Converse API.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/proliferate-ai/proliferate/features/enrich"
	"github.com/proliferate-ai/proliferate/runtime/automation"
)

type (
	// RuntimeClient captures the subset of the Bedrock runtime client used
	// by the enricher. *bedrockruntime.Client satisfies it.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configure an Enricher.
	Options struct {
		// Runtime is the Bedrock runtime client. Required.
		Runtime RuntimeClient
		// Model is the Bedrock model identifier. Required.
		Model string
		// MaxTokens caps the digest. Default 1024.
		MaxTokens int32
		// Temperature is optional; zero means the provider default.
		Temperature float32
	}

	// Enricher digests trigger context with a Bedrock-hosted model.
	Enricher struct {
		runtime RuntimeClient
		model   string
		maxTok  int32
		temp    float32
	}
)

var _ automation.Enricher = (*Enricher)(nil)

const defaultMaxTokens = 1024

// New validates options and builds an Enricher.
func New(opts Options) (*Enricher, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Enricher{
		runtime: opts.Runtime,
		model:   opts.Model,
		maxTok:  maxTok,
		temp:    opts.Temperature,
	}, nil
}

// NewFromConfig builds an Enricher on the ambient AWS credential chain.
func NewFromConfig(ctx context.Context, model string) (*Enricher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return New(Options{Runtime: bedrockruntime.NewFromConfig(cfg), Model: model})
}

// Enrich issues one Converse call and shapes the text reply into a digest.
func (e *Enricher) Enrich(ctx context.Context, req automation.EnrichRequest) (automation.Enrichment, error) {
	system, user := enrich.Prompt(req)
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(e.model),
		System:  []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: system}},
		Messages: []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: user}},
		}},
		InferenceConfig: &brtypes.InferenceConfiguration{MaxTokens: aws.Int32(e.maxTok)},
	}
	if e.temp > 0 {
		input.InferenceConfig.Temperature = aws.Float32(e.temp)
	}
	out, err := e.runtime.Converse(ctx, input)
	if err != nil {
		if throttled(err) {
			return automation.Enrichment{}, fmt.Errorf("bedrock converse throttled: %w", err)
		}
		return automation.Enrichment{}, fmt.Errorf("bedrock converse: %w", err)
	}
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return automation.Enrichment{}, nil
	}
	var reply strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
			reply.WriteString(text.Value)
		}
	}
	return enrich.Digest(reply.String(), e.model), nil
}

// throttled reports whether the call was rejected for rate rather than
// content. Both the provider error code and a raw 429 count; the queue retry
// is the right response either way, but the wrapped message should say so.
func throttled(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429
}
