package anthropic

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/proliferate-ai/proliferate/runtime/automation"
)

type stubMessages struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{Model: "claude-sonnet-4-20250514"})
	require.ErrorContains(t, err, "api key")
	_, err = New(Options{Messages: &stubMessages{}})
	require.ErrorContains(t, err, "model")
}

func TestEnrich(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: `{"summary":"a customer bug"}`},
		},
	}}
	e, err := New(Options{Messages: stub, Model: "claude-sonnet-4-20250514"})
	require.NoError(t, err)

	got, err := e.Enrich(context.Background(), automation.EnrichRequest{
		Prompt:  "triage the issue",
		Context: []byte(`{"issue":"PROJ-7"}`),
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"summary":"a customer bug"}`, string(got.Context))
	require.Equal(t, "claude-sonnet-4-20250514", got.Model)

	require.Equal(t, sdk.Model("claude-sonnet-4-20250514"), stub.lastParams.Model)
	require.EqualValues(t, 1024, stub.lastParams.MaxTokens)
	require.Len(t, stub.lastParams.System, 1)
	require.Len(t, stub.lastParams.Messages, 1)
}

func TestEnrichJoinsTextBlocks(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "The build broke "},
			{Type: "text", Text: "after the dependency bump."},
		},
	}}
	e, err := New(Options{Messages: stub, Model: "claude-sonnet-4-20250514"})
	require.NoError(t, err)

	got, err := e.Enrich(context.Background(), automation.EnrichRequest{})
	require.NoError(t, err)
	require.JSONEq(t, `{"summary":"The build broke after the dependency bump."}`, string(got.Context))
}

func TestEnrichSurfacesAPIErrors(t *testing.T) {
	stub := &stubMessages{err: errors.New("overloaded")}
	e, err := New(Options{Messages: stub, Model: "claude-sonnet-4-20250514"})
	require.NoError(t, err)

	_, err = e.Enrich(context.Background(), automation.EnrichRequest{})
	require.ErrorContains(t, err, "anthropic messages.new")
}
