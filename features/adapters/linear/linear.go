// Package linear executes approved Linear actions through the Nango proxy,
// which signs GraphQL calls with the workspace connection's credentials.
//
// The connection is resolved per invocation: args may carry connection_id
// (placed there from the run context), falling back to the adapter's
// configured default for single-workspace deployments.
package linear

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/proliferate-ai/proliferate/providers/nango"
	"github.com/proliferate-ai/proliferate/runtime/action"
)

// AdapterID is the registry key for Linear actions.
const AdapterID = "linear"

// Action names this adapter executes.
const (
	ActionCreateIssue = "create-issue"
	ActionAddComment  = "add-comment"
	ActionGetIssue    = "get-issue"
)

// integrationKey is the Nango integration holding Linear connections.
const integrationKey = "linear"

type (
	// ProxyClient is the slice of the Nango API client the adapter needs.
	ProxyClient interface {
		Proxy(ctx context.Context, req nango.ProxyRequest) ([]byte, error)
	}

	// Options configure the adapter.
	Options struct {
		// Client calls the Linear API through Nango. Required.
		Client ProxyClient
		// DefaultConnectionID serves invocations whose args carry no
		// connection_id.
		DefaultConnectionID string
	}

	// Adapter implements action.Adapter for Linear.
	Adapter struct {
		client     ProxyClient
		defaultCon string
	}

	graphqlRequest struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables,omitempty"`
	}

	graphqlResponse struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}

	connectionArg struct {
		ConnectionID string `json:"connection_id"`
	}

	createIssueArgs struct {
		TeamID      string `json:"team_id"`
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
	}

	addCommentArgs struct {
		IssueID string `json:"issue_id"`
		Body    string `json:"body"`
	}

	getIssueArgs struct {
		IssueID string `json:"issue_id"`
	}
)

var _ action.Adapter = (*Adapter)(nil)

// New validates options and builds the adapter.
func New(opts Options) (*Adapter, error) {
	if opts.Client == nil {
		return nil, errors.New("nango proxy client is required")
	}
	return &Adapter{client: opts.Client, defaultCon: opts.DefaultConnectionID}, nil
}

// ID implements action.Adapter.
func (a *Adapter) ID() string { return AdapterID }

// Risk classifies actions by name, defaulting unknown names to danger.
func (a *Adapter) Risk(name string) action.RiskLevel {
	switch name {
	case ActionGetIssue:
		return action.RiskRead
	case ActionCreateIssue, ActionAddComment:
		return action.RiskWrite
	default:
		return action.RiskDanger
	}
}

// Execute runs one approved invocation.
func (a *Adapter) Execute(ctx context.Context, inv action.Invocation) (json.RawMessage, error) {
	conn, err := a.connection(inv.Args)
	if err != nil {
		return nil, err
	}
	switch inv.Name {
	case ActionCreateIssue:
		return a.createIssue(ctx, conn, inv.Args)
	case ActionAddComment:
		return a.addComment(ctx, conn, inv.Args)
	case ActionGetIssue:
		return a.getIssue(ctx, conn, inv.Args)
	default:
		return nil, fmt.Errorf("unknown linear action %q", inv.Name)
	}
}

func (a *Adapter) connection(raw json.RawMessage) (string, error) {
	var arg connectionArg
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &arg)
	}
	if arg.ConnectionID != "" {
		return arg.ConnectionID, nil
	}
	if a.defaultCon != "" {
		return a.defaultCon, nil
	}
	return "", errors.New("no linear connection: args carry no connection_id and no default is configured")
}

func (a *Adapter) createIssue(ctx context.Context, conn string, raw json.RawMessage) (json.RawMessage, error) {
	var args createIssueArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode create-issue args: %w", err)
	}
	if args.TeamID == "" || args.Title == "" {
		return nil, errors.New("create-issue requires team_id and title")
	}
	input := map[string]any{"teamId": args.TeamID, "title": args.Title}
	if args.Description != "" {
		input["description"] = args.Description
	}
	return a.graphql(ctx, conn, graphqlRequest{
		Query: `mutation IssueCreate($input: IssueCreateInput!) {
			issueCreate(input: $input) { success issue { id identifier title url } }
		}`,
		Variables: map[string]any{"input": input},
	})
}

func (a *Adapter) addComment(ctx context.Context, conn string, raw json.RawMessage) (json.RawMessage, error) {
	var args addCommentArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode add-comment args: %w", err)
	}
	if args.IssueID == "" || args.Body == "" {
		return nil, errors.New("add-comment requires issue_id and body")
	}
	return a.graphql(ctx, conn, graphqlRequest{
		Query: `mutation CommentCreate($input: CommentCreateInput!) {
			commentCreate(input: $input) { success comment { id url } }
		}`,
		Variables: map[string]any{"input": map[string]any{"issueId": args.IssueID, "body": args.Body}},
	})
}

func (a *Adapter) getIssue(ctx context.Context, conn string, raw json.RawMessage) (json.RawMessage, error) {
	var args getIssueArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode get-issue args: %w", err)
	}
	if args.IssueID == "" {
		return nil, errors.New("get-issue requires issue_id")
	}
	return a.graphql(ctx, conn, graphqlRequest{
		Query: `query Issue($id: String!) {
			issue(id: $id) { id identifier title description url state { name } assignee { name } }
		}`,
		Variables: map[string]any{"id": args.IssueID},
	})
}

// graphql posts one GraphQL call and unwraps the response envelope.
// Linear reports field errors with HTTP 200, so the errors array decides.
func (a *Adapter) graphql(ctx context.Context, conn string, req graphqlRequest) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode graphql request: %w", err)
	}
	raw, err := a.client.Proxy(ctx, nango.ProxyRequest{
		Method:            http.MethodPost,
		Endpoint:          "graphql",
		ConnectionID:      conn,
		ProviderConfigKey: integrationKey,
		Body:              body,
	})
	if err != nil {
		return nil, err
	}
	var resp graphqlResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode graphql response: %w", err)
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("linear api: %s", strings.Join(msgs, "; "))
	}
	return resp.Data, nil
}
