// Package client implements the platform RPC surface the runtime depends
// on: the session gateway (sandbox lifecycle) and bearer-token
// introspection. All calls authenticate with the shared service token.
//
// Idempotent calls (interrupt, terminate, introspection) retry transient
// failures with exponential backoff. Session creation and prompt delivery
// are single-shot: both mutate conversation state, so redelivery belongs to
// the job queue, which owns the attempt budget.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/proliferate-ai/proliferate/runtime/auth"
	"github.com/proliferate-ai/proliferate/runtime/session"
	"github.com/proliferate-ai/proliferate/runtime/telemetry"
)

type (
	// Options configures the platform client.
	Options struct {
		// BaseURL is the platform API base URL. Required.
		BaseURL string
		// ServiceToken authenticates runtime calls. Required.
		ServiceToken string
		// HTTPClient overrides the default client (30s timeout).
		HTTPClient *http.Client
		// MaxRetries bounds retries for idempotent calls. Defaults to 3.
		MaxRetries uint64
		// RetryBase is the initial backoff delay. Defaults to 200ms.
		RetryBase time.Duration
		// Logger records retries. Defaults to noop.
		Logger telemetry.Logger
	}

	// Client talks to the platform API. It implements session.Gateway and
	// auth.Verifier.
	Client struct {
		baseURL    string
		token      string
		http       *http.Client
		maxRetries uint64
		retryBase  time.Duration
		logger     telemetry.Logger
	}

	createSessionRequest struct {
		OrgID           string          `json:"org_id"`
		UserID          string          `json:"user_id,omitempty"`
		ClientType      string          `json:"client_type"`
		ClientMetadata  json.RawMessage `json:"client_metadata,omitempty"`
		ConfigurationID string          `json:"configuration_id,omitempty"`
		Prompt          string          `json:"prompt"`
		RunID           string          `json:"run_id,omitempty"`
	}

	createSessionResponse struct {
		SessionID string `json:"session_id"`
		SandboxID string `json:"sandbox_id"`
	}

	promptRequest struct {
		Prompt string `json:"prompt"`
	}

	signalRequest struct {
		Reason string `json:"reason,omitempty"`
	}

	introspectRequest struct {
		Token string `json:"token"`
	}

	introspectResponse struct {
		Active  bool   `json:"active"`
		UserID  string `json:"user_id"`
		OrgID   string `json:"org_id"`
		Role    string `json:"role"`
		Service bool   `json:"service"`
	}
)

const (
	defaultHTTPTimeout = 30 * time.Second
	defaultMaxRetries  = 3
	defaultRetryBase   = 200 * time.Millisecond
)

var (
	_ session.Gateway = (*Client)(nil)
	_ auth.Verifier   = (*Client)(nil)
)

// New returns a platform client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("gateway base url is required")
	}
	if opts.ServiceToken == "" {
		return nil, errors.New("service token is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	retryBase := opts.RetryBase
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Client{
		baseURL:    opts.BaseURL,
		token:      opts.ServiceToken,
		http:       httpClient,
		maxRetries: maxRetries,
		retryBase:  retryBase,
		logger:     logger,
	}, nil
}

// CreateSession starts a session and its sandbox. Single attempt: the
// launcher's queue job is the retry unit, and the gateway dedups restarts
// by run id.
func (c *Client) CreateSession(ctx context.Context, req session.CreateRequest) (session.CreateResult, error) {
	in := createSessionRequest{
		OrgID:           req.OrgID,
		UserID:          req.UserID,
		ClientType:      string(req.ClientType),
		ClientMetadata:  req.ClientMetadata,
		ConfigurationID: req.ConfigurationID,
		Prompt:          req.Prompt,
		RunID:           req.RunID,
	}
	var out createSessionResponse
	status, err := c.post(ctx, "/internal/sessions", in, &out)
	if err != nil {
		return session.CreateResult{}, fmt.Errorf("%w: %v", session.ErrGatewayUnavailable, err)
	}
	switch {
	case status >= 200 && status < 300:
		if out.SessionID == "" {
			return session.CreateResult{}, fmt.Errorf("%w: gateway returned no session id", session.ErrGatewayUnavailable)
		}
		return session.CreateResult{SessionID: out.SessionID, SandboxID: out.SandboxID}, nil
	case status == http.StatusTooManyRequests || status >= 500:
		return session.CreateResult{}, fmt.Errorf("%w: status %d", session.ErrGatewayUnavailable, status)
	default:
		return session.CreateResult{}, fmt.Errorf("create session: gateway status %d", status)
	}
}

// SendPrompt delivers a follow-up instruction to a live session. Single
// attempt: a duplicate prompt is worse than a lost one, and the caller
// observes the failure.
func (c *Client) SendPrompt(ctx context.Context, sessionID, prompt string) error {
	status, err := c.post(ctx, c.sessionPath(sessionID, "prompt"), promptRequest{Prompt: prompt}, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrGatewayUnavailable, err)
	}
	return c.mapSessionStatus("send prompt", status)
}

// Interrupt asks the agent to stop its current activity. Idempotent,
// retried on transient failures.
func (c *Client) Interrupt(ctx context.Context, sessionID, reason string) error {
	return c.signal(ctx, sessionID, "interrupt", reason)
}

// Terminate force-stops a session and releases its sandbox. Idempotent,
// retried on transient failures.
func (c *Client) Terminate(ctx context.Context, sessionID, reason string) error {
	return c.signal(ctx, sessionID, "terminate", reason)
}

// Verify resolves a bearer token via the platform introspection endpoint.
func (c *Client) Verify(ctx context.Context, token string) (auth.Identity, error) {
	if token == "" {
		return auth.Identity{}, auth.ErrUnauthenticated
	}
	var out introspectResponse
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		status, err := c.post(ctx, "/internal/auth/introspect", introspectRequest{Token: token}, &out)
		if err != nil {
			c.logger.Warn(ctx, "token introspection retry", "error", err.Error())
			return retry.RetryableError(fmt.Errorf("introspect token: %w", err))
		}
		switch {
		case status >= 200 && status < 300:
			return nil
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			// The platform rejected our service token, not the subject's.
			return fmt.Errorf("introspect token: service auth rejected with status %d", status)
		case status == http.StatusTooManyRequests || status >= 500:
			c.logger.Warn(ctx, "token introspection retry", "status", status)
			return retry.RetryableError(fmt.Errorf("introspect token: status %d", status))
		default:
			return fmt.Errorf("introspect token: status %d", status)
		}
	})
	if err != nil {
		return auth.Identity{}, err
	}
	if !out.Active {
		return auth.Identity{}, auth.ErrUnauthenticated
	}
	return auth.Identity{
		UserID:  out.UserID,
		OrgID:   out.OrgID,
		Role:    auth.Role(out.Role),
		Service: out.Service,
	}, nil
}

func (c *Client) signal(ctx context.Context, sessionID, verb, reason string) error {
	path := c.sessionPath(sessionID, verb)
	return retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		status, err := c.post(ctx, path, signalRequest{Reason: reason}, nil)
		if err != nil {
			c.logger.Warn(ctx, "gateway signal retry", "verb", verb, "error", err.Error())
			return retry.RetryableError(fmt.Errorf("%w: %v", session.ErrGatewayUnavailable, err))
		}
		if status == http.StatusTooManyRequests || status >= 500 {
			c.logger.Warn(ctx, "gateway signal retry", "verb", verb, "status", status)
			return retry.RetryableError(fmt.Errorf("%w: status %d", session.ErrGatewayUnavailable, status))
		}
		return c.mapSessionStatus(verb, status)
	})
}

func (c *Client) mapSessionStatus(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return session.ErrSessionGone
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: status %d", session.ErrGatewayUnavailable, status)
	default:
		return fmt.Errorf("%s: gateway status %d", op, status)
	}
}

// post sends one JSON request and decodes a 2xx response body into out when
// out is non-nil. Transport failures are returned as errors; HTTP error
// statuses are returned for the caller to map.
func (c *Client) post(ctx context.Context, path string, in, out any) (int, error) {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &body)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) sessionPath(sessionID, verb string) string {
	return "/internal/sessions/" + url.PathEscape(sessionID) + "/" + verb
}

func (c *Client) backoff() retry.Backoff {
	return retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.retryBase))
}
