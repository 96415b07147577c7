package nango

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/proliferate-ai/proliferate/runtime/snapshot"
	"github.com/proliferate-ai/proliferate/runtime/telemetry"
)

type (
	// ClientOptions configures the Nango API client.
	ClientOptions struct {
		// BaseURL is the Nango API base. Defaults to the hosted API.
		BaseURL string
		// SecretKey authenticates API calls. Required.
		SecretKey string
		// ReposIntegrationKey is the provider config key whose connections
		// hold source-control credentials for snapshot builds. Defaults to
		// "github-app".
		ReposIntegrationKey string
		// HTTPClient overrides the default client (30s timeout).
		HTTPClient *http.Client
		// MaxRetries bounds retries for read calls. Defaults to 3.
		MaxRetries uint64
		// RetryBase is the initial backoff delay. Defaults to 200ms.
		RetryBase time.Duration
		// Logger records retries. Defaults to noop.
		Logger telemetry.Logger
	}

	// Client talks to the Nango API. It implements snapshot.TokenSource
	// for repo clone credentials.
	Client struct {
		baseURL    string
		secret     string
		reposKey   string
		http       *http.Client
		maxRetries uint64
		retryBase  time.Duration
		logger     telemetry.Logger
	}

	// Connection is a Nango connection with its current credentials.
	Connection struct {
		ConnectionID      string      `json:"connection_id"`
		ProviderConfigKey string      `json:"provider_config_key"`
		Credentials       Credentials `json:"credentials"`
	}

	// Credentials are the brokered secrets for one connection.
	Credentials struct {
		Type        string     `json:"type"`
		AccessToken string     `json:"access_token"`
		ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	}

	// ProxyRequest describes one call through the Nango proxy, which signs
	// the request with the connection's credentials.
	ProxyRequest struct {
		// Method is the HTTP method. Defaults to GET.
		Method string
		// Endpoint is the path under the proxied API, no leading slash.
		Endpoint string
		// ConnectionID selects the connection whose credentials sign the
		// call. Required.
		ConnectionID string
		// ProviderConfigKey names the Nango integration. Required.
		ProviderConfigKey string
		// Query is appended to the proxied URL.
		Query url.Values
		// Body is the JSON request body for write calls.
		Body []byte
	}
)

const (
	defaultBaseURL         = "https://api.nango.dev"
	defaultReposKey        = "github-app"
	defaultClientTimeout   = 30 * time.Second
	defaultClientRetries   = 3
	defaultClientRetryBase = 200 * time.Millisecond

	// maxProxyResponseBytes caps proxied response bodies. Polling reads
	// metadata, never attachments.
	maxProxyResponseBytes = 4 << 20
)

// ErrConnectionNotFound indicates Nango knows no such connection.
var ErrConnectionNotFound = errors.New("nango connection not found")

var _ snapshot.TokenSource = (*Client)(nil)

// NewClient returns a Nango API client.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.SecretKey == "" {
		return nil, errors.New("nango secret key is required")
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	reposKey := opts.ReposIntegrationKey
	if reposKey == "" {
		reposKey = defaultReposKey
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultClientTimeout}
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultClientRetries
	}
	retryBase := opts.RetryBase
	if retryBase <= 0 {
		retryBase = defaultClientRetryBase
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Client{
		baseURL:    baseURL,
		secret:     opts.SecretKey,
		reposKey:   reposKey,
		http:       httpClient,
		maxRetries: maxRetries,
		retryBase:  retryBase,
		logger:     logger,
	}, nil
}

// GetConnection loads a connection and its current credentials. Nango
// refreshes OAuth tokens server-side, so the returned access token is
// usable as-is.
func (c *Client) GetConnection(ctx context.Context, providerConfigKey, connectionID string) (Connection, error) {
	if providerConfigKey == "" || connectionID == "" {
		return Connection{}, errors.New("provider config key and connection id are required")
	}
	endpoint := c.baseURL + "/connection/" + url.PathEscape(connectionID) +
		"?provider_config_key=" + url.QueryEscape(providerConfigKey)

	var conn Connection
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("build connection request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.secret)
		resp, err := c.http.Do(req)
		if err != nil {
			c.logger.Warn(ctx, "nango connection retry", "error", err.Error())
			return retry.RetryableError(fmt.Errorf("get connection: %w", err))
		}
		defer func() { _ = resp.Body.Close() }()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return decodeJSON(resp.Body, &conn)
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s/%s", ErrConnectionNotFound, providerConfigKey, connectionID)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			c.logger.Warn(ctx, "nango connection retry", "status", resp.StatusCode)
			return retry.RetryableError(fmt.Errorf("get connection: status %d", resp.StatusCode))
		default:
			return fmt.Errorf("get connection: status %d", resp.StatusCode)
		}
	})
	if err != nil {
		return Connection{}, err
	}
	return conn, nil
}

// AccessToken implements snapshot.TokenSource: the integration id is the
// connection id under the configured source-control integration.
func (c *Client) AccessToken(ctx context.Context, integrationID string) (string, error) {
	conn, err := c.GetConnection(ctx, c.reposKey, integrationID)
	if err != nil {
		return "", err
	}
	if conn.Credentials.AccessToken == "" {
		return "", fmt.Errorf("connection %s has no access token", integrationID)
	}
	return conn.Credentials.AccessToken, nil
}

// Proxy calls the proxied API with the connection's credentials and returns
// the raw response body. Only GET calls retry transient failures.
func (c *Client) Proxy(ctx context.Context, preq ProxyRequest) ([]byte, error) {
	if preq.ConnectionID == "" || preq.ProviderConfigKey == "" {
		return nil, errors.New("proxy connection id and provider config key are required")
	}
	if preq.Endpoint == "" {
		return nil, errors.New("proxy endpoint is required")
	}
	method := preq.Method
	if method == "" {
		method = http.MethodGet
	}
	endpoint := c.baseURL + "/proxy/" + preq.Endpoint
	if len(preq.Query) > 0 {
		endpoint += "?" + preq.Query.Encode()
	}

	call := func(ctx context.Context) ([]byte, int, error) {
		var body io.Reader
		if len(preq.Body) > 0 {
			body = bytes.NewReader(preq.Body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return nil, 0, fmt.Errorf("build proxy request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.secret)
		req.Header.Set("Connection-Id", preq.ConnectionID)
		req.Header.Set("Provider-Config-Key", preq.ProviderConfigKey)
		if len(preq.Body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, 0, err
		}
		defer func() { _ = resp.Body.Close() }()
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxProxyResponseBytes))
		if err != nil {
			return nil, resp.StatusCode, fmt.Errorf("read proxy response: %w", err)
		}
		return respBody, resp.StatusCode, nil
	}

	if method != http.MethodGet {
		body, status, err := call(ctx)
		if err != nil {
			return nil, err
		}
		if status < 200 || status >= 300 {
			return nil, fmt.Errorf("proxy %s %s: status %d", method, preq.Endpoint, status)
		}
		return body, nil
	}

	var body []byte
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		b, status, err := call(ctx)
		if err != nil {
			c.logger.Warn(ctx, "nango proxy retry", "endpoint", preq.Endpoint, "error", err.Error())
			return retry.RetryableError(fmt.Errorf("proxy %s: %w", preq.Endpoint, err))
		}
		switch {
		case status >= 200 && status < 300:
			body = b
			return nil
		case status == http.StatusTooManyRequests || status >= 500:
			c.logger.Warn(ctx, "nango proxy retry", "endpoint", preq.Endpoint, "status", status)
			return retry.RetryableError(fmt.Errorf("proxy %s: status %d", preq.Endpoint, status))
		default:
			return fmt.Errorf("proxy %s: status %d", preq.Endpoint, status)
		}
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) backoff() retry.Backoff {
	return retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.retryBase))
}

func decodeJSON(r io.Reader, out any) error {
	data, err := io.ReadAll(io.LimitReader(r, maxProxyResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
