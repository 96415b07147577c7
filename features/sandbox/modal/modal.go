// Package modal drives the Modal sandbox service over its HTTP surface.
//
// Snapshot builds clone repositories inside a fresh sandbox, which can run
// for minutes, so BuildSnapshot is a single call with a long deadline and
// no retry; a duplicate build would only waste sandbox time. WriteEnvFile
// replaces the whole env file and retries transient failures.
package modal

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
	// Options configure the Modal sandbox client.
	Options struct {
		// BaseURL is the sandbox service endpoint. Required.
		BaseURL string
		// Token authenticates service calls. Required.
		Token string
		// HTTPClient overrides the default client. The default carries the
		// build deadline, not the usual request timeout.
		HTTPClient *http.Client
		// MaxRetries bounds retries for idempotent calls. Defaults to 3.
		MaxRetries uint64
		// RetryBase is the initial backoff delay. Defaults to 500ms.
		RetryBase time.Duration
		// Logger records retries. Defaults to noop.
		Logger telemetry.Logger
	}

	// Sandbox calls the Modal sandbox service.
	Sandbox struct {
		baseURL    string
		token      string
		http       *http.Client
		maxRetries uint64
		retryBase  time.Duration
		logger     telemetry.Logger
	}

	buildRequest struct {
		ConfigurationID string     `json:"configuration_id"`
		Repos           []repoSpec `json:"repos"`
	}

	repoSpec struct {
		URL         string `json:"url"`
		Branch      string `json:"branch,omitempty"`
		Path        string `json:"path,omitempty"`
		AccessToken string `json:"access_token,omitempty"`
	}

	buildResponse struct {
		SnapshotID string `json:"snapshot_id"`
	}

	envRequest struct {
		Env map[string]string `json:"env"`
	}
)

const (
	// defaultBuildTimeout bounds one snapshot build end to end.
	defaultBuildTimeout = 15 * time.Minute

	defaultMaxRetries = 3
	defaultRetryBase  = 500 * time.Millisecond
)

var _ snapshot.Provider = (*Sandbox)(nil)

// New validates options and builds the client.
func New(opts Options) (*Sandbox, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("modal base url is required")
	}
	if opts.Token == "" {
		return nil, errors.New("modal token is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultBuildTimeout}
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
	return &Sandbox{
		baseURL:    opts.BaseURL,
		token:      opts.Token,
		http:       httpClient,
		maxRetries: maxRetries,
		retryBase:  retryBase,
		logger:     logger,
	}, nil
}

// BuildSnapshot clones the request's repos in a fresh sandbox and snapshots
// the filesystem. Tokens ride the request body once and are never logged.
func (s *Sandbox) BuildSnapshot(ctx context.Context, req snapshot.BuildRequest) (snapshot.BuildResult, error) {
	if req.ConfigurationID == "" {
		return snapshot.BuildResult{}, errors.New("configuration id is required")
	}
	body := buildRequest{ConfigurationID: req.ConfigurationID, Repos: make([]repoSpec, 0, len(req.Repos))}
	for _, r := range req.Repos {
		body.Repos = append(body.Repos, repoSpec(r))
	}

	resp, err := s.post(ctx, "/v1/snapshots", body)
	if err != nil {
		return snapshot.BuildResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return snapshot.BuildResult{}, fmt.Errorf("build snapshot: status %d: %s", resp.StatusCode, readError(resp.Body))
	}
	var out buildResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return snapshot.BuildResult{}, fmt.Errorf("decode build response: %w", err)
	}
	if out.SnapshotID == "" {
		return snapshot.BuildResult{}, errors.New("build snapshot: response carries no snapshot id")
	}
	return snapshot.BuildResult{SnapshotID: out.SnapshotID}, nil
}

// WriteEnvFile replaces the snapshot's environment file. The write is a
// full replacement, so retries are safe.
func (s *Sandbox) WriteEnvFile(ctx context.Context, snapshotID string, env map[string]string) error {
	if snapshotID == "" {
		return errors.New("snapshot id is required")
	}
	path := "/v1/snapshots/" + url.PathEscape(snapshotID) + "/env"
	backoff := retry.WithMaxRetries(s.maxRetries, retry.NewExponential(s.retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := s.post(ctx, path, envRequest{Env: env})
		if err != nil {
			s.logger.Warn(ctx, "env file write retry", "snapshot_id", snapshotID, "error", err.Error())
			return retry.RetryableError(err)
		}
		defer func() { _ = resp.Body.Close() }()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			s.logger.Warn(ctx, "env file write retry", "snapshot_id", snapshotID, "status", resp.StatusCode)
			return retry.RetryableError(fmt.Errorf("write env file: status %d", resp.StatusCode))
		default:
			return fmt.Errorf("write env file: status %d: %s", resp.StatusCode, readError(resp.Body))
		}
	})
}

func (s *Sandbox) post(ctx context.Context, path string, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call sandbox service: %w", err)
	}
	return resp, nil
}

// readError pulls a short error body for diagnostics.
func readError(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(data) == 0 {
		return "no body"
	}
	return string(data)
}
