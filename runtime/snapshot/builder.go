package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/proliferate-ai/proliferate/runtime/telemetry"
)

type (
	// Builder runs snapshot builds end to end.
	Builder struct {
		store    Store
		provider Provider
		tokens   TokenSource
		log      telemetry.Logger
		workerID string
		maxAge   time.Duration
		stale    time.Duration
		now      func() time.Time
	}

	// BuilderOptions configure a Builder.
	BuilderOptions struct {
		// Store persists configurations. Required.
		Store Store
		// Provider builds snapshots. Required.
		Provider Provider
		// Tokens resolves repo access tokens. Required.
		Tokens TokenSource
		// WorkerID identifies this builder in claims. Required.
		WorkerID string
		// Logger is optional; defaults to noop.
		Logger telemetry.Logger
		// MaxAge is how long a ready snapshot short-circuits rebuilds.
		// Default 24h.
		MaxAge time.Duration
		// StaleClaimAfter is when an in-progress claim may be stolen.
		// Default 30m.
		StaleClaimAfter time.Duration
		// Clock overrides time.Now in tests.
		Clock func() time.Time
	}
)

const (
	defaultSnapshotMaxAge  = 24 * time.Hour
	defaultStaleClaimAfter = 30 * time.Minute
)

// NewBuilder validates options and builds a Builder.
func NewBuilder(opts BuilderOptions) (*Builder, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("sandbox provider is required")
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if opts.WorkerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = defaultSnapshotMaxAge
	}
	stale := opts.StaleClaimAfter
	if stale <= 0 {
		stale = defaultStaleClaimAfter
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Builder{
		store:    opts.Store,
		provider: opts.Provider,
		tokens:   opts.Tokens,
		log:      logger,
		workerID: opts.WorkerID,
		maxAge:   maxAge,
		stale:    stale,
		now:      now,
	}, nil
}

// Build ensures the configuration has a fresh snapshot.
//
// Contract:
// - Idempotent: a ready snapshot younger than MaxAge returns immediately.
// - Single-flight: losing the build claim returns nil; the winner's result
//   stands for everyone.
// - Failures are recorded on the configuration and returned wrapped in
//   ErrBuildFailed so the queue can retry with its own bounds.
func (b *Builder) Build(ctx context.Context, configurationID string) error {
	cfg, err := b.store.GetConfiguration(ctx, configurationID)
	if err != nil {
		return fmt.Errorf("load configuration %s: %w", configurationID, err)
	}
	now := b.now()
	if cfg.SnapshotStatus == BuildReady && cfg.SnapshotBuiltAt != nil && now.Sub(*cfg.SnapshotBuiltAt) < b.maxAge {
		b.log.Debug(ctx, "snapshot still fresh, skipping build",
			"configuration_id", cfg.ID, "snapshot_id", cfg.SnapshotID)
		return nil
	}

	claimed, err := b.store.ClaimBuild(ctx, cfg.ID, b.workerID, b.stale, now)
	if err != nil {
		return fmt.Errorf("claim build for %s: %w", cfg.ID, err)
	}
	if !claimed {
		b.log.Debug(ctx, "another worker holds the build claim", "configuration_id", cfg.ID)
		return nil
	}

	snapshotID, err := b.build(ctx, cfg)
	if err != nil {
		if ferr := b.store.FailBuild(ctx, cfg.ID, err.Error(), b.now()); ferr != nil {
			b.log.Error(ctx, "recording snapshot failure failed",
				"configuration_id", cfg.ID, "err", ferr.Error())
		}
		return fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}

	if err := b.store.CompleteBuild(ctx, cfg.ID, snapshotID, b.now()); err != nil {
		return fmt.Errorf("record snapshot %s for %s: %w", snapshotID, cfg.ID, err)
	}
	b.log.Info(ctx, "snapshot built",
		"configuration_id", cfg.ID, "snapshot_id", snapshotID)
	return nil
}

func (b *Builder) build(ctx context.Context, cfg Configuration) (string, error) {
	repos, err := b.store.ReposFor(ctx, cfg.ID)
	if err != nil {
		return "", fmt.Errorf("list repos: %w", err)
	}

	specs := make([]RepoSpec, 0, len(repos))
	for _, r := range repos {
		spec := RepoSpec{URL: r.URL, Branch: r.Branch, Path: r.Path}
		if r.IntegrationID != "" {
			token, err := b.tokens.AccessToken(ctx, r.IntegrationID)
			if err != nil {
				return "", fmt.Errorf("resolve token for %s: %w", r.URL, err)
			}
			spec.AccessToken = token
		}
		specs = append(specs, spec)
	}

	res, err := b.provider.BuildSnapshot(ctx, BuildRequest{
		ConfigurationID: cfg.ID,
		Repos:           specs,
	})
	if err != nil {
		return "", fmt.Errorf("provider build: %w", err)
	}
	if len(cfg.EnvVars) > 0 {
		if err := b.provider.WriteEnvFile(ctx, res.SnapshotID, cfg.EnvVars); err != nil {
			return "", fmt.Errorf("write env file: %w", err)
		}
	}
	return res.SnapshotID, nil
}
