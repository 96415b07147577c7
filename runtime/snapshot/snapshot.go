// Package snapshot builds reusable filesystem snapshots for workspace
// configurations.
//
// A configuration lists repositories and environment for an org's sessions.
// Building its snapshot (cloning repos, writing env) is slow, so sessions
// start from a prebuilt snapshot instead. Builds are idempotent: a fresh
// snapshot short-circuits, and concurrent builders collapse onto one winner
// through a store claim.
package snapshot

import (
	"context"
	"errors"
	"time"
)

type (
	// Configuration is an org workspace definition.
	Configuration struct {
		// ID is the durable identifier of the configuration.
		ID string
		// OrgID is the owning organization.
		OrgID string
		// Name is the human-readable configuration name.
		Name string
		// EnvVars is the environment written into the snapshot.
		EnvVars map[string]string
		// SnapshotID is the provider's snapshot handle once built.
		SnapshotID string
		// SnapshotStatus tracks the build lifecycle.
		SnapshotStatus BuildStatus
		// SnapshotBuiltAt records the last successful build.
		SnapshotBuiltAt *time.Time
		// SnapshotError records the last build failure.
		SnapshotError string
		// CreatedAt records when the configuration was created.
		CreatedAt time.Time
		// UpdatedAt records the last modification.
		UpdatedAt time.Time
	}

	// Repo is one repository in a configuration.
	Repo struct {
		// ID is the durable identifier of the entry.
		ID string
		// ConfigurationID is the owning configuration.
		ConfigurationID string
		// URL is the clone URL without credentials.
		URL string
		// Branch is the branch to clone. Empty means the default branch.
		Branch string
		// Path is the checkout path inside the workspace.
		Path string
		// IntegrationID names the connection whose credentials authorize
		// the clone.
		IntegrationID string
	}

	// BuildStatus tracks the snapshot build lifecycle.
	BuildStatus string

	// Store persists configurations and their repos.
	Store interface {
		// GetConfiguration loads a configuration. Returns ErrNotFound
		// when missing.
		GetConfiguration(ctx context.Context, id string) (Configuration, error)
		// ReposFor lists the configuration's repositories.
		ReposFor(ctx context.Context, configurationID string) ([]Repo, error)
		// ClaimBuild marks the configuration building for this worker.
		//
		// Contract:
		// - Atomic: exactly one concurrent claimer wins. Losers get false
		//   and must walk away.
		// - A building claim older than staleAfter may be re-claimed so
		//   crashed builders do not wedge the configuration.
		ClaimBuild(ctx context.Context, configurationID, workerID string, staleAfter time.Duration, now time.Time) (bool, error)
		// CompleteBuild records a successful build.
		CompleteBuild(ctx context.Context, configurationID, snapshotID string, now time.Time) error
		// FailBuild records a failed build.
		FailBuild(ctx context.Context, configurationID, cause string, now time.Time) error
	}

	// BuildRequest asks the sandbox provider for a snapshot.
	BuildRequest struct {
		// ConfigurationID is the configuration being built.
		ConfigurationID string
		// Repos are the repositories to clone, tokens resolved.
		Repos []RepoSpec
	}

	// RepoSpec is one repository with its resolved access token.
	RepoSpec struct {
		// URL is the clone URL without credentials.
		URL string
		// Branch is the branch to clone.
		Branch string
		// Path is the checkout path inside the workspace.
		Path string
		// AccessToken authorizes the clone. Never persisted.
		AccessToken string
	}

	// BuildResult is the provider's answer to a build request.
	BuildResult struct {
		// SnapshotID is the provider's handle for the built snapshot.
		SnapshotID string
	}

	// Provider builds snapshots in the sandbox infrastructure.
	Provider interface {
		// BuildSnapshot clones the repos into a fresh filesystem and
		// snapshots it.
		BuildSnapshot(ctx context.Context, req BuildRequest) (BuildResult, error)
		// WriteEnvFile writes the environment file into a snapshot.
		WriteEnvFile(ctx context.Context, snapshotID string, env map[string]string) error
	}

	// TokenSource resolves connection credentials for repo clones.
	TokenSource interface {
		// AccessToken returns a short-lived token for the integration.
		AccessToken(ctx context.Context, integrationID string) (string, error)
	}
)

const (
	// BuildNone means no snapshot was ever built.
	BuildNone BuildStatus = "none"
	// BuildInProgress means a worker holds the build claim.
	BuildInProgress BuildStatus = "building"
	// BuildReady means a snapshot exists and is usable.
	BuildReady BuildStatus = "ready"
	// BuildFailed means the last build failed.
	BuildFailed BuildStatus = "failed"
)

var (
	// ErrNotFound indicates the configuration does not exist.
	ErrNotFound = errors.New("configuration not found")
	// ErrBuildFailed wraps provider failures during a build.
	ErrBuildFailed = errors.New("snapshot build failed")
)
