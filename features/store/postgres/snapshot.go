package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/proliferate-ai/proliferate/runtime/snapshot"
)

// SnapshotStore persists workspace configurations and their snapshot build
// state.
type SnapshotStore struct {
	db *DB
}

const (
	configurationColumns = `id, org_id, name, env_vars, snapshot_id, snapshot_status, snapshot_built_at, snapshot_error, created_at, updated_at`
	repoColumns          = `id, configuration_id, url, branch, path, integration_id`
)

var _ snapshot.Store = (*SnapshotStore)(nil)

// GetConfiguration loads a configuration. Returns ErrNotFound when missing.
func (s *SnapshotStore) GetConfiguration(ctx context.Context, id string) (snapshot.Configuration, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	cfg, err := scanConfiguration(s.db.pool.QueryRow(ctx, `
		SELECT `+configurationColumns+` FROM configurations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return snapshot.Configuration{}, snapshot.ErrNotFound
		}
		return snapshot.Configuration{}, fmt.Errorf("get configuration: %w", err)
	}
	return cfg, nil
}

// ReposFor lists the configuration's repositories.
func (s *SnapshotStore) ReposFor(ctx context.Context, configurationID string) ([]snapshot.Repo, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.pool.Query(ctx, `
		SELECT `+repoColumns+`
		FROM configuration_repos
		WHERE configuration_id = $1
		ORDER BY id`,
		configurationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list configuration repos: %w", err)
	}
	defer rows.Close()
	var out []snapshot.Repo
	for rows.Next() {
		var r snapshot.Repo
		if err := rows.Scan(&r.ID, &r.ConfigurationID, &r.URL, &r.Branch, &r.Path, &r.IntegrationID); err != nil {
			return nil, fmt.Errorf("list configuration repos: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list configuration repos: %w", err)
	}
	return out, nil
}

// ClaimBuild marks the configuration building for this worker. The guarded
// update admits exactly one concurrent claimer; a building claim older than
// staleAfter may be re-claimed so crashed builders do not wedge the
// configuration.
func (s *SnapshotStore) ClaimBuild(ctx context.Context, configurationID, workerID string, staleAfter time.Duration, now time.Time) (bool, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE configurations
		SET snapshot_status = $5, claimed_by = $2, claimed_at = $4, updated_at = $4
		WHERE id = $1
		  AND (snapshot_status <> $5 OR claimed_at IS NULL OR claimed_at < $3)`,
		configurationID, workerID, now.Add(-staleAfter).UTC(), now.UTC(),
		string(snapshot.BuildInProgress),
	)
	if err != nil {
		return false, fmt.Errorf("claim snapshot build: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteBuild records a successful build and releases the claim.
func (s *SnapshotStore) CompleteBuild(ctx context.Context, configurationID, snapshotID string, now time.Time) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE configurations
		SET snapshot_id = $2, snapshot_status = $3, snapshot_built_at = $4,
		    snapshot_error = '', claimed_by = '', claimed_at = NULL, updated_at = $4
		WHERE id = $1`,
		configurationID, snapshotID, string(snapshot.BuildReady), now.UTC(),
	)
	if err != nil {
		return fmt.Errorf("complete snapshot build: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return snapshot.ErrNotFound
	}
	return nil
}

// FailBuild records a failed build and releases the claim.
func (s *SnapshotStore) FailBuild(ctx context.Context, configurationID, cause string, now time.Time) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE configurations
		SET snapshot_status = $2, snapshot_error = $3,
		    claimed_by = '', claimed_at = NULL, updated_at = $4
		WHERE id = $1`,
		configurationID, string(snapshot.BuildFailed), cause, now.UTC(),
	)
	if err != nil {
		return fmt.Errorf("fail snapshot build: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return snapshot.ErrNotFound
	}
	return nil
}

func scanConfiguration(row pgx.Row) (snapshot.Configuration, error) {
	var (
		cfg     snapshot.Configuration
		envVars []byte
	)
	if err := row.Scan(
		&cfg.ID, &cfg.OrgID, &cfg.Name, &envVars, &cfg.SnapshotID, &cfg.SnapshotStatus,
		&cfg.SnapshotBuiltAt, &cfg.SnapshotError, &cfg.CreatedAt, &cfg.UpdatedAt,
	); err != nil {
		return snapshot.Configuration{}, err
	}
	if len(envVars) > 0 {
		if err := json.Unmarshal(envVars, &cfg.EnvVars); err != nil {
			return snapshot.Configuration{}, fmt.Errorf("decode configuration env vars: %w", err)
		}
	}
	return cfg, nil
}
