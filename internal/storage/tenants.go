package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/konseki/internal/model"
)

// GetWorkspace retrieves a workspace by id.
func (db *DB) GetWorkspace(ctx context.Context, id uuid.UUID) (model.Workspace, error) {
	var w model.Workspace
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, plan, created_at FROM workspaces WHERE id = $1`, id,
	).Scan(&w.ID, &w.Name, &w.Plan, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Workspace{}, ErrNotFound
		}
		return model.Workspace{}, fmt.Errorf("storage: get workspace: %w", err)
	}
	return w, nil
}

// GetAPIKey retrieves an API key by id. Revoked keys are still returned;
// callers decide whether revocation matters for their path.
func (db *DB) GetAPIKey(ctx context.Context, id uuid.UUID) (model.APIKey, error) {
	var k model.APIKey
	err := db.pool.QueryRow(ctx,
		`SELECT id, workspace_id, name, prefix, key_hash, created_at, last_used_at, revoked_at
		 FROM api_keys WHERE id = $1`, id,
	).Scan(&k.ID, &k.WorkspaceID, &k.Name, &k.Prefix, &k.KeyHash, &k.CreatedAt, &k.LastUsedAt, &k.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.APIKey{}, ErrNotFound
		}
		return model.APIKey{}, fmt.Errorf("storage: get api key: %w", err)
	}
	return k, nil
}

// FirstActiveAPIKey returns the workspace's oldest unrevoked key. Used when
// telemetry arrives with workspace identity but no key identity.
func (db *DB) FirstActiveAPIKey(ctx context.Context, workspaceID uuid.UUID) (model.APIKey, error) {
	var k model.APIKey
	err := db.pool.QueryRow(ctx,
		`SELECT id, workspace_id, name, prefix, key_hash, created_at, last_used_at, revoked_at
		 FROM api_keys
		 WHERE workspace_id = $1 AND revoked_at IS NULL
		 ORDER BY created_at ASC
		 LIMIT 1`, workspaceID,
	).Scan(&k.ID, &k.WorkspaceID, &k.Name, &k.Prefix, &k.KeyHash, &k.CreatedAt, &k.LastUsedAt, &k.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.APIKey{}, ErrNotFound
		}
		return model.APIKey{}, fmt.Errorf("storage: first active api key: %w", err)
	}
	return k, nil
}

// TouchAPIKey records key usage. Best-effort: failures are logged, not
// propagated, because a missed last_used_at must not fail authentication.
func (db *DB) TouchAPIKey(ctx context.Context, id uuid.UUID) {
	if _, err := db.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id,
	); err != nil {
		db.logger.Warn("storage: touch api key", "error", err, "api_key_id", id)
	}
}

// GetAPIKeyByPrefix retrieves an unrevoked key by its public prefix. The
// ingest endpoint uses this to find the hash a presented raw key must match.
func (db *DB) GetAPIKeyByPrefix(ctx context.Context, prefix string) (model.APIKey, error) {
	var k model.APIKey
	err := db.pool.QueryRow(ctx,
		`SELECT id, workspace_id, name, prefix, key_hash, created_at, last_used_at, revoked_at
		 FROM api_keys
		 WHERE prefix = $1 AND revoked_at IS NULL`, prefix,
	).Scan(&k.ID, &k.WorkspaceID, &k.Name, &k.Prefix, &k.KeyHash, &k.CreatedAt, &k.LastUsedAt, &k.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.APIKey{}, ErrNotFound
		}
		return model.APIKey{}, fmt.Errorf("storage: get api key by prefix: %w", err)
	}
	return k, nil
}

// IsFeatureEnabled reports whether a workspace-level feature flag is on.
// Missing rows mean disabled.
func (db *DB) IsFeatureEnabled(ctx context.Context, workspaceID uuid.UUID, feature string) (bool, error) {
	var enabled bool
	err := db.pool.QueryRow(ctx,
		`SELECT enabled FROM workspace_features WHERE workspace_id = $1 AND feature = $2`,
		workspaceID, feature,
	).Scan(&enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("storage: feature flag lookup: %w", err)
	}
	return enabled, nil
}
