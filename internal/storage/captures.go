package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CaptureRefs are the concrete identifiers a capture span resolves to.
type CaptureRefs struct {
	DocumentUUID uuid.UUID
	CommitUUID   uuid.UUID
	LogUUID      *uuid.UUID
}

// ResolveCapture maps a prompt path and project id to the document and
// commit it identifies. When versionUUID is nil the project's live commit is
// used. logUUID, when supplied by the emitting SDK, passes through.
func (db *DB) ResolveCapture(ctx context.Context, projectID int64, path string, versionUUID, logUUID *uuid.UUID) (CaptureRefs, error) {
	var refs CaptureRefs

	query := `SELECT d.uuid, d.commit_uuid
	          FROM documents d
	          WHERE d.project_id = $1 AND d.path = $2 AND d.deleted_at IS NULL`
	args := []any{projectID, path}
	if versionUUID != nil {
		query += ` AND d.commit_uuid = $3`
		args = append(args, *versionUUID)
	}

	err := db.pool.QueryRow(ctx, query, args...).Scan(&refs.DocumentUUID, &refs.CommitUUID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CaptureRefs{}, ErrNotFound
		}
		return CaptureRefs{}, fmt.Errorf("storage: resolve capture: %w", err)
	}
	refs.LogUUID = logUUID
	return refs, nil
}
