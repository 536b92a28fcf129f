package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/konseki/internal/model"
)

// existenceChunkSize bounds the number of (trace_id, span_id) pairs checked
// per query. Chunks are issued sequentially to cap in-flight load on the
// primary during large batch ingestion.
const existenceChunkSize = 50

// ExistingSpanKeys returns the subset of keys already stored for the
// workspace. Re-ingesting a batch whose spans all exist is therefore a full
// no-op for the caller.
func (db *DB) ExistingSpanKeys(ctx context.Context, workspaceID uuid.UUID, keys []model.SpanKey) (map[model.SpanKey]struct{}, error) {
	existing := make(map[model.SpanKey]struct{})
	for start := 0; start < len(keys); start += existenceChunkSize {
		end := min(start+existenceChunkSize, len(keys))
		chunk := keys[start:end]

		traceIDs := make([]string, len(chunk))
		spanIDs := make([]string, len(chunk))
		for i, k := range chunk {
			traceIDs[i] = k.TraceID
			spanIDs[i] = k.SpanID
		}

		rows, err := db.pool.Query(ctx,
			`SELECT trace_id, span_id
			 FROM spans
			 WHERE workspace_id = $1
			   AND (trace_id, span_id) IN (SELECT unnest($2::text[]), unnest($3::text[]))`,
			workspaceID, traceIDs, spanIDs,
		)
		if err != nil {
			return nil, fmt.Errorf("storage: query existing spans: %w", err)
		}
		for rows.Next() {
			var k model.SpanKey
			if err := rows.Scan(&k.TraceID, &k.SpanID); err != nil {
				rows.Close()
				return nil, fmt.Errorf("storage: scan existing span key: %w", err)
			}
			existing[k] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("storage: iterate existing spans: %w", err)
		}
	}
	return existing, nil
}

var spanColumns = []string{
	"span_id", "trace_id", "parent_id", "workspace_id", "api_key_id",
	"name", "kind", "type", "status", "message",
	"duration_ms", "started_at", "ended_at",
	"document_uuid", "commit_uuid", "document_log_uuid", "experiment_uuid",
	"test_deployment_id", "project_id", "source", "created_at",
}

func spanRow(s model.Span) []any {
	return []any{
		s.ID, s.TraceID, s.ParentID, s.WorkspaceID, s.APIKeyID,
		s.Name, string(s.Kind), string(s.Type), string(s.Status), s.Message,
		s.Duration, s.StartedAt, s.EndedAt,
		s.DocumentUUID, s.CommitUUID, s.DocumentLogUUID, s.ExperimentUUID,
		s.TestDeploymentID, s.ProjectID, string(s.Source), s.CreatedAt,
	}
}

// InsertSpans bulk-inserts spans atomically using the COPY protocol inside a
// single transaction: either every row commits or none does. Callers are
// expected to have filtered out already-stored keys; a duplicate here aborts
// the whole batch so the queue's retry policy can re-run the job, where the
// existence check will then drop the duplicates.
func (db *DB) InsertSpans(ctx context.Context, spans []model.Span) error {
	if len(spans) == 0 {
		return nil
	}

	rows := make([][]any, len(spans))
	for i, s := range spans {
		rows[i] = spanRow(s)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin span insert tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Dedicated 30s COPY timeout prevents a hung Postgres from blocking the
	// ingest worker indefinitely.
	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	defer copyCancel()
	if _, err := tx.CopyFrom(copyCtx, pgx.Identifier{"spans"}, spanColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("storage: copy spans: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit span insert: %w", err)
	}
	return nil
}

// GetSpan retrieves one span by identity, scoped by workspace.
func (db *DB) GetSpan(ctx context.Context, workspaceID uuid.UUID, key model.SpanKey) (model.Span, error) {
	var s model.Span
	var kind, typ, status, source string
	err := db.pool.QueryRow(ctx,
		`SELECT span_id, trace_id, parent_id, workspace_id, api_key_id,
		        name, kind, type, status, message,
		        duration_ms, started_at, ended_at,
		        document_uuid, commit_uuid, document_log_uuid, experiment_uuid,
		        test_deployment_id, project_id, source, created_at
		 FROM spans
		 WHERE workspace_id = $1 AND trace_id = $2 AND span_id = $3`,
		workspaceID, key.TraceID, key.SpanID,
	).Scan(
		&s.ID, &s.TraceID, &s.ParentID, &s.WorkspaceID, &s.APIKeyID,
		&s.Name, &kind, &typ, &status, &s.Message,
		&s.Duration, &s.StartedAt, &s.EndedAt,
		&s.DocumentUUID, &s.CommitUUID, &s.DocumentLogUUID, &s.ExperimentUUID,
		&s.TestDeploymentID, &s.ProjectID, &source, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Span{}, ErrNotFound
		}
		return model.Span{}, fmt.Errorf("storage: get span: %w", err)
	}
	s.Kind = model.SpanKind(kind)
	s.Type = model.SpanType(typ)
	s.Status = model.SpanStatus(status)
	s.Source = model.SpanSource(source)
	return s, nil
}
