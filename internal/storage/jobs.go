package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// IngestJob is a queued unit of batch processing. The ingestion id is both
// the dedup key (unique index) and the dead-letter identity: duplicate
// submissions of the same batch collapse into one job.
type IngestJob struct {
	ID          int64
	IngestionID string
	WorkspaceID *uuid.UUID
	APIKeyID    *uuid.UUID
	Attempts    int
	CreatedAt   time.Time
}

// MaxIngestAttempts bounds retries for a job. Jobs that keep failing stop
// being claimed and are eventually removed by CleanupDeadIngestJobs.
const MaxIngestAttempts = 10

// EnqueueIngestJob inserts a job for the given ingestion id. Returns false
// when a job for the same ingestion id already exists (duplicate submission),
// which callers treat as success.
func (db *DB) EnqueueIngestJob(ctx context.Context, ingestionID string, workspaceID, apiKeyID *uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO ingest_jobs (ingestion_id, workspace_id, api_key_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (ingestion_id) DO NOTHING`,
		ingestionID, workspaceID, apiKeyID,
	)
	if err != nil {
		return false, fmt.Errorf("storage: enqueue ingest job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimIngestJobs selects and locks up to limit pending jobs for 60s. The
// claim-time lock only covers the first job of a sequential batch; the
// worker renews it per job (ExtendIngestJobLock) before starting each one,
// and the renewed window exceeds the per-job timeout, so a second worker
// never picks up a job another worker is still processing.
func (db *DB) ClaimIngestJobs(ctx context.Context, limit int) ([]IngestJob, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, ingestion_id, workspace_id, api_key_id, attempts, created_at
		 FROM ingest_jobs
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		MaxIngestAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: select pending ingest jobs: %w", err)
	}
	jobs, err := scanIngestJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE ingest_jobs SET locked_until = now() + interval '60 seconds' WHERE id = ANY($1)`,
		ids,
	); err != nil {
		return nil, fmt.Errorf("storage: lock ingest jobs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit job claim: %w", err)
	}
	return jobs, nil
}

// ExtendIngestJobLock renews a claimed job's lock for a fresh 60s window.
// The worker claims jobs in batches but runs them sequentially, so a lock
// taken at claim time would expire before a later job in the batch starts;
// renewing just before each run keeps the job invisible to other workers.
func (db *DB) ExtendIngestJobLock(ctx context.Context, id int64) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE ingest_jobs SET locked_until = now() + interval '60 seconds' WHERE id = $1`, id,
	); err != nil {
		return fmt.Errorf("storage: extend ingest job lock: %w", err)
	}
	return nil
}

// CompleteIngestJob removes a successfully processed job.
func (db *DB) CompleteIngestJob(ctx context.Context, id int64) error {
	if _, err := db.pool.Exec(ctx, `DELETE FROM ingest_jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("storage: complete ingest job: %w", err)
	}
	return nil
}

// FailIngestJob records a failed attempt with exponential backoff
// (2^attempts seconds, capped at 5 minutes). This prevents tight retry loops
// during storage outages.
func (db *DB) FailIngestJob(ctx context.Context, id int64, errMsg string) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE ingest_jobs
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = $2`,
		errMsg, id,
	); err != nil {
		return fmt.Errorf("storage: fail ingest job: %w", err)
	}
	return nil
}

// CleanupDeadIngestJobs removes dead-letter jobs: attempts exhausted and
// older than seven days. Their raw batches stay in blob storage for manual
// replay.
func (db *DB) CleanupDeadIngestJobs(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM ingest_jobs
		 WHERE attempts >= $1
		   AND created_at < now() - interval '7 days'`,
		MaxIngestAttempts,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup dead ingest jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PendingIngestJobs returns the queue depth, for the observable gauge.
func (db *DB) PendingIngestJobs(ctx context.Context) (int64, error) {
	var count int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ingest_jobs WHERE attempts < $1`, MaxIngestAttempts,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: pending ingest jobs: %w", err)
	}
	return count, nil
}

func scanIngestJobs(rows pgx.Rows) ([]IngestJob, error) {
	defer rows.Close()
	var jobs []IngestJob
	for rows.Next() {
		var j IngestJob
		if err := rows.Scan(&j.ID, &j.IngestionID, &j.WorkspaceID, &j.APIKeyID, &j.Attempts, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan ingest job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
