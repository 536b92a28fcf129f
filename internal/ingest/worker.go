package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/ashita-ai/konseki/internal/model"
	"github.com/ashita-ai/konseki/internal/otlp"
	"github.com/ashita-ai/konseki/internal/storage"
	"github.com/ashita-ai/konseki/internal/telemetry"
)

// JobStore is the slice of the queue the worker needs. *storage.DB
// satisfies it.
type JobStore interface {
	ClaimIngestJobs(ctx context.Context, limit int) ([]storage.IngestJob, error)
	ExtendIngestJobLock(ctx context.Context, id int64) error
	CompleteIngestJob(ctx context.Context, id int64) error
	FailIngestJob(ctx context.Context, id int64, errMsg string) error
	CleanupDeadIngestJobs(ctx context.Context) (int64, error)
}

// BatchStore reads stored raw batches back. *blob.Store satisfies it.
type BatchStore interface {
	GetRawBatch(ctx context.Context, ingestionID string) ([]byte, error)
}

const (
	defaultPollInterval = 2 * time.Second
	defaultClaimLimit   = 10
	jobTimeout          = 55 * time.Second // under the 60s lock window renewed per job
	janitorInterval     = time.Hour
	tenantCacheSizeHint = 16
)

// Worker drains the ingest queue: it claims jobs, loads each raw batch
// from blob storage, flattens it with per-span tenant resolution, and hands
// the result to the processor. Storage failures fail the job so the queue's
// bounded retry applies; per-span failures are final skips inside the
// processor.
type Worker struct {
	jobs      JobStore
	blobs     BatchStore
	tenants   otlp.TenantRepository
	processor *Processor
	logger    *slog.Logger
	interval  time.Duration

	acceptedSpans metric.Int64Counter
	skippedSpans  metric.Int64Counter
}

// NewWorker wires a queue worker.
func NewWorker(jobs JobStore, blobs BatchStore, tenants otlp.TenantRepository, processor *Processor, logger *slog.Logger) *Worker {
	return &Worker{
		jobs:      jobs,
		blobs:     blobs,
		tenants:   tenants,
		processor: processor,
		logger:    logger,
		interval:  defaultPollInterval,
	}
}

// Run polls until ctx is cancelled. A job claimed before cancellation is
// finished on a detached context so shutdown never abandons a half-done
// batch inside its lock window.
func (w *Worker) Run(ctx context.Context) {
	w.registerMetrics()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("ingest worker started", "poll_interval", w.interval.String())
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("ingest worker stopped")
			return
		case <-ticker.C:
			w.drainOnce(ctx)
		}
	}
}

// registerMetrics creates the throughput counters. Called from Run, after
// the global meter provider has been initialized.
func (w *Worker) registerMetrics() {
	meter := telemetry.Meter("konseki/ingest")
	w.acceptedSpans, _ = meter.Int64Counter("ingest.spans.accepted",
		metric.WithDescription("Total spans committed to the primary store"),
	)
	w.skippedSpans, _ = meter.Int64Counter("ingest.spans.skipped",
		metric.WithDescription("Total spans skipped during normalization"),
	)
}

func (w *Worker) drainOnce(ctx context.Context) {
	jobs, err := w.jobs.ClaimIngestJobs(ctx, defaultClaimLimit)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("claim ingest jobs failed", "error", err)
		}
		return
	}
	for _, job := range jobs {
		jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), jobTimeout)
		// The claim-time lock only covers the first job of the batch; jobs
		// run sequentially, so renew the lock before each one. A job whose
		// lock cannot be renewed is left for the next claim rather than
		// risking a second worker running it concurrently.
		if err := w.jobs.ExtendIngestJobLock(jobCtx, job.ID); err != nil {
			w.logger.Error("extend job lock failed", "ingestion_id", job.IngestionID, "error", err)
			cancel()
			continue
		}
		w.runJob(jobCtx, job)
		cancel()
	}
}

func (w *Worker) runJob(ctx context.Context, job storage.IngestJob) {
	start := time.Now()
	res, err := w.processJob(ctx, job)
	if err != nil {
		w.logger.Error("ingest job failed",
			"ingestion_id", job.IngestionID,
			"attempt", job.Attempts+1,
			"error", err,
		)
		if failErr := w.jobs.FailIngestJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("record job failure failed", "ingestion_id", job.IngestionID, "error", failErr)
		}
		return
	}

	if completeErr := w.jobs.CompleteIngestJob(ctx, job.ID); completeErr != nil {
		w.logger.Error("complete ingest job failed", "ingestion_id", job.IngestionID, "error", completeErr)
		return
	}
	if w.acceptedSpans != nil {
		w.acceptedSpans.Add(ctx, int64(len(res.Accepted)))
		w.skippedSpans.Add(ctx, int64(len(res.Skipped)))
	}
	w.logger.Info("ingest job done",
		"ingestion_id", job.IngestionID,
		"accepted", len(res.Accepted),
		"skipped", len(res.Skipped),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (w *Worker) processJob(ctx context.Context, job storage.IngestJob) (Result, error) {
	payload, err := w.blobs.GetRawBatch(ctx, job.IngestionID)
	if err != nil {
		return Result{}, err
	}

	var td tracepb.TracesData
	if err := protojson.Unmarshal(payload, &td); err != nil {
		return Result{}, fmt.Errorf("ingest: decode raw batch %s: %w", job.IngestionID, err)
	}

	inputs, tenantSkips := w.flatten(ctx, &td, job.WorkspaceID, job.APIKeyID)
	res, err := w.processor.Process(ctx, inputs)
	if err != nil {
		return Result{}, err
	}
	res.Skipped = append(res.Skipped, tenantSkips...)
	return res, nil
}

type tenantEntry struct {
	key       model.APIKey
	workspace model.Workspace
	err       error
}

// flatten walks resource -> scope -> span and resolves each span's tenant.
// Resolution is memoized per job: most batches carry one tenant, and a
// workspace lookup per span would swamp storage. Spans whose tenant cannot
// be resolved are skipped, never fatal to the batch.
func (w *Worker) flatten(ctx context.Context, td *tracepb.TracesData, workspaceID, apiKeyID *uuid.UUID) ([]SpanInput, []Skip) {
	var inputs []SpanInput
	var skips []Skip
	cache := make(map[string]tenantEntry, tenantCacheSizeHint)

	for _, rs := range td.GetResourceSpans() {
		resourceAttrs := otlp.ConvertAttributes(rs.GetResource().GetAttributes())
		for _, ss := range rs.GetScopeSpans() {
			for _, span := range ss.GetSpans() {
				attrs := otlp.ConvertAttributes(span.GetAttributes())
				entry := w.resolveTenant(ctx, cache, workspaceID, apiKeyID, attrs)
				if entry.err != nil {
					key := model.SpanKey{
						TraceID: otlp.SpanID(span.GetTraceId()),
						SpanID:  otlp.SpanID(span.GetSpanId()),
					}
					w.logger.Warn("span skipped",
						"trace_id", key.TraceID,
						"span_id", key.SpanID,
						"reason", string(SkipTenant),
						"error", entry.err,
					)
					skips = append(skips, Skip{Key: key, Reason: SkipTenant, Err: entry.err})
					continue
				}
				inputs = append(inputs, SpanInput{
					Raw:       span,
					Scope:     ss.GetScope(),
					Resource:  resourceAttrs,
					APIKey:    entry.key,
					Workspace: entry.workspace,
				})
			}
		}
	}
	return inputs, skips
}

func (w *Worker) resolveTenant(ctx context.Context, cache map[string]tenantEntry, workspaceID, apiKeyID *uuid.UUID, attrs map[string]any) tenantEntry {
	cacheKey := tenantCacheKey(workspaceID, apiKeyID, attrs)
	if entry, ok := cache[cacheKey]; ok {
		return entry
	}
	key, workspace, err := otlp.ResolveTenant(ctx, w.tenants, apiKeyID, workspaceID, attrs)
	entry := tenantEntry{key: key, workspace: workspace, err: err}
	cache[cacheKey] = entry
	return entry
}

func tenantCacheKey(workspaceID, apiKeyID *uuid.UUID, attrs map[string]any) string {
	if workspaceID != nil {
		key := workspaceID.String()
		if apiKeyID != nil {
			key += "/" + apiKeyID.String()
		}
		return key
	}
	return "baggage/" + otlp.StringAttr(attrs, otlp.AttrInternalBaggage)
}

// RunJanitor periodically removes dead-letter jobs whose attempts are
// exhausted. Their raw batches stay in blob storage for manual replay.
func (w *Worker) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := w.jobs.CleanupDeadIngestJobs(ctx)
			if err != nil {
				w.logger.Error("dead job cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				w.logger.Info("dead ingest jobs removed", "count", removed)
			}
		}
	}
}
