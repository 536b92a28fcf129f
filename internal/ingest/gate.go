package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/ashita-ai/konseki/internal/model"
	"github.com/ashita-ai/konseki/internal/otlp"
)

// RawBatchStore is the slice of blob storage the gate needs.
type RawBatchStore interface {
	PutRawBatch(ctx context.Context, ingestionID string, data []byte) error
}

// JobQueue is the slice of the queue the gate needs.
type JobQueue interface {
	EnqueueIngestJob(ctx context.Context, ingestionID string, workspaceID, apiKeyID *uuid.UUID) (bool, error)
}

// Gate is the network-facing entry point of the pipeline. It never
// processes spans itself: it persists the raw batch and enqueues exactly
// one deduplicated background job.
type Gate struct {
	blobs  RawBatchStore
	queue  JobQueue
	logger *slog.Logger
}

// NewGate wires the gate to its blob store and queue.
func NewGate(blobs RawBatchStore, queue JobQueue, logger *slog.Logger) *Gate {
	return &Gate{blobs: blobs, queue: queue, logger: logger}
}

// IngestionID computes the content-derived idempotency key for a batch: a
// hash over every (trace_id, span_id) pair in arrival order. Identical
// resubmissions, including network retries, produce the identical id.
func IngestionID(keys []model.SpanKey) string {
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k.TraceID))
		h.Write([]byte{0})
		h.Write([]byte(k.SpanID))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SpanKeys flattens a TracesData payload into its (trace_id, span_id) pairs
// in arrival order.
func SpanKeys(td *tracepb.TracesData) []model.SpanKey {
	var keys []model.SpanKey
	for _, rs := range td.GetResourceSpans() {
		for _, ss := range rs.GetScopeSpans() {
			for _, span := range ss.GetSpans() {
				keys = append(keys, model.SpanKey{
					TraceID: otlp.SpanID(span.GetTraceId()),
					SpanID:  otlp.SpanID(span.GetSpanId()),
				})
			}
		}
	}
	return keys
}

// Enqueue stores the serialized batch under its ingestion id and enqueues
// one background job for it. If the blob write fails, nothing is enqueued:
// an orphan job with no payload would fail every attempt. Returns the
// ingestion id and whether a new job was created; false means a job for the
// same batch already exists, which is success for the caller.
func (g *Gate) Enqueue(ctx context.Context, payload []byte, keys []model.SpanKey, workspaceID, apiKeyID *uuid.UUID) (string, bool, error) {
	if len(keys) == 0 {
		return "", false, fmt.Errorf("ingest: empty batch")
	}
	ingestionID := IngestionID(keys)

	if err := g.blobs.PutRawBatch(ctx, ingestionID, payload); err != nil {
		return "", false, fmt.Errorf("ingest: store raw batch: %w", err)
	}

	enqueued, err := g.queue.EnqueueIngestJob(ctx, ingestionID, workspaceID, apiKeyID)
	if err != nil {
		return "", false, fmt.Errorf("ingest: enqueue job: %w", err)
	}
	if !enqueued {
		g.logger.Debug("duplicate batch submission collapsed",
			"ingestion_id", ingestionID,
			"spans", len(keys),
		)
	}
	return ingestionID, enqueued, nil
}
