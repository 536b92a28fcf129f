// Package ingest implements the ingestion pipeline: the gate that accepts
// raw OTLP batches, the queue worker that drains them, and the bulk span
// processor that normalizes, deduplicates, and commits spans.
package ingest

import (
	"github.com/ashita-ai/konseki/internal/model"
)

// SkipReason classifies why a single span was dropped from a batch. Skips
// are local and final: the span is reported and never retried, while the
// rest of the batch proceeds.
type SkipReason string

const (
	// SkipDuplicate marks a span whose (trace_id, span_id) already exists.
	SkipDuplicate SkipReason = "duplicate"
	// SkipUnprocessable marks a span the normalizer rejected: malformed
	// attributes, an unrecognized kind, or a negative duration.
	SkipUnprocessable SkipReason = "unprocessable"
	// SkipTenant marks a span whose workspace or API key could not be
	// resolved from explicit ids or baggage.
	SkipTenant SkipReason = "tenant"
	// SkipCapture marks a span whose indirect document reference did not
	// resolve to a known document.
	SkipCapture SkipReason = "capture"
	// SkipMetadata marks a span whose per-type metadata handler failed.
	SkipMetadata SkipReason = "metadata"
	// SkipInvalid marks a span that failed final validation before commit.
	SkipInvalid SkipReason = "invalid"
)

// Skip records one dropped span and why.
type Skip struct {
	Key    model.SpanKey
	Reason SkipReason
	Err    error
}

// Result is the outcome of one batch execution: the fold over every input
// span into accepted or skipped. Zero accepted spans with no error means
// there was nothing to do, which is success.
type Result struct {
	Accepted []model.Span
	Skipped  []Skip
}
