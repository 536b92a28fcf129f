package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/konseki/internal/billing"
	"github.com/ashita-ai/konseki/internal/model"
	"github.com/ashita-ai/konseki/internal/otlp"
	"github.com/ashita-ai/konseki/internal/storage"
)

// FeatureAnalyticMirror gates per-workspace mirroring into the analytic
// store.
const FeatureAnalyticMirror = "analytic_mirror"

// SpanStore is the slice of primary storage the processor needs.
// *storage.DB satisfies it.
type SpanStore interface {
	ExistingSpanKeys(ctx context.Context, workspaceID uuid.UUID, keys []model.SpanKey) (map[model.SpanKey]struct{}, error)
	InsertSpans(ctx context.Context, spans []model.Span) error
}

// MetadataStore persists per-span metadata blobs. *blob.Store satisfies it.
type MetadataStore interface {
	PutSpanMetadata(ctx context.Context, md model.SpanMetadata) error
}

// Mirror replicates committed spans to the analytic store.
// *analytic.Mirror satisfies it.
type Mirror interface {
	InsertSpans(ctx context.Context, spans []model.Span, retentionDays int) error
}

// FeatureStore looks up per-workspace feature flags. *storage.DB satisfies
// it.
type FeatureStore interface {
	IsFeatureEnabled(ctx context.Context, workspaceID uuid.UUID, feature string) (bool, error)
}

// Notifier publishes span-created events. *storage.DB satisfies it.
type Notifier interface {
	NotifySpanCreated(ctx context.Context, ev model.SpanCreatedEvent) error
}

// Processor runs the bulk span pipeline: existence check, tolerant
// normalization, capture resolution, per-type metadata, one atomic commit,
// then best-effort side effects. The commit is the only point of atomicity;
// everything after it may fail without affecting the result.
type Processor struct {
	spans    SpanStore
	captures CaptureResolver
	metadata MetadataStore
	mirror   Mirror // nil when no analytic store is configured
	flags    FeatureStore
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewProcessor wires the processor to its collaborators. mirror may be nil.
func NewProcessor(
	spans SpanStore,
	captures CaptureResolver,
	metadata MetadataStore,
	mirror Mirror,
	flags FeatureStore,
	notifier Notifier,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		spans:    spans,
		captures: captures,
		metadata: metadata,
		mirror:   mirror,
		flags:    flags,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Process folds a flattened batch into accepted and skipped spans, commits
// the accepted ones in one transaction, then runs side effects. Only a
// storage failure returns an error; per-span failures are skips recorded in
// the result. An empty surviving set is success with nothing to do.
func (p *Processor) Process(ctx context.Context, inputs []SpanInput) (Result, error) {
	var res Result
	if len(inputs) == 0 {
		return res, nil
	}

	existing, err := p.existingKeys(ctx, inputs)
	if err != nil {
		return res, err
	}

	cache := newCaptureCache(p.captures)
	now := p.now().UTC()

	var accepted []normalized
	seen := make(map[model.SpanKey]struct{}, len(inputs))
	for _, in := range inputs {
		key := model.SpanKey{
			TraceID: otlp.SpanID(in.Raw.GetTraceId()),
			SpanID:  otlp.SpanID(in.Raw.GetSpanId()),
		}
		if _, dup := existing[key]; dup {
			res.Skipped = append(res.Skipped, p.skip(key, SkipDuplicate, nil))
			continue
		}
		if _, dup := seen[key]; dup {
			res.Skipped = append(res.Skipped, p.skip(key, SkipDuplicate, nil))
			continue
		}

		n, err := normalizeSpan(in, now)
		if err != nil {
			res.Skipped = append(res.Skipped, p.skip(key, SkipUnprocessable, err))
			continue
		}

		if n.span.Type == model.SpanTypeUnresolvedExternal {
			if err := p.resolveCapture(ctx, cache, &n); err != nil {
				res.Skipped = append(res.Skipped, p.skip(key, SkipCapture, err))
				continue
			}
		}

		md, err := buildMetadata(n)
		if err != nil {
			res.Skipped = append(res.Skipped, p.skip(key, SkipMetadata, err))
			continue
		}
		n.md = md

		if err := n.span.Validate(); err != nil {
			res.Skipped = append(res.Skipped, p.skip(key, SkipInvalid, err))
			continue
		}

		seen[key] = struct{}{}
		accepted = append(accepted, n)
	}

	if len(accepted) == 0 {
		return res, nil
	}

	rows := make([]model.Span, len(accepted))
	for i, n := range accepted {
		rows[i] = n.span
	}
	// Concurrent ingestion of overlapping traces can deadlock the bulk
	// insert; retry before surfacing a job failure.
	err = storage.WithRetry(ctx, 3, 100*time.Millisecond, func() error {
		return p.spans.InsertSpans(ctx, rows)
	})
	if err != nil {
		return res, fmt.Errorf("ingest: commit spans: %w", err)
	}
	res.Accepted = rows

	p.runSideEffects(ctx, accepted)
	return res, nil
}

// existingKeys looks up already-stored identity pairs, grouped per
// workspace since span identity is workspace-scoped. The store chunks the
// lookups to cap in-flight load.
func (p *Processor) existingKeys(ctx context.Context, inputs []SpanInput) (map[model.SpanKey]struct{}, error) {
	byWorkspace := make(map[uuid.UUID][]model.SpanKey)
	for _, in := range inputs {
		key := model.SpanKey{
			TraceID: otlp.SpanID(in.Raw.GetTraceId()),
			SpanID:  otlp.SpanID(in.Raw.GetSpanId()),
		}
		byWorkspace[in.Workspace.ID] = append(byWorkspace[in.Workspace.ID], key)
	}

	existing := make(map[model.SpanKey]struct{})
	for workspaceID, keys := range byWorkspace {
		found, err := p.spans.ExistingSpanKeys(ctx, workspaceID, keys)
		if err != nil {
			return nil, fmt.Errorf("ingest: existence check for workspace %s: %w", workspaceID, err)
		}
		for k := range found {
			existing[k] = struct{}{}
		}
	}
	return existing, nil
}

// resolveCapture attaches resolved document identifiers and rewrites the
// working type to external. unresolved_external never reaches storage.
func (p *Processor) resolveCapture(ctx context.Context, cache *captureCache, n *normalized) error {
	if n.span.ProjectID == nil {
		return fmt.Errorf("ingest: capture span without project id")
	}
	key := captureKey{
		traceID:   n.span.TraceID,
		path:      otlp.StringAttr(n.attrs, otlp.AttrPromptPath),
		projectID: *n.span.ProjectID,
		version:   otlp.StringAttr(n.attrs, otlp.AttrVersionUUID),
		log:       otlp.StringAttr(n.attrs, otlp.AttrLogUUID),
	}
	refs, err := cache.resolve(ctx, key)
	if err != nil {
		return err
	}
	n.span.DocumentUUID = &refs.DocumentUUID
	n.span.CommitUUID = &refs.CommitUUID
	if refs.LogUUID != nil {
		n.span.DocumentLogUUID = refs.LogUUID
	}
	n.span.Type = model.SpanTypeExternal
	return nil
}

func (p *Processor) skip(key model.SpanKey, reason SkipReason, err error) Skip {
	attrs := []any{
		"trace_id", key.TraceID,
		"span_id", key.SpanID,
		"reason", string(reason),
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	p.logger.Warn("span skipped", attrs...)
	return Skip{Key: key, Reason: reason, Err: err}
}

// runSideEffects performs everything that happens after the commit:
// metadata blobs, the feature-flagged analytic mirror, and one notification
// per row. Failures here are logged and never propagate; the commit already
// happened.
func (p *Processor) runSideEffects(ctx context.Context, accepted []normalized) {
	for _, n := range accepted {
		if err := p.metadata.PutSpanMetadata(ctx, n.md); err != nil {
			p.logger.Error("metadata write failed",
				"trace_id", n.span.TraceID,
				"span_id", n.span.ID,
				"error", err,
			)
		}
	}

	p.mirrorSpans(ctx, accepted)

	for _, n := range accepted {
		ev := model.NewSpanCreatedEvent(n.span)
		if err := p.notifier.NotifySpanCreated(ctx, ev); err != nil {
			p.logger.Error("span-created notification failed",
				"trace_id", n.span.TraceID,
				"span_id", n.span.ID,
				"error", err,
			)
		}
	}
}

// mirrorSpans replicates committed rows per workspace when the flag is on.
// The retention horizon comes from the workspace plan; a flag lookup
// failure disables the mirror for that workspace and batch.
func (p *Processor) mirrorSpans(ctx context.Context, accepted []normalized) {
	if p.mirror == nil {
		return
	}

	type workspaceBatch struct {
		workspace model.Workspace
		spans     []model.Span
	}
	batches := make(map[uuid.UUID]*workspaceBatch)
	for _, n := range accepted {
		b, ok := batches[n.span.WorkspaceID]
		if !ok {
			b = &workspaceBatch{workspace: n.input.Workspace}
			batches[n.span.WorkspaceID] = b
		}
		b.spans = append(b.spans, n.span)
	}

	for workspaceID, b := range batches {
		enabled, err := p.flags.IsFeatureEnabled(ctx, workspaceID, FeatureAnalyticMirror)
		if err != nil {
			p.logger.Error("mirror flag lookup failed", "workspace_id", workspaceID, "error", err)
			continue
		}
		if !enabled {
			continue
		}
		retention := billing.RetentionDays(b.workspace.Plan)
		if err := p.mirror.InsertSpans(ctx, b.spans, retention); err != nil {
			p.logger.Error("analytic mirror write failed",
				"workspace_id", workspaceID,
				"spans", len(b.spans),
				"error", err,
			)
		}
	}
}

// ensure the concrete storage type keeps satisfying the narrow interfaces.
var (
	_ SpanStore       = (*storage.DB)(nil)
	_ FeatureStore    = (*storage.DB)(nil)
	_ Notifier        = (*storage.DB)(nil)
	_ CaptureResolver = (*storage.DB)(nil)
	_ JobQueue        = (*storage.DB)(nil)
)
