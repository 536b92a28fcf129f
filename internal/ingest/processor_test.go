package ingest

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/ashita-ai/konseki/internal/model"
	"github.com/ashita-ai/konseki/internal/otlp"
	"github.com/ashita-ai/konseki/internal/storage"
)

type fakeSpanStore struct {
	existing  map[model.SpanKey]struct{}
	inserted  []model.Span
	insertErr error
}

func newFakeSpanStore() *fakeSpanStore {
	return &fakeSpanStore{existing: make(map[model.SpanKey]struct{})}
}

func (s *fakeSpanStore) ExistingSpanKeys(_ context.Context, _ uuid.UUID, keys []model.SpanKey) (map[model.SpanKey]struct{}, error) {
	out := make(map[model.SpanKey]struct{})
	for _, k := range keys {
		if _, ok := s.existing[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out, nil
}

func (s *fakeSpanStore) InsertSpans(_ context.Context, spans []model.Span) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	for _, sp := range spans {
		s.inserted = append(s.inserted, sp)
		s.existing[sp.Key()] = struct{}{}
	}
	return nil
}

type fakeCaptureResolver struct {
	calls int
	refs  storage.CaptureRefs
	err   error
}

func (r *fakeCaptureResolver) ResolveCapture(_ context.Context, _ int64, _ string, _, logUUID *uuid.UUID) (storage.CaptureRefs, error) {
	r.calls++
	if r.err != nil {
		return storage.CaptureRefs{}, r.err
	}
	refs := r.refs
	refs.LogUUID = logUUID
	return refs, nil
}

type fakeMetadataStore struct {
	blobs []model.SpanMetadata
	err   error
}

func (m *fakeMetadataStore) PutSpanMetadata(_ context.Context, md model.SpanMetadata) error {
	if m.err != nil {
		return m.err
	}
	m.blobs = append(m.blobs, md)
	return nil
}

type fakeMirror struct {
	batches [][]model.Span
	days    []int
	err     error
}

func (m *fakeMirror) InsertSpans(_ context.Context, spans []model.Span, retentionDays int) error {
	if m.err != nil {
		return m.err
	}
	m.batches = append(m.batches, spans)
	m.days = append(m.days, retentionDays)
	return nil
}

type fakeFlags struct {
	enabled bool
	err     error
}

func (f *fakeFlags) IsFeatureEnabled(_ context.Context, _ uuid.UUID, _ string) (bool, error) {
	return f.enabled, f.err
}

type fakeNotifier struct {
	events []model.SpanCreatedEvent
	err    error
}

func (n *fakeNotifier) NotifySpanCreated(_ context.Context, ev model.SpanCreatedEvent) error {
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, ev)
	return nil
}

type pipeline struct {
	store    *fakeSpanStore
	resolver *fakeCaptureResolver
	metadata *fakeMetadataStore
	mirror   *fakeMirror
	flags    *fakeFlags
	notifier *fakeNotifier
	proc     *Processor
}

func newPipeline() *pipeline {
	p := &pipeline{
		store:    newFakeSpanStore(),
		resolver: &fakeCaptureResolver{refs: storage.CaptureRefs{DocumentUUID: uuid.New(), CommitUUID: uuid.New()}},
		metadata: &fakeMetadataStore{},
		mirror:   &fakeMirror{},
		flags:    &fakeFlags{},
		notifier: &fakeNotifier{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p.proc = NewProcessor(p.store, p.resolver, p.metadata, p.mirror, p.flags, p.notifier, logger)
	return p
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func rawSpan(seq byte, attrs ...*commonpb.KeyValue) *tracepb.Span {
	traceID := make([]byte, 16)
	traceID[15] = 1
	spanID := make([]byte, 8)
	spanID[7] = seq
	return &tracepb.Span{
		TraceId:           traceID,
		SpanId:            spanID,
		Name:              "test-span",
		Kind:              tracepb.Span_SPAN_KIND_CLIENT,
		StartTimeUnixNano: uint64(testStart.UnixNano()),
		EndTimeUnixNano:   uint64(testStart.Add(500 * time.Millisecond).UnixNano()),
		Attributes:        attrs,
	}
}

func spanKey(raw *tracepb.Span) model.SpanKey {
	return model.SpanKey{TraceID: otlp.SpanID(raw.TraceId), SpanID: otlp.SpanID(raw.SpanId)}
}

func testTenant() (model.APIKey, model.Workspace) {
	ws := model.Workspace{ID: uuid.New(), Name: "test", Plan: "team"}
	key := model.APIKey{ID: uuid.New(), WorkspaceID: ws.ID, Name: "default"}
	return key, ws
}

func inputs(key model.APIKey, ws model.Workspace, spans ...*tracepb.Span) []SpanInput {
	out := make([]SpanInput, len(spans))
	for i, s := range spans {
		out[i] = SpanInput{Raw: s, APIKey: key, Workspace: ws}
	}
	return out
}

func TestProcessEmptyBatch(t *testing.T) {
	p := newPipeline()
	res, err := p.proc.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Accepted)
	assert.Empty(t, res.Skipped)
}

func TestProcessIdempotence(t *testing.T) {
	p := newPipeline()
	key, ws := testTenant()
	batch := inputs(key, ws,
		rawSpan(1, strAttr(otlp.AttrGenAIOperation, "chat")),
		rawSpan(2, strAttr(otlp.AttrGenAIOperation, "embeddings")),
	)

	res, err := p.proc.Process(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, res.Accepted, 2)
	require.Len(t, p.notifier.events, 2)

	// Same batch again: full no-op, nothing inserted, nothing notified.
	res, err = p.proc.Process(context.Background(), batch)
	require.NoError(t, err)
	assert.Empty(t, res.Accepted)
	require.Len(t, res.Skipped, 2)
	for _, s := range res.Skipped {
		assert.Equal(t, SkipDuplicate, s.Reason)
	}
	assert.Len(t, p.store.inserted, 2)
	assert.Len(t, p.notifier.events, 2)
}

func TestProcessScenarioMixedBatch(t *testing.T) {
	p := newPipeline()
	key, ws := testTenant()

	valid := rawSpan(1, strAttr(otlp.AttrGenAIOperation, "chat"))
	badKind := rawSpan(2)
	badKind.Kind = tracepb.Span_SpanKind(99)
	duplicate := rawSpan(3)
	p.store.existing[spanKey(duplicate)] = struct{}{}

	res, err := p.proc.Process(context.Background(), inputs(key, ws, valid, badKind, duplicate))
	require.NoError(t, err)

	require.Len(t, res.Accepted, 1)
	assert.Equal(t, spanKey(valid).SpanID, res.Accepted[0].ID)
	assert.Equal(t, model.SpanTypeCompletion, res.Accepted[0].Type)

	require.Len(t, res.Skipped, 2)
	reasons := map[model.SpanKey]SkipReason{}
	for _, s := range res.Skipped {
		reasons[s.Key] = s.Reason
	}
	assert.Equal(t, SkipUnprocessable, reasons[spanKey(badKind)])
	assert.Equal(t, SkipDuplicate, reasons[spanKey(duplicate)])

	require.Len(t, p.notifier.events, 1)
	assert.Equal(t, spanKey(valid).SpanID, p.notifier.events[0].SpanID)
}

func TestProcessNegativeDurationRejected(t *testing.T) {
	p := newPipeline()
	key, ws := testTenant()

	inverted := rawSpan(1)
	inverted.StartTimeUnixNano, inverted.EndTimeUnixNano = inverted.EndTimeUnixNano, inverted.StartTimeUnixNano

	res, err := p.proc.Process(context.Background(), inputs(key, ws, inverted))
	require.NoError(t, err)
	assert.Empty(t, res.Accepted)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, SkipUnprocessable, res.Skipped[0].Reason)
	assert.Empty(t, p.store.inserted)
}

func TestProcessExceptionEventForcesError(t *testing.T) {
	p := newPipeline()
	key, ws := testTenant()

	span := rawSpan(1)
	span.Events = []*tracepb.Span_Event{{
		Name:         "exception",
		TimeUnixNano: uint64(testStart.UnixNano()),
		Attributes:   []*commonpb.KeyValue{strAttr("type", "RateLimitError")},
	}}

	res, err := p.proc.Process(context.Background(), inputs(key, ws, span))
	require.NoError(t, err)
	require.Len(t, res.Accepted, 1)
	assert.Equal(t, model.SpanStatusError, res.Accepted[0].Status)
	require.NotNil(t, res.Accepted[0].Message)
	assert.Equal(t, "RateLimitError", *res.Accepted[0].Message)
}

func TestProcessClassificationPrecedence(t *testing.T) {
	p := newPipeline()
	key, ws := testTenant()

	// Explicit internal tag wins over the conflicting GenAI signal.
	span := rawSpan(1,
		strAttr(otlp.AttrInternalType, "tool"),
		strAttr(otlp.AttrGenAIOperation, "chat"),
	)

	res, err := p.proc.Process(context.Background(), inputs(key, ws, span))
	require.NoError(t, err)
	require.Len(t, res.Accepted, 1)
	assert.Equal(t, model.SpanTypeTool, res.Accepted[0].Type)
}

func TestProcessCaptureMemoization(t *testing.T) {
	p := newPipeline()
	key, ws := testTenant()

	captureAttrs := func() []*commonpb.KeyValue {
		return []*commonpb.KeyValue{
			strAttr(otlp.AttrPromptPath, "agents/support"),
			intAttr(otlp.AttrProjectID, 42),
		}
	}
	first := rawSpan(1, captureAttrs()...)
	second := rawSpan(2, captureAttrs()...)

	res, err := p.proc.Process(context.Background(), inputs(key, ws, first, second))
	require.NoError(t, err)
	require.Len(t, res.Accepted, 2)

	// Same trace, same reference: exactly one resolution call.
	assert.Equal(t, 1, p.resolver.calls)
	for _, s := range res.Accepted {
		assert.Equal(t, model.SpanTypeExternal, s.Type)
		require.NotNil(t, s.DocumentUUID)
		assert.Equal(t, p.resolver.refs.DocumentUUID, *s.DocumentUUID)
		require.NotNil(t, s.CommitUUID)
	}
}

func TestProcessCaptureResolutionFailure(t *testing.T) {
	p := newPipeline()
	p.resolver.err = storage.ErrNotFound
	key, ws := testTenant()

	span := rawSpan(1,
		strAttr(otlp.AttrPromptPath, "agents/missing"),
		intAttr(otlp.AttrProjectID, 42),
	)

	res, err := p.proc.Process(context.Background(), inputs(key, ws, span))
	require.NoError(t, err)
	assert.Empty(t, res.Accepted)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, SkipCapture, res.Skipped[0].Reason)
}

func TestProcessResolvedCaptureKeepsOwnIdentifiers(t *testing.T) {
	p := newPipeline()
	p.resolver.err = storage.ErrNotFound
	key, ws := testTenant()

	docUUID := uuid.New()
	commitUUID := uuid.New()
	span := rawSpan(1,
		strAttr(otlp.AttrPromptPath, "agents/support"),
		intAttr(otlp.AttrProjectID, 42),
		strAttr(otlp.AttrDocumentUUID, docUUID.String()),
		strAttr(otlp.AttrCommitUUID, commitUUID.String()),
	)

	// Already carries resolved identifiers: no resolution, no overwrite,
	// and the failing resolver is never consulted.
	res, err := p.proc.Process(context.Background(), inputs(key, ws, span))
	require.NoError(t, err)
	require.Len(t, res.Accepted, 1)
	assert.Equal(t, 0, p.resolver.calls)
	require.NotNil(t, res.Accepted[0].DocumentUUID)
	assert.Equal(t, docUUID, *res.Accepted[0].DocumentUUID)
	require.NotNil(t, res.Accepted[0].CommitUUID)
	assert.Equal(t, commitUUID, *res.Accepted[0].CommitUUID)
	assert.Equal(t, model.SpanTypeUnknown, res.Accepted[0].Type)
}

func TestProcessClassifiedSpanWithPathAttrsKeepsType(t *testing.T) {
	p := newPipeline()
	key, ws := testTenant()

	span := rawSpan(1,
		strAttr(otlp.AttrGenAIOperation, "chat"),
		strAttr(otlp.AttrPromptPath, "agents/support"),
		intAttr(otlp.AttrProjectID, 42),
	)

	res, err := p.proc.Process(context.Background(), inputs(key, ws, span))
	require.NoError(t, err)
	require.Len(t, res.Accepted, 1)
	assert.Equal(t, model.SpanTypeCompletion, res.Accepted[0].Type)
	assert.Equal(t, 0, p.resolver.calls)
}

func TestProcessMirrorFailureDoesNotAffectCommit(t *testing.T) {
	p := newPipeline()
	p.flags.enabled = true
	p.mirror.err = assert.AnError
	key, ws := testTenant()

	res, err := p.proc.Process(context.Background(), inputs(key, ws, rawSpan(1)))
	require.NoError(t, err)
	require.Len(t, res.Accepted, 1)
	assert.Len(t, p.store.inserted, 1)
	assert.Len(t, p.notifier.events, 1)
}

func TestProcessMirrorUsesPlanRetention(t *testing.T) {
	p := newPipeline()
	p.flags.enabled = true
	key, ws := testTenant() // plan "team"

	_, err := p.proc.Process(context.Background(), inputs(key, ws, rawSpan(1)))
	require.NoError(t, err)
	require.Len(t, p.mirror.batches, 1)
	assert.Equal(t, 90, p.mirror.days[0])
}

func TestProcessMirrorDisabledByFlag(t *testing.T) {
	p := newPipeline()
	p.flags.enabled = false
	key, ws := testTenant()

	_, err := p.proc.Process(context.Background(), inputs(key, ws, rawSpan(1)))
	require.NoError(t, err)
	assert.Empty(t, p.mirror.batches)
}

func TestProcessCommitFailureEmitsNoNotifications(t *testing.T) {
	p := newPipeline()
	p.store.insertErr = assert.AnError
	key, ws := testTenant()

	_, err := p.proc.Process(context.Background(), inputs(key, ws, rawSpan(1)))
	require.Error(t, err)
	assert.Empty(t, p.notifier.events)
	assert.Empty(t, p.metadata.blobs)
}

func TestProcessMetadataWrittenAfterCommit(t *testing.T) {
	p := newPipeline()
	key, ws := testTenant()

	span := rawSpan(1,
		strAttr(otlp.AttrGenAIOperation, "chat"),
		strAttr(otlp.AttrGenAISystem, "openai"),
		strAttr(otlp.AttrGenAIRequestModel, "gpt-4o"),
		intAttr(otlp.AttrGenAIInputTokens, 120),
		intAttr(otlp.AttrGenAIOutputTokens, 48),
	)

	res, err := p.proc.Process(context.Background(), inputs(key, ws, span))
	require.NoError(t, err)
	require.Len(t, res.Accepted, 1)

	require.Len(t, p.metadata.blobs, 1)
	md := p.metadata.blobs[0]
	assert.Equal(t, model.SpanTypeCompletion, md.Type)
	require.NotNil(t, md.Completion)
	assert.Equal(t, "openai", md.Completion.Provider)
	assert.Equal(t, "gpt-4o", md.Completion.Model)
	assert.EqualValues(t, 120, md.Completion.Tokens.Input)
	assert.EqualValues(t, 48, md.Completion.Tokens.Output)
}

func TestConversationRootNotification(t *testing.T) {
	p := newPipeline()
	key, ws := testTenant()

	root := rawSpan(1, strAttr(otlp.AttrInternalType, "chat"))
	child := rawSpan(2, strAttr(otlp.AttrInternalType, "chat"))
	parentID := make([]byte, 8)
	parentID[7] = 1
	child.ParentSpanId = parentID

	res, err := p.proc.Process(context.Background(), inputs(key, ws, root, child))
	require.NoError(t, err)
	require.Len(t, res.Accepted, 2)
	require.Len(t, p.notifier.events, 2)

	byID := map[string]model.SpanCreatedEvent{}
	for _, ev := range p.notifier.events {
		byID[ev.SpanID] = ev
	}
	assert.True(t, byID[spanKey(root).SpanID].IsConversationRoot)
	assert.False(t, byID[spanKey(child).SpanID].IsConversationRoot)
}
