package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/ashita-ai/konseki/internal/model"
	"github.com/ashita-ai/konseki/internal/otlp"
	"github.com/ashita-ai/konseki/internal/storage"
)

type fakeJobStore struct {
	pending   []storage.IngestJob
	extended  []int64
	extendErr error
	completed []int64
	failed    map[int64]string
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{failed: make(map[int64]string)}
}

func (s *fakeJobStore) ClaimIngestJobs(_ context.Context, _ int) ([]storage.IngestJob, error) {
	claimed := s.pending
	s.pending = nil
	return claimed, nil
}

func (s *fakeJobStore) ExtendIngestJobLock(_ context.Context, id int64) error {
	if s.extendErr != nil {
		return s.extendErr
	}
	s.extended = append(s.extended, id)
	return nil
}

func (s *fakeJobStore) CompleteIngestJob(_ context.Context, id int64) error {
	s.completed = append(s.completed, id)
	return nil
}

func (s *fakeJobStore) FailIngestJob(_ context.Context, id int64, errMsg string) error {
	s.failed[id] = errMsg
	return nil
}

func (s *fakeJobStore) CleanupDeadIngestJobs(_ context.Context) (int64, error) {
	return 0, nil
}

type fakeBatchStore struct {
	batches map[string][]byte
}

func (s *fakeBatchStore) GetRawBatch(_ context.Context, ingestionID string) ([]byte, error) {
	payload, ok := s.batches[ingestionID]
	if !ok {
		return nil, fmt.Errorf("blob: read raw batch %s: %w", ingestionID, storage.ErrNotFound)
	}
	return payload, nil
}

type fakeTenantRepo struct {
	workspaces map[uuid.UUID]model.Workspace
	keys       map[uuid.UUID]model.APIKey
	lookups    int
}

func newFakeTenantRepo(key model.APIKey, ws model.Workspace) *fakeTenantRepo {
	return &fakeTenantRepo{
		workspaces: map[uuid.UUID]model.Workspace{ws.ID: ws},
		keys:       map[uuid.UUID]model.APIKey{key.ID: key},
	}
}

func (r *fakeTenantRepo) GetWorkspace(_ context.Context, id uuid.UUID) (model.Workspace, error) {
	r.lookups++
	ws, ok := r.workspaces[id]
	if !ok {
		return model.Workspace{}, storage.ErrNotFound
	}
	return ws, nil
}

func (r *fakeTenantRepo) GetAPIKey(_ context.Context, id uuid.UUID) (model.APIKey, error) {
	key, ok := r.keys[id]
	if !ok {
		return model.APIKey{}, storage.ErrNotFound
	}
	return key, nil
}

func (r *fakeTenantRepo) FirstActiveAPIKey(_ context.Context, workspaceID uuid.UUID) (model.APIKey, error) {
	for _, key := range r.keys {
		if key.WorkspaceID == workspaceID {
			return key, nil
		}
	}
	return model.APIKey{}, storage.ErrNotFound
}

type workerHarness struct {
	jobs   *fakeJobStore
	blobs  *fakeBatchStore
	repo   *fakeTenantRepo
	pipe   *pipeline
	worker *Worker
}

func newWorkerHarness(key model.APIKey, ws model.Workspace) *workerHarness {
	h := &workerHarness{
		jobs:  newFakeJobStore(),
		blobs: &fakeBatchStore{batches: make(map[string][]byte)},
		repo:  newFakeTenantRepo(key, ws),
		pipe:  newPipeline(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.worker = NewWorker(h.jobs, h.blobs, h.repo, h.pipe.proc, logger)
	return h
}

func (h *workerHarness) storeBatch(t *testing.T, ingestionID string, spans ...*tracepb.Span) {
	t.Helper()
	td := &tracepb.TracesData{
		ResourceSpans: []*tracepb.ResourceSpans{{
			ScopeSpans: []*tracepb.ScopeSpans{{
				Scope: &commonpb.InstrumentationScope{Name: "test-sdk"},
				Spans: spans,
			}},
		}},
	}
	payload, err := protojson.Marshal(td)
	require.NoError(t, err)
	h.blobs.batches[ingestionID] = payload
}

func TestWorkerRunJobCompletes(t *testing.T) {
	key, ws := testTenant()
	h := newWorkerHarness(key, ws)
	h.storeBatch(t, "batch-1",
		rawSpan(1, strAttr(otlp.AttrGenAIOperation, "chat")),
		rawSpan(2, strAttr(otlp.AttrGenAIOperation, "embeddings")),
	)

	job := storage.IngestJob{ID: 7, IngestionID: "batch-1", WorkspaceID: &ws.ID, APIKeyID: &key.ID}
	h.worker.runJob(context.Background(), job)

	assert.Equal(t, []int64{7}, h.jobs.completed)
	assert.Empty(t, h.jobs.failed)
	assert.Len(t, h.pipe.store.inserted, 2)
}

func TestWorkerRunJobFailsOnMissingBatch(t *testing.T) {
	key, ws := testTenant()
	h := newWorkerHarness(key, ws)

	job := storage.IngestJob{ID: 3, IngestionID: "gone", WorkspaceID: &ws.ID, APIKeyID: &key.ID}
	h.worker.runJob(context.Background(), job)

	assert.Empty(t, h.jobs.completed)
	assert.Contains(t, h.jobs.failed[3], "gone")
}

func TestWorkerRunJobFailsOnMalformedPayload(t *testing.T) {
	key, ws := testTenant()
	h := newWorkerHarness(key, ws)
	h.blobs.batches["bad"] = []byte("{not json")

	job := storage.IngestJob{ID: 9, IngestionID: "bad", WorkspaceID: &ws.ID, APIKeyID: &key.ID}
	h.worker.runJob(context.Background(), job)

	assert.Empty(t, h.jobs.completed)
	assert.Contains(t, h.jobs.failed[9], "decode raw batch")
}

func TestWorkerResolvesTenantFromBaggage(t *testing.T) {
	key, ws := testTenant()
	h := newWorkerHarness(key, ws)

	bag, err := json.Marshal(model.Baggage{WorkspaceID: ws.ID, APIKeyID: &key.ID})
	require.NoError(t, err)
	h.storeBatch(t, "batch-1",
		rawSpan(1, strAttr(otlp.AttrGenAIOperation, "chat"), strAttr(otlp.AttrInternalBaggage, string(bag))),
	)

	job := storage.IngestJob{ID: 1, IngestionID: "batch-1"}
	res, err := h.worker.processJob(context.Background(), job)
	require.NoError(t, err)

	require.Len(t, res.Accepted, 1)
	assert.Equal(t, ws.ID, res.Accepted[0].WorkspaceID)
	assert.Equal(t, key.ID, res.Accepted[0].APIKeyID)
}

func TestWorkerSkipsSpansWithoutTenant(t *testing.T) {
	key, ws := testTenant()
	h := newWorkerHarness(key, ws)
	h.storeBatch(t, "batch-1",
		rawSpan(1, strAttr(otlp.AttrGenAIOperation, "chat")),
	)

	job := storage.IngestJob{ID: 1, IngestionID: "batch-1"}
	res, err := h.worker.processJob(context.Background(), job)
	require.NoError(t, err)

	assert.Empty(t, res.Accepted)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, SkipTenant, res.Skipped[0].Reason)
}

func TestWorkerDrainOnceRenewsLockPerJob(t *testing.T) {
	key, ws := testTenant()
	h := newWorkerHarness(key, ws)
	h.storeBatch(t, "batch-1", rawSpan(1, strAttr(otlp.AttrGenAIOperation, "chat")))
	h.storeBatch(t, "batch-2", rawSpan(2, strAttr(otlp.AttrGenAIOperation, "chat")))
	h.jobs.pending = []storage.IngestJob{
		{ID: 1, IngestionID: "batch-1", WorkspaceID: &ws.ID, APIKeyID: &key.ID},
		{ID: 2, IngestionID: "batch-2", WorkspaceID: &ws.ID, APIKeyID: &key.ID},
	}

	h.worker.drainOnce(context.Background())

	// Jobs run sequentially; each lock is renewed before its job starts so
	// a later job cannot be re-claimed by another worker mid-batch.
	assert.Equal(t, []int64{1, 2}, h.jobs.extended)
	assert.Equal(t, []int64{1, 2}, h.jobs.completed)
}

func TestWorkerDrainOnceSkipsJobWhenLockRenewalFails(t *testing.T) {
	key, ws := testTenant()
	h := newWorkerHarness(key, ws)
	h.storeBatch(t, "batch-1", rawSpan(1, strAttr(otlp.AttrGenAIOperation, "chat")))
	h.jobs.pending = []storage.IngestJob{
		{ID: 1, IngestionID: "batch-1", WorkspaceID: &ws.ID, APIKeyID: &key.ID},
	}
	h.jobs.extendErr = assert.AnError

	h.worker.drainOnce(context.Background())

	assert.Empty(t, h.jobs.completed)
	assert.Empty(t, h.jobs.failed)
	assert.Empty(t, h.pipe.store.inserted)
}

func TestWorkerDrainOnceFinishesClaimedJobsAfterCancel(t *testing.T) {
	key, ws := testTenant()
	h := newWorkerHarness(key, ws)
	h.storeBatch(t, "batch-1", rawSpan(1, strAttr(otlp.AttrGenAIOperation, "chat")))
	h.storeBatch(t, "batch-2", rawSpan(2, strAttr(otlp.AttrGenAIOperation, "chat")))
	h.jobs.pending = []storage.IngestJob{
		{ID: 1, IngestionID: "batch-1", WorkspaceID: &ws.ID, APIKeyID: &key.ID},
		{ID: 2, IngestionID: "batch-2", WorkspaceID: &ws.ID, APIKeyID: &key.ID},
	}

	// Shutdown arrives while the batch is mid-drain: the already-claimed
	// jobs still finish on their detached per-job contexts.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.worker.drainOnce(ctx)

	assert.Equal(t, []int64{1, 2}, h.jobs.completed)
	assert.Len(t, h.pipe.store.inserted, 2)
}

func TestWorkerMemoizesTenantLookups(t *testing.T) {
	key, ws := testTenant()
	h := newWorkerHarness(key, ws)
	h.storeBatch(t, "batch-1",
		rawSpan(1, strAttr(otlp.AttrGenAIOperation, "chat")),
		rawSpan(2, strAttr(otlp.AttrGenAIOperation, "chat")),
		rawSpan(3, strAttr(otlp.AttrGenAIOperation, "chat")),
	)

	job := storage.IngestJob{ID: 1, IngestionID: "batch-1", WorkspaceID: &ws.ID, APIKeyID: &key.ID}
	res, err := h.worker.processJob(context.Background(), job)
	require.NoError(t, err)

	assert.Len(t, res.Accepted, 3)
	assert.Equal(t, 1, h.repo.lookups)
}
