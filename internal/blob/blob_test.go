package blob

import (
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/ashita-ai/konseki/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { _ = bucket.Close() })
	store, err := NewWithBucket(bucket, 32<<20, slog.Default())
	require.NoError(t, err)
	return store
}

func TestRawBatchRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	payload := []byte(`{"resourceSpans":[]}`)
	require.NoError(t, store.PutRawBatch(ctx, "abc123", payload))

	got, err := store.GetRawBatch(ctx, "abc123")
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestSpanMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ws := uuid.New()
	md := model.SpanMetadata{
		WorkspaceID: ws,
		TraceID:     "0af7651916cd43dd8448eb211c80319c",
		SpanID:      "b7ad6b7169203331",
		Type:        model.SpanTypeCompletion,
		Completion: &model.CompletionMetadata{
			Provider: "openai",
			Model:    "gpt-4o",
			Tokens:   model.TokenUsage{Input: 12, Output: 34},
		},
	}
	require.NoError(t, store.PutSpanMetadata(ctx, md))

	got, ok, err := store.GetSpanMetadata(ctx, ws.String(), md.TraceID, md.SpanID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, md.Type, got.Type)
	require.NotNil(t, got.Completion)
	require.Equal(t, "gpt-4o", got.Completion.Model)
	require.EqualValues(t, 12, got.Completion.Tokens.Input)
}

func TestGetSpanMetadataMissing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, ok, err := store.GetSpanMetadata(ctx, uuid.NewString(), "deadbeef", "cafe")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPutSpanMetadataInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ws := uuid.New()
	md := model.SpanMetadata{
		WorkspaceID: ws,
		TraceID:     "trace",
		SpanID:      "span",
		Type:        model.SpanTypeTool,
		Tool:        &model.ToolMetadata{Name: "search"},
	}
	require.NoError(t, store.PutSpanMetadata(ctx, md))

	// Warm the cache.
	_, ok, err := store.GetSpanMetadata(ctx, ws.String(), "trace", "span")
	require.NoError(t, err)
	require.True(t, ok)

	md.Tool.Name = "search_v2"
	require.NoError(t, store.PutSpanMetadata(ctx, md))

	got, ok, err := store.GetSpanMetadata(ctx, ws.String(), "trace", "span")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "search_v2", got.Tool.Name)
}
