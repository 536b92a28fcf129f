// Package blob persists the two large payloads of the ingestion path in
// durable object storage: raw OTLP batches keyed by ingestion id, and
// per-span metadata blobs keyed by workspace+trace+span.
//
// Metadata blobs are zstd-compressed JSON. A small in-process cache fronts
// metadata reads; the ingestion path only ever invalidates it.
package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/ashita-ai/konseki/internal/model"
)

// Store wraps a gocloud bucket. The bucket URL decides the backend
// (s3://, gs://, azblob://, file://; mem:// in tests).
type Store struct {
	bucket  *blob.Bucket
	cache   *fastcache.Cache
	logger  *slog.Logger
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Open connects to the bucket at urlstr. cacheBytes sizes the in-process
// metadata cache (minimum 32 MB, enforced by fastcache).
func Open(ctx context.Context, urlstr string, cacheBytes int, logger *slog.Logger) (*Store, error) {
	bucket, err := blob.OpenBucket(ctx, urlstr)
	if err != nil {
		return nil, fmt.Errorf("blob: open bucket %s: %w", urlstr, err)
	}
	return NewWithBucket(bucket, cacheBytes, logger)
}

// NewWithBucket wraps an already-open bucket. Tests use this with memblob.
func NewWithBucket(bucket *blob.Bucket, cacheBytes int, logger *slog.Logger) (*Store, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("blob: create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("blob: create zstd decoder: %w", err)
	}
	return &Store{
		bucket:  bucket,
		cache:   fastcache.New(cacheBytes),
		logger:  logger,
		encoder: enc,
		decoder: dec,
	}, nil
}

// Close releases the bucket.
func (s *Store) Close() error {
	return s.bucket.Close()
}

func rawBatchKey(ingestionID string) string {
	return "raw/" + ingestionID + ".json"
}

func metadataKey(workspaceID, traceID, spanID string) string {
	return fmt.Sprintf("metadata/%s/%s/%s", workspaceID, traceID, spanID)
}

// PutRawBatch stores a serialized OTLP batch under its ingestion id. The
// write must succeed before the batch's job is enqueued; an orphaned job
// with no raw payload would fail every attempt.
func (s *Store) PutRawBatch(ctx context.Context, ingestionID string, data []byte) error {
	opts := &blob.WriterOptions{ContentType: "application/json"}
	if err := s.bucket.WriteAll(ctx, rawBatchKey(ingestionID), data, opts); err != nil {
		return fmt.Errorf("blob: write raw batch %s: %w", ingestionID, err)
	}
	return nil
}

// GetRawBatch reads a stored batch back for processing.
func (s *Store) GetRawBatch(ctx context.Context, ingestionID string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, rawBatchKey(ingestionID))
	if err != nil {
		return nil, fmt.Errorf("blob: read raw batch %s: %w", ingestionID, err)
	}
	return data, nil
}

// PutSpanMetadata compresses and writes one span's metadata blob, then
// invalidates any cache entry under the same key. Called after the span row
// commits; readers tolerate the short window where the row exists and the
// blob does not.
func (s *Store) PutSpanMetadata(ctx context.Context, md model.SpanMetadata) error {
	payload, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("blob: marshal span metadata: %w", err)
	}
	compressed := s.encoder.EncodeAll(payload, nil)

	key := metadataKey(md.WorkspaceID.String(), md.TraceID, md.SpanID)
	opts := &blob.WriterOptions{ContentType: "application/zstd"}
	if err := s.bucket.WriteAll(ctx, key, compressed, opts); err != nil {
		return fmt.Errorf("blob: write span metadata %s: %w", key, err)
	}
	s.cache.Del([]byte(key))
	return nil
}

// GetSpanMetadata reads one span's metadata blob. A missing blob returns
// ok=false with no error: the span row may have committed before its blob
// was written, which readers treat as "still materializing".
func (s *Store) GetSpanMetadata(ctx context.Context, workspaceID, traceID, spanID string) (model.SpanMetadata, bool, error) {
	key := metadataKey(workspaceID, traceID, spanID)

	compressed, hit := s.cache.HasGet(nil, []byte(key))
	if !hit {
		var err error
		compressed, err = s.bucket.ReadAll(ctx, key)
		if err != nil {
			if gcerrors.Code(err) == gcerrors.NotFound {
				return model.SpanMetadata{}, false, nil
			}
			return model.SpanMetadata{}, false, fmt.Errorf("blob: read span metadata %s: %w", key, err)
		}
		s.cache.Set([]byte(key), compressed)
	}

	payload, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return model.SpanMetadata{}, false, fmt.Errorf("blob: decompress span metadata %s: %w", key, err)
	}
	var md model.SpanMetadata
	if err := json.Unmarshal(payload, &md); err != nil {
		return model.SpanMetadata{}, false, fmt.Errorf("blob: unmarshal span metadata %s: %w", key, err)
	}
	return md, true, nil
}
