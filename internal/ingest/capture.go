package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/konseki/internal/storage"
)

// CaptureResolver is the slice of storage that resolves an indirect prompt
// reference (project id + path, optionally pinned to a version or log) to
// concrete document identifiers. *storage.DB satisfies it.
type CaptureResolver interface {
	ResolveCapture(ctx context.Context, projectID int64, path string, versionUUID, logUUID *uuid.UUID) (storage.CaptureRefs, error)
}

type captureKey struct {
	traceID   string
	path      string
	projectID int64
	version   string
	log       string
}

type captureResult struct {
	refs storage.CaptureRefs
	err  error
}

// captureCache memoizes capture resolution for the duration of one batch
// execution. Many spans in a trace typically share the same unresolved
// reference; the memo plus singleflight collapse them into one lookup.
// The cache is deliberately not shared across calls: a document renamed
// between batches must resolve fresh.
type captureCache struct {
	resolver CaptureResolver
	group    singleflight.Group

	mu   sync.Mutex
	memo map[captureKey]captureResult
}

func newCaptureCache(resolver CaptureResolver) *captureCache {
	return &captureCache{
		resolver: resolver,
		memo:     make(map[captureKey]captureResult),
	}
}

// resolve returns the document references for one key, performing at most
// one storage lookup per distinct key. Failures are memoized too: a missing
// document stays missing for every span in the batch that references it.
func (c *captureCache) resolve(ctx context.Context, key captureKey) (storage.CaptureRefs, error) {
	c.mu.Lock()
	if res, ok := c.memo[key]; ok {
		c.mu.Unlock()
		return res.refs, res.err
	}
	c.mu.Unlock()

	flightKey := fmt.Sprintf("%s\x00%s\x00%d\x00%s\x00%s", key.traceID, key.path, key.projectID, key.version, key.log)
	v, err, _ := c.group.Do(flightKey, func() (any, error) {
		var versionUUID, logUUID *uuid.UUID
		if key.version != "" {
			id, parseErr := uuid.Parse(key.version)
			if parseErr != nil {
				return nil, fmt.Errorf("ingest: malformed version uuid %q: %w", key.version, parseErr)
			}
			versionUUID = &id
		}
		if key.log != "" {
			id, parseErr := uuid.Parse(key.log)
			if parseErr != nil {
				return nil, fmt.Errorf("ingest: malformed log uuid %q: %w", key.log, parseErr)
			}
			logUUID = &id
		}
		return c.resolver.ResolveCapture(ctx, key.projectID, key.path, versionUUID, logUUID)
	})

	var refs storage.CaptureRefs
	if err == nil {
		refs = v.(storage.CaptureRefs)
	}
	c.mu.Lock()
	c.memo[key] = captureResult{refs: refs, err: err}
	c.mu.Unlock()
	return refs, err
}
