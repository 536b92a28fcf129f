// Package analytic mirrors committed spans into ClickHouse for workspaces
// that have the mirror feature enabled. The mirror is a best-effort side
// channel for analytical queries; Postgres stays the source of truth.
package analytic

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/ashita-ai/konseki/internal/model"
)

const insertSpans = `
INSERT INTO spans (
	workspace_id, trace_id, span_id, parent_id,
	name, kind, type, status, message,
	duration_ms, started_at, ended_at, source, expires_at
)`

const createSpansTable = `
CREATE TABLE IF NOT EXISTS spans (
	workspace_id UUID,
	trace_id     String,
	span_id      String,
	parent_id    String,
	name         String,
	kind         LowCardinality(String),
	type         LowCardinality(String),
	status       LowCardinality(String),
	message      String,
	duration_ms  Int64,
	started_at   DateTime64(3),
	ended_at     DateTime64(3),
	source       LowCardinality(String),
	expires_at   DateTime
)
ENGINE = MergeTree
PARTITION BY toDate(started_at)
ORDER BY (workspace_id, trace_id, span_id)
TTL expires_at`

// Mirror writes span rows to ClickHouse with a retention horizon attached.
// The row's TTL expiry is computed here so retention never needs a sweeper.
type Mirror struct {
	conn   driver.Conn
	logger *slog.Logger
}

// Open connects to ClickHouse and ensures the spans table exists.
func Open(ctx context.Context, addr, database, username, password string, logger *slog.Logger) (*Mirror, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("analytic: open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("analytic: ping clickhouse: %w", err)
	}
	m := &Mirror{conn: conn, logger: logger}
	if err := m.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// NewWithConn wraps an existing connection. Tests use this with a fake driver.
func NewWithConn(conn driver.Conn, logger *slog.Logger) *Mirror {
	return &Mirror{conn: conn, logger: logger}
}

func (m *Mirror) ensureSchema(ctx context.Context) error {
	if err := m.conn.Exec(ctx, createSpansTable); err != nil {
		return fmt.Errorf("analytic: create spans table: %w", err)
	}
	return nil
}

// Close releases the connection.
func (m *Mirror) Close() error {
	return m.conn.Close()
}

// InsertSpans appends one row per span with expires_at set retentionDays
// past the span's end time. ClickHouse drops expired rows on merge.
func (m *Mirror) InsertSpans(ctx context.Context, spans []model.Span, retentionDays int) error {
	if len(spans) == 0 {
		return nil
	}
	batch, err := m.conn.PrepareBatch(ctx, insertSpans)
	if err != nil {
		return fmt.Errorf("analytic: prepare batch: %w", err)
	}
	defer batch.Close()

	for _, s := range spans {
		var parentID string
		if s.ParentID != nil {
			parentID = *s.ParentID
		}
		var message string
		if s.Message != nil {
			message = *s.Message
		}
		expiresAt := s.EndedAt.AddDate(0, 0, retentionDays)
		err := batch.Append(
			s.WorkspaceID,
			s.TraceID,
			s.ID,
			parentID,
			s.Name,
			string(s.Kind),
			string(s.Type),
			string(s.Status),
			message,
			s.Duration,
			s.StartedAt,
			s.EndedAt,
			string(s.Source),
			expiresAt,
		)
		if err != nil {
			return fmt.Errorf("analytic: append span %s to batch: %w", s.ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("analytic: send batch: %w", err)
	}
	return nil
}
