package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/konseki/internal/model"
)

// ChannelSpans is the Postgres LISTEN/NOTIFY channel carrying span-created
// events.
const ChannelSpans = "konseki_spans"

// NotifySpanCreated publishes a span-created event. Called only after the
// span's transaction is known to have committed.
func (db *DB) NotifySpanCreated(ctx context.Context, ev model.SpanCreatedEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("storage: marshal span event: %w", err)
	}
	if _, err := db.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelSpans, string(payload)); err != nil {
		return fmt.Errorf("storage: notify span created: %w", err)
	}
	return nil
}

// Listen starts listening on the specified channel using the dedicated
// notify connection. Returns an error if no notify connection is configured.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	if _, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened
// channel. Returns the channel name and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	notification, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}
