package model

import (
	"time"

	"github.com/google/uuid"
)

// Workspace is the tenant boundary. Every span is scoped to exactly one
// workspace; cross-workspace reads are never possible in this subsystem.
type Workspace struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Plan      string    `json:"plan"` // free, team, enterprise
	CreatedAt time.Time `json:"created_at"`
}

// APIKey authenticates telemetry submissions for a workspace. Multiple keys
// can exist per workspace, enabling rotation and per-environment credentials.
type APIKey struct {
	ID          uuid.UUID  `json:"id"`
	WorkspaceID uuid.UUID  `json:"workspace_id"`
	Name        string     `json:"name"`
	Prefix      string     `json:"prefix"`
	KeyHash     string     `json:"-"` // Never serialized.
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the key can authenticate requests.
func (k APIKey) Active() bool {
	return k.RevokedAt == nil
}

// Baggage is the trusted tenant context an originating SDK embeds into span
// attributes when the caller cannot supply explicit ids. It travels as a
// JSON payload inside a single reserved attribute.
type Baggage struct {
	WorkspaceID uuid.UUID  `json:"workspace_id"`
	APIKeyID    *uuid.UUID `json:"api_key_id,omitempty"`
}
