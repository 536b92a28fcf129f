package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SpanKind represents the OTEL span kind.
type SpanKind string

const (
	SpanKindInternal SpanKind = "internal"
	SpanKindServer   SpanKind = "server"
	SpanKindClient   SpanKind = "client"
	SpanKindProducer SpanKind = "producer"
	SpanKindConsumer SpanKind = "consumer"
)

// SpanStatus represents the OTEL span status.
type SpanStatus string

const (
	SpanStatusUnset SpanStatus = "unset"
	SpanStatusOK    SpanStatus = "ok"
	SpanStatusError SpanStatus = "error"
)

// SpanType is the semantic classification of a span, derived from the
// attribute conventions of the emitting SDK.
type SpanType string

const (
	SpanTypePrompt     SpanType = "prompt"
	SpanTypeChat       SpanType = "chat"
	SpanTypeCompletion SpanType = "completion"
	SpanTypeEmbedding  SpanType = "embedding"
	SpanTypeTool       SpanType = "tool"
	SpanTypeRetrieval  SpanType = "retrieval"
	SpanTypeReranking  SpanType = "reranking"
	SpanTypeHTTP       SpanType = "http"
	SpanTypeExternal   SpanType = "external"
	SpanTypeUnknown    SpanType = "unknown"

	// SpanTypeUnresolvedExternal is a transient working value for spans that
	// carry only a prompt path and project id. Capture resolution rewrites it
	// to SpanTypeExternal before commit; it is never stored.
	SpanTypeUnresolvedExternal SpanType = "unresolved_external"
)

// ValidSpanType reports whether t is a recognized span type.
func ValidSpanType(t SpanType) bool {
	switch t {
	case SpanTypePrompt, SpanTypeChat, SpanTypeCompletion, SpanTypeEmbedding,
		SpanTypeTool, SpanTypeRetrieval, SpanTypeReranking, SpanTypeHTTP,
		SpanTypeExternal, SpanTypeUnresolvedExternal, SpanTypeUnknown:
		return true
	}
	return false
}

// SpanSource identifies how a span entered the system.
type SpanSource string

const (
	SpanSourceAPI       SpanSource = "api"
	SpanSourceTelemetry SpanSource = "telemetry"
)

const (
	// MaxSpanNameLen is the maximum stored span name length.
	MaxSpanNameLen = 128
	// MaxSpanMessageLen is the maximum stored status message length.
	MaxSpanMessageLen = 256
)

// Span is the canonical, SDK-independent representation of an ingested OTLP
// span. Identified by (trace_id, span_id) within a workspace. Immutable after
// creation; this subsystem has no update or delete path.
type Span struct {
	ID               string     `json:"id"` // OTLP span id, hex
	TraceID          string     `json:"trace_id"`
	ParentID         *string    `json:"parent_id,omitempty"` // weak reference, target may not exist yet
	WorkspaceID      uuid.UUID  `json:"workspace_id"`
	APIKeyID         uuid.UUID  `json:"api_key_id"`
	Name             string     `json:"name"`
	Kind             SpanKind   `json:"kind"`
	Type             SpanType   `json:"type"`
	Status           SpanStatus `json:"status"`
	Message          *string    `json:"message,omitempty"`
	Duration         int64      `json:"duration_ms"` // milliseconds, >= 0
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          time.Time  `json:"ended_at"`
	DocumentUUID     *uuid.UUID `json:"document_uuid,omitempty"`
	CommitUUID       *uuid.UUID `json:"commit_uuid,omitempty"`
	DocumentLogUUID  *uuid.UUID `json:"document_log_uuid,omitempty"`
	ExperimentUUID   *uuid.UUID `json:"experiment_uuid,omitempty"`
	TestDeploymentID *int64     `json:"test_deployment_id,omitempty"`
	ProjectID        *int64     `json:"project_id,omitempty"`
	Source           SpanSource `json:"source"`
	CreatedAt        time.Time  `json:"created_at"`
}

// SpanKey is the identity of a span within a workspace.
type SpanKey struct {
	TraceID string
	SpanID  string
}

// Key returns the span's identity pair.
func (s Span) Key() SpanKey {
	return SpanKey{TraceID: s.TraceID, SpanID: s.ID}
}

// Validate checks the invariants a span must satisfy before commit.
func (s Span) Validate() error {
	if s.ID == "" || s.TraceID == "" {
		return fmt.Errorf("span id and trace id are required")
	}
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Name) > MaxSpanNameLen {
		return fmt.Errorf("name exceeds %d characters", MaxSpanNameLen)
	}
	if s.Message != nil && len(*s.Message) > MaxSpanMessageLen {
		return fmt.Errorf("message exceeds %d characters", MaxSpanMessageLen)
	}
	if s.Duration < 0 {
		return fmt.Errorf("duration must be >= 0")
	}
	if s.EndedAt.Before(s.StartedAt) {
		return fmt.Errorf("ended_at precedes started_at")
	}
	if s.Type == SpanTypeUnresolvedExternal {
		return fmt.Errorf("unresolved_external is a working type and cannot be stored")
	}
	if !ValidSpanType(s.Type) {
		return fmt.Errorf("unrecognized span type %q", s.Type)
	}
	return nil
}

// TruncateName clips a span name to the storable maximum.
func TruncateName(name string) string {
	if len(name) > MaxSpanNameLen {
		return name[:MaxSpanNameLen]
	}
	return name
}

// TruncateMessage clips a status message to the storable maximum.
func TruncateMessage(msg string) string {
	if len(msg) > MaxSpanMessageLen {
		return msg[:MaxSpanMessageLen]
	}
	return msg
}

// SpanEvent is a timestamped annotation on a span.
type SpanEvent struct {
	Name       string         `json:"name"`
	Timestamp  time.Time      `json:"timestamp"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// SpanLink is a reference to a span in another trace.
type SpanLink struct {
	TraceID    string         `json:"trace_id"`
	SpanID     string         `json:"span_id"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// SpanCreatedEvent is the notification payload published once per span after
// a successful commit.
type SpanCreatedEvent struct {
	SpanID             string     `json:"span_id"`
	TraceID            string     `json:"trace_id"`
	WorkspaceID        uuid.UUID  `json:"workspace_id"`
	APIKeyID           uuid.UUID  `json:"api_key_id"`
	SpanType           SpanType   `json:"span_type"`
	ParentID           *string    `json:"parent_id,omitempty"`
	ProjectID          *int64     `json:"project_id,omitempty"`
	DocumentUUID       *uuid.UUID `json:"document_uuid,omitempty"`
	CommitUUID         *uuid.UUID `json:"commit_uuid,omitempty"`
	IsConversationRoot bool       `json:"is_conversation_root"`
}

// NewSpanCreatedEvent builds the notification payload for a committed span.
// A span is a conversation root exactly when it is a chat span with no parent.
func NewSpanCreatedEvent(s Span) SpanCreatedEvent {
	return SpanCreatedEvent{
		SpanID:             s.ID,
		TraceID:            s.TraceID,
		WorkspaceID:        s.WorkspaceID,
		APIKeyID:           s.APIKeyID,
		SpanType:           s.Type,
		ParentID:           s.ParentID,
		ProjectID:          s.ProjectID,
		DocumentUUID:       s.DocumentUUID,
		CommitUUID:         s.CommitUUID,
		IsConversationRoot: s.Type == SpanTypeChat && s.ParentID == nil,
	}
}
