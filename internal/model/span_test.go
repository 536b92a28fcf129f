package model

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSpan() Span {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return Span{
		ID:          "b7ad6b7169203331",
		TraceID:     "0af7651916cd43dd8448eb211c80319c",
		WorkspaceID: uuid.New(),
		APIKeyID:    uuid.New(),
		Name:        "openai.chat",
		Kind:        SpanKindClient,
		Type:        SpanTypeChat,
		Status:      SpanStatusOK,
		Duration:    250,
		StartedAt:   started,
		EndedAt:     started.Add(250 * time.Millisecond),
		Source:      SpanSourceTelemetry,
	}
}

func TestSpanValidate(t *testing.T) {
	require.NoError(t, validSpan().Validate())
}

func TestSpanValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Span)
	}{
		{"missing span id", func(s *Span) { s.ID = "" }},
		{"missing trace id", func(s *Span) { s.TraceID = "" }},
		{"missing name", func(s *Span) { s.Name = "" }},
		{"name too long", func(s *Span) { s.Name = strings.Repeat("x", MaxSpanNameLen+1) }},
		{"negative duration", func(s *Span) { s.Duration = -1 }},
		{"ended before started", func(s *Span) { s.EndedAt = s.StartedAt.Add(-time.Second) }},
		{"unresolved external never stored", func(s *Span) { s.Type = SpanTypeUnresolvedExternal }},
		{"unrecognized type", func(s *Span) { s.Type = "mystery" }},
		{"message too long", func(s *Span) {
			msg := strings.Repeat("x", MaxSpanMessageLen+1)
			s.Message = &msg
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSpan()
			tt.mutate(&s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestTruncation(t *testing.T) {
	long := strings.Repeat("n", MaxSpanNameLen+50)
	assert.Len(t, TruncateName(long), MaxSpanNameLen)
	assert.Equal(t, "short", TruncateName("short"))

	longMsg := strings.Repeat("m", MaxSpanMessageLen+50)
	assert.Len(t, TruncateMessage(longMsg), MaxSpanMessageLen)
}

func TestNewSpanCreatedEvent(t *testing.T) {
	s := validSpan()
	ev := NewSpanCreatedEvent(s)
	assert.Equal(t, s.ID, ev.SpanID)
	assert.Equal(t, s.TraceID, ev.TraceID)
	assert.True(t, ev.IsConversationRoot, "parentless chat span is a conversation root")

	parent := "aaaa"
	s.ParentID = &parent
	assert.False(t, NewSpanCreatedEvent(s).IsConversationRoot)

	s.ParentID = nil
	s.Type = SpanTypeTool
	assert.False(t, NewSpanCreatedEvent(s).IsConversationRoot)
}

func TestSpanMetadataValidate(t *testing.T) {
	ws := uuid.New()
	md := SpanMetadata{
		WorkspaceID: ws,
		TraceID:     "t",
		SpanID:      "s",
		Type:        SpanTypeChat,
		Completion:  &CompletionMetadata{Model: "gpt-4o"},
	}
	require.NoError(t, md.Validate())

	md.Tool = &ToolMetadata{}
	assert.Error(t, md.Validate(), "two variants set")

	md.Tool = nil
	md.Completion = nil
	assert.Error(t, md.Validate(), "no variant set")

	md.Type = SpanTypeTool
	md.Completion = &CompletionMetadata{}
	assert.Error(t, md.Validate(), "variant does not match type")
}
