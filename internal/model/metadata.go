package model

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SpanMetadata is the type-specific payload stored separately from the lean
// span row, as a compressed blob keyed by workspace+trace+span. It is a
// tagged union: exactly one of the variant fields is set, chosen by Type.
//
// The blob is written after the span row commits, so a reader may briefly
// observe the row without the blob. A missing blob means "still
// materializing", not corruption.
type SpanMetadata struct {
	WorkspaceID uuid.UUID `json:"workspace_id"`
	TraceID     string    `json:"trace_id"`
	SpanID      string    `json:"span_id"`
	Type        SpanType  `json:"type"`

	Completion *CompletionMetadata `json:"completion,omitempty"`
	Prompt     *PromptMetadata     `json:"prompt,omitempty"`
	Tool       *ToolMetadata       `json:"tool,omitempty"`
	HTTP       *HTTPMetadata       `json:"http,omitempty"`
	Default    *DefaultMetadata    `json:"default,omitempty"`
}

// Validate checks that exactly the variant matching Type is populated.
func (m SpanMetadata) Validate() error {
	var want, got string
	switch m.Type {
	case SpanTypeCompletion, SpanTypeChat, SpanTypeEmbedding:
		want = "completion"
	case SpanTypePrompt:
		want = "prompt"
	case SpanTypeTool:
		want = "tool"
	case SpanTypeHTTP:
		want = "http"
	default:
		want = "default"
	}
	set := 0
	if m.Completion != nil {
		got = "completion"
		set++
	}
	if m.Prompt != nil {
		got = "prompt"
		set++
	}
	if m.Tool != nil {
		got = "tool"
		set++
	}
	if m.HTTP != nil {
		got = "http"
		set++
	}
	if m.Default != nil {
		got = "default"
		set++
	}
	if set != 1 {
		return fmt.Errorf("metadata must carry exactly one variant, has %d", set)
	}
	if got != want {
		return fmt.Errorf("metadata variant %q does not match span type %q", got, m.Type)
	}
	return nil
}

// Message is a single conversational message captured on a completion span.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// TokenUsage holds token counts reported by the provider.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// CompletionMetadata is the payload for completion, chat, and embedding
// spans: provider identity, usage accounting, and message content.
type CompletionMetadata struct {
	Provider       string         `json:"provider,omitempty"`
	Model          string         `json:"model,omitempty"`
	Configuration  map[string]any `json:"configuration,omitempty"`
	Input          []Message      `json:"input,omitempty"`
	Output         []Message      `json:"output,omitempty"`
	Tokens         TokenUsage     `json:"tokens"`
	CostMillicents int64          `json:"cost_millicents"`
	FinishReason   string         `json:"finish_reason,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

// PromptMetadata is the payload for prompt spans: the rendered template and
// its parameters.
type PromptMetadata struct {
	Template   string         `json:"template,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// ToolMetadata is the payload for tool-call spans.
type ToolMetadata struct {
	Name       string          `json:"name,omitempty"`
	CallID     string          `json:"call_id,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Attributes map[string]any  `json:"attributes,omitempty"`
}

// HTTPMetadata is the payload for plain HTTP client/server spans.
type HTTPMetadata struct {
	Method     string         `json:"method,omitempty"`
	URL        string         `json:"url,omitempty"`
	StatusCode int            `json:"status_code,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// DefaultMetadata is the payload for every other span type: the raw
// attribute bag plus converted events and links.
type DefaultMetadata struct {
	Attributes map[string]any `json:"attributes,omitempty"`
	Events     []SpanEvent    `json:"events,omitempty"`
	Links      []SpanLink     `json:"links,omitempty"`
}
