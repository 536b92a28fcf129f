package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/konseki/internal/model"
	"github.com/ashita-ai/konseki/internal/otlp"
)

// metadataHandler derives the type-specific metadata payload for one
// normalized span. A handler failure skips the span, not the batch.
type metadataHandler func(n normalized) (model.SpanMetadata, error)

// metadataHandlers maps each span type to its payload shape. Types without
// an entry fall through to the default handler, which keeps the raw
// attribute bag. New SDK conventions are supported by extending a handler,
// never by adding a dynamic payload shape.
var metadataHandlers = map[model.SpanType]metadataHandler{
	model.SpanTypeCompletion: completionMetadata,
	model.SpanTypeChat:       completionMetadata,
	model.SpanTypeEmbedding:  completionMetadata,
	model.SpanTypePrompt:     promptMetadata,
	model.SpanTypeTool:       toolMetadata,
	model.SpanTypeHTTP:       httpMetadata,
}

// buildMetadata runs the handler for the span's type and validates the
// resulting payload against its declared shape.
func buildMetadata(n normalized) (model.SpanMetadata, error) {
	handler, ok := metadataHandlers[n.span.Type]
	if !ok {
		handler = defaultMetadata
	}
	md, err := handler(n)
	if err != nil {
		return model.SpanMetadata{}, err
	}
	md.WorkspaceID = n.span.WorkspaceID
	md.TraceID = n.span.TraceID
	md.SpanID = n.span.ID
	md.Type = n.span.Type
	if err := md.Validate(); err != nil {
		return model.SpanMetadata{}, fmt.Errorf("ingest: metadata for span %s: %w", n.span.ID, err)
	}
	return md, nil
}

func completionMetadata(n normalized) (model.SpanMetadata, error) {
	attrs := n.attrs

	tokens := model.TokenUsage{}
	if v, ok := otlp.IntAttr(attrs, otlp.AttrGenAIInputTokens); ok {
		tokens.Input = v
	} else if v, ok := otlp.IntAttr(attrs, otlp.AttrLegacyPromptTokens); ok {
		tokens.Input = v
	}
	if v, ok := otlp.IntAttr(attrs, otlp.AttrGenAIOutputTokens); ok {
		tokens.Output = v
	} else if v, ok := otlp.IntAttr(attrs, otlp.AttrLegacyCompletionTokens); ok {
		tokens.Output = v
	}

	modelName := otlp.StringAttr(attrs, otlp.AttrGenAIResponseModel)
	if modelName == "" {
		modelName = otlp.StringAttr(attrs, otlp.AttrGenAIRequestModel)
	}

	cost, _ := otlp.IntAttr(attrs, otlp.AttrCostMillicents)

	md := &model.CompletionMetadata{
		Provider:       otlp.StringAttr(attrs, otlp.AttrGenAISystem),
		Model:          modelName,
		Input:          parseMessages(attrs, otlp.AttrGenAIPrompt, "user"),
		Output:         parseMessages(attrs, otlp.AttrGenAICompletion, "assistant"),
		Tokens:         tokens,
		CostMillicents: cost,
		FinishReason:   finishReason(attrs),
		Attributes:     attrs,
	}
	return model.SpanMetadata{Completion: md}, nil
}

// parseMessages reads a message array attribute. The value is either a JSON
// array of {role, content} objects or, from simpler SDKs, a bare string that
// becomes a single message with the fallback role.
func parseMessages(attrs map[string]any, key, fallbackRole string) []model.Message {
	raw := otlp.StringAttr(attrs, key)
	if raw == "" {
		return nil
	}
	var msgs []model.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err == nil {
		return msgs
	}
	content, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	return []model.Message{{Role: fallbackRole, Content: content}}
}

func finishReason(attrs map[string]any) string {
	switch v := attrs[otlp.AttrGenAIFinishReasons].(type) {
	case string:
		return v
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

func promptMetadata(n normalized) (model.SpanMetadata, error) {
	md := &model.PromptMetadata{
		Template:   otlp.StringAttr(n.attrs, otlp.AttrPromptTemplate),
		Attributes: n.attrs,
	}
	if raw := otlp.StringAttr(n.attrs, otlp.AttrPromptParameters); raw != "" {
		var params map[string]any
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return model.SpanMetadata{}, fmt.Errorf("ingest: malformed prompt parameters: %w", err)
		}
		md.Parameters = params
	}
	return model.SpanMetadata{Prompt: md}, nil
}

func toolMetadata(n normalized) (model.SpanMetadata, error) {
	md := &model.ToolMetadata{
		Name:       otlp.StringAttr(n.attrs, otlp.AttrGenAIToolName),
		CallID:     otlp.StringAttr(n.attrs, otlp.AttrGenAIToolCallID),
		Attributes: n.attrs,
	}
	if raw := otlp.StringAttr(n.attrs, otlp.AttrGenAIToolArguments); raw != "" {
		md.Arguments = rawJSON(raw)
	}
	if raw := otlp.StringAttr(n.attrs, otlp.AttrGenAIToolResult); raw != "" {
		md.Result = rawJSON(raw)
	}
	return model.SpanMetadata{Tool: md}, nil
}

// rawJSON passes a JSON-valued attribute through verbatim, quoting it as a
// string when the SDK sent something that is not valid JSON.
func rawJSON(raw string) json.RawMessage {
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	quoted, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	return quoted
}

func httpMetadata(n normalized) (model.SpanMetadata, error) {
	method := otlp.StringAttr(n.attrs, otlp.AttrHTTPRequestMethod)
	if method == "" {
		method = otlp.StringAttr(n.attrs, otlp.AttrHTTPMethod)
	}
	url := otlp.StringAttr(n.attrs, otlp.AttrURLFull)
	if url == "" {
		url = otlp.StringAttr(n.attrs, otlp.AttrHTTPURL)
	}
	var status int
	if v, ok := otlp.IntAttr(n.attrs, otlp.AttrHTTPRespStatus); ok {
		status = int(v)
	} else if v, ok := otlp.IntAttr(n.attrs, otlp.AttrHTTPStatusCode); ok {
		status = int(v)
	}
	md := &model.HTTPMetadata{
		Method:     method,
		URL:        url,
		StatusCode: status,
		Attributes: n.attrs,
	}
	return model.SpanMetadata{HTTP: md}, nil
}

func defaultMetadata(n normalized) (model.SpanMetadata, error) {
	md := &model.DefaultMetadata{
		Attributes: n.attrs,
		Events:     n.events,
		Links:      n.links,
	}
	return model.SpanMetadata{Default: md}, nil
}
