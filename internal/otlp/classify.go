package otlp

import (
	"strings"

	"github.com/ashita-ai/konseki/internal/model"
)

// A ClassificationRule inspects a converted attribute map and either claims
// the span with a type or passes. Rules are pure and stateless; each can be
// unit-tested in isolation.
type ClassificationRule struct {
	Name  string
	Match func(attrs map[string]any) (model.SpanType, bool)
}

// classificationRules is evaluated in order until one rule matches. The
// order is a correctness requirement, not a style choice: the explicit
// internal tag was assigned by an earlier, more specific classification step
// and must win over any conflicting SDK signal. New SDK conventions are
// appended before the fallback pair, never interleaved.
var classificationRules = []ClassificationRule{
	{Name: "internal-tag", Match: matchInternalTag},
	{Name: "genai-operation", Match: matchGenAIOperation},
	{Name: "legacy-request-type", Match: matchLegacyRequestType},
	{Name: "ai-sdk-operation", Match: matchAISDKOperation},
	{Name: "openinference-kind", Match: matchOpenInferenceKind},
	{Name: "http-request", Match: matchHTTPRequest},
	{Name: "system-model-pair", Match: matchSystemModelPair},
}

// ClassifySpanType determines a span's semantic type from its attributes by
// running the ordered rule cascade. Spans matching no rule are unknown.
func ClassifySpanType(attrs map[string]any) model.SpanType {
	for _, rule := range classificationRules {
		if t, ok := rule.Match(attrs); ok {
			return t
		}
	}
	return model.SpanTypeUnknown
}

// matchInternalTag recognizes the explicit type tag our own SDKs set,
// verbatim. Unknown tag values do not match, so a bad tag falls through to
// the convention rules instead of poisoning the span.
func matchInternalTag(attrs map[string]any) (model.SpanType, bool) {
	tag := model.SpanType(StringAttr(attrs, AttrInternalType))
	if tag != "" && model.ValidSpanType(tag) {
		return tag, true
	}
	return "", false
}

// genAIOperationTypes maps gen_ai.operation.name values per the OTEL GenAI
// semantic conventions.
var genAIOperationTypes = map[string]model.SpanType{
	"chat":             model.SpanTypeCompletion,
	"completion":       model.SpanTypeCompletion,
	"text_completion":  model.SpanTypeCompletion,
	"generate_content": model.SpanTypeCompletion,
	"embeddings":       model.SpanTypeEmbedding,
	"execute_tool":     model.SpanTypeTool,
}

func matchGenAIOperation(attrs map[string]any) (model.SpanType, bool) {
	op := strings.ToLower(StringAttr(attrs, AttrGenAIOperation))
	t, ok := genAIOperationTypes[op]
	return t, ok
}

// legacyRequestTypes maps llm.request.type values emitted by older
// instrumentation libraries.
var legacyRequestTypes = map[string]model.SpanType{
	"chat":       model.SpanTypeCompletion,
	"completion": model.SpanTypeCompletion,
	"embedding":  model.SpanTypeEmbedding,
	"rerank":     model.SpanTypeReranking,
}

func matchLegacyRequestType(attrs map[string]any) (model.SpanType, bool) {
	t, ok := legacyRequestTypes[strings.ToLower(StringAttr(attrs, AttrLegacyRequestType))]
	return t, ok
}

// aiSDKOperationTypes maps the Vercel AI SDK's ai.operationId values.
var aiSDKOperationTypes = map[string]model.SpanType{
	"ai.generatetext":   model.SpanTypeCompletion,
	"ai.streamtext":     model.SpanTypeCompletion,
	"ai.generateobject": model.SpanTypeCompletion,
	"ai.streamobject":   model.SpanTypeCompletion,
	"ai.embed":          model.SpanTypeEmbedding,
	"ai.embedmany":      model.SpanTypeEmbedding,
	"ai.toolcall":       model.SpanTypeTool,
}

func matchAISDKOperation(attrs map[string]any) (model.SpanType, bool) {
	t, ok := aiSDKOperationTypes[strings.ToLower(StringAttr(attrs, AttrAISDKOperation))]
	return t, ok
}

// openInferenceKinds maps the OpenInference span-kind convention.
var openInferenceKinds = map[string]model.SpanType{
	"llm":       model.SpanTypeCompletion,
	"embedding": model.SpanTypeEmbedding,
	"tool":      model.SpanTypeTool,
	"retriever": model.SpanTypeRetrieval,
	"reranker":  model.SpanTypeReranking,
	"chain":     model.SpanTypeUnknown,
}

func matchOpenInferenceKind(attrs map[string]any) (model.SpanType, bool) {
	kind := strings.ToLower(StringAttr(attrs, AttrOpenInferenceKind))
	t, ok := openInferenceKinds[kind]
	if !ok || t == model.SpanTypeUnknown {
		return "", false
	}
	return t, true
}

func matchHTTPRequest(attrs map[string]any) (model.SpanType, bool) {
	if StringAttr(attrs, AttrHTTPRequestMethod) != "" || StringAttr(attrs, AttrHTTPMethod) != "" {
		return model.SpanTypeHTTP, true
	}
	return "", false
}

// matchSystemModelPair is the heuristic last resort: SDKs that never set an
// operation attribute still set the provider system and request model on
// completion calls.
func matchSystemModelPair(attrs map[string]any) (model.SpanType, bool) {
	if StringAttr(attrs, AttrGenAISystem) != "" && StringAttr(attrs, AttrGenAIRequestModel) != "" {
		return model.SpanTypeCompletion, true
	}
	return "", false
}
