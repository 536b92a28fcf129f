// Package otlp normalizes OpenTelemetry wire-format spans into the canonical
// span model: typed attribute decoding, semantic type classification, status
// and kind conversion, and tenant resolution.
//
// The package is deliberately tolerant. Telemetry arrives from many SDKs and
// SDK versions; a malformed attribute is dropped, never fatal to its span,
// and a malformed span is skipped, never fatal to its batch.
package otlp

import (
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
)

// Attribute keys recognized by the classifier and the tenant resolver.
// The cascade in classify.go documents which keys belong to which SDK
// convention.
const (
	// Reserved keys written by our own SDKs.
	AttrInternalType    = "konseki.type"
	AttrInternalBaggage = "konseki.baggage"
	AttrSource          = "konseki.source"

	// Prompt references carried by externally instrumented spans.
	AttrPromptPath       = "konseki.prompt.path"
	AttrProjectID        = "konseki.project.id"
	AttrVersionUUID      = "konseki.version.uuid"
	AttrLogUUID          = "konseki.log.uuid"
	AttrDocumentUUID     = "konseki.document.uuid"
	AttrCommitUUID       = "konseki.commit.uuid"
	AttrExperimentUUID   = "konseki.experiment.uuid"
	AttrTestDeploymentID = "konseki.deployment.id"

	// Prompt payloads written by our own SDKs.
	AttrPromptTemplate   = "konseki.prompt.template"
	AttrPromptParameters = "konseki.prompt.parameters"
	AttrCostMillicents   = "konseki.cost.millicents"

	// OpenTelemetry GenAI semantic conventions.
	AttrGenAIOperation     = "gen_ai.operation.name"
	AttrGenAISystem        = "gen_ai.system"
	AttrGenAIRequestModel  = "gen_ai.request.model"
	AttrGenAIResponseModel = "gen_ai.response.model"
	AttrGenAIInputTokens   = "gen_ai.usage.input_tokens"
	AttrGenAIOutputTokens  = "gen_ai.usage.output_tokens"
	AttrGenAIFinishReasons = "gen_ai.response.finish_reasons"
	AttrGenAIPrompt        = "gen_ai.prompt"
	AttrGenAICompletion    = "gen_ai.completion"
	AttrGenAIToolName      = "gen_ai.tool.name"
	AttrGenAIToolCallID    = "gen_ai.tool.call.id"
	AttrGenAIToolArguments = "gen_ai.tool.call.arguments"
	AttrGenAIToolResult    = "gen_ai.tool.call.result"

	// Legacy token accounting keys.
	AttrLegacyPromptTokens     = "llm.usage.prompt_tokens"
	AttrLegacyCompletionTokens = "llm.usage.completion_tokens"

	// HTTP request detail, old and current conventions.
	AttrHTTPURL        = "http.url"
	AttrURLFull        = "url.full"
	AttrHTTPStatusCode = "http.status_code"
	AttrHTTPRespStatus = "http.response.status_code"

	// Legacy and alternate conventions from other telemetry libraries.
	AttrLegacyRequestType = "llm.request.type"
	AttrAISDKOperation    = "ai.operationId"
	AttrOpenInferenceKind = "openinference.span.kind"

	// HTTP semantic conventions, old and current.
	AttrHTTPMethod        = "http.method"
	AttrHTTPRequestMethod = "http.request.method"

	// Exception reporting conventions.
	AttrExceptionType    = "exception.type"
	AttrExceptionMessage = "exception.message"
	AttrErrorType        = "error.type"
	AttrErrorMessage     = "error.message"
)

// ConvertAttributes decodes a list of OTLP typed attributes into a plain
// map. Supported value types are string, bool, int, double, and arrays of a
// single primitive type. A malformed attribute (missing value, unsupported
// type, heterogeneous array) is dropped silently: conversion never fails the
// span it belongs to.
func ConvertAttributes(attrs []*commonpb.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		if kv == nil || kv.Key == "" || kv.Value == nil {
			continue
		}
		v, ok := convertValue(kv.Value)
		if !ok {
			continue
		}
		out[kv.Key] = v
	}
	return out
}

func convertValue(v *commonpb.AnyValue) (any, bool) {
	switch val := v.Value.(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue, true
	case *commonpb.AnyValue_BoolValue:
		return val.BoolValue, true
	case *commonpb.AnyValue_IntValue:
		return val.IntValue, true
	case *commonpb.AnyValue_DoubleValue:
		return val.DoubleValue, true
	case *commonpb.AnyValue_ArrayValue:
		return convertArray(val.ArrayValue)
	default:
		// Bytes and nested kvlists are not part of the canonical model.
		return nil, false
	}
}

// convertArray decodes an array of homogeneous primitives. Arrays mixing
// value types, or containing nested arrays, are rejected as a whole.
func convertArray(arr *commonpb.ArrayValue) (any, bool) {
	if arr == nil {
		return nil, false
	}
	out := make([]any, 0, len(arr.Values))
	var elemType string
	for _, v := range arr.Values {
		if v == nil {
			return nil, false
		}
		var t string
		switch v.Value.(type) {
		case *commonpb.AnyValue_StringValue:
			t = "string"
		case *commonpb.AnyValue_BoolValue:
			t = "bool"
		case *commonpb.AnyValue_IntValue:
			t = "int"
		case *commonpb.AnyValue_DoubleValue:
			t = "double"
		default:
			return nil, false
		}
		if elemType == "" {
			elemType = t
		} else if elemType != t {
			return nil, false
		}
		elem, ok := convertValue(v)
		if !ok {
			return nil, false
		}
		out = append(out, elem)
	}
	return out, true
}

// StringAttr returns the string value of an attribute, or "" if the
// attribute is absent or not a string.
func StringAttr(attrs map[string]any, key string) string {
	if v, ok := attrs[key].(string); ok {
		return v
	}
	return ""
}

// IntAttr returns the integer value of an attribute. OTLP ints decode as
// int64; JSON round-trips may produce float64, which is accepted when whole.
func IntAttr(attrs map[string]any, key string) (int64, bool) {
	switch v := attrs[key].(type) {
	case int64:
		return v, true
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
	}
	return 0, false
}
