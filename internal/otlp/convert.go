package otlp

import (
	"encoding/hex"
	"fmt"
	"time"

	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/ashita-ai/konseki/internal/model"
)

// ConvertStatus maps the numeric OTLP status code. Codes outside the wire
// convention (0=unset, 1=ok, 2=error) default to unset rather than failing.
func ConvertStatus(code tracepb.Status_StatusCode) model.SpanStatus {
	switch code {
	case tracepb.Status_STATUS_CODE_OK:
		return model.SpanStatusOK
	case tracepb.Status_STATUS_CODE_ERROR:
		return model.SpanStatusError
	default:
		return model.SpanStatusUnset
	}
}

// ConvertKind maps the OTLP span kind. Unspecified is treated as internal,
// matching the OTLP default; values outside the enum are an error so the
// span can be skipped as unprocessable.
func ConvertKind(kind tracepb.Span_SpanKind) (model.SpanKind, error) {
	switch kind {
	case tracepb.Span_SPAN_KIND_UNSPECIFIED, tracepb.Span_SPAN_KIND_INTERNAL:
		return model.SpanKindInternal, nil
	case tracepb.Span_SPAN_KIND_SERVER:
		return model.SpanKindServer, nil
	case tracepb.Span_SPAN_KIND_CLIENT:
		return model.SpanKindClient, nil
	case tracepb.Span_SPAN_KIND_PRODUCER:
		return model.SpanKindProducer, nil
	case tracepb.Span_SPAN_KIND_CONSUMER:
		return model.SpanKindConsumer, nil
	default:
		return "", fmt.Errorf("otlp: unrecognized span kind %d", kind)
	}
}

// ConvertTimestamp converts a vendor nanosecond-epoch integer to an instant.
func ConvertTimestamp(unixNano uint64) time.Time {
	return time.Unix(0, int64(unixNano)).UTC()
}

// SpanID renders an OTLP binary span or trace id as lowercase hex.
func SpanID(raw []byte) string {
	return hex.EncodeToString(raw)
}

// ConvertEvents converts span events, dropping malformed attributes the same
// way ConvertAttributes does. Event order is preserved; error extraction
// depends on it.
func ConvertEvents(events []*tracepb.Span_Event) []model.SpanEvent {
	if len(events) == 0 {
		return nil
	}
	out := make([]model.SpanEvent, 0, len(events))
	for _, ev := range events {
		if ev == nil {
			continue
		}
		out = append(out, model.SpanEvent{
			Name:       ev.Name,
			Timestamp:  ConvertTimestamp(ev.TimeUnixNano),
			Attributes: ConvertAttributes(ev.Attributes),
		})
	}
	return out
}

// ConvertLinks converts span links.
func ConvertLinks(links []*tracepb.Span_Link) []model.SpanLink {
	if len(links) == 0 {
		return nil
	}
	out := make([]model.SpanLink, 0, len(links))
	for _, l := range links {
		if l == nil {
			continue
		}
		out = append(out, model.SpanLink{
			TraceID:    SpanID(l.TraceId),
			SpanID:     SpanID(l.SpanId),
			Attributes: ConvertAttributes(l.Attributes),
		})
	}
	return out
}

// ExtractError inspects a span's own exception attributes first, then its
// events in order, and returns (ErrorStatus, message, true) when an error is
// found. A positive extraction overrides the OTLP-reported status. An event
// literally named "exception" or "error" with no usable detail still forces
// an error status with a generic message.
func ExtractError(attrs map[string]any, events []model.SpanEvent) (model.SpanStatus, string, bool) {
	if msg, ok := errorDetail(attrs, false); ok {
		return model.SpanStatusError, msg, true
	}
	for _, ev := range events {
		// Events named "exception" or "error" may carry bare "type"/"message"
		// keys instead of the namespaced convention; other events must use
		// the namespaced keys to count as an error signal.
		named := ev.Name == "exception" || ev.Name == "error"
		if msg, ok := errorDetail(ev.Attributes, named); ok {
			return model.SpanStatusError, msg, true
		}
		if named {
			return model.SpanStatusError, "Unknown error", true
		}
	}
	return "", "", false
}

// errorDetail returns the best available error message from an attribute
// map: the exception/error message when present, otherwise the type name.
func errorDetail(attrs map[string]any, allowBareKeys bool) (string, bool) {
	msgKeys := []string{AttrExceptionMessage, AttrErrorMessage}
	typeKeys := []string{AttrExceptionType, AttrErrorType}
	if allowBareKeys {
		msgKeys = append(msgKeys, "message")
		typeKeys = append(typeKeys, "type")
	}
	for _, key := range msgKeys {
		if v := StringAttr(attrs, key); v != "" {
			return v, true
		}
	}
	for _, key := range typeKeys {
		if v := StringAttr(attrs, key); v != "" {
			return v, true
		}
	}
	return "", false
}
