package ingest

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/ashita-ai/konseki/internal/model"
	"github.com/ashita-ai/konseki/internal/otlp"
)

// SpanInput is one element of a flattened batch: a raw span plus its scope
// and the tenant it resolved to.
type SpanInput struct {
	Raw       *tracepb.Span
	Scope     *commonpb.InstrumentationScope
	Resource  map[string]any
	APIKey    model.APIKey
	Workspace model.Workspace
}

// normalized carries a span through the pipeline stages together with the
// decoded material its metadata handler will need.
type normalized struct {
	span   model.Span
	attrs  map[string]any
	events []model.SpanEvent
	links  []model.SpanLink
	md     model.SpanMetadata
	input  SpanInput
}

// normalizeSpan converts one raw OTLP span into its canonical form. Any
// failure here is an unprocessable skip for this span only.
//
// Spans that carry a prompt path and project id but lack a resolved
// document identifier and any convention-classified type leave here typed
// unresolved_external; capture resolution rewrites them to external before
// commit.
func normalizeSpan(in SpanInput, now time.Time) (normalized, error) {
	raw := in.Raw
	attrs := otlp.ConvertAttributes(raw.GetAttributes())

	kind, err := otlp.ConvertKind(raw.GetKind())
	if err != nil {
		return normalized{}, err
	}

	name := raw.GetName()
	if name == "" {
		return normalized{}, fmt.Errorf("ingest: span has no name")
	}

	startedAt := otlp.ConvertTimestamp(raw.GetStartTimeUnixNano())
	endedAt := otlp.ConvertTimestamp(raw.GetEndTimeUnixNano())
	duration := endedAt.Sub(startedAt).Milliseconds()
	if duration < 0 {
		return normalized{}, fmt.Errorf("ingest: negative duration: started %s, ended %s", startedAt, endedAt)
	}

	typ := otlp.ClassifySpanType(attrs)
	path := otlp.StringAttr(attrs, otlp.AttrPromptPath)
	projectID, hasProject := otlp.IntAttr(attrs, otlp.AttrProjectID)
	// A capture carries only the indirect reference. A span that already
	// resolved its document, or that the cascade classified from its own
	// convention attributes, keeps what it has.
	if path != "" && hasProject &&
		typ == model.SpanTypeUnknown &&
		uuidAttr(attrs, otlp.AttrDocumentUUID) == nil {
		typ = model.SpanTypeUnresolvedExternal
	}

	events := otlp.ConvertEvents(raw.GetEvents())
	links := otlp.ConvertLinks(raw.GetLinks())

	status := otlp.ConvertStatus(raw.GetStatus().GetCode())
	var message *string
	if msg := raw.GetStatus().GetMessage(); msg != "" {
		clipped := model.TruncateMessage(msg)
		message = &clipped
	}
	// Exception attributes and events carry more detail than the OTLP status
	// and win over it when present.
	if st, msg, ok := otlp.ExtractError(attrs, events); ok {
		status = st
		clipped := model.TruncateMessage(msg)
		message = &clipped
	}

	var parentID *string
	if pid := otlp.SpanID(raw.GetParentSpanId()); pid != "" {
		parentID = &pid
	}

	source := model.SpanSourceTelemetry
	if otlp.StringAttr(attrs, otlp.AttrSource) == string(model.SpanSourceAPI) {
		source = model.SpanSourceAPI
	}

	span := model.Span{
		ID:               otlp.SpanID(raw.GetSpanId()),
		TraceID:          otlp.SpanID(raw.GetTraceId()),
		ParentID:         parentID,
		WorkspaceID:      in.Workspace.ID,
		APIKeyID:         in.APIKey.ID,
		Name:             model.TruncateName(name),
		Kind:             kind,
		Type:             typ,
		Status:           status,
		Message:          message,
		Duration:         duration,
		StartedAt:        startedAt,
		EndedAt:          endedAt,
		DocumentUUID:     uuidAttr(attrs, otlp.AttrDocumentUUID),
		CommitUUID:       uuidAttr(attrs, otlp.AttrCommitUUID),
		DocumentLogUUID:  uuidAttr(attrs, otlp.AttrLogUUID),
		ExperimentUUID:   uuidAttr(attrs, otlp.AttrExperimentUUID),
		TestDeploymentID: intAttrPtr(attrs, otlp.AttrTestDeploymentID),
		Source:           source,
		CreatedAt:        now,
	}
	if hasProject {
		span.ProjectID = &projectID
	}
	if span.ID == "" || span.TraceID == "" {
		return normalized{}, fmt.Errorf("ingest: span is missing trace or span id")
	}

	return normalized{span: span, attrs: attrs, events: events, links: links, input: in}, nil
}

// uuidAttr reads an optional UUID-valued attribute. A malformed value is
// dropped, same as any other malformed attribute.
func uuidAttr(attrs map[string]any, key string) *uuid.UUID {
	raw := otlp.StringAttr(attrs, key)
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}

func intAttrPtr(attrs map[string]any, key string) *int64 {
	v, ok := otlp.IntAttr(attrs, key)
	if !ok {
		return nil
	}
	return &v
}
