package server

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/ashita-ai/konseki/internal/ingest"
	"github.com/ashita-ai/konseki/internal/storage"
)

// Handlers holds the dependencies of the HTTP endpoints.
type Handlers struct {
	db      *storage.DB
	gate    *ingest.Gate
	logger  *slog.Logger
	version string

	maxBodyBytes int64
}

// HandlersDeps configures Handlers.
type HandlersDeps struct {
	DB           *storage.DB
	Gate         *ingest.Gate
	Logger       *slog.Logger
	Version      string
	MaxBodyBytes int64
}

// NewHandlers creates the endpoint handlers.
func NewHandlers(deps HandlersDeps) *Handlers {
	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 16 << 20 // 16 MB
	}
	return &Handlers{
		db:           deps.DB,
		gate:         deps.Gate,
		logger:       deps.Logger,
		version:      deps.Version,
		maxBodyBytes: maxBody,
	}
}

type ingestResponse struct {
	IngestionID string `json:"ingestion_id"`
	Enqueued    bool   `json:"enqueued"`
	Spans       int    `json:"spans"`
}

// HandleIngestTraces accepts an OTLP trace export, binary protobuf or
// protojson, and hands it to the ingestion gate. The response is 202: the
// batch is durably stored and queued, not yet processed.
func (h *Handlers) HandleIngestTraces(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())
	if tenant == nil {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "no tenant in context")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodyBytes+1))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}
	if int64(len(body)) > h.maxBodyBytes {
		writeError(w, r, http.StatusRequestEntityTooLarge, "too_large", "request body exceeds limit")
		return
	}

	var td tracepb.TracesData
	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "application/x-protobuf"):
		err = proto.Unmarshal(body, &td)
	case strings.HasPrefix(contentType, "application/json"), contentType == "":
		err = protojson.Unmarshal(body, &td)
	default:
		writeError(w, r, http.StatusUnsupportedMediaType, "unsupported_media_type", "expected protobuf or json")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "malformed trace payload")
		return
	}

	keys := ingest.SpanKeys(&td)
	if len(keys) == 0 {
		writeError(w, r, http.StatusBadRequest, "bad_request", "batch contains no spans")
		return
	}

	// Store the canonical JSON form regardless of what came over the wire,
	// so the worker decodes one format.
	payload, err := protojson.Marshal(&td)
	if err != nil {
		h.logger.Error("encode raw batch failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
		return
	}

	ingestionID, enqueued, err := h.gate.Enqueue(
		r.Context(), payload, keys,
		&tenant.Workspace.ID, &tenant.APIKey.ID,
	)
	if err != nil {
		h.logger.Error("enqueue batch failed", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "failed to accept batch")
		return
	}

	writeJSON(w, r, http.StatusAccepted, ingestResponse{
		IngestionID: ingestionID,
		Enqueued:    enqueued,
		Spans:       len(keys),
	})
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// HandleHealth reports liveness and a storage ping.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		h.logger.Error("health check storage ping failed", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "storage unreachable")
		return
	}
	writeJSON(w, r, http.StatusOK, healthResponse{Status: "ok", Version: h.version})
}
