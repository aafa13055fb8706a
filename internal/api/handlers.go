package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"safe-analysis-sandbox/internal/llm"
	"safe-analysis-sandbox/internal/monitor"
	"safe-analysis-sandbox/internal/pipeline"
	"safe-analysis-sandbox/internal/profile"
	"safe-analysis-sandbox/internal/storage"
	"safe-analysis-sandbox/internal/validator"
)

// ModelCatalog is the part of the LLM gateway the API reports on.
type ModelCatalog interface {
	Stats() llm.Stats
	ListModels(ctx context.Context) ([]string, error)
}

// EventStore lists persisted security events.
type EventStore interface {
	ListSecurityEvents(ctx context.Context, filter storage.EventFilter) ([]storage.SecurityEvent, error)
}

type Handlers struct {
	store   *pipeline.SessionStore
	orch    *pipeline.Orchestrator
	models  ModelCatalog
	events  EventStore
	metrics *monitor.Metrics

	idleTTL       time.Duration
	maxUploadRows int
	maxUpload     int64
}

// HandlersConfig carries the limits the handlers enforce.
type HandlersConfig struct {
	IdleTTL       time.Duration
	MaxUploadRows int
	MaxUpload     int64
}

func NewHandlers(store *pipeline.SessionStore, orch *pipeline.Orchestrator, models ModelCatalog, events EventStore, metrics *monitor.Metrics, cfg HandlersConfig) *Handlers {
	if cfg.MaxUpload <= 0 {
		cfg.MaxUpload = 32 << 20
	}
	return &Handlers{
		store:         store,
		orch:          orch,
		models:        models,
		events:        events,
		metrics:       metrics,
		idleTTL:       cfg.IdleTTL,
		maxUploadRows: cfg.MaxUploadRows,
		maxUpload:     cfg.MaxUpload,
	}
}

// HandleCreateSession accepts a JSON table or a multipart file upload,
// creates a session and runs stage 1 on it.
func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	table, err := h.readTable(r)
	if err != nil {
		code := "INVALID_REQUEST"
		if errors.Is(err, profile.ErrUnsupportedFormat) {
			code = "UNSUPPORTED_FORMAT"
		}
		writeError(w, err.Error(), code, http.StatusBadRequest, r)
		return
	}

	state := h.store.Create(table)
	summary := h.orch.RunSummary(r.Context(), state, nil)

	rows, _ := table.Shape()
	writeJSON(w, http.StatusCreated, SessionResponse{
		SessionID: state.ID,
		Rows:      rows,
		Columns:   table.Columns,
		IdleTTL:   Duration{Duration: h.idleTTL},
		Summary:   summary,
	})
}

func (h *Handlers) readTable(r *http.Request) (*profile.Table, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(h.maxUpload); err != nil {
			return nil, fmt.Errorf("invalid upload: %w", err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("file field is required: %w", err)
		}
		defer file.Close()
		return profile.LoadReader(header.Filename, file, profile.LoadOptions{
			Sheet:   r.FormValue("sheet"),
			MaxRows: h.maxUploadRows,
		})
	}

	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if h.maxUploadRows > 0 && len(req.Rows) > h.maxUploadRows {
		return nil, fmt.Errorf("table has %d rows, limit is %d", len(req.Rows), h.maxUploadRows)
	}
	return profile.NewTable(req.Columns, req.Rows)
}

func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	state, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, state.Snapshot())
}

func (h *Handlers) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.PathValue("id")); err != nil {
		writeError(w, "session not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandlePreanalysis(w http.ResponseWriter, r *http.Request) {
	state, ok := h.session(w, r)
	if !ok {
		return
	}
	var req QuestionRequest
	if !decode(w, r, &req) {
		return
	}
	writeStageResult(w, r, h.orch.RunPreanalysis(r.Context(), state, req.Question))
}

// HandlePreanalysisStream runs stage 2 and reports progress as SSE: one
// event per pipeline event, then "result" with the StageResult and "done".
func (h *Handlers) HandlePreanalysisStream(w http.ResponseWriter, r *http.Request) {
	state, ok := h.session(w, r)
	if !ok {
		return
	}
	var req QuestionRequest
	if !decode(w, r, &req) {
		return
	}

	sse := NewSSEWriter(w)
	if sse == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	ctx := pipeline.ContextWithObserver(r.Context(), sse.Observer())
	res := h.orch.RunPreanalysis(ctx, state, req.Question)

	if err := sse.SendJSON("result", res); err != nil {
		log.Warn().Err(err).Str("session_id", state.ID).Msg("stream client went away")
		return
	}
	_ = sse.Send("done", string(res.Status))
}

func (h *Handlers) HandleCustomCode(w http.ResponseWriter, r *http.Request) {
	state, ok := h.session(w, r)
	if !ok {
		return
	}
	var req CodeRequest
	if !decode(w, r, &req) {
		return
	}
	writeStageResult(w, r, h.orch.RunCustomCode(r.Context(), state, req.Code))
}

func (h *Handlers) HandleCharts(w http.ResponseWriter, r *http.Request) {
	state, ok := h.session(w, r)
	if !ok {
		return
	}
	var req ChartsRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	writeStageResult(w, r, h.orch.RunCharts(r.Context(), state, req.Hint))
}

func (h *Handlers) HandleExplain(w http.ResponseWriter, r *http.Request) {
	state, ok := h.session(w, r)
	if !ok {
		return
	}
	res, err := h.orch.Explain(r.Context(), state)
	if err != nil {
		if errors.Is(err, pipeline.ErrStageNotReady) {
			writeError(w, err.Error(), "STAGE_NOT_READY", http.StatusConflict, r)
			return
		}
		writeError(w, "explanation failed: "+err.Error(), "LLM_ERROR", http.StatusBadGateway, r)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) HandleDeepAnalysis(w http.ResponseWriter, r *http.Request) {
	state, ok := h.session(w, r)
	if !ok {
		return
	}
	var req QuestionRequest
	if !decode(w, r, &req) {
		return
	}
	writeStageResult(w, r, h.orch.RunDeepAnalysis(r.Context(), state, req.Question))
}

func (h *Handlers) HandleReset(w http.ResponseWriter, r *http.Request) {
	state, ok := h.session(w, r)
	if !ok {
		return
	}
	n, err := strconv.Atoi(r.PathValue("stage"))
	if err != nil {
		writeError(w, "stage must be 1, 2 or 3", "INVALID_STAGE", http.StatusBadRequest, r)
		return
	}
	if err := h.orch.Reset(state, pipeline.Stage(n)); err != nil {
		writeError(w, err.Error(), "INVALID_STAGE", http.StatusBadRequest, r)
		return
	}
	writeJSON(w, http.StatusOK, state.Snapshot())
}

// HandleValidate runs the safety validator alone. A rejection is a normal
// 200 response carrying the verdict.
func (h *Handlers) HandleValidate(w http.ResponseWriter, r *http.Request) {
	var req CodeRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	v := validator.Validate(req.Code)
	if h.metrics != nil {
		h.metrics.RecordValidation(string(v.Kind))
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handlers) HandleLLMStats(w http.ResponseWriter, r *http.Request) {
	if h.models == nil {
		writeError(w, "language model not configured", "LLM_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	writeJSON(w, http.StatusOK, h.models.Stats())
}

func (h *Handlers) HandleLLMModels(w http.ResponseWriter, r *http.Request) {
	if h.models == nil {
		writeError(w, "language model not configured", "LLM_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	models, err := h.models.ListModels(r.Context())
	if err != nil {
		log.Warn().Err(err).Msg("model listing failed, using built-in list")
		writeJSON(w, http.StatusOK, ModelsResponse{
			Models:   append([]string(nil), llm.DefaultModels...),
			Fallback: true,
			Error:    err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, ModelsResponse{Models: models})
}

func (h *Handlers) HandleListSecurityEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	q := r.URL.Query()
	filter := storage.EventFilter{
		SessionID: q.Get("session_id"),
		Severity:  q.Get("severity"),
		Source:    q.Get("source"),
		Limit:     100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "since must be RFC 3339", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Since = &since
	}

	events, err := h.events.ListSecurityEvents(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("listing security events failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handlers) session(w http.ResponseWriter, r *http.Request) (*pipeline.SessionState, bool) {
	state, err := h.store.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, "session not found", "NOT_FOUND", http.StatusNotFound, r)
		return nil, false
	}
	return state, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return false
	}
	return true
}

// writeStageResult maps caller mistakes to 4xx. Every other outcome,
// script and model failures included, is a 200 carrying the result.
func writeStageResult(w http.ResponseWriter, r *http.Request, res *pipeline.StageResult) {
	status := http.StatusOK
	err := res.Err()
	switch {
	case errors.Is(err, pipeline.ErrStageNotReady), errors.Is(err, pipeline.ErrMissingArtifact):
		status = http.StatusConflict
	case errors.Is(err, pipeline.ErrEmptyInput):
		status = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrCodeRejected):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
