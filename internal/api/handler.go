package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/evolvesystems/audiotricks-sub001/internal/config"
	"github.com/evolvesystems/audiotricks-sub001/internal/domain"
	"github.com/evolvesystems/audiotricks-sub001/internal/job"
	"github.com/evolvesystems/audiotricks-sub001/internal/objectstore"
	"github.com/evolvesystems/audiotricks-sub001/internal/upload"
)

// UploadService is the session surface the handlers call.
type UploadService interface {
	Initialize(ctx context.Context, p domain.Principal, req upload.InitRequest) (*upload.InitResponse, error)
	ReceiveChunk(ctx context.Context, p domain.Principal, sessionID uuid.UUID, ordinal, totalHint int, data []byte, checksumHint string) (*upload.ChunkResult, error)
	ReceiveSingle(ctx context.Context, p domain.Principal, sessionID uuid.UUID, data []byte) (*upload.SessionView, error)
	Cancel(ctx context.Context, p domain.Principal, sessionID uuid.UUID) error
	Progress(ctx context.Context, p domain.Principal, sessionID uuid.UUID) (*upload.SessionView, error)
}

// JobService is the processing surface the handlers call.
type JobService interface {
	Create(ctx context.Context, p domain.Principal, req job.CreateRequest) (*domain.ProcessingJob, error)
	Query(ctx context.Context, p domain.Principal, jobID uuid.UUID) (*domain.ProcessingJob, error)
	List(ctx context.Context, p domain.Principal, status domain.JobStatus, limit, offset int) ([]domain.ProcessingJob, error)
}

// Dispatcher hands freshly created jobs to the pipeline workers.
type Dispatcher interface {
	Enqueue(jobID uuid.UUID) bool
}

// Handler wires HTTP routes to the upload and job services.
type Handler struct {
	cfg      *config.Config
	uploads  UploadService
	jobs     JobService
	dispatch Dispatcher
	logger   zerolog.Logger
}

// NewHandler creates a Handler instance.
func NewHandler(cfg *config.Config, uploads UploadService, jobs JobService, dispatch Dispatcher, logger zerolog.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		uploads:  uploads,
		jobs:     jobs,
		dispatch: dispatch,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// Router returns a configured chi router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Chunk-Ordinal", "X-Chunk-Total", "X-Chunk-Checksum"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Authenticate(h.cfg.JWTSecret))

		r.Route("/uploads", func(r chi.Router) {
			r.Post("/", h.handleInitUpload)
			r.Post("/{sessionID}/chunk", h.handleChunk)
			r.Post("/{sessionID}/single", h.handleSingle)
			r.Get("/{sessionID}", h.handleSessionStatus)
			r.Delete("/{sessionID}", h.handleCancel)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.handleCreateJob)
			r.Get("/", h.handleListJobs)
			r.Get("/{jobID}", h.handleJobStatus)
		})
	})

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleInitUpload(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing principal")
		return
	}

	var req initUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	res, err := h.uploads.Initialize(r.Context(), p, upload.InitRequest{
		Filename:     req.Filename,
		DeclaredSize: req.DeclaredSize,
		MimeType:     req.MimeType,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, initResponseOf(res))
}

func (h *Handler) handleChunk(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing principal")
		return
	}
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	ordinal, err := headerInt(r, "X-Chunk-Ordinal")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	total, err := headerInt(r, "X-Chunk-Total")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := readBody(w, r, h.cfg.ChunkSizeBytes)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	result, err := h.uploads.ReceiveChunk(r.Context(), p, sessionID, ordinal, total, data, r.Header.Get("X-Chunk-Checksum"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chunkAckOf(result))
}

func (h *Handler) handleSingle(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing principal")
		return
	}
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	data, err := readBody(w, r, h.cfg.MaxUploadBytes)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	view, err := h.uploads.ReceiveSingle(r.Context(), p, sessionID, data)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponseOf(view))
}

func (h *Handler) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing principal")
		return
	}
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	view, err := h.uploads.Progress(r.Context(), p, sessionID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponseOf(view))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing principal")
		return
	}
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	if err := h.uploads.Cancel(r.Context(), p, sessionID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing principal")
		return
	}

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	sessionID, err := uuid.Parse(req.UploadSessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid uploadSessionId")
		return
	}
	ops := make([]domain.OperationKind, len(req.Operations))
	for i, op := range req.Operations {
		ops[i] = domain.OperationKind(op)
	}

	j, err := h.jobs.Create(r.Context(), p, job.CreateRequest{
		UploadSessionID: sessionID,
		Operations:      ops,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.dispatch.Enqueue(j.ID)
	writeJSON(w, http.StatusAccepted, jobResponseOf(j))
}

func (h *Handler) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing principal")
		return
	}
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	j, err := h.jobs.Query(r.Context(), p, jobID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponseOf(j))
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing principal")
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := h.jobs.List(r.Context(), p, domain.JobStatus(r.URL.Query().Get("status")), limit, offset)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	resp := jobListResponse{Jobs: make([]jobResponse, len(jobs))}
	for i := range jobs {
		resp.Jobs[i] = jobResponseOf(&jobs[i])
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeServiceError maps domain errors onto HTTP statuses. Quota denials keep
// their remediation suggestion in the body.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	if qe, ok := domain.IsQuotaError(err); ok {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: qe.Reason, Suggestion: qe.Suggestion})
		return
	}
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrUploadConflict), errors.Is(err, domain.ErrJobConflict):
		writeError(w, http.StatusConflict, err.Error())
	case objectstore.IsTransient(err):
		writeError(w, http.StatusBadGateway, "storage backend unavailable, retry shortly")
	default:
		h.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func headerInt(r *http.Request, name string) (int, error) {
	raw := r.Header.Get(name)
	if raw == "" {
		return 0, fmt.Errorf("missing %s header", name)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s header", name)
	}
	return n, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s parameter", name)
	}
	return n, nil
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	body := http.MaxBytesReader(w, r.Body, limit)
	data, err := io.ReadAll(body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, domain.ValidationError("body", fmt.Sprintf("payload exceeds %d bytes", maxErr.Limit))
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
