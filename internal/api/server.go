package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"voicejobs/internal/jobs"
	"voicejobs/internal/models"
	"voicejobs/internal/store"
	"voicejobs/internal/telemetry"
)

const (
	// maxUploadBytes bounds a multipart sample upload.
	maxUploadBytes = 64 << 20
	healthTimeout  = 2 * time.Second
)

// Server wires HTTP handlers for the collaborator-facing job API.
type Server struct {
	svc *jobs.Service
	log *slog.Logger
}

// New constructs the API server.
func New(svc *jobs.Service, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{svc: svc, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/voice-clone/jobs", s.handleSubmitVoiceClone)
		r.Post("/tts/jobs", s.handleSubmitTTS)
		r.Get("/tts/jobs/{id}/download", s.handleDownload)

		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Post("/jobs/{id}/retry", s.handleRetry)

		r.Post("/users/{owner}/jobs/cancel", s.handleCancelUserJobs)
		r.Get("/users/{owner}/statistics", s.handleStatistics)
		r.Get("/users/{owner}/limits", s.handleLimits)

		r.Post("/artifacts", s.handleUpload)
		r.Delete("/artifacts/{id}", s.handleDeleteArtifact)
		r.Get("/models/{id}", s.handleGetModel)

		r.Get("/admin/queue", s.handleQueueStatus)
	})

	r.Get("/dlq", s.handleDLQ)
	return r
}

type submitResponse struct {
	Job   models.Job `json:"job"`
	Error string     `json:"error,omitempty"`
}

func (s *Server) handleSubmitVoiceClone(w http.ResponseWriter, r *http.Request) {
	var in models.VoiceCloneInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	s.submit(w, r, models.JobInputs{VoiceClone: &in})
}

func (s *Server) handleSubmitTTS(w http.ResponseWriter, r *http.Request) {
	var in models.TTSInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	s.submit(w, r, models.JobInputs{TTS: &in})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, in models.JobInputs) {
	job, err := s.svc.Submit(r.Context(), requester(r), in)
	if errors.Is(err, models.ErrQueueUnavailable) {
		// The record exists and stays pending; report it alongside the failure.
		writeJSON(w, http.StatusServiceUnavailable, submitResponse{Job: job, Error: err.Error()})
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{Job: job})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Get(r.Context(), requester(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type listResponse struct {
	Items  []models.Job `json:"items"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.JobFilter{
		Owner:  q.Get("owner"),
		Kind:   models.Kind(q.Get("kind")),
		Status: models.Status(q.Get("status")),
		Limit:  queryInt(q.Get("limit"), 20),
		Offset: queryInt(q.Get("offset"), 0),
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	items, total, err := s.svc.List(r.Context(), requester(r), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if items == nil {
		items = []models.Job{}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: total, Limit: f.Limit, Offset: f.Offset})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Cancel(r.Context(), requester(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Retry(r.Context(), requester(r), chi.URLParam(r, "id"))
	if errors.Is(err, models.ErrQueueUnavailable) {
		writeJSON(w, http.StatusServiceUnavailable, submitResponse{Job: job, Error: err.Error()})
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleCancelUserJobs(w http.ResponseWriter, r *http.Request) {
	kind := models.Kind(r.URL.Query().Get("kind"))
	if kind != "" && !kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown kind")
		return
	}
	n, err := s.svc.CancelUserJobs(r.Context(), requester(r), chi.URLParam(r, "owner"), kind)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	if owner == "-" {
		owner = ""
	}
	stats, err := s.svc.Statistics(r.Context(), requester(r), owner, queryInt(r.URL.Query().Get("period_days"), 30))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	usage, err := s.svc.UserLimits(r.Context(), requester(r), chi.URLParam(r, "owner"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()
	a, err := s.svc.Upload(r.Context(), requester(r), header.Filename, file)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleDeleteArtifact(w http.ResponseWriter, r *http.Request) {
	err := s.svc.DeleteArtifact(r.Context(), requester(r), r.URL.Query().Get("owner"), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.Model(r.Context(), requester(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	path, err := s.svc.Download(r.Context(), requester(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	http.ServeFile(w, r, path)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := s.svc.Health(ctx); err != nil {
		s.log.Warn("health check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.QueueStatus(r.Context(), requester(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.svc.DeadLetters(r.Context(), requester(r), int64(queryInt(r.URL.Query().Get("count"), 100)))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// requester reads the identity asserted by the upstream auth proxy.
func requester(r *http.Request) jobs.Requester {
	admin, _ := strconv.ParseBool(r.Header.Get("X-User-Admin"))
	return jobs.Requester{ID: r.Header.Get("X-User-ID"), Admin: admin}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrQuotaExceeded), errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, models.ErrInputInvalid):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotCancellable), errors.Is(err, models.ErrNotRetryable),
		errors.Is(err, models.ErrArtifactInUse), errors.Is(err, models.ErrStaleRun):
		return http.StatusConflict
	case errors.Is(err, models.ErrQueueUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		msg = "internal error"
	}
	writeError(w, code, msg)
}

func queryInt(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
