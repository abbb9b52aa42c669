package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"analysis-jobs/internal/auth"
	"analysis-jobs/internal/blob"
	"analysis-jobs/internal/config"
	"analysis-jobs/internal/dispatch"
	"analysis-jobs/internal/hub"
	"analysis-jobs/internal/ingest"
	"analysis-jobs/internal/models"
	"analysis-jobs/internal/ratelimit"
	"analysis-jobs/internal/results"
	"analysis-jobs/internal/store"
	"analysis-jobs/internal/telemetry"
)

type ctxKey int

const ownerKey ctxKey = iota

// Server wires the HTTP surface of the analysis job service.
type Server struct {
	cfg          config.Config
	store        store.JobStore
	blobs        blob.Store
	pipeline     *ingest.Pipeline
	coordinator  *dispatch.Coordinator
	materializer *results.Materializer
	hub          *hub.Hub
	authn        auth.Authenticator
	limiter      *ratelimit.SubmissionLimiter
	upgrader     websocket.Upgrader
	log          *zap.Logger
}

func New(
	cfg config.Config,
	st store.JobStore,
	blobs blob.Store,
	pipeline *ingest.Pipeline,
	coordinator *dispatch.Coordinator,
	materializer *results.Materializer,
	h *hub.Hub,
	authn auth.Authenticator,
	limiter *ratelimit.SubmissionLimiter,
	log *zap.Logger,
) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:          cfg,
		store:        st,
		blobs:        blobs,
		pipeline:     pipeline,
		coordinator:  coordinator,
		materializer: materializer,
		hub:          h,
		authn:        authn,
		limiter:      limiter,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log.Named("api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/ws/jobs/{id}", s.handleSubscribe)
	r.Post("/internal/jobs/{id}/completion", s.handleCompletion)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Put("/jobs/{id}", s.handleUpdateJob)
		r.Delete("/jobs/{id}", s.handleDeleteJob)
		r.Get("/jobs/{id}/file", s.handleDownloadFile)
		r.Get("/jobs/{id}/archive", s.handleArchiveManifest)
		r.Get("/jobs/{id}/results", s.handleResults)
	})

	return r
}

// authenticate resolves the bearer credential to an owner id and stores it on
// the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ownerID, err := s.authn.Authenticate(r.Context(), auth.BearerToken(r))
		if errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "INVALID_TOKEN", "missing or invalid credentials")
			return
		}
		if err != nil {
			s.log.Error("authentication backend failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not validate credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey, ownerID)))
	})
}

func ownerFrom(r *http.Request) int64 {
	owner, _ := r.Context().Value(ownerKey).(int64)
	return owner
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFrom(r)

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), ownerID)
		if err != nil {
			s.log.Error("rate limiter unavailable", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "rate limit check failed")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many submissions, slow down")
			return
		}
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "expected multipart form data")
		return
	}
	title := optionalFormValue(r, "title")
	description := optionalFormValue(r, "description")

	file, header, err := r.FormFile("file")
	hasFile := err == nil
	if hasFile {
		defer file.Close()
		if title == nil {
			title = &header.Filename
		}
	}

	job, err := s.store.Create(r.Context(), ownerID, title, description)
	if err != nil {
		s.log.Error("create job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not create job")
		return
	}
	telemetry.JobsCreated.Inc()

	if !hasFile {
		s.coordinator.Broadcast(job)
		writeJSON(w, http.StatusCreated, job.Snapshot())
		return
	}

	meta, manifest, err := s.pipeline.Ingest(r.Context(), file, header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		// The pipeline wrote nothing, so discarding the row is the whole
		// rollback.
		if _, delErr := s.store.Delete(r.Context(), job.ID); delErr != nil {
			s.log.Error("rollback job after failed upload", zap.Int64("job", job.ID), zap.Error(delErr))
		}
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			telemetry.UploadsRejected.Inc()
			writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", verr.Reason)
			return
		}
		s.log.Error("store upload", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", "could not store uploaded file")
		return
	}

	jobID := job.ID
	if job, err = s.store.AttachFile(r.Context(), jobID, meta, manifest); err == nil {
		job, err = s.store.SetStatus(r.Context(), jobID, models.StatusQueued)
	}
	if err != nil {
		// The blob made it to storage before this failure, so the cleanup
		// delete is on us, along with discarding the row.
		s.log.Error("queue job", zap.Int64("job", jobID), zap.Error(err))
		if delErr := s.blobs.Delete(r.Context(), meta.Path); delErr != nil {
			s.log.Warn("cleanup stored upload", zap.String("key", meta.Path), zap.Error(delErr))
		}
		if _, delErr := s.store.Delete(r.Context(), jobID); delErr != nil {
			s.log.Error("rollback job after failed queue", zap.Int64("job", jobID), zap.Error(delErr))
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not queue job")
		return
	}

	s.coordinator.Broadcast(job)
	s.coordinator.Enqueue(job, meta.Path)
	writeJSON(w, http.StatusCreated, job.Snapshot())
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)
	jobs, err := s.store.ListByOwner(r.Context(), ownerFrom(r), limit, offset)
	if err != nil {
		s.log.Error("list jobs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not list jobs")
		return
	}
	snapshots := make([]models.Snapshot, 0, len(jobs))
	for _, job := range jobs {
		snapshots = append(snapshots, job.Snapshot())
	}
	writeJSON(w, http.StatusOK, snapshots)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}

type updateJobRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	var req updateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid json body")
		return
	}
	updated, err := s.store.UpdateDetails(r.Context(), job.ID, req.Title, req.Description)
	if err != nil {
		s.log.Error("update job", zap.Int64("job", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not update job")
		return
	}
	s.coordinator.Broadcast(updated)
	writeJSON(w, http.StatusOK, updated.Snapshot())
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	if job.FilePath != nil {
		if err := s.blobs.Delete(r.Context(), *job.FilePath); err != nil {
			s.log.Warn("delete job artifact", zap.String("key", *job.FilePath), zap.Error(err))
		}
	}
	deleted, err := s.store.Delete(r.Context(), job.ID)
	if err != nil || !deleted {
		s.log.Error("delete job", zap.Int64("job", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not delete job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "job deleted"})
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	if job.FilePath == nil {
		writeError(w, http.StatusNotFound, "NO_FILE", "job has no stored file")
		return
	}
	data, err := s.blobs.Get(r.Context(), *job.FilePath)
	if errors.Is(err, blob.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NO_FILE", "stored file is gone")
		return
	}
	if err != nil {
		s.log.Error("fetch job file", zap.String("key", *job.FilePath), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", "could not fetch stored file")
		return
	}
	contentType := "application/octet-stream"
	if job.FileContentType != nil && *job.FileContentType != "" {
		contentType = *job.FileContentType
	}
	name := "download"
	if job.FileName != nil {
		name = *job.FileName
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleArchiveManifest(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	if job.FileKind == nil || *job.FileKind != models.FileKindArchive {
		writeError(w, http.StatusConflict, "NOT_AN_ARCHIVE", "job file is not an archive")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(job.ArchiveManifest),
		"entries": job.ArchiveManifest,
	})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	res, err := s.materializer.Get(r.Context(), job)
	if errors.Is(err, results.ErrNotReady) {
		writeError(w, http.StatusConflict, "NOT_READY", "job has no output artifact yet")
		return
	}
	if err != nil {
		s.log.Error("materialize results", zap.Int64("job", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not materialize results")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleCompletion receives the inference service's completion notice. It is
// authenticated by shared secret, not by user session; an empty configured
// token disables the check for local development.
func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	if s.cfg.CompletionToken != "" && auth.BearerToken(r) != s.cfg.CompletionToken {
		writeError(w, http.StatusUnauthorized, "INVALID_TOKEN", "bad completion token")
		return
	}
	var payload models.CompletionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid json body")
		return
	}
	job, err := s.coordinator.ApplyCompletion(r.Context(), chi.URLParam(r, "id"), payload)
	if errors.Is(err, dispatch.ErrUnknownStatus) {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such job")
		return
	}
	if err != nil {
		s.log.Error("apply completion", zap.String("ref", chi.URLParam(r, "id")), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not apply completion")
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}

// handleSubscribe upgrades to a websocket and streams job updates. The first
// frame is always pushed immediately: the current snapshot, or a not-found
// notice for an unknown reference. Inbound frames are drained and ignored;
// they only serve to detect the peer going away.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "id")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	job, err := s.store.Resolve(r.Context(), ref)
	if err != nil {
		_ = conn.WriteJSON(models.NotFoundMessage{Type: models.MessageJobNotFound, JobID: ref})
		_ = conn.Close()
		return
	}

	// Register before pushing the snapshot: a transition committed between
	// the read and the registration would otherwise broadcast to nobody and
	// leave this client holding a stale snapshot forever. The snapshot is
	// re-read after registering and pushed through the hub so it cannot
	// interleave with a concurrent broadcast.
	key := job.CorrelationID.String()
	s.hub.Subscribe(key, conn)
	defer s.hub.Unsubscribe(key, conn)

	if job, err = s.store.Get(r.Context(), job.ID); err != nil {
		_ = conn.Close()
		return
	}
	if err := s.hub.Send(key, conn, models.UpdateMessage{Type: models.MessageJobUpdate, Job: job.Snapshot()}); err != nil {
		return
	}
	if job.Terminal() {
		// Send already closed and removed the connection.
		return
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ownedJob resolves {id} and enforces ownership: 404 for unknown references,
// 403 when the job belongs to someone else.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	job, err := s.store.Resolve(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such job")
		return models.Job{}, false
	}
	if err != nil {
		s.log.Error("resolve job", zap.String("ref", chi.URLParam(r, "id")), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not load job")
		return models.Job{}, false
	}
	if job.OwnerID != ownerFrom(r) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "job belongs to another user")
		return models.Job{}, false
	}
	return job, true
}

func optionalFormValue(r *http.Request, key string) *string {
	if v := r.FormValue(key); v != "" {
		return &v
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i
		}
	}
	return def
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
