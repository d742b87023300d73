package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"clipmix/internal/config"
	"clipmix/internal/models"
	"clipmix/internal/ratelimit"
	"clipmix/internal/storage"
	"clipmix/internal/store"
	"clipmix/internal/telemetry"
)

// Registry is the slice of the job store the API needs.
type Registry interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkCancelled(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, cause string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Enqueuer is the slice of the queue the API needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
	Remove(ctx context.Context, jobID string) error
}

// Server wires HTTP handlers for job submission, status, and output serving.
type Server struct {
	cfg      config.Config
	registry Registry
	queue    Enqueuer
	layout   *storage.Layout
	limiter  *ratelimit.TokenBucket
}

// New constructs the API server. limiter may be nil to disable throttling.
func New(cfg config.Config, registry Registry, q Enqueuer, layout *storage.Layout, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		queue:    q,
		layout:   layout,
		limiter:  limiter,
	}
}

// Router builds the HTTP router. Downloads stay unauthenticated so outputs
// can be fetched directly from a browser; everything else requires the
// bearer token when one is configured.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	// The browser frontend is served from a different origin.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(pr chi.Router) {
		pr.Use(s.requireAuth)
		pr.Post("/jobs", s.handleSubmit)
		pr.Get("/jobs/{id}", s.handleGetJob)
		pr.Post("/jobs/{id}/cancel", s.handleCancel)
		pr.Get("/outputs", s.handleListOutputs)
	})

	r.Get("/outputs/{filename}", s.handleDownload)
	return r
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIToken != "" {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token != s.cfg.APIToken {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "invalid access token", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// handleSubmit accepts a multipart form with the video under "file" and a
// comma-separated URL list under "urls". The request returns as soon as the
// job is persisted and enqueued; processing happens in the worker.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), tenant)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+1024*1024)
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	urls := splitURLs(r.FormValue("urls"))

	jobID := uuid.New().String()
	videoPath, err := s.layout.SaveUpload(jobID, header.Filename, file, s.cfg.MaxUploadBytes)
	if err != nil {
		http.Error(w, fmt.Sprintf("store upload: %v", err), http.StatusBadRequest)
		return
	}

	job, err := s.registry.CreateJob(r.Context(), store.CreateJobParams{
		ID:          jobID,
		VideoPath:   videoPath,
		SourceURLs:  urls,
		RequestedBy: tenant,
	})
	if err != nil {
		_, _ = s.layout.RemoveIfExists(videoPath)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := s.queue.Enqueue(r.Context(), job.ID); err != nil {
		_ = s.registry.MarkFailed(r.Context(), job.ID, "enqueue failed: "+err.Error())
		_, _ = s.layout.RemoveIfExists(videoPath)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	_ = s.registry.AppendAudit(r.Context(), job.ID, "enqueued", fmt.Sprintf("tenant=%s sources=%d", tenant, len(urls)))
	telemetry.SubmitCounter.Inc()

	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.registry.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleCancel withdraws a queued job. Jobs already leased by a worker run
// to their terminal state. Cancellation is a terminal transition, so the
// job's artifacts are purged here the same way the pipeline purges them.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Remove(r.Context(), id); err != nil {
		http.Error(w, "failed to remove queue item", http.StatusInternalServerError)
		return
	}
	if err := s.registry.MarkCancelled(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if job, err := s.registry.GetJob(r.Context(), id); err == nil {
		_, _ = s.layout.RemoveIfExists(job.VideoPath)
	}
	_, _ = s.layout.PurgeWork(id)
	_ = s.registry.AppendAudit(r.Context(), id, "cancelled", "cancel requested via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StatusCancelled})
}

func (s *Server) handleListOutputs(w http.ResponseWriter, r *http.Request) {
	outputs, err := s.layout.ListOutputs()
	if err != nil {
		http.Error(w, "failed to list outputs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outputs": outputs})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	f, info, err := s.layout.OpenOutput(name)
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	if strings.HasSuffix(name, ".mp4") {
		w.Header().Set("Content-Type", "video/mp4")
	}
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func splitURLs(raw string) []string {
	parts := strings.Split(raw, ",")
	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			urls = append(urls, trimmed)
		}
	}
	return urls
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
