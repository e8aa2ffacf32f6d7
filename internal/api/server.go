package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"outbound-delivery/internal/config"
	"outbound-delivery/internal/models"
	"outbound-delivery/internal/producer"
	"outbound-delivery/internal/ratelimit"
	"outbound-delivery/internal/store"
	"outbound-delivery/internal/telemetry"
)

// JobReader is the read-only job access the API needs.
type JobReader interface {
	GetJob(ctx context.Context, tenantID, id string) (models.SendJob, error)
}

// Server wires HTTP handlers for the producer-facing API. Tenant identity
// comes from the X-Tenant-ID header; auth in front of it is out of scope
// here.
type Server struct {
	cfg      config.Config
	producer *producer.Producer
	jobs     JobReader
	limiter  *ratelimit.TokenBucket
	log      *zap.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, p *producer.Producer, jobs JobReader, limiter *ratelimit.TokenBucket, log *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		producer: p,
		jobs:     jobs,
		limiter:  limiter,
		log:      log,
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

	r.Post("/v1/messages", s.handleEnqueue)
	r.Get("/v1/jobs/{id}", s.handleGetJob)
	r.Get("/v1/stats", s.handleStats)
	r.Post("/v1/campaigns/{id}/stop", s.handleStopCampaign)
	return r
}

type enqueueRequest struct {
	CampaignID     string     `json:"campaign_id"`
	LeadID         string     `json:"lead_id"`
	Recipient      string     `json:"recipient"`
	Subject        string     `json:"subject"`
	Body           string     `json:"body"`
	InReplyTo      string     `json:"in_reply_to"`
	AttachmentKeys []string   `json:"attachment_keys"`
	ScheduledAt    *time.Time `json:"scheduled_at"`
	DelaySeconds   int        `json:"delay_seconds"`
}

type enqueueResponse struct {
	Job        models.SendJob `json:"job"`
	Idempotent bool           `json:"idempotent"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	if tenant == "" {
		http.Error(w, "X-Tenant-ID header is required", http.StatusBadRequest)
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Recipient == "" {
		http.Error(w, "recipient is required", http.StatusBadRequest)
		return
	}

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

	scheduledAt := time.Time{}
	if req.ScheduledAt != nil {
		scheduledAt = *req.ScheduledAt
	}
	if req.DelaySeconds > 0 {
		scheduledAt = time.Now().UTC().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	job, idempotent, err := s.producer.Enqueue(r.Context(), producer.Decision{
		TenantID:       tenant,
		CampaignID:     req.CampaignID,
		LeadID:         req.LeadID,
		Recipient:      req.Recipient,
		Subject:        req.Subject,
		Body:           req.Body,
		InReplyTo:      req.InReplyTo,
		AttachmentKeys: req.AttachmentKeys,
		ScheduledAt:    scheduledAt,
	})
	if err != nil {
		s.log.Error("enqueue failed", zap.String("tenant", tenant), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: job, Idempotent: idempotent})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	if tenant == "" {
		http.Error(w, "X-Tenant-ID header is required", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "id")
	job, err := s.jobs.GetJob(r.Context(), tenant, id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	if tenant == "" {
		http.Error(w, "X-Tenant-ID header is required", http.StatusBadRequest)
		return
	}
	stats, err := s.producer.Stats(r.Context(), tenant)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStopCampaign(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	if tenant == "" {
		http.Error(w, "X-Tenant-ID header is required", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "id")
	cancelled, err := s.producer.StopCampaign(r.Context(), tenant, id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "campaign not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopped", "cancelled_jobs": cancelled})
}

func tenantFromRequest(r *http.Request) string {
	return r.Header.Get("X-Tenant-ID")
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
