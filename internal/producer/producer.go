// Package producer is the enqueue path: it turns a qualification decision
// into a durable message plus send job, written in one transaction.
package producer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"outbound-delivery/internal/config"
	"outbound-delivery/internal/models"
	"outbound-delivery/internal/store"
	"outbound-delivery/internal/telemetry"
)

// Store is the slice of the store the producer needs.
type Store interface {
	CreateSendJob(ctx context.Context, p store.CreateSendJobParams) (models.SendJob, bool, error)
	Stats(ctx context.Context, tenantID string, now time.Time) (models.Stats, error)
	StopCampaign(ctx context.Context, tenantID, campaignID string) error
	CancelCampaignJobs(ctx context.Context, tenantID, campaignID string) (int64, error)
}

// Decision is what the qualification engine hands us: a message to send and
// who it belongs to. The engine itself is a black box upstream of this
// package.
type Decision struct {
	TenantID       string
	CampaignID     string
	LeadID         string
	Recipient      string
	Subject        string
	Body           string
	InReplyTo      string
	AttachmentKeys []string
	ScheduledAt    time.Time
}

// Producer enqueues send jobs and exposes tenant-facing aggregates.
type Producer struct {
	cfg   config.Config
	store Store
	log   *zap.Logger
}

func New(cfg config.Config, st Store, log *zap.Logger) *Producer {
	return &Producer{cfg: cfg, store: st, log: log}
}

// Enqueue creates the message and its send job. Duplicate decisions for the
// same tenant, recipient, and content resolve to the existing job; the
// returned boolean reports that case.
func (p *Producer) Enqueue(ctx context.Context, d Decision) (models.SendJob, bool, error) {
	if d.TenantID == "" {
		return models.SendJob{}, false, errors.New("tenant id is required")
	}
	if d.Recipient == "" {
		return models.SendJob{}, false, errors.New("recipient is required")
	}
	if d.Subject == "" && d.Body == "" {
		return models.SendJob{}, false, errors.New("message content is required")
	}

	job, deduped, err := p.store.CreateSendJob(ctx, store.CreateSendJobParams{
		TenantID:       d.TenantID,
		CampaignID:     d.CampaignID,
		LeadID:         d.LeadID,
		Recipient:      d.Recipient,
		Subject:        d.Subject,
		Body:           d.Body,
		InReplyTo:      d.InReplyTo,
		AttachmentKeys: d.AttachmentKeys,
		DedupeKey:      DedupeKey(d.Recipient, d.Subject, d.Body),
		ScheduledAt:    d.ScheduledAt,
		MaxAttempts:    p.cfg.MaxAttempts,
	})
	if err != nil {
		return models.SendJob{}, false, fmt.Errorf("create send job: %w", err)
	}
	if deduped {
		p.log.Info("duplicate enqueue resolved to existing job",
			zap.String("tenant", d.TenantID),
			zap.String("job_id", job.ID),
		)
		return job, true, nil
	}
	telemetry.EnqueueCounter.Inc()
	p.log.Info("send job enqueued",
		zap.String("tenant", d.TenantID),
		zap.String("job_id", job.ID),
		zap.Time("scheduled_at", job.ScheduledAt),
	)
	return job, false, nil
}

// Stats derives the tenant's delivery counters.
func (p *Producer) Stats(ctx context.Context, tenantID string) (models.Stats, error) {
	return p.store.Stats(ctx, tenantID, time.Now().UTC())
}

// StopCampaign idles the campaign and cancels its still-queued jobs. Jobs
// already leased finish their current attempt.
func (p *Producer) StopCampaign(ctx context.Context, tenantID, campaignID string) (int64, error) {
	if err := p.store.StopCampaign(ctx, tenantID, campaignID); err != nil {
		return 0, err
	}
	cancelled, err := p.store.CancelCampaignJobs(ctx, tenantID, campaignID)
	if err != nil {
		return 0, fmt.Errorf("cancel campaign jobs: %w", err)
	}
	p.log.Info("campaign stopped",
		zap.String("tenant", tenantID),
		zap.String("campaign_id", campaignID),
		zap.Int64("cancelled_jobs", cancelled),
	)
	return cancelled, nil
}

// DedupeKey hashes the message identity so at-least-once upstream triggers
// collapse to a single job per tenant.
func DedupeKey(recipient, subject, body string) string {
	h := xxhash.New()
	_, _ = h.WriteString(recipient)
	_, _ = h.WriteString("\n")
	_, _ = h.WriteString(subject)
	_, _ = h.WriteString("\n")
	_, _ = h.WriteString(body)
	return fmt.Sprintf("%016x", h.Sum64())
}
