// Package worker drains the send job queue: it leases due jobs, invokes the
// mail transport, and records outcome transitions with retry and backoff.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"outbound-delivery/internal/config"
	"outbound-delivery/internal/mail"
	"outbound-delivery/internal/models"
	"outbound-delivery/internal/store"
	"outbound-delivery/internal/telemetry"
)

// JobStore is the slice of the store the worker needs. Both the Postgres and
// in-memory stores satisfy it.
type JobStore interface {
	LeaseDueJobs(ctx context.Context, now time.Time, leaseTimeout time.Duration, limit int) ([]models.SendJob, error)
	GetMessage(ctx context.Context, tenantID, id string) (models.Message, error)
	MarkSent(ctx context.Context, jobID, providerMessageID string) error
	MarkSkipped(ctx context.Context, jobID, reason string) error
	RequeueWithBackoff(ctx context.Context, jobID, errDetail string, nextAttempt time.Time) error
	CountDue(ctx context.Context, now time.Time) (int64, error)
}

// Worker polls the job store on a fixed cadence and dispatches leased jobs
// with bounded concurrency. Multiple worker processes are safe: the lease
// acquisition in the store is a conditional update, so coordination never
// happens in this package.
type Worker struct {
	cfg         config.Config
	store       JobStore
	transport   mail.Transport
	attachments mail.AttachmentStore
	log         *zap.Logger
}

// New constructs a worker. attachments may be nil when no attachment bucket
// is configured; jobs carrying attachment keys then fail permanently.
func New(cfg config.Config, st JobStore, transport mail.Transport, attachments mail.AttachmentStore, log *zap.Logger) *Worker {
	return &Worker{
		cfg:         cfg,
		store:       st,
		transport:   transport,
		attachments: attachments,
		log:         log,
	}
}

// Run polls until context cancellation. Cancellation aborts in-flight sends;
// their leases are recovered later by the stale-lease check or the watchdog.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.PollAndDispatch(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollAndDispatch performs one poll cycle: lease a batch of actionable jobs
// and process them concurrently. Per-job failures never abort the batch.
func (w *Worker) PollAndDispatch(ctx context.Context) {
	now := time.Now().UTC()
	jobs, err := w.store.LeaseDueJobs(ctx, now, w.cfg.LeaseTimeout, w.cfg.BatchSize)
	if err != nil {
		w.log.Error("lease due jobs", zap.Error(err))
		if len(jobs) == 0 {
			return
		}
	}
	if depth, err := w.store.CountDue(ctx, now); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	if len(jobs) == 0 {
		return
	}

	concurrency := w.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for _, job := range jobs {
		sem <- struct{}{}
		wg.Add(1)
		go func(job models.SendJob) {
			defer wg.Done()
			defer func() { <-sem }()
			w.process(ctx, job)
		}(job)
	}
	wg.Wait()
}

// process resolves the job's payload, performs the send, and records exactly
// one outcome transition.
func (w *Worker) process(ctx context.Context, job models.SendJob) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	log := w.log.With(
		zap.String("job_id", job.ID),
		zap.String("tenant", job.TenantID),
		zap.Int("attempt", job.AttemptCount),
	)

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = w.cfg.MaxAttempts
	}
	// Never send past the retry ceiling.
	if job.AttemptCount > maxAttempts {
		w.skip(ctx, log, job, "retry budget exhausted")
		return
	}

	msg, err := w.store.GetMessage(ctx, job.TenantID, job.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		// Structurally absent payload: retrying cannot help.
		w.skip(ctx, log, job, "message payload missing")
		return
	}
	if err != nil {
		w.fail(ctx, log, job, fmt.Errorf("load message: %w", err))
		return
	}

	email, err := w.resolve(ctx, msg)
	if err != nil {
		if mail.IsPermanent(err) {
			w.skip(ctx, log, job, err.Error())
		} else {
			w.fail(ctx, log, job, err)
		}
		return
	}

	// The lease window is the outer bound on the transport call; a send that
	// cannot finish inside it is abandoned and self-healed later.
	timeout := w.cfg.SendTimeout
	if timeout <= 0 || timeout > w.cfg.LeaseTimeout {
		timeout = w.cfg.LeaseTimeout
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	receipt, err := w.transport.Send(sendCtx, email)
	switch {
	case err == nil:
		if err := w.store.MarkSent(ctx, job.ID, receipt.ProviderMessageID); err != nil {
			log.Error("mark sent", zap.Error(err))
			return
		}
		telemetry.SentCounter.Inc()
		log.Info("delivered", zap.String("provider_message_id", receipt.ProviderMessageID))
	case mail.IsPermanent(err):
		w.skip(ctx, log, job, err.Error())
	default:
		w.fail(ctx, log, job, err)
	}
}

// resolve turns the stored message into a transport payload, fetching any
// attachment blobs.
func (w *Worker) resolve(ctx context.Context, msg models.Message) (mail.OutboundEmail, error) {
	email := mail.OutboundEmail{
		TenantID:  msg.TenantID,
		Recipient: msg.Recipient,
		Subject:   msg.Subject,
		Body:      msg.Body,
	}
	if msg.InReplyTo != nil {
		email.InReplyTo = *msg.InReplyTo
	}
	if len(msg.AttachmentKeys) == 0 {
		return email, nil
	}
	if w.attachments == nil {
		return mail.OutboundEmail{}, &mail.SendError{Reason: "message has attachments but no attachment store is configured", Permanent: true}
	}
	for _, key := range msg.AttachmentKeys {
		a, err := w.attachments.Fetch(ctx, key)
		if err != nil {
			return mail.OutboundEmail{}, err
		}
		email.Attachments = append(email.Attachments, a)
	}
	return email, nil
}

// skip records a permanent failure without consuming further retry budget.
func (w *Worker) skip(ctx context.Context, log *zap.Logger, job models.SendJob, reason string) {
	if err := w.store.MarkSkipped(ctx, job.ID, reason); err != nil {
		log.Error("mark skipped", zap.Error(err))
		return
	}
	telemetry.SkippedCounter.Inc()
	log.Warn("permanently failed", zap.String("reason", reason))
}

// fail records a transient failure: requeue with backoff while budget
// remains, otherwise skip.
func (w *Worker) fail(ctx context.Context, log *zap.Logger, job models.SendJob, sendErr error) {
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = w.cfg.MaxAttempts
	}
	if job.AttemptCount >= maxAttempts {
		w.skip(ctx, log, job, fmt.Sprintf("retry budget exhausted: %v", sendErr))
		return
	}

	delay := backoffWithJitter(w.cfg.BackoffBase, w.cfg.BackoffMax, job.AttemptCount)
	nextAttempt := time.Now().UTC().Add(delay)
	if err := w.store.RequeueWithBackoff(ctx, job.ID, sendErr.Error(), nextAttempt); err != nil {
		log.Error("requeue", zap.Error(err))
		return
	}
	telemetry.RetryCounter.Inc()
	log.Warn("delivery failed, requeued",
		zap.Error(sendErr),
		zap.Time("next_attempt", nextAttempt),
	)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if max > 0 && wait > max {
		wait = max
	}
	half := wait / 2
	if half <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(half)))
	return half + jitter
}
