package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"outbound-delivery/internal/models"
)

// ErrNotFound is returned when a row does not exist within the caller's
// tenant scope.
var ErrNotFound = errors.New("not found")

// Postgres wraps pgxpool for durable job persistence. It is the single
// coordination point between producers, workers, and the watchdog; every
// state transition is a conditional UPDATE so concurrent processes never
// need application-level locking.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateSendJobParams collects inputs required to enqueue a delivery.
type CreateSendJobParams struct {
	TenantID       string
	CampaignID     string
	LeadID         string
	Recipient      string
	Subject        string
	Body           string
	InReplyTo      string
	AttachmentKeys []string
	DedupeKey      string
	ScheduledAt    time.Time
	MaxAttempts    int
}

const sendJobColumns = `id, tenant_id, campaign_id, message_id, state, attempt_count, max_attempts,
scheduled_at, last_attempt_at, error_detail, provider_message_id, dedupe_key, created_at, updated_at`

// CreateSendJob inserts the message payload and its send job in one
// transaction, honoring the per-tenant dedupe key if provided. It returns
// the job and a boolean indicating whether an existing job was reused.
func (s *Postgres) CreateSendJob(ctx context.Context, p CreateSendJobParams) (models.SendJob, bool, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.ScheduledAt.IsZero() {
		p.ScheduledAt = time.Now().UTC()
	}

	// If the dedupe key already maps to a job, short-circuit before writing.
	if p.DedupeKey != "" {
		if existing, found, err := s.findByDedupeKey(ctx, p.TenantID, p.DedupeKey); err != nil {
			return models.SendJob{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	keysJSON, err := json.Marshal(append([]string{}, p.AttachmentKeys...))
	if err != nil {
		return models.SendJob{}, false, fmt.Errorf("marshal attachment keys: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.SendJob{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	messageID := uuid.New().String()
	jobID := uuid.New().String()

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, tenant_id, lead_id, recipient, subject, body, in_reply_to, attachment_keys, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, messageID, p.TenantID, emptyToNil(p.LeadID), p.Recipient, p.Subject, p.Body, emptyToNil(p.InReplyTo), keysJSON, now)
	if err != nil {
		return models.SendJob{}, false, fmt.Errorf("insert message: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO send_jobs (id, tenant_id, campaign_id, message_id, state, attempt_count, max_attempts, scheduled_at, dedupe_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $9)
		ON CONFLICT (tenant_id, dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
	`, jobID, p.TenantID, emptyToNil(p.CampaignID), messageID, models.StateQueued, p.MaxAttempts, p.ScheduledAt, emptyToNil(p.DedupeKey), now)
	if err != nil {
		return models.SendJob{}, false, fmt.Errorf("insert send job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Someone else claimed the key after our initial check.
		if err := tx.Rollback(ctx); err != nil {
			return models.SendJob{}, false, fmt.Errorf("rollback after dedupe conflict: %w", err)
		}
		existing, found, err := s.findByDedupeKey(ctx, p.TenantID, p.DedupeKey)
		if err != nil {
			return models.SendJob{}, false, err
		}
		if !found {
			return models.SendJob{}, false, errors.New("dedupe conflict but no existing job found")
		}
		return existing, true, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return models.SendJob{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.SendJob{
		ID:          jobID,
		TenantID:    p.TenantID,
		CampaignID:  emptyToNil(p.CampaignID),
		MessageID:   messageID,
		State:       models.StateQueued,
		MaxAttempts: p.MaxAttempts,
		ScheduledAt: p.ScheduledAt,
		DedupeKey:   emptyToNil(p.DedupeKey),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, false, nil
}

func (s *Postgres) findByDedupeKey(ctx context.Context, tenantID, key string) (models.SendJob, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sendJobColumns+` FROM send_jobs WHERE tenant_id = $1 AND dedupe_key = $2
	`, tenantID, key)
	job, err := scanSendJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SendJob{}, false, nil
	}
	if err != nil {
		return models.SendJob{}, false, fmt.Errorf("query dedupe key: %w", err)
	}
	return job, true, nil
}

// GetJob fetches a job by id within the caller's tenant.
func (s *Postgres) GetJob(ctx context.Context, tenantID, id string) (models.SendJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sendJobColumns+` FROM send_jobs WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	job, err := scanSendJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SendJob{}, ErrNotFound
	}
	if err != nil {
		return models.SendJob{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// GetMessage fetches a job's payload.
func (s *Postgres) GetMessage(ctx context.Context, tenantID, id string) (models.Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, lead_id, recipient, subject, body, in_reply_to, attachment_keys, created_at
		FROM messages WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)

	var m models.Message
	var leadID, inReplyTo pgtype.Text
	var keysJSON []byte
	if err := row.Scan(&m.ID, &m.TenantID, &leadID, &m.Recipient, &m.Subject, &m.Body, &inReplyTo, &keysJSON, &m.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Message{}, ErrNotFound
		}
		return models.Message{}, fmt.Errorf("scan message: %w", err)
	}
	if err := json.Unmarshal(keysJSON, &m.AttachmentKeys); err != nil {
		return models.Message{}, fmt.Errorf("unmarshal attachment keys: %w", err)
	}
	m.LeadID = textPtr(leadID)
	m.InReplyTo = textPtr(inReplyTo)
	return m, nil
}

// LeaseDueJobs selects up to limit actionable jobs (queued and due, or leased
// past the short lease timeout) ordered oldest-due-first, and takes a lease on
// each with an atomic conditional transition. Jobs another worker leases
// between selection and acquisition are silently dropped from the batch.
// A stale lease whose retry budget is already spent has no attempt left to
// run; it is closed to skipped here instead of being re-leased.
func (s *Postgres) LeaseDueJobs(ctx context.Context, now time.Time, leaseTimeout time.Duration, limit int) ([]models.SendJob, error) {
	staleBefore := now.Add(-leaseTimeout)
	rows, err := s.pool.Query(ctx, `
		SELECT id, state FROM send_jobs
		WHERE (state = $1 AND scheduled_at <= $3 AND attempt_count < max_attempts)
		   OR (state = $2 AND last_attempt_at <= $4)
		ORDER BY scheduled_at ASC
		LIMIT $5
	`, models.StateQueued, models.StateLeased, now, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("select due jobs: %w", err)
	}
	type candidate struct {
		id    string
		state models.JobState
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.state); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate candidates: %w", rows.Err())
	}

	leased := make([]models.SendJob, 0, len(candidates))
	for _, c := range candidates {
		job, ok, err := s.leaseOne(ctx, c.id, c.state, now, staleBefore)
		if err != nil {
			return leased, err
		}
		if ok {
			leased = append(leased, job)
		}
	}
	return leased, nil
}

// leaseOne performs the lease acquisition: a single conditional UPDATE guarded
// by the previously observed state, so at most one worker wins per job.
func (s *Postgres) leaseOne(ctx context.Context, id string, expected models.JobState, now, staleBefore time.Time) (models.SendJob, bool, error) {
	var row pgx.Row
	if expected == models.StateQueued {
		row = s.pool.QueryRow(ctx, `
			UPDATE send_jobs
			SET state = $3, attempt_count = attempt_count + 1, last_attempt_at = $4, updated_at = $4
			WHERE id = $1 AND state = $2 AND scheduled_at <= $4 AND attempt_count < max_attempts
			RETURNING `+sendJobColumns+`
		`, id, models.StateQueued, models.StateLeased, now)
	} else {
		// Re-leasing our own (or a crashed peer's) stale lease.
		row = s.pool.QueryRow(ctx, `
			UPDATE send_jobs
			SET attempt_count = attempt_count + 1, last_attempt_at = $3, updated_at = $3
			WHERE id = $1 AND state = $2 AND last_attempt_at <= $4 AND attempt_count < max_attempts
			RETURNING `+sendJobColumns+`
		`, id, models.StateLeased, now, staleBefore)
	}
	job, err := scanSendJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if expected == models.StateLeased {
			// The lease went stale with no attempt left to run.
			if _, err := s.pool.Exec(ctx, `
				UPDATE send_jobs
				SET state = $3, error_detail = COALESCE(error_detail, 'retry budget exhausted'), updated_at = $4
				WHERE id = $1 AND state = $2 AND last_attempt_at <= $5 AND attempt_count >= max_attempts
			`, id, models.StateLeased, models.StateSkipped, now, staleBefore); err != nil {
				return models.SendJob{}, false, fmt.Errorf("close exhausted lease %s: %w", id, err)
			}
		}
		return models.SendJob{}, false, nil
	}
	if err != nil {
		return models.SendJob{}, false, fmt.Errorf("lease job %s: %w", id, err)
	}
	return job, true, nil
}

// MarkSent records a successful delivery and touches the lead the message was
// addressed to. Conditional on the job still being leased.
func (s *Postgres) MarkSent(ctx context.Context, jobID, providerMessageID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var messageID string
	err = tx.QueryRow(ctx, `
		UPDATE send_jobs
		SET state = $3, provider_message_id = $4, error_detail = NULL, updated_at = NOW()
		WHERE id = $1 AND state = $2
		RETURNING message_id
	`, jobID, models.StateLeased, models.StateSent, providerMessageID).Scan(&messageID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE leads
		SET status = $2, last_contacted_at = NOW(), updated_at = NOW()
		WHERE id = (SELECT lead_id FROM messages WHERE id = $1)
	`, messageID, models.LeadContacted)
	if err != nil {
		return fmt.Errorf("touch lead: %w", err)
	}

	return tx.Commit(ctx)
}

// MarkSkipped permanently fails a leased job.
func (s *Postgres) MarkSkipped(ctx context.Context, jobID, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE send_jobs
		SET state = $3, error_detail = $4, updated_at = NOW()
		WHERE id = $1 AND state = $2
	`, jobID, models.StateLeased, models.StateSkipped, reason)
	if err != nil {
		return fmt.Errorf("mark skipped: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueWithBackoff returns a leased job to the queue after a failed attempt,
// eligible again at nextAttempt.
func (s *Postgres) RequeueWithBackoff(ctx context.Context, jobID, errDetail string, nextAttempt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE send_jobs
		SET state = $3, error_detail = $4, scheduled_at = $5, updated_at = NOW()
		WHERE id = $1 AND state = $2
	`, jobID, models.StateLeased, models.StateQueued, errDetail, nextAttempt)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReclaimAbandoned forces leases older than cutoff back to queued with a small
// future delay so the job does not immediately re-collide with whatever
// crashed it. Idempotent bulk update; safe to run concurrently with workers.
func (s *Postgres) ReclaimAbandoned(ctx context.Context, cutoff time.Time, delay time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE send_jobs
		SET state = $2, scheduled_at = NOW() + make_interval(secs => $3), updated_at = NOW()
		WHERE state = $1 AND last_attempt_at <= $4
	`, models.StateLeased, models.StateQueued, delay.Seconds(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim abandoned: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CullExhausted forces queued jobs whose retry budget is spent to skipped.
// Safety net for ceiling checks bypassed by a crash mid-transition.
func (s *Postgres) CullExhausted(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE send_jobs
		SET state = $2, error_detail = COALESCE(error_detail, 'retry budget exhausted'), updated_at = NOW()
		WHERE state = $1 AND attempt_count >= max_attempts
	`, models.StateQueued, models.StateSkipped)
	if err != nil {
		return 0, fmt.Errorf("cull exhausted: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CloseStaleLeads closes leads that have sat uncontacted past the staleness
// cutoff.
func (s *Postgres) CloseStaleLeads(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE leads
		SET status = $2, updated_at = NOW()
		WHERE status = $1 AND last_contacted_at IS NULL AND created_at <= $3
	`, models.LeadNew, models.LeadClosed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("close stale leads: %w", err)
	}
	return tag.RowsAffected(), nil
}

// IdleOrphanCampaigns idles running campaigns whose tenant no longer exists.
func (s *Postgres) IdleOrphanCampaigns(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns c
		SET status = $2, updated_at = NOW()
		WHERE c.status = $1
		  AND NOT EXISTS (SELECT 1 FROM tenants t WHERE t.id = c.tenant_id)
	`, models.CampaignRunning, models.CampaignIdle)
	if err != nil {
		return 0, fmt.Errorf("idle orphan campaigns: %w", err)
	}
	return tag.RowsAffected(), nil
}

// StopCampaign idles a campaign within the caller's tenant.
func (s *Postgres) StopCampaign(ctx context.Context, tenantID, campaignID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns
		SET status = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, campaignID, models.CampaignIdle)
	if err != nil {
		return fmt.Errorf("stop campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelCampaignJobs cancels a stopped campaign's still-queued jobs. Leased
// jobs finish their in-flight attempt; terminal jobs are untouched.
func (s *Postgres) CancelCampaignJobs(ctx context.Context, tenantID, campaignID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE send_jobs
		SET state = $4, updated_at = NOW()
		WHERE tenant_id = $1 AND campaign_id = $2 AND state = $3
	`, tenantID, campaignID, models.StateQueued, models.StateCancelled)
	if err != nil {
		return 0, fmt.Errorf("cancel campaign jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats derives per-tenant delivery counters by counting.
func (s *Postgres) Stats(ctx context.Context, tenantID string, now time.Time) (models.Stats, error) {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var st models.Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE state IN ($2, $3)),
			COUNT(*) FILTER (WHERE state = $4),
			COUNT(*) FILTER (WHERE state = $5),
			COUNT(*) FILTER (WHERE state = $4 AND updated_at >= $6)
		FROM send_jobs WHERE tenant_id = $1
	`, tenantID, models.StateQueued, models.StateLeased, models.StateSent, models.StateSkipped, dayStart).
		Scan(&st.Queued, &st.Sent, &st.Failed, &st.SentToday)
	if err != nil {
		return models.Stats{}, fmt.Errorf("count stats: %w", err)
	}
	return st, nil
}

// CountDue returns how many jobs are currently eligible for leasing.
func (s *Postgres) CountDue(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM send_jobs WHERE state = $1 AND scheduled_at <= $2
	`, models.StateQueued, now).Scan(&n); err != nil {
		return 0, fmt.Errorf("count due jobs: %w", err)
	}
	return n, nil
}

// CreateTenant inserts a tenant row.
func (s *Postgres) CreateTenant(ctx context.Context, id, name string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, created_at) VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO NOTHING
	`, id, name)
	return err
}

// CreateCampaign inserts a running campaign.
func (s *Postgres) CreateCampaign(ctx context.Context, tenantID, id, name string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO campaigns (id, tenant_id, name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
	`, id, tenantID, name, models.CampaignRunning)
	return err
}

// CreateLead inserts a new lead.
func (s *Postgres) CreateLead(ctx context.Context, tenantID, id, email string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO leads (id, tenant_id, email, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
	`, id, tenantID, email, models.LeadNew)
	return err
}

func scanSendJob(row pgx.Row) (models.SendJob, error) {
	var job models.SendJob
	var campaignID, errorDetail, providerID, dedupeKey pgtype.Text
	var lastAttempt pgtype.Timestamptz
	if err := row.Scan(&job.ID, &job.TenantID, &campaignID, &job.MessageID, &job.State,
		&job.AttemptCount, &job.MaxAttempts, &job.ScheduledAt, &lastAttempt,
		&errorDetail, &providerID, &dedupeKey, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.SendJob{}, err
	}
	job.CampaignID = textPtr(campaignID)
	job.ErrorDetail = textPtr(errorDetail)
	job.ProviderMessageID = textPtr(providerID)
	job.DedupeKey = textPtr(dedupeKey)
	if lastAttempt.Valid {
		t := lastAttempt.Time
		job.LastAttemptAt = &t
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
