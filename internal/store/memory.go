package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"outbound-delivery/internal/models"
)

// Memory is an in-memory store with the same conditional-transition semantics
// as Postgres. It backs tests and local development where a database is
// unwanted; a single mutex stands in for row-level atomicity.
type Memory struct {
	mu        sync.Mutex
	jobs      map[string]*models.SendJob
	messages  map[string]*models.Message
	leads     map[string]*models.Lead
	campaigns map[string]*models.Campaign
	tenants   map[string]*models.Tenant
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[string]*models.SendJob),
		messages:  make(map[string]*models.Message),
		leads:     make(map[string]*models.Lead),
		campaigns: make(map[string]*models.Campaign),
		tenants:   make(map[string]*models.Tenant),
	}
}

func (s *Memory) Close() {}

// CreateSendJob mirrors the Postgres transactional insert, including
// per-tenant dedupe key reuse.
func (s *Memory) CreateSendJob(_ context.Context, p CreateSendJobParams) (models.SendJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	now := time.Now().UTC()
	if p.ScheduledAt.IsZero() {
		p.ScheduledAt = now
	}

	if p.DedupeKey != "" {
		for _, j := range s.jobs {
			if j.TenantID == p.TenantID && j.DedupeKey != nil && *j.DedupeKey == p.DedupeKey {
				return *j, true, nil
			}
		}
	}

	msg := &models.Message{
		ID:             uuid.New().String(),
		TenantID:       p.TenantID,
		LeadID:         emptyToNil(p.LeadID),
		Recipient:      p.Recipient,
		Subject:        p.Subject,
		Body:           p.Body,
		InReplyTo:      emptyToNil(p.InReplyTo),
		AttachmentKeys: append([]string{}, p.AttachmentKeys...),
		CreatedAt:      now,
	}
	job := &models.SendJob{
		ID:          uuid.New().String(),
		TenantID:    p.TenantID,
		CampaignID:  emptyToNil(p.CampaignID),
		MessageID:   msg.ID,
		State:       models.StateQueued,
		MaxAttempts: p.MaxAttempts,
		ScheduledAt: p.ScheduledAt,
		DedupeKey:   emptyToNil(p.DedupeKey),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.messages[msg.ID] = msg
	s.jobs[job.ID] = job
	return *job, false, nil
}

func (s *Memory) GetJob(_ context.Context, tenantID, id string) (models.SendJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.TenantID != tenantID {
		return models.SendJob{}, ErrNotFound
	}
	return *j, nil
}

func (s *Memory) GetMessage(_ context.Context, tenantID, id string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.TenantID != tenantID {
		return models.Message{}, ErrNotFound
	}
	return *m, nil
}

// LeaseDueJobs matches the Postgres selection predicate and per-job
// test-and-set lease acquisition.
func (s *Memory) LeaseDueJobs(_ context.Context, now time.Time, leaseTimeout time.Duration, limit int) ([]models.SendJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	staleBefore := now.Add(-leaseTimeout)
	var due []*models.SendJob
	for _, j := range s.jobs {
		if j.State == models.StateQueued && !j.ScheduledAt.After(now) && j.AttemptCount < j.MaxAttempts {
			due = append(due, j)
		} else if j.State == models.StateLeased && j.LastAttemptAt != nil && !j.LastAttemptAt.After(staleBefore) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].ScheduledAt.Before(due[k].ScheduledAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	leased := make([]models.SendJob, 0, len(due))
	for _, j := range due {
		if j.State == models.StateLeased && j.AttemptCount >= j.MaxAttempts {
			// The lease went stale with no attempt left to run.
			j.State = models.StateSkipped
			if j.ErrorDetail == nil {
				detail := "retry budget exhausted"
				j.ErrorDetail = &detail
			}
			j.UpdatedAt = now
			continue
		}
		j.State = models.StateLeased
		j.AttemptCount++
		t := now
		j.LastAttemptAt = &t
		j.UpdatedAt = now
		leased = append(leased, *j)
	}
	return leased, nil
}

func (s *Memory) MarkSent(_ context.Context, jobID, providerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.State != models.StateLeased {
		return ErrNotFound
	}
	now := time.Now().UTC()
	j.State = models.StateSent
	j.ProviderMessageID = &providerMessageID
	j.ErrorDetail = nil
	j.UpdatedAt = now
	if m, ok := s.messages[j.MessageID]; ok && m.LeadID != nil {
		if lead, ok := s.leads[*m.LeadID]; ok {
			lead.Status = models.LeadContacted
			t := now
			lead.LastContactedAt = &t
			lead.UpdatedAt = now
		}
	}
	return nil
}

func (s *Memory) MarkSkipped(_ context.Context, jobID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.State != models.StateLeased {
		return ErrNotFound
	}
	j.State = models.StateSkipped
	j.ErrorDetail = &reason
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Memory) RequeueWithBackoff(_ context.Context, jobID, errDetail string, nextAttempt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.State != models.StateLeased {
		return ErrNotFound
	}
	j.State = models.StateQueued
	j.ErrorDetail = &errDetail
	j.ScheduledAt = nextAttempt
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Memory) ReclaimAbandoned(_ context.Context, cutoff time.Time, delay time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for _, j := range s.jobs {
		if j.State == models.StateLeased && j.LastAttemptAt != nil && !j.LastAttemptAt.After(cutoff) {
			j.State = models.StateQueued
			j.ScheduledAt = now.Add(delay)
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *Memory) CullExhausted(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for _, j := range s.jobs {
		if j.State == models.StateQueued && j.AttemptCount >= j.MaxAttempts {
			j.State = models.StateSkipped
			if j.ErrorDetail == nil {
				detail := "retry budget exhausted"
				j.ErrorDetail = &detail
			}
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *Memory) CloseStaleLeads(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, l := range s.leads {
		if l.Status == models.LeadNew && l.LastContactedAt == nil && !l.CreatedAt.After(cutoff) {
			l.Status = models.LeadClosed
			l.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *Memory) IdleOrphanCampaigns(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.campaigns {
		if c.Status != models.CampaignRunning {
			continue
		}
		if _, ok := s.tenants[c.TenantID]; !ok {
			c.Status = models.CampaignIdle
			c.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *Memory) StopCampaign(_ context.Context, tenantID, campaignID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok || c.TenantID != tenantID {
		return ErrNotFound
	}
	c.Status = models.CampaignIdle
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Memory) CancelCampaignJobs(_ context.Context, tenantID, campaignID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.TenantID == tenantID && j.CampaignID != nil && *j.CampaignID == campaignID && j.State == models.StateQueued {
			j.State = models.StateCancelled
			j.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *Memory) Stats(_ context.Context, tenantID string, now time.Time) (models.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var st models.Stats
	for _, j := range s.jobs {
		if j.TenantID != tenantID {
			continue
		}
		switch j.State {
		case models.StateQueued, models.StateLeased:
			st.Queued++
		case models.StateSent:
			st.Sent++
			if !j.UpdatedAt.Before(dayStart) {
				st.SentToday++
			}
		case models.StateSkipped:
			st.Failed++
		}
	}
	return st, nil
}

func (s *Memory) CountDue(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.State == models.StateQueued && !j.ScheduledAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (s *Memory) CreateTenant(_ context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[id]; !ok {
		s.tenants[id] = &models.Tenant{ID: id, Name: name, CreatedAt: time.Now().UTC()}
	}
	return nil
}

func (s *Memory) CreateCampaign(_ context.Context, tenantID, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.campaigns[id] = &models.Campaign{
		ID: id, TenantID: tenantID, Name: name,
		Status: models.CampaignRunning, CreatedAt: now, UpdatedAt: now,
	}
	return nil
}

func (s *Memory) CreateLead(_ context.Context, tenantID, id, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.leads[id] = &models.Lead{
		ID: id, TenantID: tenantID, Email: email,
		Status: models.LeadNew, CreatedAt: now, UpdatedAt: now,
	}
	return nil
}

// PutJob overwrites a job row directly. Test and dev seeding only.
func (s *Memory) PutJob(j models.SendJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := j
	s.jobs[j.ID] = &cp
}

// PutLead overwrites a lead row directly. Test and dev seeding only.
func (s *Memory) PutLead(l models.Lead) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := l
	s.leads[l.ID] = &cp
}

// GetLead returns a lead within the tenant scope.
func (s *Memory) GetLead(_ context.Context, tenantID, id string) (models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok || l.TenantID != tenantID {
		return models.Lead{}, ErrNotFound
	}
	return *l, nil
}

// GetCampaign returns a campaign within the tenant scope.
func (s *Memory) GetCampaign(_ context.Context, tenantID, id string) (models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok || c.TenantID != tenantID {
		return models.Campaign{}, ErrNotFound
	}
	return *c, nil
}
