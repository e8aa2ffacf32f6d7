package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"outbound-delivery/internal/models"
)

func seedQueuedJob(st *Memory, id, tenant string) {
	st.PutJob(models.SendJob{
		ID:          id,
		TenantID:    tenant,
		MessageID:   "msg-" + id,
		State:       models.StateQueued,
		MaxAttempts: 5,
		ScheduledAt: time.Now().UTC().Add(-time.Minute),
	})
}

func TestLeaseRaceExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	seedQueuedJob(st, "job-1", "acme")

	// Two workers poll the same queued job; exactly one may hold the lease.
	results := make([][]models.SendJob, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jobs, err := st.LeaseDueJobs(ctx, time.Now().UTC(), 10*time.Minute, 5)
			if err != nil {
				t.Errorf("lease: %v", err)
			}
			results[i] = jobs
		}(i)
	}
	wg.Wait()

	total := len(results[0]) + len(results[1])
	if total != 1 {
		t.Fatalf("expected exactly one lease winner, got %d", total)
	}
}

func TestLeaseOrderOldestDueFirst(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	now := time.Now().UTC()
	st.PutJob(models.SendJob{ID: "late", TenantID: "acme", MessageID: "m1", State: models.StateQueued, MaxAttempts: 5, ScheduledAt: now.Add(-time.Minute)})
	st.PutJob(models.SendJob{ID: "early", TenantID: "acme", MessageID: "m2", State: models.StateQueued, MaxAttempts: 5, ScheduledAt: now.Add(-time.Hour)})
	st.PutJob(models.SendJob{ID: "future", TenantID: "acme", MessageID: "m3", State: models.StateQueued, MaxAttempts: 5, ScheduledAt: now.Add(time.Hour)})

	jobs, err := st.LeaseDueJobs(ctx, now, 10*time.Minute, 5)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 due jobs, got %d", len(jobs))
	}
	if jobs[0].ID != "early" || jobs[1].ID != "late" {
		t.Fatalf("expected oldest-due-first order, got %s then %s", jobs[0].ID, jobs[1].ID)
	}
}

func TestTransitionGuards(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	seedQueuedJob(st, "job-1", "acme")

	// The job is queued, not leased: outcome transitions must refuse.
	if err := st.MarkSent(ctx, "job-1", "prov"); err != ErrNotFound {
		t.Fatalf("mark sent on queued job: expected ErrNotFound, got %v", err)
	}
	if err := st.MarkSkipped(ctx, "job-1", "x"); err != ErrNotFound {
		t.Fatalf("mark skipped on queued job: expected ErrNotFound, got %v", err)
	}
	if err := st.RequeueWithBackoff(ctx, "job-1", "x", time.Now()); err != ErrNotFound {
		t.Fatalf("requeue on queued job: expected ErrNotFound, got %v", err)
	}
}

func TestTenantIsolation(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	jobA, _, err := st.CreateSendJob(ctx, CreateSendJobParams{
		TenantID: "tenant-a", Recipient: "shared@example.com", Subject: "s", Body: "b",
	})
	if err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	_, _, err = st.CreateSendJob(ctx, CreateSendJobParams{
		TenantID: "tenant-b", Recipient: "shared@example.com", Subject: "s", Body: "b",
	})
	if err != nil {
		t.Fatalf("enqueue b: %v", err)
	}

	// Same recipient, different tenants: both jobs exist independently.
	if _, err := st.GetJob(ctx, "tenant-b", jobA.ID); err != ErrNotFound {
		t.Fatalf("cross-tenant job read must fail, got %v", err)
	}

	statsA, err := st.Stats(ctx, "tenant-a", time.Now().UTC())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if statsA.Queued != 1 {
		t.Fatalf("tenant-a should see exactly its own job, got %d queued", statsA.Queued)
	}
}

func TestDedupeKeyReusesJob(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	p := CreateSendJobParams{
		TenantID: "acme", Recipient: "lead@example.com", Subject: "s", Body: "b",
		DedupeKey: "abc123",
	}
	first, deduped, err := st.CreateSendJob(ctx, p)
	if err != nil || deduped {
		t.Fatalf("first enqueue: deduped=%v err=%v", deduped, err)
	}
	second, deduped, err := st.CreateSendJob(ctx, p)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if !deduped || second.ID != first.ID {
		t.Fatalf("expected dedupe to reuse job %s, got %s (deduped=%v)", first.ID, second.ID, deduped)
	}

	// Same key under another tenant is a distinct job.
	other := p
	other.TenantID = "globex"
	third, deduped, err := st.CreateSendJob(ctx, other)
	if err != nil || deduped {
		t.Fatalf("other-tenant enqueue: deduped=%v err=%v", deduped, err)
	}
	if third.ID == first.ID {
		t.Fatal("dedupe key must be tenant-scoped")
	}
}

func TestMarkSentTouchesLead(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	_ = st.CreateLead(ctx, "acme", "lead-1", "lead@example.com")

	job, _, err := st.CreateSendJob(ctx, CreateSendJobParams{
		TenantID: "acme", LeadID: "lead-1", Recipient: "lead@example.com", Subject: "s", Body: "b",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	leased, err := st.LeaseDueJobs(ctx, time.Now().UTC(), 10*time.Minute, 1)
	if err != nil || len(leased) != 1 {
		t.Fatalf("lease: %v (%d)", err, len(leased))
	}
	if err := st.MarkSent(ctx, job.ID, "prov-1"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	lead, err := st.GetLead(ctx, "acme", "lead-1")
	if err != nil {
		t.Fatalf("get lead: %v", err)
	}
	if lead.Status != models.LeadContacted || lead.LastContactedAt == nil {
		t.Fatalf("lead should be contacted with a timestamp, got %+v", lead)
	}
}

func TestCancelCampaignJobsSparesLeased(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	campaign := "camp-1"
	now := time.Now().UTC()

	st.PutJob(models.SendJob{ID: "queued", TenantID: "acme", CampaignID: &campaign, MessageID: "m1", State: models.StateQueued, MaxAttempts: 5, ScheduledAt: now})
	leasedAt := now
	st.PutJob(models.SendJob{ID: "leased", TenantID: "acme", CampaignID: &campaign, MessageID: "m2", State: models.StateLeased, AttemptCount: 1, MaxAttempts: 5, ScheduledAt: now, LastAttemptAt: &leasedAt})

	n, err := st.CancelCampaignJobs(ctx, "acme", campaign)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 cancelled job, got %d", n)
	}
	q, _ := st.GetJob(ctx, "acme", "queued")
	if q.State != models.StateCancelled {
		t.Fatalf("queued job should be cancelled, got %s", q.State)
	}
	l, _ := st.GetJob(ctx, "acme", "leased")
	if l.State != models.StateLeased {
		t.Fatalf("leased job must finish its attempt, got %s", l.State)
	}
}

func TestLeaseHonorsRetryCeiling(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	now := time.Now().UTC()
	stale := now.Add(-time.Hour)

	// A queued job at the ceiling waits for the cull; a stale lease at the
	// ceiling is closed out. Neither may be leased again.
	st.PutJob(models.SendJob{
		ID: "spent-queued", TenantID: "acme", MessageID: "m1",
		State: models.StateQueued, AttemptCount: 5, MaxAttempts: 5,
		ScheduledAt: stale,
	})
	st.PutJob(models.SendJob{
		ID: "spent-leased", TenantID: "acme", MessageID: "m2",
		State: models.StateLeased, AttemptCount: 5, MaxAttempts: 5,
		ScheduledAt: stale, LastAttemptAt: &stale,
	})

	jobs, err := st.LeaseDueJobs(ctx, now, 10*time.Minute, 5)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("exhausted jobs must not be leased, got %d", len(jobs))
	}

	queued, _ := st.GetJob(ctx, "acme", "spent-queued")
	if queued.State != models.StateQueued || queued.AttemptCount != 5 {
		t.Fatalf("queued job must be untouched, got %s/%d", queued.State, queued.AttemptCount)
	}
	leased, _ := st.GetJob(ctx, "acme", "spent-leased")
	if leased.State != models.StateSkipped {
		t.Fatalf("exhausted stale lease must be closed, got %s", leased.State)
	}
	if leased.AttemptCount != 5 {
		t.Fatalf("attempt count must not pass the ceiling, got %d", leased.AttemptCount)
	}
}
