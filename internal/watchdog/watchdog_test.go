package watchdog

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"outbound-delivery/internal/config"
	"outbound-delivery/internal/models"
	"outbound-delivery/internal/store"
)

func testConfig() config.Config {
	return config.Config{
		ReclaimAfter: 30 * time.Minute,
		ReclaimDelay: 5 * time.Minute,
		LeadMaxIdle:  30 * 24 * time.Hour,
	}
}

func TestSweepReclaimsAbandonedLease(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	old := time.Now().UTC().Add(-time.Hour)
	st.PutJob(models.SendJob{
		ID: "stuck", TenantID: "acme", MessageID: "m1",
		State: models.StateLeased, AttemptCount: 1, MaxAttempts: 5,
		ScheduledAt: old, LastAttemptAt: &old,
	})

	New(testConfig(), st, zap.NewNop()).Sweep(ctx)

	got, err := st.GetJob(ctx, "acme", "stuck")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != models.StateQueued {
		t.Fatalf("abandoned lease should return to queued, got %s", got.State)
	}
	if !got.ScheduledAt.After(time.Now().UTC()) {
		t.Fatalf("reclaimed job should be delayed, scheduled_at=%s", got.ScheduledAt)
	}
}

func TestSweepSparesFreshLease(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	fresh := time.Now().UTC().Add(-time.Minute)
	st.PutJob(models.SendJob{
		ID: "active", TenantID: "acme", MessageID: "m1",
		State: models.StateLeased, AttemptCount: 1, MaxAttempts: 5,
		ScheduledAt: fresh, LastAttemptAt: &fresh,
	})

	New(testConfig(), st, zap.NewNop()).Sweep(ctx)

	got, _ := st.GetJob(ctx, "acme", "active")
	if got.State != models.StateLeased {
		t.Fatalf("fresh lease must not be reclaimed, got %s", got.State)
	}
}

func TestSweepCullsExhaustedQueuedJobs(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.PutJob(models.SendJob{
		ID: "spent", TenantID: "acme", MessageID: "m1",
		State: models.StateQueued, AttemptCount: 5, MaxAttempts: 5,
		ScheduledAt: time.Now().UTC(),
	})

	New(testConfig(), st, zap.NewNop()).Sweep(ctx)

	got, _ := st.GetJob(ctx, "acme", "spent")
	if got.State != models.StateSkipped {
		t.Fatalf("exhausted queued job should be skipped, got %s", got.State)
	}
}

func TestSweepClosesStaleLeads(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.PutLead(models.Lead{
		ID: "old", TenantID: "acme", Email: "old@example.com",
		Status: models.LeadNew, CreatedAt: time.Now().UTC().Add(-31 * 24 * time.Hour),
	})
	st.PutLead(models.Lead{
		ID: "fresh", TenantID: "acme", Email: "fresh@example.com",
		Status: models.LeadNew, CreatedAt: time.Now().UTC(),
	})

	New(testConfig(), st, zap.NewNop()).Sweep(ctx)

	old, _ := st.GetLead(ctx, "acme", "old")
	if old.Status != models.LeadClosed {
		t.Fatalf("stale lead should be closed, got %s", old.Status)
	}
	fresh, _ := st.GetLead(ctx, "acme", "fresh")
	if fresh.Status != models.LeadNew {
		t.Fatalf("fresh lead must stay open, got %s", fresh.Status)
	}
}

func TestSweepIdlesOrphanCampaigns(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_ = st.CreateTenant(ctx, "acme", "Acme")
	_ = st.CreateCampaign(ctx, "acme", "owned", "outreach")
	_ = st.CreateCampaign(ctx, "ghost-tenant", "orphan", "outreach")

	New(testConfig(), st, zap.NewNop()).Sweep(ctx)

	owned, _ := st.GetCampaign(ctx, "acme", "owned")
	if owned.Status != models.CampaignRunning {
		t.Fatalf("owned campaign must keep running, got %s", owned.Status)
	}
	orphan, _ := st.GetCampaign(ctx, "ghost-tenant", "orphan")
	if orphan.Status != models.CampaignIdle {
		t.Fatalf("orphan campaign should be idled, got %s", orphan.Status)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	old := time.Now().UTC().Add(-time.Hour)
	st.PutJob(models.SendJob{
		ID: "stuck", TenantID: "acme", MessageID: "m1",
		State: models.StateLeased, AttemptCount: 1, MaxAttempts: 5,
		ScheduledAt: old, LastAttemptAt: &old,
	})
	st.PutJob(models.SendJob{
		ID: "spent", TenantID: "acme", MessageID: "m2",
		State: models.StateQueued, AttemptCount: 5, MaxAttempts: 5,
		ScheduledAt: old,
	})

	d := New(testConfig(), st, zap.NewNop())
	d.Sweep(ctx)

	first := snapshot(ctx, t, st)
	d.Sweep(ctx)
	second := snapshot(ctx, t, st)

	for id, job := range first {
		after := second[id]
		if job.State != after.State || job.AttemptCount != after.AttemptCount {
			t.Fatalf("second sweep changed job %s: %+v -> %+v", id, job, after)
		}
	}
}

func snapshot(ctx context.Context, t *testing.T, st *store.Memory) map[string]models.SendJob {
	t.Helper()
	out := make(map[string]models.SendJob)
	for _, id := range []string{"stuck", "spent"} {
		job, err := st.GetJob(ctx, "acme", id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		out[id] = job
	}
	return out
}

// A job forced into an abandoned lease converges: one sweep requeues it, and
// the delayed scheduled_at keeps it eligible for the next worker poll.
func TestCrashRecoveryConvergence(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	old := time.Now().UTC().Add(-2 * time.Hour)
	st.PutJob(models.SendJob{
		ID: "crashed", TenantID: "acme", MessageID: "m1",
		State: models.StateLeased, AttemptCount: 2, MaxAttempts: 5,
		ScheduledAt: old, LastAttemptAt: &old,
	})

	New(testConfig(), st, zap.NewNop()).Sweep(ctx)

	got, _ := st.GetJob(ctx, "acme", "crashed")
	if got.State != models.StateQueued {
		t.Fatalf("expected queued after sweep, got %s", got.State)
	}
	// Eligible once the reclaim delay passes.
	future := time.Now().UTC().Add(10 * time.Minute)
	leased, err := st.LeaseDueJobs(ctx, future, 10*time.Minute, 5)
	if err != nil || len(leased) != 1 {
		t.Fatalf("reclaimed job should be leasable: err=%v leased=%d", err, len(leased))
	}
	if leased[0].AttemptCount != 3 {
		t.Fatalf("attempt count should continue from 2, got %d", leased[0].AttemptCount)
	}
}
