// Package watchdog repairs drift the worker cannot see: abandoned leases,
// crash-bypassed retry ceilings, and stale domain entities. Every sweep
// operation is an idempotent bulk conditional update, so running it twice,
// or concurrently with workers, is harmless.
package watchdog

import (
	"context"
	"time"

	"go.uber.org/zap"

	"outbound-delivery/internal/config"
	"outbound-delivery/internal/telemetry"
)

// Store is the slice of the store the watchdog needs.
type Store interface {
	ReclaimAbandoned(ctx context.Context, cutoff time.Time, delay time.Duration) (int64, error)
	CullExhausted(ctx context.Context) (int64, error)
	CloseStaleLeads(ctx context.Context, cutoff time.Time) (int64, error)
	IdleOrphanCampaigns(ctx context.Context) (int64, error)
}

// Watchdog runs the reconciliation sweep on a slow, independent cadence.
type Watchdog struct {
	cfg   config.Config
	store Store
	log   *zap.Logger
}

func New(cfg config.Config, st Store, log *zap.Logger) *Watchdog {
	return &Watchdog{cfg: cfg, store: st, log: log}
}

// Run sweeps once shortly after process start to mop up crash residue, then
// on the configured interval until context cancellation.
func (d *Watchdog) Run(ctx context.Context) error {
	startup := time.NewTimer(d.cfg.StartupSweepDelay)
	defer startup.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-startup.C:
		d.Sweep(ctx)
	}

	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep executes the full set of repair operations. Each is independent:
// a failure is logged and the remaining operations still run, with the next
// cycle retrying whatever was missed.
func (d *Watchdog) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	if n, err := d.store.ReclaimAbandoned(ctx, now.Add(-d.cfg.ReclaimAfter), d.cfg.ReclaimDelay); err != nil {
		d.log.Error("reclaim abandoned leases", zap.Error(err))
	} else if n > 0 {
		telemetry.ReclaimedCounter.Add(float64(n))
		d.log.Info("reclaimed abandoned leases", zap.Int64("count", n))
	}

	if n, err := d.store.CullExhausted(ctx); err != nil {
		d.log.Error("cull exhausted jobs", zap.Error(err))
	} else if n > 0 {
		d.log.Info("culled retry-exhausted jobs", zap.Int64("count", n))
	}

	if n, err := d.store.CloseStaleLeads(ctx, now.Add(-d.cfg.LeadMaxIdle)); err != nil {
		d.log.Error("close stale leads", zap.Error(err))
	} else if n > 0 {
		d.log.Info("closed stale leads", zap.Int64("count", n))
	}

	if n, err := d.store.IdleOrphanCampaigns(ctx); err != nil {
		d.log.Error("idle orphan campaigns", zap.Error(err))
	} else if n > 0 {
		d.log.Info("idled orphan campaigns", zap.Int64("count", n))
	}
}
