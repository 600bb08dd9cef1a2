package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skipper-release/skipper/internal/domain"
)

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	// Polled counts releases whose status was refreshed and saved.
	Polled int
	// Recovered counts stranded releases that were settled.
	Recovered int
	// Skipped counts releases whose name was locked by an operation.
	Skipped int
	// Failed counts releases whose refresh or recovery returned an error.
	Failed int
}

// StatusReconciler refreshes the recorded status of releases that are
// not settled. Names are processed concurrently; a name locked by an
// in-flight operation is skipped until the next pass.
type StatusReconciler struct {
	Manager     *domain.ReleaseManager
	Locks       *NameLocks
	Concurrency int

	// Runner, when set, enables recovery of stranded releases: DEPLOYING
	// or DELETING releases whose name is not locked and that have not
	// changed for StrandedAfter. DEPLOYING ones are abandoned and DELETING
	// ones have their delete resumed through Runner. Leave it nil for
	// engines that resume their own workflows.
	Runner        domain.LifecycleRunner
	StrandedAfter time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

func (r *StatusReconciler) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *StatusReconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

// Reconcile runs one pass over deployed and stranded releases. It returns
// an error only when the releases to reconcile cannot be listed;
// per-release failures are logged and counted.
func (r *StatusReconciler) Reconcile(ctx context.Context) (ReconcileResult, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()
	return r.pass(ctx, true)
}

// RecoverStranded settles stranded releases without polling deployed
// ones. It does nothing when Runner is nil.
func (r *StatusReconciler) RecoverStranded(ctx context.Context) (ReconcileResult, error) {
	if r.Runner == nil {
		return ReconcileResult{}, nil
	}
	return r.pass(ctx, false)
}

func (r *StatusReconciler) pass(ctx context.Context, poll bool) (ReconcileResult, error) {
	start := time.Now()
	active, err := r.Manager.Releases.ListActive(ctx)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("list releases to reconcile: %w", err)
	}

	var polled, recovered, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	limit := r.Concurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for _, rel := range active {
		stranded := r.stranded(rel)
		switch {
		case stranded:
		case rel.Status.Code.InFlight():
			// In-flight releases belong to their workflow.
			continue
		case !poll || rel.Status.Code != domain.StatusDeployed:
			continue
		}
		g.Go(func() error {
			unlock, ok := r.Locks.TryLock(rel.Name)
			if !ok {
				skipped.Add(1)
				reconcileReleases.WithLabelValues("skipped").Inc()
				return nil
			}
			defer unlock()

			if stranded {
				settled, err := r.recover(gctx, rel.Key())
				if err != nil {
					failed.Add(1)
					reconcileReleases.WithLabelValues("failed").Inc()
					r.logger().Warn("recovery of stranded release failed",
						"release", rel.Name, "version", rel.Version, "status", rel.Status.Code, "error", err)
					return nil
				}
				recovered.Add(1)
				reconcileReleases.WithLabelValues("recovered").Inc()
				r.logger().Warn("stranded release recovered",
					"release", rel.Name, "version", rel.Version, "from", rel.Status.Code, "status", settled.Status.Code)
				return nil
			}

			updated, err := refresh(gctx, r.Manager, rel, r.now())
			if err != nil {
				failed.Add(1)
				reconcileReleases.WithLabelValues("failed").Inc()
				r.logger().Warn("status reconciliation failed",
					"release", rel.Name, "version", rel.Version, "error", err)
				return nil
			}
			polled.Add(1)
			reconcileReleases.WithLabelValues("polled").Inc()
			if updated.Status.Message != rel.Status.Message {
				r.logger().Info("release status changed",
					"release", rel.Name, "version", rel.Version, "message", updated.Status.Message)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := ReconcileResult{
		Polled:    int(polled.Load()),
		Recovered: int(recovered.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    int(failed.Load()),
	}
	r.logger().Debug("reconciliation pass finished",
		"polled", res.Polled, "recovered", res.Recovered, "skipped", res.Skipped, "failed", res.Failed,
		"duration", time.Since(start))
	return res, nil
}

func (r *StatusReconciler) stranded(rel domain.Release) bool {
	return r.Runner != nil && rel.Status.Code.InFlight() && !rel.UpdatedAt.After(r.now().Add(-r.StrandedAfter))
}

// recover settles a stranded release. The caller holds the name lock, so
// no operation of this process owns it; the stored status is read again
// in case the operation finished after the listing.
func (r *StatusReconciler) recover(ctx context.Context, key domain.ReleaseKey) (domain.Release, error) {
	rel, err := r.Manager.Releases.Get(ctx, key.Name, key.Version)
	if err != nil {
		return rel, err
	}
	switch rel.Status.Code {
	case domain.StatusDeploying:
		return r.Manager.Abandon(ctx, key)
	case domain.StatusDeleting:
		h, err := r.Runner.Delete(ctx, key)
		if err != nil {
			return rel, fmt.Errorf("resume delete of %s: %w", key, err)
		}
		return h.AwaitResult(ctx)
	default:
		return rel, nil
	}
}

// Run reconciles every interval until ctx ends.
func (r *StatusReconciler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Reconcile(ctx); err != nil {
			r.logger().Error("reconciliation pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
