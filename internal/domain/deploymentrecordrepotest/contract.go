// Package deploymentrecordrepotest provides contract tests for
// [domain.DeploymentRecordRepository] implementations.
package deploymentrecordrepotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/skipper-release/skipper/internal/domain"
)

// Factory creates a fresh [domain.DeploymentRecordRepository] for each test.
type Factory func(t *testing.T) domain.DeploymentRecordRepository

// Run exercises the [domain.DeploymentRecordRepository] contract.
func Run(t *testing.T, factory Factory) {
	now := time.Date(2026, 2, 27, 12, 0, 0, 0, time.UTC)
	v1 := domain.ReleaseKey{Name: "log", Version: 1}
	v2 := domain.ReleaseKey{Name: "log", Version: 2}

	record := func(key domain.ReleaseKey, app string, id domain.DeploymentID) domain.DeploymentRecord {
		return domain.DeploymentRecord{
			ReleaseName:     key.Name,
			Version:         key.Version,
			ApplicationName: app,
			Platform:        "local",
			DeploymentID:    id,
			CreatedAt:       now,
		}
	}

	t.Run("PutAndGet", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		if err := repo.Put(ctx, record(v1, "log-sink", "dep-1")); err != nil {
			t.Fatalf("Put: %v", err)
		}

		got, err := repo.Get(ctx, v1, "log-sink")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.DeploymentID != "dep-1" {
			t.Errorf("DeploymentID = %q, want %q", got.DeploymentID, "dep-1")
		}
		if got.Platform != "local" {
			t.Errorf("Platform = %q, want %q", got.Platform, "local")
		}
		if !got.CreatedAt.Equal(now) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
		}
	})

	t.Run("PutUpserts", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		_ = repo.Put(ctx, record(v1, "log-sink", "dep-1"))
		if err := repo.Put(ctx, record(v1, "log-sink", "dep-2")); err != nil {
			t.Fatalf("second Put: %v", err)
		}

		got, _ := repo.Get(ctx, v1, "log-sink")
		if got.DeploymentID != "dep-2" {
			t.Errorf("DeploymentID after upsert = %q, want %q", got.DeploymentID, "dep-2")
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repo := factory(t)
		_, err := repo.Get(context.Background(), v1, "log-sink")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Get: got %v, want ErrNotFound", err)
		}
	})

	t.Run("ListByRelease", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		_ = repo.Put(ctx, record(v1, "log-sink", "dep-1"))
		_ = repo.Put(ctx, record(v1, "time-source", "dep-2"))
		_ = repo.Put(ctx, record(v2, "time-source", "dep-2"))

		got, err := repo.ListByRelease(ctx, v1)
		if err != nil {
			t.Fatalf("ListByRelease: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("ListByRelease: got %d, want 2", len(got))
		}
		if got[0].ApplicationName != "log-sink" || got[1].ApplicationName != "time-source" {
			t.Errorf("ListByRelease order = [%s %s], want [log-sink time-source]",
				got[0].ApplicationName, got[1].ApplicationName)
		}
	})

	t.Run("SameDeploymentUnderTwoVersions", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		_ = repo.Put(ctx, record(v1, "time-source", "dep-2"))
		if err := repo.Put(ctx, record(v2, "time-source", "dep-2")); err != nil {
			t.Fatalf("Put re-attributed record: %v", err)
		}

		got, err := repo.ListByRelease(ctx, v2)
		if err != nil {
			t.Fatalf("ListByRelease: %v", err)
		}
		if len(got) != 1 || got[0].DeploymentID != "dep-2" {
			t.Fatalf("ListByRelease(v2) = %+v, want one record with dep-2", got)
		}
	})
}
