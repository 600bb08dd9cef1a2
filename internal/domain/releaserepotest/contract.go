// Package releaserepotest provides contract tests for
// [domain.ReleaseRepository] implementations.
package releaserepotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/skipper-release/skipper/internal/domain"
)

// Factory creates a fresh [domain.ReleaseRepository] for each test.
type Factory func(t *testing.T) domain.ReleaseRepository

// Run exercises the [domain.ReleaseRepository] contract.
func Run(t *testing.T, factory Factory) {
	now := time.Date(2026, 2, 27, 12, 0, 0, 0, time.UTC)

	release := func(name string, version int, code domain.StatusCode) domain.Release {
		return domain.Release{
			Name:     name,
			Version:  version,
			Platform: "local",
			Package:  domain.PackageRef{Name: "log", Version: "1.0.0"},
			Config:   map[string]string{"log.level": "debug"},
			Manifest: "kind: Application\n",
			Status: domain.Status{
				Code:    code,
				Message: code.String(),
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	t.Run("CreateAndGet", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		r := release("log", 1, domain.StatusDeployed)
		r.Status.Applications = []domain.ApplicationStatus{{
			Name:         "log-sink",
			DeploymentID: "dep-1",
			State:        domain.DeploymentStateDeployed,
			Instances:    []domain.InstanceStatus{{ID: "dep-1-0", State: domain.DeploymentStateDeployed}},
		}}
		if err := repo.Create(ctx, r); err != nil {
			t.Fatalf("Create: %v", err)
		}

		got, err := repo.Get(ctx, "log", 1)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status.Code != domain.StatusDeployed {
			t.Errorf("Status.Code = %s, want %s", got.Status.Code, domain.StatusDeployed)
		}
		if got.Package != r.Package {
			t.Errorf("Package = %v, want %v", got.Package, r.Package)
		}
		if got.Config["log.level"] != "debug" {
			t.Errorf("Config[log.level] = %q, want %q", got.Config["log.level"], "debug")
		}
		if got.Manifest != r.Manifest {
			t.Errorf("Manifest = %q, want %q", got.Manifest, r.Manifest)
		}
		if len(got.Status.Applications) != 1 || len(got.Status.Applications[0].Instances) != 1 {
			t.Fatalf("Status.Applications = %+v, want one application with one instance", got.Status.Applications)
		}
		if !got.CreatedAt.Equal(now) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
		}
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		_ = repo.Create(ctx, release("log", 1, domain.StatusDeploying))
		err := repo.Create(ctx, release("log", 1, domain.StatusDeploying))
		if !errors.Is(err, domain.ErrAlreadyExists) {
			t.Fatalf("second Create: got %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repo := factory(t)
		_, err := repo.Get(context.Background(), "log", 1)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Get: got %v, want ErrNotFound", err)
		}
	})

	t.Run("Update", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		r := release("log", 1, domain.StatusDeploying)
		_ = repo.Create(ctx, r)

		r = r.WithStatus(domain.StatusDeployed, domain.AllDeployedMessage)
		r.UpdatedAt = now.Add(time.Minute)
		if err := repo.Update(ctx, r); err != nil {
			t.Fatalf("Update: %v", err)
		}

		got, _ := repo.Get(ctx, "log", 1)
		if got.Status.Code != domain.StatusDeployed {
			t.Errorf("Status.Code after Update = %s, want %s", got.Status.Code, domain.StatusDeployed)
		}
		if got.Status.Message != domain.AllDeployedMessage {
			t.Errorf("Status.Message = %q, want %q", got.Status.Message, domain.AllDeployedMessage)
		}
		if !got.UpdatedAt.Equal(now.Add(time.Minute)) {
			t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, now.Add(time.Minute))
		}
	})

	t.Run("UpdateNotFound", func(t *testing.T) {
		repo := factory(t)
		err := repo.Update(context.Background(), release("log", 7, domain.StatusDeployed))
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Update: got %v, want ErrNotFound", err)
		}
	})

	t.Run("Latest", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		_ = repo.Create(ctx, release("log", 1, domain.StatusDeleted))
		_ = repo.Create(ctx, release("log", 2, domain.StatusDeployed))
		_ = repo.Create(ctx, release("log", 3, domain.StatusFailed))
		_ = repo.Create(ctx, release("ticktock", 9, domain.StatusDeployed))

		got, err := repo.Latest(ctx, "log")
		if err != nil {
			t.Fatalf("Latest: %v", err)
		}
		if got.Version != 3 {
			t.Errorf("Latest version = %d, want 3", got.Version)
		}
	})

	t.Run("LatestNotFound", func(t *testing.T) {
		repo := factory(t)
		_, err := repo.Latest(context.Background(), "log")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Latest: got %v, want ErrNotFound", err)
		}
	})

	t.Run("LatestDeployed", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		_ = repo.Create(ctx, release("log", 1, domain.StatusDeleted))
		_ = repo.Create(ctx, release("log", 2, domain.StatusDeployed))
		_ = repo.Create(ctx, release("log", 3, domain.StatusFailed))

		got, err := repo.LatestDeployed(ctx, "log")
		if err != nil {
			t.Fatalf("LatestDeployed: %v", err)
		}
		if got.Version != 2 {
			t.Errorf("LatestDeployed version = %d, want 2", got.Version)
		}
	})

	t.Run("LatestDeployedNotFound", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		_ = repo.Create(ctx, release("log", 1, domain.StatusDeleted))

		_, err := repo.LatestDeployed(ctx, "log")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("LatestDeployed: got %v, want ErrNotFound", err)
		}
	})

	t.Run("ListDeployedOrFailed", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		_ = repo.Create(ctx, release("log", 1, domain.StatusDeployed))
		_ = repo.Create(ctx, release("log", 2, domain.StatusFailed))
		_ = repo.Create(ctx, release("ticktock", 1, domain.StatusDeployed))
		_ = repo.Create(ctx, release("gone", 1, domain.StatusDeleted))

		all, err := repo.ListDeployedOrFailed(ctx, "")
		if err != nil {
			t.Fatalf("ListDeployedOrFailed: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("ListDeployedOrFailed(all): got %d, want 2", len(all))
		}
		if all[0].Name != "log" || all[0].Version != 2 {
			t.Errorf("first = %s, want log/v2", all[0].Key())
		}
		if all[1].Name != "ticktock" {
			t.Errorf("second = %s, want ticktock/v1", all[1].Key())
		}

		one, err := repo.ListDeployedOrFailed(ctx, "ticktock")
		if err != nil {
			t.Fatalf("ListDeployedOrFailed(ticktock): %v", err)
		}
		if len(one) != 1 || one[0].Name != "ticktock" {
			t.Fatalf("ListDeployedOrFailed(ticktock) = %+v, want one ticktock release", one)
		}
	})

	t.Run("List", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		_ = repo.Create(ctx, release("log", 2, domain.StatusDeployed))
		_ = repo.Create(ctx, release("log", 1, domain.StatusDeleted))
		_ = repo.Create(ctx, release("ticktock", 1, domain.StatusDeployed))

		got, err := repo.List(ctx, "log")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("List: got %d, want 2", len(got))
		}
		if got[0].Version != 1 || got[1].Version != 2 {
			t.Errorf("List versions = [%d %d], want [1 2]", got[0].Version, got[1].Version)
		}
	})

	t.Run("ListActive", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		settled := release("settled", 1, domain.StatusDeployed)
		settled.Status.Applications = []domain.ApplicationStatus{{Name: "a", State: domain.DeploymentStateDeployed}}
		pending := release("pending", 1, domain.StatusDeployed)
		pending.Status.Applications = []domain.ApplicationStatus{{Name: "a", State: domain.DeploymentStateDeploying}}

		_ = repo.Create(ctx, settled)
		_ = repo.Create(ctx, pending)
		_ = repo.Create(ctx, release("failed", 1, domain.StatusFailed))
		_ = repo.Create(ctx, release("deleted", 1, domain.StatusDeleted))

		got, err := repo.ListActive(ctx)
		if err != nil {
			t.Fatalf("ListActive: %v", err)
		}
		if len(got) != 1 || got[0].Name != "pending" {
			t.Fatalf("ListActive = %+v, want only the pending release", got)
		}
	})
}
