package goworkflows_test

import (
	"context"
	"testing"
	"time"

	"github.com/cschleiden/go-workflows/backend"
	wfsqlite "github.com/cschleiden/go-workflows/backend/sqlite"
	"github.com/cschleiden/go-workflows/client"
	"github.com/cschleiden/go-workflows/worker"

	"github.com/skipper-release/skipper/internal/domain"
	"github.com/skipper-release/skipper/internal/infrastructure/goworkflows"
	"github.com/skipper-release/skipper/internal/infrastructure/manifestyaml"
	"github.com/skipper-release/skipper/internal/infrastructure/sqlite"
)

const manifestV1 = `kind: Application
metadata:
  name: time
spec:
  resource: docker:springcloud/time-source:1.0
  version: "1.0"
---
kind: Application
metadata:
  name: log
spec:
  resource: docker:springcloud/log-sink:1.0
  version: "1.0"
`

const manifestV2 = `kind: Application
metadata:
  name: time
spec:
  resource: docker:springcloud/time-source:1.0
  version: "1.0"
---
kind: Application
metadata:
  name: log
spec:
  resource: docker:springcloud/log-sink:1.1
  version: "1.1"
`

func startWorker(t *testing.T, b backend.Backend) *worker.Worker {
	t.Helper()
	w := worker.New(b, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = w.WaitForCompletion()
	})
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	return w
}

func TestLifecycle_GoWorkflows(t *testing.T) {
	b := wfsqlite.NewInMemoryBackend()
	w := startWorker(t, b)
	c := client.New(b)

	now := func() time.Time { return time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC) }
	stores := sqlite.OpenTestStores(t, now)

	m := &domain.ReleaseManager{
		Releases:  stores.Releases,
		Records:   stores.Records,
		Platforms: domain.NewPlatformRegistry(map[string]domain.Deployer{"recording": stores.Platform}),
		Manifests: manifestyaml.Reader{},
		Now:       now,
	}

	engine := &goworkflows.Engine{Worker: w, Client: c, Timeout: 10 * time.Second}
	runner, err := engine.LifecycleRunner(m)
	if err != nil {
		t.Fatalf("LifecycleRunner: %v", err)
	}

	ctx := context.Background()

	create := func(version int, manifest string) domain.ReleaseKey {
		t.Helper()
		rel := domain.Release{
			Name: "ticktock", Version: version, Platform: "recording", Manifest: manifest,
			Status: domain.Status{Code: domain.StatusDeploying}, CreatedAt: now(), UpdatedAt: now(),
		}
		if err := stores.Releases.Create(ctx, rel); err != nil {
			t.Fatalf("create release v%d: %v", version, err)
		}
		return rel.Key()
	}

	v1 := create(1, manifestV1)
	h, err := runner.Install(ctx, v1)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	rel, err := h.AwaitResult(ctx)
	if err != nil {
		t.Fatalf("install result: %v", err)
	}
	if rel.Status.Code != domain.StatusDeployed {
		t.Fatalf("v1 status = %s, want %s", rel.Status.Code, domain.StatusDeployed)
	}
	if n, _ := stores.Platform.Count(ctx, v1); n != 2 {
		t.Fatalf("v1 deployments = %d, want 2", n)
	}

	v2 := create(2, manifestV2)
	h, err = runner.Upgrade(ctx, domain.UpgradeRequest{Existing: v1, Replacing: v2})
	if err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	rel, err = h.AwaitResult(ctx)
	if err != nil {
		t.Fatalf("upgrade result: %v", err)
	}
	if rel.Status.Code != domain.StatusDeployed {
		t.Fatalf("v2 status = %s, want %s", rel.Status.Code, domain.StatusDeployed)
	}

	old, err := stores.Releases.Get(ctx, v1.Name, v1.Version)
	if err != nil {
		t.Fatalf("Get v1: %v", err)
	}
	if old.Status.Code != domain.StatusDeleted {
		t.Errorf("v1 status = %s, want %s", old.Status.Code, domain.StatusDeleted)
	}

	v1Records, err := stores.Records.ListByRelease(ctx, v1)
	if err != nil {
		t.Fatalf("ListByRelease v1: %v", err)
	}
	v2Records, err := stores.Records.ListByRelease(ctx, v2)
	if err != nil {
		t.Fatalf("ListByRelease v2: %v", err)
	}
	if len(v2Records) != 2 {
		t.Fatalf("v2 records = %d, want 2", len(v2Records))
	}
	// time is unchanged and keeps its deployment; log was redeployed.
	ids := map[string]domain.DeploymentID{}
	for _, rec := range v1Records {
		ids[rec.ApplicationName] = rec.DeploymentID
	}
	for _, rec := range v2Records {
		switch rec.ApplicationName {
		case "time":
			if rec.DeploymentID != ids["time"] {
				t.Errorf("time deployment = %s, want kept %s", rec.DeploymentID, ids["time"])
			}
		case "log":
			if rec.DeploymentID == ids["log"] {
				t.Errorf("log deployment %s was not replaced", rec.DeploymentID)
			}
		}
	}

	h, err = runner.Delete(ctx, v2)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	rel, err = h.AwaitResult(ctx)
	if err != nil {
		t.Fatalf("delete result: %v", err)
	}
	if rel.Status.Code != domain.StatusDeleted {
		t.Errorf("v2 status = %s, want %s", rel.Status.Code, domain.StatusDeleted)
	}
	if n, _ := stores.Platform.Count(ctx, v2); n != 0 {
		t.Errorf("v2 deployments after delete = %d, want 0", n)
	}
}

func TestLifecycle_GoWorkflows_InstallNotLatestFails(t *testing.T) {
	b := wfsqlite.NewInMemoryBackend()
	c := client.New(b)
	now := func() time.Time { return time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC) }
	stores := sqlite.OpenTestStores(t, now)

	w := startWorker(t, b)
	engine := &goworkflows.Engine{Worker: w, Client: c, Timeout: 10 * time.Second}
	runner, err := engine.LifecycleRunner(&domain.ReleaseManager{
		Releases:  stores.Releases,
		Records:   stores.Records,
		Platforms: domain.NewPlatformRegistry(map[string]domain.Deployer{"recording": stores.Platform}),
		Manifests: manifestyaml.Reader{},
		Now:       now,
	})
	if err != nil {
		t.Fatalf("LifecycleRunner: %v", err)
	}
	ctx := context.Background()

	for _, v := range []int{1, 2} {
		if err := stores.Releases.Create(ctx, domain.Release{
			Name: "ticktock", Version: v, Platform: "recording", Manifest: manifestV1,
			Status: domain.Status{Code: domain.StatusDeploying}, CreatedAt: now(), UpdatedAt: now(),
		}); err != nil {
			t.Fatalf("create v%d: %v", v, err)
		}
	}

	h, err := runner.Install(ctx, domain.ReleaseKey{Name: "ticktock", Version: 1})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if _, err := h.AwaitResult(ctx); err == nil {
		t.Fatal("expected an error installing a version that is not the latest")
	}
	if n, _ := stores.Platform.Count(ctx, domain.ReleaseKey{Name: "ticktock", Version: 1}); n != 0 {
		t.Errorf("deployments = %d, want 0", n)
	}
}
