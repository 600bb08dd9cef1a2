package syncworkflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skipper-release/skipper/internal/domain"
	"github.com/skipper-release/skipper/internal/infrastructure/manifestyaml"
	"github.com/skipper-release/skipper/internal/infrastructure/sqlite"
	"github.com/skipper-release/skipper/internal/infrastructure/syncworkflow"
)

const manifest = `apiVersion: skipper.spring.io/v1
kind: Application
metadata:
  name: log-sink
spec:
  resource: docker:springcloud/log-sink:1.0
  version: "1.0"
`

func TestEngine_InstallThenDelete(t *testing.T) {
	now := func() time.Time { return time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC) }
	stores := sqlite.OpenTestStores(t, now)
	ctx := context.Background()

	m := &domain.ReleaseManager{
		Releases:  stores.Releases,
		Records:   stores.Records,
		Platforms: domain.NewPlatformRegistry(map[string]domain.Deployer{"recording": stores.Platform}),
		Manifests: manifestyaml.Reader{},
		Now:       now,
	}
	runner, err := (&syncworkflow.Engine{}).LifecycleRunner(m)
	require.NoError(t, err)

	key := domain.ReleaseKey{Name: "log", Version: 1}
	require.NoError(t, stores.Releases.Create(ctx, domain.Release{
		Name: key.Name, Version: key.Version, Platform: "recording", Manifest: manifest,
		Status: domain.Status{Code: domain.StatusDeploying}, CreatedAt: now(), UpdatedAt: now(),
	}))

	canceled, cancel := context.WithCancel(ctx)
	h, err := runner.Install(canceled, key)
	require.NoError(t, err)
	cancel()

	rel, err := h.AwaitResult(ctx)
	require.NoError(t, err, "install must not observe the caller's cancellation")
	assert.Equal(t, domain.StatusDeployed, rel.Status.Code)
	assert.NotEmpty(t, h.WorkflowID())

	n, err := stores.Platform.Count(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h, err = runner.Delete(ctx, key)
	require.NoError(t, err)
	rel, err = h.AwaitResult(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeleted, rel.Status.Code)

	n, err = stores.Platform.Count(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandle_AwaitResultHonoursContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	m := &domain.ReleaseManager{
		Releases:  blockingReleases{block: block},
		Platforms: domain.NewPlatformRegistry(nil),
	}
	runner, err := (&syncworkflow.Engine{}).LifecycleRunner(m)
	require.NoError(t, err)

	h, err := runner.Install(context.Background(), domain.ReleaseKey{Name: "log", Version: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = h.AwaitResult(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// blockingReleases blocks every read until block is closed.
type blockingReleases struct {
	domain.ReleaseRepository
	block chan struct{}
}

func (b blockingReleases) Get(context.Context, string, int) (domain.Release, error) {
	<-b.block
	return domain.Release{}, domain.ErrNotFound
}
