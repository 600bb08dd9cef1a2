package sqlite_test

import (
	"testing"

	"github.com/skipper-release/skipper/internal/domain"
	"github.com/skipper-release/skipper/internal/domain/deploymentrecordrepotest"
	"github.com/skipper-release/skipper/internal/domain/releaserepotest"
	"github.com/skipper-release/skipper/internal/infrastructure/sqlite"
)

func TestReleaseRepo(t *testing.T) {
	releaserepotest.Run(t, func(t *testing.T) domain.ReleaseRepository {
		db := sqlite.OpenTestDB(t)
		return &sqlite.ReleaseRepo{DB: db}
	})
}

func TestDeploymentRecordRepo(t *testing.T) {
	deploymentrecordrepotest.Run(t, func(t *testing.T) domain.DeploymentRecordRepository {
		db := sqlite.OpenTestDB(t)
		return &sqlite.DeploymentRecordRepo{DB: db}
	})
}
