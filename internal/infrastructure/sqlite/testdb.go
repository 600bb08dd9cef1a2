package sqlite

import (
	"database/sql"
	"testing"
	"time"
)

// OpenTestDB opens an in-memory SQLite database with all migrations applied.
// The database is closed when the test finishes.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestStores bundles the repositories and recording platform of one
// test database.
type TestStores struct {
	DB       *sql.DB
	Releases *ReleaseRepo
	Records  *DeploymentRecordRepo
	Platform *RecordingDeployer
}

// OpenTestStores opens a test database and wires every store to it. The
// recording platform uses now as its clock.
func OpenTestStores(t *testing.T, now func() time.Time) TestStores {
	t.Helper()
	db := OpenTestDB(t)
	return TestStores{
		DB:       db,
		Releases: &ReleaseRepo{DB: db},
		Records:  &DeploymentRecordRepo{DB: db},
		Platform: &RecordingDeployer{DB: db, Now: now},
	}
}
