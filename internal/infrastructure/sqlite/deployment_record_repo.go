package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/skipper-release/skipper/internal/domain"
)

// DeploymentRecordRepo implements [domain.DeploymentRecordRepository]
// backed by SQLite.
type DeploymentRecordRepo struct {
	DB *sql.DB
}

func (r *DeploymentRecordRepo) Put(ctx context.Context, rec domain.DeploymentRecord) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO deployment_records (release_name, version, application_name, platform, deployment_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (release_name, version, application_name) DO UPDATE SET
		   platform = excluded.platform,
		   deployment_id = excluded.deployment_id,
		   created_at = excluded.created_at`,
		rec.ReleaseName, rec.Version, rec.ApplicationName,
		rec.Platform, string(rec.DeploymentID), formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert deployment record: %w", err)
	}
	return nil
}

func (r *DeploymentRecordRepo) Get(ctx context.Context, key domain.ReleaseKey, application string) (domain.DeploymentRecord, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT release_name, version, application_name, platform, deployment_id, created_at
		 FROM deployment_records WHERE release_name = ? AND version = ? AND application_name = ?`,
		key.Name, key.Version, application,
	)
	rec, err := scanDeploymentRecord(row)
	if errors.Is(err, domain.ErrNotFound) {
		return rec, fmt.Errorf("deployment record %s/%s: %w", key, application, err)
	}
	return rec, err
}

func (r *DeploymentRecordRepo) ListByRelease(ctx context.Context, key domain.ReleaseKey) ([]domain.DeploymentRecord, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT release_name, version, application_name, platform, deployment_id, created_at
		 FROM deployment_records WHERE release_name = ? AND version = ?
		 ORDER BY application_name`,
		key.Name, key.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("list deployment records: %w", err)
	}
	defer rows.Close()

	var records []domain.DeploymentRecord
	for rows.Next() {
		rec, err := scanDeploymentRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanDeploymentRecord(s scanner) (domain.DeploymentRecord, error) {
	var rec domain.DeploymentRecord
	var depID, createdAtStr string
	if err := s.Scan(&rec.ReleaseName, &rec.Version, &rec.ApplicationName, &rec.Platform, &depID, &createdAtStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, fmt.Errorf("%w", domain.ErrNotFound)
		}
		return rec, fmt.Errorf("scan deployment record: %w", err)
	}
	rec.DeploymentID = domain.DeploymentID(depID)
	t, err := parseTime("created_at", createdAtStr)
	if err != nil {
		return rec, err
	}
	rec.CreatedAt = t
	return rec, nil
}
