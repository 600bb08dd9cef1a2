package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/skipper-release/skipper/internal/domain"
)

const releaseColumns = `name, version, platform, package_name, package_version, config, manifest,
	status_code, status_message, applications, created_at, updated_at`

// ReleaseRepo implements [domain.ReleaseRepository] backed by SQLite.
type ReleaseRepo struct {
	DB *sql.DB
}

func (r *ReleaseRepo) Create(ctx context.Context, rel domain.Release) error {
	config, apps, err := marshalReleaseJSON(rel)
	if err != nil {
		return err
	}

	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO releases (`+releaseColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rel.Name, rel.Version, rel.Platform, rel.Package.Name, rel.Package.Version,
		config, rel.Manifest, rel.Status.Code.String(), rel.Status.Message, apps,
		formatTime(rel.CreatedAt), formatTime(rel.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("release %s: %w", rel.Key(), domain.ErrAlreadyExists)
		}
		return fmt.Errorf("insert release: %w", err)
	}
	return nil
}

func (r *ReleaseRepo) Update(ctx context.Context, rel domain.Release) error {
	config, apps, err := marshalReleaseJSON(rel)
	if err != nil {
		return err
	}

	res, err := r.DB.ExecContext(ctx,
		`UPDATE releases
		 SET platform = ?, package_name = ?, package_version = ?, config = ?, manifest = ?,
		     status_code = ?, status_message = ?, applications = ?, updated_at = ?
		 WHERE name = ? AND version = ?`,
		rel.Platform, rel.Package.Name, rel.Package.Version, config, rel.Manifest,
		rel.Status.Code.String(), rel.Status.Message, apps, formatTime(rel.UpdatedAt),
		rel.Name, rel.Version,
	)
	if err != nil {
		return fmt.Errorf("update release: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("release %s: %w", rel.Key(), domain.ErrNotFound)
	}
	return nil
}

func (r *ReleaseRepo) Get(ctx context.Context, name string, version int) (domain.Release, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+releaseColumns+` FROM releases WHERE name = ? AND version = ?`,
		name, version,
	)
	rel, err := scanRelease(row)
	if errors.Is(err, domain.ErrNotFound) {
		return rel, fmt.Errorf("release %s/v%d: %w", name, version, err)
	}
	return rel, err
}

func (r *ReleaseRepo) Latest(ctx context.Context, name string) (domain.Release, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+releaseColumns+` FROM releases WHERE name = ?
		 ORDER BY version DESC LIMIT 1`,
		name,
	)
	rel, err := scanRelease(row)
	if errors.Is(err, domain.ErrNotFound) {
		return rel, fmt.Errorf("release %q: %w", name, err)
	}
	return rel, err
}

func (r *ReleaseRepo) LatestDeployed(ctx context.Context, name string) (domain.Release, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+releaseColumns+` FROM releases WHERE name = ? AND status_code = ?
		 ORDER BY version DESC LIMIT 1`,
		name, domain.StatusDeployed.String(),
	)
	rel, err := scanRelease(row)
	if errors.Is(err, domain.ErrNotFound) {
		return rel, fmt.Errorf("deployed release %q: %w", name, err)
	}
	return rel, err
}

func (r *ReleaseRepo) ListDeployedOrFailed(ctx context.Context, name string) ([]domain.Release, error) {
	deployed, failed := domain.StatusDeployed.String(), domain.StatusFailed.String()
	return r.query(ctx,
		`SELECT `+releaseColumns+` FROM releases r
		 WHERE r.status_code IN (?, ?)
		   AND (? = '' OR r.name = ?)
		   AND r.version = (
		     SELECT MAX(r2.version) FROM releases r2
		     WHERE r2.name = r.name AND r2.status_code IN (?, ?))
		 ORDER BY r.name`,
		deployed, failed, name, name, deployed, failed,
	)
}

func (r *ReleaseRepo) List(ctx context.Context, name string) ([]domain.Release, error) {
	return r.query(ctx,
		`SELECT `+releaseColumns+` FROM releases WHERE name = ? ORDER BY version`,
		name,
	)
}

func (r *ReleaseRepo) ListActive(ctx context.Context) ([]domain.Release, error) {
	candidates, err := r.query(ctx,
		`SELECT `+releaseColumns+` FROM releases
		 WHERE status_code NOT IN (?, ?)
		 ORDER BY name, version`,
		domain.StatusFailed.String(), domain.StatusDeleted.String(),
	)
	if err != nil {
		return nil, err
	}
	var active []domain.Release
	for _, rel := range candidates {
		if !rel.Status.Settled() {
			active = append(active, rel)
		}
	}
	return active, nil
}

func (r *ReleaseRepo) query(ctx context.Context, query string, args ...any) ([]domain.Release, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}
	defer rows.Close()

	var releases []domain.Release
	for rows.Next() {
		rel, err := scanRelease(rows)
		if err != nil {
			return nil, err
		}
		releases = append(releases, rel)
	}
	return releases, rows.Err()
}

func marshalReleaseJSON(rel domain.Release) (config, apps string, err error) {
	c, err := json.Marshal(rel.Config)
	if err != nil {
		return "", "", fmt.Errorf("marshal config: %w", err)
	}
	a, err := json.Marshal(rel.Status.Applications)
	if err != nil {
		return "", "", fmt.Errorf("marshal application statuses: %w", err)
	}
	return string(c), string(a), nil
}

func scanRelease(s scanner) (domain.Release, error) {
	var rel domain.Release
	var configJSON, codeStr, appsJSON, createdAtStr, updatedAtStr string
	if err := s.Scan(
		&rel.Name, &rel.Version, &rel.Platform, &rel.Package.Name, &rel.Package.Version,
		&configJSON, &rel.Manifest, &codeStr, &rel.Status.Message, &appsJSON,
		&createdAtStr, &updatedAtStr,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rel, fmt.Errorf("%w", domain.ErrNotFound)
		}
		return rel, fmt.Errorf("scan release: %w", err)
	}
	rel.Status.Code = domain.ParseStatusCode(codeStr)

	if err := json.Unmarshal([]byte(configJSON), &rel.Config); err != nil {
		return rel, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := json.Unmarshal([]byte(appsJSON), &rel.Status.Applications); err != nil {
		return rel, fmt.Errorf("unmarshal application statuses: %w", err)
	}

	var err error
	if rel.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
		return rel, err
	}
	if rel.UpdatedAt, err = parseTime("updated_at", updatedAtStr); err != nil {
		return rel, err
	}
	return rel, nil
}
