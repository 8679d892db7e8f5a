package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/domain"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/repo"
)

type VersionStore struct {
	db DB
}

func NewVersionStore(db DB) *VersionStore {
	if db == nil {
		return nil
	}
	return &VersionStore{db: db}
}

func (s *VersionStore) CreateVersion(ctx context.Context, version domain.Version) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("version store not initialized")
	}
	if err := version.Validate(); err != nil {
		return err
	}
	featuresJSON, err := json.Marshal(version.SelectedFeatures)
	if err != nil {
		return fmt.Errorf("encode selected features: %w", err)
	}
	createdAt := normalizeTime(version.CreatedAt)
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO dataset_versions (
			version_id,
			dataset_id,
			status,
			revision,
			builds_total,
			builds_pending,
			builds_ingested,
			builds_missing_resource,
			builds_ingestion_failed,
			builds_processed,
			builds_processing_failed,
			selected_features,
			created_at,
			updated_at,
			created_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13,$14)`,
		strings.TrimSpace(version.ID),
		strings.TrimSpace(version.DatasetID),
		string(version.Status),
		version.Revision,
		version.BuildsTotal,
		version.BuildsPending,
		version.BuildsIngested,
		version.BuildsMissingResource,
		version.BuildsIngestionFailed,
		version.BuildsProcessed,
		version.BuildsProcessingFailed,
		featuresJSON,
		createdAt,
		nullIfEmpty(version.CreatedBy),
	)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

const versionColumns = `version_id, dataset_id, status, revision,
	builds_total, builds_pending, builds_ingested, builds_missing_resource,
	builds_ingestion_failed, builds_processed, builds_processing_failed,
	selected_features, created_at, updated_at, archived_at, COALESCE(created_by,'')`

func (s *VersionStore) GetVersion(ctx context.Context, id string) (domain.Version, error) {
	if s == nil || s.db == nil {
		return domain.Version{}, fmt.Errorf("version store not initialized")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+versionColumns+` FROM dataset_versions WHERE version_id = $1`,
		strings.TrimSpace(id),
	)
	return scanVersion(row)
}

func (s *VersionStore) ListVersions(ctx context.Context, filter repo.VersionFilter) ([]domain.Version, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("version store not initialized")
	}
	query := `SELECT ` + versionColumns + ` FROM dataset_versions WHERE 1=1`
	args := []any{}
	if strings.TrimSpace(filter.DatasetID) != "" {
		args = append(args, strings.TrimSpace(filter.DatasetID))
		query += fmt.Sprintf(" AND dataset_id = $%d", len(args))
	}
	if strings.TrimSpace(string(filter.Status)) != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, clampLimit(filter.Limit))
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	out := []domain.Version{}
	for rows.Next() {
		version, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, version)
	}
	return out, rows.Err()
}

func (s *VersionStore) UpdateVersionAggregate(ctx context.Context, version domain.Version, expectedRevision int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("version store not initialized")
	}
	if err := version.Validate(); err != nil {
		return err
	}
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE dataset_versions SET
			status = $1,
			revision = revision + 1,
			builds_total = $2,
			builds_pending = $3,
			builds_ingested = $4,
			builds_missing_resource = $5,
			builds_ingestion_failed = $6,
			builds_processed = $7,
			builds_processing_failed = $8,
			updated_at = $9
		 WHERE version_id = $10 AND revision = $11`,
		string(version.Status),
		version.BuildsTotal,
		version.BuildsPending,
		version.BuildsIngested,
		version.BuildsMissingResource,
		version.BuildsIngestionFailed,
		version.BuildsProcessed,
		version.BuildsProcessingFailed,
		time.Now().UTC(),
		strings.TrimSpace(version.ID),
		expectedRevision,
	)
	if err != nil {
		return fmt.Errorf("update version aggregate: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update version aggregate: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetVersion(ctx, version.ID); getErr != nil {
			return getErr
		}
		return repo.ErrRevisionConflict
	}
	return nil
}

func (s *VersionStore) ArchiveVersion(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("version store not initialized")
	}
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE dataset_versions SET archived_at = $1, updated_at = $1 WHERE version_id = $2 AND archived_at IS NULL`,
		normalizeTime(at),
		strings.TrimSpace(id),
	)
	if err != nil {
		return fmt.Errorf("archive version: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("archive version: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetVersion(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (domain.Version, error) {
	var (
		version      domain.Version
		status       string
		featuresJSON []byte
		archivedAt   sql.NullTime
	)
	err := row.Scan(
		&version.ID,
		&version.DatasetID,
		&status,
		&version.Revision,
		&version.BuildsTotal,
		&version.BuildsPending,
		&version.BuildsIngested,
		&version.BuildsMissingResource,
		&version.BuildsIngestionFailed,
		&version.BuildsProcessed,
		&version.BuildsProcessingFailed,
		&featuresJSON,
		&version.CreatedAt,
		&version.UpdatedAt,
		&archivedAt,
		&version.CreatedBy,
	)
	if err != nil {
		return domain.Version{}, handleNotFound(err)
	}
	version.Status = domain.VersionStatus(status)
	version.ArchivedAt = timePtr(archivedAt)
	if len(featuresJSON) > 0 {
		if err := json.Unmarshal(featuresJSON, &version.SelectedFeatures); err != nil {
			return domain.Version{}, fmt.Errorf("decode selected features: %w", err)
		}
	}
	version.CreatedAt = version.CreatedAt.UTC()
	version.UpdatedAt = version.UpdatedAt.UTC()
	return version, nil
}
