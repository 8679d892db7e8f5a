package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/domain"
)

type ExportJobStore struct {
	db DB
}

func NewExportJobStore(db DB) *ExportJobStore {
	if db == nil {
		return nil
	}
	return &ExportJobStore{db: db}
}

func (s *ExportJobStore) CreateJob(ctx context.Context, job domain.ExportJob) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("export job store not initialized")
	}
	if err := job.Validate(); err != nil {
		return err
	}
	createdAt := normalizeTime(job.CreatedAt)
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO export_jobs (
			job_id,
			version_id,
			format,
			status,
			total_rows,
			processed_rows,
			file_size,
			object_key,
			error_message,
			created_at,
			updated_at,
			completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10,$11)`,
		strings.TrimSpace(job.ID),
		strings.TrimSpace(job.VersionID),
		string(job.Format),
		string(job.Status),
		job.TotalRows,
		job.ProcessedRows,
		job.FileSize,
		nullIfEmpty(job.ObjectKey),
		nullIfEmpty(job.ErrorMessage),
		createdAt,
		nullTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert export job: %w", err)
	}
	return nil
}

const exportJobColumns = `job_id, version_id, format, status, total_rows,
	processed_rows, file_size, COALESCE(object_key,''), COALESCE(error_message,''),
	created_at, updated_at, completed_at`

func (s *ExportJobStore) GetJob(ctx context.Context, id string) (domain.ExportJob, error) {
	if s == nil || s.db == nil {
		return domain.ExportJob{}, fmt.Errorf("export job store not initialized")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+exportJobColumns+` FROM export_jobs WHERE job_id = $1`,
		strings.TrimSpace(id),
	)
	return scanExportJob(row)
}

func (s *ExportJobStore) UpdateJob(ctx context.Context, job domain.ExportJob) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("export job store not initialized")
	}
	if err := job.Validate(); err != nil {
		return err
	}
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE export_jobs SET
			status = $1,
			total_rows = $2,
			processed_rows = $3,
			file_size = $4,
			object_key = $5,
			error_message = $6,
			updated_at = $7,
			completed_at = $8
		 WHERE job_id = $9 AND status NOT IN ('completed','failed')`,
		string(job.Status),
		job.TotalRows,
		job.ProcessedRows,
		job.FileSize,
		nullIfEmpty(job.ObjectKey),
		nullIfEmpty(job.ErrorMessage),
		time.Now().UTC(),
		nullTime(job.CompletedAt),
		strings.TrimSpace(job.ID),
	)
	if err != nil {
		return fmt.Errorf("update export job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update export job: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetJob(ctx, job.ID); getErr != nil {
			return getErr
		}
		// Completed jobs are immutable.
		return nil
	}
	return nil
}

func (s *ExportJobStore) FindActiveJob(ctx context.Context, versionID string, format domain.ExportFormat, cutoff time.Time) (domain.ExportJob, error) {
	if s == nil || s.db == nil {
		return domain.ExportJob{}, fmt.Errorf("export job store not initialized")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+exportJobColumns+`
		 FROM export_jobs
		 WHERE version_id = $1
		   AND format = $2
		   AND status IN ('pending','processing')
		   AND created_at >= $3
		 ORDER BY created_at DESC
		 LIMIT 1`,
		strings.TrimSpace(versionID),
		string(format),
		cutoff.UTC(),
	)
	return scanExportJob(row)
}

func scanExportJob(row rowScanner) (domain.ExportJob, error) {
	var (
		job         domain.ExportJob
		format      string
		status      string
		completedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&job.VersionID,
		&format,
		&status,
		&job.TotalRows,
		&job.ProcessedRows,
		&job.FileSize,
		&job.ObjectKey,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return domain.ExportJob{}, handleNotFound(err)
	}
	job.Format = domain.ExportFormat(format)
	job.Status = domain.ExportJobStatus(status)
	job.CompletedAt = timePtr(completedAt)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}
