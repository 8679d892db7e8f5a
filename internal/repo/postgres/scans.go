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

type ScanStore struct {
	db DB
}

func NewScanStore(db DB) *ScanStore {
	if db == nil {
		return nil
	}
	return &ScanStore{db: db}
}

func (s *ScanStore) CreateScan(ctx context.Context, scan domain.CommitScan) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("scan store not initialized")
	}
	if err := scan.Validate(); err != nil {
		return err
	}
	metricsJSON, err := json.Marshal(scan.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	requestedAt := normalizeTime(scan.RequestedAt)
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO commit_scans (
			scan_id,
			dataset_id,
			tool,
			commit_sha,
			config_fingerprint,
			status,
			error_message,
			retry_count,
			builds_affected,
			metrics,
			requested_at,
			started_at,
			completed_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$11)`,
		strings.TrimSpace(scan.ID),
		strings.TrimSpace(scan.DatasetID),
		strings.TrimSpace(scan.Key.Tool),
		strings.TrimSpace(scan.Key.CommitSHA),
		strings.TrimSpace(scan.Key.ConfigFingerprint),
		string(scan.Status),
		nullIfEmpty(scan.ErrorMessage),
		scan.RetryCount,
		scan.BuildsAffected,
		metricsJSON,
		requestedAt,
		nullTime(scan.StartedAt),
		nullTime(scan.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert scan: %w", err)
	}
	return nil
}

const scanColumns = `scan_id, dataset_id, tool, commit_sha, config_fingerprint,
	status, COALESCE(error_message,''), retry_count, builds_affected, metrics,
	requested_at, started_at, completed_at, updated_at`

func (s *ScanStore) GetScan(ctx context.Context, id string) (domain.CommitScan, error) {
	if s == nil || s.db == nil {
		return domain.CommitScan{}, fmt.Errorf("scan store not initialized")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+scanColumns+` FROM commit_scans WHERE scan_id = $1`,
		strings.TrimSpace(id),
	)
	return scanCommitScan(row)
}

func (s *ScanStore) GetScanByKey(ctx context.Context, datasetID string, key domain.ScanKey) (domain.CommitScan, error) {
	if s == nil || s.db == nil {
		return domain.CommitScan{}, fmt.Errorf("scan store not initialized")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+scanColumns+`
		 FROM commit_scans
		 WHERE dataset_id = $1 AND tool = $2 AND commit_sha = $3 AND config_fingerprint = $4`,
		strings.TrimSpace(datasetID),
		strings.TrimSpace(key.Tool),
		strings.TrimSpace(key.CommitSHA),
		strings.TrimSpace(key.ConfigFingerprint),
	)
	return scanCommitScan(row)
}

func (s *ScanStore) ListScans(ctx context.Context, filter repo.ScanFilter) ([]domain.CommitScan, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("scan store not initialized")
	}
	query := `SELECT ` + scanColumns + ` FROM commit_scans WHERE 1=1`
	args := []any{}
	if strings.TrimSpace(filter.DatasetID) != "" {
		args = append(args, strings.TrimSpace(filter.DatasetID))
		query += fmt.Sprintf(" AND dataset_id = $%d", len(args))
	}
	if strings.TrimSpace(filter.Tool) != "" {
		args = append(args, strings.TrimSpace(filter.Tool))
		query += fmt.Sprintf(" AND tool = $%d", len(args))
	}
	if strings.TrimSpace(string(filter.Status)) != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, clampLimit(filter.Limit))
	query += fmt.Sprintf(" ORDER BY requested_at ASC, scan_id ASC LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	out := []domain.CommitScan{}
	for rows.Next() {
		scan, err := scanCommitScan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, scan)
	}
	return out, rows.Err()
}

func (s *ScanStore) UpdateScan(ctx context.Context, scan domain.CommitScan) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("scan store not initialized")
	}
	if err := scan.Validate(); err != nil {
		return err
	}
	metricsJSON, err := json.Marshal(scan.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE commit_scans SET
			status = $1,
			error_message = $2,
			retry_count = $3,
			builds_affected = $4,
			metrics = $5,
			started_at = $6,
			completed_at = $7,
			updated_at = $8
		 WHERE scan_id = $9`,
		string(scan.Status),
		nullIfEmpty(scan.ErrorMessage),
		scan.RetryCount,
		scan.BuildsAffected,
		metricsJSON,
		nullTime(scan.StartedAt),
		nullTime(scan.CompletedAt),
		time.Now().UTC(),
		strings.TrimSpace(scan.ID),
	)
	if err != nil {
		return fmt.Errorf("update scan: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update scan: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *ScanStore) AddScanBuild(ctx context.Context, scanID, itemID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("scan store not initialized")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO commit_scan_builds (scan_id, item_id)
		 VALUES ($1, $2)
		 ON CONFLICT (scan_id, item_id) DO NOTHING`,
		strings.TrimSpace(scanID),
		strings.TrimSpace(itemID),
	)
	if err != nil {
		return fmt.Errorf("add scan build: %w", err)
	}
	return nil
}

func (s *ScanStore) ListScanBuilds(ctx context.Context, scanID string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("scan store not initialized")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT item_id FROM commit_scan_builds WHERE scan_id = $1 ORDER BY item_id ASC`,
		strings.TrimSpace(scanID),
	)
	if err != nil {
		return nil, fmt.Errorf("list scan builds: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var itemID string
		if err := rows.Scan(&itemID); err != nil {
			return nil, err
		}
		out = append(out, itemID)
	}
	return out, rows.Err()
}

func (s *ScanStore) ListStaleCallbacks(ctx context.Context, cutoff time.Time, limit int) ([]domain.CommitScan, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("scan store not initialized")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+scanColumns+`
		 FROM commit_scans
		 WHERE status = $1 AND updated_at < $2
		 ORDER BY updated_at ASC
		 LIMIT $3`,
		string(domain.ScanPendingCallback),
		cutoff.UTC(),
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list stale callbacks: %w", err)
	}
	defer rows.Close()

	out := []domain.CommitScan{}
	for rows.Next() {
		scan, err := scanCommitScan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, scan)
	}
	return out, rows.Err()
}

func scanCommitScan(row rowScanner) (domain.CommitScan, error) {
	var (
		scan        domain.CommitScan
		status      string
		metricsJSON []byte
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&scan.ID,
		&scan.DatasetID,
		&scan.Key.Tool,
		&scan.Key.CommitSHA,
		&scan.Key.ConfigFingerprint,
		&status,
		&scan.ErrorMessage,
		&scan.RetryCount,
		&scan.BuildsAffected,
		&metricsJSON,
		&scan.RequestedAt,
		&startedAt,
		&completedAt,
		&scan.UpdatedAt,
	)
	if err != nil {
		return domain.CommitScan{}, handleNotFound(err)
	}
	scan.Status = domain.ScanStatus(status)
	scan.StartedAt = timePtr(startedAt)
	scan.CompletedAt = timePtr(completedAt)
	if len(metricsJSON) > 0 {
		if err := json.Unmarshal(metricsJSON, &scan.Metrics); err != nil {
			return domain.CommitScan{}, fmt.Errorf("decode metrics: %w", err)
		}
	}
	scan.RequestedAt = scan.RequestedAt.UTC()
	scan.UpdatedAt = scan.UpdatedAt.UTC()
	return scan, nil
}
