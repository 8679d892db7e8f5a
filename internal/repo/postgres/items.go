package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/domain"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/repo"
)

type BuildItemStore struct {
	db DB
}

func NewBuildItemStore(db DB) *BuildItemStore {
	if db == nil {
		return nil
	}
	return &BuildItemStore{db: db}
}

// resourcesDoc is the persisted form of the item's fixed resource set.
type resourcesDoc struct {
	GitHistory  resourceDoc `json:"git_history"`
	GitWorktree resourceDoc `json:"git_worktree"`
	BuildLogs   resourceDoc `json:"build_logs"`
}

type resourceDoc struct {
	State         string    `json:"state"`
	Error         string    `json:"error,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	LastOutcomeID string    `json:"last_outcome_id,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

func encodeResources(item domain.ImportBuildItem) ([]byte, error) {
	doc := resourcesDoc{
		GitHistory:  toResourceDoc(item.GitHistory),
		GitWorktree: toResourceDoc(item.GitWorktree),
		BuildLogs:   toResourceDoc(item.BuildLogs),
	}
	return json.Marshal(doc)
}

func decodeResources(raw []byte, item *domain.ImportBuildItem) error {
	if len(raw) == 0 {
		return nil
	}
	var doc resourcesDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode resources: %w", err)
	}
	item.GitHistory = fromResourceDoc(doc.GitHistory)
	item.GitWorktree = fromResourceDoc(doc.GitWorktree)
	item.BuildLogs = fromResourceDoc(doc.BuildLogs)
	return nil
}

func toResourceDoc(rs domain.ResourceStatus) resourceDoc {
	state := string(rs.State)
	if state == "" {
		state = string(domain.ResourcePending)
	}
	return resourceDoc{
		State:         state,
		Error:         rs.Error,
		Attempts:      rs.Attempts,
		LastOutcomeID: rs.LastOutcomeID,
		UpdatedAt:     rs.UpdatedAt,
	}
}

func fromResourceDoc(doc resourceDoc) domain.ResourceStatus {
	state := domain.ResourceState(doc.State)
	if state == "" {
		state = domain.ResourcePending
	}
	return domain.ResourceStatus{
		State:         state,
		Error:         doc.Error,
		Attempts:      doc.Attempts,
		LastOutcomeID: doc.LastOutcomeID,
		UpdatedAt:     doc.UpdatedAt,
	}
}

func (s *BuildItemStore) CreateItems(ctx context.Context, items []domain.ImportBuildItem) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("build item store not initialized")
	}
	for _, item := range items {
		if err := item.Validate(); err != nil {
			return err
		}
		resourcesJSON, err := encodeResources(item)
		if err != nil {
			return fmt.Errorf("encode resources: %w", err)
		}
		createdAt := normalizeTime(item.CreatedAt)
		status := item.Status
		if status == "" {
			status = domain.ItemPending
		}
		_, err = s.db.ExecContext(
			ctx,
			`INSERT INTO import_build_items (
				item_id,
				version_id,
				build_id,
				commit_sha,
				status,
				resources,
				retry_count,
				processing_state,
				processing_error,
				processing_outcome_id,
				created_at,
				updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)`,
			strings.TrimSpace(item.ID),
			strings.TrimSpace(item.VersionID),
			strings.TrimSpace(item.BuildID),
			strings.TrimSpace(item.CommitSHA),
			string(status),
			resourcesJSON,
			item.RetryCount,
			nullIfEmpty(string(item.ProcessingState)),
			nullIfEmpty(item.ProcessingError),
			nullIfEmpty(item.ProcessingOutcomeID),
			createdAt,
		)
		if err != nil {
			return fmt.Errorf("insert build item: %w", err)
		}
	}
	return nil
}

const itemColumns = `item_id, version_id, build_id, commit_sha, status, resources, retry_count,
	COALESCE(processing_state,''), COALESCE(processing_error,''), COALESCE(processing_outcome_id,''),
	created_at, updated_at`

func (s *BuildItemStore) GetItem(ctx context.Context, id string) (domain.ImportBuildItem, error) {
	if s == nil || s.db == nil {
		return domain.ImportBuildItem{}, fmt.Errorf("build item store not initialized")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+itemColumns+` FROM import_build_items WHERE item_id = $1`,
		strings.TrimSpace(id),
	)
	return scanItem(row)
}

func (s *BuildItemStore) GetItemByBuildID(ctx context.Context, buildID string) (domain.ImportBuildItem, error) {
	if s == nil || s.db == nil {
		return domain.ImportBuildItem{}, fmt.Errorf("build item store not initialized")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+itemColumns+` FROM import_build_items WHERE build_id = $1`,
		strings.TrimSpace(buildID),
	)
	return scanItem(row)
}

func (s *BuildItemStore) ListItems(ctx context.Context, filter repo.ItemFilter) ([]domain.ImportBuildItem, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("build item store not initialized")
	}
	query := `SELECT ` + itemColumns + ` FROM import_build_items WHERE 1=1`
	args := []any{}
	if strings.TrimSpace(filter.VersionID) != "" {
		args = append(args, strings.TrimSpace(filter.VersionID))
		query += fmt.Sprintf(" AND version_id = $%d", len(args))
	}
	if strings.TrimSpace(string(filter.Status)) != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, clampLimit(filter.Limit))
	query += fmt.Sprintf(" ORDER BY created_at ASC, item_id ASC LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list build items: %w", err)
	}
	defer rows.Close()

	out := []domain.ImportBuildItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *BuildItemStore) UpdateItem(ctx context.Context, item domain.ImportBuildItem) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("build item store not initialized")
	}
	if err := item.Validate(); err != nil {
		return err
	}
	resourcesJSON, err := encodeResources(item)
	if err != nil {
		return fmt.Errorf("encode resources: %w", err)
	}
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE import_build_items SET
			status = $1,
			resources = $2,
			retry_count = $3,
			processing_state = $4,
			processing_error = $5,
			processing_outcome_id = $6,
			updated_at = $7
		 WHERE item_id = $8`,
		string(item.Status),
		resourcesJSON,
		item.RetryCount,
		nullIfEmpty(string(item.ProcessingState)),
		nullIfEmpty(item.ProcessingError),
		nullIfEmpty(item.ProcessingOutcomeID),
		time.Now().UTC(),
		strings.TrimSpace(item.ID),
	)
	if err != nil {
		return fmt.Errorf("update build item: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update build item: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// CountItems returns a status census plus processing tallies in one query
// each, so recomputes stay cheap for versions with thousands of items.
func (s *BuildItemStore) CountItems(ctx context.Context, versionID string) (repo.ItemCounts, error) {
	if s == nil || s.db == nil {
		return repo.ItemCounts{}, fmt.Errorf("build item store not initialized")
	}
	counts := repo.ItemCounts{ByStatus: map[domain.ItemStatus]int{}}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT status, COUNT(*) FROM import_build_items WHERE version_id = $1 GROUP BY status`,
		strings.TrimSpace(versionID),
	)
	if err != nil {
		return repo.ItemCounts{}, fmt.Errorf("count build items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return repo.ItemCounts{}, err
		}
		counts.ByStatus[domain.ItemStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return repo.ItemCounts{}, err
	}

	err = s.db.QueryRowContext(
		ctx,
		`SELECT
			COUNT(*) FILTER (WHERE processing_state = 'processed'),
			COUNT(*) FILTER (WHERE processing_state = 'failed')
		 FROM import_build_items WHERE version_id = $1`,
		strings.TrimSpace(versionID),
	).Scan(&counts.Processed, &counts.ProcessingFailed)
	if err != nil {
		return repo.ItemCounts{}, fmt.Errorf("count processing outcomes: %w", err)
	}
	return counts, nil
}

func scanItem(row rowScanner) (domain.ImportBuildItem, error) {
	var (
		item            domain.ImportBuildItem
		status          string
		processingState string
		resourcesJSON   []byte
	)
	err := row.Scan(
		&item.ID,
		&item.VersionID,
		&item.BuildID,
		&item.CommitSHA,
		&status,
		&resourcesJSON,
		&item.RetryCount,
		&processingState,
		&item.ProcessingError,
		&item.ProcessingOutcomeID,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return domain.ImportBuildItem{}, handleNotFound(err)
	}
	item.Status = domain.ItemStatus(status)
	item.ProcessingState = domain.ProcessingState(processingState)
	if err := decodeResources(resourcesJSON, &item); err != nil {
		return domain.ImportBuildItem{}, err
	}
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return item, nil
}
