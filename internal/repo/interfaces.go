package repo

import (
	"context"
	"errors"
	"time"

	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrRevisionConflict signals a lost compare-and-set on a version
	// aggregate; callers reload the snapshot and recompute.
	ErrRevisionConflict = errors.New("revision conflict")
)

type VersionFilter struct {
	DatasetID string
	Status    domain.VersionStatus
	Limit     int
	Offset    int
}

type ItemFilter struct {
	VersionID string
	Status    domain.ItemStatus
	Limit     int
	Offset    int
}

type ScanFilter struct {
	DatasetID string
	Tool      string
	Status    domain.ScanStatus
	Limit     int
	Offset    int
}

// VersionRepository manages dataset-run aggregates. Versions are archived on
// terminal status, never deleted.
type VersionRepository interface {
	CreateVersion(ctx context.Context, version domain.Version) error
	GetVersion(ctx context.Context, id string) (domain.Version, error)
	ListVersions(ctx context.Context, filter VersionFilter) ([]domain.Version, error)
	// UpdateVersionAggregate persists counters and macro status iff the
	// stored revision still equals expectedRevision, bumping the revision.
	// Returns ErrRevisionConflict on a lost race.
	UpdateVersionAggregate(ctx context.Context, version domain.Version, expectedRevision int64) error
	ArchiveVersion(ctx context.Context, id string, at time.Time) error
}

// ItemCounts is the status census of a version's items, used by the stage
// machine's snapshot recompute.
type ItemCounts struct {
	ByStatus         map[domain.ItemStatus]int
	Processed        int
	ProcessingFailed int
}

func (c ItemCounts) Total() int {
	total := 0
	for _, n := range c.ByStatus {
		total += n
	}
	return total
}

// BuildItemRepository manages per-build ingestion items.
type BuildItemRepository interface {
	CreateItems(ctx context.Context, items []domain.ImportBuildItem) error
	GetItem(ctx context.Context, id string) (domain.ImportBuildItem, error)
	GetItemByBuildID(ctx context.Context, buildID string) (domain.ImportBuildItem, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]domain.ImportBuildItem, error)
	UpdateItem(ctx context.Context, item domain.ImportBuildItem) error
	CountItems(ctx context.Context, versionID string) (ItemCounts, error)
}

// ScanRepository manages shared commit scans and their dependent-build sets.
type ScanRepository interface {
	CreateScan(ctx context.Context, scan domain.CommitScan) error
	GetScan(ctx context.Context, id string) (domain.CommitScan, error)
	GetScanByKey(ctx context.Context, datasetID string, key domain.ScanKey) (domain.CommitScan, error)
	ListScans(ctx context.Context, filter ScanFilter) ([]domain.CommitScan, error)
	UpdateScan(ctx context.Context, scan domain.CommitScan) error

	// AddScanBuild subscribes an item to a scan's outcome. Idempotent per
	// (scan, item).
	AddScanBuild(ctx context.Context, scanID, itemID string) error
	ListScanBuilds(ctx context.Context, scanID string) ([]string, error)

	// ListStaleCallbacks returns scans sitting in pending_callback since
	// before cutoff, for the reconciliation sweep.
	ListStaleCallbacks(ctx context.Context, cutoff time.Time, limit int) ([]domain.CommitScan, error)
}

// ExportJobRepository manages background export jobs.
type ExportJobRepository interface {
	CreateJob(ctx context.Context, job domain.ExportJob) error
	GetJob(ctx context.Context, id string) (domain.ExportJob, error)
	UpdateJob(ctx context.Context, job domain.ExportJob) error
	// FindActiveJob returns the newest pending/processing job for
	// (version, format) created after cutoff, or ErrNotFound.
	FindActiveJob(ctx context.Context, versionID string, format domain.ExportFormat, cutoff time.Time) (domain.ExportJob, error)
}
