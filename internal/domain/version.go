package domain

import (
	"errors"
	"strings"
	"time"
)

// VersionStatus is the macro status of a dataset-processing run.
type VersionStatus string

const (
	VersionQueued     VersionStatus = "queued"
	VersionIngesting  VersionStatus = "ingesting"
	VersionIngested   VersionStatus = "ingested"
	VersionProcessing VersionStatus = "processing"
	VersionProcessed  VersionStatus = "processed"
	VersionFailed     VersionStatus = "failed"
	VersionCancelled  VersionStatus = "cancelled"
)

func (s VersionStatus) Terminal() bool {
	switch s {
	case VersionProcessed, VersionFailed, VersionCancelled:
		return true
	}
	return false
}

// Version is one dataset-processing run. Counters partition BuildsTotal;
// they are mutated only through the stage machine's snapshot recompute,
// guarded by the Revision compare-and-set.
type Version struct {
	ID        string
	DatasetID string
	Status    VersionStatus

	// Revision increases on every persisted aggregate change and is the
	// CAS token for concurrent recomputes.
	Revision int64

	BuildsTotal            int
	BuildsPending          int
	BuildsIngested         int
	BuildsMissingResource  int
	BuildsIngestionFailed  int
	BuildsProcessed        int
	BuildsProcessingFailed int

	SelectedFeatures []string

	CreatedAt  time.Time
	UpdatedAt  time.Time
	ArchivedAt *time.Time
	CreatedBy  string
}

func (v Version) Validate() error {
	if strings.TrimSpace(v.ID) == "" {
		return errors.New("version id is required")
	}
	if strings.TrimSpace(v.DatasetID) == "" {
		return errors.New("dataset id is required")
	}
	if strings.TrimSpace(string(v.Status)) == "" {
		return errors.New("status is required")
	}
	if v.BuildsTotal < 0 {
		return errors.New("builds total must be >= 0")
	}
	return nil
}

// CheckCounters verifies the accounting invariant: terminal ingestion
// buckets never exceed the total, and every build sits in exactly one bucket.
func (v Version) CheckCounters() error {
	terminal := v.BuildsIngested + v.BuildsMissingResource + v.BuildsIngestionFailed
	if terminal > v.BuildsTotal {
		return errors.New("ingestion buckets exceed builds total")
	}
	if v.BuildsPending+terminal != v.BuildsTotal {
		return errors.New("builds unaccounted for")
	}
	return nil
}

// IngestionProgress is the fraction of builds that reached a terminal
// ingestion bucket.
func (v Version) IngestionProgress() float64 {
	if v.BuildsTotal == 0 {
		return 0
	}
	done := v.BuildsIngested + v.BuildsMissingResource + v.BuildsIngestionFailed
	return float64(done) / float64(v.BuildsTotal)
}
