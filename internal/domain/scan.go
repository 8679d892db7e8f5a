package domain

import (
	"errors"
	"strings"
	"time"
)

// ScanStatus is the lifecycle of a shared commit scan.
type ScanStatus string

const (
	ScanPending  ScanStatus = "pending"
	ScanScanning ScanStatus = "scanning"
	// ScanPendingCallback marks a scan whose tool accepted the request and
	// will post the result later. Distinct from scanning; the reconciliation
	// sweeper times these out past the callback SLA.
	ScanPendingCallback ScanStatus = "pending_callback"
	ScanCompleted       ScanStatus = "completed"
	ScanFailed          ScanStatus = "failed"
	ScanCancelled       ScanStatus = "cancelled"
)

func (s ScanStatus) Terminal() bool {
	switch s {
	case ScanCompleted, ScanFailed, ScanCancelled:
		return true
	}
	return false
}

// ScanKey identifies the unit of deduplicated scan work. Two builds share a
// CommitScan only when tool, commit and tool configuration all match.
type ScanKey struct {
	Tool              string
	CommitSHA         string
	ConfigFingerprint string
}

func (k ScanKey) Validate() error {
	if strings.TrimSpace(k.Tool) == "" {
		return errors.New("tool is required")
	}
	if strings.TrimSpace(k.CommitSHA) == "" {
		return errors.New("commit sha is required")
	}
	return nil
}

func (k ScanKey) String() string {
	return k.Tool + ":" + k.CommitSHA + ":" + k.ConfigFingerprint
}

// CommitScan is one shared scan record per (tool, commit, config). The scan
// executes at most once no matter how many builds reference the commit.
type CommitScan struct {
	ID        string
	DatasetID string
	Key       ScanKey

	Status       ScanStatus
	ErrorMessage string
	RetryCount   int

	// BuildsAffected counts the dependent build items subscribed to this
	// scan's outcome.
	BuildsAffected int

	Metrics map[string]float64

	RequestedAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

func (s CommitScan) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("scan id is required")
	}
	if strings.TrimSpace(s.DatasetID) == "" {
		return errors.New("dataset id is required")
	}
	if err := s.Key.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(string(s.Status)) == "" {
		return errors.New("status is required")
	}
	return nil
}

// DatasetScan is the derived aggregate of all commit scans for one
// (dataset, tool) launch. Never independently mutated.
type DatasetScan struct {
	DatasetID      string
	Tool           string
	TotalCommits   int
	ScannedCommits int
	FailedCommits  int
	PendingCommits int
}

// Progress is scanned over total, in [0,1].
func (d DatasetScan) Progress() float64 {
	if d.TotalCommits == 0 {
		return 0
	}
	return float64(d.ScannedCommits) / float64(d.TotalCommits)
}

// DeriveDatasetScan recomputes the aggregate from a snapshot of commit scans.
func DeriveDatasetScan(datasetID, tool string, scans []CommitScan) DatasetScan {
	agg := DatasetScan{DatasetID: datasetID, Tool: tool}
	for _, scan := range scans {
		if scan.DatasetID != datasetID || scan.Key.Tool != tool {
			continue
		}
		agg.TotalCommits++
		switch scan.Status {
		case ScanCompleted:
			agg.ScannedCommits++
		case ScanFailed, ScanCancelled:
			agg.FailedCommits++
		default:
			agg.PendingCommits++
		}
	}
	return agg
}
