package domain

import (
	"errors"
	"strings"
	"time"
)

// ExportFormat is the delivery format of an export.
type ExportFormat string

const (
	ExportCSV  ExportFormat = "csv"
	ExportJSON ExportFormat = "json"
)

func ParseExportFormat(raw string) (ExportFormat, error) {
	switch ExportFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case ExportCSV:
		return ExportCSV, nil
	case ExportJSON:
		return ExportJSON, nil
	default:
		return "", errors.New("unknown export format")
	}
}

// ExportJobStatus is the lifecycle of a background export.
type ExportJobStatus string

const (
	ExportJobPending    ExportJobStatus = "pending"
	ExportJobProcessing ExportJobStatus = "processing"
	ExportJobCompleted  ExportJobStatus = "completed"
	ExportJobFailed     ExportJobStatus = "failed"
)

func (s ExportJobStatus) Terminal() bool {
	return s == ExportJobCompleted || s == ExportJobFailed
}

// ExportJob is a background export of a processed version. Immutable once
// completed; re-export creates a new job.
type ExportJob struct {
	ID        string
	VersionID string
	Format    ExportFormat
	Status    ExportJobStatus

	TotalRows     int64
	ProcessedRows int64
	FileSize      int64
	ObjectKey     string
	ErrorMessage  string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

func (j ExportJob) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("export job id is required")
	}
	if strings.TrimSpace(j.VersionID) == "" {
		return errors.New("version id is required")
	}
	if j.Format != ExportCSV && j.Format != ExportJSON {
		return errors.New("unknown export format")
	}
	if strings.TrimSpace(string(j.Status)) == "" {
		return errors.New("status is required")
	}
	return nil
}
