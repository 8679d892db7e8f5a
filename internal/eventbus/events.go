package eventbus

import (
	"time"

	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/domain"
)

const (
	TypeScanUpdate           = "scan_update"
	TypeIngestionBuildUpdate = "ingestion_build_update"
	TypeEnrichmentUpdate     = "enrichment_update"
	TypeScanError            = "scan_error"
)

// Event is one delta frame on the bus. Seq is the per-topic sequence assigned
// at publish time; Payload marshals to the frame body.
type Event struct {
	Seq     int64
	Type    string
	Payload any
}

type ScanView struct {
	Type           string             `json:"type"`
	ScanID         string             `json:"scan_id"`
	DatasetID      string             `json:"dataset_id"`
	Tool           string             `json:"tool_type"`
	CommitSHA      string             `json:"commit_sha"`
	Status         string             `json:"status"`
	Error          string             `json:"error,omitempty"`
	RetryCount     int                `json:"retry_count"`
	BuildsAffected int                `json:"builds_affected"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

func NewScanUpdate(scan domain.CommitScan) Event {
	return Event{
		Type: TypeScanUpdate,
		Payload: map[string]any{
			"type": TypeScanUpdate,
			"scan": ScanView{
				Type:           TypeScanUpdate,
				ScanID:         scan.ID,
				DatasetID:      scan.DatasetID,
				Tool:           scan.Key.Tool,
				CommitSHA:      scan.Key.CommitSHA,
				Status:         string(scan.Status),
				Error:          scan.ErrorMessage,
				RetryCount:     scan.RetryCount,
				BuildsAffected: scan.BuildsAffected,
				Metrics:        scan.Metrics,
				UpdatedAt:      scan.UpdatedAt,
			},
		},
	}
}

type IngestionBuildUpdate struct {
	Type     string   `json:"type"`
	Resource string   `json:"resource"`
	Status   string   `json:"status"`
	BuildIDs []string `json:"build_ids"`
}

func NewIngestionBuildUpdate(resource domain.ResourceKind, status domain.ItemStatus, buildIDs []string) Event {
	return Event{
		Type: TypeIngestionBuildUpdate,
		Payload: IngestionBuildUpdate{
			Type:     TypeIngestionBuildUpdate,
			Resource: string(resource),
			Status:   string(status),
			BuildIDs: buildIDs,
		},
	}
}

type EnrichmentUpdate struct {
	Type            string  `json:"type"`
	VersionID       string  `json:"version_id"`
	Status          string  `json:"status"`
	BuildsProcessed int     `json:"builds_processed"`
	BuildsTotal     int     `json:"builds_total"`
	Progress        float64 `json:"progress"`
}

func NewEnrichmentUpdate(version domain.Version) Event {
	return Event{
		Type: TypeEnrichmentUpdate,
		Payload: EnrichmentUpdate{
			Type:            TypeEnrichmentUpdate,
			VersionID:       version.ID,
			Status:          string(version.Status),
			BuildsProcessed: version.BuildsProcessed,
			BuildsTotal:     version.BuildsTotal,
			Progress:        version.IngestionProgress(),
		},
	}
}

type ScanError struct {
	Type       string `json:"type"`
	VersionID  string `json:"version_id,omitempty"`
	DatasetID  string `json:"dataset_id"`
	CommitSHA  string `json:"commit_sha"`
	Tool       string `json:"tool_type"`
	Error      string `json:"error"`
	RetryCount int    `json:"retry_count"`
}

// NewScanError reports a scan whose retries are exhausted. Emitted once,
// distinct from missing-resource outcomes, so operators can tell "gave up
// trying" from "will never work".
func NewScanError(scan domain.CommitScan) Event {
	return Event{
		Type: TypeScanError,
		Payload: ScanError{
			Type:       TypeScanError,
			DatasetID:  scan.DatasetID,
			CommitSHA:  scan.Key.CommitSHA,
			Tool:       scan.Key.Tool,
			Error:      scan.ErrorMessage,
			RetryCount: scan.RetryCount,
		},
	}
}
