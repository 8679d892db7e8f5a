package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/domain"
)

// Row is one exported build with its per-tool scan metrics joined in by
// commit.
type Row struct {
	BuildID         string                        `json:"build_id"`
	CommitSHA       string                        `json:"commit_sha"`
	Status          string                        `json:"status"`
	GitHistory      string                        `json:"git_history"`
	GitWorktree     string                        `json:"git_worktree"`
	BuildLogs       string                        `json:"build_logs"`
	RetryCount      int                           `json:"retry_count"`
	ProcessingState string                        `json:"processing_state"`
	ScanMetrics     map[string]map[string]float64 `json:"scan_metrics,omitempty"`
	UpdatedAt       time.Time                     `json:"updated_at"`
}

func buildRow(item domain.ImportBuildItem, metrics map[string]map[string]float64) Row {
	return Row{
		BuildID:         item.BuildID,
		CommitSHA:       item.CommitSHA,
		Status:          string(item.Status),
		GitHistory:      string(item.GitHistory.State),
		GitWorktree:     string(item.GitWorktree.State),
		BuildLogs:       string(item.BuildLogs.State),
		RetryCount:      item.RetryCount,
		ProcessingState: string(item.ProcessingState),
		ScanMetrics:     metrics,
		UpdatedAt:       item.UpdatedAt,
	}
}

type encoder interface {
	Header() error
	Row(Row) error
	Close() error
}

type csvEncoder struct {
	w *csv.Writer
}

func newCSVEncoder(w io.Writer) *csvEncoder {
	return &csvEncoder{w: csv.NewWriter(w)}
}

func (e *csvEncoder) Header() error {
	return e.w.Write([]string{
		"build_id", "commit_sha", "status",
		"git_history", "git_worktree", "build_logs",
		"retry_count", "processing_state", "scan_metrics", "updated_at",
	})
}

func (e *csvEncoder) Row(row Row) error {
	metrics := ""
	if len(row.ScanMetrics) > 0 {
		raw, err := json.Marshal(row.ScanMetrics)
		if err != nil {
			return err
		}
		metrics = string(raw)
	}
	return e.w.Write([]string{
		row.BuildID, row.CommitSHA, row.Status,
		row.GitHistory, row.GitWorktree, row.BuildLogs,
		strconv.Itoa(row.RetryCount), row.ProcessingState, metrics,
		row.UpdatedAt.Format(time.RFC3339),
	})
}

func (e *csvEncoder) Close() error {
	e.w.Flush()
	return e.w.Error()
}

// jsonEncoder streams a top-level JSON array without buffering the whole
// export in memory.
type jsonEncoder struct {
	w     io.Writer
	enc   *json.Encoder
	first bool
}

func newJSONEncoder(w io.Writer) *jsonEncoder {
	return &jsonEncoder{w: w, enc: json.NewEncoder(w), first: true}
}

func (e *jsonEncoder) Header() error {
	_, err := io.WriteString(e.w, "[")
	return err
}

func (e *jsonEncoder) Row(row Row) error {
	if !e.first {
		if _, err := io.WriteString(e.w, ","); err != nil {
			return err
		}
	}
	e.first = false
	return e.enc.Encode(row)
}

func (e *jsonEncoder) Close() error {
	_, err := io.WriteString(e.w, "]\n")
	return err
}

func newEncoder(format domain.ExportFormat, w io.Writer) (encoder, error) {
	switch format {
	case domain.ExportCSV:
		return newCSVEncoder(w), nil
	case domain.ExportJSON:
		return newJSONEncoder(w), nil
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}
