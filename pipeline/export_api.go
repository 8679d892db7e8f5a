package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/domain"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/export"
)

type exportJobView struct {
	JobID         string     `json:"job_id"`
	VersionID     string     `json:"version_id"`
	Format        string     `json:"format"`
	Status        string     `json:"status"`
	TotalRows     int64      `json:"total_rows"`
	ProcessedRows int64      `json:"processed_rows"`
	FileSize      int64      `json:"file_size"`
	ObjectKey     string     `json:"object_key,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func toExportJobView(job domain.ExportJob) exportJobView {
	return exportJobView{
		JobID:         job.ID,
		VersionID:     job.VersionID,
		Format:        string(job.Format),
		Status:        string(job.Status),
		TotalRows:     job.TotalRows,
		ProcessedRows: job.ProcessedRows,
		FileSize:      job.FileSize,
		ObjectKey:     job.ObjectKey,
		Error:         job.ErrorMessage,
		CreatedAt:     job.CreatedAt,
		CompletedAt:   job.CompletedAt,
	}
}

// handleCreateExport streams small versions straight back and returns a 202
// with a job reference for large ones. Requesting the same (version, format)
// again while a job is active returns that job instead of a second one.
func (api *pipelineAPI) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	versionID := strings.TrimSpace(r.PathValue("version_id"))
	format, err := domain.ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "unknown_format")
		return
	}

	result, err := api.exports.Export(r.Context(), versionID, format)
	if err != nil {
		if errors.Is(err, export.ErrVersionNotReady) {
			api.writeError(w, r, http.StatusConflict, "version_not_processed")
			return
		}
		api.writeRepoError(w, r, err)
		return
	}

	if !result.Sync {
		api.audit(r, "export.create", "export_job", result.Job.ID, map[string]any{
			"version_id": versionID,
			"format":     string(format),
			"total_rows": result.Rows,
		})
		api.writeJSON(w, http.StatusAccepted, toExportJobView(result.Job))
		return
	}

	w.Header().Set("Content-Type", export.ContentType(format))
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", export.Filename(versionID, format)))
	w.WriteHeader(http.StatusOK)
	if _, err := api.exports.WriteSnapshot(r.Context(), w, versionID, format, nil); err != nil {
		api.logger.Error("sync export aborted", "version_id", versionID, "error", err)
	}
}

func (api *pipelineAPI) handleGetExport(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("job_id"))
	job, err := api.exports.Status(r.Context(), jobID)
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toExportJobView(job))
}

func (api *pipelineAPI) handleDownloadExport(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("job_id"))
	job, rc, err := api.exports.Open(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, export.ErrJobNotReady) {
			api.writeError(w, r, http.StatusConflict, "export_not_completed")
			return
		}
		api.writeRepoError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", export.ContentType(job.Format))
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", export.Filename(job.VersionID, job.Format)))
	if job.FileSize > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(job.FileSize, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		api.logger.Error("export download aborted", "job_id", jobID, "error", err)
	}
}
