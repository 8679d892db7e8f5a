package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/domain"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/eventbus"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/export"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/pipeline"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/platform/auditlog"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/repo"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/scantool"
)

type pipelineAPI struct {
	logger  *slog.Logger
	db      *sql.DB
	tracker *pipeline.Tracker
	exports *export.Manager
	broker  *eventbus.Broker

	versions repo.VersionRepository
	items    repo.BuildItemRepository
	scans    repo.ScanRepository

	workerSecret  string
	workerMaxSkew time.Duration
}

func newPipelineAPI(logger *slog.Logger, db *sql.DB, tracker *pipeline.Tracker, exports *export.Manager, broker *eventbus.Broker, versions repo.VersionRepository, items repo.BuildItemRepository, scans repo.ScanRepository, workerSecret string, workerMaxSkew time.Duration) *pipelineAPI {
	return &pipelineAPI{
		logger:        logger,
		db:            db,
		tracker:       tracker,
		exports:       exports,
		broker:        broker,
		versions:      versions,
		items:         items,
		scans:         scans,
		workerSecret:  workerSecret,
		workerMaxSkew: workerMaxSkew,
	}
}

func (api *pipelineAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /versions", api.handleLaunchVersion)
	mux.HandleFunc("GET /versions", api.handleListVersions)
	mux.HandleFunc("GET /versions/{version_id}", api.handleGetVersion)
	mux.HandleFunc("GET /versions/{version_id}/builds", api.handleListBuilds)
	mux.HandleFunc("GET /versions/{version_id}/scans", api.handleListVersionScans)
	mux.HandleFunc("POST /versions/{version_id}/process", api.handleStartProcessing)
	mux.HandleFunc("POST /versions/{version_id}/retry-all", api.handleRetryAll)

	mux.HandleFunc("GET /builds/{item_id}", api.handleGetBuild)
	mux.HandleFunc("POST /builds/{item_id}/retry", api.handleRetryBuild)
	mux.HandleFunc("POST /builds/{item_id}/cancel", api.handleCancelBuild)

	mux.HandleFunc("GET /scans/{dataset_id}/{tool}", api.handleDatasetScan)
	mux.HandleFunc("POST /scans/{scan_id}/cancel", api.handleCancelScan)

	mux.HandleFunc("POST /internal/reports/fetched", api.handleReportFetched)
	mux.HandleFunc("POST /internal/reports/resource", api.handleReportResource)
	mux.HandleFunc("POST /internal/reports/processing", api.handleReportProcessing)
	mux.HandleFunc("POST /internal/reports/scan", api.handleReportScan)

	mux.HandleFunc("GET /versions/{version_id}/events", api.handleStreamVersion)
	mux.HandleFunc("GET /versions/{version_id}/ws", api.handleVersionSocket)
	mux.HandleFunc("GET /datasets/{dataset_id}/events", api.handleStreamDataset)

	mux.HandleFunc("POST /versions/{version_id}/exports", api.handleCreateExport)
	mux.HandleFunc("GET /exports/{job_id}", api.handleGetExport)
	mux.HandleFunc("GET /exports/{job_id}/download", api.handleDownloadExport)
}

type versionView struct {
	VersionID              string     `json:"version_id"`
	DatasetID              string     `json:"dataset_id"`
	Status                 string     `json:"status"`
	BuildsTotal            int        `json:"builds_total"`
	BuildsPending          int        `json:"builds_pending"`
	BuildsIngested         int        `json:"builds_ingested"`
	BuildsMissingResource  int        `json:"builds_missing_resource"`
	BuildsIngestionFailed  int        `json:"builds_ingestion_failed"`
	BuildsProcessed        int        `json:"builds_processed"`
	BuildsProcessingFailed int        `json:"builds_processing_failed"`
	Progress               float64    `json:"progress"`
	SelectedFeatures       []string   `json:"selected_features,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
	ArchivedAt             *time.Time `json:"archived_at,omitempty"`
	CreatedBy              string     `json:"created_by,omitempty"`
}

func toVersionView(v domain.Version) versionView {
	return versionView{
		VersionID:              v.ID,
		DatasetID:              v.DatasetID,
		Status:                 string(v.Status),
		BuildsTotal:            v.BuildsTotal,
		BuildsPending:          v.BuildsPending,
		BuildsIngested:         v.BuildsIngested,
		BuildsMissingResource:  v.BuildsMissingResource,
		BuildsIngestionFailed:  v.BuildsIngestionFailed,
		BuildsProcessed:        v.BuildsProcessed,
		BuildsProcessingFailed: v.BuildsProcessingFailed,
		Progress:               v.IngestionProgress(),
		SelectedFeatures:       v.SelectedFeatures,
		CreatedAt:              v.CreatedAt,
		UpdatedAt:              v.UpdatedAt,
		ArchivedAt:             v.ArchivedAt,
		CreatedBy:              v.CreatedBy,
	}
}

type resourceView struct {
	State    string `json:"state"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts"`
}

type buildView struct {
	ItemID          string       `json:"item_id"`
	VersionID       string       `json:"version_id"`
	BuildID         string       `json:"build_id"`
	CommitSHA       string       `json:"commit_sha"`
	Status          string       `json:"status"`
	GitHistory      resourceView `json:"git_history"`
	GitWorktree     resourceView `json:"git_worktree"`
	BuildLogs       resourceView `json:"build_logs"`
	RetryCount      int          `json:"retry_count"`
	ProcessingState string       `json:"processing_state,omitempty"`
	ProcessingError string       `json:"processing_error,omitempty"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

func toBuildView(item domain.ImportBuildItem) buildView {
	view := func(r domain.ResourceStatus) resourceView {
		return resourceView{State: string(r.State), Error: r.Error, Attempts: r.Attempts}
	}
	return buildView{
		ItemID:          item.ID,
		VersionID:       item.VersionID,
		BuildID:         item.BuildID,
		CommitSHA:       item.CommitSHA,
		Status:          string(item.Status),
		GitHistory:      view(item.GitHistory),
		GitWorktree:     view(item.GitWorktree),
		BuildLogs:       view(item.BuildLogs),
		RetryCount:      item.RetryCount,
		ProcessingState: string(item.ProcessingState),
		ProcessingError: item.ProcessingError,
		UpdatedAt:       item.UpdatedAt,
	}
}

type scanView struct {
	ScanID            string             `json:"scan_id"`
	DatasetID         string             `json:"dataset_id"`
	Tool              string             `json:"tool"`
	CommitSHA         string             `json:"commit_sha"`
	ConfigFingerprint string             `json:"config_fingerprint"`
	Status            string             `json:"status"`
	Error             string             `json:"error,omitempty"`
	RetryCount        int                `json:"retry_count"`
	BuildsAffected    int                `json:"builds_affected"`
	Metrics           map[string]float64 `json:"metrics,omitempty"`
	RequestedAt       time.Time          `json:"requested_at"`
	StartedAt         *time.Time         `json:"started_at,omitempty"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

func toScanView(s domain.CommitScan) scanView {
	return scanView{
		ScanID:            s.ID,
		DatasetID:         s.DatasetID,
		Tool:              s.Key.Tool,
		CommitSHA:         s.Key.CommitSHA,
		ConfigFingerprint: s.Key.ConfigFingerprint,
		Status:            string(s.Status),
		Error:             s.ErrorMessage,
		RetryCount:        s.RetryCount,
		BuildsAffected:    s.BuildsAffected,
		Metrics:           s.Metrics,
		RequestedAt:       s.RequestedAt,
		StartedAt:         s.StartedAt,
		CompletedAt:       s.CompletedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

type launchVersionRequest struct {
	DatasetID        string                 `json:"dataset_id"`
	Builds           []pipeline.LaunchBuild `json:"builds"`
	SelectedFeatures []string               `json:"selected_features"`
	ScanSpecs        []json.RawMessage      `json:"scan_specs"`
	CreatedBy        string                 `json:"created_by"`
}

func (api *pipelineAPI) handleLaunchVersion(w http.ResponseWriter, r *http.Request) {
	var body launchVersionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(&body); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	specs := make([]scantool.Spec, 0, len(body.ScanSpecs))
	for _, raw := range body.ScanSpecs {
		spec, err := scantool.ParseSpec(raw)
		if err != nil {
			api.logger.Warn("rejected scan spec", "error", err)
			api.writeError(w, r, http.StatusBadRequest, "invalid_scan_spec")
			return
		}
		specs = append(specs, spec)
	}

	version, err := api.tracker.LaunchVersion(r.Context(), pipeline.LaunchRequest{
		DatasetID:        strings.TrimSpace(body.DatasetID),
		Builds:           body.Builds,
		SelectedFeatures: body.SelectedFeatures,
		ScanSpecs:        specs,
		CreatedBy:        strings.TrimSpace(body.CreatedBy),
	})
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_launch_request")
		return
	}

	api.audit(r, "version.launch", "dataset_version", version.ID, map[string]any{
		"dataset_id":   version.DatasetID,
		"builds_total": version.BuildsTotal,
	})
	api.writeJSON(w, http.StatusCreated, toVersionView(version))
}

func (api *pipelineAPI) handleListVersions(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 500)
	offset := parseIntQuery(r, "offset", 0)
	filter := repo.VersionFilter{
		DatasetID: strings.TrimSpace(r.URL.Query().Get("dataset_id")),
		Status:    domain.VersionStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
		Limit:     limit,
		Offset:    offset,
	}
	versions, err := api.versions.ListVersions(r.Context(), filter)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	views := make([]versionView, 0, len(versions))
	for _, v := range versions {
		views = append(views, toVersionView(v))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"versions": views})
}

func (api *pipelineAPI) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	versionID := strings.TrimSpace(r.PathValue("version_id"))
	version, err := api.versions.GetVersion(r.Context(), versionID)
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toVersionView(version))
}

func (api *pipelineAPI) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	versionID := strings.TrimSpace(r.PathValue("version_id"))
	if _, err := api.versions.GetVersion(r.Context(), versionID); err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	filter := repo.ItemFilter{
		VersionID: versionID,
		Status:    domain.ItemStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
		Limit:     clampInt(parseIntQuery(r, "limit", 100), 1, 500),
		Offset:    parseIntQuery(r, "offset", 0),
	}
	items, err := api.items.ListItems(r.Context(), filter)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	views := make([]buildView, 0, len(items))
	for _, item := range items {
		views = append(views, toBuildView(item))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"builds": views})
}

func (api *pipelineAPI) handleListVersionScans(w http.ResponseWriter, r *http.Request) {
	versionID := strings.TrimSpace(r.PathValue("version_id"))
	version, err := api.versions.GetVersion(r.Context(), versionID)
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	filter := repo.ScanFilter{
		DatasetID: version.DatasetID,
		Tool:      strings.TrimSpace(r.URL.Query().Get("tool")),
		Status:    domain.ScanStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
		Limit:     clampInt(parseIntQuery(r, "limit", 100), 1, 500),
		Offset:    parseIntQuery(r, "offset", 0),
	}
	scans, err := api.scans.ListScans(r.Context(), filter)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	views := make([]scanView, 0, len(scans))
	for _, s := range scans {
		views = append(views, toScanView(s))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"scans": views})
}

func (api *pipelineAPI) handleStartProcessing(w http.ResponseWriter, r *http.Request) {
	versionID := strings.TrimSpace(r.PathValue("version_id"))
	version, err := api.tracker.Stage.StartProcessing(r.Context(), versionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		if errors.Is(err, pipeline.ErrBarrierNotMet) {
			api.writeError(w, r, http.StatusConflict, "ingestion_not_finished")
			return
		}
		if errors.Is(err, pipeline.ErrNoProcessableBuilds) {
			api.writeError(w, r, http.StatusConflict, "no_processable_builds")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.audit(r, "version.process", "dataset_version", version.ID, nil)
	api.writeJSON(w, http.StatusOK, toVersionView(version))
}

func (api *pipelineAPI) handleRetryAll(w http.ResponseWriter, r *http.Request) {
	versionID := strings.TrimSpace(r.PathValue("version_id"))
	if _, err := api.versions.GetVersion(r.Context(), versionID); err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	result, err := api.tracker.Retry.RetryAll(r.Context(), versionID)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.audit(r, "version.retry_all", "dataset_version", versionID, map[string]any{
		"retried": result.Retried,
		"skipped": result.Skipped,
	})
	api.writeJSON(w, http.StatusOK, result)
}

func (api *pipelineAPI) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	itemID := strings.TrimSpace(r.PathValue("item_id"))
	item, err := api.tracker.Status.Get(r.Context(), itemID)
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toBuildView(item))
}

func (api *pipelineAPI) handleRetryBuild(w http.ResponseWriter, r *http.Request) {
	itemID := strings.TrimSpace(r.PathValue("item_id"))

	// Body is optional; when present it may carry a one-off fetch config.
	var req struct {
		ConfigOverride map[string]any `json:"config_override"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
	}

	item, err := api.tracker.Retry.RetryItem(r.Context(), itemID, req.ConfigOverride)
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			api.writeError(w, r, http.StatusNotFound, "not_found")
		case errors.Is(err, pipeline.ErrRetryLimitReached):
			api.writeError(w, r, http.StatusConflict, "retry_limit_reached")
		case errors.Is(err, pipeline.ErrNotRetryable):
			api.writeError(w, r, http.StatusConflict, "not_retryable")
		default:
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		}
		return
	}
	api.audit(r, "build.retry", "import_build_item", item.ID, map[string]any{
		"retry_count": item.RetryCount,
	})
	api.writeJSON(w, http.StatusOK, toBuildView(item))
}

func (api *pipelineAPI) handleCancelBuild(w http.ResponseWriter, r *http.Request) {
	itemID := strings.TrimSpace(r.PathValue("item_id"))
	item, err := api.tracker.CancelItem(r.Context(), itemID)
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	api.audit(r, "build.cancel", "import_build_item", item.ID, nil)
	api.writeJSON(w, http.StatusOK, toBuildView(item))
}

func (api *pipelineAPI) handleDatasetScan(w http.ResponseWriter, r *http.Request) {
	datasetID := strings.TrimSpace(r.PathValue("dataset_id"))
	tool := strings.TrimSpace(r.PathValue("tool"))
	if datasetID == "" || tool == "" {
		api.writeError(w, r, http.StatusBadRequest, "dataset_and_tool_required")
		return
	}
	agg, err := api.tracker.Dedup.DatasetScanAggregate(r.Context(), datasetID, tool)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"dataset_id":      agg.DatasetID,
		"tool":            agg.Tool,
		"total_commits":   agg.TotalCommits,
		"scanned_commits": agg.ScannedCommits,
		"failed_commits":  agg.FailedCommits,
		"pending_commits": agg.PendingCommits,
		"progress":        agg.Progress(),
	})
}

func (api *pipelineAPI) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	scanID := strings.TrimSpace(r.PathValue("scan_id"))
	scan, err := api.tracker.Dedup.CancelScan(r.Context(), scanID)
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	api.audit(r, "scan.cancel", "commit_scan", scan.ID, map[string]any{
		"tool":       scan.Key.Tool,
		"commit_sha": scan.Key.CommitSHA,
	})
	api.writeJSON(w, http.StatusOK, toScanView(scan))
}

func (api *pipelineAPI) audit(r *http.Request, action, resourceType, resourceID string, payload map[string]any) {
	event := auditlog.Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        strings.TrimSpace(r.Header.Get("X-Actor")),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    r.Header.Get("X-Request-Id"),
		Payload:      payload,
	}
	if event.Actor == "" {
		event.Actor = "anonymous"
	}
	if _, err := auditlog.Insert(r.Context(), api.db, event); err != nil {
		api.logger.Warn("audit insert failed", "action", action, "error", err)
	}
}

func (api *pipelineAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *pipelineAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func (api *pipelineAPI) writeRepoError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, repo.ErrNotFound) {
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	}
	api.writeError(w, r, http.StatusInternalServerError, "internal_error")
}

func parseIntQuery(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
