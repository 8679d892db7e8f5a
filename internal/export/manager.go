package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/domain"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/platform/metrics"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/repo"
)

// ErrVersionNotReady rejects exports of versions that have not finished
// processing.
var ErrVersionNotReady = errors.New("version is not processed yet")

// ErrJobNotReady rejects downloads of jobs that have not completed.
var ErrJobNotReady = errors.New("export job has not completed")

// ObjectStore is the slice of object storage that exports need.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, r io.Reader, size int64) (int64, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Config tunes the export manager.
type Config struct {
	// AsyncThreshold is the row count above which an export becomes a
	// background job instead of a streamed response.
	AsyncThreshold int64
	// DedupWindow is how far back an equivalent pending or processing job
	// suppresses a new one for the same (version, format).
	DedupWindow time.Duration
	// JobTimeout bounds one background export run.
	JobTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.AsyncThreshold <= 0 {
		c.AsyncThreshold = 1000
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 10 * time.Minute
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 10 * time.Minute
	}
	return c
}

// Manager decides between sync and async export delivery and runs the
// background jobs. Small versions stream straight back to the caller;
// large ones go through an ExportJob and object storage.
type Manager struct {
	logger   *slog.Logger
	versions repo.VersionRepository
	items    repo.BuildItemRepository
	scans    repo.ScanRepository
	jobs     repo.ExportJobRepository
	store    ObjectStore
	collect  *metrics.Collector
	cfg      Config
	now      func() time.Time
}

func NewManager(logger *slog.Logger, versions repo.VersionRepository, items repo.BuildItemRepository, scans repo.ScanRepository, jobs repo.ExportJobRepository, store ObjectStore, collect *metrics.Collector, cfg Config) *Manager {
	return &Manager{
		logger:   logger,
		versions: versions,
		items:    items,
		scans:    scans,
		jobs:     jobs,
		store:    store,
		collect:  collect,
		cfg:      cfg.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Result is the outcome of an export request. Exactly one of Sync and Job
// is meaningful.
type Result struct {
	Sync bool
	Rows int64
	Job  domain.ExportJob
}

// Export routes one export request. Versions below the threshold are
// answered synchronously by a later WriteSnapshot call; above it a job is
// created unless an equal one is already active inside the dedup window.
func (m *Manager) Export(ctx context.Context, versionID string, format domain.ExportFormat) (Result, error) {
	version, err := m.versions.GetVersion(ctx, versionID)
	if err != nil {
		return Result{}, err
	}
	if version.Status != domain.VersionProcessed {
		return Result{}, fmt.Errorf("%w: status is %s", ErrVersionNotReady, version.Status)
	}

	counts, err := m.items.CountItems(ctx, versionID)
	if err != nil {
		return Result{}, err
	}
	rows := int64(counts.Total())
	if rows <= m.cfg.AsyncThreshold {
		return Result{Sync: true, Rows: rows}, nil
	}

	cutoff := m.now().Add(-m.cfg.DedupWindow)
	if active, err := m.jobs.FindActiveJob(ctx, versionID, format, cutoff); err == nil {
		return Result{Rows: rows, Job: active}, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return Result{}, err
	}

	now := m.now()
	job := domain.ExportJob{
		ID:        uuid.NewString(),
		VersionID: versionID,
		Format:    format,
		Status:    domain.ExportJobPending,
		TotalRows: rows,
		ObjectKey: objectKey(versionID, format),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.jobs.CreateJob(ctx, job); err != nil {
		return Result{}, fmt.Errorf("create export job: %w", err)
	}
	if m.collect != nil {
		m.collect.ExportJobs.WithLabelValues(string(format), string(domain.ExportJobPending)).Inc()
	}

	go m.runJob(job)
	return Result{Rows: rows, Job: job}, nil
}

func objectKey(versionID string, format domain.ExportFormat) string {
	return fmt.Sprintf("exports/%s/%s.%s", versionID, uuid.NewString(), format)
}

// WriteSnapshot streams the version's rows to w and returns row and byte
// counts. Used directly for sync exports and by the job runner for async
// ones.
func (m *Manager) WriteSnapshot(ctx context.Context, w io.Writer, versionID string, format domain.ExportFormat, onProgress func(rows int64)) (int64, error) {
	version, err := m.versions.GetVersion(ctx, versionID)
	if err != nil {
		return 0, err
	}
	metricsByCommit, err := m.loadScanMetrics(ctx, version.DatasetID)
	if err != nil {
		return 0, err
	}

	enc, err := newEncoder(format, w)
	if err != nil {
		return 0, err
	}
	if err := enc.Header(); err != nil {
		return 0, err
	}

	var rows int64
	offset := 0
	for {
		page, err := m.items.ListItems(ctx, repo.ItemFilter{VersionID: versionID, Limit: 500, Offset: offset})
		if err != nil {
			return rows, err
		}
		if len(page) == 0 {
			break
		}
		for _, item := range page {
			if err := enc.Row(buildRow(item, metricsByCommit[item.CommitSHA])); err != nil {
				return rows, err
			}
			rows++
		}
		offset += len(page)
		if onProgress != nil {
			onProgress(rows)
		}
	}
	return rows, enc.Close()
}

// loadScanMetrics maps commit sha to per-tool metrics for every completed
// scan of the dataset.
func (m *Manager) loadScanMetrics(ctx context.Context, datasetID string) (map[string]map[string]map[string]float64, error) {
	out := make(map[string]map[string]map[string]float64)
	offset := 0
	for {
		page, err := m.scans.ListScans(ctx, repo.ScanFilter{DatasetID: datasetID, Status: domain.ScanCompleted, Limit: 500, Offset: offset})
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return out, nil
		}
		for _, scan := range page {
			if len(scan.Metrics) == 0 {
				continue
			}
			byTool := out[scan.Key.CommitSHA]
			if byTool == nil {
				byTool = make(map[string]map[string]float64)
				out[scan.Key.CommitSHA] = byTool
			}
			byTool[scan.Key.Tool] = scan.Metrics
		}
		offset += len(page)
	}
}

// ContentType is the media type an export of the given format carries.
func ContentType(format domain.ExportFormat) string {
	if format == domain.ExportJSON {
		return "application/json"
	}
	return "text/csv"
}

// Filename is the attachment name for a sync download.
func Filename(versionID string, format domain.ExportFormat) string {
	return fmt.Sprintf("version-%s.%s", strings.TrimSpace(versionID), format)
}

// runJob executes one background export end to end. Failures land on the
// job record; there is nothing to return to.
func (m *Manager) runJob(job domain.ExportJob) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.JobTimeout)
	defer cancel()

	job.Status = domain.ExportJobProcessing
	job.UpdatedAt = m.now()
	if err := m.jobs.UpdateJob(ctx, job); err != nil {
		m.logger.Error("mark export processing failed", "job_id", job.ID, "error", err)
		return
	}

	pr, pw := io.Pipe()
	var rows int64
	go func() {
		n, err := m.WriteSnapshot(ctx, pw, job.VersionID, job.Format, func(done int64) {
			progress := job
			progress.ProcessedRows = done
			progress.UpdatedAt = m.now()
			if err := m.jobs.UpdateJob(ctx, progress); err != nil {
				m.logger.Warn("export progress update failed", "job_id", job.ID, "error", err)
			}
		})
		rows = n
		pw.CloseWithError(err)
	}()

	size, err := m.store.Put(ctx, job.ObjectKey, ContentType(job.Format), pr, -1)
	now := m.now()
	if err != nil {
		// Unblock the snapshot goroutine; pipe writes outlive the upload
		// otherwise.
		pr.CloseWithError(err)
		job.Status = domain.ExportJobFailed
		job.ErrorMessage = err.Error()
		m.logger.Error("export job failed", "job_id", job.ID, "version_id", job.VersionID, "error", err)
	} else {
		job.Status = domain.ExportJobCompleted
		job.ProcessedRows = rows
		job.FileSize = size
		job.ErrorMessage = ""
		job.CompletedAt = &now
	}
	job.UpdatedAt = now
	if err := m.jobs.UpdateJob(ctx, job); err != nil {
		m.logger.Error("finalize export job failed", "job_id", job.ID, "error", err)
		return
	}
	if m.collect != nil {
		m.collect.ExportJobs.WithLabelValues(string(job.Format), string(job.Status)).Inc()
	}
}

// Status fetches one export job.
func (m *Manager) Status(ctx context.Context, jobID string) (domain.ExportJob, error) {
	return m.jobs.GetJob(ctx, jobID)
}

// Open returns the stored snapshot of a completed job. The caller closes
// the reader.
func (m *Manager) Open(ctx context.Context, jobID string) (domain.ExportJob, io.ReadCloser, error) {
	job, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		return domain.ExportJob{}, nil, err
	}
	if job.Status != domain.ExportJobCompleted {
		return job, nil, fmt.Errorf("%w: status is %s", ErrJobNotReady, job.Status)
	}
	rc, err := m.store.Get(ctx, job.ObjectKey)
	if err != nil {
		return job, nil, fmt.Errorf("open export object: %w", err)
	}
	return job, rc, nil
}
