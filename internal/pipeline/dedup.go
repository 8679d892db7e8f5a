package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/domain"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/eventbus"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/platform/metrics"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/repo"
)

// ScanRequester hands a commit scan to the external tool. The actual
// scanning is out of process; only status and retry bookkeeping live here.
type ScanRequester interface {
	RequestScan(ctx context.Context, scan domain.CommitScan) error
}

// EnsureScanRequest subscribes one build item to the shared scan for its
// commit under one tool configuration.
type EnsureScanRequest struct {
	DatasetID string
	Key       domain.ScanKey
	ItemID    string
}

// ScanReport is an outcome posted by a scanning tool, possibly long after
// the originating request and out of order relative to other commits.
type ScanReport struct {
	DatasetID string
	Key       domain.ScanKey
	// Status is completed, failed, scanning or pending_callback.
	Status  string
	Error   string
	Metrics map[string]float64
}

// DedupIndex maps (tool, commit, config fingerprint) onto one shared
// CommitScan and that scan onto its dependent builds. The scan executes at
// most once per key no matter how many builds reference the commit.
type DedupIndex struct {
	logger    *slog.Logger
	scans     repo.ScanRepository
	broker    *eventbus.Broker
	requester ScanRequester
	collect   *metrics.Collector
	locks     *keyedMutex

	retryCeiling int
	now          func() time.Time
}

func NewDedupIndex(logger *slog.Logger, scans repo.ScanRepository, broker *eventbus.Broker, requester ScanRequester, collect *metrics.Collector, retryCeiling int) *DedupIndex {
	if retryCeiling <= 0 {
		retryCeiling = 3
	}
	return &DedupIndex{
		logger:       logger,
		scans:        scans,
		broker:       broker,
		requester:    requester,
		collect:      collect,
		locks:        newKeyedMutex(0),
		retryCeiling: retryCeiling,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (d *DedupIndex) scanLockKey(datasetID string, key domain.ScanKey) string {
	return "scan:" + datasetID + ":" + key.String()
}

// EnsureScan returns the shared scan for the request's key, creating and
// dispatching it on first reference. Later callers only join the dependent
// set; no second scan is issued.
func (d *DedupIndex) EnsureScan(ctx context.Context, req EnsureScanRequest) (domain.CommitScan, error) {
	if err := req.Key.Validate(); err != nil {
		return domain.CommitScan{}, err
	}
	if strings.TrimSpace(req.DatasetID) == "" {
		return domain.CommitScan{}, errors.New("dataset id is required")
	}
	if strings.TrimSpace(req.ItemID) == "" {
		return domain.CommitScan{}, errors.New("item id is required")
	}

	unlock := d.locks.Lock(d.scanLockKey(req.DatasetID, req.Key))
	defer unlock()

	created := false
	scan, err := d.scans.GetScanByKey(ctx, req.DatasetID, req.Key)
	if errors.Is(err, repo.ErrNotFound) {
		scan = domain.CommitScan{
			ID:          uuid.NewString(),
			DatasetID:   req.DatasetID,
			Key:         req.Key,
			Status:      domain.ScanPending,
			RequestedAt: d.now(),
			UpdatedAt:   d.now(),
		}
		if err := d.scans.CreateScan(ctx, scan); err != nil {
			return domain.CommitScan{}, fmt.Errorf("create scan: %w", err)
		}
		created = true
	} else if err != nil {
		return domain.CommitScan{}, fmt.Errorf("load scan: %w", err)
	}

	if err := d.scans.AddScanBuild(ctx, scan.ID, req.ItemID); err != nil {
		return domain.CommitScan{}, err
	}
	builds, err := d.scans.ListScanBuilds(ctx, scan.ID)
	if err != nil {
		return domain.CommitScan{}, err
	}
	if len(builds) != scan.BuildsAffected {
		scan.BuildsAffected = len(builds)
		if err := d.scans.UpdateScan(ctx, scan); err != nil {
			return domain.CommitScan{}, err
		}
	}

	if created {
		if d.collect != nil {
			d.collect.ScansRequested.Inc()
		}
		scan = d.dispatch(ctx, scan)
	} else if d.collect != nil {
		d.collect.ScansDeduped.Inc()
	}

	d.broker.Publish(eventbus.DatasetTopic(req.DatasetID), eventbus.NewScanUpdate(scan))
	return scan, nil
}

// dispatch hands the scan to the tool and marks it scanning. Dispatch
// failures leave the scan pending; the reconciliation sweep or a retry
// picks it up again.
func (d *DedupIndex) dispatch(ctx context.Context, scan domain.CommitScan) domain.CommitScan {
	if d.requester == nil {
		return scan
	}
	if err := d.requester.RequestScan(ctx, scan); err != nil {
		d.logger.Error("scan dispatch failed", "scan_id", scan.ID, "tool", scan.Key.Tool, "error", err)
		return scan
	}
	now := d.now()
	scan.Status = domain.ScanScanning
	scan.StartedAt = &now
	scan.UpdatedAt = now
	if err := d.scans.UpdateScan(ctx, scan); err != nil {
		d.logger.Error("mark scan scanning failed", "scan_id", scan.ID, "error", err)
	}
	return scan
}

// ReportScanOutcome applies a tool-reported outcome to the shared scan.
// Terminal scans ignore further reports, which both makes replays safe and
// guarantees the outcome is broadcast to dependents exactly once.
func (d *DedupIndex) ReportScanOutcome(ctx context.Context, report ScanReport) error {
	if err := report.Key.Validate(); err != nil {
		return err
	}

	unlock := d.locks.Lock(d.scanLockKey(report.DatasetID, report.Key))
	defer unlock()

	scan, err := d.scans.GetScanByKey(ctx, report.DatasetID, report.Key)
	if errors.Is(err, repo.ErrNotFound) {
		d.logger.Warn("outcome for unknown scan",
			"dataset_id", report.DatasetID, "tool", report.Key.Tool, "commit_sha", report.Key.CommitSHA)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load scan: %w", err)
	}
	if scan.Status.Terminal() {
		return nil
	}

	now := d.now()
	exhausted := false
	switch strings.ToLower(strings.TrimSpace(report.Status)) {
	case "completed", "ok", "success":
		scan.Status = domain.ScanCompleted
		scan.CompletedAt = &now
		scan.ErrorMessage = ""
		if len(report.Metrics) > 0 {
			scan.Metrics = report.Metrics
		}
	case "scanning", "started":
		scan.Status = domain.ScanScanning
		if scan.StartedAt == nil {
			scan.StartedAt = &now
		}
	case "pending_callback", "partial", "accepted":
		scan.Status = domain.ScanPendingCallback
		if scan.StartedAt == nil {
			scan.StartedAt = &now
		}
	case "failed", "error":
		scan.ErrorMessage = report.Error
		if Classify(report.Error) == FailurePermanent || scan.RetryCount >= d.retryCeiling {
			scan.Status = domain.ScanFailed
			scan.CompletedAt = &now
			exhausted = true
		} else {
			scan.RetryCount++
			scan.Status = domain.ScanPending
			scan.StartedAt = nil
		}
	default:
		return fmt.Errorf("unknown scan status %q", report.Status)
	}
	scan.UpdatedAt = now

	if err := d.scans.UpdateScan(ctx, scan); err != nil {
		return fmt.Errorf("persist scan: %w", err)
	}

	if scan.Status == domain.ScanPending {
		scan = d.dispatch(ctx, scan)
	}

	d.broker.Publish(eventbus.DatasetTopic(scan.DatasetID), eventbus.NewScanUpdate(scan))
	if exhausted {
		if d.collect != nil {
			d.collect.RetriesExhausted.Inc()
		}
		d.broker.Publish(eventbus.DatasetTopic(scan.DatasetID), eventbus.NewScanError(scan))
	}
	return nil
}

// CancelScan aborts an in-flight scan and releases its dependents: the scan
// leaves every pending bucket so no dependent build waits on it forever.
func (d *DedupIndex) CancelScan(ctx context.Context, scanID string) (domain.CommitScan, error) {
	probe, err := d.scans.GetScan(ctx, scanID)
	if err != nil {
		return domain.CommitScan{}, err
	}

	unlock := d.locks.Lock(d.scanLockKey(probe.DatasetID, probe.Key))
	defer unlock()

	scan, err := d.scans.GetScan(ctx, scanID)
	if err != nil {
		return domain.CommitScan{}, err
	}
	if scan.Status.Terminal() {
		return scan, nil
	}

	now := d.now()
	scan.Status = domain.ScanCancelled
	scan.CompletedAt = &now
	scan.UpdatedAt = now
	if err := d.scans.UpdateScan(ctx, scan); err != nil {
		return domain.CommitScan{}, fmt.Errorf("persist scan: %w", err)
	}
	d.broker.Publish(eventbus.DatasetTopic(scan.DatasetID), eventbus.NewScanUpdate(scan))
	return scan, nil
}

// DatasetScanAggregate derives the (dataset, tool) aggregate from a full
// scan snapshot.
func (d *DedupIndex) DatasetScanAggregate(ctx context.Context, datasetID, tool string) (domain.DatasetScan, error) {
	agg := domain.DatasetScan{DatasetID: datasetID, Tool: tool}
	offset := 0
	for {
		page, err := d.scans.ListScans(ctx, repo.ScanFilter{
			DatasetID: datasetID,
			Tool:      tool,
			Limit:     500,
			Offset:    offset,
		})
		if err != nil {
			return domain.DatasetScan{}, err
		}
		if len(page) == 0 {
			return agg, nil
		}
		partial := domain.DeriveDatasetScan(datasetID, tool, page)
		agg.TotalCommits += partial.TotalCommits
		agg.ScannedCommits += partial.ScannedCommits
		agg.FailedCommits += partial.FailedCommits
		agg.PendingCommits += partial.PendingCommits
		offset += len(page)
	}
}
