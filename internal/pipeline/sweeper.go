package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/platform/metrics"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/repo"
)

// Sweeper periodically fails scans stuck in pending_callback past the
// callback SLA. Timed-out scans flow through the normal outcome path, so
// they get the same retry budget and events as a tool-reported failure.
type Sweeper struct {
	logger  *slog.Logger
	scans   repo.ScanRepository
	dedup   *DedupIndex
	collect *metrics.Collector

	interval time.Duration
	sla      time.Duration
	batch    int
	now      func() time.Time
}

func NewSweeper(logger *slog.Logger, scans repo.ScanRepository, dedup *DedupIndex, collect *metrics.Collector, interval, sla time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if sla <= 0 {
		sla = 30 * time.Minute
	}
	return &Sweeper{
		logger:   logger,
		scans:    scans,
		dedup:    dedup,
		collect:  collect,
		interval: interval,
		sla:      sla,
		batch:    200,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("callback sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs a single pass and reports timeouts for every stale scan found.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := s.now().Add(-s.sla)
	stale, err := s.scans.ListStaleCallbacks(ctx, cutoff, s.batch)
	if err != nil {
		return err
	}
	if s.collect != nil {
		s.collect.SweepsRun.Inc()
	}
	for _, scan := range stale {
		err := s.dedup.ReportScanOutcome(ctx, ScanReport{
			DatasetID: scan.DatasetID,
			Key:       scan.Key,
			Status:    "failed",
			Error:     "callback timeout: no result within " + s.sla.String(),
		})
		if err != nil {
			s.logger.Error("timeout report failed", "scan_id", scan.ID, "error", err)
			continue
		}
		if s.collect != nil {
			s.collect.ScansTimedOut.Inc()
		}
		s.logger.Warn("scan callback timed out",
			"scan_id", scan.ID, "tool", scan.Key.Tool, "commit_sha", scan.Key.CommitSHA)
	}
	return nil
}
