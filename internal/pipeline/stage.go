package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/domain"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/eventbus"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/repo"
)

// ErrBarrierNotMet rejects a start-processing request while import builds
// are still in flight.
var ErrBarrierNotMet = errors.New("ingestion barrier not met")

// ErrNoProcessableBuilds rejects processing of a version whose ingestion
// produced nothing to process. Without it the version could never leave
// processing: the terminal check waits on outcomes no worker will report.
var ErrNoProcessableBuilds = errors.New("no ingested builds to process")

const maxRecomputeAttempts = 5

// StageMachine owns every mutation of a version's aggregate. It never
// mutates counters incrementally: each trigger recomputes the aggregate from
// a fresh item census and persists it under a revision compare-and-set, so
// two concurrent recomputes for the same version cannot lose updates.
type StageMachine struct {
	logger   *slog.Logger
	versions repo.VersionRepository
	items    repo.BuildItemRepository
	broker   *eventbus.Broker
}

func NewStageMachine(logger *slog.Logger, versions repo.VersionRepository, items repo.BuildItemRepository, broker *eventbus.Broker) *StageMachine {
	return &StageMachine{
		logger:   logger,
		versions: versions,
		items:    items,
		broker:   broker,
	}
}

// statusRank orders macro statuses so recompute never moves a version
// backwards: a retry that reopens pending items must not regress an
// ingested or processed version.
func statusRank(s domain.VersionStatus) int {
	switch s {
	case domain.VersionQueued:
		return 0
	case domain.VersionIngesting:
		return 1
	case domain.VersionIngested:
		return 2
	case domain.VersionProcessing:
		return 3
	case domain.VersionProcessed, domain.VersionFailed, domain.VersionCancelled:
		return 4
	default:
		return 0
	}
}

// deriveAggregate computes the next aggregate from the current version and
// an item census. Pure; the CAS loop owns persistence.
func deriveAggregate(version domain.Version, counts repo.ItemCounts) domain.Version {
	next := version

	pending := counts.ByStatus[domain.ItemPending] +
		counts.ByStatus[domain.ItemFetched] +
		counts.ByStatus[domain.ItemIngesting]
	ingested := counts.ByStatus[domain.ItemIngested]
	// Cancelled builds are permanently out of the run; they share the
	// permanently-unavailable bucket so every build stays accounted for.
	missing := counts.ByStatus[domain.ItemMissingResource] + counts.ByStatus[domain.ItemCancelled]
	failed := counts.ByStatus[domain.ItemFailed]

	next.BuildsPending = pending
	next.BuildsIngested = ingested
	next.BuildsMissingResource = missing
	next.BuildsIngestionFailed = failed
	next.BuildsProcessed = counts.Processed
	next.BuildsProcessingFailed = counts.ProcessingFailed

	switch version.Status {
	case domain.VersionQueued:
		if next.BuildsTotal > 0 {
			next.Status = domain.VersionIngesting
		}
		fallthrough
	case domain.VersionIngesting:
		// Barrier: every child must be terminal before the macro status
		// advances.
		if pending == 0 && next.BuildsTotal > 0 {
			if ingested == 0 && missing == 0 {
				next.Status = domain.VersionFailed
			} else {
				next.Status = domain.VersionIngested
			}
		}
	case domain.VersionProcessing:
		eligible := ingested
		if eligible > 0 && counts.Processed+counts.ProcessingFailed >= eligible {
			if counts.Processed == 0 {
				next.Status = domain.VersionFailed
			} else {
				next.Status = domain.VersionProcessed
			}
		}
	}

	if statusRank(next.Status) < statusRank(version.Status) {
		next.Status = version.Status
	}
	return next
}

func aggregateChanged(a, b domain.Version) bool {
	return a.Status != b.Status ||
		a.BuildsPending != b.BuildsPending ||
		a.BuildsIngested != b.BuildsIngested ||
		a.BuildsMissingResource != b.BuildsMissingResource ||
		a.BuildsIngestionFailed != b.BuildsIngestionFailed ||
		a.BuildsProcessed != b.BuildsProcessed ||
		a.BuildsProcessingFailed != b.BuildsProcessingFailed
}

// Recompute refreshes the version aggregate from an item snapshot. Safe to
// call concurrently and idempotent: an identical snapshot produces no write
// and no event.
func (m *StageMachine) Recompute(ctx context.Context, versionID string) error {
	for attempt := 0; attempt < maxRecomputeAttempts; attempt++ {
		version, err := m.versions.GetVersion(ctx, versionID)
		if err != nil {
			return fmt.Errorf("load version: %w", err)
		}
		if version.Status == domain.VersionCancelled {
			return nil
		}

		counts, err := m.items.CountItems(ctx, versionID)
		if err != nil {
			return fmt.Errorf("count items: %w", err)
		}

		next := deriveAggregate(version, counts)
		if !aggregateChanged(version, next) {
			return nil
		}
		if err := next.CheckCounters(); err != nil {
			return fmt.Errorf("derived aggregate for %s: %w", versionID, err)
		}

		err = m.versions.UpdateVersionAggregate(ctx, next, version.Revision)
		if errors.Is(err, repo.ErrRevisionConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("persist aggregate: %w", err)
		}

		if next.Status.Terminal() && !version.Status.Terminal() {
			if err := m.versions.ArchiveVersion(ctx, versionID, time.Now().UTC()); err != nil {
				m.logger.Error("archive version failed", "version_id", versionID, "error", err)
			}
		}

		m.broker.Publish(eventbus.VersionTopic(versionID), eventbus.NewEnrichmentUpdate(next))
		m.broker.Publish(eventbus.DatasetTopic(next.DatasetID), eventbus.NewEnrichmentUpdate(next))
		return nil
	}
	return fmt.Errorf("recompute for %s: %w", versionID, repo.ErrRevisionConflict)
}

// StartProcessing moves an ingested version into processing. Always an
// explicit operator action so ingestion results can be inspected first, and
// barrier-gated: any build still in flight rejects the request.
func (m *StageMachine) StartProcessing(ctx context.Context, versionID string) (domain.Version, error) {
	for attempt := 0; attempt < maxRecomputeAttempts; attempt++ {
		version, err := m.versions.GetVersion(ctx, versionID)
		if err != nil {
			return domain.Version{}, err
		}
		if version.Status != domain.VersionIngested {
			return domain.Version{}, fmt.Errorf("version is %s: %w", version.Status, ErrBarrierNotMet)
		}

		counts, err := m.items.CountItems(ctx, versionID)
		if err != nil {
			return domain.Version{}, fmt.Errorf("count items: %w", err)
		}
		inFlight := counts.ByStatus[domain.ItemPending] +
			counts.ByStatus[domain.ItemFetched] +
			counts.ByStatus[domain.ItemIngesting]
		if inFlight > 0 {
			return domain.Version{}, fmt.Errorf("%d builds still in flight: %w", inFlight, ErrBarrierNotMet)
		}
		if counts.ByStatus[domain.ItemIngested] == 0 {
			return domain.Version{}, ErrNoProcessableBuilds
		}

		next := version
		next.Status = domain.VersionProcessing
		err = m.versions.UpdateVersionAggregate(ctx, next, version.Revision)
		if errors.Is(err, repo.ErrRevisionConflict) {
			continue
		}
		if err != nil {
			return domain.Version{}, fmt.Errorf("persist aggregate: %w", err)
		}
		next.Revision = version.Revision + 1

		m.broker.Publish(eventbus.VersionTopic(versionID), eventbus.NewEnrichmentUpdate(next))
		m.broker.Publish(eventbus.DatasetTopic(next.DatasetID), eventbus.NewEnrichmentUpdate(next))
		return next, nil
	}
	return domain.Version{}, fmt.Errorf("start processing %s: %w", versionID, repo.ErrRevisionConflict)
}
