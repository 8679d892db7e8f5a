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
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/scantool"
)

// Config tunes the pipeline. Zero values fall back to the defaults below.
type Config struct {
	// RetryCeiling bounds retries per build item.
	RetryCeiling int
	// ScanRetryCeiling bounds automatic re-requests per commit scan.
	ScanRetryCeiling int
	// CallbackSLA is how long a scan may sit in pending_callback before the
	// sweeper fails it.
	CallbackSLA time.Duration
	// SweepInterval is how often the callback sweeper runs.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = 3
	}
	if c.ScanRetryCeiling <= 0 {
		c.ScanRetryCeiling = 3
	}
	if c.CallbackSLA <= 0 {
		c.CallbackSLA = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

// Tracker wires the pipeline components over one repository set and one
// event broker. It is the single entry point the HTTP layer talks to.
type Tracker struct {
	logger   *slog.Logger
	versions repo.VersionRepository
	items    repo.BuildItemRepository
	scans    repo.ScanRepository
	broker   *eventbus.Broker
	collect  *metrics.Collector

	Stage   *StageMachine
	Status  *ItemStatusStore
	Dedup   *DedupIndex
	Retry   *RetryCoordinator
	Sweeper *Sweeper

	ingest IngestDispatcher
	now    func() time.Time
}

func NewTracker(
	logger *slog.Logger,
	versions repo.VersionRepository,
	items repo.BuildItemRepository,
	scans repo.ScanRepository,
	broker *eventbus.Broker,
	requester ScanRequester,
	ingest IngestDispatcher,
	collect *metrics.Collector,
	cfg Config,
) *Tracker {
	cfg = cfg.withDefaults()

	stage := NewStageMachine(logger, versions, items, broker)
	status := NewItemStatusStore(logger, items, stage, broker)
	dedup := NewDedupIndex(logger, scans, broker, requester, collect, cfg.ScanRetryCeiling)
	retry := NewRetryCoordinator(logger, items, stage, broker, ingest, collect, cfg.RetryCeiling)
	// Item mutations from outcomes and from retries must serialize on the
	// same stripes.
	retry.locks = status.locks
	sweeper := NewSweeper(logger, scans, dedup, collect, cfg.SweepInterval, cfg.CallbackSLA)

	return &Tracker{
		logger:   logger,
		versions: versions,
		items:    items,
		scans:    scans,
		broker:   broker,
		collect:  collect,
		Stage:    stage,
		Status:   status,
		Dedup:    dedup,
		Retry:    retry,
		Sweeper:  sweeper,
		ingest:   ingest,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// LaunchBuild is one build of a launch request.
type LaunchBuild struct {
	BuildID   string `json:"build_id"`
	CommitSHA string `json:"commit_sha"`
}

// LaunchRequest creates a dataset version and starts ingesting its builds.
type LaunchRequest struct {
	DatasetID        string
	Builds           []LaunchBuild
	SelectedFeatures []string
	ScanSpecs        []scantool.Spec
	CreatedBy        string
}

func (r LaunchRequest) validate() error {
	if strings.TrimSpace(r.DatasetID) == "" {
		return errors.New("dataset id is required")
	}
	if len(r.Builds) == 0 {
		return errors.New("at least one build is required")
	}
	seen := make(map[string]struct{}, len(r.Builds))
	for _, b := range r.Builds {
		if strings.TrimSpace(b.BuildID) == "" || strings.TrimSpace(b.CommitSHA) == "" {
			return errors.New("every build needs a build id and a commit sha")
		}
		if _, dup := seen[b.BuildID]; dup {
			return fmt.Errorf("duplicate build id %q", b.BuildID)
		}
		seen[b.BuildID] = struct{}{}
	}
	return nil
}

// LaunchVersion creates the version and its items, registers one shared
// scan per distinct (tool, commit, config) and dispatches fetch work for
// every resource of every item.
func (t *Tracker) LaunchVersion(ctx context.Context, req LaunchRequest) (domain.Version, error) {
	if err := req.validate(); err != nil {
		return domain.Version{}, err
	}

	now := t.now()
	version := domain.Version{
		ID:               uuid.NewString(),
		DatasetID:        req.DatasetID,
		Status:           domain.VersionIngesting,
		BuildsTotal:      len(req.Builds),
		BuildsPending:    len(req.Builds),
		SelectedFeatures: req.SelectedFeatures,
		CreatedAt:        now,
		UpdatedAt:        now,
		CreatedBy:        req.CreatedBy,
	}
	if err := t.versions.CreateVersion(ctx, version); err != nil {
		return domain.Version{}, fmt.Errorf("create version: %w", err)
	}

	items := make([]domain.ImportBuildItem, 0, len(req.Builds))
	for _, b := range req.Builds {
		item := domain.ImportBuildItem{
			ID:        uuid.NewString(),
			VersionID: version.ID,
			BuildID:   b.BuildID,
			CommitSHA: b.CommitSHA,
			Status:    domain.ItemPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		for _, kind := range domain.ResourceKinds {
			item.Resource(kind).State = domain.ResourcePending
			item.Resource(kind).UpdatedAt = now
		}
		items = append(items, item)
	}
	if err := t.items.CreateItems(ctx, items); err != nil {
		return domain.Version{}, fmt.Errorf("create items: %w", err)
	}

	for _, spec := range req.ScanSpecs {
		fingerprint, err := spec.Fingerprint()
		if err != nil {
			return domain.Version{}, fmt.Errorf("fingerprint %s spec: %w", spec.Tool, err)
		}
		for _, item := range items {
			_, err := t.Dedup.EnsureScan(ctx, EnsureScanRequest{
				DatasetID: req.DatasetID,
				Key: domain.ScanKey{
					Tool:              spec.Tool,
					CommitSHA:         item.CommitSHA,
					ConfigFingerprint: fingerprint,
				},
				ItemID: item.ID,
			})
			if err != nil {
				return domain.Version{}, fmt.Errorf("register scan for %s: %w", item.BuildID, err)
			}
		}
	}

	if t.ingest != nil {
		for _, item := range items {
			if err := t.ingest.DispatchIngest(ctx, item, domain.ResourceKinds[:], nil); err != nil {
				t.logger.Error("ingest dispatch failed", "item_id", item.ID, "error", err)
			}
		}
	}

	t.broker.Publish(eventbus.VersionTopic(version.ID), eventbus.NewEnrichmentUpdate(version))
	t.broker.Publish(eventbus.DatasetTopic(version.DatasetID), eventbus.NewEnrichmentUpdate(version))
	return version, nil
}

// CancelItem marks one non-terminal item cancelled and recomputes the
// version aggregate. Workers may still report outcomes afterwards; those
// land as no-ops.
func (t *Tracker) CancelItem(ctx context.Context, itemID string) (domain.ImportBuildItem, error) {
	unlock := t.Status.locks.Lock("item:" + itemID)
	defer unlock()

	item, err := t.items.GetItem(ctx, itemID)
	if err != nil {
		return domain.ImportBuildItem{}, err
	}
	if item.Status.Terminal() {
		return item, nil
	}
	item.Status = domain.ItemCancelled
	item.UpdatedAt = t.now()
	if err := t.items.UpdateItem(ctx, item); err != nil {
		return domain.ImportBuildItem{}, fmt.Errorf("persist item: %w", err)
	}
	if err := t.Stage.Recompute(ctx, item.VersionID); err != nil {
		t.logger.Error("recompute after cancel failed", "version_id", item.VersionID, "error", err)
	}
	return item, nil
}
