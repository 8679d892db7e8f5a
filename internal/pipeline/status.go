package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/domain"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/eventbus"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/repo"
)

// ResourceReport is one worker-reported outcome for one resource of one
// build. OutcomeID makes replays explicit: the same outcome id applied twice
// is a no-op.
type ResourceReport struct {
	OutcomeID string
	BuildID   string
	Resource  domain.ResourceKind
	// Status is completed, missing or failed. A bare failed is classified
	// by error message into retryable vs permanent.
	Status string
	Error  string
}

// ProcessingReport is one worker-reported feature-extraction outcome.
type ProcessingReport struct {
	OutcomeID string
	BuildID   string
	Status    string // processed or failed
	Error     string
}

// ItemStatusStore applies worker outcomes to build items. Mutations are
// serialized per item; distinct items proceed in parallel. A status event is
// emitted only when the item's roll-up actually changes, not on every
// resource update.
type ItemStatusStore struct {
	logger *slog.Logger
	items  repo.BuildItemRepository
	stage  *StageMachine
	broker *eventbus.Broker
	locks  *keyedMutex
	now    func() time.Time
}

func NewItemStatusStore(logger *slog.Logger, items repo.BuildItemRepository, stage *StageMachine, broker *eventbus.Broker) *ItemStatusStore {
	return &ItemStatusStore{
		logger: logger,
		items:  items,
		stage:  stage,
		broker: broker,
		locks:  newKeyedMutex(0),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ReportResourceOutcome applies one resource outcome. Unknown build ids are
// logged and dropped, never an error: workers may report after an item was
// cancelled out from under them.
func (s *ItemStatusStore) ReportResourceOutcome(ctx context.Context, report ResourceReport) error {
	if strings.TrimSpace(report.BuildID) == "" {
		return errors.New("build id is required")
	}
	if report.Resource == "" {
		return errors.New("resource kind is required")
	}

	probe, err := s.items.GetItemByBuildID(ctx, report.BuildID)
	if errors.Is(err, repo.ErrNotFound) {
		s.logger.Warn("outcome for unknown build", "build_id", report.BuildID, "resource", report.Resource)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load item: %w", err)
	}

	unlock := s.locks.Lock("item:" + probe.ID)
	defer unlock()

	// Reload under the lock; the probe may be stale.
	item, err := s.items.GetItem(ctx, probe.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.logger.Warn("item vanished before outcome applied", "item_id", probe.ID)
			return nil
		}
		return fmt.Errorf("load item: %w", err)
	}

	slot := item.Resource(report.Resource)
	if slot == nil {
		return fmt.Errorf("unknown resource kind %q", report.Resource)
	}
	if report.OutcomeID != "" && slot.LastOutcomeID == report.OutcomeID {
		return nil
	}

	prev := item.Status
	switch strings.ToLower(strings.TrimSpace(report.Status)) {
	case "completed", "ok", "success":
		slot.State = domain.ResourceCompleted
		slot.Error = ""
	case "missing", "missing_resource":
		slot.State = domain.ResourceMissing
		slot.Error = report.Error
	case "failed", "error":
		slot.Attempts++
		slot.Error = report.Error
		if Classify(report.Error) == FailurePermanent {
			slot.State = domain.ResourceMissing
		} else {
			slot.State = domain.ResourceFailed
		}
	default:
		return fmt.Errorf("unknown outcome status %q", report.Status)
	}
	slot.LastOutcomeID = report.OutcomeID
	slot.UpdatedAt = s.now()

	item.Status = item.Rollup()
	if err := s.items.UpdateItem(ctx, item); err != nil {
		return fmt.Errorf("persist item: %w", err)
	}

	if item.Status != prev {
		s.broker.Publish(
			eventbus.VersionTopic(item.VersionID),
			eventbus.NewIngestionBuildUpdate(report.Resource, item.Status, []string{item.BuildID}),
		)
		if err := s.stage.Recompute(ctx, item.VersionID); err != nil {
			return err
		}
	}
	return nil
}

// MarkFetched records that a worker claimed the build. Only meaningful from
// pending; anything further along keeps its status.
func (s *ItemStatusStore) MarkFetched(ctx context.Context, buildID string) error {
	probe, err := s.items.GetItemByBuildID(ctx, buildID)
	if errors.Is(err, repo.ErrNotFound) {
		s.logger.Warn("fetch claim for unknown build", "build_id", buildID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load item: %w", err)
	}

	unlock := s.locks.Lock("item:" + probe.ID)
	defer unlock()

	item, err := s.items.GetItem(ctx, probe.ID)
	if err != nil {
		return fmt.Errorf("load item: %w", err)
	}
	if item.Status != domain.ItemPending {
		return nil
	}
	item.Status = domain.ItemFetched
	if err := s.items.UpdateItem(ctx, item); err != nil {
		return fmt.Errorf("persist item: %w", err)
	}
	s.broker.Publish(
		eventbus.VersionTopic(item.VersionID),
		eventbus.NewIngestionBuildUpdate("", item.Status, []string{item.BuildID}),
	)
	return nil
}

// ReportProcessingOutcome applies one feature-extraction outcome.
func (s *ItemStatusStore) ReportProcessingOutcome(ctx context.Context, report ProcessingReport) error {
	if strings.TrimSpace(report.BuildID) == "" {
		return errors.New("build id is required")
	}

	probe, err := s.items.GetItemByBuildID(ctx, report.BuildID)
	if errors.Is(err, repo.ErrNotFound) {
		s.logger.Warn("processing outcome for unknown build", "build_id", report.BuildID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load item: %w", err)
	}

	unlock := s.locks.Lock("item:" + probe.ID)
	defer unlock()

	item, err := s.items.GetItem(ctx, probe.ID)
	if err != nil {
		return fmt.Errorf("load item: %w", err)
	}

	if report.OutcomeID != "" && item.ProcessingOutcomeID == report.OutcomeID {
		return nil
	}

	var next domain.ProcessingState
	switch strings.ToLower(strings.TrimSpace(report.Status)) {
	case "processed", "completed", "ok", "success":
		next = domain.ProcessingDone
	case "failed", "error":
		next = domain.ProcessingFailed
	default:
		return fmt.Errorf("unknown processing status %q", report.Status)
	}
	if item.ProcessingState == next && item.ProcessingError == report.Error {
		return nil
	}
	item.ProcessingState = next
	item.ProcessingError = report.Error
	item.ProcessingOutcomeID = report.OutcomeID
	if err := s.items.UpdateItem(ctx, item); err != nil {
		return fmt.Errorf("persist item: %w", err)
	}
	return s.stage.Recompute(ctx, item.VersionID)
}

// Get returns the current item for an external status query.
func (s *ItemStatusStore) Get(ctx context.Context, itemID string) (domain.ImportBuildItem, error) {
	return s.items.GetItem(ctx, itemID)
}
