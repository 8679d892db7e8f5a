package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/domain"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/eventbus"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/platform/metrics"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/repo"
)

var (
	// ErrRetryLimitReached rejects a retry for an item already at the ceiling.
	ErrRetryLimitReached = errors.New("retry limit reached")
	// ErrNotRetryable rejects a retry for an item that is not in a failed state.
	ErrNotRetryable = errors.New("item is not retryable")
)

// IngestDispatcher re-enqueues fetch work for the resources of one build
// item. Fetch execution happens in external workers. A non-nil override
// replaces the worker's default fetch configuration for this attempt only.
type IngestDispatcher interface {
	DispatchIngest(ctx context.Context, item domain.ImportBuildItem, kinds []domain.ResourceKind, override map[string]any) error
}

// RetryCoordinator re-runs failed build items. Only transiently failed
// items qualify; permanently missing resources stay missing and the retry
// ceiling bounds the total number of attempts per item.
type RetryCoordinator struct {
	logger     *slog.Logger
	items      repo.BuildItemRepository
	stage      *StageMachine
	broker     *eventbus.Broker
	dispatcher IngestDispatcher
	collect    *metrics.Collector
	locks      *keyedMutex

	ceiling int
	now     func() time.Time
}

func NewRetryCoordinator(logger *slog.Logger, items repo.BuildItemRepository, stage *StageMachine, broker *eventbus.Broker, dispatcher IngestDispatcher, collect *metrics.Collector, ceiling int) *RetryCoordinator {
	if ceiling <= 0 {
		ceiling = 3
	}
	return &RetryCoordinator{
		logger:     logger,
		items:      items,
		stage:      stage,
		broker:     broker,
		dispatcher: dispatcher,
		collect:    collect,
		locks:      newKeyedMutex(0),
		ceiling:    ceiling,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// RetryItem resets the failed resources of one item back to pending and
// re-dispatches their fetches. Completed resources keep their results. The
// optional override is forwarded to the workers for this attempt.
func (r *RetryCoordinator) RetryItem(ctx context.Context, itemID string, override map[string]any) (domain.ImportBuildItem, error) {
	unlock := r.locks.Lock("item:" + itemID)
	defer unlock()

	item, err := r.items.GetItem(ctx, itemID)
	if err != nil {
		return domain.ImportBuildItem{}, err
	}
	if item.Status != domain.ItemFailed {
		return domain.ImportBuildItem{}, fmt.Errorf("%w: status is %s", ErrNotRetryable, item.Status)
	}
	if item.RetryCount >= r.ceiling {
		if r.collect != nil {
			r.collect.RetriesExhausted.Inc()
		}
		return domain.ImportBuildItem{}, fmt.Errorf("%w: %d attempts used", ErrRetryLimitReached, item.RetryCount)
	}

	now := r.now()
	var kinds []domain.ResourceKind
	for _, kind := range domain.ResourceKinds {
		res := item.Resource(kind)
		if res.State != domain.ResourceFailed {
			continue
		}
		res.State = domain.ResourcePending
		res.Error = ""
		res.UpdatedAt = now
		kinds = append(kinds, kind)
	}
	if len(kinds) == 0 {
		return domain.ImportBuildItem{}, fmt.Errorf("%w: no failed resources", ErrNotRetryable)
	}

	item.RetryCount++
	item.Status = item.Rollup()
	item.UpdatedAt = now
	if err := r.items.UpdateItem(ctx, item); err != nil {
		return domain.ImportBuildItem{}, fmt.Errorf("persist item: %w", err)
	}
	if r.collect != nil {
		r.collect.RetriesStarted.Inc()
	}

	for _, kind := range kinds {
		r.broker.Publish(eventbus.VersionTopic(item.VersionID),
			eventbus.NewIngestionBuildUpdate(kind, item.Status, []string{item.BuildID}))
	}
	if err := r.stage.Recompute(ctx, item.VersionID); err != nil {
		r.logger.Error("recompute after retry failed", "version_id", item.VersionID, "error", err)
	}

	if r.dispatcher != nil {
		if err := r.dispatcher.DispatchIngest(ctx, item, kinds, override); err != nil {
			r.logger.Error("retry dispatch failed", "item_id", item.ID, "error", err)
		}
	}
	return item, nil
}

// RetryAllResult reports how a bulk retry went. Skipped counts items that
// were at the ceiling or no longer failed by the time they were reached.
type RetryAllResult struct {
	Retried int `json:"retried"`
	Skipped int `json:"skipped"`
}

// RetryAll retries every transiently failed item of a version. The failed
// set is snapshotted first; items that move concurrently are skipped, not
// errors. Items failed on permanently missing resources are excluded.
func (r *RetryCoordinator) RetryAll(ctx context.Context, versionID string) (RetryAllResult, error) {
	var ids []string
	offset := 0
	for {
		page, err := r.items.ListItems(ctx, repo.ItemFilter{
			VersionID: versionID,
			Status:    domain.ItemFailed,
			Limit:     500,
			Offset:    offset,
		})
		if err != nil {
			return RetryAllResult{}, err
		}
		if len(page) == 0 {
			break
		}
		for _, item := range page {
			ids = append(ids, item.ID)
		}
		offset += len(page)
	}

	var result RetryAllResult
	for _, id := range ids {
		if _, err := r.RetryItem(ctx, id, nil); err != nil {
			if errors.Is(err, ErrRetryLimitReached) || errors.Is(err, ErrNotRetryable) || errors.Is(err, repo.ErrNotFound) {
				result.Skipped++
				continue
			}
			return result, err
		}
		result.Retried++
	}
	return result, nil
}
