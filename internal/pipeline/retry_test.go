package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/domain"
)

func newRetryRig(t *testing.T, ceiling int) (*rig, *RetryCoordinator, *fakeDispatcher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := newRig()
	dispatcher := newFakeDispatcher()
	coordinator := NewRetryCoordinator(logger, r.items, r.stage, r.broker, dispatcher, nil, ceiling)
	coordinator.locks = r.status.locks
	return r, coordinator, dispatcher
}

// failResource reports a retryable failure for one resource of an item.
func failResource(t *testing.T, r *rig, item domain.ImportBuildItem, kind domain.ResourceKind) {
	t.Helper()
	err := r.status.ReportResourceOutcome(context.Background(), ResourceReport{
		OutcomeID: item.ID + "-fail-" + string(kind),
		BuildID:   item.BuildID,
		Resource:  kind,
		Status:    "failed",
		Error:     "connection reset",
	})
	if err != nil {
		t.Fatalf("fail %s/%s: %v", item.BuildID, kind, err)
	}
}

func TestRetryItem_ResetsOnlyFailedResources(t *testing.T) {
	r, coordinator, dispatcher := newRetryRig(t, 3)
	items := r.seedVersion(t, "v1", 1)
	ctx := context.Background()

	for _, kind := range []domain.ResourceKind{domain.ResourceGitHistory, domain.ResourceGitWorktree} {
		err := r.status.ReportResourceOutcome(ctx, ResourceReport{
			OutcomeID: "ok-" + string(kind),
			BuildID:   items[0].BuildID,
			Resource:  kind,
			Status:    "completed",
		})
		if err != nil {
			t.Fatalf("complete %s: %v", kind, err)
		}
	}
	failResource(t, r, items[0], domain.ResourceBuildLogs)

	item, err := coordinator.RetryItem(ctx, items[0].ID, nil)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}

	if item.GitHistory.State != domain.ResourceCompleted || item.GitWorktree.State != domain.ResourceCompleted {
		t.Fatalf("completed resources were reset: %+v", item)
	}
	if item.BuildLogs.State != domain.ResourcePending {
		t.Fatalf("build logs state = %s, want pending", item.BuildLogs.State)
	}
	if item.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", item.RetryCount)
	}
	if item.Status != domain.ItemIngesting {
		t.Fatalf("status = %s, want ingesting with two resources done", item.Status)
	}

	kinds := dispatcher.calls[item.ID]
	if len(kinds) != 1 || kinds[0] != domain.ResourceBuildLogs {
		t.Fatalf("dispatched kinds = %v, want only build_logs", kinds)
	}
}

func TestRetryItem_ForwardsConfigOverride(t *testing.T) {
	r, coordinator, dispatcher := newRetryRig(t, 3)
	items := r.seedVersion(t, "v1", 1)
	ctx := context.Background()

	failResource(t, r, items[0], domain.ResourceBuildLogs)

	override := map[string]any{"log_source": "archive"}
	if _, err := coordinator.RetryItem(ctx, items[0].ID, override); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got := dispatcher.overrides[items[0].ID]
	if got == nil || got["log_source"] != "archive" {
		t.Fatalf("dispatched override = %v, want log_source=archive", got)
	}
}

func TestRetryItem_DecrementsFailedCounterOnce(t *testing.T) {
	r, coordinator, _ := newRetryRig(t, 3)
	items := r.seedVersion(t, "v1", 1)
	ctx := context.Background()

	failResource(t, r, items[0], domain.ResourceGitHistory)
	version, _ := r.versions.GetVersion(ctx, "v1")
	if version.BuildsIngestionFailed != 1 {
		t.Fatalf("failed counter = %d, want 1", version.BuildsIngestionFailed)
	}

	if _, err := coordinator.RetryItem(ctx, items[0].ID, nil); err != nil {
		t.Fatalf("retry: %v", err)
	}
	item, _ := r.items.GetItem(ctx, items[0].ID)
	r.completeItem(t, item)

	version, _ = r.versions.GetVersion(ctx, "v1")
	if version.BuildsIngestionFailed != 0 {
		t.Fatalf("failed counter = %d after recovery, want 0", version.BuildsIngestionFailed)
	}
	if version.BuildsIngested != 1 {
		t.Fatalf("ingested counter = %d, want 1", version.BuildsIngested)
	}
	if err := version.CheckCounters(); err != nil {
		t.Fatalf("counter invariant broken: %v", err)
	}
}

func TestRetryItem_CeilingRejected(t *testing.T) {
	r, coordinator, _ := newRetryRig(t, 1)
	items := r.seedVersion(t, "v1", 1)
	ctx := context.Background()

	failResource(t, r, items[0], domain.ResourceGitHistory)
	if _, err := coordinator.RetryItem(ctx, items[0].ID, nil); err != nil {
		t.Fatalf("first retry: %v", err)
	}
	failResource(t, r, items[0], domain.ResourceGitHistory)

	_, err := coordinator.RetryItem(ctx, items[0].ID, nil)
	if !errors.Is(err, ErrRetryLimitReached) {
		t.Fatalf("err = %v, want ErrRetryLimitReached", err)
	}
}

func TestRetryItem_MissingResourceNotRetryable(t *testing.T) {
	r, coordinator, _ := newRetryRig(t, 3)
	items := r.seedVersion(t, "v1", 1)
	ctx := context.Background()

	err := r.status.ReportResourceOutcome(ctx, ResourceReport{
		OutcomeID: "gone",
		BuildID:   items[0].BuildID,
		Resource:  domain.ResourceBuildLogs,
		Status:    "missing",
		Error:     "logs expired",
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	_, err = coordinator.RetryItem(ctx, items[0].ID, nil)
	if !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("err = %v, want ErrNotRetryable for missing_resource", err)
	}
}

func TestRetryAll_CountsRetriedAndSkipped(t *testing.T) {
	r, coordinator, _ := newRetryRig(t, 1)
	items := r.seedVersion(t, "v1", 3)
	ctx := context.Background()

	// Two failed builds; one of them already used its retry budget.
	failResource(t, r, items[0], domain.ResourceGitHistory)
	failResource(t, r, items[1], domain.ResourceGitHistory)
	exhausted, _ := r.items.GetItem(ctx, items[1].ID)
	exhausted.RetryCount = 1
	if err := r.items.UpdateItem(ctx, exhausted); err != nil {
		t.Fatalf("seed retry count: %v", err)
	}
	r.completeItem(t, items[2])

	result, err := coordinator.RetryAll(ctx, "v1")
	if err != nil {
		t.Fatalf("retry all: %v", err)
	}
	if result.Retried != 1 || result.Skipped != 1 {
		t.Fatalf("result = %+v, want 1 retried 1 skipped", result)
	}
}
