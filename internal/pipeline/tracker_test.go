package pipeline

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"testing"

	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/domain"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/eventbus"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/repo"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/scantool"
)

func newTrackerRig(t *testing.T) (*Tracker, *memVersions, *memItems, *memScans, *fakeRequester, *fakeDispatcher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	versions := newMemVersions()
	items := newMemItems()
	scans := newMemScans()
	broker := eventbus.NewBroker(32, nil)
	requester := &fakeRequester{}
	dispatcher := newFakeDispatcher()
	tracker := NewTracker(logger, versions, items, scans, broker, requester, dispatcher, nil, Config{})
	return tracker, versions, items, scans, requester, dispatcher
}

func TestLaunchVersion_SharesScansAcrossCommits(t *testing.T) {
	tracker, versions, items, scans, requester, dispatcher := newTrackerRig(t)
	ctx := context.Background()

	spec, err := scantool.ParseSpec([]byte("schema: tracker.scantool.v1\ntool: linter\nrulesets: [default]\n"))
	if err != nil {
		t.Fatalf("parse spec: %v", err)
	}

	builds := make([]LaunchBuild, 0, 10)
	commits := []string{"sha-a", "sha-b", "sha-c"}
	for i := 0; i < 10; i++ {
		builds = append(builds, LaunchBuild{
			BuildID:   "build-" + strconv.Itoa(i),
			CommitSHA: commits[i%3],
		})
	}

	version, err := tracker.LaunchVersion(ctx, LaunchRequest{
		DatasetID: "ds-1",
		Builds:    builds,
		ScanSpecs: []scantool.Spec{spec},
		CreatedBy: "tester",
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	stored, err := versions.GetVersion(ctx, version.ID)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if stored.Status != domain.VersionIngesting || stored.BuildsTotal != 10 || stored.BuildsPending != 10 {
		t.Fatalf("version = %+v, want ingesting with 10 pending builds", stored)
	}

	listed, err := items.ListItems(ctx, repo.ItemFilter{VersionID: version.ID, Limit: 100})
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(listed) != 10 {
		t.Fatalf("items = %d, want 10", len(listed))
	}
	if len(dispatcher.calls) != 10 {
		t.Fatalf("ingest dispatched for %d items, want 10", len(dispatcher.calls))
	}

	all, err := scans.ListScans(ctx, repo.ScanFilter{DatasetID: "ds-1", Limit: 100})
	if err != nil {
		t.Fatalf("list scans: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("scans = %d, want 3 for 3 distinct commits", len(all))
	}
	if requester.count() != 3 {
		t.Fatalf("scan dispatches = %d, want 3", requester.count())
	}
	affected := 0
	for _, scan := range all {
		affected += scan.BuildsAffected
	}
	if affected != 10 {
		t.Fatalf("builds affected sums to %d, want 10", affected)
	}
}

func TestLaunchVersion_RejectsDuplicateBuildIDs(t *testing.T) {
	tracker, _, _, _, _, _ := newTrackerRig(t)
	_, err := tracker.LaunchVersion(context.Background(), LaunchRequest{
		DatasetID: "ds-1",
		Builds: []LaunchBuild{
			{BuildID: "build-1", CommitSHA: "sha-a"},
			{BuildID: "build-1", CommitSHA: "sha-b"},
		},
	})
	if err == nil {
		t.Fatalf("expected duplicate build id to be rejected")
	}
}

func TestCancelItem_FoldsIntoAggregate(t *testing.T) {
	tracker, versions, items, _, _, _ := newTrackerRig(t)
	ctx := context.Background()

	version, err := tracker.LaunchVersion(ctx, LaunchRequest{
		DatasetID: "ds-1",
		Builds: []LaunchBuild{
			{BuildID: "build-1", CommitSHA: "sha-a"},
			{BuildID: "build-2", CommitSHA: "sha-b"},
		},
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	listed, _ := items.ListItems(ctx, repo.ItemFilter{VersionID: version.ID, Limit: 10})
	cancelled, err := tracker.CancelItem(ctx, listed[0].ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.ItemCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}

	// Cancelling again is a no-op.
	if _, err := tracker.CancelItem(ctx, listed[0].ID); err != nil {
		t.Fatalf("second cancel: %v", err)
	}

	stored, _ := versions.GetVersion(ctx, version.ID)
	if stored.BuildsPending != 1 {
		t.Fatalf("pending = %d, want 1 after cancel", stored.BuildsPending)
	}
	if err := stored.CheckCounters(); err != nil {
		t.Fatalf("counter invariant broken: %v", err)
	}
}
