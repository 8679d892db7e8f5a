package domain

import "testing"

func itemWith(history, worktree, logs ResourceState) ImportBuildItem {
	return ImportBuildItem{
		ID:          "item-1",
		VersionID:   "v1",
		BuildID:     "build-1",
		CommitSHA:   "sha-a",
		Status:      ItemPending,
		GitHistory:  ResourceStatus{State: history},
		GitWorktree: ResourceStatus{State: worktree},
		BuildLogs:   ResourceStatus{State: logs},
	}
}

func TestRollup_Precedence(t *testing.T) {
	cases := []struct {
		name string
		item ImportBuildItem
		want ItemStatus
	}{
		{"all pending", itemWith(ResourcePending, ResourcePending, ResourcePending), ItemPending},
		{"partial progress", itemWith(ResourceCompleted, ResourcePending, ResourcePending), ItemIngesting},
		{"all completed", itemWith(ResourceCompleted, ResourceCompleted, ResourceCompleted), ItemIngested},
		{"failure wins over progress", itemWith(ResourceCompleted, ResourceFailed, ResourcePending), ItemFailed},
		{"missing wins over failure", itemWith(ResourceMissing, ResourceFailed, ResourceCompleted), ItemMissingResource},
	}
	for _, tc := range cases {
		if got := tc.item.Rollup(); got != tc.want {
			t.Errorf("%s: rollup = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestRollup_FetchedSticksUntilProgress(t *testing.T) {
	item := itemWith(ResourcePending, ResourcePending, ResourcePending)
	item.Status = ItemFetched
	if got := item.Rollup(); got != ItemFetched {
		t.Fatalf("rollup = %s, want fetched", got)
	}
}

func TestRollup_CancelledIsSticky(t *testing.T) {
	item := itemWith(ResourceCompleted, ResourceCompleted, ResourceCompleted)
	item.Status = ItemCancelled
	if got := item.Rollup(); got != ItemCancelled {
		t.Fatalf("rollup = %s, cancelled must not be overridden", got)
	}
}

func TestParseResourceKind(t *testing.T) {
	for _, kind := range ResourceKinds {
		parsed, err := ParseResourceKind(string(kind))
		if err != nil || parsed != kind {
			t.Fatalf("parse %s: %v", kind, err)
		}
	}
	if _, err := ParseResourceKind("artifact_cache"); err == nil {
		t.Fatalf("unknown kind must be rejected")
	}
}
