package domain

import (
	"errors"
	"strings"
	"time"
)

// ResourceKind enumerates the ingestion resources of a build. The set is
// closed so the barrier-completion check stays statically checkable.
type ResourceKind string

const (
	ResourceGitHistory  ResourceKind = "git_history"
	ResourceGitWorktree ResourceKind = "git_worktree"
	ResourceBuildLogs   ResourceKind = "build_logs"
)

// ResourceKinds lists every kind in roll-up order.
var ResourceKinds = [3]ResourceKind{ResourceGitHistory, ResourceGitWorktree, ResourceBuildLogs}

func ParseResourceKind(raw string) (ResourceKind, error) {
	switch ResourceKind(strings.ToLower(strings.TrimSpace(raw))) {
	case ResourceGitHistory:
		return ResourceGitHistory, nil
	case ResourceGitWorktree:
		return ResourceGitWorktree, nil
	case ResourceBuildLogs:
		return ResourceBuildLogs, nil
	default:
		return "", errors.New("unknown resource kind")
	}
}

// ResourceState is the per-resource outcome.
type ResourceState string

const (
	ResourcePending   ResourceState = "pending"
	ResourceCompleted ResourceState = "completed"
	// ResourceMissing means the data is permanently unavailable, e.g. the
	// CI provider expired the logs. Never retried.
	ResourceMissing ResourceState = "missing"
	// ResourceFailed means a transient failure; eligible for retry.
	ResourceFailed ResourceState = "failed"
)

// ResourceStatus tracks one resource of one build item. LastOutcomeID makes
// outcome application explicitly idempotent: a replayed report carrying an
// already-applied outcome id is ignored.
type ResourceStatus struct {
	State         ResourceState
	Error         string
	Attempts      int
	LastOutcomeID string
	UpdatedAt     time.Time
}

// ItemStatus is the derived roll-up status of an ImportBuildItem.
type ItemStatus string

const (
	ItemPending         ItemStatus = "pending"
	ItemFetched         ItemStatus = "fetched"
	ItemIngesting       ItemStatus = "ingesting"
	ItemIngested        ItemStatus = "ingested"
	ItemMissingResource ItemStatus = "missing_resource"
	ItemFailed          ItemStatus = "failed"
	ItemCancelled       ItemStatus = "cancelled"
)

// Terminal reports whether the item has reached a terminal ingestion state.
// The version-level ingesting -> ingested barrier waits on this.
func (s ItemStatus) Terminal() bool {
	switch s {
	case ItemIngested, ItemMissingResource, ItemFailed, ItemCancelled:
		return true
	}
	return false
}

// ProcessingState tracks the feature-extraction outcome of an ingested
// build. The extraction itself is external; only its status lives here.
type ProcessingState string

const (
	ProcessingNone   ProcessingState = ""
	ProcessingDone   ProcessingState = "processed"
	ProcessingFailed ProcessingState = "failed"
)

// ImportBuildItem is one ingested build of a version. The three resource
// fields are a fixed tagged set, not an open map.
type ImportBuildItem struct {
	ID        string
	VersionID string
	BuildID   string
	CommitSHA string

	Status ItemStatus

	GitHistory  ResourceStatus
	GitWorktree ResourceStatus
	BuildLogs   ResourceStatus

	RetryCount int

	ProcessingState ProcessingState
	ProcessingError string
	// ProcessingOutcomeID is the id of the last applied processing outcome;
	// replaying the same outcome is a no-op.
	ProcessingOutcomeID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (i ImportBuildItem) Validate() error {
	if strings.TrimSpace(i.ID) == "" {
		return errors.New("item id is required")
	}
	if strings.TrimSpace(i.VersionID) == "" {
		return errors.New("version id is required")
	}
	if strings.TrimSpace(i.BuildID) == "" {
		return errors.New("build id is required")
	}
	if strings.TrimSpace(i.CommitSHA) == "" {
		return errors.New("commit sha is required")
	}
	return nil
}

// Resource returns a pointer to the status slot for kind.
func (i *ImportBuildItem) Resource(kind ResourceKind) *ResourceStatus {
	switch kind {
	case ResourceGitHistory:
		return &i.GitHistory
	case ResourceGitWorktree:
		return &i.GitWorktree
	case ResourceBuildLogs:
		return &i.BuildLogs
	default:
		return nil
	}
}

// Rollup derives the item status from its resources. Priority: any missing
// resource makes the item missing_resource, any retryable failure makes it
// failed, all completed makes it ingested, any progress makes it ingesting.
func (i ImportBuildItem) Rollup() ItemStatus {
	if i.Status == ItemCancelled {
		return ItemCancelled
	}
	states := [3]ResourceState{i.GitHistory.State, i.GitWorktree.State, i.BuildLogs.State}

	completed := 0
	for _, s := range states {
		switch s {
		case ResourceMissing:
			return ItemMissingResource
		case ResourceCompleted:
			completed++
		}
	}
	for _, s := range states {
		if s == ResourceFailed {
			return ItemFailed
		}
	}
	if completed == len(states) {
		return ItemIngested
	}
	if completed > 0 {
		return ItemIngesting
	}
	// A worker claimed the item but no resource finished yet.
	if i.Status == ItemFetched {
		return ItemFetched
	}
	return ItemPending
}
