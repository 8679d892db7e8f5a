package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/domain"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/eventbus"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/repo"
)

type memVersions struct {
	mu sync.Mutex
	m  map[string]domain.Version
}

func newMemVersions() *memVersions {
	return &memVersions{m: make(map[string]domain.Version)}
}

func (s *memVersions) CreateVersion(_ context.Context, version domain.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[version.ID] = version
	return nil
}

func (s *memVersions) GetVersion(_ context.Context, id string) (domain.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	version, ok := s.m[id]
	if !ok {
		return domain.Version{}, repo.ErrNotFound
	}
	return version, nil
}

func (s *memVersions) ListVersions(_ context.Context, filter repo.VersionFilter) ([]domain.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Version, 0, len(s.m))
	for _, v := range s.m {
		if filter.DatasetID != "" && v.DatasetID != filter.DatasetID {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memVersions) UpdateVersionAggregate(_ context.Context, version domain.Version, expectedRevision int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.m[version.ID]
	if !ok {
		return repo.ErrNotFound
	}
	if current.Revision != expectedRevision {
		return repo.ErrRevisionConflict
	}
	version.Revision = expectedRevision + 1
	version.ArchivedAt = current.ArchivedAt
	s.m[version.ID] = version
	return nil
}

func (s *memVersions) ArchiveVersion(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	version, ok := s.m[id]
	if !ok {
		return repo.ErrNotFound
	}
	version.ArchivedAt = &at
	s.m[id] = version
	return nil
}

type memItems struct {
	mu sync.Mutex
	m  map[string]domain.ImportBuildItem
}

func newMemItems() *memItems {
	return &memItems{m: make(map[string]domain.ImportBuildItem)}
}

func (s *memItems) CreateItems(_ context.Context, items []domain.ImportBuildItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		s.m[item.ID] = item
	}
	return nil
}

func (s *memItems) GetItem(_ context.Context, id string) (domain.ImportBuildItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.m[id]
	if !ok {
		return domain.ImportBuildItem{}, repo.ErrNotFound
	}
	return item, nil
}

func (s *memItems) GetItemByBuildID(_ context.Context, buildID string) (domain.ImportBuildItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.m {
		if item.BuildID == buildID {
			return item, nil
		}
	}
	return domain.ImportBuildItem{}, repo.ErrNotFound
}

func (s *memItems) ListItems(_ context.Context, filter repo.ItemFilter) ([]domain.ImportBuildItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]domain.ImportBuildItem, 0, len(s.m))
	for _, item := range s.m {
		if filter.VersionID != "" && item.VersionID != filter.VersionID {
			continue
		}
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		all = append(all, item)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	if filter.Offset > 0 {
		if filter.Offset >= len(all) {
			return nil, nil
		}
		all = all[filter.Offset:]
	}
	if filter.Limit > 0 && len(all) > filter.Limit {
		all = all[:filter.Limit]
	}
	return all, nil
}

func (s *memItems) UpdateItem(_ context.Context, item domain.ImportBuildItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[item.ID]; !ok {
		return repo.ErrNotFound
	}
	s.m[item.ID] = item
	return nil
}

func (s *memItems) CountItems(_ context.Context, versionID string) (repo.ItemCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := repo.ItemCounts{ByStatus: make(map[domain.ItemStatus]int)}
	for _, item := range s.m {
		if item.VersionID != versionID {
			continue
		}
		counts.ByStatus[item.Status]++
		switch item.ProcessingState {
		case domain.ProcessingDone:
			counts.Processed++
		case domain.ProcessingFailed:
			counts.ProcessingFailed++
		}
	}
	return counts, nil
}

type memScans struct {
	mu     sync.Mutex
	m      map[string]domain.CommitScan
	builds map[string]map[string]struct{}
}

func newMemScans() *memScans {
	return &memScans{
		m:      make(map[string]domain.CommitScan),
		builds: make(map[string]map[string]struct{}),
	}
}

func (s *memScans) CreateScan(_ context.Context, scan domain.CommitScan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[scan.ID] = scan
	return nil
}

func (s *memScans) GetScan(_ context.Context, id string) (domain.CommitScan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scan, ok := s.m[id]
	if !ok {
		return domain.CommitScan{}, repo.ErrNotFound
	}
	return scan, nil
}

func (s *memScans) GetScanByKey(_ context.Context, datasetID string, key domain.ScanKey) (domain.CommitScan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, scan := range s.m {
		if scan.DatasetID == datasetID && scan.Key == key {
			return scan, nil
		}
	}
	return domain.CommitScan{}, repo.ErrNotFound
}

func (s *memScans) ListScans(_ context.Context, filter repo.ScanFilter) ([]domain.CommitScan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]domain.CommitScan, 0, len(s.m))
	for _, scan := range s.m {
		if filter.DatasetID != "" && scan.DatasetID != filter.DatasetID {
			continue
		}
		if filter.Tool != "" && scan.Key.Tool != filter.Tool {
			continue
		}
		if filter.Status != "" && scan.Status != filter.Status {
			continue
		}
		all = append(all, scan)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	if filter.Offset > 0 {
		if filter.Offset >= len(all) {
			return nil, nil
		}
		all = all[filter.Offset:]
	}
	if filter.Limit > 0 && len(all) > filter.Limit {
		all = all[:filter.Limit]
	}
	return all, nil
}

func (s *memScans) UpdateScan(_ context.Context, scan domain.CommitScan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[scan.ID]; !ok {
		return repo.ErrNotFound
	}
	s.m[scan.ID] = scan
	return nil
}

func (s *memScans) AddScanBuild(_ context.Context, scanID, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.builds[scanID]
	if set == nil {
		set = make(map[string]struct{})
		s.builds[scanID] = set
	}
	set[itemID] = struct{}{}
	return nil
}

func (s *memScans) ListScanBuilds(_ context.Context, scanID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.builds[scanID]))
	for id := range s.builds[scanID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memScans) ListStaleCallbacks(_ context.Context, cutoff time.Time, limit int) ([]domain.CommitScan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CommitScan
	for _, scan := range s.m {
		if scan.Status == domain.ScanPendingCallback && scan.UpdatedAt.Before(cutoff) {
			out = append(out, scan)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

type fakeRequester struct {
	mu    sync.Mutex
	calls []string // scan ids in dispatch order
	fail  bool
}

func (f *fakeRequester) RequestScan(_ context.Context, scan domain.CommitScan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return context.DeadlineExceeded
	}
	f.calls = append(f.calls, scan.ID)
	return nil
}

func (f *fakeRequester) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeDispatcher struct {
	mu        sync.Mutex
	calls     map[string][]domain.ResourceKind // item id -> last dispatched kinds
	overrides map[string]map[string]any
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		calls:     make(map[string][]domain.ResourceKind),
		overrides: make(map[string]map[string]any),
	}
}

func (f *fakeDispatcher) DispatchIngest(_ context.Context, item domain.ImportBuildItem, kinds []domain.ResourceKind, override map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[item.ID] = append([]domain.ResourceKind(nil), kinds...)
	f.overrides[item.ID] = override
	return nil
}

type rig struct {
	versions *memVersions
	items    *memItems
	scans    *memScans
	broker   *eventbus.Broker
	stage    *StageMachine
	status   *ItemStatusStore
}

func newRig() *rig {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	versions := newMemVersions()
	items := newMemItems()
	broker := eventbus.NewBroker(32, nil)
	stage := NewStageMachine(logger, versions, items, broker)
	return &rig{
		versions: versions,
		items:    items,
		scans:    newMemScans(),
		broker:   broker,
		stage:    stage,
		status:   NewItemStatusStore(logger, items, stage, broker),
	}
}

// seedVersion creates an ingesting version with n pending builds, one
// distinct commit per build unless commits overrides it.
func (r *rig) seedVersion(t *testing.T, versionID string, n int, commits ...string) []domain.ImportBuildItem {
	t.Helper()
	now := time.Now().UTC()
	version := domain.Version{
		ID:            versionID,
		DatasetID:     "ds-1",
		Status:        domain.VersionIngesting,
		BuildsTotal:   n,
		BuildsPending: n,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.versions.CreateVersion(context.Background(), version); err != nil {
		t.Fatalf("seed version: %v", err)
	}
	items := make([]domain.ImportBuildItem, 0, n)
	for i := 0; i < n; i++ {
		commit := "sha-" + strconv.Itoa(i)
		if len(commits) > 0 {
			commit = commits[i%len(commits)]
		}
		item := domain.ImportBuildItem{
			ID:        versionID + "-item-" + strconv.Itoa(i),
			VersionID: versionID,
			BuildID:   versionID + "-build-" + strconv.Itoa(i),
			CommitSHA: commit,
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
	if err := r.items.CreateItems(context.Background(), items); err != nil {
		t.Fatalf("seed items: %v", err)
	}
	return items
}

// completeItem reports every resource of item as completed.
func (r *rig) completeItem(t *testing.T, item domain.ImportBuildItem) {
	t.Helper()
	for _, kind := range domain.ResourceKinds {
		err := r.status.ReportResourceOutcome(context.Background(), ResourceReport{
			OutcomeID: item.ID + "-" + string(kind),
			BuildID:   item.BuildID,
			Resource:  kind,
			Status:    "completed",
		})
		if err != nil {
			t.Fatalf("complete %s/%s: %v", item.BuildID, kind, err)
		}
	}
}
