package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/domain"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/repo"
)

type fakeVersions struct {
	version domain.Version
}

func (f *fakeVersions) CreateVersion(context.Context, domain.Version) error { return nil }
func (f *fakeVersions) GetVersion(_ context.Context, id string) (domain.Version, error) {
	if id != f.version.ID {
		return domain.Version{}, repo.ErrNotFound
	}
	return f.version, nil
}
func (f *fakeVersions) ListVersions(context.Context, repo.VersionFilter) ([]domain.Version, error) {
	return nil, nil
}
func (f *fakeVersions) UpdateVersionAggregate(context.Context, domain.Version, int64) error {
	return nil
}
func (f *fakeVersions) ArchiveVersion(context.Context, string, time.Time) error { return nil }

type fakeItems struct {
	items []domain.ImportBuildItem
}

func (f *fakeItems) CreateItems(context.Context, []domain.ImportBuildItem) error { return nil }
func (f *fakeItems) GetItem(context.Context, string) (domain.ImportBuildItem, error) {
	return domain.ImportBuildItem{}, repo.ErrNotFound
}
func (f *fakeItems) GetItemByBuildID(context.Context, string) (domain.ImportBuildItem, error) {
	return domain.ImportBuildItem{}, repo.ErrNotFound
}
func (f *fakeItems) ListItems(_ context.Context, filter repo.ItemFilter) ([]domain.ImportBuildItem, error) {
	if filter.Offset >= len(f.items) {
		return nil, nil
	}
	page := f.items[filter.Offset:]
	if filter.Limit > 0 && len(page) > filter.Limit {
		page = page[:filter.Limit]
	}
	return page, nil
}
func (f *fakeItems) UpdateItem(context.Context, domain.ImportBuildItem) error { return nil }
func (f *fakeItems) CountItems(context.Context, string) (repo.ItemCounts, error) {
	return repo.ItemCounts{ByStatus: map[domain.ItemStatus]int{domain.ItemIngested: len(f.items)}}, nil
}

type fakeScans struct {
	scans []domain.CommitScan
}

func (f *fakeScans) CreateScan(context.Context, domain.CommitScan) error { return nil }
func (f *fakeScans) GetScan(context.Context, string) (domain.CommitScan, error) {
	return domain.CommitScan{}, repo.ErrNotFound
}
func (f *fakeScans) GetScanByKey(context.Context, string, domain.ScanKey) (domain.CommitScan, error) {
	return domain.CommitScan{}, repo.ErrNotFound
}
func (f *fakeScans) ListScans(_ context.Context, filter repo.ScanFilter) ([]domain.CommitScan, error) {
	if filter.Offset >= len(f.scans) {
		return nil, nil
	}
	return f.scans[filter.Offset:], nil
}
func (f *fakeScans) UpdateScan(context.Context, domain.CommitScan) error     { return nil }
func (f *fakeScans) AddScanBuild(context.Context, string, string) error      { return nil }
func (f *fakeScans) ListScanBuilds(context.Context, string) ([]string, error) { return nil, nil }
func (f *fakeScans) ListStaleCallbacks(context.Context, time.Time, int) ([]domain.CommitScan, error) {
	return nil, nil
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]domain.ExportJob
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: make(map[string]domain.ExportJob)}
}

func (f *fakeJobs) CreateJob(_ context.Context, job domain.ExportJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}
func (f *fakeJobs) GetJob(_ context.Context, id string) (domain.ExportJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return domain.ExportJob{}, repo.ErrNotFound
	}
	return job, nil
}
func (f *fakeJobs) UpdateJob(_ context.Context, job domain.ExportJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}
func (f *fakeJobs) FindActiveJob(_ context.Context, versionID string, format domain.ExportFormat, cutoff time.Time) (domain.ExportJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, job := range f.jobs {
		if job.VersionID == versionID && job.Format == format && !job.Status.Terminal() && job.CreatedAt.After(cutoff) {
			return job, nil
		}
	}
	return domain.ExportJob{}, repo.ErrNotFound
}

type memStore struct {
	mu   sync.Mutex
	objs map[string][]byte
	done chan string
}

func newMemStore() *memStore {
	return &memStore{objs: make(map[string][]byte), done: make(chan string, 4)}
}

func (s *memStore) Put(_ context.Context, key, _ string, r io.Reader, _ int64) (int64, error) {
	blob, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.objs[key] = blob
	s.mu.Unlock()
	s.done <- key
	return int64(len(blob)), nil
}

// failingStore rejects every upload without reading the body, the way an
// unreachable bucket would.
type failingStore struct{}

func (failingStore) Put(context.Context, string, string, io.Reader, int64) (int64, error) {
	return 0, errors.New("bucket unavailable")
}

func (failingStore) Get(context.Context, string) (io.ReadCloser, error) {
	return nil, repo.ErrNotFound
}

func (s *memStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	blob, ok := s.objs[key]
	s.mu.Unlock()
	if !ok {
		return nil, repo.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(blob)), nil
}

func seedItems(n int) []domain.ImportBuildItem {
	items := make([]domain.ImportBuildItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, domain.ImportBuildItem{
			ID:          "item-" + strconv.Itoa(i),
			VersionID:   "v1",
			BuildID:     "build-" + strconv.Itoa(i),
			CommitSHA:   "sha-" + strconv.Itoa(i%3),
			Status:      domain.ItemIngested,
			GitHistory:  domain.ResourceStatus{State: domain.ResourceCompleted},
			GitWorktree: domain.ResourceStatus{State: domain.ResourceCompleted},
			BuildLogs:   domain.ResourceStatus{State: domain.ResourceCompleted},
		})
	}
	return items
}

func newTestManager(n int, store ObjectStore, jobs repo.ExportJobRepository) *Manager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	versions := &fakeVersions{version: domain.Version{
		ID:        "v1",
		DatasetID: "ds-1",
		Status:    domain.VersionProcessed,
	}}
	scans := &fakeScans{scans: []domain.CommitScan{{
		DatasetID: "ds-1",
		Key:       domain.ScanKey{Tool: "linter", CommitSHA: "sha-0", ConfigFingerprint: "cfg"},
		Status:    domain.ScanCompleted,
		Metrics:   map[string]float64{"issues": 2},
	}}}
	return NewManager(logger, versions, &fakeItems{items: seedItems(n)}, scans, jobs, store, nil,
		Config{AsyncThreshold: 1000, DedupWindow: 10 * time.Minute})
}

func TestExport_SmallVersionIsSync(t *testing.T) {
	jobs := newFakeJobs()
	manager := newTestManager(500, newMemStore(), jobs)

	result, err := manager.Export(context.Background(), "v1", domain.ExportCSV)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !result.Sync {
		t.Fatalf("500 rows should stream synchronously")
	}
	if len(jobs.jobs) != 0 {
		t.Fatalf("sync export must not create a job")
	}
}

func TestExport_LargeVersionCreatesJob(t *testing.T) {
	jobs := newFakeJobs()
	store := newMemStore()
	manager := newTestManager(5000, store, jobs)
	ctx := context.Background()

	result, err := manager.Export(ctx, "v1", domain.ExportCSV)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if result.Sync {
		t.Fatalf("5000 rows should become a background job")
	}
	if result.Job.TotalRows != 5000 {
		t.Fatalf("total rows = %d, want 5000", result.Job.TotalRows)
	}

	select {
	case <-store.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("background export never wrote the object")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := jobs.GetJob(ctx, result.Job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status == domain.ExportJobCompleted {
			if job.ProcessedRows != 5000 || job.FileSize == 0 {
				t.Fatalf("job = %+v, want 5000 processed rows and a file size", job)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %s", job.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	job, rc, err := manager.Open(ctx, result.Job.ID)
	if err != nil {
		t.Fatalf("open download: %v", err)
	}
	defer rc.Close()
	blob, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if int64(len(blob)) != job.FileSize {
		t.Fatalf("download size = %d, job file size = %d", len(blob), job.FileSize)
	}
}

func TestRunJob_FailedUploadUnwindsSnapshotWriter(t *testing.T) {
	base := runtime.NumGoroutine()

	jobs := newFakeJobs()
	manager := newTestManager(5000, failingStore{}, jobs)
	ctx := context.Background()

	result, err := manager.Export(ctx, "v1", domain.ExportCSV)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := jobs.GetJob(ctx, result.Job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status == domain.ExportJobFailed {
			if job.ErrorMessage == "" {
				t.Fatalf("failed job carries no error message")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %s", job.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The snapshot goroutine must unwind with the job instead of sitting
	// on a pipe write nobody will ever read.
	for runtime.NumGoroutine() > base {
		if time.Now().After(deadline) {
			t.Fatalf("%d goroutines still running after failed export, started with %d",
				runtime.NumGoroutine(), base)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOpen_RejectsUnfinishedJob(t *testing.T) {
	jobs := newFakeJobs()
	job := domain.ExportJob{
		ID:        "job-1",
		VersionID: "v1",
		Format:    domain.ExportCSV,
		Status:    domain.ExportJobProcessing,
		CreatedAt: time.Now(),
	}
	if err := jobs.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	manager := newTestManager(10, newMemStore(), jobs)

	if _, _, err := manager.Open(context.Background(), "job-1"); !errors.Is(err, ErrJobNotReady) {
		t.Fatalf("open of processing job: err = %v, want ErrJobNotReady", err)
	}
}

func TestExport_ActiveJobIsReused(t *testing.T) {
	jobs := newFakeJobs()
	now := time.Now().UTC()
	existing := domain.ExportJob{
		ID:        "job-1",
		VersionID: "v1",
		Format:    domain.ExportCSV,
		Status:    domain.ExportJobProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := jobs.CreateJob(context.Background(), existing); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	manager := newTestManager(5000, newMemStore(), jobs)

	result, err := manager.Export(context.Background(), "v1", domain.ExportCSV)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if result.Job.ID != "job-1" {
		t.Fatalf("got job %s, want the active job reused", result.Job.ID)
	}
	if len(jobs.jobs) != 1 {
		t.Fatalf("a duplicate job was created")
	}
}

func TestExport_RejectsUnprocessedVersion(t *testing.T) {
	manager := newTestManager(10, newMemStore(), newFakeJobs())
	manager.versions = &fakeVersions{version: domain.Version{
		ID:        "v1",
		DatasetID: "ds-1",
		Status:    domain.VersionIngested,
	}}

	_, err := manager.Export(context.Background(), "v1", domain.ExportCSV)
	if err == nil {
		t.Fatalf("expected rejection for unprocessed version")
	}
}

func TestWriteSnapshot_CSVJoinsScanMetrics(t *testing.T) {
	manager := newTestManager(3, newMemStore(), newFakeJobs())
	var buf bytes.Buffer

	rows, err := manager.WriteSnapshot(context.Background(), &buf, "v1", domain.ExportCSV, nil)
	if err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	if rows != 3 {
		t.Fatalf("rows = %d, want 3", rows)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("records = %d, want header plus 3 rows", len(records))
	}
	// build-0 is on sha-0, the scanned commit.
	if !bytes.Contains([]byte(records[1][8]), []byte("issues")) {
		t.Fatalf("scan metrics missing from row: %v", records[1])
	}
}
