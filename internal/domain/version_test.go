package domain

import "testing"

func TestCheckCounters(t *testing.T) {
	version := Version{
		ID:                    "v1",
		DatasetID:             "ds-1",
		Status:                VersionIngesting,
		BuildsTotal:           5,
		BuildsPending:         2,
		BuildsIngested:        2,
		BuildsMissingResource: 1,
	}
	if err := version.CheckCounters(); err != nil {
		t.Fatalf("valid partition rejected: %v", err)
	}

	version.BuildsPending = 1
	if err := version.CheckCounters(); err == nil {
		t.Fatalf("lost build not detected")
	}

	version.BuildsPending = 2
	version.BuildsIngested = 4
	if err := version.CheckCounters(); err == nil {
		t.Fatalf("over-counted bucket not detected")
	}
}

func TestDeriveDatasetScan(t *testing.T) {
	scans := []CommitScan{
		{DatasetID: "ds-1", Key: ScanKey{Tool: "linter", CommitSHA: "a"}, Status: ScanCompleted},
		{DatasetID: "ds-1", Key: ScanKey{Tool: "linter", CommitSHA: "b"}, Status: ScanFailed},
		{DatasetID: "ds-1", Key: ScanKey{Tool: "linter", CommitSHA: "c"}, Status: ScanScanning},
		{DatasetID: "ds-1", Key: ScanKey{Tool: "other", CommitSHA: "d"}, Status: ScanCompleted},
		{DatasetID: "ds-2", Key: ScanKey{Tool: "linter", CommitSHA: "e"}, Status: ScanCompleted},
	}

	agg := DeriveDatasetScan("ds-1", "linter", scans)
	if agg.TotalCommits != 3 {
		t.Fatalf("total = %d, want 3", agg.TotalCommits)
	}
	if agg.ScannedCommits != 1 || agg.FailedCommits != 1 || agg.PendingCommits != 1 {
		t.Fatalf("aggregate = %+v, want 1/1/1", agg)
	}
}
