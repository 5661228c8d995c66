package journal_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/irondome/sentinel/internal/fswatch"
	"github.com/irondome/sentinel/internal/journal"
)

func tmpPaths(t *testing.T) (dbPath, chainPath string) {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "detections.db"), filepath.Join(dir, "detections.chain")
}

func openJournal(t *testing.T, dbPath, chainPath string) *journal.Journal {
	t.Helper()
	j, err := journal.Open(dbPath, chainPath)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestRecord_SingleWarning_VerifiesCleanly(t *testing.T) {
	dbPath, chainPath := tmpPaths(t)
	j := openJournal(t, dbPath, chainPath)

	w := fswatch.Warning{
		Path:           "/home/alice/report.docx",
		Classification: fswatch.ClassCryptographicActivity,
		Entropy:        7.9,
		HasPrevEntropy: true,
		PrevEntropy:    3.1,
		Delta:          4.8,
		SuspiciousPIDs: []int32{1234},
		Time:           time.Now().UTC(),
	}

	if err := j.Record(w); err != nil {
		t.Fatalf("Record: %v", err)
	}

	records, err := j.Verify(chainPath)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	if records[0].Path != w.Path {
		t.Errorf("Path = %q, want %q", records[0].Path, w.Path)
	}
	if records[0].ID == "" {
		t.Error("ID must not be empty")
	}
}

func TestRecord_MultipleWarnings_ChainLinks(t *testing.T) {
	dbPath, chainPath := tmpPaths(t)
	j := openJournal(t, dbPath, chainPath)

	for i := 0; i < 5; i++ {
		w := fswatch.Warning{
			Path:           filepath.Join("/home/alice", "file.bin"),
			Classification: fswatch.ClassHighEntropy,
			Entropy:        7.6,
			Time:           time.Now().UTC(),
		}
		if err := j.Record(w); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}

	records, err := j.Verify(chainPath)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("len(records) = %d, want 5", len(records))
	}
}

func TestOpen_ReplaysExistingChain(t *testing.T) {
	dbPath, chainPath := tmpPaths(t)

	j1, err := journal.Open(dbPath, chainPath)
	if err != nil {
		t.Fatalf("journal.Open (first): %v", err)
	}
	if err := j1.Record(fswatch.Warning{Path: "/home/alice/a.bin", Classification: fswatch.ClassHighEntropy, Time: time.Now().UTC()}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j2, err := journal.Open(dbPath, chainPath)
	if err != nil {
		t.Fatalf("journal.Open (second): %v", err)
	}
	defer j2.Close()

	if err := j2.Record(fswatch.Warning{Path: "/home/alice/b.bin", Classification: fswatch.ClassHighEntropy, Time: time.Now().UTC()}); err != nil {
		t.Fatalf("Record after reopen: %v", err)
	}

	records, err := j2.Verify(chainPath)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2 (one from each session)", len(records))
	}
}
