package lifecycle

import (
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/medulla-ai/medulla/internal/observability"
)

var lifecycleNow = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error"})
}

func newTestManager(t *testing.T, root string, opts ...Option) (*Manager, *observability.MemorySink) {
	t.Helper()
	logger := testLogger()
	sink := observability.NewMemorySink(100)
	events := observability.NewEventLog(logger, sink)
	opts = append([]Option{WithNow(func() time.Time { return lifecycleNow })}, opts...)
	return NewManager(root, events, logger, opts...), sink
}

func writeLogFile(t *testing.T, root string, daysOld int) string {
	t.Helper()
	dir := filepath.Join(root, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	day := lifecycleNow.AddDate(0, 0, -daysOld).Format("2006-01-02")
	path := filepath.Join(dir, day+".jsonl")
	if err := os.WriteFile(path, []byte(`{"event_type":"task_completed"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestShouldPurgeColdZeroNever(t *testing.T) {
	p := RetentionPolicy{HotDays: 365, WarmDays: 730, ColdDays: 0, ArchiveEnabled: false}
	for _, age := range []time.Duration{0, 24 * time.Hour, 365 * 24 * time.Hour, 100000 * time.Hour} {
		if p.ShouldPurge(age) {
			t.Fatalf("cold=0 must never purge, age %s", age)
		}
	}
}

func TestShouldArchiveDisabledNever(t *testing.T) {
	p := RetentionPolicy{HotDays: 1, WarmDays: 2, ColdDays: 3, ArchiveEnabled: false}
	for _, age := range []time.Duration{0, 48 * time.Hour, 10000 * time.Hour} {
		if p.ShouldArchive(age) {
			t.Fatalf("archive disabled must never archive, age %s", age)
		}
	}
}

func TestPolicyWindows(t *testing.T) {
	p := RetentionPolicy{HotDays: 7, WarmDays: 14, ColdDays: 30, ArchiveEnabled: true}
	if p.ShouldArchive(6 * 24 * time.Hour) {
		t.Fatal("inside hot window must not archive")
	}
	if !p.ShouldArchive(8 * 24 * time.Hour) {
		t.Fatal("past hot window must archive")
	}
	if p.ShouldPurge(29 * 24 * time.Hour) {
		t.Fatal("inside cold window must not purge")
	}
	if !p.ShouldPurge(31 * 24 * time.Hour) {
		t.Fatal("past cold window must purge")
	}
}

func TestArchiveCompressesAgedLogs(t *testing.T) {
	root := t.TempDir()
	oldPath := writeLogFile(t, root, 10)
	writeLogFile(t, root, 2)
	m, sink := newTestManager(t, root)

	n, err := m.ArchiveOldData(context.Background(), ClassFileLogs, false)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("archived = %d, want 1", n)
	}

	dest := filepath.Join(root, "archive", ClassFileLogs, filepath.Base(oldPath)+".gz")
	f, err := os.Open(dest)
	if err != nil {
		t.Fatalf("archive missing: %v", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "task_completed") {
		t.Fatalf("archive content = %q", data)
	}

	// Original stays until purge.
	if _, err := os.Stat(oldPath); err != nil {
		t.Fatal("archive must not delete the original")
	}

	var archiveEvent bool
	for _, e := range sink.All() {
		if e.Type == observability.EventLifecycleArchive {
			archiveEvent = true
		}
	}
	if !archiveEvent {
		t.Fatal("no lifecycle_archive event")
	}
}

func TestArchiveIsIdempotent(t *testing.T) {
	root := t.TempDir()
	writeLogFile(t, root, 10)
	m, _ := newTestManager(t, root)
	ctx := context.Background()

	if _, err := m.ArchiveOldData(ctx, ClassFileLogs, false); err != nil {
		t.Fatal(err)
	}
	n, err := m.ArchiveOldData(ctx, ClassFileLogs, false)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("second pass archived %d, want 0", n)
	}
}

func TestDryRunTouchesNothing(t *testing.T) {
	root := t.TempDir()
	oldPath := writeLogFile(t, root, 40)
	m, _ := newTestManager(t, root)
	ctx := context.Background()

	archived, err := m.ArchiveOldData(ctx, ClassFileLogs, true)
	if err != nil {
		t.Fatal(err)
	}
	purged, err := m.PurgeExpiredData(ctx, ClassFileLogs, true)
	if err != nil {
		t.Fatal(err)
	}
	if archived != 1 || purged != 1 {
		t.Fatalf("archived = %d purged = %d", archived, purged)
	}
	if _, err := os.Stat(oldPath); err != nil {
		t.Fatal("dry run must not delete")
	}
	if _, err := os.Stat(filepath.Join(root, "archive")); !os.IsNotExist(err) {
		t.Fatal("dry run must not write archives")
	}
}

func TestPurgeDeletesPastColdWindow(t *testing.T) {
	root := t.TempDir()
	oldPath := writeLogFile(t, root, 40)
	keepPath := writeLogFile(t, root, 20)
	m, sink := newTestManager(t, root)

	n, err := m.PurgeExpiredData(context.Background(), ClassFileLogs, false)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged = %d, want 1", n)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Fatal("expired file survived purge")
	}
	if _, err := os.Stat(keepPath); err != nil {
		t.Fatal("warm file must survive purge")
	}

	var purgeEvent bool
	for _, e := range sink.All() {
		if e.Type == observability.EventLifecyclePurge {
			purgeEvent = true
		}
	}
	if !purgeEvent {
		t.Fatal("no lifecycle_purge event")
	}
}

func TestPurgeCaptures(t *testing.T) {
	root := t.TempDir()
	day := lifecycleNow.AddDate(0, 0, -100).Format("2006-01-02")
	dir := filepath.Join(root, "captains_log", "captures", day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tr-old.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	m, _ := newTestManager(t, root)

	n, err := m.PurgeExpiredData(context.Background(), ClassTaskCaptures, false)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged = %d", n)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("emptied capture day dir should be removed")
	}
}

func TestDiskAlert(t *testing.T) {
	m, sink := newTestManager(t, t.TempDir(),
		WithDiskUsage(func() (float64, error) { return 92.5, nil }),
		WithDiskThreshold(90))

	pct, err := m.CheckDiskUsage(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if pct != 92.5 {
		t.Fatalf("pct = %f", pct)
	}
	var alert bool
	for _, e := range sink.All() {
		if e.Type == observability.EventLifecycleDiskAlert {
			alert = true
		}
	}
	if !alert {
		t.Fatal("no disk alert event")
	}
}

type fakeCleaner struct {
	index string
	body  any
	calls int
}

func (f *fakeCleaner) DeleteByQuery(ctx context.Context, index string, body any) error {
	f.calls++
	f.index = index
	f.body = body
	return nil
}

func TestCleanupIndex(t *testing.T) {
	cleaner := &fakeCleaner{}
	m, sink := newTestManager(t, t.TempDir(), WithIndexCleaner(cleaner, "medulla-events"))

	if err := m.CleanupIndex(context.Background(), ClassEventIndex, false); err != nil {
		t.Fatal(err)
	}
	if cleaner.calls != 1 || cleaner.index != "medulla-events" {
		t.Fatalf("cleaner = %+v", cleaner)
	}

	// Other classes have no index representation.
	if err := m.CleanupIndex(context.Background(), ClassGraph, false); err != nil {
		t.Fatal(err)
	}
	if cleaner.calls != 1 {
		t.Fatal("graph class must not hit the index")
	}

	var cleanup bool
	for _, e := range sink.All() {
		if e.Type == observability.EventLifecycleIndexCleanup {
			cleanup = true
		}
	}
	if !cleanup {
		t.Fatal("no index cleanup event")
	}
}

func TestGenerateReport(t *testing.T) {
	root := t.TempDir()
	writeLogFile(t, root, 10)
	writeLogFile(t, root, 2)
	m, _ := newTestManager(t, root, WithDiskUsage(func() (float64, error) { return 41, nil }))

	report, err := m.GenerateReport(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.DiskUsedPercent != 41 {
		t.Fatalf("disk = %f", report.DiskUsedPercent)
	}
	logs := report.Classes[ClassFileLogs]
	if logs.Files != 2 || logs.OldestAgeDays != 10 || logs.Bytes == 0 {
		t.Fatalf("file_logs report = %+v", logs)
	}
	if _, ok := report.Classes[ClassGraph]; !ok {
		t.Fatal("report must cover every registered class")
	}
}
