package backup_test

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"welcomebot/internal/backup"
	"welcomebot/internal/store"
	"welcomebot/pkg/logx"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "users.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSnapshotNowWritesValidCopy(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Upsert(ctx, store.Identity{ID: 1, Username: "bob"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	dir := t.TempDir()
	m, err := backup.New(s, backup.Config{Dir: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	path, err := m.SnapshotNow(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	name := filepath.Base(path)
	if !strings.HasPrefix(name, "backup_") || !strings.HasSuffix(name, ".db") {
		t.Errorf("unexpected snapshot name %q", name)
	}
	if err := store.ValidateFile(path); err != nil {
		t.Errorf("snapshot not a valid database: %v", err)
	}

	// The copy must carry the data, not just the schema.
	snap, err := store.Open(store.Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer snap.Close()
	n, err := snap.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("snapshot rows = %d, want 1", n)
	}
}

func TestZipSnapshotContainsDatabase(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Upsert(ctx, store.Identity{ID: 2}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	m, err := backup.New(s, backup.Config{Dir: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	path, err := m.ZipSnapshot(ctx)
	if err != nil {
		t.Fatalf("zip snapshot: %v", err)
	}
	if !strings.HasSuffix(path, ".zip") {
		t.Fatalf("expected .zip path, got %q", path)
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer zr.Close()
	if len(zr.File) != 1 || !strings.HasSuffix(zr.File[0].Name, ".db") {
		t.Errorf("unexpected archive contents: %+v", zr.File)
	}
}

func TestPruneRemovesOnlyExpiredSnapshots(t *testing.T) {
	dir := t.TempDir()
	m, err := backup.New(openTestStore(t), backup.Config{Dir: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	old := "backup_" + now.Add(-8*24*time.Hour).Format("20060102_150405")
	fresh := "backup_" + now.Add(-24*time.Hour).Format("20060102_150405")

	for _, name := range []string{old + ".db", old + ".zip", fresh + ".db", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	rep, err := m.Prune(now)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(rep.Removed) != 2 || len(rep.Failed) != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}

	left, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var names []string
	for _, e := range left {
		names = append(names, e.Name())
	}
	if len(names) != 2 {
		t.Errorf("leftover files = %v, want fresh snapshot and notes.txt", names)
	}
	for _, n := range names {
		if strings.Contains(n, old) {
			t.Errorf("expired snapshot survived: %s", n)
		}
	}
}

func TestPruneIgnoresForeignNames(t *testing.T) {
	dir := t.TempDir()
	m, err := backup.New(openTestStore(t), backup.Config{Dir: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	// Looks old but is not one of ours.
	for _, name := range []string{"dump_20190101_000000.db", "backup_garbage.db", "backup.db"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	rep, err := m.Prune(time.Now())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(rep.Removed) != 0 || len(rep.Failed) != 0 {
		t.Errorf("foreign files touched: %+v", rep)
	}
}

func TestListNewestFirst(t *testing.T) {
	dir := t.TempDir()
	m, err := backup.New(openTestStore(t), backup.Config{Dir: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	for _, name := range []string{"backup_20260101_000000.db", "backup_20260301_000000.db", "junk"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	names, err := m.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"backup_20260301_000000.db", "backup_20260101_000000.db"}
	if len(names) != 2 || names[0] != want[0] || names[1] != want[1] {
		t.Errorf("list = %v, want %v", names, want)
	}
}

func TestServiceScheduleAndApply(t *testing.T) {
	m, err := backup.New(openTestStore(t), backup.Config{Dir: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	svc := backup.NewService(m, 3, 0, nil, logx.Nop())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(context.Background())

	next := svc.Next()
	if next.IsZero() {
		t.Fatal("no next run scheduled")
	}
	if next.UTC().Hour() != 3 || next.UTC().Minute() != 0 {
		t.Errorf("next = %v, want 03:00 UTC", next)
	}
	if until := time.Until(next); until <= 0 || until > 24*time.Hour {
		t.Errorf("next run %v away, want within a day", until)
	}

	svc.Apply(14, 30)
	next = svc.Next()
	if next.UTC().Hour() != 14 || next.UTC().Minute() != 30 {
		t.Errorf("after reschedule next = %v, want 14:30 UTC", next)
	}
}
