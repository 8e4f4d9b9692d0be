// Package backup produces and retires snapshots of the user database.
//
// Snapshots are plain sqlite files named backup_YYYYMMDD_HHMMSS.db in a
// dedicated directory; the timestamp in the name is UTC and is the only
// source of truth for retention decisions.
package backup

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"welcomebot/internal/store"
	"welcomebot/pkg/logx"
)

const (
	namePrefix = "backup_"
	nameStamp  = "20060102_150405"

	// DefaultRetention is how long snapshots are kept before Prune
	// removes them.
	DefaultRetention = 7 * 24 * time.Hour
)

type Config struct {
	Dir       string
	Retention time.Duration
}

// Manager owns the snapshot directory. It is safe for concurrent use as
// long as the underlying Store is.
type Manager struct {
	store *store.Store
	cfg   Config
	log   logx.Logger

	remove func(string) error // test seam
}

func New(st *store.Store, cfg Config, log logx.Logger) (*Manager, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("backup: dir is required")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("backup: create dir: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{store: st, cfg: cfg, log: log, remove: os.Remove}, nil
}

func (m *Manager) Dir() string { return m.cfg.Dir }

// SnapshotNow writes a consistent copy of the live database and returns
// its path. VACUUM INTO is used instead of a file copy so WAL content is
// always included.
func (m *Manager) SnapshotNow(ctx context.Context) (string, error) {
	if st := m.store.FileStats(); !st.Valid {
		return "", fmt.Errorf("backup: refusing snapshot, live database invalid: %s", st.Reason)
	}

	name := namePrefix + time.Now().UTC().Format(nameStamp) + ".db"
	dst := filepath.Join(m.cfg.Dir, name)

	// VACUUM INTO refuses to overwrite; a stale partial file from a
	// crashed run would otherwise wedge snapshots forever.
	_ = os.Remove(dst)

	if _, err := m.store.DB().ExecContext(ctx, `VACUUM INTO ?`, dst); err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("backup: vacuum into %s: %w", dst, err)
	}
	if err := store.ValidateFile(dst); err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("backup: snapshot failed validation: %w", err)
	}

	m.log.Info("snapshot written", logx.String("path", dst))
	return dst, nil
}

// ZipSnapshot takes a fresh snapshot and wraps it in a zip archive next
// to it. Returns the archive path; the raw .db snapshot is kept too (it
// participates in retention like any other).
func (m *Manager) ZipSnapshot(ctx context.Context) (string, error) {
	src, err := m.SnapshotNow(ctx)
	if err != nil {
		return "", err
	}
	dst := strings.TrimSuffix(src, ".db") + ".zip"
	if err := zipFile(src, dst); err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("backup: zip snapshot: %w", err)
	}
	return dst, nil
}

func zipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	w, err := zw.Create(filepath.Base(src))
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, in); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return out.Close()
}

// PruneFailure records one snapshot that could not be removed; pruning
// continues past it.
type PruneFailure struct {
	Name string
	Err  error
}

type PruneReport struct {
	Removed []string
	Failed  []PruneFailure
}

// Prune removes snapshots (and their zip twins) whose name stamp is
// older than the retention window relative to now. Files that do not
// match the naming scheme are left alone.
func (m *Manager) Prune(now time.Time) (PruneReport, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return PruneReport{}, fmt.Errorf("backup: read dir: %w", err)
	}

	cutoff := now.UTC().Add(-m.cfg.Retention)
	var rep PruneReport
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		stamp, ok := stampOf(e.Name())
		if !ok || !stamp.Before(cutoff) {
			continue
		}
		path := filepath.Join(m.cfg.Dir, e.Name())
		if err := m.remove(path); err != nil {
			m.log.Warn("prune failed", logx.String("name", e.Name()), logx.Err(err))
			rep.Failed = append(rep.Failed, PruneFailure{Name: e.Name(), Err: err})
			continue
		}
		rep.Removed = append(rep.Removed, e.Name())
	}
	if len(rep.Removed) > 0 {
		m.log.Info("snapshots pruned", logx.Int("removed", len(rep.Removed)), logx.Int("failed", len(rep.Failed)))
	}
	return rep, nil
}

// List returns snapshot names, newest first.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("backup: read dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := stampOf(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// stampOf extracts the UTC timestamp from a snapshot name. Both .db and
// .zip snapshots count.
func stampOf(name string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(name, namePrefix)
	if !ok {
		return time.Time{}, false
	}
	rest, cut := strings.CutSuffix(rest, ".db")
	if !cut {
		rest, cut = strings.CutSuffix(rest, ".zip")
		if !cut {
			return time.Time{}, false
		}
	}
	t, err := time.ParseInLocation(nameStamp, rest, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
