package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"welcomebot/pkg/logx"
)

const timeFormat = time.RFC3339Nano

// User is one known recipient.
//
// user_id is the platform identifier and the primary key. Display fields
// may be empty (stored as NULL). FirstSeen is immutable after creation;
// LastSeen is refreshed on every observed interaction.
type User struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
	FirstSeen time.Time
	LastSeen  time.Time
}

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Store is the single-table user registry backed by a SQLite file.
type Store struct {
	db   *sql.DB
	path string
	log  logx.Logger
}

// Open opens (creating if needed) the store and brings the schema up to
// date. Safe to call against databases created by older builds that lack
// the first_seen/last_seen columns.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, path: cfg.Path, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the live database file path (backup copies it).
func (s *Store) Path() string { return s.path }

// DB exposes the handle for the merge importer.
func (s *Store) DB() *sql.DB { return s.db }

// migrate creates the users table and adds the two later-added timestamp
// columns when restoring an old-schema database. Idempotent: running it
// against an up-to-date schema is a no-op.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS users (
		user_id    INTEGER PRIMARY KEY,
		username   TEXT,
		first_name TEXT,
		last_name  TEXT,
		first_seen TEXT,
		last_seen  TEXT
	)`)
	if err != nil {
		return fmt.Errorf("create users table: %w", err)
	}

	cols, err := tableColumns(ctx, s.db, "users")
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(timeFormat)
	for _, col := range []string{"first_seen", "last_seen"} {
		if cols[col] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, "ALTER TABLE users ADD COLUMN "+col+" TEXT"); err != nil {
			return fmt.Errorf("add column %s: %w", col, err)
		}
		s.log.Info("users schema: column added", logx.String("column", col))
	}
	// Pre-existing rows with no timestamps get the evolution instant.
	_, err = s.db.ExecContext(ctx,
		`UPDATE users SET first_seen = COALESCE(first_seen, ?), last_seen = COALESCE(last_seen, ?)`,
		now, now)
	if err != nil {
		return fmt.Errorf("backfill timestamps: %w", err)
	}
	return nil
}

func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("inspect %s schema: %w", table, err)
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// Identity is what an inbound interaction tells us about a user.
type Identity struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

// Upsert records an interaction. Unknown users are inserted with
// first_seen = last_seen = now; known users get their display fields and
// last_seen refreshed, first_seen untouched.
func (s *Store) Upsert(ctx context.Context, id Identity) error {
	if id.ID == 0 {
		return errors.New("upsert: user id is zero")
	}
	now := time.Now().UTC().Format(timeFormat)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, username, first_name, last_name, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			username   = excluded.username,
			first_name = excluded.first_name,
			last_name  = excluded.last_name,
			last_seen  = excluded.last_seen`,
		id.ID, nullStr(id.Username), nullStr(id.FirstName), nullStr(id.LastName), now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", id.ID, err)
	}
	return nil
}

// Count returns the total number of known users.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// All returns every user ordered by first_seen ascending (export and
// fan-out order).
func (s *Store) All(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, username, first_name, last_name, first_seen, last_seen
		FROM users ORDER BY first_seen ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	return scanUsers(rows)
}

// Recent returns the n most recently seen users.
func (s *Store) Recent(ctx context.Context, n int) ([]User, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, username, first_name, last_name, first_seen, last_seen
		FROM users ORDER BY last_seen DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("list recent users: %w", err)
	}
	defer rows.Close()
	return scanUsers(rows)
}

func scanUsers(rows *sql.Rows) ([]User, error) {
	var out []User
	for rows.Next() {
		var (
			u                  User
			username, first    sql.NullString
			last, fseen, lseen sql.NullString
		)
		if err := rows.Scan(&u.ID, &username, &first, &last, &fseen, &lseen); err != nil {
			return nil, err
		}
		u.Username = username.String
		u.FirstName = first.String
		u.LastName = last.String
		u.FirstSeen = parseTime(fseen.String)
		u.LastSeen = parseTime(lseen.String)
		out = append(out, u)
	}
	return out, rows.Err()
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{timeFormat, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
