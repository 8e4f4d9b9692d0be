package store

import (
	"database/sql"
	"fmt"
	"io"
	"os"
)

// sqliteMagic is the fixed 16-byte header every SQLite database starts with.
var sqliteMagic = []byte("SQLite format 3\x00")

// ValidateFile checks that path is a readable SQLite database: the file
// exists, carries the magic header, and answers a trivial query. It is
// used both before backups (don't ship a corrupt file) and before merges
// (don't touch the live store for a bogus upload).
func ValidateFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("database file does not exist: %s", path)
		}
		return fmt.Errorf("open database file: %w", err)
	}
	header := make([]byte, len(sqliteMagic))
	_, rerr := io.ReadFull(f, header)
	_ = f.Close()
	if rerr != nil {
		return fmt.Errorf("read database header: %w", rerr)
	}
	if string(header) != string(sqliteMagic) {
		return fmt.Errorf("not a SQLite database (bad header): %s", path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if _, err := db.Exec("SELECT 1"); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}
	return nil
}

// Stats describes the live database for diagnostics.
type Stats struct {
	Path      string
	Exists    bool
	Valid     bool
	Reason    string // validation failure reason, "OK" when valid
	SizeBytes int64
	HasTable  bool
	Rows      int
}

// FileStats gathers diagnostics about the live store file. Errors along
// the way are folded into the report rather than returned; this feeds an
// admin command, not control flow.
func (s *Store) FileStats() Stats {
	st := Stats{Path: s.path, Reason: "OK"}
	if fi, err := os.Stat(s.path); err == nil {
		st.Exists = true
		st.SizeBytes = fi.Size()
	}
	if err := ValidateFile(s.path); err != nil {
		st.Reason = err.Error()
	} else {
		st.Valid = true
	}

	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='users'`).Scan(&n)
	if err == nil && n > 0 {
		st.HasTable = true
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&st.Rows); err != nil {
			st.Rows = 0
		}
	}
	return st
}
