package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SnapshotSchema is the shape of the users table inside a snapshot.
// Resolved once per snapshot by column inspection, never inferred from
// query failures.
type SnapshotSchema int

const (
	// SchemaModern has the split first_seen/last_seen columns.
	SchemaModern SnapshotSchema = iota
	// SchemaLegacy predates the timestamp split. It cannot distinguish
	// first-seen from last-seen, so both are approximated by the moment
	// of import.
	SchemaLegacy
)

func (v SnapshotSchema) String() string {
	if v == SchemaLegacy {
		return "legacy"
	}
	return "modern"
}

// MergeResult reports what a snapshot merge did.
type MergeResult struct {
	Schema   SnapshotSchema
	Imported int // rows read from the snapshot
	Before   int
	After    int
}

type snapshotRow struct {
	id                        int64
	username, first, last     sql.NullString
	firstSeenRaw, lastSeenRaw sql.NullString
}

// MergeSnapshot reconciles the users table of the snapshot file into the
// live store.
//
// Policy per row, keyed by user_id:
//   - unknown id: inserted verbatim; timestamps the snapshot cannot
//     provide (legacy schema, or NULL holes in a modern one) become the
//     import instant;
//   - known id: display fields are overwritten only by non-NULL snapshot
//     values; first_seen is never overwritten (earliest wins); last_seen
//     takes the snapshot's value when present.
//
// The merge is a single transaction: any failure rolls back and the live
// store is untouched. The caller owns the snapshot file's lifecycle.
func (s *Store) MergeSnapshot(ctx context.Context, snapshotPath string) (MergeResult, error) {
	var res MergeResult

	if err := ValidateFile(snapshotPath); err != nil {
		return res, err
	}

	snap, err := sql.Open("sqlite", snapshotPath)
	if err != nil {
		return res, fmt.Errorf("open snapshot: %w", err)
	}
	defer snap.Close()

	schema, err := snapshotSchema(ctx, snap)
	if err != nil {
		return res, err
	}
	res.Schema = schema

	rows, err := readSnapshotRows(ctx, snap, schema)
	if err != nil {
		return res, err
	}
	res.Imported = len(rows)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&res.Before); err != nil {
		return res, fmt.Errorf("count before merge: %w", err)
	}

	// Inserted rows never get NULL timestamps: a snapshot hole falls back
	// to the import instant. The update arm keys last_seen off the raw
	// snapshot value instead, so a NULL there keeps the live one.
	now := time.Now().UTC().Format(timeFormat)
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO users (user_id, username, first_name, last_name, first_seen, last_seen)
		VALUES (?, ?, ?, ?, COALESCE(?, ?), COALESCE(?, ?))
		ON CONFLICT(user_id) DO UPDATE SET
			username   = COALESCE(excluded.username, users.username),
			first_name = COALESCE(excluded.first_name, users.first_name),
			last_name  = COALESCE(excluded.last_name,  users.last_name),
			last_seen  = COALESCE(?, users.last_seen)`)
	if err != nil {
		return res, fmt.Errorf("prepare merge: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		firstSeen, lastSeen := any(r.firstSeenRaw), any(r.lastSeenRaw)
		if schema == SchemaLegacy {
			firstSeen, lastSeen = now, now
		}
		if _, err := stmt.ExecContext(ctx, r.id, r.username, r.first, r.last,
			firstSeen, now, lastSeen, now, lastSeen); err != nil {
			return res, fmt.Errorf("merge row %d: %w", r.id, err)
		}
	}

	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&res.After); err != nil {
		return res, fmt.Errorf("count after merge: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit merge: %w", err)
	}
	return res, nil
}

func snapshotSchema(ctx context.Context, db *sql.DB) (SnapshotSchema, error) {
	cols, err := tableColumns(ctx, db, "users")
	if err != nil {
		return SchemaModern, err
	}
	for _, required := range []string{"user_id", "username", "first_name", "last_name"} {
		if !cols[required] {
			return SchemaModern, fmt.Errorf("snapshot has no usable users table (missing column %q)", required)
		}
	}
	if cols["first_seen"] && cols["last_seen"] {
		return SchemaModern, nil
	}
	return SchemaLegacy, nil
}

func readSnapshotRows(ctx context.Context, db *sql.DB, schema SnapshotSchema) ([]snapshotRow, error) {
	q := `SELECT user_id, username, first_name, last_name FROM users`
	if schema == SchemaModern {
		q = `SELECT user_id, username, first_name, last_name, first_seen, last_seen FROM users`
	}
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("read snapshot rows: %w", err)
	}
	defer rows.Close()

	var out []snapshotRow
	for rows.Next() {
		var r snapshotRow
		if schema == SchemaModern {
			err = rows.Scan(&r.id, &r.username, &r.first, &r.last, &r.firstSeenRaw, &r.lastSeenRaw)
		} else {
			err = rows.Scan(&r.id, &r.username, &r.first, &r.last)
		}
		if err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
