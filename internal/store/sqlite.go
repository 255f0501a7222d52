package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"modelhist/internal/history"
)

// SQLiteArchive stores snapshots in a SQLite database.
type SQLiteArchive struct {
	db       *sql.DB
	validate bool
	log      *slog.Logger
}

// OpenSQLite opens or creates the SQLite database at the given path and runs migrations.
func OpenSQLite(path string, opts Options) (*SQLiteArchive, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, busy.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	a := &SQLiteArchive{db: db, validate: opts.Validate, log: logger(opts)}
	a.log.Debug("sqlite archive opened", "path", path)
	return a, nil
}

// DB exposes the underlying database handle.
func (a *SQLiteArchive) DB() *sql.DB { return a.db }

// Close closes the database connection.
func (a *SQLiteArchive) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// Save stores img with its state index in one transaction.
func (a *SQLiteArchive) Save(img *history.Image, label string) (*Snapshot, error) {
	snap, states, err := encodeImage(img, label, a.validate)
	if err != nil {
		return nil, err
	}

	tx, err := a.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO snapshots (stream_id, stream_name, label, created_at, state, state_count, digest, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.StreamID, snap.StreamName, snap.Label, snap.CreatedAt.UnixNano(),
		int64(snap.State), snap.StateCount, snap.Digest[:], snap.Data,
	)
	if err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}
	snap.ID, err = result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO snapshot_states (snapshot_id, state, name, records, hidden)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, st := range states {
		if _, err := stmt.Exec(snap.ID, int64(st.State), st.Name, st.Records, st.Hidden); err != nil {
			return nil, fmt.Errorf("insert snapshot state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	a.log.Debug("snapshot saved", "id", snap.ID, "stream_name", snap.StreamName, "states", snap.StateCount)
	return snap, nil
}

const snapshotColumns = `id, stream_id, stream_name, label, created_at, state, state_count, digest`

// Load reads and verifies a snapshot.
func (a *SQLiteArchive) Load(id int64) (*history.Image, *Snapshot, error) {
	snap, err := a.snapshot(id)
	if err != nil {
		return nil, nil, err
	}
	img, err := decodeImage(snap, a.validate)
	if err != nil {
		return nil, nil, err
	}
	return img, snap, nil
}

// Latest returns the newest snapshot of the named stream.
func (a *SQLiteArchive) Latest(stream string) (*history.Image, *Snapshot, error) {
	var id int64
	err := a.db.QueryRow(`SELECT id FROM snapshots WHERE stream_name = ? ORDER BY id DESC LIMIT 1`, stream).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("%w: stream %q", ErrNotFound, stream)
		}
		return nil, nil, fmt.Errorf("get latest snapshot: %w", err)
	}
	return a.Load(id)
}

// List returns snapshot metadata, newest first.
func (a *SQLiteArchive) List(stream string) ([]Snapshot, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if stream == "" {
		rows, err = a.db.Query(`SELECT ` + snapshotColumns + ` FROM snapshots ORDER BY id DESC`)
	} else {
		rows, err = a.db.Query(`SELECT `+snapshotColumns+` FROM snapshots WHERE stream_name = ? ORDER BY id DESC`, stream)
	}
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snaps, nil
}

// States returns the state index of a snapshot ordered by state.
func (a *SQLiteArchive) States(id int64) ([]StateEntry, error) {
	rows, err := a.db.Query(`
		SELECT snapshot_id, state, name, records, hidden
		FROM snapshot_states WHERE snapshot_id = ? ORDER BY state ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("get snapshot states: %w", err)
	}
	defer rows.Close()

	var states []StateEntry
	for rows.Next() {
		var (
			e     StateEntry
			state int64
			name  sql.NullString
		)
		if err := rows.Scan(&e.SnapshotID, &state, &name, &e.Records, &e.Hidden); err != nil {
			return nil, fmt.Errorf("scan snapshot state: %w", err)
		}
		e.State = history.StateID(state)
		e.Name = name.String
		states = append(states, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot states: %w", err)
	}
	if len(states) == 0 {
		if _, err := a.snapshot(id); err != nil {
			return nil, err
		}
	}
	return states, nil
}

// Delete removes a snapshot and its state index.
func (a *SQLiteArchive) Delete(id int64) error {
	result, err := a.db.Exec(`DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

// FindState returns the snapshots whose index holds a state with the
// given name.
func (a *SQLiteArchive) FindState(name string) ([]StateEntry, error) {
	rows, err := a.db.Query(`
		SELECT snapshot_id, state, name, records, hidden
		FROM snapshot_states WHERE name = ? ORDER BY snapshot_id DESC`, name)
	if err != nil {
		return nil, fmt.Errorf("find state: %w", err)
	}
	defer rows.Close()

	var states []StateEntry
	for rows.Next() {
		var (
			e     StateEntry
			state int64
		)
		if err := rows.Scan(&e.SnapshotID, &state, &e.Name, &e.Records, &e.Hidden); err != nil {
			return nil, fmt.Errorf("scan snapshot state: %w", err)
		}
		e.State = history.StateID(state)
		states = append(states, e)
	}
	return states, rows.Err()
}

// snapshot reads a full row without verifying it.
func (a *SQLiteArchive) snapshot(id int64) (*Snapshot, error) {
	row := a.db.QueryRow(`SELECT `+snapshotColumns+`, data FROM snapshots WHERE id = ?`, id)
	var (
		s         Snapshot
		label     sql.NullString
		createdAt int64
		state     int64
		digest    []byte
	)
	err := row.Scan(&s.ID, &s.StreamID, &s.StreamName, &label, &createdAt, &state, &s.StateCount, &digest, &s.Data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	s.Label = label.String
	s.CreatedAt = time.Unix(0, createdAt).UTC()
	s.State = history.StateID(state)
	copy(s.Digest[:], digest)
	return &s, nil
}

func scanSnapshot(rows *sql.Rows) (*Snapshot, error) {
	var (
		s         Snapshot
		label     sql.NullString
		createdAt int64
		state     int64
		digest    []byte
	)
	if err := rows.Scan(&s.ID, &s.StreamID, &s.StreamName, &label, &createdAt, &state, &s.StateCount, &digest); err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	s.Label = label.String
	s.CreatedAt = time.Unix(0, createdAt).UTC()
	s.State = history.StateID(state)
	copy(s.Digest[:], digest)
	return &s, nil
}
