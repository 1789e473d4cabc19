package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"orderkeeper/pkg/exception"
)

// Schema version tracking:
// 1 - order_records + ledger_meta
const sqliteSchemaVersion = 1

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS order_records (
	key        TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_records_state ON order_records(state);
CREATE TABLE IF NOT EXISTS ledger_meta (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	version  INTEGER NOT NULL,
	seq      INTEGER NOT NULL,
	saved_at TEXT NOT NULL
);
`

// SQLiteStore keeps one row per record. A snapshot is written in a single
// transaction with synchronous=FULL.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path and applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("invalid sqlite store: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir store path: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: connect %s: %w", exception.ErrCorruptState, path, err)
	}

	// one writer, one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applySQLitePragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func applySQLitePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("%w: %s: %w", exception.ErrCorruptState, pragma, err)
		}
	}
	return nil
}

func migrateSQLite(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("%w: get user_version: %w", exception.ErrCorruptState, err)
	}
	switch {
	case version == sqliteSchemaVersion:
		return nil
	case version > sqliteSchemaVersion:
		return fmt.Errorf("%w: %w: user_version %d", exception.ErrCorruptState, exception.ErrStoreVersion, version)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) (Snapshot, error) {
	snap := Empty()
	var savedAt string
	err := s.db.QueryRowContext(ctx, `SELECT version, seq, saved_at FROM ledger_meta WHERE id = 1`).
		Scan(&snap.Version, &snap.Seq, &savedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		var count int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_records`).Scan(&count); err != nil {
			return Snapshot{}, fmt.Errorf("%w: count records: %w", exception.ErrCorruptState, err)
		}
		if count > 0 {
			return Snapshot{}, fmt.Errorf("%w: records without meta", exception.ErrCorruptState)
		}
		return snap, nil
	case err != nil:
		return Snapshot{}, fmt.Errorf("%w: read meta: %w", exception.ErrCorruptState, err)
	}
	if snap.SavedAt, err = time.Parse(time.RFC3339Nano, savedAt); err != nil {
		return Snapshot{}, fmt.Errorf("%w: saved_at: %w", exception.ErrCorruptState, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, body FROM order_records ORDER BY created_at, key`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: query records: %w", exception.ErrCorruptState, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key, body string
		if err := rows.Scan(&key, &body); err != nil {
			return Snapshot{}, fmt.Errorf("%w: scan record: %w", exception.ErrCorruptState, err)
		}
		rec, err := decodeRecord([]byte(body))
		if err != nil {
			return Snapshot{}, fmt.Errorf("record %s: %w", key, err)
		}
		if rec.Key != key {
			return Snapshot{}, fmt.Errorf("%w: record %s stored under %s", exception.ErrCorruptState, rec.Key, key)
		}
		snap.Records = append(snap.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("%w: iterate records: %w", exception.ErrCorruptState, err)
	}
	if err := snap.Check(); err != nil {
		return Snapshot{}, err
	}
	SortRecords(snap.Records)
	return snap, nil
}

func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO order_records (key, state, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			state = excluded.state,
			body = excluded.body,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range snap.Records {
		body, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, rec.Key, string(rec.State), string(body), rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano()); err != nil {
			return fmt.Errorf("upsert record %s: %w", rec.Key, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_meta (id, version, seq, saved_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			seq = excluded.seq,
			saved_at = excluded.saved_at
	`, snap.Version, snap.Seq, snap.SavedAt.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CountByState reports how many records sit in each state.
func (s *SQLiteStore) CountByState(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM order_records GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[state] = n
	}
	return out, rows.Err()
}

var _ Store = (*SQLiteStore)(nil)
