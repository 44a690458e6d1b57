package storetest

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver
)

// SQLiteLogStore persists build logs (as accumulated by AddBuildLog) in a
// SQLite database, so a nix-worker serve process can restart without
// losing in-flight build output a client may still want to fetch. It
// implements BuildLogStore and attaches to a MemStore or BadgerStore via
// WithBuildLogStore.
type SQLiteLogStore struct {
	db *sql.DB
}

// OpenSQLiteLogStore opens (creating if absent) a SQLite database at path
// and ensures its schema exists.
func OpenSQLiteLogStore(path string) (*SQLiteLogStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("storetest: open sqlite log store: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS build_logs (
	drv_path TEXT PRIMARY KEY,
	data     BLOB NOT NULL
);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("storetest: create build_logs schema: %w", err)
	}

	return &SQLiteLogStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteLogStore) Close() error {
	return s.db.Close()
}

// AppendLog appends data to drvPath's accumulated log, creating the row if
// it does not exist yet.
func (s *SQLiteLogStore) AppendLog(ctx context.Context, drvPath string, data []byte) error {
	const upsert = `
INSERT INTO build_logs (drv_path, data) VALUES (?, ?)
ON CONFLICT(drv_path) DO UPDATE SET data = build_logs.data || excluded.data;`

	if _, err := s.db.ExecContext(ctx, upsert, drvPath, data); err != nil {
		return fmt.Errorf("storetest: append build log for %s: %w", drvPath, err)
	}

	return nil
}

// ReadLog returns the accumulated log for drvPath, or nil if none exists.
func (s *SQLiteLogStore) ReadLog(ctx context.Context, drvPath string) ([]byte, error) {
	var data []byte

	err := s.db.QueryRowContext(ctx, `SELECT data FROM build_logs WHERE drv_path = ?`, drvPath).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("storetest: read build log for %s: %w", drvPath, err)
	}

	return data, nil
}

var _ BuildLogStore = (*SQLiteLogStore)(nil)
