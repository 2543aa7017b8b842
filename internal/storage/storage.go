// Package storage implements the Persistent Stats Store (C3): a relational
// store of user-package settings and daily I/O usage rows, backed by
// modernc.org/sqlite (a cgo-free driver), supporting atomic replace,
// aggregation windows, forgiveness update, and retention truncation.
//
// The database file is placed under the device-protected directory
// analogue so it is readable before user authentication, opened with WAL
// journaling and foreign keys enabled, matching the connection-parameter
// idiom this layer is grounded on.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"

	"github.com/ioverseer/ioverseer/internal/model"
)

const schemaVersion = 1

const ddl = `
CREATE TABLE IF NOT EXISTS schema_meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS user_package_settings (
	row_id INTEGER PRIMARY KEY AUTOINCREMENT,
	package_name TEXT NOT NULL,
	user_id INTEGER NOT NULL,
	killable_state INTEGER NOT NULL,
	UNIQUE(package_name, user_id)
);

CREATE TABLE IF NOT EXISTS io_usage_stats (
	user_package_id INTEGER NOT NULL REFERENCES user_package_settings(row_id) ON DELETE CASCADE,
	date_epoch INTEGER NOT NULL,
	num_overuses INTEGER NOT NULL DEFAULT 0,
	num_forgiven_overuses INTEGER NOT NULL DEFAULT 0,
	num_times_killed INTEGER NOT NULL DEFAULT 0,
	written_fg INTEGER NOT NULL DEFAULT 0,
	written_bg INTEGER NOT NULL DEFAULT 0,
	written_gm INTEGER NOT NULL DEFAULT 0,
	remaining_fg INTEGER,
	remaining_bg INTEGER,
	remaining_gm INTEGER,
	forgiven_fg INTEGER,
	forgiven_bg INTEGER,
	forgiven_gm INTEGER,
	PRIMARY KEY (user_package_id, date_epoch)
);

CREATE INDEX IF NOT EXISTS idx_io_usage_stats_date ON io_usage_stats(date_epoch);
`

// Store is the Persistent Stats Store (C3). All write methods that touch
// more than one row use a transaction for all-or-nothing atomicity; readers
// serialize at the database/sql connection-pool level.
type Store struct {
	db  *sql.DB
	log *zap.Logger

	mu            sync.Mutex // guards todayCache and lastShrinkDay
	todayCache    map[int64]model.DailyIoUsage
	todayCacheDay int64
	todayCached   bool
	lastShrinkDay int64
}

// Open opens (creating if absent) the SQLite database at path and ensures
// the schema exists at the expected version.
func Open(path string, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("storage.Open: mkdir %q: %w", filepath.Dir(path), err)
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage.Open: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers through one connection.
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.Open: ping %q: %w", path, err)
	}

	s := &Store{db: db, log: log}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil && log != nil {
		log.Warn("storage: failed to set file permissions", zap.Error(err))
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("storage: schema init failed: %w", err)
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_meta WHERE id = 1`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.Exec(`INSERT INTO schema_meta (id, version) VALUES (1, ?)`, schemaVersion); err != nil {
			return fmt.Errorf("storage: schema_meta insert failed: %w", err)
		}
	case err != nil:
		return fmt.Errorf("storage: schema_meta read failed: %w", err)
	case version != schemaVersion:
		return fmt.Errorf("storage: schema version mismatch: db has %d, code expects %d", version, schemaVersion)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Health checks database liveness.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
