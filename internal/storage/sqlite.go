package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sparkvisionsa/valuetech-bridge/internal/log"
)

// networkFilesystems cannot give WAL mode the shared memory it needs.
var networkFilesystems = map[string]bool{
	"afpfs":  true,
	"cifs":   true,
	"nfs":    true,
	"smbfs":  true,
	"smb2":   true,
	"webdav": true,
}

// OpenSQLite opens (and creates if needed) the journal database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	return openSQLite(ctx, path, filesystemType)
}

func openSQLite(ctx context.Context, path string, detect func(dir string) (string, error)) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	fsType, err := detect(dir)
	if err != nil {
		log.WithComponent("storage").Warn("could not detect filesystem; assuming local disk", "dir", dir, "error", err)
	}
	pragmas := pragmasFor(fsType)
	if isNetworkFilesystem(fsType) {
		log.WithComponent("storage").Warn("journal is on a network filesystem; holding it exclusively, journal tail will wait for the bridge to stop",
			"path", path, "fs_type", fsType)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; the journal is append-mostly.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func isNetworkFilesystem(fsType string) bool {
	return networkFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
}

// pragmasFor returns the connection settings for a journal on fsType. Network
// mounts get a rollback journal under an exclusive lock; the instance lock
// already guarantees a single writer.
func pragmasFor(fsType string) []string {
	if isNetworkFilesystem(fsType) {
		return []string{
			"PRAGMA busy_timeout = 5000;",
			"PRAGMA locking_mode = EXCLUSIVE;",
			"PRAGMA journal_mode = DELETE;",
		}
	}
	return []string{
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	}
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS command_log (
  id              TEXT PRIMARY KEY,
  bridge_session  TEXT NOT NULL,
  command_id      INTEGER NOT NULL,
  action          TEXT NOT NULL,
  worker_session  TEXT,
  status          TEXT NOT NULL,
  error           TEXT,
  submitted_at    TEXT NOT NULL,
  completed_at    TEXT,
  duration_ms     INTEGER
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS command_log_session_command_idx ON command_log(bridge_session, command_id);`,
		`CREATE INDEX IF NOT EXISTS command_log_submitted_at_idx ON command_log(submitted_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
