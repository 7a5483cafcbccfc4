package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	stateDir = ".processline"
	dbFile   = "processline.db"
)

// Config locates the workspace whose state directory holds the database.
type Config struct {
	Workspace string
}

// Path returns the database file path inside a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir, dbFile)
}

// Open creates the workspace state directory if needed and opens its
// database. The pool is capped at one connection: sqlite has a single
// writer, and a second pooled connection under concurrent command handlers
// only surfaces SQLITE_BUSY.
func Open(cfg Config) (*sql.DB, error) {
	file := Path(cfg.Workspace)
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", file)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}
