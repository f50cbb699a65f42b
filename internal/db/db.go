// Package db opens the workspace SQLite database holding the run log and the
// local catalog.
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	// StateDir is created inside every workspace.
	StateDir = ".guidemag"
	fileName = "guidemag.db"
)

type Config struct {
	Workspace string
	// Path overrides the workspace database location.
	Path string
}

// Path returns the database file of workspace.
func Path(workspace string) string {
	return filepath.Join(orDot(workspace), StateDir, fileName)
}

// EnsureWorkspace creates the state directory of workspace and returns it.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(orDot(workspace), StateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace state dir: %w", err)
	}
	return dir, nil
}

// Open opens the database in WAL mode with foreign keys on. Writers from
// concurrent runs share one connection and queue on it instead of failing
// with SQLITE_BUSY.
func Open(cfg Config) (*sql.DB, error) {
	path := cfg.Path
	if path == "" {
		if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
			return nil, err
		}
		path = Path(cfg.Workspace)
	} else if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	conn, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

func orDot(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}
