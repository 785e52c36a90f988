// Package sqlitex holds the SQLite plumbing shared by the device store and
// the server store: opening a file database and versioned migrations
// tracked in PRAGMA user_version.
package sqlitex

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	_ "modernc.org/sqlite"
)

// Driver is the production driver name.
const Driver = "sqlite"

var filePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
}

// OpenFile opens the database at path, creating its directory, and applies
// the WAL pragmas.
func OpenFile(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	conn, err := sql.Open(Driver, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; pragmas are per connection.
	conn.SetMaxOpenConns(1)
	for _, p := range filePragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return conn, nil
}

// Close truncates the WAL and closes conn.
func Close(conn *sql.DB) error {
	conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return conn.Close()
}

// Migration moves the schema to Version.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Schema is a base schema (version 1) plus later migrations.
type Schema struct {
	Base       string
	Migrations []Migration
}

// Latest returns the highest version the schema knows.
func (s Schema) Latest() int {
	v := 1
	for _, m := range s.Migrations {
		if m.Version > v {
			v = m.Version
		}
	}
	return v
}

// Version returns the stored schema version; 0 for an empty database.
func Version(ctx context.Context, conn *sql.DB) (int, error) {
	var v int
	if err := conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// Migrate brings conn up to s.Latest and returns how many steps ran. Each
// step runs in its own transaction together with its version bump.
func Migrate(ctx context.Context, conn *sql.DB, s Schema) (int, error) {
	current, err := Version(ctx, conn)
	if err != nil {
		return 0, err
	}

	steps := make([]Migration, 0, len(s.Migrations)+1)
	if current < 1 {
		steps = append(steps, Migration{Version: 1, Description: "base schema", SQL: s.Base})
	}
	pending := append([]Migration(nil), s.Migrations...)
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })
	for _, m := range pending {
		if m.Version > current {
			steps = append(steps, m)
		}
	}

	ran := 0
	for _, m := range steps {
		if err := apply(ctx, conn, m); err != nil {
			return ran, err
		}
		ran++
	}
	return ran, nil
}

func apply(ctx context.Context, conn *sql.DB, m Migration) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %d: begin: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	// PRAGMA does not take bind parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
		return fmt.Errorf("migration %d: set version: %w", m.Version, err)
	}
	return tx.Commit()
}
