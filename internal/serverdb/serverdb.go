// Package serverdb is the storage of the reference fieldsync server:
// registered devices, received records and rate limit events.
package serverdb

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"

	"github.com/marcus/fieldsync/internal/sqlitex"
)

// ServerDB wraps the server database connection.
type ServerDB struct {
	conn *sql.DB
	path string
}

// Open opens the server database, creating and migrating it as needed.
func Open(dbPath string) (*ServerDB, error) {
	conn, err := sqlitex.OpenFile(dbPath)
	if err != nil {
		return nil, err
	}
	db, err := Wrap(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	db.path = dbPath
	return db, nil
}

// Wrap migrates an already opened connection. Tests use it with an
// in-memory database.
func Wrap(conn *sql.DB) (*ServerDB, error) {
	conn.SetMaxOpenConns(1)
	conn.Exec("PRAGMA foreign_keys=ON")
	if _, err := sqlitex.Migrate(context.Background(), conn, schema); err != nil {
		return nil, err
	}
	return &ServerDB{conn: conn}, nil
}

// SchemaVersion returns the stored schema version.
func (db *ServerDB) SchemaVersion() (int, error) {
	return sqlitex.Version(context.Background(), db.conn)
}

func (db *ServerDB) Ping() error {
	return db.conn.Ping()
}

// Close checkpoints the WAL and closes the database connection.
func (db *ServerDB) Close() error {
	return sqlitex.Close(db.conn)
}

// generateID creates a prefixed id with 16 random hex chars.
func generateID(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + hex.EncodeToString(b), nil
}
