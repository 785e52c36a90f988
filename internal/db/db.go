package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/marcus/fieldsync/internal/sqlitex"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02 15:04:05.000000000"

// DB is the durable record store.
type DB struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

// Open opens (creating if needed) the store at path and runs any pending migrations.
func Open(path string) (*DB, error) {
	conn, err := sqlitex.OpenFile(path)
	if err != nil {
		return nil, err
	}
	db, err := Wrap(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	db.path = path
	return db, nil
}

// Wrap builds a store on an already open connection and migrates it.
// The pool is limited to one connection so in-memory databases stay shared.
func Wrap(conn *sql.DB) (*DB, error) {
	conn.SetMaxOpenConns(1)
	if _, err := sqlitex.Migrate(context.Background(), conn, storeSchema); err != nil {
		return nil, err
	}
	return &DB{conn: conn, now: time.Now}, nil
}

// GetSchemaVersion returns the stored schema version.
func (db *DB) GetSchemaVersion() (int, error) {
	return sqlitex.Version(context.Background(), db.conn)
}

// SetClock overrides the time source. Used by tests.
func (db *DB) SetClock(now func() time.Time) {
	db.now = now
}

// Close checkpoints the WAL and closes the database.
func (db *DB) Close() error {
	return sqlitex.Close(db.conn)
}

// Path returns the file path of the store, empty for wrapped connections.
func (db *DB) Path() string {
	return db.path
}

// Ping checks the database connection is alive.
func (db *DB) Ping() error {
	return db.conn.Ping()
}

func (db *DB) timestamp() string {
	return formatTime(db.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTimestamp tries common SQLite timestamp formats.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{
		timeLayout,
		"2006-01-02 15:04:05",
		time.RFC3339Nano,
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, &time.ParseError{Layout: timeLayout, Value: s}
}

func parseNullTimestamp(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTimestamp(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
