package db

import "github.com/marcus/fieldsync/internal/sqlitex"

// SchemaVersion is the current local database schema version.
const SchemaVersion = 2

// syncColumns are shared by every entity table. A synced row must carry
// the identifier the remote assigned to it.
const syncColumns = `
    token TEXT NOT NULL UNIQUE,
    remote_id TEXT UNIQUE,
    created_at TEXT NOT NULL,
    synced INTEGER NOT NULL DEFAULT 0,
    sync_attempts INTEGER NOT NULL DEFAULT 0,
    last_attempt_at TEXT,
    synced_at TEXT,
    escalated INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    CHECK (synced = 0 OR remote_id IS NOT NULL)
`

const schema = `
CREATE TABLE IF NOT EXISTS location_samples (
    local_id INTEGER PRIMARY KEY AUTOINCREMENT,
    latitude REAL NOT NULL,
    longitude REAL NOT NULL,
    accuracy REAL NOT NULL DEFAULT 0,
    speed REAL,
    movement_state TEXT NOT NULL DEFAULT '',
    battery_level REAL NOT NULL DEFAULT 0,
    timestamp TEXT NOT NULL,` + syncColumns + `);

CREATE TABLE IF NOT EXISTS time_records (
    local_id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL CHECK (kind IN ('clock_in', 'clock_out')),
    shift_id TEXT NOT NULL DEFAULT '',
    latitude REAL,
    longitude REAL,
    timestamp TEXT NOT NULL,` + syncColumns + `);

CREATE TABLE IF NOT EXISTS checkpoint_verifications (
    local_id INTEGER PRIMARY KEY AUTOINCREMENT,
    checkpoint_id TEXT NOT NULL,
    latitude REAL NOT NULL,
    longitude REAL NOT NULL,
    distance_m REAL NOT NULL DEFAULT 0,
    timestamp TEXT NOT NULL,` + syncColumns + `);

CREATE TABLE IF NOT EXISTS reports (
    local_id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    body TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    urgent INTEGER NOT NULL DEFAULT 0,
    timestamp TEXT NOT NULL,` + syncColumns + `);

CREATE TABLE IF NOT EXISTS photos (
    local_id INTEGER PRIMARY KEY AUTOINCREMENT,
    caption TEXT NOT NULL DEFAULT '',
    content_type TEXT NOT NULL,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    sha256 TEXT NOT NULL,
    latitude REAL,
    longitude REAL,
    timestamp TEXT NOT NULL,` + syncColumns + `);

CREATE INDEX IF NOT EXISTS idx_location_samples_pending ON location_samples(synced, escalated, created_at);
CREATE INDEX IF NOT EXISTS idx_time_records_pending ON time_records(synced, escalated, created_at);
CREATE INDEX IF NOT EXISTS idx_checkpoint_verifications_pending ON checkpoint_verifications(synced, escalated, created_at);
CREATE INDEX IF NOT EXISTS idx_reports_pending ON reports(synced, escalated, created_at);
CREATE INDEX IF NOT EXISTS idx_photos_pending ON photos(synced, escalated, created_at);
`

var migrations = []sqlitex.Migration{
	{
		Version:     2,
		Description: "Add checkpoints and sync history",
		SQL: `
CREATE TABLE IF NOT EXISTS checkpoints (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    latitude REAL NOT NULL,
    longitude REAL NOT NULL,
    radius_m REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sync_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    trigger_kind TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL,
    synced INTEGER NOT NULL DEFAULT 0,
    rejected INTEGER NOT NULL DEFAULT 0,
    escalated INTEGER NOT NULL DEFAULT 0,
    detail TEXT NOT NULL DEFAULT '{}'
);
`,
	},
}

var storeSchema = sqlitex.Schema{Base: schema, Migrations: migrations}
