package serverdb

import "github.com/marcus/fieldsync/internal/sqlitex"

// ServerSchemaVersion is the current server database schema version.
const ServerSchemaVersion = 2

const serverSchema = `
-- Registered field devices
CREATE TABLE IF NOT EXISTS devices (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    key_hash TEXT UNIQUE NOT NULL,
    key_prefix TEXT NOT NULL,
    last_seen_at DATETIME,
    revoked_at DATETIME,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Records received from devices, one row per idempotency key
CREATE TABLE IF NOT EXISTS records (
    id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    idempotency_key TEXT NOT NULL,
    local_id INTEGER NOT NULL,
    payload TEXT NOT NULL,
    content BLOB,
    client_created_at DATETIME NOT NULL,
    received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (device_id, entity_type, idempotency_key),
    FOREIGN KEY (device_id) REFERENCES devices(id)
);

-- Rate limit violations
CREATE TABLE IF NOT EXISTS rate_limit_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id TEXT,
    ip TEXT NOT NULL,
    endpoint_class TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_records_entity ON records(entity_type, received_at);
CREATE INDEX IF NOT EXISTS idx_devices_prefix ON devices(key_prefix);
CREATE INDEX IF NOT EXISTS idx_rate_limit_events_created ON rate_limit_events(created_at);
`

var migrations = []sqlitex.Migration{
	{
		Version:     2,
		Description: "Add rejections table for per-item rejection audit",
		SQL: `CREATE TABLE IF NOT EXISTS rejections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_rejections_device ON rejections(device_id, created_at);`,
	},
}

var schema = sqlitex.Schema{Base: serverSchema, Migrations: migrations}
