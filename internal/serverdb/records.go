package serverdb

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// RecordInput is one record as received from a device.
type RecordInput struct {
	IdempotencyKey  string
	LocalID         int64
	Payload         string
	Content         []byte
	ClientCreatedAt time.Time
}

// IngestResult is the outcome of storing one record.
type IngestResult struct {
	IdempotencyKey string
	RemoteID       string
	// Duplicate is set when the key was already stored; RemoteID is the
	// id assigned the first time.
	Duplicate bool
}

// Record is a stored record.
type Record struct {
	ID              string
	DeviceID        string
	EntityType      string
	IdempotencyKey  string
	LocalID         int64
	Payload         string
	Content         []byte
	ClientCreatedAt time.Time
	ReceivedAt      time.Time
}

// InsertRecords stores records for one device and entity type in a single
// transaction. Records whose idempotency key is already stored are not
// inserted again and come back as duplicates with their original id.
func (db *ServerDB) InsertRecords(deviceID, entityType string, inputs []RecordInput) ([]IngestResult, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	results := make([]IngestResult, 0, len(inputs))
	for _, in := range inputs {
		id, err := generateID("r_")
		if err != nil {
			return nil, fmt.Errorf("generate record id: %w", err)
		}

		res, err := tx.Exec(
			`INSERT OR IGNORE INTO records (id, device_id, entity_type, idempotency_key, local_id, payload, content, client_created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, deviceID, entityType, in.IdempotencyKey, in.LocalID, in.Payload, in.Content, in.ClientCreatedAt.UTC(),
		)
		if err != nil {
			return nil, fmt.Errorf("insert record %s: %w", in.IdempotencyKey, err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}

		if rows == 0 {
			// Duplicate: look up the existing id so the device can mark it synced
			var existing string
			err := tx.QueryRow(
				`SELECT id FROM records WHERE device_id = ? AND entity_type = ? AND idempotency_key = ?`,
				deviceID, entityType, in.IdempotencyKey,
			).Scan(&existing)
			if err != nil {
				return nil, fmt.Errorf("duplicate lookup %s: %w", in.IdempotencyKey, err)
			}
			slog.Debug("duplicate record", "device", deviceID, "entity", entityType, "key", in.IdempotencyKey)
			results = append(results, IngestResult{IdempotencyKey: in.IdempotencyKey, RemoteID: existing, Duplicate: true})
			continue
		}
		results = append(results, IngestResult{IdempotencyKey: in.IdempotencyKey, RemoteID: id})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return results, nil
}

// InsertRejection records why an item was refused.
func (db *ServerDB) InsertRejection(deviceID, entityType, key, reason string) error {
	_, err := db.conn.Exec(
		`INSERT INTO rejections (device_id, entity_type, idempotency_key, reason) VALUES (?, ?, ?, ?)`,
		deviceID, entityType, key, reason,
	)
	if err != nil {
		return fmt.Errorf("insert rejection: %w", err)
	}
	return nil
}

// GetRecordByKey returns the stored record for a device's idempotency key,
// or nil when none exists.
func (db *ServerDB) GetRecordByKey(deviceID, entityType, key string) (*Record, error) {
	r := &Record{}
	err := db.conn.QueryRow(
		`SELECT id, device_id, entity_type, idempotency_key, local_id, payload, content, client_created_at, received_at
		 FROM records WHERE device_id = ? AND entity_type = ? AND idempotency_key = ?`,
		deviceID, entityType, key,
	).Scan(&r.ID, &r.DeviceID, &r.EntityType, &r.IdempotencyKey, &r.LocalID, &r.Payload, &r.Content, &r.ClientCreatedAt, &r.ReceivedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return r, nil
}

// CountRecords returns the number of stored records per entity type.
func (db *ServerDB) CountRecords() (map[string]int64, error) {
	rows, err := db.conn.Query(`SELECT entity_type, COUNT(*) FROM records GROUP BY entity_type`)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var et string
		var n int64
		if err := rows.Scan(&et, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[et] = n
	}
	return counts, rows.Err()
}
