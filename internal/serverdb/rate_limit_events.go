package serverdb

import (
	"database/sql"
	"fmt"
	"time"
)

// RateLimitEvent represents a rate limit violation event.
type RateLimitEvent struct {
	ID            int64
	DeviceID      string // empty string if IP-based (nullable in DB)
	IP            string
	EndpointClass string // auth, push, other
	CreatedAt     time.Time
}

// InsertRateLimitEvent inserts a rate limit violation event.
// deviceID may be empty for IP-based rate limiting (stored as NULL).
func (db *ServerDB) InsertRateLimitEvent(deviceID, ip, endpointClass string) error {
	var deviceParam any
	if deviceID != "" {
		deviceParam = deviceID
	}
	_, err := db.conn.Exec(
		`INSERT INTO rate_limit_events (device_id, ip, endpoint_class, created_at) VALUES (?, ?, ?, ?)`,
		deviceParam, ip, endpointClass, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert rate limit event: %w", err)
	}
	return nil
}

// ListRateLimitEvents returns the most recent events, newest first. An empty
// deviceID lists events for all devices.
func (db *ServerDB) ListRateLimitEvents(deviceID string, limit int) ([]RateLimitEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, device_id, ip, endpoint_class, created_at FROM rate_limit_events`
	var args []any
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rate limit events: %w", err)
	}
	defer rows.Close()

	var events []RateLimitEvent
	for rows.Next() {
		var e RateLimitEvent
		var dev sql.NullString
		if err := rows.Scan(&e.ID, &dev, &e.IP, &e.EndpointClass, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rate limit event: %w", err)
		}
		e.DeviceID = dev.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// CleanupRateLimitEvents deletes events older than the given duration.
// Returns the number of rows deleted.
func (db *ServerDB) CleanupRateLimitEvents(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := db.conn.Exec(`DELETE FROM rate_limit_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup rate limit events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
