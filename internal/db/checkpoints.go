package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Checkpoint is a known site a worker verifies presence at.
type Checkpoint struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	// RadiusM overrides the default proximity threshold when positive.
	RadiusM float64 `json:"radius_m,omitempty"`
}

// UpsertCheckpoint creates or replaces a checkpoint definition.
func (db *DB) UpsertCheckpoint(ctx context.Context, c Checkpoint) error {
	if c.ID == "" {
		return fmt.Errorf("checkpoint id required")
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO checkpoints (id, name, latitude, longitude, radius_m) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, latitude = excluded.latitude,
			longitude = excluded.longitude, radius_m = excluded.radius_m`,
		c.ID, c.Name, c.Latitude, c.Longitude, c.RadiusM)
	if err != nil {
		return fmt.Errorf("upsert checkpoint %s: %w", c.ID, err)
	}
	return nil
}

// GetCheckpoint returns a checkpoint by id.
func (db *DB) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	var c Checkpoint
	err := db.conn.QueryRowContext(ctx, `SELECT id, name, latitude, longitude, radius_m FROM checkpoints WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Latitude, &c.Longitude, &c.RadiusM)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %s: %w", id, err)
	}
	return &c, nil
}

// ListCheckpoints returns all checkpoints ordered by id.
func (db *DB) ListCheckpoints(ctx context.Context) ([]Checkpoint, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, name, latitude, longitude, radius_m FROM checkpoints ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var c Checkpoint
		if err := rows.Scan(&c.ID, &c.Name, &c.Latitude, &c.Longitude, &c.RadiusM); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LastTimeRecordKind returns the kind of the most recent clock event, or "" if none.
func (db *DB) LastTimeRecordKind(ctx context.Context) (string, error) {
	var kind string
	err := db.conn.QueryRowContext(ctx, `SELECT kind FROM time_records ORDER BY timestamp DESC, local_id DESC LIMIT 1`).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last time record: %w", err)
	}
	return kind, nil
}
