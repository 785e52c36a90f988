package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SyncHistoryEntry is one completed sync pass.
type SyncHistoryEntry struct {
	ID         int64
	Trigger    string // "manual", "schedule", "connectivity", "entity"
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	Synced     int
	Rejected   int
	Escalated  int
	Detail     string // JSON encoded per-entity results
}

// RecordSyncHistory appends a finished pass to the history.
func (db *DB) RecordSyncHistory(ctx context.Context, e SyncHistoryEntry) error {
	if e.Detail == "" {
		e.Detail = "{}"
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sync_history (trigger_kind, status, started_at, finished_at, synced, rejected, escalated, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Trigger, e.Status, formatTime(e.StartedAt), formatTime(e.FinishedAt), e.Synced, e.Rejected, e.Escalated, e.Detail)
	if err != nil {
		return fmt.Errorf("record sync history: %w", err)
	}
	return nil
}

// GetSyncHistoryTail returns the last N entries in chronological order (oldest first).
func (db *DB) GetSyncHistoryTail(ctx context.Context, limit int) ([]SyncHistoryEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, trigger_kind, status, started_at, finished_at, synced, rejected, escalated, detail
		FROM sync_history
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []SyncHistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// PruneSyncHistory keeps only the newest keep entries.
func (db *DB) PruneSyncHistory(ctx context.Context, keep int) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `
		DELETE FROM sync_history WHERE id NOT IN (SELECT id FROM sync_history ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune sync history: %w", err)
	}
	return res.RowsAffected()
}

func scanHistory(rows *sql.Rows) (SyncHistoryEntry, error) {
	var e SyncHistoryEntry
	var started, finished string
	if err := rows.Scan(&e.ID, &e.Trigger, &e.Status, &started, &finished, &e.Synced, &e.Rejected, &e.Escalated, &e.Detail); err != nil {
		return e, err
	}
	var err error
	if e.StartedAt, err = parseTimestamp(started); err != nil {
		return e, err
	}
	if e.FinishedAt, err = parseTimestamp(finished); err != nil {
		return e, err
	}
	return e, nil
}
