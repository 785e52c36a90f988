package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/marcus/fieldsync/internal/models"
)

// GetUnsynced returns up to limit pending records of one entity type, oldest first.
// Escalated records are excluded; they are listed by ListEscalated.
func (db *DB) GetUnsynced(ctx context.Context, et models.EntityType, limit int) ([]models.Record, error) {
	t, err := tableFor(et)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`SELECT %s, %s FROM %s
		WHERE synced = 0 AND escalated = 0
		ORDER BY created_at ASC, local_id ASC
		LIMIT ?`, metaColumns, t.columns, t.name)
	return db.queryRecords(ctx, et, t, query, limit)
}

// GetUnsyncedAfter is GetUnsynced resumed past the record (createdAt, localID)
// in the same oldest-first order. A pass uses it to move on from records it
// has already attempted.
func (db *DB) GetUnsyncedAfter(ctx context.Context, et models.EntityType, createdAt time.Time, localID int64, limit int) ([]models.Record, error) {
	t, err := tableFor(et)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	ts := formatTime(createdAt)
	query := fmt.Sprintf(`SELECT %s, %s FROM %s
		WHERE synced = 0 AND escalated = 0
		  AND (created_at > ? OR (created_at = ? AND local_id > ?))
		ORDER BY created_at ASC, local_id ASC
		LIMIT ?`, metaColumns, t.columns, t.name)
	return db.queryRecords(ctx, et, t, query, ts, ts, localID, limit)
}

// ListEscalated returns records that exceeded their retry budget.
func (db *DB) ListEscalated(ctx context.Context, et models.EntityType) ([]models.Record, error) {
	t, err := tableFor(et)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s, %s FROM %s
		WHERE synced = 0 AND escalated = 1
		ORDER BY created_at ASC, local_id ASC`, metaColumns, t.columns, t.name)
	return db.queryRecords(ctx, et, t, query)
}

func (db *DB) queryRecords(ctx context.Context, et models.EntityType, t entityTable, query string, args ...any) ([]models.Record, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.name, err)
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		meta, entity, err := t.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.name, err)
		}
		rec, err := toRecord(et, meta, entity)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetRecord returns a single record by local id.
func (db *DB) GetRecord(ctx context.Context, et models.EntityType, localID int64) (*models.Record, error) {
	entity, err := db.GetEntity(ctx, et, localID)
	if err != nil {
		return nil, err
	}
	meta := metaOf(entity)
	rec, err := toRecord(et, meta, entity)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetEntity returns the typed entity (*models.LocationSample, *models.Photo, ...) by local id.
func (db *DB) GetEntity(ctx context.Context, et models.EntityType, localID int64) (any, error) {
	t, err := tableFor(et)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s, %s FROM %s WHERE local_id = ?`, metaColumns, t.columns, t.name)
	_, entity, err := t.scan(db.conn.QueryRowContext(ctx, query, localID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %d: %w", et, localID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %d: %w", et, localID, err)
	}
	return entity, nil
}

func metaOf(entity any) models.SyncMeta {
	switch e := entity.(type) {
	case *models.LocationSample:
		return e.SyncMeta
	case *models.TimeRecord:
		return e.SyncMeta
	case *models.CheckpointVerification:
		return e.SyncMeta
	case *models.Report:
		return e.SyncMeta
	case *models.Photo:
		return e.SyncMeta
	}
	return models.SyncMeta{}
}

// MarkSynced records that the remote accepted the given records. localIDs and
// remoteIDs are parallel. Rows that are already synced keep their original
// remote id. Returns the number of rows transitioned.
func (db *DB) MarkSynced(ctx context.Context, et models.EntityType, localIDs []int64, remoteIDs []string) (int, error) {
	t, err := tableFor(et)
	if err != nil {
		return 0, err
	}
	if len(localIDs) != len(remoteIDs) {
		return 0, fmt.Errorf("mark synced: %d ids but %d remote ids", len(localIDs), len(remoteIDs))
	}
	if len(localIDs) == 0 {
		return 0, nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		UPDATE %s SET synced = 1, remote_id = ?, synced_at = ?, escalated = 0, last_error = ''
		WHERE local_id = ? AND synced = 0`, t.name))
	if err != nil {
		return 0, fmt.Errorf("prepare mark synced: %w", err)
	}
	defer stmt.Close()

	now := db.timestamp()
	updated := 0
	for i, id := range localIDs {
		if remoteIDs[i] == "" {
			return 0, fmt.Errorf("mark synced %s %d: empty remote id", et, id)
		}
		res, err := stmt.ExecContext(ctx, remoteIDs[i], now, id)
		if err != nil {
			return 0, fmt.Errorf("mark synced %s %d: %w", et, id, err)
		}
		n, _ := res.RowsAffected()
		updated += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return updated, nil
}

// IncrementAttempt bumps the attempt counter of a pending record, stores the
// failure reason and returns the new count.
func (db *DB) IncrementAttempt(ctx context.Context, et models.EntityType, localID int64, reason string) (int, error) {
	t, err := tableFor(et)
	if err != nil {
		return 0, err
	}
	var attempts int
	err = db.conn.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE %s SET sync_attempts = sync_attempts + 1, last_attempt_at = ?, last_error = ?
		WHERE local_id = ? AND synced = 0
		RETURNING sync_attempts`, t.name), db.timestamp(), reason, localID).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%s %d: %w", et, localID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("increment attempt %s %d: %w", et, localID, err)
	}
	return attempts, nil
}

// Escalate flags a pending record for human attention. It stays in the store
// and is no longer returned by GetUnsynced.
func (db *DB) Escalate(ctx context.Context, et models.EntityType, localID int64, reason string) error {
	return db.updatePending(ctx, et, localID, "escalated = 1, last_error = ?", reason)
}

// ResetAttempts clears the attempt counter and escalation flag so the record
// is retried on the next pass.
func (db *DB) ResetAttempts(ctx context.Context, et models.EntityType, localID int64) error {
	return db.updatePending(ctx, et, localID, "escalated = 0, sync_attempts = 0, last_error = ''")
}

func (db *DB) updatePending(ctx context.Context, et models.EntityType, localID int64, set string, args ...any) error {
	t, err := tableFor(et)
	if err != nil {
		return err
	}
	args = append(args, localID)
	res, err := db.conn.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s WHERE local_id = ? AND synced = 0`, t.name, set), args...)
	if err != nil {
		return fmt.Errorf("update %s %d: %w", et, localID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %d: %w", et, localID, ErrNotFound)
	}
	return nil
}

// Delete removes a record on explicit user request, synced or not. Returns
// the record's token so callers can drop associated blobs.
func (db *DB) Delete(ctx context.Context, et models.EntityType, localID int64) (string, error) {
	t, err := tableFor(et)
	if err != nil {
		return "", err
	}
	var token string
	err = db.conn.QueryRowContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE local_id = ? RETURNING token`, t.name), localID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s %d: %w", et, localID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("delete %s %d: %w", et, localID, err)
	}
	return token, nil
}

// PurgeSyncedOlderThan deletes synced records whose sync completed more than
// age ago and returns the tokens of the removed rows. Unsynced and escalated
// records are never touched.
func (db *DB) PurgeSyncedOlderThan(ctx context.Context, et models.EntityType, age time.Duration) ([]string, error) {
	t, err := tableFor(et)
	if err != nil {
		return nil, err
	}
	cutoff := formatTime(db.now().Add(-age))
	rows, err := db.conn.QueryContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE synced = 1 AND synced_at IS NOT NULL AND synced_at < ?
		RETURNING token`, t.name), cutoff)
	if err != nil {
		return nil, fmt.Errorf("purge %s: %w", t.name, err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var tok string
		if err := rows.Scan(&tok); err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	return tokens, rows.Err()
}

// Counts summarizes the records of one entity type by state.
type Counts struct {
	Pending   int `json:"pending"`
	Escalated int `json:"escalated"`
	Synced    int `json:"synced"`
}

// CountByState returns per-entity record counts.
func (db *DB) CountByState(ctx context.Context) (map[models.EntityType]Counts, error) {
	out := make(map[models.EntityType]Counts, len(entityTables))
	for et, t := range entityTables {
		var c Counts
		err := db.conn.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT
				COALESCE(SUM(CASE WHEN synced = 0 AND escalated = 0 THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN synced = 0 AND escalated = 1 THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN synced = 1 THEN 1 ELSE 0 END), 0)
			FROM %s`, t.name)).Scan(&c.Pending, &c.Escalated, &c.Synced)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", t.name, err)
		}
		out[et] = c
	}
	return out, nil
}
