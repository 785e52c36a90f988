package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/marcus/fieldsync/internal/models"
)

const metaColumns = `local_id, token, COALESCE(remote_id, ''), created_at, synced, sync_attempts,
	last_attempt_at, synced_at, escalated, last_error`

type scanner interface {
	Scan(dest ...any) error
}

// metaScan holds raw column values for SyncMeta until they are parsed.
type metaScan struct {
	meta        models.SyncMeta
	createdAt   string
	lastAttempt sql.NullString
	syncedAt    sql.NullString
}

func (m *metaScan) dest() []any {
	return []any{
		&m.meta.LocalID, &m.meta.Token, &m.meta.RemoteID, &m.createdAt, &m.meta.Synced,
		&m.meta.SyncAttempts, &m.lastAttempt, &m.syncedAt, &m.meta.Escalated, &m.meta.LastError,
	}
}

func (m *metaScan) finish() (models.SyncMeta, error) {
	created, err := parseTimestamp(m.createdAt)
	if err != nil {
		return m.meta, err
	}
	m.meta.CreatedAt = created
	if m.meta.LastAttemptAt, err = parseNullTimestamp(m.lastAttempt); err != nil {
		return m.meta, err
	}
	if m.meta.SyncedAt, err = parseNullTimestamp(m.syncedAt); err != nil {
		return m.meta, err
	}
	return m.meta, nil
}

// entityTable describes how one entity type is stored.
type entityTable struct {
	name    string
	columns string
	// scan reads metaColumns followed by columns and returns the typed entity.
	scan func(s scanner) (models.SyncMeta, any, error)
}

var entityTables = map[models.EntityType]entityTable{
	models.EntityLocationSample: {
		name:    "location_samples",
		columns: "latitude, longitude, accuracy, speed, movement_state, battery_level, timestamp",
		scan: func(s scanner) (models.SyncMeta, any, error) {
			var m metaScan
			var ls models.LocationSample
			var speed sql.NullFloat64
			var ts string
			dest := append(m.dest(), &ls.Latitude, &ls.Longitude, &ls.Accuracy, &speed, &ls.Movement, &ls.Battery, &ts)
			if err := s.Scan(dest...); err != nil {
				return m.meta, nil, err
			}
			if speed.Valid {
				ls.Speed = &speed.Float64
			}
			meta, err := finishEntity(&m, ts, &ls.Timestamp)
			ls.SyncMeta = meta
			return meta, &ls, err
		},
	},
	models.EntityTimeRecord: {
		name:    "time_records",
		columns: "kind, shift_id, latitude, longitude, timestamp",
		scan: func(s scanner) (models.SyncMeta, any, error) {
			var m metaScan
			var tr models.TimeRecord
			var lat, lon sql.NullFloat64
			var ts string
			dest := append(m.dest(), &tr.Kind, &tr.ShiftID, &lat, &lon, &ts)
			if err := s.Scan(dest...); err != nil {
				return m.meta, nil, err
			}
			tr.Latitude, tr.Longitude = nullFloat(lat), nullFloat(lon)
			meta, err := finishEntity(&m, ts, &tr.Timestamp)
			tr.SyncMeta = meta
			return meta, &tr, err
		},
	},
	models.EntityCheckpointVerification: {
		name:    "checkpoint_verifications",
		columns: "checkpoint_id, latitude, longitude, distance_m, timestamp",
		scan: func(s scanner) (models.SyncMeta, any, error) {
			var m metaScan
			var cv models.CheckpointVerification
			var ts string
			dest := append(m.dest(), &cv.CheckpointID, &cv.Latitude, &cv.Longitude, &cv.DistanceM, &ts)
			if err := s.Scan(dest...); err != nil {
				return m.meta, nil, err
			}
			meta, err := finishEntity(&m, ts, &cv.Timestamp)
			cv.SyncMeta = meta
			return meta, &cv, err
		},
	},
	models.EntityReport: {
		name:    "reports",
		columns: "title, body, category, urgent, timestamp",
		scan: func(s scanner) (models.SyncMeta, any, error) {
			var m metaScan
			var r models.Report
			var ts string
			dest := append(m.dest(), &r.Title, &r.Body, &r.Category, &r.Urgent, &ts)
			if err := s.Scan(dest...); err != nil {
				return m.meta, nil, err
			}
			meta, err := finishEntity(&m, ts, &r.Timestamp)
			r.SyncMeta = meta
			return meta, &r, err
		},
	},
	models.EntityPhoto: {
		name:    "photos",
		columns: "caption, content_type, size_bytes, sha256, latitude, longitude, timestamp",
		scan: func(s scanner) (models.SyncMeta, any, error) {
			var m metaScan
			var p models.Photo
			var lat, lon sql.NullFloat64
			var ts string
			dest := append(m.dest(), &p.Caption, &p.ContentType, &p.SizeBytes, &p.SHA256, &lat, &lon, &ts)
			if err := s.Scan(dest...); err != nil {
				return m.meta, nil, err
			}
			p.Latitude, p.Longitude = nullFloat(lat), nullFloat(lon)
			meta, err := finishEntity(&m, ts, &p.Timestamp)
			p.SyncMeta = meta
			return meta, &p, err
		},
	},
}

func finishEntity(m *metaScan, ts string, into *time.Time) (models.SyncMeta, error) {
	meta, err := m.finish()
	if err != nil {
		return meta, err
	}
	t, err := parseTimestamp(ts)
	if err != nil {
		return meta, err
	}
	*into = t
	return meta, nil
}

func nullFloat(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func tableFor(et models.EntityType) (entityTable, error) {
	t, ok := entityTables[et]
	if !ok {
		return entityTable{}, fmt.Errorf("unknown entity type %q", et)
	}
	return t, nil
}

// toRecord converts a typed entity into the entity-agnostic sync view.
func toRecord(et models.EntityType, meta models.SyncMeta, entity any) (models.Record, error) {
	payload, err := json.Marshal(entity)
	if err != nil {
		return models.Record{}, fmt.Errorf("marshal %s payload: %w", et, err)
	}
	return models.Record{SyncMeta: meta, Entity: et, Payload: payload}, nil
}

// prepareMeta fills in the token and creation time of a new record.
func (db *DB) prepareMeta(meta *models.SyncMeta) {
	if meta.Token == "" {
		meta.Token = uuid.NewString()
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = db.now().UTC()
	}
	meta.Synced = false
	meta.RemoteID = ""
	meta.SyncAttempts = 0
}

func (db *DB) insert(ctx context.Context, meta *models.SyncMeta, query string, args ...any) error {
	db.prepareMeta(meta)
	args = append(args, meta.Token, formatTime(meta.CreatedAt))
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	meta.LocalID = id
	return nil
}

// InsertLocationSample stores a new location sample.
func (db *DB) InsertLocationSample(ctx context.Context, ls *models.LocationSample) error {
	if ls.Timestamp.IsZero() {
		ls.Timestamp = db.now().UTC()
	}
	var speed any
	if ls.Speed != nil {
		speed = *ls.Speed
	}
	err := db.insert(ctx, &ls.SyncMeta, `
		INSERT INTO location_samples (latitude, longitude, accuracy, speed, movement_state, battery_level, timestamp, token, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ls.Latitude, ls.Longitude, ls.Accuracy, speed, ls.Movement, ls.Battery, formatTime(ls.Timestamp))
	if err != nil {
		return fmt.Errorf("insert location sample: %w", err)
	}
	return nil
}

// InsertTimeRecord stores a new clock event.
func (db *DB) InsertTimeRecord(ctx context.Context, tr *models.TimeRecord) error {
	if tr.Timestamp.IsZero() {
		tr.Timestamp = db.now().UTC()
	}
	err := db.insert(ctx, &tr.SyncMeta, `
		INSERT INTO time_records (kind, shift_id, latitude, longitude, timestamp, token, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tr.Kind, tr.ShiftID, floatOrNil(tr.Latitude), floatOrNil(tr.Longitude), formatTime(tr.Timestamp))
	if err != nil {
		return fmt.Errorf("insert time record: %w", err)
	}
	return nil
}

// InsertCheckpointVerification stores a new checkpoint verification.
func (db *DB) InsertCheckpointVerification(ctx context.Context, cv *models.CheckpointVerification) error {
	if cv.Timestamp.IsZero() {
		cv.Timestamp = db.now().UTC()
	}
	err := db.insert(ctx, &cv.SyncMeta, `
		INSERT INTO checkpoint_verifications (checkpoint_id, latitude, longitude, distance_m, timestamp, token, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cv.CheckpointID, cv.Latitude, cv.Longitude, cv.DistanceM, formatTime(cv.Timestamp))
	if err != nil {
		return fmt.Errorf("insert checkpoint verification: %w", err)
	}
	return nil
}

// InsertReport stores a new report.
func (db *DB) InsertReport(ctx context.Context, r *models.Report) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = db.now().UTC()
	}
	err := db.insert(ctx, &r.SyncMeta, `
		INSERT INTO reports (title, body, category, urgent, timestamp, token, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Title, r.Body, r.Category, r.Urgent, formatTime(r.Timestamp))
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// InsertPhoto stores photo metadata. The caller stores the bytes under p.Token;
// set p.Token before calling to control the key.
func (db *DB) InsertPhoto(ctx context.Context, p *models.Photo) error {
	if p.Timestamp.IsZero() {
		p.Timestamp = db.now().UTC()
	}
	err := db.insert(ctx, &p.SyncMeta, `
		INSERT INTO photos (caption, content_type, size_bytes, sha256, latitude, longitude, timestamp, token, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Caption, p.ContentType, p.SizeBytes, p.SHA256, floatOrNil(p.Latitude), floatOrNil(p.Longitude), formatTime(p.Timestamp))
	if err != nil {
		return fmt.Errorf("insert photo: %w", err)
	}
	return nil
}

func floatOrNil(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
