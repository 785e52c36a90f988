// Package capture creates field evidence records: clock events, checkpoint
// verifications, reports and photos. Every record gets its idempotency
// token at creation and is stored locally before any sync is attempted.
package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/marcus/fieldsync/internal/db"
	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/orchestrator"
	"github.com/marcus/fieldsync/internal/sampler"
)

var (
	// ErrTooFar means the position is outside the checkpoint radius.
	ErrTooFar = errors.New("too far from checkpoint")
	// ErrAlreadyClockedIn is returned by ClockIn while a shift is open.
	ErrAlreadyClockedIn = errors.New("already clocked in")
	// ErrNotClockedIn is returned by ClockOut without an open shift.
	ErrNotClockedIn = errors.New("not clocked in")
	// ErrEmptyPhoto is returned by AddPhoto for zero bytes.
	ErrEmptyPhoto = errors.New("photo has no content")
)

// Store persists captured records.
type Store interface {
	InsertTimeRecord(ctx context.Context, tr *models.TimeRecord) error
	InsertCheckpointVerification(ctx context.Context, cv *models.CheckpointVerification) error
	InsertReport(ctx context.Context, r *models.Report) error
	InsertPhoto(ctx context.Context, p *models.Photo) error
	GetCheckpoint(ctx context.Context, id string) (*db.Checkpoint, error)
	LastTimeRecordKind(ctx context.Context) (string, error)
}

// Blobs stores photo bytes keyed by idempotency token.
type Blobs interface {
	Put(ctx context.Context, token string, data []byte) error
	Delete(ctx context.Context, tokens ...string) error
}

// Locator acquires the current position.
type Locator interface {
	Acquire(ctx context.Context) (models.Fix, error)
}

// Permission answers and requests an OS permission.
type Permission interface {
	Status(ctx context.Context) (models.PermissionStatus, error)
	Request(ctx context.Context) (models.PermissionStatus, error)
}

// Syncer pushes a single record right after capture.
type Syncer interface {
	SyncEntity(ctx context.Context, et models.EntityType, localID int64) (*orchestrator.Session, error)
}

// Config tunes capture.
type Config struct {
	// MaxDistanceM is the default checkpoint radius.
	MaxDistanceM float64
	// LocateTimeout bounds the best-effort fix attached to clock events and photos.
	LocateTimeout time.Duration
	// SyncTimeout bounds the immediate push after SubmitReport.
	SyncTimeout time.Duration
}

// DefaultConfig returns capture defaults.
func DefaultConfig() Config {
	return Config{MaxDistanceM: 50, LocateTimeout: 10 * time.Second, SyncTimeout: 15 * time.Second}
}

// Deps are the collaborators of a Capturer. Locator, Camera and Syncer
// are optional.
type Deps struct {
	Store   Store
	Blobs   Blobs
	Locator Locator
	Camera  Permission
	Syncer  Syncer
}

// Capturer creates records.
type Capturer struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

// New creates a Capturer.
func New(deps Deps, cfg Config) *Capturer {
	def := DefaultConfig()
	if cfg.MaxDistanceM <= 0 {
		cfg.MaxDistanceM = def.MaxDistanceM
	}
	if cfg.LocateTimeout <= 0 {
		cfg.LocateTimeout = def.LocateTimeout
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = def.SyncTimeout
	}
	return &Capturer{cfg: cfg, deps: deps, now: time.Now}
}

// ClockIn records the start of a shift.
func (c *Capturer) ClockIn(ctx context.Context, shiftID string) (*models.TimeRecord, error) {
	last, err := c.deps.Store.LastTimeRecordKind(ctx)
	if err != nil {
		return nil, err
	}
	if last == string(models.ClockIn) {
		return nil, ErrAlreadyClockedIn
	}
	return c.clock(ctx, models.ClockIn, shiftID)
}

// ClockOut records the end of a shift.
func (c *Capturer) ClockOut(ctx context.Context, shiftID string) (*models.TimeRecord, error) {
	last, err := c.deps.Store.LastTimeRecordKind(ctx)
	if err != nil {
		return nil, err
	}
	if last != string(models.ClockIn) {
		return nil, ErrNotClockedIn
	}
	return c.clock(ctx, models.ClockOut, shiftID)
}

func (c *Capturer) clock(ctx context.Context, kind models.TimeRecordKind, shiftID string) (*models.TimeRecord, error) {
	tr := &models.TimeRecord{Kind: kind, ShiftID: shiftID, Timestamp: c.now().UTC()}
	if fix, ok := c.locate(ctx); ok {
		tr.Latitude, tr.Longitude = &fix.Latitude, &fix.Longitude
	}
	if err := c.deps.Store.InsertTimeRecord(ctx, tr); err != nil {
		return nil, err
	}
	slog.Info("clock event recorded", "kind", kind, "local_id", tr.LocalID)
	return tr, nil
}

// VerifyCheckpoint records presence at a checkpoint. fix may be nil, in
// which case the Locator is asked. Nothing is stored when the position is
// outside the checkpoint radius.
func (c *Capturer) VerifyCheckpoint(ctx context.Context, checkpointID string, fix *models.Fix) (*models.CheckpointVerification, error) {
	cp, err := c.deps.Store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if fix == nil {
		if c.deps.Locator == nil {
			return nil, errors.New("no position available")
		}
		f, err := c.acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire position: %w", err)
		}
		fix = &f
	}

	radius := c.cfg.MaxDistanceM
	if cp.RadiusM > 0 {
		radius = cp.RadiusM
	}
	dist := sampler.DistanceMeters(fix.Latitude, fix.Longitude, cp.Latitude, cp.Longitude)
	if dist > radius {
		return nil, fmt.Errorf("%w: %.0fm from %s (limit %.0fm)", ErrTooFar, dist, cp.ID, radius)
	}

	cv := &models.CheckpointVerification{
		CheckpointID: cp.ID,
		Latitude:     fix.Latitude,
		Longitude:    fix.Longitude,
		DistanceM:    dist,
		Timestamp:    c.now().UTC(),
	}
	if err := c.deps.Store.InsertCheckpointVerification(ctx, cv); err != nil {
		return nil, err
	}
	slog.Info("checkpoint verified", "checkpoint", cp.ID, "distance_m", dist, "local_id", cv.LocalID)
	return cv, nil
}

// SubmitReport stores a report and, when a Syncer is configured, pushes it
// right away. A failed push leaves the report pending for the next pass.
func (c *Capturer) SubmitReport(ctx context.Context, r models.Report) (*models.Report, error) {
	if r.Title == "" {
		return nil, errors.New("report title is required")
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = c.now().UTC()
	}
	if err := c.deps.Store.InsertReport(ctx, &r); err != nil {
		return nil, err
	}
	slog.Info("report submitted", "local_id", r.LocalID)

	if c.deps.Syncer != nil {
		sctx, cancel := context.WithTimeout(ctx, c.cfg.SyncTimeout)
		defer cancel()
		if _, err := c.deps.Syncer.SyncEntity(sctx, models.EntityReport, r.LocalID); err != nil {
			slog.Debug("immediate report sync", "err", err)
		}
	}
	return &r, nil
}

// PhotoInput is a captured image.
type PhotoInput struct {
	Data        []byte
	Caption     string
	ContentType string // detected when empty
	Fix         *models.Fix
}

// AddPhoto stores the bytes in the blob store and then the metadata record.
// The camera permission must be granted; an undetermined answer is requested.
func (c *Capturer) AddPhoto(ctx context.Context, in PhotoInput) (*models.Photo, error) {
	if err := c.cameraAllowed(ctx); err != nil {
		return nil, err
	}
	if len(in.Data) == 0 {
		return nil, ErrEmptyPhoto
	}

	sum := sha256.Sum256(in.Data)
	p := &models.Photo{
		SyncMeta:    models.SyncMeta{Token: uuid.NewString()},
		Caption:     in.Caption,
		ContentType: in.ContentType,
		SizeBytes:   int64(len(in.Data)),
		SHA256:      hex.EncodeToString(sum[:]),
		Timestamp:   c.now().UTC(),
	}
	if p.ContentType == "" {
		p.ContentType = mimetype.Detect(in.Data).String()
	}
	fix := in.Fix
	if fix == nil {
		if f, ok := c.locate(ctx); ok {
			fix = &f
		}
	}
	if fix != nil {
		p.Latitude, p.Longitude = &fix.Latitude, &fix.Longitude
	}

	if err := c.deps.Blobs.Put(ctx, p.Token, in.Data); err != nil {
		return nil, fmt.Errorf("store photo content: %w", err)
	}
	if err := c.deps.Store.InsertPhoto(ctx, p); err != nil {
		if derr := c.deps.Blobs.Delete(context.WithoutCancel(ctx), p.Token); derr != nil {
			slog.Warn("orphaned photo content", "token", p.Token, "err", derr)
		}
		return nil, err
	}
	slog.Info("photo added", "local_id", p.LocalID, "bytes", p.SizeBytes)
	return p, nil
}

func (c *Capturer) cameraAllowed(ctx context.Context) error {
	if c.deps.Camera == nil {
		return fmt.Errorf("camera: %w", models.ErrPermissionNotDetermined)
	}
	st, err := c.deps.Camera.Status(ctx)
	if err != nil {
		return err
	}
	if st == models.PermissionNotDetermined {
		if st, err = c.deps.Camera.Request(ctx); err != nil {
			return err
		}
	}
	switch st {
	case models.PermissionGranted:
		return nil
	case models.PermissionDenied:
		return fmt.Errorf("camera: %w", models.ErrPermissionDenied)
	default:
		return fmt.Errorf("camera: %w", models.ErrPermissionNotDetermined)
	}
}

func (c *Capturer) acquire(ctx context.Context) (models.Fix, error) {
	lctx, cancel := context.WithTimeout(ctx, c.cfg.LocateTimeout)
	defer cancel()
	return c.deps.Locator.Acquire(lctx)
}

// locate is best effort: records are never blocked on a fix.
func (c *Capturer) locate(ctx context.Context) (models.Fix, bool) {
	if c.deps.Locator == nil {
		return models.Fix{}, false
	}
	fix, err := c.acquire(ctx)
	if err != nil {
		slog.Debug("no fix for record", "err", err)
		return models.Fix{}, false
	}
	return fix, true
}
