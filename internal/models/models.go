package models

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
)

// Sentinel errors shared by producers and the location sampler.
var (
	ErrPermissionDenied        = errors.New("permission denied")
	ErrPermissionNotDetermined = errors.New("permission not determined")
)

// SyncState is the derived lifecycle position of a record.
type SyncState string

const (
	SyncStatePending   SyncState = "pending"
	SyncStateSynced    SyncState = "synced"
	SyncStateEscalated SyncState = "escalated"
)

// SyncMeta carries the bookkeeping every syncable record has.
type SyncMeta struct {
	LocalID       int64      `json:"local_id"`
	Token         string     `json:"idempotency_key"`
	RemoteID      string     `json:"remote_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	Synced        bool       `json:"synced"`
	SyncAttempts  int        `json:"sync_attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	SyncedAt      *time.Time `json:"synced_at,omitempty"`
	Escalated     bool       `json:"escalated,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// State derives the sync state from the stored flags.
func (m SyncMeta) State() SyncState {
	switch {
	case m.Synced:
		return SyncStateSynced
	case m.Escalated:
		return SyncStateEscalated
	default:
		return SyncStatePending
	}
}

// Record is the entity-agnostic view of a syncable row handed to the
// sync handlers. Payload holds the entity fields as JSON; entity structs
// hide their SyncMeta from JSON so marshaling one yields its payload.
type Record struct {
	SyncMeta
	Entity  EntityType      `json:"entity_type"`
	Payload json.RawMessage `json:"payload"`
}

// LocationSample is one position fix.
type LocationSample struct {
	SyncMeta  `json:"-"`
	Latitude  float64   `json:"latitude" validate:"latitude"`
	Longitude float64   `json:"longitude" validate:"longitude"`
	Accuracy  float64   `json:"accuracy" validate:"gte=0"`
	Speed     *float64  `json:"speed,omitempty" validate:"omitempty,gte=0"`
	Movement  string    `json:"movement_state,omitempty" validate:"omitempty,oneof=unknown stationary moving active"`
	Battery   float64   `json:"battery_level" validate:"gte=0,lte=1"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

// TimeRecordKind distinguishes clock-in from clock-out.
type TimeRecordKind string

const (
	ClockIn  TimeRecordKind = "clock_in"
	ClockOut TimeRecordKind = "clock_out"
)

// TimeRecord is a clock-in or clock-out event.
type TimeRecord struct {
	SyncMeta  `json:"-"`
	Kind      TimeRecordKind `json:"kind" validate:"required,oneof=clock_in clock_out"`
	ShiftID   string         `json:"shift_id,omitempty"`
	Latitude  *float64       `json:"latitude,omitempty" validate:"omitempty,latitude"`
	Longitude *float64       `json:"longitude,omitempty" validate:"omitempty,longitude"`
	Timestamp time.Time      `json:"timestamp" validate:"required"`
}

// CheckpointVerification is evidence that a worker was at a checkpoint.
type CheckpointVerification struct {
	SyncMeta     `json:"-"`
	CheckpointID string    `json:"checkpoint_id" validate:"required"`
	Latitude     float64   `json:"latitude" validate:"latitude"`
	Longitude    float64   `json:"longitude" validate:"longitude"`
	DistanceM    float64   `json:"distance_m" validate:"gte=0"`
	Timestamp    time.Time `json:"timestamp" validate:"required"`
}

// Report is a free-form field report.
type Report struct {
	SyncMeta  `json:"-"`
	Title     string    `json:"title" validate:"required,max=200"`
	Body      string    `json:"body" validate:"max=20000"`
	Category  string    `json:"category,omitempty" validate:"max=64"`
	Urgent    bool      `json:"urgent,omitempty"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

// Photo is image metadata; the bytes live in the blob store under Token.
type Photo struct {
	SyncMeta    `json:"-"`
	Caption     string    `json:"caption,omitempty" validate:"max=500"`
	ContentType string    `json:"content_type" validate:"required"`
	SizeBytes   int64     `json:"size_bytes" validate:"gt=0"`
	SHA256      string    `json:"sha256" validate:"required,len=64,hexadecimal"`
	Latitude    *float64  `json:"latitude,omitempty" validate:"omitempty,latitude"`
	Longitude   *float64  `json:"longitude,omitempty" validate:"omitempty,longitude"`
	Timestamp   time.Time `json:"timestamp" validate:"required"`
}

// MovementState is the coarse activity level inferred from recent fixes.
type MovementState string

const (
	MovementUnknown    MovementState = "unknown"
	MovementStationary MovementState = "stationary"
	MovementMoving     MovementState = "moving"
	MovementActive     MovementState = "active"
)

// PermissionStatus is the tri-state OS permission answer.
type PermissionStatus string

const (
	PermissionGranted       PermissionStatus = "granted"
	PermissionDenied        PermissionStatus = "denied"
	PermissionNotDetermined PermissionStatus = "not_determined"
)

// PowerReading is the battery state reported by the platform.
// Level is in [0, 1].
type PowerReading struct {
	Level    float64 `json:"level"`
	Charging bool    `json:"charging"`
}

// Fix is a raw position returned by a location provider.
type Fix struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
	// Speed in m/s when the provider reports one.
	Speed     *float64
	Timestamp time.Time
}
