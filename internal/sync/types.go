package sync

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/marcus/fieldsync/internal/models"
)

// ErrCapacityExceeded is returned by a Remote when a batch is larger than it
// accepts. The handler splits the batch and retries.
var ErrCapacityExceeded = errors.New("capacity exceeded")

// Item is one record as sent to the remote.
type Item struct {
	IdempotencyKey string
	LocalID        int64
	CreatedAt      time.Time
	Payload        json.RawMessage
	// Content carries binary data (photo bytes) when the entity has any.
	Content []byte
}

// ItemResult is the remote verdict on one item.
type ItemResult struct {
	IdempotencyKey string
	Accepted       bool
	RemoteID       string
	Reason         string
	// Duplicate is set when the remote already held this idempotency key;
	// RemoteID then carries the id assigned the first time.
	Duplicate bool
}

// acknowledged reports whether the remote holds the record, either freshly
// accepted or as a duplicate of an earlier delivery.
func (r ItemResult) acknowledged() bool {
	return r.RemoteID != "" && (r.Accepted || r.Duplicate)
}

// Remote is the server endpoint for record uploads. A non-nil error means
// no per-item verdicts are available.
type Remote interface {
	Push(ctx context.Context, entity models.EntityType, items []Item) ([]ItemResult, error)
}

// Store is the part of the record store the handlers need.
type Store interface {
	GetUnsynced(ctx context.Context, et models.EntityType, limit int) ([]models.Record, error)
	GetUnsyncedAfter(ctx context.Context, et models.EntityType, createdAt time.Time, localID int64, limit int) ([]models.Record, error)
	GetRecord(ctx context.Context, et models.EntityType, localID int64) (*models.Record, error)
	MarkSynced(ctx context.Context, et models.EntityType, localIDs []int64, remoteIDs []string) (int, error)
	IncrementAttempt(ctx context.Context, et models.EntityType, localID int64, reason string) (int, error)
	Escalate(ctx context.Context, et models.EntityType, localID int64, reason string) error
}

// BlobSource returns binary content stored alongside a record.
type BlobSource interface {
	Get(ctx context.Context, token string) ([]byte, error)
}

// Status summarizes a handler invocation.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
	StatusEmpty     Status = "empty"
)

// Rejection describes one record the remote refused.
type Rejection struct {
	LocalID   int64  `json:"local_id"`
	Reason    string `json:"reason"`
	Attempts  int    `json:"attempts"`
	Escalated bool   `json:"escalated,omitempty"`
}

// Cursor is the position of the last record a batch attempted, in the
// store's oldest-first order. The zero Cursor is the start.
type Cursor struct {
	CreatedAt time.Time
	LocalID   int64
}

// IsZero reports whether c is the start position.
func (c Cursor) IsZero() bool { return c.LocalID == 0 && c.CreatedAt.IsZero() }

// Outcome is the result of syncing one entity type.
type Outcome struct {
	Entity     models.EntityType `json:"entity_type"`
	Status     Status            `json:"status"`
	Attempted  int               `json:"attempted"`
	Synced     int               `json:"synced"`
	Rejected   int               `json:"rejected"`
	Escalated  int               `json:"escalated"`
	Failed     int               `json:"failed"`
	Batches    int               `json:"batches"`
	Rejections []Rejection       `json:"rejections,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Err        error             `json:"-"`
	Error      string            `json:"error,omitempty"`
	Duration   time.Duration     `json:"duration_ns"`
	// Next resumes after the records this outcome covers.
	Next Cursor `json:"-"`
}

// Merge folds the result of another invocation for the same entity into o.
func (o *Outcome) Merge(next Outcome) {
	o.Attempted += next.Attempted
	o.Synced += next.Synced
	o.Rejected += next.Rejected
	o.Escalated += next.Escalated
	o.Failed += next.Failed
	o.Batches += next.Batches
	o.Rejections = append(o.Rejections, next.Rejections...)
	o.Duration += next.Duration
	if !next.Next.IsZero() {
		o.Next = next.Next
	}
	if next.Err != nil {
		o.Err = next.Err
		o.Error = next.Error
	}
	if next.Reason != "" {
		o.Reason = next.Reason
	}
	o.Status = combine(o.Status, next.Status)
}

// combine merges statuses of consecutive batches of one entity.
func combine(a, b Status) Status {
	switch {
	case a == "" || a == StatusEmpty:
		return b
	case b == StatusEmpty:
		return a
	case a == b:
		return a
	case a == StatusCancelled || b == StatusCancelled:
		if a == StatusSuccess || a == StatusPartial || b == StatusSuccess || b == StatusPartial {
			return StatusPartial
		}
		return StatusCancelled
	case (a == StatusSuccess || a == StatusPartial) != (b == StatusSuccess || b == StatusPartial):
		return StatusPartial
	case a == StatusPartial || b == StatusPartial:
		return StatusPartial
	default:
		return StatusFailed
	}
}
