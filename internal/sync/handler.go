// Package sync uploads locally captured records to the remote endpoint, one
// handler per entity type.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marcus/fieldsync/internal/metrics"
	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/retry"
)

// Reasons recorded against records that did not sync.
const (
	ReasonCapacity    = "capacity_exceeded"
	ReasonNoResult    = "no result from remote"
	ReasonBlobMissing = "photo content missing"
)

// EntitySpec describes how one entity type is uploaded.
type EntitySpec struct {
	Entity models.EntityType
	Class  models.OperationClass
	// MaxBatch caps the batch size regardless of the caller's limit; 0 means no cap.
	MaxBatch int
	// AttachContent loads the record's blob into Item.Content.
	AttachContent bool
}

// DefaultSpecs returns the upload spec of every entity type.
func DefaultSpecs() []EntitySpec {
	return []EntitySpec{
		{Entity: models.EntityTimeRecord, Class: models.ClassSmallMutation},
		{Entity: models.EntityCheckpointVerification, Class: models.ClassSmallMutation},
		{Entity: models.EntityReport, Class: models.ClassSmallMutation},
		{Entity: models.EntityLocationSample, Class: models.ClassLocationBatch},
		{Entity: models.EntityPhoto, Class: models.ClassPhotoUpload, MaxBatch: 3, AttachContent: true},
	}
}

// Deps are the collaborators shared by all handlers.
type Deps struct {
	Store    Store
	Remote   Remote
	Blobs    BlobSource
	Breakers *retry.Breakers
	Policy   retry.Policy
	// MaxAttempts is the rejection budget before a record is escalated.
	MaxAttempts int
	// Timeout returns the per-request timeout for an operation class.
	Timeout func(models.OperationClass) time.Duration
}

// Handler syncs records of one entity type.
type Handler struct {
	spec EntitySpec
	deps Deps

	mu sync.Mutex
	// shrunk is the batch size learned from capacity errors; 0 until one occurs.
	shrunk int
}

// NewHandler creates a handler for spec.
func NewHandler(spec EntitySpec, deps Deps) *Handler {
	if deps.MaxAttempts <= 0 {
		deps.MaxAttempts = 5
	}
	if deps.Policy.MaxAttempts <= 0 {
		deps.Policy = retry.DefaultPolicy()
	}
	if spec.Class == "" {
		spec.Class = spec.Entity.Class()
	}
	return &Handler{spec: spec, deps: deps}
}

// NewHandlers creates one handler per spec, keyed by entity type.
func NewHandlers(specs []EntitySpec, deps Deps) map[models.EntityType]*Handler {
	out := make(map[models.EntityType]*Handler, len(specs))
	for _, s := range specs {
		out[s.Entity] = NewHandler(s, deps)
	}
	return out
}

// Entity returns the handled entity type.
func (h *Handler) Entity() models.EntityType { return h.spec.Entity }

// Class returns the operation class of the handler's uploads.
func (h *Handler) Class() models.OperationClass { return h.spec.Class }

// BatchSize returns the effective batch size for a requested limit.
func (h *Handler) BatchSize(limit int) int {
	n := limit
	if h.spec.MaxBatch > 0 && (n <= 0 || n > h.spec.MaxBatch) {
		n = h.spec.MaxBatch
	}
	h.mu.Lock()
	if h.shrunk > 0 && (n <= 0 || n > h.shrunk) {
		n = h.shrunk
	}
	h.mu.Unlock()
	return n
}

func (h *Handler) shrinkTo(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shrunk == 0 || n < h.shrunk {
		h.shrunk = n
	}
}

// Sync uploads up to limit pending records, oldest first.
func (h *Handler) Sync(ctx context.Context, limit int) Outcome {
	return h.SyncAfter(ctx, limit, Cursor{})
}

// SyncAfter uploads up to limit pending records positioned after the cursor.
// The outcome's Next continues from the last record attempted, so records
// rejected earlier in a pass are not sent again in the same pass.
func (h *Handler) SyncAfter(ctx context.Context, limit int, after Cursor) Outcome {
	start := time.Now()
	out := Outcome{Entity: h.spec.Entity}
	if ctx.Err() != nil {
		out.Status = StatusCancelled
		return out
	}

	var (
		recs []models.Record
		err  error
	)
	if after.IsZero() {
		recs, err = h.deps.Store.GetUnsynced(ctx, h.spec.Entity, h.BatchSize(limit))
	} else {
		recs, err = h.deps.Store.GetUnsyncedAfter(ctx, h.spec.Entity, after.CreatedAt, after.LocalID, h.BatchSize(limit))
	}
	if err != nil {
		out.Status = StatusFailed
		out.setErr(fmt.Errorf("load unsynced %s: %w", h.spec.Entity, err))
		return out
	}
	if len(recs) == 0 {
		out.Status = StatusEmpty
		return out
	}

	out = h.push(ctx, recs)
	last := recs[len(recs)-1]
	out.Next = Cursor{CreatedAt: last.CreatedAt, LocalID: last.LocalID}
	out.Duration = time.Since(start)
	return out
}

// SyncOne uploads a single record regardless of its attempt count.
func (h *Handler) SyncOne(ctx context.Context, localID int64) Outcome {
	start := time.Now()
	out := Outcome{Entity: h.spec.Entity}
	rec, err := h.deps.Store.GetRecord(ctx, h.spec.Entity, localID)
	if err != nil {
		out.Status = StatusFailed
		out.setErr(fmt.Errorf("load %s %d: %w", h.spec.Entity, localID, err))
		return out
	}
	if rec.Synced {
		out.Status = StatusEmpty
		out.Reason = "already synced"
		return out
	}
	out = h.push(ctx, []models.Record{*rec})
	out.Duration = time.Since(start)
	return out
}

// disposition is what happened to one record during a push.
type disposition struct {
	result    ItemResult
	transport error // set when no verdict was obtained
	skipped   bool  // never sent, breaker open
}

func (h *Handler) push(ctx context.Context, recs []models.Record) Outcome {
	out := Outcome{Entity: h.spec.Entity, Attempted: len(recs)}
	disp := make(map[int64]*disposition, len(recs))

	items := make([]Item, 0, len(recs))
	for _, r := range recs {
		item := Item{IdempotencyKey: r.Token, LocalID: r.LocalID, CreatedAt: r.CreatedAt, Payload: r.Payload}
		if h.spec.AttachContent {
			content, err := h.loadContent(ctx, r.Token)
			if err != nil {
				slog.Warn("record content unavailable", "entity", h.spec.Entity, "local_id", r.LocalID, "err", err)
				disp[r.LocalID] = &disposition{result: ItemResult{IdempotencyKey: r.Token, Reason: ReasonBlobMissing}}
				continue
			}
			item.Content = content
		}
		items = append(items, item)
	}

	if len(items) > 0 {
		h.send(ctx, items, disp, &out)
	}
	h.apply(ctx, recs, disp, &out)
	out.Status = h.status(out)
	return out
}

func (h *Handler) loadContent(ctx context.Context, token string) ([]byte, error) {
	if h.deps.Blobs == nil {
		return nil, errors.New("no blob source configured")
	}
	return h.deps.Blobs.Get(ctx, token)
}

// send pushes items and records a disposition for each. A batch the remote
// finds too large is resent in chunks of half its size.
func (h *Handler) send(ctx context.Context, items []Item, disp map[int64]*disposition, out *Outcome) {
	results, err := h.call(ctx, items)
	out.Batches++

	switch {
	case errors.Is(err, ErrCapacityExceeded):
		if len(items) == 1 {
			disp[items[0].LocalID] = &disposition{result: ItemResult{IdempotencyKey: items[0].IdempotencyKey, Reason: ReasonCapacity}}
			return
		}
		size := max(len(items)/2, 1)
		h.shrinkTo(size)
		metrics.BatchShrinks.WithLabelValues(string(h.spec.Entity)).Inc()
		slog.Info("remote capacity exceeded, splitting batch", "entity", h.spec.Entity, "size", len(items), "new_size", size)
		for start := 0; start < len(items); start += size {
			h.send(ctx, items[start:min(start+size, len(items))], disp, out)
		}
		return

	case errors.Is(err, retry.ErrCircuitOpen):
		for _, it := range items {
			disp[it.LocalID] = &disposition{skipped: true}
		}
		out.Reason = "circuit_open"
		return

	case err != nil:
		for _, it := range items {
			disp[it.LocalID] = &disposition{transport: err}
		}
		out.setErr(err)
		return
	}

	byKey := make(map[string]ItemResult, len(results))
	for _, r := range results {
		byKey[r.IdempotencyKey] = r
	}
	for _, it := range items {
		r, ok := byKey[it.IdempotencyKey]
		if !ok {
			disp[it.LocalID] = &disposition{transport: errors.New(ReasonNoResult)}
			continue
		}
		disp[it.LocalID] = &disposition{result: r}
	}
}

// call performs one upload with retries, each attempt gated by the class
// breaker and bounded by the class timeout.
func (h *Handler) call(ctx context.Context, items []Item) ([]ItemResult, error) {
	var results []ItemResult
	err := h.deps.Policy.Do(ctx, func(ctx context.Context) error {
		done := func(error) {}
		if h.deps.Breakers != nil {
			d, err := h.deps.Breakers.Allow(h.spec.Class)
			if err != nil {
				return err
			}
			done = d
		}

		actx, cancel := context.WithTimeout(ctx, h.timeout())
		defer cancel()
		res, err := h.deps.Remote.Push(actx, h.spec.Entity, items)
		done(err)
		if err != nil {
			return err
		}
		results = res
		return nil
	}, func(err error, wait time.Duration) {
		slog.Warn("upload failed, retrying", "entity", h.spec.Entity, "items", len(items), "wait", wait, "err", err)
	})
	return results, err
}

func (h *Handler) timeout() time.Duration {
	if h.deps.Timeout != nil {
		if d := h.deps.Timeout(h.spec.Class); d > 0 {
			return d
		}
	}
	return 30 * time.Second
}

// apply writes the dispositions back to the store.
func (h *Handler) apply(ctx context.Context, recs []models.Record, disp map[int64]*disposition, out *Outcome) {
	et := h.spec.Entity
	var ackIDs []int64
	var remoteIDs []string

	for _, r := range recs {
		d := disp[r.LocalID]
		switch {
		case d == nil || d.skipped:
			continue
		case d.transport == nil && d.result.acknowledged():
			ackIDs = append(ackIDs, r.LocalID)
			remoteIDs = append(remoteIDs, d.result.RemoteID)
		case d.transport != nil:
			out.Failed++
			if _, err := h.deps.Store.IncrementAttempt(ctx, et, r.LocalID, "transport: "+d.transport.Error()); err != nil {
				slog.Warn("increment attempt failed", "entity", et, "local_id", r.LocalID, "err", err)
			}
		default:
			h.reject(ctx, r, d.result, out)
		}
	}

	if len(ackIDs) > 0 {
		n, err := h.deps.Store.MarkSynced(ctx, et, ackIDs, remoteIDs)
		if err != nil {
			// The remote holds these; the next pass resends and gets duplicates back.
			slog.Error("mark synced failed", "entity", et, "count", len(ackIDs), "err", err)
			out.setErr(fmt.Errorf("mark synced: %w", err))
			out.Failed += len(ackIDs)
			return
		}
		out.Synced += n
		metrics.RecordsSynced.WithLabelValues(string(et)).Add(float64(n))
	}
}

func (h *Handler) reject(ctx context.Context, r models.Record, res ItemResult, out *Outcome) {
	et := h.spec.Entity
	reason := res.Reason
	if reason == "" {
		reason = "rejected"
	}
	if res.Accepted && res.RemoteID == "" {
		reason = "accepted without remote id"
	}

	out.Rejected++
	metrics.RecordsRejected.WithLabelValues(string(et)).Inc()
	rej := Rejection{LocalID: r.LocalID, Reason: reason}

	attempts, err := h.deps.Store.IncrementAttempt(ctx, et, r.LocalID, reason)
	if err != nil {
		slog.Warn("increment attempt failed", "entity", et, "local_id", r.LocalID, "err", err)
		out.Rejections = append(out.Rejections, rej)
		return
	}
	rej.Attempts = attempts

	if attempts >= h.deps.MaxAttempts {
		if err := h.deps.Store.Escalate(ctx, et, r.LocalID, reason); err != nil {
			slog.Error("escalate record failed", "entity", et, "local_id", r.LocalID, "err", err)
		} else {
			rej.Escalated = true
			out.Escalated++
			metrics.RecordsEscalated.WithLabelValues(string(et)).Inc()
			slog.Warn("record escalated", "entity", et, "local_id", r.LocalID, "attempts", attempts, "reason", reason)
		}
	}
	out.Rejections = append(out.Rejections, rej)
}

func (h *Handler) status(out Outcome) Status {
	notSynced := out.Attempted - out.Synced
	switch {
	case out.Synced > 0 && notSynced == 0:
		return StatusSuccess
	case out.Synced > 0:
		return StatusPartial
	case out.Reason == "circuit_open" && out.Rejected == 0 && out.Failed == 0:
		return StatusSkipped
	default:
		return StatusFailed
	}
}

func (o *Outcome) setErr(err error) {
	o.Err = err
	o.Error = err.Error()
}
