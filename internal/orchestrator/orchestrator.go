// Package orchestrator runs sync passes across all entity handlers: one pass
// at a time, in priority order, each handler gated by network admission and
// isolated from the failures of the others.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/marcus/fieldsync/internal/db"
	"github.com/marcus/fieldsync/internal/events"
	"github.com/marcus/fieldsync/internal/metrics"
	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/netmon"
	"github.com/marcus/fieldsync/internal/retry"
	fsync "github.com/marcus/fieldsync/internal/sync"
)

// ErrAlreadyRunning is returned when a pass is requested while one is in progress.
var ErrAlreadyRunning = errors.New("sync already running")

// Trigger names what started a pass.
type Trigger string

const (
	TriggerManual       Trigger = "manual"
	TriggerSchedule     Trigger = "schedule"
	TriggerConnectivity Trigger = "connectivity"
	TriggerEntity       Trigger = "entity"
)

// OverallStatus summarizes a whole pass.
type OverallStatus string

const (
	OverallSuccess   OverallStatus = "success"
	OverallPartial   OverallStatus = "partial"
	OverallFailed    OverallStatus = "failed"
	OverallCancelled OverallStatus = "cancelled"
	// OverallOffline means admission skipped every handler.
	OverallOffline OverallStatus = "offline"
)

// EntityHandler syncs one entity type. *sync.Handler implements it.
type EntityHandler interface {
	Entity() models.EntityType
	Class() models.OperationClass
	BatchSize(limit int) int
	SyncAfter(ctx context.Context, limit int, after fsync.Cursor) fsync.Outcome
	SyncOne(ctx context.Context, localID int64) fsync.Outcome
}

// NetworkState reports current conditions. *netmon.Monitor implements it.
type NetworkState interface {
	Current() netmon.State
}

// Store is the part of the record store the orchestrator uses directly.
type Store interface {
	PurgeSyncedOlderThan(ctx context.Context, et models.EntityType, age time.Duration) ([]string, error)
	RecordSyncHistory(ctx context.Context, e db.SyncHistoryEntry) error
	PruneSyncHistory(ctx context.Context, keep int) (int64, error)
}

// BlobDeleter drops photo content for purged records.
type BlobDeleter interface {
	Delete(ctx context.Context, tokens ...string) error
}

// Config tunes passes.
type Config struct {
	// BatchLimit is the per-call record limit handed to handlers.
	BatchLimit int
	// MaxBatchesPerPass bounds how often one handler is called in a pass.
	MaxBatchesPerPass int
	// HandlerTimeout bounds one handler call including its retries.
	HandlerTimeout time.Duration
	// Retention is how long synced records are kept before purge.
	Retention   time.Duration
	HistoryKeep int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchLimit:        50,
		MaxBatchesPerPass: 20,
		HandlerTimeout:    10 * time.Minute,
		Retention:         7 * 24 * time.Hour,
		HistoryKeep:       500,
	}
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Handlers []EntityHandler
	Network  NetworkState
	Breakers *retry.Breakers
	Store    Store
	Blobs    BlobDeleter
	Bus      *events.Bus
}

// Session is the record of one pass.
type Session struct {
	ID         string          `json:"id"`
	Trigger    Trigger         `json:"trigger"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Status     OverallStatus   `json:"status"`
	Results    []fsync.Outcome `json:"results"`
}

// Result returns the outcome for one entity type.
func (s *Session) Result(et models.EntityType) (fsync.Outcome, bool) {
	for _, r := range s.Results {
		if r.Entity == et {
			return r, true
		}
	}
	return fsync.Outcome{}, false
}

// Totals sums synced, rejected and escalated records over all results.
func (s *Session) Totals() (synced, rejected, escalated int) {
	for _, r := range s.Results {
		synced += r.Synced
		rejected += r.Rejected
		escalated += r.Escalated
	}
	return synced, rejected, escalated
}

// Orchestrator coordinates sync passes.
type Orchestrator struct {
	cfg      Config
	deps     Deps
	handlers map[models.EntityType]EntityHandler

	running atomic.Bool

	mu   sync.Mutex
	last *Session

	sched schedule
}

// New creates an orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = def.BatchLimit
	}
	if cfg.MaxBatchesPerPass <= 0 {
		cfg.MaxBatchesPerPass = def.MaxBatchesPerPass
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = def.HandlerTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.HistoryKeep <= 0 {
		cfg.HistoryKeep = def.HistoryKeep
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	o := &Orchestrator{cfg: cfg, deps: deps, handlers: make(map[models.EntityType]EntityHandler)}
	for _, h := range deps.Handlers {
		o.handlers[h.Entity()] = h
	}
	return o
}

// InProgress reports whether a pass is running.
func (o *Orchestrator) InProgress() bool {
	return o.running.Load()
}

// LastSession returns the most recently finished pass, if any.
func (o *Orchestrator) LastSession() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Bus returns the event bus status updates are published on.
func (o *Orchestrator) Bus() *events.Bus {
	return o.deps.Bus
}

// SyncAll runs one pass over every entity type in priority order. It returns
// ErrAlreadyRunning immediately if a pass is in progress. Cancelling ctx
// stops the pass before the next handler; the running handler finishes its
// batch.
func (o *Orchestrator) SyncAll(ctx context.Context) (*Session, error) {
	return o.run(ctx, TriggerManual, func(ctx context.Context, s *Session) {
		for i, et := range models.SyncPriority {
			if ctx.Err() != nil {
				for _, rest := range models.SyncPriority[i:] {
					s.Results = append(s.Results, fsync.Outcome{Entity: rest, Status: fsync.StatusCancelled})
				}
				return
			}
			h, ok := o.handlers[et]
			if !ok {
				continue
			}
			s.Results = append(s.Results, o.runHandler(ctx, h))
		}
	})
}

// SyncAllFrom is SyncAll with an explicit trigger recorded in the session.
func (o *Orchestrator) SyncAllFrom(ctx context.Context, trigger Trigger) (*Session, error) {
	s, err := o.SyncAll(withTrigger(ctx, trigger))
	return s, err
}

// SyncEntity uploads a single record outside the regular order, subject to
// the same admission rules and the same one-pass-at-a-time rule.
func (o *Orchestrator) SyncEntity(ctx context.Context, et models.EntityType, localID int64) (*Session, error) {
	h, ok := o.handlers[et]
	if !ok {
		return nil, fmt.Errorf("no handler for entity type %q", et)
	}
	return o.run(withTrigger(ctx, TriggerEntity), TriggerEntity, func(ctx context.Context, s *Session) {
		if out, admitted := o.admit(h); !admitted {
			s.Results = append(s.Results, out)
			return
		}
		s.Results = append(s.Results, o.guard(ctx, h, func(hctx context.Context) fsync.Outcome {
			return h.SyncOne(hctx, localID)
		}))
	})
}

type triggerKey struct{}

func withTrigger(ctx context.Context, t Trigger) context.Context {
	return context.WithValue(ctx, triggerKey{}, t)
}

func triggerFrom(ctx context.Context, def Trigger) Trigger {
	if t, ok := ctx.Value(triggerKey{}).(Trigger); ok {
		return t
	}
	return def
}

// run wraps a pass body with the single-pass lock, status events and history.
func (o *Orchestrator) run(ctx context.Context, def Trigger, body func(ctx context.Context, s *Session)) (*Session, error) {
	if !o.running.CompareAndSwap(false, true) {
		metrics.SyncPassRejected.Inc()
		return nil, ErrAlreadyRunning
	}
	defer o.running.Store(false)

	s := &Session{ID: uuid.NewString(), Trigger: triggerFrom(ctx, def), StartedAt: time.Now().UTC()}
	o.deps.Bus.SyncStatus.Publish(events.SyncStatusChanged{InProgress: true, At: s.StartedAt})
	slog.Info("sync pass started", "session", s.ID, "trigger", s.Trigger)

	// The final status event is published even if a handler panics past its guard.
	defer func() {
		s.FinishedAt = time.Now().UTC()
		s.Status = overall(s.Results, ctx.Err() != nil)
		o.finish(s)
	}()

	body(ctx, s)
	return s, nil
}

func (o *Orchestrator) finish(s *Session) {
	synced, rejected, escalated := s.Totals()
	elapsed := s.FinishedAt.Sub(s.StartedAt)
	metrics.SyncPasses.WithLabelValues(string(s.Trigger), string(s.Status)).Inc()
	metrics.SyncPassDuration.Observe(elapsed.Seconds())

	o.mu.Lock()
	o.last = s
	o.mu.Unlock()

	if o.deps.Store != nil {
		o.recordHistory(s, synced, rejected, escalated)
	}

	slog.Info("sync pass finished", "session", s.ID, "status", s.Status, "synced", synced,
		"rejected", rejected, "escalated", escalated, "elapsed", elapsed)

	o.deps.Bus.SyncStatus.Publish(events.SyncStatusChanged{
		InProgress: false,
		At:         s.FinishedAt,
		LastResult: &events.SyncSummary{
			Status:    string(s.Status),
			Trigger:   string(s.Trigger),
			Synced:    synced,
			Rejected:  rejected,
			Escalated: escalated,
			Finished:  s.FinishedAt,
		},
	})
}

func (o *Orchestrator) recordHistory(s *Session, synced, rejected, escalated int) {
	// History must be written even when the pass was cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	detail, err := json.Marshal(s.Results)
	if err != nil {
		detail = []byte("[]")
	}
	err = o.deps.Store.RecordSyncHistory(ctx, db.SyncHistoryEntry{
		Trigger:    string(s.Trigger),
		Status:     string(s.Status),
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		Synced:     synced,
		Rejected:   rejected,
		Escalated:  escalated,
		Detail:     string(detail),
	})
	if err != nil {
		slog.Warn("record sync history failed", "err", err)
		return
	}
	if _, err := o.deps.Store.PruneSyncHistory(ctx, o.cfg.HistoryKeep); err != nil {
		slog.Warn("prune sync history failed", "err", err)
	}
}

// admit applies network admission and the class breaker. When the handler
// may not run it returns the skipped outcome.
func (o *Orchestrator) admit(h EntityHandler) (fsync.Outcome, bool) {
	skip := func(reason string) (fsync.Outcome, bool) {
		metrics.HandlerSkipped.WithLabelValues(string(h.Entity()), reason).Inc()
		slog.Debug("handler skipped", "entity", h.Entity(), "reason", reason)
		return fsync.Outcome{Entity: h.Entity(), Status: fsync.StatusSkipped, Reason: reason}, false
	}

	state := netmon.Offline
	if o.deps.Network != nil {
		state = o.deps.Network.Current()
	}
	if !netmon.ShouldAttempt(h.Class(), state) {
		return skip("network")
	}
	if o.deps.Breakers != nil && o.deps.Breakers.State(h.Class()) == "open" {
		return skip("circuit_open")
	}
	return fsync.Outcome{}, true
}

// runHandler drains one handler: it keeps calling while batches come back
// full and made progress, up to MaxBatchesPerPass. Each call resumes after the
// previous batch, so rejected records are attempted once per pass.
func (o *Orchestrator) runHandler(ctx context.Context, h EntityHandler) fsync.Outcome {
	total := fsync.Outcome{Entity: h.Entity(), Status: fsync.StatusEmpty}
	limit := o.cfg.BatchLimit
	var cursor fsync.Cursor

	for i := 0; i < o.cfg.MaxBatchesPerPass; i++ {
		if i > 0 && ctx.Err() != nil {
			break
		}
		if out, admitted := o.admit(h); !admitted {
			if i == 0 {
				return out
			}
			break
		}

		size := h.BatchSize(limit)
		out := o.guard(ctx, h, func(hctx context.Context) fsync.Outcome {
			return h.SyncAfter(hctx, limit, cursor)
		})
		total.Merge(out)

		if out.Synced == 0 || out.Failed > 0 || out.Attempted < size || out.Next.IsZero() {
			break
		}
		cursor = out.Next
	}
	return total
}

// guard runs one handler call detached from ctx cancellation, so a batch in
// flight is never abandoned halfway, and converts a panic into a failed outcome.
func (o *Orchestrator) guard(ctx context.Context, h EntityHandler, call func(ctx context.Context) fsync.Outcome) (out fsync.Outcome) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.HandlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("sync handler panicked", "entity", h.Entity(), "panic", r)
			out = fsync.Outcome{
				Entity: h.Entity(),
				Status: fsync.StatusFailed,
				Err:    fmt.Errorf("handler panic: %v", r),
				Error:  fmt.Sprintf("handler panic: %v", r),
			}
		}
	}()
	return call(hctx)
}

// overall derives the pass status from per-entity outcomes.
func overall(results []fsync.Outcome, cancelled bool) OverallStatus {
	if cancelled {
		return OverallCancelled
	}
	var ok, bad, skipped bool
	for _, r := range results {
		switch r.Status {
		case fsync.StatusSuccess:
			ok = true
		case fsync.StatusPartial:
			ok, bad = true, true
		case fsync.StatusFailed:
			bad = true
		case fsync.StatusSkipped:
			skipped = true
		case fsync.StatusCancelled:
			return OverallCancelled
		}
	}
	switch {
	case ok && bad:
		return OverallPartial
	case bad:
		return OverallFailed
	case ok:
		return OverallSuccess
	case skipped:
		return OverallOffline
	default:
		return OverallSuccess
	}
}

// Purge removes synced records older than the retention period and their
// photo content. Returns the number purged per entity type.
func (o *Orchestrator) Purge(ctx context.Context) (map[models.EntityType]int, error) {
	out := make(map[models.EntityType]int)
	var errs []error
	for _, et := range models.SyncPriority {
		tokens, err := o.deps.Store.PurgeSyncedOlderThan(ctx, et, o.cfg.Retention)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[et] = len(tokens)
		if len(tokens) == 0 {
			continue
		}
		metrics.RecordsPurged.WithLabelValues(string(et)).Add(float64(len(tokens)))
		if et == models.EntityPhoto && o.deps.Blobs != nil {
			if err := o.deps.Blobs.Delete(ctx, tokens...); err != nil {
				errs = append(errs, fmt.Errorf("delete photo content: %w", err))
			}
		}
		slog.Info("purged synced records", "entity", et, "count", len(tokens))
	}
	return out, errors.Join(errs...)
}
