package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marcus/fieldsync/internal/db"
	"github.com/marcus/fieldsync/internal/events"
	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/netmon"
	"github.com/marcus/fieldsync/internal/retry"
	fsync "github.com/marcus/fieldsync/internal/sync"
)

// fakeHandler drains a counter of pending records.
type fakeHandler struct {
	entity  models.EntityType
	class   models.OperationClass
	pending int
	calls   int
	onSync  func()
	status  fsync.Status
	panics  bool
	log     *callLog
}

type callLog struct {
	mu    sync.Mutex
	order []models.EntityType
}

func (l *callLog) add(et models.EntityType) {
	l.mu.Lock()
	l.order = append(l.order, et)
	l.mu.Unlock()
}

func (l *callLog) get() []models.EntityType {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.EntityType(nil), l.order...)
}

func (h *fakeHandler) Entity() models.EntityType    { return h.entity }
func (h *fakeHandler) Class() models.OperationClass { return h.class }
func (h *fakeHandler) BatchSize(limit int) int      { return limit }

func (h *fakeHandler) SyncAfter(ctx context.Context, limit int, after fsync.Cursor) fsync.Outcome {
	h.calls++
	if h.log != nil {
		h.log.add(h.entity)
	}
	if h.onSync != nil {
		h.onSync()
	}
	if h.panics {
		panic("boom")
	}
	n := min(limit, h.pending)
	h.pending -= n
	if n == 0 {
		return fsync.Outcome{Entity: h.entity, Status: fsync.StatusEmpty, Batches: 1}
	}
	out := fsync.Outcome{Entity: h.entity, Status: h.status, Attempted: n, Synced: n, Batches: 1}
	out.Next = fsync.Cursor{CreatedAt: after.CreatedAt.Add(time.Second), LocalID: after.LocalID + int64(n)}
	switch h.status {
	case "":
		out.Status = fsync.StatusSuccess
	case fsync.StatusPartial:
		// the head of each batch is rejected
		out.Synced, out.Rejected = n-1, 1
	case fsync.StatusFailed:
		out.Synced, out.Rejected = 0, n
	}
	return out
}

func (h *fakeHandler) SyncOne(ctx context.Context, localID int64) fsync.Outcome {
	h.calls++
	return fsync.Outcome{Entity: h.entity, Status: fsync.StatusSuccess, Attempted: 1, Synced: 1, Batches: 1}
}

func newHandlers(log *callLog, pending int) map[models.EntityType]*fakeHandler {
	out := make(map[models.EntityType]*fakeHandler)
	for _, et := range models.SyncPriority {
		out[et] = &fakeHandler{entity: et, class: et.Class(), pending: pending, log: log}
	}
	return out
}

func handlerList(m map[models.EntityType]*fakeHandler) []EntityHandler {
	var out []EntityHandler
	// Registration order must not matter.
	for _, et := range models.SyncPriority {
		out = append(out, m[et])
	}
	return out
}

func online(q netmon.Quality) *netmon.Monitor {
	return netmon.NewMonitor(netmon.State{Connected: true, Transport: netmon.TransportWiFi, Quality: q})
}

type memStore struct {
	mu      sync.Mutex
	history []db.SyncHistoryEntry
	purge   map[models.EntityType][]string
	purges  int
}

func (s *memStore) PurgeSyncedOlderThan(ctx context.Context, et models.EntityType, age time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purges++
	return s.purge[et], nil
}

func (s *memStore) RecordSyncHistory(ctx context.Context, e db.SyncHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, e)
	return nil
}

func (s *memStore) PruneSyncHistory(ctx context.Context, keep int) (int64, error) {
	return 0, nil
}

func TestPriorityOrder(t *testing.T) {
	log := &callLog{}
	hs := newHandlers(log, 1)
	o := New(Deps{Handlers: handlerList(hs), Network: online(netmon.QualityExcellent)}, Config{BatchLimit: 10})

	s, err := o.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	got := log.get()
	if len(got) != len(models.SyncPriority) {
		t.Fatalf("calls: %v", got)
	}
	for i, et := range models.SyncPriority {
		if got[i] != et {
			t.Errorf("position %d: got %s, want %s", i, got[i], et)
		}
	}
	if s.Status != OverallSuccess {
		t.Errorf("status: %s", s.Status)
	}
	if synced, _, _ := s.Totals(); synced != 5 {
		t.Errorf("synced: %d", synced)
	}
}

func TestAdmissionByQuality(t *testing.T) {
	hs := newHandlers(nil, 1)
	o := New(Deps{Handlers: handlerList(hs), Network: online(netmon.QualityPoor)}, Config{})

	s, err := o.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	for _, et := range []models.EntityType{models.EntityTimeRecord, models.EntityCheckpointVerification, models.EntityReport} {
		if hs[et].calls != 1 {
			t.Errorf("%s not attempted on poor network", et)
		}
	}
	for _, et := range []models.EntityType{models.EntityLocationSample, models.EntityPhoto} {
		if hs[et].calls != 0 {
			t.Errorf("%s attempted on poor network", et)
		}
		r, ok := s.Result(et)
		if !ok || r.Status != fsync.StatusSkipped || r.Reason != "network" {
			t.Errorf("%s result: %+v", et, r)
		}
	}
	if s.Status != OverallSuccess {
		t.Errorf("status: %s", s.Status)
	}
}

func TestOfflinePassIsSkipped(t *testing.T) {
	hs := newHandlers(nil, 1)
	o := New(Deps{Handlers: handlerList(hs), Network: netmon.NewMonitor(netmon.Offline)}, Config{})

	s, err := o.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if s.Status != OverallOffline {
		t.Errorf("status: %s", s.Status)
	}
	for et, h := range hs {
		if h.calls != 0 {
			t.Errorf("%s called while offline", et)
		}
	}
}

func TestOpenBreakerSkipsClass(t *testing.T) {
	hs := newHandlers(nil, 1)
	breakers := retry.NewBreakers(retry.BreakerSettings{FailureThreshold: 1, Window: time.Minute, Cooldown: time.Minute, MaxCooldown: time.Minute})
	done, err := breakers.Allow(models.ClassPhotoUpload)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	done(retry.ErrTransient)

	o := New(Deps{Handlers: handlerList(hs), Network: online(netmon.QualityExcellent), Breakers: breakers}, Config{})
	s, _ := o.SyncAll(context.Background())
	if hs[models.EntityPhoto].calls != 0 {
		t.Error("photo handler ran with open breaker")
	}
	if r, _ := s.Result(models.EntityPhoto); r.Reason != "circuit_open" {
		t.Errorf("photo result: %+v", r)
	}
	if hs[models.EntityReport].calls != 1 {
		t.Error("other classes should still run")
	}
}

func TestDrainsFullBatches(t *testing.T) {
	hs := newHandlers(nil, 0)
	hs[models.EntityLocationSample].pending = 12
	o := New(Deps{Handlers: handlerList(hs), Network: online(netmon.QualityGood)}, Config{BatchLimit: 5})

	s, err := o.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	h := hs[models.EntityLocationSample]
	if h.calls != 3 {
		t.Errorf("calls: got %d, want 3", h.calls)
	}
	r, _ := s.Result(models.EntityLocationSample)
	if r.Synced != 12 || r.Batches != 3 {
		t.Errorf("result: %+v", r)
	}
}

func TestMaxBatchesPerPass(t *testing.T) {
	hs := newHandlers(nil, 0)
	hs[models.EntityReport].pending = 100
	o := New(Deps{Handlers: handlerList(hs), Network: online(netmon.QualityGood)}, Config{BatchLimit: 5, MaxBatchesPerPass: 4})

	if _, err := o.SyncAll(context.Background()); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if got := hs[models.EntityReport].calls; got != 4 {
		t.Errorf("calls: got %d, want 4", got)
	}
	if got := hs[models.EntityReport].pending; got != 80 {
		t.Errorf("pending: got %d, want 80", got)
	}
}

func TestDrainsPastPartialBatches(t *testing.T) {
	hs := newHandlers(nil, 0)
	h := hs[models.EntityReport]
	h.pending = 12
	h.status = fsync.StatusPartial
	o := New(Deps{Handlers: handlerList(hs), Network: online(netmon.QualityGood)}, Config{BatchLimit: 5})

	s, _ := o.SyncAll(context.Background())
	if h.calls != 3 {
		t.Errorf("calls: got %d, want 3", h.calls)
	}
	if h.pending != 0 {
		t.Errorf("pending after pass: %d", h.pending)
	}
	r, _ := s.Result(models.EntityReport)
	if r.Synced != 9 || r.Rejected != 3 || r.Batches != 3 {
		t.Errorf("report outcome: %+v", r)
	}
	if s.Status != OverallPartial {
		t.Errorf("status: %s", s.Status)
	}
}

func TestStopsDrainingWithoutProgress(t *testing.T) {
	hs := newHandlers(nil, 0)
	h := hs[models.EntityReport]
	h.pending = 20
	h.status = fsync.StatusFailed
	o := New(Deps{Handlers: handlerList(hs), Network: online(netmon.QualityGood)}, Config{BatchLimit: 5})

	o.SyncAll(context.Background())
	if h.calls != 1 {
		t.Errorf("calls: got %d, want 1", h.calls)
	}
}

func TestAtMostOnePass(t *testing.T) {
	hs := newHandlers(nil, 1)
	started := make(chan struct{})
	release := make(chan struct{})
	hs[models.EntityTimeRecord].onSync = func() {
		close(started)
		<-release
	}
	o := New(Deps{Handlers: handlerList(hs), Network: online(netmon.QualityExcellent)}, Config{})

	errc := make(chan error, 1)
	go func() {
		_, err := o.SyncAll(context.Background())
		errc <- err
	}()
	<-started

	if !o.InProgress() {
		t.Error("InProgress false during pass")
	}
	if _, err := o.SyncAll(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("concurrent SyncAll: got %v, want ErrAlreadyRunning", err)
	}
	if _, err := o.SyncEntity(context.Background(), models.EntityReport, 1); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("concurrent SyncEntity: got %v, want ErrAlreadyRunning", err)
	}

	close(release)
	if err := <-errc; err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if o.InProgress() {
		t.Error("InProgress true after pass")
	}
	if _, err := o.SyncAll(context.Background()); err != nil {
		t.Errorf("pass after release: %v", err)
	}
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	hs := newHandlers(nil, 1)
	hs[models.EntityReport].panics = true
	o := New(Deps{Handlers: handlerList(hs), Network: online(netmon.QualityExcellent)}, Config{})

	s, err := o.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	r, _ := s.Result(models.EntityReport)
	if r.Status != fsync.StatusFailed || r.Error == "" {
		t.Errorf("report result: %+v", r)
	}
	for _, et := range []models.EntityType{models.EntityLocationSample, models.EntityPhoto} {
		if hs[et].calls != 1 {
			t.Errorf("%s did not run after panic", et)
		}
	}
	if s.Status != OverallPartial {
		t.Errorf("status: %s", s.Status)
	}
	if o.InProgress() {
		t.Error("lock not released after panic")
	}
}

func TestCancellationBetweenHandlers(t *testing.T) {
	hs := newHandlers(nil, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hs[models.EntityCheckpointVerification].onSync = cancel

	bus := events.NewBus()
	sub := bus.SyncStatus.Subscribe(false)
	defer sub.Close()

	o := New(Deps{Handlers: handlerList(hs), Network: online(netmon.QualityExcellent), Bus: bus}, Config{})
	s, err := o.SyncAll(ctx)
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}

	// The handler running at cancellation completes its batch.
	if r, _ := s.Result(models.EntityCheckpointVerification); r.Status != fsync.StatusSuccess || r.Synced != 1 {
		t.Errorf("in-flight handler: %+v", r)
	}
	for _, et := range []models.EntityType{models.EntityReport, models.EntityLocationSample, models.EntityPhoto} {
		if hs[et].calls != 0 {
			t.Errorf("%s ran after cancellation", et)
		}
		if r, _ := s.Result(et); r.Status != fsync.StatusCancelled {
			t.Errorf("%s: %+v", et, r)
		}
	}
	if s.Status != OverallCancelled {
		t.Errorf("status: %s", s.Status)
	}

	select {
	case ev := <-sub.C():
		if ev.InProgress || ev.LastResult == nil || ev.LastResult.Status != string(OverallCancelled) {
			t.Errorf("final event: %+v", ev)
		}
	default:
		t.Fatal("no status event")
	}
	select {
	case ev := <-sub.C():
		t.Errorf("unexpected extra event: %+v", ev)
	default:
	}
}

func TestStatusEventsBracketPass(t *testing.T) {
	hs := newHandlers(nil, 1)
	bus := events.NewBus()
	sawInProgress := make(chan bool, 1)
	hs[models.EntityTimeRecord].onSync = func() {
		ev, _ := bus.SyncStatus.Last()
		sawInProgress <- ev.InProgress
	}
	store := &memStore{}
	o := New(Deps{Handlers: handlerList(hs), Network: online(netmon.QualityExcellent), Bus: bus, Store: store}, Config{})

	ctx := withTrigger(context.Background(), TriggerSchedule)
	if _, err := o.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if !<-sawInProgress {
		t.Error("in_progress event not published before handlers ran")
	}
	last, ok := bus.SyncStatus.Last()
	if !ok || last.InProgress || last.LastResult.Synced != 5 || last.LastResult.Trigger != string(TriggerSchedule) {
		t.Errorf("final event: %+v", last)
	}

	if len(store.history) != 1 {
		t.Fatalf("history entries: %d", len(store.history))
	}
	if h := store.history[0]; h.Status != "success" || h.Trigger != "schedule" || h.Synced != 5 {
		t.Errorf("history: %+v", h)
	}
	if o.LastSession() == nil {
		t.Error("LastSession not recorded")
	}
}

func TestSyncEntity(t *testing.T) {
	hs := newHandlers(nil, 0)
	o := New(Deps{Handlers: handlerList(hs), Network: online(netmon.QualityPoor)}, Config{})

	s, err := o.SyncEntity(context.Background(), models.EntityReport, 7)
	if err != nil {
		t.Fatalf("SyncEntity: %v", err)
	}
	if s.Trigger != TriggerEntity || s.Status != OverallSuccess || hs[models.EntityReport].calls != 1 {
		t.Errorf("session: %+v", s)
	}

	// Photos need a good connection.
	s, err = o.SyncEntity(context.Background(), models.EntityPhoto, 1)
	if err != nil {
		t.Fatalf("SyncEntity photo: %v", err)
	}
	if s.Status != OverallOffline || hs[models.EntityPhoto].calls != 0 {
		t.Errorf("photo session: %+v", s)
	}
}

func TestPurgeDeletesPhotoContent(t *testing.T) {
	store := &memStore{purge: map[models.EntityType][]string{
		models.EntityPhoto:          {"p1", "p2"},
		models.EntityLocationSample: {"l1"},
	}}
	blobs := &fakeBlobs{}
	o := New(Deps{Store: store, Blobs: blobs}, Config{})

	got, err := o.Purge(context.Background())
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if got[models.EntityPhoto] != 2 || got[models.EntityLocationSample] != 1 {
		t.Errorf("purged: %v", got)
	}
	if len(blobs.deleted) != 2 {
		t.Errorf("blobs deleted: %v", blobs.deleted)
	}
}

type fakeBlobs struct{ deleted []string }

func (b *fakeBlobs) Delete(ctx context.Context, tokens ...string) error {
	b.deleted = append(b.deleted, tokens...)
	return nil
}

func TestOverall(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []fsync.Status
		cancelled bool
		want      OverallStatus
	}{
		{"all empty", []fsync.Status{fsync.StatusEmpty, fsync.StatusEmpty}, false, OverallSuccess},
		{"success and skipped", []fsync.Status{fsync.StatusSuccess, fsync.StatusSkipped}, false, OverallSuccess},
		{"only skipped", []fsync.Status{fsync.StatusSkipped}, false, OverallOffline},
		{"failed", []fsync.Status{fsync.StatusFailed, fsync.StatusEmpty}, false, OverallFailed},
		{"mixed", []fsync.Status{fsync.StatusSuccess, fsync.StatusFailed}, false, OverallPartial},
		{"cancelled ctx", []fsync.Status{fsync.StatusSuccess}, true, OverallCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var results []fsync.Outcome
			for _, s := range tt.statuses {
				results = append(results, fsync.Outcome{Status: s})
			}
			if got := overall(results, tt.cancelled); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}
