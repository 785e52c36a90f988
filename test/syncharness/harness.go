// Package syncharness runs the device sync stack against a real ingest
// server over HTTP, with both sides on in-memory databases.
package syncharness

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marcus/fieldsync/internal/api"
	"github.com/marcus/fieldsync/internal/blobstore"
	"github.com/marcus/fieldsync/internal/db"
	"github.com/marcus/fieldsync/internal/events"
	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/netmon"
	"github.com/marcus/fieldsync/internal/orchestrator"
	"github.com/marcus/fieldsync/internal/retry"
	"github.com/marcus/fieldsync/internal/serverdb"
	fsync "github.com/marcus/fieldsync/internal/sync"
	"github.com/marcus/fieldsync/internal/syncclient"
)

const testSecret = "harness-secret-harness-secret-harness"

// Options tune a harness. Zero values use the defaults below.
type Options struct {
	BatchLimit  int
	MaxAttempts int
	MaxBatch    int
}

// Harness is one device talking to one server.
type Harness struct {
	t *testing.T

	Server   *httptest.Server
	ServerDB *serverdb.ServerDB

	DeviceID string
	DB       *db.DB
	Blobs    *blobstore.Store
	Client   *syncclient.Client
	Monitor  *netmon.Monitor
	Bus      *events.Bus
	Orch     *orchestrator.Orchestrator

	mu     sync.Mutex
	finals []events.SyncStatusChanged
	pushes []models.EntityType
}

// New starts a server, enrolls a device and builds its sync stack.
func New(t *testing.T, opts Options) *Harness {
	t.Helper()
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 5
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}

	store, err := serverdb.Open(":memory:")
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := api.DefaultConfig()
	cfg.TokenSecret = testSecret
	cfg.RateLimitAuth = 100000
	cfg.RateLimitPush = 100000
	if opts.MaxBatch > 0 {
		cfg.MaxBatch = opts.MaxBatch
	}
	srv, err := api.NewServer(cfg, store)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	h := &Harness{t: t}
	srvHandler := srv.Handler()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if et, ok := strings.CutPrefix(r.URL.Path, "/v1/sync/"); ok && r.Method == http.MethodPost {
			h.mu.Lock()
			h.pushes = append(h.pushes, models.EntityType(et))
			h.mu.Unlock()
		}
		srvHandler.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	key, dev, err := store.RegisterDevice("dev-harness", "harness")
	if err != nil {
		t.Fatalf("register device: %v", err)
	}

	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	local, err := db.Wrap(conn)
	if err != nil {
		t.Fatalf("open device db: %v", err)
	}
	t.Cleanup(func() { local.Close() })

	blobs, err := blobstore.OpenInMemory()
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}
	t.Cleanup(func() { blobs.Close() })

	h.Server = ts
	h.ServerDB = store
	h.DeviceID = dev.ID
	h.DB = local
	h.Blobs = blobs
	h.Client = syncclient.New(ts.URL, dev.ID, key)
	h.Monitor = netmon.NewMonitor(netmon.State{
		Connected: true, Transport: netmon.TransportWiFi, Quality: netmon.QualityExcellent,
	})
	h.Bus = events.NewBus()

	breakers := retry.NewBreakers(retry.DefaultBreakerSettings())
	handlers := fsync.NewHandlers(fsync.DefaultSpecs(), fsync.Deps{
		Store:       local,
		Remote:      h.Client,
		Blobs:       blobs,
		Breakers:    breakers,
		Policy:      retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond},
		MaxAttempts: opts.MaxAttempts,
	})
	list := make([]orchestrator.EntityHandler, 0, len(handlers))
	for _, et := range models.SyncPriority {
		list = append(list, handlers[et])
	}
	h.Orch = orchestrator.New(orchestrator.Deps{
		Handlers: list,
		Network:  h.Monitor,
		Breakers: breakers,
		Store:    local,
		Blobs:    blobs,
		Bus:      h.Bus,
	}, orchestrator.Config{BatchLimit: opts.BatchLimit})

	sub := h.Bus.SyncStatus.SubscribeFunc(func(e events.SyncStatusChanged) {
		if e.InProgress {
			return
		}
		h.mu.Lock()
		h.finals = append(h.finals, e)
		h.mu.Unlock()
	})
	t.Cleanup(sub.Close)
	return h
}

// SyncAll runs one pass and fails the test if it could not start.
func (h *Harness) SyncAll() *orchestrator.Session {
	h.t.Helper()
	s, err := h.Orch.SyncAll(context.Background())
	if err != nil {
		h.t.Fatalf("SyncAll: %v", err)
	}
	return s
}

// Finals waits until n final status events arrived and returns them. Extra
// events delivered within a short grace period are included.
func (h *Harness) Finals(n int) []events.SyncStatusChanged {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.mu.Lock()
		got := len(h.finals)
		h.mu.Unlock()
		if got >= n || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]events.SyncStatusChanged(nil), h.finals...)
}

// Pushes returns the entity type of every upload request the server received,
// in arrival order.
func (h *Harness) Pushes() []models.EntityType {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.EntityType(nil), h.pushes...)
}

// ServerCount returns the number of records the server stored for et.
func (h *Harness) ServerCount(et models.EntityType) int64 {
	h.t.Helper()
	counts, err := h.ServerDB.CountRecords()
	if err != nil {
		h.t.Fatalf("count server records: %v", err)
	}
	return counts[string(et)]
}

// LocalCounts returns the device's per-state counts for et.
func (h *Harness) LocalCounts(et models.EntityType) db.Counts {
	h.t.Helper()
	counts, err := h.DB.CountByState(context.Background())
	if err != nil {
		h.t.Fatalf("count local records: %v", err)
	}
	return counts[et]
}

// AddLocations stores n valid location samples.
func (h *Harness) AddLocations(n int) {
	h.t.Helper()
	for i := 0; i < n; i++ {
		ls := &models.LocationSample{
			Latitude:  52.37 + float64(i)*0.0001,
			Longitude: 4.89,
			Accuracy:  8,
			Movement:  string(models.MovementMoving),
			Battery:   0.8,
		}
		if err := h.DB.InsertLocationSample(context.Background(), ls); err != nil {
			h.t.Fatalf("insert location: %v", err)
		}
	}
}

// AddReport stores a report and returns it.
func (h *Harness) AddReport(title, category string) *models.Report {
	h.t.Helper()
	r := &models.Report{Title: title, Body: "observed on site", Category: category}
	if err := h.DB.InsertReport(context.Background(), r); err != nil {
		h.t.Fatalf("insert report: %v", err)
	}
	return r
}
