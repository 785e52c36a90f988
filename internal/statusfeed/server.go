// Package statusfeed serves the device's local status endpoints: a JSON
// snapshot, a websocket stream of status events, and Prometheus metrics.
package statusfeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marcus/fieldsync/internal/db"
	"github.com/marcus/fieldsync/internal/events"
	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/netmon"
	"github.com/marcus/fieldsync/internal/orchestrator"
)

// SyncState reports on the orchestrator.
type SyncState interface {
	InProgress() bool
	LastSession() *orchestrator.Session
}

// NetworkState reports the current network conditions.
type NetworkState interface {
	Current() netmon.State
}

// BreakerStates reports circuit breaker state per operation class.
type BreakerStates interface {
	States() map[models.OperationClass]string
}

// Counter reports record counts per entity.
type Counter interface {
	CountByState(ctx context.Context) (map[models.EntityType]db.Counts, error)
}

// Deps are the collaborators a Server reads from.
type Deps struct {
	Sync     SyncState
	Network  NetworkState
	Breakers BreakerStates
	Counts   Counter
	Bus      *events.Bus
}

// Snapshot is the body of GET /status.
type Snapshot struct {
	InProgress  bool                             `json:"in_progress"`
	LastSession *orchestrator.Session            `json:"last_session,omitempty"`
	Network     netmon.State                     `json:"network"`
	Breakers    map[models.OperationClass]string `json:"breakers"`
	Records     map[models.EntityType]db.Counts  `json:"records"`
	Pending     int                              `json:"pending"`
	Escalated   int                              `json:"escalated"`
	At          time.Time                        `json:"at"`
}

// Message is one websocket frame.
type Message struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// Frame types on /ws.
const (
	TypeSyncStatus = "sync_status"
	TypeLocation   = "location"
	TypeMovement   = "movement"
)

// Server is the local status HTTP server.
type Server struct {
	addr   string
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// New creates a status server listening on addr once served.
func New(addr string, deps Deps) *Server {
	return &Server{addr: addr, deps: deps, logger: slog.Default(), now: time.Now}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/status", s.handleStatus)
	r.Get("/ws", s.handleWS)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) String() string { return "status-server " + s.addr }

// Serve listens until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("status server listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("status server shutdown", "err", err)
	}
	return ctx.Err()
}

// Snapshot gathers the current status.
func (s *Server) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{At: s.now().UTC()}
	if s.deps.Sync != nil {
		snap.InProgress = s.deps.Sync.InProgress()
		snap.LastSession = s.deps.Sync.LastSession()
	}
	if s.deps.Network != nil {
		snap.Network = s.deps.Network.Current()
	}
	if s.deps.Breakers != nil {
		snap.Breakers = s.deps.Breakers.States()
	}
	if s.deps.Counts != nil {
		counts, err := s.deps.Counts.CountByState(ctx)
		if err != nil {
			return snap, err
		}
		snap.Records = counts
		for _, c := range counts {
			snap.Pending += c.Pending
			snap.Escalated += c.Escalated
		}
	}
	return snap, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("status snapshot", "err", err)
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Debug("write status", "err", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()

	// Read side is unused; CloseRead cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	if s.deps.Bus == nil {
		conn.Close(websocket.StatusInternalError, "no event bus")
		return
	}
	syncSub := s.deps.Bus.SyncStatus.Subscribe(true)
	defer syncSub.Close()
	locSub := s.deps.Bus.Location.Subscribe(false)
	defer locSub.Close()
	moveSub := s.deps.Bus.Movement.Subscribe(false)
	defer moveSub.Close()

	for {
		var msg Message
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case v, ok := <-syncSub.C():
			if !ok {
				return
			}
			msg = Message{Type: TypeSyncStatus, Data: v}
		case v, ok := <-locSub.C():
			if !ok {
				return
			}
			msg = Message{Type: TypeLocation, Data: v}
		case v, ok := <-moveSub.C():
			if !ok {
				return
			}
			msg = Message{Type: TypeMovement, Data: v}
		}
		msg.At = s.now().UTC()
		if err := s.write(ctx, conn, msg); err != nil {
			s.logger.Debug("websocket write", "err", err)
			return
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
