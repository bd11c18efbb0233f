// Package admin implements the admin/observability surface: an independent
// HTTP server exposing liveness, Prometheus metrics, and a WebSocket push
// of small status snapshots. It never touches relay traffic and is started
// only when an admin bind address is configured.
package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tunnelrelay/relay/internal/metrics"
	"github.com/tunnelrelay/relay/internal/relaylog"
)

// StreamInterval is how often /stream pushes a fresh snapshot.
const StreamInterval = 5 * time.Second

// ShutdownTimeout bounds how long Run waits for in-flight requests to drain
// on cancellation before forcing the listener closed.
const ShutdownTimeout = 5 * time.Second

// Readiness reports whether a long-running component's socket is bound.
type Readiness interface {
	Ready() bool
}

// ClientCounter reports the current Client Table size.
type ClientCounter interface {
	Len() int
}

// MaintenanceStatus reports the relay's current maintenance flag.
type MaintenanceStatus interface {
	Enabled() bool
}

// AnnounceStatus reports the outcome of the most recent Master Announcer
// attempt.
type AnnounceStatus interface {
	LastOutcome() (outcome string, at time.Time)
}

// Snapshot is the JSON payload pushed over /stream and implied by /metrics.
type Snapshot struct {
	Clients             int       `json:"clients"`
	MaxClients          int       `json:"max_clients"`
	Maintenance         bool      `json:"maintenance"`
	LastAnnounceOutcome string    `json:"last_announce_outcome,omitempty"`
	LastAnnounceAt      time.Time `json:"last_announce_at,omitempty"`
}

// Server is the admin/observability HTTP server.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader
	log        *relaylog.Logger

	relayReady      Readiness
	reflectionReady Readiness
	clients         ClientCounter
	maxClients      int
	maintenance     MaintenanceStatus
	announcer       AnnounceStatus

	runCtx atomic.Value // context.Context, set once Run starts
}

// Listen binds addr and builds a Server. It does not start serving until
// Run is called, so tests can bind to port 0 and read back the actual
// address via Addr before issuing requests.
func Listen(addr string, relayReady, reflectionReady Readiness, clients ClientCounter, maxClients int, maintenance MaintenanceStatus, announcer AnnounceStatus, log *relaylog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		listener:        ln,
		log:             log,
		relayReady:      relayReady,
		reflectionReady: reflectionReady,
		clients:         clients,
		maxClients:      maxClients,
		maintenance:     maintenance,
		announcer:       announcer,
		upgrader:        websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/stream", s.handleStream)
	s.httpServer = &http.Server{Handler: mux}
	return s, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Run serves HTTP requests until ctx is cancelled, at which point it shuts
// down gracefully within ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	s.runCtx.Store(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(s.listener) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.relayReady.Ready() && s.reflectionReady.Ready() {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}

func (s *Server) snapshot() Snapshot {
	outcome, at := s.announcer.LastOutcome()
	return Snapshot{
		Clients:             s.clients.Len(),
		MaxClients:          s.maxClients,
		Maintenance:         s.maintenance.Enabled(),
		LastAnnounceOutcome: outcome,
		LastAnnounceAt:      at,
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugw("stream upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	connID := uuid.New().String()
	s.log.Infow("admin stream connected", "conn_id", connID, "addr", r.RemoteAddr)
	defer s.log.Infow("admin stream disconnected", "conn_id", connID)

	ctx := r.Context()
	if stored, ok := s.runCtx.Load().(context.Context); ok {
		ctx = stored
	}

	ticker := time.NewTicker(StreamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(s.snapshot())
			if err != nil {
				s.log.Errorw("stream snapshot marshal failed", "conn_id", connID, "err", err)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.log.Debugw("stream write failed", "conn_id", connID, "err", err)
				return
			}
		}
	}
}
