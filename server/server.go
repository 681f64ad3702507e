// Package server wires the broker's HTTP and WebSocket surface: the edge
// and consumer upgrade endpoints, the REST query/stats surface, and the
// Prometheus scrape endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/justapithecus/telemetry-broker/buffer"
	"github.com/justapithecus/telemetry-broker/log"
	"github.com/justapithecus/telemetry-broker/persistence"
	"github.com/justapithecus/telemetry-broker/registry"
	"github.com/justapithecus/telemetry-broker/session/consumer"
	"github.com/justapithecus/telemetry-broker/session/edge"
	"github.com/justapithecus/telemetry-broker/types"
)

// Pinger checks a dependency's reachability for /health/ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps bundles everything the HTTP surface needs.
type Deps struct {
	Addr         string
	Buffers      *buffer.Manager
	Registry     *registry.Registry
	Persistence  *persistence.Pipeline // nil when DB persistence is disabled
	Gatherer     prometheus.Gatherer
	EdgeDeps     edge.Deps
	ConsumerDeps consumer.Deps
	Redis        Pinger // nil when pub/sub is disabled
	Database     Pinger // nil when DB persistence is disabled
	Logger       *log.Logger
}

// Server serves the broker's WebSocket and HTTP surface.
type Server struct {
	http   *http.Server
	logger *log.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// New builds a Server with every route wired.
func New(deps Deps) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /stream", streamEdge(deps))
	mux.HandleFunc("GET /subscribe/{user_id}", streamConsumer(deps))

	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("GET /health/ready", handleHealthReady(deps))
	mux.HandleFunc("GET /buffer/{user_id}/latest", handleBufferLatest(deps))
	mux.HandleFunc("GET /buffer/{user_id}/last/{n}", handleBufferLastN(deps))
	mux.HandleFunc("GET /buffer/{user_id}/stats", handleBufferStats(deps))
	mux.HandleFunc("GET /stats", handleStats(deps))

	if deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	addr := deps.Addr
	if addr == "" {
		addr = ":8000"
	}

	return &Server{
		http:   &http.Server{Addr: addr, Handler: mux},
		logger: deps.Logger,
	}
}

// Start binds the listener and begins serving in the background. It
// returns once the listener is bound, or an error if binding fails.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped unexpectedly", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight requests
// to finish, up to ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func streamEdge(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			deps.Logger.Warn("edge websocket upgrade failed", map[string]any{"error": err.Error()})
			return
		}
		edge.Handle(r.Context(), conn, deps.EdgeDeps)
	}
}

func streamConsumer(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.PathValue("user_id")
		if userID == "" {
			http.Error(w, "missing user_id", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			deps.Logger.Warn("consumer websocket upgrade failed", map[string]any{"error": err.Error()})
			return
		}
		consumer.Handle(r.Context(), conn, userID, deps.ConsumerDeps)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func handleHealthReady(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		redisStatus := "disabled"
		ready := true
		if deps.Redis != nil {
			if err := deps.Redis.Ping(ctx); err != nil {
				redisStatus = "unreachable"
				ready = false
			} else {
				redisStatus = "ok"
			}
		}

		dbStatus := "disabled"
		if deps.Database != nil {
			if err := deps.Database.Ping(ctx); err != nil {
				dbStatus = "unreachable"
				ready = false
			} else {
				dbStatus = "ok"
			}
		}

		status := "ok"
		code := http.StatusOK
		if !ready {
			status = "unavailable"
			code = http.StatusServiceUnavailable
		}

		writeJSON(w, code, map[string]any{"status": status, "redis": redisStatus, "database": dbStatus})
	}
}

func handleBufferLatest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		buf, ok := deps.Buffers.Get(r.PathValue("user_id"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		filter := sampleFilter(r)
		sample, ok := buf.Latest(filter)
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, sample)
	}
}

func handleBufferLastN(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		buf, ok := deps.Buffers.Get(r.PathValue("user_id"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		n, err := strconv.Atoi(r.PathValue("n"))
		if err != nil || n < 0 {
			http.Error(w, "invalid n", http.StatusBadRequest)
			return
		}
		filter := sampleFilter(r)
		writeJSON(w, http.StatusOK, buf.LastN(n, filter))
	}
}

func handleBufferStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		buf, ok := deps.Buffers.Get(r.PathValue("user_id"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, buf.Stats())
	}
}

// statsResponse aggregates the connection registry, persistence pipeline,
// and per-user buffer stats for the operator-facing /stats endpoint.
type statsResponse struct {
	Registry    registry.Stats              `json:"registry"`
	Persistence *persistence.Stats          `json:"persistence,omitempty"`
	Buffers     map[string]types.BufferStats `json:"buffers"`
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := statsResponse{
			Registry: deps.Registry.Stats(),
			Buffers:  make(map[string]types.BufferStats),
		}
		if deps.Persistence != nil {
			stats := deps.Persistence.Stats()
			resp.Persistence = &stats
		}
		for _, userID := range deps.Buffers.Users() {
			if buf, ok := deps.Buffers.Get(userID); ok {
				resp.Buffers[userID] = buf.Stats()
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func sampleFilter(r *http.Request) types.SampleFilter {
	kind := r.URL.Query().Get("sample_type")
	return types.SampleFilter{Kind: types.SampleKind(kind)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
