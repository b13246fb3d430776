// Package server is the delivery layer: REST queries over the store and
// aggregator, prompt/terminal ingestion, the SSE push channel, and the
// opaque summarizer passthrough.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"pulsed/internal/aggregate"
	"pulsed/internal/clio"
	"pulsed/internal/health"
	"pulsed/internal/link"
	"pulsed/internal/logging"
	"pulsed/internal/metrics"
	"pulsed/internal/store"
)

// Options configures a Server.
type Options struct {
	Addr       string
	Store      *store.Store
	Aggregator *aggregate.Aggregator
	Linker     *link.Linker
	Clio       *clio.Client
	Health     *health.Checker
	// WriteTimeout bounds individual response writes, including each
	// SSE frame.
	WriteTimeout time.Duration
	Logger       *logging.Logger
	Metrics      *metrics.Registry
}

// Server serves the REST and push surfaces.
type Server struct {
	opts Options
	log  *logging.Logger

	mux  *http.ServeMux
	http *http.Server
	ln   net.Listener

	activeTails   *metrics.Gauge
	requestsTotal *metrics.Counter
	tailResumes   *metrics.Counter
}

// New wires the routes. Call Start to begin listening.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	s := &Server{
		opts: opts,
		log:  opts.Logger.WithComponent("server"),
		mux:  http.NewServeMux(),

		activeTails:   opts.Metrics.Gauge("server_active_tails", "open push channels"),
		requestsTotal: opts.Metrics.Counter("server_requests_total", "HTTP requests served"),
		tailResumes:   opts.Metrics.Counter("server_tail_resume_closes_total", "tail clients closed for falling behind"),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)

	s.mux.Handle("GET /api/activity", s.ready(s.handleActivity))
	s.mux.Handle("GET /api/workspaces", s.ready(s.handleWorkspaces))
	s.mux.Handle("GET /api/prompts", s.ready(s.handlePrompts))
	s.mux.Handle("POST /api/prompts", s.ready(s.handleIngestPrompt))
	s.mux.Handle("POST /api/terminal", s.ready(s.handleIngestTerminal))
	s.mux.Handle("GET /api/snapshot", s.ready(s.handleSnapshot))
	s.mux.Handle("GET /api/stats", s.ready(s.handleStats))
	s.mux.Handle("GET /api/sessions", s.ready(s.handleSessions))
	s.mux.Handle("POST /api/clio/process", s.ready(s.handleClioProcess))
	s.mux.Handle("GET /tail", s.ready(s.handleTail))

	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.count(s.mux),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
		// Write deadlines are managed per request so the SSE channel
		// can outlive any fixed server-wide timeout.
	}

	return s
}

// Handler exposes the route tree, primarily for tests.
func (s *Server) Handler() http.Handler { return s.count(s.mux) }

// Start binds the listen address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.opts.Addr, err)
	}
	s.ln = ln
	s.log.Info("listening", "addr", ln.Addr().String())

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("serve failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown drains in-flight requests. Open tail channels are closed by
// their context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// count is the outermost middleware: request counting and debug access
// logging.
func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestsTotal.Inc()
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "elapsed_ms", time.Since(start).Milliseconds())
	})
}

// ready gates API routes until the initial replay has finished, so
// clients never see partially warmed state.
func (s *Server) ready(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Health != nil && !s.opts.Health.IsReady() {
			writeError(w, http.StatusServiceUnavailable, "warming up, retry shortly")
			return
		}
		next(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
