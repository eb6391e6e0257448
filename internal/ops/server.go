// Package ops serves the operational surface while the monitor runs:
// liveness plus sink health, pipeline status, and Prometheus metrics.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/sawpanic/callstream/internal/ingest"
	"github.com/sawpanic/callstream/internal/metrics"
	"github.com/sawpanic/callstream/internal/persistence"
	"github.com/sawpanic/callstream/internal/stream"
)

// Config holds the listen address and HTTP timeouts.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns the standard timeouts for the given address.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:         addr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Sources are the live snapshots the endpoints read. Nil funcs render as
// absent sections.
type Sources struct {
	RunID      string
	SinkHealth func() []persistence.SinkStatus
	Channels   func() []ingest.ChannelStats
	Supervisor func() stream.Status
}

// Server is the read-only ops endpoint.
type Server struct {
	server *http.Server
	src    Sources
	log    zerolog.Logger
}

// NewServer builds the router and the underlying http.Server.
func NewServer(cfg Config, src Sources, logger zerolog.Logger) *Server {
	s := &Server{
		src: src,
		log: logger.With().Str("component", "ops").Logger(),
	}

	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/status", s.status).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("ops endpoint listening")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// health reports liveness and per-sink health. All sinks down means the
// pipeline cannot write anywhere, which is the one condition reported as
// unavailable.
func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	var sinks []persistence.SinkStatus
	if s.src.SinkHealth != nil {
		sinks = s.src.SinkHealth()
	}

	healthy := 0
	for _, sink := range sinks {
		if sink.Healthy {
			healthy++
		}
	}

	status := "ok"
	code := http.StatusOK
	switch {
	case healthy == 0:
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	case healthy < len(sinks):
		status = "degraded"
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status": status,
		"sinks":  sinks,
	})
}

// status reports the supervisor state and per-channel counters.
func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]interface{}{"run_id": s.src.RunID}
	if s.src.Supervisor != nil {
		resp["supervisor"] = s.src.Supervisor()
	}
	if s.src.Channels != nil {
		resp["channels"] = s.src.Channels()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error().Err(err).Msg("failed to encode response")
	}
}

// logRequests tags each request with a short id and logs the outcome.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", reqID)

		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.log.Debug().
			Str("request_id", reqID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.status).
			Dur("elapsed", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
