// Package health provides a simple HTTP health check endpoint.
//
// Docker, systemd watchdogs and Kubernetes use these endpoints to monitor
// the bridge. /healthz answers as long as the process is serving; /readyz
// answers 200 only while the readiness probe holds, which for meshbridge
// means both the radio and the broker link are connected.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Probe reports whether the daemon is ready to move traffic.
type Probe func() bool

// Server is a lightweight HTTP server that exposes /healthz and /readyz.
type Server struct {
	port   int
	ready  Probe
	log    zerolog.Logger
	server *http.Server
}

// New creates a new health check server. A nil probe is never ready.
func New(port int, ready Probe, logger zerolog.Logger) *Server {
	if ready == nil {
		ready = func() bool { return false }
	}
	return &Server{
		port:  port,
		ready: ready,
		log:   logger.With().Str("component", "health").Logger(),
	}
}

// Name returns the server identifier.
func (s *Server) Name() string { return "health" }

// Handler returns the health routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, "ok")
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready() {
			writeStatus(w, http.StatusServiceUnavailable, "not_ready")
			return
		}
		writeStatus(w, http.StatusOK, "ok")
	})

	return mux
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

// ListenAndServe starts the health check HTTP server.
// It blocks until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(s.port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.Info().Int("port", s.port).Msg("health server listening")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
