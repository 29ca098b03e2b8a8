// Package grpc exposes the standard gRPC health service for meshbridge.
//
// Orchestrators that speak grpc.health.v1 (Kubernetes gRPC probes,
// grpc-health-probe, Consul) can watch the bridge without the HTTP health
// server. The serving status follows the same readiness probe: SERVING while
// both links are connected, NOT_SERVING otherwise.
package grpc

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported alongside the server-wide
// empty name.
const ServiceName = "meshbridge.Bridge"

// DefaultPollInterval is how often readiness is re-evaluated.
const DefaultPollInterval = time.Second

// Server runs a gRPC server carrying the health service.
type Server struct {
	port     int
	ready    func() bool
	interval time.Duration
	log      zerolog.Logger
	health   *health.Server
	server   *grpc.Server
}

// New creates a new gRPC health server on the given port.
func New(port int, ready func() bool, logger zerolog.Logger) *Server {
	if ready == nil {
		ready = func() bool { return false }
	}
	return &Server{
		port:     port,
		ready:    ready,
		interval: DefaultPollInterval,
		log:      logger.With().Str("component", "grpc").Logger(),
		health:   health.NewServer(),
	}
}

// WithPollInterval overrides how often readiness is checked.
func (s *Server) WithPollInterval(d time.Duration) *Server {
	if d > 0 {
		s.interval = d
	}
	return s
}

// Name returns the server identifier.
func (s *Server) Name() string { return "grpc" }

// Listen opens the configured port and serves until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	lis, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	s.log.Info().Int("port", s.port).Msg("grpc health server listening")
	return s.Serve(ctx, lis)
}

// Serve runs the gRPC server on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.server = grpc.NewServer()
	healthpb.RegisterHealthServer(s.server, s.health)
	s.update()

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.log.Info().Msg("grpc health server shutting down")
				s.health.Shutdown()
				s.server.GracefulStop()
				return
			case <-ticker.C:
				s.update()
			}
		}
	}()

	if err := s.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

func (s *Server) update() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.ready() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
