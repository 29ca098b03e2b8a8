// Package http implements the operator HTTP API for meshbridge.
//
// The API lets scripts and dashboards push text onto the mesh without going
// through the broker's control topic, and read the bridge's link status.
// Swagger UI for the API is served under /swagger/.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/nadzzz/meshbridge/internal/bridge"
	_ "github.com/nadzzz/meshbridge/internal/docs"
)

// maxBody caps request bodies. A mesh text never comes close.
const maxBody = 64 << 10

// Bridge is the part of the coordinator the API drives.
type Bridge interface {
	Push(ctx context.Context, addr, text string) (bridge.Receipt, error)
	Status() bridge.Status
}

// SendRequest is the body of POST /send.
type SendRequest struct {
	Address string `json:"address" example:"CE:6E:13:A3:20:93"`
	Text    string `json:"text" example:"Hello there"`
}

// Server serves the operator API.
type Server struct {
	port   int
	bridge Bridge
	log    zerolog.Logger
	server *http.Server
}

// New creates a new API server on the given port.
func New(port int, b Bridge, logger zerolog.Logger) *Server {
	return &Server{
		port:   port,
		bridge: b,
		log:    logger.With().Str("component", "api").Logger(),
	}
}

// Name returns the server identifier.
func (s *Server) Name() string { return "http" }

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /send", s.handleSend)
	mux.HandleFunc("GET /status", s.handleStatus)

	// Swagger UI serves the generated OpenAPI docs.
	mux.Handle("GET /swagger/", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return mux
}

// Listen starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(s.port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info().Int("port", s.port).Msg("http api listening")

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("http api shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

// handleSend processes a POST /send request.
//
// @Summary     Push a text message to a mesh node
// @Description Delivers text to a mesh node the same way a control-topic request does.
// @Description Long text is split into numbered parts.
// @Tags        mesh
// @Accept      json
// @Produce     json
// @Param       request  body      SendRequest     true  "Destination and text"
// @Success     200      {object}  bridge.Receipt  "Delivered parts"
// @Failure     400      {string}  string          "Invalid address or empty text"
// @Failure     502      {string}  string          "Radio rejected the send"
// @Failure     503      {string}  string          "Bridge not ready"
// @Router      /send [post]
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}

	rc, err := s.bridge.Push(r.Context(), req.Address, req.Text)
	switch {
	case err == nil:
	case bridge.IsRequestError(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, bridge.ErrNotReady):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	default:
		s.log.Error().Err(err).Str("address", req.Address).Msg("push failed")
		http.Error(w, "send failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	writeJSON(w, rc)
}

// handleStatus processes a GET /status request.
//
// @Summary     Bridge status
// @Description Reports link states, the bridge's own node id and topic cache size.
// @Tags        status
// @Produce     json
// @Success     200  {object}  bridge.Status  "Current status"
// @Router      /status [get]
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.bridge.Status())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
