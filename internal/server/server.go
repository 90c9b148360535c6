// Package server exposes the relay's operational endpoints.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/benmeehan/tracker-relay/internal/constants"
)

// HealthSource reports the live state of the stream.
type HealthSource interface {
	State() constants.StreamState
	Connections() uint64
	Frames() uint64
}

// Health is the /healthz response body.
type Health struct {
	State       constants.StreamState `json:"state"`
	Connections uint64                `json:"connections"`
	Frames      uint64                `json:"frames"`
}

// NewRouter builds the ops router. /healthz answers 503 until the stream is
// connected.
func NewRouter(source HealthSource) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		health := Health{
			State:       source.State(),
			Connections: source.Connections(),
			Frames:      source.Frames(),
		}

		w.Header().Set("Content-Type", "application/json")
		if health.State != constants.StateConnected {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(health)
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// OpsServer serves the ops router as a service.
type OpsServer struct {
	Address string
	Logger  zerolog.Logger

	handler  http.Handler
	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewOpsServer initializes a new OpsServer listening on address.
func NewOpsServer(address string, source HealthSource, logger zerolog.Logger) *OpsServer {
	return &OpsServer{
		Address: address,
		Logger:  logger,
		handler: NewRouter(source),
	}
}

// Start binds the listener and serves in a separate goroutine.
func (s *OpsServer) Start() error {
	if s.server != nil {
		return errors.New("ops server is already running")
	}

	listener, err := net.Listen("tcp", s.Address)
	if err != nil {
		return err
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error().Err(err).Msg("Ops server failed")
		}
	}()

	s.Logger.Info().Str("address", listener.Addr().String()).Msg("Ops server started successfully")
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *OpsServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down, waiting up to five seconds for open requests.
func (s *OpsServer) Stop() error {
	if s.server == nil {
		return errors.New("ops server is not running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	s.wg.Wait()

	s.server = nil
	s.listener = nil
	s.Logger.Info().Msg("Ops server stopped successfully")
	return err
}
