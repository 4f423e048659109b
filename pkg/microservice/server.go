// Package microservice provides the operational HTTP surface of a trigger
// process: liveness, readiness and Prometheus metrics.
package microservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// ReadinessFunc reports nil when the service can do useful work.
type ReadinessFunc func(ctx context.Context) error

// BaseServer serves the operational endpoints of the trigger process:
// /healthz, /readyz and /metrics.
type BaseServer struct {
	logger     zerolog.Logger
	listenAddr string
	httpServer *http.Server
	mux        *http.ServeMux

	mu        sync.RWMutex
	boundAddr string
	readiness ReadinessFunc
}

// NewBaseServer builds a server for listenAddr, e.g. ":8080" or
// "127.0.0.1:0". A nil gatherer serves the default Prometheus registry.
func NewBaseServer(logger zerolog.Logger, listenAddr string, gatherer prometheus.Gatherer) *BaseServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &BaseServer{
		logger:     logger.With().Str("component", "BaseServer").Logger(),
		listenAddr: listenAddr,
		mux:        http.NewServeMux(),
	}
	s.mux.HandleFunc("/healthz", healthz)
	s.mux.HandleFunc("/readyz", s.readyz)
	s.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.httpServer = &http.Server{
		Addr:              listenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// SetReadiness installs the check behind /readyz. Without one the server
// is always ready.
func (s *BaseServer) SetReadiness(fn ReadinessFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readiness = fn
}

// Start binds the listen address and serves in the background. A bind
// failure is returned; later serve errors are only logged.
func (s *BaseServer) Start() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}

	s.mu.Lock()
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()
	s.logger.Info().Str("address", listener.Addr().String()).Msg("Serving health and metrics endpoints.")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Health and metrics server failed.")
		}
	}()
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *BaseServer) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Health and metrics server did not shut down cleanly.")
		return err
	}
	s.logger.Info().Msg("Health and metrics server stopped.")
	return nil
}

// Addr is the bound host:port once Start succeeded, and the configured
// listen address before that.
func (s *BaseServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.boundAddr == "" {
		return s.listenAddr
	}
	return s.boundAddr
}

// Mux exposes the routes, for mounting extra handlers or httptest.
func (s *BaseServer) Mux() *http.ServeMux {
	return s.mux
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *BaseServer) readyz(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	check := s.readiness
	s.mu.RUnlock()

	if check != nil {
		if err := check(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("READY"))
}
