// Package server exposes a broker over HTTP/JSON.
//
// Client surface:
//
//	POST /produce             append one message (leader only)
//	GET  /consume             read committed messages (leader only)
//	GET  /topics              list topics
//	POST /topics              register a topic with an explicit partition count
//	GET  /metadata/leader     current leader identity
//	GET  /health              liveness and store connectivity
//	GET  /metrics             Prometheus metrics
//
// Broker-to-broker surface:
//
//	POST /internal/replicate  leader-assigned append (follower only)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arloliu/streamq"
	"github.com/arloliu/streamq/internal/logging"
	"github.com/arloliu/streamq/types"
)

// Server serves the broker HTTP API on one listener.
type Server struct {
	broker *streamq.Broker
	logger types.Logger
	http   *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger. Defaults to a no-op logger.
func WithLogger(logger types.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a server for broker listening on addr.
func New(broker *streamq.Broker, addr string, opts ...Option) *Server {
	s := &Server{
		broker: broker,
		logger: logging.NewNop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/produce", s.handleProduce)
	mux.HandleFunc("/consume", s.handleConsume)
	mux.HandleFunc("/topics", s.handleTopics)
	mux.HandleFunc("/metadata/leader", s.handleLeader)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/internal/replicate", s.handleReplicate)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Handler returns the route handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks serving requests until Shutdown is called or the
// listener fails.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}

	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")

	return s.http.Shutdown(ctx)
}
