package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"europa/internal/logging"
)

// DefaultMaxChunkBytes bounds a single chunk request body.
const DefaultMaxChunkBytes int64 = 16 << 20

type Config struct {
	Addr          string // e.g. ":8080"
	MaxChunkBytes int64
	// Metrics collects counters served on /metrics. A private set is
	// created when nil.
	Metrics *Metrics
}

type Server struct {
	httpServer *http.Server
	transfers  Transfers
	sweeps     SweepReporter
	checks     map[string]Pinger
	metrics    *Metrics
	cfg        Config
	log        *slog.Logger
}

// New builds the HTTP surface. sweeps may be nil when cleanup is disabled;
// checks are probed by /health and /ready.
func New(cfg Config, transfers Transfers, sweeps SweepReporter, checks map[string]Pinger, log *slog.Logger) *Server {
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = DefaultMaxChunkBytes
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	s := &Server{
		transfers: transfers,
		sweeps:    sweeps,
		checks:    checks,
		metrics:   cfg.Metrics,
		cfg:       cfg,
		log:       logging.OrDefault(log).With("component", "http"),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Metrics returns the counters this server records into.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.log.Info("listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.Start() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
