package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer serves the registry over HTTP on Config.MetricsAddr. With an
// empty address Start and Stop do nothing.
type MetricsServer struct {
	addr     string
	srv      *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewMetricsServer creates the server. It does not listen until Start.
func NewMetricsServer(p Params, reg *prometheus.Registry, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &MetricsServer{
		addr:   p.Config.MetricsAddr,
		srv:    &http.Server{Handler: mux},
		logger: logger,
	}
}

// Start binds the address and serves in the background.
func (s *MetricsServer) Start() error {
	if s.addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen metrics: %w", err)
	}
	s.listener = ln
	s.logger.Info("metrics server starting", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *MetricsServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop performs a graceful shutdown.
func (s *MetricsServer) Stop(ctx context.Context) {
	if s.listener == nil {
		return
	}
	s.logger.Info("metrics server stopping")
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("metrics server shutdown", zap.Error(err))
	}
}
