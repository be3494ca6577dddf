package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server exposes a Metrics registry over HTTP at /metrics.
type Server struct {
	http *http.Server
	log  *zap.SugaredLogger
}

// NewServer builds (but does not start) a /metrics HTTP server bound to
// addr for m's registry.
func NewServer(addr string, m *Metrics, log *zap.SugaredLogger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	return &Server{http: &http.Server{Addr: addr, Handler: mux}, log: log}
}

// Start runs the server in a background goroutine; errors other than a
// clean shutdown are logged, not returned, since this runs detached
// from the caller's goroutine.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.log != nil {
				s.log.Errorw("telemetry server stopped", "err", err)
			}
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
