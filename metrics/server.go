package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer exposes a Metrics registry on /metrics.
type MetricsServer struct {
	metrics *Metrics
	srv     *http.Server
}

// NewServer creates a metrics server for m listening on addr. An empty addr
// disables serving; the metrics are still collected.
func NewServer(m *Metrics, addr string) *MetricsServer {
	s := &MetricsServer{metrics: m}
	if addr == "" {
		return s
	}

	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Metrics returns the served metrics.
func (s *MetricsServer) Metrics() *Metrics {
	return s.metrics
}

// ListenAndServe blocks until the server stops. It returns nil when serving
// is disabled or the server was shut down.
func (s *MetricsServer) ListenAndServe() error {
	if s.srv == nil {
		return nil
	}
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
