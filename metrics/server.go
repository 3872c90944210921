// Package metrics exposes Prometheus metrics for the ledger service.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer serves a dedicated Prometheus registry over HTTP.
type MetricsServer struct {
	namespace string
	registry  *prometheus.Registry
	srv       *http.Server
}

// New creates a metrics server listening on addr. Metrics registered through
// Registerer are reported under namespace.
func New(namespace, addr string) (*MetricsServer, error) {
	if namespace == "" {
		return nil, errors.New("metrics namespace must not be empty")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	return &MetricsServer{
		namespace: namespace,
		registry:  registry,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Registerer returns the registry ledger metrics should be registered with.
func (s *MetricsServer) Registerer() prometheus.Registerer {
	return s.registry
}

// Gatherer returns the registry for inspection.
func (s *MetricsServer) Gatherer() prometheus.Gatherer {
	return s.registry
}

// Namespace returns the metric namespace.
func (s *MetricsServer) Namespace() string {
	return s.namespace
}

// Handler returns the /metrics HTTP handler.
func (s *MetricsServer) Handler() http.Handler {
	return s.srv.Handler
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
