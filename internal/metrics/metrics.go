package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gustycube/discovery-registry/internal/health"
)

// Collectors are registered with the default registry in init.
var (
	ReconcileTotal      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "registry_reconcile_total", Help: "reconciliations by record kind and outcome"}, []string{"kind", "outcome"})
	TransitionsTotal    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "registry_transitions_total", Help: "persisted lifecycle transitions"}, []string{"entity", "transition"})
	StoreConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "registry_store_conflicts_total", Help: "write units retried after a transaction conflict"})
	IngestEventsTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "registry_ingest_events_total", Help: "discovery events processed"}, []string{"kind", "status"})
	APIRequestsTotal    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "registry_api_requests_total", Help: "REST requests served"}, []string{"route", "code"})
)

func init() {
	prometheus.MustRegister(ReconcileTotal, TransitionsTotal, StoreConflictsTotal, IngestEventsTotal, APIRequestsTotal)
}

// Handler returns the mux serving /metrics and the health endpoints.
func Handler(healthHandler *health.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler.HealthHandler)
	mux.HandleFunc("/ready", healthHandler.ReadinessHandler)
	mux.HandleFunc("/live", healthHandler.LivenessHandler)
	return mux
}

// ServeWithHealth serves metrics and health endpoints on addr until the listener fails
func ServeWithHealth(addr string, healthHandler *health.Handler, log *zap.SugaredLogger) {
	if err := http.ListenAndServe(addr, Handler(healthHandler)); err != nil {
		log.Warnw("metrics server stopped", "err", err)
	}
}
