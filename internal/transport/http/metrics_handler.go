package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler serves Prometheus metrics.
type MetricsHandler struct {
	handler http.Handler
}

// NewMetricsHandler wraps the exporter handler built by the telemetry
// setup. A nil handler falls back to the default Prometheus registry.
func NewMetricsHandler(h http.Handler) *MetricsHandler {
	if h == nil {
		h = promhttp.Handler()
	}
	return &MetricsHandler{handler: h}
}

func (m *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.handler.ServeHTTP(w, r)
}
