package handlers

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler exposes the Prometheus registry.
type MetricsHandler struct {
	path     string
	gatherer prometheus.Gatherer
}

// NewMetricsHandler serves gatherer on path (default /metrics).
func NewMetricsHandler(path string, gatherer prometheus.Gatherer) *MetricsHandler {
	if path == "" {
		path = "/metrics"
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &MetricsHandler{path: path, gatherer: gatherer}
}

// Register mounts GET {path} on the Echo instance.
func (h *MetricsHandler) Register(e *echo.Echo) {
	e.GET(h.path, echo.WrapHandler(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
}
