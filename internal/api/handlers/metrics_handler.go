package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/chaintrace/services/events/internal/metrics"
)

// MetricsHandler exposes the in-process metrics collector
type MetricsHandler struct {
	collector *metrics.Metrics
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(collector *metrics.Metrics) *MetricsHandler {
	return &MetricsHandler{collector: collector}
}

// HandleMetrics returns a snapshot of all collected metrics
func (h *MetricsHandler) HandleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds": h.collector.UptimeSeconds(),
		"counters":       h.collector.GetCounters(),
		"gauges":         h.collector.GetGauges(),
		"error_rates":    h.collector.GetErrorRates(),
	})
}

// RegisterRoutes registers the handler's routes
func (h *MetricsHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", h.HandleMetrics)
}
