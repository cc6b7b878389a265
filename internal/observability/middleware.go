package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var adminRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fcgid",
		Subsystem: "admin",
		Name:      "requests_total",
		Help:      "Requests served by the admin HTTP surface.",
	},
	[]string{"method", "path", "status"},
)

// RequestLogger logs and counts every admin HTTP request.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	RegisterMetrics()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		adminRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(status)).Inc()

		event := logger.Info()
		if status >= 500 {
			event = logger.Error()
		} else if status >= 400 {
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("admin_request")
	}
}
