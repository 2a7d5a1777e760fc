package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/portalmark/backend/pkg/metrics"
)

// Metrics returns a middleware that records request counts and latency per
// matched route.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
