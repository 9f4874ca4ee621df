// Package middleware holds the gin middleware of the access service: request
// ids, metrics, security headers, throttling, principal resolution and the
// guards that turn a principal into a 401 or 403.
//
// Registration order in the router:
//
//	Recovery → RequestID → Metrics → Logger → CORS → SecurityHeaders → Throttle → ResolvePrincipal → guards
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/civic-directory/accessgate/internal/telemetry"
)

// MetricsMiddleware records http_requests_total and
// http_request_duration_seconds for every request. The path label is the
// matched route template; unmatched requests use "<no-route>" to bound
// cardinality.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}
		method := c.Request.Method

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
