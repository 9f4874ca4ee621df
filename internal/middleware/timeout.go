package middleware

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
)

// StorageContext derives a context from the request that is cancelled after
// timeout. http.Server timeouts never cancel the request context, so handlers
// bound each storage call with this. A non-positive timeout leaves the request
// context unbounded.
func StorageContext(c *gin.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), timeout)
}
