package middleware

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/civic-directory/accessgate/internal/auth"
)

var errorMessages = map[auth.Kind]string{
	auth.KindRateLimited:  "Too many requests",
	auth.KindNotFound:     "Not found",
	auth.KindExpired:      "Verification code has expired",
	auth.KindInvalidCode:  "Invalid verification code",
	auth.KindUnauthorized: "Authentication required",
	auth.KindForbidden:    "Insufficient privileges",
	auth.KindInternal:     "Internal server error",
}

// StatusFor maps an error kind to its HTTP status. Sessions never report
// EXPIRED (an expired session is UNAUTHORIZED), so EXPIRED always refers to a
// verification code.
func StatusFor(kind auth.Kind) int {
	switch kind {
	case auth.KindRateLimited:
		return http.StatusTooManyRequests
	case auth.KindNotFound:
		return http.StatusNotFound
	case auth.KindExpired, auth.KindInvalidInput:
		return http.StatusBadRequest
	case auth.KindInvalidCode, auth.KindUnauthorized:
		return http.StatusUnauthorized
	case auth.KindAlreadyVerified:
		return http.StatusConflict
	case auth.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// AbortWithError writes the JSON error response for err and aborts the chain.
// Internal causes are logged and never returned to the client.
func AbortWithError(c *gin.Context, err error) {
	kind := auth.KindOf(err)
	status := StatusFor(kind)

	switch kind {
	case auth.KindAlreadyVerified:
		c.AbortWithStatusJSON(status, gin.H{"status": "already_verified"})
		return
	case auth.KindRateLimited:
		secs := RetryAfterSeconds(auth.RetryAfterOf(err))
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(status, gin.H{
			"error":       errorMessages[kind],
			"code":        kind,
			"retry_after": secs,
		})
		return
	case auth.KindInvalidInput:
		msg := "Invalid request"
		var e *auth.Error
		if errors.As(err, &e) && e.Err != nil {
			msg = e.Err.Error()
		}
		c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": kind})
		return
	case auth.KindInternal:
		slog.ErrorContext(c.Request.Context(), "request failed",
			"path", c.FullPath(),
			"request_id", GetRequestID(c),
			"error", err)
	}

	c.AbortWithStatusJSON(status, gin.H{"error": errorMessages[kind], "code": kind})
}

// RetryAfterSeconds rounds d up to whole seconds, with a minimum of one.
func RetryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
