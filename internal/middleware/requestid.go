package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the request identifier in both directions.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key holding the request identifier.
	RequestIDKey = "request_id"

	maxRequestIDLength = 128
)

// RequestIDMiddleware reuses a well-formed inbound X-Request-ID or generates a
// UUID, stores it under RequestIDKey and echoes it in the response.
//
// Register it before the metrics and logging middleware so every log line
// carries the id.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if !validRequestID(id) {
			id = uuid.New().String()
		}

		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}

// validRequestID accepts printable ASCII up to maxRequestIDLength so that
// caller-supplied ids cannot inject control characters into logs.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// GetRequestID returns the request id stored by RequestIDMiddleware.
func GetRequestID(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}
