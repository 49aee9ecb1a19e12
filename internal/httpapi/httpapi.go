// Package httpapi holds the JSON error shape and request-id plumbing shared
// by every HTTP surface.
package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/casedrop/casebot/internal/clock"
)

const requestIDKey = "request_id"

// RequestIDMiddleware accepts a well-formed inbound X-Request-Id or mints a
// fresh one, and echoes it on the response.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-Id")
		if !clock.ValidRequestID(rid) {
			rid = clock.NewRequestID()
		}
		c.Set(requestIDKey, rid)
		c.Header("X-Request-Id", rid)
		c.Next()
	}
}

// RequestID returns the request id bound by the middleware.
func RequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// Error renders the uniform JSON error body and aborts the chain.
func Error(c *gin.Context, status int, code string) {
	c.AbortWithStatusJSON(status, gin.H{
		"status":    status,
		"error":     code,
		"requestId": RequestID(c),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ErrorWithType renders an error body with an extra type discriminator
// (antifraud denials carry "velocity" or "rate_limit").
func ErrorWithType(c *gin.Context, status int, code, typ string) {
	c.AbortWithStatusJSON(status, gin.H{
		"status":    status,
		"error":     code,
		"type":      typ,
		"requestId": RequestID(c),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
