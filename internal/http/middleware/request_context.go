package middleware

import (
	"github.com/gin-gonic/gin"
)

// AttachRequestContext is a hook point for per-request context wiring that
// must run before every other middleware (trace, auth). Currently a no-op
// placeholder: trace data and owner data are attached by AttachTraceContext
// and Auth respectively, but kept as a distinct first-in-chain step so
// request-scoped setup has one obvious home as the service grows.
func AttachRequestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
	}
}
