// Package auth identifies the pipeline stage calling the dedup gate.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/dedup"
)

const (
	apiKeyHeader = "X-API-Key"
	callerCtxKey = "caller"
)

// APIKeyMiddleware maps X-API-Key to a caller name (keys: apiKey -> caller).
// The caller is stored on the gin context and on the request context, so
// claims made while serving the request are attributed to it.
func APIKeyMiddleware(keys map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := match(keys, strings.TrimSpace(c.GetHeader(apiKeyHeader)))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Set(callerCtxKey, caller)
		c.Request = c.Request.WithContext(dedup.ContextWithCaller(c.Request.Context(), caller))
		c.Next()
	}
}

// match compares presented against every configured key in constant time.
func match(keys map[string]string, presented string) (string, bool) {
	if presented == "" {
		return "", false
	}
	var caller string
	found := false
	for key, name := range keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(presented)) == 1 {
			caller, found = name, true
		}
	}
	return caller, found
}

// Caller returns the authenticated caller name, or "" outside the middleware.
func Caller(c *gin.Context) string {
	return c.GetString(callerCtxKey)
}
