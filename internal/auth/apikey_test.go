package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/dedup"
)

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(APIKeyMiddleware(map[string]string{"key-a": "enrich", "key-b": "posting"}))
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"caller": Caller(c),
			"ctx":    dedup.CallerFromContext(c.Request.Context()),
		})
	})
	return r
}

func TestAPIKeyMiddleware(t *testing.T) {
	r := newRouter()

	tests := []struct {
		name   string
		key    string
		status int
		body   string
	}{
		{"known key", "key-b", http.StatusOK, `{"caller":"posting","ctx":"posting"}`},
		{"padded key", "  key-a ", http.StatusOK, `{"caller":"enrich","ctx":"enrich"}`},
		{"unknown key", "key-c", http.StatusUnauthorized, `{"error":"unauthorized"}`},
		{"prefix of a key", "key", http.StatusUnauthorized, `{"error":"unauthorized"}`},
		{"missing key", "", http.StatusUnauthorized, `{"error":"unauthorized"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			assert.JSONEq(t, tt.body, w.Body.String())
		})
	}
}

func TestAPIKeyMiddleware_EmptyKeyNeverMatches(t *testing.T) {
	r := gin.New()
	r.Use(APIKeyMiddleware(map[string]string{"": "anonymous"}))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
