package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"sfuclient/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func serve(router *gin.Engine, req *http.Request) int {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w.Code
}

func newLimitedRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.RateLimit.Enabled = false
	router := newLimitedRouter(cfg)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		assert.Equal(t, http.StatusOK, serve(router, req))
	}
}

func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.RateLimit.Enabled = true
	cfg.Server.RateLimit.RequestsPerSecond = 1
	cfg.Server.RateLimit.Burst = 1
	router := newLimitedRouter(cfg)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	assert.Equal(t, http.StatusOK, serve(router, req))
	req = httptest.NewRequest(http.MethodGet, "/test", nil)
	assert.Equal(t, http.StatusTooManyRequests, serve(router, req))

	req = httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Forwarded-For", "10.1.1.1, 192.168.0.1")
	assert.Equal(t, http.StatusOK, serve(router, req), "other clients have their own bucket")
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(req))

	req.Header.Set("X-Forwarded-For", "garbage")
	assert.Equal(t, "192.0.2.1", clientIP(req))
}
