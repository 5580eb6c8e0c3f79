package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func get(r http.Handler, method string) int {
	req := httptest.NewRequest(method, "/ping", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimitRejectsBurst(t *testing.T) {
	r := newRouter(RateLimit(0.001, 2))
	assert.Equal(t, http.StatusOK, get(r, http.MethodGet))
	assert.Equal(t, http.StatusOK, get(r, http.MethodGet))
	assert.Equal(t, http.StatusTooManyRequests, get(r, http.MethodGet))
}

func TestRateLimitDisabled(t *testing.T) {
	r := newRouter(RateLimit(0, 0))
	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusOK, get(r, http.MethodGet))
	}
}

func TestCORSPreflight(t *testing.T) {
	r := newRouter(CORS())
	assert.Equal(t, http.StatusNoContent, get(r, http.MethodOptions))
	assert.Equal(t, http.StatusOK, get(r, http.MethodGet))
}

func TestLimiterStoreEvictsIdleClients(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	store := newLimiterStore(1, 1, time.Minute, clock)

	a := store.get("10.0.0.1")
	store.get("10.0.0.2")
	assert.Equal(t, 2, store.size())
	assert.Same(t, a, store.get("10.0.0.1"))

	now = now.Add(30 * time.Second)
	store.get("10.0.0.1")
	assert.Equal(t, 2, store.size())

	now = now.Add(90 * time.Second)
	store.get("10.0.0.3")
	assert.Equal(t, 1, store.size())
	assert.NotSame(t, a, store.get("10.0.0.1"))
	assert.Equal(t, 2, store.size())
}
