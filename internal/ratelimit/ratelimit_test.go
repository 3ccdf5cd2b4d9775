package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestLimiterAllow(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 5, CleanupInterval: time.Minute})
	defer limiter.Stop()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		if !limiter.Allow("test-ip") {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}
	if limiter.Allow("test-ip") {
		t.Error("Request after burst should be denied")
	}

	now = now.Add(time.Second)
	if !limiter.Allow("test-ip") {
		t.Error("Request after waiting should be allowed")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 3})
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	if limiter.Allow("client-a") {
		t.Error("Client A should be rate limited")
	}
	if !limiter.Allow("client-b") {
		t.Error("Client B should not be affected by client A")
	}
}

func TestLimiterSweepDropsIdle(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	defer limiter.Stop()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	limiter.Allow("old")
	now = now.Add(90 * time.Second)
	limiter.Allow("fresh")

	limiter.sweep()
	assert.Equal(t, 1, limiter.Len())

	limiter.Stop()
	limiter.Stop()
}

func TestMiddleware_KeysByActor(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := New(Config{RequestsPerSecond: 0.001, BurstSize: 1})
	defer limiter.Stop()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if a := c.GetHeader("X-Actor-ID"); a != "" {
			c.Set("actorID", a)
		}
		c.Next()
	})
	r.Use(limiter.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	call := func(actor string) int {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		if actor != "" {
			req.Header.Set("X-Actor-ID", actor)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, call("+639171234567"))
	assert.Equal(t, http.StatusTooManyRequests, call("+639171234567"))
	assert.Equal(t, http.StatusOK, call("+639181234567"), "other actor has its own bucket")
	assert.Equal(t, http.StatusOK, call(""), "anonymous callers are keyed by IP")
	assert.Equal(t, http.StatusTooManyRequests, call(""))
}
