package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowsync/internal/config"
	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/logging"
)

const (
	buyerID  = "+639171234567"
	sellerID = "+639181234567"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		LogFormat:           "text",
		StoreDriver:         config.DriverMemory,
		MinAmount:           config.DefaultMinAmount,
		Fee:                 config.DefaultFee,
		HoldAmount:          config.DefaultHoldAmount,
		ExpirySweepInterval: time.Hour,
		ObserverInterval:    time.Second,
		RateLimitRPS:        1000,
		SeedBalances:        map[string]int64{buyerID: 10000, sellerID: 5000},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(cfg, WithLogger(logging.Discard()), WithDrainDelay(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func call(s *Server, method, path, actor string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func txFrom(t *testing.T, w *httptest.ResponseRecorder) escrow.Transaction {
	t.Helper()
	var resp struct {
		Transaction escrow.Transaction `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp.Transaction
}

func balanceFrom(t *testing.T, w *httptest.ResponseRecorder) int64 {
	t.Helper()
	var resp struct {
		Balance struct {
			Available int64 `json:"available"`
		} `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp.Balance.Available
}

func TestServer_CompletionOverHTTP(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := call(s, http.MethodPost, "/v1/transactions", buyerID, map[string]any{
		"sellerId":    sellerID,
		"amount":      5000,
		"description": "used camera",
		"expiresAt":   time.Now().Add(24 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := txFrom(t, w).ID

	for _, step := range []struct {
		actor, action string
	}{
		{sellerID, "resolve"},
		{sellerID, "approve"},
		{buyerID, "fund"},
		{buyerID, "confirm"},
		{sellerID, "confirm"},
	} {
		w = call(s, http.MethodPost, "/v1/transactions/"+id+"/"+step.action, step.actor, nil)
		require.Equal(t, http.StatusOK, w.Code, "%s: %s", step.action, w.Body.String())
	}
	assert.Equal(t, escrow.StateCompleted, txFrom(t, w).State)

	assert.Equal(t, int64(4900), balanceFrom(t, call(s, http.MethodGet, "/v1/wallet", buyerID, nil)))
	assert.Equal(t, int64(10000), balanceFrom(t, call(s, http.MethodGet, "/v1/wallet", sellerID, nil)))

	total, err := s.Ledger().Total(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(14900), total, "fee leaves the ledger")

	w = call(s, http.MethodGet, "/health/reconciliation", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rec struct {
		Report struct {
			Match    bool  `json:"match"`
			Retained int64 `json:"retained"`
		} `json:"report"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.True(t, rec.Report.Match)
	assert.Equal(t, int64(100), rec.Report.Retained)
}

func TestServer_RequiresActor(t *testing.T) {
	s := newTestServer(t, testConfig())
	w := call(s, http.MethodGet, "/v1/transactions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = call(s, http.MethodGet, "/v1/transactions", "not-a-phone", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServer_SecurityHeaders(t *testing.T) {
	s := newTestServer(t, testConfig())
	w := call(s, http.MethodGet, "/v1/wallet", buyerID, nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestServer_HealthAndReadiness(t *testing.T) {
	s := newTestServer(t, testConfig())

	assert.Equal(t, http.StatusOK, call(s, http.MethodGet, "/health/live", "", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, call(s, http.MethodGet, "/health/ready", "", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, call(s, http.MethodGet, "/health", "", nil).Code,
		"monitor not running before Start")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	require.Eventually(t, s.Monitor().Running, time.Second, 5*time.Millisecond)

	assert.Equal(t, http.StatusOK, call(s, http.MethodGet, "/health/ready", "", nil).Code)
	w := call(s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = call(s, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "escrowsync_http_requests_total")
}

func TestServer_Webhooks(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := call(s, http.MethodPost, "/v1/webhooks", buyerID, map[string]any{"url": "http://10.0.0.5/hook"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "private endpoints refused")

	w = call(s, http.MethodGet, "/v1/webhooks", buyerID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)
}

func TestServer_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPS = 1
	s := newTestServer(t, cfg)

	codes := map[int]int{}
	for i := 0; i < 5; i++ {
		codes[call(s, http.MethodGet, "/v1/wallet", buyerID, nil).Code]++
	}
	assert.Positive(t, codes[http.StatusTooManyRequests])
	assert.Equal(t, http.StatusOK, call(s, http.MethodGet, "/v1/wallet", sellerID, nil).Code)
}

func TestServer_BoltPersistsAcrossRestart(t *testing.T) {
	cfg := testConfig()
	cfg.StoreDriver = config.DriverBolt
	cfg.BoltPath = filepath.Join(t.TempDir(), "escrow.db")

	s, err := New(cfg, WithLogger(logging.Discard()), WithDrainDelay(0))
	require.NoError(t, err)
	w := call(s, http.MethodPost, "/v1/transactions", buyerID, map[string]any{
		"sellerId":    sellerID,
		"amount":      5000,
		"description": "lens",
		"expiresAt":   time.Now().Add(time.Hour),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := txFrom(t, w).ID
	require.Equal(t, http.StatusOK, call(s, http.MethodPost, "/v1/transactions/"+id+"/approve", sellerID, nil).Code)
	require.NoError(t, s.Shutdown())

	s = newTestServer(t, cfg)
	w = call(s, http.MethodGet, "/v1/transactions/"+id, buyerID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, escrow.StateFundedPending, txFrom(t, w).State)
	assert.Equal(t, int64(4900), balanceFrom(t, call(s, http.MethodGet, "/v1/wallet", sellerID, nil)),
		"seed is not applied twice")
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://app:secret@db:5432/escrow")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "@db:5432/escrow")
	assert.Equal(t, "***", maskDSN("://bad"))
}
