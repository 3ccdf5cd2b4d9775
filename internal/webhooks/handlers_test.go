package webhooks

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowsync/internal/logging"
	"github.com/mbd888/escrowsync/internal/txstore"
	"github.com/mbd888/escrowsync/internal/validation"
)

func setupRouter(t *testing.T, strict bool) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := NewRecordStore(txstore.NewMemoryStore())
	d := NewDispatcher(store, Config{}, logging.Discard())
	if !strict {
		d.urlValidator = allowAll
	}
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(validation.ActorHeaderMiddleware("X-Actor-ID"))
	NewHandler(store, d).RegisterRoutes(v1)
	return r
}

func send(r *gin.Engine, method, path, actor string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", actor)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_Lifecycle(t *testing.T) {
	r := setupRouter(t, false)

	w := send(r, http.MethodPost, "/v1/webhooks", buyerID, map[string]any{
		"url":    "https://hooks.example/escrow",
		"events": []string{"transaction.completed", "balance.changed"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Webhook struct {
			ID string `json:"id"`
		} `json:"webhook"`
		Secret string `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Len(t, created.Secret, 64)
	assert.NotEmpty(t, created.Webhook.ID)

	w = send(r, http.MethodGet, "/v1/webhooks", buyerID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.NotContains(t, w.Body.String(), created.Secret)

	w = send(r, http.MethodGet, "/v1/webhooks", sellerID, nil)
	assert.Contains(t, w.Body.String(), `"count":0`)

	w = send(r, http.MethodDelete, "/v1/webhooks/"+created.Webhook.ID, sellerID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "only the owner can delete")

	w = send(r, http.MethodDelete, "/v1/webhooks/"+created.Webhook.ID, buyerID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = send(r, http.MethodGet, "/v1/webhooks", buyerID, nil)
	assert.Contains(t, w.Body.String(), `"count":0`)
}

func TestHandler_Validation(t *testing.T) {
	r := setupRouter(t, true)

	w := send(r, http.MethodPost, "/v1/webhooks", buyerID, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = send(r, http.MethodPost, "/v1/webhooks", buyerID, map[string]any{
		"url": "https://hooks.example/escrow", "events": []string{"payment.received"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unknown event")

	w = send(r, http.MethodPost, "/v1/webhooks", buyerID, map[string]any{"url": "http://127.0.0.1:9000/hook"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "loopback")
}

func TestHandler_LimitPerActor(t *testing.T) {
	r := setupRouter(t, false)
	for i := range maxPerActor {
		w := send(r, http.MethodPost, "/v1/webhooks", buyerID, map[string]any{"url": "https://hooks.example/" + string(rune('a'+i))})
		require.Equal(t, http.StatusCreated, w.Code)
	}
	w := send(r, http.MethodPost, "/v1/webhooks", buyerID, map[string]any{"url": "https://hooks.example/z"})
	assert.Equal(t, http.StatusConflict, w.Code)
}
