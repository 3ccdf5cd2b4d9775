package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowsync/internal/validation"
)

const actorHeader = "X-Actor-ID"

func setupTestRouter(t *testing.T) (*gin.Engine, *harness) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := newHarness(t)
	handler := NewHandler(h.svc, h.ledger)

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(validation.ActorHeaderMiddleware(actorHeader))
	handler.RegisterRoutes(v1)
	return r, h
}

type txResponse struct {
	Transaction Transaction `json:"transaction"`
}

type errResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func do(r *gin.Engine, method, path, actor string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(actorHeader, actor)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeTx(t *testing.T, w *httptest.ResponseRecorder) Transaction {
	t.Helper()
	var resp txResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp.Transaction
}

func decodeErr(t *testing.T, w *httptest.ResponseRecorder) errResponse {
	t.Helper()
	var resp errResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func createBody() map[string]any {
	return map[string]any{
		"sellerId":    sellerID,
		"amount":      5000,
		"description": "phone",
		"expiresAt":   t0.Add(24 * time.Hour).Format(time.RFC3339),
	}
}

func TestHandler_FullFlow(t *testing.T) {
	r, h := setupTestRouter(t)

	w := do(r, "POST", "/v1/transactions", buyerID, createBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tx := decodeTx(t, w)
	assert.Equal(t, buyerID, tx.BuyerID)
	assert.Equal(t, StateCreated, tx.State)
	base := "/v1/transactions/" + tx.ID

	w = do(r, "GET", "/v1/transactions/pending", sellerID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), tx.ID)

	steps := []struct {
		path  string
		actor string
		want  State
	}{
		{base + "/resolve", sellerID, StateCreated},
		{base + "/approve", sellerID, StateFundedPending},
		{base + "/fund", buyerID, StateHeld},
		{base + "/confirm", buyerID, StateBuyerConfirmed},
		{base + "/confirm", sellerID, StateCompleted},
	}
	for _, step := range steps {
		w = do(r, "POST", step.path, step.actor, nil)
		require.Equal(t, http.StatusOK, w.Code, "%s: %s", step.path, w.Body.String())
		assert.Equal(t, step.want, decodeTx(t, w).State, step.path)
	}

	w = do(r, "GET", "/v1/wallet", sellerID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var wallet struct {
		Balance struct {
			Available int64 `json:"available"`
		} `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wallet))
	assert.Equal(t, int64(10000), wallet.Balance.Available)
	assert.Equal(t, int64(4900), h.balance(t, buyerID))

	w = do(r, "GET", "/v1/wallet/history", buyerID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)
}

func TestHandler_ErrorMapping(t *testing.T) {
	r, h := setupTestRouter(t)
	tx := h.advanceTo(t, StateFundedPending)
	base := "/v1/transactions/" + tx.ID

	tests := []struct {
		name   string
		method string
		path   string
		actor  string
		body   any
		status int
		code   string
	}{
		{"missing actor", "GET", base, "", nil, http.StatusUnauthorized, "missing_actor"},
		{"not found", "GET", "/v1/transactions/txn_nope", buyerID, nil, http.StatusNotFound, "not_found"},
		{"stranger", "GET", base, otherID, nil, http.StatusForbidden, "unauthorized"},
		{"wrong role", "POST", base + "/fund", sellerID, nil, http.StatusForbidden, "unauthorized"},
		{"seller confirms early", "POST", base + "/confirm", sellerID, nil, http.StatusConflict, "invalid_state"},
		{"settle unsettled", "POST", base + "/settle", buyerID, nil, http.StatusConflict, "invalid_state"},
		{"bad extension", "POST", base + "/extension", sellerID,
			map[string]any{"newExpiryAt": t0.Format(time.RFC3339)}, http.StatusBadRequest, "validation_error"},
		{"extension body missing", "POST", base + "/extension", sellerID, nil, http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.method, tt.path, tt.actor, tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decodeErr(t, w).Error)
		})
	}
}

func TestHandler_InsufficientFunds(t *testing.T) {
	r, h := setupTestRouter(t)
	tx := h.advanceTo(t, StateFundedPending)
	_, err := h.ledger.Debit(t.Context(), buyerID, 9000, "", "spent")
	require.NoError(t, err)

	w := do(r, "POST", "/v1/transactions/"+tx.ID+"/fund", buyerID, nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "insufficient_funds", decodeErr(t, w).Error)
}

func TestHandler_CreateValidation(t *testing.T) {
	r, _ := setupTestRouter(t)

	body := createBody()
	body["amount"] = 100
	w := do(r, "POST", "/v1/transactions", buyerID, body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", decodeErr(t, w).Error)

	body = createBody()
	body["buyerId"] = otherID
	w = do(r, "POST", "/v1/transactions", buyerID, body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, "POST", "/v1/transactions", buyerID, map[string]any{"sellerId": sellerID})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Same buyer written with spaces.
	body = createBody()
	body["buyerId"] = "+63 917 123 4567"
	w = do(r, "POST", "/v1/transactions", buyerID, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, buyerID, decodeTx(t, w).BuyerID)
}

func TestHandler_Extension(t *testing.T) {
	r, h := setupTestRouter(t)
	tx := h.advanceTo(t, StateHeld)
	base := "/v1/transactions/" + tx.ID
	newExpiry := tx.ProtectionWindowExpiresAt.Add(6 * time.Hour)

	w := do(r, "POST", base+"/extension", sellerID, map[string]any{"newExpiryAt": newExpiry.Format(time.RFC3339)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decodeTx(t, w).Extension.Pending())

	w = do(r, "POST", base+"/extension/approve", buyerID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decodeTx(t, w).ProtectionWindowExpiresAt.Equal(newExpiry))
}

func TestHandler_ListTransactions(t *testing.T) {
	r, h := setupTestRouter(t)
	h.create(t)
	h.create(t)

	w := do(r, "GET", "/v1/transactions?limit=1", buyerID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = do(r, "GET", "/v1/transactions", otherID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)
}

func TestHandler_ListTransactionsPages(t *testing.T) {
	r, h := setupTestRouter(t)
	created := map[string]bool{}
	for range 3 {
		created[h.create(t).ID] = true
	}

	seen := map[string]bool{}
	cursor := ""
	for pages := 0; ; pages++ {
		require.Less(t, pages, 3, "paging does not terminate")
		w := do(r, "GET", "/v1/transactions?limit=2&cursor="+cursor, buyerID, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var page Page
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
		for _, tx := range page.Transactions {
			assert.False(t, seen[tx.ID], "duplicate %s", tx.ID)
			seen[tx.ID] = true
		}
		if !page.HasMore {
			assert.Empty(t, page.NextCursor)
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, created, seen)

	w := do(r, "GET", "/v1/transactions?cursor=bm9waXBl", buyerID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
