package escrow

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowsync/internal/ledger"
	"github.com/mbd888/escrowsync/internal/logging"
	"github.com/mbd888/escrowsync/internal/validation"
)

// WalletReader is the read side of the ledger exposed over HTTP.
type WalletReader interface {
	Balance(ctx context.Context, actorID string) (*ledger.Balance, error)
	History(ctx context.Context, actorID string, limit int) ([]*ledger.Entry, error)
}

// Handler provides HTTP endpoints for escrow operations. Every route expects
// the caller's identity under the "actorID" context key, set by
// validation.ActorHeaderMiddleware.
type Handler struct {
	service *Service
	wallets WalletReader
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, wallets WalletReader) *Handler {
	return &Handler{service: service, wallets: wallets}
}

// RegisterRoutes sets up the escrow and wallet routes. Expire has no route;
// only the monitor drives it.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.GET("/transactions", h.ListTransactions)
	r.GET("/transactions/pending", h.ListPending)
	r.GET("/transactions/:id", h.GetTransaction)
	r.POST("/transactions/:id/resolve", h.ResolveInvitation)
	r.POST("/transactions/:id/approve", h.ApproveTransaction)
	r.POST("/transactions/:id/reject", h.RejectTransaction)
	r.POST("/transactions/:id/fund", h.FundEscrow)
	r.POST("/transactions/:id/confirm", h.Confirm)
	r.POST("/transactions/:id/settle", h.FinalizeSettlement)
	r.POST("/transactions/:id/extension", h.RequestExtension)
	r.POST("/transactions/:id/extension/approve", h.ApproveExtension)

	r.GET("/wallet", h.GetBalance)
	r.GET("/wallet/history", h.GetHistory)
}

// CreateTransaction handles POST /v1/transactions. The caller is the buyer.
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	actor := actorID(c)
	if req.BuyerID != "" && validation.NormalizePhone(req.BuyerID) != actor {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Caller must be the buyer",
		})
		return
	}
	req.BuyerID = actor

	tx, err := h.service.CreateTransaction(requestContext(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

// ListTransactions handles GET /v1/transactions?limit=&cursor=
func (h *Handler) ListTransactions(c *gin.Context) {
	page, err := h.service.PageByActor(requestContext(c), actorID(c), c.Query("cursor"), queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writePage(c, page)
}

// ListPending handles GET /v1/transactions/pending, the seller's unopened
// invitations.
func (h *Handler) ListPending(c *gin.Context) {
	page, err := h.service.PagePendingForSeller(requestContext(c), actorID(c), c.Query("cursor"), queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writePage(c, page)
}

func writePage(c *gin.Context, page *Page) {
	c.JSON(http.StatusOK, gin.H{
		"transactions": page.Transactions,
		"count":        len(page.Transactions),
		"nextCursor":   page.NextCursor,
		"hasMore":      page.HasMore,
	})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.service.GetForActor(requestContext(c), c.Param("id"), actorID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ResolveInvitation handles POST /v1/transactions/:id/resolve
func (h *Handler) ResolveInvitation(c *gin.Context) {
	h.transition(c, h.service.ResolveInvitation)
}

// ApproveTransaction handles POST /v1/transactions/:id/approve
func (h *Handler) ApproveTransaction(c *gin.Context) {
	h.transition(c, h.service.ApproveTransaction)
}

// RejectTransaction handles POST /v1/transactions/:id/reject
func (h *Handler) RejectTransaction(c *gin.Context) {
	h.transition(c, h.service.RejectTransaction)
}

// FundEscrow handles POST /v1/transactions/:id/fund
func (h *Handler) FundEscrow(c *gin.Context) {
	h.transition(c, h.service.FundEscrow)
}

// Confirm handles POST /v1/transactions/:id/confirm for either party. The
// caller's role on the record picks the buyer or seller confirmation.
func (h *Handler) Confirm(c *gin.Context) {
	ctx := requestContext(c)
	id, actor := c.Param("id"), actorID(c)

	tx, err := h.service.GetForActor(ctx, id, actor)
	if err != nil {
		writeError(c, err)
		return
	}
	if tx.Role(actor) == RoleBuyer {
		tx, err = h.service.ConfirmByBuyer(ctx, id, actor)
	} else {
		tx, err = h.service.ConfirmBySeller(ctx, id, actor)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// FinalizeSettlement handles POST /v1/transactions/:id/settle. Observers call
// it when they find a settlement that has not completed; it is idempotent.
func (h *Handler) FinalizeSettlement(c *gin.Context) {
	ctx := requestContext(c)
	id := c.Param("id")
	if _, err := h.service.GetForActor(ctx, id, actorID(c)); err != nil {
		writeError(c, err)
		return
	}
	tx, err := h.service.FinalizeSettlement(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// RequestExtension handles POST /v1/transactions/:id/extension
func (h *Handler) RequestExtension(c *gin.Context) {
	var req ExtensionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "newExpiryAt is required",
		})
		return
	}
	tx, err := h.service.RequestExtension(requestContext(c), c.Param("id"), actorID(c), req.NewExpiryAt)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ApproveExtension handles POST /v1/transactions/:id/extension/approve
func (h *Handler) ApproveExtension(c *gin.Context) {
	h.transition(c, h.service.ApproveExtension)
}

// GetBalance handles GET /v1/wallet
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.wallets.Balance(requestContext(c), actorID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// GetHistory handles GET /v1/wallet/history
func (h *Handler) GetHistory(c *gin.Context) {
	entries, err := h.wallets.History(requestContext(c), actorID(c), queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (h *Handler) transition(c *gin.Context, fn func(ctx context.Context, id, actorID string) (*Transaction, error)) {
	tx, err := fn(requestContext(c), c.Param("id"), actorID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// writeError maps an engine error onto a status code and error code.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := err.Error()
	switch {
	case errors.Is(err, ErrValidation):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrAuthorization):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrInsufficientFunds):
		status, code = http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, ErrState):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrInvalidActor):
		status, code = http.StatusBadRequest, "validation_error"
	default:
		logging.L(c.Request.Context()).Error("escrow request failed", "path", c.FullPath(), "error", err)
		message = "Internal error"
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}

func actorID(c *gin.Context) string {
	return c.GetString("actorID")
}

func requestContext(c *gin.Context) context.Context {
	return logging.WithActor(c.Request.Context(), actorID(c))
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	return limit
}
