package webhooks

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowsync/internal/events"
	"github.com/mbd888/escrowsync/internal/idgen"
	"github.com/mbd888/escrowsync/internal/logging"
)

// maxPerActor bounds how many active endpoints one actor may register.
const maxPerActor = 5

var knownEvents = map[events.Name]bool{
	events.TransactionCreated:            true,
	events.TransactionConnected:          true,
	events.TransactionApproved:           true,
	events.TransactionRejected:           true,
	events.TransactionFunded:             true,
	events.TransactionConfirmed:          true,
	events.TransactionExtensionRequested: true,
	events.TransactionExtensionApproved:  true,
	events.TransactionCompleted:          true,
	events.TransactionExpired:            true,
	events.BalanceChanged:                true,
}

// Handler provides HTTP endpoints for webhook management. Routes expect the
// caller under the "actorID" context key.
type Handler struct {
	store      Store
	dispatcher *Dispatcher
	now        func() time.Time
}

// NewHandler creates a new webhook handler
func NewHandler(store Store, dispatcher *Dispatcher) *Handler {
	return &Handler{store: store, dispatcher: dispatcher, now: time.Now}
}

// RegisterRoutes sets up webhook routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:id", h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL    string        `json:"url" binding:"required"`
	Events []events.Name `json:"events"`
}

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	actor := c.GetString("actorID")

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url is required",
		})
		return
	}
	for _, name := range req.Events {
		if !knownEvents[name] {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "unknown event " + string(name),
			})
			return
		}
	}
	if err := h.dispatcher.ValidateURL(ctx, req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	existing, err := h.store.ListByActor(ctx, actor)
	if err != nil {
		h.internal(c, "list", err)
		return
	}
	if len(existing) >= maxPerActor {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "limit_reached",
			"message": "too many active webhooks",
		})
		return
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		ActorID:   actor,
		URL:       req.URL,
		Secret:    idgen.Hex(32),
		Events:    req.Events,
		Active:    true,
		CreatedAt: h.now().UTC(),
	}
	if err := h.store.Create(ctx, sub); err != nil {
		h.internal(c, "create", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": view(sub),
		"secret":  sub.Secret, // shown once
		"usage": gin.H{
			"signature": "HMAC-SHA256(body, secret), hex, prefixed sha256=",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /v1/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	actor := c.GetString("actorID")
	subs, err := h.store.ListByActor(c.Request.Context(), actor)
	if err != nil {
		h.internal(c, "list", err)
		return
	}
	out := make([]gin.H, len(subs))
	for i, sub := range subs {
		out[i] = view(sub)
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": out, "count": len(out)})
}

// DeleteWebhook handles DELETE /v1/webhooks/:id
func (h *Handler) DeleteWebhook(c *gin.Context) {
	actor := c.GetString("actorID")
	err := h.store.Deactivate(c.Request.Context(), actor, c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "webhook not found",
		})
		return
	}
	if err != nil {
		h.internal(c, "delete", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *Handler) internal(c *gin.Context, op string, err error) {
	logging.L(c.Request.Context()).Error("webhook "+op+" failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   op + "_failed",
		"message": "Internal error",
	})
}

// view is the API shape of a subscription; the secret never leaves after
// creation.
func view(sub *Subscription) gin.H {
	return gin.H{
		"id":          sub.ID,
		"url":         sub.URL,
		"events":      sub.Events,
		"active":      sub.Active,
		"createdAt":   sub.CreatedAt,
		"lastSuccess": sub.LastSuccess,
		"lastError":   sub.LastError,
	}
}
