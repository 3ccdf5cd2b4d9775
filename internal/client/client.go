// Package client talks to the escrowsync HTTP API on behalf of one actor.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mbd888/escrowsync/internal/circuitbreaker"
	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/ledger"
)

// ActorHeader carries the caller identity on every request.
const ActorHeader = "X-Actor-ID"

// Config holds the connection settings.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	ActorID string
	Timeout time.Duration

	// Consecutive transport or 5xx failures before requests are refused
	// locally, and how long they stay refused. Zero picks the defaults.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Client is an HTTP client for the escrow API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
}

// New creates a client. Requests carry trace context through otelhttp.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown),
	}
}

// Breaker exposes the client's circuit breaker, keyed by API host.
func (c *Client) Breaker() *circuitbreaker.Breaker {
	return c.breaker
}

// countsAsOutage reports whether err means the API itself is unwell.
// Rejections such as 409 or 403 are answers, not outages.
func countsAsOutage(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError
	}
	return true
}

// APIError is a non-2xx response. It unwraps to the matching escrow error
// kind so callers can use errors.Is(err, escrow.ErrState) across the wire.
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest:
		return escrow.ErrValidation
	case http.StatusForbidden:
		return escrow.ErrAuthorization
	case http.StatusPaymentRequired:
		return escrow.ErrInsufficientFunds
	case http.StatusConflict:
		return escrow.ErrState
	case http.StatusNotFound:
		return escrow.ErrNotFound
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(ActorHeader, c.cfg.ActorID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	var respBody []byte
	err = c.breaker.Do(u.Host, func() error {
		var sendErr error
		respBody, sendErr = c.send(req)
		return sendErr
	}, countsAsOutage)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// send performs req and returns the body of a 2xx response, or an
// *APIError for anything else.
func (c *Client) send(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return nil, apiErr
	}
	return body, nil
}

type txResponse struct {
	Transaction *escrow.Transaction `json:"transaction"`
}


func (c *Client) transaction(ctx context.Context, method, path string, body any) (*escrow.Transaction, error) {
	var resp txResponse
	if err := c.doRequest(ctx, method, path, nil, body, &resp); err != nil {
		return nil, err
	}
	if resp.Transaction == nil {
		return nil, errors.New("response has no transaction")
	}
	return resp.Transaction, nil
}

func txPath(id string, action ...string) string {
	p := "/v1/transactions/" + url.PathEscape(id)
	for _, a := range action {
		p += "/" + a
	}
	return p
}

// GetTransaction returns the shared record.
func (c *Client) GetTransaction(ctx context.Context, id string) (*escrow.Transaction, error) {
	return c.transaction(ctx, http.MethodGet, txPath(id), nil)
}

// Balance returns the caller's available balance. actorID must be the
// configured actor; the API only serves the caller's own wallet.
func (c *Client) Balance(ctx context.Context, actorID string) (int64, error) {
	if actorID != c.cfg.ActorID {
		return 0, fmt.Errorf("client for %s cannot read the wallet of %s", c.cfg.ActorID, actorID)
	}
	var resp struct {
		Balance *ledger.Balance `json:"balance"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/wallet", nil, nil, &resp); err != nil {
		return 0, err
	}
	if resp.Balance == nil {
		return 0, errors.New("response has no balance")
	}
	return resp.Balance.Available, nil
}

// History returns the caller's ledger entries, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]*ledger.Entry, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Entries []*ledger.Entry `json:"entries"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/wallet/history", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// CreateTransaction opens a transaction with the caller as buyer.
func (c *Client) CreateTransaction(ctx context.Context, req escrow.CreateRequest) (*escrow.Transaction, error) {
	return c.transaction(ctx, http.MethodPost, "/v1/transactions", req)
}

// ListTransactions returns the caller's most recent transactions, newest first.
func (c *Client) ListTransactions(ctx context.Context, limit int) ([]*escrow.Transaction, error) {
	page, err := c.PageTransactions(ctx, "", limit)
	if err != nil {
		return nil, err
	}
	return page.Transactions, nil
}

// PageTransactions returns one page of the caller's transactions. Pass the
// previous page's NextCursor to continue.
func (c *Client) PageTransactions(ctx context.Context, cursor string, limit int) (*escrow.Page, error) {
	return c.page(ctx, "/v1/transactions", cursor, limit)
}

// ListPending returns invitations the caller has not opened as seller.
func (c *Client) ListPending(ctx context.Context, limit int) ([]*escrow.Transaction, error) {
	page, err := c.page(ctx, "/v1/transactions/pending", "", limit)
	if err != nil {
		return nil, err
	}
	return page.Transactions, nil
}

func (c *Client) page(ctx context.Context, path, cursor string, limit int) (*escrow.Page, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var page escrow.Page
	if err := c.doRequest(ctx, http.MethodGet, path, q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ResolveInvitation marks the invitation as opened by the seller.
func (c *Client) ResolveInvitation(ctx context.Context, id string) (*escrow.Transaction, error) {
	return c.transaction(ctx, http.MethodPost, txPath(id, "resolve"), nil)
}

// Approve accepts the transaction as seller.
func (c *Client) Approve(ctx context.Context, id string) (*escrow.Transaction, error) {
	return c.transaction(ctx, http.MethodPost, txPath(id, "approve"), nil)
}

// Reject declines the transaction as seller.
func (c *Client) Reject(ctx context.Context, id string) (*escrow.Transaction, error) {
	return c.transaction(ctx, http.MethodPost, txPath(id, "reject"), nil)
}

// Fund moves the buyer's payment into escrow.
func (c *Client) Fund(ctx context.Context, id string) (*escrow.Transaction, error) {
	return c.transaction(ctx, http.MethodPost, txPath(id, "fund"), nil)
}

// Confirm confirms as whichever party the caller is.
func (c *Client) Confirm(ctx context.Context, id string) (*escrow.Transaction, error) {
	return c.transaction(ctx, http.MethodPost, txPath(id, "confirm"), nil)
}

// FinalizeSettlement completes an interrupted settlement.
func (c *Client) FinalizeSettlement(ctx context.Context, id string) (*escrow.Transaction, error) {
	return c.transaction(ctx, http.MethodPost, txPath(id, "settle"), nil)
}

// RequestExtension asks the buyer for a later expiry.
func (c *Client) RequestExtension(ctx context.Context, id string, newExpiry time.Time) (*escrow.Transaction, error) {
	return c.transaction(ctx, http.MethodPost, txPath(id, "extension"), escrow.ExtensionRequest{NewExpiryAt: newExpiry})
}

// ApproveExtension accepts the pending extension as buyer.
func (c *Client) ApproveExtension(ctx context.Context, id string) (*escrow.Transaction, error) {
	return c.transaction(ctx, http.MethodPost, txPath(id, "extension", "approve"), nil)
}
