// Package webhooks delivers escrow events to HTTPS endpoints registered by
// buyers and sellers.
//
// An actor only receives events for transactions they are a party to and
// for their own balance. Each delivery is a JSON POST signed with
// HMAC-SHA256 over the body using the subscription secret:
//
//	X-Escrowsync-Event:     transaction.funded
//	X-Escrowsync-Delivery:  dlv_...
//	X-Escrowsync-Timestamp: 1767225600
//	X-Escrowsync-Signature: sha256=<hex>
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mbd888/escrowsync/internal/events"
	"github.com/mbd888/escrowsync/internal/idgen"
	"github.com/mbd888/escrowsync/internal/retry"
	"github.com/mbd888/escrowsync/internal/security"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Escrowsync-Event"
	HeaderDelivery  = "X-Escrowsync-Delivery"
	HeaderTimestamp = "X-Escrowsync-Timestamp"
	HeaderSignature = "X-Escrowsync-Signature"
)

var (
	webhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by result (ok, failed, dropped).",
	}, []string{"result"})

	webhookDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowsync",
		Subsystem: "webhook",
		Name:      "delivery_duration_seconds",
		Help:      "Time to deliver one webhook, retries included.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(webhookDeliveries, webhookDuration)
}

// Subscription is one registered endpoint.
type Subscription struct {
	ID          string        `json:"id"`
	ActorID     string        `json:"actorId"`
	URL         string        `json:"url"`
	Secret      string        `json:"secret"`
	Events      []events.Name `json:"events,omitempty"` // empty means every event
	Active      bool          `json:"active"`
	CreatedAt   time.Time     `json:"createdAt"`
	LastSuccess *time.Time    `json:"lastSuccess,omitempty"`
	LastError   string        `json:"lastError,omitempty"`
	Version     int64         `json:"-"`
}

// Wants reports whether the subscription takes events named name.
func (s *Subscription) Wants(name events.Name) bool {
	if !s.Active {
		return false
	}
	if len(s.Events) == 0 {
		return true
	}
	for _, n := range s.Events {
		if n == name {
			return true
		}
	}
	return false
}

// Payload is the delivered body.
type Payload struct {
	DeliveryID string       `json:"deliveryId"`
	Event      events.Event `json:"event"`
}

type job struct {
	sub     *Subscription
	payload Payload
}

// Config tunes the dispatcher.
type Config struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Retry     retry.Policy
}

// DefaultConfig suits a single server.
var DefaultConfig = Config{
	Workers:   4,
	QueueSize: 256,
	Timeout:   10 * time.Second,
	Retry:     retry.Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
}

// Dispatcher routes bus events to matching subscriptions and delivers them
// from a bounded queue. Handle never blocks the publisher; when the queue is
// full the delivery is dropped and counted.
type Dispatcher struct {
	store        Store
	client       *http.Client
	cfg          Config
	logger       *slog.Logger
	urlValidator func(ctx context.Context, rawURL string) error
	now          func() time.Time

	queue    chan job
	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

// NewDispatcher creates a dispatcher. Call Start to begin delivering.
func NewDispatcher(store Store, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = DefaultConfig.Retry
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		cfg:          cfg,
		logger:       logger,
		urlValidator: security.ValidateEndpointURL,
		now:          time.Now,
		queue:        make(chan job, cfg.QueueSize),
		stop:         make(chan struct{}),
	}
}

// ValidateURL applies the dispatcher's endpoint policy.
func (d *Dispatcher) ValidateURL(ctx context.Context, rawURL string) error {
	return d.urlValidator(ctx, rawURL)
}

// Start launches the delivery workers. They exit when ctx is cancelled or
// Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	for range d.cfg.Workers {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Stop halts the workers and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
}

// Handle is an events.Handler. It looks up the parties' subscriptions and
// queues one delivery per match.
func (d *Dispatcher) Handle(ctx context.Context, ev events.Event) {
	for _, actor := range Parties(ev) {
		subs, err := d.store.ListByActor(ctx, actor)
		if err != nil {
			d.logger.Warn("webhook lookup failed", "actor", actor, "event", ev.Name, "error", err)
			continue
		}
		for _, sub := range subs {
			if !sub.Wants(ev.Name) {
				continue
			}
			j := job{sub: sub, payload: Payload{DeliveryID: idgen.WithPrefix("dlv_"), Event: ev}}
			select {
			case d.queue <- j:
			default:
				webhookDeliveries.WithLabelValues("dropped").Inc()
				d.logger.Warn("webhook queue full, delivery dropped",
					"subscription", sub.ID, "event", ev.Name, "transactionId", ev.TransactionID)
			}
		}
	}
}

// Parties returns the distinct actors an event concerns: the event actor
// plus the buyer and seller carried in transaction events.
func Parties(ev events.Event) []string {
	var out []string
	add := func(a string) {
		if a == "" {
			return
		}
		for _, seen := range out {
			if seen == a {
				return
			}
		}
		out = append(out, a)
	}
	add(ev.ActorID)
	if ev.Data != nil {
		for _, key := range []string{"buyerId", "sellerId"} {
			if s, ok := ev.Data[key].(string); ok {
				add(s)
			}
		}
	}
	return out
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case j := <-d.queue:
			d.safeDeliver(ctx, j)
		}
	}
}

func (d *Dispatcher) safeDeliver(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in webhook delivery", "subscription", j.sub.ID, "panic", fmt.Sprint(r))
		}
	}()
	d.deliver(ctx, j)
}

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	start := d.now()
	body, err := json.Marshal(j.payload)
	if err != nil {
		d.logger.Error("encode webhook payload", "subscription", j.sub.ID, "error", err)
		return
	}

	err = d.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		return d.post(ctx, j.sub, j.payload, body)
	})
	webhookDuration.Observe(d.now().Sub(start).Seconds())

	if err != nil {
		webhookDeliveries.WithLabelValues("failed").Inc()
		d.logger.Warn("webhook delivery failed",
			"subscription", j.sub.ID, "event", j.payload.Event.Name, "error", err)
	} else {
		webhookDeliveries.WithLabelValues("ok").Inc()
	}
	if rerr := d.store.RecordAttempt(ctx, j.sub.ActorID, j.sub.ID, d.now(), err); rerr != nil {
		d.logger.Debug("webhook status not recorded", "subscription", j.sub.ID, "error", rerr)
	}
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, p Payload, body []byte) error {
	if err := d.urlValidator(ctx, sub.URL); err != nil {
		return retry.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(p.Event.Name))
	req.Header.Set(HeaderDelivery, p.DeliveryID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(d.now().Unix(), 10))
	req.Header.Set(HeaderSignature, Sign(body, sub.Secret))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the signature header value for body.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature header in constant time.
func Verify(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}

// ErrNotFound is returned for unknown or foreign subscriptions.
var ErrNotFound = errors.New("webhook subscription not found")
