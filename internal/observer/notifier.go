package observer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
)

// Notifier applies a notice to the actor's local UI or log.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notice)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n Notice) { f(ctx, n) }

// NopNotifier drops every notice.
type NopNotifier struct{}

// Notify does nothing.
func (NopNotifier) Notify(context.Context, Notice) {}

// LogNotifier writes notices to a slog logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs n at info.
func (l LogNotifier) Notify(ctx context.Context, n Notice) {
	l.Logger.InfoContext(ctx, n.Message,
		"kind", n.Kind,
		"transactionId", n.TransactionID,
		"role", n.Role,
		"balance", n.Balance,
	)
}

// WriterNotifier writes one JSON object per notice. Safe for concurrent use.
type WriterNotifier struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriterNotifier creates a notifier writing JSON lines to w.
func NewWriterNotifier(w io.Writer) *WriterNotifier {
	return &WriterNotifier{enc: json.NewEncoder(w)}
}

// Notify encodes n. Write errors are dropped; notices are advisory.
func (w *WriterNotifier) Notify(_ context.Context, n Notice) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.enc.Encode(n)
}
