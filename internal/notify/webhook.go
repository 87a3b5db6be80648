package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/settle/internal/logging"
	"github.com/mbd888/settle/internal/retry"
	"github.com/mbd888/settle/internal/security"
)

var (
	webhookSendTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settle",
		Subsystem: "notify_webhook",
		Name:      "send_total",
		Help:      "Notification webhook deliveries by result.",
	}, []string{"result"})

	webhookDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settle",
		Subsystem: "notify_webhook",
		Name:      "dropped_total",
		Help:      "Notifications dropped because the send queue was full or stopped.",
	})
)

func init() {
	prometheus.MustRegister(webhookSendTotal, webhookDropped)
}

// Webhook headers.
const (
	HeaderSignature = "X-Settle-Signature"
	HeaderKind      = "X-Settle-Event"
	HeaderTimestamp = "X-Settle-Timestamp"
)

// Webhook posts notifications, HMAC-signed, to one operator-configured
// endpoint from a bounded queue drained by a single worker.
type Webhook struct {
	url    string
	secret string
	client *http.Client
	policy retry.Policy
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Notification
	wg     sync.WaitGroup
}

// NewWebhook validates url and creates an emitter. allowInsecure permits
// plain http and private hosts (development only).
func NewWebhook(url, secret string, allowInsecure bool, logger *slog.Logger) (*Webhook, error) {
	if !allowInsecure {
		if err := security.ValidateEndpointURL(url, false); err != nil {
			return nil, fmt.Errorf("notification webhook url: %w", err)
		}
	}
	return &Webhook{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		policy: retry.Exponential(3, 500*time.Millisecond),
		logger: logging.Component(logger, "notify_webhook"),
		queue:  make(chan Notification, 1024),
	}, nil
}

// Start runs the delivery worker until ctx ends or Stop is called.
func (w *Webhook) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-w.queue:
				if !ok {
					return
				}
				w.deliver(ctx, n)
			}
		}
	}()
}

// Stop closes the queue and waits for the worker to drain it.
func (w *Webhook) Stop() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// Notify enqueues n, dropping it when the queue is full or stopped.
func (w *Webhook) Notify(ctx context.Context, n Notification) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		webhookDropped.Inc()
		return
	}
	select {
	case w.queue <- n:
	default:
		webhookDropped.Inc()
		logging.L(ctx).Warn("notification webhook queue full, dropping", "kind", n.Kind, "id", n.ID)
	}
}

func (w *Webhook) deliver(ctx context.Context, n Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		w.logger.Error("marshal notification", "id", n.ID, "error", err)
		return
	}

	err = retry.Do(ctx, w.policy, func(ctx context.Context) error {
		return w.send(ctx, n, payload)
	})
	if err != nil {
		webhookSendTotal.WithLabelValues("error").Inc()
		w.logger.Warn("notification webhook failed", "id", n.ID, "kind", n.Kind, "error", err)
		return
	}
	webhookSendTotal.WithLabelValues("ok").Inc()
}

func (w *Webhook) send(ctx context.Context, n Notification, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderKind, string(n.Kind))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(n.CreatedAt.Unix(), 10))
	if w.secret != "" {
		req.Header.Set(HeaderSignature, security.SignPayload(w.secret, payload))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}
