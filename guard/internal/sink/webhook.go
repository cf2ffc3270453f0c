package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hazyhaar/shortsguard/guard/event"
)

// Webhook POSTs JSON reports to a URL with retry and exponential backoff.
// Sends are queued and delivered by one background worker so the engine
// loop never waits on the network; when the queue is full the report is
// dropped.
type Webhook struct {
	url        string
	client     *http.Client
	maxRetries int
	backoff    time.Duration
	grace      time.Duration
	logger     *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	queue   chan []byte
	done    chan struct{}
	closeMu sync.Once
}

// WebhookOption configures a Webhook sink.
type WebhookOption func(*Webhook)

// WithWebhookRetries sets the maximum number of retries. Default: 3.
func WithWebhookRetries(n int) WebhookOption {
	return func(w *Webhook) { w.maxRetries = n }
}

// WithWebhookBackoff sets the first retry delay, doubled per attempt. Default: 1s.
func WithWebhookBackoff(d time.Duration) WebhookOption {
	return func(w *Webhook) { w.backoff = d }
}

// WithWebhookCloseGrace bounds how long Close keeps delivering queued
// reports before abandoning them. Default: 2s.
func WithWebhookCloseGrace(d time.Duration) WebhookOption {
	return func(w *Webhook) { w.grace = d }
}

// WithWebhookLogger sets a custom logger.
func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(w *Webhook) { w.logger = l }
}

// WithWebhookClient replaces the HTTP client.
func WithWebhookClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// NewWebhook creates a Webhook sink targeting url and starts its worker.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		backoff:    time.Second,
		grace:      2 * time.Second,
		logger:     slog.Default(),
		queue:      make(chan []byte, 256),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	go w.run()
	return w
}

func (w *Webhook) SendSweep(_ context.Context, s event.Sweep) error {
	return w.enqueue("sweep", s)
}

func (w *Webhook) SendNavigation(_ context.Context, n event.Navigation) error {
	return w.enqueue("navigation", n)
}

func (w *Webhook) SendOverlay(_ context.Context, o event.Overlay) error {
	return w.enqueue("overlay", o)
}

// Close stops accepting reports and keeps delivering queued ones for at
// most the close grace period. Whatever is left after that is dropped.
func (w *Webhook) Close() error {
	w.closeMu.Do(func() { close(w.queue) })
	timer := time.NewTimer(w.grace)
	defer timer.Stop()
	select {
	case <-w.done:
	case <-timer.C:
		w.cancel()
		<-w.done
	}
	w.cancel()
	return nil
}

func (w *Webhook) enqueue(typ string, data any) (err error) {
	body, err := json.Marshal(envelope{Type: typ, Data: data})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}
	defer func() {
		if recover() != nil {
			err = fmt.Errorf("webhook: closed")
		}
	}()
	select {
	case w.queue <- body:
		return nil
	default:
		return fmt.Errorf("webhook: queue full, %s dropped", typ)
	}
}

func (w *Webhook) run() {
	defer close(w.done)
	dropped := 0
	for body := range w.queue {
		if w.ctx.Err() != nil {
			dropped++
			continue
		}
		if err := w.post(w.ctx, body); err != nil {
			if w.ctx.Err() != nil {
				dropped++
				continue
			}
			w.logger.Warn("webhook: delivery failed", "error", err)
		}
	}
	if dropped > 0 {
		w.logger.Warn("webhook: reports dropped on close", "count", dropped)
	}
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.backoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("webhook: new request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
			w.logger.Warn("webhook: request failed", "attempt", attempt+1, "error", err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook: status %d", resp.StatusCode)
		w.logger.Warn("webhook: bad status", "attempt", attempt+1, "status", resp.StatusCode)
	}
	return fmt.Errorf("webhook: all retries exhausted: %w", lastErr)
}
