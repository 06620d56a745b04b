// Package notifications delivers CRITICAL system alerts to an operator
// webhook. Delivery is best effort; the trading pipeline never blocks on it.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"opus-trader/bus"
)

const (
	deliveryTimeout = 10 * time.Second
	maxAttempts     = 2
	retryDelay      = 2 * time.Second
	alertCooldown   = 10 * time.Minute
)

// Webhook posts system alerts to one configured URL. Repeated alerts with the
// same title are suppressed for a cooldown window so a flapping condition does
// not flood the operator channel.
type Webhook struct {
	url    string
	client *http.Client
	log    zerolog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewWebhook creates a notifier. An empty URL disables delivery.
func NewWebhook(url string, log zerolog.Logger) *Webhook {
	return &Webhook{
		url:      url,
		client:   &http.Client{Timeout: deliveryTimeout},
		log:      log.With().Str("component", "webhook").Logger(),
		lastSent: make(map[string]time.Time),
	}
}

// Send delivers one alert, respecting the per-title cooldown.
func (w *Webhook) Send(ctx context.Context, alert bus.SystemAlert) {
	if w.url == "" {
		return
	}
	if !w.shouldSend(alert.Title) {
		w.log.Debug().Str("title", alert.Title).Msg("alert suppressed by cooldown")
		return
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		w.log.Error().Err(err).Msg("alert marshal failed")
		return
	}

	go w.deliver(ctx, alert.Title, payload)
}

func (w *Webhook) shouldSend(title string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if last, ok := w.lastSent[title]; ok && time.Since(last) < alertCooldown {
		return false
	}
	w.lastSent[title] = time.Now()
	return true
}

func (w *Webhook) deliver(ctx context.Context, title string, payload []byte) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
		if err != nil {
			w.log.Error().Err(err).Msg("webhook request build failed")
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			resp.Body.Close()
			w.log.Info().Str("title", title).Msg("alert delivered")
			return
		}
		if resp != nil {
			resp.Body.Close()
		}

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
		} else {
			w.log.Warn().Err(err).Str("title", title).Msg("alert delivery failed")
		}
	}
}
