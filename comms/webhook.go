package comms

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// SignatureHeader carries the HMAC of the request body: sha256=<hex>.
const SignatureHeader = "X-Farmhand-Signature"

// WebhookConfig describes an outbound notification endpoint.
type WebhookConfig struct {
	URL    string      `json:"url" yaml:"url"`
	Secret string      `json:"secret,omitempty" yaml:"secret"`
	Events []EventType `json:"events,omitempty" yaml:"events"` // empty means all
}

// Webhook posts events to an external URL, signing each body when a secret
// is configured. Delivery is retried on transient failures.
type Webhook struct {
	cfg    WebhookConfig
	client *retryablehttp.Client
}

// NewWebhook creates a notifier for cfg.
func NewWebhook(cfg WebhookConfig, logger *slog.Logger) *Webhook {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 5 * time.Second
	c.HTTPClient.Timeout = 10 * time.Second
	c.Logger = nil
	if logger != nil {
		c.Logger = logger
	}
	return &Webhook{cfg: cfg, client: c}
}

// Attach subscribes the webhook to bus.
func (w *Webhook) Attach(bus Bus) (unsubscribe func()) {
	return bus.Subscribe(AllEvents, w.Handle)
}

// Handle delivers ev if it passes the event filter.
func (w *Webhook) Handle(ctx context.Context, ev *Event) error {
	if len(w.cfg.Events) > 0 && !slices.Contains(w.cfg.Events, ev.Type) {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, body)
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Farmhand-Event", string(ev.Type))
	if w.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(w.cfg.Secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s: %w", ev.Type, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("deliver %s: status %d", ev.Type, resp.StatusCode)
	}
	return nil
}

// Sign returns the sha256=<hex> HMAC of payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a sha256=<hex> signature in constant time.
func Verify(secret string, payload []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, payload)), []byte(signature))
}
