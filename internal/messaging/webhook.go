package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// DefaultWebhookTimeout bounds a single webhook delivery.
const DefaultWebhookTimeout = 10 * time.Second

// Forwarder receives inbound messages that no flow handled.
type Forwarder interface {
	Forward(ctx context.Context, msg models.InboundMessage) error
}

// WebhookForwarder posts unhandled messages as JSON to an HTTP endpoint.
type WebhookForwarder struct {
	url    string
	client *http.Client
}

// NewWebhookForwarder creates a forwarder for url. An empty url disables forwarding.
func NewWebhookForwarder(url string, timeout time.Duration) *WebhookForwarder {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	return &WebhookForwarder{url: url, client: &http.Client{Timeout: timeout}}
}

// URL returns the configured endpoint.
func (w *WebhookForwarder) URL() string { return w.url }

// Forward delivers the message. Non-2xx responses are reported as errors.
func (w *WebhookForwarder) Forward(ctx context.Context, msg models.InboundMessage) error {
	if w.url == "" {
		slog.Debug("WebhookForwarder.Forward: no webhook configured, dropping message", "account_id", msg.AccountID, "sender_id", msg.SenderID)
		return nil
	}
	body, err := json.Marshal(models.NewWebhookPayload(msg))
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	slog.Debug("WebhookForwarder.Forward: delivered", "account_id", msg.AccountID, "sender_id", msg.SenderID, "status", resp.StatusCode)
	return nil
}
