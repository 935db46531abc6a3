package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/crawlcore/crawlcore/internal/interfaces"
	"github.com/crawlcore/crawlcore/internal/models"
)

// HTTPWebhookDeliverer implements interfaces.Webhook over a bounded HTTP
// POST to a user-configured endpoint. Delivery failures surface as plain
// errors; the queue runner's default retryable classification handles
// backoff.
type HTTPWebhookDeliverer struct {
	client   *http.Client
	endpoint func(userID string) (string, bool)
	logger   arbor.ILogger
}

// NewHTTPWebhookDeliverer takes an endpoint resolver rather than a single
// URL since webhook targets are per-user configuration owned by the
// external registration surface; only delivery is owned here.
func NewHTTPWebhookDeliverer(endpoint func(userID string) (string, bool), logger arbor.ILogger) *HTTPWebhookDeliverer {
	return &HTTPWebhookDeliverer{
		client:   &http.Client{Timeout: 10 * time.Second},
		endpoint: endpoint,
		logger:   logger,
	}
}

var _ interfaces.Webhook = (*HTTPWebhookDeliverer)(nil)

func (d *HTTPWebhookDeliverer) Deliver(ctx context.Context, bookmarkID, event, userID string) error {
	url, ok := d.endpoint(userID)
	if !ok || url == "" {
		return nil
	}

	body, err := json.Marshal(map[string]string{"bookmark_id": bookmarkID, "event": event})
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// WebhookHandler adapts a Webhook collaborator to the queue.Handler shape
// for the webhook queue.
type WebhookHandler struct {
	webhook interfaces.Webhook
}

func NewWebhookHandler(webhook interfaces.Webhook) *WebhookHandler {
	return &WebhookHandler{webhook: webhook}
}

func (h *WebhookHandler) Handle(ctx context.Context, job *models.Job) error {
	var payload models.WebhookPayload
	if err := models.ValidatePayload(job.Payload, &payload); err != nil {
		return err
	}
	return h.webhook.Deliver(ctx, payload.BookmarkID, payload.Event, payload.UserID)
}
