package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/assuredefi/mason-autopilot/internal/domain"
)

// webhookPayload is the generic webhook body
type webhookPayload struct {
	Event          string           `json:"event"`
	Timestamp      string           `json:"timestamp"`
	RepositoryID   string           `json:"repository_id"`
	RepositoryName string           `json:"repository_name"`
	Data           domain.EventData `json:"data"`
}

// WebhookSender posts raw event payloads to user-configured endpoints,
// signing the body with the channel's secret when one is set
type WebhookSender struct {
	client *http.Client
}

// NewWebhookSender creates a generic webhook transport
func NewWebhookSender(client *http.Client) *WebhookSender {
	return &WebhookSender{client: client}
}

// Sign computes the lowercase-hex HMAC-SHA256 digest of body keyed by secret
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Send delivers one event in a single attempt
func (w *WebhookSender) Send(ctx context.Context, ch *domain.NotificationChannel, ev *domain.NotificationEvent) domain.DeliveryResult {
	payload := webhookPayload{
		Event:          string(ev.Type),
		Timestamp:      ev.OccurredAt.UTC().Format(time.RFC3339),
		RepositoryID:   ev.RepositoryID,
		RepositoryName: ev.RepositoryName,
		Data:           ev.Data,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return domain.DeliveryResult{Error: "encoding payload: " + err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.URL, bytes.NewReader(body))
	if err != nil {
		return domain.DeliveryResult{Error: "building request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if ch.Secret != "" {
		req.Header.Set("X-Signature", Sign(ch.Secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		// Network errors are transient until proven otherwise
		return domain.DeliveryResult{Error: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	return classifyStatus(resp.StatusCode)
}

// classifyStatus maps an HTTP response to a delivery result: 2xx succeeds,
// 5xx is retryable, anything else is terminal
func classifyStatus(status int) domain.DeliveryResult {
	switch {
	case status >= 200 && status < 300:
		return domain.DeliveryResult{Success: true, StatusCode: status}
	case status >= 500:
		return domain.DeliveryResult{
			StatusCode: status,
			Error:      fmt.Sprintf("endpoint returned %d", status),
			Retryable:  true,
		}
	default:
		return domain.DeliveryResult{
			StatusCode: status,
			Error:      fmt.Sprintf("endpoint returned %d", status),
		}
	}
}
