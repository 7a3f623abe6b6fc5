package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/assuredefi/mason-autopilot/internal/domain"
)

// ChatMessage is the chat-webhook payload (Slack-compatible)
type ChatMessage struct {
	Text        string           `json:"text"`
	Attachments []ChatAttachment `json:"attachments,omitempty"`
}

// ChatAttachment is a chat message attachment
type ChatAttachment struct {
	Color  string `json:"color"`
	Title  string `json:"title"`
	Text   string `json:"text"`
	Footer string `json:"footer,omitempty"`
}

// ChatSender posts formatted messages to chat webhooks
type ChatSender struct {
	client *http.Client
}

// NewChatSender creates a chat-webhook transport
func NewChatSender(client *http.Client) *ChatSender {
	return &ChatSender{client: client}
}

// Send delivers one event in a single attempt
func (c *ChatSender) Send(ctx context.Context, ch *domain.NotificationChannel, ev *domain.NotificationEvent) domain.DeliveryResult {
	title, body, color := FormatEvent(ev)

	msg := ChatMessage{
		Text: title,
		Attachments: []ChatAttachment{
			{
				Color:  color,
				Title:  ev.RepositoryName,
				Text:   body,
				Footer: "Mason Autopilot",
			},
		},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return domain.DeliveryResult{Error: "encoding message: " + err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.URL, bytes.NewReader(payload))
	if err != nil {
		return domain.DeliveryResult{Error: "building request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.DeliveryResult{Error: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	return classifyStatus(resp.StatusCode)
}
