package notify

import (
	"context"

	"github.com/assuredefi/mason-autopilot/internal/domain"
	"github.com/assuredefi/mason-autopilot/internal/log"
)

// EmailSender is a placeholder transport: email is sent by the dashboard
// backend, so the engine only logs the event. It always succeeds.
type EmailSender struct{}

// NewEmailSender creates the email placeholder transport
func NewEmailSender() *EmailSender {
	return &EmailSender{}
}

// Send logs the event and reports success
func (e *EmailSender) Send(ctx context.Context, ch *domain.NotificationChannel, ev *domain.NotificationEvent) domain.DeliveryResult {
	title, _, _ := FormatEvent(ev)
	log.Info("email notification queued", "to", ch.URL, "event", ev.Type, "title", title)
	return domain.DeliveryResult{Success: true}
}
