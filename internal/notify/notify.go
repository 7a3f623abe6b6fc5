// Package notify delivers autopilot events to configured external channels
// with bounded per-channel retry.
package notify

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/assuredefi/mason-autopilot/internal/backoff"
	"github.com/assuredefi/mason-autopilot/internal/domain"
	"github.com/assuredefi/mason-autopilot/internal/log"
	"github.com/assuredefi/mason-autopilot/internal/store"
)

// Sender delivers one event to one channel in a single attempt
type Sender interface {
	Send(ctx context.Context, ch *domain.NotificationChannel, ev *domain.NotificationEvent) domain.DeliveryResult
}

// ChannelStore resolves channels and records delivery outcomes
type ChannelStore interface {
	ListChannels(userID string) ([]*domain.NotificationChannel, error)
	SaveDelivery(d *store.DeliveryLog) error
}

// Dispatcher resolves the channels matching an event and delivers to each
// in turn. Channels are processed sequentially so delivery ordering stays
// deterministic for the logs.
type Dispatcher struct {
	store   ChannelStore
	senders map[domain.ChannelType]Sender
	policy  backoff.Policy
	sleep   func(time.Duration)
}

// New creates a Dispatcher with the standard transports
func New(channelStore ChannelStore, policy backoff.Policy) *Dispatcher {
	client := &http.Client{Timeout: 10 * time.Second}
	return &Dispatcher{
		store: channelStore,
		senders: map[domain.ChannelType]Sender{
			domain.ChannelChatWebhook: NewChatSender(client),
			domain.ChannelWebhook:     NewWebhookSender(client),
			domain.ChannelEmail:       NewEmailSender(),
		},
		policy: policy,
		sleep:  time.Sleep,
	}
}

// SetSender replaces the transport for a channel type
func (d *Dispatcher) SetSender(t domain.ChannelType, s Sender) {
	d.senders[t] = s
}

// Dispatch delivers the event to every matching channel and returns the
// per-channel results. Nothing here returns an error: delivery failures are
// reported in the results, and bookkeeping failures are swallowed.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *domain.NotificationEvent) []domain.DeliveryResult {
	channels, err := d.store.ListChannels(ev.UserID)
	if err != nil {
		log.Warn("resolving notification channels failed", "event", ev.Type, "error", err)
		return nil
	}

	var results []domain.DeliveryResult
	for _, ch := range channels {
		if !ch.Matches(ev) {
			continue
		}
		result := d.deliver(ctx, ch, ev)
		d.logDelivery(ch, ev, result)
		results = append(results, result)
	}
	return results
}

// deliver runs the per-channel retry loop: attempt 1 immediately, then up
// to MaxAttempts-1 retries with exponential backoff, stopping early on
// success or a terminal failure.
func (d *Dispatcher) deliver(ctx context.Context, ch *domain.NotificationChannel, ev *domain.NotificationEvent) domain.DeliveryResult {
	sender, ok := d.senders[ch.Type]
	if !ok {
		return domain.DeliveryResult{
			ChannelID: ch.ID,
			Error:     "unknown channel type: " + string(ch.Type),
			Attempts:  0,
		}
	}

	var result domain.DeliveryResult
	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		result = sender.Send(ctx, ch, ev)
		result.ChannelID = ch.ID
		result.Attempts = attempt

		if result.Success {
			log.Debug("delivery succeeded", "channel", ch.ID, "event", ev.Type, "attempt", attempt)
			return result
		}
		if !result.Retryable || attempt == d.policy.MaxAttempts {
			break
		}

		delay := d.policy.Delay(attempt)
		log.Debug("delivery failed, retrying", "channel", ch.ID, "event", ev.Type,
			"attempt", attempt, "delay", delay, "error", result.Error)
		d.sleep(delay)
	}

	log.Warn("delivery failed", "channel", ch.ID, "event", ev.Type,
		"attempts", result.Attempts, "error", result.Error)
	return result
}

// logDelivery persists the outcome. Failures here are swallowed: delivery
// bookkeeping must never fail the operation that produced the event.
func (d *Dispatcher) logDelivery(ch *domain.NotificationChannel, ev *domain.NotificationEvent, result domain.DeliveryResult) {
	entry := &store.DeliveryLog{
		ID:         uuid.NewString(),
		ChannelID:  ch.ID,
		EventType:  ev.Type,
		Success:    result.Success,
		Error:      result.Error,
		StatusCode: result.StatusCode,
		Attempts:   result.Attempts,
		CreatedAt:  time.Now(),
	}
	if err := d.store.SaveDelivery(entry); err != nil {
		log.Warn("writing delivery log failed", "channel", ch.ID, "error", err)
	}
}
