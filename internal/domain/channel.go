package domain

// ChannelType identifies a notification delivery transport
type ChannelType string

const (
	ChannelChatWebhook ChannelType = "chat_webhook"
	ChannelEmail       ChannelType = "email"
	ChannelWebhook     ChannelType = "webhook"
)

// NotificationChannel is a configured delivery target. An empty RepositoryID
// means the channel receives events for all repositories; an empty EventTypes
// list means it receives all event types.
type NotificationChannel struct {
	ID           string
	UserID       string
	RepositoryID string
	Type         ChannelType
	Enabled      bool
	EventTypes   []EventType
	URL          string // webhook endpoint or email address
	Secret       string // HMAC signing secret for webhook channels
}

// Matches reports whether this channel should receive the given event
func (c *NotificationChannel) Matches(ev *NotificationEvent) bool {
	if !c.Enabled {
		return false
	}
	if c.UserID != ev.UserID {
		return false
	}
	if c.RepositoryID != "" && c.RepositoryID != ev.RepositoryID {
		return false
	}
	if len(c.EventTypes) == 0 {
		return true
	}
	for _, t := range c.EventTypes {
		if t == ev.Type {
			return true
		}
	}
	return false
}

// DeliveryResult is the outcome of one delivery attempt to one channel
type DeliveryResult struct {
	ChannelID  string
	Success    bool
	Error      string
	StatusCode int
	Retryable  bool
	Attempts   int
}
