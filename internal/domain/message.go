package domain

import (
	"time"

	"github.com/google/uuid"
)

type ChannelType string

const (
	ChannelSMS  ChannelType = "sms"
	ChannelPush ChannelType = "push"
)

type MessageStatus string

const (
	MessageStatusQueued MessageStatus = "queued"
	MessageStatusSent   MessageStatus = "sent"
	MessageStatusFailed MessageStatus = "failed"
)

// IsTerminal reports whether no further status transition is allowed.
func (s MessageStatus) IsTerminal() bool {
	return s == MessageStatusSent || s == MessageStatusFailed
}

// Message records one channel delivery to one resolved recipient of a trigger.
type Message struct {
	ID            uuid.UUID
	TransactionID uuid.UUID
	Tenant        Tenant

	EventName    string
	SubscriberID string
	Channel      ChannelType

	Title   string
	Content string
	Payload map[string]string

	// Overrides tunes push delivery: "type" ("data" for data-only), "title", "body", "image".
	Overrides map[string]string

	Status            MessageStatus
	ProviderID        string
	ProviderMessageID string
	Error             string

	CreatedAt time.Time
	UpdatedAt time.Time
}
