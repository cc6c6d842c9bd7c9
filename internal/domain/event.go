package domain

import (
	"time"

	"github.com/google/uuid"
)

// SendEvent is emitted for every queued message and consumed by the dispatcher.
type SendEvent struct {
	MessageID     uuid.UUID
	TransactionID uuid.UUID
	Tenant        Tenant

	// Recipient carries the inline profile when the trigger supplied one.
	// Events rebuilt from storage only know the subscriber id.
	Recipient ResolvedRecipient

	CreatedAt time.Time
}
