package domain

import (
	"time"

	"github.com/google/uuid"
)

type Subscriber struct {
	ID     uuid.UUID
	Tenant Tenant

	SubscriberID string
	FirstName    string
	LastName     string
	Email        string
	Phone        string
	Avatar       string
	Locale       string
	DeviceTokens []string
	Data         map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}
