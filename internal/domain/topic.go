package domain

import (
	"time"

	"github.com/google/uuid"
)

// Topic is a named, tenant-scoped group of subscribers.
type Topic struct {
	ID     uuid.UUID
	Tenant Tenant

	Key  string
	Name string

	// Subscribers holds external subscriber ids, populated on reads only.
	Subscribers []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MembershipChange reports the outcome of adding subscribers to a topic.
// NotFound lists ids with no subscriber record in the tenant.
type MembershipChange struct {
	Succeeded []string
	NotFound  []string
}
