package domain

import "github.com/google/uuid"

// Tenant scopes every subscriber, topic and message lookup.
type Tenant struct {
	OrganizationID uuid.UUID
	EnvironmentID  uuid.UUID
}

func (t Tenant) IsZero() bool {
	return t.OrganizationID == uuid.Nil && t.EnvironmentID == uuid.Nil
}
