// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/owalmirneto/novu/internal/domain"
)

// FakeClock is a manually driven clock. Its Now method can be passed
// anywhere a func() time.Time is expected.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set jumps the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Context returns a context that expires after five seconds or when the
// test ends, whichever comes first.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// NewTenant returns a tenant with random organization and environment ids.
func NewTenant() domain.Tenant {
	return domain.Tenant{OrganizationID: uuid.New(), EnvironmentID: uuid.New()}
}

// FixedTenant builds a tenant from literal ids. It panics on a malformed id.
func FixedTenant(organizationID, environmentID string) domain.Tenant {
	return domain.Tenant{
		OrganizationID: uuid.MustParse(organizationID),
		EnvironmentID:  uuid.MustParse(environmentID),
	}
}
