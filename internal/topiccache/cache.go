// Package topiccache fronts topic membership lookups with a Redis read-through cache.
//
// Redis is an optimization only: any cache error falls through to the
// underlying lookup, whose errors are returned unchanged.
package topiccache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/owalmirneto/novu/internal/domain"
	"github.com/owalmirneto/novu/internal/recipients"
)

// Client is the subset of the go-redis API the cache uses.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type Cache struct {
	client Client
	next   recipients.MembershipLookup
	ttl    time.Duration
}

var _ recipients.MembershipLookup = (*Cache)(nil)

// New wraps next. A ttl <= 0 disables caching.
func New(client Client, next recipients.MembershipLookup, ttl time.Duration) *Cache {
	return &Cache{client: client, next: next, ttl: ttl}
}

func (c *Cache) LookupMembers(ctx context.Context, tenant domain.Tenant, topicKey string) ([]string, error) {
	if c.ttl <= 0 || c.client == nil {
		return c.next.LookupMembers(ctx, tenant, topicKey)
	}

	key := cacheKey(tenant, topicKey)
	if members, ok := c.get(ctx, key); ok {
		return members, nil
	}

	members, err := c.next.LookupMembers(ctx, tenant, topicKey)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(members)
	if err == nil {
		err = c.client.Set(ctx, key, payload, c.ttl).Err()
	}
	if err != nil {
		log.Printf("topiccache: set %s: %v", key, err)
	}
	return members, nil
}

func (c *Cache) get(ctx context.Context, key string) ([]string, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		log.Printf("topiccache: get %s: %v", key, err)
		return nil, false
	}

	members := []string{}
	if err := json.Unmarshal(raw, &members); err != nil {
		log.Printf("topiccache: corrupt entry %s: %v", key, err)
		return nil, false
	}
	return members, true
}

// Invalidate drops the cached membership of a topic after it changed.
func (c *Cache) Invalidate(ctx context.Context, tenant domain.Tenant, topicKey string) error {
	if c.ttl <= 0 || c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, cacheKey(tenant, topicKey)).Err(); err != nil {
		return fmt.Errorf("invalidate topic %s: %w", topicKey, err)
	}
	return nil
}

func cacheKey(tenant domain.Tenant, topicKey string) string {
	return fmt.Sprintf("novu:topic:%s:%s:%s", tenant.OrganizationID, tenant.EnvironmentID, topicKey)
}
