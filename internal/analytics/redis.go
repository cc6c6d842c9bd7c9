// Package analytics keeps per-event trigger counters in Redis.
//
// Counters are bucketed by the configured window and expire after the
// retention period. Writes are best effort and never fail a trigger.
package analytics

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/owalmirneto/novu/internal/domain"
)

type RedisSink struct {
	client redis.Cmdable
	config domain.AnalyticsConfig
}

func NewRedisSink(client redis.Cmdable, config domain.AnalyticsConfig) *RedisSink {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.Retention < config.Window {
		config.Retention = config.Window
	}
	return &RedisSink{client: client, config: config}
}

// Record adds recipients to the event's counter for the bucket containing at.
func (s *RedisSink) Record(ctx context.Context, tenant domain.Tenant, eventName string, at time.Time, recipients int) {
	if err := s.Write(ctx, tenant, eventName, at, recipients); err != nil {
		log.Printf("analytics: event=%s record failed: %v", eventName, err)
	}
}

func (s *RedisSink) Write(ctx context.Context, tenant domain.Tenant, eventName string, at time.Time, recipients int) error {
	key := buildKey(tenant, eventName, at, s.config.Window)

	pipe := s.client.Pipeline()
	pipe.IncrBy(ctx, key, int64(recipients))
	pipe.Expire(ctx, key, s.config.Retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func buildKey(tenant domain.Tenant, eventName string, t time.Time, window time.Duration) string {
	bucket := truncateToBucket(t, window)
	return fmt.Sprintf("novu:analytics:o:%s:e:%s:%s:%s", tenant.OrganizationID, tenant.EnvironmentID, eventName, bucket)
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
