// Package reconciler re-emits messages that never reached the dispatcher.
//
// A message is orphaned when it is still 'queued' well after it was created:
// its send event was lost to a full buffer or a crash. Each scheduled cycle
// re-emits a bounded batch of orphans. Replays are safe because the dispatcher
// skips messages that are already terminal.
package reconciler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/owalmirneto/novu/internal/domain"
)

// Store defines the interface for fetching orphaned messages.
type Store interface {
	GetOrphanedMessages(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.Message, error)
}

// EventEmitter defines the interface for emitting send events.
type EventEmitter interface {
	Emit(ctx context.Context, event domain.SendEvent) error
}

// MetricsSink defines the interface for recording reconciler metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	OrphanedMessagesUpdate(count int)
}

// Config holds reconciler configuration.
type Config struct {
	// Schedule is a cron spec or descriptor ("@every 5m", "*/5 * * * *").
	// Default: @every 5m.
	Schedule string

	// Threshold is the age after which a queued message is considered orphaned.
	// Default: 10 minutes.
	Threshold time.Duration

	// BatchSize is the maximum number of orphans to process per cycle.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Schedule:  "@every 5m",
		Threshold: 10 * time.Minute,
		BatchSize: 100,
	}
}

// ParseSchedule validates a reconciler schedule.
func ParseSchedule(spec string) (cron.Schedule, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return schedule, nil
}

// Reconciler detects orphaned messages and re-emits them.
type Reconciler struct {
	config  Config
	store   Store
	emitter EventEmitter
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
}

// New creates a new Reconciler.
func New(config Config, store Store, emitter EventEmitter) *Reconciler {
	return &Reconciler{
		config:  config,
		store:   store,
		emitter: emitter,
		clock:   time.Now,
	}
}

// WithMetrics attaches a metrics sink to the reconciler.
func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// Run runs one cycle immediately, then one per scheduled tick, until ctx is
// cancelled. Overlapping cycles are skipped. It returns after the in-flight
// cycle has finished.
func (r *Reconciler) Run(ctx context.Context) error {
	schedule, err := ParseSchedule(r.config.Schedule)
	if err != nil {
		return err
	}

	logger := cron.PrintfLogger(log.New(log.Writer(), "reconciler: ", log.Flags()))
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(schedule, cron.FuncJob(func() { r.runCycle(ctx) }))

	log.Printf("reconciler: started (schedule=%q, threshold=%s, batch=%d)",
		r.config.Schedule, r.config.Threshold, r.config.BatchSize)

	r.runCycle(ctx)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	log.Println("reconciler: stopped")
	return nil
}

// runCycle executes one reconciliation cycle.
func (r *Reconciler) runCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	now := r.clock().UTC()
	threshold := now.Add(-r.config.Threshold)

	orphans, err := r.store.GetOrphanedMessages(ctx, threshold, r.config.BatchSize)
	if err != nil {
		// DB error: log and abort cycle. Will retry next tick.
		log.Printf("reconciler: failed to fetch orphans: %v", err)
		return
	}

	if r.metrics != nil {
		r.metrics.OrphanedMessagesUpdate(len(orphans))
	}
	if len(orphans) == 0 {
		return
	}

	log.Printf("reconciler: found %d orphaned messages", len(orphans))

	emitted := 0
	failed := 0

	for _, msg := range orphans {
		// Check context before each emit to allow graceful shutdown
		if ctx.Err() != nil {
			log.Printf("reconciler: cycle interrupted, processed %d/%d orphans", emitted+failed, len(orphans))
			return
		}

		// The inline profile is gone; the dispatcher falls back to the stored subscriber.
		event := domain.SendEvent{
			MessageID:     msg.ID,
			TransactionID: msg.TransactionID,
			Tenant:        msg.Tenant,
			Recipient:     domain.ResolvedRecipient{SubscriberID: msg.SubscriberID},
			CreatedAt:     now,
		}

		if err := r.emitter.Emit(ctx, event); err != nil {
			log.Printf("reconciler: failed to re-emit message=%s transaction=%s: %v",
				msg.ID, msg.TransactionID, err)
			failed++
			continue
		}

		log.Printf("reconciler: re-emitted message=%s transaction=%s subscriber=%s (age=%s)",
			msg.ID, msg.TransactionID, msg.SubscriberID, now.Sub(msg.CreatedAt).Round(time.Second))
		emitted++
	}

	log.Printf("reconciler: cycle complete, re-emitted=%d, failed=%d", emitted, failed)
}
