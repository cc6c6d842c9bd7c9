// Package trigger accepts a notification event, resolves its recipients and
// queues one message per recipient for the dispatcher.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/owalmirneto/novu/internal/domain"
)

// ErrDuplicateMessage is returned by Store.InsertMessage when the transaction
// already produced a message for the subscriber on the channel.
var ErrDuplicateMessage = errors.New("message already exists")

type Resolver interface {
	Resolve(ctx context.Context, req domain.ResolutionRequest) ([]domain.ResolvedRecipient, error)
}

type Store interface {
	// InsertMessage MUST return ErrDuplicateMessage for an existing
	// (environment, transaction, subscriber, channel) key.
	InsertMessage(ctx context.Context, msg domain.Message) error
	UpsertSubscriber(ctx context.Context, sub domain.Subscriber) (domain.Subscriber, error)
}

type EventEmitter interface {
	Emit(ctx context.Context, event domain.SendEvent) error
}

// AnalyticsSink counts triggered recipients. Best effort; errors are handled by the sink.
type AnalyticsSink interface {
	Record(ctx context.Context, tenant domain.Tenant, eventName string, at time.Time, recipients int)
}

// MetricsSink defines the interface for recording trigger metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	TriggerCompleted(queued, duplicates int, err error)
}

type Command struct {
	Tenant        domain.Tenant
	TransactionID uuid.UUID // uuid.Nil generates one
	UserID        string

	EventName string
	Channel   domain.ChannelType
	Title     string
	Content   string
	Payload   map[string]string
	Overrides map[string]string

	Recipients []domain.RecipientSpec
}

type Result struct {
	TransactionID uuid.UUID
	Recipients    []domain.ResolvedRecipient
	Queued        int
	Duplicates    int
}

type Service struct {
	resolver  Resolver
	store     Store
	emitter   EventEmitter
	analytics AnalyticsSink // optional, nil = disabled
	metrics   MetricsSink   // optional, nil = disabled
	clock     func() time.Time
}

func New(resolver Resolver, store Store, emitter EventEmitter) *Service {
	return &Service{
		resolver: resolver,
		store:    store,
		emitter:  emitter,
		clock:    time.Now,
	}
}

func (s *Service) WithAnalytics(sink AnalyticsSink) *Service {
	s.analytics = sink
	return s
}

// WithMetrics attaches a metrics sink to the service.
func (s *Service) WithMetrics(sink MetricsSink) *Service {
	s.metrics = sink
	return s
}

// WithClock replaces the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.clock = now
	return s
}

// Trigger resolves cmd's recipients and queues a message for each.
//
// A resolution failure aborts before anything is written. Inline profiles are
// then upserted one at a time, before any message is inserted; if an upsert
// fails the trigger returns an error with no messages queued, and profiles
// upserted earlier in the same call stay stored. Upserts are idempotent, so a
// retry of the same transaction converges. Replaying a transaction skips
// recipients that already have a message. Events that fail to emit stay queued
// and are picked up by the reconciler.
func (s *Service) Trigger(ctx context.Context, cmd Command) (Result, error) {
	res, err := s.trigger(ctx, cmd)
	if s.metrics != nil {
		s.metrics.TriggerCompleted(res.Queued, res.Duplicates, err)
	}
	return res, err
}

func (s *Service) trigger(ctx context.Context, cmd Command) (Result, error) {
	txID := cmd.TransactionID
	if txID == uuid.Nil {
		txID = uuid.New()
	}
	res := Result{TransactionID: txID}

	recipients, err := s.resolver.Resolve(ctx, domain.ResolutionRequest{
		Tenant:        cmd.Tenant,
		TransactionID: txID,
		UserID:        cmd.UserID,
		Recipients:    cmd.Recipients,
	})
	if err != nil {
		return res, fmt.Errorf("resolve recipients: %w", err)
	}
	res.Recipients = recipients

	for _, r := range recipients {
		if r.Profile == nil {
			continue
		}
		if _, err := s.store.UpsertSubscriber(ctx, subscriberFromProfile(cmd.Tenant, *r.Profile)); err != nil {
			return res, fmt.Errorf("upsert subscriber %s: %w", r.SubscriberID, err)
		}
	}

	now := s.clock().UTC()
	var events []domain.SendEvent
	for _, r := range recipients {
		msg := domain.Message{
			ID:            uuid.New(),
			TransactionID: txID,
			Tenant:        cmd.Tenant,
			EventName:     cmd.EventName,
			SubscriberID:  r.SubscriberID,
			Channel:       cmd.Channel,
			Title:         cmd.Title,
			Content:       cmd.Content,
			Payload:       cmd.Payload,
			Overrides:     cmd.Overrides,
			Status:        domain.MessageStatusQueued,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		if err := s.store.InsertMessage(ctx, msg); err != nil {
			if errors.Is(err, ErrDuplicateMessage) {
				res.Duplicates++
				continue
			}
			return res, fmt.Errorf("insert message: %w", err)
		}
		res.Queued++

		events = append(events, domain.SendEvent{
			MessageID:     msg.ID,
			TransactionID: txID,
			Tenant:        cmd.Tenant,
			Recipient:     r,
			CreatedAt:     now,
		})
	}

	for _, ev := range events {
		if err := s.emitter.Emit(ctx, ev); err != nil {
			// Message stays queued; the reconciler re-emits it.
			log.Printf("trigger: transaction=%s message=%s emit failed: %v", txID, ev.MessageID, err)
		}
	}

	if s.analytics != nil && res.Queued > 0 {
		s.analytics.Record(ctx, cmd.Tenant, cmd.EventName, now, res.Queued)
	}

	log.Printf("trigger: transaction=%s event=%s recipients=%d queued=%d duplicates=%d",
		txID, cmd.EventName, len(recipients), res.Queued, res.Duplicates)
	return res, nil
}

func subscriberFromProfile(tenant domain.Tenant, p domain.SubscriberProfile) domain.Subscriber {
	return domain.Subscriber{
		Tenant:       tenant,
		SubscriberID: p.SubscriberID,
		FirstName:    p.FirstName,
		LastName:     p.LastName,
		Email:        p.Email,
		Phone:        p.Phone,
		Avatar:       p.Avatar,
		Locale:       p.Locale,
		Data:         p.Data,
	}
}
