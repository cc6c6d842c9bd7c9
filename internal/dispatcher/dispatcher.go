package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/owalmirneto/novu/internal/domain"
	"github.com/owalmirneto/novu/internal/metrics"
	"github.com/owalmirneto/novu/internal/providers"
)

// ErrStatusTransitionDenied is returned when a status update would regress
// from a terminal state (sent/failed).
var ErrStatusTransitionDenied = errors.New("status transition denied: message already in terminal state")

// DefaultProviderTimeout bounds a single provider call.
const DefaultProviderTimeout = 30 * time.Second

type Store interface {
	GetMessage(ctx context.Context, id uuid.UUID) (domain.Message, error)
	GetSubscriber(ctx context.Context, tenant domain.Tenant, subscriberID string) (domain.Subscriber, error)
	// UpdateMessageStatus records the delivery outcome. Implementations MUST
	// reject transitions from terminal states (sent/failed) and return
	// ErrStatusTransitionDenied. This ensures idempotency on replay.
	UpdateMessageStatus(ctx context.Context, id uuid.UUID, delivery Delivery) error
}

// Delivery is the outcome written back to a message.
type Delivery struct {
	Status            domain.MessageStatus
	ProviderID        string
	ProviderMessageID string
	Error             string
	At                time.Time
}

// CircuitBreaker gates calls per provider id.
type CircuitBreaker interface {
	Allow(provider string) error
	RecordSuccess(provider string)
	RecordFailure(provider string)
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	DeliveryAttemptCompleted(provider string, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	EventsInFlightIncr()
	EventsInFlightDecr()
}

type Dispatcher struct {
	store   Store
	sms     providers.SMSProvider  // optional, nil = sms disabled
	push    providers.PushProvider // optional, nil = push disabled
	breaker CircuitBreaker         // optional, nil = disabled
	metrics MetricsSink            // optional, nil = disabled
	timeout time.Duration
	drain   time.Duration
	clock   func() time.Time
}

func New(store Store) *Dispatcher {
	return &Dispatcher{
		store:   store,
		timeout: DefaultProviderTimeout,
		drain:   DrainTimeout,
		clock:   time.Now,
	}
}

func (d *Dispatcher) WithSMSProvider(p providers.SMSProvider) *Dispatcher {
	d.sms = p
	return d
}

func (d *Dispatcher) WithPushProvider(p providers.PushProvider) *Dispatcher {
	d.push = p
	return d
}

func (d *Dispatcher) WithCircuitBreaker(cb CircuitBreaker) *Dispatcher {
	d.breaker = cb
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

func (d *Dispatcher) WithProviderTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.timeout = timeout
	}
	return d
}

func (d *Dispatcher) WithDrainTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.drain = timeout
	}
	return d
}

// Run processes events from the channel until context is cancelled.
// After cancellation, it drains remaining buffered events with a timeout.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan domain.SendEvent) {
	for {
		select {
		case <-ctx.Done():
			d.drainBuffered(ch)
			return
		case event := <-ch:
			if err := d.Dispatch(ctx, event); err != nil {
				log.Printf("dispatcher: error: %v", err)
			}
		}
	}
}

// DrainTimeout is the default maximum time to wait for buffered events during shutdown.
const DrainTimeout = 30 * time.Second

// drainBuffered processes remaining events in the channel buffer after shutdown signal.
// Uses a background context since the main context is already cancelled.
func (d *Dispatcher) drainBuffered(ch <-chan domain.SendEvent) {
	drainCtx, cancel := context.WithTimeout(context.Background(), d.drain)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			if count > 0 {
				log.Printf("dispatcher: drain timeout, processed %d events", count)
			}
			return
		case event, ok := <-ch:
			if !ok {
				log.Printf("dispatcher: drain complete, processed %d events", count)
				return
			}
			if err := d.Dispatch(drainCtx, event); err != nil {
				log.Printf("dispatcher: drain error: %v", err)
			}
			count++
		default:
			if count > 0 {
				log.Printf("dispatcher: drain complete, processed %d events", count)
			}
			return
		}
	}
}

// Dispatch delivers one queued message through the configured provider.
// There is exactly one provider call; its outcome is final.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.SendEvent) error {
	if d.metrics != nil {
		d.metrics.EventsInFlightIncr()
		defer d.metrics.EventsInFlightDecr()
	}

	msg, err := d.store.GetMessage(ctx, event.MessageID)
	if err != nil {
		return fmt.Errorf("get message %s: %w", event.MessageID, err)
	}
	if msg.Status.IsTerminal() {
		log.Printf("dispatcher: message=%s already %s, skipping", msg.ID, msg.Status)
		return nil
	}

	switch msg.Channel {
	case domain.ChannelSMS:
		return d.dispatchSMS(ctx, event, msg)
	case domain.ChannelPush:
		return d.dispatchPush(ctx, msg)
	default:
		return d.fail(ctx, msg, "", metrics.OutcomeFailed, fmt.Sprintf("unsupported channel %q", msg.Channel))
	}
}

func (d *Dispatcher) dispatchSMS(ctx context.Context, event domain.SendEvent, msg domain.Message) error {
	if d.sms == nil {
		return d.fail(ctx, msg, "", metrics.OutcomeFailed, "no sms provider configured")
	}
	providerID := d.sms.ID()

	phone := event.Recipient.Phone()
	if phone == "" {
		sub, err := d.subscriber(ctx, msg)
		if err != nil {
			return err
		}
		phone = sub.Phone
	}
	if phone == "" {
		return d.fail(ctx, msg, providerID, metrics.OutcomeNoTarget, "subscriber has no phone number")
	}

	return d.send(ctx, msg, providerID, func(ctx context.Context) (providers.SendResult, error) {
		return d.sms.SendMessage(ctx, providers.SMSOptions{To: phone, Content: msg.Content})
	})
}

func (d *Dispatcher) dispatchPush(ctx context.Context, msg domain.Message) error {
	if d.push == nil {
		return d.fail(ctx, msg, "", metrics.OutcomeFailed, "no push provider configured")
	}
	providerID := d.push.ID()

	sub, err := d.subscriber(ctx, msg)
	if err != nil {
		return err
	}
	if len(sub.DeviceTokens) == 0 {
		return d.fail(ctx, msg, providerID, metrics.OutcomeNoTarget, "subscriber has no device tokens")
	}

	opts := providers.PushOptions{
		Target:  sub.DeviceTokens,
		Title:   msg.Title,
		Content: msg.Content,
		Payload: msg.Payload,
		Overrides: providers.PushOverrides{
			Type:  msg.Overrides["type"],
			Title: msg.Overrides["title"],
			Body:  msg.Overrides["body"],
			Image: msg.Overrides["image"],
			Data:  msg.Payload,
		},
	}
	return d.send(ctx, msg, providerID, func(ctx context.Context) (providers.SendResult, error) {
		return d.push.SendMessage(ctx, opts)
	})
}

// subscriber loads the stored subscriber. A missing subscriber fails the
// message; other store errors are returned so the message stays queued.
func (d *Dispatcher) subscriber(ctx context.Context, msg domain.Message) (domain.Subscriber, error) {
	sub, err := d.store.GetSubscriber(ctx, msg.Tenant, msg.SubscriberID)
	if errors.Is(err, domain.ErrSubscriberNotFound) {
		return domain.Subscriber{}, nil
	}
	if err != nil {
		return domain.Subscriber{}, fmt.Errorf("get subscriber %s: %w", msg.SubscriberID, err)
	}
	return sub, nil
}

func (d *Dispatcher) send(ctx context.Context, msg domain.Message, providerID string, call func(context.Context) (providers.SendResult, error)) error {
	if d.breaker != nil {
		if err := d.breaker.Allow(providerID); err != nil {
			log.Printf("dispatcher: message=%s provider=%s circuit open", msg.ID, providerID)
			return d.fail(ctx, msg, providerID, metrics.OutcomeCircuitOpen, err.Error())
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	start := time.Now()
	result, err := call(callCtx)
	duration := time.Since(start)
	cancel()

	statusCode := providers.StatusCode(err)
	if err == nil {
		statusCode = 200
	}
	if d.metrics != nil {
		d.metrics.DeliveryAttemptCompleted(providerID, metrics.ClassifyStatus(statusCode, err), duration)
	}

	if d.breaker != nil {
		if countsAgainstProvider(statusCode, err) {
			d.breaker.RecordFailure(providerID)
		} else {
			d.breaker.RecordSuccess(providerID)
		}
	}

	if err != nil {
		log.Printf("dispatcher: message=%s provider=%s failed status=%d err=%v", msg.ID, providerID, statusCode, err)
		return d.fail(ctx, msg, providerID, metrics.OutcomeFailed, err.Error())
	}

	log.Printf("dispatcher: message=%s provider=%s sent duration=%s", msg.ID, providerID, duration)
	if d.metrics != nil {
		d.metrics.DeliveryOutcome(metrics.OutcomeSent)
	}
	return d.finish(ctx, msg, Delivery{
		Status:            domain.MessageStatusSent,
		ProviderID:        providerID,
		ProviderMessageID: strings.Join(result.IDs, ","),
		At:                d.clock().UTC(),
	})
}

// countsAgainstProvider reports whether a call outcome signals an unhealthy
// provider rather than a bad request.
func countsAgainstProvider(statusCode int, err error) bool {
	if err == nil {
		return false
	}
	return statusCode == 0 || statusCode == 429 || statusCode >= 500
}

func (d *Dispatcher) fail(ctx context.Context, msg domain.Message, providerID, outcome, reason string) error {
	if d.metrics != nil {
		d.metrics.DeliveryOutcome(outcome)
	}
	if outcome != metrics.OutcomeFailed {
		log.Printf("dispatcher: message=%s subscriber=%s not sent: %s", msg.ID, msg.SubscriberID, reason)
	}
	return d.finish(ctx, msg, Delivery{
		Status:     domain.MessageStatusFailed,
		ProviderID: providerID,
		Error:      reason,
		At:         d.clock().UTC(),
	})
}

func (d *Dispatcher) finish(ctx context.Context, msg domain.Message, delivery Delivery) error {
	if err := d.store.UpdateMessageStatus(ctx, msg.ID, delivery); err != nil {
		if errors.Is(err, ErrStatusTransitionDenied) {
			// Message already in terminal state (likely reprocessing). Safe to ignore.
			log.Printf("dispatcher: message=%s already terminal, skipping status update", msg.ID)
			return nil
		}
		return fmt.Errorf("update message %s: %w", msg.ID, err)
	}
	return nil
}
