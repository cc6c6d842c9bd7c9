package channel

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/owalmirneto/novu/internal/domain"
)

func sendEvent(recipient domain.ResolvedRecipient) domain.SendEvent {
	return domain.SendEvent{
		MessageID:     uuid.New(),
		TransactionID: uuid.New(),
		Tenant:        domain.Tenant{OrganizationID: uuid.New(), EnvironmentID: uuid.New()},
		Recipient:     recipient,
		CreatedAt:     time.Now().UTC(),
	}
}

func receive(t *testing.T, bus *EventBus) domain.SendEvent {
	t.Helper()
	select {
	case ev := <-bus.Channel():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event on channel")
		return domain.SendEvent{}
	}
}

func TestEventBus_DeliversInEmitOrder(t *testing.T) {
	bus := NewEventBus(3)
	ctx := context.Background()

	var sent []domain.SendEvent
	for _, id := range []string{"u1", "u2", "u3"} {
		ev := sendEvent(domain.ResolvedRecipient{SubscriberID: id})
		if err := bus.Emit(ctx, ev); err != nil {
			t.Fatalf("Emit(%s): %v", id, err)
		}
		sent = append(sent, ev)
	}

	for i, want := range sent {
		got := receive(t, bus)
		if got.MessageID != want.MessageID || got.Recipient.SubscriberID != want.Recipient.SubscriberID {
			t.Errorf("event %d = %s/%s, want %s/%s", i,
				got.MessageID, got.Recipient.SubscriberID, want.MessageID, want.Recipient.SubscriberID)
		}
	}
}

func TestEventBus_InlineProfileSurvivesUnchanged(t *testing.T) {
	var profile domain.SubscriberProfile
	raw := `{"subscriberId":"s1","phone":"+5511988887777","data":{"plan":"pro"},"channels":[{"providerId":"fcm"}],"tier":"gold"}`
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	ev := sendEvent(domain.ResolvedRecipient{SubscriberID: "s1", Profile: &profile})

	bus := NewEventBus(1)
	if err := bus.Emit(context.Background(), ev); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	got := receive(t, bus)

	if !reflect.DeepEqual(got, ev) {
		t.Fatalf("got %+v, want %+v", got, ev)
	}
	if got.Recipient.Phone() != "+5511988887777" {
		t.Errorf("Phone() = %q", got.Recipient.Phone())
	}
	if string(got.Recipient.Profile.Extra["channels"]) != `[{"providerId":"fcm"}]` {
		t.Errorf("channels = %s", got.Recipient.Profile.Extra["channels"])
	}
}

func TestEventBus_EmitFailures(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name    string
		ctx     context.Context
		timeout time.Duration
		want    error
	}{
		{"buffer stays full", context.Background(), 50 * time.Millisecond, ErrBufferFull},
		{"context cancelled", cancelled, 5 * time.Second, context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := &mockBusMetrics{}
			bus := NewEventBus(1, WithEmitTimeout(tt.timeout), WithMetrics(metrics))
			if err := bus.Emit(context.Background(), sendEvent(domain.ResolvedRecipient{SubscriberID: "first"})); err != nil {
				t.Fatalf("first Emit: %v", err)
			}

			err := bus.Emit(tt.ctx, sendEvent(domain.ResolvedRecipient{SubscriberID: "second"}))
			if !errors.Is(err, tt.want) {
				t.Errorf("Emit = %v, want %v", err, tt.want)
			}
			if n := metrics.emitErrorCount(); n != 1 {
				t.Errorf("EmitError calls = %d, want 1", n)
			}
		})
	}
}

func TestEventBus_ConcurrentProducers(t *testing.T) {
	const producers, perProducer = 8, 50
	bus := NewEventBus(producers * perProducer)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, producers*perProducer)
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := bus.Emit(ctx, sendEvent(domain.ResolvedRecipient{SubscriberID: uuid.NewString()})); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Emit: %v", err)
	}

	seen := make(map[uuid.UUID]struct{})
	for i := 0; i < producers*perProducer; i++ {
		seen[receive(t, bus).MessageID] = struct{}{}
	}
	if len(seen) != producers*perProducer {
		t.Errorf("received %d distinct events, want %d", len(seen), producers*perProducer)
	}
}

func TestEventBus_EmitTimeoutOption(t *testing.T) {
	if got := NewEventBus(1).emitTimeout; got != DefaultEmitTimeout {
		t.Errorf("default emitTimeout = %v, want %v", got, DefaultEmitTimeout)
	}
	if got := NewEventBus(1, WithEmitTimeout(time.Second)).emitTimeout; got != time.Second {
		t.Errorf("emitTimeout = %v, want 1s", got)
	}
}

type mockBusMetrics struct {
	mu         sync.Mutex
	capacity   []int
	sizes      []int
	emitErrors int
}

func (m *mockBusMetrics) BufferSizeUpdate(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizes = append(m.sizes, size)
}

func (m *mockBusMetrics) BufferCapacitySet(capacity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capacity = append(m.capacity, capacity)
}

func (m *mockBusMetrics) EmitError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitErrors++
}

func (m *mockBusMetrics) emitErrorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emitErrors
}

func TestEventBus_ReportsBufferMetrics(t *testing.T) {
	metrics := &mockBusMetrics{}
	bus := NewEventBus(4, WithMetrics(metrics))

	for i := 0; i < 2; i++ {
		if err := bus.Emit(context.Background(), sendEvent(domain.ResolvedRecipient{SubscriberID: "u1"})); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if !reflect.DeepEqual(metrics.capacity, []int{4}) {
		t.Errorf("capacity calls = %v, want [4]", metrics.capacity)
	}
	if !reflect.DeepEqual(metrics.sizes, []int{1, 2}) {
		t.Errorf("size calls = %v, want [1 2]", metrics.sizes)
	}
}
