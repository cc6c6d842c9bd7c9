// Package channel provides the in-process event bus between the trigger
// service and the dispatcher.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/owalmirneto/novu/internal/domain"
)

// DefaultEmitTimeout bounds how long Emit waits for buffer space.
const DefaultEmitTimeout = 5 * time.Second

// ErrBufferFull is returned when the buffer stayed full for the whole emit timeout.
// The message remains queued in storage and is picked up by the reconciler.
var ErrBufferFull = errors.New("event bus buffer full")

// MetricsSink defines the interface for recording event bus metrics.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	EmitError()
}

type Option func(*EventBus)

// WithEmitTimeout overrides DefaultEmitTimeout.
func WithEmitTimeout(d time.Duration) Option {
	return func(b *EventBus) {
		b.emitTimeout = d
	}
}

// WithMetrics attaches a metrics sink to the bus.
func WithMetrics(sink MetricsSink) Option {
	return func(b *EventBus) {
		b.metrics = sink
	}
}

type EventBus struct {
	ch          chan domain.SendEvent
	emitTimeout time.Duration
	metrics     MetricsSink // optional, nil = disabled
}

func NewEventBus(buffer int, opts ...Option) *EventBus {
	b := &EventBus{
		ch:          make(chan domain.SendEvent, buffer),
		emitTimeout: DefaultEmitTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics != nil {
		b.metrics.BufferCapacitySet(buffer)
	}
	return b
}

// Emit buffers event for the dispatcher. It returns ErrBufferFull if no space
// frees up within the emit timeout, or ctx.Err() if ctx ends first.
func (b *EventBus) Emit(ctx context.Context, event domain.SendEvent) error {
	timer := time.NewTimer(b.emitTimeout)
	defer timer.Stop()

	select {
	case b.ch <- event:
		if b.metrics != nil {
			b.metrics.BufferSizeUpdate(len(b.ch))
		}
		return nil
	case <-ctx.Done():
		b.emitError()
		return ctx.Err()
	case <-timer.C:
		b.emitError()
		return ErrBufferFull
	}
}

func (b *EventBus) emitError() {
	if b.metrics != nil {
		b.metrics.EmitError()
	}
}

func (b *EventBus) Channel() <-chan domain.SendEvent {
	return b.ch
}
