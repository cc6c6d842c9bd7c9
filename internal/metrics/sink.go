package metrics

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Resolver metrics
	ResolutionCompleted(duration time.Duration, recipients int, err error)
	TopicLookupCompleted(duration time.Duration, members int, err error)
	TopicsSkipped(count int)

	// Trigger metrics
	TriggerCompleted(queued, duplicates int, err error)

	// Dispatcher metrics
	DeliveryAttemptCompleted(provider string, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	EventsInFlightIncr()
	EventsInFlightDecr()

	// EventBus metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	EmitError()

	// Reconciler metrics
	OrphanedMessagesUpdate(count int)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderLost(reason string)
}

// Outcome constants for DeliveryOutcome metric.
const (
	OutcomeSent        = "sent"
	OutcomeFailed      = "failed"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeNoTarget    = "no_target"
)

// StatusClass constants for DeliveryAttemptCompleted metric.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a provider call outcome to a status class. A known HTTP
// status wins over the error text, so a rejected request is still 4xx or 5xx.
func ClassifyStatus(statusCode int, err error) string {
	if statusCode > 0 {
		switch {
		case statusCode >= 200 && statusCode < 300 && err == nil:
			return StatusClass2xx
		case statusCode >= 400 && statusCode < 500:
			return StatusClass4xx
		case statusCode >= 500:
			return StatusClass5xx
		}
		if err == nil {
			return StatusClassOtherError
		}
	}
	if err == nil {
		return StatusClassOtherError
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return StatusClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StatusClassTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return StatusClassConnectionError
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return StatusClassTimeout
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"), strings.Contains(msg, "dial"):
		return StatusClassConnectionError
	}
	return StatusClassOtherError
}
