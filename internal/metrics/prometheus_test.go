package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	return sink, reg
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusSink_Registration(t *testing.T) {
	// Should not panic or error with a fresh registry.
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	if sink == nil {
		t.Fatal("NewPrometheusSink returned nil")
	}
}

func TestPrometheusSink_ResolutionCompleted(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.ResolutionCompleted(10*time.Millisecond, 4, nil)
	sink.ResolutionCompleted(10*time.Millisecond, 0, errors.New("storage unavailable"))

	if val := getCounterValue(t, reg, "novu_resolver_resolutions_total"); val != 2 {
		t.Errorf("resolutions_total = %v, want 2", val)
	}
	if val := getCounterValue(t, reg, "novu_resolver_resolution_errors_total"); val != 1 {
		t.Errorf("resolution_errors_total = %v, want 1", val)
	}
}

func TestPrometheusSink_TopicLookupLabels(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.TopicLookupCompleted(time.Millisecond, 3, nil)
	sink.TopicLookupCompleted(time.Millisecond, 0, nil)
	sink.TopicLookupCompleted(time.Millisecond, 0, nil)
	sink.TopicLookupCompleted(time.Millisecond, 0, errors.New("db error"))

	tests := map[string]float64{"ok": 1, "empty": 2, "error": 1}
	for result, want := range tests {
		got := getCounterVecValue(t, reg, "novu_resolver_topic_lookups_total", map[string]string{"result": result})
		if got != want {
			t.Errorf("result=%s = %v, want %v", result, got, want)
		}
	}
}

func TestPrometheusSink_TopicsSkipped(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.TopicsSkipped(2)
	sink.TopicsSkipped(1)

	if val := getCounterValue(t, reg, "novu_resolver_topics_skipped_total"); val != 3 {
		t.Errorf("topics_skipped_total = %v, want 3", val)
	}
}

func TestPrometheusSink_TriggerCompleted(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.TriggerCompleted(3, 1, nil)
	sink.TriggerCompleted(0, 0, errors.New("lookup failed"))

	if val := getCounterVecValue(t, reg, "novu_trigger_requests_total", map[string]string{"result": "ok"}); val != 1 {
		t.Errorf("result=ok = %v, want 1", val)
	}
	if val := getCounterVecValue(t, reg, "novu_trigger_requests_total", map[string]string{"result": "error"}); val != 1 {
		t.Errorf("result=error = %v, want 1", val)
	}
	if val := getCounterValue(t, reg, "novu_trigger_messages_queued_total"); val != 3 {
		t.Errorf("messages_queued_total = %v, want 3", val)
	}
	if val := getCounterValue(t, reg, "novu_trigger_duplicate_messages_total"); val != 1 {
		t.Errorf("duplicate_messages_total = %v, want 1", val)
	}
}

func TestPrometheusSink_DeliveryAttemptLabels(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DeliveryAttemptCompleted("sinch-sms", "2xx", 100*time.Millisecond)
	sink.DeliveryAttemptCompleted("fcm", "5xx", 200*time.Millisecond)

	val1 := getCounterVecValue(t, reg, "novu_dispatcher_delivery_attempts_total",
		map[string]string{"provider": "sinch-sms", "status_class": "2xx"})
	if val1 != 1 {
		t.Errorf("provider=sinch-sms,status=2xx = %v, want 1", val1)
	}

	val2 := getCounterVecValue(t, reg, "novu_dispatcher_delivery_attempts_total",
		map[string]string{"provider": "fcm", "status_class": "5xx"})
	if val2 != 1 {
		t.Errorf("provider=fcm,status=5xx = %v, want 1", val2)
	}
}

func TestPrometheusSink_DeliveryOutcome(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DeliveryOutcome(OutcomeSent)
	sink.DeliveryOutcome(OutcomeFailed)
	sink.DeliveryOutcome(OutcomeSent)

	sentVal := getCounterVecValue(t, reg, "novu_dispatcher_delivery_outcomes_total",
		map[string]string{"outcome": "sent"})
	if sentVal != 2 {
		t.Errorf("outcome=sent = %v, want 2", sentVal)
	}

	failedVal := getCounterVecValue(t, reg, "novu_dispatcher_delivery_outcomes_total",
		map[string]string{"outcome": "failed"})
	if failedVal != 1 {
		t.Errorf("outcome=failed = %v, want 1", failedVal)
	}
}

func TestPrometheusSink_EventsInFlight(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.EventsInFlightIncr()
	sink.EventsInFlightIncr()
	sink.EventsInFlightDecr()

	val := getGaugeValue(t, reg, "novu_dispatcher_events_in_flight")
	if val != 1 {
		t.Errorf("events_in_flight = %v, want 1", val)
	}
}

func TestPrometheusSink_BufferMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.BufferCapacitySet(100)
	sink.BufferSizeUpdate(42)
	sink.EmitError()

	if capVal := getGaugeValue(t, reg, "novu_eventbus_buffer_capacity"); capVal != 100 {
		t.Errorf("buffer_capacity = %v, want 100", capVal)
	}
	if sizeVal := getGaugeValue(t, reg, "novu_eventbus_buffer_size"); sizeVal != 42 {
		t.Errorf("buffer_size = %v, want 42", sizeVal)
	}
	if errVal := getCounterValue(t, reg, "novu_eventbus_emit_errors_total"); errVal != 1 {
		t.Errorf("emit_errors_total = %v, want 1", errVal)
	}
}

func TestPrometheusSink_OrphanedMessages(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.OrphanedMessagesUpdate(7)

	if val := getGaugeValue(t, reg, "novu_reconciler_orphaned_messages"); val != 7 {
		t.Errorf("orphaned_messages = %v, want 7", val)
	}
}

func TestPrometheusSink_LeaderMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.LeaderStatusChanged(true)
	if val := getGaugeValue(t, reg, "novu_leader_is_leader"); val != 1 {
		t.Errorf("is_leader = %v, want 1", val)
	}

	sink.LeaderStatusChanged(false)
	sink.LeaderLost("conn_lost")
	if val := getGaugeValue(t, reg, "novu_leader_is_leader"); val != 0 {
		t.Errorf("is_leader = %v, want 0", val)
	}
	if val := getCounterVecValue(t, reg, "novu_leader_losses_total", map[string]string{"reason": "conn_lost"}); val != 1 {
		t.Errorf("losses{conn_lost} = %v, want 1", val)
	}
}

func TestPrometheusSink_DuplicateRegistration_NoPanic(t *testing.T) {
	// Registering metrics twice with the same registry should not panic.
	// The second registration will fail, but should be handled gracefully.
	reg := prometheus.NewRegistry()

	sink1 := NewPrometheusSink(reg)
	if sink1 == nil {
		t.Fatal("first NewPrometheusSink returned nil")
	}

	// Second registration will fail for all metrics, but should not panic.
	sink2 := NewPrometheusSink(reg)
	if sink2 == nil {
		t.Fatal("second NewPrometheusSink returned nil")
	}
}

// Verify PrometheusSink implements Sink interface.
var _ Sink = (*PrometheusSink)(nil)
