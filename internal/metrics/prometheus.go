package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Resolver metrics
	resolutionsTotal      prometheus.Counter
	resolutionErrorsTotal prometheus.Counter
	resolutionDuration    prometheus.Histogram
	resolvedRecipients    prometheus.Histogram
	topicLookupsTotal     *prometheus.CounterVec
	topicLookupDuration   prometheus.Histogram
	topicsSkippedTotal    prometheus.Counter

	// Trigger metrics
	triggersTotal       *prometheus.CounterVec
	messagesQueuedTotal prometheus.Counter
	duplicatesTotal     prometheus.Counter

	// Dispatcher metrics
	deliveryAttemptsTotal *prometheus.CounterVec
	deliveryOutcomesTotal *prometheus.CounterVec
	providerDuration      *prometheus.HistogramVec
	eventsInFlight        prometheus.Gauge

	// EventBus metrics
	bufferSize      prometheus.Gauge
	bufferCapacity  prometheus.Gauge
	emitErrorsTotal prometheus.Counter

	// Reconciler metrics
	orphanedMessages prometheus.Gauge

	// Leader election metrics
	isLeader         prometheus.Gauge
	leadershipLosses *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initResolverMetrics(reg)
	s.initTriggerMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initEventBusMetrics(reg)
	s.initReconcilerMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initResolverMetrics(reg prometheus.Registerer) {
	s.resolutionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "novu_resolver_resolutions_total",
		Help: "Total number of recipient resolutions.",
	})
	s.resolutionErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "novu_resolver_resolution_errors_total",
		Help: "Total number of recipient resolutions aborted by a lookup failure.",
	})
	s.resolutionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "novu_resolver_resolution_duration_seconds",
		Help:    "Duration of a recipient resolution in seconds, including topic lookups.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
	s.resolvedRecipients = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "novu_resolver_recipients",
		Help:    "Number of deduplicated recipients per resolution.",
		Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
	})
	s.topicLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "novu_resolver_topic_lookups_total",
		Help: "Total number of topic membership lookups.",
	}, []string{"result"})
	s.topicLookupDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "novu_resolver_topic_lookup_duration_seconds",
		Help:    "Topic membership lookup latency in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})
	s.topicsSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "novu_resolver_topics_skipped_total",
		Help: "Topic recipients dropped because topic notifications are disabled.",
	})

	s.register(reg, s.resolutionsTotal, "novu_resolver_resolutions_total")
	s.register(reg, s.resolutionErrorsTotal, "novu_resolver_resolution_errors_total")
	s.register(reg, s.resolutionDuration, "novu_resolver_resolution_duration_seconds")
	s.register(reg, s.resolvedRecipients, "novu_resolver_recipients")
	s.register(reg, s.topicLookupsTotal, "novu_resolver_topic_lookups_total")
	s.register(reg, s.topicLookupDuration, "novu_resolver_topic_lookup_duration_seconds")
	s.register(reg, s.topicsSkippedTotal, "novu_resolver_topics_skipped_total")
}

func (s *PrometheusSink) initTriggerMetrics(reg prometheus.Registerer) {
	s.triggersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "novu_trigger_requests_total",
		Help: "Total number of trigger requests by result.",
	}, []string{"result"})
	s.messagesQueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "novu_trigger_messages_queued_total",
		Help: "Total number of messages queued for dispatch.",
	})
	s.duplicatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "novu_trigger_duplicate_messages_total",
		Help: "Messages skipped because the transaction was already triggered for the recipient.",
	})

	s.register(reg, s.triggersTotal, "novu_trigger_requests_total")
	s.register(reg, s.messagesQueuedTotal, "novu_trigger_messages_queued_total")
	s.register(reg, s.duplicatesTotal, "novu_trigger_duplicate_messages_total")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.deliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "novu_dispatcher_delivery_attempts_total",
		Help: "Total number of provider delivery attempts.",
	}, []string{"provider", "status_class"})

	s.deliveryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "novu_dispatcher_delivery_outcomes_total",
		Help: "Total number of final delivery outcomes per message.",
	}, []string{"outcome"})

	s.providerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "novu_dispatcher_provider_duration_seconds",
		Help:    "Provider request latency in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"provider"})

	s.eventsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "novu_dispatcher_events_in_flight",
		Help: "Number of send events currently being processed.",
	})

	s.register(reg, s.deliveryAttemptsTotal, "novu_dispatcher_delivery_attempts_total")
	s.register(reg, s.deliveryOutcomesTotal, "novu_dispatcher_delivery_outcomes_total")
	s.register(reg, s.providerDuration, "novu_dispatcher_provider_duration_seconds")
	s.register(reg, s.eventsInFlight, "novu_dispatcher_events_in_flight")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "novu_eventbus_buffer_size",
		Help: "Current number of events in the event bus buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "novu_eventbus_buffer_capacity",
		Help: "Capacity of the event bus buffer.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "novu_eventbus_emit_errors_total",
		Help: "Total number of emit errors (context cancelled while buffer full).",
	})

	s.register(reg, s.bufferSize, "novu_eventbus_buffer_size")
	s.register(reg, s.bufferCapacity, "novu_eventbus_buffer_capacity")
	s.register(reg, s.emitErrorsTotal, "novu_eventbus_emit_errors_total")
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.orphanedMessages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "novu_reconciler_orphaned_messages",
		Help: "Queued messages found by the last reconciler cycle.",
	})

	s.register(reg, s.orphanedMessages, "novu_reconciler_orphaned_messages")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "novu_leader_is_leader",
		Help: "1 if this instance holds the reconciler leader lock, 0 otherwise.",
	})
	s.leadershipLosses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "novu_leader_losses_total",
		Help: "Total number of leadership losses by reason.",
	}, []string{"reason"})

	s.register(reg, s.isLeader, "novu_leader_is_leader")
	s.register(reg, s.leadershipLosses, "novu_leader_losses_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Resolver metrics implementation

func (s *PrometheusSink) ResolutionCompleted(duration time.Duration, recipients int, err error) {
	s.resolutionsTotal.Inc()
	s.resolutionDuration.Observe(duration.Seconds())
	if err != nil {
		s.resolutionErrorsTotal.Inc()
		return
	}
	s.resolvedRecipients.Observe(float64(recipients))
}

func (s *PrometheusSink) TopicLookupCompleted(duration time.Duration, members int, err error) {
	s.topicLookupDuration.Observe(duration.Seconds())
	switch {
	case err != nil:
		s.topicLookupsTotal.WithLabelValues("error").Inc()
	case members == 0:
		s.topicLookupsTotal.WithLabelValues("empty").Inc()
	default:
		s.topicLookupsTotal.WithLabelValues("ok").Inc()
	}
}

func (s *PrometheusSink) TopicsSkipped(count int) {
	s.topicsSkippedTotal.Add(float64(count))
}

// Trigger metrics implementation

func (s *PrometheusSink) TriggerCompleted(queued, duplicates int, err error) {
	if err != nil {
		s.triggersTotal.WithLabelValues("error").Inc()
		return
	}
	s.triggersTotal.WithLabelValues("ok").Inc()
	s.messagesQueuedTotal.Add(float64(queued))
	s.duplicatesTotal.Add(float64(duplicates))
}

// Dispatcher metrics implementation

func (s *PrometheusSink) DeliveryAttemptCompleted(provider string, statusClass string, duration time.Duration) {
	s.deliveryAttemptsTotal.WithLabelValues(provider, statusClass).Inc()
	s.providerDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(outcome string) {
	s.deliveryOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) EventsInFlightIncr() {
	s.eventsInFlight.Inc()
}

func (s *PrometheusSink) EventsInFlightDecr() {
	s.eventsInFlight.Dec()
}

// EventBus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Reconciler metrics implementation

func (s *PrometheusSink) OrphanedMessagesUpdate(count int) {
	s.orphanedMessages.Set(float64(count))
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
		return
	}
	s.isLeader.Set(0)
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leadershipLosses.WithLabelValues(reason).Inc()
}
