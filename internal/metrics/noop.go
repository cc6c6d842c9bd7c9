package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) ResolutionCompleted(duration time.Duration, recipients int, err error)  {}
func (n *NoopSink) TopicLookupCompleted(duration time.Duration, members int, err error)    {}
func (n *NoopSink) TopicsSkipped(count int)                                                {}
func (n *NoopSink) TriggerCompleted(queued, duplicates int, err error)                     {}
func (n *NoopSink) DeliveryAttemptCompleted(provider, statusClass string, d time.Duration) {}
func (n *NoopSink) DeliveryOutcome(outcome string)                                         {}
func (n *NoopSink) EventsInFlightIncr()                                                    {}
func (n *NoopSink) EventsInFlightDecr()                                                    {}
func (n *NoopSink) BufferSizeUpdate(size int)                                              {}
func (n *NoopSink) BufferCapacitySet(capacity int)                                         {}
func (n *NoopSink) EmitError()                                                             {}
func (n *NoopSink) OrphanedMessagesUpdate(count int)                                       {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                                      {}
func (n *NoopSink) LeaderLost(reason string)                                               {}
