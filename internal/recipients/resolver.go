// Package recipients turns the mixed recipient list of a trigger into an
// ordered, deduplicated list of send targets.
//
// Directly named subscribers (bare ids and inline profiles) always take
// precedence over subscribers discovered through topic expansion: the direct
// class is merged first, so an inline profile is never replaced by the bare id
// a topic produces for the same subscriber. Within the merged sequence the
// first occurrence of a subscriber id wins.
package recipients

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/owalmirneto/novu/internal/domain"
)

// DefaultLookupConcurrency bounds the number of in-flight topic lookups per resolution.
const DefaultLookupConcurrency = 8

// MembershipLookup returns the external subscriber ids of a topic.
// Implementations MUST return an empty slice and no error for an unknown key.
type MembershipLookup interface {
	LookupMembers(ctx context.Context, tenant domain.Tenant, topicKey string) ([]string, error)
}

// MetricsSink defines the interface for recording resolution metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	ResolutionCompleted(duration time.Duration, recipients int, err error)
	TopicLookupCompleted(duration time.Duration, members int, err error)
	TopicsSkipped(count int)
}

type Resolver struct {
	lookup      MembershipLookup
	enabled     func() bool
	concurrency int
	metrics     MetricsSink // optional, nil = disabled
}

// New creates a resolver. enabled reports whether topic expansion is allowed;
// it is read once per Resolve call.
func New(lookup MembershipLookup, enabled func() bool) *Resolver {
	return &Resolver{
		lookup:      lookup,
		enabled:     enabled,
		concurrency: DefaultLookupConcurrency,
	}
}

// WithConcurrency sets the maximum number of concurrent topic lookups.
func (r *Resolver) WithConcurrency(n int) *Resolver {
	if n > 0 {
		r.concurrency = n
	}
	return r
}

// WithMetrics attaches a metrics sink to the resolver.
func (r *Resolver) WithMetrics(sink MetricsSink) *Resolver {
	r.metrics = sink
	return r
}

// Resolve expands and deduplicates the recipients of req.
// A lookup failure is returned unchanged and no partial result is produced.
func (r *Resolver) Resolve(ctx context.Context, req domain.ResolutionRequest) ([]domain.ResolvedRecipient, error) {
	start := time.Now()
	result, err := r.resolve(ctx, req)
	if r.metrics != nil {
		r.metrics.ResolutionCompleted(time.Since(start), len(result), err)
	}
	return result, err
}

func (r *Resolver) resolve(ctx context.Context, req domain.ResolutionRequest) ([]domain.ResolvedRecipient, error) {
	topicsEnabled := r.enabled != nil && r.enabled()

	var direct []domain.ResolvedRecipient
	var topics []string
	for _, spec := range req.Recipients {
		switch s := spec.(type) {
		case domain.DirectID:
			direct = append(direct, domain.ResolvedRecipient{SubscriberID: s.SubscriberID})
		case domain.DirectProfile:
			profile := s.Profile
			direct = append(direct, domain.ResolvedRecipient{SubscriberID: profile.SubscriberID, Profile: &profile})
		case domain.TopicRef:
			topics = append(topics, s.TopicKey)
		}
	}

	if !topicsEnabled {
		if len(topics) > 0 {
			log.Printf("resolver: transaction=%s topic notifications disabled, skipping %d topic recipients",
				req.TransactionID, len(topics))
			if r.metrics != nil {
				r.metrics.TopicsSkipped(len(topics))
			}
		}
		return mergeUnique(direct, nil), nil
	}

	members, err := r.expand(ctx, req.Tenant, topics)
	if err != nil {
		return nil, err
	}

	var expanded []domain.ResolvedRecipient
	for _, key := range topics {
		for _, id := range members[key] {
			expanded = append(expanded, domain.ResolvedRecipient{SubscriberID: id})
		}
	}

	return mergeUnique(direct, expanded), nil
}

// expand looks up every distinct topic key once, concurrently, and waits for all
// lookups before returning. Results are keyed by topic key so completion order
// never affects the merge.
func (r *Resolver) expand(ctx context.Context, tenant domain.Tenant, topics []string) (map[string][]string, error) {
	var keys []string
	seen := make(map[string]struct{}, len(topics))
	for _, key := range topics {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	results := make([][]string, len(keys))

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, key := range keys {
		g.Go(func() error {
			start := time.Now()
			ids, err := r.lookup.LookupMembers(ctx, tenant, key)
			if r.metrics != nil {
				r.metrics.TopicLookupCompleted(time.Since(start), len(ids), err)
			}
			if err != nil {
				return err
			}
			results[i] = ids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	members := make(map[string][]string, len(keys))
	for i, key := range keys {
		members[key] = results[i]
	}
	return members, nil
}

// mergeUnique concatenates direct and expanded, keeping the first entry per subscriber id.
func mergeUnique(direct, expanded []domain.ResolvedRecipient) []domain.ResolvedRecipient {
	out := make([]domain.ResolvedRecipient, 0, len(direct)+len(expanded))
	seen := make(map[string]struct{}, len(direct)+len(expanded))
	for _, batch := range [][]domain.ResolvedRecipient{direct, expanded} {
		for _, rec := range batch {
			if _, ok := seen[rec.SubscriberID]; ok {
				continue
			}
			seen[rec.SubscriberID] = struct{}{}
			out = append(out, rec)
		}
	}
	return out
}
