package recipients

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/owalmirneto/novu/internal/domain"
)

var testTenant = domain.Tenant{
	OrganizationID: uuid.MustParse("00000000-0000-0000-0000-0000000000a1"),
	EnvironmentID:  uuid.MustParse("00000000-0000-0000-0000-0000000000e1"),
}

// mockLookup serves topic membership from memory and records calls.
type mockLookup struct {
	mu      sync.Mutex
	topics  map[string][]string
	delays  map[string]time.Duration
	errs    map[string]error
	calls   map[string]int
	tenants []domain.Tenant
}

func newMockLookup(topics map[string][]string) *mockLookup {
	return &mockLookup{
		topics: topics,
		delays: make(map[string]time.Duration),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

func (m *mockLookup) LookupMembers(ctx context.Context, tenant domain.Tenant, topicKey string) ([]string, error) {
	m.mu.Lock()
	m.calls[topicKey]++
	m.tenants = append(m.tenants, tenant)
	delay := m.delays[topicKey]
	err := m.errs[topicKey]
	members := append([]string(nil), m.topics[topicKey]...)
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (m *mockLookup) callCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[key]
}

func (m *mockLookup) totalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

func enabled() bool  { return true }
func disabled() bool { return false }

func request(specs ...domain.RecipientSpec) domain.ResolutionRequest {
	return domain.ResolutionRequest{
		Tenant:        testTenant,
		TransactionID: uuid.New(),
		UserID:        "user-1",
		Recipients:    specs,
	}
}

func id(s string) domain.RecipientSpec { return domain.DirectID{SubscriberID: s} }

func topic(key string) domain.RecipientSpec { return domain.TopicRef{TopicKey: key} }

func profile(p domain.SubscriberProfile) domain.RecipientSpec { return domain.DirectProfile{Profile: p} }

func bare(s string) domain.ResolvedRecipient { return domain.ResolvedRecipient{SubscriberID: s} }

func full(p domain.SubscriberProfile) domain.ResolvedRecipient {
	return domain.ResolvedRecipient{SubscriberID: p.SubscriberID, Profile: &p}
}

func subscriberIDs(rs []domain.ResolvedRecipient) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.SubscriberID
	}
	return out
}

func mustResolve(t *testing.T, r *Resolver, req domain.ResolutionRequest) []domain.ResolvedRecipient {
	t.Helper()
	got, err := r.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return got
}

func TestResolve_SingleSubscriberID(t *testing.T) {
	for _, toggle := range []func() bool{enabled, disabled} {
		r := New(newMockLookup(nil), toggle)
		got := mustResolve(t, r, request(id("u1")))
		want := []domain.ResolvedRecipient{bare("u1")}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("got %+v, want %+v", got, want)
		}
	}
}

func TestResolve_SingleProfile(t *testing.T) {
	p := domain.SubscriberProfile{SubscriberID: "s1", FirstName: "Test Name", LastName: "Last of name", Email: "test@email.novu"}
	r := New(newMockLookup(nil), enabled)
	got := mustResolve(t, r, request(profile(p)))
	want := []domain.ResolvedRecipient{full(p)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestResolve_FirstSeenBareIDWins(t *testing.T) {
	p := domain.SubscriberProfile{SubscriberID: "u1", Email: "a@x.com"}
	r := New(newMockLookup(nil), enabled)
	got := mustResolve(t, r, request(id("u1"), profile(p)))
	want := []domain.ResolvedRecipient{bare("u1")}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestResolve_FirstSeenProfileWins(t *testing.T) {
	first := domain.SubscriberProfile{SubscriberID: "s1", Email: "first@x.com"}
	second := domain.SubscriberProfile{SubscriberID: "s2", Email: "second@x.com"}
	conflicting := domain.SubscriberProfile{SubscriberID: "s1", Email: "later@x.com"}

	r := New(newMockLookup(nil), enabled)
	got := mustResolve(t, r, request(
		profile(first), profile(second), id("s1"), id("s2"), id("s2"), id("s1"), profile(conflicting),
	))
	want := []domain.ResolvedRecipient{full(first), full(second)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestResolve_DuplicatedDirectRecipients(t *testing.T) {
	p1 := domain.SubscriberProfile{SubscriberID: "s1", Email: "test@email.novu"}
	p2 := domain.SubscriberProfile{SubscriberID: "s2", Email: "test@email.novu"}
	r := New(newMockLookup(nil), disabled)
	got := mustResolve(t, r, request(id("s1"), id("s2"), profile(p1), profile(p2), id("s2"), id("s1")))
	want := []domain.ResolvedRecipient{bare("s1"), bare("s2")}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestResolve_DirectProfileBeatsTopicMember(t *testing.T) {
	lookup := newMockLookup(map[string][]string{"G1": {"s1", "s2"}})
	p := domain.SubscriberProfile{SubscriberID: "s2", Email: "e@x.com"}

	r := New(lookup, enabled)
	got := mustResolve(t, r, request(profile(p), topic("G1")))
	want := []domain.ResolvedRecipient{full(p), bare("s1")}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestResolve_DirectAfterTopicStillTakesPrecedence(t *testing.T) {
	lookup := newMockLookup(map[string][]string{
		"G1": {"a", "b"},
		"G2": {"c"},
	})
	pa := domain.SubscriberProfile{SubscriberID: "a", Email: "a@x.com"}
	pb := domain.SubscriberProfile{SubscriberID: "b", Email: "b@x.com"}

	r := New(lookup, enabled)
	got := mustResolve(t, r, request(topic("G2"), profile(pa), id("a"), id("b"), topic("G1"), profile(pb), id("c")))
	want := []domain.ResolvedRecipient{full(pa), bare("b"), bare("c")}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestResolve_ToggleOffDropsTopics(t *testing.T) {
	lookup := newMockLookup(map[string][]string{"G1": {"s1"}})
	r := New(lookup, disabled)

	got := mustResolve(t, r, request(topic("G1"), id("u1")))
	want := []domain.ResolvedRecipient{bare("u1")}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if lookup.totalCalls() != 0 {
		t.Errorf("expected no lookups with toggle off, got %d", lookup.totalCalls())
	}
}

func TestResolve_ToggleOffOnlyTopicsIsEmpty(t *testing.T) {
	lookup := newMockLookup(map[string][]string{"G1": {"s1"}, "G2": {"s2"}})
	r := New(lookup, disabled)

	got := mustResolve(t, r, request(topic("G1"), topic("G2")))
	if len(got) != 0 {
		t.Errorf("expected empty result, got %+v", got)
	}
}

func TestResolve_ToggleOffEqualsInputWithoutTopics(t *testing.T) {
	lookup := newMockLookup(map[string][]string{"G1": {"s1", "u1"}})
	p := domain.SubscriberProfile{SubscriberID: "p1", Email: "p@x.com"}
	mixed := []domain.RecipientSpec{topic("G1"), id("u1"), topic("G1"), profile(p), id("u2"), id("u1")}

	var direct []domain.RecipientSpec
	for _, s := range mixed {
		if _, ok := s.(domain.TopicRef); !ok {
			direct = append(direct, s)
		}
	}

	r := New(lookup, disabled)
	got := mustResolve(t, r, request(mixed...))
	want := mustResolve(t, New(lookup, enabled), request(direct...))
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestResolve_UnknownTopicIsEmpty(t *testing.T) {
	r := New(newMockLookup(nil), enabled)
	got, err := r.Resolve(context.Background(), request(topic("Gmissing")))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil result, got %#v", got)
	}
}

func TestResolve_MultipleTopicsDeduplicated(t *testing.T) {
	lookup := newMockLookup(map[string][]string{
		"T1": {"s1", "s2"},
		"T2": {"s3"},
		"T3": {"s1", "s4"},
	})
	r := New(lookup, enabled)

	got := mustResolve(t, r, request(topic("T3"), topic("T1"), topic("T2"), topic("T3"), topic("T2"), topic("T1")))
	want := []string{"s1", "s4", "s2", "s3"}
	if !reflect.DeepEqual(subscriberIDs(got), want) {
		t.Errorf("got %v, want %v", subscriberIDs(got), want)
	}
	for _, key := range []string{"T1", "T2", "T3"} {
		if n := lookup.callCount(key); n != 1 {
			t.Errorf("topic %s looked up %d times, want 1", key, n)
		}
	}
}

func TestResolve_MixedRecipients(t *testing.T) {
	lookup := newMockLookup(map[string][]string{
		"T1": {"m1", "m2"},
		"T2": {"m3"},
	})
	p := domain.SubscriberProfile{SubscriberID: "p1", FirstName: "Test Name", Email: "test@email.novu"}

	r := New(lookup, enabled)
	got := mustResolve(t, r, request(topic("T1"), id("u1"), topic("T2"), profile(p)))
	want := []domain.ResolvedRecipient{bare("u1"), full(p), bare("m1"), bare("m2"), bare("m3")}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestResolve_LookupScopedToTenant(t *testing.T) {
	lookup := newMockLookup(map[string][]string{"T1": {"m1"}})
	r := New(lookup, enabled)
	mustResolve(t, r, request(topic("T1")))

	if len(lookup.tenants) != 1 || lookup.tenants[0] != testTenant {
		t.Errorf("expected lookup scoped to %+v, got %+v", testTenant, lookup.tenants)
	}
}

func TestResolve_OrderIndependentOfLookupCompletion(t *testing.T) {
	lookup := newMockLookup(map[string][]string{
		"slow": {"s1", "shared"},
		"fast": {"shared", "f1"},
	})
	lookup.delays["slow"] = 30 * time.Millisecond

	r := New(lookup, enabled)
	for i := 0; i < 5; i++ {
		got := mustResolve(t, r, request(topic("slow"), topic("fast")))
		want := []string{"s1", "shared", "f1"}
		if !reflect.DeepEqual(subscriberIDs(got), want) {
			t.Fatalf("iteration %d: got %v, want %v", i, subscriberIDs(got), want)
		}
	}
}

func TestResolve_LookupFailureAbortsWithoutPartialResult(t *testing.T) {
	errStorage := errors.New("storage unavailable")
	lookup := newMockLookup(map[string][]string{"ok": {"s1"}})
	lookup.errs["broken"] = errStorage

	r := New(lookup, enabled)
	got, err := r.Resolve(context.Background(), request(id("u1"), topic("ok"), topic("broken")))
	if err != errStorage {
		t.Fatalf("expected error to propagate unchanged, got %v", err)
	}
	if got != nil {
		t.Errorf("expected nil result on failure, got %+v", got)
	}
}

func TestResolve_WaitsForAllLookupsOnFailure(t *testing.T) {
	lookup := newMockLookup(map[string][]string{"slow": {"s1"}})
	lookup.delays["slow"] = 20 * time.Millisecond
	lookup.errs["broken"] = errors.New("boom")

	r := New(lookup, enabled)
	if _, err := r.Resolve(context.Background(), request(topic("broken"), topic("slow"))); err == nil {
		t.Fatal("expected error")
	}
	if lookup.callCount("slow") != 1 {
		t.Errorf("expected slow lookup to have run, calls=%d", lookup.callCount("slow"))
	}
}

func TestResolve_ToggleReadOncePerResolution(t *testing.T) {
	var reads atomic.Int32
	toggle := func() bool {
		reads.Add(1)
		return true
	}
	lookup := newMockLookup(map[string][]string{"T1": {"a"}, "T2": {"b"}})

	r := New(lookup, toggle)
	mustResolve(t, r, request(topic("T1"), id("x"), topic("T2")))
	if reads.Load() != 1 {
		t.Errorf("toggle read %d times, want 1", reads.Load())
	}
}

func TestResolve_ConcurrencyBounded(t *testing.T) {
	var inFlight, peak atomic.Int32
	lookup := lookupFunc(func(ctx context.Context, tenant domain.Tenant, key string) ([]string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return []string{key + "-member"}, nil
	})

	var specs []domain.RecipientSpec
	for i := 0; i < 10; i++ {
		specs = append(specs, topic(uuid.NewString()))
	}

	r := New(lookup, enabled).WithConcurrency(2)
	got := mustResolve(t, r, request(specs...))
	if len(got) != 10 {
		t.Fatalf("expected 10 recipients, got %d", len(got))
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestResolve_IdempotentDedup(t *testing.T) {
	lookup := newMockLookup(map[string][]string{
		"T1": {"a", "b", "c"},
		"T2": {"c", "d"},
	})
	pb := domain.SubscriberProfile{SubscriberID: "b", Phone: "+100"}
	inputs := [][]domain.RecipientSpec{
		{id("a"), id("a")},
		{topic("T1"), topic("T2"), profile(pb)},
		{topic("T2"), id("z"), topic("T1"), id("d")},
	}

	r := New(lookup, enabled)
	for _, in := range inputs {
		first := mustResolve(t, r, request(in...))

		var again []domain.RecipientSpec
		for _, rec := range first {
			if rec.Profile != nil {
				again = append(again, profile(*rec.Profile))
			} else {
				again = append(again, id(rec.SubscriberID))
			}
		}
		second := mustResolve(t, r, request(again...))
		if !reflect.DeepEqual(subscriberIDs(first), subscriberIDs(second)) {
			t.Errorf("resolution not idempotent: %v then %v", subscriberIDs(first), subscriberIDs(second))
		}
	}
}

func TestResolve_Metrics(t *testing.T) {
	sink := &recordingSink{}
	lookup := newMockLookup(map[string][]string{"T1": {"a", "b"}})

	r := New(lookup, enabled).WithMetrics(sink)
	mustResolve(t, r, request(topic("T1"), id("c")))

	if sink.resolutions != 1 || sink.lastRecipients != 3 {
		t.Errorf("resolutions=%d recipients=%d, want 1 and 3", sink.resolutions, sink.lastRecipients)
	}
	if sink.lookups != 1 || sink.lookupMembers != 2 {
		t.Errorf("lookups=%d members=%d, want 1 and 2", sink.lookups, sink.lookupMembers)
	}

	r = New(lookup, disabled).WithMetrics(sink)
	mustResolve(t, r, request(topic("T1"), topic("T1")))
	if sink.skipped != 2 {
		t.Errorf("skipped=%d, want 2", sink.skipped)
	}
}

type lookupFunc func(ctx context.Context, tenant domain.Tenant, key string) ([]string, error)

func (f lookupFunc) LookupMembers(ctx context.Context, tenant domain.Tenant, key string) ([]string, error) {
	return f(ctx, tenant, key)
}

type recordingSink struct {
	mu             sync.Mutex
	resolutions    int
	lastRecipients int
	lookups        int
	lookupMembers  int
	skipped        int
}

func (s *recordingSink) ResolutionCompleted(d time.Duration, recipients int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolutions++
	s.lastRecipients = recipients
}

func (s *recordingSink) TopicLookupCompleted(d time.Duration, members int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	s.lookupMembers += members
}

func (s *recordingSink) TopicsSkipped(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped += count
}

func TestResolve_InlineProfileKeepsUntypedFields(t *testing.T) {
	specs, err := Parse(json.RawMessage(`[
		{"subscriberId":"x","channels":[{"a":1}],"custom":"v"},
		{"type":"Topic","topicKey":"team"}
	]`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	r := New(newMockLookup(map[string][]string{"team": {"x", "y"}}), enabled)
	got := mustResolve(t, r, request(specs...))

	out, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `[{"channels":[{"a":1}],"custom":"v","subscriberId":"x"},{"subscriberId":"y"}]`
	if string(out) != want {
		t.Errorf("got %s, want %s", out, want)
	}
}
