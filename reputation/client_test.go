package reputation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type memStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]Entry)}
}

func (s *memStore) Get(ctx context.Context, digest string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[digest]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *memStore) Put(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Digest] = entry
	return nil
}

type fakeRemote struct {
	calls   atomic.Int64
	verdict Verdict
	err     error
	delay   time.Duration
}

func (r *fakeRemote) Fetch(ctx context.Context, digest string) (Entry, error) {
	r.calls.Add(1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.err != nil {
		return Entry{}, r.err
	}
	return Entry{Verdict: r.verdict, Confidence: 0.95, Category: "malware"}, nil
}

func TestResolveCacheHit(t *testing.T) {
	store := newMemStore()
	store.entries["abc"] = Entry{
		Digest:    "abc",
		Verdict:   VerdictMalicious,
		FetchedAt: time.Now(),
		TTL:       time.Hour,
	}
	remote := &fakeRemote{verdict: VerdictBenign}
	c := NewClient(store, remote, Config{})

	lookup, err := c.Resolve(context.Background(), "abc")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if lookup.Verdict != VerdictMalicious || lookup.Source != SourceCache {
		t.Errorf("lookup = %+v", lookup)
	}
	if remote.calls.Load() != 0 {
		t.Errorf("cache hit still called remote %d times", remote.calls.Load())
	}
}

func TestResolveMissFetchesAndCaches(t *testing.T) {
	store := newMemStore()
	remote := &fakeRemote{verdict: VerdictMalicious}
	c := NewClient(store, remote, Config{TTL: time.Hour})

	lookup, err := c.Resolve(context.Background(), "def")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if lookup.Verdict != VerdictMalicious || lookup.Source != SourceRemote {
		t.Errorf("lookup = %+v", lookup)
	}
	if remote.calls.Load() != 1 {
		t.Fatalf("remote called %d times", remote.calls.Load())
	}

	// The verdict is now cached; a second resolve stays local.
	lookup, err = c.Resolve(context.Background(), "def")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if lookup.Source != SourceCache {
		t.Errorf("second lookup source = %s", lookup.Source)
	}
	if remote.calls.Load() != 1 {
		t.Errorf("cached digest refetched, %d remote calls", remote.calls.Load())
	}
}

func TestResolveExpiredEntryRefetches(t *testing.T) {
	store := newMemStore()
	store.entries["old"] = Entry{
		Digest:    "old",
		Verdict:   VerdictBenign,
		FetchedAt: time.Now().Add(-48 * time.Hour),
		TTL:       time.Hour,
	}
	remote := &fakeRemote{verdict: VerdictMalicious}
	c := NewClient(store, remote, Config{TTL: time.Hour})

	lookup, err := c.Resolve(context.Background(), "old")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if lookup.Verdict != VerdictMalicious || lookup.Source != SourceRemote {
		t.Errorf("expired entry not refetched: %+v", lookup)
	}
	if remote.calls.Load() != 1 {
		t.Errorf("remote called %d times", remote.calls.Load())
	}
}

func TestResolveNoRemote(t *testing.T) {
	c := NewClient(newMemStore(), nil, Config{})
	if _, err := c.Resolve(context.Background(), "anything"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestResolveRemoteFailure(t *testing.T) {
	remote := &fakeRemote{err: errors.New("upstream 503")}
	c := NewClient(newMemStore(), remote, Config{})

	if _, err := c.Resolve(context.Background(), "x"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestResolveRateLimitExhaustion(t *testing.T) {
	remote := &fakeRemote{verdict: VerdictBenign}
	c := NewClient(newMemStore(), remote, Config{RequestsPerSecond: 1, Burst: 1})

	if _, err := c.Resolve(context.Background(), "first"); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	// Bucket is drained; the next distinct digest degrades instead of
	// waiting for a token.
	if _, err := c.Resolve(context.Background(), "second"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
	if remote.calls.Load() != 1 {
		t.Errorf("remote called %d times", remote.calls.Load())
	}
}

func TestResolveCoalescesConcurrentLookups(t *testing.T) {
	remote := &fakeRemote{verdict: VerdictMalicious, delay: 50 * time.Millisecond}
	c := NewClient(newMemStore(), remote, Config{RequestsPerSecond: 100, Burst: 100})

	const n = 8
	var wg sync.WaitGroup
	results := make([]Lookup, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Resolve(context.Background(), "same-digest")
		}()
	}
	wg.Wait()

	for i := range n {
		if errs[i] != nil {
			t.Fatalf("resolve %d: %v", i, errs[i])
		}
		if results[i].Verdict != VerdictMalicious {
			t.Errorf("resolve %d verdict = %s", i, results[i].Verdict)
		}
	}
	if got := remote.calls.Load(); got != 1 {
		t.Errorf("concurrent lookups made %d remote calls, want 1", got)
	}
}

func TestEntryExpired(t *testing.T) {
	now := time.Now()
	fresh := Entry{FetchedAt: now.Add(-time.Minute), TTL: time.Hour}
	if fresh.Expired(now) {
		t.Error("fresh entry reported expired")
	}
	stale := Entry{FetchedAt: now.Add(-2 * time.Hour), TTL: time.Hour}
	if !stale.Expired(now) {
		t.Error("stale entry reported fresh")
	}
	// Zero TTL falls back to the default.
	zero := Entry{FetchedAt: now.Add(-time.Hour)}
	if zero.Expired(now) {
		t.Error("entry within default TTL reported expired")
	}
}
