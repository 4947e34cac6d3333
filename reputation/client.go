package reputation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"shieldscan/logger"
)

// ErrUnavailable means the remote could not answer and no cache entry
// exists. Callers fall back to signature-only classification; the pipeline
// never blocks on reputation.
var ErrUnavailable = errors.New("reputation unavailable")

// LookupSource says where a verdict came from.
type LookupSource string

const (
	SourceCache  LookupSource = "cache"
	SourceRemote LookupSource = "remote"
)

// Lookup is the answer for one digest.
type Lookup struct {
	Verdict    Verdict
	Confidence float64
	Category   string
	Source     LookupSource
}

type inflightCall struct {
	done   chan struct{}
	result Lookup
	err    error
}

// Client resolves digests cache-first, then against the rate-limited remote.
// Concurrent lookups for the same digest are coalesced into one remote call.
type Client struct {
	store   Store
	remote  Remote
	limiter *rate.Limiter
	ttl     time.Duration

	mu       sync.Mutex
	inflight map[string]*inflightCall

	now func() time.Time
}

// Config for the client. RequestsPerSecond and Burst bound remote traffic.
type Config struct {
	TTL               time.Duration
	RequestsPerSecond float64
	Burst             int
}

func NewClient(store Store, remote Remote, cfg Config) *Client {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &Client{
		store:    store,
		remote:   remote,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		ttl:      ttl,
		inflight: make(map[string]*inflightCall),
		now:      time.Now,
	}
}

// Resolve answers for one digest. Cache hits with an unexpired TTL return
// immediately with zero remote calls. On a miss the remote is consulted,
// subject to the token bucket; rate exhaustion or remote failure yields
// ErrUnavailable rather than waiting.
func (c *Client) Resolve(ctx context.Context, digest string) (Lookup, error) {
	if entry, err := c.store.Get(ctx, digest); err != nil {
		return Lookup{}, fmt.Errorf("reputation cache read: %w", err)
	} else if entry != nil && !entry.Expired(c.now()) {
		return Lookup{
			Verdict:    entry.Verdict,
			Confidence: entry.Confidence,
			Category:   entry.Category,
			Source:     SourceCache,
		}, nil
	}

	if c.remote == nil {
		return Lookup{}, ErrUnavailable
	}

	c.mu.Lock()
	if call, running := c.inflight[digest]; running {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.result, call.err
		case <-ctx.Done():
			return Lookup{}, ctx.Err()
		}
	}
	call := &inflightCall{done: make(chan struct{})}
	c.inflight[digest] = call
	c.mu.Unlock()

	call.result, call.err = c.fetchRemote(ctx, digest)
	close(call.done)

	c.mu.Lock()
	delete(c.inflight, digest)
	c.mu.Unlock()

	return call.result, call.err
}

func (c *Client) fetchRemote(ctx context.Context, digest string) (Lookup, error) {
	// Allow() rather than Wait(): a saturated bucket degrades to
	// signature-only verdicts instead of stalling a worker.
	if !c.limiter.Allow() {
		logger.Debugf("Reputation rate limit reached, falling back for %s", digest)
		return Lookup{}, ErrUnavailable
	}

	entry, err := c.remote.Fetch(ctx, digest)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Lookup{}, err
		}
		logger.Debugf("Reputation remote failed for %s: %v", digest, err)
		return Lookup{}, ErrUnavailable
	}

	entry.Digest = digest
	entry.Source = string(SourceRemote)
	entry.FetchedAt = c.now()
	entry.TTL = c.ttl
	if err := c.store.Put(ctx, entry); err != nil {
		logger.Warnf("Failed to cache reputation for %s: %v", digest, err)
	}

	return Lookup{
		Verdict:    entry.Verdict,
		Confidence: entry.Confidence,
		Category:   entry.Category,
		Source:     SourceRemote,
	}, nil
}
