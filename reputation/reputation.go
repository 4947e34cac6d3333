package reputation

import (
	"context"
	"time"
)

// Verdict classifies a digest.
type Verdict string

const (
	VerdictBenign    Verdict = "benign"
	VerdictMalicious Verdict = "malicious"
	VerdictUnknown   Verdict = "unknown"
)

// DefaultTTL is how long a cached verdict stays valid.
const DefaultTTL = 7 * 24 * time.Hour

// Entry is one cached verdict. Entries are keyed by the file's SHA-256
// digest and expire lazily: expiry is checked on lookup, never swept.
type Entry struct {
	Digest     string        `json:"digest"`
	Verdict    Verdict       `json:"verdict"`
	Confidence float64       `json:"confidence"`
	Category   string        `json:"category,omitempty"`
	Source     string        `json:"source"`
	FetchedAt  time.Time     `json:"fetched_at"`
	TTL        time.Duration `json:"ttl"`
}

// Expired reports whether the entry's TTL has elapsed.
func (e *Entry) Expired(now time.Time) bool {
	ttl := e.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return now.After(e.FetchedAt.Add(ttl))
}

// Store is the injected cache backing the client. Implementations must be
// safe for concurrent use.
type Store interface {
	// Get returns the entry for digest, or nil when absent.
	Get(ctx context.Context, digest string) (*Entry, error)
	// Put inserts or refreshes an entry.
	Put(ctx context.Context, entry Entry) error
}

// Remote is the external intelligence source. The client treats it as
// rate-limited and unreliable.
type Remote interface {
	Fetch(ctx context.Context, digest string) (Entry, error)
}
