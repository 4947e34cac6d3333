package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"shieldscan/reputation"
)

// ReputationCache adapts the database to reputation.Store. The single
// write connection serializes access, so it is safe for concurrent use.
type ReputationCache struct {
	db *DB
}

func (db *DB) ReputationCache() *ReputationCache {
	return &ReputationCache{db: db}
}

func (c *ReputationCache) Get(ctx context.Context, digest string) (*reputation.Entry, error) {
	var (
		e          reputation.Entry
		fetchedAt  string
		ttlSeconds int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT digest, verdict, confidence, category, source, fetched_at, ttl_seconds
		 FROM reputation_cache WHERE digest = ?`, digest,
	).Scan(&e.Digest, &e.Verdict, &e.Confidence, &e.Category, &e.Source, &fetchedAt, &ttlSeconds)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reputation entry: %w", err)
	}
	e.FetchedAt, err = time.Parse(time.RFC3339Nano, fetchedAt)
	if err != nil {
		return nil, fmt.Errorf("parse reputation timestamp: %w", err)
	}
	e.TTL = time.Duration(ttlSeconds) * time.Second
	return &e, nil
}

func (c *ReputationCache) Put(ctx context.Context, entry reputation.Entry) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO reputation_cache (digest, verdict, confidence, category, source, fetched_at, ttl_seconds)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(digest) DO UPDATE SET
		   verdict = excluded.verdict,
		   confidence = excluded.confidence,
		   category = excluded.category,
		   source = excluded.source,
		   fetched_at = excluded.fetched_at,
		   ttl_seconds = excluded.ttl_seconds`,
		entry.Digest, string(entry.Verdict), entry.Confidence, entry.Category,
		entry.Source, entry.FetchedAt.UTC().Format(time.RFC3339Nano),
		int64(entry.TTL/time.Second),
	)
	if err != nil {
		return fmt.Errorf("put reputation entry: %w", err)
	}
	return nil
}
