package store

import "time"

// Session is one scan invocation. Status is one of running, completed,
// cancelled, failed; it is terminal once it leaves running.
type Session struct {
	ID      string       `json:"id"`
	Scope   string       `json:"scope"`
	Status  string       `json:"status"`
	Stats   SessionStats `json:"stats"`
	Started time.Time    `json:"started_at"`
	Ended   *time.Time   `json:"ended_at,omitempty"`
}

// SessionStats is the aggregate accounting for a session. Every enumerated
// file lands in exactly one of processed, skipped, or errored, so the counts
// together cover the full sequence.
type SessionStats struct {
	FilesSeen      int64 `json:"files_seen"`
	FilesProcessed int64 `json:"files_processed"`
	FilesSkipped   int64 `json:"files_skipped"`
	FilesErrored   int64 `json:"files_errored"`
	ThreatsFound   int64 `json:"threats_found"`
	BytesScanned   int64 `json:"bytes_scanned"`
}

// FileResult is the append-only outcome for one file within a session.
type FileResult struct {
	ID                int64     `json:"id"`
	SessionID         string    `json:"session_id"`
	Seq               uint64    `json:"seq"`
	Path              string    `json:"path"`
	Source            string    `json:"source"`
	Depth             int       `json:"depth"`
	Size              int64     `json:"size"`
	Digest            string    `json:"digest,omitempty"`
	ThreatLevel       string    `json:"threat_level"`
	Matches           string    `json:"matches"`
	ReputationVerdict *string   `json:"reputation_verdict,omitempty"`
	ReputationSource  string    `json:"reputation_source,omitempty"`
	FuzzyHash         string    `json:"fuzzy_hash,omitempty"`
	Status            string    `json:"status"`
	Error             string    `json:"error,omitempty"`
	DurationMs        int64     `json:"duration_ms"`
	CreatedAt         time.Time `json:"created_at"`
}

// Checkpoint is the durable cursor plus partial statistics for a session.
// The cursor is opaque here; only the enumerator that produced it can
// interpret it.
type Checkpoint struct {
	SessionID string       `json:"session_id"`
	Cursor    string       `json:"cursor"`
	Seq       uint64       `json:"seq"`
	Stats     SessionStats `json:"stats"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// QuarantineEntry records a file moved into isolation. It outlives the
// session that created it and is removed only by explicit restore or purge.
type QuarantineEntry struct {
	ID             int64     `json:"id"`
	SessionID      string    `json:"session_id,omitempty"`
	OriginalPath   string    `json:"original_path"`
	QuarantinePath string    `json:"quarantine_path"`
	Digest         string    `json:"digest,omitempty"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"created_at"`
}
