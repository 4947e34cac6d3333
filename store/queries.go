package store

import (
	"database/sql"
	"fmt"
)

// --- Sessions ---

func (db *DB) CreateSession(s *Session) error {
	_, err := db.Exec(
		`INSERT INTO scan_sessions (id, scope, status) VALUES (?, ?, ?)`,
		s.ID, s.Scope, s.Status,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (db *DB) GetSession(id string) (*Session, error) {
	s := &Session{}
	err := db.QueryRow(
		`SELECT id, scope, status, files_seen, files_processed, files_skipped,
		        files_errored, threats_found, bytes_scanned, started_at, ended_at
		 FROM scan_sessions WHERE id = ?`, id,
	).Scan(&s.ID, &s.Scope, &s.Status, &s.Stats.FilesSeen, &s.Stats.FilesProcessed,
		&s.Stats.FilesSkipped, &s.Stats.FilesErrored, &s.Stats.ThreatsFound,
		&s.Stats.BytesScanned, &s.Started, &s.Ended)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// FinishSession records the terminal status and final statistics.
func (db *DB) FinishSession(id, status string, stats SessionStats) error {
	_, err := db.Exec(
		`UPDATE scan_sessions
		 SET status = ?, files_seen = ?, files_processed = ?, files_skipped = ?,
		     files_errored = ?, threats_found = ?, bytes_scanned = ?,
		     ended_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		status, stats.FilesSeen, stats.FilesProcessed, stats.FilesSkipped,
		stats.FilesErrored, stats.ThreatsFound, stats.BytesScanned, id,
	)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	return nil
}

// --- Results ---

// RecordResult appends one per-file outcome and reports whether a row was
// inserted. The (session, path) uniqueness constraint makes replays after a
// resume idempotent rather than duplicated.
func (db *DB) RecordResult(r *FileResult) (bool, error) {
	res, err := db.Exec(
		`INSERT INTO file_scan_results
		 (session_id, seq, path, source, depth, size, digest, threat_level, matches,
		  reputation_verdict, reputation_source, fuzzy_hash, status, error, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, path) DO NOTHING`,
		r.SessionID, r.Seq, r.Path, r.Source, r.Depth, r.Size, nullable(r.Digest),
		r.ThreatLevel, r.Matches, r.ReputationVerdict, r.ReputationSource,
		r.FuzzyHash, r.Status, r.Error, r.DurationMs,
	)
	if err != nil {
		return false, fmt.Errorf("insert result: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert result: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	r.ID, _ = res.LastInsertId()
	return true, nil
}

// CountSessionStats aggregates the session's statistics from its durable
// result rows. Rows are the ground truth; a checkpoint's stats may lag the
// rows inserted after its last flush.
func (db *DB) CountSessionStats(sessionID string) (SessionStats, error) {
	var s SessionStats
	err := db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status = 'processed' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status IN ('skipped_policy', 'cancelled') THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN threat_level != 'clean' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'processed' THEN size ELSE 0 END), 0)
		 FROM file_scan_results WHERE session_id = ?`, sessionID,
	).Scan(&s.FilesSeen, &s.FilesProcessed, &s.FilesSkipped, &s.FilesErrored,
		&s.ThreatsFound, &s.BytesScanned)
	if err != nil {
		return SessionStats{}, fmt.Errorf("count session stats: %w", err)
	}
	return s, nil
}

func (db *DB) ListResults(sessionID string) ([]FileResult, error) {
	rows, err := db.Query(
		`SELECT id, session_id, seq, path, source, depth, size, COALESCE(digest, ''),
		        threat_level, matches, reputation_verdict, reputation_source,
		        fuzzy_hash, status, error, duration_ms, created_at
		 FROM file_scan_results WHERE session_id = ? ORDER BY seq, path`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var results []FileResult
	for rows.Next() {
		var r FileResult
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Seq, &r.Path, &r.Source, &r.Depth,
			&r.Size, &r.Digest, &r.ThreatLevel, &r.Matches, &r.ReputationVerdict,
			&r.ReputationSource, &r.FuzzyHash, &r.Status, &r.Error,
			&r.DurationMs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (db *DB) ListThreats(sessionID string) ([]FileResult, error) {
	rows, err := db.Query(
		`SELECT id, session_id, seq, path, source, depth, size, COALESCE(digest, ''),
		        threat_level, matches, reputation_verdict, reputation_source,
		        fuzzy_hash, status, error, duration_ms, created_at
		 FROM file_scan_results
		 WHERE session_id = ? AND threat_level != 'clean' ORDER BY seq, path`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list threats: %w", err)
	}
	defer rows.Close()

	var results []FileResult
	for rows.Next() {
		var r FileResult
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Seq, &r.Path, &r.Source, &r.Depth,
			&r.Size, &r.Digest, &r.ThreatLevel, &r.Matches, &r.ReputationVerdict,
			&r.ReputationSource, &r.FuzzyHash, &r.Status, &r.Error,
			&r.DurationMs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan threat row: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Checkpoints ---

func (db *DB) SaveCheckpoint(cp *Checkpoint) error {
	_, err := db.Exec(
		`INSERT INTO scan_checkpoints
		 (session_id, cursor, seq, files_seen, files_processed, files_skipped,
		  files_errored, threats_found, bytes_scanned, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(session_id) DO UPDATE SET
		   cursor = excluded.cursor,
		   seq = excluded.seq,
		   files_seen = excluded.files_seen,
		   files_processed = excluded.files_processed,
		   files_skipped = excluded.files_skipped,
		   files_errored = excluded.files_errored,
		   threats_found = excluded.threats_found,
		   bytes_scanned = excluded.bytes_scanned,
		   updated_at = CURRENT_TIMESTAMP`,
		cp.SessionID, cp.Cursor, cp.Seq, cp.Stats.FilesSeen, cp.Stats.FilesProcessed,
		cp.Stats.FilesSkipped, cp.Stats.FilesErrored, cp.Stats.ThreatsFound,
		cp.Stats.BytesScanned,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (db *DB) GetCheckpoint(sessionID string) (*Checkpoint, error) {
	cp := &Checkpoint{}
	err := db.QueryRow(
		`SELECT session_id, cursor, seq, files_seen, files_processed, files_skipped,
		        files_errored, threats_found, bytes_scanned, updated_at
		 FROM scan_checkpoints WHERE session_id = ?`, sessionID,
	).Scan(&cp.SessionID, &cp.Cursor, &cp.Seq, &cp.Stats.FilesSeen,
		&cp.Stats.FilesProcessed, &cp.Stats.FilesSkipped, &cp.Stats.FilesErrored,
		&cp.Stats.ThreatsFound, &cp.Stats.BytesScanned, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, nil
}

// --- Signature rules (audit copy of the loaded set) ---

func (db *DB) ReplaceRules(rules []RuleRow) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin rule replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM signature_rules`); err != nil {
		return fmt.Errorf("clear rules: %w", err)
	}
	for _, r := range rules {
		if _, err := tx.Exec(
			`INSERT INTO signature_rules (id, category, kind, pattern, confidence, enabled, full_scan)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Category, r.Kind, r.Pattern, r.Confidence, boolInt(r.Enabled), boolInt(r.FullScan),
		); err != nil {
			return fmt.Errorf("insert rule %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// RuleRow mirrors a loaded signature rule for auditability.
type RuleRow struct {
	ID         string
	Category   string
	Kind       string
	Pattern    string
	Confidence float64
	Enabled    bool
	FullScan   bool
}

// --- Quarantine ---

func (db *DB) AddQuarantine(q *QuarantineEntry) error {
	res, err := db.Exec(
		`INSERT INTO quarantine_entries (session_id, original_path, quarantine_path, digest, reason)
		 VALUES (?, ?, ?, ?, ?)`,
		q.SessionID, q.OriginalPath, q.QuarantinePath, q.Digest, q.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert quarantine: %w", err)
	}
	q.ID, _ = res.LastInsertId()
	return nil
}

func (db *DB) GetQuarantine(id int64) (*QuarantineEntry, error) {
	q := &QuarantineEntry{}
	err := db.QueryRow(
		`SELECT id, session_id, original_path, quarantine_path, digest, reason, created_at
		 FROM quarantine_entries WHERE id = ?`, id,
	).Scan(&q.ID, &q.SessionID, &q.OriginalPath, &q.QuarantinePath, &q.Digest, &q.Reason, &q.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get quarantine: %w", err)
	}
	return q, nil
}

func (db *DB) ListQuarantine() ([]QuarantineEntry, error) {
	rows, err := db.Query(
		`SELECT id, session_id, original_path, quarantine_path, digest, reason, created_at
		 FROM quarantine_entries ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list quarantine: %w", err)
	}
	defer rows.Close()

	var entries []QuarantineEntry
	for rows.Next() {
		var q QuarantineEntry
		if err := rows.Scan(&q.ID, &q.SessionID, &q.OriginalPath, &q.QuarantinePath,
			&q.Digest, &q.Reason, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan quarantine row: %w", err)
		}
		entries = append(entries, q)
	}
	return entries, rows.Err()
}

func (db *DB) DeleteQuarantine(id int64) error {
	_, err := db.Exec(`DELETE FROM quarantine_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete quarantine: %w", err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
