package store

const schema = `
CREATE TABLE IF NOT EXISTS scan_sessions (
    id TEXT PRIMARY KEY,
    scope TEXT DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'running',
    files_seen INTEGER DEFAULT 0,
    files_processed INTEGER DEFAULT 0,
    files_skipped INTEGER DEFAULT 0,
    files_errored INTEGER DEFAULT 0,
    threats_found INTEGER DEFAULT 0,
    bytes_scanned INTEGER DEFAULT 0,
    started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    ended_at DATETIME
);

CREATE TABLE IF NOT EXISTS file_scan_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT REFERENCES scan_sessions(id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    path TEXT NOT NULL,
    source TEXT DEFAULT '',
    depth INTEGER DEFAULT 0,
    size INTEGER DEFAULT 0,
    digest TEXT,
    threat_level TEXT NOT NULL DEFAULT 'clean',
    matches TEXT DEFAULT '[]',
    reputation_verdict TEXT,
    reputation_source TEXT DEFAULT '',
    fuzzy_hash TEXT DEFAULT '',
    status TEXT NOT NULL DEFAULT 'processed',
    error TEXT DEFAULT '',
    duration_ms INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(session_id, path)
);

CREATE TABLE IF NOT EXISTS scan_checkpoints (
    session_id TEXT PRIMARY KEY REFERENCES scan_sessions(id) ON DELETE CASCADE,
    cursor TEXT NOT NULL,
    seq INTEGER NOT NULL,
    files_seen INTEGER DEFAULT 0,
    files_processed INTEGER DEFAULT 0,
    files_skipped INTEGER DEFAULT 0,
    files_errored INTEGER DEFAULT 0,
    threats_found INTEGER DEFAULT 0,
    bytes_scanned INTEGER DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS signature_rules (
    id TEXT PRIMARY KEY,
    category TEXT NOT NULL,
    kind TEXT NOT NULL,
    pattern TEXT NOT NULL,
    confidence REAL NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    full_scan INTEGER NOT NULL DEFAULT 0,
    loaded_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS reputation_cache (
    digest TEXT PRIMARY KEY,
    verdict TEXT NOT NULL,
    confidence REAL DEFAULT 0,
    category TEXT DEFAULT '',
    source TEXT DEFAULT '',
    fetched_at DATETIME NOT NULL,
    ttl_seconds INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS quarantine_entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT DEFAULT '',
    original_path TEXT NOT NULL,
    quarantine_path TEXT NOT NULL,
    digest TEXT DEFAULT '',
    reason TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_results_session ON file_scan_results(session_id);
CREATE INDEX IF NOT EXISTS idx_results_level ON file_scan_results(threat_level);
CREATE INDEX IF NOT EXISTS idx_quarantine_path ON quarantine_entries(original_path);
`
