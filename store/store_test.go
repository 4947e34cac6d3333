package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"shieldscan/reputation"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSessionLifecycle(t *testing.T) {
	db := openTestDB(t)

	if err := db.CreateSession(&Session{ID: "s1", Scope: "/data", Status: "running"}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	s, err := db.GetSession("s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s == nil || s.Status != "running" || s.Scope != "/data" {
		t.Fatalf("session = %+v", s)
	}
	if s.Ended != nil {
		t.Errorf("running session has ended_at")
	}

	stats := SessionStats{FilesSeen: 10, FilesProcessed: 7, FilesSkipped: 2, FilesErrored: 1, ThreatsFound: 3, BytesScanned: 4096}
	if err := db.FinishSession("s1", "completed", stats); err != nil {
		t.Fatalf("finish session: %v", err)
	}
	s, err = db.GetSession("s1")
	if err != nil {
		t.Fatalf("get finished session: %v", err)
	}
	if s.Status != "completed" || s.Stats != stats {
		t.Errorf("finished session = %+v", s)
	}
	if s.Ended == nil {
		t.Errorf("completed session missing ended_at")
	}

	missing, err := db.GetSession("nope")
	if err != nil {
		t.Fatalf("get missing session: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown session, got %+v", missing)
	}
}

func TestRecordResultDeduplicates(t *testing.T) {
	db := openTestDB(t)
	if err := db.CreateSession(&Session{ID: "s1", Scope: "/data", Status: "running"}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	r := &FileResult{
		SessionID:   "s1",
		Seq:         1,
		Path:        "/data/a.txt",
		Source:      "tree:/data",
		Digest:      "abc123",
		ThreatLevel: "clean",
		Matches:     "{}",
		Status:      "processed",
	}
	inserted, err := db.RecordResult(r)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !inserted {
		t.Fatal("first insert reported as duplicate")
	}
	if r.ID == 0 {
		t.Error("inserted result has no id")
	}

	// A replay of the same (session, path) is a no-op.
	dup := *r
	dup.ID = 0
	inserted, err = db.RecordResult(&dup)
	if err != nil {
		t.Fatalf("record duplicate: %v", err)
	}
	if inserted {
		t.Error("duplicate insert reported as new row")
	}

	// The same path in another session is distinct.
	if err := db.CreateSession(&Session{ID: "s2", Scope: "/data", Status: "running"}); err != nil {
		t.Fatalf("create second session: %v", err)
	}
	other := *r
	other.ID = 0
	other.SessionID = "s2"
	inserted, err = db.RecordResult(&other)
	if err != nil {
		t.Fatalf("record other session: %v", err)
	}
	if !inserted {
		t.Error("same path in another session treated as duplicate")
	}

}

func TestCountSessionStats(t *testing.T) {
	db := openTestDB(t)
	if err := db.CreateSession(&Session{ID: "s1", Scope: "/data", Status: "running"}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	rows := []FileResult{
		{SessionID: "s1", Seq: 1, Path: "/data/a.txt", Size: 100, ThreatLevel: "clean", Matches: "[]", Status: "processed"},
		{SessionID: "s1", Seq: 2, Path: "/data/b.txt", Size: 250, ThreatLevel: "malicious", Matches: "[]", Status: "processed"},
		{SessionID: "s1", Seq: 3, Path: "/data/c.iso", Size: 900, ThreatLevel: "clean", Matches: "[]", Status: "skipped_policy"},
		{SessionID: "s1", Seq: 4, Path: "/data/d.txt", Size: 40, ThreatLevel: "clean", Matches: "[]", Status: "error"},
		{SessionID: "s1", Seq: 5, Path: "/data/e.txt", Size: 10, ThreatLevel: "clean", Matches: "[]", Status: "cancelled"},
	}
	for i := range rows {
		if _, err := db.RecordResult(&rows[i]); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	stats, err := db.CountSessionStats("s1")
	if err != nil {
		t.Fatalf("count stats: %v", err)
	}
	want := SessionStats{FilesSeen: 5, FilesProcessed: 2, FilesSkipped: 2, FilesErrored: 1, ThreatsFound: 1, BytesScanned: 350}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}

	empty, err := db.CountSessionStats("absent")
	if err != nil {
		t.Fatalf("count stats for absent session: %v", err)
	}
	if empty != (SessionStats{}) {
		t.Errorf("absent session stats = %+v", empty)
	}
}

func TestListResultsAndThreats(t *testing.T) {
	db := openTestDB(t)
	if err := db.CreateSession(&Session{ID: "s1", Scope: "/data", Status: "running"}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	verdict := "malicious"
	rows := []FileResult{
		{SessionID: "s1", Seq: 2, Path: "/data/b.txt", Source: "t", ThreatLevel: "clean", Matches: "[]", Status: "processed"},
		{SessionID: "s1", Seq: 1, Path: "/data/a.txt", Source: "t", ThreatLevel: "malicious", Matches: `[{"rule_id":"r1"}]`, ReputationVerdict: &verdict, ReputationSource: "remote", Status: "processed"},
		{SessionID: "s1", Seq: 3, Path: "/data/c.txt", Source: "t", ThreatLevel: "suspicious", Matches: "[]", Status: "processed"},
	}
	for i := range rows {
		if _, err := db.RecordResult(&rows[i]); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	all, err := db.ListResults("s1")
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 results, got %d", len(all))
	}
	// Ordered by sequence.
	if all[0].Path != "/data/a.txt" || all[2].Path != "/data/c.txt" {
		t.Errorf("results out of order: %s, %s, %s", all[0].Path, all[1].Path, all[2].Path)
	}
	if all[0].ReputationVerdict == nil || *all[0].ReputationVerdict != "malicious" {
		t.Errorf("reputation verdict not round-tripped: %+v", all[0].ReputationVerdict)
	}
	if all[1].ReputationVerdict != nil {
		t.Errorf("absent verdict should scan as nil")
	}

	threats, err := db.ListThreats("s1")
	if err != nil {
		t.Fatalf("list threats: %v", err)
	}
	if len(threats) != 2 {
		t.Fatalf("expected 2 threats, got %d", len(threats))
	}
	for _, th := range threats {
		if th.ThreatLevel == "clean" {
			t.Errorf("clean result in threat list: %+v", th)
		}
	}
}

func TestCheckpointUpsert(t *testing.T) {
	db := openTestDB(t)
	if err := db.CreateSession(&Session{ID: "s1", Scope: "/data", Status: "running"}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	cp, err := db.GetCheckpoint("s1")
	if err != nil {
		t.Fatalf("get absent checkpoint: %v", err)
	}
	if cp != nil {
		t.Fatalf("expected nil checkpoint, got %+v", cp)
	}

	first := &Checkpoint{SessionID: "s1", Cursor: "cursor-1", Seq: 10, Stats: SessionStats{FilesSeen: 10, FilesProcessed: 9, FilesSkipped: 1}}
	if err := db.SaveCheckpoint(first); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	second := &Checkpoint{SessionID: "s1", Cursor: "cursor-2", Seq: 25, Stats: SessionStats{FilesSeen: 25, FilesProcessed: 20, FilesSkipped: 5}}
	if err := db.SaveCheckpoint(second); err != nil {
		t.Fatalf("save second checkpoint: %v", err)
	}

	cp, err = db.GetCheckpoint("s1")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if cp.Cursor != "cursor-2" || cp.Seq != 25 {
		t.Errorf("checkpoint not replaced: %+v", cp)
	}
	if cp.Stats != second.Stats {
		t.Errorf("checkpoint stats = %+v", cp.Stats)
	}
}

func TestReplaceRules(t *testing.T) {
	db := openTestDB(t)

	if err := db.ReplaceRules([]RuleRow{
		{ID: "r1", Category: "malware", Kind: "string", Pattern: "bad", Confidence: 0.9, Enabled: true},
		{ID: "r2", Category: "adware", Kind: "byte-sequence", Pattern: "cafe", Confidence: 0.4, Enabled: true, FullScan: true},
	}); err != nil {
		t.Fatalf("replace rules: %v", err)
	}

	// A second replace clears the previous set.
	if err := db.ReplaceRules([]RuleRow{
		{ID: "r3", Category: "pua", Kind: "string", Pattern: "meh", Confidence: 0.5, Enabled: false},
	}); err != nil {
		t.Fatalf("second replace: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM signature_rules`).Scan(&count); err != nil {
		t.Fatalf("count rules: %v", err)
	}
	if count != 1 {
		t.Errorf("rule count after replace = %d, want 1", count)
	}
}

func TestQuarantineCRUD(t *testing.T) {
	db := openTestDB(t)

	q := &QuarantineEntry{
		SessionID:      "s1",
		OriginalPath:   "/data/evil.bin",
		QuarantinePath: "/quarantine/abc_evil.bin",
		Digest:         "abc123",
		Reason:         "malicious: rule r1",
	}
	if err := db.AddQuarantine(q); err != nil {
		t.Fatalf("add quarantine: %v", err)
	}
	if q.ID == 0 {
		t.Fatal("quarantine entry has no id")
	}

	got, err := db.GetQuarantine(q.ID)
	if err != nil {
		t.Fatalf("get quarantine: %v", err)
	}
	if got == nil || got.OriginalPath != q.OriginalPath || got.Reason != q.Reason {
		t.Errorf("entry = %+v", got)
	}

	entries, err := db.ListQuarantine()
	if err != nil {
		t.Fatalf("list quarantine: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	if err := db.DeleteQuarantine(q.ID); err != nil {
		t.Fatalf("delete quarantine: %v", err)
	}
	got, err = db.GetQuarantine(q.ID)
	if err != nil {
		t.Fatalf("get deleted: %v", err)
	}
	if got != nil {
		t.Errorf("deleted entry still present: %+v", got)
	}
}

func TestReputationCacheRoundTrip(t *testing.T) {
	db := openTestDB(t)
	cache := db.ReputationCache()
	ctx := context.Background()

	entry, err := cache.Get(ctx, "absent")
	if err != nil {
		t.Fatalf("get absent: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected nil for absent digest, got %+v", entry)
	}

	fetched := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	put := reputation.Entry{
		Digest:     "deadbeef",
		Verdict:    reputation.VerdictMalicious,
		Confidence: 0.97,
		Category:   "ransomware",
		Source:     "remote",
		FetchedAt:  fetched,
		TTL:        time.Hour,
	}
	if err := cache.Put(ctx, put); err != nil {
		t.Fatalf("put: %v", err)
	}

	entry, err = cache.Get(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Verdict != reputation.VerdictMalicious || entry.Confidence != 0.97 {
		t.Errorf("entry = %+v", entry)
	}
	if !entry.FetchedAt.Equal(fetched) {
		t.Errorf("fetched_at = %v, want %v", entry.FetchedAt, fetched)
	}
	if entry.TTL != time.Hour {
		t.Errorf("ttl = %v", entry.TTL)
	}

	// Refreshing the same digest replaces the row.
	put.Verdict = reputation.VerdictBenign
	put.FetchedAt = fetched.Add(time.Hour)
	if err := cache.Put(ctx, put); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	entry, err = cache.Get(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("get refreshed: %v", err)
	}
	if entry.Verdict != reputation.VerdictBenign {
		t.Errorf("refreshed verdict = %s", entry.Verdict)
	}
}
