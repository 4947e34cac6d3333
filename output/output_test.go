package output

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"shieldscan/config"
	"shieldscan/enumerate"
	"shieldscan/store"
)

func readRecords(t *testing.T, path string) []record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open report: %v", err)
	}
	defer f.Close()

	var records []record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("malformed report line %q: %v", sc.Text(), err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan report: %v", err)
	}
	return records
}

func TestWriterEmitsNDJSON(t *testing.T) {
	reportPath := filepath.Join(t.TempDir(), "report.ndjson")
	cfg := &config.Config{ReportFile: reportPath}

	w, err := New(cfg)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	w.WriteResult(store.FileResult{
		SessionID:   "s1",
		Seq:         1,
		Path:        "/data/a.txt",
		ThreatLevel: "clean",
		Status:      "processed",
	})
	w.WriteResult(store.FileResult{
		SessionID:   "s1",
		Seq:         2,
		Path:        "/data/mal.bin",
		ThreatLevel: "malicious",
		Status:      "processed",
	})
	w.WriteSummary(&store.Session{ID: "s1", Status: "completed"})
	w.Close()

	records := readRecords(t, reportPath)
	if len(records) != 4 {
		t.Fatalf("expected 4 records (header, 2 results, summary), got %d", len(records))
	}
	if records[0].RecordType != "header" {
		t.Errorf("first record type = %s", records[0].RecordType)
	}
	if records[1].RecordType != "result" || records[2].RecordType != "result" {
		t.Errorf("middle records = %s, %s", records[1].RecordType, records[2].RecordType)
	}
	if records[3].RecordType != "summary" {
		t.Errorf("last record type = %s", records[3].RecordType)
	}
	for i, rec := range records {
		if rec.SchemaVersion != SchemaVersion {
			t.Errorf("record %d schema version = %s", i, rec.SchemaVersion)
		}
		if rec.EmittedAt == "" {
			t.Errorf("record %d missing timestamp", i)
		}
	}

	payload, ok := records[1].Payload.(map[string]any)
	if !ok {
		t.Fatalf("result payload type %T", records[1].Payload)
	}
	if payload["path"] != "/data/a.txt" {
		t.Errorf("result payload path = %v", payload["path"])
	}
}

func TestWriterEmitsWarnings(t *testing.T) {
	reportPath := filepath.Join(t.TempDir(), "report.ndjson")
	w, err := New(&config.Config{ReportFile: reportPath})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	w.WriteWarnings([]enumerate.Warning{
		{Source: "tree:/media", Err: errors.New("no such file or directory")},
		{Source: "tree:/data", Path: "/data/locked", Err: errors.New("permission denied")},
	})
	w.WriteSummary(&store.Session{ID: "s1", Status: "completed"})
	w.Close()

	records := readRecords(t, reportPath)
	if len(records) != 3 {
		t.Fatalf("expected 3 records (header, warnings, summary), got %d", len(records))
	}
	if records[1].RecordType != "warnings" {
		t.Fatalf("second record type = %s", records[1].RecordType)
	}
	payload, ok := records[1].Payload.([]any)
	if !ok || len(payload) != 2 {
		t.Fatalf("warnings payload = %#v", records[1].Payload)
	}
	first, ok := payload[0].(map[string]any)
	if !ok {
		t.Fatalf("warning entry type %T", payload[0])
	}
	if first["source"] != "tree:/media" || first["error"] != "no such file or directory" {
		t.Errorf("warning entry = %v", first)
	}

	// No warnings, no record.
	secondPath := filepath.Join(t.TempDir(), "report.ndjson")
	w2, err := New(&config.Config{ReportFile: secondPath})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	w2.WriteWarnings(nil)
	w2.Close()
	if records := readRecords(t, secondPath); len(records) != 1 {
		t.Errorf("expected only the header, got %d records", len(records))
	}
}

func TestWriterRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	reportPath := filepath.Join(dir, "report.ndjson")
	cfg := &config.Config{ReportFile: reportPath, MaxReportFileSize: 200}

	w, err := New(cfg)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	for i := range 10 {
		w.WriteResult(store.FileResult{
			SessionID:   "s1",
			Seq:         uint64(i + 1),
			Path:        filepath.Join("/data", "file", "deeply", "nested", "entry.bin"),
			ThreatLevel: "clean",
			Status:      "processed",
		})
	}
	w.Close()

	if _, err := os.Stat(reportPath); err != nil {
		t.Errorf("primary report missing: %v", err)
	}
	rotated, err := filepath.Glob(filepath.Join(dir, "report.*.ndjson"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(rotated) == 0 {
		t.Error("no rotated report files despite size cap")
	}

	// Every file still holds whole, parseable lines.
	for _, p := range append([]string{reportPath}, rotated...) {
		readRecords(t, p)
	}
}

func TestResolveOtelEndpoint(t *testing.T) {
	cfg := &config.Config{OtelEndpoint: "https://collector.internal:4318"}
	if got := resolveOtelEndpoint(cfg); got != "https://collector.internal:4318" {
		t.Errorf("explicit endpoint = %q", got)
	}

	t.Setenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT", "https://logs.example:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://generic.example:4318")

	// Environment fallback is opt-in.
	if got := resolveOtelEndpoint(&config.Config{}); got != "" {
		t.Errorf("env endpoint used without opt-in: %q", got)
	}
	if got := resolveOtelEndpoint(&config.Config{OtelFromEnv: true}); got != "https://logs.example:4318" {
		t.Errorf("logs endpoint not preferred: %q", got)
	}
	t.Setenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT", "")
	if got := resolveOtelEndpoint(&config.Config{OtelFromEnv: true}); got != "https://generic.example:4318" {
		t.Errorf("generic endpoint fallback = %q", got)
	}
}

func TestNewOtelLoggerRequiresScheme(t *testing.T) {
	if _, err := newOtelLogger(&config.Config{OtelEndpoint: "collector.internal:4318"}); err == nil {
		t.Error("expected error for endpoint without scheme")
	}
	o, err := newOtelLogger(&config.Config{})
	if err != nil {
		t.Fatalf("no-endpoint config: %v", err)
	}
	if o != nil {
		t.Error("expected nil exporter without an endpoint")
	}
}
