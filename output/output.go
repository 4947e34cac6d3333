package output

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"shieldscan/config"
	"shieldscan/enumerate"
	"shieldscan/logger"
	"shieldscan/store"
	"shieldscan/version"
)

// SchemaVersion identifies the report record layout.
const SchemaVersion = "1.0"

type record struct {
	RecordType    string `json:"record_type"`
	SchemaVersion string `json:"schema_version"`
	EmittedAt     string `json:"emitted_at"`
	Payload       any    `json:"payload"`
}

// Writer emits the session report as NDJSON, one record per line: a header
// record, one record per file result, and a summary record on close. Large
// reports rotate by size.
type Writer struct {
	mu    sync.Mutex
	file  *os.File
	buf   *bufio.Writer
	cfg   *config.Config
	otel  *otelLogger
	base  string
	ext   string
	index int
}

func New(cfg *config.Config) (*Writer, error) {
	ext := filepath.Ext(cfg.ReportFile)
	base := strings.TrimSuffix(cfg.ReportFile, ext)

	w := &Writer{cfg: cfg, base: base, ext: ext}
	otel, err := newOtelLogger(cfg)
	if err != nil {
		logger.Warnf("OTEL export disabled: %v", err)
	} else {
		w.otel = otel
	}
	if err := w.openFile(); err != nil {
		return nil, err
	}
	w.writeLocked("header", map[string]any{
		"tool":    "shieldscan",
		"version": version.Version,
	})
	return w, nil
}

func (w *Writer) openFile() error {
	name := w.base + w.ext
	if w.index > 0 {
		name = fmt.Sprintf("%s.%d%s", w.base, w.index, w.ext)
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	w.file = f
	w.buf = bufio.NewWriterSize(f, 1024*1024)
	return nil
}

// WriteResult appends one per-file outcome to the report.
func (w *Writer) WriteResult(r store.FileResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writeLocked("result", r)
	if w.otel != nil && r.ThreatLevel != "clean" {
		w.otel.EmitThreat(r)
	}
	if w.cfg.MaxReportFileSize > 0 {
		if info, err := w.file.Stat(); err == nil && info.Size() >= w.cfg.MaxReportFileSize {
			w.rotate()
		}
	}
}

// WriteWarnings appends the session's discovery warnings as one record.
// Nothing is written when there are none.
func (w *Writer) WriteWarnings(warnings []enumerate.Warning) {
	if len(warnings) == 0 {
		return
	}
	type reportWarning struct {
		Source string `json:"source"`
		Path   string `json:"path,omitempty"`
		Error  string `json:"error"`
	}
	payload := make([]reportWarning, 0, len(warnings))
	for _, warn := range warnings {
		rw := reportWarning{Source: warn.Source, Path: warn.Path}
		if warn.Err != nil {
			rw.Error = warn.Err.Error()
		}
		payload = append(payload, rw)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writeLocked("warnings", payload)
}

// WriteSummary appends the final session record.
func (w *Writer) WriteSummary(sess *store.Session) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writeLocked("summary", sess)
	if w.otel != nil {
		w.otel.EmitSummary(sess)
	}
}

func (w *Writer) writeLocked(recordType string, payload any) {
	line, err := json.Marshal(record{
		RecordType:    recordType,
		SchemaVersion: SchemaVersion,
		EmittedAt:     time.Now().UTC().Format(time.RFC3339),
		Payload:       payload,
	})
	if err != nil {
		logger.Warnf("Failed to encode %s record: %v", recordType, err)
		return
	}
	_, _ = w.buf.Write(line)
	_, _ = w.buf.WriteString("\n")
	_ = w.buf.Flush()
}

func (w *Writer) rotate() {
	w.closeFile()
	w.index++
	if err := w.openFile(); err != nil {
		logger.Errorf("Failed to rotate report file: %v", err)
	}
}

func (w *Writer) closeFile() {
	if w.buf != nil {
		_ = w.buf.Flush()
	}
	if w.file != nil {
		_ = w.file.Sync()
		_ = w.file.Close()
	}
}

func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeFile()
	if w.otel != nil {
		w.otel.Shutdown()
	}
}
