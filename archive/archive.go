package archive

import (
	"context"
	"fmt"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/matchers"
)

// Format identifies a recognized container format.
type Format string

const (
	FormatZip  Format = "zip"
	FormatGzip Format = "gzip"
	FormatTar  Format = "tar"
	Format7z   Format = "7z"
	FormatRar  Format = "rar"
	FormatXz   Format = "xz"
	FormatBz2  Format = "bz2"
)

// AnomalyKind tags a structural problem found while analyzing an archive.
type AnomalyKind string

const (
	AnomalyBomb        AnomalyKind = "decompression-bomb"
	AnomalyTraversal   AnomalyKind = "path-traversal"
	AnomalyUnsupported AnomalyKind = "unsupported-format"
	AnomalyTruncated   AnomalyKind = "truncated"
	AnomalyDepth       AnomalyKind = "depth-exceeded"
)

// Anomaly is one structural finding on an archive.
type Anomaly struct {
	Kind   AnomalyKind `json:"kind"`
	Detail string      `json:"detail"`
}

// Entry is one extracted archive member, written under the session scratch
// directory.
type Entry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Result is the outcome of analyzing one candidate file.
type Result struct {
	IsArchive bool      `json:"is_archive"`
	Format    Format    `json:"format,omitempty"`
	Entries   []Entry   `json:"entries,omitempty"`
	Anomalies []Anomaly `json:"anomalies,omitempty"`
}

// Bombed reports whether analysis flagged a decompression bomb.
func (r *Result) Bombed() bool {
	for _, a := range r.Anomalies {
		if a.Kind == AnomalyBomb {
			return true
		}
	}
	return false
}

// Config bounds extraction. Declared sizes are checked against these caps
// before any byte is decompressed.
type Config struct {
	// RatioThreshold flags archives whose declared expansion ratio is
	// strictly greater than this value. An archive exactly at the
	// threshold passes.
	RatioThreshold float64

	// MaxEntries caps the declared entry count.
	MaxEntries int

	// MaxTotalBytes caps the declared total uncompressed size.
	MaxTotalBytes int64

	// MaxEntryBytes caps any single entry's uncompressed size.
	MaxEntryBytes int64
}

// DefaultConfig matches the shipped extraction policy.
func DefaultConfig() Config {
	return Config{
		RatioThreshold: 100,
		MaxEntries:     1000,
		MaxTotalBytes:  1 << 30,
		MaxEntryBytes:  256 << 20,
	}
}

// Analyzer recognizes container formats by signature bytes, screens their
// declared metadata for decompression attacks, and extracts entries into a
// caller-owned scratch directory.
type Analyzer struct {
	cfg Config
}

func NewAnalyzer(cfg Config) *Analyzer {
	if cfg.RatioThreshold <= 0 {
		cfg.RatioThreshold = 100
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if cfg.MaxTotalBytes <= 0 {
		cfg.MaxTotalBytes = 1 << 30
	}
	if cfg.MaxEntryBytes <= 0 {
		cfg.MaxEntryBytes = 256 << 20
	}
	return &Analyzer{cfg: cfg}
}

// Detect recognizes the container format from the head window. Extension is
// deliberately ignored; only signature bytes count.
func Detect(window []byte) (Format, bool) {
	kind, err := filetype.Match(window)
	if err != nil {
		return "", false
	}
	switch kind {
	case matchers.TypeZip:
		return FormatZip, true
	case matchers.TypeGz:
		return FormatGzip, true
	case matchers.TypeTar:
		return FormatTar, true
	case matchers.Type7z:
		return Format7z, true
	case matchers.TypeRar:
		return FormatRar, true
	case matchers.TypeXz:
		return FormatXz, true
	case matchers.TypeBz2:
		return FormatBz2, true
	}
	return "", false
}

// Analyze inspects path and, when safe, extracts its entries under
// scratchDir. The bomb screen runs on declared metadata alone; if it trips,
// nothing is extracted and the result carries a decompression-bomb anomaly.
func (a *Analyzer) Analyze(ctx context.Context, path string, window []byte, scratchDir string) (*Result, error) {
	format, ok := Detect(window)
	if !ok {
		return &Result{}, nil
	}
	res := &Result{IsArchive: true, Format: format}

	switch format {
	case FormatZip:
		return res, a.analyzeZip(ctx, path, scratchDir, res)
	case FormatGzip:
		return res, a.analyzeGzip(ctx, path, scratchDir, res)
	case FormatTar:
		return res, a.analyzeTar(ctx, path, scratchDir, res)
	default:
		res.Anomalies = append(res.Anomalies, Anomaly{
			Kind:   AnomalyUnsupported,
			Detail: fmt.Sprintf("format %s recognized but not extracted", format),
		})
		return res, nil
	}
}
