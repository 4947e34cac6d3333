package enumerate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"shieldscan/logger"
)

// ErrAccessDenied marks a source or file the platform refused to expose.
// The enumerator skips and records it rather than failing the scan.
var ErrAccessDenied = errors.New("access denied")

// Source is one file discovery provider: an indexed media store, a
// user-granted directory tree, or application-private storage. List streams
// records in a stable order; token resumes after a previously emitted record.
type Source interface {
	ID() string
	List(ctx context.Context, token string, fn func(FileRecord) error) error
	Open(rec FileRecord) (io.ReadCloser, error)
}

// Warning records a non-fatal discovery problem (source unavailable,
// unreadable directory). Warnings end up in the session report.
type Warning struct {
	Source string
	Path   string
	Err    error
}

// Enumerator merges the configured sources into one ordered sequence with a
// resumable cursor. Sources are visited in registration order; within a
// source, record order is the source's stable order.
type Enumerator struct {
	sources  []Source
	warnings []Warning
}

func New(sources ...Source) *Enumerator {
	return &Enumerator{sources: sources}
}

// Warnings returns the discovery warnings accumulated by the last Enumerate.
func (e *Enumerator) Warnings() []Warning {
	return e.warnings
}

// Enumerate streams the merged sequence starting after the supplied cursor.
// The callback receives each record together with the cursor that marks it;
// persisting that cursor and resuming yields the remainder of the sequence.
// An unavailable source is skipped with a recorded warning.
func (e *Enumerator) Enumerate(ctx context.Context, from Cursor, fn func(FileRecord, Cursor) error) error {
	e.warnings = nil
	seq := from.Seq
	resuming := from.Source != ""

	for _, src := range e.sources {
		if resuming && src.ID() != from.Source {
			continue
		}
		token := ""
		if resuming && src.ID() == from.Source {
			token = from.Token
			resuming = false
		}

		err := src.List(ctx, token, func(rec FileRecord) error {
			seq++
			rec.Seq = seq
			rec.Source = src.ID()
			cur := Cursor{Source: src.ID(), Token: rec.Path, Seq: seq}
			return fn(rec, cur)
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if errors.Is(err, ErrAccessDenied) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
				logger.Warnf("Source %s unavailable, skipping: %v", src.ID(), err)
				e.warnings = append(e.warnings, Warning{Source: src.ID(), Err: err})
				continue
			}
			return fmt.Errorf("source %s: %w", src.ID(), err)
		}
	}
	return nil
}

// Open resolves a record back to its source and opens its content.
func (e *Enumerator) Open(rec FileRecord) (io.ReadCloser, error) {
	for _, src := range e.sources {
		if src.ID() == rec.Source {
			return src.Open(rec)
		}
	}
	return nil, fmt.Errorf("unknown source %q for %s", rec.Source, rec.Path)
}
