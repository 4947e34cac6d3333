package enumerate

import (
	"context"
	"io"
	"io/fs"
	"os"
	"time"

	"shieldscan/logger"
	"shieldscan/utils"
)

// TreeSource enumerates regular files under a directory root in stable
// depth-first order. It backs both user-granted document trees and
// application-private storage; the root distinguishes them.
type TreeSource struct {
	id      string
	root    string
	matcher *utils.PatternMatcher

	// warn receives per-path access failures so the enumerator can record
	// them without aborting the walk.
	warn func(path string, err error)
}

func NewTreeSource(id, root string, matcher *utils.PatternMatcher) *TreeSource {
	return &TreeSource{id: id, root: root, matcher: matcher}
}

func (s *TreeSource) ID() string { return s.id }

// SetWarnFunc installs the callback invoked for unreadable paths.
func (s *TreeSource) SetWarnFunc(fn func(path string, err error)) { s.warn = fn }

func (s *TreeSource) List(ctx context.Context, token string, fn func(FileRecord) error) error {
	if _, err := os.Stat(s.root); err != nil {
		if os.IsPermission(err) {
			return ErrAccessDenied
		}
		return err
	}

	// With a token we suppress output until the token path is seen, then
	// emit the remainder. Traversal order is stable, so this resumes
	// exactly after the last emitted record on an unchanged tree. If the
	// token never appears (file removed between runs) the whole source is
	// replayed; the result store deduplicates already-recorded files.
	skipping := token != ""
	tokenSeen := false

	err := walkTree(ctx, s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Warnf("Failed to access %s: %v", path, err)
			if s.warn != nil {
				s.warn(path, err)
			}
			return nil
		}
		if d == nil || d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if skipping {
			if path == token {
				skipping = false
				tokenSeen = true
			}
			return nil
		}
		if s.matcher != nil && !s.matcher.ShouldInclude(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			logger.Warnf("Failed to stat %s: %v", path, err)
			if s.warn != nil {
				s.warn(path, err)
			}
			return nil
		}
		rec := FileRecord{
			Path:         path,
			Size:         info.Size(),
			ModTime:      info.ModTime(),
			DiscoveredAt: time.Now().UTC(),
		}
		fillTimes(&rec)
		return fn(rec)
	})
	if err != nil {
		return err
	}
	if token != "" && !tokenSeen && skipping {
		logger.Warnf("Cursor token not found in source %s, sequence replayed from start", s.id)
		return s.List(ctx, "", fn)
	}
	return nil
}

func (s *TreeSource) Open(rec FileRecord) (io.ReadCloser, error) {
	f, err := os.Open(rec.Path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, ErrAccessDenied
		}
		return nil, err
	}
	return f, nil
}
