package signature

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync/atomic"

	"github.com/cloudflare/ahocorasick"

	"shieldscan/logger"
)

const (
	streamChunkSize = 256 * 1024
)

// Target is the material the engine evaluates: a bounded head window plus a
// way to stream the full content for rules that declare full-scan scope.
type Target struct {
	Path     string
	Size     int64
	MimeType string

	// Window is the bounded head window; byte/string rules match against
	// it unless they declare full-scan.
	Window []byte

	// OpenFull streams the whole content for full-scan rules. Nil when
	// the caller cannot provide it; full-scan rules then evaluate against
	// the window only.
	OpenFull func() (io.ReadCloser, error)
}

type patternGroup struct {
	ruleIdx  []int
	patterns [][]byte
	matcher  *ahocorasick.Matcher
	maxLen   int
}

func buildGroup(rules []Rule, idx []int) patternGroup {
	g := patternGroup{ruleIdx: idx}
	for _, i := range idx {
		var pat []byte
		if rules[i].Kind == KindByteSequence {
			pat, _ = hex.DecodeString(rules[i].Pattern)
		} else {
			pat = []byte(rules[i].Pattern)
		}
		g.patterns = append(g.patterns, pat)
		if len(pat) > g.maxLen {
			g.maxLen = len(pat)
		}
	}
	if len(g.patterns) > 0 {
		g.matcher = ahocorasick.NewMatcher(g.patterns)
	}
	return g
}

// matchIn returns the positions in g.ruleIdx whose pattern occurs in content.
// The automaton gives candidates; each is verified with an exact search so a
// hit never depends on automaton internals or evaluation order.
func (g *patternGroup) matchIn(content []byte) []int {
	if g.matcher == nil || len(content) == 0 {
		return nil
	}
	candidates := g.matcher.MatchThreadSafe(content)
	if len(candidates) == 0 {
		return nil
	}
	var hits []int
	for _, c := range candidates {
		if c < 0 || c >= len(g.patterns) {
			continue
		}
		if bytes.Contains(content, g.patterns[c]) {
			hits = append(hits, c)
		}
	}
	return hits
}

type compiledSet struct {
	rules      []Rule
	window     patternGroup
	full       patternGroup
	structural []int
}

func compile(rules []Rule) (*compiledSet, error) {
	cs := &compiledSet{rules: rules}
	var windowIdx, fullIdx []int
	for i, r := range rules {
		if err := r.validate(); err != nil {
			return nil, err
		}
		if !r.Enabled {
			continue
		}
		switch r.Kind {
		case KindStructural:
			cs.structural = append(cs.structural, i)
		default:
			if r.FullScan {
				fullIdx = append(fullIdx, i)
			} else {
				windowIdx = append(windowIdx, i)
			}
		}
	}
	cs.window = buildGroup(rules, windowIdx)
	cs.full = buildGroup(rules, fullIdx)
	return cs, nil
}

// Engine evaluates a rule set against file content and metadata. The active
// set is swapped atomically so readers never observe a half-updated set.
type Engine struct {
	set        atomic.Pointer[compiledSet]
	thresholds Thresholds
}

func NewEngine(rules []Rule, thresholds Thresholds) (*Engine, error) {
	cs, err := compile(rules)
	if err != nil {
		return nil, err
	}
	e := &Engine{thresholds: thresholds}
	e.set.Store(cs)
	return e, nil
}

// Swap replaces the active rule set. Intended for reload between sessions;
// in-flight evaluations finish against the set they started with.
func (e *Engine) Swap(rules []Rule) error {
	cs, err := compile(rules)
	if err != nil {
		return err
	}
	e.set.Store(cs)
	logger.Infof("Signature rule set reloaded: %d rules", len(rules))
	return nil
}

// RuleCount returns the number of rules in the active set.
func (e *Engine) RuleCount() int {
	return len(e.set.Load().rules)
}

// Thresholds returns the configured level thresholds.
func (e *Engine) Thresholds() Thresholds { return e.thresholds }

// Classify derives the threat level from a set of matches.
func (e *Engine) Classify(matches []Match) Level {
	return e.thresholds.Classify(HighestConfidence(matches))
}

// Evaluate runs every enabled rule independently against the target and
// returns the matches sorted by rule id. A file can match zero, one, or many
// rules; results depend only on which patterns are present.
func (e *Engine) Evaluate(ctx context.Context, t *Target) ([]Match, error) {
	cs := e.set.Load()
	matched := make(map[int]struct{})

	for _, hit := range cs.window.matchIn(t.Window) {
		matched[cs.window.ruleIdx[hit]] = struct{}{}
	}

	if len(cs.full.ruleIdx) > 0 {
		if err := e.evaluateFull(ctx, cs, t, matched); err != nil {
			return nil, err
		}
	}

	for _, i := range cs.structural {
		hit, err := runInspector(cs.rules[i].Pattern, t)
		if err != nil {
			logger.Debugf("Structural inspector %s failed for %s: %v", cs.rules[i].Pattern, t.Path, err)
			continue
		}
		if hit {
			matched[i] = struct{}{}
		}
	}

	matches := make([]Match, 0, len(matched))
	for i := range matched {
		r := cs.rules[i]
		matches = append(matches, Match{RuleID: r.ID, Category: r.Category, Confidence: r.Confidence})
	}
	sort.Slice(matches, func(a, b int) bool { return matches[a].RuleID < matches[b].RuleID })
	return matches, nil
}

// evaluateFull streams the whole content in overlapping chunks so a pattern
// straddling a chunk boundary is still found. Overlap is one byte short of
// the longest full-scan pattern.
func (e *Engine) evaluateFull(ctx context.Context, cs *compiledSet, t *Target, matched map[int]struct{}) error {
	if t.OpenFull == nil {
		for _, hit := range cs.full.matchIn(t.Window) {
			matched[cs.full.ruleIdx[hit]] = struct{}{}
		}
		return nil
	}

	rc, err := t.OpenFull()
	if err != nil {
		return fmt.Errorf("open for full scan: %w", err)
	}
	defer rc.Close()

	overlap := cs.full.maxLen - 1
	if overlap < 0 {
		overlap = 0
	}
	if overlap > streamChunkSize/2 {
		overlap = streamChunkSize / 2
	}

	buf := make([]byte, streamChunkSize)
	carry := make([]byte, 0, overlap)
	pending := len(cs.full.ruleIdx)

	for pending > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, readErr := rc.Read(buf)
		if n > 0 {
			window := buf[:n]
			if len(carry) > 0 {
				window = append(append(make([]byte, 0, len(carry)+n), carry...), buf[:n]...)
			}
			for _, hit := range cs.full.matchIn(window) {
				idx := cs.full.ruleIdx[hit]
				if _, done := matched[idx]; !done {
					matched[idx] = struct{}{}
					pending--
				}
			}
			if overlap > 0 {
				if len(window) <= overlap {
					carry = append(carry[:0], window...)
				} else {
					carry = append(carry[:0], window[len(window)-overlap:]...)
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return fmt.Errorf("read during full scan: %w", readErr)
		}
	}
	return nil
}
