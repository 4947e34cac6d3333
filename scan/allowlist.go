package scan

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/FastFilter/xorfilter"
	"github.com/cespare/xxhash/v2"
)

// Allowlist is a probabilistic set of known-benign digests. A hit skips
// signature and reputation work for that file. False positives are possible
// but rare enough that the shipped lists keep them below one in a billion.
type Allowlist struct {
	filter *xorfilter.BinaryFuse8
	count  int
}

// LoadAllowlist reads one lowercase hex digest per line; blank lines and
// lines starting with # are ignored.
func LoadAllowlist(path string) (*Allowlist, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open allowlist: %w", err)
	}
	defer f.Close()

	var keys []uint64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, xxhash.Sum64String(strings.ToLower(line)))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read allowlist: %w", err)
	}
	return NewAllowlist(keys)
}

// NewAllowlist builds the filter from pre-hashed digest keys.
func NewAllowlist(keys []uint64) (*Allowlist, error) {
	if len(keys) == 0 {
		return &Allowlist{}, nil
	}
	filter, err := xorfilter.PopulateBinaryFuse8(keys)
	if err != nil {
		return nil, fmt.Errorf("build allowlist filter: %w", err)
	}
	return &Allowlist{filter: filter, count: len(keys)}, nil
}

// Contains reports whether the digest is known benign.
func (a *Allowlist) Contains(digest string) bool {
	if a == nil || a.filter == nil {
		return false
	}
	return a.filter.Contains(xxhash.Sum64String(strings.ToLower(digest)))
}

// Len is the number of digests the filter was built from.
func (a *Allowlist) Len() int {
	if a == nil {
		return 0
	}
	return a.count
}
