package signature

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// PatternKind is the tagged kind of a rule's pattern payload.
type PatternKind string

const (
	// KindByteSequence matches a raw byte sequence, hex-encoded in the
	// rule payload.
	KindByteSequence PatternKind = "byte-sequence"
	// KindString matches a literal string.
	KindString PatternKind = "string"
	// KindStructural runs a named structural inspector over the file.
	KindStructural PatternKind = "structural"
)

// Category is the threat family a rule detects.
type Category string

const (
	CategoryMalware       Category = "malware"
	CategoryAdware        Category = "adware"
	CategoryPUA           Category = "pua"
	CategoryBankingTrojan Category = "banking-trojan"
	CategorySpyware       Category = "spyware"
	CategoryRansomware    Category = "ransomware"
)

// Level classifies the outcome for one file.
type Level string

const (
	LevelClean      Level = "clean"
	LevelSuspicious Level = "suspicious"
	LevelMalicious  Level = "malicious"
)

// Max returns the more severe of two levels.
func (l Level) Max(other Level) Level {
	if l.rank() >= other.rank() {
		return l
	}
	return other
}

func (l Level) rank() int {
	switch l {
	case LevelMalicious:
		return 2
	case LevelSuspicious:
		return 1
	default:
		return 0
	}
}

// Thresholds derive a Level from the highest match confidence. They are
// configuration, not per-rule constants.
type Thresholds struct {
	Malicious  float64 `json:"malicious"`
	Suspicious float64 `json:"suspicious"`
}

// DefaultThresholds matches the shipped policy.
var DefaultThresholds = Thresholds{Malicious: 0.8, Suspicious: 0.4}

// Classify maps a confidence to a threat level.
func (t Thresholds) Classify(confidence float64) Level {
	switch {
	case confidence >= t.Malicious:
		return LevelMalicious
	case confidence >= t.Suspicious:
		return LevelSuspicious
	default:
		return LevelClean
	}
}

// Rule is one loaded detection rule. Rules are immutable once compiled into
// a rule set; reload swaps the whole set.
type Rule struct {
	ID         string      `json:"id"`
	Category   Category    `json:"category"`
	Kind       PatternKind `json:"kind"`
	Pattern    string      `json:"pattern"`
	Confidence float64     `json:"confidence"`
	Enabled    bool        `json:"enabled"`

	// FullScan forces matching over the whole file instead of the bounded
	// read window.
	FullScan bool `json:"full_scan,omitempty"`
}

func (r Rule) validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("rule missing id")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("rule %s: confidence %v out of range", r.ID, r.Confidence)
	}
	switch r.Kind {
	case KindByteSequence:
		if _, err := hex.DecodeString(r.Pattern); err != nil {
			return fmt.Errorf("rule %s: pattern is not valid hex: %w", r.ID, err)
		}
		if r.Pattern == "" {
			return fmt.Errorf("rule %s: empty pattern", r.ID)
		}
	case KindString:
		if r.Pattern == "" {
			return fmt.Errorf("rule %s: empty pattern", r.ID)
		}
	case KindStructural:
		if _, ok := inspectors[r.Pattern]; !ok {
			return fmt.Errorf("rule %s: unknown structural inspector %q", r.ID, r.Pattern)
		}
	default:
		return fmt.Errorf("rule %s: unknown pattern kind %q", r.ID, r.Kind)
	}
	return nil
}

// Match is one rule hit on a file.
type Match struct {
	RuleID     string   `json:"rule_id"`
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
}

// AggregateByCategory reduces matches to one confidence per category using
// the maximum individual confidence. Overlapping signatures must not inflate
// the score, so confidences are never summed.
func AggregateByCategory(matches []Match) map[Category]float64 {
	agg := make(map[Category]float64, len(matches))
	for _, m := range matches {
		if m.Confidence > agg[m.Category] {
			agg[m.Category] = m.Confidence
		}
	}
	return agg
}

// HighestConfidence returns the single highest confidence across matches.
func HighestConfidence(matches []Match) float64 {
	var highest float64
	for _, m := range matches {
		if m.Confidence > highest {
			highest = m.Confidence
		}
	}
	return highest
}
