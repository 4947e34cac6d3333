package utils

import "testing"

func TestPatternMatcherIncludeExclude(t *testing.T) {
	m := NewPatternMatcher([]string{"*.txt"}, []string{"*.log"})

	if !m.ShouldInclude("/data/notes.txt") {
		t.Errorf("expected notes.txt to be included")
	}
	if m.ShouldInclude("/data/trace.log") {
		t.Errorf("expected trace.log to be excluded")
	}
	if m.ShouldInclude("/data/image.png") {
		t.Errorf("expected image.png to miss the include list")
	}
}

func TestPatternMatcherNoPatterns(t *testing.T) {
	m := NewPatternMatcher(nil, nil)
	if !m.ShouldInclude("/any/file.bin") {
		t.Errorf("expected everything included with no patterns")
	}
}

func TestPatternMatcherRegex(t *testing.T) {
	m := NewPatternMatcher(nil, []string{`/cache/`})
	if m.ShouldInclude("/home/user/cache/blob") {
		t.Errorf("expected cache path excluded by regex")
	}
	if !m.ShouldInclude("/home/user/docs/blob") {
		t.Errorf("expected non-cache path included")
	}
}

func TestPatternMatcherNilReceiver(t *testing.T) {
	var m *PatternMatcher
	if !m.ShouldInclude("/any/file.bin") {
		t.Errorf("expected nil matcher to include everything")
	}
}
