package utils

import (
	"path/filepath"
	"testing"
)

func TestIsPathWithin(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "sub", "file.txt")
	outside := filepath.Join(filepath.Dir(root), "elsewhere", "file.txt")

	if !IsPathWithin(inside, []string{root}) {
		t.Errorf("expected %s to be within %s", inside, root)
	}
	if IsPathWithin(outside, []string{root}) {
		t.Errorf("expected %s to be outside %s", outside, root)
	}
	if !IsPathWithin(root, []string{root}) {
		t.Errorf("expected root to be within itself")
	}
}

func TestJoinWithin(t *testing.T) {
	root := t.TempDir()

	got, err := JoinWithin(root, "dir/file.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := filepath.Join(root, "dir", "file.txt")
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}

	escapes := []string{
		"../evil.txt",
		"dir/../../evil.txt",
		"../../../../etc/passwd",
	}
	for _, name := range escapes {
		if _, err := JoinWithin(root, name); err == nil {
			t.Errorf("expected error for escaping entry %q", name)
		}
	}
}
