package fuzzy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRegistryLookup(t *testing.T) {
	if _, ok := Lookup("tlsh"); !ok {
		t.Fatal("tlsh hasher not registered")
	}
	if _, ok := Lookup("TLSH"); !ok {
		t.Errorf("lookup should be case-insensitive")
	}
	if _, ok := Lookup("missing"); ok {
		t.Errorf("unexpected hasher for unknown name")
	}
	if len(Available()) == 0 {
		t.Errorf("expected at least one registered hasher")
	}
}

func TestTLSHHashFile(t *testing.T) {
	h, ok := Lookup("tlsh")
	if !ok {
		t.Fatal("tlsh hasher not registered")
	}

	path := filepath.Join(t.TempDir(), "sample.bin")
	content := make([]byte, 4096)
	for i := range content {
		content[i] = byte(i*7 + i/13)
	}
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatalf("write sample: %v", err)
	}

	sum, err := h.HashFile(path)
	if err != nil {
		t.Fatalf("hash file: %v", err)
	}
	if sum == "" {
		t.Errorf("empty fuzzy hash")
	}

	if _, err := h.HashFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Errorf("expected error for missing file")
	}
}
