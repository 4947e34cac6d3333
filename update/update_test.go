package update

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCheckRuleFeed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tag_name":"v2.1.0","body":"adds ransomware family rules"}`))
	}))
	defer ts.Close()

	rel, newer, err := checkRuleFeedURL("2.0.3", ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !newer {
		t.Fatalf("expected newer rule set")
	}
	if rel.Version != "2.1.0" {
		t.Fatalf("unexpected feed version: %s", rel.Version)
	}
	if rel.Notes != "adds ransomware family rules" {
		t.Fatalf("unexpected release notes: %s", rel.Notes)
	}
}

func TestCheckRuleFeedCurrent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tag_name":"v2.1.0","body":""}`))
	}))
	defer ts.Close()

	_, newer, err := checkRuleFeedURL("2.1.0", ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if newer {
		t.Fatalf("did not expect a newer rule set")
	}
}

func TestCheckRuleFeedBadStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	if _, _, err := checkRuleFeedURL("2.0.0", ts.URL); err == nil {
		t.Fatalf("expected error on non-200 status")
	}
}

func TestNewerVersion(t *testing.T) {
	cases := []struct {
		latest  string
		current string
		want    bool
	}{
		{"2.1.0", "2.0.3", true},
		{"2.0.3", "2.1.0", false},
		{"2.1.0", "2.1.0", false},
		{"2.1", "2.1.0", false},
		{"2.1.0.1", "2.1.0", true},
		{"v3.0", "2.9", true},
		// A feed older than the loaded set is not an update.
		{"1.9.9", "2.0.0", false},
	}
	for _, c := range cases {
		if got := newerVersion(c.latest, c.current); got != c.want {
			t.Errorf("newerVersion(%q, %q) = %v, want %v", c.latest, c.current, got, c.want)
		}
	}
}
