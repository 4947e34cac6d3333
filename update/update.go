package update

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const feedURL = "https://api.github.com/repos/shieldscan/signatures/releases/latest"

// Release describes the newest rule set published on the signature feed.
type Release struct {
	Version string
	Notes   string
}

// CheckRuleFeed asks the signature feed for its latest release and reports
// whether it is newer than the currently loaded rule set version. The check
// is informational only; scans run with whatever rules are loaded.
func CheckRuleFeed(current string) (Release, bool, error) {
	return checkRuleFeedURL(current, feedURL)
}

func checkRuleFeedURL(current, url string) (Release, bool, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return Release{}, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Release{}, false, fmt.Errorf("unexpected status: %s", resp.Status)
	}
	var info struct {
		TagName string `json:"tag_name"`
		Body    string `json:"body"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Release{}, false, err
	}
	rel := Release{Version: strings.TrimPrefix(info.TagName, "v"), Notes: info.Body}
	return rel, newerVersion(rel.Version, current), nil
}

// newerVersion compares dotted numeric version stamps component by
// component. Missing components count as zero, so 1.2 and 1.2.0 are equal.
// Non-numeric components compare as zero.
func newerVersion(latest, current string) bool {
	lp := strings.Split(strings.TrimPrefix(latest, "v"), ".")
	cp := strings.Split(strings.TrimPrefix(current, "v"), ".")
	for i := 0; i < len(lp) || i < len(cp); i++ {
		var l, c int
		if i < len(lp) {
			l, _ = strconv.Atoi(lp[i])
		}
		if i < len(cp) {
			c, _ = strconv.Atoi(cp[i])
		}
		if l != c {
			return l > c
		}
	}
	return false
}
