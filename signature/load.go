package signature

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"shieldscan/logger"
)

// RuleFile is a parsed rule file: the feed's version stamp plus the rules.
type RuleFile struct {
	Version string `json:"version"`
	Rules   []Rule `json:"rules"`
}

// LoadRuleFile reads a JSON rule file of the form
// {"version": "...", "rules": [...]}. The version stamp is optional.
func LoadRuleFile(path string) (*RuleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	var rf RuleFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse rule file: %w", err)
	}
	for _, r := range rf.Rules {
		if err := r.validate(); err != nil {
			return nil, err
		}
	}
	return &rf, nil
}

// LoadRules reads just the rules, for callers that ignore the version stamp.
func LoadRules(path string) ([]Rule, error) {
	rf, err := LoadRuleFile(path)
	if err != nil {
		return nil, err
	}
	return rf.Rules, nil
}

// Watcher reloads the engine's rule set when the rule file changes on disk.
// Sessions already running keep the set they started with; the swap is only
// observed by evaluations that begin afterwards.
type Watcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchRules starts watching the rule file's directory (editors replace the
// file rather than writing in place, so watching the file itself misses
// rename-based saves).
func WatchRules(path string, engine *Engine) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{watcher: fw, done: make(chan struct{})}
	target := filepath.Clean(path)

	go func() {
		defer close(w.done)
		for {
			select {
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				rules, err := LoadRules(target)
				if err != nil {
					logger.Warnf("Rule reload skipped, file invalid: %v", err)
					continue
				}
				if err := engine.Swap(rules); err != nil {
					logger.Warnf("Rule reload failed: %v", err)
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				logger.Warnf("Rule watcher error: %v", err)
			}
		}
	}()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() {
	if w == nil || w.watcher == nil {
		return
	}
	w.watcher.Close()
	<-w.done
}
