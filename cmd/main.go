package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/schollz/progressbar/v3"

	"shieldscan/archive"
	"shieldscan/config"
	"shieldscan/enumerate"
	"shieldscan/hasher"
	"shieldscan/logger"
	"shieldscan/output"
	"shieldscan/reputation"
	"shieldscan/scan"
	"shieldscan/signature"
	"shieldscan/store"
	"shieldscan/tracing"
	"shieldscan/update"
	"shieldscan/utils"
)

func main() {
	if err := tracing.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start trace: %v\n", err)
	} else {
		defer tracing.Stop()
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if handled := runQuarantineVerbs(cfg, db); handled {
		return
	}

	ruleFile, err := signature.LoadRuleFile(cfg.RulesFile)
	if err != nil {
		logger.Fatalf("Failed to load signature rules: %v", err)
	}
	rules := ruleFile.Rules
	engine, err := signature.NewEngine(rules, signature.Thresholds{
		Malicious:  cfg.ThresholdMalicious,
		Suspicious: cfg.ThresholdSuspicious,
	})
	if err != nil {
		logger.Fatalf("Failed to compile signature rules: %v", err)
	}
	logger.Infof("Loaded %d signature rules from %s", engine.RuleCount(), cfg.RulesFile)
	auditRules(db, rules)

	if cfg.UpdateCheck {
		if rel, newer, err := update.CheckRuleFeed(ruleFile.Version); err == nil && newer {
			if strings.Contains(strings.ToLower(rel.Notes), "security") {
				logger.Warnf("Signature rule update available: %s -> %s (security fixes included)", ruleFile.Version, rel.Version)
			} else {
				logger.Infof("Signature rule update available: %s -> %s", ruleFile.Version, rel.Version)
			}
		}
	}

	if cfg.WatchRules {
		watcher, err := signature.WatchRules(cfg.RulesFile, engine)
		if err != nil {
			logger.Warnf("Rule hot-reload disabled: %v", err)
		} else {
			defer watcher.Close()
		}
	}

	matcher := utils.NewPatternMatcher(cfg.IncludePatterns, cfg.ExcludePatterns)
	var sources []enumerate.Source
	for _, p := range cfg.StartPaths {
		root := filepath.Clean(p)
		sources = append(sources, enumerate.NewTreeSource("tree:"+root, root, matcher))
	}
	enumerator := enumerate.New(sources...)

	var allowlist *scan.Allowlist
	if cfg.AllowlistFile != "" {
		allowlist, err = scan.LoadAllowlist(cfg.AllowlistFile)
		if err != nil {
			logger.Fatalf("Failed to load allowlist: %v", err)
		}
		logger.Infof("Loaded %d known-benign digests", allowlist.Len())
	}

	var remote reputation.Remote
	if cfg.ReputationEndpoint != "" {
		remote = reputation.NewHTTPSource(cfg.ReputationEndpoint, cfg.ReputationAPIKey, cfg.ReputationTimeout)
	}
	repClient := reputation.NewClient(db.ReputationCache(), remote, reputation.Config{
		TTL:               cfg.ReputationTTL,
		RequestsPerSecond: cfg.ReputationRPS,
		Burst:             cfg.ReputationBurst,
	})

	quarantiner, err := scan.NewQuarantiner(cfg.QuarantineDir, db)
	if err != nil {
		logger.Fatalf("Failed to prepare quarantine dir: %v", err)
	}

	totalEstimate := int64(-1)
	if !cfg.SkipCount && cfg.ResumeSession == "" {
		logger.Info("Counting files to scan...")
		totalEstimate = countFiles(cfg.StartPaths, matcher)
		logger.Infof("Total files to scan: %d", totalEstimate)
	}

	orchestrator := scan.New(scan.Deps{
		Enumerator: enumerator,
		Validator: scan.NewValidator(scan.Policy{
			MaxFileSize:       cfg.MaxFileSize,
			ExcludeExtensions: cfg.ExcludeExtensions,
			ExcludeMIMETypes:  cfg.ExcludeMIMETypes,
		}),
		Hasher: hasher.New(cfg.HashAlgorithms),
		Archives: archive.NewAnalyzer(archive.Config{
			RatioThreshold: cfg.BombRatioThreshold,
			MaxEntries:     cfg.MaxArchiveEntries,
			MaxTotalBytes:  cfg.MaxArchiveTotalBytes,
			MaxEntryBytes:  cfg.MaxArchiveEntryBytes,
		}),
		Signatures: engine,
		Reputation: repClient,
		Store:      db,
		Allowlist:  allowlist,
		Quarantine: quarantiner,
	}, scan.Options{
		Workers:            cfg.Workers,
		CheckpointEvery:    cfg.CheckpointEvery,
		CheckpointInterval: cfg.CheckpointInterval,
		MaxArchiveDepth:    cfg.MaxArchiveDepth,
		SessionDeadline:    cfg.SessionDeadline,
		AutoQuarantine:     cfg.AutoQuarantine,
		MaxFilesPerSecond:  cfg.MaxFilesPerSecond,
		AutoTune:           cfg.AutoTune,
		WindowBytes:        cfg.WindowBytes,
		ReadMode:           cfg.ContentReadMode,
		MmapMinSize:        cfg.MmapMinSize,
		TotalEstimate:      totalEstimate,
	})

	bar := progressbar.NewOptions64(totalEstimate,
		progressbar.OptionSetDescription("Scanning files"),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
	)
	orchestrator.OnProgress(func(done, total, threats int64) {
		_ = bar.Set64(done)
		if threats > 0 {
			bar.Describe(fmt.Sprintf("Scanning files (%d threats)", threats))
		}
	})
	orchestrator.OnThreat(func(r store.FileResult) {
		logger.Warnf("Threat: %s level=%s digest=%s", r.Path, r.ThreatLevel, r.Digest)
	})
	orchestrator.OnHashProgress(func(path string, n int64) {
		bar.Describe(fmt.Sprintf("Hashing %s (%d MiB)", filepath.Base(path), n>>20))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(orchestrator)

	var sess *store.Session
	if cfg.ResumeSession != "" {
		sess, err = orchestrator.Resume(ctx, cfg.ResumeSession)
	} else {
		sess, err = orchestrator.Start(ctx, strings.Join(cfg.StartPaths, ","))
	}
	if err != nil {
		logger.Fatalf("Scan failed: %v", err)
	}

	writeReport(cfg, db, sess, enumerator.Warnings())
	printThreats(db, sess.ID)
	logger.Infof("Session %s finished with status %s", sess.ID, sess.Status)
}

func printThreats(db *store.DB, sessionID string) {
	threats, err := db.ListThreats(sessionID)
	if err != nil {
		logger.Errorf("Failed to read threats for summary: %v", err)
		return
	}
	for _, r := range threats {
		fmt.Printf("%s\t%s\t%s\n", r.ThreatLevel, r.Path, r.Digest)
	}
}

func runQuarantineVerbs(cfg *config.Config, db *store.DB) bool {
	if cfg.ListQuarantine {
		entries, err := db.ListQuarantine()
		if err != nil {
			logger.Fatalf("Failed to list quarantine: %v", err)
		}
		for _, e := range entries {
			fmt.Printf("%d\t%s\t%s\t%s\n", e.ID, e.CreatedAt.Format("2006-01-02 15:04:05"), e.OriginalPath, e.Reason)
		}
		return true
	}
	if cfg.QuarantineRestore != 0 || cfg.QuarantinePurge != 0 {
		q, err := scan.NewQuarantiner(cfg.QuarantineDir, db)
		if err != nil {
			logger.Fatalf("Failed to open quarantine dir: %v", err)
		}
		if cfg.QuarantineRestore != 0 {
			if err := q.Restore(cfg.QuarantineRestore); err != nil {
				logger.Fatalf("Restore failed: %v", err)
			}
			logger.Infof("Restored quarantine entry %d", cfg.QuarantineRestore)
		}
		if cfg.QuarantinePurge != 0 {
			if err := q.Purge(cfg.QuarantinePurge); err != nil {
				logger.Fatalf("Purge failed: %v", err)
			}
			logger.Infof("Purged quarantine entry %d", cfg.QuarantinePurge)
		}
		return true
	}
	return false
}

func auditRules(db *store.DB, rules []signature.Rule) {
	rows := make([]store.RuleRow, 0, len(rules))
	for _, r := range rules {
		rows = append(rows, store.RuleRow{
			ID:         r.ID,
			Category:   string(r.Category),
			Kind:       string(r.Kind),
			Pattern:    r.Pattern,
			Confidence: r.Confidence,
			Enabled:    r.Enabled,
			FullScan:   r.FullScan,
		})
	}
	if err := db.ReplaceRules(rows); err != nil {
		logger.Warnf("Failed to record loaded rules: %v", err)
	}
}

func countFiles(startPaths []string, matcher *utils.PatternMatcher) int64 {
	var total int64
	for _, p := range startPaths {
		_ = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if !d.IsDir() && matcher.ShouldInclude(path) {
				total++
			}
			return nil
		})
	}
	return total
}

func writeReport(cfg *config.Config, db *store.DB, sess *store.Session, warnings []enumerate.Warning) {
	writer, err := output.New(cfg)
	if err != nil {
		logger.Errorf("Failed to open report file: %v", err)
		return
	}
	defer writer.Close()

	results, err := db.ListResults(sess.ID)
	if err != nil {
		logger.Errorf("Failed to read results for report: %v", err)
	}
	for _, r := range results {
		writer.WriteResult(r)
	}
	writer.WriteWarnings(warnings)
	writer.WriteSummary(sess)
	logger.Infof("Report written to %s", cfg.ReportFile)
}

func handleSignals(o *scan.Orchestrator) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("Interrupt signal received. Cancelling scan...")
	o.Cancel()
}
