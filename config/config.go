package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"shieldscan/version"
)

type Config struct {
	StartPaths        []string `json:"start_paths"`
	IncludePatterns   []string `json:"include_patterns"`
	ExcludePatterns   []string `json:"exclude_patterns"`
	ExcludeExtensions []string `json:"exclude_extensions"`
	ExcludeMIMETypes  []string `json:"exclude_mime_types"`
	MaxFileSize       int64    `json:"max_file_size"`

	Workers           int      `json:"workers"`
	HashAlgorithms    []string `json:"hash_algorithms"`
	WindowBytes       int      `json:"window_bytes"`
	ContentReadMode   string   `json:"content_read_mode"`
	MmapMinSize       int64    `json:"mmap_min_size"`
	MaxFilesPerSecond int      `json:"max_files_per_second"`
	AutoTune          bool     `json:"auto_tune"`

	RulesFile           string  `json:"rules_file"`
	WatchRules          bool    `json:"watch_rules"`
	ThresholdMalicious  float64 `json:"threshold_malicious"`
	ThresholdSuspicious float64 `json:"threshold_suspicious"`

	BombRatioThreshold   float64 `json:"bomb_ratio_threshold"`
	MaxArchiveEntries    int     `json:"max_archive_entries"`
	MaxArchiveTotalBytes int64   `json:"max_archive_total_bytes"`
	MaxArchiveEntryBytes int64   `json:"max_archive_entry_bytes"`
	MaxArchiveDepth      int     `json:"max_archive_depth"`

	ReputationEndpoint string        `json:"reputation_endpoint"`
	ReputationAPIKey   string        `json:"reputation_api_key"`
	ReputationTTL      time.Duration `json:"reputation_ttl"`
	ReputationRPS      float64       `json:"reputation_rps"`
	ReputationBurst    int           `json:"reputation_burst"`
	ReputationTimeout  time.Duration `json:"reputation_timeout"`

	DBPath        string `json:"db_path"`
	AllowlistFile string `json:"allowlist_file"`

	QuarantineDir  string `json:"quarantine_dir"`
	AutoQuarantine bool   `json:"auto_quarantine"`

	CheckpointEvery    int           `json:"checkpoint_every"`
	CheckpointInterval time.Duration `json:"checkpoint_interval"`
	SessionDeadline    time.Duration `json:"session_deadline"`

	ReportFile        string `json:"report_file"`
	MaxReportFileSize int64  `json:"max_report_file_size"`
	SkipCount         bool   `json:"skip_count"`

	OtelEndpoint    string            `json:"otel_endpoint"`
	OtelFromEnv     bool              `json:"otel_from_env"`
	OtelHeaders     map[string]string `json:"otel_headers"`
	OtelServiceName string            `json:"otel_service_name"`
	OtelTimeout     time.Duration     `json:"otel_timeout"`
	OtelExportPaths bool              `json:"otel_export_paths"`

	UpdateCheck bool   `json:"update_check"`
	LogLevel    string `json:"log_level"`
	ConfigFile  string `json:"config_file"`

	// CLI verbs, not persisted in config files.
	ResumeSession     string `json:"-"`
	QuarantineRestore int64  `json:"-"`
	QuarantinePurge   int64  `json:"-"`
	ListQuarantine    bool   `json:"-"`
}

func LoadConfig() (*Config, error) {
	now := time.Now().UTC()
	timestamp := now.Format("20060102-150405")
	cfg := &Config{
		StartPaths:           []string{"."},
		MaxFileSize:          100 * 1024 * 1024,
		Workers:              3,
		HashAlgorithms:       []string{},
		WindowBytes:          64 * 1024,
		ContentReadMode:      "auto",
		MmapMinSize:          128 * 1024,
		AutoTune:             true,
		RulesFile:            "rules.json",
		ThresholdMalicious:   0.8,
		ThresholdSuspicious:  0.4,
		BombRatioThreshold:   100,
		MaxArchiveEntries:    1000,
		MaxArchiveTotalBytes: 1 << 30,
		MaxArchiveEntryBytes: 256 << 20,
		MaxArchiveDepth:      2,
		ReputationTTL:        7 * 24 * time.Hour,
		ReputationRPS:        10,
		ReputationBurst:      10,
		ReputationTimeout:    10 * time.Second,
		DBPath:               "shieldscan.db",
		QuarantineDir:        "quarantine",
		CheckpointEvery:      25,
		CheckpointInterval:   10 * time.Second,
		ReportFile:           fmt.Sprintf("shieldscan-%s-%d.ndjson", timestamp, now.Unix()),
		MaxReportFileSize:    100 * 1024 * 1024,
		SkipCount:            true,
		OtelHeaders:          map[string]string{},
		OtelServiceName:      "shieldscan",
		OtelTimeout:          5 * time.Second,
		LogLevel:             "info",
	}

	startPath := flag.String("path", strings.Join(cfg.StartPaths, ","), "Comma-separated list of start paths to scan.")
	includes := flag.String("include", "", "Comma-separated list of include patterns (default: none).")
	excludes := flag.String("exclude", "", "Comma-separated list of exclude patterns (default: none).")
	excludeExts := flag.String("exclude-extensions", "", "Comma-separated list of file extensions to skip by policy (default: none).")
	excludeMIMEs := flag.String("exclude-mime-types", "", "Comma-separated list of MIME types to skip by policy (default: none).")
	maxFileSize := flag.Int64("max-file-size", cfg.MaxFileSize, fmt.Sprintf("Maximum file size to process in bytes (default: %d). Raise for a deep scan.", cfg.MaxFileSize))
	workers := flag.Int("workers", cfg.Workers, fmt.Sprintf("Number of concurrent scan workers (default: %d).", cfg.Workers))
	hashes := flag.String("hashes", "", "Comma-separated list of extra hash algorithms alongside sha256 (supported: blake3).")
	windowBytes := flag.Int("window-bytes", cfg.WindowBytes, fmt.Sprintf("Signature read window size in bytes (default: %d).", cfg.WindowBytes))
	contentReadMode := flag.String("content-read-mode", cfg.ContentReadMode, "Content read mode: auto, stream, or mmap (default: auto).")
	mmapMinSize := flag.Int64("mmap-min-size", cfg.MmapMinSize, fmt.Sprintf("Minimum file size in bytes for the mmap read path (default: %d).", cfg.MmapMinSize))
	maxFilesPerSecond := flag.Int("max-files-per-second", cfg.MaxFilesPerSecond, "Cap on files fed to the pipeline per second (default: 0 for unlimited).")
	autoTune := flag.Bool("auto-tune", cfg.AutoTune, fmt.Sprintf("Back workers off under CPU pressure (default: %t).", cfg.AutoTune))
	rulesFile := flag.String("rules", cfg.RulesFile, fmt.Sprintf("Path to the signature rules file (default: %s).", cfg.RulesFile))
	watchRules := flag.Bool("watch-rules", cfg.WatchRules, fmt.Sprintf("Hot-reload the rules file between sessions (default: %t).", cfg.WatchRules))
	thresholdMalicious := flag.Float64("threshold-malicious", cfg.ThresholdMalicious, fmt.Sprintf("Confidence at or above which a file is malicious (default: %.1f).", cfg.ThresholdMalicious))
	thresholdSuspicious := flag.Float64("threshold-suspicious", cfg.ThresholdSuspicious, fmt.Sprintf("Confidence at or above which a file is suspicious (default: %.1f).", cfg.ThresholdSuspicious))
	bombRatio := flag.Float64("bomb-ratio-threshold", cfg.BombRatioThreshold, fmt.Sprintf("Declared expansion ratio strictly above which an archive is flagged (default: %.0f).", cfg.BombRatioThreshold))
	maxArchiveEntries := flag.Int("max-archive-entries", cfg.MaxArchiveEntries, fmt.Sprintf("Maximum declared entries per archive (default: %d).", cfg.MaxArchiveEntries))
	maxArchiveTotal := flag.Int64("max-archive-total-bytes", cfg.MaxArchiveTotalBytes, fmt.Sprintf("Maximum declared uncompressed bytes per archive (default: %d).", cfg.MaxArchiveTotalBytes))
	maxArchiveEntry := flag.Int64("max-archive-entry-bytes", cfg.MaxArchiveEntryBytes, fmt.Sprintf("Maximum uncompressed bytes per archive entry (default: %d).", cfg.MaxArchiveEntryBytes))
	maxArchiveDepth := flag.Int("max-archive-depth", cfg.MaxArchiveDepth, fmt.Sprintf("Maximum archive nesting depth to scan (default: %d).", cfg.MaxArchiveDepth))
	repEndpoint := flag.String("reputation-endpoint", cfg.ReputationEndpoint, "Reputation service base URL (default: none, cache-only).")
	repAPIKey := flag.String("reputation-api-key", cfg.ReputationAPIKey, "Reputation service API key (default: none).")
	repTTL := flag.Duration("reputation-ttl", cfg.ReputationTTL, "TTL for cached reputation verdicts (default: 168h).")
	repRPS := flag.Float64("reputation-rps", cfg.ReputationRPS, fmt.Sprintf("Reputation request rate limit per second (default: %.0f).", cfg.ReputationRPS))
	repBurst := flag.Int("reputation-burst", cfg.ReputationBurst, fmt.Sprintf("Reputation request burst size (default: %d).", cfg.ReputationBurst))
	repTimeout := flag.Duration("reputation-timeout", cfg.ReputationTimeout, "Reputation request timeout (default: 10s).")
	dbPath := flag.String("db", cfg.DBPath, fmt.Sprintf("Path to the results database (default: %s).", cfg.DBPath))
	allowlistFile := flag.String("allowlist", cfg.AllowlistFile, "Path to a known-benign digest list (default: none).")
	quarantineDir := flag.String("quarantine-dir", cfg.QuarantineDir, fmt.Sprintf("Directory for quarantined files (default: %s).", cfg.QuarantineDir))
	autoQuarantine := flag.Bool("auto-quarantine", cfg.AutoQuarantine, fmt.Sprintf("Quarantine malicious files automatically (default: %t).", cfg.AutoQuarantine))
	checkpointEvery := flag.Int("checkpoint-every", cfg.CheckpointEvery, fmt.Sprintf("Checkpoint after this many files (default: %d).", cfg.CheckpointEvery))
	checkpointInterval := flag.Duration("checkpoint-interval", cfg.CheckpointInterval, "Checkpoint at least this often (default: 10s).")
	sessionDeadline := flag.Duration("session-deadline", cfg.SessionDeadline, "Overall session deadline after which the scan cancels (default: 0 for none).")
	reportFile := flag.String("report", cfg.ReportFile, "Session report file name (default: shieldscan-<timestamp>-<unix>.ndjson).")
	maxReportFileSize := flag.Int64("max-report-file-size", cfg.MaxReportFileSize, fmt.Sprintf("Maximum report file size before rotation in bytes (default: %d).", cfg.MaxReportFileSize))
	skipCount := flag.Bool("skip-count", cfg.SkipCount, "Skip initial file counting to start scanning immediately.")
	otelEndpoint := flag.String("otel-endpoint", cfg.OtelEndpoint, "OTLP/HTTP logs endpoint for threat events (default: none).")
	otelFromEnv := flag.Bool("otel-from-env", cfg.OtelFromEnv, "Allow OTEL endpoint fallback from OTEL environment variables (default: false).")
	otelHeaders := flag.String("otel-headers", "", "Comma-separated OTEL headers (key=value) for export (default: none).")
	otelServiceName := flag.String("otel-service-name", cfg.OtelServiceName, fmt.Sprintf("OTEL service name for export (default: %s).", cfg.OtelServiceName))
	otelTimeout := flag.Duration("otel-timeout", cfg.OtelTimeout, "OTEL export timeout (default: 5s).")
	otelExportPaths := flag.Bool("otel-export-paths", cfg.OtelExportPaths, "Include raw file paths in OTEL payloads (default: false).")
	updateCheck := flag.Bool("update-check", cfg.UpdateCheck, fmt.Sprintf("Check the rule feed for a newer release at startup (default: %t).", cfg.UpdateCheck))
	logLevel := flag.String("log-level", cfg.LogLevel, fmt.Sprintf("Log level: debug, info, warn, error, fatal, or panic (default: %s).", cfg.LogLevel))
	configFile := flag.String("config", "", "Path to JSON configuration file (default: none).")
	resumeSession := flag.String("resume", "", "Resume an interrupted session by id (default: none).")
	quarantineRestore := flag.Int64("quarantine-restore", 0, "Restore a quarantine entry by id and exit (default: none).")
	quarantinePurge := flag.Int64("quarantine-purge", 0, "Permanently delete a quarantine entry by id and exit (default: none).")
	listQuarantine := flag.Bool("list-quarantine", false, "List quarantine entries and exit.")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = displayHelp
	flag.Parse()

	if *showVersion {
		fmt.Printf("ShieldScan version %s\n", version.Version)
		os.Exit(0)
	}

	if *configFile != "" {
		cfg.ConfigFile = *configFile
		if err := cfg.loadFromFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "path":
			cfg.StartPaths = parseCommaSeparated(*startPath)
		case "include":
			cfg.IncludePatterns = parseCommaSeparated(*includes)
		case "exclude":
			cfg.ExcludePatterns = parseCommaSeparated(*excludes)
		case "exclude-extensions":
			cfg.ExcludeExtensions = parseCommaSeparated(*excludeExts)
		case "exclude-mime-types":
			cfg.ExcludeMIMETypes = parseCommaSeparated(*excludeMIMEs)
		case "max-file-size":
			cfg.MaxFileSize = *maxFileSize
		case "workers":
			cfg.Workers = *workers
		case "hashes":
			cfg.HashAlgorithms = normalizeAlgorithms(parseCommaSeparated(*hashes))
		case "window-bytes":
			cfg.WindowBytes = *windowBytes
		case "content-read-mode":
			cfg.ContentReadMode = strings.ToLower(*contentReadMode)
		case "mmap-min-size":
			cfg.MmapMinSize = *mmapMinSize
		case "max-files-per-second":
			cfg.MaxFilesPerSecond = *maxFilesPerSecond
		case "auto-tune":
			cfg.AutoTune = *autoTune
		case "rules":
			cfg.RulesFile = *rulesFile
		case "watch-rules":
			cfg.WatchRules = *watchRules
		case "threshold-malicious":
			cfg.ThresholdMalicious = *thresholdMalicious
		case "threshold-suspicious":
			cfg.ThresholdSuspicious = *thresholdSuspicious
		case "bomb-ratio-threshold":
			cfg.BombRatioThreshold = *bombRatio
		case "max-archive-entries":
			cfg.MaxArchiveEntries = *maxArchiveEntries
		case "max-archive-total-bytes":
			cfg.MaxArchiveTotalBytes = *maxArchiveTotal
		case "max-archive-entry-bytes":
			cfg.MaxArchiveEntryBytes = *maxArchiveEntry
		case "max-archive-depth":
			cfg.MaxArchiveDepth = *maxArchiveDepth
		case "reputation-endpoint":
			cfg.ReputationEndpoint = *repEndpoint
		case "reputation-api-key":
			cfg.ReputationAPIKey = *repAPIKey
		case "reputation-ttl":
			cfg.ReputationTTL = *repTTL
		case "reputation-rps":
			cfg.ReputationRPS = *repRPS
		case "reputation-burst":
			cfg.ReputationBurst = *repBurst
		case "reputation-timeout":
			cfg.ReputationTimeout = *repTimeout
		case "db":
			cfg.DBPath = *dbPath
		case "allowlist":
			cfg.AllowlistFile = *allowlistFile
		case "quarantine-dir":
			cfg.QuarantineDir = *quarantineDir
		case "auto-quarantine":
			cfg.AutoQuarantine = *autoQuarantine
		case "checkpoint-every":
			cfg.CheckpointEvery = *checkpointEvery
		case "checkpoint-interval":
			cfg.CheckpointInterval = *checkpointInterval
		case "session-deadline":
			cfg.SessionDeadline = *sessionDeadline
		case "report":
			cfg.ReportFile = *reportFile
		case "max-report-file-size":
			cfg.MaxReportFileSize = *maxReportFileSize
		case "skip-count":
			cfg.SkipCount = *skipCount
		case "otel-endpoint":
			cfg.OtelEndpoint = *otelEndpoint
		case "otel-from-env":
			cfg.OtelFromEnv = *otelFromEnv
		case "otel-headers":
			cfg.OtelHeaders = parseHeaders(*otelHeaders)
		case "otel-service-name":
			cfg.OtelServiceName = *otelServiceName
		case "otel-timeout":
			cfg.OtelTimeout = *otelTimeout
		case "otel-export-paths":
			cfg.OtelExportPaths = *otelExportPaths
		case "update-check":
			cfg.UpdateCheck = *updateCheck
		case "log-level":
			cfg.LogLevel = *logLevel
		case "resume":
			cfg.ResumeSession = *resumeSession
		case "quarantine-restore":
			cfg.QuarantineRestore = *quarantineRestore
		case "quarantine-purge":
			cfg.QuarantinePurge = *quarantinePurge
		case "list-quarantine":
			cfg.ListQuarantine = *listQuarantine
		}
	})

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func displayHelp() {
	fmt.Println("ShieldScan - Filesystem Threat Scanner")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  shieldscan [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  shieldscan --path \"/home\"")
	fmt.Println("  shieldscan --path \"/srv,/var\" --rules rules.json --auto-quarantine")
	fmt.Println("  shieldscan --resume 2f6c0f5e-... ")
}

func (cfg *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %v", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("invalid config file format: %v", err)
	}
	return nil
}

func (cfg *Config) validate() error {
	if strings.TrimSpace(cfg.ContentReadMode) == "" {
		cfg.ContentReadMode = "auto"
	}
	switch cfg.ContentReadMode {
	case "auto", "stream", "mmap":
	default:
		return fmt.Errorf("invalid content read mode: %s", cfg.ContentReadMode)
	}
	if len(cfg.StartPaths) == 0 && cfg.ResumeSession == "" &&
		cfg.QuarantineRestore == 0 && cfg.QuarantinePurge == 0 && !cfg.ListQuarantine {
		return fmt.Errorf("at least one start path must be specified")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if cfg.MaxFileSize <= 0 {
		return fmt.Errorf("max file size must be positive")
	}
	if cfg.WindowBytes <= 0 {
		return fmt.Errorf("window bytes must be positive")
	}
	if cfg.ThresholdMalicious <= cfg.ThresholdSuspicious {
		return fmt.Errorf("malicious threshold must exceed suspicious threshold")
	}
	if cfg.ThresholdMalicious > 1 || cfg.ThresholdSuspicious < 0 {
		return fmt.Errorf("thresholds must stay within [0, 1]")
	}
	if cfg.BombRatioThreshold <= 0 {
		return fmt.Errorf("bomb ratio threshold must be positive")
	}
	if cfg.MaxArchiveDepth < 0 {
		return fmt.Errorf("max archive depth must be zero or positive")
	}
	if cfg.ReputationRPS < 0 || cfg.ReputationBurst < 0 {
		return fmt.Errorf("reputation rate limits must be zero or positive")
	}
	if cfg.ReputationTTL <= 0 {
		return fmt.Errorf("reputation TTL must be positive")
	}
	if cfg.CheckpointEvery <= 0 {
		return fmt.Errorf("checkpoint cadence must be positive")
	}
	if cfg.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpoint interval must be positive")
	}
	for _, algo := range cfg.HashAlgorithms {
		if algo != "blake3" && algo != "sha256" {
			return fmt.Errorf("unsupported hash algorithm: %s", algo)
		}
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	return nil
}

func parseCommaSeparated(input string) []string {
	if input == "" {
		return []string{}
	}
	items := strings.Split(input, ",")
	for i, item := range items {
		items[i] = strings.TrimSpace(item)
	}
	return items
}

func parseHeaders(input string) map[string]string {
	headers := make(map[string]string)
	if input == "" {
		return headers
	}
	for _, item := range strings.Split(input, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}

func normalizeAlgorithms(items []string) []string {
	normalized := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" {
			continue
		}
		normalized = append(normalized, item)
	}
	return normalized
}
