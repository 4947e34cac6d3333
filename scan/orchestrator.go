package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"shieldscan/archive"
	"shieldscan/enumerate"
	"shieldscan/fuzzy"
	"shieldscan/hasher"
	"shieldscan/logger"
	"shieldscan/reputation"
	"shieldscan/signature"
	"shieldscan/store"
	"shieldscan/tracing"
)

// Reputation resolves a digest to a verdict. The concrete client is
// rate-limited and coalescing; tests substitute a fake.
type Reputation interface {
	Resolve(ctx context.Context, digest string) (reputation.Lookup, error)
}

// ProgressFunc reports pipeline progress to the caller. totalEstimate is -1
// when no estimate is available.
type ProgressFunc func(filesProcessed, totalEstimate, threatsFound int64)

// ThreatFunc receives each non-clean result as it is recorded.
type ThreatFunc func(result store.FileResult)

// HashProgressFunc receives per-chunk byte counts while a large file is
// being hashed, so interactive callers can show within-file progress.
type HashProgressFunc func(path string, bytesRead int64)

// Options tune a scan session. Zero values take the shipped defaults.
type Options struct {
	Workers            int
	CheckpointEvery    int
	CheckpointInterval time.Duration
	MaxArchiveDepth    int
	SessionDeadline    time.Duration
	AutoQuarantine     bool
	MaxFilesPerSecond  int
	AutoTune           bool
	WindowBytes        int
	ReadMode           string
	MmapMinSize        int64
	TotalEstimate      int64
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 3
	}
	if o.CheckpointEvery <= 0 {
		o.CheckpointEvery = 25
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = 10 * time.Second
	}
	if o.MaxArchiveDepth <= 0 {
		o.MaxArchiveDepth = 2
	}
	if o.WindowBytes <= 0 {
		o.WindowBytes = 64 * 1024
	}
	if o.ReadMode == "" {
		o.ReadMode = "auto"
	}
	if o.TotalEstimate <= 0 {
		o.TotalEstimate = -1
	}
}

// Deps are the stages the orchestrator composes. All are constructed once by
// the caller and injected.
type Deps struct {
	Enumerator *enumerate.Enumerator
	Validator  *Validator
	Hasher     *hasher.Engine
	Archives   *archive.Analyzer
	Signatures *signature.Engine
	Reputation Reputation
	Store      *store.DB
	Allowlist  *Allowlist
	Quarantine *Quarantiner
}

// Orchestrator runs the per-session pipeline: enumerate, validate, hash,
// analyze archives, match signatures, consult reputation, record. A bounded
// worker pool processes files independently; a single file's failure never
// fails the session.
type Orchestrator struct {
	deps Deps
	opts Options

	onProgress     ProgressFunc
	onThreat       ThreatFunc
	onHashProgress HashProgressFunc

	mu     sync.Mutex
	cancel context.CancelFunc
}

func New(deps Deps, opts Options) *Orchestrator {
	opts.applyDefaults()
	return &Orchestrator{deps: deps, opts: opts}
}

// OnProgress installs the progress callback. Call before Start or Resume.
func (o *Orchestrator) OnProgress(fn ProgressFunc) { o.onProgress = fn }

// OnThreat installs the threat event callback. Call before Start or Resume.
func (o *Orchestrator) OnThreat(fn ThreatFunc) { o.onThreat = fn }

// OnHashProgress installs the per-file hashing progress callback. Only files
// above the hasher's reporting threshold report. Call before Start or Resume.
func (o *Orchestrator) OnHashProgress(fn HashProgressFunc) { o.onHashProgress = fn }

// Start begins a fresh session over the configured sources.
func (o *Orchestrator) Start(ctx context.Context, scope string) (*store.Session, error) {
	sess := &store.Session{
		ID:     uuid.NewString(),
		Scope:  scope,
		Status: SessionRunning,
	}
	if err := o.deps.Store.CreateSession(sess); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return o.run(ctx, sess, enumerate.Cursor{}, store.SessionStats{}, false)
}

// Resume continues an interrupted session from its last checkpoint. The
// watermark guarantees that the union of pre- and post-resume results covers
// every file exactly once.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (*store.Session, error) {
	sess, err := o.deps.Store.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	if sess.Status != SessionRunning {
		return nil, fmt.Errorf("session %s is %s, not resumable", sessionID, sess.Status)
	}

	var cursor enumerate.Cursor
	cp, err := o.deps.Store.GetCheckpoint(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if cp != nil {
		cursor, err = enumerate.DecodeCursor(cp.Cursor)
		if err != nil {
			return nil, fmt.Errorf("resume session %s: %w", sessionID, err)
		}
	}
	// Counters are seeded from the durable result rows, not the checkpoint
	// stats. Rows inserted after the last checkpoint flush are deduplicated
	// on replay and would otherwise never be counted.
	stats, err := o.deps.Store.CountSessionStats(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	logger.Infof("Resuming session %s from position %d", sessionID, cursor.Seq)
	return o.run(ctx, sess, cursor, stats, true)
}

// Cancel stops the active session cooperatively. In-flight files are
// recorded as cancelled and the checkpoint is flushed before the session
// transitions.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// runState is the per-session mutable state shared by the workers.
type runState struct {
	sessionID string
	scratch   string
	queue     *taskQueue
	wm        *watermark
	stats     counters
	tuner     *autoTuner

	ckptMu    sync.Mutex
	sinceCkpt int
	lastCkpt  time.Time

	failed   bool
	failedMu sync.Mutex
	failErr  error
	cancel   context.CancelFunc
}

func (rs *runState) fail(err error) {
	rs.failedMu.Lock()
	if !rs.failed {
		rs.failed = true
		rs.failErr = err
		logger.Errorf("Session %s persistence failure: %v", rs.sessionID, err)
	}
	rs.failedMu.Unlock()
	rs.cancel()
}

func (rs *runState) hasFailed() bool {
	rs.failedMu.Lock()
	defer rs.failedMu.Unlock()
	return rs.failed
}

type counters struct {
	mu        sync.Mutex
	seen      int64
	processed int64
	skipped   int64
	errored   int64
	threats   int64
	bytes     int64
}

func (c *counters) seed(s store.SessionStats) {
	c.seen = s.FilesSeen
	c.processed = s.FilesProcessed
	c.skipped = s.FilesSkipped
	c.errored = s.FilesErrored
	c.threats = s.ThreatsFound
	c.bytes = s.BytesScanned
}

func (c *counters) snapshot() store.SessionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return store.SessionStats{
		FilesSeen:      c.seen,
		FilesProcessed: c.processed,
		FilesSkipped:   c.skipped,
		FilesErrored:   c.errored,
		ThreatsFound:   c.threats,
		BytesScanned:   c.bytes,
	}
}

func (o *Orchestrator) run(ctx context.Context, sess *store.Session, from enumerate.Cursor, seeded store.SessionStats, resumed bool) (*store.Session, error) {
	var cancel context.CancelFunc
	if o.opts.SessionDeadline > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.opts.SessionDeadline)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.cancel = nil
		o.mu.Unlock()
	}()

	ctx, endTask := tracing.StartTask(ctx, "scan-session")
	defer endTask()

	scratch, err := os.MkdirTemp("", "shieldscan-scratch-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			logger.Warnf("Failed to purge scratch dir %s: %v", scratch, err)
		}
	}()

	rs := &runState{
		sessionID: sess.ID,
		scratch:   scratch,
		queue:     newTaskQueue(),
		wm:        newWatermark(from),
		lastCkpt:  time.Now(),
		cancel:    cancel,
	}
	rs.stats.seed(seeded)

	if o.opts.AutoTune {
		rs.tuner = newAutoTuner()
		go rs.tuner.run(ctx)
	}

	var limiter *rate.Limiter
	if o.opts.MaxFilesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(o.opts.MaxFilesPerSecond), o.opts.MaxFilesPerSecond)
	}

	// Abort the queue when the context ends so blocked workers return.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			rs.queue.stop()
		case <-watchDone:
		}
	}()

	go func() {
		defer rs.queue.seal()
		err := o.deps.Enumerator.Enumerate(ctx, from, func(rec enumerate.FileRecord, cur enumerate.Cursor) error {
			rs.wm.begin(rec.Seq, cur)
			rs.queue.push(workItem{rec: rec, logical: rec.Path})
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return err
				}
			}
			return ctx.Err()
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			logger.Errorf("Enumeration failed: %v", err)
		}
	}()

	var wg sync.WaitGroup
	for range o.opts.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if rs.tuner != nil {
					if d := rs.tuner.pause(); d > 0 {
						select {
						case <-ctx.Done():
						case <-time.After(d):
						}
					}
				}
				it, ok := rs.queue.pop()
				if !ok {
					return
				}
				o.processOne(ctx, rs, it)
				rs.queue.done()
				o.completePosition(rs, it.rec.Seq)
			}
		}()
	}

	wg.Wait()
	close(watchDone)

	o.flushCheckpoint(rs)

	status := SessionCompleted
	switch {
	case rs.hasFailed():
		status = SessionFailed
	case ctx.Err() != nil:
		status = SessionCancelled
	}

	final := rs.stats.snapshot()
	sess.Status = status
	sess.Stats = final
	if err := o.deps.Store.FinishSession(sess.ID, status, final); err != nil {
		logger.Errorf("Failed to finalize session %s: %v", sess.ID, err)
	}
	logger.Infof("Session %s %s: %d seen, %d processed, %d skipped, %d errored, %d threats, %d bytes",
		sess.ID, status, final.FilesSeen, final.FilesProcessed, final.FilesSkipped,
		final.FilesErrored, final.ThreatsFound, final.BytesScanned)

	if rs.hasFailed() {
		return sess, fmt.Errorf("%w: %v", ErrPersistence, rs.failErr)
	}
	return sess, nil
}

// completePosition releases a sequence position and checkpoints when the
// cadence says so.
func (o *Orchestrator) completePosition(rs *runState, seq uint64) {
	rs.wm.finish(seq)

	rs.ckptMu.Lock()
	rs.sinceCkpt++
	due := rs.sinceCkpt >= o.opts.CheckpointEvery || time.Since(rs.lastCkpt) >= o.opts.CheckpointInterval
	rs.ckptMu.Unlock()
	if due {
		o.flushCheckpoint(rs)
	}

	if o.onProgress != nil {
		snap := rs.stats.snapshot()
		done := snap.FilesProcessed + snap.FilesSkipped + snap.FilesErrored
		o.onProgress(done, o.opts.TotalEstimate, snap.ThreatsFound)
	}
}

// flushCheckpoint writes the current watermark cursor and statistics. It is
// the only writer of the session's checkpoint row.
func (o *Orchestrator) flushCheckpoint(rs *runState) {
	rs.ckptMu.Lock()
	defer rs.ckptMu.Unlock()

	cursor, seq := rs.wm.current()
	encoded, err := cursor.Encode()
	if err != nil {
		logger.Errorf("Failed to encode checkpoint cursor: %v", err)
		return
	}
	cp := &store.Checkpoint{
		SessionID: rs.sessionID,
		Cursor:    encoded,
		Seq:       seq,
		Stats:     rs.stats.snapshot(),
	}
	if err := o.deps.Store.SaveCheckpoint(cp); err != nil {
		rs.fail(err)
		return
	}
	rs.sinceCkpt = 0
	rs.lastCkpt = time.Now()
}

// resultDetail is stored as JSON alongside each result.
type resultDetail struct {
	Matches    []signature.Match              `json:"matches,omitempty"`
	Categories map[signature.Category]float64 `json:"category_confidence,omitempty"`
	Anomalies  []archive.Anomaly              `json:"anomalies,omitempty"`
}

func (o *Orchestrator) processOne(ctx context.Context, rs *runState, it workItem) {
	defer tracing.StartRegion(ctx, "process-file")()

	rec := it.rec
	started := time.Now()
	result := store.FileResult{
		SessionID:   rs.sessionID,
		Seq:         rec.Seq,
		Path:        it.logical,
		Source:      rec.Source,
		Depth:       rec.Depth,
		Size:        rec.Size,
		ThreatLevel: string(signature.LevelClean),
		Status:      StatusProcessed,
	}
	detail := resultDetail{}

	finish := func() {
		result.DurationMs = time.Since(started).Milliseconds()
		if payload, err := json.Marshal(detail); err == nil {
			result.Matches = string(payload)
		}
		o.record(ctx, rs, rec, &result)
	}

	if ctx.Err() != nil {
		result.Status = StatusCancelled
		finish()
		return
	}

	if err := o.deps.Validator.Accept(rec); err != nil {
		logger.Debugf("Policy skip %s: %v", rec.Path, err)
		result.Status = StatusSkippedPolicy
		result.Error = err.Error()
		finish()
		return
	}

	window, err := signature.ReadWindow(rec.Path, o.opts.WindowBytes, o.opts.ReadMode, o.opts.MmapMinSize)
	if err != nil {
		o.recordFailure(&result, rec, err)
		finish()
		return
	}

	mime, err := o.deps.Validator.AcceptType(window)
	if err != nil {
		logger.Debugf("Policy skip %s: %v", rec.Path, err)
		result.Status = StatusSkippedPolicy
		result.Error = err.Error()
		finish()
		return
	}

	digests, err := o.hash(ctx, rec)
	if err != nil {
		o.recordFailure(&result, rec, err)
		finish()
		return
	}
	result.Digest = digests.SHA256()

	if o.deps.Allowlist.Contains(result.Digest) {
		logger.Debugf("Allowlisted digest for %s", rec.Path)
		finish()
		return
	}

	level := signature.LevelClean

	if rec.Depth >= o.opts.MaxArchiveDepth {
		if format, ok := archive.Detect(window); ok {
			detail.Anomalies = append(detail.Anomalies, archive.Anomaly{
				Kind:   archive.AnomalyDepth,
				Detail: fmt.Sprintf("%s archive at nesting depth %d, limit %d; entries not scanned", format, rec.Depth, o.opts.MaxArchiveDepth),
			})
		}
	} else {
		ares, err := o.deps.Archives.Analyze(ctx, rec.Path, window, rs.scratch)
		if err != nil {
			if ctx.Err() != nil {
				result.Status = StatusCancelled
				finish()
				return
			}
			logger.Warnf("Archive analysis of %s failed: %v", rec.Path, err)
		} else if ares.IsArchive {
			detail.Anomalies = append(detail.Anomalies, ares.Anomalies...)
			if ares.Bombed() {
				level = level.Max(signature.LevelSuspicious)
			}
			for _, a := range ares.Anomalies {
				if a.Kind == archive.AnomalyTraversal {
					level = level.Max(signature.LevelSuspicious)
				}
			}
			for _, entry := range ares.Entries {
				child := enumerate.FileRecord{
					Path:         entry.Path,
					Size:         entry.Size,
					Source:       rec.Source,
					DiscoveredAt: time.Now().UTC(),
					Seq:          rec.Seq,
					Depth:        rec.Depth + 1,
					Parent:       it.logical,
				}
				rs.wm.addChild(rec.Seq)
				rs.queue.push(workItem{rec: child, logical: it.logical + "!" + entry.Name})
			}
		}
	}

	target := &signature.Target{
		Path:     rec.Path,
		Size:     rec.Size,
		MimeType: mime,
		Window:   window,
		OpenFull: func() (io.ReadCloser, error) { return o.openRecord(rec) },
	}
	matches, err := o.deps.Signatures.Evaluate(ctx, target)
	if err != nil {
		if ctx.Err() != nil {
			result.Status = StatusCancelled
			finish()
			return
		}
		o.recordFailure(&result, rec, err)
		finish()
		return
	}
	detail.Matches = matches
	detail.Categories = signature.AggregateByCategory(matches)
	level = level.Max(o.deps.Signatures.Classify(matches))

	lookup, err := o.deps.Reputation.Resolve(ctx, result.Digest)
	switch {
	case err == nil:
		verdict := string(lookup.Verdict)
		result.ReputationVerdict = &verdict
		result.ReputationSource = string(lookup.Source)
		if lookup.Verdict == reputation.VerdictMalicious {
			level = level.Max(signature.LevelMalicious)
		}
	case errors.Is(err, ErrReputationUnavailable):
		logger.Debugf("Reputation unavailable for %s, signature verdict stands", rec.Path)
	case ctx.Err() != nil:
		result.Status = StatusCancelled
		finish()
		return
	default:
		logger.Warnf("Reputation lookup for %s: %v", rec.Path, err)
	}

	if level != signature.LevelClean {
		if h, ok := fuzzy.Lookup("tlsh"); ok {
			if fh, err := h.HashFile(rec.Path); err == nil {
				result.FuzzyHash = fh
			}
		}
	}

	result.ThreatLevel = string(level)
	finish()
}

// recordFailure classifies a per-file error into the result. Access problems
// and read failures are recorded and the session continues.
func (o *Orchestrator) recordFailure(result *store.FileResult, rec enumerate.FileRecord, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		result.Status = StatusCancelled
		return
	}
	if errors.Is(err, ErrAccessDenied) || errors.Is(err, os.ErrPermission) {
		logger.Debugf("Access denied for %s: %v", rec.Path, err)
	} else {
		logger.Warnf("Failed to process %s: %v", rec.Path, err)
	}
	result.Status = StatusError
	result.Error = err.Error()
}

func (o *Orchestrator) hash(ctx context.Context, rec enumerate.FileRecord) (hasher.Digests, error) {
	defer tracing.StartRegion(ctx, "hash-file")()
	f, err := o.openRecord(rec)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var progress hasher.ProgressFunc
	if o.onHashProgress != nil {
		progress = func(n int64) { o.onHashProgress(rec.Path, n) }
	}
	return o.deps.Hasher.Sum(ctx, f, rec.Size, progress)
}

// openRecord resolves a record to its content. On-disk records go through
// their discovery source; extracted entries live under the scratch dir.
func (o *Orchestrator) openRecord(rec enumerate.FileRecord) (io.ReadCloser, error) {
	if rec.Depth > 0 {
		return os.Open(rec.Path)
	}
	return o.deps.Enumerator.Open(rec)
}

// record persists the result exactly once per (session, logical path) and
// updates statistics only when a row was actually inserted, so replays after
// a resume never double-count.
func (o *Orchestrator) record(ctx context.Context, rs *runState, rec enumerate.FileRecord, result *store.FileResult) {
	inserted, err := o.deps.Store.RecordResult(result)
	if err != nil {
		rs.fail(err)
		return
	}
	if !inserted {
		return
	}

	rs.stats.mu.Lock()
	rs.stats.seen++
	switch result.Status {
	case StatusProcessed:
		rs.stats.processed++
		rs.stats.bytes += rec.Size
	case StatusSkippedPolicy, StatusCancelled:
		rs.stats.skipped++
	case StatusError:
		rs.stats.errored++
	}
	threat := result.ThreatLevel != string(signature.LevelClean)
	if threat {
		rs.stats.threats++
	}
	rs.stats.mu.Unlock()

	if !threat {
		return
	}
	tracing.Log(ctx, "threat", result.Path)
	logger.Warnf("Threat detected in %s: level %s", result.Path, result.ThreatLevel)
	if o.onThreat != nil {
		o.onThreat(*result)
	}
	if o.opts.AutoQuarantine && result.ThreatLevel == string(signature.LevelMalicious) {
		if rec.Depth > 0 {
			logger.Warnf("Malicious content inside archive %s; quarantine the containing archive manually", rec.Parent)
			return
		}
		if o.deps.Quarantine == nil {
			logger.Warnf("Quarantine not configured, leaving %s in place", rec.Path)
			return
		}
		if _, err := o.deps.Quarantine.Isolate(rs.sessionID, rec.Path, result.Digest, "threat level "+result.ThreatLevel); err != nil {
			logger.Errorf("Quarantine failed for %s: %v", rec.Path, err)
		}
	}
}
