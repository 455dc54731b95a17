// Package orchestrate drives the two-pass scan-and-ingest state machine
// (C10): IDLE -> PASS1_HASH -> PASS2_PROBE -> IDLE, with the outbox
// drained interleaved throughout. The struct shape — a mutex-guarded
// phase field alongside ctx/cancel/wg — is grounded on the teacher's
// scanner Manager in
// internal/modules/scannermodule/scanner/manager.go; the startup
// outbox-drain-before-resuming step is grounded on the original
// Python agent's main() draining its local outbox before starting
// Pass 1.
package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/medialib/agent/internal/classify"
	"github.com/medialib/agent/internal/config"
	"github.com/medialib/agent/internal/hash"
	"github.com/medialib/agent/internal/model"
	"github.com/medialib/agent/internal/probe"
	"github.com/medialib/agent/internal/scan"
	"github.com/medialib/agent/internal/store"
	"github.com/medialib/agent/internal/throttle"
	"github.com/medialib/agent/internal/upload"
	"golang.org/x/time/rate"
)

// offPeakFullHashBytesPerSecond bounds full-file hashing disk
// throughput during the off-peak window, so a large backlog of
// full-hash work doesn't starve other disk users overnight.
const offPeakFullHashBytesPerSecond = 64 << 20 // 64MiB/s

// fullHashLimiterBurst must be at least the hash package's internal
// copy buffer size so a single WaitN call never exceeds the bucket.
const fullHashLimiterBurst = 256 * 1024

// Phase names a state in the scan state machine.
type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhasePass1Hash  Phase = "PASS1_HASH"
	PhasePass2Probe Phase = "PASS2_PROBE"

	phaseHashName  = "hash"
	phaseProbeName = "probe"
)

// Stats is the atomic counter set exposed by /agent/stats.
type Stats struct {
	Active      int64
	Uploaded    int64
	Batches     int64
	Errors      int64
	TotalAll    int64
	TotalVideos int64
	startTime   time.Time
}

// Orchestrator coordinates the Scanner, Classifier, Hasher, Prober,
// Cache, Outbox, Cursor store, Permit pool, and Uploader into the
// documented scan cycle.
type Orchestrator struct {
	db       *store.DB
	uploader *upload.Uploader
	pool     *throttle.Pool
	prober   *probe.Prober
	cfg      *config.Manager
	log      hclog.Logger

	fullHashLimiter *rate.Limiter

	mu    sync.Mutex
	phase Phase

	uploaded    atomic.Int64
	batches     atomic.Int64
	errors      atomic.Int64
	totalAll    atomic.Int64
	totalVideos atomic.Int64
	started     time.Time
}

// New builds an Orchestrator in the IDLE phase.
func New(db *store.DB, uploader *upload.Uploader, pool *throttle.Pool, prober *probe.Prober, cfg *config.Manager, log hclog.Logger) *Orchestrator {
	return &Orchestrator{
		db:              db,
		uploader:        uploader,
		pool:            pool,
		prober:          prober,
		cfg:             cfg,
		log:             log,
		phase:           PhaseIdle,
		started:         time.Now(),
		fullHashLimiter: rate.NewLimiter(rate.Limit(offPeakFullHashBytesPerSecond), fullHashLimiterBurst),
	}
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Stats snapshots the counters /agent/stats reports.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Uploaded:    o.uploaded.Load(),
		Batches:     o.batches.Load(),
		Errors:      o.errors.Load(),
		TotalAll:    o.totalAll.Load(),
		TotalVideos: o.totalVideos.Load(),
		startTime:   o.started,
	}
}

// RecordUpload bumps the uploaded/batches counters for a completed live
// delivery attempt, mirroring the accounting drainOutbox already does for
// replayed batches. Wired as the Uploader's OnResult hook so /agent/stats
// reflects online uploads, not just outbox replays.
func (o *Orchestrator) RecordUpload(outcome upload.Outcome, batchID string, n int) {
	if outcome != upload.OutcomeDelivered {
		return
	}
	o.uploaded.Add(int64(n))
	o.batches.Add(1)
}

func (s Stats) RateFilesPerSecond() float64 {
	elapsed := time.Since(s.startTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.Uploaded) / elapsed
}

// ScanNow implements the scan_now control: if IDLE, starts a cycle in
// the background and returns the new phase; otherwise it is a no-op
// that returns the current phase.
func (o *Orchestrator) ScanNow(ctx context.Context) Phase {
	o.mu.Lock()
	if o.phase != PhaseIdle {
		current := o.phase
		o.mu.Unlock()
		return current
	}
	o.phase = PhasePass1Hash
	o.mu.Unlock()

	go o.runCycle(ctx)
	return PhasePass1Hash
}

// Startup drains the outbox once, then begins a scan cycle from each
// root's saved cursor — the resume behaviour required on cold start.
func (o *Orchestrator) Startup(ctx context.Context) {
	o.drainOutbox(ctx)
	o.ScanNow(ctx)
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
}

func (o *Orchestrator) runCycle(ctx context.Context) {
	defer o.setPhase(PhaseIdle)

	cfg := o.cfg.Get()
	roots := cfg.RemoteRoots

	all, vid := o.preCount(ctx, roots, cfg)
	o.totalAll.Store(all)
	o.totalVideos.Store(vid)
	o.log.Info("pre-scan count", "total_all", all, "total_videos", vid)

	for _, root := range roots {
		if err := o.runPass1(ctx, root); err != nil {
			o.log.Error("pass1 failed", "root", root, "error", err)
		}
		o.drainOutbox(ctx)
	}

	o.setPhase(PhasePass2Probe)
	for _, root := range roots {
		if err := o.runPass2(ctx, root); err != nil {
			o.log.Error("pass2 failed", "root", root, "error", err)
		}
		o.drainOutbox(ctx)
	}

	_ = o.uploader.Flush(ctx)
}

// runPass1 hashes every non-junk file whose cache entry is stale and
// emits a record for every file observed — junk files immediately with
// their reason, everything else either freshly hashed or carrying the
// still-valid cached digest.
func (o *Orchestrator) runPass1(ctx context.Context, root string) error {
	cfg := o.cfg.Get()
	cursors := o.db.Cursors()
	cache := o.db.Cache()

	resumeAfter, err := cursors.Load(root, phaseHashName)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	w := &scan.Walker{
		Root:           root,
		FollowSymlinks: cfg.FollowSymlinks,
		ResumeAfter:    resumeAfter,
		Warn: func(path string, err error) {
			o.log.Warn("unreadable during pass1", "path", path, "error", err)
		},
	}

	rules := buildRules(cfg)

	if err := w.Walk(ctx, func(entry scan.Entry) error {
		rec, err := o.processHashEntry(ctx, cache, entry, rules, cfg)
		if err != nil {
			o.errors.Add(1)
			o.log.Error("hash phase entry failed", "path", entry.Path, "error", err)
			return nil
		}
		if rec != nil {
			if err := o.uploader.Add(ctx, *rec); err != nil {
				o.log.Error("buffer record failed", "path", entry.Path, "error", err)
			}
		}
		return cursors.Save(root, phaseHashName, entry.Path)
	}); err != nil {
		return err
	}

	// the root finished this phase cleanly: clear its cursor so the next
	// cycle starts a fresh traversal instead of resuming past every path.
	if err := cursors.Clear(root, phaseHashName); err != nil {
		return err
	}

	// seal whatever is still buffered into its own batch so a trailing
	// sub-batch-size tail of Pass 1 records doesn't merge into Pass 2's
	// upload.
	return o.uploader.Flush(ctx)
}

func (o *Orchestrator) processHashEntry(ctx context.Context, cache *store.Cache, entry scan.Entry, rules classify.Rules, cfg *config.Config) (*model.FileRecord, error) {
	result := classify.Classify(entry.Path, rules)
	base := model.FileRecord{
		Kind:     result.Kind,
		Path:     entry.Path,
		Size:     entry.Info.Size(),
		MTime:    float64(entry.Info.ModTime().Unix()),
		CTime:    float64(scan.CTime(entry.Info)),
		InodeKey: entry.InodeKey,
		Ext:      result.Ext,
	}

	if result.Kind == model.KindJunk {
		base.Reason = result.Reason
		return &base, nil
	}

	if err := cache.UpsertObservation(entry.Path, entry.InodeKey, entry.Info.Size(), entry.Info.ModTime().Unix(), scan.CTime(entry.Info)); err != nil {
		return nil, fmt.Errorf("upsert observation: %w", err)
	}

	cached, err := cache.Lookup(entry.Path)
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}

	if store.ShouldSkipHash(cached, entry.InodeKey, cfg.HashAlgo, cfg.HashSampleSize) {
		base.Hashes = &model.Hashes{
			Algo:       cached.HashAlgo,
			SampleSize: cached.HashSampleSize,
			SampleHash: cached.SampleHash,
			FullHash:   cached.FullHash,
		}
		return &base, nil
	}

	if err := o.pool.Acquire(ctx); err != nil {
		return nil, err
	}
	defer o.pool.Release()

	doFull := cfg.DoFullHash && throttle.InOffPeakWindow(time.Now(), offsetOf(cfg.AgentOffpeakStart), offsetOf(cfg.AgentOffpeakEnd))
	var limiter *rate.Limiter
	if doFull {
		limiter = o.fullHashLimiter
	}
	res, err := hash.Hash(entry.Path, hash.Algo(cfg.HashAlgo), cfg.HashSampleSize, doFull, limiter)
	if err != nil {
		// per spec.md: a HashError still emits the base record, just
		// without hash enrichment.
		o.errors.Add(1)
		return &base, nil
	}

	if err := cache.MarkHashed(entry.Path, entry.InodeKey, cfg.HashAlgo, cfg.HashSampleSize, res.SampleHash, res.FullHash); err != nil {
		o.log.Error("mark hashed failed", "path", entry.Path, "error", err)
	}

	base.Hashes = &model.Hashes{
		Algo:       cfg.HashAlgo,
		SampleSize: cfg.HashSampleSize,
		SampleHash: res.SampleHash,
		FullHash:   res.FullHash,
	}
	return &base, nil
}

// runPass2 probes every video file whose cache entry is stale and
// emits nothing for files that are already probed and unchanged.
func (o *Orchestrator) runPass2(ctx context.Context, root string) error {
	cfg := o.cfg.Get()
	cursors := o.db.Cursors()
	cache := o.db.Cache()

	resumeAfter, err := cursors.Load(root, phaseProbeName)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	rules := buildRules(cfg)

	w := &scan.Walker{
		Root:           root,
		FollowSymlinks: cfg.FollowSymlinks,
		ResumeAfter:    resumeAfter,
		Filter: func(e scan.Entry) bool {
			return classify.Classify(e.Path, rules).Kind == model.KindVideo
		},
		Warn: func(path string, err error) {
			o.log.Warn("unreadable during pass2", "path", path, "error", err)
		},
	}

	if err := w.Walk(ctx, func(entry scan.Entry) error {
		rec, err := o.processProbeEntry(ctx, cache, entry)
		if err != nil {
			o.errors.Add(1)
			o.log.Error("probe phase entry failed", "path", entry.Path, "error", err)
			return nil
		}
		if rec != nil {
			if err := o.uploader.Add(ctx, *rec); err != nil {
				o.log.Error("buffer record failed", "path", entry.Path, "error", err)
			}
		}
		return cursors.Save(root, phaseProbeName, entry.Path)
	}); err != nil {
		return err
	}

	if err := cursors.Clear(root, phaseProbeName); err != nil {
		return err
	}

	return o.uploader.Flush(ctx)
}

func (o *Orchestrator) processProbeEntry(ctx context.Context, cache *store.Cache, entry scan.Entry) (*model.FileRecord, error) {
	cached, err := cache.Lookup(entry.Path)
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	if store.ShouldSkipProbe(cached, entry.InodeKey) {
		return nil, nil
	}

	if err := o.pool.Acquire(ctx); err != nil {
		return nil, err
	}
	defer o.pool.Release()

	meta, err := o.prober.Probe(ctx, entry.Path)
	if err != nil {
		o.errors.Add(1)
		o.log.Warn("probe failed", "path", entry.Path, "error", err)
		return nil, nil
	}

	if err := cache.MarkProbed(entry.Path, entry.InodeKey); err != nil {
		o.log.Error("mark probed failed", "path", entry.Path, "error", err)
	}

	return &model.FileRecord{
		Kind:      model.KindVideo,
		Path:      entry.Path,
		Size:      entry.Info.Size(),
		MTime:     float64(entry.Info.ModTime().Unix()),
		CTime:     float64(scan.CTime(entry.Info)),
		InodeKey:  entry.InodeKey,
		VideoMeta: &meta,
	}, nil
}

// drainOutbox attempts strict oldest-first delivery until empty or the
// first failure. On a failure it waits an exponential backoff (base 1s,
// doubling with each failed attempt already recorded on the oldest item,
// cap 60s) before returning.
func (o *Orchestrator) drainOutbox(ctx context.Context) {
	outbox := o.db.Outbox()
	const maxBackoff = 60 * time.Second

	for {
		item, err := outbox.Oldest()
		if err != nil {
			o.log.Error("outbox read failed", "error", err)
			return
		}
		if item == nil {
			return
		}

		delivered := o.uploader != nil && o.redeliver(ctx, item.PayloadJSON)
		if !delivered {
			_ = outbox.IncrementAttempts(item.ID)
			backoff := maxBackoff
			if item.Attempts < 6 {
				backoff = time.Second << item.Attempts
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			return
		}

		var replayed model.BatchPayload
		if err := json.Unmarshal(item.PayloadJSON, &replayed); err == nil {
			o.uploaded.Add(int64(len(replayed.Files)))
		}
		o.batches.Add(1)
		if err := outbox.Delete(item.ID); err != nil {
			o.log.Error("outbox delete failed", "id", item.ID, "error", err)
			return
		}
	}
}

func (o *Orchestrator) redeliver(ctx context.Context, payload []byte) bool {
	return o.uploader.Redeliver(ctx, payload)
}

func buildRules(cfg *config.Config) classify.Rules {
	return classify.Rules{
		Extensions: classify.ExtensionSets{
			Video:    cfg.MediaExtensions.Video,
			Image:    cfg.MediaExtensions.Image,
			Subtitle: cfg.MediaExtensions.Subtitle,
			XML:      cfg.MediaExtensions.XML,
		},
		JunkPatterns:          cfg.JunkPatterns,
		JunkExcludeExtensions: cfg.JunkExcludeExtensions,
	}
}

// preCount walks every root once, cheaply, to populate the total_all and
// total_videos progress figures /agent/stats reports for the upcoming
// cycle. Grounded on the original agent's _count_all pre-walk.
func (o *Orchestrator) preCount(ctx context.Context, roots []string, cfg *config.Config) (all, videos int64) {
	rules := buildRules(cfg)
	for _, root := range roots {
		w := &scan.Walker{Root: root, FollowSymlinks: cfg.FollowSymlinks}
		_ = w.Walk(ctx, func(entry scan.Entry) error {
			all++
			if classify.Classify(entry.Path, rules).Kind == model.KindVideo {
				videos++
			}
			return nil
		})
	}
	return all, videos
}

func offsetOf(hhmm string) time.Duration {
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		return 0
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
}
