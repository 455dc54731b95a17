package orchestrate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/medialib/agent/internal/classify"
	"github.com/medialib/agent/internal/config"
	"github.com/medialib/agent/internal/model"
	"github.com/medialib/agent/internal/probe"
	"github.com/medialib/agent/internal/scan"
	"github.com/medialib/agent/internal/store"
	"github.com/medialib/agent/internal/throttle"
	"github.com/medialib/agent/internal/upload"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func noSignal() throttle.Signals { return throttle.Signals{} }

func statEntry(t *testing.T, path string) scan.Entry {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return scan.Entry{Path: path, Info: info, InodeKey: scan.InodeKey(info)}
}

func TestScanNow_NoopWhenNotIdle(t *testing.T) {
	o := New(openTestDB(t), nil, throttle.New(throttle.Config{MinWorkers: 1, MaxWorkers: 1}, noSignal), &probe.Prober{}, config.NewManager("http://unused"), hclog.NewNullLogger())

	o.mu.Lock()
	o.phase = PhasePass2Probe
	o.mu.Unlock()

	got := o.ScanNow(context.Background())
	require.Equal(t, PhasePass2Probe, got)
	require.Equal(t, PhasePass2Probe, o.Phase())
}

func TestScanNow_RunsEmptyCycleBackToIdle(t *testing.T) {
	db := openTestDB(t)
	uploader := upload.New(upload.Config{HostURL: "http://unused"}, db.Outbox())
	o := New(db, uploader, throttle.New(throttle.Config{MinWorkers: 1, MaxWorkers: 1}, noSignal), &probe.Prober{}, config.NewManager("http://unused"), hclog.NewNullLogger())

	got := o.ScanNow(context.Background())
	require.Equal(t, PhasePass1Hash, got)

	require.Eventually(t, func() bool {
		return o.Phase() == PhaseIdle
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProcessHashEntry_JunkFileSkipsCacheAndEmitsReason(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "movie.mp4.part")
	require.NoError(t, os.WriteFile(path, []byte("partial"), 0o644))

	o := &Orchestrator{pool: throttle.New(throttle.Config{MinWorkers: 1, MaxWorkers: 1}, noSignal), log: hclog.NewNullLogger()}
	cache := openTestDB(t).Cache()
	rules := classify.Rules{JunkPatterns: []string{"*.part"}}
	cfg := config.Default()

	rec, err := o.processHashEntry(context.Background(), cache, statEntry(t, path), rules, cfg)
	require.NoError(t, err)
	require.Equal(t, model.KindJunk, rec.Kind)
	require.Equal(t, "*.part", rec.Reason)
	require.Nil(t, rec.Hashes)

	cached, err := cache.Lookup(path)
	require.NoError(t, err)
	require.Nil(t, cached, "junk files are never entered into the reuse cache")
}

func TestProcessHashEntry_FreshFileComputesAndCachesHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("some video bytes"), 0o644))

	o := &Orchestrator{pool: throttle.New(throttle.Config{MinWorkers: 1, MaxWorkers: 1}, noSignal), log: hclog.NewNullLogger()}
	cache := openTestDB(t).Cache()
	rules := classify.Rules{Extensions: classify.ExtensionSets{Video: []string{"mp4"}}}
	cfg := config.Default()
	cfg.HashAlgo = "sha256"

	rec, err := o.processHashEntry(context.Background(), cache, statEntry(t, path), rules, cfg)
	require.NoError(t, err)
	require.Equal(t, model.KindVideo, rec.Kind)
	require.NotNil(t, rec.Hashes)
	require.NotEmpty(t, rec.Hashes.SampleHash)

	cached, err := cache.Lookup(path)
	require.NoError(t, err)
	require.True(t, cached.Hashed)
	require.Equal(t, rec.Hashes.SampleHash, cached.SampleHash)
}

func TestProcessHashEntry_CacheHitCarriesCachedHashWithoutRecompute(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("some video bytes"), 0o644))

	o := &Orchestrator{pool: throttle.New(throttle.Config{MinWorkers: 1, MaxWorkers: 1}, noSignal), log: hclog.NewNullLogger()}
	cache := openTestDB(t).Cache()
	rules := classify.Rules{Extensions: classify.ExtensionSets{Video: []string{"mp4"}}}
	cfg := config.Default()
	cfg.HashAlgo = "sha256"

	entry := statEntry(t, path)
	first, err := o.processHashEntry(context.Background(), cache, entry, rules, cfg)
	require.NoError(t, err)
	require.NotNil(t, first.Hashes)

	// Remove the file so a real recompute would fail; if the second call
	// still returns a populated Hashes, it proves the cache-skip path
	// was taken rather than a fresh read.
	require.NoError(t, os.Remove(path))

	second, err := o.processHashEntry(context.Background(), cache, entry, rules, cfg)
	require.NoError(t, err)
	require.NotNil(t, second.Hashes)
	require.Equal(t, first.Hashes.SampleHash, second.Hashes.SampleHash)
}

func TestProcessProbeEntry_SkipsAlreadyProbedSameInode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("video"), 0o644))

	entry := statEntry(t, path)
	cache := openTestDB(t).Cache()
	require.NoError(t, cache.UpsertObservation(path, entry.InodeKey, entry.Info.Size(), 0, 0))
	require.NoError(t, cache.MarkProbed(path, entry.InodeKey))

	o := &Orchestrator{pool: throttle.New(throttle.Config{MinWorkers: 1, MaxWorkers: 1}, noSignal), prober: &probe.Prober{}, log: hclog.NewNullLogger()}

	rec, err := o.processProbeEntry(context.Background(), cache, entry)
	require.NoError(t, err)
	require.Nil(t, rec, "an unchanged, already-probed file must emit nothing")
}

func TestDrainOutbox_DeliversOldestFirst(t *testing.T) {
	db := openTestDB(t)
	outbox := db.Outbox()
	require.NoError(t, outbox.Enqueue("b1", []byte(`{"batch_id":"b1","files":[{"path":"/a"}]}`)))
	require.NoError(t, outbox.Enqueue("b2", []byte(`{"batch_id":"b2","files":[{"path":"/b"},{"path":"/c"}]}`)))

	var mu sync.Mutex
	var received []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload model.BatchPayload
		_ = json.NewDecoder(r.Body).Decode(&payload)
		mu.Lock()
		received = append(received, payload.BatchID)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	uploader := upload.New(upload.Config{HostURL: srv.URL}, outbox)
	o := New(db, uploader, throttle.New(throttle.Config{MinWorkers: 1, MaxWorkers: 1}, noSignal), &probe.Prober{}, config.NewManager(srv.URL), hclog.NewNullLogger())

	o.drainOutbox(context.Background())

	n, err := outbox.Count()
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, int64(3), o.uploaded.Load())
	require.Equal(t, int64(2), o.batches.Load())
	mu.Lock()
	require.Equal(t, []string{"b1", "b2"}, received)
	mu.Unlock()
}

func TestDrainOutbox_StopsOnFirstFailure(t *testing.T) {
	db := openTestDB(t)
	outbox := db.Outbox()
	require.NoError(t, outbox.Enqueue("b1", []byte(`{"batch_id":"b1"}`)))
	require.NoError(t, outbox.Enqueue("b2", []byte(`{"batch_id":"b2"}`)))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	uploader := upload.New(upload.Config{HostURL: srv.URL}, outbox)
	o := New(db, uploader, throttle.New(throttle.Config{MinWorkers: 1, MaxWorkers: 1}, noSignal), &probe.Prober{}, config.NewManager(srv.URL), hclog.NewNullLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	o.drainOutbox(ctx)

	n, err := outbox.Count()
	require.NoError(t, err)
	require.Equal(t, int64(2), n, "a failed delivery must leave the rest of the backlog untouched")

	item, err := outbox.Oldest()
	require.NoError(t, err)
	require.Equal(t, 1, item.Attempts)
}

func TestOrchestrator_FullCycleEmitsJunkAndVideoRecords(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sample.mp4.part"), []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.mp4"), []byte("video bytes"), 0o644))

	var mu sync.Mutex
	var batches []model.BatchPayload

	mux := http.NewServeMux()
	mux.HandleFunc("/ingest/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"remote_roots":     []string{dir},
			"hash_algo":        "sha256",
			"hash_sample_size": 4096,
			"agent_batch_size": 100,
			"junk_patterns":    []string{"*.part"},
			"media_extensions": map[string]any{"video": []string{"mp4"}},
		})
	})
	mux.HandleFunc("/ingest/batch", func(w http.ResponseWriter, r *http.Request) {
		var payload model.BatchPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		mu.Lock()
		batches = append(batches, payload)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfgMgr := config.NewManager(srv.URL)
	require.NoError(t, cfgMgr.Refresh(context.Background()))

	db := openTestDB(t)
	uploader := upload.New(upload.Config{HostURL: srv.URL, BatchSize: 100, FlushAfter: time.Hour}, db.Outbox())
	pool := throttle.New(throttle.Config{MinWorkers: 2, MaxWorkers: 4}, noSignal)
	o := New(db, uploader, pool, &probe.Prober{Timeout: time.Second}, cfgMgr, hclog.NewNullLogger())

	o.ScanNow(context.Background())
	require.Eventually(t, func() bool { return o.Phase() == PhaseIdle }, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var junk, video *model.FileRecord
	for _, b := range batches {
		for i := range b.Files {
			f := &b.Files[i]
			switch {
			case f.Kind == model.KindJunk:
				junk = f
			case f.Kind == model.KindVideo:
				video = f
			}
		}
	}
	require.NotNil(t, junk, "junk file must be reported")
	require.Equal(t, "*.part", junk.Reason)
	require.NotNil(t, video, "video file must be reported")
	require.NotNil(t, video.Hashes)
}

func TestRecordUpload_OnlyCountsDeliveredOutcomes(t *testing.T) {
	o := &Orchestrator{}

	o.RecordUpload(upload.OutcomeTransientFailure, "b1", 5)
	require.Zero(t, o.uploaded.Load())
	require.Zero(t, o.batches.Load())

	o.RecordUpload(upload.OutcomeDelivered, "b2", 5)
	require.Equal(t, int64(5), o.uploaded.Load())
	require.Equal(t, int64(1), o.batches.Load())

	o.RecordUpload(upload.OutcomeDelivered, "b3", 3)
	require.Equal(t, int64(8), o.uploaded.Load())
	require.Equal(t, int64(2), o.batches.Load())
}

func TestOffsetOf(t *testing.T) {
	require.Equal(t, 22*time.Hour+15*time.Minute, offsetOf("22:15"))
	require.Equal(t, time.Duration(0), offsetOf("not-a-time"))
}
