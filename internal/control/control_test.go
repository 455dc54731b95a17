package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/medialib/agent/internal/config"
	"github.com/medialib/agent/internal/orchestrate"
	"github.com/medialib/agent/internal/probe"
	"github.com/medialib/agent/internal/store"
	"github.com/medialib/agent/internal/throttle"
	"github.com/medialib/agent/internal/upload"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	db, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	uploader := upload.New(upload.Config{HostURL: "http://unused"}, db.Outbox())
	pool := throttle.New(throttle.Config{MinWorkers: 1, MaxWorkers: 2}, func() throttle.Signals { return throttle.Signals{} })
	cfgMgr := config.NewManager("http://unused")
	prober := &probe.Prober{}
	orch := orchestrate.New(db, uploader, pool, prober, cfgMgr, hclog.NewNullLogger())

	return New(db, orch, pool, uploader, prober, cfgMgr, hclog.NewNullLogger()), dbPath
}

func TestPing(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/agent/ping", nil)
	s.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, true, body["ok"])
}

func TestStats(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/agent/stats", nil)
	s.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "IDLE", body["phase"])
	require.Contains(t, body, "rate_files_per_s")
	require.Contains(t, body, "pending_unflushed")
	require.Contains(t, body, "ffprobe_available")
	require.Contains(t, body, "system")
}

func TestLs_MissingPathIsBadRequest(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/agent/ls", nil)
	s.Engine().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLs_ListsDirectory(t *testing.T) {
	s, _ := newTestServer(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.mp4"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/agent/ls?path="+dir, nil)
	s.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Entries []lsEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Entries, 2)
	require.Equal(t, "clip.mp4", body.Entries[0].Name)
	require.Equal(t, "file", body.Entries[0].Kind)
	require.Equal(t, "sub", body.Entries[1].Name)
	require.Equal(t, "dir", body.Entries[1].Kind)
}

func TestScanNow_ReturnsPhase(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/agent/scan_now", nil)
	s.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "PASS1_HASH", body["phase"])
}

func TestCacheInfo(t *testing.T) {
	s, dbPath := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/agent/cache_info", nil)
	s.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, dbPath, body["db_path"])
	require.Equal(t, true, body["exists"])
}

func TestCompactCache(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/agent/compact_cache", nil)
	s.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, true, body["ok"])
}

func TestClearCache_ConflictsWhileScanning(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	db, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "movie.mp4"), []byte("x"), 0o644))

	hostCfg := config.Default()
	hostCfg.RemoteRoots = []string{dir}
	hostBody, err := json.Marshal(hostCfg)
	require.NoError(t, err)
	hostSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(hostBody)
	}))
	t.Cleanup(hostSrv.Close)

	cfgMgr := config.NewManager(hostSrv.URL)
	require.NoError(t, cfgMgr.Refresh(context.Background()))

	uploader := upload.New(upload.Config{HostURL: "http://unused"}, db.Outbox())
	pool := throttle.New(throttle.Config{MinWorkers: 1, MaxWorkers: 1}, func() throttle.Signals { return throttle.Signals{} })
	prober := &probe.Prober{}
	orch := orchestrate.New(db, uploader, pool, prober, cfgMgr, hclog.NewNullLogger())
	s := New(db, orch, pool, uploader, prober, cfgMgr, hclog.NewNullLogger())

	// hold the pool's only permit so pass 1 blocks partway through,
	// keeping the orchestrator out of IDLE for the rest of this test.
	require.NoError(t, pool.Acquire(context.Background()))

	scanReq := httptest.NewRequest(http.MethodPost, "/agent/scan_now", nil)
	s.Engine().ServeHTTP(httptest.NewRecorder(), scanReq)
	require.Equal(t, orchestrate.PhasePass1Hash, s.orch.Phase())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/agent/clear_cache", nil)
	s.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestClearCache_ReopensUsableDatabase(t *testing.T) {
	s, dbPath := newTestServer(t)
	require.FileExists(t, dbPath)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/agent/clear_cache", nil)
	s.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	// the shared *store.DB must remain usable after the in-place reopen
	info, err := s.db.Cache().Info()
	require.NoError(t, err)
	require.Zero(t, info.Total)
}
