// Package control exposes the agent's local diagnostics and control
// surface (C11): a small gin.Engine bound to the control port, used by
// operators to ping, inspect, and nudge a running agent. Route
// registration follows the teacher's scannermodule's RegisterRoutes/
// Module-method shape (internal/modules/scannermodule/routes.go), with
// handlers as methods on a struct holding references to the components
// they report on rather than a single monolithic module.
package control

import (
	"context"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"github.com/medialib/agent/internal/config"
	"github.com/medialib/agent/internal/orchestrate"
	"github.com/medialib/agent/internal/probe"
	"github.com/medialib/agent/internal/store"
	"github.com/medialib/agent/internal/throttle"
	"github.com/medialib/agent/internal/upload"
)

// Server wires the orchestrator, cache, and outbox into HTTP handlers.
type Server struct {
	db       *store.DB
	orch     *orchestrate.Orchestrator
	pool     *throttle.Pool
	uploader *upload.Uploader
	prober   *probe.Prober
	cfg      *config.Manager
	log      hclog.Logger
	engine   *gin.Engine
}

// New builds a Server with routes registered, ready for ListenAndServe.
func New(db *store.DB, orch *orchestrate.Orchestrator, pool *throttle.Pool, uploader *upload.Uploader, prober *probe.Prober, cfg *config.Manager, log hclog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{db: db, orch: orch, pool: pool, uploader: uploader, prober: prober, cfg: cfg, log: log, engine: gin.New()}
	s.engine.Use(gin.Recovery())
	s.registerRoutes()
	return s
}

// Engine exposes the underlying router, mainly for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) registerRoutes() {
	api := s.engine.Group("/agent")
	{
		api.GET("/ping", s.ping)
		api.GET("/stats", s.stats)
		api.GET("/ls", s.ls)
		api.POST("/scan_now", s.scanNow)
		api.POST("/clear_cache", s.clearCache)
		api.GET("/cache_info", s.cacheInfo)
		api.POST("/compact_cache", s.compactCache)
	}
}

func (s *Server) ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) stats(c *gin.Context) {
	st := s.orch.Stats()
	backlog, err := s.db.Outbox().Count()
	if err != nil {
		s.log.Error("stats: outbox count failed", "error", err)
	}
	info, err := s.db.Cache().Info()
	if err != nil {
		s.log.Error("stats: cache info failed", "error", err)
	}

	snap := throttle.GatherSystemSnapshot(c.Request.Context())

	c.JSON(http.StatusOK, gin.H{
		"active":            s.pool.Capacity(),
		"uploaded":          st.Uploaded,
		"batches":           st.Batches,
		"errors":            st.Errors,
		"rate_files_per_s":  st.RateFilesPerSecond(),
		"phase":             s.orch.Phase(),
		"pending_unflushed": s.uploader.PendingCount(),
		"ffprobe_available": s.prober.Available(c.Request.Context()),
		"system": gin.H{
			"cpu_percent":    snap.CPUPercent,
			"memory_percent": snap.MemoryPercent,
		},
		"totals": gin.H{
			"total_all":      st.TotalAll,
			"total_videos":   st.TotalVideos,
			"cache_rows":     info.Total,
			"cache_hashed":   info.Hashed,
			"cache_probed":   info.Probed,
			"outbox_backlog": backlog,
		},
		"counters": gin.H{
			"outbox_backlog": backlog,
		},
	})
}

// lsEntry is one row of a /agent/ls directory listing.
type lsEntry struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	Size int64  `json:"size"`
}

func (s *Server) ls(c *gin.Context) {
	dir := c.Query("path")
	if dir == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path query parameter is required"})
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	out := make([]lsEntry, 0, len(entries))
	for _, de := range entries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		kind := "file"
		if de.IsDir() {
			kind = "dir"
		}
		out = append(out, lsEntry{Name: de.Name(), Kind: kind, Size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	c.JSON(http.StatusOK, gin.H{"path": dir, "entries": out})
}

func (s *Server) scanNow(c *gin.Context) {
	// scan_now also forces an out-of-band config refresh, per the
	// documented 5-minute-plus-on-demand cadence, so an operator-
	// triggered rescan always runs against the latest remote_roots.
	if err := s.cfg.Refresh(c.Request.Context()); err != nil {
		s.log.Warn("scan_now: config refresh failed, using last-known configuration", "error", err)
	}
	// the cycle outlives this request, so it must not inherit the
	// request context's cancellation when the handler returns.
	phase := s.orch.ScanNow(context.WithoutCancel(c.Request.Context()))
	c.JSON(http.StatusOK, gin.H{"phase": phase})
}

func (s *Server) clearCache(c *gin.Context) {
	// the cache db is reopened in place under the shared *store.DB
	// pointer below; doing that while a scan phase is reading or writing
	// through it races, so clear_cache only proceeds between cycles.
	if s.orch.Phase() != orchestrate.PhaseIdle {
		c.JSON(http.StatusConflict, gin.H{"error": "cannot clear cache while a scan is in progress"})
		return
	}

	path := s.db.Path()
	if err := s.db.Close(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := store.Clear(path); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	fresh, err := store.Open(path)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	*s.db = *fresh

	c.JSON(http.StatusOK, gin.H{"ok": true, "cleared": path})
}

func (s *Server) cacheInfo(c *gin.Context) {
	path := s.db.Path()
	stat, err := os.Stat(path)
	exists := err == nil
	var size int64
	if exists {
		size = stat.Size()
	}

	info, err := s.db.Cache().Info()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"db_path":    path,
		"exists":     exists,
		"size_bytes": size,
		"rows":       info.Total,
		"last": gin.H{
			"hashed": info.Hashed,
			"probed": info.Probed,
		},
		"ts": time.Now().UTC(),
	})
}

func (s *Server) compactCache(c *gin.Context) {
	if err := s.db.Compact(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Run starts the HTTP server on addr, shutting down gracefully when ctx
// is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
