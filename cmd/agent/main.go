// Command agent is the remote media-ingestion agent: a single long-lived
// process that polls a host for configuration, walks configured roots in
// two passes (hash, then probe video metadata), and ships what it finds
// to the host in batches, falling back to a durable local outbox when
// delivery fails. CLI shape (positional host URL, a handful of flags,
// signal-driven graceful shutdown) is grounded on beam's cmd/beam/main.go.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/medialib/agent/internal/config"
	"github.com/medialib/agent/internal/control"
	"github.com/medialib/agent/internal/logger"
	"github.com/medialib/agent/internal/orchestrate"
	"github.com/medialib/agent/internal/probe"
	"github.com/medialib/agent/internal/store"
	"github.com/medialib/agent/internal/throttle"
	"github.com/medialib/agent/internal/upload"
	"github.com/medialib/agent/internal/watch"
)

const configRefreshInterval = 5 * time.Minute

// flushPollInterval is how often the time-based flush trigger is
// re-evaluated; it must be well under Uploader.Config.FlushAfter (2s
// default) so a stale partial batch doesn't sit much past its deadline.
const flushPollInterval = 500 * time.Millisecond

func main() {
	os.Exit(run())
}

func run() int {
	var (
		clearCache  bool
		stateDir    string
		controlAddr string
		logLevel    string
		noWatch     bool
	)

	rootCmd := &cobra.Command{
		Use:           "agent <host-url>",
		Short:         "Remote media-ingestion agent",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(args[0], agentOptions{
				clearCache:  clearCache,
				stateDir:    stateDir,
				controlAddr: controlAddr,
				logLevel:    logLevel,
				disableWatch: noWatch,
			})
		},
	}

	home, _ := os.UserHomeDir()
	defaultStateDir := filepath.Join(home, ".medialib")

	rootCmd.Flags().BoolVar(&clearCache, "clear-cache", false, "delete the local reuse cache before starting")
	rootCmd.Flags().StringVar(&stateDir, "state-dir", defaultStateDir, "directory for the cache db, outbox, and log file")
	rootCmd.Flags().StringVar(&controlAddr, "control-addr", ":8877", "bind address for the local control/diagnostics HTTP surface")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	rootCmd.Flags().BoolVar(&noWatch, "no-watch", false, "disable the fsnotify-driven rescan nudge")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		return 1
	}
	return 0
}

type agentOptions struct {
	clearCache   bool
	stateDir     string
	controlAddr  string
	logLevel     string
	disableWatch bool
}

func runAgent(hostURL string, opts agentOptions) error {
	if err := os.MkdirAll(opts.stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	log := logger.New(logger.Options{
		LogFilePath: filepath.Join(opts.stateDir, "agent.log"),
		Level:       hclog.LevelFromString(opts.logLevel),
	})

	dbPath := filepath.Join(opts.stateDir, "agent_cache.db")
	if opts.clearCache {
		if err := store.Clear(dbPath); err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
		log.Info("cleared local cache", "path", dbPath)
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open cache db: %w", err)
	}
	defer db.Close()

	cfgMgr := config.NewManager(hostURL)
	localCfgPath := filepath.Join(opts.stateDir, "last_known_config.yaml")
	if err := cfgMgr.LoadLocal(localCfgPath); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to load cached config", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startupCtx, cancelStartup := context.WithTimeout(ctx, 30*time.Second)
	if err := cfgMgr.Refresh(startupCtx); err != nil {
		log.Warn("initial config fetch failed, proceeding with last-known configuration", "error", err)
	}
	cancelStartup()

	cfgMgr.AddWatcher(configPersister{mgr: cfgMgr, path: localCfgPath, log: log})

	cfg := cfgMgr.Get()

	uploader := upload.New(upload.Config{
		HostURL:   hostURL,
		BatchSize: cfg.AgentBatchSize,
		Gzip:      cfg.AgentGzip,
	}, db.Outbox())

	prober := &probe.Prober{}

	var orch *orchestrate.Orchestrator
	pool := throttle.New(throttle.Config{
		MinWorkers: 1,
		MaxWorkers: cfg.AgentMaxWorkers,
	}, func() throttle.Signals {
		backlog, _ := db.Outbox().Count()
		var errRate float64
		if orch != nil {
			st := orch.Stats()
			if total := st.Uploaded + st.Errors; total > 0 {
				errRate = float64(st.Errors) / float64(total)
			}
		}
		return throttle.Signals{OutboxBacklog: backlog, RecentErrorRate: errRate}
	})
	pool.OnAdjust(func(oldCap, newCap int, reason string) {
		log.Info("adaptive pool resized", "from", oldCap, "to", newCap, "reason", reason)
	})

	orch = orchestrate.New(db, uploader, pool, prober, cfgMgr, log)
	uploader.OnResult = orch.RecordUpload

	ctrl := control.New(db, orch, pool, uploader, prober, cfgMgr, log)

	if cfg.AgentAdaptive {
		go pool.Run(ctx)
	}
	go cfgMgr.RunPeriodicRefresh(ctx, configRefreshInterval)
	go runFlushTicker(ctx, uploader, log)

	if !opts.disableWatch {
		if w, err := watch.New(orch, log); err != nil {
			log.Warn("fsnotify watcher unavailable, rescans only on scan_now", "error", err)
		} else {
			w.AddRoots(cfg.RemoteRoots)
			go w.Run(ctx)
		}
	}

	controlErrCh := make(chan error, 1)
	go func() {
		if err := ctrl.Run(ctx, opts.controlAddr); err != nil {
			controlErrCh <- err
		}
	}()

	log.Info("agent starting", "host", hostURL, "state_dir", opts.stateDir, "control_addr", opts.controlAddr)
	orch.Startup(ctx)

	select {
	case <-ctx.Done():
	case err := <-controlErrCh:
		return fmt.Errorf("control surface: %w", err)
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = uploader.Flush(shutdownCtx)

	return nil
}

// runFlushTicker drives the uploader's time-based flush trigger, sealing
// a partial batch that has sat unflushed past cfg.FlushAfter even when
// the size trigger never fires and no phase boundary is near.
func runFlushTicker(ctx context.Context, uploader *upload.Uploader, log hclog.Logger) {
	ticker := time.NewTicker(flushPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := uploader.MaybeFlushByTime(ctx); err != nil {
				log.Warn("time-based flush failed", "error", err)
			}
		}
	}
}

// configPersister saves every successfully fetched configuration to
// disk, implementing config.Watcher, so a future cold start with an
// unreachable host can still degrade to the last-known configuration
// rather than the bootstrap defaults.
type configPersister struct {
	mgr  *config.Manager
	path string
	log  hclog.Logger
}

func (p configPersister) OnConfigUpdated(cfg *config.Config) {
	if err := p.mgr.SaveLocal(p.path); err != nil {
		p.log.Warn("failed to persist fetched config", "error", err)
	}
}
