// Package watch adds a best-effort, fsnotify-driven nudge on top of the
// orchestrator's scan_now transition: when a watched root's top-level
// directory changes and the orchestrator is idle, a scan cycle starts
// without waiting for the next externally triggered or cold-start scan.
// Grounded on the teacher's FileMonitor
// (internal/modules/scannermodule/scanner/file_monitor.go), trimmed to
// its watchEvents/debounce shape since this package has no library or
// per-event database bookkeeping of its own — it only calls the same
// ScanNow the control surface exposes.
package watch

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
	"github.com/medialib/agent/internal/orchestrate"
)

// Nudger is the subset of the orchestrator this package depends on.
type Nudger interface {
	Phase() orchestrate.Phase
	ScanNow(ctx context.Context) orchestrate.Phase
}

// Watcher debounces filesystem events across every watched root into a
// single scan_now call.
type Watcher struct {
	fsw      *fsnotify.Watcher
	orch     Nudger
	log      hclog.Logger
	debounce time.Duration
}

// New creates a Watcher with no roots registered yet; call AddRoots
// before Run.
func New(orch Nudger, log hclog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{fsw: fsw, orch: orch, log: log, debounce: 2 * time.Second}, nil
}

// AddRoots registers a non-recursive watch on each root's top-level
// directory. A root that can't be watched (missing, no permission) is
// logged and skipped; the agent still scans at startup and on
// scan_now.
func (w *Watcher) AddRoots(roots []string) {
	for _, root := range roots {
		if err := w.fsw.Add(root); err != nil {
			w.log.Warn("watch: failed to add root", "root", root, "error", err)
		}
	}
}

// Run drains fsnotify events until ctx is cancelled, triggering at most
// one scan_now per debounce window and only when the orchestrator is
// idle.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !pending {
				pending = true
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch: fsnotify error", "error", err)
		case <-timer.C:
			pending = false
			if w.orch.Phase() == orchestrate.PhaseIdle {
				w.orch.ScanNow(ctx)
			}
		}
	}
}
