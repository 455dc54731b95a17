// Package throttle implements the adaptive permit pool (C8): a
// counting semaphore whose capacity is retuned every few seconds in
// response to outbox backlog and upload error rate. The pool shape —
// mutable capacity within [min, max], an adjustment loop gated by a
// ticker, and an event-driven log line on every change — is grounded
// on the teacher's AdaptiveThrottler in
// internal/modules/scannermodule/scanner/adaptive_throttler.go. That
// throttler drives its adjustments off CPU/memory/network pressure;
// this one is corrected to drive off outbox backlog and error rate, as
// called for, and carries gopsutil system metrics only for the
// read-only /agent/stats surface rather than as an adjustment input.
package throttle

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Config bounds and tunes the pool's adaptation behaviour.
type Config struct {
	MinWorkers int
	MaxWorkers int

	// AdjustmentInterval is how often the pool reevaluates capacity.
	AdjustmentInterval time.Duration

	// HighWatermark is the outbox backlog size above which capacity is
	// decreased.
	HighWatermark int64

	// ErrorRateThreshold is the fraction (0..1) of recent upload
	// attempts that may fail before capacity is decreased.
	ErrorRateThreshold float64

	// TargetLatency is the average task latency below which, combined
	// with an empty outbox, capacity is increased.
	TargetLatency time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinWorkers <= 0 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = min(16, runtime.NumCPU()*2)
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.AdjustmentInterval <= 0 {
		c.AdjustmentInterval = 5 * time.Second
	}
	if c.ErrorRateThreshold <= 0 {
		c.ErrorRateThreshold = 0.10
	}
	if c.TargetLatency <= 0 {
		c.TargetLatency = 2 * time.Second
	}
	return c
}

// Signals is the live state the adjustment loop reads each tick.
// Callers supply a closure so the pool never needs to know about the
// outbox or uploader types directly.
type Signals struct {
	OutboxBacklog     int64
	RecentErrorRate   float64
	AverageTaskLatency time.Duration
}

// SignalFunc produces the latest Signals snapshot.
type SignalFunc func() Signals

// Pool is a counting semaphore with runtime-adjustable capacity.
type Pool struct {
	cfg    Config
	signal SignalFunc

	mu       sync.Mutex
	sem      chan struct{}
	capacity int

	onAdjust func(oldCap, newCap int, reason string)
}

// New creates a pool starting at cfg.MinWorkers capacity. signal is
// polled once per AdjustmentInterval by Run.
func New(cfg Config, signal SignalFunc) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:      cfg,
		signal:   signal,
		capacity: cfg.MinWorkers,
	}
	p.sem = make(chan struct{}, cfg.MaxWorkers)
	for i := 0; i < p.capacity; i++ {
		p.sem <- struct{}{}
	}
	return p
}

// OnAdjust registers a callback invoked whenever capacity changes,
// used by the control surface and logger to report transitions.
func (p *Pool) OnAdjust(fn func(oldCap, newCap int, reason string)) {
	p.onAdjust = fn
}

// Acquire blocks until a permit is available or ctx is cancelled.
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case <-p.sem:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a permit to the pool.
func (p *Pool) Release() {
	select {
	case p.sem <- struct{}{}:
	default:
		// a capacity decrease already drained this slot; drop it.
	}
}

// Capacity returns the current permit ceiling.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}

// Run drives the adjustment loop until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.AdjustmentInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.adjust()
		}
	}
}

func (p *Pool) adjust() {
	sig := p.signal()

	p.mu.Lock()
	old := p.capacity
	newCap := old
	reason := "stable"

	switch {
	case sig.OutboxBacklog > p.cfg.HighWatermark || sig.RecentErrorRate > p.cfg.ErrorRateThreshold:
		newCap = max(p.cfg.MinWorkers, old-1)
		reason = "backlog_or_errors"
	case sig.AverageTaskLatency > 0 && sig.AverageTaskLatency < p.cfg.TargetLatency && sig.OutboxBacklog == 0:
		newCap = min(p.cfg.MaxWorkers, old+1)
		reason = "headroom"
	}

	if newCap != old {
		p.resizeLocked(old, newCap)
	}
	p.mu.Unlock()

	if newCap != old && p.onAdjust != nil {
		p.onAdjust(old, newCap, reason)
	}
}

// resizeLocked grows or shrinks the semaphore buffer. Growing adds
// filled slots; shrinking drains available (not in-flight) slots so
// capacity converges without revoking permits already held.
func (p *Pool) resizeLocked(old, newCap int) {
	if newCap > old {
		for i := 0; i < newCap-old; i++ {
			select {
			case p.sem <- struct{}{}:
			default:
			}
		}
	} else {
		for i := 0; i < old-newCap; i++ {
			select {
			case <-p.sem:
			default:
			}
		}
	}
	p.capacity = newCap
}

// SystemSnapshot is a point-in-time read of host resource usage,
// surfaced by /agent/stats for operator visibility. It has no bearing
// on permit adjustment.
type SystemSnapshot struct {
	CPUPercent    float64
	MemoryPercent float64
	TimestampUTC  time.Time
}

// GatherSystemSnapshot samples gopsutil the way the teacher's
// AdaptiveThrottler.gatherHostMetrics does, without the container-aware
// cgroup branch the scanner domain has no use for here.
func GatherSystemSnapshot(ctx context.Context) SystemSnapshot {
	snap := SystemSnapshot{TimestampUTC: time.Now().UTC()}

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		snap.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryPercent = vm.UsedPercent
	}
	return snap
}

// InOffPeakWindow reports whether now falls in [start, end) local
// time, supporting wrap-around windows (e.g. 22:00-06:00).
func InOffPeakWindow(now time.Time, start, end time.Duration) bool {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	elapsed := now.Sub(midnight)

	if start <= end {
		return elapsed >= start && elapsed < end
	}
	// wrap-around window, e.g. 22:00 to 06:00
	return elapsed >= start || elapsed < end
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
