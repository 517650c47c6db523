package pool

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cruciblehq/crucible/internal/engine"
)

// Config holds pool tuning knobs.
type Config struct {
	// MaxIdle caps the number of idle engines retained after release.
	// Zero means unbounded. When the cap is exceeded the oldest idle
	// engine is evicted and terminated.
	MaxIdle int
}

// IdleEngine describes one idle pool entry for stats reporting.
type IdleEngine struct {
	ID        string    `json:"id"`
	Options   string    `json:"options"`
	IdleSince time.Time `json:"idle_since"`
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Idle     []IdleEngine `json:"idle"`
	Hits     uint64       `json:"hits"`
	Misses   uint64       `json:"misses"`
	Launches uint64       `json:"launches"`
	Discards uint64       `json:"discards"`
}

type idleEntry struct {
	handle *engine.Handle
	since  time.Time
}

// Pool is an ordered collection of idle engine handles with
// acquire-or-launch and release-or-discard semantics. One pool exists per
// daemon session; it is constructed in main and passed by reference.
//
// A single mutex guards the idle sequence: the scan-rotate-remove step in
// Acquire is not atomic against concurrent mutation, so Acquire and Release
// are mutually exclusive while they touch the sequence. Probes and launches
// happen outside the lock, after the entry is already checked out.
type Pool struct {
	launcher engine.Launcher
	cfg      Config
	logger   *slog.Logger

	mu     sync.Mutex
	idle   []idleEntry
	closed bool

	hits     counter
	misses   counter
	launches counter
	discards counter
}

// New creates an empty pool backed by the given launcher.
func New(l engine.Launcher, cfg Config, logger *slog.Logger) *Pool {
	return &Pool{
		launcher: l,
		cfg:      cfg,
		logger:   logger,
	}
}

// Acquire returns a live engine handle matching opts, reusing an idle engine
// when one matches and launching a new one otherwise. The returned handle is
// exclusively owned by the caller until passed back to Release.
//
// The idle sequence is scanned in FIFO order for the first exact options
// match. Entries skipped during the scan are cycled to the back in their
// original relative order, so repeatedly requesting one configuration does
// not starve idle engines of other configurations. A matched entry that
// fails its liveness probe is discarded and a fresh engine is launched, the
// same as if no match had existed.
func (p *Pool) Acquire(ctx context.Context, opts engine.Options) (*engine.Handle, error) {
	if h := p.takeMatch(opts); h != nil {
		if h.Alive(ctx) {
			p.hits.inc()
			poolHits.Inc()
			p.logger.Debug("engine reused", "engine_id", h.ID(), "options", opts.String())
			return h, nil
		}
		// Dead idle entry: discard silently and fall through to launch.
		// This is expected maintenance, not a fault in the request.
		p.discard(ctx, h, phaseAcquire)
	}

	p.misses.inc()
	poolMisses.Inc()
	return p.launch(ctx, opts)
}

// Release returns a checked-out handle to the pool. It is invoked on every
// exit path of a call: an alive handle is appended to the back of the idle
// sequence, a dead one is terminated and dropped. Release never fails.
func (p *Pool) Release(ctx context.Context, h *engine.Handle) {
	if h == nil {
		return
	}

	if !h.Alive(ctx) {
		p.discard(ctx, h, phaseRelease)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.discard(ctx, h, phaseRelease)
		return
	}
	p.idle = append(p.idle, idleEntry{handle: h, since: time.Now().UTC()})
	var evict *engine.Handle
	if p.cfg.MaxIdle > 0 && len(p.idle) > p.cfg.MaxIdle {
		evict = p.idle[0].handle
		p.idle = append([]idleEntry(nil), p.idle[1:]...)
	}
	poolIdle.Set(float64(len(p.idle)))
	p.mu.Unlock()

	if evict != nil {
		p.discard(ctx, evict, phaseEvict)
	}
}

// WithEngine composes acquire, invoke, and release, with release guaranteed
// on every exit path including a failed call. This is the primary entry
// point for one-shot operations.
func (p *Pool) WithEngine(ctx context.Context, opts engine.Options, name string, args []any, output func(line string)) (json.RawMessage, error) {
	h, err := p.Acquire(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer p.Release(ctx, h)

	return h.Invoke(ctx, name, args, output)
}

// Flush terminates and drops every idle engine, returning how many were
// dropped. Checked-out handles are unaffected.
func (p *Pool) Flush(ctx context.Context) int {
	p.mu.Lock()
	entries := p.idle
	p.idle = nil
	poolIdle.Set(0)
	p.mu.Unlock()

	for _, e := range entries {
		p.discard(ctx, e.handle, phaseFlush)
	}
	return len(entries)
}

// Close flushes the pool and rejects future releases. Handles released after
// Close are terminated instead of pooled.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.Flush(ctx)
}

// Stats returns a snapshot of the idle sequence and lifetime counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	idle := make([]IdleEngine, len(p.idle))
	for i, e := range p.idle {
		idle[i] = IdleEngine{
			ID:        e.handle.ID(),
			Options:   e.handle.Options().String(),
			IdleSince: e.since,
		}
	}
	p.mu.Unlock()

	return Stats{
		Idle:     idle,
		Hits:     p.hits.load(),
		Misses:   p.misses.load(),
		Launches: p.launches.load(),
		Discards: p.discards.load(),
	}
}

// takeMatch scans the idle sequence for the first entry whose options equal
// opts, removes it, and cycles the entries skipped during the scan to the
// back of the sequence in their original relative order.
func (p *Pool) takeMatch(opts engine.Options) *engine.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, e := range p.idle {
		if !e.handle.Options().Equal(opts) {
			continue
		}
		next := make([]idleEntry, 0, len(p.idle)-1)
		next = append(next, p.idle[i+1:]...)
		next = append(next, p.idle[:i]...)
		p.idle = next
		poolIdle.Set(float64(len(p.idle)))
		return e.handle
	}
	return nil
}

// launch starts a fresh engine. On failure nothing is added to the pool and
// the error surfaces to the caller as *engine.LaunchError.
func (p *Pool) launch(ctx context.Context, opts engine.Options) (*engine.Handle, error) {
	start := time.Now()
	proc, err := p.launcher.Launch(ctx, opts)
	launchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		engineLaunches.WithLabelValues(statusFailed).Inc()
		return nil, &engine.LaunchError{Opts: opts, Err: err}
	}

	p.launches.inc()
	engineLaunches.WithLabelValues(statusOK).Inc()

	h := engine.NewHandle(proc, opts, p.logger)
	p.logger.Info("engine launched",
		"engine_id", h.ID(),
		"options", opts.String(),
		"launch_ms", time.Since(start).Milliseconds(),
	)
	return h, nil
}

// discard terminates a handle that is leaving the pool for good.
func (p *Pool) discard(ctx context.Context, h *engine.Handle, phase string) {
	p.discards.inc()
	engineDiscards.WithLabelValues(phase).Inc()
	p.logger.Info("engine discarded", "engine_id", h.ID(), "phase", phase)
	h.Terminate(ctx)
}
