package pool_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/cruciblehq/crucible/internal/engine"
	"github.com/cruciblehq/crucible/internal/pool"
)

// fakeProc is a scriptable engine.Process tracking probe and shutdown counts.
type fakeProc struct {
	mu        sync.Mutex
	alive     bool
	pings     int
	shutdowns int
	callErr   error
}

func (p *fakeProc) Call(context.Context, string, []any, func(line string)) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.alive {
		return nil, errors.New("pipe closed")
	}
	if p.callErr != nil {
		return nil, p.callErr
	}
	return json.RawMessage(`"ok"`), nil
}

func (p *fakeProc) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pings++
	if !p.alive {
		return errors.New("pipe closed")
	}
	return nil
}

func (p *fakeProc) Shutdown(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdowns++
	p.alive = false
	return nil
}

func (p *fakeProc) setAlive(alive bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive = alive
}

func (p *fakeProc) pingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pings
}

func (p *fakeProc) shutdownCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdowns
}

// fakeLauncher hands out fakeProcs and remembers them in launch order.
type fakeLauncher struct {
	mu          sync.Mutex
	launched    []*fakeProc
	launchErr   error
	nextCallErr error
}

func (l *fakeLauncher) Launch(context.Context, engine.Options) (engine.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	p := &fakeProc{alive: true, callErr: l.nextCallErr}
	l.launched = append(l.launched, p)
	return p, nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

func (l *fakeLauncher) proc(i int) *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launched[i]
}

func newTestPool(t *testing.T, cfg pool.Config) (*pool.Pool, *fakeLauncher) {
	t.Helper()
	l := &fakeLauncher{}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return pool.New(l, cfg, logger), l
}

func idleIDs(p *pool.Pool) []string {
	stats := p.Stats()
	ids := make([]string, len(stats.Idle))
	for i, e := range stats.Idle {
		ids[i] = e.ID
	}
	return ids
}

func TestAcquireLaunchesWhenEmpty(t *testing.T) {
	p, l := newTestPool(t, pool.Config{})
	ctx := context.Background()

	h, err := p.Acquire(ctx, engine.NewOptions("-x"))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if l.launchCount() != 1 {
		t.Errorf("launches = %d, want 1", l.launchCount())
	}
	if got := h.Options().String(); got != "-x" {
		t.Errorf("handle options = %q, want %q", got, "-x")
	}
}

func TestReuseIsIdentityPreserving(t *testing.T) {
	p, l := newTestPool(t, pool.Config{})
	ctx := context.Background()
	opts := engine.NewOptions("-x")

	h1, err := p.Acquire(ctx, opts)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(ctx, h1)

	h2, err := p.Acquire(ctx, opts)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if h2 != h1 {
		t.Error("second Acquire returned a different handle instance")
	}
	if l.launchCount() != 1 {
		t.Errorf("launches = %d, want 1 (reuse must not relaunch)", l.launchCount())
	}
}

func TestAcquireReleaseScenario(t *testing.T) {
	// Pool empty → acquire x launches H1. Release H1 → idle=[H1].
	// Acquire x → H1 without launch. Acquire y → launches H2 since idle is
	// empty. Release H2 then H1 → idle holds both in release order.
	p, l := newTestPool(t, pool.Config{})
	ctx := context.Background()
	optX := engine.NewOptions("-x")
	optY := engine.NewOptions("-y")

	h1, err := p.Acquire(ctx, optX)
	if err != nil {
		t.Fatalf("Acquire x: %v", err)
	}
	p.Release(ctx, h1)

	got, err := p.Acquire(ctx, optX)
	if err != nil {
		t.Fatalf("Acquire x again: %v", err)
	}
	if got != h1 {
		t.Error("Acquire x did not return the pooled handle")
	}
	if l.launchCount() != 1 {
		t.Fatalf("launches = %d, want 1", l.launchCount())
	}

	h2, err := p.Acquire(ctx, optY)
	if err != nil {
		t.Fatalf("Acquire y: %v", err)
	}
	if l.launchCount() != 2 {
		t.Fatalf("launches = %d, want 2", l.launchCount())
	}

	p.Release(ctx, h2)
	p.Release(ctx, h1)

	want := []string{h2.ID(), h1.ID()}
	gotIDs := idleIDs(p)
	if len(gotIDs) != 2 || gotIDs[0] != want[0] || gotIDs[1] != want[1] {
		t.Errorf("idle order = %v, want %v (release order)", gotIDs, want)
	}
}

func TestFairnessRotation(t *testing.T) {
	// Idle [H_B, H_C], request config c: the match at index 1 is extracted
	// and B, skipped during the scan, cycles to the back, leaving idle=[H_B].
	p, _ := newTestPool(t, pool.Config{})
	ctx := context.Background()

	hB, err := p.Acquire(ctx, engine.NewOptions("-b"))
	if err != nil {
		t.Fatalf("Acquire b: %v", err)
	}
	hC, err := p.Acquire(ctx, engine.NewOptions("-c"))
	if err != nil {
		t.Fatalf("Acquire c: %v", err)
	}
	p.Release(ctx, hB)
	p.Release(ctx, hC)

	got, err := p.Acquire(ctx, engine.NewOptions("-c"))
	if err != nil {
		t.Fatalf("Acquire c: %v", err)
	}
	if got != hC {
		t.Error("Acquire c did not return the matching idle handle")
	}

	gotIDs := idleIDs(p)
	if len(gotIDs) != 1 || gotIDs[0] != hB.ID() {
		t.Errorf("idle after match = %v, want [%s]", gotIDs, hB.ID())
	}
}

func TestRotationPreservesRelativeOrder(t *testing.T) {
	// Idle [H_B, H_A, H_C]; request config a. The skipped entry B cycles to
	// the back: idle becomes [H_C, H_B].
	p, _ := newTestPool(t, pool.Config{})
	ctx := context.Background()

	hB, _ := p.Acquire(ctx, engine.NewOptions("-b"))
	hA, _ := p.Acquire(ctx, engine.NewOptions("-a"))
	hC, _ := p.Acquire(ctx, engine.NewOptions("-c"))
	p.Release(ctx, hB)
	p.Release(ctx, hA)
	p.Release(ctx, hC)

	got, err := p.Acquire(ctx, engine.NewOptions("-a"))
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	if got != hA {
		t.Error("Acquire a did not return the matching idle handle")
	}

	want := []string{hC.ID(), hB.ID()}
	gotIDs := idleIDs(p)
	if len(gotIDs) != 2 || gotIDs[0] != want[0] || gotIDs[1] != want[1] {
		t.Errorf("idle after rotation = %v, want %v", gotIDs, want)
	}
}

func TestSelfHealingDiscardsDeadIdleEntry(t *testing.T) {
	p, l := newTestPool(t, pool.Config{})
	ctx := context.Background()
	opts := engine.NewOptions("-x")

	h1, err := p.Acquire(ctx, opts)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(ctx, h1)

	// The idle engine dies while parked.
	l.proc(0).setAlive(false)

	h2, err := p.Acquire(ctx, opts)
	if err != nil {
		t.Fatalf("Acquire after death: %v", err)
	}
	if h2 == h1 {
		t.Error("Acquire returned the dead handle")
	}
	if l.launchCount() != 2 {
		t.Errorf("launches = %d, want 2 (dead entry must trigger a fresh launch)", l.launchCount())
	}
	if l.proc(0).shutdownCount() == 0 {
		t.Error("dead idle entry was not terminated")
	}
	if len(idleIDs(p)) != 0 {
		t.Errorf("idle = %v, want empty (dead entry must not reappear)", idleIDs(p))
	}
}

func TestReleaseDiscardsDeadHandle(t *testing.T) {
	p, l := newTestPool(t, pool.Config{})
	ctx := context.Background()

	h, err := p.Acquire(ctx, engine.NewOptions("-x"))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	l.proc(0).setAlive(false)
	p.Release(ctx, h)

	if len(idleIDs(p)) != 0 {
		t.Errorf("idle = %v, want empty after releasing a dead handle", idleIDs(p))
	}
	if l.proc(0).shutdownCount() == 0 {
		t.Error("dead handle was not terminated on release")
	}
}

func TestExclusivity(t *testing.T) {
	p, _ := newTestPool(t, pool.Config{})
	ctx := context.Background()
	opts := engine.NewOptions("-x")

	h, err := p.Acquire(ctx, opts)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	for _, id := range idleIDs(p) {
		if id == h.ID() {
			t.Fatal("checked-out handle still present in the idle sequence")
		}
	}

	p.Release(ctx, h)
	ids := idleIDs(p)
	if len(ids) != 1 || ids[0] != h.ID() {
		t.Errorf("idle after release = %v, want [%s]", ids, h.ID())
	}
}

func TestLaunchErrorPropagates(t *testing.T) {
	p, l := newTestPool(t, pool.Config{})
	l.launchErr = errors.New("binary not found")

	_, err := p.Acquire(context.Background(), engine.NewOptions("-x"))
	var launchErr *engine.LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("error = %v, want *engine.LaunchError", err)
	}
	if !errors.Is(err, l.launchErr) {
		t.Error("LaunchError does not wrap the launcher failure")
	}
	if len(idleIDs(p)) != 0 {
		t.Error("failed launch added an entry to the pool")
	}
}

func TestWithEngineReleasesOnCallError(t *testing.T) {
	p, l := newTestPool(t, pool.Config{})
	l.nextCallErr = errors.New("syntax error")
	ctx := context.Background()

	_, err := p.WithEngine(ctx, engine.NewOptions("-x"), "eval", []any{"("}, nil)
	var callErr *engine.CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("error = %v, want *engine.CallError", err)
	}

	// The handle must have been released back to the pool: the call failed
	// but the engine itself is still alive.
	if got := len(idleIDs(p)); got != 1 {
		t.Fatalf("idle length = %d after failed call, want 1", got)
	}
	// Release probes liveness exactly once; Acquire launched fresh and did
	// not probe.
	if got := l.proc(0).pingCount(); got != 1 {
		t.Errorf("probe count = %d, want exactly 1", got)
	}
}

func TestWithEngineReturnsResult(t *testing.T) {
	p, _ := newTestPool(t, pool.Config{})

	result, err := p.WithEngine(context.Background(), engine.NewOptions("-x"), "noop", nil, nil)
	if err != nil {
		t.Fatalf("WithEngine: %v", err)
	}
	if string(result) != `"ok"` {
		t.Errorf("result = %s, want \"ok\"", result)
	}
}

func TestMaxIdleEvictsOldest(t *testing.T) {
	p, l := newTestPool(t, pool.Config{MaxIdle: 1})
	ctx := context.Background()

	h1, _ := p.Acquire(ctx, engine.NewOptions("-a"))
	h2, _ := p.Acquire(ctx, engine.NewOptions("-b"))
	p.Release(ctx, h1)
	p.Release(ctx, h2)

	ids := idleIDs(p)
	if len(ids) != 1 || ids[0] != h2.ID() {
		t.Errorf("idle = %v, want [%s] (oldest evicted)", ids, h2.ID())
	}
	if l.proc(0).shutdownCount() == 0 {
		t.Error("evicted handle was not terminated")
	}
}

func TestFlushDropsAllIdle(t *testing.T) {
	p, l := newTestPool(t, pool.Config{})
	ctx := context.Background()

	h1, _ := p.Acquire(ctx, engine.NewOptions("-a"))
	h2, _ := p.Acquire(ctx, engine.NewOptions("-b"))
	p.Release(ctx, h1)
	p.Release(ctx, h2)

	if dropped := p.Flush(ctx); dropped != 2 {
		t.Errorf("Flush dropped = %d, want 2", dropped)
	}
	if len(idleIDs(p)) != 0 {
		t.Error("idle not empty after Flush")
	}
	for i := range 2 {
		if l.proc(i).shutdownCount() == 0 {
			t.Errorf("flushed engine %d was not terminated", i)
		}
	}
}

func TestCloseRejectsLaterReleases(t *testing.T) {
	p, l := newTestPool(t, pool.Config{})
	ctx := context.Background()

	h, _ := p.Acquire(ctx, engine.NewOptions("-a"))
	p.Close(ctx)
	p.Release(ctx, h)

	if len(idleIDs(p)) != 0 {
		t.Error("release after Close parked a handle")
	}
	if l.proc(0).shutdownCount() == 0 {
		t.Error("handle released after Close was not terminated")
	}
}

func TestStatsCounters(t *testing.T) {
	p, _ := newTestPool(t, pool.Config{})
	ctx := context.Background()
	opts := engine.NewOptions("-x")

	h, _ := p.Acquire(ctx, opts) // miss + launch
	p.Release(ctx, h)
	h, _ = p.Acquire(ctx, opts) // hit
	p.Release(ctx, h)

	stats := p.Stats()
	if stats.Hits != 1 {
		t.Errorf("Hits = %d, want 1", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("Misses = %d, want 1", stats.Misses)
	}
	if stats.Launches != 1 {
		t.Errorf("Launches = %d, want 1", stats.Launches)
	}
	if stats.Discards != 0 {
		t.Errorf("Discards = %d, want 0", stats.Discards)
	}
}
