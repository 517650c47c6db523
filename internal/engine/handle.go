package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime"
	"sync"

	"github.com/google/uuid"
)

// Handle owns exactly one live external engine process together with the
// options it was started with. A handle is exclusively held by either the
// pool (idle) or a single caller (checked out), never both.
type Handle struct {
	id     string
	opts   Options
	proc   Process
	logger *slog.Logger

	mu         sync.Mutex
	terminated bool
	uses       int
	cleanup    runtime.Cleanup
}

// NewHandle wraps a freshly launched process. A cleanup hook is attached at
// construction so that a handle dropped without ever being released still has
// its foreign process shut down when the handle becomes unreachable.
func NewHandle(proc Process, opts Options, logger *slog.Logger) *Handle {
	h := &Handle{
		id:     uuid.NewString(),
		opts:   opts,
		proc:   proc,
		logger: logger,
	}
	h.cleanup = runtime.AddCleanup(h, func(p Process) {
		// Best effort; there is nobody left to report to.
		_ = p.Shutdown(context.Background())
	}, proc)
	return h
}

// ID returns the handle's identifier.
func (h *Handle) ID() string { return h.id }

// Options returns the configuration the engine was launched with.
func (h *Handle) Options() Options { return h.opts }

// Uses reports how many operations have been invoked on this handle.
func (h *Handle) Uses() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.uses
}

// Alive probes the foreign process. Dead-ness is a normal outcome and is
// reported as false, never as an error.
func (h *Handle) Alive(ctx context.Context) bool {
	h.mu.Lock()
	terminated := h.terminated
	h.mu.Unlock()
	if terminated {
		return false
	}

	if err := h.proc.Ping(ctx); err != nil {
		h.logger.Debug("engine probe failed", "engine_id", h.id, "error", err)
		return false
	}
	return true
}

// Invoke forwards an operation to the engine. Failures inside the engine are
// wrapped in *CallError; a call failure does not imply the engine is dead.
func (h *Handle) Invoke(ctx context.Context, name string, args []any, output func(line string)) (json.RawMessage, error) {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return nil, &CallError{Op: name, Err: ErrEngineDead}
	}
	h.uses++
	h.mu.Unlock()

	result, err := h.proc.Call(ctx, name, args, output)
	if err != nil {
		return nil, &CallError{Op: name, Err: err}
	}
	return result, nil
}

// Terminate requests a clean shutdown of the foreign process. It is
// idempotent and best-effort: failures are logged and swallowed, because
// termination runs as cleanup and must never mask the error that caused it.
func (h *Handle) Terminate(ctx context.Context) {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return
	}
	h.terminated = true
	h.mu.Unlock()

	h.cleanup.Stop()
	if err := h.proc.Shutdown(ctx); err != nil {
		h.logger.Warn("engine shutdown failed", "engine_id", h.id, "error", err)
	}
}
