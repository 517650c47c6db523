package engine

import (
	"context"
	"encoding/json"
)

// Process is one live external engine process as seen by the pool. Concrete
// implementations (engine/extproc) own the transport; the pool and handle
// layers only launch, probe, call, and shut down.
type Process interface {
	// Call invokes a named operation inside the engine and returns its raw
	// JSON result. The optional output callback receives log lines the
	// engine emits while the operation runs; it may be nil.
	Call(ctx context.Context, name string, args []any, output func(line string)) (json.RawMessage, error)

	// Ping performs a lightweight liveness check. A non-nil error means the
	// process is no longer responding.
	Ping(ctx context.Context) error

	// Shutdown requests a clean process exit. It must be safe to call more
	// than once.
	Shutdown(ctx context.Context) error
}

// Launcher starts new engine processes. Launching is expensive (seconds of
// startup latency and a dedicated foreign process), which is why launched
// engines are pooled and reused rather than started per call.
type Launcher interface {
	Launch(ctx context.Context, opts Options) (Process, error)
}
