package engine

import (
	"errors"
	"fmt"
)

// ErrEngineDead indicates a liveness probe failed. It is handled internally
// by the pool (the dead entry is discarded) and surfaces to callers only as
// the cause of a subsequent launch failure.
var ErrEngineDead = errors.New("engine process is not responding")

// LaunchError reports that a new engine process failed to start. It is fatal
// to the request that needed the engine; pool state is unaffected.
type LaunchError struct {
	Opts Options
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch engine [%s]: %v", e.Opts, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// CallError reports that an operation failed inside the engine. It does not
// by itself mean the engine is dead; liveness is decided by the probe that
// runs when the handle is released.
type CallError struct {
	Op  string
	Err error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("engine call %q: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }
