package extproc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// session serializes framed request/response conversations on a byte stream.
// One request is in flight at a time; the mutex keeps a probe from
// interleaving with a call on the same pipe.
//
// Reads block until the engine responds. Cancellation is checked between
// frames only: the foreign calls are synchronous and potentially slow, and
// the pool design accepts that cost in exchange for avoiding relaunches.
type session struct {
	mu sync.Mutex
	w  io.Writer
	r  io.Reader
}

// call invokes a named operation and reads frames until the final result or
// error. Output frames are forwarded to the output callback as they arrive.
func (s *session) call(ctx context.Context, name string, args []any, output func(line string)) (json.RawMessage, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := WriteFrame(s.w, Request{Op: OpCall, Name: name, Args: argsJSON}); err != nil {
		return nil, fmt.Errorf("send call: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var f Frame
		if err := ReadFrame(s.r, &f); err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		switch f.Type {
		case FrameOutput:
			if output != nil {
				output(f.Line)
			}
		case FrameResult:
			return f.Result, nil
		case FrameError:
			return nil, errors.New(f.Error)
		default:
			return nil, fmt.Errorf("unexpected frame type %q", f.Type)
		}
	}
}

// ping sends a no-op request and waits for the pong. Stray output frames
// from a previous interrupted call are skipped.
func (s *session) ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := WriteFrame(s.w, Request{Op: OpPing}); err != nil {
		return fmt.Errorf("send ping: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var f Frame
		if err := ReadFrame(s.r, &f); err != nil {
			return fmt.Errorf("read pong: %w", err)
		}

		switch f.Type {
		case FramePong:
			return nil
		case FrameOutput:
			continue
		default:
			return fmt.Errorf("unexpected frame type %q", f.Type)
		}
	}
}
