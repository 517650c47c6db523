package extproc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cruciblehq/crucible/internal/engine"
)

const (
	// launchTimeout bounds how long a freshly started process may take to
	// send its hello frame before the launch is declared failed.
	launchTimeout = 30 * time.Second

	// gracefulShutdownTimeout is the time allowed for a clean engine exit
	// after a shutdown request before the process is killed.
	gracefulShutdownTimeout = 3 * time.Second
)

// Launcher starts engine binaries as subprocesses speaking the extproc
// protocol over stdin/stdout. It implements engine.Launcher.
type Launcher struct {
	bin    string
	logger *slog.Logger
}

// New creates a launcher for the given engine binary.
func New(bin string, logger *slog.Logger) *Launcher {
	return &Launcher{bin: bin, logger: logger}
}

// Launch starts a new engine process with opts as its command-line arguments
// and waits for its hello frame. On any failure the process is killed and
// nothing is returned.
func (l *Launcher) Launch(ctx context.Context, opts engine.Options) (engine.Process, error) {
	cmd := exec.Command(l.bin, opts.Args()...)

	// Explicit pipes rather than StdinPipe/StdoutPipe: Wait must not manage
	// the descriptors the protocol is still reading from.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("start %s: %w", l.bin, err)
	}

	// The child holds its own copies of these ends.
	stdinR.Close()
	stdoutW.Close()

	p := &process{
		cmd:    cmd,
		stdin:  stdinW,
		stdout: stdoutR,
		logger: l.logger,
		waitCh: make(chan error, 1),
	}
	p.session.w = stdinW
	p.session.r = bufio.NewReader(stdoutR)

	go func() {
		p.waitCh <- cmd.Wait()
	}()

	if err := p.awaitHello(ctx); err != nil {
		p.kill()
		return nil, err
	}

	l.logger.Debug("engine process started",
		"bin", l.bin,
		"pid", cmd.Process.Pid,
		"options", opts.String(),
	)
	return p, nil
}

// process is one running engine subprocess. It implements engine.Process.
type process struct {
	session

	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	logger *slog.Logger
	waitCh chan error

	shutdownOnce sync.Once
}

// awaitHello reads the engine's hello frame, bounded by launchTimeout and
// the caller's context.
func (p *process) awaitHello(ctx context.Context) error {
	type helloResult struct {
		frame Frame
		err   error
	}

	ch := make(chan helloResult, 1)
	go func() {
		var f Frame
		err := ReadFrame(p.session.r, &f)
		ch <- helloResult{frame: f, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("engine handshake: %w", res.err)
		}
		if res.frame.Type != FrameHello {
			return fmt.Errorf("engine handshake: expected hello, got %q", res.frame.Type)
		}
		if res.frame.Protocol != ProtocolVersion {
			return fmt.Errorf("engine handshake: protocol version %d, want %d", res.frame.Protocol, ProtocolVersion)
		}
		return nil
	case <-time.After(launchTimeout):
		return fmt.Errorf("engine handshake: no hello within %s", launchTimeout)
	case <-ctx.Done():
		return fmt.Errorf("engine handshake: %w", ctx.Err())
	}
}

// Call invokes a named operation inside the engine.
func (p *process) Call(ctx context.Context, name string, args []any, output func(line string)) (json.RawMessage, error) {
	return p.session.call(ctx, name, args, output)
}

// Ping checks that the engine still answers on its pipe.
func (p *process) Ping(ctx context.Context) error {
	return p.session.ping(ctx)
}

// Shutdown asks the engine to exit, closes its stdin, and kills it if it has
// not exited within the grace window. Safe to call more than once.
func (p *process) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		p.session.mu.Lock()
		// Write errors are irrelevant here: a dead engine cannot read the
		// request, and the kill below covers it either way.
		_ = WriteFrame(p.session.w, Request{Op: OpShutdown})
		p.session.mu.Unlock()
		_ = p.stdin.Close()

		select {
		case <-p.waitCh:
		case <-time.After(gracefulShutdownTimeout):
			p.logger.Warn("engine did not exit cleanly, killing", "pid", p.cmd.Process.Pid)
			_ = p.cmd.Process.Kill()
			<-p.waitCh
		}
		_ = p.stdout.Close()
	})
	return nil
}

// kill force-terminates the process during a failed launch.
func (p *process) kill() {
	_ = p.cmd.Process.Kill()
	<-p.waitCh
	_ = p.stdin.Close()
	_ = p.stdout.Close()
}
