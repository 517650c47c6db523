// Package runner orchestrates invocation execution: it persists lifecycle
// transitions, checks an engine out of the pool, forwards the call, streams
// output, and guarantees the engine goes back to the pool on every exit path.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cruciblehq/crucible/internal/engine"
	"github.com/cruciblehq/crucible/internal/model"
	"github.com/cruciblehq/crucible/internal/pool"
	"github.com/cruciblehq/crucible/internal/store"
)

// DefaultTimeoutS is the default timeout in seconds when none is specified.
const DefaultTimeoutS = 30

// Runner executes invocations against pooled engines.
type Runner struct {
	store           store.Store
	pool            *pool.Pool
	logger          *slog.Logger
	wg              sync.WaitGroup
	broker          *Broker
	defaultTimeoutS int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a runner. defaultTimeoutS bounds invocations that carry no
// explicit timeout; zero or negative falls back to DefaultTimeoutS.
func New(s store.Store, p *pool.Pool, defaultTimeoutS int, logger *slog.Logger) *Runner {
	if defaultTimeoutS <= 0 {
		defaultTimeoutS = DefaultTimeoutS
	}
	return &Runner{
		store:           s,
		pool:            p,
		logger:          logger,
		broker:          NewBroker(),
		defaultTimeoutS: defaultTimeoutS,
		cancels:         make(map[string]context.CancelFunc),
	}
}

// Broker returns the runner's output broker for SSE subscription.
func (r *Runner) Broker() *Broker {
	return r.broker
}

// Pool returns the engine pool the runner executes against.
func (r *Runner) Pool() *pool.Pool {
	return r.pool
}

// Submit creates an invocation record and launches asynchronous execution in
// a goroutine. The invocation is stored with status "pending" before
// returning. The goroutine operates on a copy of the invocation to avoid
// data races with the caller.
func (r *Runner) Submit(ctx context.Context, inv *model.Invocation) error {
	if err := r.store.CreateInvocation(ctx, inv); err != nil {
		return fmt.Errorf("create invocation: %w", err)
	}

	invCopy := *inv
	r.wg.Go(func() {
		r.execute(&invCopy)
	})

	return nil
}

// Run creates an invocation record, executes it synchronously, and returns
// the finished record.
func (r *Runner) Run(ctx context.Context, inv *model.Invocation) (*model.Invocation, error) {
	if err := r.store.CreateInvocation(ctx, inv); err != nil {
		return nil, fmt.Errorf("create invocation: %w", err)
	}

	invCopy := *inv
	r.execute(&invCopy)

	return r.store.GetInvocation(ctx, inv.ID)
}

// Wait blocks until all in-flight invocation goroutines complete.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Kill transitions an invocation to killed and cancels its execution if one
// is in flight. Killing an already finished invocation fails with
// store.ErrInvalidTransition. The engine itself is not destroyed: it goes
// back through the normal release path once the call unwinds.
func (r *Runner) Kill(ctx context.Context, id string) (*model.Invocation, error) {
	if err := r.store.UpdateInvocationStatus(ctx, id, model.StatusKilled); err != nil {
		return nil, err
	}

	r.mu.Lock()
	cancel := r.cancels[id]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	r.logger.Info("invocation killed", "invocation_id", id)
	return r.store.GetInvocation(ctx, id)
}

// execute runs the invocation lifecycle: pending→running→completed/failed/killed.
func (r *Runner) execute(inv *model.Invocation) {
	// Close the output stream when execution finishes, regardless of outcome.
	defer r.broker.Close(inv.ID)

	// Transition to running. A rejected transition means the invocation was
	// killed while still pending; it is already terminal, so stop here.
	if err := r.store.UpdateInvocationStatus(context.Background(), inv.ID, model.StatusRunning); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			r.logger.Info("invocation no longer pending, skipping", "invocation_id", inv.ID)
			return
		}
		r.logger.Error("failed to transition to running", "invocation_id", inv.ID, "error", err)
		r.finishFailed(inv.ID, nil, fmt.Sprintf("failed to start: %v", err))
		return
	}

	// Capture start time immediately after the running transition so that
	// started_at stays consistent across success and failure paths.
	start := time.Now()

	timeoutS := r.defaultTimeoutS
	if inv.TimeoutS != nil && *inv.TimeoutS > 0 {
		timeoutS = *inv.TimeoutS
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutS)*time.Second)
	defer cancel()

	// Register the cancel so Kill can interrupt this execution.
	r.mu.Lock()
	r.cancels[inv.ID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.cancels, inv.ID)
		r.mu.Unlock()
	}()

	var args []any
	if len(inv.Args) > 0 {
		if err := json.Unmarshal(inv.Args, &args); err != nil {
			r.finishFailed(inv.ID, &start, fmt.Sprintf("decode args: %v", err))
			return
		}
	}

	// Check an engine out of the pool. Release is deferred immediately so
	// the handle goes back on every exit path, including a failed call.
	// Release probes with a fresh context: the invocation deadline must not
	// condemn a healthy engine.
	h, err := r.pool.Acquire(ctx, engine.NewOptions(inv.Options...))
	if err != nil {
		r.finishFailed(inv.ID, &start, fmt.Sprintf("acquire engine: %v", err))
		return
	}
	reused := h.Uses() > 0
	defer r.pool.Release(context.Background(), h)

	// Output lines dual-write: persist to SQLite for historical viewing,
	// then publish to the broker for real-time SSE.
	var seq atomic.Int32
	output := func(line string) {
		currentSeq := int(seq.Add(1) - 1)
		if err := r.store.InsertOutputLine(ctx, inv.ID, currentSeq, line); err != nil {
			r.logger.Error("failed to persist output line", "invocation_id", inv.ID, "seq", currentSeq, "error", err)
		}
		r.broker.Publish(inv.ID, OutputEvent{Seq: currentSeq, Line: line})
	}

	result, err := h.Invoke(ctx, inv.Operation, args, output)
	durationMS := int(time.Since(start).Milliseconds())
	now := time.Now().UTC()

	if err != nil {
		status := model.StatusFailed
		errMsg := err.Error()
		switch ctx.Err() {
		case context.DeadlineExceeded:
			errMsg = fmt.Sprintf("operation timed out after %ds", timeoutS)
		case context.Canceled:
			// Kill already moved the record to killed; the outcome write
			// below fills in the execution details.
			status = model.StatusKilled
			errMsg = "killed by request"
		}
		outcome := &model.Invocation{
			ID:         inv.ID,
			Status:     status,
			EngineID:   h.ID(),
			Reused:     &reused,
			Error:      errMsg,
			DurationMS: &durationMS,
			StartedAt:  &start,
			FinishedAt: &now,
		}
		if err := r.store.UpdateInvocation(context.Background(), outcome); err != nil {
			r.logger.Error("failed to record invocation outcome", "invocation_id", inv.ID, "error", err)
		}
		return
	}

	completed := &model.Invocation{
		ID:         inv.ID,
		Status:     model.StatusCompleted,
		EngineID:   h.ID(),
		Reused:     &reused,
		Result:     result,
		DurationMS: &durationMS,
		StartedAt:  &start,
		FinishedAt: &now,
	}

	if err := r.store.UpdateInvocation(context.Background(), completed); err != nil {
		r.logger.Error("failed to update completed invocation", "invocation_id", inv.ID, "error", err)
	}
}

// finishFailed marks an invocation as failed with the given error message.
// startedAt may be nil if execution never started.
func (r *Runner) finishFailed(id string, startedAt *time.Time, errMsg string) {
	now := time.Now().UTC()
	var durationMS int
	if startedAt != nil {
		durationMS = int(time.Since(*startedAt).Milliseconds())
	}

	inv := &model.Invocation{
		ID:         id,
		Status:     model.StatusFailed,
		Error:      errMsg,
		DurationMS: &durationMS,
		StartedAt:  startedAt,
		FinishedAt: &now,
	}

	if err := r.store.UpdateInvocation(context.Background(), inv); err != nil {
		r.logger.Error("failed to update failed invocation", "invocation_id", id, "error", err)
	}
}
