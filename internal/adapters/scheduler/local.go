// Package scheduler runs campaign and session tasks in-process.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/crafter-station/cadence-sub000/internal/adapters/metrics"
	"github.com/crafter-station/cadence-sub000/internal/ports"
	"github.com/crafter-station/cadence-sub000/pkg/otel"
)

var _ ports.TaskScheduler = (*Local)(nil)

// Local is a TaskScheduler backed by goroutines. Triggered tasks outlive the
// caller's context and are cancelled only by Shutdown.
type Local struct {
	mu    sync.RWMutex
	tasks map[string]ports.TaskFunc

	// defaultLimit bounds batches whose context carries no concurrency
	defaultLimit int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(defaultLimit int) *Local {
	if defaultLimit <= 0 {
		defaultLimit = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Local{
		tasks:        make(map[string]ports.TaskFunc),
		defaultLimit: defaultLimit,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Register binds a task name to its implementation
func (s *Local) Register(name string, fn ports.TaskFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[name] = fn
}

func (s *Local) lookup(name string) (ports.TaskFunc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.tasks[name]
	if !ok {
		return nil, fmt.Errorf("unknown task %q", name)
	}
	return fn, nil
}

func (s *Local) Trigger(ctx context.Context, task string, payload any) (ports.TaskHandle, error) {
	fn, err := s.lookup(task)
	if err != nil {
		return ports.TaskHandle{}, err
	}
	if s.ctx.Err() != nil {
		return ports.TaskHandle{}, fmt.Errorf("scheduler is shut down")
	}

	handle := ports.TaskHandle{ID: uuid.NewString(), Task: task}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(s.ctx, cancel)

	s.wg.Go(func() {
		defer stop()
		defer cancel()
		res := s.run(runCtx, handle, fn, payload)
		if !res.OK {
			slog.Error("scheduler: task failed", "task", task, "handle", handle.ID, "error", res.Err)
		}
	})

	slog.Debug("scheduler: task triggered", "task", task, "handle", handle.ID)
	return handle, nil
}

func (s *Local) TriggerAndWait(ctx context.Context, task string, payload any) ports.TaskResult {
	handle := ports.TaskHandle{ID: uuid.NewString(), Task: task}
	fn, err := s.lookup(task)
	if err != nil {
		return ports.TaskResult{Handle: handle, Err: err}
	}
	return s.run(ctx, handle, fn, payload)
}

func (s *Local) BatchTriggerAndWait(ctx context.Context, items []ports.BatchItem) ([]ports.TaskResult, error) {
	fns := make([]ports.TaskFunc, len(items))
	for i, item := range items {
		fn, err := s.lookup(item.Task)
		if err != nil {
			return nil, err
		}
		fns[i] = fn
	}

	limit := ports.BatchConcurrency(ctx)
	if limit <= 0 {
		limit = s.defaultLimit
	}

	results := make([]ports.TaskResult, len(items))

	// item failures are collected, never propagated, so no group context
	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		handle := ports.TaskHandle{ID: uuid.NewString(), Task: item.Task}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = ports.TaskResult{Handle: handle, Err: err}
				return nil
			}
			results[i] = s.run(ctx, handle, fns[i], item.Payload)
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

func (s *Local) run(ctx context.Context, handle ports.TaskHandle, fn ports.TaskFunc, payload any) (result ports.TaskResult) {
	ctx, span := otel.Tracer("cadence/scheduler").Start(ctx, "task."+handle.Task,
		trace.WithAttributes(otel.TaskName(handle.Task)),
	)
	defer span.End()

	inflight := metrics.SchedulerTasksInflight.WithLabelValues(handle.Task)
	inflight.Inc()
	defer inflight.Dec()

	result.Handle = handle
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler: task panicked", "task", handle.Task, "handle", handle.ID, "panic", r, "stack", string(debug.Stack()))
			result.OK = false
			result.Output = nil
			result.Err = fmt.Errorf("task %s panicked: %v", handle.Task, r)
		}
		if result.Err != nil {
			span.RecordError(result.Err)
			span.SetStatus(codes.Error, result.Err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}()

	out, err := fn(ctx, payload)
	if err != nil {
		// output is kept on failure so callers can inspect partial state
		return ports.TaskResult{Handle: handle, Output: out, Err: err}
	}
	return ports.TaskResult{Handle: handle, OK: true, Output: out}
}

// Wait blocks until every triggered task has returned
func (s *Local) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels triggered tasks and waits for them to return
func (s *Local) Shutdown(ctx context.Context) error {
	s.cancel()
	if err := s.Wait(ctx); err != nil {
		return fmt.Errorf("scheduler shutdown: %w", err)
	}
	return nil
}
