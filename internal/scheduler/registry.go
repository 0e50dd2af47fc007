package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TaskFunc is a long-running loop. It must return once ctx is done.
type TaskFunc func(ctx context.Context)

type task struct {
	name   string
	run    TaskFunc
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry runs auxiliary loops and stops them in registration order.
type Registry struct {
	mu     sync.Mutex
	tasks  []*task
	logger *zap.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger}
}

// Register adds a task. Tasks registered while the registry runs start on
// the next Start.
func (r *Registry) Register(name string, run TaskFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, &task{name: name, run: run})
}

// Start launches every task that is not already running.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.tasks {
		if t.done != nil {
			continue
		}
		taskCtx, cancel := context.WithCancel(ctx)
		t.cancel = cancel
		t.done = make(chan struct{})
		go func(t *task, done chan struct{}) {
			defer close(done)
			t.run(taskCtx)
		}(t, t.done)
		r.logger.Debug("task started", zap.String("task", t.name))
	}
}

// Stop cancels each task in registration order and waits for it to exit
// before moving to the next.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.tasks {
		if t.done == nil {
			continue
		}
		t.cancel()
		select {
		case <-t.done:
		case <-ctx.Done():
			return fmt.Errorf("stop task %s: %w", t.name, ctx.Err())
		}
		t.done = nil
		t.cancel = nil
		r.logger.Debug("task stopped", zap.String("task", t.name))
	}
	return nil
}

// Running returns the names of running tasks in registration order.
func (r *Registry) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var names []string
	for _, t := range r.tasks {
		if t.done != nil {
			names = append(names, t.name)
		}
	}
	return names
}

// Every returns a TaskFunc calling fn every interval until ctx is done.
// Errors are logged; the loop keeps going.
func Every(name string, interval time.Duration, fn func(ctx context.Context) error, logger *zap.Logger) TaskFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					logger.Warn("task run failed", zap.String("task", name), zap.Error(err))
				}
			}
		}
	}
}
