package tasks

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Batch collects tasks while a transaction runs so they can be dispatched once
// it commits. Tasks with the same idempotency key are queued once.
type Batch struct {
	tasks []Task
	seen  map[string]struct{}
}

func (b *Batch) Add(tasks ...Task) {
	if b.seen == nil {
		b.seen = make(map[string]struct{})
	}
	for _, task := range tasks {
		if _, dup := b.seen[task.IdempotencyKey]; dup {
			continue
		}
		b.seen[task.IdempotencyKey] = struct{}{}
		b.tasks = append(b.tasks, task)
	}
}

func (b *Batch) Tasks() []Task {
	return append([]Task(nil), b.tasks...)
}

func (b *Batch) Len() int {
	return len(b.tasks)
}

// Flush dispatches every task. Failures are logged and never returned; the
// reconciliation sweep re-enqueues what was lost.
func (b *Batch) Flush(ctx context.Context, dispatcher Dispatcher, logger *zap.Logger) int {
	if dispatcher == nil {
		return 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sent := 0
	for _, task := range b.tasks {
		if err := dispatcher.Dispatch(ctx, task); err != nil {
			logger.Warn("task dispatch failed",
				zap.String("task", task.Name),
				zap.String("route", task.Route),
				zap.String("idempotency_key", task.IdempotencyKey),
				zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// Recorder keeps every dispatched task in memory.
type Recorder struct {
	mu    sync.Mutex
	tasks []Task
}

func (r *Recorder) Dispatch(_ context.Context, task Task) error {
	if task.Name == "" {
		return ErrMissingTaskName
	}
	r.mu.Lock()
	r.tasks = append(r.tasks, task)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Tasks() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Task(nil), r.tasks...)
}

// Named returns the recorded tasks called name.
func (r *Recorder) Named(name string) []Task {
	var out []Task
	for _, task := range r.Tasks() {
		if task.Name == name {
			out = append(out, task)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.tasks = nil
	r.mu.Unlock()
}
