// Package worker runs the in-process task handlers: document conversion and
// the object-store mirror. OCR, previews and indexing run elsewhere.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/papermerge/papermerge-core-sub000/internal/documents"
	"github.com/papermerge/papermerge-core-sub000/internal/tasks"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	defaultConcurrency = 4
	errorBackoff       = time.Second
)

var (
	errMissingSource = errors.New("worker: task source is required")
	errMissingDocID  = errors.New("worker: doc_id kwarg is required")
)

// Handler processes one task. Errors are logged; tasks are not retried.
type Handler func(ctx context.Context, task tasks.Task) error

// Source yields tasks. ok=false with a nil error means the poll timed out.
type Source interface {
	Next(ctx context.Context) (tasks.Task, bool, error)
}

type RunnerConfig struct {
	Source      Source
	Concurrency int
	Logger      *zap.Logger
}

// Runner pulls tasks from a Source and runs the handler registered for each
// name, at most Concurrency at a time.
type Runner struct {
	source Source
	slots  *semaphore.Weighted
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	inflight sync.WaitGroup
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		source:   cfg.Source,
		slots:    semaphore.NewWeighted(int64(concurrency)),
		logger:   logger,
		handlers: make(map[string]Handler),
	}, nil
}

func (r *Runner) Register(name string, handler Handler) {
	r.mu.Lock()
	r.handlers[name] = handler
	r.mu.Unlock()
}

// RegisterAll adds every handler in the map.
func (r *Runner) RegisterAll(handlers map[string]func(context.Context, tasks.Task) error) {
	for name, handler := range handlers {
		r.Register(name, handler)
	}
}

// Run consumes tasks until ctx ends, then waits for running handlers.
func (r *Runner) Run(ctx context.Context) error {
	defer r.inflight.Wait()
	for {
		task, ok, err := r.source.Next(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			r.logger.Warn("task source failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(errorBackoff):
			}
			continue
		}
		if !ok {
			continue
		}
		if err := r.slots.Acquire(ctx, 1); err != nil {
			return nil
		}
		r.inflight.Add(1)
		go func(task tasks.Task) {
			defer r.inflight.Done()
			defer r.slots.Release(1)
			_ = r.Handle(ctx, task)
		}(task)
	}
}

// Handle runs the handler for task synchronously. Unknown names are skipped.
func (r *Runner) Handle(ctx context.Context, task tasks.Task) (err error) {
	r.mu.RLock()
	handler, ok := r.handlers[task.Name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("no handler for task",
			zap.String("task", task.Name),
			zap.String("route", task.Route),
		)
		return nil
	}
	started := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("worker: handler %s panicked: %v", task.Name, recovered)
		}
		if err != nil {
			r.logger.Error("task failed",
				zap.String("task", task.Name),
				zap.String("idempotency_key", task.IdempotencyKey),
				zap.Error(err),
			)
			return
		}
		r.logger.Debug("task done",
			zap.String("task", task.Name),
			zap.Duration("elapsed", time.Since(started)),
		)
	}()
	return handler(ctx, task)
}

// Converter turns an uploaded image into its PDF version.
type Converter interface {
	Convert(ctx context.Context, documentID string) (documents.DocumentVersion, error)
}

// ConvertHandler serves convert.document.
func ConvertHandler(converter Converter) Handler {
	return func(ctx context.Context, task tasks.Task) error {
		documentID := task.String("doc_id")
		if documentID == "" {
			return errMissingDocID
		}
		_, err := converter.Convert(ctx, documentID)
		return err
	}
}

// MemorySource merges in-process route subscriptions into one stream.
type MemorySource struct {
	stream chan tasks.Task
}

// NewMemorySource subscribes to routes until ctx ends. Subscribing happens
// before it returns, so tasks dispatched afterwards are not lost.
func NewMemorySource(ctx context.Context, dispatcher *tasks.MemoryDispatcher, routes ...string) *MemorySource {
	source := &MemorySource{stream: make(chan tasks.Task)}
	for _, route := range routes {
		ch, _ := dispatcher.Subscribe(ctx, route)
		go source.forward(ctx, ch)
	}
	return source
}

func (s *MemorySource) forward(ctx context.Context, ch <-chan tasks.Task) {
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-ch:
			if !ok {
				return
			}
			select {
			case s.stream <- task:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *MemorySource) Next(ctx context.Context) (tasks.Task, bool, error) {
	select {
	case <-ctx.Done():
		return tasks.Task{}, false, ctx.Err()
	case task := <-s.stream:
		return task, true, nil
	}
}
