package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/papermerge/papermerge-core-sub000/internal/documents"
	"github.com/papermerge/papermerge-core-sub000/internal/tasks"
)

type stubConverter struct {
	mu   sync.Mutex
	seen []string
	err  error
}

func (s *stubConverter) Convert(_ context.Context, documentID string) (documents.DocumentVersion, error) {
	s.mu.Lock()
	s.seen = append(s.seen, documentID)
	s.mu.Unlock()
	return documents.DocumentVersion{DocumentID: documentID}, s.err
}

func startRunner(t *testing.T, ctx context.Context, cancel context.CancelFunc, runner *Runner) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		_ = runner.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("runner did not stop")
		}
	})
}

func TestRunnerRoutesMemoryTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := tasks.NewMemoryDispatcher(8)
	source := NewMemorySource(ctx, dispatcher, tasks.RouteConvert, tasks.RouteS3)
	runner, err := NewRunner(RunnerConfig{Source: source, Concurrency: 2})
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	converter := &stubConverter{}
	runner.Register(tasks.NameConvertDocument, ConvertHandler(converter))
	mirrored := make(chan tasks.Task, 1)
	runner.Register(tasks.NameS3AddDocVer, func(_ context.Context, task tasks.Task) error {
		mirrored <- task
		return nil
	})
	startRunner(t, ctx, cancel, runner)

	if err := dispatcher.Dispatch(ctx, tasks.S3AddDocVer("v1")); err != nil {
		t.Fatalf("dispatch s3: %v", err)
	}
	select {
	case task := <-mirrored:
		if got := task.Strings("doc_ver_ids"); len(got) != 1 || got[0] != "v1" {
			t.Fatalf("unexpected kwargs %v", task.Kwargs)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("s3 task was not handled")
	}

	if err := dispatcher.Dispatch(ctx, tasks.ConvertDocument("d1")); err != nil {
		t.Fatalf("dispatch convert: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		converter.mu.Lock()
		seen := append([]string(nil), converter.seen...)
		converter.mu.Unlock()
		if len(seen) == 1 && seen[0] == "d1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("convert not handled, seen %v", seen)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandleSkipsUnknownTasks(t *testing.T) {
	runner, err := NewRunner(RunnerConfig{Source: NewMemorySource(context.Background(), tasks.NewMemoryDispatcher(1))})
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	if err := runner.Handle(context.Background(), tasks.OCRPage("p1", "deu")); err != nil {
		t.Fatalf("unknown task should be skipped, got %v", err)
	}
}

func TestHandleReportsFailuresAndPanics(t *testing.T) {
	runner, err := NewRunner(RunnerConfig{Source: NewMemorySource(context.Background(), tasks.NewMemoryDispatcher(1))})
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	converter := &stubConverter{err: errors.New("broken image")}
	runner.Register(tasks.NameConvertDocument, ConvertHandler(converter))
	runner.Register(tasks.NameS3RemoveDocVer, func(context.Context, tasks.Task) error {
		panic("boom")
	})

	if err := runner.Handle(context.Background(), tasks.ConvertDocument("d1")); err == nil {
		t.Fatalf("expected converter error")
	}
	if err := runner.Handle(context.Background(), tasks.New(tasks.NameConvertDocument, nil)); !errors.Is(err, errMissingDocID) {
		t.Fatalf("expected missing doc id, got %v", err)
	}
	if err := runner.Handle(context.Background(), tasks.S3RemoveDocVer("v1")); err == nil {
		t.Fatalf("expected panic to surface as error")
	}
}

func TestRunnerBoundsConcurrency(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := tasks.NewMemoryDispatcher(32)
	source := NewMemorySource(ctx, dispatcher, tasks.RouteS3)
	runner, err := NewRunner(RunnerConfig{Source: source, Concurrency: 2})
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	var running, peak, finished int32
	runner.Register(tasks.NameS3RemovePageThumbnail, func(context.Context, tasks.Task) error {
		now := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if now <= old || atomic.CompareAndSwapInt32(&peak, old, now) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		atomic.AddInt32(&finished, 1)
		return nil
	})
	startRunner(t, ctx, cancel, runner)

	const total = 8
	for i := 0; i < total; i++ {
		if err := dispatcher.Dispatch(ctx, tasks.S3RemovePageThumbnail(string(rune('a'+i)))); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&finished) < total {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d tasks finished", atomic.LoadInt32(&finished), total)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", got)
	}
}
