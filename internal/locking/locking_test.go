package locking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocalLockerSerializesSameKey(t *testing.T) {
	locker := NewLocalLocker()
	var active, maxActive int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), DocumentKey("d1"))
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			current := atomic.AddInt32(&active, 1)
			for {
				seen := atomic.LoadInt32(&maxActive)
				if current <= seen || atomic.CompareAndSwapInt32(&maxActive, seen, current) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxActive != 1 {
		t.Fatalf("expected exclusive access, saw %d holders", maxActive)
	}
	if len(locker.slots) != 0 {
		t.Fatalf("expected slots to be released, got %d", len(locker.slots))
	}
}

func TestLocalLockerHonoursContext(t *testing.T) {
	locker := NewLocalLocker()
	unlock, err := locker.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if _, err := locker.Lock(context.Background(), ""); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
}

func TestLockAllSortsAndDeduplicates(t *testing.T) {
	locker := NewLocalLocker()
	unlock, err := LockAll(context.Background(), locker, "b", "a", "b")
	if err != nil {
		t.Fatalf("lock all: %v", err)
	}
	if len(locker.slots) != 2 {
		t.Fatalf("expected two held keys, got %d", len(locker.slots))
	}
	unlock()
	unlock()
	if len(locker.slots) != 0 {
		t.Fatalf("expected all keys released")
	}
}
