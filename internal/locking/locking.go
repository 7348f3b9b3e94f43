// Package locking serializes mutations per document with advisory locks.
package locking

import (
	"context"
	"errors"
	"slices"
	"sync"
)

var ErrEmptyKey = errors.New("locking: key required")

// Unlock releases a held lock. It is safe to call more than once.
type Unlock func()

// Locker acquires an advisory lock for key, waiting until ctx ends.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// DocumentKey is the lock key of a document.
func DocumentKey(documentID string) string {
	return "document:" + documentID
}

// LockAll acquires keys in sorted order so concurrent callers locking
// overlapping sets cannot deadlock. Duplicates are locked once.
func LockAll(ctx context.Context, locker Locker, keys ...string) (Unlock, error) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]Unlock, 0, len(sorted))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, key := range sorted {
		unlock, err := locker.Lock(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		held = append(held, unlock)
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}

// LocalLocker is an in-process keyed mutex.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch      chan struct{}
	waiters int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.waiters++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s, false)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, s, true) })
	}, nil
}

func (l *LocalLocker) release(key string, s *slot, held bool) {
	if held {
		<-s.ch
	}
	l.mu.Lock()
	s.waiters--
	if s.waiters == 0 {
		delete(l.slots, key)
	}
	l.mu.Unlock()
}
