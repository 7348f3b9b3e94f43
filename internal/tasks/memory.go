package tasks

import (
	"context"
	"sync"
)

const defaultRouteBuffer = 256

// MemoryDispatcher fans tasks out to in-process consumers subscribed per route.
// Dispatch never blocks: a full consumer buffer drops the task.
type MemoryDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*memorySubscriber
	nextID      int64
	bufferSize  int
}

type memorySubscriber struct {
	id     int64
	stream chan Task
}

func NewMemoryDispatcher(bufferSize int) *MemoryDispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultRouteBuffer
	}
	return &MemoryDispatcher{
		subscribers: make(map[string]map[int64]*memorySubscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a consumer for route until ctx ends or the returned cleanup runs.
func (d *MemoryDispatcher) Subscribe(ctx context.Context, route string) (<-chan Task, func()) {
	if route == "" {
		ch := make(chan Task)
		close(ch)
		return ch, func() {}
	}
	subscriber := &memorySubscriber{
		id:     d.nextSequence(),
		stream: make(chan Task, d.bufferSize),
	}
	d.register(route, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(route, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Dispatch delivers task to one consumer of its route. Consumers of a route
// share work, so only the first with buffer space receives it.
func (d *MemoryDispatcher) Dispatch(_ context.Context, task Task) error {
	if task.Name == "" {
		return ErrMissingTaskName
	}
	d.mu.RLock()
	subscribers := d.subscribers[task.Route]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return ErrNoConsumer
	}
	copies := make([]*memorySubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- task:
			return nil
		default:
		}
	}
	return ErrQueueFull
}

func (d *MemoryDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *MemoryDispatcher) register(route string, subscriber *memorySubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[route]; !ok {
		d.subscribers[route] = make(map[int64]*memorySubscriber)
	}
	d.subscribers[route][subscriber.id] = subscriber
}

func (d *MemoryDispatcher) unregister(route string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[route]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, route)
		}
	}
	d.mu.Unlock()
}
