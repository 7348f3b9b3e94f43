package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultQueuePrefix = "papermerge:tasks:"

var errMissingRedisClient = errors.New("tasks: redis client required")

// RedisDispatcher pushes JSON-encoded tasks onto one Redis list per route.
type RedisDispatcher struct {
	rdb    goredis.UniversalClient
	prefix string
}

func NewRedisDispatcher(rdb goredis.UniversalClient, prefix string) (*RedisDispatcher, error) {
	if rdb == nil {
		return nil, errMissingRedisClient
	}
	return &RedisDispatcher{rdb: rdb, prefix: queuePrefix(prefix)}, nil
}

// QueueKey is the list a route's tasks are pushed onto.
func (d *RedisDispatcher) QueueKey(route string) string {
	return d.prefix + route
}

func (d *RedisDispatcher) Dispatch(ctx context.Context, task Task) error {
	if task.Name == "" {
		return ErrMissingTaskName
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("tasks: encode %s: %w", task.Name, err)
	}
	return d.rdb.LPush(ctx, d.QueueKey(task.Route), raw).Err()
}

// RedisQueue pops tasks from the route lists filled by RedisDispatcher.
type RedisQueue struct {
	rdb     goredis.UniversalClient
	prefix  string
	routes  []string
	timeout time.Duration
}

func NewRedisQueue(rdb goredis.UniversalClient, prefix string, routes []string, timeout time.Duration) (*RedisQueue, error) {
	if rdb == nil {
		return nil, errMissingRedisClient
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RedisQueue{rdb: rdb, prefix: queuePrefix(prefix), routes: routes, timeout: timeout}, nil
}

// Next blocks until a task arrives on any route, the poll timeout passes
// (ok=false) or ctx ends.
func (q *RedisQueue) Next(ctx context.Context) (Task, bool, error) {
	keys := make([]string, 0, len(q.routes))
	for _, route := range q.routes {
		keys = append(keys, q.prefix+route)
	}
	result, err := q.rdb.BRPop(ctx, q.timeout, keys...).Result()
	if errors.Is(err, goredis.Nil) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	if len(result) != 2 {
		return Task{}, false, fmt.Errorf("tasks: unexpected BRPOP reply of %d items", len(result))
	}
	var task Task
	if err := json.Unmarshal([]byte(result[1]), &task); err != nil {
		return Task{}, false, fmt.Errorf("tasks: decode payload from %s: %w", result[0], err)
	}
	return task, true, nil
}

func queuePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return defaultQueuePrefix
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return prefix
}
