package locking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultLockTTL   = 60 * time.Second
	defaultRetryWait = 50 * time.Millisecond
	redisKeyPrefix   = "papermerge:lock:"
)

var errMissingRedisClient = errors.New("locking: redis client required")

// releaseScript deletes the key only while it still holds our token, so an
// expired lock re-acquired by someone else is left alone.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds locks as SET NX PX keys so workers on several hosts share them.
type RedisLocker struct {
	rdb       goredis.UniversalClient
	ttl       time.Duration
	retryWait time.Duration
	logger    *zap.Logger
}

func NewRedisLocker(rdb goredis.UniversalClient, ttl time.Duration, logger *zap.Logger) (*RedisLocker, error) {
	if rdb == nil {
		return nil, errMissingRedisClient
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, retryWait: defaultRetryWait, logger: logger}, nil
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	redisKey := redisKeyPrefix + key
	token := uuid.NewString()
	for {
		acquired, err := l.rdb.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("locking: acquire %s: %w", key, err)
		}
		if acquired {
			break
		}
		timer := time.NewTimer(l.retryWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.rdb, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("lock release failed", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}
