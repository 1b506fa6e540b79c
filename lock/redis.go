package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL          = 2 * time.Minute
	defaultPollInterval = 100 * time.Millisecond
	releaseTimeout      = 5 * time.Second
	pingTimeout         = 5 * time.Second
)

// releaseScript deletes the lock only while it still carries the caller's token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// RedisClient is the part of redis.Cmdable the locker calls.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLocker serializes callers across processes sharing one Redis. A holder that dies
// without unlocking blocks others for at most ttl.
type RedisLocker struct {
	client       RedisClient
	ttl          time.Duration
	pollInterval time.Duration
	logger       log.Logger
}

func NewRedisLocker(client RedisClient, ttl, pollInterval time.Duration, logger log.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &RedisLocker{
		client:       client,
		ttl:          ttl,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// NewRedisClient connects to addr and pings it.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}

	return client, nil
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	token := uuid.NewString()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if acquired {
			break
		}
		if attempt == 1 {
			l.logger.Debugf("Lock %s is held by another merge, waiting...", key)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			defer cancel()

			if err := l.client.Eval(releaseCtx, releaseScript, []string{key}, token).Err(); err != nil {
				l.logger.Warnf("Failed to release lock %s: %s", key, err)
			}
		})
	}, nil
}
