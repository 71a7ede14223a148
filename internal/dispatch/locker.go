package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/callpilot/internal/booking"
	"github.com/wolfman30/callpilot/pkg/logging"
)

// Locker guards the dispatch critical section of one request. Acquire never
// waits: a held lock yields booking.ErrAlreadyInFlight.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// LocalLocker serializes dispatch within one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, booking.ErrAlreadyInFlight
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

const lockKeyPrefix = "callpilot:dispatch-lock:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker serializes dispatch across instances with SET NX PX. The TTL
// bounds how long a crashed holder can block a request.
type RedisLocker struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration, logger *logging.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, logger: logger}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, lockKeyPrefix+key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("dispatch: acquire lock: %w", err)
	}
	if !ok {
		return nil, booking.ErrAlreadyInFlight
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.rdb, []string{lockKeyPrefix + key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				l.logger.Warn("dispatch lock release failed", "key", key, "error", err)
			}
		})
	}, nil
}
