package grouper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/talonsec/talon-stack/triage/internal/faults"
)

// Locker serializes attach/merge operations per ticket. Acquire blocks until
// the lock is held or ctx expires; the returned release function must be
// called on every exit path.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// RedisLocker implements Locker with a Redis SET NX lease. The lease token is
// checked on release so an expired holder cannot free a successor's lock.
type RedisLocker struct {
	redis *redis.Client

	// TTL is the lease duration; it bounds how long a crashed holder can
	// block its ticket.
	TTL time.Duration

	// RetryInterval is the poll interval while waiting for a held lock.
	RetryInterval time.Duration
}

// NewRedisLocker creates a RedisLocker with defaults filled in.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{
		redis:         client,
		TTL:           30 * time.Second,
		RetryInterval: 50 * time.Millisecond,
	}
}

// releaseScript deletes the lock only if the token still matches.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (l *RedisLocker) lockKey(key string) string {
	return "talon:lock:ticket:" + key
}

// Acquire takes the lease for key, polling until acquired or ctx is done.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.New().String()
	lockKey := l.lockKey(key)

	for {
		ok, err := l.redis.SetNX(ctx, lockKey, token, l.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: acquire lock %s: %v", faults.ErrStoreUnavailable, key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.RetryInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
		}
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.redis, []string{lockKey}, token).Err()
	}
	return release, nil
}
