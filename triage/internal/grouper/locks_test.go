package grouper

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l := NewRedisLocker(client)
	l.RetryInterval = 5 * time.Millisecond
	return l, mr
}

func TestRedisLockerAcquireRelease(t *testing.T) {
	l, mr := newTestLocker(t)

	release, err := l.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("talon:lock:ticket:t1"))

	release()
	assert.False(t, mr.Exists("talon:lock:ticket:t1"))
}

func TestRedisLockerBlocksSecondHolder(t *testing.T) {
	l, _ := newTestLocker(t)

	release, err := l.Acquire(context.Background(), "t1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "t1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release2, err := l.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	release2()
}

func TestRedisLockerIndependentKeys(t *testing.T) {
	l, _ := newTestLocker(t)

	r1, err := l.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	defer r1()

	r2, err := l.Acquire(context.Background(), "t2")
	require.NoError(t, err)
	defer r2()
}

func TestRedisLockerReleaseChecksToken(t *testing.T) {
	l, mr := newTestLocker(t)

	release, err := l.Acquire(context.Background(), "t1")
	require.NoError(t, err)

	// Lease expired and a new holder took over; the stale release must not
	// free the successor's lock.
	mr.FastForward(time.Minute)
	release2, err := l.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	defer release2()

	release()
	assert.True(t, mr.Exists("talon:lock:ticket:t1"))
}
