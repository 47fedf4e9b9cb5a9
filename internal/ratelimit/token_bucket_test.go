package ratelimit

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket := NewTokenBucket(newClient(t), 2, 1, time.Minute)

	allowed, _, err := bucket.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, allowed, "first token")
	allowed, _, _ = bucket.Allow(ctx, "alice")
	assert.True(t, allowed, "second token")
	allowed, _, _ = bucket.Allow(ctx, "alice")
	assert.False(t, allowed, "third token rejected")

	allowed, _, _ = bucket.Allow(ctx, "bob")
	assert.True(t, allowed, "buckets are per owner")

	// Refill cannot be exercised with miniredis.FastForward: the script takes its clock from time.Now().
}

func TestTokenBucketDisabled(t *testing.T) {
	bucket := NewTokenBucket(nil, 0, 0, 0)
	allowed, _, err := bucket.Allow(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestOwnerLockSerializes(t *testing.T) {
	ctx := context.Background()
	lock := NewOwnerLock(newClient(t), 2*time.Second)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := lock.Acquire(ctx, "alice")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestOwnerLockTimesOut(t *testing.T) {
	ctx := context.Background()
	lock := NewOwnerLock(newClient(t), 50*time.Millisecond)
	lock.maxWait = 20 * time.Millisecond

	release, err := lock.Acquire(ctx, "alice")
	require.NoError(t, err)
	defer release()

	_, err = lock.Acquire(ctx, "alice")
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestOwnerLockReportsFailedRelease(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	var buf bytes.Buffer
	lock := NewOwnerLock(client, time.Second).WithLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	release, err := lock.Acquire(ctx, "alice")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)
	release()
	assert.Contains(t, buf.String(), "admission lock expired before release")

	buf.Reset()
	release, err = lock.Acquire(ctx, "alice")
	require.NoError(t, err)
	release()
	assert.Empty(t, buf.String(), "a clean release logs nothing")

	release, err = lock.Acquire(ctx, "bob")
	require.NoError(t, err)
	mr.Close()
	release()
	assert.Contains(t, buf.String(), "release admission lock")
	assert.Contains(t, buf.String(), "owner=bob")
}
