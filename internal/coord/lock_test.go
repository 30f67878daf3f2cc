package coord

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertMutualExclusion(t *testing.T, l Locker, resource string) {
	t.Helper()

	var active, maxActive, total int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.RunWithLock(context.Background(), resource, 5*time.Second, func(ctx context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&active, -1)
				atomic.AddInt32(&total, 1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive)
	assert.Equal(t, int32(20), total)
}

func TestMemoryLocker_MutualExclusion(t *testing.T) {
	assertMutualExclusion(t, NewMemoryLocker(), "upload:repo:pkg:1.0.0")
}

func TestMemoryLocker_IndependentResources(t *testing.T) {
	l := NewMemoryLocker()
	inner := make(chan struct{})

	go func() {
		_ = l.RunWithLock(context.Background(), "a", time.Second, func(ctx context.Context) error {
			<-inner
			return nil
		})
	}()

	done := make(chan struct{})
	go func() {
		_ = l.RunWithLock(context.Background(), "b", time.Second, func(ctx context.Context) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	close(inner)
}

func TestMemoryLocker_CancelledWaiterKeepsChain(t *testing.T) {
	l := NewMemoryLocker()
	holding := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = l.RunWithLock(context.Background(), "r", time.Second, func(ctx context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.RunWithLock(ctx, "r", time.Second, func(ctx context.Context) error {
		t.Error("cancelled waiter must not run")
		return nil
	})
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	// a third caller queued behind the cancelled one must still wait for the holder
	var ran atomic.Bool
	thirdDone := make(chan struct{})
	go func() {
		_ = l.RunWithLock(context.Background(), "r", time.Second, func(ctx context.Context) error {
			ran.Store(true)
			return nil
		})
		close(thirdDone)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran.Load())

	close(release)
	<-thirdDone
	assert.True(t, ran.Load())
}

func TestMemoryLocker_PropagatesError(t *testing.T) {
	l := NewMemoryLocker()
	boom := errors.New("boom")
	err := l.RunWithLock(context.Background(), "r", time.Second, func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	// lock released after an error
	err = l.RunWithLock(context.Background(), "r", time.Second, func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestWithLock_ReturnsValue(t *testing.T) {
	v, err := WithLock(context.Background(), NewMemoryLocker(), "r", time.Second, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func redisClientForTest(t *testing.T) redis.UniversalClient {
	t.Helper()
	addr := os.Getenv("CAIRN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CAIRN_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	client := redisClientForTest(t)
	assertMutualExclusion(t, NewRedisLocker(client), "test:"+t.Name())
}

func TestRedisLocker_ExtendsLongRunningHolder(t *testing.T) {
	client := redisClientForTest(t)
	l := NewRedisLocker(client)
	resource := "test:" + t.Name()

	err := l.RunWithLock(context.Background(), resource, 300*time.Millisecond, func(ctx context.Context) error {
		time.Sleep(700 * time.Millisecond)
		ttl, err := client.PTTL(ctx, redisLockPrefix+resource).Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))
		return ctx.Err()
	})
	require.NoError(t, err)

	exists, err := client.Exists(context.Background(), redisLockPrefix+resource).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestRedisLocker_TimesOut(t *testing.T) {
	client := redisClientForTest(t)
	l := NewRedisLocker(client)
	l.MaxWait = 100 * time.Millisecond
	resource := "test:" + t.Name()

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.RunWithLock(context.Background(), resource, 5*time.Second, func(ctx context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer close(release)

	err := l.RunWithLock(context.Background(), resource, time.Second, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrLockNotAcquired)
}
