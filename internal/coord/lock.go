package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrLockNotAcquired is returned when a lock could not be taken before the
// caller's context or the locker's wait bound expired.
var ErrLockNotAcquired = errors.New("lock not acquired")

// Locker provides mutual exclusion over named resources
type Locker interface {
	// RunWithLock runs fn while holding resource. The context given to fn is
	// cancelled if the lock is lost before fn returns.
	RunWithLock(ctx context.Context, resource string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// WithLock runs fn under resource and returns its value
func WithLock[T any](ctx context.Context, l Locker, resource string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := l.RunWithLock(ctx, resource, ttl, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

const (
	redisLockPrefix = "lock:"

	extendScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`

	releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`
)

var (
	extendLua  = redis.NewScript(extendScript)
	releaseLua = redis.NewScript(releaseScript)
)

// RedisLocker is a Locker shared by every process using the same Redis
type RedisLocker struct {
	client redis.UniversalClient
	// MaxWait bounds how long acquisition retries; zero waits until ctx is done
	MaxWait     time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// NewRedisLocker creates a RedisLocker with a 30s acquisition bound
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{
		client:      client,
		MaxWait:     30 * time.Second,
		BaseBackoff: 25 * time.Millisecond,
		MaxBackoff:  time.Second,
	}
}

func (l *RedisLocker) RunWithLock(ctx context.Context, resource string, ttl time.Duration, fn func(ctx context.Context) error) error {
	key := redisLockPrefix + resource
	token := uuid.NewString()

	if err := l.acquire(ctx, key, token, ttl); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepAlive(runCtx, key, token, ttl, done, cancel)
	}()

	defer func() {
		close(done)
		wg.Wait()
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if err := releaseLua.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("resource", resource).Msg("failed to release lock")
		}
	}()

	return fn(runCtx)
}

func (l *RedisLocker) acquire(ctx context.Context, key, token string, ttl time.Duration) error {
	waitCtx := ctx
	if l.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.MaxWait)
		defer cancel()
	}

	backoff := l.BaseBackoff
	for {
		ok, err := l.client.SetNX(waitCtx, key, token, ttl).Result()
		if err != nil && waitCtx.Err() == nil {
			return fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return nil
		}

		timer := time.NewTimer(backoff)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %s: %v", ErrLockNotAcquired, key, ctx.Err())
			}
			return fmt.Errorf("%w: %s: timed out after %s", ErrLockNotAcquired, key, l.MaxWait)
		case <-timer.C:
		}

		backoff *= 2
		if backoff > l.MaxBackoff {
			backoff = l.MaxBackoff
		}
	}
}

// keepAlive extends the lock every ttl/3 and cancels the holder when the lock
// is no longer ours.
func (l *RedisLocker) keepAlive(ctx context.Context, key, token string, ttl time.Duration, done <-chan struct{}, lost context.CancelFunc) {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := extendLua.Run(ctx, l.client, []string{key}, token, ttl.Milliseconds()).Int64()
			if err != nil {
				log.Warn().Err(err).Str("lock", key).Msg("failed to extend lock")
				continue
			}
			if n == 0 {
				log.Error().Str("lock", key).Msg("lock lost before work finished")
				lost()
				return
			}
		}
	}
}

// MemoryLocker serialises callers within one process. Each resource keeps a
// chain of channels: a caller waits on its predecessor's channel and closes
// its own on release. TTLs are ignored. Only suitable for single-instance
// deployments.
type MemoryLocker struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// NewMemoryLocker creates an empty MemoryLocker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{tails: make(map[string]chan struct{})}
}

func (m *MemoryLocker) RunWithLock(ctx context.Context, resource string, ttl time.Duration, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	prev := m.tails[resource]
	mine := make(chan struct{})
	m.tails[resource] = mine
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		if m.tails[resource] == mine {
			delete(m.tails, resource)
		}
		m.mu.Unlock()
		close(mine)
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// keep the chain intact: successors still wait for prev through us
			go func() {
				<-prev
				release()
			}()
			return fmt.Errorf("%w: %s: %v", ErrLockNotAcquired, resource, ctx.Err())
		}
	}

	defer release()
	return fn(ctx)
}
