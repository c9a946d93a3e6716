package redisclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("resource lock not acquired")
)

const defaultPollInterval = 15 * time.Millisecond

// Locker is used by the booking engine to serialize check-then-write
// sequences per resource and date.
type Locker interface {
	WithLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error
}

// WaitObserver receives the seconds spent acquiring a set of locks.
type WaitObserver interface {
	ObserveLockWait(seconds float64)
}

type redisLocker struct {
	client   *redis.Client
	ttl      time.Duration
	wait     time.Duration
	poll     time.Duration
	observer WaitObserver
}

// NewRedisLocker creates a locker that takes one Redis key per lock name.
// A busy key is polled until wait elapses; wait of zero means a single attempt.
func NewRedisLocker(client *redis.Client, ttl, wait time.Duration, observer WaitObserver) Locker {
	return &redisLocker{
		client:   client,
		ttl:      ttl,
		wait:     wait,
		poll:     defaultPollInterval,
		observer: observer,
	}
}

func (l *redisLocker) WithLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	keys = normalizeKeys(keys)
	token := uuid.NewString()

	start := time.Now()
	deadline := start.Add(l.wait)

	held := make([]string, 0, len(keys))
	defer func() {
		// release in reverse, even if the caller's context is already done
		releaseCtx := context.WithoutCancel(ctx)
		for i := len(held) - 1; i >= 0; i-- {
			_ = l.release(releaseCtx, held[i], token)
		}
	}()

	// the callback must finish before the earliest key expires
	expiresFrom := time.Now()
	for _, key := range keys {
		acquiredAt, err := l.acquire(ctx, key, token, deadline)
		if err != nil {
			return err
		}
		if len(held) == 0 {
			expiresFrom = acquiredAt
		}
		held = append(held, key)
	}
	if len(held) > 1 {
		refreshedAt, err := l.refresh(ctx, held, token)
		if err != nil {
			return err
		}
		expiresFrom = refreshedAt
	}
	if l.observer != nil {
		l.observer.ObserveLockWait(time.Since(start).Seconds())
	}

	ctxWithDeadline, cancel := context.WithDeadline(ctx, expiresFrom.Add(l.ttl))
	defer cancel()

	return fn(ctxWithDeadline)
}

// acquire returns the time the winning SETNX was sent, which bounds the
// key's expiry from below.
func (l *redisLocker) acquire(ctx context.Context, key, token string, deadline time.Time) (time.Time, error) {
	for {
		sentAt := time.Now()
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return time.Time{}, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return sentAt, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return time.Time{}, ErrLockNotAcquired
		}

		timer := time.NewTimer(min(l.poll, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return time.Time{}, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

// refreshScript resets the TTL of every key still holding the token. It
// returns the 1-based index of the first key that was lost, or 0.
var refreshScript = redis.NewScript(`
for i, key in ipairs(KEYS) do
  if redis.call("GET", key) ~= ARGV[1] then
    return i
  end
end
for _, key in ipairs(KEYS) do
  redis.call("PEXPIRE", key, ARGV[2])
end
return 0
`)

// refresh restarts the TTL of all held keys so that they expire together.
func (l *redisLocker) refresh(ctx context.Context, keys []string, token string) (time.Time, error) {
	sentAt := time.Now()
	lost, err := refreshScript.Run(ctx, l.client, keys, token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return time.Time{}, fmt.Errorf("refresh locks: %w", err)
	}
	if lost > 0 {
		return time.Time{}, fmt.Errorf("%w: %s expired while waiting for the others", ErrLockNotAcquired, keys[lost-1])
	}
	return sentAt, nil
}

func (l *redisLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

// normalizeKeys sorts and dedupes so that concurrent callers always take
// overlapping locks in the same order.
func normalizeKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
