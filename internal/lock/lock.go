// Package lock provides short-lived per-entity locks shared by job workers.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Unlock when the lock expired or belongs to another holder.
var ErrNotHeld = errors.New("lock not held")

// Locker grants exclusive ownership of a key for a bounded time.
type Locker interface {
	// TryLock attempts to take key for ttl. On success it returns the
	// token needed to release it; ok is false when another holder has it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)

	// Unlock releases key if token still owns it.
	Unlock(ctx context.Context, key, token string) error
}

// unlockScript deletes the key only when it still holds the caller's token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker creates a Redis-backed locker. Keys are stored as {prefix}:lock:{key}.
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "rmt"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) key(k string) string {
	return fmt.Sprintf("%s:lock:%s", l.prefix, k)
}

// TryLock implements Locker.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(key), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Unlock implements Locker.
func (l *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	n, err := unlockScript.Run(ctx, l.client, []string{l.key(key)}, token).Int()
	if err != nil {
		return fmt.Errorf("unlock %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

type memoryEntry struct {
	token    string
	expireAt time.Time
}

// MemoryLocker implements Locker within one process.
type MemoryLocker struct {
	mu   sync.Mutex
	data map[string]memoryEntry
	now  func() time.Time
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{data: make(map[string]memoryEntry), now: time.Now}
}

// TryLock implements Locker.
func (l *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.data[key]; ok && now.Before(e.expireAt) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.data[key] = memoryEntry{token: token, expireAt: now.Add(ttl)}
	return token, true, nil
}

// Unlock implements Locker.
func (l *MemoryLocker) Unlock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.data[key]
	if !ok || e.token != token || !l.now().Before(e.expireAt) {
		return ErrNotHeld
	}
	delete(l.data, key)
	return nil
}

// ErrBusy is returned by With when the key is held elsewhere.
var ErrBusy = errors.New("lock busy")

// With runs fn while holding key. Returns ErrBusy without calling fn
// when the key is taken.
func With(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token, ok, err := l.TryLock(ctx, key, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", key, ErrBusy)
	}
	defer func() {
		// Release on a fresh context so cancellation does not strand the key.
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = l.Unlock(uctx, key, token)
	}()
	return fn(ctx)
}

var (
	_ Locker = (*RedisLocker)(nil)
	_ Locker = (*MemoryLocker)(nil)
)
