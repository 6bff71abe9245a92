package kv

import (
	"context"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Locker grants short-lived exclusive ownership of a key. Tokens fence the
// release and extend operations so a holder cannot touch a lock it lost to
// expiry.
type Locker interface {
	// Acquire tries to take the lock. ok is false when someone else holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Release gives the lock up if token still owns it.
	Release(ctx context.Context, key, token string) error
	// Extend re-arms the ttl if token still owns the lock.
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

// NewLocker picks the locker matching the store backend.
func NewLocker(store Store) Locker {
	if rs, ok := store.(*RedisStore); ok {
		return &RedisLocker{client: rs.Client()}
	}
	return NewLocalLocker()
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker implements the lock with SET NX plus token-checked scripts, so
// acquire, release and extend are each a single atomic round trip.
type RedisLocker struct {
	client *redis.Client
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := shortuuid.New()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, errors.Wrap(err, "failed to acquire lock")
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
		return errors.Wrap(err, "failed to release lock")
	}
	return nil
}

func (l *RedisLocker) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, errors.Wrap(err, "failed to extend lock")
	}
	return n == 1, nil
}

// LocalLocker is the in-process twin. It guards against concurrent goroutines
// only; single-instance deployments need nothing more.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]localLock
	now   func() time.Time
}

type localLock struct {
	token    string
	deadline time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		locks: make(map[string]localLock),
		now:   time.Now,
	}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.locks[key]; ok && l.now().Before(held.deadline) {
		return "", false, nil
	}
	token := shortuuid.New()
	l.locks[key] = localLock{token: token, deadline: l.now().Add(ttl)}
	return token, true, nil
}

func (l *LocalLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.locks[key]; ok && held.token == token {
		delete(l.locks, key)
	}
	return nil
}

func (l *LocalLocker) Extend(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	held, ok := l.locks[key]
	if !ok || held.token != token || l.now().After(held.deadline) {
		return false, nil
	}
	held.deadline = l.now().Add(ttl)
	l.locks[key] = held
	return true, nil
}
