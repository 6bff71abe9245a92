// Package kv provides the shared-state layer: a small key-value interface
// with a redis implementation for multi-instance deployments and an
// in-process implementation used when redis is absent or unreachable.
package kv

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
)

// ErrScriptsUnsupported is returned by Eval on backends without server-side
// scripting. Callers fall back to their mutex-local paths.
var ErrScriptsUnsupported = errors.New("server-side scripts unsupported by this kv backend")

// Store is the operation set the broker consumes. The sorted-set surface of
// the queue lives behind the queue package's own interface; rate-limit
// algorithms reach redis through Eval.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Incr increments the counter and arms ttl when the counter is created
	// by this call. The increment and the ttl are applied atomically.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SIsMember(ctx context.Context, key, member string) (bool, error)

	LPush(ctx context.Context, key string, values ...string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)
}

// NewAuto selects the backend: redis when a URL is configured and reachable,
// the in-process store otherwise. The choice is logged once at startup.
func NewAuto(ctx context.Context, redisURL string) Store {
	if redisURL == "" {
		slog.Info("kv: no redis url configured, using in-process store")
		return NewLocal()
	}

	store, err := NewRedis(ctx, redisURL)
	if err != nil {
		slog.Warn("kv: redis unavailable, falling back to in-process store", slog.Any("err", err))
		return NewLocal()
	}
	slog.Info("kv: using redis store")
	return store
}
