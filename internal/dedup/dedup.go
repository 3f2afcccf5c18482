// Package dedup provides TTL-bounded locks that suppress duplicate
// work: at most one acquisition per key per TTL window.
package dedup

import (
	"context"
	"log/slog"
	"time"

	"bustrack-svr/internal/store"
)

type Locks struct {
	cache  store.Cache
	logger *slog.Logger
}

func NewLocks(cache store.Cache, logger *slog.Logger) *Locks {
	return &Locks{cache: cache, logger: logger.With("component", "dedup")}
}

// TryAcquire returns true exactly once per TTL window per key. It is a
// single conditional-set-with-expiry against the shared cache, so
// concurrent callers cannot both win. A cache error counts as not
// acquired: suppressing is the safer degradation for alert paths.
func (l *Locks) TryAcquire(ctx context.Context, key string, ttl time.Duration) bool {
	ok, err := l.cache.SetNX(ctx, "lock:"+key, "1", ttl)
	if err != nil {
		l.logger.Warn("lock acquire failed", "key", key, "err", err)
		return false
	}
	return ok
}
