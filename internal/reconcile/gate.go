package reconcile

import (
	"context"
	"time"

	"schedulify/internal/storage"
	logx "schedulify/pkg/logx"
)

// ThrottleKey is the cache key holding the last detection time.
const ThrottleKey = "wp_scheduled_missed_time"

// ThrottleCache is the expiring cache behind the gate.
type ThrottleCache interface {
	Get(ctx context.Context, key string, now time.Time) (time.Time, bool, error)
	Set(ctx context.Context, key string, at time.Time, ttl time.Duration) error
	TestAndSet(ctx context.Context, key string, now time.Time, interval time.Duration) (bool, error)
}

// Gate keeps detection cycles at least one interval apart.
//
// The interval is resolved on every call, so a reconfigured interval applies
// to the next check. A cache error closes the gate: the cycle is skipped
// rather than run on every request while the cache is down.
type Gate struct {
	cache    ThrottleCache
	key      string
	interval func(ctx context.Context) time.Duration
	log      logx.Logger
}

func NewGate(cache ThrottleCache, interval func(ctx context.Context) time.Duration, log logx.Logger) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gate{cache: cache, key: ThrottleKey, interval: interval, log: log}
}

func (g *Gate) Interval(ctx context.Context) time.Duration {
	if g.interval == nil {
		return DefaultInterval
	}
	return g.interval(ctx)
}

// ShouldRun reports whether a cycle may run at now. It does not claim the slot;
// use Acquire for that.
func (g *Gate) ShouldRun(ctx context.Context, now time.Time) bool {
	last, ok, err := g.cache.Get(ctx, g.key, now)
	if err != nil {
		g.log.Warn("throttle read failed", logx.Err(err))
		return false
	}
	if !ok {
		return true
	}
	return storage.Stale(last, now, g.Interval(ctx))
}

// MarkRun records now as the last run; the entry expires after one interval.
func (g *Gate) MarkRun(ctx context.Context, now time.Time) {
	if err := g.cache.Set(ctx, g.key, now, g.Interval(ctx)); err != nil {
		g.log.Warn("throttle write failed", logx.Err(err))
	}
}

// Acquire atomically checks the gate and marks the run. Exactly one of
// several concurrent callers sharing the cache gets true.
func (g *Gate) Acquire(ctx context.Context, now time.Time) bool {
	ok, err := g.cache.TestAndSet(ctx, g.key, now, g.Interval(ctx))
	if err != nil {
		g.log.Warn("throttle acquire failed", logx.Err(err))
		return false
	}
	return ok
}

// LastRun returns the recorded last run, if it has not expired.
func (g *Gate) LastRun(ctx context.Context, now time.Time) (time.Time, bool) {
	last, ok, err := g.cache.Get(ctx, g.key, now)
	if err != nil || !ok {
		return time.Time{}, false
	}
	return last, true
}

// NextRun returns the earliest time the gate opens again.
func (g *Gate) NextRun(ctx context.Context, now time.Time) time.Time {
	last, ok := g.LastRun(ctx, now)
	if !ok {
		return now
	}
	next := last.Add(g.Interval(ctx))
	if next.Before(now) || storage.Stale(last, now, g.Interval(ctx)) {
		return now
	}
	return next
}
