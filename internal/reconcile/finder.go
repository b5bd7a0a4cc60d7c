package reconcile

import (
	"context"
	"time"

	logx "schedulify/pkg/logx"
)

// OverdueSource is the query side of the content store.
type OverdueSource interface {
	SelectOverdue(ctx context.Context, asOf time.Time, limit int) ([]int64, error)
}

// Finder selects overdue posts: still scheduled, publish time at or before
// asOf, at most limit of them.
type Finder struct {
	src OverdueSource
	log logx.Logger
}

func NewFinder(src OverdueSource, log logx.Logger) *Finder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Finder{src: src, log: log}
}

// Find never fails; a query error yields an empty result and the posts are
// picked up by a later cycle.
func (f *Finder) Find(ctx context.Context, asOf time.Time, limit int) []int64 {
	if limit <= 0 {
		return nil
	}
	ids, err := f.src.SelectOverdue(ctx, asOf, limit)
	if err != nil {
		f.log.Warn("overdue query failed", logx.Err(err), logx.Int("limit", limit))
		return nil
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}
