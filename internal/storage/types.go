package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": process-local maps, lost on exit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Status is a post's publication status.
type Status string

const (
	StatusFuture  Status = "future"  // scheduled, waiting for publication
	StatusPublish Status = "publish" // published
	StatusDraft   Status = "draft"
)

// Post is a content item with a publish-at intent.
// Title and Permalink are only used for reporting.
type Post struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Permalink   string    `json:"permalink,omitempty"`
	Status      Status    `json:"status"`
	ScheduledAt time.Time `json:"scheduled_at"`
	PublishedAt time.Time `json:"published_at,omitempty"`
}

// Filter narrows CountWhere. Zero fields match everything.
type Filter struct {
	Status    Status
	DueBefore time.Time // scheduled_at <= DueBefore
}

// Posts is the content store.
type Posts interface {
	// SelectOverdue returns ids of future posts scheduled at or before asOf,
	// oldest first, at most limit. limit <= 0 returns nil.
	SelectOverdue(ctx context.Context, asOf time.Time, limit int) ([]int64, error)
	CountWhere(ctx context.Context, f Filter) (int, error)
	// Publish transitions a future post to publish. It reports whether this call
	// performed the transition; an already published post yields (false, nil).
	Publish(ctx context.Context, id int64) (bool, error)
	Get(ctx context.Context, id int64) (Post, error)
	ListScheduled(ctx context.Context, limit int) ([]Post, error)
	Insert(ctx context.Context, p Post) (int64, error)
}

// Options is the name/value settings store.
type Options interface {
	GetOption(ctx context.Context, name string) (value string, ok bool, err error)
	SetOption(ctx context.Context, name, value string) error
	DeleteOption(ctx context.Context, name string) error
}

// Transients is the short-lived key/value cache with expiry.
type Transients interface {
	// GetTransient returns the stored time; expired entries read as absent.
	GetTransient(ctx context.Context, key string, now time.Time) (time.Time, bool, error)
	SetTransient(ctx context.Context, key string, at time.Time, ttl time.Duration) error
	// TestAndSet atomically stores now under key (expiring after interval) when the key
	// is absent, expired, holds a time at or before now-interval, or holds a time more
	// than one interval ahead of now. It reports whether the value was stored.
	TestAndSet(ctx context.Context, key string, now time.Time, interval time.Duration) (bool, error)
}

// Store is the persistence API used by the app.
type Store interface {
	Posts
	Options
	Transients
	Close() error
}

// Stale reports whether a stored last-run time no longer holds a gate of the
// given interval closed at now. Backends without conditional writes share it.
func Stale(last, now time.Time, interval time.Duration) bool {
	if !last.After(now.Add(-interval)) {
		return true
	}
	return last.After(now.Add(interval))
}
