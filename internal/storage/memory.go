package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type transient struct {
	at      time.Time
	expires time.Time
}

// Memory is a process-local Store. It is safe for concurrent use and is what
// the "memory" driver returns; tests use it as a reference implementation.
type Memory struct {
	mu sync.Mutex

	closed     bool
	seq        int64
	posts      map[int64]Post
	options    map[string]string
	transients map[string]transient

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		posts:      map[int64]Post{},
		options:    map[string]string{},
		transients: map[string]transient{},
		now:        time.Now,
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) SelectOverdue(ctx context.Context, asOf time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	due := make([]Post, 0)
	for _, p := range m.posts {
		if p.Status == StatusFuture && !p.ScheduledAt.IsZero() && !p.ScheduledAt.After(asOf) {
			due = append(due, p)
		}
	}
	sortPosts(due)
	if len(due) > limit {
		due = due[:limit]
	}
	ids := make([]int64, 0, len(due))
	for _, p := range due {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func (m *Memory) CountWhere(ctx context.Context, f Filter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, p := range m.posts {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if !f.DueBefore.IsZero() && (p.ScheduledAt.IsZero() || p.ScheduledAt.After(f.DueBefore)) {
			continue
		}
		n++
	}
	return n, nil
}

func (m *Memory) Publish(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	p, ok := m.posts[id]
	if !ok {
		return false, fmt.Errorf("post %d: %w", id, ErrNotFound)
	}
	if p.Status != StatusFuture {
		return false, nil
	}
	p.Status = StatusPublish
	p.PublishedAt = m.now()
	m.posts[id] = p
	return true, nil
}

func (m *Memory) Get(ctx context.Context, id int64) (Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Post{}, ErrClosed
	}
	p, ok := m.posts[id]
	if !ok {
		return Post{}, fmt.Errorf("post %d: %w", id, ErrNotFound)
	}
	return p, nil
}

func (m *Memory) ListScheduled(ctx context.Context, limit int) ([]Post, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Post, 0)
	for _, p := range m.posts {
		if p.Status == StatusFuture {
			out = append(out, p)
		}
	}
	sortPosts(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Insert(ctx context.Context, p Post) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	m.seq++
	p.ID = m.seq
	if p.Status == "" {
		p.Status = StatusFuture
	}
	m.posts[p.ID] = p
	return p.ID, nil
}

func (m *Memory) GetOption(ctx context.Context, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.options[name]
	return v, ok, nil
}

func (m *Memory) SetOption(ctx context.Context, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.options[name] = value
	return nil
}

func (m *Memory) DeleteOption(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.options, name)
	return nil
}

func (m *Memory) GetTransient(ctx context.Context, key string, now time.Time) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return time.Time{}, false, ErrClosed
	}
	t, ok := m.transients[key]
	if !ok || !now.Before(t.expires) {
		return time.Time{}, false, nil
	}
	return t.at, true, nil
}

func (m *Memory) SetTransient(ctx context.Context, key string, at time.Time, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.transients[key] = transient{at: at, expires: at.Add(ttl)}
	return nil
}

func (m *Memory) TestAndSet(ctx context.Context, key string, now time.Time, interval time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if t, ok := m.transients[key]; ok && now.Before(t.expires) && !Stale(t.at, now, interval) {
		return false, nil
	}
	m.transients[key] = transient{at: now, expires: now.Add(interval)}
	return true, nil
}

func sortPosts(ps []Post) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].ScheduledAt.Equal(ps[j].ScheduledAt) {
			return ps[i].ScheduledAt.Before(ps[j].ScheduledAt)
		}
		return ps[i].ID < ps[j].ID
	})
}
