package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"schedulify/internal/storage"
	"schedulify/internal/throttle"
	logx "schedulify/pkg/logx"
)

var (
	t0    = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	noLog = logx.Nop()
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(at time.Time) *clock { return &clock{now: at} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu  sync.Mutex
	ids []int64
	err error
}

func (n *recordingNotifier) Notify(_ context.Context, id int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, id)
	return n.err
}

func (n *recordingNotifier) IDs() []int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int64(nil), n.ids...)
}

type errOptions struct{}

func (errOptions) GetOption(context.Context, string) (string, bool, error) {
	return "", false, errors.New("options unavailable")
}

type fixture struct {
	store    *storage.Memory
	clock    *clock
	notifier *recordingNotifier
	cycle    *Cycle
	gate     *Gate
	provider *Provider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	clk := newClock(t0)
	n := &recordingNotifier{}
	p := NewProvider(st, DefaultDefaults(), Hooks{}, noLog)
	g := NewGate(throttle.FromTransients(st), p.Interval, noLog)
	c := NewCycle(p, g, NewFinder(st, noLog), NewLoop(st, n, nil, noLog), Options{Now: clk.Now})
	return &fixture{store: st, clock: clk, notifier: n, cycle: c, gate: g, provider: p}
}

// schedule inserts n scheduled posts, each due one second after the previous,
// starting at start.
func (f *fixture) schedule(t *testing.T, n int, start time.Time) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		id, err := f.store.Insert(context.Background(), storage.Post{
			Title:       "post",
			Status:      storage.StatusFuture,
			ScheduledAt: start.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func (f *fixture) countFuture(t *testing.T) int {
	t.Helper()
	n, err := f.store.CountWhere(context.Background(), storage.Filter{Status: storage.StatusFuture})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}
