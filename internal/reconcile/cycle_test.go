package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"schedulify/internal/eventbus"
	"schedulify/internal/storage"
	"schedulify/internal/throttle"
)

func TestCycleBacklogDrainsInBatches(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	ids := f.schedule(t, 25, t0.Add(-2*time.Hour))

	rep := f.cycle.Trigger(ctx)
	if !rep.Ran || rep.Found != 20 || len(rep.Published) != 20 || rep.Notified != 20 {
		t.Fatalf("first cycle %+v", rep)
	}
	// Oldest first.
	for i, id := range rep.Published {
		if id != ids[i] {
			t.Fatalf("published[%d]=%d want %d", i, id, ids[i])
		}
	}
	if got := f.countFuture(t); got != 5 {
		t.Fatalf("remaining scheduled=%d want 5", got)
	}

	// Within the interval nothing runs.
	f.clock.Advance(time.Minute)
	if rep := f.cycle.Trigger(ctx); rep.Ran || rep.Skipped != SkipThrottled {
		t.Fatalf("throttled cycle ran: %+v", rep)
	}

	f.clock.Advance(15 * time.Minute)
	rep = f.cycle.Trigger(ctx)
	if !rep.Ran || len(rep.Published) != 5 {
		t.Fatalf("second cycle %+v", rep)
	}
	if got := f.countFuture(t); got != 0 {
		t.Fatalf("remaining scheduled=%d", got)
	}
	if got := len(f.notifier.IDs()); got != 25 {
		t.Fatalf("notifications=%d want 25", got)
	}
}

func TestCycleEmptyStillMarksRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	rep := f.cycle.Trigger(ctx)
	if !rep.Ran || rep.Found != 0 {
		t.Fatalf("empty cycle %+v", rep)
	}
	if last, ok := f.gate.LastRun(ctx, f.clock.Now()); !ok || !last.Equal(t0) {
		t.Fatalf("last run not recorded: %v %v", last, ok)
	}

	// A post that becomes due in the meantime waits for the next interval.
	f.schedule(t, 1, t0.Add(time.Minute))
	f.clock.Advance(2 * time.Minute)
	if rep := f.cycle.Trigger(ctx); rep.Ran {
		t.Fatalf("cycle should be throttled: %+v", rep)
	}
	f.clock.Advance(15 * time.Minute)
	if rep := f.cycle.Trigger(ctx); len(rep.Published) != 1 {
		t.Fatalf("due post not published: %+v", rep)
	}
}

func TestCycleIgnoresFutureAndUnscheduled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	due := f.schedule(t, 1, t0)[0]
	f.schedule(t, 1, t0.Add(time.Second))
	if _, err := f.store.Insert(ctx, storage.Post{Status: storage.StatusDraft, ScheduledAt: t0.Add(-time.Hour)}); err != nil {
		t.Fatal(err)
	}

	rep := f.cycle.Trigger(ctx)
	if len(rep.Published) != 1 || rep.Published[0] != due {
		t.Fatalf("published=%v want [%d]", rep.Published, due)
	}
}

func TestCycleRespectsLimitAndNotificationOptions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_ = f.store.SetOption(ctx, OptionPostLimit, "3")
	_ = f.store.SetOption(ctx, OptionEmailNotifications, "0")
	f.schedule(t, 5, t0.Add(-time.Hour))

	rep := f.cycle.Trigger(ctx)
	if len(rep.Published) != 3 || rep.Notified != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if len(f.notifier.IDs()) != 0 {
		t.Fatal("notifications should be off")
	}
}

func TestCycleZeroLimitDoesNothingButMarks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_ = f.store.SetOption(ctx, OptionPostLimit, "0")
	f.schedule(t, 2, t0.Add(-time.Hour))

	rep := f.cycle.Trigger(ctx)
	if !rep.Ran || rep.Found != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if got := f.countFuture(t); got != 2 {
		t.Fatalf("scheduled=%d want 2", got)
	}
}

type countingObserver struct {
	mu      sync.Mutex
	reports []Report
}

func (o *countingObserver) ObserveCycle(r Report) {
	o.mu.Lock()
	o.reports = append(o.reports, r)
	o.mu.Unlock()
}

func TestCycleConcurrentTriggersRunOnce(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, _ = st.Insert(ctx, storage.Post{Status: storage.StatusFuture, ScheduledAt: t0.Add(-time.Minute)})
	}
	clk := newClock(t0)
	n := &recordingNotifier{}
	obs := &countingObserver{}
	p := NewProvider(st, DefaultDefaults(), Hooks{}, noLog)
	cache := throttle.FromTransients(st)

	// Two hosts sharing one store: separate cycles, shared cache.
	var cycles []*Cycle
	for i := 0; i < 2; i++ {
		cycles = append(cycles, NewCycle(p, NewGate(cache, p.Interval, noLog), NewFinder(st, noLog),
			NewLoop(st, n, nil, noLog), Options{Now: clk.Now, Observer: obs}))
	}

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(c *Cycle) {
			defer wg.Done()
			if c.Trigger(ctx).Ran {
				ran.Add(1)
			}
		}(cycles[i%2])
	}
	wg.Wait()

	if ran.Load() != 1 {
		t.Fatalf("cycles ran=%d want 1", ran.Load())
	}
	if got := len(n.IDs()); got != 10 {
		t.Fatalf("notifications=%d want 10", got)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.reports) != 40 {
		t.Fatalf("observed=%d want 40", len(obs.reports))
	}
}

type blockingPublisher struct {
	entered chan struct{}
	release chan struct{}
}

func (b blockingPublisher) Publish(context.Context, int64) (bool, error) {
	close(b.entered)
	<-b.release
	return true, nil
}

func TestCycleBusyWhileRunning(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	ctx := context.Background()
	_, _ = st.Insert(ctx, storage.Post{Status: storage.StatusFuture, ScheduledAt: t0})
	clk := newClock(t0)
	p := NewProvider(st, DefaultDefaults(), Hooks{}, noLog)
	bp := blockingPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	c := NewCycle(p, NewGate(throttle.NewMemory(), p.Interval, noLog), NewFinder(st, noLog),
		NewLoop(bp, nil, nil, noLog), Options{Now: clk.Now})

	done := make(chan Report, 1)
	go func() { done <- c.Trigger(ctx) }()
	<-bp.entered

	if rep := c.Trigger(ctx); rep.Skipped != SkipBusy {
		t.Fatalf("second trigger should report busy: %+v", rep)
	}
	close(bp.release)
	if rep := <-done; !rep.Ran {
		t.Fatalf("first trigger %+v", rep)
	}
}

func TestCycleRunsToCompletionAfterCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.schedule(t, 3, t0.Add(-time.Minute))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := f.cycle.Trigger(ctx)
	if len(rep.Published) != 3 {
		t.Fatalf("cancelled trigger %+v", rep)
	}
}

func TestCycleStatusAndEvents(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	ctx := context.Background()
	_ = st.SetOption(ctx, OptionRecipient, "ops@example.com")
	clk := newClock(t0)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	p := NewProvider(st, DefaultDefaults(), Hooks{}, noLog)
	g := NewGate(throttle.FromTransients(st), p.Interval, noLog)
	c := NewCycle(p, g, NewFinder(st, noLog), NewLoop(st, nil, bus, noLog), Options{Now: clk.Now, Bus: bus})

	if _, ok := c.LastReport(); ok {
		t.Fatal("no report expected before the first cycle")
	}
	rep := c.Trigger(ctx)

	select {
	case e := <-events:
		if e.Type != eventbus.TypeCycle || e.Data.(Report).RunID != rep.RunID {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("cycle event not published")
	}

	clk.Advance(5 * time.Minute)
	st2 := c.Status(ctx)
	if st2.Recipient != "ops@example.com" || st2.PostLimit != 20 || st2.Interval != 15*time.Minute {
		t.Fatalf("status %+v", st2)
	}
	if st2.LastRun == nil || !st2.LastRun.Equal(t0) || !st2.NextRun.Equal(t0.Add(15*time.Minute)) {
		t.Fatalf("status timing %+v", st2)
	}
	if st2.LastReport == nil || st2.LastReport.RunID != rep.RunID {
		t.Fatalf("status report %+v", st2.LastReport)
	}
}
