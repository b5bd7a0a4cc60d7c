package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"schedulify/internal/eventbus"
	logx "schedulify/pkg/logx"
)

// Skip reasons reported when a trigger does not run a cycle.
const (
	SkipBusy      = "busy"
	SkipThrottled = "throttled"
	SkipPanic     = "panic"
)

// Report describes one Trigger call.
type Report struct {
	RunID            string        `json:"run_id"`
	Ran              bool          `json:"ran"`
	Skipped          string        `json:"skipped,omitempty"`
	Found            int           `json:"found"`
	Published        []int64       `json:"published,omitempty"`
	AlreadyPublished int           `json:"already_published"`
	Failed           int           `json:"failed"`
	Notified         int           `json:"notified"`
	NotifyFailed     int           `json:"notify_failed"`
	Started          time.Time     `json:"started"`
	Took             time.Duration `json:"took"`
}

// Observer receives every report, including skipped triggers.
type Observer interface {
	ObserveCycle(Report)
}

type Options struct {
	Now      func() time.Time
	Bus      eventbus.Bus
	Observer Observer
	Log      logx.Logger
}

// Cycle is the entry point the host calls on every request (or tick).
type Cycle struct {
	cfg    *Provider
	gate   *Gate
	finder *Finder
	loop   *Loop

	now func() time.Time
	bus eventbus.Bus
	obs Observer
	log logx.Logger

	running sync.Mutex

	mu   sync.RWMutex
	last Report
}

func NewCycle(cfg *Provider, gate *Gate, finder *Finder, loop *Loop, opts Options) *Cycle {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	return &Cycle{
		cfg:    cfg,
		gate:   gate,
		finder: finder,
		loop:   loop,
		now:    opts.Now,
		bus:    opts.Bus,
		obs:    opts.Observer,
		log:    opts.Log,
	}
}

// Trigger runs one detection cycle if the gate allows it. It never returns an
// error and never panics; failures are logged and reflected in the report.
// Once past the gate the cycle runs to completion even if ctx is cancelled.
func (c *Cycle) Trigger(ctx context.Context) (rep Report) {
	rep.RunID = uuid.NewString()
	rep.Started = c.now()

	if !c.running.TryLock() {
		rep.Skipped = SkipBusy
		c.finish(rep, false)
		return rep
	}
	defer c.running.Unlock()

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("reconcile cycle panic", logx.String("run_id", rep.RunID), logx.Any("panic", fmt.Sprint(r)))
			rep.Skipped = SkipPanic
			rep.Took = c.now().Sub(rep.Started)
			c.finish(rep, true)
		}
	}()

	ctx = context.WithoutCancel(ctx)
	if !c.gate.Acquire(ctx, rep.Started) {
		rep.Skipped = SkipThrottled
		c.finish(rep, false)
		return rep
	}
	rep.Ran = true

	limit := c.cfg.PostLimit(ctx)
	ids := c.finder.Find(ctx, rep.Started, limit)
	rep.Found = len(ids)
	if len(ids) > 0 {
		res := c.loop.Run(ctx, ids, c.cfg.EmailNotificationsEnabled(ctx))
		rep.Published = res.Published
		rep.AlreadyPublished = res.AlreadyPublished
		rep.Failed = res.Failed
		rep.Notified = res.Notified
		rep.NotifyFailed = res.NotifyFailed
	}
	rep.Took = c.now().Sub(rep.Started)

	c.log.Info("reconcile cycle",
		logx.String("run_id", rep.RunID),
		logx.Int("limit", limit),
		logx.Int("found", rep.Found),
		logx.Int("published", len(rep.Published)),
		logx.Int("failed", rep.Failed),
		logx.Int("notified", rep.Notified),
		logx.Duration("took", rep.Took),
	)
	c.finish(rep, true)
	return rep
}

func (c *Cycle) finish(rep Report, ran bool) {
	if ran {
		c.mu.Lock()
		c.last = rep
		c.mu.Unlock()
		if c.bus != nil {
			c.bus.Publish(eventbus.Event{Type: eventbus.TypeCycle, Time: rep.Started, Data: rep})
		}
	}
	if c.obs != nil {
		c.obs.ObserveCycle(rep)
	}
}

// LastReport returns the report of the most recent cycle that got past the gate.
func (c *Cycle) LastReport() (Report, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.last.RunID != ""
}

// Status summarises the reconciler state for the status surfaces.
type Status struct {
	Interval           time.Duration `json:"interval"`
	PostLimit          int           `json:"post_limit"`
	EmailNotifications bool          `json:"email_notifications"`
	Recipient          string        `json:"recipient,omitempty"`
	LastRun            *time.Time    `json:"last_run,omitempty"`
	NextRun            time.Time     `json:"next_run"`
	LastReport         *Report       `json:"last_report,omitempty"`
}

func (c *Cycle) Status(ctx context.Context) Status {
	now := c.now()
	st := Status{
		Interval:           c.gate.Interval(ctx),
		PostLimit:          c.cfg.PostLimit(ctx),
		EmailNotifications: c.cfg.EmailNotificationsEnabled(ctx),
		Recipient:          c.cfg.Recipient(ctx),
		NextRun:            c.gate.NextRun(ctx, now),
	}
	if last, ok := c.gate.LastRun(ctx, now); ok {
		st.LastRun = &last
	}
	if rep, ok := c.LastReport(); ok {
		st.LastReport = &rep
	}
	return st
}
