package reconcile

import (
	"context"
	"fmt"

	"schedulify/internal/eventbus"
	logx "schedulify/pkg/logx"
)

// Publisher transitions a scheduled post to published. changed is false when
// the post was already published.
type Publisher interface {
	Publish(ctx context.Context, id int64) (changed bool, err error)
}

// Notifier is told about each post the loop published.
type Notifier interface {
	Notify(ctx context.Context, id int64) error
}

// LoopResult counts what one pass over the overdue posts did.
type LoopResult struct {
	Published        []int64
	AlreadyPublished int
	Failed           int
	Skipped          int
	Notified         int
	NotifyFailed     int
}

// Loop publishes the given posts one at a time and notifies for each one it
// actually transitioned. A failing post is logged and skipped; the rest of
// the batch still runs.
type Loop struct {
	pub      Publisher
	notifier Notifier
	bus      eventbus.Bus
	log      logx.Logger
}

func NewLoop(pub Publisher, notifier Notifier, bus eventbus.Bus, log logx.Logger) *Loop {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loop{pub: pub, notifier: notifier, bus: bus, log: log}
}

func (l *Loop) Run(ctx context.Context, ids []int64, notify bool) LoopResult {
	var res LoopResult
	for _, id := range ids {
		if id <= 0 {
			res.Skipped++
			continue
		}
		changed, err := l.publish(ctx, id)
		if err != nil {
			res.Failed++
			l.log.Warn("publish failed", logx.Int64("post_id", id), logx.Err(err))
			l.emit(eventbus.TypePublishFailed, id)
			continue
		}
		if !changed {
			res.AlreadyPublished++
			l.log.Debug("post already published", logx.Int64("post_id", id))
			continue
		}
		res.Published = append(res.Published, id)
		l.log.Info("missed schedule published", logx.Int64("post_id", id))
		l.emit(eventbus.TypePublished, id)

		if !notify || l.notifier == nil {
			continue
		}
		if err := l.notify(ctx, id); err != nil {
			res.NotifyFailed++
			l.log.Warn("notification failed", logx.Int64("post_id", id), logx.Err(err))
			continue
		}
		res.Notified++
	}
	return res
}

func (l *Loop) publish(ctx context.Context, id int64) (changed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			changed, err = false, fmt.Errorf("publish panic: %v", r)
		}
	}()
	return l.pub.Publish(ctx, id)
}

func (l *Loop) notify(ctx context.Context, id int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notify panic: %v", r)
		}
	}()
	return l.notifier.Notify(ctx, id)
}

func (l *Loop) emit(typ string, id int64) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(eventbus.Event{Type: typ, Data: id})
}
