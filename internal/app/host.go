package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	logx "schedulify/pkg/logx"
)

// hostTick fires the cycle on a cron schedule so idle sites without request
// traffic still get their overdue posts published.
type hostTick struct {
	fire func()
	log  logx.Logger

	mu      sync.Mutex
	c       *cron.Cron
	spec    string
	tz      string
	applied bool
}

func newHostTick(fire func(), log logx.Logger) *hostTick {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &hostTick{fire: fire, log: log}
}

// apply (re)schedules the tick. An empty spec stops it.
func (h *hostTick) apply(spec, tz string) error {
	spec = strings.TrimSpace(spec)
	tz = strings.TrimSpace(tz)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.applied && spec == h.spec && tz == h.tz {
		return nil
	}

	var next *cron.Cron
	if spec != "" {
		loc := time.Local
		if tz != "" {
			l, err := time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("host.timezone: %w", err)
			}
			loc = l
		}
		next = cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		)
		if _, err := next.AddFunc(spec, h.fire); err != nil {
			return fmt.Errorf("host.tick: %w", err)
		}
	}

	h.stopLocked()
	h.c, h.spec, h.tz, h.applied = next, spec, tz, true
	if next == nil {
		h.log.Debug("host tick disabled")
		return nil
	}
	next.Start()
	h.log.Info("host tick scheduled", logx.String("spec", spec), logx.String("tz", next.Location().String()))
	return nil
}

// next returns the upcoming fire time, zero when the tick is off.
func (h *hostTick) next() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.c == nil {
		return time.Time{}
	}
	if es := h.c.Entries(); len(es) > 0 {
		return es[0].Next
	}
	return time.Time{}
}

func (h *hostTick) stop(ctx context.Context) {
	h.mu.Lock()
	c := h.c
	h.c = nil
	h.applied = false
	h.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		h.log.Warn("host tick stop timed out; a cycle is still running")
	}
}

func (h *hostTick) stopLocked() {
	if h.c == nil {
		return
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-h.c.Stop().Done():
	case <-stopCtx.Done():
	}
	h.c = nil
}

// sdNotify reports state to systemd. Outside a unit it is a no-op.
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// watchdog pings the systemd watchdog at half its interval when the unit
// enables one.
func watchdog(ctx context.Context, log logx.Logger) error {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	if every <= 0 {
		return nil
	}
	log.Info("systemd watchdog enabled", logx.Duration("every", every))
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			sdNotify(log, daemon.SdNotifyWatchdog)
		}
	}
}
