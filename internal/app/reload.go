package app

import (
	"strings"
	"time"

	"schedulify/internal/config"
	"schedulify/internal/eventbus"
	"schedulify/internal/notify"
	logx "schedulify/pkg/logx"
)

// applyConfig pushes a committed config into the running components.
// Sections that cannot change live are reported and left as they are.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	summary := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", summary...)
	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLoggingConfig(next))
		case "defaults":
			def, err := mapDefaults(next)
			if err != nil {
				a.log.Warn("invalid defaults; keeping previous", logx.Err(err))
				continue
			}
			a.provider.SetDefaults(def)
			a.settings.SetDefaults(def)
		case "notifier":
			a.applyNotifier(next)
		case "host":
			if err := a.tick.apply(next.Host.Tick, next.Host.Timezone); err != nil {
				a.log.Warn("invalid host tick; keeping previous", logx.Err(err))
			}
		}
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigApplied, Time: time.Now(), Data: sections})
	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

func (a *App) applyNotifier(next *config.Config) {
	ncfg, err := mapNotifierConfig(next)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	transport, err := notify.OpenTransport(ncfg, a.log.With(logx.String("comp", "notify")))
	if err != nil {
		a.log.Warn("notifier transport unavailable; keeping previous", logx.Err(err))
		return
	}
	a.sender.Apply(ncfg)
	a.sender.SetTransport(transport)
	a.log.Info("notifier updated", logx.String("transport", transport.Name()))
}
