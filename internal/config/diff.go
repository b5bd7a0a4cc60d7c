package config

import (
	"reflect"
	"sort"
	"strings"

	logx "schedulify/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and structured
// attrs safe for logging. Secrets (smtp password, telegram token) are only
// reported as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if trim(oldCfg.Storage.Driver) != trim(newCfg.Storage.Driver) ||
		trim(oldCfg.Storage.Path) != trim(newCfg.Storage.Path) ||
		trim(oldCfg.Storage.BusyTimeout) != trim(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", trim(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", trim(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Options != newCfg.Options {
		changed = append(changed, "options")
		attrs = append(attrs, logx.String("options.driver", trim(newCfg.Options.Driver)))
	}

	if oldCfg.Throttle != newCfg.Throttle {
		changed = append(changed, "throttle")
		attrs = append(attrs,
			logx.String("throttle.driver", trim(newCfg.Throttle.Driver)),
			logx.String("throttle.nats_bucket", trim(newCfg.Throttle.NATSBucket)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Defaults, newCfg.Defaults) {
		changed = append(changed, "defaults")
		attrs = append(attrs,
			logx.String("defaults.interval", trim(newCfg.Defaults.Interval)),
			logx.Bool("defaults.admin_email_set", trim(newCfg.Defaults.AdminEmail) != ""),
		)
	}

	on, nn := oldCfg.Notifier, newCfg.Notifier
	if !reflect.DeepEqual(on, nn) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.String("notifier.transport", trim(nn.Transport)),
			logx.Any("notifier.rate_per_sec", nn.RatePerSec),
			logx.String("notifier.send_timeout", trim(nn.SendTimeout)),
			logx.Bool("notifier.smtp_password_set", nn.SMTP.Password != ""),
			logx.Bool("notifier.telegram_token_set", nn.Telegram.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", trim(newCfg.HTTP.Addr)),
			logx.Bool("http.trigger_on_request", newCfg.HTTP.TriggerEnabled()),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if oldCfg.Host != newCfg.Host {
		changed = append(changed, "host")
		attrs = append(attrs, logx.String("host.tick", trim(newCfg.Host.Tick)))
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RequiresRestart reports sections that cannot be applied to a running
// process and need a restart to take effect.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "options", "throttle", "http", "metrics":
			out = append(out, s)
		}
	}
	return out
}

func trim(s string) string { return strings.TrimSpace(s) }
