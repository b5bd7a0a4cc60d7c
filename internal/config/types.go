package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the process configuration file.
//
// Runtime tunables (interval, post limit, notifications, recipient) live in
// the options store; the defaults section only seeds their fallbacks.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Options  OptionsConfig  `json:"options,omitempty"`
	Throttle ThrottleConfig `json:"throttle,omitempty"`
	Defaults DefaultsConfig `json:"defaults,omitempty"`
	Notifier NotifierConfig `json:"notifier,omitempty"`
	HTTP     HTTPConfig     `json:"http,omitempty"`
	Host     HostConfig     `json:"host,omitempty"`
	Metrics  MetricsConfig  `json:"metrics,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the content store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./schedulify.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite | memory
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// OptionsConfig selects where options live. "store" (default) keeps them in
// the content store; "file" keeps them in a JSON file.
type OptionsConfig struct {
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path,omitempty"`
}

// ThrottleConfig selects the cache holding the last detection time.
type ThrottleConfig struct {
	Driver     string `json:"driver,omitempty"` // store | memory | nats
	NATSURL    string `json:"nats_url,omitempty"`
	NATSBucket string `json:"nats_bucket,omitempty"`
}

// DefaultsConfig seeds the option fallbacks. Pointers distinguish "omitted"
// from an explicit zero value.
type DefaultsConfig struct {
	Interval           string `json:"interval,omitempty"` // Go duration string, default 15m
	PostLimit          *int   `json:"post_limit,omitempty"`
	EmailNotifications *bool  `json:"email_notifications,omitempty"`
	AdminEmail         string `json:"admin_email,omitempty"`
}

type NotifierConfig struct {
	Transport   string         `json:"transport,omitempty"` // log | smtp | telegram
	RatePerSec  float64        `json:"rate_per_sec,omitempty"`
	Burst       int            `json:"burst,omitempty"`
	SendTimeout string         `json:"send_timeout,omitempty"`
	SMTP        SMTPConfig     `json:"smtp,omitempty"`
	Telegram    TelegramConfig `json:"telegram,omitempty"`
}

type SMTPConfig struct {
	Addr     string `json:"addr,omitempty"`
	From     string `json:"from,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // do not log
}

type TelegramConfig struct {
	Token       string           `json:"token,omitempty"` // do not log
	Chats       map[string]int64 `json:"chats,omitempty"`
	DefaultChat int64            `json:"default_chat,omitempty"`
}

// HTTPConfig controls the host surface. TriggerOnRequest defaults to true.
type HTTPConfig struct {
	Enabled          bool   `json:"enabled"`
	Addr             string `json:"addr,omitempty"` // default 127.0.0.1:8080
	TriggerOnRequest *bool  `json:"trigger_on_request,omitempty"`
	ReadTimeout      string `json:"read_timeout,omitempty"`
	WriteTimeout     string `json:"write_timeout,omitempty"`
	// Pprof mounts net/http/pprof under /debug for administrators.
	Pprof bool `json:"pprof,omitempty"`
}

func (h HTTPConfig) TriggerEnabled() bool {
	return h.TriggerOnRequest == nil || *h.TriggerOnRequest
}

// HostConfig controls the periodic trigger that stands in for request
// traffic on idle sites. An empty Tick disables it.
type HostConfig struct {
	Tick     string `json:"tick,omitempty"` // standard 5-field cron spec, e.g. "*/5 * * * *"
	Timezone string `json:"timezone,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"` // default /metrics
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Driver: "sqlite"},
		HTTP:    HTTPConfig{Enabled: true, Addr: "127.0.0.1:8080"},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Validate checks the fields that would otherwise fail late at apply time.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "memory", "mem":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	_, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	add(err)

	switch strings.ToLower(strings.TrimSpace(c.Options.Driver)) {
	case "", "store":
	case "file":
		if strings.TrimSpace(c.Options.Path) == "" {
			add(errors.New("options.path: required for the file driver"))
		}
	default:
		add(fmt.Errorf("options.driver: unknown driver %q", c.Options.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(c.Throttle.Driver)) {
	case "", "store", "memory":
	case "nats":
		if strings.TrimSpace(c.Throttle.NATSURL) == "" {
			add(errors.New("throttle.nats_url: required for the nats driver"))
		}
	default:
		add(fmt.Errorf("throttle.driver: unknown driver %q", c.Throttle.Driver))
	}

	_, err = ParseDurationField("defaults.interval", c.Defaults.Interval)
	add(err)
	if c.Defaults.PostLimit != nil && *c.Defaults.PostLimit < 0 {
		add(errors.New("defaults.post_limit: must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Notifier.Transport)) {
	case "", "log":
	case "smtp":
		if c.Notifier.SMTP.Addr == "" || c.Notifier.SMTP.From == "" {
			add(errors.New("notifier.smtp: addr and from are required"))
		}
	case "telegram":
		if c.Notifier.Telegram.Token == "" {
			add(errors.New("notifier.telegram.token: required"))
		}
	default:
		add(fmt.Errorf("notifier.transport: unknown transport %q", c.Notifier.Transport))
	}
	if c.Notifier.RatePerSec < 0 {
		add(errors.New("notifier.rate_per_sec: must be >= 0"))
	}
	_, err = ParseDurationField("notifier.send_timeout", c.Notifier.SendTimeout)
	add(err)

	_, err = ParseDurationField("http.read_timeout", c.HTTP.ReadTimeout)
	add(err)
	_, err = ParseDurationField("http.write_timeout", c.HTTP.WriteTimeout)
	add(err)

	if spec := strings.TrimSpace(c.Host.Tick); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			add(fmt.Errorf("host.tick: %w", err))
		}
	}
	if tz := strings.TrimSpace(c.Host.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("host.timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}
