package app

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"

	"schedulify/internal/config"
	"schedulify/internal/notify"
	"schedulify/internal/reconcile"
	"schedulify/internal/storage"
	"schedulify/internal/throttle"
	logx "schedulify/pkg/logx"
)

const appName = "schedulify"

// throttleBucketTTL only bounds how long a stale key lingers in a shared
// bucket; the gate compares stored times itself.
const throttleBucketTTL = 24 * time.Hour

// DefaultConfigPath is $XDG_CONFIG_HOME/schedulify/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(xdg.ConfigHome, appName, "config.yaml")
}

// DefaultDataPath is $XDG_DATA_HOME/schedulify/schedulify.db.
func DefaultDataPath() string {
	return filepath.Join(xdg.DataHome, appName, appName+".db")
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = DefaultDataPath()
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapThrottleConfig(cfg *config.Config) throttle.Config {
	return throttle.Config{
		Driver:     cfg.Throttle.Driver,
		NATSURL:    cfg.Throttle.NATSURL,
		NATSBucket: cfg.Throttle.NATSBucket,
		TTL:        throttleBucketTTL,
	}
}

// mapDefaults overlays the defaults section on the built-in fallbacks.
func mapDefaults(cfg *config.Config) (reconcile.Defaults, error) {
	def := reconcile.DefaultDefaults()
	d := cfg.Defaults
	interval, err := config.ParseDurationOrDefault("defaults.interval", d.Interval, def.Interval)
	if err != nil {
		return def, err
	}
	def.Interval = interval
	if d.PostLimit != nil {
		if *d.PostLimit < 0 {
			return def, errors.New("defaults.post_limit: must be >= 0")
		}
		def.PostLimit = *d.PostLimit
	}
	if d.EmailNotifications != nil {
		def.EmailNotifications = *d.EmailNotifications
	}
	def.AdminEmail = strings.TrimSpace(d.AdminEmail)
	return def, nil
}

func mapNotifierConfig(cfg *config.Config) (notify.Config, error) {
	n := cfg.Notifier
	timeout, err := config.ParseDurationField("notifier.send_timeout", n.SendTimeout)
	if err != nil {
		return notify.Config{}, err
	}
	if n.RatePerSec < 0 {
		return notify.Config{}, errors.New("notifier.rate_per_sec: must be >= 0")
	}
	chats := make(map[string]int64, len(n.Telegram.Chats))
	for k, v := range n.Telegram.Chats {
		chats[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return notify.Config{
		Transport:  strings.ToLower(strings.TrimSpace(n.Transport)),
		RatePerSec: n.RatePerSec,
		Burst:      n.Burst,
		Timeout:    timeout,
		SMTP: notify.SMTPConfig{
			Addr:     strings.TrimSpace(n.SMTP.Addr),
			From:     strings.TrimSpace(n.SMTP.From),
			Username: n.SMTP.Username,
			Password: n.SMTP.Password,
		},
		Telegram: notify.TelegramConfig{
			Token:       n.Telegram.Token,
			Chats:       chats,
			DefaultChat: n.Telegram.DefaultChat,
		},
	}, nil
}

type httpTimeouts struct {
	read, write time.Duration
}

func mapHTTPTimeouts(cfg *config.Config) (httpTimeouts, error) {
	read, err := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpTimeouts{}, err
	}
	// Requests may run a full cycle inline before the handler.
	write, err := config.ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, 60*time.Second)
	if err != nil {
		return httpTimeouts{}, err
	}
	return httpTimeouts{read: read, write: write}, nil
}

// validateMapped runs every mapper so a reload that would fail at apply
// time is rejected before it is committed.
func validateMapped(cfg *config.Config) error {
	var errs []error
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapDefaults(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapHTTPTimeouts(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
