package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestParseJSONKeepsDefaults(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.json", `{
		"storage": {"driver": "memory"},
		"defaults": {"interval": "10m", "post_limit": 5, "email_notifications": false},
		"host": {"tick": "*/5 * * * *"}
	}`)
	cfg, err := NewManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Storage.Driver != "memory" || cfg.Defaults.Interval != "10m" || *cfg.Defaults.PostLimit != 5 {
		t.Fatalf("unexpected cfg %+v", cfg)
	}
	if *cfg.Defaults.EmailNotifications {
		t.Fatal("explicit false lost")
	}
	// Sections absent from the file keep Default() values.
	if !cfg.HTTP.Enabled || cfg.HTTP.Addr != "127.0.0.1:8080" || !cfg.HTTP.TriggerEnabled() {
		t.Fatalf("http defaults lost: %+v", cfg.HTTP)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.yaml", `
logging:
  level: debug
  console: false
notifier:
  transport: telegram
  telegram:
    token: "123:abc"
    chats:
      ops@example.com: 42
throttle:
  driver: nats
  nats_url: nats://127.0.0.1:4222
`)
	cfg, err := NewManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Notifier.Telegram.Chats["ops@example.com"] != 42 || cfg.Throttle.Driver != "nats" {
		t.Fatalf("unexpected cfg %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cases := map[string]string{
		"unknown.json":  `{"storage": {"driver": "sqlite", "dsn": "x"}}`,
		"trailing.json": `{"storage": {"driver": "sqlite"}} {}`,
		"bad.yaml":      "storage: [unclosed",
	}
	for name, body := range cases {
		p := writeFile(t, dir, name, body)
		if _, err := NewManager(p).Parse(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	bad := []func(c *Config){
		func(c *Config) { c.Storage.Driver = "postgres" },
		func(c *Config) { c.Storage.BusyTimeout = "soon" },
		func(c *Config) { c.Options.Driver = "file" },
		func(c *Config) { c.Throttle.Driver = "nats" },
		func(c *Config) { c.Defaults.Interval = "-1m" },
		func(c *Config) { n := -1; c.Defaults.PostLimit = &n },
		func(c *Config) { c.Notifier.Transport = "smtp" },
		func(c *Config) { c.Notifier.Transport = "fax" },
		func(c *Config) { c.Host.Tick = "every now and then" },
		func(c *Config) { c.Host.Timezone = "Mars/Olympus" },
	}
	for i, mutate := range bad {
		c := Default()
		mutate(c)
		if err := c.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()
	m := NewManager(filepath.Join(t.TempDir(), "absent.yaml"))
	cfg, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("unexpected committed cfg %+v", cfg)
	}
}

func TestLoadRunsValidator(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.json", `{"storage": {"driver": "memory"}}`)
	m := NewManager(p)
	m.SetValidator(func(context.Context, *Config) error { return os.ErrPermission })
	if _, err := m.Load(context.Background()); err == nil {
		t.Fatal("validator error should fail Load")
	}
	if m.Get() != nil {
		t.Fatal("rejected config must not be committed")
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"logging": {"level": "info"}}`)
	m := NewManager(p)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-ch:
			if cfg.Logging.Level != "debug" {
				t.Fatalf("level=%q", cfg.Logging.Level)
			}
			return
		case <-tick.C:
			// Rewrite until the watcher is up and sees it.
			writeFile(t, dir, "config.json", `{"logging": {"level": "debug"}}`)
		case <-deadline:
			t.Fatal("config change not published")
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := Default()
	b := Default()
	b.Logging.Level = "debug"
	b.Notifier.SMTP.Password = "hunter2"
	b.HTTP.Addr = ":9090"

	changed, attrs := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "http,logging,notifier" {
		t.Fatalf("changed=%v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if got := RequiresRestart(changed); len(got) != 1 || got[0] != "http" {
		t.Fatalf("restart=%v", got)
	}
	if c, _ := SummarizeConfigChange(a, Default()); len(c) != 0 {
		t.Fatalf("identical configs reported %v", c)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	if err != nil || d != time.Minute {
		t.Fatalf("got %v %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "90s", time.Minute)
	if err != nil || d != 90*time.Second {
		t.Fatalf("got %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration accepted")
	}
}

func TestToJSON(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		f    Format
		in   string
		want string
	}{
		{name: "json passthrough", f: FormatJSON, in: `{"a":1}`, want: `{"a":1}`},
		{name: "empty yaml", f: FormatYAML, in: "", want: `{}`},
		{name: "numeric keys", f: FormatYAML, in: "chats:\n  42: 7\n", want: `{"chats":{"42":7}}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := toJSON(tc.f, []byte(tc.in))
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tc.want {
				t.Fatalf("got %s want %s", got, tc.want)
			}
		})
	}
	if formatOf("x.YML") != FormatYAML || formatOf("x.conf") != FormatJSON {
		t.Fatal("format detection")
	}
}
