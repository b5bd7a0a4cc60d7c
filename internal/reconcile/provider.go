package reconcile

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "schedulify/pkg/logx"
)

// Option names in the options store.
const (
	OptionInterval           = "custom_interval" // minutes
	OptionPostLimit          = "post_limit"
	OptionEmailNotifications = "email_notifications"
	OptionRecipient          = "notification_recipient"
	OptionAdminEmail         = "admin_email"
	OptionAllowedRoles       = "allowed_roles"
)

const (
	DefaultInterval  = 15 * time.Minute
	DefaultPostLimit = 20
)

// OptionReader is the read side of the options store.
type OptionReader interface {
	GetOption(ctx context.Context, name string) (value string, ok bool, err error)
}

// Defaults are returned when an option is absent or unreadable.
type Defaults struct {
	Interval           time.Duration
	PostLimit          int
	EmailNotifications bool
	AdminEmail         string
}

func DefaultDefaults() Defaults {
	return Defaults{
		Interval:           DefaultInterval,
		PostLimit:          DefaultPostLimit,
		EmailNotifications: true,
	}
}

// Hooks override computed values. Each non-nil hook runs after the stored
// value (or default) has been resolved and its result is returned as-is.
type Hooks struct {
	Interval           func(time.Duration) time.Duration
	PostLimit          func(int) int
	EmailNotifications func(bool) bool
	Recipient          func(string) string
}

// Provider resolves the reconciler tunables. It never fails: a missing or
// unreadable option resolves to its default. No range checks are applied, so
// a stored zero interval or limit is returned as zero.
type Provider struct {
	opts OptionReader
	log  logx.Logger

	mu    sync.RWMutex
	def   Defaults
	hooks Hooks
}

func NewProvider(opts OptionReader, def Defaults, hooks Hooks, log logx.Logger) *Provider {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Provider{opts: opts, def: def, hooks: hooks, log: log}
}

// SetDefaults swaps the fallback values (config reload).
func (p *Provider) SetDefaults(def Defaults) {
	p.mu.Lock()
	p.def = def
	p.mu.Unlock()
}

// SetHooks replaces the override hooks.
func (p *Provider) SetHooks(h Hooks) {
	p.mu.Lock()
	p.hooks = h
	p.mu.Unlock()
}

func (p *Provider) snapshot() (Defaults, Hooks) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.def, p.hooks
}

func (p *Provider) raw(ctx context.Context, name string) (string, bool) {
	if p.opts == nil {
		return "", false
	}
	v, ok, err := p.opts.GetOption(ctx, name)
	if err != nil {
		p.log.Warn("option read failed; using default", logx.String("option", name), logx.Err(err))
		return "", false
	}
	return v, ok
}

func (p *Provider) Interval(ctx context.Context) time.Duration {
	def, hooks := p.snapshot()
	d := def.Interval
	if v, ok := p.raw(ctx, OptionInterval); ok {
		if m, ok := parseInt(v); ok {
			d = time.Duration(m) * time.Minute
		}
	}
	if hooks.Interval != nil {
		d = hooks.Interval(d)
	}
	return d
}

func (p *Provider) PostLimit(ctx context.Context) int {
	def, hooks := p.snapshot()
	n := def.PostLimit
	if v, ok := p.raw(ctx, OptionPostLimit); ok {
		if i, ok := parseInt(v); ok {
			n = i
		}
	}
	if hooks.PostLimit != nil {
		n = hooks.PostLimit(n)
	}
	return n
}

func (p *Provider) EmailNotificationsEnabled(ctx context.Context) bool {
	def, hooks := p.snapshot()
	on := def.EmailNotifications
	if v, ok := p.raw(ctx, OptionEmailNotifications); ok {
		if b, ok := ParseBool(v); ok {
			on = b
		}
	}
	if hooks.EmailNotifications != nil {
		on = hooks.EmailNotifications(on)
	}
	return on
}

// Recipient returns the configured notification address, falling back to
// the site administrator's address.
func (p *Provider) Recipient(ctx context.Context) string {
	def, hooks := p.snapshot()
	to := ""
	if v, ok := p.raw(ctx, OptionRecipient); ok {
		to = strings.TrimSpace(v)
	}
	if to == "" {
		if v, ok := p.raw(ctx, OptionAdminEmail); ok {
			to = strings.TrimSpace(v)
		}
	}
	if to == "" {
		to = strings.TrimSpace(def.AdminEmail)
	}
	if hooks.Recipient != nil {
		to = hooks.Recipient(to)
	}
	return to
}

func parseInt(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParseBool accepts the forms the settings surface stores ("1"/"0") plus the
// usual textual booleans.
func ParseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off", "":
		return false, true
	default:
		return false, false
	}
}
