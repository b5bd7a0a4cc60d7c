// Package settings is the administrator-facing view of the reconciler
// options: it sanitizes what operators submit and writes it to the options
// store the reconciler reads from.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"slices"
	"strconv"
	"strings"
	"sync"

	"schedulify/internal/reconcile"
	"schedulify/internal/storage"
)

var (
	ErrUnknownSetting   = errors.New("settings: unknown setting")
	ErrInvalidInterval  = errors.New("settings: interval must be one of 5, 10, 15, 30, 60 minutes")
	ErrInvalidPostLimit = errors.New("settings: post limit must be a positive integer")
)

// IntervalChoices are the detection intervals (minutes) operators may pick.
var IntervalChoices = []int{5, 10, 15, 30, 60}

// Roles known to the host. Administrators always pass role checks.
const (
	RoleAdministrator = "administrator"
	RoleEditor        = "editor"
	RoleAuthor        = "author"
	RoleContributor   = "contributor"
	RoleSubscriber    = "subscriber"
)

var Roles = []string{RoleAdministrator, RoleEditor, RoleAuthor, RoleContributor, RoleSubscriber}

// Settings is the stored form of every operator-editable option. PostLimit
// is optional on Save; nil keeps the stored limit.
type Settings struct {
	EmailNotifications bool     `json:"email_notifications"`
	Recipient          string   `json:"notification_recipient"`
	IntervalMinutes    int      `json:"custom_interval"`
	PostLimit          *int     `json:"post_limit,omitempty"`
	AllowedRoles       []string `json:"allowed_roles"`
}

type Service struct {
	opts storage.Options

	mu  sync.RWMutex
	def reconcile.Defaults
}

func New(opts storage.Options, def reconcile.Defaults) *Service {
	return &Service{opts: opts, def: def}
}

// SetDefaults replaces the values Load reports for unset options.
func (s *Service) SetDefaults(def reconcile.Defaults) {
	s.mu.Lock()
	s.def = def
	s.mu.Unlock()
}

// Load returns the stored settings with defaults for anything unset.
func (s *Service) Load(ctx context.Context) (Settings, error) {
	s.mu.RLock()
	def := s.def
	s.mu.RUnlock()
	limit := def.PostLimit
	out := Settings{
		EmailNotifications: def.EmailNotifications,
		IntervalMinutes:    int(def.Interval.Minutes()),
		PostLimit:          &limit,
		AllowedRoles:       []string{},
	}
	get := func(name string) (string, bool, error) { return s.opts.GetOption(ctx, name) }

	if v, ok, err := get(reconcile.OptionEmailNotifications); err != nil {
		return out, err
	} else if ok {
		if b, ok := reconcile.ParseBool(v); ok {
			out.EmailNotifications = b
		}
	}
	if v, ok, err := get(reconcile.OptionRecipient); err != nil {
		return out, err
	} else if ok {
		out.Recipient = v
	}
	if v, ok, err := get(reconcile.OptionInterval); err != nil {
		return out, err
	} else if ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			out.IntervalMinutes = n
		}
	}
	if v, ok, err := get(reconcile.OptionPostLimit); err != nil {
		return out, err
	} else if ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			limit = n
		}
	}
	if v, ok, err := get(reconcile.OptionAllowedRoles); err != nil {
		return out, err
	} else if ok {
		out.AllowedRoles = decodeRoles(v)
	}
	return out, nil
}

// Save sanitizes and stores every field of in.
func (s *Service) Save(ctx context.Context, in Settings) error {
	if !slices.Contains(IntervalChoices, in.IntervalMinutes) {
		return ErrInvalidInterval
	}
	if in.PostLimit != nil && *in.PostLimit <= 0 {
		return ErrInvalidPostLimit
	}
	notify := "0"
	if in.EmailNotifications {
		notify = "1"
	}
	roles, _ := json.Marshal(SanitizeRoles(in.AllowedRoles))
	type write struct{ name, value string }
	writes := []write{
		{reconcile.OptionEmailNotifications, notify},
		{reconcile.OptionRecipient, SanitizeEmail(in.Recipient)},
		{reconcile.OptionInterval, strconv.Itoa(in.IntervalMinutes)},
		{reconcile.OptionAllowedRoles, string(roles)},
	}
	if in.PostLimit != nil {
		writes = append(writes, write{reconcile.OptionPostLimit, strconv.Itoa(*in.PostLimit)})
	}
	for _, w := range writes {
		if err := s.opts.SetOption(ctx, w.name, w.value); err != nil {
			return fmt.Errorf("save %s: %w", w.name, err)
		}
	}
	return nil
}

// Set sanitizes raw for the named setting and stores it.
func (s *Service) Set(ctx context.Context, name, raw string) error {
	var value string
	switch name {
	case reconcile.OptionEmailNotifications:
		value = SanitizeInt(raw)
	case reconcile.OptionRecipient:
		value = SanitizeEmail(raw)
	case reconcile.OptionInterval:
		value = SanitizeInt(raw)
		n, _ := strconv.Atoi(value)
		if !slices.Contains(IntervalChoices, n) {
			return ErrInvalidInterval
		}
	case reconcile.OptionPostLimit:
		value = SanitizeInt(raw)
		if n, _ := strconv.Atoi(value); n <= 0 {
			return ErrInvalidPostLimit
		}
	case reconcile.OptionAllowedRoles:
		b, _ := json.Marshal(decodeRoles(raw))
		value = string(b)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSetting, name)
	}
	return s.opts.SetOption(ctx, name, value)
}

// RoleAllowed reports whether role may view the scheduling surfaces.
func (s *Service) RoleAllowed(ctx context.Context, role string) bool {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == RoleAdministrator {
		return true
	}
	if role == "" {
		return false
	}
	st, err := s.Load(ctx)
	if err != nil {
		return false
	}
	return slices.Contains(st.AllowedRoles, role)
}

// SanitizeInt mirrors integer coercion of form input: leading sign and
// digits are kept, anything else yields "0".
func SanitizeInt(raw string) string {
	raw = strings.TrimSpace(raw)
	end := 0
	for i, r := range raw {
		if (r == '-' || r == '+') && i == 0 {
			end = i + 1
			continue
		}
		if r < '0' || r > '9' {
			break
		}
		end = i + 1
	}
	n, err := strconv.Atoi(raw[:end])
	if err != nil {
		return "0"
	}
	return strconv.Itoa(n)
}

// SanitizeEmail returns the bare address, or "" when raw is not one.
func SanitizeEmail(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	a, err := mail.ParseAddress(raw)
	if err != nil {
		return ""
	}
	return a.Address
}

// SanitizeRoles trims, lowercases and de-duplicates role names.
func SanitizeRoles(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" || slices.Contains(out, r) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// decodeRoles accepts a JSON array or a comma separated list. Any other
// shape decodes to no roles.
func decodeRoles(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}
	}
	if strings.HasPrefix(raw, "[") {
		var list []string
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return []string{}
		}
		return SanitizeRoles(list)
	}
	if strings.ContainsAny(raw, "{}\"") {
		return []string{}
	}
	return SanitizeRoles(strings.Split(raw, ","))
}
