package settings

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"schedulify/internal/reconcile"
	"schedulify/internal/storage"
	logx "schedulify/pkg/logx"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()
	s := New(storage.NewMemory(), reconcile.DefaultDefaults())
	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := Settings{EmailNotifications: true, IntervalMinutes: 15, PostLimit: intPtr(20), AllowedRoles: []string{}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

func TestSaveLoadRoundTripFeedsProvider(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	s := New(st, reconcile.DefaultDefaults())

	in := Settings{
		EmailNotifications: false,
		Recipient:          "Ops Team <OPS@example.com>",
		IntervalMinutes:    30,
		PostLimit:          intPtr(5),
		AllowedRoles:       []string{" Editor", "author", "editor"},
	}
	if err := s.Save(ctx, in); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Recipient != "OPS@example.com" || got.IntervalMinutes != 30 || got.EmailNotifications {
		t.Fatalf("loaded %+v", got)
	}
	if !reflect.DeepEqual(got.AllowedRoles, []string{"editor", "author"}) {
		t.Fatalf("roles %v", got.AllowedRoles)
	}

	p := reconcile.NewProvider(st, reconcile.DefaultDefaults(), reconcile.Hooks{}, logx.Nop())
	if p.PostLimit(ctx) != 5 || p.EmailNotificationsEnabled(ctx) || p.Recipient(ctx) != "OPS@example.com" {
		t.Fatal("provider does not see saved settings")
	}
}

func TestSaveRejectsOffListInterval(t *testing.T) {
	t.Parallel()
	s := New(storage.NewMemory(), reconcile.DefaultDefaults())
	err := s.Save(context.Background(), Settings{IntervalMinutes: 7})
	if !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("err=%v", err)
	}
}

func intPtr(n int) *int { return &n }

func TestSaveWithoutPostLimitKeepsStored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	s := New(st, reconcile.DefaultDefaults())

	if err := s.Save(ctx, Settings{IntervalMinutes: 15, AllowedRoles: []string{"editor"}}); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := st.GetOption(ctx, reconcile.OptionPostLimit); ok {
		t.Fatal("omitted post limit was written")
	}
	p := reconcile.NewProvider(st, reconcile.DefaultDefaults(), reconcile.Hooks{}, logx.Nop())
	if got := p.PostLimit(ctx); got != 20 {
		t.Fatalf("post limit=%d want default 20", got)
	}

	if err := s.Save(ctx, Settings{IntervalMinutes: 15, PostLimit: intPtr(8)}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, Settings{IntervalMinutes: 30}); err != nil {
		t.Fatal(err)
	}
	if got := p.PostLimit(ctx); got != 8 {
		t.Fatalf("post limit=%d want stored 8", got)
	}
}

func TestSaveRejectsNonPositivePostLimit(t *testing.T) {
	t.Parallel()
	for _, n := range []int{0, -3} {
		s := New(storage.NewMemory(), reconcile.DefaultDefaults())
		if err := s.Save(context.Background(), Settings{IntervalMinutes: 15, PostLimit: intPtr(n)}); !errors.Is(err, ErrInvalidPostLimit) {
			t.Fatalf("limit %d: err=%v", n, err)
		}
	}
}

func TestSet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cases := []struct {
		name    string
		raw     string
		stored  string
		wantErr error
	}{
		{reconcile.OptionEmailNotifications, "1", "1", nil},
		{reconcile.OptionEmailNotifications, "yes", "0", nil},
		{reconcile.OptionRecipient, "not an email", "", nil},
		{reconcile.OptionRecipient, " a@example.com ", "a@example.com", nil},
		{reconcile.OptionInterval, "10", "10", nil},
		{reconcile.OptionInterval, "10min", "10", nil},
		{reconcile.OptionInterval, "11", "", ErrInvalidInterval},
		{reconcile.OptionPostLimit, "50", "50", nil},
		{reconcile.OptionPostLimit, "0", "", ErrInvalidPostLimit},
		{reconcile.OptionPostLimit, "none", "", ErrInvalidPostLimit},
		{reconcile.OptionAllowedRoles, "editor,author", `["editor","author"]`, nil},
		{reconcile.OptionAllowedRoles, `{"editor":true}`, `[]`, nil},
		{"nope", "1", "", ErrUnknownSetting},
	}
	for _, tc := range cases {
		st := storage.NewMemory()
		s := New(st, reconcile.DefaultDefaults())
		err := s.Set(ctx, tc.name, tc.raw)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Set(%s,%q) err=%v want %v", tc.name, tc.raw, err, tc.wantErr)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Set(%s,%q): %v", tc.name, tc.raw, err)
		}
		v, _, _ := st.GetOption(ctx, tc.name)
		if v != tc.stored {
			t.Fatalf("Set(%s,%q) stored %q want %q", tc.name, tc.raw, v, tc.stored)
		}
	}
}

func TestSanitizeInt(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"":     "0",
		"abc":  "0",
		"42":   "42",
		" 7 ":  "7",
		"-3x":  "-3",
		"+5":   "5",
		"12.9": "12",
		"007":  "7",
		"-":    "0",
	}
	for in, want := range cases {
		if got := SanitizeInt(in); got != want {
			t.Fatalf("SanitizeInt(%q)=%q want %q", in, got, want)
		}
	}
}

func TestRoleAllowed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(storage.NewMemory(), reconcile.DefaultDefaults())
	if !s.RoleAllowed(ctx, "Administrator") {
		t.Fatal("administrator must always be allowed")
	}
	if s.RoleAllowed(ctx, "editor") || s.RoleAllowed(ctx, "") {
		t.Fatal("no roles configured yet")
	}
	if err := s.Set(ctx, reconcile.OptionAllowedRoles, "editor"); err != nil {
		t.Fatal(err)
	}
	if !s.RoleAllowed(ctx, "editor") || s.RoleAllowed(ctx, "author") {
		t.Fatal("role list not honoured")
	}
}
