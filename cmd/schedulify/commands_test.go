package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"schedulify/internal/reconcile"
	"schedulify/internal/settings"
	"schedulify/internal/storage"
)

func testConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := `{
  "logging": {"level": "error", "console": true},
  "storage": {"driver": "sqlite", "path": "` + filepath.ToSlash(filepath.Join(dir, "s.db")) + `"},
  "http": {"enabled": false}
}`
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCLI(t *testing.T, cfg string, args ...string) []byte {
	t.Helper()
	var out bytes.Buffer
	argv := append([]string{"schedulify", "--config", cfg}, args...)
	if err := newCLI(context.Background(), &out).Run(argv); err != nil {
		t.Fatalf("%v: %v", args, err)
	}
	return out.Bytes()
}

func TestScheduleListRun(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	var created storage.Post
	if err := json.Unmarshal(runCLI(t, cfg, "posts", "schedule", "--title", "Launch", "--in=-1m"), &created); err != nil {
		t.Fatal(err)
	}
	if created.ID == 0 || created.Status != storage.StatusFuture {
		t.Fatalf("created %+v", created)
	}
	runCLI(t, cfg, "posts", "schedule", "--title", "Later", "--at", time.Now().Add(time.Hour).UTC().Format(time.RFC3339))

	var listed []storage.Post
	if err := json.Unmarshal(runCLI(t, cfg, "posts", "list"), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed) != 2 || listed[0].ID != created.ID {
		t.Fatalf("listed %+v", listed)
	}

	var rep reconcile.Report
	if err := json.Unmarshal(runCLI(t, cfg, "run"), &rep); err != nil {
		t.Fatal(err)
	}
	if !rep.Ran || len(rep.Published) != 1 || rep.Published[0] != created.ID {
		t.Fatalf("report %+v", rep)
	}

	// The throttle state lives in the database, so a second process is gated.
	if err := json.Unmarshal(runCLI(t, cfg, "run"), &rep); err != nil {
		t.Fatal(err)
	}
	if rep.Ran || rep.Skipped != reconcile.SkipThrottled {
		t.Fatalf("second run %+v", rep)
	}
}

func TestSettingsSet(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	var s settings.Settings
	if err := json.Unmarshal(runCLI(t, cfg, "settings", "set", "post_limit", "7abc"), &s); err != nil {
		t.Fatal(err)
	}
	if s.PostLimit == nil || *s.PostLimit != 7 {
		t.Fatalf("post_limit=%v want 7", s.PostLimit)
	}

	var out bytes.Buffer
	err := newCLI(context.Background(), &out).Run([]string{"schedulify", "--config", cfg, "settings", "set", "custom_interval", "7"})
	if err == nil {
		t.Fatal("interval outside the choices accepted")
	}
}

func TestPublishTime(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		at      string
		in      time.Duration
		inSet   bool
		want    time.Time
		wantErr bool
	}{
		{name: "at", at: "2024-02-01T08:00:00+02:00", want: time.Date(2024, 2, 1, 6, 0, 0, 0, time.UTC)},
		{name: "in", in: -5 * time.Minute, inSet: true, want: now.Add(-5 * time.Minute)},
		{name: "both", at: "2024-02-01T08:00:00Z", inSet: true, wantErr: true},
		{name: "neither", wantErr: true},
		{name: "bad at", at: "tomorrow", wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := publishTime(tc.at, tc.in, tc.inSet, now)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(tc.want) {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}
