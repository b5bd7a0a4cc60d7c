package throttle

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"schedulify/internal/storage"
	logx "schedulify/pkg/logx"
)

func exerciseCache(t *testing.T, c Cache) {
	t.Helper()
	ctx := context.Background()
	key := "gate-" + uuid.NewString()
	iv := 5 * time.Minute
	t0 := time.Now().Truncate(time.Millisecond)

	if _, ok, err := c.Get(ctx, key, t0); ok || err != nil {
		t.Fatalf("Get on empty = ok:%v err:%v", ok, err)
	}
	if ok, err := c.TestAndSet(ctx, key, t0, iv); !ok || err != nil {
		t.Fatalf("first TestAndSet = %v, %v; want true", ok, err)
	}
	if ok, err := c.TestAndSet(ctx, key, t0.Add(time.Second), iv); ok || err != nil {
		t.Fatalf("second TestAndSet = %v, %v; want false", ok, err)
	}
	last, ok, err := c.Get(ctx, key, t0.Add(time.Second))
	if err != nil || !ok || !last.Equal(t0) {
		t.Fatalf("Get = %v, %v, %v; want %v", last, ok, err, t0)
	}
	if ok, err := c.TestAndSet(ctx, key, t0.Add(iv), iv); !ok || err != nil {
		t.Fatalf("TestAndSet after interval = %v, %v; want true", ok, err)
	}
	if err := c.Set(ctx, key, t0.Add(2*iv), iv); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if ok, _ := c.TestAndSet(ctx, key, t0.Add(2*iv+time.Second), iv); ok {
		t.Fatal("TestAndSet should respect explicit Set")
	}
}

func TestMemoryCache(t *testing.T) {
	t.Parallel()
	exerciseCache(t, NewMemory())
}

func TestStoreCacheSQLite(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: t.TempDir() + "/t.db"}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	exerciseCache(t, FromTransients(st))
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if _, _, err := Open(ctx, Config{Driver: "store"}, nil, logx.Nop()); err == nil {
		t.Fatal("store driver without storage should fail")
	}
	c, closeFn, err := Open(ctx, Config{Driver: "memory"}, nil, logx.Nop())
	if err != nil || c == nil {
		t.Fatalf("memory driver: %v", err)
	}
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, _, err := Open(ctx, Config{Driver: "redis"}, nil, logx.Nop()); err == nil {
		t.Fatal("unknown driver should fail")
	}
}

func TestDecodeMillis(t *testing.T) {
	t.Parallel()
	at := time.UnixMilli(1767225600123)
	got, ok := decodeMillis(encodeMillis(at))
	if !ok || !got.Equal(at) {
		t.Fatalf("decode(encode) = %v, %v", got, ok)
	}
	for _, bad := range []string{"", "abc", "-5", "0"} {
		if _, ok := decodeMillis([]byte(bad)); ok {
			t.Fatalf("decodeMillis(%q) should fail", bad)
		}
	}
}

// Runs against a real server: SCHEDULIFY_NATS_URL=nats://127.0.0.1:4222 (JetStream enabled).
func TestNATSCacheIntegration(t *testing.T) {
	url := os.Getenv("SCHEDULIFY_NATS_URL")
	if url == "" {
		t.Skip("SCHEDULIFY_NATS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n, err := DialNATS(ctx, url, "schedulify_test_"+uuid.NewString()[:8], time.Hour, logx.Nop())
	if err != nil {
		t.Fatalf("DialNATS: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	exerciseCache(t, n)
}
