// Package throttle provides the expiring caches the reconcile gate uses to
// remember when the last detection cycle ran.
//
// Every backend implements TestAndSet atomically so concurrent triggers,
// whether goroutines or separate hosts sharing the backend, elect one winner.
package throttle

import (
	"context"
	"errors"
	"strings"
	"time"

	"schedulify/internal/storage"
	logx "schedulify/pkg/logx"
)

// Cache is the throttle state backend.
type Cache interface {
	Get(ctx context.Context, key string, now time.Time) (time.Time, bool, error)
	Set(ctx context.Context, key string, at time.Time, ttl time.Duration) error
	TestAndSet(ctx context.Context, key string, now time.Time, interval time.Duration) (bool, error)
}

// Config selects a backend.
//
// Driver values:
//   - "store": the transients table of the main storage (default)
//   - "memory": process-local, for single-process hosts and tests
//   - "nats": a JetStream key/value bucket shared by several hosts
type Config struct {
	Driver     string
	NATSURL    string
	NATSBucket string
	// TTL is applied bucket-wide by the nats driver.
	TTL time.Duration
}

// FromTransients adapts a storage transient cache.
func FromTransients(t storage.Transients) Cache { return transientCache{t: t} }

// NewMemory returns a process-local cache.
func NewMemory() Cache { return FromTransients(storage.NewMemory()) }

type transientCache struct{ t storage.Transients }

func (c transientCache) Get(ctx context.Context, key string, now time.Time) (time.Time, bool, error) {
	return c.t.GetTransient(ctx, key, now)
}

func (c transientCache) Set(ctx context.Context, key string, at time.Time, ttl time.Duration) error {
	return c.t.SetTransient(ctx, key, at, ttl)
}

func (c transientCache) TestAndSet(ctx context.Context, key string, now time.Time, interval time.Duration) (bool, error) {
	return c.t.TestAndSet(ctx, key, now, interval)
}

// Open builds the configured backend. The returned close func is never nil.
func Open(ctx context.Context, cfg Config, store storage.Transients, log logx.Logger) (Cache, func() error, error) {
	noop := func() error { return nil }
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "store":
		if store == nil {
			return nil, noop, errors.New("throttle: store driver requires storage")
		}
		return FromTransients(store), noop, nil
	case "memory":
		return NewMemory(), noop, nil
	case "nats":
		n, err := DialNATS(ctx, cfg.NATSURL, cfg.NATSBucket, cfg.TTL, log)
		if err != nil {
			return nil, noop, err
		}
		return n, n.Close, nil
	default:
		return nil, noop, errors.New("unknown throttle driver: " + cfg.Driver)
	}
}
