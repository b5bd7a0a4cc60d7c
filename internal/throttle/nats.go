package throttle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"schedulify/internal/storage"
	logx "schedulify/pkg/logx"
)

const defaultBucket = "schedulify_throttle"

// NATS keeps throttle state in a JetStream KV bucket.
//
// KV TTLs are bucket-wide, so staleness is always evaluated from the stored
// timestamp; the bucket TTL only garbage-collects old keys.
type NATS struct {
	nc  *nats.Conn
	kv  jetstream.KeyValue
	log logx.Logger
}

// DialNATS connects and creates (or updates) the bucket.
func DialNATS(ctx context.Context, url, bucket string, ttl time.Duration, log logx.Logger) (*NATS, error) {
	if strings.TrimSpace(url) == "" {
		url = nats.DefaultURL
	}
	if strings.TrimSpace(bucket) == "" {
		bucket = defaultBucket
	}
	nc, err := nats.Connect(url,
		nats.Name("schedulify"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	cfg := jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: 1,
		Storage: jetstream.FileStorage,
	}
	if ttl > 0 {
		cfg.TTL = ttl
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, cfg)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating KV bucket %s: %w", bucket, err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log.Debug("throttle bucket ready", logx.String("bucket", bucket), logx.Duration("ttl", ttl))
	return NewNATS(nc, kv, log), nil
}

// NewNATS wraps an existing bucket. nc may be nil when the caller owns the connection.
func NewNATS(nc *nats.Conn, kv jetstream.KeyValue, log logx.Logger) *NATS {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &NATS{nc: nc, kv: kv, log: log}
}

func (n *NATS) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

func (n *NATS) Get(ctx context.Context, key string, now time.Time) (time.Time, bool, error) {
	entry, err := n.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	at, ok := decodeMillis(entry.Value())
	if !ok {
		return time.Time{}, false, nil
	}
	return at, true, nil
}

func (n *NATS) Set(ctx context.Context, key string, at time.Time, ttl time.Duration) error {
	_, err := n.kv.Put(ctx, key, encodeMillis(at))
	return err
}

func (n *NATS) TestAndSet(ctx context.Context, key string, now time.Time, interval time.Duration) (bool, error) {
	val := encodeMillis(now)

	entry, err := n.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		// Create fails if another host wrote the key in between.
		if _, err := n.kv.Create(ctx, key, val); err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if last, ok := decodeMillis(entry.Value()); ok && !storage.Stale(last, now, interval) {
		return false, nil
	}
	if _, err := n.kv.Update(ctx, key, val, entry.Revision()); err != nil {
		if isWrongRevision(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isWrongRevision(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return errors.Is(err, jetstream.ErrKeyExists)
}

func encodeMillis(t time.Time) []byte {
	return []byte(strconv.FormatInt(t.UnixMilli(), 10))
}

func decodeMillis(b []byte) (time.Time, bool) {
	ms, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
