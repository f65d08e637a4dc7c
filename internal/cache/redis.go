// Package cache provides the distribution and caching layer for verdict.
// Redis (L2) carries the latest published snapshot and an update channel;
// the in-memory result cache (L1) memoizes deterministic evaluations.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/verdict/internal/ruleengine"
)

// ErrSnapshotNotFound is returned when nothing has been published yet.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Hash fields of the snapshot key.
const (
	fieldVersion  = "version"
	fieldChecksum = "checksum"
	fieldPayload  = "payload"
)

// PublishResult describes the outcome of PublishSnapshot.
type PublishResult int

const (
	// PublishSkipped means Redis already holds an equal or newer version.
	PublishSkipped PublishResult = 0
	// PublishUpdated means the snapshot was stored and announced.
	PublishUpdated PublishResult = 1
)

func (r PublishResult) String() string {
	if r == PublishUpdated {
		return "updated"
	}
	return "skipped"
}

// publishScript performs a compare-and-set on the snapshot version and
// announces the new version in the same atomic step.
// Versions are compared as decimal strings: UnixNano values exceed the
// 2^53 integer precision of Lua numbers.
//
// KEYS[1]: snapshot hash
// ARGV[1]: version, ARGV[2]: checksum, ARGV[3]: payload, ARGV[4]: updates channel
var publishScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
local incoming = ARGV[1]
if current then
	if #current > #incoming then return 0 end
	if #current == #incoming and current >= incoming then return 0 end
end
redis.call('HSET', KEYS[1], 'version', incoming, 'checksum', ARGV[2], 'payload', ARGV[3])
redis.call('PUBLISH', ARGV[4], incoming)
return 1
`)

// SnapshotStore defines the snapshot operations shared by the syncer
// (publisher) and the API (consumer).
// This interface allows for dependency injection and mocking in tests.
type SnapshotStore interface {
	PublishSnapshot(ctx context.Context, snap *ruleengine.Snapshot) (PublishResult, error)
	FetchSnapshot(ctx context.Context) (*ruleengine.Snapshot, error)
	FetchVersion(ctx context.Context) (int64, string, error)
	Subscribe(ctx context.Context) (*Subscription, error)
}

// Compile-time check.
var _ SnapshotStore = (*RedisCache)(nil)

// RedisCache implements SnapshotStore using go-redis.
type RedisCache struct {
	client  *redis.Client
	key     string
	channel string
}

// NewRedisCache wraps an initialized client. key is the snapshot hash and
// channel the pub/sub channel carrying new versions.
func NewRedisCache(client *redis.Client, key, channel string) *RedisCache {
	if client == nil {
		panic("cache: redis client cannot be nil")
	}
	if key == "" || channel == "" {
		panic("cache: snapshot key and updates channel are required")
	}
	return &RedisCache{client: client, key: key, channel: channel}
}

// Client exposes the underlying client for health checks and pool monitoring.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

// PublishSnapshot serializes snap and stores it unless Redis already holds
// an equal or newer version. Subscribers are notified on update.
func (c *RedisCache) PublishSnapshot(ctx context.Context, snap *ruleengine.Snapshot) (PublishResult, error) {
	if snap == nil {
		return PublishSkipped, ruleengine.ErrNilSnapshot
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return PublishSkipped, fmt.Errorf("failed to encode snapshot %d: %w", snap.Version, err)
	}

	res, err := publishScript.Run(ctx, c.client,
		[]string{c.key},
		strconv.FormatInt(snap.Version, 10), snap.Checksum, payload, c.channel,
	).Int()
	if err != nil {
		return PublishSkipped, fmt.Errorf("failed to publish snapshot %d: %w", snap.Version, err)
	}

	return PublishResult(res), nil
}

// FetchSnapshot reads and decodes the latest published snapshot.
func (c *RedisCache) FetchSnapshot(ctx context.Context) (*ruleengine.Snapshot, error) {
	payload, err := c.client.HGet(ctx, c.key, fieldPayload).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}

	snap, err := ruleengine.DecodeSnapshot(payload)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// FetchVersion reads only the version and checksum of the latest snapshot,
// letting pollers skip the payload when nothing changed.
func (c *RedisCache) FetchVersion(ctx context.Context) (int64, string, error) {
	vals, err := c.client.HMGet(ctx, c.key, fieldVersion, fieldChecksum).Result()
	if err != nil {
		return 0, "", fmt.Errorf("failed to fetch snapshot version: %w", err)
	}
	raw, ok := vals[0].(string)
	if !ok {
		return 0, "", ErrSnapshotNotFound
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("corrupted snapshot version %q: %w", raw, err)
	}
	checksum, _ := vals[1].(string)
	return version, checksum, nil
}

// Subscription delivers announced snapshot versions.
type Subscription struct {
	// C is closed when the subscription ends.
	C     <-chan int64
	close func() error
}

// NewSubscription wraps a version channel and the function ending it.
func NewSubscription(c <-chan int64, closeFn func() error) *Subscription {
	return &Subscription{C: c, close: closeFn}
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// Subscribe listens on the updates channel. It waits for the subscription
// to be confirmed so no announcement published afterwards is missed.
func (c *RedisCache) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := c.client.Subscribe(ctx, c.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %q: %w", c.channel, err)
	}

	out := make(chan int64, 1)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			version, err := strconv.ParseInt(msg.Payload, 10, 64)
			if err != nil {
				slog.Warn("ignoring malformed snapshot announcement",
					slog.String("channel", msg.Channel),
					slog.String("payload", msg.Payload),
				)
				continue
			}
			// Only the newest announcement matters; drop a pending older one.
			select {
			case out <- version:
			default:
				select {
				case <-out:
				default:
				}
				out <- version
			}
		}
	}()

	return NewSubscription(out, pubsub.Close), nil
}
