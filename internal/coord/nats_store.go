// Package coord implements the coordination store on NATS JetStream KV.
//
// The store holds the four cross-process coordination surfaces of the
// broker cluster:
//
//   - the leader lease (TTL bucket, atomic Create + revision-fenced Update)
//   - committed high-water marks per (topic, partition)
//   - idempotency locks per message id (TTL bucket)
//   - the topic registry (create-if-absent partition counts)
//
// Lease fencing uses the KV revision: renewal updates the lease key with the
// revision obtained at acquisition, so a stale leader whose key was taken
// over (or expired and re-created) fails the update and steps down.
package coord

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/streamq/internal/metrics"
	"github.com/arloliu/streamq/types"
)

const (
	leaseKey    = "leader"
	hwmPrefix   = "hwm."
	lockPrefix  = "lock."
	topicPrefix = "topic."
)

// Config configures the KV buckets backing the coordination store.
type Config struct {
	// LeaseBucket holds the leader lease. Its TTL is the lease TTL: an
	// unrenewed lease expires and the key disappears, allowing failover.
	LeaseBucket string

	// LeaseTTL is the bucket TTL applied to the lease key.
	LeaseTTL time.Duration

	// OffsetBucket holds committed high-water marks. No TTL: HWMs must
	// survive leader changes.
	OffsetBucket string

	// LockBucket holds idempotency locks. Its TTL bounds the deduplication
	// window: duplicates arriving after expiry are treated as new.
	LockBucket string

	// LockTTL is the bucket TTL applied to idempotency locks.
	LockTTL time.Duration

	// TopicBucket holds the topic registry. No TTL: topics are never
	// deleted in this design.
	TopicBucket string
}

// NATSStore implements types.CoordinationStore on NATS JetStream KV.
//
// Lease holder and revision are guarded by mu; all other operations map
// directly onto atomic KV calls.
type NATSStore struct {
	conn    *nats.Conn
	lease   jetstream.KeyValue
	offsets jetstream.KeyValue
	locks   jetstream.KeyValue
	topics  jetstream.KeyValue
	metrics types.MetricsCollector

	mu       sync.Mutex
	holder   string
	revision uint64
	held     bool
}

// Compile-time assertion that NATSStore implements CoordinationStore.
var _ types.CoordinationStore = (*NATSStore)(nil)

// NewNATSStore creates the coordination store, creating or opening the four
// KV buckets.
//
// Bucket creation handles the race where several brokers start concurrently
// and all try to create the same bucket.
func NewNATSStore(ctx context.Context, nc *nats.Conn, cfg Config) (*NATSStore, error) {
	if nc == nil {
		return nil, types.ErrConnRequired
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	lease, err := ensureBucket(ctx, js, jetstream.KeyValueConfig{Bucket: cfg.LeaseBucket, TTL: cfg.LeaseTTL})
	if err != nil {
		return nil, fmt.Errorf("failed to create lease bucket: %w", err)
	}

	offsets, err := ensureBucket(ctx, js, jetstream.KeyValueConfig{Bucket: cfg.OffsetBucket})
	if err != nil {
		return nil, fmt.Errorf("failed to create offset bucket: %w", err)
	}

	locks, err := ensureBucket(ctx, js, jetstream.KeyValueConfig{Bucket: cfg.LockBucket, TTL: cfg.LockTTL})
	if err != nil {
		return nil, fmt.Errorf("failed to create lock bucket: %w", err)
	}

	topics, err := ensureBucket(ctx, js, jetstream.KeyValueConfig{Bucket: cfg.TopicBucket})
	if err != nil {
		return nil, fmt.Errorf("failed to create topic bucket: %w", err)
	}

	return &NATSStore{
		conn:    nc,
		lease:   lease,
		offsets: offsets,
		locks:   locks,
		topics:  topics,
		metrics: metrics.NewNop(),
	}, nil
}

// SetMetrics sets the metrics collector for store operation latencies.
// Optional; defaults to a no-op collector.
func (s *NATSStore) SetMetrics(collector types.MetricsCollector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = collector
}

// TryAcquire attempts an atomic set-if-absent of the lease key.
//
// When this instance already holds the lease it renews instead, so callers
// can use TryAcquire as their single periodic election step.
func (s *NATSStore) TryAcquire(ctx context.Context, holder string) (bool, error) {
	defer s.timeOp("acquire")()

	s.mu.Lock()
	alreadyHeld := s.held && s.holder == holder
	s.mu.Unlock()

	if alreadyHeld {
		if err := s.Renew(ctx); err == nil {
			return true, nil
		}
		// Renewal failed, fall through and race for a fresh acquisition.
	}

	revision, err := s.lease.Create(ctx, leaseKey, []byte(holder))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			s.clearLease()
			return false, nil
		}

		return false, fmt.Errorf("%w: failed to create lease key: %w", types.ErrConnectivity, err)
	}

	s.mu.Lock()
	s.holder = holder
	s.revision = revision
	s.held = true
	s.mu.Unlock()

	return true, nil
}

// Renew extends the lease with a revision-fenced update.
func (s *NATSStore) Renew(ctx context.Context) error {
	defer s.timeOp("renew")()

	s.mu.Lock()
	held, holder, revision := s.held, s.holder, s.revision
	s.mu.Unlock()

	if !held {
		return types.ErrStaleLease
	}

	newRevision, err := s.lease.Update(ctx, leaseKey, []byte(holder), revision)
	if err != nil {
		s.clearLease()

		return fmt.Errorf("%w: %w", types.ErrStaleLease, err)
	}

	s.mu.Lock()
	s.revision = newRevision
	s.mu.Unlock()

	return nil
}

// Release deletes the lease key, allowing immediate failover.
func (s *NATSStore) Release(ctx context.Context) error {
	defer s.timeOp("release")()

	s.mu.Lock()
	held := s.held
	s.mu.Unlock()

	if !held {
		return nil
	}

	err := s.lease.Delete(ctx, leaseKey)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete lease key: %w", err)
	}

	s.clearLease()

	return nil
}

// LeaderID returns the recorded lease holder, or "" when vacant.
func (s *NATSStore) LeaderID(ctx context.Context) (string, error) {
	entry, err := s.lease.Get(ctx, leaseKey)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return "", nil
		}

		return "", fmt.Errorf("%w: failed to get lease key: %w", types.ErrConnectivity, err)
	}

	return string(entry.Value()), nil
}

// HighWaterMark returns the committed HWM for (topic, partition), 0 when absent.
func (s *NATSStore) HighWaterMark(ctx context.Context, topic string, partition int) (int64, error) {
	defer s.timeOp("hwm")()

	entry, err := s.offsets.Get(ctx, hwmKey(topic, partition))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return 0, nil
		}

		return 0, fmt.Errorf("%w: failed to get high-water mark: %w", types.ErrConnectivity, err)
	}

	hwm, err := strconv.ParseInt(string(entry.Value()), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed high-water mark %q: %w", entry.Value(), err)
	}

	return hwm, nil
}

// SetHighWaterMark records a new committed HWM for (topic, partition).
func (s *NATSStore) SetHighWaterMark(ctx context.Context, topic string, partition int, hwm int64) error {
	defer s.timeOp("hwm")()

	_, err := s.offsets.Put(ctx, hwmKey(topic, partition), []byte(strconv.FormatInt(hwm, 10)))
	if err != nil {
		return fmt.Errorf("%w: failed to set high-water mark: %w", types.ErrConnectivity, err)
	}

	return nil
}

// TryLock atomically creates a TTL-bounded idempotency lock for id.
func (s *NATSStore) TryLock(ctx context.Context, id string) (bool, error) {
	defer s.timeOp("lock")()

	_, err := s.locks.Create(ctx, lockPrefix+sanitizeKey(id), []byte(strconv.FormatInt(time.Now().UnixMilli(), 10)))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}

		return false, fmt.Errorf("%w: failed to create idempotency lock: %w", types.ErrConnectivity, err)
	}

	return true, nil
}

// Unlock removes the idempotency lock for id so a failed produce can be
// resent as a new message. Unlocking an absent id is not an error.
func (s *NATSStore) Unlock(ctx context.Context, id string) error {
	defer s.timeOp("lock")()

	err := s.locks.Delete(ctx, lockPrefix+sanitizeKey(id))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("%w: failed to release idempotency lock: %w", types.ErrConnectivity, err)
	}

	return nil
}

// EnsureTopic registers the topic if absent and returns the recorded
// partition count. Concurrent first-producers converge: the loser of the
// create race reads the winner's count.
func (s *NATSStore) EnsureTopic(ctx context.Context, name string, partitions int) (int, error) {
	defer s.timeOp("topic")()

	key := topicPrefix + name

	_, err := s.topics.Create(ctx, key, []byte(strconv.Itoa(partitions)))
	if err == nil {
		return partitions, nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return 0, fmt.Errorf("%w: failed to register topic: %w", types.ErrConnectivity, err)
	}

	entry, err := s.topics.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read topic registration: %w", types.ErrConnectivity, err)
	}

	count, err := strconv.Atoi(string(entry.Value()))
	if err != nil {
		return 0, fmt.Errorf("malformed topic registration %q: %w", entry.Value(), err)
	}

	return count, nil
}

// Topics lists all registered topics.
func (s *NATSStore) Topics(ctx context.Context) ([]types.TopicInfo, error) {
	defer s.timeOp("topic")()

	lister, err := s.topics.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list topics: %w", types.ErrConnectivity, err)
	}

	var infos []types.TopicInfo
	for key := range lister.Keys() {
		entry, err := s.topics.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}

			return nil, fmt.Errorf("%w: failed to read topic %s: %w", types.ErrConnectivity, key, err)
		}

		count, err := strconv.Atoi(string(entry.Value()))
		if err != nil {
			return nil, fmt.Errorf("malformed topic registration %q: %w", entry.Value(), err)
		}

		infos = append(infos, types.TopicInfo{
			Name:       strings.TrimPrefix(key, topicPrefix),
			Partitions: count,
		})
	}

	return infos, nil
}

// Ping reports coordination store reachability.
func (s *NATSStore) Ping(_ context.Context) error {
	if s.conn.Status() != nats.CONNECTED {
		return types.ErrConnectivity
	}

	return nil
}

// clearLease drops the local lease state (thread-safe).
func (s *NATSStore) clearLease() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = false
	s.revision = 0
}

// timeOp records the duration of a store operation on the metrics collector.
func (s *NATSStore) timeOp(op string) func() {
	s.mu.Lock()
	collector := s.metrics
	s.mu.Unlock()

	start := time.Now()

	return func() {
		collector.RecordStoreOperation(op, time.Since(start).Seconds())
	}
}

func hwmKey(topic string, partition int) string {
	return fmt.Sprintf("%s%s.%d", hwmPrefix, topic, partition)
}

// sanitizeKey maps arbitrary message ids onto the NATS KV key alphabet.
// Safe characters pass through; anything else becomes =XX with the byte in
// hex. '=' is the escape character and is itself escaped, keeping the
// mapping injective so distinct ids never collide on one lock key.
func sanitizeKey(id string) string {
	var b strings.Builder
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '-', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "=%02X", c)
		}
	}

	return b.String()
}
