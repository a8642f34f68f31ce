package streamq_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/streamq"
	"github.com/arloliu/streamq/types"
)

// memStore is an in-memory types.CoordinationStore shared by the brokers of
// a test, standing in for the JetStream KV store.
type memStore struct {
	mu      sync.Mutex
	holder  string
	hwms    map[string]int64
	locks   map[string]bool
	topics  map[string]int
	pingErr error
}

func newMemStore() *memStore {
	return &memStore{
		hwms:   make(map[string]int64),
		locks:  make(map[string]bool),
		topics: make(map[string]int),
	}
}

func (m *memStore) TryAcquire(_ context.Context, holder string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holder != "" && m.holder != holder {
		return false, nil
	}
	m.holder = holder

	return true, nil
}

func (m *memStore) Renew(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holder == "" {
		return types.ErrStaleLease
	}

	return nil
}

func (m *memStore) Release(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holder = ""

	return nil
}

func (m *memStore) LeaderID(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.holder, nil
}

func (m *memStore) HighWaterMark(_ context.Context, topic string, partition int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.hwms[fmt.Sprintf("%s.%d", topic, partition)], nil
}

func (m *memStore) SetHighWaterMark(_ context.Context, topic string, partition int, hwm int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hwms[fmt.Sprintf("%s.%d", topic, partition)] = hwm

	return nil
}

func (m *memStore) TryLock(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locks[id] {
		return false, nil
	}
	m.locks[id] = true

	return true, nil
}

func (m *memStore) Unlock(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, id)

	return nil
}

func (m *memStore) EnsureTopic(_ context.Context, name string, partitions int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if count, ok := m.topics[name]; ok {
		return count, nil
	}
	m.topics[name] = partitions

	return partitions, nil
}

func (m *memStore) Topics(_ context.Context) ([]types.TopicInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]types.TopicInfo, 0, len(m.topics))
	for name, count := range m.topics {
		infos = append(infos, types.TopicInfo{Name: name, Partitions: count})
	}

	return infos, nil
}

func (m *memStore) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pingErr
}

// replicatorFunc adapts a function to types.Replicator.
type replicatorFunc func(context.Context, types.Message) error

func (f replicatorFunc) Replicate(ctx context.Context, msg types.Message) error {
	return f(ctx, msg)
}

func testBrokerConfig(t *testing.T, id string) streamq.Config {
	t.Helper()

	cfg := streamq.DefaultConfig()
	cfg.BrokerID = id
	cfg.DataDir = t.TempDir()
	cfg.LeaseTTL = 400 * time.Millisecond
	cfg.RenewInterval = 100 * time.Millisecond

	return cfg
}

func startBroker(t *testing.T, id string, store types.CoordinationStore, opts ...streamq.Option) *streamq.Broker {
	t.Helper()

	opts = append([]streamq.Option{streamq.WithStore(store)}, opts...)

	b, err := streamq.NewBroker(testBrokerConfig(t, id), nil, opts...)
	require.NoError(t, err)
	require.NoError(t, b.Start(t.Context()))

	t.Cleanup(func() {
		_ = b.Stop(context.Background())
	})

	return b
}

func produceReq(id, topic, key string) streamq.ProduceRequest {
	return streamq.ProduceRequest{
		ID:      id,
		Topic:   topic,
		Key:     key,
		Payload: json.RawMessage(`{"v":1}`),
	}
}

func TestProduceConsumeRoundtrip(t *testing.T) {
	b := startBroker(t, "broker-1", newMemStore())
	require.True(t, b.IsLeader())

	var partition int
	for i := range 3 {
		result, err := b.Produce(t.Context(), produceReq(fmt.Sprintf("m%d", i), "events", "user-1"))
		require.NoError(t, err)
		assert.Equal(t, int64(i), result.Offset)
		assert.False(t, result.Duplicate)
		assert.Equal(t, "broker-1", result.BrokerID)
		partition = result.Partition
	}

	consumed, err := b.Consume(t.Context(), "events", partition, 0)
	require.NoError(t, err)
	require.Len(t, consumed.Messages, 3)
	assert.Equal(t, int64(3), consumed.NextOffset)
	assert.Equal(t, int64(3), consumed.HighWaterMark)

	for i, msg := range consumed.Messages {
		assert.Equal(t, fmt.Sprintf("m%d", i), msg.ID)
		assert.Equal(t, int64(i), msg.Offset)
		assert.Equal(t, "user-1", msg.Key)
		assert.NotZero(t, msg.Timestamp)
	}
}

func TestProduceIdempotency(t *testing.T) {
	b := startBroker(t, "broker-1", newMemStore())

	first, err := b.Produce(t.Context(), produceReq("m1", "events", "k"))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, int64(0), first.Offset)

	// Resending the same id succeeds without a second append.
	second, err := b.Produce(t.Context(), produceReq("m1", "events", "k"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, int64(-1), second.Offset)
	assert.Equal(t, first.Partition, second.Partition)

	consumed, err := b.Consume(t.Context(), "events", first.Partition, 0)
	require.NoError(t, err)
	assert.Len(t, consumed.Messages, 1)
}

func TestProduceRoutesByKey(t *testing.T) {
	b := startBroker(t, "broker-1", newMemStore())

	keys := []string{"alpha", "beta", "gamma"}
	partitionByKey := make(map[string]int)

	for i := range 9 {
		key := keys[i%3]
		result, err := b.Produce(t.Context(), produceReq(fmt.Sprintf("m%d", i), "events", key))
		require.NoError(t, err)

		if prev, seen := partitionByKey[key]; seen {
			assert.Equal(t, prev, result.Partition, "key %q moved partitions", key)
		}
		partitionByKey[key] = result.Partition
	}

	// Every message is consumable exactly once across the partitions.
	total := 0
	for partition := range 3 {
		consumed, err := b.Consume(t.Context(), "events", partition, 0)
		require.NoError(t, err)
		for i, msg := range consumed.Messages {
			assert.Equal(t, int64(i), msg.Offset, "offsets must be dense per partition")
		}
		total += len(consumed.Messages)
	}
	assert.Equal(t, 9, total)
}

func TestProduceEmptyKeyRoutesToPartitionZero(t *testing.T) {
	b := startBroker(t, "broker-1", newMemStore())

	result, err := b.Produce(t.Context(), produceReq("m1", "events", ""))
	require.NoError(t, err)
	assert.Equal(t, 0, result.Partition)
}

func TestProduceOnFollowerRejected(t *testing.T) {
	store := newMemStore()
	leader := startBroker(t, "broker-1", store)
	follower := startBroker(t, "broker-2", store)

	require.True(t, leader.IsLeader())
	require.False(t, follower.IsLeader())

	_, err := follower.Produce(t.Context(), produceReq("m1", "events", "k"))
	require.ErrorIs(t, err, streamq.ErrNotLeader)
	assert.Equal(t, "broker-1", follower.LeaderID())

	_, err = follower.Consume(t.Context(), "events", 0, 0)
	require.ErrorIs(t, err, streamq.ErrNotLeader)
}

func TestProduceValidation(t *testing.T) {
	b := startBroker(t, "broker-1", newMemStore())

	_, err := b.Produce(t.Context(), produceReq("", "events", "k"))
	require.ErrorIs(t, err, streamq.ErrInvalidMessage)

	_, err = b.Produce(t.Context(), produceReq("m1", "", "k"))
	require.ErrorIs(t, err, streamq.ErrInvalidMessage)

	_, err = b.Produce(t.Context(), produceReq("m1", "bad topic!", "k"))
	require.ErrorIs(t, err, streamq.ErrInvalidMessage)
}

func TestConsumeUnknownTopicAndPartition(t *testing.T) {
	b := startBroker(t, "broker-1", newMemStore())

	_, err := b.Consume(t.Context(), "missing", 0, 0)
	require.ErrorIs(t, err, streamq.ErrUnknownTopicPartition)

	_, err = b.Produce(t.Context(), produceReq("m1", "events", "k"))
	require.NoError(t, err)

	_, err = b.Consume(t.Context(), "events", 99, 0)
	require.ErrorIs(t, err, streamq.ErrUnknownTopicPartition)

	_, err = b.Consume(t.Context(), "events", -1, 0)
	require.ErrorIs(t, err, streamq.ErrUnknownTopicPartition)
}

func TestConsumeEmptyPartition(t *testing.T) {
	b := startBroker(t, "broker-1", newMemStore())

	result, err := b.Produce(t.Context(), produceReq("m1", "events", "k"))
	require.NoError(t, err)

	// A registered partition with no messages reads empty, not as an error.
	empty := (result.Partition + 1) % 3
	consumed, err := b.Consume(t.Context(), "events", empty, 0)
	require.NoError(t, err)
	assert.Empty(t, consumed.Messages)
	assert.Equal(t, int64(0), consumed.NextOffset)

	// Reading at the high-water mark is an empty batch too.
	consumed, err = b.Consume(t.Context(), "events", result.Partition, 1)
	require.NoError(t, err)
	assert.Empty(t, consumed.Messages)
	assert.Equal(t, int64(1), consumed.NextOffset)
}

func TestReplicationFailureGatesCommit(t *testing.T) {
	store := newMemStore()
	failing := replicatorFunc(func(context.Context, types.Message) error {
		return fmt.Errorf("%w: follower down", types.ErrReplicationFailed)
	})

	b := startBroker(t, "broker-1", store, streamq.WithReplicator(failing))

	_, err := b.Produce(t.Context(), produceReq("m1", "events", "k"))
	require.ErrorIs(t, err, streamq.ErrReplicationFailed)

	// The uncommitted append stays invisible on every partition.
	for partition := range 3 {
		consumed, err := b.Consume(t.Context(), "events", partition, 0)
		require.NoError(t, err)
		assert.Empty(t, consumed.Messages, "partition %d leaked an uncommitted message", partition)
	}

	hwm, err := store.HighWaterMark(t.Context(), "events", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), hwm)
}

func TestFailedReplicationAllowsResend(t *testing.T) {
	store := newMemStore()
	var followerDown atomic.Bool
	followerDown.Store(true)

	flaky := replicatorFunc(func(context.Context, types.Message) error {
		if followerDown.Load() {
			return fmt.Errorf("%w: follower down", types.ErrReplicationFailed)
		}

		return nil
	})

	b := startBroker(t, "broker-1", store, streamq.WithReplicator(flaky))

	_, err := b.Produce(t.Context(), produceReq("m1", "events", "k"))
	require.ErrorIs(t, err, streamq.ErrReplicationFailed)

	// The follower recovers; the mandated resend must be accepted as a new
	// message, not swallowed as a duplicate of the failed attempt.
	followerDown.Store(false)

	result, err := b.Produce(t.Context(), produceReq("m1", "events", "k"))
	require.NoError(t, err)
	assert.False(t, result.Duplicate, "resend of a failed produce must not report duplicate")
	assert.Equal(t, int64(0), result.Offset, "rolled-back offset is reassigned")

	consumed, err := b.Consume(t.Context(), "events", result.Partition, 0)
	require.NoError(t, err)
	require.Len(t, consumed.Messages, 1)
	assert.Equal(t, "m1", consumed.Messages[0].ID)

	// Only now that the message is committed does the id deduplicate.
	dup, err := b.Produce(t.Context(), produceReq("m1", "events", "k"))
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
}

// hwmRecordingStore captures every persisted high-water mark in order.
type hwmRecordingStore struct {
	*memStore

	markMu sync.Mutex
	marks  []int64
}

func (s *hwmRecordingStore) SetHighWaterMark(ctx context.Context, topic string, partition int, hwm int64) error {
	s.markMu.Lock()
	s.marks = append(s.marks, hwm)
	s.markMu.Unlock()

	return s.memStore.SetHighWaterMark(ctx, topic, partition, hwm)
}

func TestConcurrentProducesKeepPersistedMarkMonotonic(t *testing.T) {
	store := &hwmRecordingStore{memStore: newMemStore()}
	b := startBroker(t, "broker-1", store)

	const n = 16
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Produce(context.Background(), produceReq(fmt.Sprintf("m%d", i), "events", "k"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	store.markMu.Lock()
	marks := append([]int64(nil), store.marks...)
	store.markMu.Unlock()

	require.NotEmpty(t, marks)
	for i := 1; i < len(marks); i++ {
		assert.Greater(t, marks[i], marks[i-1], "persisted marks must never regress")
	}
	assert.Equal(t, int64(n), marks[len(marks)-1])

	result, err := b.Produce(t.Context(), produceReq("last", "events", "k"))
	require.NoError(t, err)

	hwm, err := store.HighWaterMark(t.Context(), "events", result.Partition)
	require.NoError(t, err)
	assert.Equal(t, int64(n+1), hwm)
}

func TestLeaderFollowerReplicationAndFailover(t *testing.T) {
	store := newMemStore()

	// Construct the follower first so the leader's replicator can reach
	// it, but start it second so broker-1 wins the lease.
	follower, err := streamq.NewBroker(testBrokerConfig(t, "broker-2"), nil, streamq.WithStore(store))
	require.NoError(t, err)

	// Wire leader produces straight into the follower's replica path.
	toFollower := replicatorFunc(func(ctx context.Context, msg types.Message) error {
		return follower.Replicate(ctx, msg.Topic, msg.Partition, msg.Offset, msg)
	})

	leader := startBroker(t, "broker-1", store, streamq.WithReplicator(toFollower))
	require.True(t, leader.IsLeader())

	require.NoError(t, follower.Start(t.Context()))
	t.Cleanup(func() {
		_ = follower.Stop(context.Background())
	})
	require.False(t, follower.IsLeader())

	var partition int
	for i := range 3 {
		result, err := leader.Produce(t.Context(), produceReq(fmt.Sprintf("m%d", i), "events", "user-1"))
		require.NoError(t, err)
		partition = result.Partition
	}

	// Leader departs; the follower takes over and serves the replicated log.
	require.NoError(t, leader.Stop(t.Context()))

	require.Eventually(t, func() bool {
		return follower.IsLeader()
	}, 3*time.Second, 20*time.Millisecond)

	consumed, err := follower.Consume(t.Context(), "events", partition, 0)
	require.NoError(t, err)
	require.Len(t, consumed.Messages, 3)
	assert.Equal(t, int64(3), consumed.HighWaterMark)

	// New writes continue the offset sequence where the old leader stopped.
	result, err := follower.Produce(t.Context(), produceReq("m3", "events", "user-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Offset)
}

func TestReplicateOffsetValidation(t *testing.T) {
	store := newMemStore()
	leader := startBroker(t, "broker-1", store)
	follower := startBroker(t, "broker-2", store)

	msg := types.Message{ID: "m1", Topic: "events", Payload: json.RawMessage(`{}`)}

	// The leader refuses the replica path.
	err := leader.Replicate(t.Context(), "events", 0, 0, msg)
	require.ErrorIs(t, err, streamq.ErrNotFollower)

	require.NoError(t, follower.Replicate(t.Context(), "events", 0, 0, msg))

	// A gap in the leader-assigned sequence is rejected.
	err = follower.Replicate(t.Context(), "events", 0, 5, types.Message{ID: "m6", Topic: "events"})
	require.ErrorIs(t, err, streamq.ErrOffsetMismatch)

	err = follower.Replicate(t.Context(), "events", 99, 0, msg)
	require.ErrorIs(t, err, streamq.ErrUnknownTopicPartition)
}

func TestEnsureTopicExplicitPartitions(t *testing.T) {
	b := startBroker(t, "broker-1", newMemStore())

	info, err := b.EnsureTopic(t.Context(), "audit", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, info.Partitions)

	// Re-registration with a different count keeps the original.
	info, err = b.EnsureTopic(t.Context(), "audit", 2)
	require.NoError(t, err)
	assert.Equal(t, 5, info.Partitions)

	topics, err := b.Topics(t.Context())
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, "audit", topics[0].Name)
}

func TestHealth(t *testing.T) {
	store := newMemStore()
	b := startBroker(t, "broker-1", store)

	health := b.Health(t.Context())
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "broker-1", health.BrokerID)
	assert.Equal(t, "leader", health.Role)
	assert.True(t, health.StoreConnected)

	store.mu.Lock()
	store.pingErr = types.ErrConnectivity
	store.mu.Unlock()

	health = b.Health(t.Context())
	assert.Equal(t, "degraded", health.Status)
	assert.False(t, health.StoreConnected)
}

func TestBrokerLifecycle(t *testing.T) {
	b, err := streamq.NewBroker(testBrokerConfig(t, "broker-1"), nil, streamq.WithStore(newMemStore()))
	require.NoError(t, err)

	// Not started yet.
	_, err = b.Produce(t.Context(), produceReq("m1", "events", "k"))
	require.ErrorIs(t, err, types.ErrNotStarted)

	require.NoError(t, b.Start(t.Context()))
	require.ErrorIs(t, b.Start(t.Context()), types.ErrAlreadyStarted)

	require.NoError(t, b.Stop(t.Context()))
	require.ErrorIs(t, b.Stop(t.Context()), types.ErrNotStarted)
}

func TestNewBrokerRequiresStoreOrConn(t *testing.T) {
	_, err := streamq.NewBroker(testBrokerConfig(t, "broker-1"), nil)
	require.ErrorIs(t, err, streamq.ErrConnRequired)
}
