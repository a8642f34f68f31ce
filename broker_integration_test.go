package streamq_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/streamq"
	streamqtest "github.com/arloliu/streamq/testing"
)

// These tests run the broker against a real JetStream KV coordination store
// on an embedded NATS server, covering the paths the in-memory store fakes:
// bucket provisioning, atomic lease creation and KV-backed idempotency.

func TestBrokerOverNATS(t *testing.T) {
	_, nc := streamqtest.StartEmbeddedNATS(t)

	cfg := testBrokerConfig(t, "broker-1")

	b, err := streamq.NewBroker(cfg, nc)
	require.NoError(t, err)
	require.NoError(t, b.Start(t.Context()))
	t.Cleanup(func() {
		_ = b.Stop(context.Background())
	})

	require.True(t, b.IsLeader(), "a lone broker must win the startup election")
	assert.Equal(t, "broker-1", b.LeaderID())

	result, err := b.Produce(t.Context(), produceReq("m1", "events", "user-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.Offset)

	// Idempotency backed by the KV lock bucket.
	dup, err := b.Produce(t.Context(), produceReq("m1", "events", "user-1"))
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)

	consumed, err := b.Consume(t.Context(), "events", result.Partition, 0)
	require.NoError(t, err)
	require.Len(t, consumed.Messages, 1)
	assert.Equal(t, "m1", consumed.Messages[0].ID)

	health := b.Health(t.Context())
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.StoreConnected)
}

func TestBrokersShareLeaseOverNATS(t *testing.T) {
	_, nc := streamqtest.StartEmbeddedNATS(t)

	leader, err := streamq.NewBroker(testBrokerConfig(t, "broker-1"), nc)
	require.NoError(t, err)
	require.NoError(t, leader.Start(t.Context()))
	t.Cleanup(func() {
		_ = leader.Stop(context.Background())
	})

	follower, err := streamq.NewBroker(testBrokerConfig(t, "broker-2"), nc)
	require.NoError(t, err)
	require.NoError(t, follower.Start(t.Context()))
	t.Cleanup(func() {
		_ = follower.Stop(context.Background())
	})

	require.True(t, leader.IsLeader())
	require.False(t, follower.IsLeader())

	_, err = follower.Produce(t.Context(), produceReq("m1", "events", "k"))
	require.ErrorIs(t, err, streamq.ErrNotLeader)
	assert.Equal(t, "broker-1", follower.LeaderID())
}
