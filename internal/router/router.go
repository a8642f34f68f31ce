// Package router maps routing keys onto partitions and provisions topics.
package router

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zeebo/xxh3"

	"github.com/arloliu/streamq/types"
)

// PartitionFor returns the partition index for key within a topic of the
// given partition count.
//
// The mapping is a pure, stable function: the same key always maps to the
// same index, and the computation is identical on every broker (xxh3 with
// no seed, no locale or iteration-order dependence). An empty key routes to
// partition 0 deterministically so unkeyed produces stay reproducible.
func PartitionFor(key string, partitions int) int {
	if partitions <= 0 {
		return 0
	}
	if key == "" {
		return 0
	}

	return int(xxh3.HashString(key) % uint64(partitions))
}

// Router provisions topics through the topic registry and caches their
// partition counts locally.
//
// The cache is safe because partition counts are fixed at creation and
// topics are never deleted.
type Router struct {
	topics            types.TopicStore
	defaultPartitions int
	cache             *xsync.Map[string, int]
}

// New creates a router over the given topic registry.
func New(topics types.TopicStore, defaultPartitions int) *Router {
	return &Router{
		topics:            topics,
		defaultPartitions: defaultPartitions,
		cache:             xsync.NewMap[string, int](),
	}
}

// EnsureTopic registers topic if absent and returns its partition count.
//
// Creation is idempotent: concurrent first-producers converge to the count
// recorded by whichever registration won the create-if-absent race.
func (r *Router) EnsureTopic(ctx context.Context, topic string) (int, error) {
	if count, ok := r.cache.Load(topic); ok {
		return count, nil
	}

	count, err := r.topics.EnsureTopic(ctx, topic, r.defaultPartitions)
	if err != nil {
		return 0, fmt.Errorf("failed to ensure topic %s: %w", topic, err)
	}

	r.cache.Store(topic, count)

	return count, nil
}

// Partitions returns the partition count of a registered topic. Returns an
// error wrapping ErrUnknownTopicPartition when the topic was never created.
func (r *Router) Partitions(ctx context.Context, topic string) (int, error) {
	if count, ok := r.cache.Load(topic); ok {
		return count, nil
	}

	infos, err := r.topics.Topics(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list topics: %w", err)
	}

	for _, info := range infos {
		r.cache.Store(info.Name, info.Partitions)
	}

	if count, ok := r.cache.Load(topic); ok {
		return count, nil
	}

	return 0, fmt.Errorf("topic %s: %w", topic, types.ErrUnknownTopicPartition)
}

// Topics lists all registered topics.
func (r *Router) Topics(ctx context.Context) ([]types.TopicInfo, error) {
	return r.topics.Topics(ctx)
}
