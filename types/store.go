package types

import "context"

// LeaseStore provides the lease operations of the coordination store.
//
// The lease is the single source of leadership truth across broker
// processes. Implementations must provide atomic set-if-absent semantics
// for TryAcquire and fencing for Renew: a renewal must prove the caller is
// still the recorded holder, so a stale leader cannot extend a lease it no
// longer owns.
type LeaseStore interface {
	// TryAcquire attempts an atomic set-if-absent of the lease for holder.
	// Returns true when the lease was acquired, false when a valid lease
	// already exists. An error indicates a store failure, not a lost race.
	TryAcquire(ctx context.Context, holder string) (bool, error)

	// Renew extends the lease previously acquired through TryAcquire.
	// Returns an error wrapping ErrStaleLease when the lease is no longer
	// held by this instance; the caller must step down immediately.
	Renew(ctx context.Context) error

	// Release deletes the lease held by this instance, allowing immediate
	// failover. Releasing a lease that is not held is not an error.
	Release(ctx context.Context) error

	// LeaderID returns the recorded lease holder, or "" when the lease is
	// vacant or expired.
	LeaderID(ctx context.Context) (string, error)
}

// OffsetStore persists the committed high-water mark per (topic, partition).
//
// The high-water mark is the exclusive upper bound of consumer-visible
// offsets. It is monotonically non-decreasing and survives leader changes:
// a newly promoted leader recovers it from the store.
type OffsetStore interface {
	// HighWaterMark returns the committed high-water mark, or 0 when no
	// commit has been recorded for the partition.
	HighWaterMark(ctx context.Context, topic string, partition int) (int64, error)

	// SetHighWaterMark records a new committed high-water mark.
	SetHighWaterMark(ctx context.Context, topic string, partition int, hwm int64) error
}

// LockStore provides short-lived idempotency locks keyed by message id.
type LockStore interface {
	// TryLock atomically creates a TTL-bounded lock entry for id if absent.
	// Returns true when the lock was created (message is new), false when
	// it already exists (duplicate within the TTL window).
	TryLock(ctx context.Context, id string) (bool, error)

	// Unlock removes the lock entry for id, making the id acceptable again.
	// Used to roll back a produce that failed after TryLock, so the
	// producer's resend is not mistaken for a duplicate. Unlocking an
	// absent id is not an error.
	Unlock(ctx context.Context, id string) error
}

// TopicStore registers topics with a fixed partition count.
//
// Registration uses the same atomic create-if-absent discipline as the
// lease, so concurrent first-producers converge to one partition count.
type TopicStore interface {
	// EnsureTopic registers the topic if absent and returns the partition
	// count recorded in the store, which may differ from the requested
	// count when another broker registered the topic first.
	EnsureTopic(ctx context.Context, name string, partitions int) (int, error)

	// Topics lists all registered topics.
	Topics(ctx context.Context) ([]TopicInfo, error)
}

// CoordinationStore is the full capability surface of the coordination
// backend: lease, committed offsets, idempotency locks and topic registry.
//
// The NATS JetStream KV implementation lives in internal/coord; any backend
// with atomic compare-and-set semantics can satisfy this interface.
type CoordinationStore interface {
	LeaseStore
	OffsetStore
	LockStore
	TopicStore

	// Ping reports whether the store is reachable. Used by the health
	// endpoint and by degraded-mode detection.
	Ping(ctx context.Context) error
}
