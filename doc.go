// Package streamq implements a minimal replicated message broker with
// lease-based leader election.
//
// A streamq deployment is a pair of brokers coordinating through NATS
// JetStream KV: at most one holds the leader lease at a time. The leader
// accepts produces and consumes; the follower receives synchronously
// replicated appends and takes over when the lease expires.
//
// Core properties:
//
//   - Single-writer: leadership is a TTL lease acquired with an atomic
//     create and renewed with a revision-fenced update, so a partitioned
//     stale leader steps down instead of serving writes.
//   - Idempotent produce: each message carries a producer-chosen id; a
//     TTL-bounded lock per id suppresses duplicates within the window.
//   - Committed reads: a produce is acknowledged only after the follower
//     stored it, and consumers never see offsets above the high-water mark.
//   - Deterministic routing: a message key always maps to the same
//     partition on every broker.
//
// Use NewBroker to construct a node, Start to join the election, and the
// server package to expose the HTTP API.
package streamq
