package types

import "errors"

// Sentinel errors for the streamq broker.
//
// These errors provide type-safe error checking using errors.Is() and
// errors.As(). Components wrap external errors with context using
// fmt.Errorf("...: %w", err) and surface these sentinels for known
// conditions.

// Request-path errors - surfaced to producers and consumers.
var (
	// ErrNotLeader is returned when a write or read is attempted against a
	// broker that is not the current leader. Recoverable: the caller should
	// redirect to the leader identified in the response.
	ErrNotLeader = errors.New("not the leader")

	// ErrNotFollower is returned when a replication request arrives at a
	// broker that currently holds leadership.
	ErrNotFollower = errors.New("broker is the leader, not a follower")

	// ErrNoLeader is returned when no broker currently holds the lease.
	ErrNoLeader = errors.New("no leader elected")

	// ErrReplicationFailed is returned when the follower is unreachable or
	// rejected a replicated append. The produce fails and is not retried
	// internally; the producer must resend.
	ErrReplicationFailed = errors.New("replication failed")

	// ErrUnknownTopicPartition is returned when consuming from a topic or
	// partition that was never created.
	ErrUnknownTopicPartition = errors.New("unknown topic or partition")

	// ErrOffsetMismatch is returned by the replica append path when the
	// leader-assigned offset does not match the next local offset.
	ErrOffsetMismatch = errors.New("replicated offset does not match local log")

	// ErrDuplicateMessage indicates an idempotency hit. It is not surfaced
	// as a failure: the produce reports success without re-appending.
	ErrDuplicateMessage = errors.New("duplicate message id")

	// ErrInvalidMessage is returned when a produce request is missing a
	// required field or uses a malformed topic name.
	ErrInvalidMessage = errors.New("invalid message")
)

// Coordination errors - drive the election state machine locally.
var (
	// ErrElectionFailed is returned when an acquire attempt lost the race.
	// Recoverable: the broker remains a follower.
	ErrElectionFailed = errors.New("leader election failed")

	// ErrStaleLease is returned when renewal found a different holder or a
	// changed revision. Fatal to current leadership: forces step-down.
	ErrStaleLease = errors.New("lease is held by another broker")

	// ErrConnectivity indicates a coordination store connectivity issue.
	// The affected broker degrades to follower instead of crashing.
	ErrConnectivity = errors.New("coordination store unreachable")
)

// Lifecycle errors - public API misuse.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnRequired is returned when no NATS connection and no injected
	// coordination store are available.
	ErrConnRequired = errors.New("NATS connection is required")

	// ErrAlreadyStarted is returned when Start is called on a running broker.
	ErrAlreadyStarted = errors.New("broker already started")

	// ErrNotStarted is returned when operations require a started broker.
	ErrNotStarted = errors.New("broker not started")
)
