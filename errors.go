package streamq

import "github.com/arloliu/streamq/types"

// Re-exported sentinel errors so callers can match with errors.Is without
// importing the types package.
var (
	// ErrNotLeader indicates a client-facing operation reached a follower.
	ErrNotLeader = types.ErrNotLeader

	// ErrNotFollower indicates a replication request reached the leader.
	ErrNotFollower = types.ErrNotFollower

	// ErrNoLeader indicates no broker currently holds the lease.
	ErrNoLeader = types.ErrNoLeader

	// ErrReplicationFailed indicates the follower did not acknowledge an
	// append within the replication timeout.
	ErrReplicationFailed = types.ErrReplicationFailed

	// ErrUnknownTopicPartition indicates a consume against a topic or
	// partition index that does not exist.
	ErrUnknownTopicPartition = types.ErrUnknownTopicPartition

	// ErrOffsetMismatch indicates a replicated append whose offset does
	// not match the replica's next local offset.
	ErrOffsetMismatch = types.ErrOffsetMismatch

	// ErrInvalidMessage indicates a malformed produce request.
	ErrInvalidMessage = types.ErrInvalidMessage

	// ErrConnectivity indicates the coordination store is unreachable.
	ErrConnectivity = types.ErrConnectivity

	// ErrInvalidConfig indicates an invalid broker configuration.
	ErrInvalidConfig = types.ErrInvalidConfig

	// ErrConnRequired indicates no NATS connection and no custom store
	// were provided.
	ErrConnRequired = types.ErrConnRequired

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = types.ErrAlreadyStarted

	// ErrNotStarted indicates an operation on a broker that is not running.
	ErrNotStarted = types.ErrNotStarted
)
