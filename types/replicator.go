package types

import "context"

// Replicator forwards accepted writes from the leader to the follower.
//
// Replicate is synchronous: it returns nil only after the follower has
// durably appended the message at the leader-assigned offset carried in
// msg.Offset. The call uses a bounded timeout distinct from the lease
// timers; a timeout is a replication failure and is not retried.
type Replicator interface {
	Replicate(ctx context.Context, msg Message) error
}
