package types

import "context"

// Hooks defines callbacks for broker lifecycle events.
//
// All hooks are optional and called asynchronously in background goroutines
// so the election state machine never blocks on user code. The context
// passed to hooks is cancelled when the broker stops. Hook errors are
// logged but do not affect broker operation.
//
// Hook implementations should complete quickly, respect context
// cancellation and be idempotent.
type Hooks struct {
	// OnRoleChanged is called when the broker transitions between
	// follower and leader.
	OnRoleChanged func(ctx context.Context, from, to Role) error

	// OnError is called when a recoverable error occurs.
	OnError func(ctx context.Context, err error) error
}
