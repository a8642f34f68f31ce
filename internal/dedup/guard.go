// Package dedup implements the idempotency guard on the coordination
// store's lock surface.
package dedup

import (
	"context"
	"fmt"

	"github.com/arloliu/streamq/types"
)

// Guard deduplicates produce requests by message id.
//
// The guarantee is bounded by the lock TTL configured on the lock bucket:
// a duplicate arriving after the lock expired is treated as a new message.
// This is a documented window, not exactly-once.
type Guard struct {
	locks types.LockStore
}

// New creates a guard over the given lock store.
func New(locks types.LockStore) *Guard {
	return &Guard{locks: locks}
}

// Accept claims the message id for one produce attempt.
//
// Returns nil when the id is new and the caller should proceed to append
// and replicate, or an error wrapping types.ErrDuplicateMessage when the id
// was already accepted within the dedup window.
func (g *Guard) Accept(ctx context.Context, id string) error {
	fresh, err := g.locks.TryLock(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to acquire idempotency lock: %w", err)
	}
	if !fresh {
		return fmt.Errorf("%w: %s", types.ErrDuplicateMessage, id)
	}

	return nil
}

// Release gives the id back after a failed produce attempt, so the
// producer's mandated resend is treated as a new message rather than a
// duplicate of one that was never committed.
func (g *Guard) Release(ctx context.Context, id string) error {
	if err := g.locks.Unlock(ctx, id); err != nil {
		return fmt.Errorf("failed to release idempotency lock: %w", err)
	}

	return nil
}
