// Package lease runs the leader election state machine on top of a
// types.LeaseStore.
//
// State machine:
//
//	Follower --(acquire succeeds)--> Leader --(renew fails | lease lost)--> Follower
//
// A single monitor loop drives both sides at the renewal interval: the
// leader renews its lease (fenced by the store), a follower watches the
// lease and races to acquire it when vacant. Renewal failure of any kind,
// including store unreachability, steps down immediately: serving writes on
// a lease we cannot prove we hold risks split leadership.
package lease

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/streamq/types"
)

// Coordinator owns the broker's role and the background election loop.
//
// The role flag is the single leadership truth inside the process: every
// request handler reads it exactly once at the start of request processing
// through Role() or IsLeader().
type Coordinator struct {
	store    types.LeaseStore
	brokerID string
	interval time.Duration
	logger   types.Logger
	metrics  types.MetricsCollector
	hooks    *types.Hooks

	role     atomic.Int32 // types.Role
	leaderID atomic.Value // string, best-effort cache
	listener func(from, to types.Role)

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator for brokerID over store.
//
// interval is the renewal/watch cadence, typically half the lease TTL so a
// leader survives one missed renewal before the lease expires.
func New(store types.LeaseStore, brokerID string, interval time.Duration, logger types.Logger, collector types.MetricsCollector, hooks *types.Hooks) *Coordinator {
	c := &Coordinator{
		store:    store,
		brokerID: brokerID,
		interval: interval,
		logger:   logger,
		metrics:  collector,
		hooks:    hooks,
	}
	c.role.Store(int32(types.RoleFollower))
	c.leaderID.Store("")

	return c
}

// SetRoleListener registers a callback invoked synchronously on every role
// transition, before the async user hook fires. The coordinator uses it for
// owner bookkeeping that must complete before the new role serves requests.
// Must be called before Start.
func (c *Coordinator) SetRoleListener(fn func(from, to types.Role)) {
	c.listener = fn
}

// Start attempts an initial election and launches the monitor loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.ctx != nil {
		c.mu.Unlock()

		return types.ErrAlreadyStarted
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	// Hand the monitor goroutine its context by value: Stop clears the
	// fields under mu, so the goroutine must never re-read them.
	runCtx := c.ctx
	c.mu.Unlock()

	// Race for leadership once at startup so a lone broker serves
	// immediately instead of waiting a full watch interval.
	c.elect(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.monitor(runCtx)
	}()

	return nil
}

// Stop halts the monitor loop and releases the lease when held, allowing
// immediate failover instead of waiting for TTL expiry.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.ctx == nil {
		c.mu.Unlock()

		return types.ErrNotStarted
	}
	cancel := c.cancel
	c.ctx, c.cancel = nil, nil
	c.mu.Unlock()

	cancel()
	c.wg.Wait()

	if c.IsLeader() {
		if err := c.store.Release(ctx); err != nil {
			c.logger.Error("failed to release lease on shutdown", "broker_id", c.brokerID, "error", err)
		}
		c.setRole(ctx, types.RoleFollower)
	}

	return nil
}

// Role returns the current election role.
func (c *Coordinator) Role() types.Role {
	return types.Role(c.role.Load())
}

// IsLeader returns true if this broker currently holds the lease.
func (c *Coordinator) IsLeader() bool {
	return c.Role() == types.RoleLeader
}

// LeaderID returns the last observed lease holder, or "" when unknown.
// May be stale by up to one watch interval.
func (c *Coordinator) LeaderID() string {
	id, _ := c.leaderID.Load().(string)

	return id
}

// monitor drives the election state machine at the renewal interval.
func (c *Coordinator) monitor(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.IsLeader() {
				c.renew(ctx)
			} else {
				c.elect(ctx)
			}
		}
	}
}

// renew extends the lease; any failure steps down before the next request
// is admitted.
func (c *Coordinator) renew(ctx context.Context) {
	if err := c.store.Renew(ctx); err != nil {
		c.logger.Warn("lost leadership", "broker_id", c.brokerID, "error", err)
		c.setRole(ctx, types.RoleFollower)
		c.fireError(ctx, err)
		c.observeLeader(ctx)
	}
}

// elect checks the lease and races to acquire it when vacant.
func (c *Coordinator) elect(ctx context.Context) {
	acquired, err := c.store.TryAcquire(ctx, c.brokerID)
	if err != nil {
		err = fmt.Errorf("%w: %w", types.ErrElectionFailed, err)
		c.logger.Error("election attempt failed", "broker_id", c.brokerID, "error", err)
		c.fireError(ctx, err)

		return
	}

	if acquired {
		if !c.IsLeader() {
			c.logger.Info("elected as leader", "broker_id", c.brokerID)
			c.metrics.RecordElectionWon()
			c.setRole(ctx, types.RoleLeader)
		}
		c.leaderID.Store(c.brokerID)

		return
	}

	c.observeLeader(ctx)
}

// observeLeader refreshes the best-effort leader cache from the store.
func (c *Coordinator) observeLeader(ctx context.Context) {
	holder, err := c.store.LeaderID(ctx)
	if err != nil {
		c.logger.Debug("failed to read lease holder", "error", err)

		return
	}

	prev, _ := c.leaderID.Load().(string)
	c.leaderID.Store(holder)
	if holder != "" && holder != prev {
		c.metrics.RecordLeadershipChange(holder)
	}
}

// setRole flips the role flag, runs the internal listener synchronously and
// fires the user role hook asynchronously.
func (c *Coordinator) setRole(ctx context.Context, to types.Role) {
	from := types.Role(c.role.Swap(int32(to)))
	if from == to {
		return
	}

	if c.listener != nil {
		c.listener(from, to)
	}

	if c.hooks != nil && c.hooks.OnRoleChanged != nil {
		hook := c.hooks.OnRoleChanged
		go func() {
			if err := hook(ctx, from, to); err != nil {
				c.logger.Error("role change hook failed", "from", from.String(), "to", to.String(), "error", err)
			}
		}()
	}
}

// fireError invokes the error hook asynchronously.
func (c *Coordinator) fireError(ctx context.Context, err error) {
	if c.hooks == nil || c.hooks.OnError == nil {
		return
	}

	hook := c.hooks.OnError
	go func() {
		if hookErr := hook(ctx, err); hookErr != nil {
			c.logger.Error("error hook failed", "error", hookErr)
		}
	}()
}
