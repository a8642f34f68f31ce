package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/streamq/internal/logging"
	"github.com/arloliu/streamq/internal/metrics"
	"github.com/arloliu/streamq/types"
)

// fakeLeaseStore is an in-memory types.LeaseStore whose failure modes are
// switchable mid-test.
type fakeLeaseStore struct {
	mu       sync.Mutex
	holder   string
	renewErr error
}

func (f *fakeLeaseStore) TryAcquire(_ context.Context, holder string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.renewErr != nil {
		// Store outage: acquisition fails too.
		return false, f.renewErr
	}
	if f.holder != "" && f.holder != holder {
		return false, nil
	}
	f.holder = holder

	return true, nil
}

func (f *fakeLeaseStore) Renew(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.renewErr != nil {
		f.holder = ""

		return f.renewErr
	}

	return nil
}

func (f *fakeLeaseStore) Release(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holder = ""

	return nil
}

func (f *fakeLeaseStore) LeaderID(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.holder, nil
}

func (f *fakeLeaseStore) setHolder(holder string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holder = holder
}

func (f *fakeLeaseStore) setRenewErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewErr = err
}

func newTestCoordinator(store types.LeaseStore, brokerID string, hooks *types.Hooks) *Coordinator {
	return New(store, brokerID, 10*time.Millisecond, logging.NewNop(), metrics.NewNop(), hooks)
}

func TestLoneBrokerBecomesLeader(t *testing.T) {
	store := &fakeLeaseStore{}
	c := newTestCoordinator(store, "broker-1", nil)

	require.NoError(t, c.Start(t.Context()))
	defer c.Stop(context.Background())

	// The startup election runs synchronously inside Start.
	assert.True(t, c.IsLeader())
	assert.Equal(t, types.RoleLeader, c.Role())
	assert.Equal(t, "broker-1", c.LeaderID())
}

func TestSecondBrokerStaysFollower(t *testing.T) {
	store := &fakeLeaseStore{}
	store.setHolder("broker-1")

	c := newTestCoordinator(store, "broker-2", nil)
	require.NoError(t, c.Start(t.Context()))
	defer c.Stop(context.Background())

	assert.False(t, c.IsLeader())
	assert.Equal(t, "broker-1", c.LeaderID())
}

func TestRenewFailureStepsDown(t *testing.T) {
	store := &fakeLeaseStore{}
	c := newTestCoordinator(store, "broker-1", nil)

	require.NoError(t, c.Start(t.Context()))
	defer c.Stop(context.Background())
	require.True(t, c.IsLeader())

	store.setRenewErr(types.ErrStaleLease)

	require.Eventually(t, func() bool {
		return !c.IsLeader()
	}, time.Second, 5*time.Millisecond, "leader must step down when renewal fails")
}

func TestFollowerTakesOverVacantLease(t *testing.T) {
	store := &fakeLeaseStore{}
	store.setHolder("broker-1")

	c := newTestCoordinator(store, "broker-2", nil)
	require.NoError(t, c.Start(t.Context()))
	defer c.Stop(context.Background())
	require.False(t, c.IsLeader())

	// Leader disappears; the watcher acquires on its next tick.
	store.setHolder("")

	require.Eventually(t, func() bool {
		return c.IsLeader()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "broker-2", c.LeaderID())
}

func TestStopReleasesLease(t *testing.T) {
	store := &fakeLeaseStore{}
	c := newTestCoordinator(store, "broker-1", nil)

	require.NoError(t, c.Start(t.Context()))
	require.True(t, c.IsLeader())

	require.NoError(t, c.Stop(context.Background()))

	holder, err := store.LeaderID(context.Background())
	require.NoError(t, err)
	assert.Empty(t, holder, "stopping the leader must release the lease")
	assert.False(t, c.IsLeader())
}

func TestRoleChangeHookFires(t *testing.T) {
	transitions := make(chan types.Role, 4)
	hooks := &types.Hooks{
		OnRoleChanged: func(_ context.Context, _, to types.Role) error {
			transitions <- to

			return nil
		},
	}

	store := &fakeLeaseStore{}
	c := newTestCoordinator(store, "broker-1", hooks)

	require.NoError(t, c.Start(t.Context()))
	defer c.Stop(context.Background())

	select {
	case role := <-transitions:
		assert.Equal(t, types.RoleLeader, role)
	case <-time.After(time.Second):
		t.Fatal("role change hook was not invoked")
	}

	store.setRenewErr(types.ErrStaleLease)

	select {
	case role := <-transitions:
		assert.Equal(t, types.RoleFollower, role)
	case <-time.After(time.Second):
		t.Fatal("step-down hook was not invoked")
	}
}

func TestRapidStartStopCycles(t *testing.T) {
	// Stop may win the scheduling race against a freshly launched monitor
	// goroutine; neither side may touch torn-down lifecycle state.
	store := &fakeLeaseStore{}
	for range 50 {
		c := newTestCoordinator(store, "broker-1", nil)
		require.NoError(t, c.Start(t.Context()))
		require.NoError(t, c.Stop(context.Background()))
	}
}

func TestRoleListenerRunsSynchronously(t *testing.T) {
	store := &fakeLeaseStore{}
	c := newTestCoordinator(store, "broker-1", nil)

	var transitions []types.Role
	c.SetRoleListener(func(_, to types.Role) {
		transitions = append(transitions, to)
	})

	// The startup election runs inside Start, so the listener has fired
	// before Start returns; no waiting, no goroutine.
	require.NoError(t, c.Start(t.Context()))
	require.Equal(t, []types.Role{types.RoleLeader}, transitions)

	require.NoError(t, c.Stop(context.Background()))
	require.Equal(t, []types.Role{types.RoleLeader, types.RoleFollower}, transitions)
}

func TestElectionFailureSurfacesToErrorHook(t *testing.T) {
	errs := make(chan error, 4)
	hooks := &types.Hooks{
		OnError: func(_ context.Context, err error) error {
			errs <- err

			return nil
		},
	}

	store := &fakeLeaseStore{}
	store.setRenewErr(types.ErrConnectivity)

	c := newTestCoordinator(store, "broker-1", hooks)
	require.NoError(t, c.Start(t.Context()))
	defer c.Stop(context.Background())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, types.ErrElectionFailed)
		assert.ErrorIs(t, err, types.ErrConnectivity)
	case <-time.After(time.Second):
		t.Fatal("error hook was not invoked")
	}
	assert.False(t, c.IsLeader(), "a failed election leaves the broker a follower")
}

func TestStartTwiceFails(t *testing.T) {
	c := newTestCoordinator(&fakeLeaseStore{}, "broker-1", nil)

	require.NoError(t, c.Start(t.Context()))
	defer c.Stop(context.Background())

	require.ErrorIs(t, c.Start(t.Context()), types.ErrAlreadyStarted)
}
