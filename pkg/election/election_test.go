package election

import (
	"context"
	"testing"
	"time"

	"github.com/pixperk/sessionward/pkg/clock"
	"github.com/pixperk/sessionward/pkg/store"
	"github.com/pixperk/sessionward/pkg/store/storetest"
	"github.com/pixperk/sessionward/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const identity = "+15550001"

var epoch = time.UnixMilli(1_700_000_000_000)

func newElection(t *testing.T, s store.Store, c clock.Clock, instance string, cfg Config) *Election {
	t.Helper()
	cfg.InstanceID = instance
	if cfg.DeadThreshold == 0 {
		cfg.DeadThreshold = 30 * time.Second
	}
	if cfg.RenewInterval == 0 {
		cfg.RenewInterval = 10 * time.Second
	}
	e := New(store.NewKeyspace(s, store.Options{Timeout: time.Second}), cfg, c, nil)
	t.Cleanup(func() {
		_ = e.Close(context.Background())
	})
	return e
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{InstanceID: "i", DeadThreshold: time.Minute, RenewInterval: 10 * time.Second}.Validate())
	assert.Error(t, Config{DeadThreshold: time.Minute, RenewInterval: 10 * time.Second}.Validate())
	assert.Error(t, Config{InstanceID: "i", DeadThreshold: time.Minute, RenewInterval: time.Minute}.Validate())
}

func TestVacantSeat(t *testing.T) {
	c := clock.NewManual(epoch)
	shared := store.NewLocal(c)
	ctx := context.Background()

	a := newElection(t, shared, c, "inst-a", Config{})
	b := newElection(t, shared, c, "inst-b", Config{})

	leader, err := a.IsLeader(ctx, identity, "conn-1")
	require.NoError(t, err)
	assert.True(t, leader)
	assert.Equal(t, map[string]string{identity: "conn-1"}, a.Held())

	leader, err = b.IsLeader(ctx, identity, "conn-2")
	require.NoError(t, err)
	assert.False(t, leader)

	//a second connection on the leading instance is a follower too
	leader, err = a.IsLeader(ctx, identity, "conn-3")
	require.NoError(t, err)
	assert.False(t, leader)
}

func TestFreshRecordBlocksChallenger(t *testing.T) {
	c := clock.NewManual(epoch)
	shared := store.NewLocal(c)
	ctx := context.Background()

	a := newElection(t, shared, c, "inst-a", Config{DeadThreshold: 30 * time.Second})
	b := newElection(t, shared, c, "inst-b", Config{DeadThreshold: 30 * time.Second})

	ok, err := a.TryBecomeLeader(ctx, identity, "conn-1")
	require.NoError(t, err)
	require.True(t, ok)

	c.Advance(30*time.Second - time.Millisecond)
	ok, err = b.TryBecomeLeader(ctx, identity, "conn-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStaleLeaderTakeover(t *testing.T) {
	c := clock.NewManual(epoch)
	shared := store.NewLocal(c)
	ctx := context.Background()
	dead := 30 * time.Second

	a := newElection(t, shared, c, "inst-a", Config{DeadThreshold: dead})
	b := newElection(t, shared, c, "inst-b", Config{DeadThreshold: dead})

	ok, err := a.TryBecomeLeader(ctx, identity, "conn-1")
	require.NoError(t, err)
	require.True(t, ok)

	//inst-a stops renewing
	c.Advance(dead + time.Millisecond)
	leader, err := b.IsLeader(ctx, identity, "conn-2")
	require.NoError(t, err)
	assert.True(t, leader)

	//the old leader finds out on its next renewal
	ok, err = a.RenewLeadership(ctx, identity)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, a.Held())
	assert.False(t, a.IsLeaderCached(identity, "conn-1"), "loss is cached as a follower verdict")
}

func TestSameConnectionRejoinsImmediately(t *testing.T) {
	c := clock.NewManual(epoch)
	shared := store.NewLocal(c)
	ctx := context.Background()

	before := newElection(t, shared, c, "inst-a", Config{})
	ok, err := before.TryBecomeLeader(ctx, identity, "conn-1")
	require.NoError(t, err)
	require.True(t, ok)

	//the same connection slot comes back on a fresh instance one second later
	c.Advance(time.Second)
	after := newElection(t, shared, c, "inst-a2", Config{})
	ok, err = after.TryBecomeLeader(ctx, identity, "conn-1")
	require.NoError(t, err)
	assert.True(t, ok, "no dead window for the same connection id")

	//and a different live connection still cannot steal it
	other := newElection(t, shared, c, "inst-b", Config{})
	ok, err = other.TryBecomeLeader(ctx, identity, "conn-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsLeaderResumesOwnRecord(t *testing.T) {
	c := clock.NewManual(epoch)
	shared := store.NewLocal(c)
	ctx := context.Background()

	first := newElection(t, shared, c, "inst-a", Config{})
	ok, err := first.TryBecomeLeader(ctx, identity, "conn-1")
	require.NoError(t, err)
	require.True(t, ok)

	//same instance id, no local state
	reloaded := newElection(t, shared, c, "inst-a", Config{})
	leader, err := reloaded.IsLeader(ctx, identity, "conn-1")
	require.NoError(t, err)
	assert.True(t, leader)
	assert.Contains(t, reloaded.Held(), identity)
}

func TestReleaseLeadership(t *testing.T) {
	c := clock.NewManual(epoch)
	shared := store.NewLocal(c)
	ctx := context.Background()

	a := newElection(t, shared, c, "inst-a", Config{})
	b := newElection(t, shared, c, "inst-b", Config{})

	ok, err := a.TryBecomeLeader(ctx, identity, "conn-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.ReleaseLeadership(ctx, identity))
	assert.Empty(t, a.Held())

	ok, err = b.TryBecomeLeader(ctx, identity, "conn-2")
	require.NoError(t, err)
	assert.True(t, ok)

	//releasing something not held is a no-op
	require.NoError(t, a.ReleaseLeadership(ctx, identity))
	_, err = a.RenewLeadership(ctx, identity)
	assert.ErrorIs(t, err, types.ErrNotLeader)
}

func TestRenewalKeepsLeadership(t *testing.T) {
	shared := store.NewLocal(nil)
	ctx := context.Background()
	cfg := Config{DeadThreshold: 300 * time.Millisecond, RenewInterval: 50 * time.Millisecond}

	a := newElection(t, shared, nil, "inst-a", cfg)
	b := newElection(t, shared, nil, "inst-b", cfg)

	ok, err := a.TryBecomeLeader(ctx, identity, "conn-1")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(3 * cfg.DeadThreshold)

	ok, err = b.TryBecomeLeader(ctx, identity, "conn-2")
	require.NoError(t, err)
	assert.False(t, ok, "a renewed leader is never stale")

	leader, err := a.IsLeader(ctx, identity, "conn-1")
	require.NoError(t, err)
	assert.True(t, leader)
}

// TestRenewalSurvivesStoreOutage tests that a renewal accepted only by the
// degraded policy keeps matching the stored record once the store is back
func TestRenewalSurvivesStoreOutage(t *testing.T) {
	c := clock.NewManual(epoch)
	flaky := storetest.NewFlaky(store.NewLocal(c))
	ctx := context.Background()

	a := newElection(t, flaky, c, "inst-a", Config{})
	leader, err := a.IsLeader(ctx, identity, "conn-1")
	require.NoError(t, err)
	require.True(t, leader)

	c.Advance(5 * time.Second)
	flaky.SetDown(true)
	ok, err := a.RenewLeadership(ctx, identity)
	require.NoError(t, err)
	assert.True(t, ok)

	c.Advance(5 * time.Second)
	flaky.SetDown(false)
	ok, err = a.RenewLeadership(ctx, identity)
	require.NoError(t, err)
	assert.True(t, ok, "the outage renewal never reached the store")
	assert.Equal(t, map[string]string{identity: "conn-1"}, a.Held())

	raw, found, err := flaky.Get(ctx, types.LeaderKey(identity))
	require.NoError(t, err)
	require.True(t, found)
	current, err := types.ParseLeaderValue(raw)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(10*time.Second).UnixMilli(), current.RenewedAtMs)
}

func TestElectionRejectsSeparatorInConnectionID(t *testing.T) {
	e := newElection(t, store.NewLocal(nil), nil, "inst-a", Config{})

	_, err := e.TryBecomeLeader(context.Background(), identity, "conn:1")
	assert.ErrorIs(t, err, types.ErrInvalidConnectionID)
	assert.Empty(t, e.Held())
}

func TestIsLeaderCached(t *testing.T) {
	c := clock.NewManual(epoch)
	shared := store.NewLocal(c)
	ctx := context.Background()

	holder := newElection(t, shared, c, "inst-a", Config{})
	ok, err := holder.TryBecomeLeader(ctx, identity, "conn-1")
	require.NoError(t, err)
	require.True(t, ok)

	follower := newElection(t, shared, c, "inst-b", Config{CacheTTL: time.Minute})

	//miss: optimistic answer, corrected in the background
	assert.True(t, follower.IsLeaderCached(identity, "conn-2"))
	require.Eventually(t, func() bool {
		return !follower.IsLeaderCached(identity, "conn-2")
	}, 2*time.Second, 10*time.Millisecond)

	//the verdict expires with the cache window
	c.Advance(time.Minute)
	assert.True(t, follower.IsLeaderCached(identity, "conn-2"))
}

func TestIsLeaderCachedAssumeFollower(t *testing.T) {
	c := clock.NewManual(epoch)
	e := newElection(t, store.NewLocal(c), c, "inst-a", Config{MissPolicy: AssumeFollower})

	assert.False(t, e.IsLeaderCached(identity, "conn-1"))
	require.Eventually(t, func() bool {
		return e.IsLeaderCached(identity, "conn-1")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIsLeaderStoreUnavailable(t *testing.T) {
	flaky := storetest.NewFlaky(store.NewLocal(nil))
	flaky.SetDown(true)
	ctx := context.Background()

	optimistic := newElection(t, flaky, nil, "inst-a", Config{})
	leader, err := optimistic.IsLeader(ctx, identity, "conn-1")
	require.NoError(t, err)
	assert.True(t, leader)

	cautious := newElection(t, flaky, nil, "inst-b", Config{MissPolicy: AssumeFollower})
	leader, err = cautious.IsLeader(ctx, identity, "conn-1")
	require.NoError(t, err)
	assert.False(t, leader)
}

func TestLeaders(t *testing.T) {
	c := clock.NewManual(epoch)
	shared := store.NewLocal(c)
	ctx := context.Background()

	a := newElection(t, shared, c, "inst-a", Config{})
	b := newElection(t, shared, c, "inst-b", Config{})

	_, err := a.TryBecomeLeader(ctx, "+1111", "conn-1")
	require.NoError(t, err)
	c.Advance(5 * time.Second)
	_, err = b.TryBecomeLeader(ctx, "+2222", "conn-2")
	require.NoError(t, err)

	leaders, err := a.Leaders(ctx)
	require.NoError(t, err)
	require.Len(t, leaders, 2)

	assert.Equal(t, "+1111", leaders[0].Identity)
	assert.Equal(t, "conn-1", leaders[0].ConnectionID)
	assert.Equal(t, int64(5000), leaders[0].AgeMs)
	assert.True(t, leaders[0].Local)
	assert.False(t, leaders[0].Stale)

	assert.Equal(t, "+2222", leaders[1].Identity)
	assert.Equal(t, "inst-b", leaders[1].InstanceID)
	assert.False(t, leaders[1].Local)
}

func TestParseMissPolicy(t *testing.T) {
	p, err := ParseMissPolicy("assume-follower")
	require.NoError(t, err)
	assert.Equal(t, AssumeFollower, p)

	_, err = ParseMissPolicy("maybe")
	assert.Error(t, err)
}
