package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pixperk/sessionward/pkg/clock"
	"github.com/pixperk/sessionward/pkg/ownership"
	"github.com/pixperk/sessionward/pkg/session"
	"github.com/pixperk/sessionward/pkg/store"
	"github.com/pixperk/sessionward/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.UnixMilli(1_700_000_000_000)

type instance struct {
	monitor *Monitor
	ctrl    *session.Controller
	lock    *ownership.Lock
	lb      *session.Loopback
}

func newInstance(t *testing.T, s store.Store, c clock.Clock, prefix string, ttl time.Duration) *instance {
	t.Helper()
	lock := ownership.New(store.NewKeyspace(s, store.Options{Timeout: time.Second}), ownership.NewRegistry(), ownership.Config{
		OwnerPrefix:   prefix,
		TTL:           ttl,
		RenewInterval: ttl / 3,
	}, c, nil)
	lb := session.NewLoopback()
	ctrl := session.NewController(lock, lb, session.Options{})
	t.Cleanup(func() { _ = ctrl.Close(context.Background()) })

	cfg := Config{Interval: 20 * time.Millisecond, Cooldown: time.Minute, SettleDelay: time.Second}
	return &instance{
		monitor: New(lock, ctrl, cfg, c, nil),
		ctrl:    ctrl,
		lock:    lock,
		lb:      lb,
	}
}

func outcomes(reports []Report) []Outcome {
	out := make([]Outcome, 0, len(reports))
	for _, r := range reports {
		out = append(out, r.Outcome)
	}
	return out
}

func TestHealthyConnectionLeftAlone(t *testing.T) {
	c := clock.NewManual(epoch)
	a := newInstance(t, store.NewLocal(c), c, "host-a", 10*time.Minute)
	ctx := context.Background()

	require.NoError(t, a.ctrl.StartConnection(ctx, "conn-1"))
	assert.Equal(t, []Outcome{Healthy}, outcomes(a.monitor.Check(ctx)))
	assert.Equal(t, 1, a.lb.Dials("conn-1"))
}

// TestReconnectRespectsCooldown tests that a connection that never recovers
// gets one attempt per cooldown window however often it is checked
func TestReconnectRespectsCooldown(t *testing.T) {
	c := clock.NewManual(epoch)
	a := newInstance(t, store.NewLocal(c), c, "host-a", 10*time.Minute)
	ctx := context.Background()

	require.NoError(t, a.ctrl.StartConnection(ctx, "conn-1"))
	a.lb.SetHealthy("conn-1", false)

	assert.Equal(t, []Outcome{Reconnected}, outcomes(a.monitor.Check(ctx)))
	assert.Equal(t, 2, a.lb.Dials("conn-1"))
	assert.Equal(t, 0, a.lb.Logouts("conn-1"), "reconnect keeps the credentials")

	for i := 0; i < 10; i++ {
		c.Advance(5 * time.Second)
		assert.Equal(t, []Outcome{Cooldown}, outcomes(a.monitor.Check(ctx)))
	}
	assert.Equal(t, 2, a.lb.Dials("conn-1"))

	c.Advance(time.Minute)
	assert.Equal(t, []Outcome{Reconnected}, outcomes(a.monitor.Check(ctx)))
	assert.Equal(t, 3, a.lb.Dials("conn-1"))
}

func TestNoReconnectWhenOwnedElsewhere(t *testing.T) {
	c := clock.NewManual(epoch)
	shared := store.NewLocal(c)
	ctx := context.Background()
	ttl := 30 * time.Second

	a := newInstance(t, shared, c, "host-a", ttl)
	b := newInstance(t, shared, c, "host-b", ttl)

	require.NoError(t, a.ctrl.StartConnection(ctx, "conn-1"))
	a.lb.SetHealthy("conn-1", false)

	//host-a's lock lapses and host-b picks the connection up
	c.Advance(ttl)
	require.NoError(t, b.ctrl.StartConnection(ctx, "conn-1"))

	assert.Equal(t, []Outcome{RemoteOwner}, outcomes(a.monitor.Check(ctx)))
	assert.Equal(t, 1, a.lb.Dials("conn-1"))
	assert.False(t, a.lock.Registry().Reconnecting("conn-1"))

	owner, found, err := a.lock.CurrentOwner(ctx, "conn-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "host-b", owner)
}

func TestReconnectAlreadyInProgress(t *testing.T) {
	c := clock.NewManual(epoch)
	a := newInstance(t, store.NewLocal(c), c, "host-a", 10*time.Minute)
	ctx := context.Background()

	require.NoError(t, a.ctrl.StartConnection(ctx, "conn-1"))
	a.lb.SetHealthy("conn-1", false)

	ok, _ := a.lock.Registry().BeginReconnect("conn-1", c.Now(), time.Minute)
	require.True(t, ok)

	assert.Equal(t, []Outcome{InProgress}, outcomes(a.monitor.Check(ctx)))
	assert.Equal(t, 1, a.lb.Dials("conn-1"))
}

func TestReconnectFailureIsRecorded(t *testing.T) {
	c := clock.NewManual(epoch)
	a := newInstance(t, store.NewLocal(c), c, "host-a", 10*time.Minute)
	ctx := context.Background()

	require.NoError(t, a.ctrl.StartConnection(ctx, "conn-1"))
	a.lb.SetHealthy("conn-1", false)
	a.lb.FailDial("conn-1", errors.New("refused"))

	reports := a.monitor.Check(ctx)
	require.Len(t, reports, 1)
	assert.Equal(t, Failed, reports[0].Outcome)
	assert.Error(t, reports[0].Err)

	rec, found := a.lock.Registry().Recovery("conn-1")
	require.True(t, found)
	assert.Equal(t, 1, rec.Failures)
	assert.False(t, rec.InProgress, "the flag clears whatever the outcome")

	_, found, err := a.lock.CurrentOwner(ctx, "conn-1")
	require.NoError(t, err)
	assert.False(t, found, "a failed reconnect leaves the connection for the orphan scanner")
}

// calls during at the start of every settle delay
type settleHook struct {
	*clock.Manual
	during func()
}

func (h *settleHook) Sleep(ctx context.Context, d time.Duration) error {
	if h.during != nil {
		h.during()
	}
	return h.Manual.Sleep(ctx, d)
}

// TestSettleDelayKeepsOwnership tests that another instance cannot take the
// connection over while it waits out the settle delay
func TestSettleDelayKeepsOwnership(t *testing.T) {
	c := clock.NewManual(epoch)
	shared := store.NewLocal(c)
	hook := &settleHook{Manual: c}
	ctx := context.Background()
	ttl := 30 * time.Second

	a := newInstance(t, shared, hook, "host-a", ttl)
	b := newInstance(t, shared, c, "host-b", ttl)

	require.NoError(t, a.ctrl.StartConnection(ctx, "conn-1"))
	a.lb.SetHealthy("conn-1", false)

	var (
		owner    string
		startErr error
	)
	hook.during = func() {
		owner, _, _ = b.lock.CurrentOwner(ctx, "conn-1")
		startErr = b.ctrl.StartConnection(ctx, "conn-1")
	}

	assert.Equal(t, []Outcome{Reconnected}, outcomes(a.monitor.Check(ctx)))
	assert.Equal(t, "host-a", owner)
	assert.ErrorIs(t, startErr, types.ErrNotAcquired)
	assert.Equal(t, 0, b.lb.Dials("conn-1"))
	assert.Equal(t, 2, a.lb.Dials("conn-1"))
	assert.Equal(t, []string{"conn-1"}, a.ctrl.Local())

	owned, err := a.lock.Check(ctx, "conn-1")
	require.NoError(t, err)
	assert.True(t, owned)
}

func TestRun(t *testing.T) {
	a := newInstance(t, store.NewLocal(nil), nil, "host-a", time.Minute)
	a.monitor.cfg.SettleDelay = 0

	require.NoError(t, a.ctrl.StartConnection(context.Background(), "conn-1"))
	a.lb.SetHealthy("conn-1", false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.monitor.Run(ctx) }()

	require.Eventually(t, func() bool {
		return a.lb.Dials("conn-1") == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 2, a.lb.Dials("conn-1"), "cooldown held further attempts back")
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{Interval: time.Second, Cooldown: time.Minute}.Validate())
	assert.Error(t, Config{Interval: time.Second}.Validate())
	assert.Error(t, Config{Interval: time.Second, Cooldown: time.Minute, SettleDelay: -time.Second}.Validate())
}
