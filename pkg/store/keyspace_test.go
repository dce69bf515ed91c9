package store_test

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

func newKeyspace(policy store.DegradedPolicy) (*store.Keyspace, *storetest.Flaky) {
	flaky := storetest.NewFlaky(store.NewLocal(clock.NewManual(time.UnixMilli(1_700_000_000_000))))
	ks := store.NewKeyspace(flaky, store.Options{Timeout: 50 * time.Millisecond, Policy: policy})
	return ks, flaky
}

func TestKeyspaceHappyPath(t *testing.T) {
	ks, _ := newKeyspace(store.AssumeSuccess)
	ctx := context.Background()

	ok, err := ks.TrySet(ctx, "k", "host-1:t", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ks.TrySet(ctx, "k", "host-2:t", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "contention is a false result, not an error")

	v, found, err := ks.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "host-1:t", v)
}

func TestKeyspaceAssumeSuccessWhenUnavailable(t *testing.T) {
	ks, flaky := newKeyspace(store.AssumeSuccess)
	ctx := context.Background()
	flaky.SetDown(true)

	ok, err := ks.TrySet(ctx, "k", "host-1:t", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ks.TryExtend(ctx, "k", "host-1:t", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ks.TryDelete(ctx, "k", "host-1:t")
	require.NoError(t, err)
	assert.True(t, ok)

	outcome, err := ks.TryElect(ctx, "l", types.LeaderValue{InstanceID: "i", ConnectionID: "c", RenewedAtMs: 1}, time.Minute, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, types.ElectAssumed, outcome)

	//reads never assume
	_, _, err = ks.Get(ctx, "k")
	assert.ErrorIs(t, err, types.ErrStoreUnavailable)
}

func TestKeyspaceReplaceVerdict(t *testing.T) {
	ks, flaky := newKeyspace(store.AssumeSuccess)
	ctx := context.Background()

	ok, err := ks.TrySet(ctx, "k", "v1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	v, err := ks.Replace(ctx, "k", "v1", "v2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, store.Applied, v)

	v, err = ks.Replace(ctx, "k", "v1", "v3", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, store.Rejected, v)

	flaky.SetDown(true)
	v, err = ks.Replace(ctx, "k", "v2", "v4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, store.Assumed, v)
	assert.True(t, v.OK())

	flaky.SetDown(false)
	got, _, err := ks.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", got, "an assumed write leaves the stored value alone")
}

func TestKeyspaceFailClosedWhenUnavailable(t *testing.T) {
	ks, flaky := newKeyspace(store.FailClosed)
	flaky.SetDown(true)

	ok, err := ks.TrySet(context.Background(), "k", "host-1:t", time.Minute)
	assert.ErrorIs(t, err, types.ErrStoreUnavailable)
	assert.False(t, ok)
}

func TestKeyspaceTimeoutFailsClosed(t *testing.T) {
	ks, flaky := newKeyspace(store.AssumeSuccess)
	flaky.SetHang(true)

	ok, err := ks.TrySet(context.Background(), "k", "host-1:t", time.Minute)
	assert.ErrorIs(t, err, types.ErrStoreTimeout)
	assert.False(t, ok, "a timeout is never treated as success")
}

func TestParseDegradedPolicy(t *testing.T) {
	p, err := store.ParseDegradedPolicy("fail-closed")
	require.NoError(t, err)
	assert.Equal(t, store.FailClosed, p)

	p, err = store.ParseDegradedPolicy("")
	require.NoError(t, err)
	assert.Equal(t, store.AssumeSuccess, p)

	_, err = store.ParseDegradedPolicy("yolo")
	assert.Error(t, err)
}
