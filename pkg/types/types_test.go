package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLockValue(t *testing.T) {
	v, err := ParseLockValue("host-a:1234:tok")
	require.NoError(t, err)
	assert.Equal(t, "host-a:1234", v.OwnerPrefix)
	assert.Equal(t, "tok", v.FencingToken)
	assert.Equal(t, "host-a:1234:tok", v.String())

	for _, raw := range []string{"", "notoken", ":tok", "host:"} {
		_, err := ParseLockValue(raw)
		assert.ErrorIs(t, err, ErrMalformedValue, raw)
	}

	assert.Equal(t, "", OwnerPrefixOf("garbage"))
}

func TestParseLeaderValue(t *testing.T) {
	in := LeaderValue{InstanceID: "node:1", ConnectionID: "conn-7", RenewedAtMs: 1700000000000}
	out, err := ParseLeaderValue(in.String())
	require.NoError(t, err)
	assert.Equal(t, in, out)

	for _, raw := range []string{"", "a:b", "a:b:notanumber", ":b:1", "a::1"} {
		_, err := ParseLeaderValue(raw)
		assert.ErrorIs(t, err, ErrMalformedValue, raw)
	}
}

func TestValidateConnectionID(t *testing.T) {
	assert.NoError(t, ValidateConnectionID("conn-7"))
	assert.ErrorIs(t, ValidateConnectionID(""), ErrInvalidConnectionID)
	assert.ErrorIs(t, ValidateConnectionID("wa:5511"), ErrInvalidConnectionID)
}

func TestLeaderValueStaleness(t *testing.T) {
	v := LeaderValue{InstanceID: "i", ConnectionID: "c", RenewedAtMs: 10_000}

	assert.False(t, v.IsStale(10_000+30_000, 30*time.Second), "exactly at threshold is not stale")
	assert.True(t, v.IsStale(10_000+30_001, 30*time.Second))
	assert.True(t, v.HeldBy("i", "c"))
	assert.False(t, v.HeldBy("i", "other"))
}

func TestCommandEncoding(t *testing.T) {
	cmds := []Command{
		SetCmd{Key: "k", Value: "p:t", TTL: 3 * time.Second, NowMs: 42},
		ExtendCmd{Key: "k", Expected: "p:t", TTL: time.Second, NowMs: 43},
		ReplaceCmd{Key: "k", Expected: "a", Next: "b", TTL: time.Second, NowMs: 44},
		DeleteCmd{Key: "k", Expected: "p:t", NowMs: 45},
		ElectCmd{Key: "l", Value: "i:c:46", ConnectionID: "c", DeadThreshold: time.Minute, TTL: time.Minute, NowMs: 46},
		SweepCmd{NowMs: 47},
	}

	for _, cmd := range cmds {
		data, err := EncodeCommand(cmd)
		require.NoError(t, err)

		decoded, err := DecodeCommand(data)
		require.NoError(t, err)
		assert.Equal(t, cmd, decoded, cmd.Type().String())
	}
}
