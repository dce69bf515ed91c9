package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pixperk/sessionward/pkg/election"
	"github.com/pixperk/sessionward/pkg/store"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.Validate())
	assert.Empty(t, cfg.ValidateCoordd())
}

func TestLoadDefaults(t *testing.T) {
	resetViper(t)
	require.NoError(t, InitViper(""))

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Instance.ID, "instance id is generated")
	assert.Equal(t, BackendLocal, cfg.Store.Backend)
	assert.Equal(t, 10*time.Minute, cfg.Lock.TTL)
	assert.Equal(t, 30*time.Second, cfg.Leader.DeadThreshold)
	assert.Equal(t, time.Minute, cfg.Health.Cooldown)
}

func TestLoadFileAndEnv(t *testing.T) {
	resetViper(t)
	path := filepath.Join(t.TempDir(), "sessionward.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
instance:
  id: inst-a
  owner_prefix: host-a
store:
  backend: redis
  redis:
    addr: 10.0.0.5:6379
  degraded_policy: fail-closed
lock:
  ttl: 5m
  renew_interval: 30s
leader:
  miss_policy: assume-follower
`), 0o644))
	t.Setenv("SESSIONWARD_LOCK_TTL", "8m")

	require.NoError(t, InitViper(path))
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "inst-a", cfg.Instance.ID)
	assert.Equal(t, "10.0.0.5:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, 8*time.Minute, cfg.Lock.TTL, "env overrides the file")
	assert.Equal(t, 30*time.Second, cfg.Lock.RenewInterval)

	assert.Equal(t, store.FailClosed, cfg.KeyspaceOptions().Policy)
	assert.Equal(t, election.AssumeFollower, cfg.ElectionConfig().MissPolicy)
	assert.Equal(t, "host-a", cfg.OwnershipConfig().OwnerPrefix)
	assert.Equal(t, "inst-a", cfg.ElectionConfig().InstanceID)
}

func TestLoadRejectsInvalid(t *testing.T) {
	resetViper(t)
	path := filepath.Join(t.TempDir(), "sessionward.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
lock:
  ttl: 30s
  renew_interval: 30s
`), 0o644))

	require.NoError(t, InitViper(path))
	_, err := Load()
	require.Error(t, err)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	require.Len(t, verrs, 1)
	assert.Equal(t, "lock.renew_interval", verrs[0].Field)
}

func TestInitViperMissingExplicitFile(t *testing.T) {
	resetViper(t)
	assert.Error(t, InitViper(filepath.Join(t.TempDir(), "nope.yaml")))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty owner prefix", func(c *Config) { c.Instance.OwnerPrefix = " " }, "instance.owner_prefix"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }, "store.backend"},
		{"coordd without endpoints", func(c *Config) { c.Store.Backend = BackendCoordd; c.Store.Coordd = nil }, "store.coordd"},
		{"bad degraded policy", func(c *Config) { c.Store.DegradedPolicy = "maybe" }, "store.degraded_policy"},
		{"zero ttl", func(c *Config) { c.Lock.TTL = 0 }, "lock.ttl"},
		{"leader renew too slow", func(c *Config) { c.Leader.RenewInterval = time.Minute }, "leader.renew_interval"},
		{"bad miss policy", func(c *Config) { c.Leader.MissPolicy = "coin-flip" }, "leader.miss_policy"},
		{"zero scanner interval", func(c *Config) { c.Scanner.Interval = 0 }, "scanner.interval"},
		{"negative settle", func(c *Config) { c.Health.SettleDelay = -time.Second }, "health.settle_delay"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := cfg.Validate()
			require.Len(t, errs, 1)
			assert.Equal(t, tt.field, errs[0].Field)
		})
	}
}

func TestValidateCoordd(t *testing.T) {
	cfg := Default()
	cfg.Coordd.NodeID = "not-a-uuid"
	cfg.Coordd.Peers = []string{"8c1f7c1e-6a55-4a8e-9a4b-2d7f7d3f1a10@127.0.0.1:7001", "broken"}

	errs := cfg.ValidateCoordd()
	require.Len(t, errs, 2)
	assert.Equal(t, "coordd.node_id", errs[0].Field)
	assert.Equal(t, "coordd.peers", errs[1].Field)
}

func TestParsePeer(t *testing.T) {
	id, addr, err := ParsePeer("node-2@127.0.0.1:7001")
	require.NoError(t, err)
	assert.Equal(t, "node-2", id)
	assert.Equal(t, "127.0.0.1:7001", addr)

	_, _, err = ParsePeer("@127.0.0.1:7001")
	assert.Error(t, err)
}

func TestValidationErrorsMessage(t *testing.T) {
	errs := ValidationErrors{
		{Field: "a", Value: 1, Message: "bad"},
		{Field: "b", Value: 2, Message: "worse"},
	}
	assert.Contains(t, errs.Error(), "2 validation errors")
	assert.Equal(t, "a: bad (got: 1)", errs[0].Error())
}
