// Package config loads the sessionward configuration through viper: defaults,
// then an optional YAML file, then SESSIONWARD_* environment overrides.
package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pixperk/sessionward/pkg/election"
	"github.com/pixperk/sessionward/pkg/health"
	"github.com/pixperk/sessionward/pkg/logging"
	"github.com/pixperk/sessionward/pkg/ownership"
	"github.com/pixperk/sessionward/pkg/scanner"
	"github.com/pixperk/sessionward/pkg/store"
	"github.com/pixperk/sessionward/pkg/store/redisstore"
	"github.com/spf13/viper"
)

const EnvPrefix = "SESSIONWARD"

// store backends
const (
	BackendLocal  = "local"
	BackendRedis  = "redis"
	BackendCoordd = "coordd"
)

type Config struct {
	Instance    InstanceConfig    `mapstructure:"instance"`
	Store       StoreConfig       `mapstructure:"store"`
	Lock        LockConfig        `mapstructure:"lock"`
	Leader      LeaderConfig      `mapstructure:"leader"`
	Scanner     ScannerConfig     `mapstructure:"scanner"`
	Health      health.Config     `mapstructure:"health"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	Logging     logging.Config    `mapstructure:"logging"`
	Coordd      CoorddConfig      `mapstructure:"coordd"`
}

type InstanceConfig struct {
	// unique per process, generated when empty
	ID string `mapstructure:"id"`
	// shared by every process on one host, defaults to the hostname
	OwnerPrefix string `mapstructure:"owner_prefix"`
}

type StoreConfig struct {
	// local, redis or coordd
	Backend string `mapstructure:"backend"`
	Redis   redisstore.Config `mapstructure:"redis"`
	// coordd gRPC endpoints, tried in order
	Coordd []string `mapstructure:"coordd"`

	Timeout time.Duration `mapstructure:"timeout"`
	// assume-success or fail-closed
	DegradedPolicy string        `mapstructure:"degraded_policy"`
	WarnEvery      time.Duration `mapstructure:"warn_every"`
}

type LockConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	RenewInterval time.Duration `mapstructure:"renew_interval"`
}

type LeaderConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	DeadThreshold time.Duration `mapstructure:"dead_threshold"`
	RenewInterval time.Duration `mapstructure:"renew_interval"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	// assume-leader or assume-follower
	MissPolicy string `mapstructure:"miss_policy"`
}

type ScannerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type RegistryConfig struct {
	Path string `mapstructure:"path"`
}

type DiagnosticsConfig struct {
	// empty disables the endpoint
	Addr string `mapstructure:"addr"`
}

type CoorddConfig struct {
	NodeID   string `mapstructure:"node_id"`
	RaftAddr string `mapstructure:"raft_addr"`
	GRPCAddr string `mapstructure:"grpc_addr"`
	DataDir  string `mapstructure:"data_dir"`
	// bootstrap a new cluster with this node as its only voter
	Bootstrap bool `mapstructure:"bootstrap"`
	// voters the bootstrap node adds once it leads, as node-id@raft-addr
	Peers         []string      `mapstructure:"peers"`
	ApplyTimeout  time.Duration `mapstructure:"apply_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return &Config{
		Instance: InstanceConfig{
			OwnerPrefix: host,
		},
		Store: StoreConfig{
			Backend:        BackendLocal,
			Redis:          redisstore.Config{Addr: "127.0.0.1:6379"},
			Coordd:         []string{"127.0.0.1:9000"},
			Timeout:        2 * time.Second,
			DegradedPolicy: store.AssumeSuccess.String(),
			WarnEvery:      30 * time.Second,
		},
		Lock: LockConfig{
			TTL:           10 * time.Minute,
			RenewInterval: 60 * time.Second,
		},
		Leader: LeaderConfig{
			Enabled:       true,
			DeadThreshold: 30 * time.Second,
			RenewInterval: 10 * time.Second,
			CacheTTL:      5 * time.Second,
			MissPolicy:    election.AssumeLeader.String(),
		},
		Scanner: ScannerConfig{
			Interval: 10 * time.Second,
		},
		Health: health.Config{
			Interval:    30 * time.Second,
			Cooldown:    time.Minute,
			SettleDelay: 2 * time.Second,
		},
		Registry: RegistryConfig{
			Path: "sessionward.db",
		},
		Diagnostics: DiagnosticsConfig{
			Addr: ":8080",
		},
		Logging: logging.Config{
			Level: "info",
		},
		Coordd: CoorddConfig{
			RaftAddr:      "127.0.0.1:7000",
			GRPCAddr:      ":9000",
			DataDir:       "./data",
			ApplyTimeout:  5 * time.Second,
			SweepInterval: 10 * time.Second,
		},
	}
}

// SetDefaults registers every default with viper so env overrides work for
// keys absent from the config file.
func SetDefaults() {
	d := Default()

	viper.SetDefault("instance.id", d.Instance.ID)
	viper.SetDefault("instance.owner_prefix", d.Instance.OwnerPrefix)

	viper.SetDefault("store.backend", d.Store.Backend)
	viper.SetDefault("store.redis.addr", d.Store.Redis.Addr)
	viper.SetDefault("store.redis.password", d.Store.Redis.Password)
	viper.SetDefault("store.redis.db", d.Store.Redis.DB)
	viper.SetDefault("store.coordd", d.Store.Coordd)
	viper.SetDefault("store.timeout", d.Store.Timeout)
	viper.SetDefault("store.degraded_policy", d.Store.DegradedPolicy)
	viper.SetDefault("store.warn_every", d.Store.WarnEvery)

	viper.SetDefault("lock.ttl", d.Lock.TTL)
	viper.SetDefault("lock.renew_interval", d.Lock.RenewInterval)

	viper.SetDefault("leader.enabled", d.Leader.Enabled)
	viper.SetDefault("leader.dead_threshold", d.Leader.DeadThreshold)
	viper.SetDefault("leader.renew_interval", d.Leader.RenewInterval)
	viper.SetDefault("leader.cache_ttl", d.Leader.CacheTTL)
	viper.SetDefault("leader.miss_policy", d.Leader.MissPolicy)

	viper.SetDefault("scanner.interval", d.Scanner.Interval)

	viper.SetDefault("health.interval", d.Health.Interval)
	viper.SetDefault("health.cooldown", d.Health.Cooldown)
	viper.SetDefault("health.settle_delay", d.Health.SettleDelay)

	viper.SetDefault("registry.path", d.Registry.Path)
	viper.SetDefault("diagnostics.addr", d.Diagnostics.Addr)

	viper.SetDefault("logging.level", d.Logging.Level)
	viper.SetDefault("logging.json", d.Logging.JSON)

	viper.SetDefault("coordd.node_id", d.Coordd.NodeID)
	viper.SetDefault("coordd.raft_addr", d.Coordd.RaftAddr)
	viper.SetDefault("coordd.grpc_addr", d.Coordd.GRPCAddr)
	viper.SetDefault("coordd.data_dir", d.Coordd.DataDir)
	viper.SetDefault("coordd.bootstrap", d.Coordd.Bootstrap)
	viper.SetDefault("coordd.peers", d.Coordd.Peers)
	viper.SetDefault("coordd.apply_timeout", d.Coordd.ApplyTimeout)
	viper.SetDefault("coordd.sweep_interval", d.Coordd.SweepInterval)
}

// InitViper points viper at cfgFile, or at sessionward.yaml in the working
// directory, and enables SESSIONWARD_* overrides. A missing file is fine.
func InitViper(cfgFile string) error {
	SetDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("sessionward")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/sessionward")
	}

	viper.SetEnvPrefix(EnvPrefix)
	// SESSIONWARD_LOCK_TTL for lock.ttl
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return err
		}
	}
	return nil
}

// Load unmarshals the current viper state and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.Instance.ID == "" {
		cfg.Instance.ID = uuid.NewString()
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

func (c *Config) OwnershipConfig() ownership.Config {
	return ownership.Config{
		OwnerPrefix:   c.Instance.OwnerPrefix,
		TTL:           c.Lock.TTL,
		RenewInterval: c.Lock.RenewInterval,
	}
}

// ElectionConfig assumes the config has been validated.
func (c *Config) ElectionConfig() election.Config {
	miss, _ := election.ParseMissPolicy(c.Leader.MissPolicy)
	return election.Config{
		InstanceID:    c.Instance.ID,
		DeadThreshold: c.Leader.DeadThreshold,
		RenewInterval: c.Leader.RenewInterval,
		CacheTTL:      c.Leader.CacheTTL,
		MissPolicy:    miss,
	}
}

func (c *Config) ScannerConfig() scanner.Config {
	return scanner.Config{Interval: c.Scanner.Interval}
}

// KeyspaceOptions assumes the config has been validated.
func (c *Config) KeyspaceOptions() store.Options {
	policy, _ := store.ParseDegradedPolicy(c.Store.DegradedPolicy)
	return store.Options{
		Timeout:   c.Store.Timeout,
		Policy:    policy,
		WarnEvery: c.Store.WarnEvery,
	}
}
