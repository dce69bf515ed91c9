package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pixperk/sessionward/pkg/election"
	"github.com/pixperk/sessionward/pkg/store"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // the config key, e.g. "lock.renew_interval"
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

func ValidLogLevels() []string {
	return []string{"trace", "debug", "info", "warn", "error"}
}

func ValidBackends() []string {
	return []string{BackendLocal, BackendRedis, BackendCoordd}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}
	positive := func(field string, d time.Duration) bool {
		if d <= 0 {
			add(field, d, "must be positive")
			return false
		}
		return true
	}

	if strings.TrimSpace(c.Instance.OwnerPrefix) == "" {
		add("instance.owner_prefix", c.Instance.OwnerPrefix, "must not be empty")
	}

	if !slices.Contains(ValidBackends(), c.Store.Backend) {
		add("store.backend", c.Store.Backend, fmt.Sprintf("must be one of %v", ValidBackends()))
	}
	if c.Store.Backend == BackendRedis && c.Store.Redis.Addr == "" {
		add("store.redis.addr", c.Store.Redis.Addr, "required for the redis backend")
	}
	if c.Store.Backend == BackendCoordd && len(c.Store.Coordd) == 0 {
		add("store.coordd", c.Store.Coordd, "at least one endpoint required for the coordd backend")
	}
	positive("store.timeout", c.Store.Timeout)
	if _, err := store.ParseDegradedPolicy(c.Store.DegradedPolicy); err != nil {
		add("store.degraded_policy", c.Store.DegradedPolicy, "must be assume-success or fail-closed")
	}

	ttlOK := positive("lock.ttl", c.Lock.TTL)
	if positive("lock.renew_interval", c.Lock.RenewInterval) && ttlOK && c.Lock.RenewInterval >= c.Lock.TTL {
		add("lock.renew_interval", c.Lock.RenewInterval, "must be below lock.ttl")
	}

	deadOK := positive("leader.dead_threshold", c.Leader.DeadThreshold)
	if positive("leader.renew_interval", c.Leader.RenewInterval) && deadOK && c.Leader.RenewInterval >= c.Leader.DeadThreshold {
		add("leader.renew_interval", c.Leader.RenewInterval, "must be below leader.dead_threshold")
	}
	if c.Leader.CacheTTL < 0 {
		add("leader.cache_ttl", c.Leader.CacheTTL, "must not be negative")
	}
	if _, err := election.ParseMissPolicy(c.Leader.MissPolicy); err != nil {
		add("leader.miss_policy", c.Leader.MissPolicy, "must be assume-leader or assume-follower")
	}

	positive("scanner.interval", c.Scanner.Interval)
	positive("health.interval", c.Health.Interval)
	positive("health.cooldown", c.Health.Cooldown)
	if c.Health.SettleDelay < 0 {
		add("health.settle_delay", c.Health.SettleDelay, "must not be negative")
	}

	if c.Registry.Path == "" {
		add("registry.path", c.Registry.Path, "must not be empty")
	}

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		add("logging.level", c.Logging.Level, fmt.Sprintf("must be one of %v", ValidLogLevels()))
	}

	return errs
}

// ValidateCoordd checks the settings only the coordd command reads.
func (c *Config) ValidateCoordd() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.Coordd.NodeID != "" {
		if _, err := uuid.Parse(c.Coordd.NodeID); err != nil {
			add("coordd.node_id", c.Coordd.NodeID, "must be a uuid")
		}
	}
	if c.Coordd.RaftAddr == "" {
		add("coordd.raft_addr", c.Coordd.RaftAddr, "must not be empty")
	}
	if c.Coordd.GRPCAddr == "" {
		add("coordd.grpc_addr", c.Coordd.GRPCAddr, "must not be empty")
	}
	if c.Coordd.DataDir == "" {
		add("coordd.data_dir", c.Coordd.DataDir, "must not be empty")
	}
	for _, p := range c.Coordd.Peers {
		if _, _, err := ParsePeer(p); err != nil {
			add("coordd.peers", p, err.Error())
		}
	}
	return errs
}

// ParsePeer splits node-id@raft-addr.
func ParsePeer(s string) (nodeID, addr string, err error) {
	nodeID, addr, ok := strings.Cut(s, "@")
	if !ok || nodeID == "" || addr == "" {
		return "", "", fmt.Errorf("peer %q must be node-id@raft-addr", s)
	}
	return nodeID, addr, nil
}
