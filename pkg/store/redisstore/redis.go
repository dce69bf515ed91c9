// Package redisstore implements the coordination store on Redis. Every
// mutation is one Lua script, so a compare and its write can never interleave
// with another client's.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/pixperk/sessionward/pkg/clock"
	"github.com/pixperk/sessionward/pkg/store"
	"github.com/pixperk/sessionward/pkg/types"
	"github.com/redis/go-redis/v9"
)

// KEYS[1] key, ARGV[1] value, ARGV[2] ttl ms, ARGV[3] owner prefix of value
var setScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current then
  local held = string.match(current, '^(.+):[^:]+$')
  if not held or held ~= ARGV[3] then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// KEYS[1] key, ARGV[1] expected, ARGV[2] ttl ms
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// KEYS[1] key, ARGV[1] expected, ARGV[2] next, ARGV[3] ttl ms
var replaceScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
  return 1
end
return 0
`)

// KEYS[1] key, ARGV[1] expected
var deleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// KEYS[1] key, ARGV[1] value, ARGV[2] connection id, ARGV[3] now ms,
// ARGV[4] dead threshold ms, ARGV[5] ttl ms
// returns 0 rejected, 1 vacant, 2 rejoined, 3 takeover
var electScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
local outcome = 1
if current then
  local conn, ts = string.match(current, '^.+:([^:]+):(%d+)$')
  if not conn then
    outcome = 3
  elseif conn == ARGV[2] then
    outcome = 2
  elseif tonumber(ARGV[3]) - tonumber(ts) > tonumber(ARGV[4]) then
    outcome = 3
  else
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[5])
return outcome
`)

type Store struct {
	rdb   redis.UniversalClient
	clock clock.Clock
}

var _ store.Store = (*Store)(nil)

func New(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb, clock: clock.System{}}
}

type Config struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// connects and pings, a store that cannot be reached at startup is an error
func Dial(ctx context.Context, cfg Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.Addr, wrapErr(err))
	}
	return New(rdb), nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) run(ctx context.Context, script *redis.Script, key string, args ...any) (int64, error) {
	n, err := script.Run(ctx, s.rdb, []string{key}, args...).Int64()
	if err != nil {
		return 0, wrapErr(err)
	}
	return n, nil
}

func (s *Store) TrySet(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, types.ErrInvalidTTL
	}
	n, err := s.run(ctx, setScript, key, value, ttl.Milliseconds(), types.OwnerPrefixOf(value))
	return n == 1, err
}

func (s *Store) TryExtend(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, types.ErrInvalidTTL
	}
	n, err := s.run(ctx, extendScript, key, expected, ttl.Milliseconds())
	return n == 1, err
}

func (s *Store) TryReplace(ctx context.Context, key, expected, next string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, types.ErrInvalidTTL
	}
	n, err := s.run(ctx, replaceScript, key, expected, next, ttl.Milliseconds())
	return n == 1, err
}

func (s *Store) TryDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := s.run(ctx, deleteScript, key, expected)
	return n == 1, err
}

func (s *Store) TryElect(ctx context.Context, key string, candidate types.LeaderValue, deadThreshold, ttl time.Duration) (types.ElectOutcome, error) {
	if ttl <= 0 {
		return types.ElectRejected, types.ErrInvalidTTL
	}
	n, err := s.run(ctx, electScript, key,
		candidate.String(),
		candidate.ConnectionID,
		candidate.RenewedAtMs,
		deadThreshold.Milliseconds(),
		ttl.Milliseconds(),
	)
	if err != nil {
		return types.ElectRejected, err
	}
	return types.ElectOutcome(n), nil
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr(err)
	}
	return v, true, nil
}

// SCAN walks a single node; cluster deployments list each shard's keys separately
func (s *Store) Scan(ctx context.Context, prefix string) ([]types.Entry, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, escapeGlob(prefix)+"*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, wrapErr(err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	gets := make([]*redis.StringCmd, len(keys))
	ttls := make([]*redis.DurationCmd, len(keys))
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			gets[i] = p.Get(ctx, k)
			ttls[i] = p.PTTL(ctx, k)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, wrapErr(err)
	}

	now := clock.UnixMs(s.clock)
	entries := make([]types.Entry, 0, len(keys))
	for i, k := range keys {
		v, err := gets[i].Result()
		if err != nil {
			//expired between SCAN and GET
			continue
		}
		entries = append(entries, types.Entry{
			Key:         k,
			Value:       v,
			ExpiresAtMs: now + ttls[i].Val().Milliseconds(),
		})
	}
	return entries, nil
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

// server replies pass through untouched, transport failures are classified
func wrapErr(err error) error {
	if err == nil {
		return nil
	}

	var rerr redis.Error
	if errors.As(err, &rerr) {
		return err
	}

	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return fmt.Errorf("%w: %v", types.ErrStoreTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
}
