// Package election decides which of several logical connections sharing one
// external identity may process inbound traffic. Followers stay connected but
// suppress active processing.
//
// A leader record is instanceId:connectionId:lastRenewedAtMs. A challenger
// wins when no record exists, when the record carries its own connection id
// (the same slot re-registering after a restart), or when the record has not
// been renewed within the dead threshold.
package election

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/sessionward/pkg/clock"
	"github.com/pixperk/sessionward/pkg/metrics"
	"github.com/pixperk/sessionward/pkg/store"
	"github.com/pixperk/sessionward/pkg/types"
	"golang.org/x/sync/singleflight"
)

// MissPolicy is the verdict IsLeaderCached gives when it has nothing cached,
// and IsLeader gives when the store is unreachable.
type MissPolicy int

const (
	// keep processing, the next real check corrects it
	AssumeLeader MissPolicy = iota
	// drop processing until a real check confirms leadership
	AssumeFollower
)

func (p MissPolicy) String() string {
	if p == AssumeFollower {
		return "assume-follower"
	}
	return "assume-leader"
}

func ParseMissPolicy(s string) (MissPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "assume-leader":
		return AssumeLeader, nil
	case "assume-follower":
		return AssumeFollower, nil
	default:
		return AssumeLeader, fmt.Errorf("unknown leader miss policy %q", s)
	}
}

type Config struct {
	InstanceID string
	// a record not renewed for this long is dead; it is also the record TTL,
	// so expiry and staleness reclaim at the same moment
	DeadThreshold time.Duration `mapstructure:"dead_threshold"`
	RenewInterval time.Duration `mapstructure:"renew_interval"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	MissPolicy    MissPolicy    `mapstructure:"-"`
}

func (c Config) Validate() error {
	if c.InstanceID == "" {
		return errors.New("instance id required")
	}
	if c.DeadThreshold <= 0 {
		return types.ErrInvalidTTL
	}
	if c.RenewInterval <= 0 || c.RenewInterval >= c.DeadThreshold {
		return fmt.Errorf("leader renew interval %s must be positive and below dead threshold %s", c.RenewInterval, c.DeadThreshold)
	}
	return nil
}

// one identity this process leads
type leadership struct {
	connectionID string
	value        types.LeaderValue

	cancel context.CancelFunc
	done   chan struct{}
}

func (l *leadership) stop() {
	l.cancel()
	<-l.done
}

type verdict struct {
	leader  bool
	expires time.Time
}

type Election struct {
	ks    *store.Keyspace
	cfg   Config
	clock clock.Clock
	log   hclog.Logger

	mu    sync.Mutex
	held  map[string]*leadership // identity -> leadership
	cache map[string]verdict     // identity + connection id -> verdict

	refresh singleflight.Group
}

func New(ks *store.Keyspace, cfg Config, c clock.Clock, log hclog.Logger) *Election {
	if c == nil {
		c = clock.System{}
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 3 * time.Second
	}
	return &Election{
		ks:    ks,
		cfg:   cfg,
		clock: c,
		log:   log.Named("election"),
		held:  make(map[string]*leadership),
		cache: make(map[string]verdict),
	}
}

// IsLeader reads the identity's record and reports whether connectionID on
// this instance is the leader, contending when the seat is vacant or stale.
func (e *Election) IsLeader(ctx context.Context, identity, connectionID string) (bool, error) {
	raw, found, err := e.ks.Get(ctx, types.LeaderKey(identity))
	if err != nil {
		if errors.Is(err, types.ErrStoreUnavailable) {
			leader := e.cfg.MissPolicy == AssumeLeader
			e.log.Debug("store unavailable, leader verdict from policy", "identity", identity, "policy", e.cfg.MissPolicy.String())
			return leader, nil
		}
		return false, fmt.Errorf("read leader of %s: %w", identity, err)
	}

	if !found {
		return e.TryBecomeLeader(ctx, identity, connectionID)
	}

	current, err := types.ParseLeaderValue(raw)
	if err != nil {
		e.log.Warn("unreadable leader record, contending", "identity", identity, "value", raw)
		return e.TryBecomeLeader(ctx, identity, connectionID)
	}

	if current.IsStale(clock.UnixMs(e.clock), e.cfg.DeadThreshold) {
		return e.TryBecomeLeader(ctx, identity, connectionID)
	}

	if !current.HeldBy(e.cfg.InstanceID, connectionID) {
		e.remember(identity, connectionID, false)
		return false, nil
	}

	if !e.leads(identity, connectionID) {
		//our record from before an in-process restart, pick renewal back up
		return e.TryBecomeLeader(ctx, identity, connectionID)
	}

	e.remember(identity, connectionID, true)
	return true, nil
}

// TryBecomeLeader runs the atomic election for identity and, on acceptance,
// starts renewing the record.
func (e *Election) TryBecomeLeader(ctx context.Context, identity, connectionID string) (bool, error) {
	if err := types.ValidateConnectionID(connectionID); err != nil {
		return false, fmt.Errorf("elect %s: %w", identity, err)
	}
	candidate := types.LeaderValue{
		InstanceID:   e.cfg.InstanceID,
		ConnectionID: connectionID,
		RenewedAtMs:  clock.UnixMs(e.clock),
	}

	outcome, err := e.ks.TryElect(ctx, types.LeaderKey(identity), candidate, e.cfg.DeadThreshold, e.cfg.DeadThreshold)
	if err != nil {
		return false, fmt.Errorf("elect %s: %w", identity, err)
	}
	metrics.ElectionTotal.WithLabelValues(outcome.String()).Inc()

	if !outcome.Accepted() {
		e.log.Debug("leader seat taken", "identity", identity, "connection", connectionID)
		e.remember(identity, connectionID, false)
		return false, nil
	}

	switch outcome {
	case types.ElectTakeover:
		e.log.Info("took over stale leader", "identity", identity, "connection", connectionID)
	case types.ElectAssumed:
		e.log.Warn("leadership assumed while store unavailable", "identity", identity, "connection", connectionID)
	default:
		e.log.Debug("leadership acquired", "identity", identity, "connection", connectionID, "outcome", outcome.String())
	}

	e.adopt(identity, connectionID, candidate)
	e.remember(identity, connectionID, true)
	return true, nil
}

// RenewLeadership refreshes the record's timestamp under an exact value match.
// false means leadership was lost and has been dropped locally.
func (e *Election) RenewLeadership(ctx context.Context, identity string) (bool, error) {
	e.mu.Lock()
	h, ok := e.held[identity]
	var current types.LeaderValue
	if ok {
		current = h.value
	}
	e.mu.Unlock()
	if !ok {
		return false, types.ErrNotLeader
	}

	next := current
	next.RenewedAtMs = clock.UnixMs(e.clock)

	v, err := e.ks.Replace(ctx, types.LeaderKey(identity), current.String(), next.String(), e.cfg.DeadThreshold)
	if err != nil {
		return false, fmt.Errorf("renew leadership of %s: %w", identity, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.held[identity] != h {
		//released or replaced while the call was in flight
		return false, nil
	}
	switch v {
	case store.Rejected:
		e.dropLocked(identity, h)
		return false, nil
	case store.Applied:
		h.value = next
	}
	//on Assumed the store still holds current, keep matching against it
	return true, nil
}

// ReleaseLeadership stops renewal and deletes the record if it is still ours.
func (e *Election) ReleaseLeadership(ctx context.Context, identity string) error {
	e.mu.Lock()
	h, ok := e.held[identity]
	if ok {
		e.dropLocked(identity, h)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}

	h.stop()

	e.mu.Lock()
	value := h.value
	e.mu.Unlock()

	if _, err := e.ks.TryDelete(ctx, types.LeaderKey(identity), value.String()); err != nil {
		return fmt.Errorf("release leadership of %s: %w", identity, err)
	}
	e.log.Debug("leadership released", "identity", identity, "connection", h.connectionID)
	return nil
}

// IsLeaderCached answers from a short-lived verdict cache. On a miss it
// answers from the miss policy at once and refreshes in the background.
func (e *Election) IsLeaderCached(identity, connectionID string) bool {
	key := cacheKey(identity, connectionID)

	e.mu.Lock()
	v, ok := e.cache[key]
	e.mu.Unlock()

	if ok && e.clock.Now().Before(v.expires) {
		metrics.LeaderCacheTotal.WithLabelValues("hit").Inc()
		return v.leader
	}

	metrics.LeaderCacheTotal.WithLabelValues("miss").Inc()
	e.refresh.DoChan(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DeadThreshold)
		defer cancel()
		leader, err := e.IsLeader(ctx, identity, connectionID)
		if err != nil {
			e.log.Warn("background leader check failed", "identity", identity, "connection", connectionID, "error", err)
		}
		return leader, err
	})

	return e.cfg.MissPolicy == AssumeLeader
}

// identities led by this process, with the connection leading each
func (e *Election) Held() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]string, len(e.held))
	for identity, h := range e.held {
		out[identity] = h.connectionID
	}
	return out
}

// releases every identity this process leads
func (e *Election) Close(ctx context.Context) error {
	var errs []error
	for identity := range e.Held() {
		if err := e.ReleaseLeadership(ctx, identity); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Election) leads(identity, connectionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, ok := e.held[identity]
	return ok && h.connectionID == connectionID
}

// records a won election and (re)starts its renewal loop
func (e *Election) adopt(identity, connectionID string, value types.LeaderValue) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &leadership{
		connectionID: connectionID,
		value:        value,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	e.mu.Lock()
	prev := e.held[identity]
	e.held[identity] = h
	metrics.LeaderIdentities.Set(float64(len(e.held)))
	e.mu.Unlock()

	if prev != nil {
		prev.stop()
	}
	go e.renewLoop(ctx, identity, h)
}

func (e *Election) renewLoop(ctx context.Context, identity string, h *leadership) {
	defer close(h.done)

	ticker := time.NewTicker(e.cfg.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ok, err := e.RenewLeadership(ctx, identity)
		if ok {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			//fail safe: a renewal we cannot confirm is a lost one
			e.mu.Lock()
			if e.held[identity] == h {
				e.dropLocked(identity, h)
			}
			e.mu.Unlock()
		}
		e.log.Warn("leadership lost", "identity", identity, "connection", h.connectionID, "error", err)
		return
	}
}

// caller holds e.mu
func (e *Election) dropLocked(identity string, h *leadership) {
	delete(e.held, identity)
	metrics.LeaderIdentities.Set(float64(len(e.held)))
	e.cache[cacheKey(identity, h.connectionID)] = verdict{leader: false, expires: e.clock.Now().Add(e.cfg.CacheTTL)}
}

func (e *Election) remember(identity, connectionID string, leader bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache[cacheKey(identity, connectionID)] = verdict{leader: leader, expires: e.clock.Now().Add(e.cfg.CacheTTL)}
}

func cacheKey(identity, connectionID string) string {
	return identity + "\x00" + connectionID
}
