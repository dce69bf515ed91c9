// Package ownership implements the session ownership lock: one process at a
// time may run a given connection id's lifecycle.
//
// The stored value is ownerPrefix:fencingToken. A fresh token is minted on
// every acquire, so a process that silently lost the lock can never extend or
// delete the value now held under a newer token, even on the same host.
package ownership

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/sessionward/pkg/clock"
	"github.com/pixperk/sessionward/pkg/metrics"
	"github.com/pixperk/sessionward/pkg/store"
	"github.com/pixperk/sessionward/pkg/types"
)

type Config struct {
	// host/process group identity, the same across restarts on one host
	OwnerPrefix string `mapstructure:"owner_prefix"`
	// lock TTL, long enough to survive expected reconnect delays
	TTL           time.Duration `mapstructure:"ttl"`
	RenewInterval time.Duration `mapstructure:"renew_interval"`
}

func (c Config) Validate() error {
	if c.OwnerPrefix == "" {
		return errors.New("owner prefix required")
	}
	if c.TTL <= 0 {
		return types.ErrInvalidTTL
	}
	if c.RenewInterval <= 0 || c.RenewInterval >= c.TTL {
		return fmt.Errorf("renew interval %s must be positive and below ttl %s", c.RenewInterval, c.TTL)
	}
	return nil
}

// called once when a renewal finds the lock gone; the entry is already forgotten
type LostFunc func(connectionID string, cause error)

type Lock struct {
	ks    *store.Keyspace
	reg   *Registry
	cfg   Config
	clock clock.Clock
	log   hclog.Logger

	newToken func() string
}

func New(ks *store.Keyspace, reg *Registry, cfg Config, c clock.Clock, log hclog.Logger) *Lock {
	if c == nil {
		c = clock.System{}
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Lock{
		ks:       ks,
		reg:      reg,
		cfg:      cfg,
		clock:    c,
		log:      log.Named("ownership"),
		newToken: uuid.NewString,
	}
}

func (l *Lock) Registry() *Registry { return l.reg }

func (l *Lock) OwnerPrefix() string { return l.cfg.OwnerPrefix }

// Acquire mints a fresh fencing token and tries to take the lock for
// connectionID. It succeeds when the key is absent or held under this
// process's own owner prefix. Losing to another owner is (false, nil).
func (l *Lock) Acquire(ctx context.Context, connectionID string) (string, bool, error) {
	value := types.LockValue{
		OwnerPrefix:  l.cfg.OwnerPrefix,
		FencingToken: l.newToken(),
	}

	ok, err := l.ks.TrySet(ctx, types.SessionKey(connectionID), value.String(), l.cfg.TTL)
	if err != nil {
		metrics.AcquireTotal.WithLabelValues("error").Inc()
		return "", false, fmt.Errorf("acquire %s: %w", connectionID, err)
	}
	if !ok {
		metrics.AcquireTotal.WithLabelValues("contended").Inc()
		l.log.Debug("session lock held elsewhere", "connection", connectionID)
		return "", false, nil
	}

	metrics.AcquireTotal.WithLabelValues("acquired").Inc()
	l.reg.Register(connectionID, value, l.clock.Now())
	l.log.Debug("session lock acquired", "connection", connectionID, "token", value.FencingToken)
	return value.FencingToken, true, nil
}

// Renew extends the lock under the exact value this process acquired.
// false means ownership is gone and the caller must stop acting as owner.
func (l *Lock) Renew(ctx context.Context, connectionID string) (bool, error) {
	e, ok := l.reg.Lookup(connectionID)
	if !ok {
		return false, types.ErrNotHeld
	}

	ok, err := l.ks.TryExtend(ctx, types.SessionKey(connectionID), e.Value.String(), l.cfg.TTL)
	switch {
	case err != nil:
		metrics.RenewTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("renew %s: %w", connectionID, err)
	case !ok:
		metrics.RenewTotal.WithLabelValues("lost").Inc()
		return false, nil
	default:
		metrics.RenewTotal.WithLabelValues("renewed").Inc()
		return true, nil
	}
}

// Release deletes the lock if it still carries this process's value.
// Local state is cleared whatever the store says.
func (l *Lock) Release(ctx context.Context, connectionID string) error {
	e, ok := l.reg.Lookup(connectionID)
	if !ok {
		return nil
	}
	l.reg.Forget(connectionID)

	deleted, err := l.ks.TryDelete(ctx, types.SessionKey(connectionID), e.Value.String())
	if err != nil {
		return fmt.Errorf("release %s: %w", connectionID, err)
	}
	if !deleted {
		l.log.Debug("session lock already gone on release", "connection", connectionID)
	}
	return nil
}

// Check is the fencing read: true only while the store still holds exactly the
// value this process acquired. Call it right before side effects on the
// external connection.
func (l *Lock) Check(ctx context.Context, connectionID string) (bool, error) {
	e, ok := l.reg.Lookup(connectionID)
	if !ok {
		return false, nil
	}

	current, found, err := l.ks.Get(ctx, types.SessionKey(connectionID))
	if err != nil {
		if errors.Is(err, types.ErrStoreUnavailable) && l.ks.Policy() == store.AssumeSuccess {
			return true, nil
		}
		return false, fmt.Errorf("check %s: %w", connectionID, err)
	}
	return found && current == e.Value.String(), nil
}

// CurrentOwner returns the owner prefix of whoever holds connectionID, or
// found=false when nobody does.
func (l *Lock) CurrentOwner(ctx context.Context, connectionID string) (string, bool, error) {
	current, found, err := l.ks.Get(ctx, types.SessionKey(connectionID))
	if err != nil {
		return "", false, fmt.Errorf("owner of %s: %w", connectionID, err)
	}
	if !found {
		return "", false, nil
	}

	v, err := types.ParseLockValue(current)
	if err != nil {
		return "", false, err
	}
	return v.OwnerPrefix, true, nil
}

// true when prefix names this process's host/process group
func (l *Lock) IsMine(prefix string) bool {
	return prefix == l.cfg.OwnerPrefix
}

// StartRenewal runs the renewal loop for the lock currently held on
// connectionID. The task belongs to the registry entry: Release or a later
// Acquire cancels it synchronously. When a renewal fails the entry is dropped
// and onLost is called once from the task.
func (l *Lock) StartRenewal(connectionID string, onLost LostFunc) error {
	e, ok := l.reg.Lookup(connectionID)
	if !ok {
		return types.ErrNotHeld
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{})}
	if !l.reg.attach(connectionID, e.Value.FencingToken, t) {
		cancel()
		return fmt.Errorf("renewal already running or lock replaced for %s", connectionID)
	}

	go l.renewLoop(ctx, t, connectionID, e.Value.FencingToken, onLost)
	return nil
}

func (l *Lock) renewLoop(ctx context.Context, t *task, connectionID, token string, onLost LostFunc) {
	defer close(t.done)

	ticker := time.NewTicker(l.cfg.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ok, err := l.Renew(ctx, connectionID)
		if ok {
			continue
		}
		if ctx.Err() != nil {
			//cancelled mid-call by Release
			return
		}

		cause := err
		if cause == nil {
			cause = types.ErrNotOwner
		}
		if !l.reg.forgetIf(connectionID, token) {
			//replaced by a newer acquisition, which has its own task
			return
		}

		metrics.OwnershipLostTotal.Inc()
		l.log.Warn("session ownership lost, standing down", "connection", connectionID, "cause", cause)
		if onLost != nil {
			onLost(connectionID, cause)
		}
		return
	}
}
