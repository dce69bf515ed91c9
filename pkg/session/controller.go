// Package session runs the lifecycle of external connections on this
// instance. Ownership is acquired before a transport is dialed and fenced
// before any credential-mutating call, so a process that lost a connection to
// another instance never touches it again.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/sessionward/pkg/election"
	"github.com/pixperk/sessionward/pkg/ownership"
	"github.com/pixperk/sessionward/pkg/registry"
	"github.com/pixperk/sessionward/pkg/types"
)

type running struct {
	conn     Conn
	token    string
	identity string
}

type Options struct {
	// optional; enables per-identity leader election and status updates
	Registry registry.Registry
	Election *election.Election
	Logger   hclog.Logger
}

type Controller struct {
	lock      *ownership.Lock
	transport Transport
	reg       registry.Registry
	elect     *election.Election
	log       hclog.Logger

	mu       sync.Mutex
	conns    map[string]*running
	starting map[string]bool
}

func NewController(lock *ownership.Lock, transport Transport, opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Controller{
		lock:      lock,
		transport: transport,
		reg:       opts.Registry,
		elect:     opts.Election,
		log:       log.Named("session"),
		conns:     make(map[string]*running),
		starting:  make(map[string]bool),
	}
}

// StartConnection takes ownership of connectionID and dials it. Losing the
// acquisition returns an error wrapping types.ErrNotAcquired.
func (c *Controller) StartConnection(ctx context.Context, connectionID string) error {
	c.mu.Lock()
	_, already := c.conns[connectionID]
	busy := c.starting[connectionID]
	if !already && !busy {
		c.starting[connectionID] = true
	}
	c.mu.Unlock()
	if already || busy {
		return nil
	}
	defer func() {
		c.mu.Lock()
		delete(c.starting, connectionID)
		c.mu.Unlock()
	}()

	token, ok, err := c.lock.Acquire(ctx, connectionID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("start %s: %w", connectionID, types.ErrNotAcquired)
	}

	conn, err := c.transport.Dial(ctx, connectionID)
	if err != nil {
		if rerr := c.lock.Release(ctx, connectionID); rerr != nil {
			c.log.Warn("release after failed dial", "connection", connectionID, "error", rerr)
		}
		return fmt.Errorf("start %s: %w", connectionID, err)
	}

	r := &running{conn: conn, token: token, identity: c.identityOf(ctx, connectionID)}
	c.mu.Lock()
	c.conns[connectionID] = r
	c.mu.Unlock()

	if err := c.lock.StartRenewal(connectionID, c.standDown); err != nil {
		//lost between acquire and now
		c.drop(connectionID, r)
		conn.Close()
		return fmt.Errorf("start %s: %w", connectionID, err)
	}

	if c.elect != nil && r.identity != "" {
		leader, err := c.elect.IsLeader(ctx, r.identity, connectionID)
		if err != nil {
			c.log.Warn("initial leader check failed", "connection", connectionID, "identity", r.identity, "error", err)
		} else {
			c.log.Debug("connection role", "connection", connectionID, "identity", r.identity, "leader", leader)
		}
	}

	c.log.Info("connection started", "connection", connectionID, "token", r.token)
	return nil
}

// StopConnection tears the connection down and releases ownership. With
// invalidate set the stored credentials are logged out first, but only after
// a fencing read confirms this process still owns the connection.
func (c *Controller) StopConnection(ctx context.Context, connectionID string, invalidate bool) error {
	c.mu.Lock()
	r, ok := c.conns[connectionID]
	delete(c.conns, connectionID)
	c.mu.Unlock()

	var errs []error
	if ok {
		if invalidate {
			errs = append(errs, c.logout(ctx, connectionID, r))
		}
		if err := r.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", connectionID, err))
		}
		c.resign(ctx, connectionID, r.identity)
	}

	if err := c.lock.Release(ctx, connectionID); err != nil {
		errs = append(errs, err)
	}

	if ok {
		c.log.Info("connection stopped", "connection", connectionID, "invalidate", invalidate)
	}
	return errors.Join(errs...)
}

// Redial replaces the transport of connectionID without letting go of
// ownership, so no other instance can claim it between teardown and redial.
// pause runs in between. When the connection can no longer be dialed, or
// ownership was lost meanwhile, it is stopped and released for the orphan
// scanner to pick up.
func (c *Controller) Redial(ctx context.Context, connectionID string, pause func(context.Context) error) error {
	c.mu.Lock()
	if c.starting[connectionID] {
		c.mu.Unlock()
		return nil
	}
	r, ok := c.conns[connectionID]
	delete(c.conns, connectionID)
	c.starting[connectionID] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.starting, connectionID)
		c.mu.Unlock()
	}()

	if !ok {
		e, held := c.lock.Registry().Lookup(connectionID)
		if !held {
			return fmt.Errorf("redial %s: %w", connectionID, types.ErrNotHeld)
		}
		r = &running{token: e.Value.FencingToken, identity: c.identityOf(ctx, connectionID)}
	} else if err := r.conn.Close(); err != nil {
		c.log.Warn("close before redial", "connection", connectionID, "error", err)
	}

	if err := pause(ctx); err != nil {
		c.abandon(ctx, connectionID, r)
		return err
	}

	owned, err := c.lock.Check(ctx, connectionID)
	if err == nil && !owned {
		err = types.ErrNotOwner
	}
	if err != nil {
		c.abandon(ctx, connectionID, r)
		return fmt.Errorf("redial %s: %w", connectionID, err)
	}

	conn, err := c.transport.Dial(ctx, connectionID)
	if err != nil {
		c.abandon(ctx, connectionID, r)
		return fmt.Errorf("redial %s: %w", connectionID, err)
	}

	next := &running{conn: conn, token: r.token, identity: r.identity}
	c.mu.Lock()
	c.conns[connectionID] = next
	c.mu.Unlock()

	if e, held := c.lock.Registry().Lookup(connectionID); !held || !e.Renewing() {
		if err := c.lock.StartRenewal(connectionID, c.standDown); err != nil {
			c.drop(connectionID, next)
			conn.Close()
			c.abandon(ctx, connectionID, next)
			return fmt.Errorf("redial %s: %w", connectionID, err)
		}
	}

	if c.elect != nil && next.identity != "" {
		if _, err := c.elect.IsLeader(ctx, next.identity, connectionID); err != nil {
			c.log.Warn("leader check after redial failed", "connection", connectionID, "error", err)
		}
	}

	c.log.Info("connection redialed", "connection", connectionID, "token", next.token)
	return nil
}

// Guard runs fn against the live connection only after a fencing read
// confirms ownership.
func (c *Controller) Guard(ctx context.Context, connectionID string, fn func(context.Context, Conn) error) error {
	owned, err := c.lock.Check(ctx, connectionID)
	if err != nil {
		return err
	}
	if !owned {
		return fmt.Errorf("guard %s: %w", connectionID, types.ErrNotOwner)
	}

	c.mu.Lock()
	r, ok := c.conns[connectionID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("guard %s: %w", connectionID, types.ErrNotHeld)
	}
	return fn(ctx, r.conn)
}

// Healthy reports the local transport verdict; local is false when this
// instance has no transport for connectionID.
func (c *Controller) Healthy(connectionID string) (healthy, local bool) {
	c.mu.Lock()
	r, ok := c.conns[connectionID]
	c.mu.Unlock()
	if !ok {
		return false, false
	}
	return r.conn.Healthy(), true
}

// ShouldProcess is the per-message gate: only the identity's leader
// connection handles inbound traffic.
func (c *Controller) ShouldProcess(connectionID string) bool {
	c.mu.Lock()
	r, ok := c.conns[connectionID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	if c.elect == nil || r.identity == "" {
		return true
	}
	return c.elect.IsLeaderCached(r.identity, connectionID)
}

// Local lists connection ids with a transport on this instance.
func (c *Controller) Local() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.conns))
	for id := range c.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close stops every local connection without invalidating credentials.
func (c *Controller) Close(ctx context.Context) error {
	var errs []error
	for _, id := range c.Local() {
		errs = append(errs, c.StopConnection(ctx, id, false))
	}
	return errors.Join(errs...)
}

// renewal loss callback: stand down without logout, the new owner still
// needs the credentials
func (c *Controller) standDown(connectionID string, cause error) {
	c.mu.Lock()
	r, ok := c.conns[connectionID]
	if ok {
		delete(c.conns, connectionID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if err := r.conn.Close(); err != nil {
		c.log.Warn("close after ownership loss", "connection", connectionID, "error", err)
	}
	c.resign(context.Background(), connectionID, r.identity)
	c.log.Warn("connection stood down", "connection", connectionID, "cause", cause)
}

// gives up a connection whose transport is already closed
func (c *Controller) abandon(ctx context.Context, connectionID string, r *running) {
	ctx = context.WithoutCancel(ctx)
	c.resign(ctx, connectionID, r.identity)
	if err := c.lock.Release(ctx, connectionID); err != nil {
		c.log.Warn("release after failed redial", "connection", connectionID, "error", err)
	}
}

func (c *Controller) logout(ctx context.Context, connectionID string, r *running) error {
	owned, err := c.lock.Check(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("logout %s: %w", connectionID, err)
	}
	if !owned {
		c.log.Warn("skipping logout, ownership moved", "connection", connectionID)
		return fmt.Errorf("logout %s: %w", connectionID, types.ErrNotOwner)
	}

	if err := r.conn.Logout(ctx); err != nil {
		return fmt.Errorf("logout %s: %w", connectionID, err)
	}
	if c.reg != nil {
		if err := c.reg.SetStatus(ctx, connectionID, registry.StatusInactive); err != nil {
			return fmt.Errorf("mark %s inactive: %w", connectionID, err)
		}
	}
	return nil
}

// gives up leadership of identity if connectionID is the one leading it
func (c *Controller) resign(ctx context.Context, connectionID, identity string) {
	if c.elect == nil || identity == "" {
		return
	}
	if c.elect.Held()[identity] != connectionID {
		return
	}
	if err := c.elect.ReleaseLeadership(ctx, identity); err != nil {
		c.log.Warn("release leadership", "identity", identity, "connection", connectionID, "error", err)
	}
}

func (c *Controller) identityOf(ctx context.Context, connectionID string) string {
	if c.reg == nil {
		return ""
	}
	conn, err := c.reg.Get(ctx, connectionID)
	if err != nil {
		if !errors.Is(err, types.ErrConnectionNotFound) {
			c.log.Warn("registry lookup failed", "connection", connectionID, "error", err)
		}
		return ""
	}
	return conn.Identity
}

func (c *Controller) drop(connectionID string, r *running) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns[connectionID] == r {
		delete(c.conns, connectionID)
	}
}
