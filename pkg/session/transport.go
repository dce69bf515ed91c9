package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Transport opens the external connection for one connection id.
type Transport interface {
	Dial(ctx context.Context, connectionID string) (Conn, error)
}

// Conn is one live external connection.
type Conn interface {
	// local, in-process view of the transport state; never a network call
	Healthy() bool
	Close() error
	// invalidates the stored credentials on the external side
	Logout(ctx context.Context) error
}

// Loopback is an in-process transport whose connections are always up until
// told otherwise. Used for local runs and tests.
type Loopback struct {
	mu       sync.Mutex
	healthy  map[string]bool
	dialErr  map[string]error
	dials    map[string]int
	logouts  map[string]int
	inFlight atomic.Int32
}

var _ Transport = (*Loopback)(nil)

func NewLoopback() *Loopback {
	return &Loopback{
		healthy: make(map[string]bool),
		dialErr: make(map[string]error),
		dials:   make(map[string]int),
		logouts: make(map[string]int),
	}
}

func (l *Loopback) Dial(ctx context.Context, connectionID string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.dials[connectionID]++
	if err := l.dialErr[connectionID]; err != nil {
		return nil, fmt.Errorf("dial %s: %w", connectionID, err)
	}
	if _, ok := l.healthy[connectionID]; !ok {
		l.healthy[connectionID] = true
	}

	l.inFlight.Add(1)
	return &loopConn{id: connectionID, lb: l}, nil
}

// SetHealthy flips the health verdict of connectionID's current and future connections.
func (l *Loopback) SetHealthy(connectionID string, healthy bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.healthy[connectionID] = healthy
}

// FailDial makes every dial of connectionID fail with err; nil clears it.
func (l *Loopback) FailDial(connectionID string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.dialErr, connectionID)
		return
	}
	l.dialErr[connectionID] = err
}

func (l *Loopback) Dials(connectionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dials[connectionID]
}

func (l *Loopback) Logouts(connectionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logouts[connectionID]
}

// number of connections dialed and not yet closed
func (l *Loopback) Open() int { return int(l.inFlight.Load()) }

type loopConn struct {
	id     string
	lb     *Loopback
	closed atomic.Bool
}

func (c *loopConn) Healthy() bool {
	if c.closed.Load() {
		return false
	}
	c.lb.mu.Lock()
	defer c.lb.mu.Unlock()
	return c.lb.healthy[c.id]
}

func (c *loopConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.lb.inFlight.Add(-1)
	return nil
}

func (c *loopConn) Logout(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.lb.mu.Lock()
	defer c.lb.mu.Unlock()
	c.lb.logouts[c.id]++
	return nil
}
