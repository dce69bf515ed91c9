package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/pixperk/sessionward/pkg/clock"
	"github.com/pixperk/sessionward/pkg/types"
)

// in-memory registry for tests and single-process runs
type Memory struct {
	mu    sync.RWMutex
	conns map[string]Connection
	clock clock.Clock
}

var _ Registry = (*Memory)(nil)

func NewMemory(c clock.Clock, initial ...Connection) *Memory {
	if c == nil {
		c = clock.System{}
	}
	m := &Memory{conns: make(map[string]Connection), clock: c}
	for _, conn := range initial {
		if conn.Status == "" {
			conn.Status = StatusActive
		}
		conn.UpdatedAt = c.Now().UTC()
		m.conns[conn.ID] = conn
	}
	return m
}

func (m *Memory) List(ctx context.Context) ([]Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	m.mu.RUnlock()

	sortByID(out)
	return out, nil
}

func (m *Memory) ListActive(ctx context.Context) ([]Connection, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	return active(all), nil
}

func (m *Memory) Get(ctx context.Context, id string) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return Connection{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conns[id]
	if !ok {
		return Connection{}, fmt.Errorf("%w: %s", types.ErrConnectionNotFound, id)
	}
	return c, nil
}

func (m *Memory) Put(ctx context.Context, c Connection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := types.ValidateConnectionID(c.ID); err != nil {
		return err
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
	c.UpdatedAt = m.clock.Now().UTC()

	m.mu.Lock()
	m.conns[c.ID] = c
	m.mu.Unlock()
	return nil
}

func (m *Memory) SetStatus(ctx context.Context, id string, status Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrConnectionNotFound, id)
	}
	c.Status = status
	c.UpdatedAt = m.clock.Now().UTC()
	m.conns[id] = c
	return nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conns[id]; !ok {
		return fmt.Errorf("%w: %s", types.ErrConnectionNotFound, id)
	}
	delete(m.conns, id)
	return nil
}
