// Package storetest provides a store wrapper that injects coordination store
// failures for tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pixperk/sessionward/pkg/store"
	"github.com/pixperk/sessionward/pkg/types"
)

// wraps a store; while Down is set every call fails with ErrStoreUnavailable,
// while Hang is set every call blocks until its context ends
type Flaky struct {
	store.Store

	down atomic.Bool
	hang atomic.Bool

	mu    sync.Mutex
	calls map[string]int
}

func NewFlaky(s store.Store) *Flaky {
	return &Flaky{Store: s, calls: make(map[string]int)}
}

func (f *Flaky) SetDown(v bool) { f.down.Store(v) }
func (f *Flaky) SetHang(v bool) { f.hang.Store(v) }

// number of calls made to op
func (f *Flaky) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Flaky) fault(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()

	if f.hang.Load() {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.down.Load() {
		return fmt.Errorf("%w: injected", types.ErrStoreUnavailable)
	}
	return nil
}

func (f *Flaky) TrySet(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := f.fault(ctx, "set"); err != nil {
		return false, err
	}
	return f.Store.TrySet(ctx, key, value, ttl)
}

func (f *Flaky) TryExtend(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	if err := f.fault(ctx, "extend"); err != nil {
		return false, err
	}
	return f.Store.TryExtend(ctx, key, expected, ttl)
}

func (f *Flaky) TryReplace(ctx context.Context, key, expected, next string, ttl time.Duration) (bool, error) {
	if err := f.fault(ctx, "replace"); err != nil {
		return false, err
	}
	return f.Store.TryReplace(ctx, key, expected, next, ttl)
}

func (f *Flaky) TryDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := f.fault(ctx, "delete"); err != nil {
		return false, err
	}
	return f.Store.TryDelete(ctx, key, expected)
}

func (f *Flaky) TryElect(ctx context.Context, key string, candidate types.LeaderValue, deadThreshold, ttl time.Duration) (types.ElectOutcome, error) {
	if err := f.fault(ctx, "elect"); err != nil {
		return types.ElectRejected, err
	}
	return f.Store.TryElect(ctx, key, candidate, deadThreshold, ttl)
}

func (f *Flaky) Get(ctx context.Context, key string) (string, bool, error) {
	if err := f.fault(ctx, "get"); err != nil {
		return "", false, err
	}
	return f.Store.Get(ctx, key)
}

func (f *Flaky) Scan(ctx context.Context, prefix string) ([]types.Entry, error) {
	if err := f.fault(ctx, "scan"); err != nil {
		return nil, err
	}
	return f.Store.Scan(ctx, prefix)
}
