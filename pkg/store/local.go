package store

import (
	"context"
	"time"

	"github.com/pixperk/sessionward/pkg/clock"
	"github.com/pixperk/sessionward/pkg/fsm"
	"github.com/pixperk/sessionward/pkg/types"
)

// in-process backend driving the coordination state machine directly
// suits single-instance deployments and tests, it is not shared between processes
type Local struct {
	fsm   *fsm.FSM
	clock clock.Clock
}

var _ Store = (*Local)(nil)

func NewLocal(c clock.Clock) *Local {
	if c == nil {
		c = clock.System{}
	}
	return &Local{
		fsm:   fsm.NewFSM(c),
		clock: c,
	}
}

func (l *Local) FSM() *fsm.FSM { return l.fsm }

func (l *Local) now() int64 { return clock.UnixMs(l.clock) }

func (l *Local) cas(ctx context.Context, cmd types.Command) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	res, err := l.fsm.Apply(cmd)
	if err != nil {
		return false, err
	}
	return fsm.CASResult(res)
}

func (l *Local) TrySet(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return l.cas(ctx, types.SetCmd{Key: key, Value: value, TTL: ttl, NowMs: l.now()})
}

func (l *Local) TryExtend(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	return l.cas(ctx, types.ExtendCmd{Key: key, Expected: expected, TTL: ttl, NowMs: l.now()})
}

func (l *Local) TryReplace(ctx context.Context, key, expected, next string, ttl time.Duration) (bool, error) {
	return l.cas(ctx, types.ReplaceCmd{Key: key, Expected: expected, Next: next, TTL: ttl, NowMs: l.now()})
}

func (l *Local) TryDelete(ctx context.Context, key, expected string) (bool, error) {
	return l.cas(ctx, types.DeleteCmd{Key: key, Expected: expected, NowMs: l.now()})
}

func (l *Local) TryElect(ctx context.Context, key string, candidate types.LeaderValue, deadThreshold, ttl time.Duration) (types.ElectOutcome, error) {
	if err := ctx.Err(); err != nil {
		return types.ElectRejected, err
	}
	res, err := l.fsm.Apply(types.ElectCmd{
		Key:           key,
		Value:         candidate.String(),
		ConnectionID:  candidate.ConnectionID,
		DeadThreshold: deadThreshold,
		TTL:           ttl,
		NowMs:         candidate.RenewedAtMs,
	})
	if err != nil {
		return types.ElectRejected, err
	}
	return fsm.ElectResult(res)
}

func (l *Local) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	v, ok := l.fsm.Get(key)
	return v, ok, nil
}

func (l *Local) Scan(ctx context.Context, prefix string) ([]types.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.fsm.Scan(prefix), nil
}
