package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/sessionward/pkg/logging"
	"github.com/pixperk/sessionward/pkg/metrics"
	"github.com/pixperk/sessionward/pkg/types"
)

// DegradedPolicy decides what a mutation reports when the store is unreachable.
type DegradedPolicy int

const (
	// report success and keep serving, accepting that two owners may act
	// until the store returns
	AssumeSuccess DegradedPolicy = iota
	// report failure, nothing is owned while the store is down
	FailClosed
)

func (p DegradedPolicy) String() string {
	if p == FailClosed {
		return "fail-closed"
	}
	return "assume-success"
}

func ParseDegradedPolicy(s string) (DegradedPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "assume-success":
		return AssumeSuccess, nil
	case "fail-closed":
		return FailClosed, nil
	default:
		return AssumeSuccess, fmt.Errorf("unknown degraded policy %q", s)
	}
}

// Verdict is the outcome of a conditional mutation as seen by the caller.
type Verdict int

const (
	Rejected Verdict = iota
	// the store applied the write
	Applied
	// the store was unreachable and the degraded policy accepted the write;
	// the stored value is unchanged as far as anyone knows
	Assumed
)

func (v Verdict) OK() bool { return v != Rejected }

func (v Verdict) String() string {
	switch v {
	case Applied:
		return "applied"
	case Assumed:
		return "assumed"
	default:
		return "rejected"
	}
}

type Options struct {
	// bound on every store call, a timeout counts as a failed call
	Timeout time.Duration
	Policy  DegradedPolicy
	// minimum interval between two degraded-mode warnings
	WarnEvery time.Duration
	Logger    hclog.Logger
}

// Keyspace applies timeouts and the degraded policy on top of a Store.
type Keyspace struct {
	store  Store
	opts   Options
	log    hclog.Logger
	warner *logging.Limited
}

func NewKeyspace(s Store, opts Options) *Keyspace {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.WarnEvery <= 0 {
		opts.WarnEvery = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	log := opts.Logger.Named("keyspace")
	return &Keyspace{
		store:  s,
		opts:   opts,
		log:    log,
		warner: logging.NewLimited(log, opts.WarnEvery),
	}
}

func (k *Keyspace) Policy() DegradedPolicy { return k.opts.Policy }

func (k *Keyspace) TrySet(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return k.mutate(ctx, "set", key, func(ctx context.Context) (bool, error) {
		return k.store.TrySet(ctx, key, value, ttl)
	})
}

func (k *Keyspace) TryExtend(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	return k.mutate(ctx, "extend", key, func(ctx context.Context) (bool, error) {
		return k.store.TryExtend(ctx, key, expected, ttl)
	})
}

func (k *Keyspace) TryReplace(ctx context.Context, key, expected, next string, ttl time.Duration) (bool, error) {
	v, err := k.Replace(ctx, key, expected, next, ttl)
	return v.OK(), err
}

// Replace is TryReplace for callers that track the stored value: on Assumed
// the write never reached the store and expected is still current.
func (k *Keyspace) Replace(ctx context.Context, key, expected, next string, ttl time.Duration) (Verdict, error) {
	return k.apply(ctx, "replace", key, func(ctx context.Context) (bool, error) {
		return k.store.TryReplace(ctx, key, expected, next, ttl)
	})
}

func (k *Keyspace) TryDelete(ctx context.Context, key, expected string) (bool, error) {
	return k.mutate(ctx, "delete", key, func(ctx context.Context) (bool, error) {
		return k.store.TryDelete(ctx, key, expected)
	})
}

func (k *Keyspace) TryElect(ctx context.Context, key string, candidate types.LeaderValue, deadThreshold, ttl time.Duration) (types.ElectOutcome, error) {
	outcome := types.ElectRejected
	v, err := k.apply(ctx, "elect", key, func(ctx context.Context) (bool, error) {
		o, err := k.store.TryElect(ctx, key, candidate, deadThreshold, ttl)
		outcome = o
		return o.Accepted(), err
	})
	if err != nil {
		return types.ElectRejected, err
	}
	if v == Assumed {
		outcome = types.ElectAssumed
	}
	return outcome, nil
}

// reads never assume anything, an unreachable store surfaces as an error
func (k *Keyspace) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, k.opts.Timeout)
	defer cancel()

	start := time.Now()
	v, ok, err := k.store.Get(ctx, key)
	k.observe("get", start, err, ok)
	if err != nil {
		return "", false, classify(ctx, err)
	}
	return v, ok, nil
}

func (k *Keyspace) Scan(ctx context.Context, prefix string) ([]types.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, k.opts.Timeout)
	defer cancel()

	start := time.Now()
	entries, err := k.store.Scan(ctx, prefix)
	k.observe("scan", start, err, true)
	if err != nil {
		return nil, classify(ctx, err)
	}
	return entries, nil
}

func (k *Keyspace) mutate(ctx context.Context, op, key string, call func(context.Context) (bool, error)) (bool, error) {
	v, err := k.apply(ctx, op, key, call)
	return v.OK(), err
}

func (k *Keyspace) apply(ctx context.Context, op, key string, call func(context.Context) (bool, error)) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, k.opts.Timeout)
	defer cancel()

	start := time.Now()
	ok, err := call(ctx)
	if err == nil {
		k.observe(op, start, nil, ok)
		if ok {
			return Applied, nil
		}
		return Rejected, nil
	}

	err = classify(ctx, err)
	if !errors.Is(err, types.ErrStoreUnavailable) {
		k.observe(op, start, err, false)
		return Rejected, err
	}

	metrics.StoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.StoreOpTotal.WithLabelValues(op, "degraded").Inc()
	k.warner.Warn("coordination store unavailable, applying degraded policy",
		"op", op, "key", key, "policy", k.opts.Policy.String(), "error", err)

	if k.opts.Policy == AssumeSuccess {
		return Assumed, nil
	}
	return Rejected, err
}

func (k *Keyspace) observe(op string, start time.Time, err error, ok bool) {
	metrics.StoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	result := "ok"
	switch {
	case errors.Is(err, types.ErrStoreTimeout), errors.Is(err, context.DeadlineExceeded):
		result = "timeout"
	case err != nil:
		result = "error"
	case !ok:
		result = "rejected"
	}
	metrics.StoreOpTotal.WithLabelValues(op, result).Inc()
}

// maps a deadline hit on the call context onto ErrStoreTimeout
func classify(ctx context.Context, err error) error {
	if errors.Is(err, types.ErrStoreTimeout) || errors.Is(err, types.ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", types.ErrStoreTimeout, err)
	}
	return err
}
