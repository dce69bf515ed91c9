// Package store is the lock keyspace primitive: atomic TTL compare-and-swap
// operations against a shared coordination store.
//
// Every mutation is a single atomic operation on the backend (a Lua script on
// Redis, one log entry on the raft state machine), never a read followed by a
// write. Contention is a false result, not an error.
package store

import (
	"context"
	"time"

	"github.com/pixperk/sessionward/pkg/types"
)

// Store is implemented by every coordination backend.
//
// Backends report transport failures wrapped in types.ErrStoreUnavailable or
// types.ErrStoreTimeout so Keyspace can apply the degraded policy.
type Store interface {
	// sets key when absent, or when the present value carries the same owner
	// prefix as value (reentrant overwrite)
	TrySet(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// extends the TTL only on an exact value match
	TryExtend(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)

	// swaps expected for next only on an exact value match
	TryReplace(ctx context.Context, key, expected, next string, ttl time.Duration) (bool, error)

	// deletes only on an exact value match
	TryDelete(ctx context.Context, key, expected string) (bool, error)

	// writes candidate when the key is absent, held by the same connection id,
	// or held by a record older than deadThreshold
	TryElect(ctx context.Context, key string, candidate types.LeaderValue, deadThreshold, ttl time.Duration) (types.ElectOutcome, error)

	Get(ctx context.Context, key string) (string, bool, error)

	// live entries whose key starts with prefix
	Scan(ctx context.Context, prefix string) ([]types.Entry, error)
}
