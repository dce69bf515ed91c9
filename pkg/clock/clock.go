package clock

import (
	"context"
	"sync"
	"time"
)

// clock abstracts wall time so TTL and dead-threshold logic can be driven by tests
type Clock interface {
	Now() time.Time
	// blocks for d or until ctx is done
	Sleep(ctx context.Context, d time.Duration) error
}

// system clock
// time.Now carries a monotonic reading, so Since/Sub between two Now values
// never goes backwards even if the wall clock is changed
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// milliseconds since the unix epoch, the unit stored in coordination values
func UnixMs(c Clock) int64 {
	return c.Now().UnixMilli()
}

// manually advanced clock for tests
// Sleep advances the clock instead of blocking
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Advance(d)
	return nil
}
