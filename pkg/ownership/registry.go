package ownership

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pixperk/sessionward/pkg/metrics"
	"github.com/pixperk/sessionward/pkg/types"
)

// what this process holds for one connection id
type Entry struct {
	ConnectionID string
	Value        types.LockValue
	AcquiredAt   time.Time

	renewal *task
}

func (e Entry) Renewing() bool { return e.renewal != nil }

// reconnect bookkeeping for one connection id
// kept across release/acquire cycles since a reconnect goes through both
type Recovery struct {
	LastAttempt time.Time
	Failures    int // consecutive failed attempts
	InProgress  bool
}

// a cancellable background task bound to one registry entry
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *task) stop() {
	t.cancel()
	<-t.done
}

// Registry is the per-process record of held session locks.
// An entry is created on acquire and destroyed on release or loss; destroying
// it cancels the renewal task bound to it before returning.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	recovery map[string]*Recovery
}

func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[string]*Entry),
		recovery: make(map[string]*Recovery),
	}
}

// records a fresh acquisition, replacing (and stopping) any previous one
func (r *Registry) Register(id string, v types.LockValue, at time.Time) {
	r.mu.Lock()
	prev := r.entries[id]
	r.entries[id] = &Entry{ConnectionID: id, Value: v, AcquiredAt: at}
	n := len(r.entries)
	r.mu.Unlock()

	metrics.OwnedSessions.Set(float64(n))
	if prev != nil && prev.renewal != nil {
		prev.renewal.stop()
	}
}

func (r *Registry) Lookup(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// drops the entry for id and waits for its renewal task to exit
func (r *Registry) Forget(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	n := len(r.entries)
	r.mu.Unlock()

	if !ok {
		return false
	}
	metrics.OwnedSessions.Set(float64(n))
	if e.renewal != nil {
		e.renewal.stop()
	}
	return true
}

// drops the entry only while it still holds token, without waiting on the
// renewal task (the task itself calls this)
func (r *Registry) forgetIf(id, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.Value.FencingToken != token {
		return false
	}
	delete(r.entries, id)
	metrics.OwnedSessions.Set(float64(len(r.entries)))
	return true
}

// binds a renewal task to the entry holding token
func (r *Registry) attach(id, token string, t *task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.Value.FencingToken != token || e.renewal != nil {
		return false
	}
	e.renewal = t
	return true
}

// connection ids currently held, sorted
func (r *Registry) Owned() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// stops every renewal task and drops every entry
func (r *Registry) Close() {
	for _, id := range r.Owned() {
		r.Forget(id)
	}
}

// Reconnect skip reasons.
const (
	SkipInProgress = "in_progress"
	SkipCooldown   = "cooldown"
)

// marks a reconnect as started unless one is running or the last attempt was
// less than cooldown ago; reason is set when it refuses
func (r *Registry) BeginReconnect(id string, now time.Time, cooldown time.Duration) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.recovery[id]
	if !ok {
		rec = &Recovery{}
		r.recovery[id] = rec
	}
	if rec.InProgress {
		return false, SkipInProgress
	}
	if !rec.LastAttempt.IsZero() && now.Sub(rec.LastAttempt) < cooldown {
		return false, SkipCooldown
	}

	rec.InProgress = true
	rec.LastAttempt = now
	return true, ""
}

// clears the in-progress flag and updates the failure counter
func (r *Registry) EndReconnect(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.recovery[id]
	if !ok {
		return
	}
	rec.InProgress = false
	if err != nil {
		rec.Failures++
	} else {
		rec.Failures = 0
	}
}

func (r *Registry) Reconnecting(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.recovery[id]
	return ok && rec.InProgress
}

func (r *Registry) Recovery(id string) (Recovery, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.recovery[id]
	if !ok {
		return Recovery{}, false
	}
	return *rec, true
}

// drops reconnect bookkeeping for a connection that no longer exists
func (r *Registry) Purge(id string) {
	r.Forget(id)

	r.mu.Lock()
	delete(r.recovery, id)
	r.mu.Unlock()
}
