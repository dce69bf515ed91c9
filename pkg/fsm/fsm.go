package fsm

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pixperk/sessionward/pkg/clock"
	"github.com/pixperk/sessionward/pkg/types"
)

// manages the coordination keyspace
// critical :
// - every mutation is a single compare-and-swap applied under one lock
// - an expired entry behaves exactly like an absent one
// - a value is only extended, replaced or deleted by a caller presenting it verbatim
type FSM struct {
	mu sync.RWMutex

	entries map[string]*types.Entry // key -> Entry

	applied uint64 // commands applied

	clock clock.Clock // used for reads only, commands carry their own time
}

func NewFSM(c clock.Clock) *FSM {
	if c == nil {
		c = clock.System{}
	}
	return &FSM{
		entries: make(map[string]*types.Entry),
		clock:   c,
	}
}

// applies a command to the FSM and returns the result or error
func (f *FSM) Apply(cmd types.Command) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var (
		res any
		err error
	)
	switch c := cmd.(type) {
	case types.SetCmd:
		res, err = f.applySet(c)
	case types.ExtendCmd:
		res, err = f.applyExtend(c)
	case types.ReplaceCmd:
		res, err = f.applyReplace(c)
	case types.DeleteCmd:
		res, err = f.applyDelete(c)
	case types.ElectCmd:
		res, err = f.applyElect(c)
	case types.SweepCmd:
		res, err = f.applySweep(c)
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}

	if err == nil {
		f.applied++
	}
	return res, err
}

// returned by every compare-and-swap command
type CASResponse struct {
	OK bool
}

// returned by an election
type ElectResponse struct {
	Outcome types.ElectOutcome
}

// returned by a sweep
type SweepResponse struct {
	Removed int
}

// live entry for key, expired entries are dropped on sight
func (f *FSM) live(key string, nowMs int64) *types.Entry {
	e, ok := f.entries[key]
	if !ok {
		return nil
	}
	if e.IsExpired(nowMs) {
		delete(f.entries, key)
		return nil
	}
	return e
}

func (f *FSM) put(key, value string, ttl time.Duration, nowMs int64) {
	f.entries[key] = &types.Entry{
		Key:         key,
		Value:       value,
		ExpiresAtMs: nowMs + ttl.Milliseconds(),
	}
}

func (f *FSM) applySet(cmd types.SetCmd) (any, error) {
	if cmd.TTL <= 0 {
		return nil, types.ErrInvalidTTL
	}

	if e := f.live(cmd.Key, cmd.NowMs); e != nil {
		//held, only the same owner prefix may overwrite (reentrant acquire)
		held := types.OwnerPrefixOf(e.Value)
		if held == "" || held != types.OwnerPrefixOf(cmd.Value) {
			return CASResponse{OK: false}, nil
		}
	}

	f.put(cmd.Key, cmd.Value, cmd.TTL, cmd.NowMs)
	return CASResponse{OK: true}, nil
}

func (f *FSM) applyExtend(cmd types.ExtendCmd) (any, error) {
	if cmd.TTL <= 0 {
		return nil, types.ErrInvalidTTL
	}

	e := f.live(cmd.Key, cmd.NowMs)
	if e == nil || e.Value != cmd.Expected {
		return CASResponse{OK: false}, nil
	}

	e.ExpiresAtMs = cmd.NowMs + cmd.TTL.Milliseconds()
	return CASResponse{OK: true}, nil
}

func (f *FSM) applyReplace(cmd types.ReplaceCmd) (any, error) {
	if cmd.TTL <= 0 {
		return nil, types.ErrInvalidTTL
	}

	e := f.live(cmd.Key, cmd.NowMs)
	if e == nil || e.Value != cmd.Expected {
		return CASResponse{OK: false}, nil
	}

	f.put(cmd.Key, cmd.Next, cmd.TTL, cmd.NowMs)
	return CASResponse{OK: true}, nil
}

func (f *FSM) applyDelete(cmd types.DeleteCmd) (any, error) {
	e := f.live(cmd.Key, cmd.NowMs)
	if e == nil || e.Value != cmd.Expected {
		return CASResponse{OK: false}, nil
	}

	delete(f.entries, cmd.Key)
	return CASResponse{OK: true}, nil
}

func (f *FSM) applyElect(cmd types.ElectCmd) (any, error) {
	if cmd.TTL <= 0 {
		return nil, types.ErrInvalidTTL
	}

	outcome := types.ElectVacant
	if e := f.live(cmd.Key, cmd.NowMs); e != nil {
		current, err := types.ParseLeaderValue(e.Value)
		switch {
		case err != nil:
			//unreadable record, nobody can be renewing it
			outcome = types.ElectTakeover
		case current.ConnectionID == cmd.ConnectionID:
			outcome = types.ElectRejoined
		case current.IsStale(cmd.NowMs, cmd.DeadThreshold):
			outcome = types.ElectTakeover
		default:
			return ElectResponse{Outcome: types.ElectRejected}, nil
		}
	}

	f.put(cmd.Key, cmd.Value, cmd.TTL, cmd.NowMs)
	return ElectResponse{Outcome: outcome}, nil
}

func (f *FSM) applySweep(cmd types.SweepCmd) (any, error) {
	removed := 0
	for key, e := range f.entries {
		if e.IsExpired(cmd.NowMs) {
			delete(f.entries, key)
			removed++
		}
	}
	return SweepResponse{Removed: removed}, nil
}

// returns the live value for key
func (f *FSM) Get(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	e, ok := f.entries[key]
	if !ok || e.IsExpired(clock.UnixMs(f.clock)) {
		return "", false
	}
	return e.Value, true
}

// returns every live entry whose key starts with prefix, ordered by key
func (f *FSM) Scan(prefix string) []types.Entry {
	f.mu.RLock()
	defer f.mu.RUnlock()

	now := clock.UnixMs(f.clock)
	var out []types.Entry
	for key, e := range f.entries {
		if strings.HasPrefix(key, prefix) && !e.IsExpired(now) {
			out = append(out, *e)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// current fsm stats
type Stats struct {
	Entries int
	Applied uint64
}

func (f *FSM) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return Stats{
		Entries: len(f.entries),
		Applied: f.applied,
	}
}

// returns the number of entries that have expired but not been swept
func (f *FSM) ExpiredCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	now := clock.UnixMs(f.clock)
	n := 0
	for _, e := range f.entries {
		if e.IsExpired(now) {
			n++
		}
	}
	return n
}

func (f *FSM) Now() time.Time {
	return f.clock.Now()
}

// unpacks the result of a compare-and-swap command
// results coming back from raft may carry the apply error in place of a response
func CASResult(res any) (bool, error) {
	switch r := res.(type) {
	case CASResponse:
		return r.OK, nil
	case error:
		return false, r
	default:
		return false, fmt.Errorf("unexpected FSM result: %T", res)
	}
}

// unpacks the result of an election command
func ElectResult(res any) (types.ElectOutcome, error) {
	switch r := res.(type) {
	case ElectResponse:
		return r.Outcome, nil
	case error:
		return types.ElectRejected, r
	default:
		return types.ElectRejected, fmt.Errorf("unexpected FSM result: %T", res)
	}
}
