// Package health watches the connections this instance runs and drives
// bounded recovery of the ones whose transport looks dead. A connection gets
// at most one reconnect attempt per cooldown window, however many checks
// observe it failing.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/sessionward/pkg/clock"
	"github.com/pixperk/sessionward/pkg/metrics"
	"github.com/pixperk/sessionward/pkg/ownership"
)

// Lifecycle is the part of the session controller the monitor drives.
type Lifecycle interface {
	Redial(ctx context.Context, connectionID string, pause func(context.Context) error) error
	Healthy(connectionID string) (healthy, local bool)
	Local() []string
}

type Config struct {
	Interval time.Duration `mapstructure:"interval"`
	// minimum time between two reconnect attempts of one connection
	Cooldown time.Duration `mapstructure:"cooldown"`
	// pause between tearing the transport down and dialing again
	SettleDelay time.Duration `mapstructure:"settle_delay"`
}

func (c Config) Validate() error {
	if c.Interval <= 0 || c.Cooldown <= 0 {
		return fmt.Errorf("health interval %s and cooldown %s must be positive", c.Interval, c.Cooldown)
	}
	if c.SettleDelay < 0 {
		return errors.New("health settle delay must not be negative")
	}
	return nil
}

type Outcome string

const (
	Healthy     Outcome = "healthy"
	Reconnected Outcome = "reconnected"
	Failed      Outcome = "failed"
	RemoteOwner Outcome = "remote_owner"
	Cooldown    Outcome = Outcome(ownership.SkipCooldown)
	InProgress  Outcome = Outcome(ownership.SkipInProgress)
)

type Report struct {
	ConnectionID string
	Outcome      Outcome
	Err          error
}

type Monitor struct {
	lock  *ownership.Lock
	life  Lifecycle
	cfg   Config
	clock clock.Clock
	log   hclog.Logger
}

func New(lock *ownership.Lock, life Lifecycle, cfg Config, c clock.Clock, log hclog.Logger) *Monitor {
	if c == nil {
		c = clock.System{}
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Monitor{
		lock:  lock,
		life:  life,
		cfg:   cfg,
		clock: c,
		log:   log.Named("health"),
	}
}

// Check evaluates every connection this instance runs or holds a lock for,
// reconnecting the unhealthy ones it is allowed to.
func (m *Monitor) Check(ctx context.Context) []Report {
	ids := m.candidates()
	reports := make([]Report, 0, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		reports = append(reports, m.checkOne(ctx, id))
	}
	return reports
}

func (m *Monitor) checkOne(ctx context.Context, id string) Report {
	if healthy, _ := m.life.Healthy(id); healthy {
		return Report{ConnectionID: id, Outcome: Healthy}
	}

	owner, found, err := m.lock.CurrentOwner(ctx, id)
	switch {
	case err != nil:
		//unknown owner is not a live remote one
		m.log.Debug("owner unreadable, treating as local", "connection", id, "error", err)
	case found && !m.lock.IsMine(owner):
		metrics.ReconnectSkippedTotal.WithLabelValues(string(RemoteOwner)).Inc()
		m.log.Debug("connection alive elsewhere", "connection", id, "owner", owner)
		return Report{ConnectionID: id, Outcome: RemoteOwner}
	}

	reg := m.lock.Registry()
	ok, reason := reg.BeginReconnect(id, m.clock.Now(), m.cfg.Cooldown)
	if !ok {
		metrics.ReconnectSkippedTotal.WithLabelValues(reason).Inc()
		m.log.Debug("skipping reconnect", "connection", id, "reason", reason)
		return Report{ConnectionID: id, Outcome: Outcome(reason)}
	}

	err = m.reconnect(ctx, id)
	reg.EndReconnect(id, err)

	if err != nil {
		metrics.ReconnectTotal.WithLabelValues("failed").Inc()
		rec, _ := reg.Recovery(id)
		m.log.Error("reconnect failed", "connection", id, "failures", rec.Failures, "error", err)
		return Report{ConnectionID: id, Outcome: Failed, Err: err}
	}
	metrics.ReconnectTotal.WithLabelValues("ok").Inc()
	m.log.Info("connection reconnected", "connection", id)
	return Report{ConnectionID: id, Outcome: Reconnected}
}

// closes and redials under the lock this instance already holds, so the
// settle delay never opens a window for another instance
func (m *Monitor) reconnect(ctx context.Context, id string) error {
	return m.life.Redial(ctx, id, func(ctx context.Context) error {
		return m.clock.Sleep(ctx, m.cfg.SettleDelay)
	})
}

// Run checks every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		m.Check(ctx)
	}
}

func (m *Monitor) candidates() []string {
	seen := make(map[string]struct{})
	for _, id := range m.life.Local() {
		seen[id] = struct{}{}
	}
	for _, id := range m.lock.Registry().Owned() {
		seen[id] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
