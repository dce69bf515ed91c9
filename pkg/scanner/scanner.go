// Package scanner finds connections the registry declares active but nobody
// owns, and starts them here. Every instance scans; the atomic acquire lets at
// most one of them win each orphan.
package scanner

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/sessionward/pkg/metrics"
	"github.com/pixperk/sessionward/pkg/ownership"
	"github.com/pixperk/sessionward/pkg/registry"
	"github.com/pixperk/sessionward/pkg/types"
)

// Lifecycle starts a connection on this instance, acquiring ownership first.
type Lifecycle interface {
	StartConnection(ctx context.Context, connectionID string) error
}

type Config struct {
	Interval time.Duration `mapstructure:"interval"`
}

// Result counts what one pass did.
type Result struct {
	Scanned   int
	Started   int
	Contended int
	Skipped   int
	Failed    int
}

type Scanner struct {
	conns registry.Registry
	lock  *ownership.Lock
	life  Lifecycle
	cfg   Config
	log   hclog.Logger
}

func New(conns registry.Registry, lock *ownership.Lock, life Lifecycle, cfg Config, log hclog.Logger) *Scanner {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &Scanner{
		conns: conns,
		lock:  lock,
		life:  life,
		cfg:   cfg,
		log:   log.Named("scanner"),
	}
}

// Scan makes one pass over the active connections. Only a failure to list
// them is returned; per-connection problems are logged and counted.
func (s *Scanner) Scan(ctx context.Context) (Result, error) {
	metrics.OrphanScanTotal.Inc()

	active, err := s.conns.ListActive(ctx)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, conn := range active {
		if ctx.Err() != nil {
			break
		}
		res.Scanned++
		s.scanOne(ctx, conn.ID, &res)
	}
	return res, nil
}

func (s *Scanner) scanOne(ctx context.Context, id string, res *Result) {
	//the health monitor is already recovering it
	if s.lock.Registry().Reconnecting(id) {
		res.Skipped++
		return
	}
	if _, ours := s.lock.Registry().Lookup(id); ours {
		res.Skipped++
		return
	}

	owner, found, err := s.lock.CurrentOwner(ctx, id)
	if err != nil {
		res.Failed++
		s.log.Warn("owner lookup failed, skipping", "connection", id, "error", err)
		return
	}
	if found && !s.lock.IsMine(owner) {
		res.Skipped++
		return
	}
	if found {
		//our prefix but not our registry: left by a previous process on this
		//host, the reentrant acquire takes it over without waiting out the TTL
		s.log.Info("reclaiming lock left by a predecessor", "connection", id, "owner", owner)
	}

	err = s.life.StartConnection(ctx, id)
	switch {
	case err == nil:
		res.Started++
		metrics.OrphanReclaimTotal.WithLabelValues("started").Inc()
		s.log.Info("reclaimed orphaned connection", "connection", id)
	case errors.Is(err, types.ErrNotAcquired):
		res.Contended++
		metrics.OrphanReclaimTotal.WithLabelValues("contended").Inc()
		s.log.Debug("orphan claimed by another instance", "connection", id)
	default:
		res.Failed++
		metrics.OrphanReclaimTotal.WithLabelValues("error").Inc()
		s.log.Error("failed to start orphaned connection", "connection", id, "error", err)
	}
}

// Run scans now and then every interval until ctx ends.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		res, err := s.Scan(ctx)
		if err != nil {
			s.log.Error("orphan scan failed", "error", err)
		} else if res.Started > 0 || res.Failed > 0 {
			s.log.Debug("orphan scan", "scanned", res.Scanned, "started", res.Started, "contended", res.Contended, "failed", res.Failed)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
