package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// coordination store latency - histogram to track p50/p90/p99
	// labels: op (set/extend/replace/delete/elect/get/scan)
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sessionward_store_op_duration_seconds",
			Help:    "time taken by a coordination store call",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"op"},
	)

	// coordination store outcomes
	// labels: op, result (ok/rejected/degraded/timeout/error)
	StoreOpTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionward_store_op_total",
			Help: "total number of coordination store calls by outcome",
		},
		[]string{"op", "result"},
	)

	// session lock acquisitions
	// labels: result (acquired/contended/error)
	AcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionward_session_acquire_total",
			Help: "total number of session lock acquisitions",
		},
		[]string{"result"},
	)

	// session lock renewals
	// labels: result (renewed/lost/error)
	RenewTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionward_session_renew_total",
			Help: "total number of session lock renewals",
		},
		[]string{"result"},
	)

	// ownership lost while this process still believed it was owner
	// spikes indicate store trouble or a same-host reclaim
	OwnershipLostTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionward_session_ownership_lost_total",
			Help: "total number of session locks lost during renewal",
		},
	)

	// sessions currently owned by this process
	OwnedSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessionward_sessions_owned",
			Help: "current number of session locks held by this process",
		},
	)

	// leader elections by branch
	// labels: outcome (vacant/rejoined/takeover/assumed/rejected)
	ElectionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionward_leader_election_total",
			Help: "total number of leader election attempts by outcome",
		},
		[]string{"outcome"},
	)

	// identities this process currently leads
	LeaderIdentities = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessionward_leader_identities",
			Help: "current number of identities led by this process",
		},
	)

	// cached leader verdicts
	// labels: result (hit/miss)
	LeaderCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionward_leader_cache_total",
			Help: "total number of cached leader lookups",
		},
		[]string{"result"},
	)

	// orphan scanner reclaims
	// labels: result (started/contended/error)
	OrphanReclaimTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionward_orphan_reclaim_total",
			Help: "total number of orphaned connections the scanner tried to start",
		},
		[]string{"result"},
	)

	OrphanScanTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionward_orphan_scan_total",
			Help: "total number of orphan scans",
		},
	)

	// reconnect attempts driven by the health monitor
	// labels: result (ok/failed)
	ReconnectTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionward_reconnect_total",
			Help: "total number of reconnect attempts",
		},
		[]string{"result"},
	)

	// unhealthy connections left alone
	// labels: reason (cooldown/in_progress/remote_owner)
	ReconnectSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionward_reconnect_skipped_total",
			Help: "total number of unhealthy verdicts that did not trigger a reconnect",
		},
		[]string{"reason"},
	)

	// coordd: raft leader status - 1 if this node is leader, 0 if follower
	RaftIsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessionward_coordd_raft_is_leader",
			Help: "whether this node is the raft leader (1 = leader, 0 = follower)",
		},
	)

	// coordd: entries held by the state machine
	CoordEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessionward_coordd_entries",
			Help: "current number of entries in the coordination state machine",
		},
	)

	// coordd: expired entries removed by the sweeper
	SweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionward_coordd_swept_total",
			Help: "total number of expired entries removed by the sweeper",
		},
	)

	// service uptime - always 1 when running
	Up = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessionward_up",
			Help: "whether the service is up (always 1 when running)",
		},
	)
)

func init() {
	// set uptime gauge to 1 on startup
	Up.Set(1)
}
