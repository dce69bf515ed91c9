package raft

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/pixperk/sessionward/pkg/clock"
	"github.com/pixperk/sessionward/pkg/fsm"
	"github.com/pixperk/sessionward/pkg/metrics"
	"github.com/pixperk/sessionward/pkg/storage"
	"github.com/pixperk/sessionward/pkg/store"
	"github.com/pixperk/sessionward/pkg/types"
)

// ErrNotRaftLeader is returned for writes proposed on a follower.
var ErrNotRaftLeader = errors.New("not the raft leader")

// wraps a raft inst with the coordination fsm and exposes it as a store
type Node struct {
	raft    *raft.Raft
	fsm     *fsm.FSM
	raftFSM *fsm.RaftFSM
	storage *storage.BoltDBStorage
	addr    raft.ServerAddress
	cfg     *Config
	clock   clock.Clock
	log     hclog.Logger
}

var _ store.Store = (*Node)(nil)

type Config struct {
	NodeID    uuid.UUID //unique ID for this node
	BindAddr  string    //net addr to bind Raft communication
	DataDir   string    //data directory for Raft storage
	Bootstrap bool      //if this is the first node in the cluster

	ApplyTimeout  time.Duration //upper bound on one proposal
	SweepInterval time.Duration //how often the leader drops expired entries

	Clock  clock.Clock
	Logger hclog.Logger
}

func NewNode(cfg *Config) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 5 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	c := cfg.Clock
	if c == nil {
		c = clock.System{}
	}
	log := cfg.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}
	log = log.Named("coordd")

	raftFSM := fsm.NewRaftFSM(c)
	stateMachine := raftFSM.GetFSM()

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID.String())
	raftCfg.Logger = log.Named("raft")

	raftCfg.HeartbeatTimeout = 1000 * time.Millisecond
	raftCfg.ElectionTimeout = 1000 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond //time to wait before committing entries
	raftCfg.SnapshotThreshold = 8192              // snapshot after 8K log entries

	//add boltDB storage
	raftStorage, err := storage.NewBoltDBStorage(cfg.DataDir, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create stores: %w", err)
	}

	//tcp transport for inter-node communication
	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		raftStorage.Close()
		return nil, fmt.Errorf("failed to resolve bind addr: %w", err)
	}
	var advertise net.Addr = addr
	if addr.Port == 0 {
		//let the listener pick the port and advertise that
		advertise = nil
	}

	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, advertise, 3, 10*time.Second, log.Named("transport"))
	if err != nil {
		raftStorage.Close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, raftFSM, raftStorage.LogStore, raftStorage.StableStore, raftStorage.SnapshotStore, transport)
	if err != nil {
		transport.Close()
		raftStorage.Close()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	//bootstrap if needed
	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      raftCfg.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}

		//already bootstrapped on restart, which is fine
		if err := r.BootstrapCluster(configuration).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			log.Warn("bootstrap failed", "error", err)
		}
	}

	return &Node{
		raft:    r,
		fsm:     stateMachine,
		raftFSM: raftFSM,
		storage: raftStorage,
		addr:    transport.LocalAddr(),
		cfg:     cfg,
		clock:   c,
		log:     log,
	}, nil
}

// proposes a command to the cluster and returns the fsm's response
func (n *Node) Apply(ctx context.Context, cmd types.Command) (any, error) {
	if n.raft.State() != raft.Leader {
		return nil, n.notLeader()
	}

	data, err := types.EncodeCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}

	timeout := n.cfg.ApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return nil, types.ErrStoreTimeout
	}

	//replicate to cluster via Raft
	start := time.Now()
	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		switch {
		case errors.Is(err, raft.ErrNotLeader), errors.Is(err, raft.ErrLeadershipLost), errors.Is(err, raft.ErrLeadershipTransferInProgress):
			return nil, n.notLeader()
		case errors.Is(err, raft.ErrEnqueueTimeout):
			return nil, fmt.Errorf("%w: %s after %s", types.ErrStoreTimeout, cmd.Type(), time.Since(start))
		case errors.Is(err, raft.ErrRaftShutdown):
			return nil, fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
		}
		return nil, fmt.Errorf("failed to apply %s: %w", cmd.Type(), err)
	}

	//the fsm hands back decode and validation errors as its response
	if err, ok := future.Response().(error); ok {
		return nil, err
	}
	return future.Response(), nil
}

func (n *Node) notLeader() error {
	return fmt.Errorf("%w: %w, leader is at: %s", types.ErrStoreUnavailable, ErrNotRaftLeader, n.GetLeader())
}

func (n *Node) now() int64 { return clock.UnixMs(n.clock) }

func (n *Node) cas(ctx context.Context, cmd types.Command) (bool, error) {
	res, err := n.Apply(ctx, cmd)
	if err != nil {
		return false, err
	}
	return fsm.CASResult(res)
}

func (n *Node) TrySet(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return n.cas(ctx, types.SetCmd{Key: key, Value: value, TTL: ttl, NowMs: n.now()})
}

func (n *Node) TryExtend(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	return n.cas(ctx, types.ExtendCmd{Key: key, Expected: expected, TTL: ttl, NowMs: n.now()})
}

func (n *Node) TryReplace(ctx context.Context, key, expected, next string, ttl time.Duration) (bool, error) {
	return n.cas(ctx, types.ReplaceCmd{Key: key, Expected: expected, Next: next, TTL: ttl, NowMs: n.now()})
}

func (n *Node) TryDelete(ctx context.Context, key, expected string) (bool, error) {
	return n.cas(ctx, types.DeleteCmd{Key: key, Expected: expected, NowMs: n.now()})
}

func (n *Node) TryElect(ctx context.Context, key string, candidate types.LeaderValue, deadThreshold, ttl time.Duration) (types.ElectOutcome, error) {
	res, err := n.Apply(ctx, types.ElectCmd{
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

// reads are served from the local replica
func (n *Node) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	v, ok := n.fsm.Get(key)
	return v, ok, nil
}

func (n *Node) Scan(ctx context.Context, prefix string) ([]types.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return n.fsm.Scan(prefix), nil
}

// Run sweeps expired entries while this node leads and keeps the node gauges
// current, until ctx ends.
func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		n.sweep(ctx)
	}
}

func (n *Node) sweep(ctx context.Context) {
	leader := n.IsLeader()
	if leader {
		metrics.RaftIsLeader.Set(1)
	} else {
		metrics.RaftIsLeader.Set(0)
	}
	metrics.CoordEntries.Set(float64(n.fsm.Stats().Entries))

	if !leader || n.fsm.ExpiredCount() == 0 {
		return
	}

	res, err := n.Apply(ctx, types.SweepCmd{NowMs: n.now()})
	if err != nil {
		n.log.Warn("sweep failed", "error", err)
		return
	}
	if r, ok := res.(fsm.SweepResponse); ok && r.Removed > 0 {
		metrics.SweptTotal.Add(float64(r.Removed))
		n.log.Debug("swept expired entries", "removed", r.Removed)
	}
}

// adds a voter to the cluster; only the leader may do this
func (n *Node) Join(nodeID, addr string) error {
	if !n.IsLeader() {
		return n.notLeader()
	}
	future := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 0)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter %s: %w", nodeID, err)
	}
	n.log.Info("voter joined", "node", nodeID, "addr", addr)
	return nil
}

// returns true if this node is the leader
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// returns the leader's address
func (n *Node) GetLeader() string {
	leaderAddr, _ := n.raft.LeaderWithID()
	return string(leaderAddr)
}

func (n *Node) NodeID() uuid.UUID { return n.cfg.NodeID }

// raft address other nodes reach this one on
func (n *Node) Addr() string { return string(n.addr) }

// blocks until a leader is elected
func (n *Node) WaitForLeader(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timeoutCh := time.After(timeout)

	for {
		select {
		case <-timeoutCh:
			return fmt.Errorf("no leader elected within timeout")
		case <-ticker.C:
			if n.GetLeader() != "" {
				return nil
			}
		}
	}
}

// returns FSM statistics
func (n *Node) Stats() fsm.Stats {
	return n.fsm.Stats()
}

// gracefully shuts down the Raft node and closes its stores
func (n *Node) Shutdown() error {
	err := n.raft.Shutdown().Error()
	return errors.Join(err, n.storage.Close())
}
