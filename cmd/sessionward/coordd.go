package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	pb "github.com/pixperk/sessionward/api/v1"
	"github.com/pixperk/sessionward/pkg/config"
	"github.com/pixperk/sessionward/pkg/gateway"
	"github.com/pixperk/sessionward/pkg/logging"
	"github.com/pixperk/sessionward/pkg/metrics"
	"github.com/pixperk/sessionward/pkg/raft"
	"github.com/pixperk/sessionward/pkg/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

var coorddCmd = &cobra.Command{
	Use:   "coordd",
	Short: "Run a raft coordination store node",
	Long: `Run a coordd node: the lock keyspace replicated by raft and served over
gRPC, for fleets without a shared Redis.`,
	RunE: runCoordd,
}

func init() {
	f := coorddCmd.Flags()
	f.String("node-id", "", "unique node ID (generates UUID if empty)")
	f.String("raft-addr", "", "raft bind address")
	f.String("grpc-addr", "", "gRPC server address")
	f.String("data-dir", "", "data directory for raft storage")
	f.Bool("bootstrap", false, "bootstrap a new cluster")
	f.StringSlice("peer", nil, "voter to add once leading, as node-id@raft-addr (repeatable)")

	for flag, key := range map[string]string{
		"node-id":   "coordd.node_id",
		"raft-addr": "coordd.raft_addr",
		"grpc-addr": "coordd.grpc_addr",
		"data-dir":  "coordd.data_dir",
		"bootstrap": "coordd.bootstrap",
		"peer":      "coordd.peers",
	} {
		_ = viper.BindPFlag(key, f.Lookup(flag))
	}
}

func runCoordd(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if errs := cfg.ValidateCoordd(); len(errs) > 0 {
		return config.ValidationErrors(errs)
	}
	log := logging.New("sessionward", cfg.Logging)

	nid := uuid.New()
	if cfg.Coordd.NodeID != "" {
		nid = uuid.MustParse(cfg.Coordd.NodeID)
	} else {
		log.Info("generated node id", "node", nid)
	}

	log.Info("starting coordd node",
		"node", nid,
		"raft", cfg.Coordd.RaftAddr,
		"grpc", cfg.Coordd.GRPCAddr,
		"data", cfg.Coordd.DataDir,
		"bootstrap", cfg.Coordd.Bootstrap,
	)

	node, err := raft.NewNode(&raft.Config{
		NodeID:        nid,
		BindAddr:      cfg.Coordd.RaftAddr,
		DataDir:       cfg.Coordd.DataDir,
		Bootstrap:     cfg.Coordd.Bootstrap,
		ApplyTimeout:  cfg.Coordd.ApplyTimeout,
		SweepInterval: cfg.Coordd.SweepInterval,
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("failed to create raft node: %w", err)
	}
	defer node.Shutdown()

	grpcServer := grpc.NewServer()
	pb.RegisterCoordinationServer(grpcServer, server.NewServer(node, log))

	listener, err := net.Listen("tcp", cfg.Coordd.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Coordd.GRPCAddr, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Up.Set(1)
	defer metrics.Up.Set(0)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("gRPC server listening", "addr", listener.Addr())
		return grpcServer.Serve(listener)
	})
	g.Go(func() error {
		<-gctx.Done()
		grpcServer.GracefulStop()
		return nil
	})
	g.Go(func() error { return node.Run(gctx) })
	if len(cfg.Coordd.Peers) > 0 {
		g.Go(func() error { return joinPeers(gctx, node, cfg.Coordd.Peers, log) })
	}
	if cfg.Diagnostics.Addr != "" {
		serveDiagnostics(gctx, g, gateway.NewServer(cfg.Diagnostics.Addr, gateway.Options{Locks: node, Logger: log}))
	}

	err = g.Wait()
	log.Info("coordd stopped")
	return err
}

// waits for this node to lead, then adds every peer as a voter
func joinPeers(ctx context.Context, node *raft.Node, peers []string, log hclog.Logger) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for !node.IsLeader() {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}

	for _, p := range peers {
		id, addr, err := config.ParsePeer(p)
		if err != nil {
			return err
		}
		if err := node.Join(id, addr); err != nil {
			log.Error("failed to add peer", "peer", p, "error", err)
		}
	}
	return nil
}
