package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/sessionward/pkg/client"
	"github.com/pixperk/sessionward/pkg/config"
	"github.com/pixperk/sessionward/pkg/election"
	"github.com/pixperk/sessionward/pkg/gateway"
	"github.com/pixperk/sessionward/pkg/health"
	"github.com/pixperk/sessionward/pkg/logging"
	"github.com/pixperk/sessionward/pkg/metrics"
	"github.com/pixperk/sessionward/pkg/ownership"
	"github.com/pixperk/sessionward/pkg/registry"
	"github.com/pixperk/sessionward/pkg/scanner"
	"github.com/pixperk/sessionward/pkg/session"
	"github.com/pixperk/sessionward/pkg/store"
	"github.com/pixperk/sessionward/pkg/store/redisstore"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an instance agent",
	Long: `Run an instance agent: claim orphaned active connections from the registry,
keep their ownership locks renewed, elect identity leaders and reconnect
unhealthy connections.`,
	RunE: runAgent,
}

func init() {
	runCmd.Flags().String("store", "", "coordination store backend: local, redis, coordd")
	runCmd.Flags().String("diagnostics-addr", "", "diagnostics HTTP address, empty keeps the configured one")
	_ = viper.BindPFlag("store.backend", runCmd.Flags().Lookup("store"))
	_ = viper.BindPFlag("diagnostics.addr", runCmd.Flags().Lookup("diagnostics-addr"))
}

// the store backend plus whatever must be closed with it
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func() error, error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		s, err := redisstore.Dial(ctx, cfg.Store.Redis)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.BackendCoordd:
		c, err := client.NewClient(cfg.Store.Coordd)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	default:
		return store.NewLocal(nil), func() error { return nil }, nil
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.New("sessionward", cfg.Logging)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}
	defer closeStore()

	conns, err := registry.OpenBolt(cfg.Registry.Path, nil)
	if err != nil {
		return err
	}
	defer conns.Close()

	ksOpts := cfg.KeyspaceOptions()
	ksOpts.Logger = log
	ks := store.NewKeyspace(backend, ksOpts)

	lock := ownership.New(ks, ownership.NewRegistry(), cfg.OwnershipConfig(), nil, log)

	var elect *election.Election
	if cfg.Leader.Enabled {
		elect = election.New(ks, cfg.ElectionConfig(), nil, log)
	}

	ctrl := session.NewController(lock, session.NewLoopback(), session.Options{
		Registry: conns,
		Election: elect,
		Logger:   log,
	})
	scan := scanner.New(conns, lock, ctrl, cfg.ScannerConfig(), log)
	monitor := health.New(lock, ctrl, cfg.Health, nil, log)

	log.Info("starting sessionward agent",
		"instance", cfg.Instance.ID,
		"owner_prefix", cfg.Instance.OwnerPrefix,
		"store", cfg.Store.Backend,
		"degraded_policy", ksOpts.Policy.String(),
	)
	metrics.Up.Set(1)
	defer metrics.Up.Set(0)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scan.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })

	if cfg.Diagnostics.Addr != "" {
		opts := gateway.Options{Locks: ks, OwnerPrefix: cfg.Instance.OwnerPrefix, Logger: log}
		if elect != nil {
			opts.Leaders = elect
		}
		serveDiagnostics(gctx, g, gateway.NewServer(cfg.Diagnostics.Addr, opts))
	}

	err = g.Wait()
	shutdown(log, ctrl, elect)
	return err
}

func serveDiagnostics(ctx context.Context, g *errgroup.Group, gw *gateway.Server) {
	g.Go(func() error { return gw.Start(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return gw.Stop(stopCtx)
	})
}

// stops every local connection and releases its lock so another instance can
// claim it without waiting for the TTL
func shutdown(log hclog.Logger, ctrl *session.Controller, elect *election.Election) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	log.Info("shutting down", "connections", len(ctrl.Local()))
	if err := ctrl.Close(ctx); err != nil {
		log.Warn("connections did not stop cleanly", "error", err)
	}
	if elect != nil {
		if err := elect.Close(ctx); err != nil {
			log.Warn("leadership not released cleanly", "error", err)
		}
	}
	log.Info("shutdown complete")
}
