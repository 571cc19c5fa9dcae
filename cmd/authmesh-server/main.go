// Package main provides the entry point for authmesh-server.
//
// authmesh-server is a clustered cache node for authentication
// artifacts such as sessions and one-time tokens. Nodes replicate
// writes to each other best-effort and reconcile after network
// partitions.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/urfave/cli/v2"

	"github.com/authmesh/authmesh-go/internal/cache"
	"github.com/authmesh/authmesh-go/internal/cluster"
	"github.com/authmesh/authmesh-go/internal/infra/buildinfo"
	"github.com/authmesh/authmesh-go/internal/infra/confloader"
	"github.com/authmesh/authmesh-go/internal/infra/shutdown"
	"github.com/authmesh/authmesh-go/internal/server/config"
	"github.com/authmesh/authmesh-go/internal/server/httpserver"
	"github.com/authmesh/authmesh-go/internal/storage/snapshot"
	"github.com/authmesh/authmesh-go/internal/store"
	"github.com/authmesh/authmesh-go/internal/telemetry/logger"
	"github.com/authmesh/authmesh-go/internal/telemetry/metric"
	"github.com/authmesh/authmesh-go/pkg/crypto/seal"
)

func main() {
	app := &cli.App{
		Name:  "authmesh-server",
		Usage: "clustered cache for authentication artifacts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to configuration file",
			},
		},
		Action: func(c *cli.Context) error {
			return run(c.String("config"))
		},
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "show version information",
				Action: func(c *cli.Context) error {
					fmt.Println("authmesh-server " + buildinfo.String())
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})
	slog.SetDefault(log)

	info := buildinfo.Get()
	log.Info("starting authmesh-server",
		"version", info.Version,
		"commit", info.Commit,
		"config", configFile)

	metrics := metric.NewRegistry()

	// Cache engine and tables.
	engine := cache.New(
		cache.WithSweepInterval(cfg.Cache.SweepInterval),
		cache.WithLogger(log),
		cache.WithMetrics(metrics),
	)
	for _, t := range cfg.Tables {
		err := engine.CreateTable(cache.TableConfig{
			Name:         t.Name,
			Replicated:   t.Replicated,
			Reconcilable: t.Reconcilable,
		})
		if err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}

	snapMgr, err := initSnapshots(cfg)
	if err != nil {
		return fmt.Errorf("init snapshots: %w", err)
	}

	// Cluster identity and membership view.
	nodeID := cfg.Cluster.NodeID
	if nodeID == "" {
		nodeID = "node-" + ulid.Make().String()
	}
	nodeAddr := cfg.Cluster.NodeAddress
	if nodeAddr == "" {
		nodeAddr = cfg.Server.Cluster.Addr
	}

	membership := cluster.NewMembership(cluster.NodeRecord{
		ID:       nodeID,
		Address:  nodeAddr,
		JoinedAt: time.Now(),
	}, log, cluster.WithMembershipMetrics(metrics))

	// Cluster RPC server must accept requests before peers are probed.
	clusterServer := cluster.NewServer(cfg.Server.Cluster.Addr, engine, membership, log)
	go func() {
		log.Info("cluster server listening", "addr", cfg.Server.Cluster.Addr)
		if err := clusterServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("cluster server error", "error", err)
		}
	}()

	peerClient := cluster.NewPeerClient(0)

	// Join: pull state from a seed peer, or fall back to local snapshots.
	coordinator := cluster.NewCoordinator(cluster.CoordinatorConfig{
		Engine:     engine,
		Membership: membership,
		Client:     peerClient,
		Snapshots:  snapMgr,
		Seeds:      cfg.Cluster.Seeds,
		Logger:     log,
		Metrics:    metrics,
	})
	if err := coordinator.Run(context.Background()); err != nil {
		log.Warn("join finished with snapshot errors", "error", err)
	}

	// Gossip keeps the membership view current from here on.
	gossipSeeds := cfg.Cluster.GossipSeeds
	if len(gossipSeeds) == 0 {
		gossipSeeds = cfg.Cluster.Seeds
	}
	err = membership.StartGossip(cluster.GossipConfig{
		BindAddr: cfg.Cluster.GossipAddr,
		BindPort: cfg.Cluster.GossipPort,
		Seeds:    gossipSeeds,
	})
	if err != nil {
		return fmt.Errorf("start gossip: %w", err)
	}

	channel := cluster.NewChannel(cluster.ChannelConfig{
		Engine:     engine,
		Membership: membership,
		Client:     peerClient,
		Logger:     log,
		Metrics:    metrics,
	})

	reconciler := cluster.NewReconciler(cluster.ReconcilerConfig{
		Engine:     engine,
		Membership: membership,
		Client:     peerClient,
		Snapshots:  snapMgr,
		Logger:     log,
	})

	monitor := cluster.NewMonitor(cluster.MonitorConfig{
		Membership: membership,
		Healer:     reconciler,
		Logger:     log,
		Metrics:    metrics,
	})

	// Background loops.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	go monitor.Run(bgCtx)
	go engine.StartSweeper(bgCtx)

	st := store.New(store.Config{
		Engine:      engine,
		Broadcaster: channel,
		DefaultTTL:  cfg.Cache.DefaultTTL,
		Logger:      log,
	})

	restHandler := httpserver.NewHandler(httpserver.HandlerConfig{
		Store:      st,
		Membership: membership,
		Ready:      coordinator.Ready,
		Health:     func() string { return monitor.State().String() },
		Metrics:    metrics.Handler(),
		Logger:     log,
	})
	router := httpserver.NewRouter(&httpserver.RouterConfig{
		Handler:     restHandler,
		Logger:      log,
		RateLimit:   cfg.Server.HTTP.RateLimit,
		RateBurst:   cfg.Server.HTTP.RateBurst,
		EnableAudit: true,
	})
	httpServer := httpserver.New(cfg.Server.HTTP.Addr, router)

	watcher := startConfigWatcher(configFile, log)

	// Shutdown hooks run in reverse order of registration.
	shutdownHandler := shutdown.NewHandler(30 * time.Second)

	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		bgCancel()
		if watcher != nil {
			return watcher.Stop()
		}
		return nil
	})
	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		log.Info("saving table snapshots")
		return snapMgr.SaveAll(engine)
	})
	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		log.Info("leaving gossip cluster")
		return membership.ShutdownGossip()
	})
	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		log.Info("shutting down cluster server")
		return clusterServer.Shutdown(ctx)
	})
	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return httpServer.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening", "addr", cfg.Server.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", "error", err)
		}
	}()

	log.Info("server started",
		"node_id", nodeID,
		"degraded", coordinator.Degraded())
	if err := shutdownHandler.Wait(); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}

	log.Info("server stopped gracefully")
	return nil
}

// loadConfig loads configuration from file and environment.
func loadConfig(configFile string) (*config.ServerConfig, error) {
	cfg := config.Default()

	opts := []confloader.Option{}
	if configFile != "" {
		opts = append(opts, confloader.WithConfigFile(configFile))
	}

	loader := confloader.NewLoader(opts...)
	if err := loader.Load(cfg); err != nil {
		return nil, err
	}

	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// initSnapshots creates the snapshot manager, sealed when a key is
// configured.
func initSnapshots(cfg *config.ServerConfig) (*snapshot.Manager, error) {
	snapCfg := snapshot.Config{
		Dir: filepath.Join(cfg.Storage.DataDir, "snapshots"),
	}

	if cfg.Storage.SealKey != "" {
		sealer, err := seal.NewFromHex(cfg.Storage.SealKey)
		if err != nil {
			return nil, err
		}
		snapCfg.Sealer = sealer
	}

	return snapshot.NewManager(snapCfg)
}

// startConfigWatcher reloads the log level when the config file
// changes. Other settings require a restart.
func startConfigWatcher(configFile string, log *slog.Logger) *confloader.Watcher {
	if configFile == "" {
		return nil
	}

	watcher, err := confloader.NewWatcher(confloader.WithWatcherLogger(log))
	if err != nil {
		log.Warn("config watcher unavailable", "error", err)
		return nil
	}
	if err := watcher.Watch(configFile); err != nil {
		log.Warn("cannot watch config file", "path", configFile, "error", err)
		return nil
	}

	watcher.OnChange(func(path string) {
		if filepath.Base(path) != filepath.Base(configFile) {
			return
		}

		cfg := config.Default()
		loader := confloader.NewLoader(confloader.WithConfigFile(configFile))
		if err := loader.Load(cfg); err != nil {
			log.Warn("config reload failed", "error", err)
			return
		}

		if cfg.Log.Level != logger.GetLevel() {
			logger.SetLevel(cfg.Log.Level)
			log.Info("log level changed", "level", cfg.Log.Level)
		}
	})

	go watcher.Start()
	return watcher
}
