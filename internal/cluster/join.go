package cluster

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/authmesh/authmesh-go/internal/cache"
	"github.com/authmesh/authmesh-go/internal/storage/snapshot"
	"github.com/authmesh/authmesh-go/internal/telemetry/metric"
)

// JoinState is the lifecycle state of a node starting up.
type JoinState int32

const (
	// StateBootstrapping means the node is probing peers for one that
	// can hand over table content.
	StateBootstrapping JoinState = iota

	// StateLoading means the node is pulling table snapshots.
	StateLoading

	// StateJoined means the node serves traffic.
	StateJoined
)

func (s JoinState) String() string {
	switch s {
	case StateBootstrapping:
		return "bootstrapping"
	case StateLoading:
		return "loading"
	case StateJoined:
		return "joined"
	default:
		return "unknown"
	}
}

// DefaultJoinAttemptTimeout bounds each per-peer probe during join.
const DefaultJoinAttemptTimeout = 2 * time.Second

// Coordinator drives the startup join protocol: probe the configured
// seed peers, pull table snapshots from the first reachable one, and
// transition to joined. If no peer is reachable the node falls back to
// its local snapshot files and starts degraded rather than refusing to
// start.
type Coordinator struct {
	engine     *cache.Engine
	membership *Membership
	client     *PeerClient
	snapshots  *snapshot.Manager
	seeds      []string
	logger     *slog.Logger
	metrics    *metric.Registry

	attemptTimeout time.Duration
	state          atomic.Int32
	degraded       atomic.Bool
}

// CoordinatorConfig configures a join Coordinator.
type CoordinatorConfig struct {
	Engine     *cache.Engine
	Membership *Membership
	Client     *PeerClient

	// Snapshots is the local snapshot manager used as the degraded
	// fallback. Optional; without it a failed join starts empty.
	Snapshots *snapshot.Manager

	// Seeds are cluster RPC addresses of peers to pull from.
	Seeds []string

	Logger  *slog.Logger
	Metrics *metric.Registry

	// AttemptTimeout bounds each per-peer probe. Zero means
	// DefaultJoinAttemptTimeout.
	AttemptTimeout time.Duration
}

// NewCoordinator creates a join coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultJoinAttemptTimeout
	}
	if cfg.Client == nil {
		cfg.Client = NewPeerClient(0)
	}

	return &Coordinator{
		engine:         cfg.Engine,
		membership:     cfg.Membership,
		client:         cfg.Client,
		snapshots:      cfg.Snapshots,
		seeds:          cfg.Seeds,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		attemptTimeout: cfg.AttemptTimeout,
	}
}

// State returns the current join state.
func (c *Coordinator) State() JoinState {
	return JoinState(c.state.Load())
}

// Ready reports whether the node has finished joining.
func (c *Coordinator) Ready() bool {
	return c.State() == StateJoined
}

// Degraded reports whether the node joined without reaching any peer
// despite peers being configured.
func (c *Coordinator) Degraded() bool {
	return c.degraded.Load()
}

// Run executes the join protocol. It always terminates in StateJoined;
// the error return reports snapshot-load problems in the degraded path.
func (c *Coordinator) Run(ctx context.Context) error {
	c.state.Store(int32(StateBootstrapping))

	addr, info, ok := c.findPeer(ctx)
	if !ok {
		if len(c.seeds) > 0 {
			c.degraded.Store(true)
			c.logger.Warn("no seed peer reachable, joining degraded",
				"seeds", c.seeds)
		} else {
			c.logger.Info("no seeds configured, bootstrapping new cluster")
		}

		c.state.Store(int32(StateLoading))
		err := c.loadLocalSnapshots()
		c.state.Store(int32(StateJoined))
		return err
	}

	c.state.Store(int32(StateLoading))
	c.pullTables(ctx, addr, info)
	c.state.Store(int32(StateJoined))

	c.logger.Info("join complete", "peer", info.ID, "state", c.State().String())
	return nil
}

// findPeer probes the seed list in order and returns the first peer
// that answers an info request within the attempt timeout.
func (c *Coordinator) findPeer(ctx context.Context) (string, NodeInfo, bool) {
	for _, addr := range c.seeds {
		if ctx.Err() != nil {
			return "", NodeInfo{}, false
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
		info, err := c.client.Info(attemptCtx, addr)
		cancel()
		if err != nil {
			c.logger.Warn("seed peer unreachable", "addr", addr, "error", err)
			continue
		}

		c.membership.MarkConnected(info.ID, addr, time.UnixMilli(info.JoinedAt))
		return addr, info, true
	}
	return "", NodeInfo{}, false
}

// pullTables fetches a snapshot of every shared table and loads it into
// the local engine. Only locally-empty tables are replaced, so running
// the join twice cannot wipe entries written in between.
func (c *Coordinator) pullTables(ctx context.Context, addr string, info NodeInfo) {
	remote := make(map[string]bool, len(info.Tables))
	for _, name := range info.Tables {
		remote[name] = true
	}

	for _, cfg := range c.engine.Tables() {
		if !remote[cfg.Name] {
			c.logger.Warn("peer does not host table, skipping",
				"table", cfg.Name, "peer", info.ID)
			continue
		}

		n, err := c.engine.Len(cfg.Name)
		if err == nil && n > 0 {
			c.logger.Info("table already populated, skipping join snapshot",
				"table", cfg.Name, "entries", n)
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
		entries, err := c.client.Snapshot(attemptCtx, addr, cfg.Name)
		cancel()
		if err != nil {
			c.logger.Error("failed to pull table snapshot",
				"table", cfg.Name, "peer", info.ID, "error", err)
			continue
		}

		if err := c.engine.Replace(cfg.Name, entries); err != nil {
			c.logger.Error("failed to load table snapshot",
				"table", cfg.Name, "error", err)
			continue
		}
		if c.metrics != nil {
			c.metrics.JoinSnapshots.Inc()
		}
		c.persist(cfg.Name, entries)
		c.logger.Info("loaded table snapshot from peer",
			"table", cfg.Name, "peer", info.ID, "entries", len(entries))
	}
}

// persist rewrites the table's local snapshot file after a full
// replace, so a crash before the next clean shutdown does not roll the
// table back past the replace.
func (c *Coordinator) persist(table string, entries []cache.Entry) {
	if c.snapshots == nil {
		return
	}
	if err := c.snapshots.Save(table, entries); err != nil {
		c.logger.Warn("failed to persist table snapshot",
			"table", table, "error", err)
	}
}

// loadLocalSnapshots restores tables from the local snapshot files.
// Missing files are normal for a first start.
func (c *Coordinator) loadLocalSnapshots() error {
	if c.snapshots == nil {
		return nil
	}

	var firstErr error
	for _, cfg := range c.engine.Tables() {
		entries, err := c.snapshots.Load(cfg.Name)
		if err != nil {
			if errors.Is(err, snapshot.ErrNoSnapshot) {
				continue
			}
			c.logger.Error("failed to load local snapshot",
				"table", cfg.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if err := c.engine.Replace(cfg.Name, entries); err != nil {
			c.logger.Error("failed to restore table from local snapshot",
				"table", cfg.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		c.logger.Info("restored table from local snapshot",
			"table", cfg.Name, "entries", len(entries))
	}
	return firstErr
}
