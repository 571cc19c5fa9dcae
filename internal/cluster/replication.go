package cluster

import (
	"context"
	"log/slog"
	"time"

	"github.com/authmesh/authmesh-go/internal/cache"
	"github.com/authmesh/authmesh-go/internal/telemetry/metric"
)

// Channel fans local writes out to connected peers.
//
// Delivery is best-effort and asynchronous: the local operation has
// already committed when Broadcast is called, a slow or dead peer never
// blocks the caller, and failures are logged and counted but not
// retried. Join and heal are the mechanisms that repair missed writes.
type Channel struct {
	engine     *cache.Engine
	membership *Membership
	client     *PeerClient
	logger     *slog.Logger
	metrics    *metric.Registry
	timeout    time.Duration
}

// ChannelConfig configures a replication Channel.
type ChannelConfig struct {
	Engine     *cache.Engine
	Membership *Membership
	Client     *PeerClient
	Logger     *slog.Logger
	Metrics    *metric.Registry

	// Timeout bounds each per-peer delivery. Zero means
	// DefaultRPCTimeout.
	Timeout time.Duration
}

// NewChannel creates a replication channel.
func NewChannel(cfg ChannelConfig) *Channel {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRPCTimeout
	}
	if cfg.Client == nil {
		cfg.Client = NewPeerClient(cfg.Timeout)
	}

	return &Channel{
		engine:     cfg.Engine,
		membership: cfg.Membership,
		client:     cfg.Client,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		timeout:    cfg.Timeout,
	}
}

// Broadcast delivers one operation to every connected peer. Operations
// on non-replicated tables are dropped here, so callers do not need to
// check table configs themselves.
func (ch *Channel) Broadcast(table string, op cache.Op) {
	cfg, ok := ch.engine.TableConfig(table)
	if !ok || !cfg.Replicated {
		return
	}

	for _, peer := range ch.membership.ConnectedPeers() {
		go ch.deliver(peer, table, op)
	}
}

func (ch *Channel) deliver(peer NodeRecord, table string, op cache.Op) {
	ctx, cancel := context.WithTimeout(context.Background(), ch.timeout)
	defer cancel()

	if err := ch.client.Replicate(ctx, peer.Address, table, op); err != nil {
		if ch.metrics != nil {
			ch.metrics.ReplicationFailed.Inc()
		}
		ch.logger.Warn("replication delivery failed",
			"peer", peer.ID,
			"table", table,
			"error", err)
		return
	}
	if ch.metrics != nil {
		ch.metrics.ReplicationSent.Inc()
	}
}
