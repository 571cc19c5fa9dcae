package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/authmesh/authmesh-go/internal/cache"
	"github.com/authmesh/authmesh-go/internal/storage/snapshot"
)

// Reconciler restores a shared cache state after a partition heals.
//
// The policy is oldest node wins: among the nodes involved in the
// partition, the one with the earliest join time is authoritative, and
// every other node replaces its reconcilable tables with the
// authority's content. Ties on join time break toward the smallest
// node ID, so every node picks the same authority without any
// coordination. Writes accepted by non-authoritative sides during the
// split are discarded; the artifacts cached here can be regenerated by
// their issuers.
type Reconciler struct {
	engine     *cache.Engine
	membership *Membership
	client     *PeerClient
	snapshots  *snapshot.Manager
	logger     *slog.Logger
	timeout    time.Duration
}

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	Engine     *cache.Engine
	Membership *Membership
	Client     *PeerClient

	// Snapshots, when set, is rewritten for every reconciled table.
	Snapshots *snapshot.Manager

	Logger *slog.Logger

	// Timeout bounds each snapshot pull from the authority. Zero means
	// DefaultRPCTimeout.
	Timeout time.Duration
}

// NewReconciler creates a reconciler.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRPCTimeout
	}
	if cfg.Client == nil {
		cfg.Client = NewPeerClient(cfg.Timeout)
	}

	return &Reconciler{
		engine:     cfg.Engine,
		membership: cfg.Membership,
		client:     cfg.Client,
		snapshots:  cfg.Snapshots,
		logger:     cfg.Logger,
		timeout:    cfg.Timeout,
	}
}

// Unsplit reconciles local state with the authority for the given
// partition event. Lost nodes that are still unreachable are left out
// of the authority election; they reconcile when their own side heals.
func (r *Reconciler) Unsplit(ctx context.Context, event *PartitionEvent) error {
	authority := r.electAuthority(event)

	if authority.ID == r.membership.SelfID() {
		r.logger.Info("this node is the reconciliation authority",
			"node_id", authority.ID,
			"joined_at", authority.JoinedAt)
		return nil
	}

	r.logger.Info("reconciling from authority",
		"authority", authority.ID,
		"authority_joined_at", authority.JoinedAt)

	var firstErr error
	for _, cfg := range r.engine.Tables() {
		if !cfg.Reconcilable {
			continue
		}

		pullCtx, cancel := context.WithTimeout(ctx, r.timeout)
		entries, err := r.client.Snapshot(pullCtx, authority.Address, cfg.Name)
		cancel()
		if err != nil {
			r.logger.Error("failed to pull table from authority",
				"table", cfg.Name,
				"authority", authority.ID,
				"error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("pull %s from %s: %w", cfg.Name, authority.ID, err)
			}
			continue
		}

		if err := r.engine.Replace(cfg.Name, entries); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if r.snapshots != nil {
			if err := r.snapshots.Save(cfg.Name, entries); err != nil {
				r.logger.Warn("failed to persist reconciled table",
					"table", cfg.Name, "error", err)
			}
		}
		r.logger.Info("table reconciled",
			"table", cfg.Name,
			"authority", authority.ID,
			"entries", len(entries))
	}
	return firstErr
}

// electAuthority picks the oldest reachable node among self and the
// event's reconnected peers. The election is deterministic: earliest
// join time, then smallest node ID.
func (r *Reconciler) electAuthority(event *PartitionEvent) NodeRecord {
	authority := r.membership.Self()

	for id := range event.NodeIDs {
		rec, ok := r.membership.Record(id)
		if !ok || !rec.Connected {
			continue
		}
		if olderThan(rec, authority) {
			authority = rec
		}
	}
	return authority
}

func olderThan(a, b NodeRecord) bool {
	if !a.JoinedAt.Equal(b.JoinedAt) {
		return a.JoinedAt.Before(b.JoinedAt)
	}
	return a.ID < b.ID
}
