package cluster

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/authmesh/authmesh-go/internal/telemetry/metric"
)

// NodeRecord describes one known cluster node from this node's point
// of view. Records are never deleted while the process lives; stale
// addresses are refreshed on the next successful contact.
type NodeRecord struct {
	ID        string
	Address   string // cluster RPC address (host:port)
	JoinedAt  time.Time
	Connected bool
}

// Signal is a connectivity transition for a single peer.
type Signal struct {
	NodeID    string
	Connected bool
}

// Membership tracks which nodes are known and connected.
//
// Connectivity is a boolean per peer, observed independently by each
// node; there is no consensus on the membership set. The view is
// maintained from gossip events, and can also be driven directly via
// MarkConnected/MarkDisconnected (the join coordinator does this for
// seed peers it contacted over RPC).
type Membership struct {
	self    NodeRecord
	logger  *slog.Logger
	metrics *metric.Registry

	mu        sync.RWMutex
	view      map[string]NodeRecord
	callbacks []func(Signal)

	ml *memberlist.Memberlist
}

// MembershipOption configures a Membership.
type MembershipOption func(*Membership)

// WithMembershipMetrics sets the metrics registry.
func WithMembershipMetrics(m *metric.Registry) MembershipOption {
	return func(ms *Membership) {
		ms.metrics = m
	}
}

// NewMembership creates a membership view for the given local node.
// JoinedAt should be the process start time and must be set.
func NewMembership(self NodeRecord, logger *slog.Logger, opts ...MembershipOption) *Membership {
	if logger == nil {
		logger = slog.Default()
	}
	self.Connected = true

	m := &Membership{
		self:   self,
		logger: logger,
		view:   make(map[string]NodeRecord),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SelfID returns the local node's identifier.
func (m *Membership) SelfID() string {
	return m.self.ID
}

// Self returns the local node's record.
func (m *Membership) Self() NodeRecord {
	return m.self
}

// KnownNodes returns all known peers (self excluded).
func (m *Membership) KnownNodes() []NodeRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]NodeRecord, 0, len(m.view))
	for _, rec := range m.view {
		out = append(out, rec)
	}
	return out
}

// ConnectedPeers returns the peers currently marked connected.
func (m *Membership) ConnectedPeers() []NodeRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]NodeRecord, 0, len(m.view))
	for _, rec := range m.view {
		if rec.Connected {
			out = append(out, rec)
		}
	}
	return out
}

// Record returns the record for a peer, or the self record for the
// local ID.
func (m *Membership) Record(id string) (NodeRecord, bool) {
	if id == m.self.ID {
		return m.self, true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.view[id]
	return rec, ok
}

// OnChange registers a callback fired on every connectivity transition.
// Callbacks must not block; they run on the gossip event path.
func (m *Membership) OnChange(fn func(Signal)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// MarkConnected records a peer as reachable, creating or refreshing its
// record. Fires a connectivity signal on the disconnected->connected
// transition.
func (m *Membership) MarkConnected(id, address string, joinedAt time.Time) {
	if id == m.self.ID {
		return
	}

	m.mu.Lock()
	rec, known := m.view[id]
	transition := !known || !rec.Connected
	rec.ID = id
	if address != "" {
		rec.Address = address
	}
	if !joinedAt.IsZero() {
		rec.JoinedAt = joinedAt
	}
	rec.Connected = true
	m.view[id] = rec
	callbacks := m.snapshotCallbacks()
	connected := m.connectedCountLocked()
	m.mu.Unlock()

	m.updateMemberGauge(connected)

	if transition {
		m.logger.Info("peer connected", "node_id", id, "addr", rec.Address)
		for _, cb := range callbacks {
			cb(Signal{NodeID: id, Connected: true})
		}
	}
}

// MarkDisconnected records a peer as unreachable. The record is kept;
// only the connectivity flag flips. Fires a signal on the
// connected->disconnected transition.
func (m *Membership) MarkDisconnected(id string) {
	if id == m.self.ID {
		return
	}

	m.mu.Lock()
	rec, known := m.view[id]
	transition := known && rec.Connected
	if known {
		rec.Connected = false
		m.view[id] = rec
	}
	callbacks := m.snapshotCallbacks()
	connected := m.connectedCountLocked()
	m.mu.Unlock()

	m.updateMemberGauge(connected)

	if transition {
		m.logger.Warn("peer disconnected", "node_id", id)
		for _, cb := range callbacks {
			cb(Signal{NodeID: id, Connected: false})
		}
	}
}

// snapshotCallbacks must be called with mu held.
func (m *Membership) snapshotCallbacks() []func(Signal) {
	out := make([]func(Signal), len(m.callbacks))
	copy(out, m.callbacks)
	return out
}

// connectedCountLocked must be called with mu held. Counts self.
func (m *Membership) connectedCountLocked() int {
	count := 1
	for _, rec := range m.view {
		if rec.Connected {
			count++
		}
	}
	return count
}

func (m *Membership) updateMemberGauge(connected int) {
	if m.metrics != nil {
		m.metrics.ClusterMembers.Set(float64(connected))
	}
}

// GossipConfig configures the memberlist transport.
type GossipConfig struct {
	// BindAddr is the gossip bind address.
	BindAddr string

	// BindPort is the gossip bind port (0 picks a free port).
	BindPort int

	// Seeds are gossip addresses of existing members to join.
	Seeds []string
}

// nodeMetadata travels in memberlist node meta so peers learn our RPC
// address and join time without a separate exchange.
type nodeMetadata struct {
	RPCAddr  string `json:"rpc_addr"`
	JoinedAt int64  `json:"joined_at"`
}

// StartGossip creates the memberlist instance and, if seeds are given,
// joins the existing cluster.
func (m *Membership) StartGossip(cfg GossipConfig) error {
	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = m.self.ID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort

	meta, err := json.Marshal(nodeMetadata{
		RPCAddr:  m.self.Address,
		JoinedAt: m.self.JoinedAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal node metadata: %w", err)
	}
	mlConfig.Delegate = &metadataDelegate{meta: meta}
	mlConfig.Events = &eventDelegate{membership: m}

	// Route memberlist's own log lines through slog at debug level.
	mlConfig.LogOutput = &slogWriter{logger: m.logger}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return fmt.Errorf("create memberlist: %w", err)
	}
	m.ml = ml

	if len(cfg.Seeds) > 0 {
		n, err := ml.Join(cfg.Seeds)
		if err != nil {
			m.logger.Warn("gossip join incomplete",
				"seeds", cfg.Seeds,
				"error", err)
		} else {
			m.logger.Info("joined gossip cluster",
				"seeds", cfg.Seeds,
				"contacted", n)
		}
	} else {
		m.logger.Info("gossip started in bootstrap mode", "node_id", m.self.ID)
	}

	return nil
}

// ShutdownGossip leaves the cluster and stops the gossip transport.
func (m *Membership) ShutdownGossip() error {
	if m.ml == nil {
		return nil
	}
	if err := m.ml.Leave(time.Second); err != nil {
		m.logger.Error("failed to leave gossip cluster", "error", err)
	}
	if err := m.ml.Shutdown(); err != nil {
		return fmt.Errorf("shutdown memberlist: %w", err)
	}
	m.ml = nil
	return nil
}

// eventDelegate feeds memberlist events into the membership view.
type eventDelegate struct {
	membership *Membership
}

func (e *eventDelegate) NotifyJoin(node *memberlist.Node) {
	m := e.membership
	if node.Name == m.self.ID {
		return
	}

	var meta nodeMetadata
	if len(node.Meta) > 0 {
		if err := json.Unmarshal(node.Meta, &meta); err != nil {
			m.logger.Warn("peer joined with unreadable metadata",
				"node_id", node.Name,
				"error", err)
		}
	}

	addr := meta.RPCAddr
	if addr == "" {
		addr = node.Address()
	}
	m.MarkConnected(node.Name, addr, time.UnixMilli(meta.JoinedAt))
}

func (e *eventDelegate) NotifyLeave(node *memberlist.Node) {
	e.membership.MarkDisconnected(node.Name)
}

func (e *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	e.NotifyJoin(node)
}

// metadataDelegate advertises this node's metadata to the cluster.
type metadataDelegate struct {
	meta []byte
}

func (d *metadataDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return d.meta[:limit]
	}
	return d.meta
}

func (d *metadataDelegate) NotifyMsg([]byte)                           {}
func (d *metadataDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *metadataDelegate) LocalState(join bool) []byte                { return nil }
func (d *metadataDelegate) MergeRemoteState(buf []byte, join bool)     {}

// slogWriter adapts slog.Logger to io.Writer for memberlist.
type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(p []byte) (int, error) {
	w.logger.Debug(string(p))
	return len(p), nil
}
