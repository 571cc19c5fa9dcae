package cluster

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/authmesh/authmesh-go/internal/telemetry/metric"
)

// HealthState is the node's view of cluster connectivity.
type HealthState int

const (
	// Stable means every previously seen peer is either connected or
	// was never lost during this epoch.
	Stable HealthState = iota

	// Split means at least one peer was lost and has not been healed.
	Split

	// Healing means a lost peer came back and reconciliation is running.
	Healing
)

func (s HealthState) String() string {
	switch s {
	case Stable:
		return "stable"
	case Split:
		return "split"
	case Healing:
		return "healing"
	default:
		return "unknown"
	}
}

// PartitionEvent records one partition episode: which peers were lost
// and when the split was first observed. The set accumulates while the
// split persists and is cleared only by a successful heal.
type PartitionEvent struct {
	DetectedAt time.Time
	NodeIDs    map[string]bool
	Healed     bool
}

// Healer runs the post-partition reconciliation. Implemented by
// Reconciler; an interface so the monitor can be tested without a
// cluster.
type Healer interface {
	Unsplit(ctx context.Context, event *PartitionEvent) error
}

// DefaultProbeInterval is how often the monitor retries a heal that
// could not complete.
const DefaultProbeInterval = 10 * time.Second

// Monitor watches membership connectivity signals and drives the
// Stable -> Split -> Healing -> Stable state machine. A heal is
// attempted when a lost peer reconnects; a failed heal leaves the
// state at Split and is retried on the next signal or probe tick.
type Monitor struct {
	membership *Membership
	healer     Healer
	logger     *slog.Logger
	metrics    *metric.Registry

	probeInterval time.Duration
	signals       chan Signal

	mu      sync.Mutex
	state   HealthState
	pending *PartitionEvent
	clock   func() time.Time
}

// MonitorConfig configures a partition Monitor.
type MonitorConfig struct {
	Membership *Membership
	Healer     Healer
	Logger     *slog.Logger
	Metrics    *metric.Registry

	// ProbeInterval is the heal retry period. Zero means
	// DefaultProbeInterval.
	ProbeInterval time.Duration
}

// NewMonitor creates a partition monitor and subscribes it to
// membership connectivity changes.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}

	m := &Monitor{
		membership:    cfg.Membership,
		healer:        cfg.Healer,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		probeInterval: cfg.ProbeInterval,
		signals:       make(chan Signal, 64),
		state:         Stable,
		clock:         time.Now,
	}

	if m.membership != nil {
		m.membership.OnChange(m.enqueue)
	}
	return m
}

// State returns the current health state.
func (m *Monitor) State() HealthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Pending returns a copy of the unhealed partition event, if any.
func (m *Monitor) Pending() (PartitionEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == nil {
		return PartitionEvent{}, false
	}
	out := PartitionEvent{
		DetectedAt: m.pending.DetectedAt,
		NodeIDs:    make(map[string]bool, len(m.pending.NodeIDs)),
		Healed:     m.pending.Healed,
	}
	for id := range m.pending.NodeIDs {
		out.NodeIDs[id] = true
	}
	return out, true
}

// enqueue is the membership callback. It must not block; if the buffer
// is full the signal is dropped and the probe ticker picks up the slack.
func (m *Monitor) enqueue(sig Signal) {
	select {
	case m.signals <- sig:
	default:
	}
}

// Run processes connectivity signals until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-m.signals:
			m.handle(ctx, sig)
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

// Handle processes one connectivity signal synchronously. Exported for
// wiring setups that drive the monitor without Run.
func (m *Monitor) Handle(ctx context.Context, sig Signal) {
	m.handle(ctx, sig)
}

func (m *Monitor) handle(ctx context.Context, sig Signal) {
	if !sig.Connected {
		m.recordLoss(sig.NodeID)
		return
	}

	m.mu.Lock()
	shouldHeal := m.pending != nil && m.pending.NodeIDs[sig.NodeID]
	m.mu.Unlock()

	if shouldHeal {
		m.attemptHeal(ctx)
	}
}

func (m *Monitor) recordLoss(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A loss during an in-flight heal opens a fresh episode so the
	// finishing heal cannot clear it.
	if m.pending == nil || m.state == Healing {
		m.pending = &PartitionEvent{
			DetectedAt: m.clock(),
			NodeIDs:    make(map[string]bool),
		}
	}
	m.pending.NodeIDs[nodeID] = true

	prev := m.state
	m.state = Split
	if prev != Split {
		m.logger.Warn("partition detected",
			"node_id", nodeID,
			"lost_nodes", len(m.pending.NodeIDs))
	}
}

// probe retries the heal if any lost peer is reachable again. This
// covers signals dropped under load and heals that failed mid-flight.
func (m *Monitor) probe(ctx context.Context) {
	m.mu.Lock()
	if m.state != Split || m.pending == nil {
		m.mu.Unlock()
		return
	}
	lost := make([]string, 0, len(m.pending.NodeIDs))
	for id := range m.pending.NodeIDs {
		lost = append(lost, id)
	}
	m.mu.Unlock()

	for _, id := range lost {
		if rec, ok := m.membership.Record(id); ok && rec.Connected {
			m.attemptHeal(ctx)
			return
		}
	}
}

func (m *Monitor) attemptHeal(ctx context.Context) {
	m.mu.Lock()
	if m.state == Healing || m.pending == nil {
		m.mu.Unlock()
		return
	}
	m.state = Healing
	event := m.pending
	m.mu.Unlock()

	m.logger.Info("partition healing started",
		"lost_nodes", len(event.NodeIDs),
		"detected_at", event.DetectedAt)

	err := m.healer.Unsplit(ctx, event)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		// Keep the event; the next signal or probe retries.
		m.state = Split
		if m.metrics != nil {
			m.metrics.PartitionHeals.WithLabelValues("failure").Inc()
		}
		m.logger.Error("partition heal failed", "error", err)
		return
	}

	// New losses recorded during the heal start a fresh episode.
	if m.pending == event {
		event.Healed = true
		m.pending = nil
		m.state = Stable
	} else {
		m.state = Split
	}
	if m.metrics != nil {
		m.metrics.PartitionHeals.WithLabelValues("success").Inc()
	}
	m.logger.Info("partition healed",
		"nodes", len(event.NodeIDs),
		"duration", m.clock().Sub(event.DetectedAt))
}
