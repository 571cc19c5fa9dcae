package config

import "time"

// ServerConfig is the root configuration for authmesh-server.
type ServerConfig struct {
	Server  ServerSection  `koanf:"server"`
	Cache   CacheSection   `koanf:"cache"`
	Storage StorageSection `koanf:"storage"`
	Cluster ClusterSection `koanf:"cluster"`
	Tables  []TableSection `koanf:"tables"`
	Log     LogSection     `koanf:"log"`
}

// ServerSection configures server endpoints.
type ServerSection struct {
	HTTP    HTTPConfig    `koanf:"http"`
	Cluster ClusterConfig `koanf:"cluster"`
}

// HTTPConfig configures the client-facing HTTP server.
type HTTPConfig struct {
	Addr string `koanf:"addr"`

	// RateLimit is the per-client request rate (requests/second).
	// Zero disables rate limiting.
	RateLimit float64 `koanf:"rate_limit"`

	// RateBurst is the per-client burst size. Only used when
	// RateLimit is set.
	RateBurst int `koanf:"rate_burst"`
}

// ClusterConfig configures the cluster RPC server.
type ClusterConfig struct {
	Addr string `koanf:"addr"`
}

// CacheSection configures cache engine behavior.
type CacheSection struct {
	// DefaultTTL applies to puts that do not carry an explicit TTL.
	DefaultTTL time.Duration `koanf:"default_ttl"`

	// SweepInterval is the period of the expiry sweeper.
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// StorageSection configures snapshot persistence.
type StorageSection struct {
	DataDir string `koanf:"data_dir"`

	// SealKey is a hex-encoded 32-byte key. When set, snapshot files
	// are encrypted at rest.
	SealKey string `koanf:"seal_key"`
}

// ClusterSection configures cluster membership.
type ClusterSection struct {
	// NodeID is the unique identifier for this cluster node.
	// If empty, a random ID is generated at startup.
	NodeID string `koanf:"node_id"`

	// NodeAddress is the cluster RPC address advertised to peers.
	// Defaults to server.cluster.addr.
	NodeAddress string `koanf:"node_address"`

	// GossipAddr is the gossip bind address (e.g., "192.168.1.10").
	GossipAddr string `koanf:"gossip_addr"`

	// GossipPort is the gossip bind port (e.g., 5344).
	GossipPort int `koanf:"gossip_port"`

	// Seeds is the list of peer cluster RPC addresses to pull state
	// from at startup. Empty bootstraps a new cluster.
	Seeds []string `koanf:"seeds"`

	// GossipSeeds is the list of gossip addresses of existing members.
	// Defaults to Seeds when empty.
	GossipSeeds []string `koanf:"gossip_seeds"`
}

// TableSection declares one cache table.
type TableSection struct {
	Name string `koanf:"name"`

	// Replicated tables fan writes out to connected peers.
	Replicated bool `koanf:"replicated"`

	// Reconcilable tables are overwritten from the authority after a
	// partition heals.
	Reconcilable bool `koanf:"reconcilable"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}
