package config

import "time"

// Default configuration values.
const (
	DefaultHTTPAddr    = "127.0.0.1:6080"
	DefaultClusterAddr = "127.0.0.1:6343"

	DefaultCacheTTL      = 15 * time.Minute
	DefaultSweepInterval = 5 * time.Second

	DefaultDataDir    = "/var/lib/authmesh-server/data"
	DefaultGossipPort = 6344

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default server configuration.
func Default() *ServerConfig {
	return &ServerConfig{
		Server: ServerSection{
			HTTP: HTTPConfig{
				Addr: DefaultHTTPAddr,
			},
			Cluster: ClusterConfig{
				Addr: DefaultClusterAddr,
			},
		},
		Cache: CacheSection{
			DefaultTTL:    DefaultCacheTTL,
			SweepInterval: DefaultSweepInterval,
		},
		Storage: StorageSection{
			DataDir: DefaultDataDir,
		},
		Cluster: ClusterSection{
			GossipPort: DefaultGossipPort,
		},
		Tables: []TableSection{
			{Name: "sessions", Replicated: true, Reconcilable: true},
			{Name: "tokens", Replicated: true, Reconcilable: true},
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
