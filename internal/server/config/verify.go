package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/authmesh/authmesh-go/pkg/crypto/seal"
)

// Verify validates the configuration.
func Verify(cfg *ServerConfig) error {
	if err := verifyServer(&cfg.Server); err != nil {
		return err
	}
	if err := verifyStorage(&cfg.Storage); err != nil {
		return err
	}
	if err := verifyCache(&cfg.Cache); err != nil {
		return err
	}
	return verifyTables(cfg.Tables)
}

func verifyServer(cfg *ServerSection) error {
	if cfg.HTTP.Addr == "" {
		return errors.New("server.http.addr is required")
	}
	if cfg.Cluster.Addr == "" {
		return errors.New("server.cluster.addr is required")
	}
	if cfg.HTTP.RateLimit < 0 {
		return errors.New("server.http.rate_limit must not be negative")
	}
	return nil
}

func verifyStorage(cfg *StorageSection) error {
	if cfg.DataDir == "" {
		return errors.New("storage.data_dir is required")
	}

	// Check if data directory exists or can be created
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return errors.New("cannot create data directory: " + err.Error())
	}

	if cfg.SealKey != "" {
		if _, err := seal.NewFromHex(cfg.SealKey); err != nil {
			return fmt.Errorf("storage.seal_key: %w", err)
		}
	}
	return nil
}

func verifyCache(cfg *CacheSection) error {
	if cfg.DefaultTTL < 0 {
		return errors.New("cache.default_ttl must not be negative")
	}
	if cfg.SweepInterval <= 0 {
		return errors.New("cache.sweep_interval must be positive")
	}
	return nil
}

func verifyTables(tables []TableSection) error {
	if len(tables) == 0 {
		return errors.New("at least one table must be configured")
	}

	seen := make(map[string]bool, len(tables))
	for _, t := range tables {
		if t.Name == "" {
			return errors.New("tables[].name is required")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate table name %q", t.Name)
		}
		seen[t.Name] = true

		if t.Reconcilable && !t.Replicated {
			return fmt.Errorf("table %q: reconcilable requires replicated", t.Name)
		}
	}
	return nil
}
