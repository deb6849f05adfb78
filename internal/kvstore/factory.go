package kvstore

import (
	"fmt"

	"github.com/platformkit/platform/internal/config"
	"github.com/rs/zerolog/log"
)

// NewStore creates a key-value store based on configuration.
//
// Backend options:
// - "memory": in-process store (single instance only)
// - "redis": Redis-compatible server shared by all instances
func NewStore(cfg *config.Config) (Store, error) {
	switch cfg.KVStore.Backend {
	case "memory", "":
		log.Info().Msg("Using in-memory key-value store (single instance mode)")
		return NewMemoryStore(cfg.KVStore.GCInterval), nil

	case "redis":
		if cfg.Redis.URL == "" {
			return nil, fmt.Errorf("redis.url is required for redis key-value store")
		}
		store, err := NewRedisStore(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis for key-value store: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown kvstore backend: %s (valid options: memory, redis)", cfg.KVStore.Backend)
	}
}
