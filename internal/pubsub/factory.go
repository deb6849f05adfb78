package pubsub

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/platformkit/platform/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// NewPubSub creates a pub/sub based on configuration.
//
// Backend options:
// - "local": in-process pub/sub (single instance)
// - "postgres": PostgreSQL LISTEN/NOTIFY (multi-instance without Redis)
// - "redis": Redis pub/sub (multi-instance, high scale)
//
// pool is required for "postgres". client is optional for "redis"; when nil a
// dedicated client is created from redis.url.
func NewPubSub(cfg *config.Config, pool *pgxpool.Pool, client redis.UniversalClient) (PubSub, error) {
	buffer := cfg.PubSub.BufferSize

	switch cfg.PubSub.Backend {
	case "local", "":
		log.Info().Msg("Using local pub/sub (single instance mode)")
		return NewLocalPubSub(buffer), nil

	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("database pool is required for postgres pub/sub backend")
		}
		log.Info().Msg("Using PostgreSQL pub/sub (multi-instance mode)")
		ps := NewPostgresPubSub(pool, buffer)
		if err := ps.Start(); err != nil {
			return nil, fmt.Errorf("failed to start PostgreSQL pub/sub: %w", err)
		}
		return ps, nil

	case "redis":
		if client != nil {
			log.Info().Msg("Using Redis-compatible pub/sub on the shared client")
			return NewRedisPubSubFromClient(client, buffer), nil
		}
		if cfg.Redis.URL == "" {
			return nil, fmt.Errorf("redis.url is required for redis pub/sub backend")
		}
		log.Info().Msg("Using Redis-compatible pub/sub (multi-instance mode)")
		ps, err := NewRedisPubSub(cfg.Redis.URL, buffer)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis for pub/sub: %w", err)
		}
		return ps, nil

	default:
		return nil, fmt.Errorf("unknown pub/sub backend: %s (valid options: local, postgres, redis)", cfg.PubSub.Backend)
	}
}
